/**
 * @description
 * Scheduled job implementations for the billing scheduler. Jobs never hold a lock across
 * merchants: each subscription or payment request is handled in its own unit of work.
 */
package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/restoplatform/billing-service/internal/domain"
)

// SubscriptionEvaluator lists subscriptions whose computed status may differ from their
// stored one and re-evaluates them.
type SubscriptionEvaluator interface {
	ListDue(ctx context.Context) ([]uuid.UUID, error)
	EvaluateStatus(ctx context.Context, merchantID uuid.UUID) (*domain.Subscription, error)
}

// PaymentRequestExpirer expires stale PENDING payment requests.
type PaymentRequestExpirer interface {
	ExpireStale(ctx context.Context) (int, error)
}

// Jobs contains the logic for all scheduled tasks.
type Jobs struct {
	subscriptions SubscriptionEvaluator
	payments      PaymentRequestExpirer
	logger        *slog.Logger
	timeout       time.Duration
}

// NewJobs creates a new Jobs runner.
func NewJobs(subscriptions SubscriptionEvaluator, payments PaymentRequestExpirer, logger *slog.Logger, timeout time.Duration) *Jobs {
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	return &Jobs{
		subscriptions: subscriptions,
		payments:      payments,
		logger:        logger,
		timeout:       timeout,
	}
}

// EvaluateSubscriptions suspends or re-activates subscriptions whose conditions changed since
// their last write. A failure on one merchant is logged and the sweep continues.
func (j *Jobs) EvaluateSubscriptions() {
	j.logger.Info("starting subscription evaluation job")
	ctx, cancel := context.WithTimeout(context.Background(), j.timeout)
	defer cancel()

	due, err := j.subscriptions.ListDue(ctx)
	if err != nil {
		j.logger.Error("failed to list due subscriptions", "error", err)
		return
	}

	if len(due) == 0 {
		j.logger.Info("no subscriptions due for evaluation")
		return
	}

	j.logger.Info("found subscriptions to evaluate", "count", len(due))

	var changed, failed int
	for _, merchantID := range due {
		if ctx.Err() != nil {
			j.logger.Warn("subscription evaluation job timed out", "remaining", len(due)-changed-failed)
			break
		}
		sub, err := j.subscriptions.EvaluateStatus(ctx, merchantID)
		if err != nil {
			failed++
			j.logger.Error("failed to evaluate subscription", "merchant_id", merchantID, "error", err)
			continue
		}
		changed++
		j.logger.Info("subscription evaluated", "merchant_id", merchantID, "status", sub.Status)
	}

	j.logger.Info("subscription evaluation job finished", "evaluated", changed, "failed", failed)
}

// ExpirePaymentRequests moves stale PENDING payment requests to EXPIRED.
func (j *Jobs) ExpirePaymentRequests() {
	j.logger.Info("starting payment request expiry job")
	ctx, cancel := context.WithTimeout(context.Background(), j.timeout)
	defer cancel()

	expired, err := j.payments.ExpireStale(ctx)
	if err != nil {
		j.logger.Error("payment request expiry job finished with errors", "expired", expired, "error", err)
		return
	}

	j.logger.Info("payment request expiry job finished", "expired", expired)
}
