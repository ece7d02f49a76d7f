/**
 * @description
 * Payment request reconciliation owns customer-claimed payments. Verifying a request marks
 * it VERIFIED and applies its effect (a top-up or a subscription extension) in the same
 * unit of work, so a request is applied at most once no matter how often it is verified.
 */

package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/restoplatform/billing-service/internal/domain"
	"github.com/restoplatform/billing-service/internal/store"
)

const (
	defaultRenewalDays = 30
	defaultPendingTTL  = 72 * time.Hour
)

// ReconciliationSettings tunes payment request handling.
type ReconciliationSettings struct {
	DefaultRenewalDays int
	PendingTTL         time.Duration
}

// Reconciliation is the PaymentRequestReconciliation service.
type Reconciliation struct {
	core
	renewalDays int
	pendingTTL  time.Duration
}

func NewReconciliation(deps Dependencies, settings ReconciliationSettings) *Reconciliation {
	if settings.DefaultRenewalDays <= 0 {
		settings.DefaultRenewalDays = defaultRenewalDays
	}
	if settings.PendingTTL <= 0 {
		settings.PendingTTL = defaultPendingTTL
	}
	return &Reconciliation{
		core:        newCore(deps, "reconciliation"),
		renewalDays: settings.DefaultRenewalDays,
		pendingTTL:  settings.PendingTTL,
	}
}

// CreatePaymentRequestInput is a payment claim originated by the gateway.
type CreatePaymentRequestInput struct {
	MerchantID  uuid.UUID
	Type        domain.PaymentRequestType
	Amount      domain.Money
	RenewalDays int
	ExternalRef string
}

// Create records a new PENDING request. Replaying the same external reference returns the
// request that already exists.
func (r *Reconciliation) Create(ctx context.Context, in CreatePaymentRequestInput) (*domain.PaymentRequest, error) {
	ref := strings.TrimSpace(in.ExternalRef)
	if ref == "" {
		return nil, domain.NewValidationError("external_ref", "external reference is required")
	}
	if !in.Type.Valid() {
		return nil, domain.NewValidationError("type", fmt.Sprintf("unknown payment request type %q", in.Type))
	}
	if !in.Amount.IsPositive() {
		return nil, domain.NewValidationError("amount", "amount must be positive")
	}
	merchant, err := r.repo.GetMerchant(ctx, in.MerchantID)
	if err != nil {
		return nil, err
	}
	if merchant.CurrencyCode != in.Amount.Currency {
		return nil, domain.NewValidationError("currency_code",
			fmt.Sprintf("merchant bills in %s, request is in %s", merchant.CurrencyCode, in.Amount.Currency))
	}

	renewalDays := 0
	if in.Type == domain.PaymentSubscriptionRenewal {
		renewalDays = in.RenewalDays
		if renewalDays <= 0 {
			renewalDays = r.renewalDays
		}
	}

	if existing, err := r.repo.FindPaymentRequestByExternalRef(ctx, in.MerchantID, ref); err == nil {
		return existing, nil
	} else if !errors.Is(err, domain.ErrNotFound) {
		return nil, err
	}

	request := &domain.PaymentRequest{
		ID:          uuid.New(),
		MerchantID:  in.MerchantID,
		Type:        in.Type,
		Amount:      in.Amount,
		RenewalDays: renewalDays,
		ExternalRef: ref,
		Status:      domain.PaymentPending,
		CreatedAt:   r.clock.Now(),
	}
	if err := r.repo.CreatePaymentRequest(ctx, request); err != nil {
		if errors.Is(err, store.ErrDuplicatePaymentRequest) {
			return r.repo.FindPaymentRequestByExternalRef(ctx, in.MerchantID, ref)
		}
		return nil, err
	}
	r.logger.Info("payment request created", "payment_request_id", request.ID, "merchant_id", request.MerchantID, "type", request.Type, "amount", request.Amount.String())
	return request, nil
}

// Get returns a payment request.
func (r *Reconciliation) Get(ctx context.Context, requestID uuid.UUID) (*domain.PaymentRequest, error) {
	return r.repo.GetPaymentRequest(ctx, requestID)
}

// ListByMerchant returns a merchant's requests, optionally restricted to some statuses.
func (r *Reconciliation) ListByMerchant(ctx context.Context, merchantID uuid.UUID, statuses ...domain.PaymentRequestStatus) ([]domain.PaymentRequest, error) {
	if _, err := r.repo.GetMerchant(ctx, merchantID); err != nil {
		return nil, err
	}
	return r.repo.ListPaymentRequests(ctx, merchantID, store.PaymentRequestQuery{Statuses: statuses})
}

// Confirm records that the customer claims to have paid.
func (r *Reconciliation) Confirm(ctx context.Context, requestID uuid.UUID) (*domain.PaymentRequest, error) {
	return r.transition(ctx, domain.SystemActorID, requestID, func(u *unit, p *domain.PaymentRequest) error {
		if p.Status != domain.PaymentPending {
			return domain.NewConflictError("payment request", p.ID, fmt.Sprintf("cannot confirm a %s request", p.Status))
		}
		now := u.now
		p.Status = domain.PaymentConfirmed
		p.ConfirmedAt = &now
		return nil
	})
}

// Verify accepts the payment and applies its effect exactly once.
func (r *Reconciliation) Verify(ctx context.Context, actor domain.AuthContext, requestID uuid.UUID) (*domain.PaymentRequest, error) {
	request, err := r.authorize(ctx, actor, requestID)
	if err != nil {
		return nil, err
	}
	result, err := r.transition(ctx, actor.ActorID, request.ID, func(u *unit, p *domain.PaymentRequest) error {
		if !p.Status.Resolvable() {
			return domain.NewConflictError("payment request", p.ID, fmt.Sprintf("cannot verify a %s request", p.Status))
		}
		resolve(u, p, domain.PaymentVerified)

		linkID := p.ID
		switch p.Type {
		case domain.PaymentDepositTopup:
			if _, _, err := applyEntry(ctx, u, entry{
				merchantID:       p.MerchantID,
				txType:           domain.TransactionTopup,
				amount:           p.Amount,
				description:      "Deposit top-up " + p.ExternalRef,
				paymentRequestID: &linkID,
			}); err != nil {
				return err
			}
			if err := adoptDeposit(ctx, u, p.MerchantID); err != nil {
				return err
			}
		case domain.PaymentSubscriptionRenewal:
			days := p.RenewalDays
			if days <= 0 {
				days = r.renewalDays
			}
			if _, err := extend(ctx, u, p.MerchantID, days, &linkID); err != nil {
				return err
			}
		default:
			return domain.NewValidationError("type", fmt.Sprintf("unknown payment request type %q", p.Type))
		}

		u.emit(domain.EventPaymentRequestVerified, resolvedEvent(u, p, nil))
		return nil
	})
	if err != nil {
		return nil, err
	}
	r.logger.Info("payment request verified", "payment_request_id", result.ID, "merchant_id", result.MerchantID, "actor_id", actor.ActorID)
	return result, nil
}

// Reject declines the payment. No ledger effect is applied.
func (r *Reconciliation) Reject(ctx context.Context, actor domain.AuthContext, requestID uuid.UUID, reason string) (*domain.PaymentRequest, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, domain.NewValidationError("reason", "reason is required")
	}
	request, err := r.authorize(ctx, actor, requestID)
	if err != nil {
		return nil, err
	}
	return r.transition(ctx, actor.ActorID, request.ID, func(u *unit, p *domain.PaymentRequest) error {
		if !p.Status.Resolvable() {
			return domain.NewConflictError("payment request", p.ID, fmt.Sprintf("cannot reject a %s request", p.Status))
		}
		resolve(u, p, domain.PaymentRejected)
		p.RejectReason = &reason
		u.emit(domain.EventPaymentRequestRejected, resolvedEvent(u, p, &reason))
		return nil
	})
}

// ExpireStale moves PENDING requests older than the configured TTL to EXPIRED. Each request
// is expired in its own unit of work; failures are collected and the sweep continues.
func (r *Reconciliation) ExpireStale(ctx context.Context) (int, error) {
	cutoff := r.clock.Now().Add(-r.pendingTTL)
	stale, err := r.repo.ListStalePaymentRequests(ctx, cutoff)
	if err != nil {
		return 0, err
	}

	var (
		expired int
		errs    []error
	)
	for _, candidate := range stale {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		changed := false
		_, err := r.transition(ctx, domain.SystemActorID, candidate.ID, func(u *unit, p *domain.PaymentRequest) error {
			if p.Status != domain.PaymentPending || !p.CreatedAt.Before(cutoff) {
				return nil
			}
			resolve(u, p, domain.PaymentExpired)
			u.emit(domain.EventPaymentRequestExpired, resolvedEvent(u, p, nil))
			changed = true
			return nil
		})
		if err != nil {
			r.logger.Error("failed to expire payment request", "payment_request_id", candidate.ID, "error", err)
			errs = append(errs, err)
			continue
		}
		if changed {
			expired++
		}
	}
	return expired, errors.Join(errs...)
}

// authorize loads the request and checks the actor may resolve it. Resolving moves money
// into a balance, so it needs super-admin or system scope.
func (r *Reconciliation) authorize(ctx context.Context, actor domain.AuthContext, requestID uuid.UUID) (*domain.PaymentRequest, error) {
	request, err := r.repo.GetPaymentRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if err := actor.RequireGlobal(request.MerchantID); err != nil {
		return nil, err
	}
	return request, nil
}

// transition locks the request's merchant, re-reads the request under that lock and applies
// change. The request is written only if change returns nil.
func (r *Reconciliation) transition(ctx context.Context, actorID string, requestID uuid.UUID, change func(u *unit, p *domain.PaymentRequest) error) (*domain.PaymentRequest, error) {
	request, err := r.repo.GetPaymentRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	var result *domain.PaymentRequest
	err = r.run(ctx, actorID, []uuid.UUID{request.MerchantID}, func(u *unit) error {
		p, err := u.tx.PaymentRequest(ctx, requestID)
		if err != nil {
			return err
		}
		before := p.Status
		if err := change(u, p); err != nil {
			return err
		}
		if p.Status != before {
			if err := u.tx.UpdatePaymentRequest(ctx, p); err != nil {
				return err
			}
		}
		result = p
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func resolve(u *unit, p *domain.PaymentRequest, status domain.PaymentRequestStatus) {
	now := u.now
	actor := u.actorID
	p.Status = status
	p.ResolvedAt = &now
	p.ResolvedBy = &actor
}

func resolvedEvent(u *unit, p *domain.PaymentRequest, reason *string) domain.PaymentRequestResolvedEvent {
	return domain.PaymentRequestResolvedEvent{
		PaymentRequestID: p.ID,
		MerchantID:       p.MerchantID,
		Type:             p.Type,
		Status:           p.Status,
		Amount:           p.Amount,
		Reason:           reason,
		OccurredAt:       u.now,
	}
}
