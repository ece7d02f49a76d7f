/**
 * @description
 * The subscription state machine owns each merchant's plan and status. Status is derived
 * from balance and time facts by evaluate; operator overrides (suspend, activate, extend,
 * cancel, plan changes) run through the same locked unit of work as automatic evaluation.
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

const defaultTrialDays = 14

// Subscriptions is the SubscriptionStateMachine service.
type Subscriptions struct {
	core
	trialDays int
}

func NewSubscriptions(deps Dependencies, trialDays int) *Subscriptions {
	if trialDays <= 0 {
		trialDays = defaultTrialDays
	}
	return &Subscriptions{core: newCore(deps, "subscriptions"), trialDays: trialDays}
}

// ProvisionInput registers a merchant with the billing engine.
type ProvisionInput struct {
	MerchantID   uuid.UUID
	Name         string
	CurrencyCode string
	ParentID     *uuid.UUID
}

// evaluate computes the status the balance and time facts justify. It must not be called
// for cancelled or manually suspended subscriptions.
func evaluate(sub *domain.Subscription, balance domain.Money, now time.Time) (domain.SubscriptionStatus, *string) {
	suspended := func(reason string) (domain.SubscriptionStatus, *string) {
		return domain.StatusSuspended, &reason
	}
	switch sub.Type {
	case domain.SubscriptionTrial:
		if now.After(sub.TrialEndsAt) {
			return suspended(domain.ReasonTrialExpired)
		}
	case domain.SubscriptionDeposit:
		if !balance.IsPositive() {
			return suspended(domain.ReasonInsufficientBalance)
		}
	case domain.SubscriptionMonthly:
		if sub.CurrentPeriodEnd == nil || now.After(*sub.CurrentPeriodEnd) {
			return suspended(domain.ReasonSubscriptionExpired)
		}
	default:
		return suspended(domain.ReasonNoActivePlan)
	}
	return domain.StatusActive, nil
}

func sameReason(a, b *string) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

// needsTransition reports whether sub is automatically managed and out of step with facts.
func needsTransition(sub *domain.Subscription, balance domain.Money, now time.Time) bool {
	if sub.Status == domain.StatusCancelled || sub.SuspendedManually {
		return false
	}
	status, reason := evaluate(sub, balance, now)
	return status != sub.Status || !sameReason(reason, sub.SuspendReason)
}

// save validates and writes sub, emitting a change event when the type or status moved.
func save(ctx context.Context, u *unit, before domain.Subscription, sub *domain.Subscription) error {
	sub.UpdatedAt = u.now
	if err := u.tx.UpdateSubscription(ctx, sub); err != nil {
		return err
	}
	if before.Status != sub.Status || before.Type != sub.Type || !sameReason(before.SuspendReason, sub.SuspendReason) {
		u.emit(domain.EventSubscriptionChanged, domain.SubscriptionChangedEvent{
			MerchantID:     sub.MerchantID,
			Type:           sub.Type,
			PreviousStatus: before.Status,
			Status:         sub.Status,
			Reason:         sub.SuspendReason,
			OccurredAt:     u.now,
		})
	}
	return nil
}

// reevaluate recomputes status from the locked rows and persists any transition.
func reevaluate(ctx context.Context, u *unit, merchantID uuid.UUID) (*domain.Subscription, error) {
	sub, err := u.tx.Subscription(ctx, merchantID)
	if err != nil {
		return nil, err
	}
	balance, err := u.tx.Balance(ctx, merchantID)
	if err != nil {
		return nil, err
	}
	if !needsTransition(sub, balance.Amount, u.now) {
		return sub, nil
	}
	before := *sub.Clone()
	sub.Status, sub.SuspendReason = evaluate(sub, balance.Amount, u.now)
	if err := save(ctx, u, before, sub); err != nil {
		return nil, err
	}
	return sub, nil
}

// reevaluateDeposit re-checks a DEPOSIT subscription after its balance moved.
func reevaluateDeposit(ctx context.Context, u *unit, merchantID uuid.UUID) error {
	sub, err := u.tx.Subscription(ctx, merchantID)
	if err != nil {
		return err
	}
	if sub.Type != domain.SubscriptionDeposit {
		return nil
	}
	_, err = reevaluate(ctx, u, merchantID)
	return err
}

// adoptDeposit puts a TRIAL or NONE merchant on the DEPOSIT plan once a paid deposit has
// landed in its balance, then re-checks status. Other plans only get the deposit re-check.
func adoptDeposit(ctx context.Context, u *unit, merchantID uuid.UUID) error {
	sub, err := u.tx.Subscription(ctx, merchantID)
	if err != nil {
		return err
	}
	if sub.Status == domain.StatusCancelled ||
		(sub.Type != domain.SubscriptionTrial && sub.Type != domain.SubscriptionNone) {
		return reevaluateDeposit(ctx, u, merchantID)
	}
	balance, err := u.tx.Balance(ctx, merchantID)
	if err != nil {
		return err
	}
	before := *sub.Clone()
	sub.Type = domain.SubscriptionDeposit
	sub.CurrentPeriodStart = nil
	sub.CurrentPeriodEnd = nil
	if !sub.SuspendedManually {
		sub.Status, sub.SuspendReason = evaluate(sub, balance.Amount, u.now)
	}
	if err := save(ctx, u, before, sub); err != nil {
		return err
	}
	return bookkeeping(ctx, u, merchantID, fmt.Sprintf("Plan changed from %s to %s after deposit", before.Type, sub.Type), nil)
}

// bookkeeping records a hidden zero-amount SUBSCRIPTION entry for a plan change.
func bookkeeping(ctx context.Context, u *unit, merchantID uuid.UUID, description string, paymentRequestID *uuid.UUID) error {
	balance, err := u.tx.Balance(ctx, merchantID)
	if err != nil {
		return err
	}
	_, _, err = applyEntry(ctx, u, entry{
		merchantID:       merchantID,
		txType:           domain.TransactionSubscription,
		amount:           domain.Zero(balance.Amount.Currency),
		description:      description,
		hidden:           true,
		paymentRequestID: paymentRequestID,
	})
	return err
}

// extend adds paid days inside a unit of work. An expired or missing period restarts at now;
// a running period is lengthened without losing unused time.
func extend(ctx context.Context, u *unit, merchantID uuid.UUID, days int, paymentRequestID *uuid.UUID) (*domain.Subscription, error) {
	if days <= 0 {
		return nil, domain.NewValidationError("days", "days must be positive")
	}
	sub, err := u.tx.Subscription(ctx, merchantID)
	if err != nil {
		return nil, err
	}
	if sub.Status == domain.StatusCancelled {
		return nil, domain.NewConflictError("subscription", merchantID, "subscription is cancelled")
	}
	before := *sub.Clone()

	if sub.CurrentPeriodEnd == nil || !sub.CurrentPeriodEnd.After(u.now) {
		start := u.now
		end := u.now.AddDate(0, 0, days)
		sub.CurrentPeriodStart = &start
		sub.CurrentPeriodEnd = &end
	} else {
		end := sub.CurrentPeriodEnd.AddDate(0, 0, days)
		sub.CurrentPeriodEnd = &end
	}
	if sub.Type == domain.SubscriptionNone || sub.Type == domain.SubscriptionTrial {
		sub.Type = domain.SubscriptionMonthly
	}
	sub.Status = domain.StatusActive
	sub.SuspendReason = nil
	sub.SuspendedManually = false

	if err := save(ctx, u, before, sub); err != nil {
		return nil, err
	}
	if err := bookkeeping(ctx, u, merchantID, fmt.Sprintf("Subscription extended by %d days", days), paymentRequestID); err != nil {
		return nil, err
	}
	return sub, nil
}

// Provision creates a merchant with a zero balance and a TRIAL subscription.
func (s *Subscriptions) Provision(ctx context.Context, actor domain.AuthContext, in ProvisionInput) (*domain.Merchant, error) {
	id := in.MerchantID
	if id == uuid.Nil {
		id = uuid.New()
	}
	if err := actor.RequireGlobal(id); err != nil {
		return nil, err
	}
	name := strings.TrimSpace(in.Name)
	if name == "" {
		return nil, domain.NewValidationError("name", "name is required")
	}
	currency, err := domain.NormalizeCurrency(in.CurrencyCode)
	if err != nil {
		return nil, err
	}
	if in.ParentID != nil {
		parent, err := s.repo.GetMerchant(ctx, *in.ParentID)
		if err != nil {
			return nil, err
		}
		if !parent.IsMain() {
			return nil, domain.NewValidationError("parent_id", "a branch can only belong to a main merchant")
		}
		if parent.CurrencyCode != currency {
			return nil, domain.NewValidationError("currency_code", "a branch must use its main merchant's currency")
		}
	}

	now := s.clock.Now()
	merchant := &domain.Merchant{ID: id, Name: name, CurrencyCode: currency, ParentID: in.ParentID, CreatedAt: now}
	balance := &domain.Balance{MerchantID: id, Amount: domain.Zero(currency), UpdatedAt: now}
	sub := &domain.Subscription{
		MerchantID:  id,
		Type:        domain.SubscriptionTrial,
		Status:      domain.StatusActive,
		TrialEndsAt: now.AddDate(0, 0, s.trialDays),
		UpdatedAt:   now,
	}
	if err := s.repo.CreateMerchant(ctx, merchant, balance, sub); err != nil {
		if errors.Is(err, store.ErrDuplicateMerchant) {
			return nil, domain.NewConflictError("merchant", id, "merchant already exists")
		}
		return nil, err
	}
	s.logger.Info("merchant provisioned", "merchant_id", id, "currency", currency, "trial_ends_at", sub.TrialEndsAt)
	return merchant, nil
}

// Get returns the stored subscription without evaluating it.
func (s *Subscriptions) Get(ctx context.Context, merchantID uuid.UUID) (*domain.Subscription, error) {
	return s.repo.GetSubscription(ctx, merchantID)
}

// EvaluateStatus brings an automatically managed subscription in line with balance and time.
// It reads without locks first and only opens a unit of work when a transition is due; the
// transition is then recomputed from the locked rows. Calling it repeatedly is a no-op.
func (s *Subscriptions) EvaluateStatus(ctx context.Context, merchantID uuid.UUID) (*domain.Subscription, error) {
	sub, err := s.repo.GetSubscription(ctx, merchantID)
	if err != nil {
		return nil, err
	}
	if sub.Status == domain.StatusCancelled || sub.SuspendedManually {
		return sub, nil
	}
	balance, err := s.repo.GetBalance(ctx, merchantID)
	if err != nil {
		return nil, err
	}
	if !needsTransition(sub, balance.Amount, s.clock.Now()) {
		return sub, nil
	}

	var result *domain.Subscription
	err = s.run(ctx, domain.SystemActorID, []uuid.UUID{merchantID}, func(u *unit) error {
		var err error
		result, err = reevaluate(ctx, u, merchantID)
		return err
	})
	if err != nil {
		return nil, err
	}
	if result.Status != sub.Status {
		s.logger.Info("subscription status changed", "merchant_id", merchantID, "from", sub.Status, "to", result.Status)
	}
	return result, nil
}

// ExtendDays adds paid days and activates the subscription.
func (s *Subscriptions) ExtendDays(ctx context.Context, actor domain.AuthContext, merchantID uuid.UUID, days int) (*domain.Subscription, error) {
	if err := actor.RequireManage(merchantID); err != nil {
		return nil, err
	}
	if days <= 0 {
		return nil, domain.NewValidationError("days", "days must be positive")
	}
	var result *domain.Subscription
	err := s.run(ctx, actor.ActorID, []uuid.UUID{merchantID}, func(u *unit) error {
		var err error
		result, err = extend(ctx, u, merchantID, days, nil)
		return err
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// Suspend sets a manual suspension that automatic evaluation will not undo.
func (s *Subscriptions) Suspend(ctx context.Context, actor domain.AuthContext, merchantID uuid.UUID, reason string) (*domain.Subscription, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, domain.NewValidationError("reason", "reason is required")
	}
	return s.mutate(ctx, actor, merchantID, func(u *unit, sub *domain.Subscription) error {
		sub.Status = domain.StatusSuspended
		sub.SuspendReason = &reason
		sub.SuspendedManually = true
		return nil
	})
}

// Activate clears any suspension. Dates are left untouched.
func (s *Subscriptions) Activate(ctx context.Context, actor domain.AuthContext, merchantID uuid.UUID) (*domain.Subscription, error) {
	return s.mutate(ctx, actor, merchantID, func(u *unit, sub *domain.Subscription) error {
		sub.Status = domain.StatusActive
		sub.SuspendReason = nil
		sub.SuspendedManually = false
		return nil
	})
}

// Cancel ends the subscription permanently.
func (s *Subscriptions) Cancel(ctx context.Context, actor domain.AuthContext, merchantID uuid.UUID) (*domain.Subscription, error) {
	return s.mutate(ctx, actor, merchantID, func(u *unit, sub *domain.Subscription) error {
		sub.Status = domain.StatusCancelled
		sub.SuspendReason = nil
		sub.SuspendedManually = false
		return nil
	})
}

// ChangePlan switches the subscription type. Moving to DEPOSIT or NONE drops the paid period;
// status is then recomputed for the new plan.
func (s *Subscriptions) ChangePlan(ctx context.Context, actor domain.AuthContext, merchantID uuid.UUID, plan domain.SubscriptionType) (*domain.Subscription, error) {
	if !plan.Valid() || plan == domain.SubscriptionTrial {
		return nil, domain.NewValidationError("type", fmt.Sprintf("cannot switch to plan %q", plan))
	}
	return s.mutate(ctx, actor, merchantID, func(u *unit, sub *domain.Subscription) error {
		if sub.Type == plan {
			return nil
		}
		previous := sub.Type
		sub.Type = plan
		if plan != domain.SubscriptionMonthly {
			sub.CurrentPeriodStart = nil
			sub.CurrentPeriodEnd = nil
		}
		balance, err := u.tx.Balance(ctx, merchantID)
		if err != nil {
			return err
		}
		sub.SuspendedManually = false
		sub.Status, sub.SuspendReason = evaluate(sub, balance.Amount, u.now)
		return bookkeeping(ctx, u, merchantID, fmt.Sprintf("Plan changed from %s to %s", previous, plan), nil)
	})
}

// mutate runs an operator change on a non-cancelled subscription.
func (s *Subscriptions) mutate(ctx context.Context, actor domain.AuthContext, merchantID uuid.UUID, change func(u *unit, sub *domain.Subscription) error) (*domain.Subscription, error) {
	if err := actor.RequireManage(merchantID); err != nil {
		return nil, err
	}
	var result *domain.Subscription
	err := s.run(ctx, actor.ActorID, []uuid.UUID{merchantID}, func(u *unit) error {
		sub, err := u.tx.Subscription(ctx, merchantID)
		if err != nil {
			return err
		}
		if sub.Status == domain.StatusCancelled {
			return domain.NewConflictError("subscription", merchantID, "subscription is cancelled")
		}
		before := *sub.Clone()
		if err := change(u, sub); err != nil {
			return err
		}
		if err := save(ctx, u, before, sub); err != nil {
			return err
		}
		result = sub
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("subscription updated", "merchant_id", merchantID, "type", result.Type, "status", result.Status, "actor_id", actor.ActorID)
	return result, nil
}

// ListDue returns merchants the scheduler should evaluate now.
func (s *Subscriptions) ListDue(ctx context.Context) ([]uuid.UUID, error) {
	return s.repo.ListDueSubscriptions(ctx, s.clock.Now())
}
