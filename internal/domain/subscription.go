package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// SubscriptionType is the billing plan. It is orthogonal to SubscriptionStatus.
type SubscriptionType string

const (
	SubscriptionTrial   SubscriptionType = "TRIAL"
	SubscriptionDeposit SubscriptionType = "DEPOSIT"
	SubscriptionMonthly SubscriptionType = "MONTHLY"
	SubscriptionNone    SubscriptionType = "NONE"
)

func (t SubscriptionType) Valid() bool {
	switch t {
	case SubscriptionTrial, SubscriptionDeposit, SubscriptionMonthly, SubscriptionNone:
		return true
	}
	return false
}

// SubscriptionStatus is the lifecycle state of a subscription.
type SubscriptionStatus string

const (
	StatusActive    SubscriptionStatus = "ACTIVE"
	StatusSuspended SubscriptionStatus = "SUSPENDED"
	StatusCancelled SubscriptionStatus = "CANCELLED"
)

// Reasons recorded by automatic evaluation.
const (
	ReasonTrialExpired        = "Trial expired"
	ReasonInsufficientBalance = "Insufficient balance"
	ReasonSubscriptionExpired = "Subscription expired"
	ReasonNoActivePlan        = "No active plan"
)

// Subscription is the per-merchant billing plan and its status.
type Subscription struct {
	MerchantID         uuid.UUID          `json:"merchant_id"`
	Type               SubscriptionType   `json:"type"`
	Status             SubscriptionStatus `json:"status"`
	TrialEndsAt        time.Time          `json:"trial_ends_at"`
	CurrentPeriodStart *time.Time         `json:"current_period_start,omitempty"`
	CurrentPeriodEnd   *time.Time         `json:"current_period_end,omitempty"`
	SuspendReason      *string            `json:"suspend_reason,omitempty"`
	// SuspendedManually marks a suspension set by an operator. Automatic evaluation leaves
	// such subscriptions alone until they are explicitly activated or extended.
	SuspendedManually bool      `json:"suspended_manually"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// Validate checks that a SUSPENDED subscription has a reason and an ACTIVE one has none.
func (s *Subscription) Validate() error {
	switch s.Status {
	case StatusSuspended:
		if s.SuspendReason == nil || *s.SuspendReason == "" {
			return fmt.Errorf("subscription %s: suspended without a reason", s.MerchantID)
		}
	case StatusActive:
		if s.SuspendReason != nil {
			return fmt.Errorf("subscription %s: active with a suspend reason", s.MerchantID)
		}
	case StatusCancelled:
	default:
		return fmt.Errorf("subscription %s: unknown status %q", s.MerchantID, s.Status)
	}
	if !s.Type.Valid() {
		return fmt.Errorf("subscription %s: unknown type %q", s.MerchantID, s.Type)
	}
	return nil
}

// Clone returns a deep copy.
func (s *Subscription) Clone() *Subscription {
	c := *s
	c.CurrentPeriodStart = cloneTime(s.CurrentPeriodStart)
	c.CurrentPeriodEnd = cloneTime(s.CurrentPeriodEnd)
	if s.SuspendReason != nil {
		reason := *s.SuspendReason
		c.SuspendReason = &reason
	}
	return &c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
