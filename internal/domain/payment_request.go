package domain

import (
	"time"

	"github.com/google/uuid"
)

// PaymentRequestType is what a verified payment request pays for.
type PaymentRequestType string

const (
	PaymentDepositTopup        PaymentRequestType = "DEPOSIT_TOPUP"
	PaymentSubscriptionRenewal PaymentRequestType = "SUBSCRIPTION_RENEWAL"
)

func (t PaymentRequestType) Valid() bool {
	return t == PaymentDepositTopup || t == PaymentSubscriptionRenewal
}

// PaymentRequestStatus follows PENDING -> CONFIRMED -> VERIFIED | REJECTED, or PENDING -> EXPIRED.
type PaymentRequestStatus string

const (
	PaymentPending   PaymentRequestStatus = "PENDING"
	PaymentConfirmed PaymentRequestStatus = "CONFIRMED"
	PaymentVerified  PaymentRequestStatus = "VERIFIED"
	PaymentRejected  PaymentRequestStatus = "REJECTED"
	PaymentExpired   PaymentRequestStatus = "EXPIRED"
)

// Terminal reports whether no further transitions are allowed.
func (s PaymentRequestStatus) Terminal() bool {
	return s == PaymentVerified || s == PaymentRejected || s == PaymentExpired
}

// Resolvable reports whether the request may still be verified or rejected.
func (s PaymentRequestStatus) Resolvable() bool {
	return s == PaymentPending || s == PaymentConfirmed
}

// PaymentRequest is a customer-claimed payment awaiting staff verification.
type PaymentRequest struct {
	ID           uuid.UUID            `json:"id"`
	MerchantID   uuid.UUID            `json:"merchant_id"`
	Type         PaymentRequestType   `json:"type"`
	Amount       Money                `json:"amount"`
	RenewalDays  int                  `json:"renewal_days,omitempty"`
	ExternalRef  string               `json:"external_ref"`
	Status       PaymentRequestStatus `json:"status"`
	RejectReason *string              `json:"reject_reason,omitempty"`
	ResolvedBy   *string              `json:"resolved_by,omitempty"`
	CreatedAt    time.Time            `json:"created_at"`
	ConfirmedAt  *time.Time           `json:"confirmed_at,omitempty"`
	ResolvedAt   *time.Time           `json:"resolved_at,omitempty"`
}

// Clone returns a deep copy.
func (p *PaymentRequest) Clone() *PaymentRequest {
	c := *p
	c.ConfirmedAt = cloneTime(p.ConfirmedAt)
	c.ResolvedAt = cloneTime(p.ResolvedAt)
	if p.RejectReason != nil {
		v := *p.RejectReason
		c.RejectReason = &v
	}
	if p.ResolvedBy != nil {
		v := *p.ResolvedBy
		c.ResolvedBy = &v
	}
	return &c
}
