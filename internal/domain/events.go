package domain

import (
	"time"

	"github.com/google/uuid"
)

// Routing keys for events published after a unit of work commits.
const (
	EventTransactionRecorded     = "ledger.transaction.recorded"
	EventTransferCompleted       = "ledger.transfer.completed"
	EventSubscriptionChanged     = "subscription.status.changed"
	EventPaymentRequestVerified  = "payment_request.verified"
	EventPaymentRequestRejected  = "payment_request.rejected"
	EventPaymentRequestExpired   = "payment_request.expired"
	EventGatewayPaymentCreated   = "payment.request.created"
	EventGatewayPaymentConfirmed = "payment.request.confirmed"
)

// TransactionRecordedEvent is emitted for every committed ledger entry.
type TransactionRecordedEvent struct {
	TransactionID uuid.UUID       `json:"transaction_id"`
	MerchantID    uuid.UUID       `json:"merchant_id"`
	Type          TransactionType `json:"type"`
	Amount        Money           `json:"amount"`
	BalanceAfter  Money           `json:"balance_after"`
	ActorID       string          `json:"actor_id"`
	OccurredAt    time.Time       `json:"occurred_at"`
}

// TransferCompletedEvent is emitted once both legs of a branch transfer commit.
type TransferCompletedEvent struct {
	TransferID     uuid.UUID `json:"transfer_id"`
	FromMerchantID uuid.UUID `json:"from_merchant_id"`
	ToMerchantID   uuid.UUID `json:"to_merchant_id"`
	Amount         Money     `json:"amount"`
	ActorID        string    `json:"actor_id"`
	OccurredAt     time.Time `json:"occurred_at"`
}

// SubscriptionChangedEvent is emitted when a subscription's type or status changes.
type SubscriptionChangedEvent struct {
	MerchantID     uuid.UUID          `json:"merchant_id"`
	Type           SubscriptionType   `json:"type"`
	PreviousStatus SubscriptionStatus `json:"previous_status"`
	Status         SubscriptionStatus `json:"status"`
	Reason         *string            `json:"reason,omitempty"`
	OccurredAt     time.Time          `json:"occurred_at"`
}

// PaymentRequestResolvedEvent is emitted when a payment request reaches a terminal status.
type PaymentRequestResolvedEvent struct {
	PaymentRequestID uuid.UUID            `json:"payment_request_id"`
	MerchantID       uuid.UUID            `json:"merchant_id"`
	Type             PaymentRequestType   `json:"type"`
	Status           PaymentRequestStatus `json:"status"`
	Amount           Money                `json:"amount"`
	Reason           *string              `json:"reason,omitempty"`
	OccurredAt       time.Time            `json:"occurred_at"`
}

// GatewayPaymentEvent is consumed from the payment gateway. Amount is a decimal string in
// major units of CurrencyCode.
type GatewayPaymentEvent struct {
	ExternalRef  string    `json:"external_ref"`
	MerchantID   string    `json:"merchant_id"`
	Type         string    `json:"type"`
	Amount       string    `json:"amount"`
	CurrencyCode string    `json:"currency_code"`
	RenewalDays  int       `json:"renewal_days"`
	OccurredAt   time.Time `json:"occurred_at"`
}
