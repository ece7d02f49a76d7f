/**
 * @description
 * Core domain models for the billing engine: merchants, their balance and the
 * append-only transaction log that the balance summarizes.
 */

package domain

import (
	"time"

	"github.com/google/uuid"
)

// Merchant is a tenant (restaurant or branch). A merchant without a parent is a MAIN;
// otherwise it is a BRANCH of its parent.
type Merchant struct {
	ID           uuid.UUID  `json:"id"`
	Name         string     `json:"name"`
	CurrencyCode string     `json:"currency_code"`
	ParentID     *uuid.UUID `json:"parent_id,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
}

// IsMain reports whether the merchant heads its own branch group.
func (m *Merchant) IsMain() bool { return m.ParentID == nil }

// GroupRoot returns the ID of the MAIN merchant of the branch group.
func (m *Merchant) GroupRoot() uuid.UUID {
	if m.ParentID != nil {
		return *m.ParentID
	}
	return m.ID
}

// Balance is the running total of a merchant's committed transactions.
type Balance struct {
	MerchantID  uuid.UUID  `json:"merchant_id"`
	Amount      Money      `json:"amount"`
	LastTopupAt *time.Time `json:"last_topup_at,omitempty"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// TransactionType enumerates the kinds of ledger entries.
type TransactionType string

const (
	TransactionTopup        TransactionType = "TOPUP"
	TransactionDeduction    TransactionType = "DEDUCTION"
	TransactionTransferOut  TransactionType = "TRANSFER_OUT"
	TransactionTransferIn   TransactionType = "TRANSFER_IN"
	TransactionSubscription TransactionType = "SUBSCRIPTION"
	TransactionAdjustment   TransactionType = "ADJUSTMENT"
	TransactionRefund       TransactionType = "REFUND"
)

// Valid reports whether t is a known transaction type.
func (t TransactionType) Valid() bool {
	switch t {
	case TransactionTopup, TransactionDeduction, TransactionTransferOut, TransactionTransferIn,
		TransactionSubscription, TransactionAdjustment, TransactionRefund:
		return true
	}
	return false
}

// Transaction is an immutable ledger entry. BalanceAfter always equals BalanceBefore + Amount.
type Transaction struct {
	ID               uuid.UUID       `json:"id"`
	MerchantID       uuid.UUID       `json:"merchant_id"`
	Type             TransactionType `json:"type"`
	Amount           Money           `json:"amount"`
	BalanceBefore    Money           `json:"balance_before"`
	BalanceAfter     Money           `json:"balance_after"`
	Description      string          `json:"description"`
	ActorID          string          `json:"actor_id"`
	LedgerVisible    bool            `json:"ledger_visible"`
	CounterpartyID   *uuid.UUID      `json:"counterparty_id,omitempty"`
	TransferID       *uuid.UUID      `json:"transfer_id,omitempty"`
	PaymentRequestID *uuid.UUID      `json:"payment_request_id,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
}
