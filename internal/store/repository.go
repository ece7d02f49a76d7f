/**
 * @description
 * This file defines the persistence contract for the billing engine. Reads are served
 * directly by the Repository without locks. Every mutation of balances, transactions,
 * subscriptions or payment requests happens inside WithLock, which opens one atomic
 * unit of work and exclusively locks the named merchants' rows before handing out a Tx.
 *
 * @dependencies
 * - context, time: Standard Go libraries.
 * - github.com/google/uuid: Identifier type for every entity.
 * - internal/domain: Domain models.
 */

package store

import (
	"bytes"
	"context"
	"errors"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/restoplatform/billing-service/internal/domain"
)

var (
	// ErrDuplicatePaymentRequest is returned when a payment request with the same external
	// reference already exists for the merchant.
	ErrDuplicatePaymentRequest = errors.New("payment request already exists")
	// ErrDuplicateMerchant is returned when provisioning an existing merchant ID.
	ErrDuplicateMerchant = errors.New("merchant already exists")
	// ErrNotLocked is returned when a Tx is asked for a merchant outside its lock set.
	ErrNotLocked = errors.New("merchant is not locked in this unit of work")
)

// TransactionQuery filters committed transactions for one merchant.
type TransactionQuery struct {
	Type          *domain.TransactionType
	From          *time.Time
	To            *time.Time
	Search        string
	IncludeHidden bool
	Limit         int
	Offset        int
}

// PaymentRequestQuery filters payment requests for one merchant.
type PaymentRequestQuery struct {
	Statuses []domain.PaymentRequestStatus
	From     *time.Time
	To       *time.Time
}

// Repository defines the set of methods for interacting with the database.
type Repository interface {
	GetMerchant(ctx context.Context, merchantID uuid.UUID) (*domain.Merchant, error)
	GetBalance(ctx context.Context, merchantID uuid.UUID) (*domain.Balance, error)
	GetSubscription(ctx context.Context, merchantID uuid.UUID) (*domain.Subscription, error)
	GetPaymentRequest(ctx context.Context, requestID uuid.UUID) (*domain.PaymentRequest, error)
	FindPaymentRequestByExternalRef(ctx context.Context, merchantID uuid.UUID, externalRef string) (*domain.PaymentRequest, error)

	// ListTransactions returns committed transactions newest first.
	ListTransactions(ctx context.Context, merchantID uuid.UUID, query TransactionQuery) ([]domain.Transaction, error)
	// ListPaymentRequests returns a merchant's payment requests newest first.
	ListPaymentRequests(ctx context.Context, merchantID uuid.UUID, query PaymentRequestQuery) ([]domain.PaymentRequest, error)
	// ListDueSubscriptions returns merchants whose ACTIVE, automatically managed subscription
	// is no longer backed by balance or time at the given instant.
	ListDueSubscriptions(ctx context.Context, now time.Time) ([]uuid.UUID, error)
	// ListStalePaymentRequests returns PENDING requests created before the cutoff.
	ListStalePaymentRequests(ctx context.Context, cutoff time.Time) ([]domain.PaymentRequest, error)

	// CreateMerchant atomically inserts a merchant with its zero balance and initial subscription.
	CreateMerchant(ctx context.Context, merchant *domain.Merchant, balance *domain.Balance, sub *domain.Subscription) error
	// CreatePaymentRequest inserts a new payment request.
	CreatePaymentRequest(ctx context.Context, request *domain.PaymentRequest) error

	// WithLock runs fn inside one unit of work holding exclusive locks on the balance rows and
	// then the subscription rows of merchantIDs, acquired in ascending ID order. The unit
	// commits only when fn returns nil; any error or context cancellation rolls it back.
	WithLock(ctx context.Context, merchantIDs []uuid.UUID, fn func(tx Tx) error) error
}

// Tx is the transactional scope handed out by WithLock. It only exposes merchants that were
// locked when the unit of work began.
type Tx interface {
	Merchant(ctx context.Context, merchantID uuid.UUID) (*domain.Merchant, error)
	Balance(ctx context.Context, merchantID uuid.UUID) (*domain.Balance, error)
	Subscription(ctx context.Context, merchantID uuid.UUID) (*domain.Subscription, error)
	// PaymentRequest locks and returns a request owned by one of the locked merchants.
	PaymentRequest(ctx context.Context, requestID uuid.UUID) (*domain.PaymentRequest, error)
	HasTransactions(ctx context.Context, merchantID uuid.UUID) (bool, error)

	UpdateBalance(ctx context.Context, balance *domain.Balance) error
	InsertTransaction(ctx context.Context, txn *domain.Transaction) error
	UpdateSubscription(ctx context.Context, sub *domain.Subscription) error
	UpdatePaymentRequest(ctx context.Context, request *domain.PaymentRequest) error
	UpdateMerchantCurrency(ctx context.Context, merchantID uuid.UUID, currency string) error
}

// LockOrder returns the deduplicated IDs in the order rows must be locked.
func LockOrder(merchantIDs []uuid.UUID) []uuid.UUID {
	ordered := slices.Clone(merchantIDs)
	slices.SortFunc(ordered, func(a, b uuid.UUID) int {
		return bytes.Compare(a[:], b[:])
	})
	return slices.Compact(ordered)
}
