/**
 * @description
 * The balance ledger owns merchant balances and the append-only transaction log.
 * Every mutation appends exactly one transaction per touched balance and updates the
 * balance in the same unit of work, so the balance always equals the running sum of
 * its transactions.
 */

package app

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/restoplatform/billing-service/internal/domain"
	"github.com/restoplatform/billing-service/internal/store"
)

const (
	defaultPageSize = 50
	maxPageSize     = 200
)

// Ledger is the BalanceLedger service.
type Ledger struct {
	core
}

func NewLedger(deps Dependencies) *Ledger {
	return &Ledger{core: newCore(deps, "ledger")}
}

// AdjustInput describes a single-sided balance change.
type AdjustInput struct {
	MerchantID  uuid.UUID
	Amount      domain.Money
	Type        domain.TransactionType
	Description string
}

// TransferInput describes a move of funds between two merchants of one branch group.
type TransferInput struct {
	FromMerchantID uuid.UUID
	ToMerchantID   uuid.UUID
	Amount         domain.Money
	Note           string
}

// TransferResult carries both balances after a committed transfer.
type TransferResult struct {
	TransferID uuid.UUID       `json:"transfer_id"`
	From       *domain.Balance `json:"from"`
	To         *domain.Balance `json:"to"`
}

// TransactionFilter narrows the ledger view returned by GetTransactions.
type TransactionFilter struct {
	Type           *domain.TransactionType
	From           *time.Time
	To             *time.Time
	Search         string
	IncludePending bool
	IncludeHidden  bool
	Limit          int
	Offset         int
}

// Ledger item kinds.
const (
	ItemTransaction    = "transaction"
	ItemPendingPayment = "pending_payment"
)

// LedgerItem is either a committed transaction or a pending payment request. Pending
// requests are shown for visibility only and are not part of the balance.
type LedgerItem struct {
	Kind           string                 `json:"kind"`
	CreatedAt      time.Time              `json:"created_at"`
	Transaction    *domain.Transaction    `json:"transaction,omitempty"`
	PaymentRequest *domain.PaymentRequest `json:"payment_request,omitempty"`
}

// TransactionPage is one page of the merged ledger view.
type TransactionPage struct {
	Items  []LedgerItem `json:"items"`
	Limit  int          `json:"limit"`
	Offset int          `json:"offset"`
}

// entry is one ledger write applied inside a unit of work.
type entry struct {
	merchantID       uuid.UUID
	txType           domain.TransactionType
	amount           domain.Money
	description      string
	hidden           bool
	floorAtZero      bool
	counterpartyID   *uuid.UUID
	transferID       *uuid.UUID
	paymentRequestID *uuid.UUID
}

// applyEntry reads the locked balance, appends the transaction and writes the new balance.
func applyEntry(ctx context.Context, u *unit, e entry) (*domain.Balance, *domain.Transaction, error) {
	balance, err := u.tx.Balance(ctx, e.merchantID)
	if err != nil {
		return nil, nil, err
	}
	if e.amount.Currency != balance.Amount.Currency {
		return nil, nil, domain.NewValidationError("currency_code",
			fmt.Sprintf("amount is in %s but merchant balance is in %s", e.amount.Currency, balance.Amount.Currency))
	}

	after, err := balance.Amount.Add(e.amount)
	if err != nil {
		return nil, nil, err
	}
	if e.floorAtZero && after.IsNegative() {
		requested, _ := e.amount.Neg()
		return nil, nil, &domain.InsufficientBalanceError{
			MerchantID: e.merchantID,
			Available:  balance.Amount,
			Requested:  requested,
		}
	}

	txn := &domain.Transaction{
		ID:               uuid.New(),
		MerchantID:       e.merchantID,
		Type:             e.txType,
		Amount:           e.amount,
		BalanceBefore:    balance.Amount,
		BalanceAfter:     after,
		Description:      e.description,
		ActorID:          u.actorID,
		LedgerVisible:    !e.hidden,
		CounterpartyID:   e.counterpartyID,
		TransferID:       e.transferID,
		PaymentRequestID: e.paymentRequestID,
		CreatedAt:        u.now,
	}
	if err := u.tx.InsertTransaction(ctx, txn); err != nil {
		return nil, nil, err
	}

	if !e.amount.IsZero() {
		balance.Amount = after
		balance.UpdatedAt = u.now
		if e.txType == domain.TransactionTopup {
			now := u.now
			balance.LastTopupAt = &now
		}
		if err := u.tx.UpdateBalance(ctx, balance); err != nil {
			return nil, nil, err
		}
	}

	if !e.hidden {
		u.emit(domain.EventTransactionRecorded, domain.TransactionRecordedEvent{
			TransactionID: txn.ID,
			MerchantID:    txn.MerchantID,
			Type:          txn.Type,
			Amount:        txn.Amount,
			BalanceAfter:  txn.BalanceAfter,
			ActorID:       txn.ActorID,
			OccurredAt:    txn.CreatedAt,
		})
	}
	return balance, txn, nil
}

// GetBalance returns the merchant's current balance without taking locks.
func (l *Ledger) GetBalance(ctx context.Context, merchantID uuid.UUID) (*domain.Balance, error) {
	return l.repo.GetBalance(ctx, merchantID)
}

// Adjust applies a single balance change and returns the new amount. DEDUCTION is a
// consumption debit and may not take the balance below zero; TOPUP, ADJUSTMENT and REFUND
// are operator corrections and are not floor-limited.
func (l *Ledger) Adjust(ctx context.Context, actor domain.AuthContext, in AdjustInput) (domain.Money, error) {
	if err := validateAdjust(in); err != nil {
		return domain.Money{}, err
	}
	if in.Type == domain.TransactionDeduction {
		if err := actor.RequireManage(in.MerchantID); err != nil {
			return domain.Money{}, err
		}
	} else if err := actor.RequireGlobal(in.MerchantID); err != nil {
		return domain.Money{}, err
	}

	var result domain.Money
	err := l.run(ctx, actor.ActorID, []uuid.UUID{in.MerchantID}, func(u *unit) error {
		balance, _, err := applyEntry(ctx, u, entry{
			merchantID:  in.MerchantID,
			txType:      in.Type,
			amount:      in.Amount,
			description: strings.TrimSpace(in.Description),
			floorAtZero: in.Type == domain.TransactionDeduction,
		})
		if err != nil {
			return err
		}
		if err := reevaluateDeposit(ctx, u, in.MerchantID); err != nil {
			return err
		}
		result = balance.Amount
		return nil
	})
	if err != nil {
		return domain.Money{}, err
	}
	l.logger.Info("balance adjusted", "merchant_id", in.MerchantID, "type", in.Type, "amount", in.Amount.String(), "actor_id", actor.ActorID)
	return result, nil
}

func validateAdjust(in AdjustInput) error {
	if in.MerchantID == uuid.Nil {
		return domain.NewValidationError("merchant_id", "merchant id is required")
	}
	if in.Amount.IsZero() {
		return domain.NewValidationError("amount", "amount must not be zero")
	}
	if _, err := domain.NormalizeCurrency(in.Amount.Currency); err != nil {
		return err
	}
	switch in.Type {
	case domain.TransactionDeduction:
		if !in.Amount.IsNegative() {
			return domain.NewValidationError("amount", "a deduction must be negative")
		}
	case domain.TransactionTopup:
		if !in.Amount.IsPositive() {
			return domain.NewValidationError("amount", "a top-up must be positive")
		}
	case domain.TransactionAdjustment, domain.TransactionRefund:
	default:
		return domain.NewValidationError("type", fmt.Sprintf("%q cannot be applied as an adjustment", in.Type))
	}
	return nil
}

// Transfer moves funds from one merchant to a sibling in the same branch group. Both legs
// commit together or not at all.
func (l *Ledger) Transfer(ctx context.Context, actor domain.AuthContext, in TransferInput) (*TransferResult, error) {
	if in.FromMerchantID == in.ToMerchantID {
		return nil, domain.NewValidationError("to_merchant_id", "source and destination must differ")
	}
	if !in.Amount.IsPositive() {
		return nil, domain.NewValidationError("amount", "transfer amount must be positive")
	}
	if err := actor.RequireManage(in.FromMerchantID); err != nil {
		return nil, err
	}
	if err := actor.RequireManage(in.ToMerchantID); err != nil {
		return nil, err
	}

	transferID := uuid.New()
	result := &TransferResult{TransferID: transferID}
	err := l.run(ctx, actor.ActorID, []uuid.UUID{in.FromMerchantID, in.ToMerchantID}, func(u *unit) error {
		from, err := u.tx.Merchant(ctx, in.FromMerchantID)
		if err != nil {
			return err
		}
		to, err := u.tx.Merchant(ctx, in.ToMerchantID)
		if err != nil {
			return err
		}
		if from.GroupRoot() != to.GroupRoot() {
			return domain.NewValidationError("to_merchant_id", "merchants belong to different branch groups")
		}
		if from.CurrencyCode != to.CurrencyCode {
			return domain.NewValidationError("currency_code", "merchants use different currencies")
		}

		source, err := u.tx.Balance(ctx, in.FromMerchantID)
		if err != nil {
			return err
		}
		cmp, err := source.Amount.Cmp(in.Amount)
		if err != nil {
			return err
		}
		if cmp < 0 {
			return &domain.InsufficientBalanceError{MerchantID: in.FromMerchantID, Available: source.Amount, Requested: in.Amount}
		}

		debit, err := in.Amount.Neg()
		if err != nil {
			return err
		}
		note := strings.TrimSpace(in.Note)
		fromID, toID := in.FromMerchantID, in.ToMerchantID
		if result.From, _, err = applyEntry(ctx, u, entry{
			merchantID:     fromID,
			txType:         domain.TransactionTransferOut,
			amount:         debit,
			description:    transferDescription("Transfer to "+to.Name, note),
			floorAtZero:    true,
			counterpartyID: &toID,
			transferID:     &transferID,
		}); err != nil {
			return err
		}
		if result.To, _, err = applyEntry(ctx, u, entry{
			merchantID:     toID,
			txType:         domain.TransactionTransferIn,
			amount:         in.Amount,
			description:    transferDescription("Transfer from "+from.Name, note),
			counterpartyID: &fromID,
			transferID:     &transferID,
		}); err != nil {
			return err
		}

		if err := reevaluateDeposit(ctx, u, fromID); err != nil {
			return err
		}
		if err := reevaluateDeposit(ctx, u, toID); err != nil {
			return err
		}
		u.emit(domain.EventTransferCompleted, domain.TransferCompletedEvent{
			TransferID:     transferID,
			FromMerchantID: fromID,
			ToMerchantID:   toID,
			Amount:         in.Amount,
			ActorID:        actor.ActorID,
			OccurredAt:     u.now,
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	l.logger.Info("transfer completed", "transfer_id", transferID, "from", in.FromMerchantID, "to", in.ToMerchantID, "amount", in.Amount.String())
	return result, nil
}

func transferDescription(base, note string) string {
	if note == "" {
		return base
	}
	return base + ": " + note
}

// ChangeCurrency switches a merchant's currency. It is only allowed while the merchant has
// no transactions.
func (l *Ledger) ChangeCurrency(ctx context.Context, actor domain.AuthContext, merchantID uuid.UUID, currency string) (*domain.Merchant, error) {
	if err := actor.RequireGlobal(merchantID); err != nil {
		return nil, err
	}
	code, err := domain.NormalizeCurrency(currency)
	if err != nil {
		return nil, err
	}

	var merchant *domain.Merchant
	err = l.run(ctx, actor.ActorID, []uuid.UUID{merchantID}, func(u *unit) error {
		has, err := u.tx.HasTransactions(ctx, merchantID)
		if err != nil {
			return err
		}
		if has {
			return domain.NewConflictError("merchant", merchantID, "currency is immutable once transactions exist")
		}
		if err := u.tx.UpdateMerchantCurrency(ctx, merchantID, code); err != nil {
			return err
		}
		balance, err := u.tx.Balance(ctx, merchantID)
		if err != nil {
			return err
		}
		balance.Amount = domain.Zero(code)
		balance.UpdatedAt = u.now
		if err := u.tx.UpdateBalance(ctx, balance); err != nil {
			return err
		}
		merchant, err = u.tx.Merchant(ctx, merchantID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return merchant, nil
}

// GetTransactions returns the merged ledger view: pending payment requests first, then
// committed transactions, each newest first, paginated over the combined sequence.
func (l *Ledger) GetTransactions(ctx context.Context, merchantID uuid.UUID, f TransactionFilter) (*TransactionPage, error) {
	if f.Limit <= 0 {
		f.Limit = defaultPageSize
	}
	if f.Limit > maxPageSize {
		f.Limit = maxPageSize
	}
	if f.Offset < 0 {
		return nil, domain.NewValidationError("offset", "offset must not be negative")
	}
	if f.From != nil && f.To != nil && f.From.After(*f.To) {
		return nil, domain.NewValidationError("from", "date range start is after its end")
	}
	if f.Type != nil && !f.Type.Valid() {
		return nil, domain.NewValidationError("type", fmt.Sprintf("unknown transaction type %q", *f.Type))
	}
	if _, err := l.repo.GetMerchant(ctx, merchantID); err != nil {
		return nil, err
	}

	var pending []domain.PaymentRequest
	if f.IncludePending && f.Type == nil {
		requests, err := l.repo.ListPaymentRequests(ctx, merchantID, store.PaymentRequestQuery{
			Statuses: []domain.PaymentRequestStatus{domain.PaymentPending, domain.PaymentConfirmed},
			From:     f.From,
			To:       f.To,
		})
		if err != nil {
			return nil, err
		}
		pending = filterPending(requests, f.Search)
	}

	page := &TransactionPage{Items: []LedgerItem{}, Limit: f.Limit, Offset: f.Offset}
	remaining := f.Limit
	txOffset := f.Offset - len(pending)
	if f.Offset < len(pending) {
		end := min(len(pending), f.Offset+f.Limit)
		for i := f.Offset; i < end; i++ {
			p := pending[i]
			page.Items = append(page.Items, LedgerItem{Kind: ItemPendingPayment, CreatedAt: p.CreatedAt, PaymentRequest: &p})
		}
		remaining -= end - f.Offset
		txOffset = 0
	}
	if remaining == 0 {
		return page, nil
	}

	txns, err := l.repo.ListTransactions(ctx, merchantID, store.TransactionQuery{
		Type:          f.Type,
		From:          f.From,
		To:            f.To,
		Search:        f.Search,
		IncludeHidden: f.IncludeHidden,
		Limit:         remaining,
		Offset:        txOffset,
	})
	if err != nil {
		return nil, err
	}
	for i := range txns {
		t := txns[i]
		page.Items = append(page.Items, LedgerItem{Kind: ItemTransaction, CreatedAt: t.CreatedAt, Transaction: &t})
	}
	return page, nil
}

func filterPending(requests []domain.PaymentRequest, search string) []domain.PaymentRequest {
	needle := strings.ToLower(strings.TrimSpace(search))
	out := make([]domain.PaymentRequest, 0, len(requests))
	for _, p := range requests {
		if needle != "" &&
			!strings.Contains(strings.ToLower(p.ExternalRef), needle) &&
			!strings.Contains(strings.ToLower(string(p.Type)), needle) {
			continue
		}
		out = append(out, p)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}
