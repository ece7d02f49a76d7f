/**
 * @description
 * MemoryRepository is an in-process implementation of Repository. It honours the same
 * unit-of-work contract as the PostgreSQL store: per-merchant mutexes are taken in
 * ascending ID order, writes are staged on copies and only published on commit, so a
 * failed or cancelled unit leaves no trace. It backs local development and the test suite.
 */

package store

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/restoplatform/billing-service/internal/domain"
)

// Write operations that a FailureHook can intercept.
const (
	OpUpdateBalance        = "update_balance"
	OpInsertTransaction    = "insert_transaction"
	OpUpdateSubscription   = "update_subscription"
	OpUpdatePaymentRequest = "update_payment_request"
)

// FailureHook may return an error to make a staged write fail.
type FailureHook func(op string, merchantID uuid.UUID) error

type MemoryRepository struct {
	mu           sync.RWMutex
	merchants    map[uuid.UUID]*domain.Merchant
	balances     map[uuid.UUID]*domain.Balance
	subs         map[uuid.UUID]*domain.Subscription
	transactions map[uuid.UUID][]domain.Transaction
	requests     map[uuid.UUID]*domain.PaymentRequest
	refIndex     map[string]uuid.UUID

	rowMu sync.Mutex
	rows  map[uuid.UUID]*sync.Mutex

	hookMu sync.RWMutex
	hook   FailureHook
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		merchants:    make(map[uuid.UUID]*domain.Merchant),
		balances:     make(map[uuid.UUID]*domain.Balance),
		subs:         make(map[uuid.UUID]*domain.Subscription),
		transactions: make(map[uuid.UUID][]domain.Transaction),
		requests:     make(map[uuid.UUID]*domain.PaymentRequest),
		refIndex:     make(map[string]uuid.UUID),
		rows:         make(map[uuid.UUID]*sync.Mutex),
	}
}

// SetFailureHook installs a hook consulted before every staged write. Pass nil to clear it.
func (r *MemoryRepository) SetFailureHook(hook FailureHook) {
	r.hookMu.Lock()
	defer r.hookMu.Unlock()
	r.hook = hook
}

func (r *MemoryRepository) fail(op string, merchantID uuid.UUID) error {
	r.hookMu.RLock()
	hook := r.hook
	r.hookMu.RUnlock()
	if hook == nil {
		return nil
	}
	return hook(op, merchantID)
}

func (r *MemoryRepository) rowLock(merchantID uuid.UUID) *sync.Mutex {
	r.rowMu.Lock()
	defer r.rowMu.Unlock()
	m, ok := r.rows[merchantID]
	if !ok {
		m = &sync.Mutex{}
		r.rows[merchantID] = m
	}
	return m
}

func refKey(merchantID uuid.UUID, externalRef string) string {
	return merchantID.String() + "|" + externalRef
}

func cloneBalance(b *domain.Balance) *domain.Balance {
	c := *b
	if b.LastTopupAt != nil {
		t := *b.LastTopupAt
		c.LastTopupAt = &t
	}
	return &c
}

func cloneMerchant(m *domain.Merchant) *domain.Merchant {
	c := *m
	if m.ParentID != nil {
		p := *m.ParentID
		c.ParentID = &p
	}
	return &c
}

func (r *MemoryRepository) GetMerchant(ctx context.Context, merchantID uuid.UUID) (*domain.Merchant, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.merchants[merchantID]
	if !ok {
		return nil, domain.NewNotFoundError("merchant", merchantID)
	}
	return cloneMerchant(m), nil
}

func (r *MemoryRepository) GetBalance(ctx context.Context, merchantID uuid.UUID) (*domain.Balance, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.balances[merchantID]
	if !ok {
		return nil, domain.NewNotFoundError("balance", merchantID)
	}
	return cloneBalance(b), nil
}

func (r *MemoryRepository) GetSubscription(ctx context.Context, merchantID uuid.UUID) (*domain.Subscription, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.subs[merchantID]
	if !ok {
		return nil, domain.NewNotFoundError("subscription", merchantID)
	}
	return s.Clone(), nil
}

func (r *MemoryRepository) GetPaymentRequest(ctx context.Context, requestID uuid.UUID) (*domain.PaymentRequest, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.requests[requestID]
	if !ok {
		return nil, domain.NewNotFoundError("payment request", requestID)
	}
	return p.Clone(), nil
}

func (r *MemoryRepository) FindPaymentRequestByExternalRef(ctx context.Context, merchantID uuid.UUID, externalRef string) (*domain.PaymentRequest, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.refIndex[refKey(merchantID, externalRef)]
	if !ok {
		return nil, &domain.NotFoundError{Entity: "payment request", ID: externalRef}
	}
	return r.requests[id].Clone(), nil
}

func (r *MemoryRepository) ListTransactions(ctx context.Context, merchantID uuid.UUID, q TransactionQuery) ([]domain.Transaction, error) {
	r.mu.RLock()
	all := r.transactions[merchantID]
	search := strings.ToLower(strings.TrimSpace(q.Search))
	var out []domain.Transaction
	for i := len(all) - 1; i >= 0; i-- {
		t := all[i]
		if !q.IncludeHidden && !t.LedgerVisible {
			continue
		}
		if q.Type != nil && t.Type != *q.Type {
			continue
		}
		if !withinRange(t.CreatedAt, q.From, q.To) {
			continue
		}
		if search != "" && !strings.Contains(strings.ToLower(t.Description), search) {
			continue
		}
		out = append(out, t)
	}
	r.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return paginate(out, q.Limit, q.Offset), nil
}

func (r *MemoryRepository) ListPaymentRequests(ctx context.Context, merchantID uuid.UUID, q PaymentRequestQuery) ([]domain.PaymentRequest, error) {
	r.mu.RLock()
	var out []domain.PaymentRequest
	for _, p := range r.requests {
		if p.MerchantID != merchantID {
			continue
		}
		if len(q.Statuses) > 0 && !containsStatus(q.Statuses, p.Status) {
			continue
		}
		if !withinRange(p.CreatedAt, q.From, q.To) {
			continue
		}
		out = append(out, *p.Clone())
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID.String() > out[j].ID.String()
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

func (r *MemoryRepository) ListDueSubscriptions(ctx context.Context, now time.Time) ([]uuid.UUID, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var due []uuid.UUID
	for id, s := range r.subs {
		if s.Status != domain.StatusActive || s.SuspendedManually {
			continue
		}
		switch s.Type {
		case domain.SubscriptionTrial:
			if !now.After(s.TrialEndsAt) {
				continue
			}
		case domain.SubscriptionMonthly:
			if s.CurrentPeriodEnd != nil && !now.After(*s.CurrentPeriodEnd) {
				continue
			}
		case domain.SubscriptionDeposit:
			if b, ok := r.balances[id]; ok && b.Amount.IsPositive() {
				continue
			}
		}
		due = append(due, id)
	}
	return LockOrder(due), nil
}

func (r *MemoryRepository) ListStalePaymentRequests(ctx context.Context, cutoff time.Time) ([]domain.PaymentRequest, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []domain.PaymentRequest
	for _, p := range r.requests {
		if p.Status == domain.PaymentPending && p.CreatedAt.Before(cutoff) {
			out = append(out, *p.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (r *MemoryRepository) CreateMerchant(ctx context.Context, merchant *domain.Merchant, balance *domain.Balance, sub *domain.Subscription) error {
	if err := sub.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.merchants[merchant.ID]; exists {
		return ErrDuplicateMerchant
	}
	r.merchants[merchant.ID] = cloneMerchant(merchant)
	r.balances[merchant.ID] = cloneBalance(balance)
	r.subs[merchant.ID] = sub.Clone()
	return nil
}

func (r *MemoryRepository) CreatePaymentRequest(ctx context.Context, request *domain.PaymentRequest) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.merchants[request.MerchantID]; !ok {
		return domain.NewNotFoundError("merchant", request.MerchantID)
	}
	key := refKey(request.MerchantID, request.ExternalRef)
	if _, exists := r.refIndex[key]; exists {
		return ErrDuplicatePaymentRequest
	}
	r.requests[request.ID] = request.Clone()
	r.refIndex[key] = request.ID
	return nil
}

func (r *MemoryRepository) WithLock(ctx context.Context, merchantIDs []uuid.UUID, fn func(tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	ordered := LockOrder(merchantIDs)

	r.mu.RLock()
	for _, id := range ordered {
		if _, ok := r.balances[id]; !ok {
			r.mu.RUnlock()
			return domain.NewNotFoundError("merchant", id)
		}
	}
	r.mu.RUnlock()

	for _, id := range ordered {
		m := r.rowLock(id)
		m.Lock()
		defer m.Unlock()
	}

	tx := &memoryTx{
		repo:      r,
		locked:    make(map[uuid.UUID]bool, len(ordered)),
		merchants: make(map[uuid.UUID]*domain.Merchant, len(ordered)),
		balances:  make(map[uuid.UUID]*domain.Balance, len(ordered)),
		subs:      make(map[uuid.UUID]*domain.Subscription, len(ordered)),
		requests:  make(map[uuid.UUID]*domain.PaymentRequest),
	}
	r.mu.RLock()
	for _, id := range ordered {
		tx.locked[id] = true
		tx.merchants[id] = cloneMerchant(r.merchants[id])
		tx.balances[id] = cloneBalance(r.balances[id])
		if s, ok := r.subs[id]; ok {
			tx.subs[id] = s.Clone()
		}
	}
	r.mu.RUnlock()

	if err := fn(tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for id := range tx.dirtyMerchants {
		r.merchants[id] = tx.merchants[id]
	}
	for id := range tx.dirtyBalances {
		r.balances[id] = tx.balances[id]
	}
	for id := range tx.dirtySubs {
		r.subs[id] = tx.subs[id]
	}
	for id, p := range tx.requests {
		if tx.dirtyRequests[id] {
			r.requests[id] = p
		}
	}
	for _, t := range tx.inserted {
		r.transactions[t.MerchantID] = append(r.transactions[t.MerchantID], t)
	}
	return nil
}

type memoryTx struct {
	repo      *MemoryRepository
	locked    map[uuid.UUID]bool
	merchants map[uuid.UUID]*domain.Merchant
	balances  map[uuid.UUID]*domain.Balance
	subs      map[uuid.UUID]*domain.Subscription
	requests  map[uuid.UUID]*domain.PaymentRequest
	inserted  []domain.Transaction

	dirtyMerchants map[uuid.UUID]bool
	dirtyBalances  map[uuid.UUID]bool
	dirtySubs      map[uuid.UUID]bool
	dirtyRequests  map[uuid.UUID]bool
}

func (t *memoryTx) requireLocked(merchantID uuid.UUID) error {
	if !t.locked[merchantID] {
		return fmt.Errorf("%w: %s", ErrNotLocked, merchantID)
	}
	return nil
}

func markDirty(set *map[uuid.UUID]bool, id uuid.UUID) {
	if *set == nil {
		*set = make(map[uuid.UUID]bool)
	}
	(*set)[id] = true
}

func (t *memoryTx) Merchant(ctx context.Context, merchantID uuid.UUID) (*domain.Merchant, error) {
	if err := t.requireLocked(merchantID); err != nil {
		return nil, err
	}
	return cloneMerchant(t.merchants[merchantID]), nil
}

func (t *memoryTx) Balance(ctx context.Context, merchantID uuid.UUID) (*domain.Balance, error) {
	if err := t.requireLocked(merchantID); err != nil {
		return nil, err
	}
	return cloneBalance(t.balances[merchantID]), nil
}

func (t *memoryTx) Subscription(ctx context.Context, merchantID uuid.UUID) (*domain.Subscription, error) {
	if err := t.requireLocked(merchantID); err != nil {
		return nil, err
	}
	s, ok := t.subs[merchantID]
	if !ok {
		return nil, domain.NewNotFoundError("subscription", merchantID)
	}
	return s.Clone(), nil
}

func (t *memoryTx) PaymentRequest(ctx context.Context, requestID uuid.UUID) (*domain.PaymentRequest, error) {
	if p, ok := t.requests[requestID]; ok {
		return p.Clone(), nil
	}
	t.repo.mu.RLock()
	p, ok := t.repo.requests[requestID]
	var staged *domain.PaymentRequest
	if ok {
		staged = p.Clone()
	}
	t.repo.mu.RUnlock()
	if !ok {
		return nil, domain.NewNotFoundError("payment request", requestID)
	}
	if err := t.requireLocked(staged.MerchantID); err != nil {
		return nil, err
	}
	t.requests[requestID] = staged
	return staged.Clone(), nil
}

func (t *memoryTx) HasTransactions(ctx context.Context, merchantID uuid.UUID) (bool, error) {
	if err := t.requireLocked(merchantID); err != nil {
		return false, err
	}
	for _, txn := range t.inserted {
		if txn.MerchantID == merchantID {
			return true, nil
		}
	}
	t.repo.mu.RLock()
	defer t.repo.mu.RUnlock()
	return len(t.repo.transactions[merchantID]) > 0, nil
}

func (t *memoryTx) UpdateBalance(ctx context.Context, balance *domain.Balance) error {
	if err := t.requireLocked(balance.MerchantID); err != nil {
		return err
	}
	if err := t.repo.fail(OpUpdateBalance, balance.MerchantID); err != nil {
		return err
	}
	t.balances[balance.MerchantID] = cloneBalance(balance)
	markDirty(&t.dirtyBalances, balance.MerchantID)
	return nil
}

func (t *memoryTx) InsertTransaction(ctx context.Context, txn *domain.Transaction) error {
	if err := t.requireLocked(txn.MerchantID); err != nil {
		return err
	}
	if err := t.repo.fail(OpInsertTransaction, txn.MerchantID); err != nil {
		return err
	}
	t.inserted = append(t.inserted, *txn)
	return nil
}

func (t *memoryTx) UpdateSubscription(ctx context.Context, sub *domain.Subscription) error {
	if err := t.requireLocked(sub.MerchantID); err != nil {
		return err
	}
	if err := sub.Validate(); err != nil {
		return err
	}
	if err := t.repo.fail(OpUpdateSubscription, sub.MerchantID); err != nil {
		return err
	}
	t.subs[sub.MerchantID] = sub.Clone()
	markDirty(&t.dirtySubs, sub.MerchantID)
	return nil
}

func (t *memoryTx) UpdatePaymentRequest(ctx context.Context, request *domain.PaymentRequest) error {
	if err := t.requireLocked(request.MerchantID); err != nil {
		return err
	}
	if _, ok := t.requests[request.ID]; !ok {
		return fmt.Errorf("payment request %s was not locked before update", request.ID)
	}
	if err := t.repo.fail(OpUpdatePaymentRequest, request.MerchantID); err != nil {
		return err
	}
	t.requests[request.ID] = request.Clone()
	markDirty(&t.dirtyRequests, request.ID)
	return nil
}

func (t *memoryTx) UpdateMerchantCurrency(ctx context.Context, merchantID uuid.UUID, currency string) error {
	if err := t.requireLocked(merchantID); err != nil {
		return err
	}
	t.merchants[merchantID].CurrencyCode = currency
	markDirty(&t.dirtyMerchants, merchantID)
	return nil
}

func withinRange(at time.Time, from, to *time.Time) bool {
	if from != nil && at.Before(*from) {
		return false
	}
	if to != nil && at.After(*to) {
		return false
	}
	return true
}

func containsStatus(statuses []domain.PaymentRequestStatus, status domain.PaymentRequestStatus) bool {
	for _, s := range statuses {
		if s == status {
			return true
		}
	}
	return false
}

func paginate[T any](items []T, limit, offset int) []T {
	if offset >= len(items) {
		return nil
	}
	items = items[offset:]
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}
