package app

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/restoplatform/billing-service/internal/domain"
	"github.com/restoplatform/billing-service/internal/store"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type publishedEvent struct {
	exchange   string
	routingKey string
	body       interface{}
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []publishedEvent
	err    error
}

func (p *recordingPublisher) Publish(ctx context.Context, exchange, routingKey string, body interface{}) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.events = append(p.events, publishedEvent{exchange: exchange, routingKey: routingKey, body: body})
	return nil
}

func (p *recordingPublisher) count(routingKey string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, e := range p.events {
		if e.routingKey == routingKey {
			n++
		}
	}
	return n
}

type testEnv struct {
	repo      *store.MemoryRepository
	clock     *fakeClock
	publisher *recordingPublisher
	ledger    *Ledger
	subs      *Subscriptions
	recon     *Reconciliation
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	repo := store.NewMemoryRepository()
	clock := newFakeClock()
	publisher := &recordingPublisher{}
	deps := Dependencies{
		Repository:     repo,
		Clock:          clock,
		Publisher:      publisher,
		EventsExchange: "billing.events",
		Logger:         slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	return &testEnv{
		repo:      repo,
		clock:     clock,
		publisher: publisher,
		ledger:    NewLedger(deps),
		subs:      NewSubscriptions(deps, 14),
		recon:     NewReconciliation(deps, ReconciliationSettings{DefaultRenewalDays: 30, PendingTTL: 72 * time.Hour}),
	}
}

func (e *testEnv) provision(t *testing.T, currency string, parent *uuid.UUID) uuid.UUID {
	t.Helper()
	m, err := e.subs.Provision(context.Background(), domain.SystemContext(), ProvisionInput{
		Name:         "Merchant " + currency,
		CurrencyCode: currency,
		ParentID:     parent,
	})
	if err != nil {
		t.Fatalf("provision: %v", err)
	}
	return m.ID
}

func (e *testEnv) topup(t *testing.T, merchantID uuid.UUID, amount, currency string) {
	t.Helper()
	_, err := e.ledger.Adjust(context.Background(), domain.SystemContext(), AdjustInput{
		MerchantID: merchantID,
		Amount:     mustMoney(t, amount, currency),
		Type:       domain.TransactionTopup,
	})
	if err != nil {
		t.Fatalf("topup: %v", err)
	}
}

func (e *testEnv) balance(t *testing.T, merchantID uuid.UUID) domain.Money {
	t.Helper()
	b, err := e.ledger.GetBalance(context.Background(), merchantID)
	if err != nil {
		t.Fatalf("get balance: %v", err)
	}
	return b.Amount
}

func (e *testEnv) subscription(t *testing.T, merchantID uuid.UUID) *domain.Subscription {
	t.Helper()
	s, err := e.subs.Get(context.Background(), merchantID)
	if err != nil {
		t.Fatalf("get subscription: %v", err)
	}
	return s
}

func (e *testEnv) setPlan(t *testing.T, merchantID uuid.UUID, plan domain.SubscriptionType) {
	t.Helper()
	if _, err := e.subs.ChangePlan(context.Background(), domain.SystemContext(), merchantID, plan); err != nil {
		t.Fatalf("change plan: %v", err)
	}
}

// allTransactions returns every transaction including hidden bookkeeping entries.
func (e *testEnv) allTransactions(t *testing.T, merchantID uuid.UUID) []domain.Transaction {
	t.Helper()
	txns, err := e.repo.ListTransactions(context.Background(), merchantID, store.TransactionQuery{IncludeHidden: true})
	if err != nil {
		t.Fatalf("list transactions: %v", err)
	}
	return txns
}

// assertBalanceMatchesLog checks that the balance equals the sum of the transaction amounts
// and that the before/after chain is consistent.
func (e *testEnv) assertBalanceMatchesLog(t *testing.T, merchantID uuid.UUID) {
	t.Helper()
	txns := e.allTransactions(t, merchantID)
	var sum int64
	for _, txn := range txns {
		sum += txn.Amount.Amount
		if txn.BalanceAfter.Amount != txn.BalanceBefore.Amount+txn.Amount.Amount {
			t.Fatalf("transaction %s breaks balance_after = balance_before + amount", txn.ID)
		}
	}
	if got := e.balance(t, merchantID).Amount; got != sum {
		t.Fatalf("balance %d does not match transaction sum %d", got, sum)
	}
}

func mustMoney(t *testing.T, amount, currency string) domain.Money {
	t.Helper()
	m, err := domain.ParseMoney(amount, currency)
	if err != nil {
		t.Fatalf("parse money %s %s: %v", amount, currency, err)
	}
	return m
}

func ownerOf(ids ...uuid.UUID) domain.AuthContext {
	return domain.AuthContext{ActorID: "owner-1", Role: domain.RoleOwner, OwnedMerchantIDs: ids}
}

func staffOf(id uuid.UUID) domain.AuthContext {
	return domain.AuthContext{ActorID: "staff-1", Role: domain.RoleStaff, MerchantID: &id}
}

func superAdmin() domain.AuthContext {
	return domain.AuthContext{ActorID: "admin-1", Role: domain.RoleSuperAdmin}
}

func assertErrorIs(t *testing.T, err, target error) {
	t.Helper()
	if !errors.Is(err, target) {
		t.Fatalf("expected error matching %v, got %v", target, err)
	}
}
