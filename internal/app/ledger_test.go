package app

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/restoplatform/billing-service/internal/domain"
	"github.com/restoplatform/billing-service/internal/store"
)

func TestAdjust_DeductionFloor(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	merchant := env.provision(t, "USD", nil)
	env.topup(t, merchant, "5.00", "USD")

	owner := ownerOf(merchant)
	got, err := env.ledger.Adjust(ctx, owner, AdjustInput{
		MerchantID: merchant,
		Amount:     mustMoney(t, "-5.00", "USD"),
		Type:       domain.TransactionDeduction,
	})
	if err != nil {
		t.Fatalf("deduction down to zero should succeed: %v", err)
	}
	if !got.IsZero() {
		t.Fatalf("expected zero balance, got %s", got)
	}

	_, err = env.ledger.Adjust(ctx, owner, AdjustInput{
		MerchantID: merchant,
		Amount:     mustMoney(t, "-0.01", "USD"),
		Type:       domain.TransactionDeduction,
	})
	var insufficient *domain.InsufficientBalanceError
	if !errors.As(err, &insufficient) {
		t.Fatalf("expected InsufficientBalanceError, got %v", err)
	}
	if insufficient.Available.Amount != 0 || insufficient.Requested.Amount != 1 {
		t.Fatalf("unexpected error detail: available=%s requested=%s", insufficient.Available, insufficient.Requested)
	}
	if env.balance(t, merchant).Amount != 0 {
		t.Fatalf("rejected deduction must not change the balance")
	}
	env.assertBalanceMatchesLog(t, merchant)
}

func TestAdjust_AdminAdjustmentMayGoNegative(t *testing.T) {
	env := newTestEnv(t)
	merchant := env.provision(t, "USD", nil)

	got, err := env.ledger.Adjust(context.Background(), superAdmin(), AdjustInput{
		MerchantID:  merchant,
		Amount:      mustMoney(t, "-10.00", "USD"),
		Type:        domain.TransactionAdjustment,
		Description: "Chargeback correction",
	})
	if err != nil {
		t.Fatalf("adjustment: %v", err)
	}
	if got.Amount != -1000 {
		t.Fatalf("expected -10.00, got %s", got)
	}
	env.assertBalanceMatchesLog(t, merchant)
}

func TestAdjust_TopupRecordsLastTopup(t *testing.T) {
	env := newTestEnv(t)
	merchant := env.provision(t, "USD", nil)

	before, _ := env.ledger.GetBalance(context.Background(), merchant)
	if before.LastTopupAt != nil {
		t.Fatalf("new merchant should not have a top-up timestamp")
	}
	env.topup(t, merchant, "12.50", "USD")

	after, _ := env.ledger.GetBalance(context.Background(), merchant)
	if after.LastTopupAt == nil || !after.LastTopupAt.Equal(env.clock.Now()) {
		t.Fatalf("expected last_topup_at %v, got %v", env.clock.Now(), after.LastTopupAt)
	}
	if after.Amount.Amount != 1250 {
		t.Fatalf("expected 12.50, got %s", after.Amount)
	}
}

func TestAdjust_RejectsInvalidInput(t *testing.T) {
	env := newTestEnv(t)
	merchant := env.provision(t, "USD", nil)

	tests := []struct {
		name   string
		actor  domain.AuthContext
		input  AdjustInput
		target error
	}{
		{
			name:   "zero amount",
			actor:  superAdmin(),
			input:  AdjustInput{MerchantID: merchant, Amount: domain.Zero("USD"), Type: domain.TransactionAdjustment},
			target: domain.ErrValidation,
		},
		{
			name:   "positive deduction",
			actor:  ownerOf(merchant),
			input:  AdjustInput{MerchantID: merchant, Amount: mustMoney(t, "1.00", "USD"), Type: domain.TransactionDeduction},
			target: domain.ErrValidation,
		},
		{
			name:   "negative top-up",
			actor:  superAdmin(),
			input:  AdjustInput{MerchantID: merchant, Amount: mustMoney(t, "-1.00", "USD"), Type: domain.TransactionTopup},
			target: domain.ErrValidation,
		},
		{
			name:   "transfer type",
			actor:  superAdmin(),
			input:  AdjustInput{MerchantID: merchant, Amount: mustMoney(t, "1.00", "USD"), Type: domain.TransactionTransferIn},
			target: domain.ErrValidation,
		},
		{
			name:   "currency mismatch",
			actor:  superAdmin(),
			input:  AdjustInput{MerchantID: merchant, Amount: mustMoney(t, "1.00", "EUR"), Type: domain.TransactionTopup},
			target: domain.ErrValidation,
		},
		{
			name:   "owner top-up",
			actor:  ownerOf(merchant),
			input:  AdjustInput{MerchantID: merchant, Amount: mustMoney(t, "1.00", "USD"), Type: domain.TransactionTopup},
			target: domain.ErrOwnership,
		},
		{
			name:   "staff deduction",
			actor:  staffOf(merchant),
			input:  AdjustInput{MerchantID: merchant, Amount: mustMoney(t, "-1.00", "USD"), Type: domain.TransactionDeduction},
			target: domain.ErrOwnership,
		},
		{
			name:   "owner of another merchant",
			actor:  ownerOf(uuid.New()),
			input:  AdjustInput{MerchantID: merchant, Amount: mustMoney(t, "-1.00", "USD"), Type: domain.TransactionDeduction},
			target: domain.ErrOwnership,
		},
		{
			name:   "unknown merchant",
			actor:  superAdmin(),
			input:  AdjustInput{MerchantID: uuid.New(), Amount: mustMoney(t, "1.00", "USD"), Type: domain.TransactionTopup},
			target: domain.ErrNotFound,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := env.ledger.Adjust(context.Background(), tt.actor, tt.input)
			assertErrorIs(t, err, tt.target)
		})
	}

	if len(env.allTransactions(t, merchant)) != 0 {
		t.Fatalf("rejected adjustments must not write transactions")
	}
}

func TestAdjust_BalanceEqualsTransactionSum(t *testing.T) {
	kinds := []domain.TransactionType{
		domain.TransactionTopup,
		domain.TransactionDeduction,
		domain.TransactionAdjustment,
		domain.TransactionRefund,
	}
	const rounds, steps = 50, 40

	for seed := int64(1); seed <= rounds; seed++ {
		rng := rand.New(rand.NewSource(seed))
		env := newTestEnv(t)
		ctx := context.Background()
		merchant := env.provision(t, "IDR", nil)

		var model int64
		applied := 0
		for step := 0; step < steps; step++ {
			kind := kinds[rng.Intn(len(kinds))]
			amount := rng.Int63n(50000) + 1
			switch kind {
			case domain.TransactionDeduction:
				amount = -amount
			case domain.TransactionAdjustment, domain.TransactionRefund:
				if rng.Intn(2) == 0 {
					amount = -amount
				}
			}

			got, err := env.ledger.Adjust(ctx, domain.SystemContext(), AdjustInput{
				MerchantID: merchant,
				Amount:     domain.Money{Amount: amount, Currency: "IDR"},
				Type:       kind,
			})
			if kind == domain.TransactionDeduction && model+amount < 0 {
				var insufficient *domain.InsufficientBalanceError
				if !errors.As(err, &insufficient) || insufficient.Available.Amount != model {
					t.Fatalf("seed %d step %d: expected insufficient balance at %d, got %v", seed, step, model, err)
				}
				continue
			}
			if err != nil {
				t.Fatalf("seed %d step %d: %s %d: %v", seed, step, kind, amount, err)
			}
			model += amount
			applied++
			if got.Amount != model {
				t.Fatalf("seed %d step %d: Adjust returned %d, model has %d", seed, step, got.Amount, model)
			}
			env.clock.Advance(time.Second)
		}

		if got := env.balance(t, merchant); got.Amount != model {
			t.Fatalf("seed %d: balance %d, model %d", seed, got.Amount, model)
		}
		txns := env.allTransactions(t, merchant)
		if len(txns) != applied {
			t.Fatalf("seed %d: expected %d transactions, got %d", seed, applied, len(txns))
		}
		// Newest first: each entry starts where the previous one ended.
		for i, txn := range txns {
			if txn.BalanceBefore.Amount+txn.Amount.Amount != txn.BalanceAfter.Amount {
				t.Fatalf("seed %d: transaction %d does not add up", seed, i)
			}
			if i+1 < len(txns) && txns[i+1].BalanceAfter.Amount != txn.BalanceBefore.Amount {
				t.Fatalf("seed %d: gap between transactions %d and %d", seed, i+1, i)
			}
		}
		env.assertBalanceMatchesLog(t, merchant)
	}
}

func TestTransfer_MovesFundsWithinGroup(t *testing.T) {
	env := newTestEnv(t)
	main := env.provision(t, "USD", nil)
	branch := env.provision(t, "USD", &main)
	env.topup(t, main, "100.00", "USD")

	result, err := env.ledger.Transfer(context.Background(), ownerOf(main, branch), TransferInput{
		FromMerchantID: main,
		ToMerchantID:   branch,
		Amount:         mustMoney(t, "40.00", "USD"),
		Note:           "float for weekend",
	})
	if err != nil {
		t.Fatalf("transfer: %v", err)
	}
	if result.From.Amount.Amount != 6000 || result.To.Amount.Amount != 4000 {
		t.Fatalf("unexpected balances: from=%s to=%s", result.From.Amount, result.To.Amount)
	}

	out := env.allTransactions(t, main)[0]
	in := env.allTransactions(t, branch)[0]
	if out.Type != domain.TransactionTransferOut || in.Type != domain.TransactionTransferIn {
		t.Fatalf("unexpected transaction types %s / %s", out.Type, in.Type)
	}
	if out.TransferID == nil || in.TransferID == nil || *out.TransferID != result.TransferID || *in.TransferID != result.TransferID {
		t.Fatalf("both legs must carry the transfer id")
	}
	if out.CounterpartyID == nil || *out.CounterpartyID != branch {
		t.Fatalf("outgoing leg must reference the destination")
	}
	if env.publisher.count(domain.EventTransferCompleted) != 1 {
		t.Fatalf("expected one transfer event")
	}
	env.assertBalanceMatchesLog(t, main)
	env.assertBalanceMatchesLog(t, branch)
}

func TestTransfer_Rejections(t *testing.T) {
	env := newTestEnv(t)
	main := env.provision(t, "USD", nil)
	branch := env.provision(t, "USD", &main)
	otherMain := env.provision(t, "USD", nil)
	euroMain := env.provision(t, "EUR", nil)
	env.topup(t, main, "10.00", "USD")

	tests := []struct {
		name   string
		actor  domain.AuthContext
		input  TransferInput
		target error
	}{
		{
			name:   "same merchant",
			actor:  ownerOf(main),
			input:  TransferInput{FromMerchantID: main, ToMerchantID: main, Amount: mustMoney(t, "1.00", "USD")},
			target: domain.ErrValidation,
		},
		{
			name:   "non-positive amount",
			actor:  ownerOf(main, branch),
			input:  TransferInput{FromMerchantID: main, ToMerchantID: branch, Amount: mustMoney(t, "-1.00", "USD")},
			target: domain.ErrValidation,
		},
		{
			name:   "different group",
			actor:  superAdmin(),
			input:  TransferInput{FromMerchantID: main, ToMerchantID: otherMain, Amount: mustMoney(t, "1.00", "USD")},
			target: domain.ErrValidation,
		},
		{
			name:   "different currency",
			actor:  superAdmin(),
			input:  TransferInput{FromMerchantID: main, ToMerchantID: euroMain, Amount: mustMoney(t, "1.00", "USD")},
			target: domain.ErrValidation,
		},
		{
			name:   "insufficient funds",
			actor:  ownerOf(main, branch),
			input:  TransferInput{FromMerchantID: main, ToMerchantID: branch, Amount: mustMoney(t, "10.01", "USD")},
			target: domain.ErrInsufficientBalance,
		},
		{
			name:   "owner of source only",
			actor:  ownerOf(main),
			input:  TransferInput{FromMerchantID: main, ToMerchantID: branch, Amount: mustMoney(t, "1.00", "USD")},
			target: domain.ErrOwnership,
		},
		{
			name:   "staff",
			actor:  staffOf(main),
			input:  TransferInput{FromMerchantID: main, ToMerchantID: branch, Amount: mustMoney(t, "1.00", "USD")},
			target: domain.ErrOwnership,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := env.ledger.Transfer(context.Background(), tt.actor, tt.input)
			assertErrorIs(t, err, tt.target)
		})
	}

	if env.balance(t, main).Amount != 1000 || env.balance(t, branch).Amount != 0 {
		t.Fatalf("rejected transfers must leave balances unchanged")
	}
}

func TestTransfer_DestinationFailureRollsBackBothLegs(t *testing.T) {
	env := newTestEnv(t)
	main := env.provision(t, "USD", nil)
	branch := env.provision(t, "USD", &main)
	env.topup(t, main, "50.00", "USD")

	injected := errors.New("disk full")
	env.repo.SetFailureHook(func(op string, merchantID uuid.UUID) error {
		if op == store.OpInsertTransaction && merchantID == branch {
			return injected
		}
		return nil
	})

	_, err := env.ledger.Transfer(context.Background(), ownerOf(main, branch), TransferInput{
		FromMerchantID: main,
		ToMerchantID:   branch,
		Amount:         mustMoney(t, "20.00", "USD"),
	})
	if !errors.Is(err, injected) {
		t.Fatalf("expected injected failure, got %v", err)
	}
	env.repo.SetFailureHook(nil)

	if env.balance(t, main).Amount != 5000 {
		t.Fatalf("source balance changed after failed transfer: %s", env.balance(t, main))
	}
	if env.balance(t, branch).Amount != 0 {
		t.Fatalf("destination balance changed after failed transfer: %s", env.balance(t, branch))
	}
	if n := len(env.allTransactions(t, main)); n != 1 {
		t.Fatalf("expected only the top-up on the source, found %d transactions", n)
	}
	if n := len(env.allTransactions(t, branch)); n != 0 {
		t.Fatalf("expected no transactions on the destination, found %d", n)
	}
	if env.publisher.count(domain.EventTransferCompleted) != 0 {
		t.Fatalf("no event may be published for a rolled back transfer")
	}
}

func TestAdjust_ConcurrentDeductionsNeverOverdraw(t *testing.T) {
	env := newTestEnv(t)
	merchant := env.provision(t, "USD", nil)
	env.topup(t, merchant, "10.00", "USD")

	const workers = 25
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
		rejected  int
	)
	owner := ownerOf(merchant)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := env.ledger.Adjust(context.Background(), owner, AdjustInput{
				MerchantID: merchant,
				Amount:     domain.Money{Amount: -100, Currency: "USD"},
				Type:       domain.TransactionDeduction,
			})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				succeeded++
			case errors.Is(err, domain.ErrInsufficientBalance):
				rejected++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if succeeded != 10 || rejected != workers-10 {
		t.Fatalf("expected 10 successes and %d rejections, got %d and %d", workers-10, succeeded, rejected)
	}
	if env.balance(t, merchant).Amount != 0 {
		t.Fatalf("expected zero balance, got %s", env.balance(t, merchant))
	}
	env.assertBalanceMatchesLog(t, merchant)
}

func TestTransfer_OpposingTransfersDoNotDeadlock(t *testing.T) {
	env := newTestEnv(t)
	main := env.provision(t, "USD", nil)
	branch := env.provision(t, "USD", &main)
	env.topup(t, main, "100.00", "USD")
	env.topup(t, branch, "100.00", "USD")

	owner := ownerOf(main, branch)
	amount := mustMoney(t, "1.00", "USD")
	done := make(chan struct{})
	go func() {
		defer close(done)
		var wg sync.WaitGroup
		for i := 0; i < 50; i++ {
			wg.Add(2)
			go func() {
				defer wg.Done()
				if _, err := env.ledger.Transfer(context.Background(), owner, TransferInput{FromMerchantID: main, ToMerchantID: branch, Amount: amount}); err != nil {
					t.Errorf("main to branch: %v", err)
				}
			}()
			go func() {
				defer wg.Done()
				if _, err := env.ledger.Transfer(context.Background(), owner, TransferInput{FromMerchantID: branch, ToMerchantID: main, Amount: amount}); err != nil {
					t.Errorf("branch to main: %v", err)
				}
			}()
		}
		wg.Wait()
	}()

	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("opposing transfers did not complete")
	}

	total := env.balance(t, main).Amount + env.balance(t, branch).Amount
	if total != 20000 {
		t.Fatalf("funds were created or destroyed: total %d", total)
	}
	env.assertBalanceMatchesLog(t, main)
	env.assertBalanceMatchesLog(t, branch)
}

func TestGetTransactions_MergedView(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	merchant := env.provision(t, "USD", nil)

	for i, desc := range []string{"Invoice 41", "Invoice 42", "Card settlement"} {
		if _, err := env.ledger.Adjust(ctx, superAdmin(), AdjustInput{
			MerchantID:  merchant,
			Amount:      domain.Money{Amount: int64(100 * (i + 1)), Currency: "USD"},
			Type:        domain.TransactionTopup,
			Description: desc,
		}); err != nil {
			t.Fatalf("topup %d: %v", i, err)
		}
		env.clock.Advance(time.Minute)
	}
	if _, err := env.subs.ExtendDays(ctx, superAdmin(), merchant, 30); err != nil {
		t.Fatalf("extend: %v", err)
	}
	env.clock.Advance(time.Minute)
	if _, err := env.recon.Create(ctx, CreatePaymentRequestInput{
		MerchantID:  merchant,
		Type:        domain.PaymentDepositTopup,
		Amount:      mustMoney(t, "25.00", "USD"),
		ExternalRef: "gw-123",
	}); err != nil {
		t.Fatalf("create payment request: %v", err)
	}

	t.Run("pending first and hidden omitted", func(t *testing.T) {
		page, err := env.ledger.GetTransactions(ctx, merchant, TransactionFilter{IncludePending: true})
		if err != nil {
			t.Fatalf("get transactions: %v", err)
		}
		if len(page.Items) != 4 {
			t.Fatalf("expected 1 pending and 3 visible transactions, got %d items", len(page.Items))
		}
		if page.Items[0].Kind != ItemPendingPayment || page.Items[0].PaymentRequest.ExternalRef != "gw-123" {
			t.Fatalf("expected pending payment first, got %+v", page.Items[0])
		}
		if page.Items[1].Transaction.Description != "Card settlement" {
			t.Fatalf("expected newest transaction after pending, got %q", page.Items[1].Transaction.Description)
		}
	})

	t.Run("include hidden", func(t *testing.T) {
		page, err := env.ledger.GetTransactions(ctx, merchant, TransactionFilter{IncludeHidden: true})
		if err != nil {
			t.Fatalf("get transactions: %v", err)
		}
		if len(page.Items) != 4 || page.Items[0].Transaction.Type != domain.TransactionSubscription {
			t.Fatalf("expected the hidden subscription entry first, got %d items", len(page.Items))
		}
	})

	t.Run("pagination spans pending and committed", func(t *testing.T) {
		page, err := env.ledger.GetTransactions(ctx, merchant, TransactionFilter{IncludePending: true, Limit: 2, Offset: 1})
		if err != nil {
			t.Fatalf("get transactions: %v", err)
		}
		if len(page.Items) != 2 || page.Items[0].Kind != ItemTransaction {
			t.Fatalf("unexpected page: %+v", page.Items)
		}
		if page.Items[0].Transaction.Description != "Card settlement" || page.Items[1].Transaction.Description != "Invoice 42" {
			t.Fatalf("unexpected page order: %q, %q", page.Items[0].Transaction.Description, page.Items[1].Transaction.Description)
		}

		last, err := env.ledger.GetTransactions(ctx, merchant, TransactionFilter{IncludePending: true, Limit: 2, Offset: 3})
		if err != nil {
			t.Fatalf("get transactions: %v", err)
		}
		if len(last.Items) != 1 || last.Items[0].Transaction.Description != "Invoice 41" {
			t.Fatalf("unexpected last page: %+v", last.Items)
		}
	})

	t.Run("search", func(t *testing.T) {
		page, err := env.ledger.GetTransactions(ctx, merchant, TransactionFilter{IncludePending: true, Search: "invoice"})
		if err != nil {
			t.Fatalf("get transactions: %v", err)
		}
		if len(page.Items) != 2 {
			t.Fatalf("expected two invoice transactions, got %d", len(page.Items))
		}
	})

	t.Run("type filter drops pending", func(t *testing.T) {
		topup := domain.TransactionTopup
		page, err := env.ledger.GetTransactions(ctx, merchant, TransactionFilter{IncludePending: true, Type: &topup})
		if err != nil {
			t.Fatalf("get transactions: %v", err)
		}
		for _, item := range page.Items {
			if item.Kind != ItemTransaction {
				t.Fatalf("type filter must only return transactions")
			}
		}
	})

	t.Run("invalid range", func(t *testing.T) {
		from := env.clock.Now()
		to := from.Add(-time.Hour)
		_, err := env.ledger.GetTransactions(ctx, merchant, TransactionFilter{From: &from, To: &to})
		assertErrorIs(t, err, domain.ErrValidation)
	})
}

func TestChangeCurrency(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	merchant := env.provision(t, "USD", nil)

	if _, err := env.ledger.ChangeCurrency(ctx, ownerOf(merchant), merchant, "EUR"); !errors.Is(err, domain.ErrOwnership) {
		t.Fatalf("owners may not change currency, got %v", err)
	}

	updated, err := env.ledger.ChangeCurrency(ctx, superAdmin(), merchant, "eur")
	if err != nil {
		t.Fatalf("change currency: %v", err)
	}
	if updated.CurrencyCode != "EUR" || env.balance(t, merchant).Currency != "EUR" {
		t.Fatalf("expected EUR merchant and balance, got %s / %s", updated.CurrencyCode, env.balance(t, merchant).Currency)
	}

	env.topup(t, merchant, "1.00", "EUR")
	_, err = env.ledger.ChangeCurrency(ctx, superAdmin(), merchant, "USD")
	assertErrorIs(t, err, domain.ErrConflict)
}

func TestAdjust_EventsOnlyAfterCommit(t *testing.T) {
	env := newTestEnv(t)
	merchant := env.provision(t, "USD", nil)

	env.repo.SetFailureHook(func(op string, _ uuid.UUID) error {
		if op == store.OpUpdateBalance {
			return errors.New("write failed")
		}
		return nil
	})
	_, err := env.ledger.Adjust(context.Background(), superAdmin(), AdjustInput{
		MerchantID: merchant,
		Amount:     mustMoney(t, "3.00", "USD"),
		Type:       domain.TransactionTopup,
	})
	if err == nil {
		t.Fatal("expected the injected failure")
	}
	if env.publisher.count(domain.EventTransactionRecorded) != 0 {
		t.Fatalf("events must not be published for a failed unit")
	}

	env.repo.SetFailureHook(nil)
	env.topup(t, merchant, "3.00", "USD")
	if env.publisher.count(domain.EventTransactionRecorded) != 1 {
		t.Fatalf("expected one transaction event after commit")
	}
}

func TestAdjust_PublishFailureDoesNotFailOperation(t *testing.T) {
	env := newTestEnv(t)
	merchant := env.provision(t, "USD", nil)
	env.publisher.err = errors.New("broker down")

	env.topup(t, merchant, "3.00", "USD")
	if env.balance(t, merchant).Amount != 300 {
		t.Fatalf("top-up must persist even when publishing fails")
	}
}
