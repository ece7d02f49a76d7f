/**
 * @description
 * PostgreSQL implementation of Repository. Units of work map onto a single database
 * transaction; WithLock takes row locks with SELECT ... FOR UPDATE on balances and then
 * subscriptions in ascending merchant order, and every value used for a write is read
 * through the same transaction.
 *
 * @dependencies
 * - github.com/jackc/pgx/v5: PostgreSQL driver, transactions and connection pooling.
 * - github.com/jackc/pgx/v5/pgconn: Error codes for constraint violations.
 */

package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/restoplatform/billing-service/internal/domain"
)

const uniqueViolation = "23505"

// PostgresRepository is the implementation of the Repository interface for PostgreSQL.
type PostgresRepository struct {
	db *pgxpool.Pool
}

// NewPostgresRepository creates a new instance of PostgresRepository.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// querier is satisfied by both the pool and an open transaction.
type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

const (
	merchantColumns       = "id, name, currency_code, parent_id, created_at"
	balanceColumns        = "merchant_id, amount, currency_code, last_topup_at, updated_at"
	subscriptionColumns   = "merchant_id, type, status, trial_ends_at, current_period_start, current_period_end, suspend_reason, suspended_manually, updated_at"
	transactionColumns    = "id, merchant_id, type, amount, balance_before, balance_after, currency_code, description, actor_id, ledger_visible, counterparty_id, transfer_id, payment_request_id, created_at"
	paymentRequestColumns = "id, merchant_id, type, amount, currency_code, renewal_days, external_ref, status, reject_reason, resolved_by, created_at, confirmed_at, resolved_at"
)

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

func getMerchant(ctx context.Context, q querier, merchantID uuid.UUID) (*domain.Merchant, error) {
	var m domain.Merchant
	err := q.QueryRow(ctx, "SELECT "+merchantColumns+" FROM merchants WHERE id = $1", merchantID).
		Scan(&m.ID, &m.Name, &m.CurrencyCode, &m.ParentID, &m.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.NewNotFoundError("merchant", merchantID)
		}
		return nil, fmt.Errorf("select merchant: %w", err)
	}
	m.CurrencyCode = strings.TrimSpace(m.CurrencyCode)
	return &m, nil
}

func getBalance(ctx context.Context, q querier, merchantID uuid.UUID) (*domain.Balance, error) {
	var (
		b        domain.Balance
		currency string
	)
	err := q.QueryRow(ctx, "SELECT "+balanceColumns+" FROM balances WHERE merchant_id = $1", merchantID).
		Scan(&b.MerchantID, &b.Amount.Amount, &currency, &b.LastTopupAt, &b.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.NewNotFoundError("balance", merchantID)
		}
		return nil, fmt.Errorf("select balance: %w", err)
	}
	b.Amount.Currency = strings.TrimSpace(currency)
	return &b, nil
}

func getSubscription(ctx context.Context, q querier, merchantID uuid.UUID) (*domain.Subscription, error) {
	var (
		s       domain.Subscription
		subType string
		status  string
	)
	err := q.QueryRow(ctx, "SELECT "+subscriptionColumns+" FROM subscriptions WHERE merchant_id = $1", merchantID).
		Scan(&s.MerchantID, &subType, &status, &s.TrialEndsAt, &s.CurrentPeriodStart, &s.CurrentPeriodEnd,
			&s.SuspendReason, &s.SuspendedManually, &s.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.NewNotFoundError("subscription", merchantID)
		}
		return nil, fmt.Errorf("select subscription: %w", err)
	}
	s.Type = domain.SubscriptionType(subType)
	s.Status = domain.SubscriptionStatus(status)
	return &s, nil
}

func scanPaymentRequest(row pgx.Row) (*domain.PaymentRequest, error) {
	var (
		p        domain.PaymentRequest
		reqType  string
		status   string
		currency string
	)
	err := row.Scan(&p.ID, &p.MerchantID, &reqType, &p.Amount.Amount, &currency, &p.RenewalDays, &p.ExternalRef,
		&status, &p.RejectReason, &p.ResolvedBy, &p.CreatedAt, &p.ConfirmedAt, &p.ResolvedAt)
	if err != nil {
		return nil, err
	}
	p.Type = domain.PaymentRequestType(reqType)
	p.Status = domain.PaymentRequestStatus(status)
	p.Amount.Currency = strings.TrimSpace(currency)
	return &p, nil
}

func scanTransaction(row pgx.Row) (*domain.Transaction, error) {
	var (
		t                     domain.Transaction
		txType                string
		amount, before, after int64
		currency              string
	)
	err := row.Scan(&t.ID, &t.MerchantID, &txType, &amount, &before, &after, &currency, &t.Description,
		&t.ActorID, &t.LedgerVisible, &t.CounterpartyID, &t.TransferID, &t.PaymentRequestID, &t.CreatedAt)
	if err != nil {
		return nil, err
	}
	currency = strings.TrimSpace(currency)
	t.Type = domain.TransactionType(txType)
	t.Amount = domain.Money{Amount: amount, Currency: currency}
	t.BalanceBefore = domain.Money{Amount: before, Currency: currency}
	t.BalanceAfter = domain.Money{Amount: after, Currency: currency}
	return &t, nil
}

func (r *PostgresRepository) GetMerchant(ctx context.Context, merchantID uuid.UUID) (*domain.Merchant, error) {
	return getMerchant(ctx, r.db, merchantID)
}

func (r *PostgresRepository) GetBalance(ctx context.Context, merchantID uuid.UUID) (*domain.Balance, error) {
	return getBalance(ctx, r.db, merchantID)
}

func (r *PostgresRepository) GetSubscription(ctx context.Context, merchantID uuid.UUID) (*domain.Subscription, error) {
	return getSubscription(ctx, r.db, merchantID)
}

func (r *PostgresRepository) GetPaymentRequest(ctx context.Context, requestID uuid.UUID) (*domain.PaymentRequest, error) {
	p, err := scanPaymentRequest(r.db.QueryRow(ctx, "SELECT "+paymentRequestColumns+" FROM payment_requests WHERE id = $1", requestID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.NewNotFoundError("payment request", requestID)
		}
		return nil, fmt.Errorf("select payment request: %w", err)
	}
	return p, nil
}

func (r *PostgresRepository) FindPaymentRequestByExternalRef(ctx context.Context, merchantID uuid.UUID, externalRef string) (*domain.PaymentRequest, error) {
	p, err := scanPaymentRequest(r.db.QueryRow(ctx,
		"SELECT "+paymentRequestColumns+" FROM payment_requests WHERE merchant_id = $1 AND external_ref = $2",
		merchantID, externalRef))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, &domain.NotFoundError{Entity: "payment request", ID: externalRef}
		}
		return nil, fmt.Errorf("select payment request by ref: %w", err)
	}
	return p, nil
}

func (r *PostgresRepository) ListTransactions(ctx context.Context, merchantID uuid.UUID, q TransactionQuery) ([]domain.Transaction, error) {
	query, args := transactionListQuery(merchantID, q)
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list transactions: %w", err)
	}
	defer rows.Close()

	var out []domain.Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("scan transaction: %w", err)
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}

// transactionListQuery builds the filtered, newest-first transaction query. Placeholders are
// numbered in the order their arguments are appended.
func transactionListQuery(merchantID uuid.UUID, q TransactionQuery) (string, []any) {
	var (
		conditions = []string{"merchant_id = $1"}
		args       = []any{merchantID}
	)
	addArg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if !q.IncludeHidden {
		conditions = append(conditions, "ledger_visible")
	}
	if q.Type != nil {
		conditions = append(conditions, "type = "+addArg(string(*q.Type)))
	}
	if q.From != nil {
		conditions = append(conditions, "created_at >= "+addArg(*q.From))
	}
	if q.To != nil {
		conditions = append(conditions, "created_at <= "+addArg(*q.To))
	}
	if search := strings.TrimSpace(q.Search); search != "" {
		conditions = append(conditions, "description ILIKE '%' || "+addArg(escapeLike(search))+" || '%'")
	}

	query := "SELECT " + transactionColumns + " FROM balance_transactions WHERE " +
		strings.Join(conditions, " AND ") + " ORDER BY created_at DESC, id DESC"
	if q.Limit > 0 {
		query += " LIMIT " + addArg(q.Limit)
	}
	if q.Offset > 0 {
		query += " OFFSET " + addArg(q.Offset)
	}
	return query, args
}

func (r *PostgresRepository) ListPaymentRequests(ctx context.Context, merchantID uuid.UUID, q PaymentRequestQuery) ([]domain.PaymentRequest, error) {
	query, args := paymentRequestListQuery(merchantID, q)
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list payment requests: %w", err)
	}
	defer rows.Close()

	var out []domain.PaymentRequest
	for rows.Next() {
		p, err := scanPaymentRequest(rows)
		if err != nil {
			return nil, fmt.Errorf("scan payment request: %w", err)
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

func paymentRequestListQuery(merchantID uuid.UUID, q PaymentRequestQuery) (string, []any) {
	var (
		conditions = []string{"merchant_id = $1"}
		args       = []any{merchantID}
	)
	if len(q.Statuses) > 0 {
		statuses := make([]string, len(q.Statuses))
		for i, s := range q.Statuses {
			statuses[i] = string(s)
		}
		args = append(args, statuses)
		conditions = append(conditions, fmt.Sprintf("status = ANY($%d)", len(args)))
	}
	if q.From != nil {
		args = append(args, *q.From)
		conditions = append(conditions, fmt.Sprintf("created_at >= $%d", len(args)))
	}
	if q.To != nil {
		args = append(args, *q.To)
		conditions = append(conditions, fmt.Sprintf("created_at <= $%d", len(args)))
	}
	return "SELECT " + paymentRequestColumns + " FROM payment_requests WHERE " +
		strings.Join(conditions, " AND ") + " ORDER BY created_at DESC, id DESC", args
}

// dueSubscriptionsQuery selects automatically managed subscriptions whose stored ACTIVE status
// the facts no longer support. It mirrors the status rules in the app package.
const dueSubscriptionsQuery = `
		SELECT s.merchant_id
		FROM subscriptions s
		JOIN balances b ON b.merchant_id = s.merchant_id
		WHERE s.status = 'ACTIVE'
		  AND NOT s.suspended_manually
		  AND (
		        (s.type = 'TRIAL' AND s.trial_ends_at < $1)
		     OR (s.type = 'MONTHLY' AND (s.current_period_end IS NULL OR s.current_period_end < $1))
		     OR (s.type = 'DEPOSIT' AND b.amount <= 0)
		     OR s.type = 'NONE'
		  )
		ORDER BY s.merchant_id
`

func (r *PostgresRepository) ListDueSubscriptions(ctx context.Context, now time.Time) ([]uuid.UUID, error) {
	rows, err := r.db.Query(ctx, dueSubscriptionsQuery, now)
	if err != nil {
		return nil, fmt.Errorf("list due subscriptions: %w", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (r *PostgresRepository) ListStalePaymentRequests(ctx context.Context, cutoff time.Time) ([]domain.PaymentRequest, error) {
	rows, err := r.db.Query(ctx, "SELECT "+paymentRequestColumns+
		" FROM payment_requests WHERE status = 'PENDING' AND created_at < $1 ORDER BY created_at", cutoff)
	if err != nil {
		return nil, fmt.Errorf("list stale payment requests: %w", err)
	}
	defer rows.Close()

	var out []domain.PaymentRequest
	for rows.Next() {
		p, err := scanPaymentRequest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

func (r *PostgresRepository) CreateMerchant(ctx context.Context, merchant *domain.Merchant, balance *domain.Balance, sub *domain.Subscription) error {
	if err := sub.Validate(); err != nil {
		return err
	}
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx,
		"INSERT INTO merchants ("+merchantColumns+") VALUES ($1, $2, $3, $4, $5)",
		merchant.ID, merchant.Name, merchant.CurrencyCode, merchant.ParentID, merchant.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateMerchant
		}
		return fmt.Errorf("insert merchant: %w", err)
	}
	_, err = tx.Exec(ctx,
		"INSERT INTO balances ("+balanceColumns+") VALUES ($1, $2, $3, $4, $5)",
		balance.MerchantID, balance.Amount.Amount, balance.Amount.Currency, balance.LastTopupAt, balance.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert balance: %w", err)
	}
	_, err = tx.Exec(ctx,
		"INSERT INTO subscriptions ("+subscriptionColumns+") VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)",
		sub.MerchantID, string(sub.Type), string(sub.Status), sub.TrialEndsAt, sub.CurrentPeriodStart,
		sub.CurrentPeriodEnd, sub.SuspendReason, sub.SuspendedManually, sub.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert subscription: %w", err)
	}
	return tx.Commit(ctx)
}

func (r *PostgresRepository) CreatePaymentRequest(ctx context.Context, p *domain.PaymentRequest) error {
	_, err := r.db.Exec(ctx,
		"INSERT INTO payment_requests ("+paymentRequestColumns+") VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)",
		p.ID, p.MerchantID, string(p.Type), p.Amount.Amount, p.Amount.Currency, p.RenewalDays, p.ExternalRef,
		string(p.Status), p.RejectReason, p.ResolvedBy, p.CreatedAt, p.ConfirmedAt, p.ResolvedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicatePaymentRequest
		}
		return fmt.Errorf("insert payment request: %w", err)
	}
	return nil
}

func (r *PostgresRepository) WithLock(ctx context.Context, merchantIDs []uuid.UUID, fn func(tx Tx) error) error {
	ordered := LockOrder(merchantIDs)

	tx, err := r.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	// Use FOR UPDATE to lock the rows, preventing race conditions. Balances first, then
	// subscriptions, each in ascending merchant order.
	for _, id := range ordered {
		var locked uuid.UUID
		err := tx.QueryRow(ctx, "SELECT merchant_id FROM balances WHERE merchant_id = $1 FOR UPDATE", id).Scan(&locked)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return domain.NewNotFoundError("merchant", id)
			}
			return fmt.Errorf("lock balance %s: %w", id, err)
		}
	}
	for _, id := range ordered {
		if _, err := tx.Exec(ctx, "SELECT 1 FROM subscriptions WHERE merchant_id = $1 FOR UPDATE", id); err != nil {
			return fmt.Errorf("lock subscription %s: %w", id, err)
		}
	}

	ptx := &postgresTx{tx: tx, locked: make(map[uuid.UUID]bool, len(ordered))}
	for _, id := range ordered {
		ptx.locked[id] = true
	}
	if err := fn(ptx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

type postgresTx struct {
	tx     pgx.Tx
	locked map[uuid.UUID]bool
}

func (t *postgresTx) requireLocked(merchantID uuid.UUID) error {
	if !t.locked[merchantID] {
		return fmt.Errorf("%w: %s", ErrNotLocked, merchantID)
	}
	return nil
}

func (t *postgresTx) Merchant(ctx context.Context, merchantID uuid.UUID) (*domain.Merchant, error) {
	if err := t.requireLocked(merchantID); err != nil {
		return nil, err
	}
	return getMerchant(ctx, t.tx, merchantID)
}

func (t *postgresTx) Balance(ctx context.Context, merchantID uuid.UUID) (*domain.Balance, error) {
	if err := t.requireLocked(merchantID); err != nil {
		return nil, err
	}
	return getBalance(ctx, t.tx, merchantID)
}

func (t *postgresTx) Subscription(ctx context.Context, merchantID uuid.UUID) (*domain.Subscription, error) {
	if err := t.requireLocked(merchantID); err != nil {
		return nil, err
	}
	return getSubscription(ctx, t.tx, merchantID)
}

func (t *postgresTx) PaymentRequest(ctx context.Context, requestID uuid.UUID) (*domain.PaymentRequest, error) {
	p, err := scanPaymentRequest(t.tx.QueryRow(ctx,
		"SELECT "+paymentRequestColumns+" FROM payment_requests WHERE id = $1 FOR UPDATE", requestID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.NewNotFoundError("payment request", requestID)
		}
		return nil, fmt.Errorf("lock payment request: %w", err)
	}
	if err := t.requireLocked(p.MerchantID); err != nil {
		return nil, err
	}
	return p, nil
}

func (t *postgresTx) HasTransactions(ctx context.Context, merchantID uuid.UUID) (bool, error) {
	if err := t.requireLocked(merchantID); err != nil {
		return false, err
	}
	var exists bool
	err := t.tx.QueryRow(ctx, "SELECT EXISTS (SELECT 1 FROM balance_transactions WHERE merchant_id = $1)", merchantID).Scan(&exists)
	return exists, err
}

func (t *postgresTx) UpdateBalance(ctx context.Context, b *domain.Balance) error {
	if err := t.requireLocked(b.MerchantID); err != nil {
		return err
	}
	_, err := t.tx.Exec(ctx,
		"UPDATE balances SET amount = $1, currency_code = $2, last_topup_at = $3, updated_at = $4 WHERE merchant_id = $5",
		b.Amount.Amount, b.Amount.Currency, b.LastTopupAt, b.UpdatedAt, b.MerchantID)
	if err != nil {
		return fmt.Errorf("update balance: %w", err)
	}
	return nil
}

func (t *postgresTx) InsertTransaction(ctx context.Context, txn *domain.Transaction) error {
	if err := t.requireLocked(txn.MerchantID); err != nil {
		return err
	}
	_, err := t.tx.Exec(ctx,
		"INSERT INTO balance_transactions ("+transactionColumns+") VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)",
		txn.ID, txn.MerchantID, string(txn.Type), txn.Amount.Amount, txn.BalanceBefore.Amount, txn.BalanceAfter.Amount,
		txn.Amount.Currency, txn.Description, txn.ActorID, txn.LedgerVisible, txn.CounterpartyID, txn.TransferID,
		txn.PaymentRequestID, txn.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert transaction: %w", err)
	}
	return nil
}

func (t *postgresTx) UpdateSubscription(ctx context.Context, s *domain.Subscription) error {
	if err := t.requireLocked(s.MerchantID); err != nil {
		return err
	}
	if err := s.Validate(); err != nil {
		return err
	}
	_, err := t.tx.Exec(ctx, `
		UPDATE subscriptions
		SET type = $1, status = $2, trial_ends_at = $3, current_period_start = $4, current_period_end = $5,
		    suspend_reason = $6, suspended_manually = $7, updated_at = $8
		WHERE merchant_id = $9`,
		string(s.Type), string(s.Status), s.TrialEndsAt, s.CurrentPeriodStart, s.CurrentPeriodEnd,
		s.SuspendReason, s.SuspendedManually, s.UpdatedAt, s.MerchantID)
	if err != nil {
		return fmt.Errorf("update subscription: %w", err)
	}
	return nil
}

func (t *postgresTx) UpdatePaymentRequest(ctx context.Context, p *domain.PaymentRequest) error {
	if err := t.requireLocked(p.MerchantID); err != nil {
		return err
	}
	_, err := t.tx.Exec(ctx, `
		UPDATE payment_requests
		SET status = $1, reject_reason = $2, resolved_by = $3, confirmed_at = $4, resolved_at = $5
		WHERE id = $6`,
		string(p.Status), p.RejectReason, p.ResolvedBy, p.ConfirmedAt, p.ResolvedAt, p.ID)
	if err != nil {
		return fmt.Errorf("update payment request: %w", err)
	}
	return nil
}

func (t *postgresTx) UpdateMerchantCurrency(ctx context.Context, merchantID uuid.UUID, currency string) error {
	if err := t.requireLocked(merchantID); err != nil {
		return err
	}
	_, err := t.tx.Exec(ctx, "UPDATE merchants SET currency_code = $1 WHERE id = $2", currency, merchantID)
	if err != nil {
		return fmt.Errorf("update merchant currency: %w", err)
	}
	return nil
}
