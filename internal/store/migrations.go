package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

type migration struct {
	version string
	name    string
	sql     string
}

var migrations = []migration{
	{
		version: "20240601000001",
		name:    "create_merchants",
		sql: `
CREATE TABLE IF NOT EXISTS merchants (
    id            UUID PRIMARY KEY,
    name          TEXT NOT NULL,
    currency_code CHAR(3) NOT NULL,
    parent_id     UUID REFERENCES merchants(id),
    created_at    TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_merchants_parent ON merchants (parent_id);`,
	},
	{
		version: "20240601000002",
		name:    "create_balances",
		sql: `
CREATE TABLE IF NOT EXISTS balances (
    merchant_id   UUID PRIMARY KEY REFERENCES merchants(id),
    amount        BIGINT NOT NULL DEFAULT 0,
    currency_code CHAR(3) NOT NULL,
    last_topup_at TIMESTAMPTZ,
    updated_at    TIMESTAMPTZ NOT NULL DEFAULT NOW()
);`,
	},
	{
		version: "20240601000003",
		name:    "create_balance_transactions",
		sql: `
CREATE TABLE IF NOT EXISTS balance_transactions (
    id                 UUID PRIMARY KEY,
    merchant_id        UUID NOT NULL REFERENCES balances(merchant_id),
    type               TEXT NOT NULL,
    amount             BIGINT NOT NULL,
    balance_before     BIGINT NOT NULL,
    balance_after      BIGINT NOT NULL,
    currency_code      CHAR(3) NOT NULL,
    description        TEXT NOT NULL DEFAULT '',
    actor_id           TEXT NOT NULL,
    ledger_visible     BOOLEAN NOT NULL DEFAULT TRUE,
    counterparty_id    UUID,
    transfer_id        UUID,
    payment_request_id UUID,
    created_at         TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    CONSTRAINT balance_transactions_running_total CHECK (balance_after = balance_before + amount)
);
CREATE INDEX IF NOT EXISTS idx_balance_transactions_merchant_created
    ON balance_transactions (merchant_id, created_at DESC);`,
	},
	{
		version: "20240601000004",
		name:    "create_subscriptions",
		sql: `
CREATE TABLE IF NOT EXISTS subscriptions (
    merchant_id          UUID PRIMARY KEY REFERENCES merchants(id),
    type                 TEXT NOT NULL,
    status               TEXT NOT NULL,
    trial_ends_at        TIMESTAMPTZ NOT NULL,
    current_period_start TIMESTAMPTZ,
    current_period_end   TIMESTAMPTZ,
    suspend_reason       TEXT,
    suspended_manually   BOOLEAN NOT NULL DEFAULT FALSE,
    updated_at           TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    CONSTRAINT subscriptions_reason_matches_status CHECK (
        (status = 'SUSPENDED' AND suspend_reason IS NOT NULL)
        OR (status = 'ACTIVE' AND suspend_reason IS NULL)
        OR status = 'CANCELLED'
    )
);`,
	},
	{
		version: "20240601000005",
		name:    "create_payment_requests",
		sql: `
CREATE TABLE IF NOT EXISTS payment_requests (
    id            UUID PRIMARY KEY,
    merchant_id   UUID NOT NULL REFERENCES merchants(id),
    type          TEXT NOT NULL,
    amount        BIGINT NOT NULL CHECK (amount > 0),
    currency_code CHAR(3) NOT NULL,
    renewal_days  INTEGER NOT NULL DEFAULT 0,
    external_ref  TEXT NOT NULL,
    status        TEXT NOT NULL,
    reject_reason TEXT,
    resolved_by   TEXT,
    created_at    TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    confirmed_at  TIMESTAMPTZ,
    resolved_at   TIMESTAMPTZ,
    CONSTRAINT payment_requests_external_ref_unique UNIQUE (merchant_id, external_ref)
);
CREATE INDEX IF NOT EXISTS idx_payment_requests_status_created ON payment_requests (status, created_at);`,
	},
}

// Migrate applies any schema migrations that have not run yet.
func Migrate(ctx context.Context, db *pgxpool.Pool) error {
	if _, err := db.Exec(ctx, `
CREATE TABLE IF NOT EXISTS billing_schema_migrations (
    version    TEXT PRIMARY KEY,
    name       TEXT NOT NULL,
    applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`); err != nil {
		return fmt.Errorf("create migrations table: %w", err)
	}

	for _, m := range migrations {
		tx, err := db.Begin(ctx)
		if err != nil {
			return err
		}
		tag, err := tx.Exec(ctx,
			"INSERT INTO billing_schema_migrations (version, name) VALUES ($1, $2) ON CONFLICT (version) DO NOTHING",
			m.version, m.name)
		if err != nil {
			tx.Rollback(ctx)
			return fmt.Errorf("record migration %s: %w", m.name, err)
		}
		if tag.RowsAffected() == 0 {
			tx.Rollback(ctx)
			continue
		}
		if _, err := tx.Exec(ctx, m.sql); err != nil {
			tx.Rollback(ctx)
			return fmt.Errorf("apply migration %s: %w", m.name, err)
		}
		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit migration %s: %w", m.name, err)
		}
	}
	return nil
}
