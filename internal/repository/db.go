package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// NewDB creates a new PostgreSQL connection pool.
func NewDB(ctx context.Context, databaseURL string) (*pgxpool.Pool, error) {
	config, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database URL: %w", err)
	}

	config.MaxConns = 10
	config.MinConns = 2

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return pool, nil
}

// RunMigrations executes the schema migration. Every statement is idempotent.
func RunMigrations(ctx context.Context, pool *pgxpool.Pool) error {
	query := `
		CREATE TABLE IF NOT EXISTS subscription_orders (
			id                     TEXT PRIMARY KEY,
			user_id                TEXT NOT NULL,
			plan_id                TEXT NOT NULL,
			gateway                TEXT NOT NULL,
			gateway_transaction_id TEXT,
			amount                 NUMERIC(18,2) NOT NULL,
			currency               TEXT NOT NULL,
			billing_cycle          TEXT NOT NULL,
			status                 TEXT NOT NULL DEFAULT 'created',
			redirect_target        TEXT,
			applied_at             TIMESTAMPTZ,
			raw_webhook_log        JSONB NOT NULL DEFAULT '[]'::jsonb,
			created_at             TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at             TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			CHECK ((applied_at IS NULL) OR (status = 'paid'))
		);
		CREATE INDEX IF NOT EXISTS idx_orders_status_updated ON subscription_orders(status, updated_at);
		CREATE UNIQUE INDEX IF NOT EXISTS uq_orders_user_in_flight
			ON subscription_orders(user_id) WHERE status IN ('created', 'pending');

		CREATE TABLE IF NOT EXISTS user_subscriptions (
			user_id          TEXT PRIMARY KEY,
			plan_id          TEXT NOT NULL DEFAULT 'free',
			status           TEXT NOT NULL DEFAULT 'free',
			start_date       TIMESTAMPTZ,
			end_date         TIMESTAMPTZ,
			current_order_id TEXT,
			created_at       TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at       TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_user_subscriptions_end ON user_subscriptions(status, end_date);

		CREATE TABLE IF NOT EXISTS idempotency_ledger (
			gateway        TEXT NOT NULL,
			transaction_id TEXT NOT NULL,
			order_id       TEXT NOT NULL,
			state          TEXT NOT NULL,
			token          UUID NOT NULL,
			reserved_at    TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			applied_at     TIMESTAMPTZ,
			PRIMARY KEY (gateway, transaction_id)
		);
		CREATE INDEX IF NOT EXISTS idx_ledger_reserved ON idempotency_ledger(state, reserved_at);

		CREATE TABLE IF NOT EXISTS settlement_anomalies (
			id             BIGSERIAL PRIMARY KEY,
			kind           TEXT NOT NULL,
			gateway        TEXT NOT NULL,
			order_id       TEXT NOT NULL,
			transaction_id TEXT,
			detail         TEXT NOT NULL,
			payload        JSONB,
			created_at     TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_anomalies_created ON settlement_anomalies(created_at DESC);
	`
	_, err := pool.Exec(ctx, query)
	if err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
