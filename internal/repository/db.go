package repository

import (
	"context"
	"fmt"

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

// RunMigrations executes the initial schema migration.
func RunMigrations(ctx context.Context, pool *pgxpool.Pool) error {
	query := `
		CREATE TABLE IF NOT EXISTS entitlements (
			account_id               TEXT PRIMARY KEY,
			plan                     TEXT NOT NULL DEFAULT 'free',
			active                   BOOLEAN NOT NULL DEFAULT FALSE,
			status                   TEXT NOT NULL DEFAULT '',
			provider_customer_id     TEXT,
			provider_subscription_id TEXT,
			current_period_end       TIMESTAMPTZ,
			cancel_at_period_end     BOOLEAN NOT NULL DEFAULT FALSE,
			last_validated_at        TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at               TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			activation_method        TEXT NOT NULL DEFAULT 'direct',
			last_error               TEXT,
			version                  BIGINT NOT NULL DEFAULT 1
		);
		CREATE INDEX IF NOT EXISTS idx_entitlements_active_premium
			ON entitlements(active, plan) WHERE active AND plan = 'premium';

		CREATE TABLE IF NOT EXISTS usage_counters (
			account_id  TEXT NOT NULL,
			feature_key TEXT NOT NULL,
			day         DATE NOT NULL,
			count       INTEGER NOT NULL DEFAULT 0 CHECK (count >= 0),
			updated_at  TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			PRIMARY KEY (account_id, feature_key, day)
		);

		CREATE TABLE IF NOT EXISTS webhook_events (
			id          TEXT PRIMARY KEY,
			type        TEXT NOT NULL,
			received_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);

		CREATE TABLE IF NOT EXISTS throttle_counters (
			key          TEXT NOT NULL,
			window_start TIMESTAMPTZ NOT NULL,
			count        INTEGER NOT NULL DEFAULT 0,
			updated_at   TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			PRIMARY KEY (key, window_start)
		);
	`
	_, err := pool.Exec(ctx, query)
	if err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}
