package database

import (
	"context"
	"fmt"
)

// migrations are idempotent DDL statements executed in order on startup.
var migrations = []string{
	`CREATE TABLE IF NOT EXISTS stocks (
		id            BIGSERIAL PRIMARY KEY,
		symbol        TEXT NOT NULL UNIQUE,
		name          TEXT NOT NULL,
		name_en       TEXT,
		market        TEXT NOT NULL CHECK (market IN ('KOSPI', 'KOSDAQ', 'KONEX')),
		sector        TEXT,
		industry      TEXT,
		listed_shares BIGINT,
		listing_date  DATE,
		is_active     BOOLEAN NOT NULL DEFAULT TRUE,
		created_at    TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at    TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_stocks_market ON stocks (market)`,
	`CREATE INDEX IF NOT EXISTS idx_stocks_is_active ON stocks (is_active)`,

	`CREATE TABLE IF NOT EXISTS stock_prices (
		id              BIGSERIAL PRIMARY KEY,
		stock_id        BIGINT NOT NULL REFERENCES stocks (id) ON DELETE CASCADE,
		price_date      DATE NOT NULL,
		open_price      NUMERIC(15,2) NOT NULL,
		high_price      NUMERIC(15,2) NOT NULL,
		low_price       NUMERIC(15,2) NOT NULL,
		close_price     NUMERIC(15,2) NOT NULL,
		volume          BIGINT NOT NULL,
		trading_value   NUMERIC(20,0),
		market_cap      NUMERIC(20,0),
		exchange_rate   NUMERIC(15,4),
		close_price_usd NUMERIC(15,4),
		created_at      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		UNIQUE (stock_id, price_date)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_stock_prices_date ON stock_prices (price_date)`,
	`CREATE INDEX IF NOT EXISTS idx_stock_prices_stock_date ON stock_prices (stock_id, price_date DESC)`,

	`CREATE TABLE IF NOT EXISTS exchange_rates (
		id            BIGSERIAL PRIMARY KEY,
		currency_pair TEXT NOT NULL DEFAULT 'USD/KRW',
		rate          NUMERIC(15,4) NOT NULL CHECK (rate > 0),
		rate_date     TIMESTAMPTZ NOT NULL,
		source        TEXT,
		UNIQUE (currency_pair, rate_date)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_exchange_rates_date ON exchange_rates (rate_date DESC)`,

	`CREATE TABLE IF NOT EXISTS sync_status (
		id             BIGSERIAL PRIMARY KEY,
		stock_id       BIGINT NOT NULL REFERENCES stocks (id) ON DELETE CASCADE,
		data_type      TEXT NOT NULL CHECK (data_type IN ('daily_price', 'minute_price', 'fundamental')),
		status         TEXT NOT NULL CHECK (status IN ('pending', 'syncing', 'completed', 'failed')),
		last_sync_date DATE,
		last_sync_at   TIMESTAMPTZ,
		error_message  TEXT,
		UNIQUE (stock_id, data_type)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_sync_status_status ON sync_status (status)`,

	`CREATE TABLE IF NOT EXISTS popular_stocks (
		id             BIGSERIAL PRIMARY KEY,
		ranking_type   TEXT NOT NULL CHECK (ranking_type IN ('volume', 'value', 'gain', 'loss')),
		rank           INT NOT NULL,
		symbol         TEXT NOT NULL,
		name           TEXT,
		close_price    NUMERIC(15,2),
		change_percent NUMERIC(8,4),
		volume         BIGINT,
		snapshot_date  DATE NOT NULL,
		UNIQUE (ranking_type, rank, snapshot_date)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_popular_stocks_snapshot ON popular_stocks (snapshot_date DESC, ranking_type)`,
}

// Migrate applies the schema. Every statement is idempotent so this is safe
// to run on every startup.
func (db *DB) Migrate(ctx context.Context) error {
	for i, stmt := range migrations {
		if _, err := db.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("migration %d failed: %w", i, err)
		}
	}
	return nil
}
