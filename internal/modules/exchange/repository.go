package exchange

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/krxusd/marketd/internal/domain"
)

// Repository persists USD/KRW rates in the exchange_rates table.
type Repository struct {
	pool *pgxpool.Pool
	log  zerolog.Logger
}

// NewRepository creates an exchange rate repository.
func NewRepository(pool *pgxpool.Pool, log zerolog.Logger) *Repository {
	return &Repository{
		pool: pool,
		log:  log.With().Str("repo", "exchange").Logger(),
	}
}

// UpsertRate inserts a dated rate, updating rate and source when the
// (currency_pair, rate_date) row already exists.
func (r *Repository) UpsertRate(ctx context.Context, rate domain.FxRate) error {
	query := `
		INSERT INTO exchange_rates (currency_pair, rate, rate_date, source)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (currency_pair, rate_date)
		DO UPDATE SET rate = EXCLUDED.rate, source = EXCLUDED.source
	`

	pair := rate.Pair
	if pair == "" {
		pair = domain.CurrencyPair
	}

	_, err := r.pool.Exec(ctx, query, pair, rate.Rate.String(), domain.DateOnly(rate.RateDate), rate.Source)
	if err != nil {
		return fmt.Errorf("upsert rate for %s: %w", domain.DateOnly(rate.RateDate), err)
	}
	return nil
}

// UpsertRates writes a batch of dated rates in one round trip.
func (r *Repository) UpsertRates(ctx context.Context, rates []domain.FxRate) error {
	if len(rates) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	query := `
		INSERT INTO exchange_rates (currency_pair, rate, rate_date, source)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (currency_pair, rate_date)
		DO UPDATE SET rate = EXCLUDED.rate, source = EXCLUDED.source
	`
	for _, rate := range rates {
		pair := rate.Pair
		if pair == "" {
			pair = domain.CurrencyPair
		}
		batch.Queue(query, pair, rate.Rate.String(), domain.DateOnly(rate.RateDate), rate.Source)
	}

	results := r.pool.SendBatch(ctx, batch)
	defer results.Close()

	for i := range rates {
		if _, err := results.Exec(); err != nil {
			return fmt.Errorf("upsert rate for %s: %w", domain.DateOnly(rates[i].RateDate), err)
		}
	}
	return nil
}

// LatestRate returns the most recent stored rate for the USD/KRW pair.
func (r *Repository) LatestRate(ctx context.Context) (*domain.FxRate, error) {
	query := `
		SELECT id, currency_pair, rate::text, rate_date, COALESCE(source, '')
		FROM exchange_rates
		WHERE currency_pair = $1
		ORDER BY rate_date DESC
		LIMIT 1
	`
	return r.queryOne(ctx, query, domain.CurrencyPair)
}

// LatestRateBefore returns the newest rate dated strictly before the given day.
func (r *Repository) LatestRateBefore(ctx context.Context, day time.Time) (*domain.FxRate, error) {
	query := `
		SELECT id, currency_pair, rate::text, rate_date, COALESCE(source, '')
		FROM exchange_rates
		WHERE currency_pair = $1 AND rate_date < $2
		ORDER BY rate_date DESC
		LIMIT 1
	`
	return r.queryOne(ctx, query, domain.CurrencyPair, domain.DateOnly(day))
}

// RatesBetween returns stored rates in [start, end], oldest first.
func (r *Repository) RatesBetween(ctx context.Context, start, end time.Time) ([]domain.FxRate, error) {
	query := `
		SELECT id, currency_pair, rate::text, rate_date, COALESCE(source, '')
		FROM exchange_rates
		WHERE currency_pair = $1 AND rate_date >= $2 AND rate_date <= $3
		ORDER BY rate_date ASC
	`

	rows, err := r.pool.Query(ctx, query, domain.CurrencyPair, domain.DateOnly(start), domain.DateOnly(end))
	if err != nil {
		return nil, fmt.Errorf("query rates between %s and %s: %w", domain.DateOnly(start), domain.DateOnly(end), err)
	}
	defer rows.Close()

	var rates []domain.FxRate
	for rows.Next() {
		rate, err := scanRate(rows)
		if err != nil {
			return nil, err
		}
		rates = append(rates, *rate)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rates: %w", err)
	}
	return rates, nil
}

// RecentRates returns the newest rates first, capped at limit.
func (r *Repository) RecentRates(ctx context.Context, limit int) ([]domain.FxRate, error) {
	query := `
		SELECT id, currency_pair, rate::text, rate_date, COALESCE(source, '')
		FROM exchange_rates
		WHERE currency_pair = $1
		ORDER BY rate_date DESC
		LIMIT $2
	`

	rows, err := r.pool.Query(ctx, query, domain.CurrencyPair, limit)
	if err != nil {
		return nil, fmt.Errorf("query recent rates: %w", err)
	}
	defer rows.Close()

	var rates []domain.FxRate
	for rows.Next() {
		rate, err := scanRate(rows)
		if err != nil {
			return nil, err
		}
		rates = append(rates, *rate)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate recent rates: %w", err)
	}
	return rates, nil
}

func (r *Repository) queryOne(ctx context.Context, query string, args ...any) (*domain.FxRate, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query rate: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("query rate: %w", err)
		}
		return nil, domain.ErrNotFound
	}
	return scanRate(rows)
}

func scanRate(rows pgx.Rows) (*domain.FxRate, error) {
	var (
		rate    domain.FxRate
		rateStr string
	)
	if err := rows.Scan(&rate.ID, &rate.Pair, &rateStr, &rate.RateDate, &rate.Source); err != nil {
		return nil, fmt.Errorf("scan rate row: %w", err)
	}

	parsed, err := decimal.NewFromString(rateStr)
	if err != nil {
		return nil, fmt.Errorf("parse stored rate %q: %w", rateStr, err)
	}
	rate.Rate = parsed
	return &rate, nil
}
