package popular

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

// Repository persists ranking snapshots to popular_stocks. The market_cap
// ranking is cache-only and never lands here.
type Repository struct {
	pool *pgxpool.Pool
	log  zerolog.Logger
}

// NewRepository creates a popular-stocks repository.
func NewRepository(pool *pgxpool.Pool, log zerolog.Logger) *Repository {
	return &Repository{
		pool: pool,
		log:  log.With().Str("repo", "popular").Logger(),
	}
}

// ReplaceSnapshot swaps one ranking's rows for a snapshot date in a single
// transaction, so a shorter fresh ranking never leaves stale tail ranks.
func (r *Repository) ReplaceSnapshot(ctx context.Context, rt domain.RankingType, day time.Time, stocks []domain.PopularStock) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin ranking snapshot: %w", err)
	}
	defer tx.Rollback(ctx)

	date := domain.DateOnly(day)
	if _, err := tx.Exec(ctx,
		`DELETE FROM popular_stocks WHERE ranking_type = $1 AND snapshot_date = $2`,
		rt, date,
	); err != nil {
		return fmt.Errorf("clear ranking snapshot: %w", err)
	}

	query := `
		INSERT INTO popular_stocks (ranking_type, rank, symbol, name, close_price, change_percent, volume, snapshot_date)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`

	batch := &pgx.Batch{}
	for _, stock := range stocks {
		var closePrice, changePct *string
		if stock.Close != nil {
			s := stock.Close.String()
			closePrice = &s
		}
		if stock.ChangePercent != nil {
			s := stock.ChangePercent.String()
			changePct = &s
		}
		batch.Queue(query, rt, stock.Rank, stock.Symbol, stock.Name, closePrice, changePct, stock.Volume, date)
	}

	results := tx.SendBatch(ctx, batch)
	var batchErr error
	for range stocks {
		if _, err := results.Exec(); err != nil {
			batchErr = fmt.Errorf("insert ranking row: %w", err)
			break
		}
	}
	if err := results.Close(); err != nil && batchErr == nil {
		batchErr = fmt.Errorf("close ranking batch: %w", err)
	}
	if batchErr != nil {
		return batchErr
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit ranking snapshot: %w", err)
	}
	return nil
}

// LatestSnapshot returns the newest persisted snapshot for one ranking,
// best rank first.
func (r *Repository) LatestSnapshot(ctx context.Context, rt domain.RankingType, limit int) ([]domain.PopularStock, error) {
	query := `
		SELECT ranking_type, rank, symbol, name, close_price::text, change_percent::text, volume, snapshot_date
		FROM popular_stocks
		WHERE ranking_type = $1
		  AND snapshot_date = (SELECT MAX(snapshot_date) FROM popular_stocks WHERE ranking_type = $1)
		ORDER BY rank
		LIMIT $2
	`

	rows, err := r.pool.Query(ctx, query, rt, limit)
	if err != nil {
		return nil, fmt.Errorf("query ranking snapshot: %w", err)
	}
	defer rows.Close()

	var stocks []domain.PopularStock
	for rows.Next() {
		var (
			stock               domain.PopularStock
			name                *string
			closePrice, pctText *string
		)
		if err := rows.Scan(&stock.RankingType, &stock.Rank, &stock.Symbol, &name,
			&closePrice, &pctText, &stock.Volume, &stock.SnapshotDate); err != nil {
			return nil, fmt.Errorf("scan ranking row: %w", err)
		}
		if name != nil {
			stock.Name = *name
		}
		if closePrice != nil {
			d, err := decimal.NewFromString(*closePrice)
			if err != nil {
				return nil, fmt.Errorf("parse close price %q: %w", *closePrice, err)
			}
			stock.Close = &d
		}
		if pctText != nil {
			d, err := decimal.NewFromString(*pctText)
			if err != nil {
				return nil, fmt.Errorf("parse change percent %q: %w", *pctText, err)
			}
			stock.ChangePercent = &d
		}
		stocks = append(stocks, stock)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate ranking rows: %w", err)
	}
	return stocks, nil
}
