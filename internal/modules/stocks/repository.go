package stocks

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/krxusd/marketd/internal/domain"
)

const stockColumns = `id, symbol, name, name_en, market, sector, industry,
	listed_shares, listing_date, is_active, created_at, updated_at`

const priceColumns = `id, stock_id, price_date, open_price::text, high_price::text,
	low_price::text, close_price::text, volume, trading_value::text, market_cap::text,
	exchange_rate::text, close_price_usd::text, created_at`

// Repository persists stocks, their daily prices, and sync bookkeeping.
type Repository struct {
	pool *pgxpool.Pool
	log  zerolog.Logger
	now  func() time.Time
}

// NewRepository creates a stock repository.
func NewRepository(pool *pgxpool.Pool, log zerolog.Logger) *Repository {
	return &Repository{
		pool: pool,
		log:  log.With().Str("repo", "stocks").Logger(),
		now:  time.Now,
	}
}

// GetStock returns the stock row for a symbol, uppercase-normalized.
func (r *Repository) GetStock(ctx context.Context, symbol string) (*domain.Stock, error) {
	query := fmt.Sprintf(`SELECT %s FROM stocks WHERE symbol = $1`, stockColumns)

	rows, err := r.pool.Query(ctx, query, strings.ToUpper(symbol))
	if err != nil {
		return nil, fmt.Errorf("query stock %s: %w", symbol, err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("query stock %s: %w", symbol, err)
		}
		return nil, domain.ErrNotFound
	}
	return scanStock(rows)
}

// GetOrCreateStock returns the row for master.Symbol, creating it when
// missing. Created rows default to KOSPI and active; an empty name falls
// back to the symbol itself.
func (r *Repository) GetOrCreateStock(ctx context.Context, master domain.StockMaster) (*domain.Stock, error) {
	symbol := strings.ToUpper(master.Symbol)

	stock, err := r.GetStock(ctx, symbol)
	if err == nil {
		return stock, nil
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return nil, err
	}

	name := master.Name
	if name == "" {
		name = symbol
	}
	market := master.Market
	if market == "" {
		market = domain.MarketKOSPI
	}

	// ON CONFLICT covers the concurrent-create race: the loser reads back
	// the winner's row.
	query := fmt.Sprintf(`
		INSERT INTO stocks (symbol, name, name_en, market, sector, listed_shares, listing_date, is_active)
		VALUES ($1, $2, NULLIF($3, ''), $4, NULLIF($5, ''), NULLIF($6, 0), $7, TRUE)
		ON CONFLICT (symbol) DO UPDATE SET updated_at = NOW()
		RETURNING %s
	`, stockColumns)

	rows, err := r.pool.Query(ctx, query,
		symbol, name, master.NameEn, market, master.Sector, master.ListedShares, master.ListingDate)
	if err != nil {
		return nil, fmt.Errorf("create stock %s: %w", symbol, err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("create stock %s: %w", symbol, err)
		}
		return nil, fmt.Errorf("create stock %s: no row returned", symbol)
	}
	created, err := scanStock(rows)
	if err != nil {
		return nil, err
	}

	r.log.Info().Str("symbol", symbol).Str("name", name).Msg("Stock created")
	return created, nil
}

// LastPriceDate returns the newest stored price date, or nil when the
// stock has no rows yet.
func (r *Repository) LastPriceDate(ctx context.Context, stockID int64) (*time.Time, error) {
	var d *time.Time
	err := r.pool.QueryRow(ctx,
		`SELECT MAX(price_date) FROM stock_prices WHERE stock_id = $1`, stockID,
	).Scan(&d)
	if err != nil {
		return nil, fmt.Errorf("query last price date: %w", err)
	}
	return d, nil
}

// FirstPriceDate returns the oldest stored price date, or nil when empty.
func (r *Repository) FirstPriceDate(ctx context.Context, stockID int64) (*time.Time, error) {
	var d *time.Time
	err := r.pool.QueryRow(ctx,
		`SELECT MIN(price_date) FROM stock_prices WHERE stock_id = $1`, stockID,
	).Scan(&d)
	if err != nil {
		return nil, fmt.Errorf("query first price date: %w", err)
	}
	return d, nil
}

// PriceCount returns how many daily rows the stock has.
func (r *Repository) PriceCount(ctx context.Context, stockID int64) (int, error) {
	var n int
	err := r.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM stock_prices WHERE stock_id = $1`, stockID,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count prices: %w", err)
	}
	return n, nil
}

// UpsertDaily writes daily bars in one transaction. The USD close is
// materialized as close / fx rounded banker's to 4 places only for dates
// present in fxMap; other rows keep NULL exchange_rate and close_price_usd.
// Bars that violate the price invariants or are future-dated are skipped
// and logged, never stored. Returns how many bars were written.
func (r *Repository) UpsertDaily(ctx context.Context, stockID int64, bars []domain.DailyBar, fxMap map[string]decimal.Decimal) (int, error) {
	if len(bars) == 0 {
		return 0, nil
	}

	today := r.now()
	valid := make([]domain.DailyBar, 0, len(bars))
	skipped := 0
	for _, bar := range bars {
		if !bar.Valid(today) {
			skipped++
			r.log.Warn().
				Int64("stock_id", stockID).
				Str("date", domain.DateOnly(bar.Date)).
				Err(domain.ErrInvariant).
				Msg("Rejected daily bar")
			continue
		}
		valid = append(valid, bar)
	}
	if skipped > 0 {
		r.log.Warn().Int64("stock_id", stockID).Int("skipped", skipped).Msg("Daily bars rejected by invariant check")
	}
	if len(valid) == 0 {
		return 0, nil
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin daily upsert: %w", err)
	}
	defer tx.Rollback(ctx)

	query := `
		INSERT INTO stock_prices (
			stock_id, price_date, open_price, high_price, low_price, close_price,
			volume, trading_value, market_cap, exchange_rate, close_price_usd
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (stock_id, price_date)
		DO UPDATE SET
			open_price      = EXCLUDED.open_price,
			high_price      = EXCLUDED.high_price,
			low_price       = EXCLUDED.low_price,
			close_price     = EXCLUDED.close_price,
			volume          = EXCLUDED.volume,
			trading_value   = EXCLUDED.trading_value,
			market_cap      = EXCLUDED.market_cap,
			exchange_rate   = EXCLUDED.exchange_rate,
			close_price_usd = EXCLUDED.close_price_usd
	`

	batch := &pgx.Batch{}
	for _, bar := range valid {
		var exchangeRate, closeUSD *string
		if fx, ok := fxMap[domain.DateOnly(bar.Date)]; ok && !fx.IsZero() {
			rate := fx.String()
			usd := bar.Close.Div(fx).RoundBank(4).String()
			exchangeRate, closeUSD = &rate, &usd
		}

		var tradingValue, marketCap *string
		if bar.TradingValue != nil {
			s := bar.TradingValue.String()
			tradingValue = &s
		}
		if bar.MarketCap != nil {
			s := bar.MarketCap.String()
			marketCap = &s
		}

		batch.Queue(query,
			stockID, domain.DateOnly(bar.Date),
			bar.Open.String(), bar.High.String(), bar.Low.String(), bar.Close.String(),
			bar.Volume, tradingValue, marketCap, exchangeRate, closeUSD)
	}

	results := tx.SendBatch(ctx, batch)
	var batchErr error
	for i := range valid {
		if _, err := results.Exec(); err != nil {
			batchErr = fmt.Errorf("upsert bar %s: %w", domain.DateOnly(valid[i].Date), err)
			break
		}
	}
	if err := results.Close(); err != nil && batchErr == nil {
		batchErr = fmt.Errorf("close daily batch: %w", err)
	}
	if batchErr != nil {
		return 0, batchErr
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit daily upsert: %w", err)
	}
	return len(valid), nil
}

// UpsertSyncStatus writes the (stock, data_type) sync row. last_sync_date
// keeps its old value when nil is passed; last_sync_at is stamped only on
// completed or failed; the error message always overwrites (clearing it on
// success) and is truncated to 500 characters.
func (r *Repository) UpsertSyncStatus(ctx context.Context, stockID int64, dataType domain.SyncDataType, status domain.SyncState, lastSyncDate *time.Time, syncErr error) error {
	var errMsg *string
	if syncErr != nil {
		msg := domain.TruncateError(syncErr, 500)
		errMsg = &msg
	}

	var lastSyncAt *time.Time
	if status == domain.SyncCompleted || status == domain.SyncFailed {
		t := r.now()
		lastSyncAt = &t
	}

	var syncDate *string
	if lastSyncDate != nil {
		d := domain.DateOnly(*lastSyncDate)
		syncDate = &d
	}

	query := `
		INSERT INTO sync_status (stock_id, data_type, status, last_sync_date, last_sync_at, error_message)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (stock_id, data_type)
		DO UPDATE SET
			status         = EXCLUDED.status,
			last_sync_date = COALESCE(EXCLUDED.last_sync_date, sync_status.last_sync_date),
			last_sync_at   = COALESCE(EXCLUDED.last_sync_at, sync_status.last_sync_at),
			error_message  = EXCLUDED.error_message
	`

	if _, err := r.pool.Exec(ctx, query, stockID, dataType, status, syncDate, lastSyncAt, errMsg); err != nil {
		return fmt.Errorf("upsert sync status: %w", err)
	}
	return nil
}

// GetSyncStatus returns the sync row for (stockID, dataType), or
// domain.ErrNotFound when no sync has ever been recorded.
func (r *Repository) GetSyncStatus(ctx context.Context, stockID int64, dataType domain.SyncDataType) (*domain.SyncStatus, error) {
	query := `
		SELECT id, stock_id, data_type, status, last_sync_date, last_sync_at, error_message
		FROM sync_status
		WHERE stock_id = $1 AND data_type = $2
	`

	var st domain.SyncStatus
	err := r.pool.QueryRow(ctx, query, stockID, dataType).Scan(
		&st.ID, &st.StockID, &st.DataType, &st.Status,
		&st.LastSyncDate, &st.LastSyncAt, &st.ErrorMessage)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query sync status: %w", err)
	}
	return &st, nil
}

// StaleSyncingOlderThan resets syncing rows whose last activity predates
// the threshold back to failed. Locks are in-memory, so rows left in
// syncing by a crashed process would otherwise stay stuck forever.
func (r *Repository) StaleSyncingOlderThan(ctx context.Context, threshold time.Duration) (int, error) {
	cutoff := r.now().Add(-threshold)
	query := `
		UPDATE sync_status
		SET status = 'failed', error_message = 'stale syncing recovered', last_sync_at = NOW()
		WHERE status = 'syncing' AND (last_sync_at IS NULL OR last_sync_at < $1)
	`

	tag, err := r.pool.Exec(ctx, query, cutoff)
	if err != nil {
		return 0, fmt.Errorf("recover stale syncing rows: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// DailyPrices returns stored rows in [start, end], oldest first.
func (r *Repository) DailyPrices(ctx context.Context, stockID int64, start, end time.Time) ([]domain.StockPrice, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM stock_prices
		WHERE stock_id = $1 AND price_date >= $2 AND price_date <= $3
		ORDER BY price_date ASC
	`, priceColumns)

	rows, err := r.pool.Query(ctx, query, stockID, domain.DateOnly(start), domain.DateOnly(end))
	if err != nil {
		return nil, fmt.Errorf("query daily prices: %w", err)
	}
	defer rows.Close()
	return collectPrices(rows)
}

// RecentPrices returns up to limit rows from the last `days` days, newest
// first.
func (r *Repository) RecentPrices(ctx context.Context, stockID int64, days, limit int) ([]domain.StockPrice, error) {
	since := r.now().AddDate(0, 0, -days)
	query := fmt.Sprintf(`
		SELECT %s FROM stock_prices
		WHERE stock_id = $1 AND price_date >= $2
		ORDER BY price_date DESC
		LIMIT $3
	`, priceColumns)

	rows, err := r.pool.Query(ctx, query, stockID, domain.DateOnly(since), limit)
	if err != nil {
		return nil, fmt.Errorf("query recent prices: %w", err)
	}
	defer rows.Close()
	return collectPrices(rows)
}

// LatestPrice returns the newest stored row for the stock.
func (r *Repository) LatestPrice(ctx context.Context, stockID int64) (*domain.StockPrice, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM stock_prices
		WHERE stock_id = $1
		ORDER BY price_date DESC
		LIMIT 1
	`, priceColumns)

	rows, err := r.pool.Query(ctx, query, stockID)
	if err != nil {
		return nil, fmt.Errorf("query latest price: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("query latest price: %w", err)
		}
		return nil, domain.ErrNotFound
	}
	return scanPrice(rows)
}

// ListFilter narrows ListStocks and CountStocks.
type ListFilter struct {
	Market     string
	Search     string
	ActiveOnly bool
}

func (f ListFilter) where() (string, []any) {
	clauses := []string{"1=1"}
	var args []any

	if f.ActiveOnly {
		clauses = append(clauses, "is_active = TRUE")
	}
	if f.Market != "" {
		args = append(args, strings.ToUpper(f.Market))
		clauses = append(clauses, fmt.Sprintf("market = $%d", len(args)))
	}
	if f.Search != "" {
		args = append(args, "%"+f.Search+"%")
		clauses = append(clauses, fmt.Sprintf("(name ILIKE $%d OR symbol ILIKE $%d)", len(args), len(args)))
	}
	return strings.Join(clauses, " AND "), args
}

// ListStocks returns one page of stocks ordered by symbol.
func (r *Repository) ListStocks(ctx context.Context, filter ListFilter, page, size int) ([]domain.Stock, error) {
	where, args := filter.where()
	args = append(args, size, (page-1)*size)
	query := fmt.Sprintf(`
		SELECT %s FROM stocks
		WHERE %s
		ORDER BY symbol
		LIMIT $%d OFFSET $%d
	`, stockColumns, where, len(args)-1, len(args))

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list stocks: %w", err)
	}
	defer rows.Close()

	var stocks []domain.Stock
	for rows.Next() {
		stock, err := scanStock(rows)
		if err != nil {
			return nil, err
		}
		stocks = append(stocks, *stock)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate stocks: %w", err)
	}
	return stocks, nil
}

// CountStocks returns how many stocks match the filter.
func (r *Repository) CountStocks(ctx context.Context, filter ListFilter) (int, error) {
	where, args := filter.where()
	query := fmt.Sprintf(`SELECT COUNT(*) FROM stocks WHERE %s`, where)

	var n int
	if err := r.pool.QueryRow(ctx, query, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count stocks: %w", err)
	}
	return n, nil
}

func scanStock(rows pgx.Rows) (*domain.Stock, error) {
	var s domain.Stock
	err := rows.Scan(
		&s.ID, &s.Symbol, &s.Name, &s.NameEn, &s.Market, &s.Sector, &s.Industry,
		&s.ListedShares, &s.ListingDate, &s.IsActive, &s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("scan stock row: %w", err)
	}
	return &s, nil
}

func collectPrices(rows pgx.Rows) ([]domain.StockPrice, error) {
	var prices []domain.StockPrice
	for rows.Next() {
		price, err := scanPrice(rows)
		if err != nil {
			return nil, err
		}
		prices = append(prices, *price)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate prices: %w", err)
	}
	return prices, nil
}

func scanPrice(rows pgx.Rows) (*domain.StockPrice, error) {
	var (
		p                                  domain.StockPrice
		open, high, low, closing           string
		tradingValue, marketCap, rate, usd *string
	)
	err := rows.Scan(
		&p.ID, &p.StockID, &p.PriceDate, &open, &high, &low, &closing,
		&p.Volume, &tradingValue, &marketCap, &rate, &usd, &p.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("scan price row: %w", err)
	}

	if p.Open, err = decimal.NewFromString(open); err != nil {
		return nil, fmt.Errorf("parse open %q: %w", open, err)
	}
	if p.High, err = decimal.NewFromString(high); err != nil {
		return nil, fmt.Errorf("parse high %q: %w", high, err)
	}
	if p.Low, err = decimal.NewFromString(low); err != nil {
		return nil, fmt.Errorf("parse low %q: %w", low, err)
	}
	if p.Close, err = decimal.NewFromString(closing); err != nil {
		return nil, fmt.Errorf("parse close %q: %w", closing, err)
	}

	if p.TradingValue, err = parseOptionalDecimal(tradingValue); err != nil {
		return nil, err
	}
	if p.MarketCap, err = parseOptionalDecimal(marketCap); err != nil {
		return nil, err
	}
	if p.ExchangeRate, err = parseOptionalDecimal(rate); err != nil {
		return nil, err
	}
	if p.ClosePriceUSD, err = parseOptionalDecimal(usd); err != nil {
		return nil, err
	}
	return &p, nil
}

func parseOptionalDecimal(s *string) (*decimal.Decimal, error) {
	if s == nil {
		return nil, nil
	}
	d, err := decimal.NewFromString(*s)
	if err != nil {
		return nil, fmt.Errorf("parse stored decimal %q: %w", *s, err)
	}
	return &d, nil
}
