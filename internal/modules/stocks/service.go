package stocks

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/krxusd/marketd/internal/cache"
	"github.com/krxusd/marketd/internal/domain"
	"github.com/krxusd/marketd/internal/modules/exchange"
)

const (
	defaultHistoryDays = 365
	maxHistoryYears    = 10
)

// PriceStore is the persistence surface the service consumes, satisfied
// by *Repository.
type PriceStore interface {
	GetStock(ctx context.Context, symbol string) (*domain.Stock, error)
	GetOrCreateStock(ctx context.Context, master domain.StockMaster) (*domain.Stock, error)
	LastPriceDate(ctx context.Context, stockID int64) (*time.Time, error)
	FirstPriceDate(ctx context.Context, stockID int64) (*time.Time, error)
	PriceCount(ctx context.Context, stockID int64) (int, error)
	UpsertDaily(ctx context.Context, stockID int64, bars []domain.DailyBar, fxMap map[string]decimal.Decimal) (int, error)
	UpsertSyncStatus(ctx context.Context, stockID int64, dataType domain.SyncDataType, status domain.SyncState, lastSyncDate *time.Time, syncErr error) error
	GetSyncStatus(ctx context.Context, stockID int64, dataType domain.SyncDataType) (*domain.SyncStatus, error)
	DailyPrices(ctx context.Context, stockID int64, start, end time.Time) ([]domain.StockPrice, error)
	RecentPrices(ctx context.Context, stockID int64, days, limit int) ([]domain.StockPrice, error)
	LatestPrice(ctx context.Context, stockID int64) (*domain.StockPrice, error)
	ListStocks(ctx context.Context, filter ListFilter, page, size int) ([]domain.Stock, error)
	CountStocks(ctx context.Context, filter ListFilter) (int, error)
}

// QuoteSource fetches quotes and daily bars, satisfied by
// *source.Composite.
type QuoteSource interface {
	FetchRealtime(ctx context.Context, symbol string) (*domain.RealtimeQuote, error)
	FetchDaily(ctx context.Context, symbol string, start, end time.Time) ([]domain.DailyBar, error)
}

// FxRates is the exchange-rate surface used for USD joins, satisfied by
// *exchange.Service.
type FxRates interface {
	CachedRate(ctx context.Context) *exchange.RateQuote
	CurrentRate(ctx context.Context, force bool) (*exchange.RateQuote, error)
	HistoricalRates(ctx context.Context, start, end time.Time) (map[string]decimal.Decimal, error)
}

// Locker serializes per-symbol syncs, satisfied by *locking.Manager.
type Locker interface {
	Acquire(symbol string) error
	Release(symbol string)
}

// TradingCalendar answers the KST date questions gap analysis needs,
// satisfied by *market.Calendar.
type TradingCalendar interface {
	Now() time.Time
	Today() time.Time
	YesterdayKST() time.Time
	IsTradingDay(d time.Time) bool
}

// RealtimeCache caches per-symbol quotes, satisfied by
// *cache.StockRealtime.
type RealtimeCache interface {
	Get(ctx context.Context, symbol string) (*cache.RealtimePrice, error)
	Set(ctx context.Context, symbol string, rec *cache.RealtimePrice) error
	MGet(ctx context.Context, symbols []string) (map[string]*cache.RealtimePrice, error)
	MSet(ctx context.Context, quotes map[string]*cache.RealtimePrice) error
	Delete(ctx context.Context, symbol string) error
	DeleteAll(ctx context.Context) (int, error)
}

// MinuteCache records intraday samples, satisfied by *cache.StockMinute.
type MinuteCache interface {
	Add(ctx context.Context, symbol string, sample cache.MinuteSample) error
}

// Analysis is the gap-analysis outcome for one stock. Start and End are
// only meaningful when Case is not up_to_date.
type Analysis struct {
	Case  domain.SyncCase
	Start time.Time
	End   time.Time
}

// SyncOptions control one sync run. Force skips gap analysis and
// collects the full default window (or the explicit dates).
type SyncOptions struct {
	Force     bool
	StartDate *time.Time
	EndDate   *time.Time
}

// SyncResult reports one finished sync.
type SyncResult struct {
	Symbol      string          `json:"symbol"`
	SyncCase    domain.SyncCase `json:"sync_case"`
	SyncedCount int             `json:"synced_count"`
	StartDate   *string         `json:"start_date,omitempty"`
	EndDate     *string         `json:"end_date,omitempty"`
	Source      string          `json:"source,omitempty"`
	Message     string          `json:"message,omitempty"`
}

// DataSummary describes the stored price coverage for one stock.
type DataSummary struct {
	Symbol      string  `json:"symbol"`
	StockID     int64   `json:"stock_id"`
	HasData     bool    `json:"has_data"`
	FirstDate   *string `json:"first_date,omitempty"`
	LastDate    *string `json:"last_date,omitempty"`
	Count       int     `json:"count"`
	ListingDate *string `json:"listing_date,omitempty"`
}

// SyncRange is the [start, end] window a sync would cover.
type SyncRange struct {
	StartDate string `json:"start_date"`
	EndDate   string `json:"end_date"`
}

// GapReport is a read-only gap analysis.
type GapReport struct {
	Symbol           string          `json:"symbol"`
	Exists           bool            `json:"exists"`
	SyncCase         domain.SyncCase `json:"sync_case,omitempty"`
	CaseDescription  string          `json:"case_description,omitempty"`
	NeedsSync        bool            `json:"needs_sync"`
	DataSummary      *DataSummary    `json:"data_summary,omitempty"`
	SyncRange        *SyncRange      `json:"sync_range,omitempty"`
	EstimatedRecords int             `json:"estimated_records,omitempty"`
	Message          string          `json:"message,omitempty"`
}

// EnsureResult reports the on-access gap check plus any sync it ran.
type EnsureResult struct {
	Symbol      string          `json:"symbol"`
	SyncCase    domain.SyncCase `json:"sync_case"`
	NeedsSync   bool            `json:"needs_sync"`
	Synced      bool            `json:"synced"`
	DataSummary *DataSummary    `json:"data_summary,omitempty"`
	SyncRange   *SyncRange      `json:"sync_range,omitempty"`
	SyncResult  *SyncResult     `json:"sync_result,omitempty"`
	SyncError   *string         `json:"sync_error,omitempty"`
	Message     string          `json:"message"`
}

// RealtimeBatch holds per-symbol quotes (nil for symbols that failed)
// plus success and failure counts.
type RealtimeBatch struct {
	Prices  map[string]*cache.RealtimePrice `json:"prices"`
	Success int                             `json:"success_count"`
	Failed  int                             `json:"failed_count"`
}

// StockDetail is the stock master joined with its newest stored price.
type StockDetail struct {
	Stock        *domain.Stock      `json:"stock"`
	CurrentPrice *domain.StockPrice `json:"current_price,omitempty"`
	MarketCapKRW *decimal.Decimal   `json:"market_cap_krw,omitempty"`
	MarketCapUSD *decimal.Decimal   `json:"market_cap_usd,omitempty"`
}

// StockPage is one page of the stock listing.
type StockPage struct {
	Items []domain.Stock `json:"items"`
	Total int            `json:"total"`
	Page  int            `json:"page"`
	Size  int            `json:"size"`
	Pages int            `json:"pages"`
}

// ServiceConfig wires the stock service dependencies. HistoryDays and
// HistoryYears take the 365-day / 10-year defaults when zero.
type ServiceConfig struct {
	Store    PriceStore
	Quotes   QuoteSource
	Fx       FxRates
	Locks    Locker
	Calendar TradingCalendar
	Realtime RealtimeCache
	Minute   MinuteCache
	Log      zerolog.Logger

	HistoryDays  int
	HistoryYears int
}

// Service keeps daily price history gap-filled and serves realtime
// quotes with their USD conversion.
type Service struct {
	store    PriceStore
	quotes   QuoteSource
	fx       FxRates
	locks    Locker
	calendar TradingCalendar
	realtime RealtimeCache
	minute   MinuteCache
	log      zerolog.Logger

	historyDays  int
	historyYears int
}

// NewService creates the stock service.
func NewService(cfg ServiceConfig) *Service {
	days := cfg.HistoryDays
	if days <= 0 {
		days = defaultHistoryDays
	}
	years := cfg.HistoryYears
	if years <= 0 {
		years = maxHistoryYears
	}
	return &Service{
		store:        cfg.Store,
		quotes:       cfg.Quotes,
		fx:           cfg.Fx,
		locks:        cfg.Locks,
		calendar:     cfg.Calendar,
		realtime:     cfg.Realtime,
		minute:       cfg.Minute,
		log:          cfg.Log.With().Str("service", "stocks").Logger(),
		historyDays:  days,
		historyYears: years,
	}
}

// Analyze classifies the stock's stored history against KST yesterday:
// no stored rows → no_data with the full backfill window; newest row on
// or after yesterday → up_to_date; otherwise gap_detected from the day
// after the newest row. A window that would start after it ends also
// reports up_to_date.
func (s *Service) Analyze(ctx context.Context, stock *domain.Stock) (*Analysis, error) {
	last, err := s.store.LastPriceDate(ctx, stock.ID)
	if err != nil {
		return nil, err
	}

	end := civilDate(s.calendar.YesterdayKST())

	if last == nil {
		start := s.backfillStart(stock)
		if start.After(end) {
			return &Analysis{Case: domain.CaseUpToDate}, nil
		}
		return &Analysis{Case: domain.CaseNoData, Start: start, End: end}, nil
	}

	lastDay := civilDate(*last)
	if !lastDay.Before(end) {
		return &Analysis{Case: domain.CaseUpToDate}, nil
	}

	start := lastDay.AddDate(0, 0, 1)
	if start.After(end) {
		return &Analysis{Case: domain.CaseUpToDate}, nil
	}
	return &Analysis{Case: domain.CaseGap, Start: start, End: end}, nil
}

// backfillStart is the first date a no-data collection covers: the
// listing date when known, else historyDays back, never more than
// historyYears back.
func (s *Service) backfillStart(stock *domain.Stock) time.Time {
	today := civilDate(s.calendar.Today())

	start := today.AddDate(0, 0, -s.historyDays)
	if stock.ListingDate != nil {
		start = civilDate(*stock.ListingDate)
	}

	floor := today.AddDate(0, 0, -s.historyYears*365)
	if start.Before(floor) {
		start = floor
	}
	return start
}

// Sync gap-fills the symbol's daily history. The per-symbol lock is
// non-blocking: a concurrent sync returns domain.ErrAlreadySyncing
// immediately. Force collects the default window regardless of what is
// stored; explicit dates in opts narrow a forced run.
func (s *Service) Sync(ctx context.Context, symbol string, opts SyncOptions) (*SyncResult, error) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))

	if err := s.locks.Acquire(symbol); err != nil {
		return nil, err
	}
	defer s.locks.Release(symbol)

	stock, err := s.store.GetOrCreateStock(ctx, domain.StockMaster{Symbol: symbol})
	if err != nil {
		return nil, err
	}

	analysis, err := s.resolveWindow(ctx, stock, opts)
	if err != nil {
		return nil, err
	}

	if analysis.Case == domain.CaseUpToDate {
		return &SyncResult{
			Symbol:      symbol,
			SyncCase:    domain.CaseUpToDate,
			SyncedCount: 0,
			Message:     "Already up to date",
		}, nil
	}

	return s.runSync(ctx, stock, analysis)
}

func (s *Service) resolveWindow(ctx context.Context, stock *domain.Stock, opts SyncOptions) (*Analysis, error) {
	if !opts.Force {
		return s.Analyze(ctx, stock)
	}

	start := s.backfillStart(stock)
	if opts.StartDate != nil {
		start = civilDate(*opts.StartDate)
	}
	end := civilDate(s.calendar.YesterdayKST())
	if opts.EndDate != nil {
		end = civilDate(*opts.EndDate)
	}
	if start.After(end) {
		return &Analysis{Case: domain.CaseUpToDate}, nil
	}
	return &Analysis{Case: domain.CaseNoData, Start: start, End: end}, nil
}

// runSync drives one sync window through the status lifecycle:
// syncing → fetch → fx join → upsert → completed, or failed with the
// cause recorded and propagated.
func (s *Service) runSync(ctx context.Context, stock *domain.Stock, analysis *Analysis) (*SyncResult, error) {
	startStr := domain.DateOnly(analysis.Start)
	endStr := domain.DateOnly(analysis.End)

	if err := s.store.UpsertSyncStatus(ctx, stock.ID, domain.SyncDaily, domain.SyncSyncing, nil, nil); err != nil {
		return nil, err
	}

	s.log.Info().
		Str("symbol", stock.Symbol).
		Str("case", string(analysis.Case)).
		Str("start", startStr).
		Str("end", endStr).
		Msg("Sync started")

	bars, err := s.quotes.FetchDaily(ctx, stock.Symbol, analysis.Start, analysis.End)
	if err != nil {
		s.failSync(ctx, stock.ID, err)
		return nil, err
	}

	if len(bars) == 0 {
		end := analysis.End
		if err := s.store.UpsertSyncStatus(ctx, stock.ID, domain.SyncDaily, domain.SyncCompleted, &end, nil); err != nil {
			return nil, err
		}
		s.log.Info().Str("symbol", stock.Symbol).Msg("Sync completed with no data for the period")
		return &SyncResult{
			Symbol:      stock.Symbol,
			SyncCase:    analysis.Case,
			SyncedCount: 0,
			StartDate:   &startStr,
			EndDate:     &endStr,
			Message:     "No data available for the period",
		}, nil
	}

	first, last := bars[0].Date, bars[0].Date
	for _, bar := range bars[1:] {
		if bar.Date.Before(first) {
			first = bar.Date
		}
		if bar.Date.After(last) {
			last = bar.Date
		}
	}

	fxMap, err := s.fx.HistoricalRates(ctx, first, last)
	if err != nil {
		err = fmt.Errorf("resolve fx rates: %w", err)
		s.failSync(ctx, stock.ID, err)
		return nil, err
	}

	synced, err := s.store.UpsertDaily(ctx, stock.ID, bars, fxMap)
	if err != nil {
		s.failSync(ctx, stock.ID, err)
		return nil, err
	}

	end := analysis.End
	if err := s.store.UpsertSyncStatus(ctx, stock.ID, domain.SyncDaily, domain.SyncCompleted, &end, nil); err != nil {
		return nil, err
	}

	s.log.Info().
		Str("symbol", stock.Symbol).
		Int("synced", synced).
		Str("source", bars[0].Source).
		Msg("Sync completed")

	return &SyncResult{
		Symbol:      stock.Symbol,
		SyncCase:    analysis.Case,
		SyncedCount: synced,
		StartDate:   &startStr,
		EndDate:     &endStr,
		Source:      bars[0].Source,
	}, nil
}

func (s *Service) failSync(ctx context.Context, stockID int64, cause error) {
	if err := s.store.UpsertSyncStatus(ctx, stockID, domain.SyncDaily, domain.SyncFailed, nil, cause); err != nil {
		s.log.Error().Err(err).Int64("stock_id", stockID).Msg("Recording sync failure failed")
	}
}

// EnsureSynced is the on-access entry point: analyze, and when autoSync
// is set run the sync for no_data and gap_detected. With autoSync off it
// never mutates anything. Sync failures are embedded in the result, not
// returned, so callers always get the analysis.
func (s *Service) EnsureSynced(ctx context.Context, symbol string, autoSync bool) (*EnsureResult, error) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))

	stock, err := s.store.GetOrCreateStock(ctx, domain.StockMaster{Symbol: symbol})
	if err != nil {
		return nil, err
	}

	analysis, err := s.Analyze(ctx, stock)
	if err != nil {
		return nil, err
	}
	summary, err := s.summarize(ctx, stock)
	if err != nil {
		return nil, err
	}

	out := &EnsureResult{
		Symbol:      symbol,
		SyncCase:    analysis.Case,
		NeedsSync:   analysis.Case != domain.CaseUpToDate,
		DataSummary: summary,
	}
	if out.NeedsSync {
		out.SyncRange = &SyncRange{
			StartDate: domain.DateOnly(analysis.Start),
			EndDate:   domain.DateOnly(analysis.End),
		}
	}

	if !out.NeedsSync {
		out.Message = "Data is up to date"
		return out, nil
	}
	if !autoSync {
		out.Message = "Sync needed but auto_sync is disabled"
		return out, nil
	}

	result, syncErr := s.Sync(ctx, symbol, SyncOptions{})
	if syncErr != nil {
		msg := domain.TruncateError(syncErr, 500)
		out.SyncError = &msg
		out.Message = "Sync failed"
		return out, nil
	}

	out.Synced = true
	out.SyncResult = result
	out.Message = fmt.Sprintf("Synced %d records", result.SyncedCount)
	return out, nil
}

// AnalyzeGaps is the read-only gap report. Unknown symbols report
// Exists=false rather than an error.
func (s *Service) AnalyzeGaps(ctx context.Context, symbol string) (*GapReport, error) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))

	stock, err := s.store.GetStock(ctx, symbol)
	if errors.Is(err, domain.ErrNotFound) {
		return &GapReport{
			Symbol:  symbol,
			Exists:  false,
			Message: "Stock not found in database",
		}, nil
	}
	if err != nil {
		return nil, err
	}

	analysis, err := s.Analyze(ctx, stock)
	if err != nil {
		return nil, err
	}
	summary, err := s.summarize(ctx, stock)
	if err != nil {
		return nil, err
	}

	report := &GapReport{
		Symbol:          symbol,
		Exists:          true,
		SyncCase:        analysis.Case,
		CaseDescription: caseDescription(analysis.Case),
		NeedsSync:       analysis.Case != domain.CaseUpToDate,
		DataSummary:     summary,
	}
	if report.NeedsSync {
		report.SyncRange = &SyncRange{
			StartDate: domain.DateOnly(analysis.Start),
			EndDate:   domain.DateOnly(analysis.End),
		}
		report.EstimatedRecords = estimateRecords(analysis.Start, analysis.End)
	}
	return report, nil
}

// DataSummary reports the stored coverage for one symbol.
func (s *Service) DataSummary(ctx context.Context, symbol string) (*DataSummary, error) {
	stock, err := s.store.GetStock(ctx, strings.ToUpper(strings.TrimSpace(symbol)))
	if err != nil {
		return nil, err
	}
	return s.summarize(ctx, stock)
}

func (s *Service) summarize(ctx context.Context, stock *domain.Stock) (*DataSummary, error) {
	first, err := s.store.FirstPriceDate(ctx, stock.ID)
	if err != nil {
		return nil, err
	}
	last, err := s.store.LastPriceDate(ctx, stock.ID)
	if err != nil {
		return nil, err
	}
	count, err := s.store.PriceCount(ctx, stock.ID)
	if err != nil {
		return nil, err
	}

	out := &DataSummary{
		Symbol:  stock.Symbol,
		StockID: stock.ID,
		HasData: count > 0,
		Count:   count,
	}
	if first != nil {
		d := domain.DateOnly(*first)
		out.FirstDate = &d
	}
	if last != nil {
		d := domain.DateOnly(*last)
		out.LastDate = &d
	}
	if stock.ListingDate != nil {
		d := domain.DateOnly(*stock.ListingDate)
		out.ListingDate = &d
	}
	return out, nil
}

// SyncStatus returns the daily-price sync row, or nil when the stock has
// never been synced.
func (s *Service) SyncStatus(ctx context.Context, symbol string) (*domain.SyncStatus, error) {
	stock, err := s.store.GetStock(ctx, strings.ToUpper(strings.TrimSpace(symbol)))
	if err != nil {
		return nil, err
	}
	st, err := s.store.GetSyncStatus(ctx, stock.ID, domain.SyncDaily)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, nil
	}
	return st, err
}

// RealtimePrice returns the symbol's realtime quote, from cache unless
// force is set. Fresh quotes join the cached USD/KRW rate when one is
// available, are cached, and on trading days append a sample to the
// day's minute series.
func (s *Service) RealtimePrice(ctx context.Context, symbol string, force bool) (*cache.RealtimePrice, error) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))

	if !force {
		cached, err := s.realtime.Get(ctx, symbol)
		if err != nil {
			s.log.Warn().Err(err).Str("symbol", symbol).Msg("Realtime cache read failed")
		} else if cached != nil {
			return cached, nil
		}
	}

	quote, err := s.quotes.FetchRealtime(ctx, symbol)
	if err != nil {
		return nil, err
	}

	rec := buildRealtime(quote, s.cachedFx(ctx))
	if err := s.realtime.Set(ctx, symbol, rec); err != nil {
		s.log.Warn().Err(err).Str("symbol", symbol).Msg("Realtime cache write failed")
	}
	s.recordMinute(ctx, symbol, quote)
	return rec, nil
}

// CachedRealtime returns the cached quote without contacting providers.
// Cache trouble degrades to "nothing cached".
func (s *Service) CachedRealtime(ctx context.Context, symbol string) *cache.RealtimePrice {
	rec, err := s.realtime.Get(ctx, strings.ToUpper(strings.TrimSpace(symbol)))
	if err != nil {
		s.log.Warn().Err(err).Str("symbol", symbol).Msg("Realtime cache read failed")
		return nil
	}
	return rec
}

// RealtimePricesBatch resolves quotes for up to a page of symbols in one
// call: cache MGet first (unless force), misses fetched sequentially with
// a single FX read, failures mapped to nil entries, fresh quotes written
// back in one pipeline.
func (s *Service) RealtimePricesBatch(ctx context.Context, symbols []string, force bool) (*RealtimeBatch, error) {
	unique := make([]string, 0, len(symbols))
	seen := make(map[string]struct{}, len(symbols))
	for _, sym := range symbols {
		u := strings.ToUpper(strings.TrimSpace(sym))
		if u == "" {
			continue
		}
		if _, dup := seen[u]; dup {
			continue
		}
		seen[u] = struct{}{}
		unique = append(unique, u)
	}

	out := &RealtimeBatch{Prices: make(map[string]*cache.RealtimePrice, len(unique))}

	missing := unique
	if !force {
		cached, err := s.realtime.MGet(ctx, unique)
		if err != nil {
			s.log.Warn().Err(err).Msg("Realtime cache mget failed")
		} else {
			missing = make([]string, 0, len(unique))
			for _, sym := range unique {
				if rec := cached[sym]; rec != nil {
					out.Prices[sym] = rec
					continue
				}
				missing = append(missing, sym)
			}
		}
	}

	rate := s.cachedFx(ctx)
	fresh := make(map[string]*cache.RealtimePrice)
	for _, sym := range missing {
		quote, err := s.quotes.FetchRealtime(ctx, sym)
		if err != nil {
			s.log.Warn().Err(err).Str("symbol", sym).Msg("Batch realtime fetch failed")
			out.Prices[sym] = nil
			continue
		}
		rec := buildRealtime(quote, rate)
		out.Prices[sym] = rec
		fresh[sym] = rec
	}

	if len(fresh) > 0 {
		if err := s.realtime.MSet(ctx, fresh); err != nil {
			s.log.Warn().Err(err).Msg("Realtime cache mset failed")
		}
	}

	for _, rec := range out.Prices {
		if rec != nil {
			out.Success++
		} else {
			out.Failed++
		}
	}
	return out, nil
}

// PriceHistory returns up to `days` stored daily rows, newest first.
func (s *Service) PriceHistory(ctx context.Context, symbol string, days int) ([]domain.StockPrice, error) {
	stock, err := s.store.GetStock(ctx, strings.ToUpper(strings.TrimSpace(symbol)))
	if err != nil {
		return nil, err
	}
	if days < 1 {
		days = 1
	}
	prices, err := s.store.RecentPrices(ctx, stock.ID, days, days)
	if err != nil {
		return nil, err
	}
	if prices == nil {
		prices = []domain.StockPrice{}
	}
	return prices, nil
}

// StockDetail returns the master row with its newest stored price and
// derived market caps.
func (s *Service) StockDetail(ctx context.Context, symbol string) (*StockDetail, error) {
	stock, err := s.store.GetStock(ctx, strings.ToUpper(strings.TrimSpace(symbol)))
	if err != nil {
		return nil, err
	}

	detail := &StockDetail{Stock: stock}

	latest, err := s.store.LatestPrice(ctx, stock.ID)
	if errors.Is(err, domain.ErrNotFound) {
		return detail, nil
	}
	if err != nil {
		return nil, err
	}
	detail.CurrentPrice = latest

	if stock.ListedShares != nil && *stock.ListedShares > 0 {
		capKRW := latest.Close.Mul(decimal.NewFromInt(*stock.ListedShares))
		detail.MarketCapKRW = &capKRW
		if latest.ExchangeRate != nil && !latest.ExchangeRate.IsZero() {
			capUSD := capKRW.Div(*latest.ExchangeRate).RoundBank(4)
			detail.MarketCapUSD = &capUSD
		}
	}
	return detail, nil
}

// ListStocks returns one page of the stock listing.
func (s *Service) ListStocks(ctx context.Context, filter ListFilter, page, size int) (*StockPage, error) {
	if page < 1 {
		page = 1
	}
	if size < 1 {
		size = 20
	}
	if size > 100 {
		size = 100
	}

	total, err := s.store.CountStocks(ctx, filter)
	if err != nil {
		return nil, err
	}
	items, err := s.store.ListStocks(ctx, filter, page, size)
	if err != nil {
		return nil, err
	}
	if items == nil {
		items = []domain.Stock{}
	}

	pages := 0
	if total > 0 {
		pages = (total + size - 1) / size
	}
	return &StockPage{Items: items, Total: total, Page: page, Size: size, Pages: pages}, nil
}

// ClearRealtimeCache drops one symbol's cached quote.
func (s *Service) ClearRealtimeCache(ctx context.Context, symbol string) error {
	return s.realtime.Delete(ctx, strings.ToUpper(strings.TrimSpace(symbol)))
}

// ClearAllRealtimeCache drops every cached quote and reports how many.
func (s *Service) ClearAllRealtimeCache(ctx context.Context) (int, error) {
	return s.realtime.DeleteAll(ctx)
}

// cachedFx reads the cached USD/KRW rate; nil when the cache is cold.
// Quotes never trigger an FX provider call of their own.
func (s *Service) cachedFx(ctx context.Context) *decimal.Decimal {
	quote := s.fx.CachedRate(ctx)
	if quote == nil || quote.Rate.IsZero() {
		return nil
	}
	return &quote.Rate
}

func (s *Service) recordMinute(ctx context.Context, symbol string, quote *domain.RealtimeQuote) {
	now := s.calendar.Now()
	if !s.calendar.IsTradingDay(now) {
		return
	}
	sample := cache.MinuteSample{Close: quote.Close, Volume: quote.Volume, Timestamp: now}
	if err := s.minute.Add(ctx, symbol, sample); err != nil {
		s.log.Warn().Err(err).Str("symbol", symbol).Msg("Minute sample write failed")
	}
}

func buildRealtime(quote *domain.RealtimeQuote, rate *decimal.Decimal) *cache.RealtimePrice {
	rec := &cache.RealtimePrice{
		Symbol:        quote.Symbol,
		Name:          quote.Name,
		Open:          quote.Open,
		High:          quote.High,
		Low:           quote.Low,
		Close:         quote.Close,
		Volume:        quote.Volume,
		Change:        quote.Change,
		ChangePercent: quote.ChangePercent,
		PriceDate:     domain.DateOnly(quote.PriceDate),
		Source:        quote.Source,
	}
	if rate != nil {
		usd := quote.Close.Div(*rate).RoundBank(4)
		rec.ExchangeRate = rate
		rec.ClosePriceUSD = &usd
	}
	return rec
}

func caseDescription(c domain.SyncCase) string {
	switch c {
	case domain.CaseNoData:
		return "no stored data, full history collection needed"
	case domain.CaseGap:
		return "stored data ends before yesterday, missing dates will be appended"
	case domain.CaseUpToDate:
		return "stored data is current through yesterday"
	default:
		return string(c)
	}
}

// estimateRecords guesses how many trading days a calendar window holds,
// about five per seven days and at least one.
func estimateRecords(start, end time.Time) int {
	days := int(end.Sub(start).Hours()/24) + 1
	est := days * 5 / 7
	if est < 1 {
		est = 1
	}
	return est
}

// civilDate normalizes t to its own calendar date at UTC midnight so
// DATE columns, KST midnights, and provider timestamps compare cleanly.
func civilDate(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
