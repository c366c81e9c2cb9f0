package scheduler

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/krxusd/marketd/internal/cache"
	"github.com/krxusd/marketd/internal/domain"
	"github.com/krxusd/marketd/internal/market"
	"github.com/krxusd/marketd/internal/modules/exchange"
)

const (
	// quoteWorkers bounds the realtime fan-out.
	quoteWorkers = 10

	// fxSyncAfterMinutes is the KST minute-of-day after which the official
	// daily fixing is persisted. Eximbank publishes around 11:00, so the
	// first tick past 11:05 runs the sync once for that day.
	fxSyncAfterMinutes = 11*60 + 5

	runErrorLimit = 200
)

// QuoteRefresher force-fetches realtime quotes, satisfied by
// *stocks.Service.
type QuoteRefresher interface {
	RealtimePrice(ctx context.Context, symbol string, force bool) (*cache.RealtimePrice, error)
}

// RateRefresher keeps the USD/KRW rate warm and persists the daily
// fixing, satisfied by *exchange.Service.
type RateRefresher interface {
	CurrentRate(ctx context.Context, force bool) (*exchange.RateQuote, error)
	SyncCurrentRate(ctx context.Context) (*domain.FxRate, error)
}

// SymbolTracker is the recently-viewed symbol window, satisfied by
// *cache.ActiveSymbols.
type SymbolTracker interface {
	Active(ctx context.Context) ([]string, error)
	Purge(ctx context.Context) (int64, error)
}

// MarketClock answers the calendar questions jobs need, satisfied by
// *market.Calendar.
type MarketClock interface {
	Now() time.Time
	Today() time.Time
	StatusNow() market.Info
	IsTradingDay(d time.Time) bool
}

// StatusSink caches the market phase, satisfied by *cache.MarketStatus.
type StatusSink interface {
	Set(ctx context.Context, info market.Info) error
}

// RunSink records tick outcomes, satisfied by *cache.SchedulerState.
type RunSink interface {
	SetState(ctx context.Context, rec cache.SchedulerStateRecord) error
	AppendRun(ctx context.Context, rec cache.RunRecord) error
}

// RealtimeJob refreshes the market-status cache, the quotes of recently
// viewed symbols, and the USD/KRW rate once per interval. Quotes are
// only fetched during trading hours; the rate stays warm around the
// clock because USD conversion is served 24/7.
type RealtimeJob struct {
	log      zerolog.Logger
	baseCtx  context.Context
	timeout  time.Duration
	quotes   QuoteRefresher
	fx       RateRefresher
	tracker  SymbolTracker
	calendar MarketClock
	status   StatusSink
	state    RunSink
	maxBatch int

	mu        sync.Mutex
	fxSyncDay string
}

// RealtimeJobConfig holds configuration for the realtime refresh job.
type RealtimeJobConfig struct {
	Log      zerolog.Logger
	Ctx      context.Context
	Quotes   QuoteRefresher
	Fx       RateRefresher
	Tracker  SymbolTracker
	Calendar MarketClock
	Status   StatusSink
	State    RunSink

	// Interval is the tick period; each run gets interval + 30s before
	// its context expires. MaxBatch caps how many active symbols one
	// tick refreshes (default 20).
	Interval time.Duration
	MaxBatch int
}

// NewRealtimeJob creates the realtime refresh job.
func NewRealtimeJob(cfg RealtimeJobConfig) *RealtimeJob {
	ctx := cfg.Ctx
	if ctx == nil {
		ctx = context.Background()
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = 60 * time.Second
	}
	maxBatch := cfg.MaxBatch
	if maxBatch <= 0 {
		maxBatch = 20
	}
	return &RealtimeJob{
		log:      cfg.Log.With().Str("job", "realtime_refresh").Logger(),
		baseCtx:  ctx,
		timeout:  interval + 30*time.Second,
		quotes:   cfg.Quotes,
		fx:       cfg.Fx,
		tracker:  cfg.Tracker,
		calendar: cfg.Calendar,
		status:   cfg.Status,
		state:    cfg.State,
		maxBatch: maxBatch,
	}
}

// Name returns the job name
func (j *RealtimeJob) Name() string {
	return "realtime_refresh"
}

// Run executes one refresh tick. Step failures mark the run record but
// are never returned; the next tick starts clean.
func (j *RealtimeJob) Run() error {
	ctx, cancel := context.WithTimeout(j.baseCtx, j.timeout)
	defer cancel()

	started := j.calendar.Now()
	rec := cache.RunRecord{
		ID:      uuid.NewString(),
		RunAt:   started,
		Success: true,
	}

	if err := j.state.SetState(ctx, cache.SchedulerStateRecord{IsRunning: true, LastRunAt: started}); err != nil {
		j.log.Warn().Err(err).Msg("Scheduler state write failed")
	}

	var errs []string

	// Step 1: market status is refreshed on every tick, trading or not.
	info := j.calendar.StatusNow()
	if err := j.status.Set(ctx, info); err != nil {
		j.log.Warn().Err(err).Msg("Market status cache write failed")
		errs = append(errs, "market status: "+err.Error())
	}

	// Steps 2-4: quotes only while the market trades.
	if info.IsTradingTime {
		updated, quoteErrs := j.refreshQuotes(ctx)
		rec.StocksUpdated = updated
		errs = append(errs, quoteErrs...)
	} else {
		j.log.Debug().Str("phase", string(info.Phase)).Msg("Outside trading hours, skipping quote refresh")
	}

	// Step 5: the rate cache is kept warm around the clock.
	fxOK := j.refreshRate(ctx, &errs)

	// Step 6: evict symbols nobody has viewed within the TTL.
	if _, err := j.tracker.Purge(ctx); err != nil {
		j.log.Warn().Err(err).Msg("Active symbol purge failed")
		errs = append(errs, "purge: "+err.Error())
	}

	rec.DurationMs = j.calendar.Now().Sub(started).Milliseconds()
	if len(errs) > 0 {
		rec.Success = false
		rec.Error = domain.Truncate(strings.Join(errs, "; "), runErrorLimit)
	}

	if err := j.state.AppendRun(ctx, rec); err != nil {
		j.log.Warn().Err(err).Msg("Run history write failed")
	}
	final := cache.SchedulerStateRecord{
		IsRunning:       false,
		LastRunAt:       started,
		StocksUpdated:   rec.StocksUpdated,
		ExchangeUpdated: fxOK,
	}
	if err := j.state.SetState(ctx, final); err != nil {
		j.log.Warn().Err(err).Msg("Scheduler state write failed")
	}

	if !rec.Success {
		j.log.Warn().Str("errors", rec.Error).Int("updated", rec.StocksUpdated).Msg("Tick finished with errors")
	} else {
		j.log.Debug().Int("updated", rec.StocksUpdated).Int64("duration_ms", rec.DurationMs).Msg("Tick finished")
	}
	return nil
}

// refreshQuotes fans the active symbols out over a small worker pool.
// Each quote write joins the cached rate, so the rate is warmed once
// up front instead of per symbol.
func (j *RealtimeJob) refreshQuotes(ctx context.Context) (int, []string) {
	symbols, err := j.tracker.Active(ctx)
	if err != nil {
		j.log.Warn().Err(err).Msg("Active symbol read failed")
		return 0, []string{"active symbols: " + err.Error()}
	}
	if len(symbols) == 0 {
		return 0, nil
	}
	if len(symbols) > j.maxBatch {
		j.log.Warn().
			Int("active", len(symbols)).
			Int("max", j.maxBatch).
			Msg("Active symbols exceed the batch cap, truncating")
		symbols = symbols[:j.maxBatch]
	}

	if _, err := j.fx.CurrentRate(ctx, false); err != nil {
		j.log.Warn().Err(err).Msg("Rate warmup failed, quotes keep KRW only")
	}

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		updated int
		errs    []string
	)
	sem := make(chan struct{}, quoteWorkers)
	for _, symbol := range symbols {
		wg.Add(1)
		sem <- struct{}{}
		go func(symbol string) {
			defer wg.Done()
			defer func() { <-sem }()

			if _, err := j.quotes.RealtimePrice(ctx, symbol, true); err != nil {
				j.log.Warn().Err(err).Str("symbol", symbol).Msg("Quote refresh failed")
				mu.Lock()
				errs = append(errs, symbol+": "+err.Error())
				mu.Unlock()
				return
			}
			mu.Lock()
			updated++
			mu.Unlock()
		}(symbol)
	}
	wg.Wait()

	return updated, errs
}

// refreshRate keeps the cached rate warm and, once per KST trading day
// after the fixing is published, persists the official row.
func (j *RealtimeJob) refreshRate(ctx context.Context, errs *[]string) bool {
	if _, err := j.fx.CurrentRate(ctx, false); err != nil {
		j.log.Warn().Err(err).Msg("Rate refresh failed")
		*errs = append(*errs, "fx: "+err.Error())
		return false
	}

	now := j.calendar.Now()
	if !j.calendar.IsTradingDay(now) {
		return true
	}
	if now.Hour()*60+now.Minute() < fxSyncAfterMinutes {
		return true
	}

	day := domain.DateOnly(now)
	j.mu.Lock()
	done := j.fxSyncDay == day
	j.mu.Unlock()
	if done {
		return true
	}

	if _, err := j.fx.SyncCurrentRate(ctx); err != nil {
		j.log.Warn().Err(err).Msg("Daily rate sync failed")
		*errs = append(*errs, "fx sync: "+err.Error())
		return false
	}

	j.mu.Lock()
	j.fxSyncDay = day
	j.mu.Unlock()
	j.log.Info().Str("day", day).Msg("Official daily rate persisted")
	return true
}
