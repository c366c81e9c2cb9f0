package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/krxusd/marketd/internal/cache"
	"github.com/krxusd/marketd/internal/domain"
	"github.com/krxusd/marketd/internal/modules/stocks"
)

const (
	batchMarcapTop = 100
	batchVolumeTop = 50
	batchChunkSize = 10
)

// errShutdown marks a batch abandoned because the process is stopping.
var errShutdown = errors.New("shutdown")

// GapFiller runs the on-access sync path and warms quote caches,
// satisfied by *stocks.Service.
type GapFiller interface {
	EnsureSynced(ctx context.Context, symbol string, autoSync bool) (*stocks.EnsureResult, error)
	RealtimePrice(ctx context.Context, symbol string, force bool) (*cache.RealtimePrice, error)
}

// TargetSource lists the day's leader boards, satisfied by
// *source.Composite.
type TargetSource interface {
	TopByMarcap(ctx context.Context, n int) ([]string, error)
	TopByVolume(ctx context.Context, n int) ([]string, error)
}

// RankingRefresher rebuilds the popular rankings, satisfied by
// *popular.Service.
type RankingRefresher interface {
	Refresh(ctx context.Context) error
}

// BatchSink records batch outcomes, satisfied by *cache.BatchState.
type BatchSink interface {
	Set(ctx context.Context, rec cache.BatchStateRecord) error
	AppendHistory(ctx context.Context, rec cache.BatchStateRecord) error
}

// DailyBatchJob gap-fills the day's most traded symbols after the close
// and rebuilds the popular rankings. Per-symbol failures land in the
// batch record; only whole-run failures (target discovery, ranking
// refresh) are retried.
type DailyBatchJob struct {
	log      zerolog.Logger
	baseCtx  context.Context
	stocks   GapFiller
	targets  TargetSource
	popular  RankingRefresher
	state    BatchSink
	calendar MarketClock

	retries    int
	retryDelay time.Duration
	chunkPause time.Duration
}

// DailyBatchJobConfig holds configuration for the daily batch job.
type DailyBatchJobConfig struct {
	Log      zerolog.Logger
	Ctx      context.Context
	Stocks   GapFiller
	Targets  TargetSource
	Popular  RankingRefresher
	State    BatchSink
	Calendar MarketClock
}

// NewDailyBatchJob creates the daily batch job.
func NewDailyBatchJob(cfg DailyBatchJobConfig) *DailyBatchJob {
	ctx := cfg.Ctx
	if ctx == nil {
		ctx = context.Background()
	}
	return &DailyBatchJob{
		log:        cfg.Log.With().Str("job", "daily_batch").Logger(),
		baseCtx:    ctx,
		stocks:     cfg.Stocks,
		targets:    cfg.Targets,
		popular:    cfg.Popular,
		state:      cfg.State,
		calendar:   cfg.Calendar,
		retries:    3,
		retryDelay: 60 * time.Second,
		chunkPause: time.Second,
	}
}

// Name returns the job name
func (j *DailyBatchJob) Name() string {
	return "daily_batch"
}

// Run executes the daily batch, retrying whole-run failures up to three
// times a minute apart. Non-trading days are skipped outright.
func (j *DailyBatchJob) Run() error {
	today := j.calendar.Today()
	if !j.calendar.IsTradingDay(today) {
		j.log.Info().Str("date", domain.DateOnly(today)).Msg("Not a trading day, skipping daily batch")
		return nil
	}

	var err error
	for attempt := 1; attempt <= j.retries; attempt++ {
		err = j.runOnce(attempt)
		if err == nil {
			return nil
		}
		if j.baseCtx.Err() != nil {
			return err
		}
		j.log.Error().Err(err).Int("attempt", attempt).Msg("Daily batch attempt failed")
		if attempt < j.retries {
			if perr := pause(j.baseCtx, j.retryDelay); perr != nil {
				return err
			}
		}
	}
	return err
}

func (j *DailyBatchJob) runOnce(attempt int) error {
	ctx := j.baseCtx

	rec := cache.BatchStateRecord{
		ID:         uuid.NewString(),
		Status:     cache.BatchRunning,
		TargetDate: domain.DateOnly(j.calendar.Today()),
		Attempt:    attempt,
		StartedAt:  j.calendar.Now(),
	}

	targets, err := j.collectTargets(ctx)
	if err != nil {
		j.finish(&rec, cache.BatchFailed, err)
		return err
	}
	rec.Total = len(targets)
	j.writeState(ctx, rec)

	j.log.Info().
		Int("targets", rec.Total).
		Int("attempt", attempt).
		Str("target_date", rec.TargetDate).
		Msg("Daily batch started")

	for start := 0; start < len(targets); start += batchChunkSize {
		if ctx.Err() != nil {
			j.finish(&rec, cache.BatchFailed, errShutdown)
			return errShutdown
		}

		end := start + batchChunkSize
		if end > len(targets) {
			end = len(targets)
		}
		for _, symbol := range targets[start:end] {
			j.syncOne(ctx, symbol, &rec)
		}
		j.writeState(ctx, rec)

		if end < len(targets) {
			if perr := pause(ctx, j.chunkPause); perr != nil {
				j.finish(&rec, cache.BatchFailed, errShutdown)
				return errShutdown
			}
		}
	}

	if err := j.popular.Refresh(ctx); err != nil {
		if ctx.Err() != nil {
			j.finish(&rec, cache.BatchFailed, errShutdown)
			return errShutdown
		}
		err = fmt.Errorf("refresh popular rankings: %w", err)
		j.finish(&rec, cache.BatchFailed, err)
		return err
	}

	j.finish(&rec, cache.BatchCompleted, nil)
	j.log.Info().
		Int("synced", rec.Synced).
		Int("failed", rec.Failed).
		Int("total", rec.Total).
		Msg("Daily batch completed")
	return nil
}

// collectTargets unions the market-cap and volume leader boards,
// keeping first-seen order.
func (j *DailyBatchJob) collectTargets(ctx context.Context) ([]string, error) {
	byCap, err := j.targets.TopByMarcap(ctx, batchMarcapTop)
	if err != nil {
		return nil, fmt.Errorf("top by market cap: %w", err)
	}
	byVolume, err := j.targets.TopByVolume(ctx, batchVolumeTop)
	if err != nil {
		return nil, fmt.Errorf("top by volume: %w", err)
	}

	seen := make(map[string]struct{}, len(byCap)+len(byVolume))
	out := make([]string, 0, len(byCap)+len(byVolume))
	for _, symbol := range append(byCap, byVolume...) {
		symbol = strings.ToUpper(strings.TrimSpace(symbol))
		if symbol == "" {
			continue
		}
		if _, dup := seen[symbol]; dup {
			continue
		}
		seen[symbol] = struct{}{}
		out = append(out, symbol)
	}
	return out, nil
}

// syncOne gap-fills one symbol and warms its realtime cache. Failures
// land in the batch record, never abort the run.
func (j *DailyBatchJob) syncOne(ctx context.Context, symbol string, rec *cache.BatchStateRecord) {
	rec.Completed++

	result, err := j.stocks.EnsureSynced(ctx, symbol, true)
	if err != nil {
		j.recordFailure(rec, symbol, err.Error())
		return
	}
	if result.SyncError != nil {
		j.recordFailure(rec, symbol, *result.SyncError)
		return
	}
	rec.Synced++

	// A dead quote feed should not mark the history sync failed.
	if _, err := j.stocks.RealtimePrice(ctx, symbol, true); err != nil {
		j.log.Debug().Err(err).Str("symbol", symbol).Msg("Realtime warm failed")
	}
}

func (j *DailyBatchJob) recordFailure(rec *cache.BatchStateRecord, symbol, msg string) {
	rec.Failed++
	rec.Failures = append(rec.Failures, cache.BatchFailure{
		Symbol:      symbol,
		SyncCase:    string(domain.CaseFailed),
		SyncedCount: 0,
		Message:     domain.Truncate(msg, runErrorLimit),
	})
	j.log.Warn().Str("symbol", symbol).Str("reason", msg).Msg("Batch symbol failed")
}

func (j *DailyBatchJob) writeState(ctx context.Context, rec cache.BatchStateRecord) {
	if err := j.state.Set(ctx, rec); err != nil {
		j.log.Warn().Err(err).Msg("Batch state write failed")
	}
}

// finish seals the record and writes the final state plus a history
// entry on a fresh context, so a canceled batch still records its
// shutdown.
func (j *DailyBatchJob) finish(rec *cache.BatchStateRecord, status string, cause error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	now := j.calendar.Now()
	rec.Status = status
	rec.FinishedAt = &now
	if cause != nil {
		rec.Error = domain.TruncateError(cause, runErrorLimit)
	}

	if err := j.state.Set(ctx, *rec); err != nil {
		j.log.Warn().Err(err).Msg("Batch state write failed")
	}
	if err := j.state.AppendHistory(ctx, *rec); err != nil {
		j.log.Warn().Err(err).Msg("Batch history write failed")
	}
}

// pause sleeps unless the context ends first.
func pause(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
