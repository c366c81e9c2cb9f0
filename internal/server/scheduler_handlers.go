package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/krxusd/marketd/internal/cache"
	"github.com/krxusd/marketd/internal/config"
	"github.com/krxusd/marketd/internal/domain"
	"github.com/krxusd/marketd/internal/market"
	"github.com/krxusd/marketd/internal/scheduler"
)

// JobRunner exposes the running scheduler, satisfied by
// *scheduler.Scheduler.
type JobRunner interface {
	Jobs() []scheduler.JobInfo
	Running() bool
	RunNow(name string) error
}

// QuoteWarmer fetches a fresh realtime quote, satisfied by
// *stocks.Service.
type QuoteWarmer interface {
	RealtimePrice(ctx context.Context, symbol string, force bool) (*cache.RealtimePrice, error)
}

// SymbolRegistry manages the active-symbol set, satisfied by
// *cache.ActiveSymbols.
type SymbolRegistry interface {
	Touch(ctx context.Context, symbol string) error
	Remove(ctx context.Context, symbol string) error
	Active(ctx context.Context) ([]string, error)
	Count(ctx context.Context) (int64, error)
}

// RunHistory reads realtime-job bookkeeping, satisfied by
// *cache.SchedulerState.
type RunHistory interface {
	GetState(ctx context.Context) (*cache.SchedulerStateRecord, error)
	RecentRuns(ctx context.Context, n int64) ([]cache.RunRecord, error)
}

// BatchHistory reads daily-batch bookkeeping, satisfied by
// *cache.BatchState.
type BatchHistory interface {
	Get(ctx context.Context) (*cache.BatchStateRecord, error)
	History(ctx context.Context, n int64) ([]cache.BatchStateRecord, error)
}

// PhaseCache reads the cached market snapshot, satisfied by
// *cache.MarketStatus.
type PhaseCache interface {
	Get(ctx context.Context) (*cache.MarketSnapshot, error)
}

// MarketClock reports the live market phase, satisfied by
// *market.Calendar.
type MarketClock interface {
	StatusNow() market.Info
}

// SchedulerHandler serves the /scheduler endpoints: job state, manual
// triggers, and the active-symbol registry.
type SchedulerHandler struct {
	sched    JobRunner
	runs     RunHistory
	batch    BatchHistory
	registry SymbolRegistry
	phase    PhaseCache
	calendar MarketClock
	quotes   QuoteWarmer
	cfg      config.SchedulerConfig
	log      zerolog.Logger
}

// SchedulerHandlerConfig wires the scheduler handler.
type SchedulerHandlerConfig struct {
	Log      zerolog.Logger
	Sched    JobRunner
	Runs     RunHistory
	Batch    BatchHistory
	Registry SymbolRegistry
	Phase    PhaseCache
	Calendar MarketClock
	Quotes   QuoteWarmer
	Config   config.SchedulerConfig
}

// NewSchedulerHandler creates the scheduler HTTP handler.
func NewSchedulerHandler(cfg SchedulerHandlerConfig) *SchedulerHandler {
	return &SchedulerHandler{
		sched:    cfg.Sched,
		runs:     cfg.Runs,
		batch:    cfg.Batch,
		registry: cfg.Registry,
		phase:    cfg.Phase,
		calendar: cfg.Calendar,
		quotes:   cfg.Quotes,
		cfg:      cfg.Config,
		log:      cfg.Log.With().Str("handler", "scheduler").Logger(),
	}
}

// RegisterRoutes mounts the scheduler routes.
func (h *SchedulerHandler) RegisterRoutes(r chi.Router) {
	r.Route("/scheduler", func(r chi.Router) {
		r.Get("/status", h.HandleStatus)
		r.Get("/market-status", h.HandleMarketStatus)
		r.Post("/trigger", h.HandleTrigger)
		r.Get("/symbols/active", h.HandleActiveSymbols)
		r.Post("/symbols/register", h.HandleRegister)
		r.Post("/symbols/unregister", h.HandleUnregister)
		r.Post("/symbols/refresh", h.HandleRefresh)
	})
}

// HandleStatus reports job schedules, run bookkeeping, and the effective
// configuration in one payload. Redis read failures degrade the affected
// fields to null instead of failing the request.
func (h *SchedulerHandler) HandleStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	state, err := h.runs.GetState(ctx)
	if err != nil {
		h.log.Warn().Err(err).Msg("read scheduler state failed")
	}
	history, err := h.runs.RecentRuns(ctx, 10)
	if err != nil {
		h.log.Warn().Err(err).Msg("read run history failed")
	}
	batchState, err := h.batch.Get(ctx)
	if err != nil {
		h.log.Warn().Err(err).Msg("read batch state failed")
	}
	batchHistory, err := h.batch.History(ctx, 10)
	if err != nil {
		h.log.Warn().Err(err).Msg("read batch history failed")
	}
	count, err := h.registry.Count(ctx)
	if err != nil {
		h.log.Warn().Err(err).Msg("count active symbols failed")
	}

	info := h.calendar.StatusNow()

	writeJSON(h.log, w, http.StatusOK, map[string]any{
		"enabled":        h.cfg.Enabled,
		"running":        h.sched.Running(),
		"jobs":           h.sched.Jobs(),
		"state":          state,
		"recent_history": history,
		"batch": map[string]any{
			"state":   batchState,
			"history": batchHistory,
		},
		"active_symbols_count": count,
		"market_status":        info,
		"is_trading_time":      info.IsTradingTime,
		"config": map[string]any{
			"realtime_interval_seconds": h.cfg.RealtimeIntervalSec,
			"popular_interval_seconds":  h.cfg.PopularIntervalSec,
			"max_batch_size":            h.cfg.MaxBatchSize,
			"active_symbol_ttl_seconds": h.cfg.ActiveSymbolTTLSec,
			"daily_batch_hour":          h.cfg.DailyBatchHour,
			"daily_batch_minute":        h.cfg.DailyBatchMinute,
		},
	})
}

// HandleMarketStatus returns the cached market snapshot, computing a
// fresh one when the cache is cold.
func (h *SchedulerHandler) HandleMarketStatus(w http.ResponseWriter, r *http.Request) {
	snap, err := h.phase.Get(r.Context())
	if err != nil {
		h.log.Warn().Err(err).Msg("read market snapshot failed")
	}
	if snap == nil {
		snap = &cache.MarketSnapshot{Info: h.calendar.StatusNow(), UpdatedAt: time.Now()}
	}
	writeJSON(h.log, w, http.StatusOK, snap)
}

// HandleTrigger fires a registered job outside its schedule. The run
// still goes through the single-instance chain, so a trigger during a
// scheduled run is skipped.
func (h *SchedulerHandler) HandleTrigger(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Job string `json:"job"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(h.log, w, http.StatusBadRequest, "request body must be JSON with a job name")
		return
	}

	name, ok := jobName(req.Job)
	if !ok {
		writeError(h.log, w, http.StatusBadRequest, fmt.Sprintf("unknown job %q", req.Job))
		return
	}
	if err := h.sched.RunNow(name); err != nil {
		writeError(h.log, w, http.StatusBadRequest, err.Error())
		return
	}

	h.log.Info().Str("job", name).Msg("Job triggered manually")
	writeJSON(h.log, w, http.StatusOK, map[string]any{
		"triggered": name,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// jobName maps accepted aliases onto registered job names.
func jobName(raw string) (string, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "realtime", "realtime_refresh":
		return "realtime_refresh", true
	case "batch", "daily_batch":
		return "daily_batch", true
	default:
		return "", false
	}
}

// HandleActiveSymbols lists the symbols currently inside the refresh
// window, oldest first.
func (h *SchedulerHandler) HandleActiveSymbols(w http.ResponseWriter, r *http.Request) {
	symbols, err := h.registry.Active(r.Context())
	if err != nil {
		h.log.Error().Err(err).Msg("list active symbols failed")
		writeError(h.log, w, http.StatusInternalServerError, "internal server error")
		return
	}
	writeJSON(h.log, w, http.StatusOK, map[string]any{
		"count":   len(symbols),
		"symbols": symbols,
	})
}

// HandleRegister adds a symbol to the realtime refresh set.
func (h *SchedulerHandler) HandleRegister(w http.ResponseWriter, r *http.Request) {
	symbol, err := decodeSymbol(r)
	if err != nil {
		writeError(h.log, w, http.StatusBadRequest, err.Error())
		return
	}
	if err := h.registry.Touch(r.Context(), symbol); err != nil {
		h.log.Error().Err(err).Str("symbol", symbol).Msg("register symbol failed")
		writeError(h.log, w, http.StatusInternalServerError, "internal server error")
		return
	}
	writeJSON(h.log, w, http.StatusOK, map[string]any{
		"symbol":     symbol,
		"registered": true,
		"message":    "symbol registered for realtime refresh",
	})
}

// HandleUnregister drops a symbol from the refresh set.
func (h *SchedulerHandler) HandleUnregister(w http.ResponseWriter, r *http.Request) {
	symbol, err := decodeSymbol(r)
	if err != nil {
		writeError(h.log, w, http.StatusBadRequest, err.Error())
		return
	}
	if err := h.registry.Remove(r.Context(), symbol); err != nil {
		h.log.Error().Err(err).Str("symbol", symbol).Msg("unregister symbol failed")
		writeError(h.log, w, http.StatusInternalServerError, "internal server error")
		return
	}
	writeJSON(h.log, w, http.StatusOK, map[string]any{
		"symbol":     symbol,
		"registered": false,
		"message":    "symbol removed from realtime refresh",
	})
}

// HandleRefresh registers a symbol and warms its quote in one call.
func (h *SchedulerHandler) HandleRefresh(w http.ResponseWriter, r *http.Request) {
	symbol, err := decodeSymbol(r)
	if err != nil {
		writeError(h.log, w, http.StatusBadRequest, err.Error())
		return
	}
	if err := h.registry.Touch(r.Context(), symbol); err != nil {
		h.log.Error().Err(err).Str("symbol", symbol).Msg("register symbol failed")
		writeError(h.log, w, http.StatusInternalServerError, "internal server error")
		return
	}

	if _, err := h.quotes.RealtimePrice(r.Context(), symbol, true); err != nil {
		status := http.StatusInternalServerError
		msg := "internal server error"
		switch {
		case errors.Is(err, domain.ErrNotFound):
			status, msg = http.StatusNotFound, err.Error()
		case domain.IsSourceExhausted(err):
			status, msg = http.StatusServiceUnavailable, err.Error()
		default:
			h.log.Error().Err(err).Str("symbol", symbol).Msg("refresh quote failed")
		}
		writeError(h.log, w, status, msg)
		return
	}

	writeJSON(h.log, w, http.StatusOK, map[string]any{
		"symbol":     symbol,
		"registered": true,
		"message":    "symbol refreshed",
	})
}

// decodeSymbol reads {"symbol": "..."} from the request body.
func decodeSymbol(r *http.Request) (string, error) {
	var req struct {
		Symbol string `json:"symbol"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return "", fmt.Errorf("request body must be JSON with a symbol")
	}
	symbol := strings.ToUpper(strings.TrimSpace(req.Symbol))
	if symbol == "" {
		return "", fmt.Errorf("symbol is required")
	}
	return symbol, nil
}
