package stocks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/krxusd/marketd/internal/cache"
	"github.com/krxusd/marketd/internal/domain"
)

const (
	maxRealtimeBatch = 50
	maxSyncBatch     = 100
)

// PopularRankings serves ranking snapshots, satisfied by
// *popular.Service.
type PopularRankings interface {
	Ranking(ctx context.Context, rt domain.RankingType, limit int) (*cache.PopularRecord, error)
}

// SymbolTracker registers viewed symbols for the realtime refresh loop,
// satisfied by *cache.ActiveSymbols.
type SymbolTracker interface {
	Touch(ctx context.Context, symbol string) error
}

// BatchSyncResponse reports a multi-symbol sync run.
type BatchSyncResponse struct {
	TotalRequested int          `json:"total_requested"`
	SuccessCount   int          `json:"success_count"`
	FailedCount    int          `json:"failed_count"`
	Results        []SyncResult `json:"results"`
}

// Handler serves the /stocks endpoints.
type Handler struct {
	service *Service
	popular PopularRankings
	tracker SymbolTracker
	log     zerolog.Logger
}

// NewHandler creates the stocks HTTP handler.
func NewHandler(service *Service, popular PopularRankings, tracker SymbolTracker, log zerolog.Logger) *Handler {
	return &Handler{
		service: service,
		popular: popular,
		tracker: tracker,
		log:     log.With().Str("handler", "stocks").Logger(),
	}
}

// RegisterRoutes mounts the stock routes. Static segments (popular,
// realtime, sync, cache) take precedence over the {symbol} subtree.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/stocks", func(r chi.Router) {
		r.Get("/", h.HandleList)
		r.Get("/popular/{rankingType}", h.HandlePopular)
		r.Post("/realtime/batch", h.HandleRealtimeBatch)
		r.Post("/sync/batch", h.HandleSyncBatch)
		r.Delete("/cache/all", h.HandleClearAllCache)

		r.Route("/{symbol}", func(r chi.Router) {
			r.Get("/", h.HandleDetail)
			r.Get("/prices", h.HandlePrices)
			r.Get("/prices/usd", h.HandlePricesUSD)
			r.Get("/current/usd", h.HandleCurrentUSD)
			r.Get("/realtime", h.HandleRealtime)
			r.Get("/realtime/cached", h.HandleCachedRealtime)
			r.Post("/sync", h.HandleSync)
			r.Get("/sync/status", h.HandleSyncStatus)
			r.Get("/gaps", h.HandleGaps)
			r.Post("/ensure-synced", h.HandleEnsureSynced)
			r.Get("/data-summary", h.HandleDataSummary)
			r.Delete("/cache", h.HandleClearCache)
		})
	})
}

// HandleList returns one page of the stock listing.
func (h *Handler) HandleList(w http.ResponseWriter, r *http.Request) {
	page, err := queryInt(r, "page", 1)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	size, err := queryInt(r, "size", 20)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if page < 1 {
		h.writeError(w, http.StatusBadRequest, "page must be at least 1")
		return
	}
	if size < 1 || size > 100 {
		h.writeError(w, http.StatusBadRequest, "size must be between 1 and 100")
		return
	}

	activeOnly := r.URL.Query().Get("active_only") != "false"
	filter := ListFilter{
		Market:     r.URL.Query().Get("market"),
		Search:     r.URL.Query().Get("search"),
		ActiveOnly: activeOnly,
	}

	result, err := h.service.ListStocks(r.Context(), filter, page, size)
	if err != nil {
		h.respondError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, result)
}

// HandleDetail returns the stock master with its newest stored price and
// registers the symbol for realtime refresh.
func (h *Handler) HandleDetail(w http.ResponseWriter, r *http.Request) {
	symbol := chi.URLParam(r, "symbol")

	detail, err := h.service.StockDetail(r.Context(), symbol)
	if err != nil {
		h.respondError(w, err)
		return
	}

	h.touch(symbol)
	h.writeJSON(w, http.StatusOK, detail)
}

// HandlePrices returns up to a year of stored daily rows, newest first.
func (h *Handler) HandlePrices(w http.ResponseWriter, r *http.Request) {
	symbol := chi.URLParam(r, "symbol")
	days, err := queryInt(r, "days", 30)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if days < 1 || days > 365 {
		h.writeError(w, http.StatusBadRequest, "days must be between 1 and 365")
		return
	}

	prices, err := h.service.PriceHistory(r.Context(), symbol, days)
	if err != nil {
		h.respondError(w, err)
		return
	}

	h.touch(symbol)
	h.writeJSON(w, http.StatusOK, prices)
}

// HandlePricesUSD returns the USD-converted close series for a date
// range (defaults to the last 30 days).
func (h *Handler) HandlePricesUSD(w http.ResponseWriter, r *http.Request) {
	symbol := chi.URLParam(r, "symbol")

	end := time.Now()
	start := end.AddDate(0, 0, -30)

	if raw := r.URL.Query().Get("start"); raw != "" {
		parsed, err := time.Parse("2006-01-02", raw)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, "start must be formatted YYYY-MM-DD")
			return
		}
		start = parsed
	}
	if raw := r.URL.Query().Get("end"); raw != "" {
		parsed, err := time.Parse("2006-01-02", raw)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, "end must be formatted YYYY-MM-DD")
			return
		}
		end = parsed
	}
	if start.After(end) {
		h.writeError(w, http.StatusBadRequest, "start must not be after end")
		return
	}

	rows, err := h.service.HistoryUSD(r.Context(), symbol, start, end)
	if err != nil {
		h.respondError(w, err)
		return
	}

	h.touch(symbol)
	h.writeJSON(w, http.StatusOK, rows)
}

// HandleCurrentUSD returns the realtime quote converted to USD.
func (h *Handler) HandleCurrentUSD(w http.ResponseWriter, r *http.Request) {
	symbol := chi.URLParam(r, "symbol")

	quote, err := h.service.CurrentUSD(r.Context(), symbol)
	if err != nil {
		h.respondError(w, err)
		return
	}

	h.touch(symbol)
	h.writeJSON(w, http.StatusOK, quote)
}

// HandleRealtime returns the realtime quote, from cache unless
// force_refresh=true.
func (h *Handler) HandleRealtime(w http.ResponseWriter, r *http.Request) {
	symbol := chi.URLParam(r, "symbol")
	force := r.URL.Query().Get("force_refresh") == "true"

	quote, err := h.service.RealtimePrice(r.Context(), symbol, force)
	if err != nil {
		h.respondError(w, err)
		return
	}

	h.touch(symbol)
	h.writeJSON(w, http.StatusOK, quote)
}

// HandleCachedRealtime returns the cached quote only; data is null when
// nothing is cached.
func (h *Handler) HandleCachedRealtime(w http.ResponseWriter, r *http.Request) {
	symbol := chi.URLParam(r, "symbol")

	rec := h.service.CachedRealtime(r.Context(), symbol)
	if rec == nil {
		h.writeJSON(w, http.StatusOK, nil)
		return
	}
	h.writeJSON(w, http.StatusOK, rec)
}

// HandleRealtimeBatch returns quotes for up to 50 symbols; symbols that
// fail map to null entries.
func (h *Handler) HandleRealtimeBatch(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Symbols []string `json:"symbols"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "request body must be JSON with a symbols array")
		return
	}
	if len(req.Symbols) == 0 {
		h.writeError(w, http.StatusBadRequest, "symbols must not be empty")
		return
	}
	if len(req.Symbols) > maxRealtimeBatch {
		h.writeError(w, http.StatusBadRequest, fmt.Sprintf("at most %d symbols per request", maxRealtimeBatch))
		return
	}
	force := r.URL.Query().Get("force_refresh") == "true"

	batch, err := h.service.RealtimePricesBatch(r.Context(), req.Symbols, force)
	if err != nil {
		h.respondError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, batch)
}

// HandleSync gap-fills the symbol's daily history. force_full_sync in
// the body overrides gap analysis and recollects the last `days` days.
func (h *Handler) HandleSync(w http.ResponseWriter, r *http.Request) {
	symbol := chi.URLParam(r, "symbol")

	req, err := decodeSyncRequest(r)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	result, err := h.service.Sync(r.Context(), symbol, req.options(time.Now()))
	if err != nil {
		h.respondError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, result)
}

// HandleSyncBatch syncs up to 100 symbols; per-symbol failures become
// failed entries instead of aborting the batch.
func (h *Handler) HandleSyncBatch(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Symbols       []string `json:"symbols"`
		Days          int      `json:"days"`
		ForceFullSync bool     `json:"force_full_sync"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "request body must be JSON with a symbols array")
		return
	}
	if len(req.Symbols) == 0 {
		h.writeError(w, http.StatusBadRequest, "symbols must not be empty")
		return
	}
	if len(req.Symbols) > maxSyncBatch {
		h.writeError(w, http.StatusBadRequest, fmt.Sprintf("at most %d symbols per request", maxSyncBatch))
		return
	}

	opts := syncRequest{Days: req.Days, ForceFullSync: req.ForceFullSync}.options(time.Now())

	response := BatchSyncResponse{
		TotalRequested: len(req.Symbols),
		Results:        make([]SyncResult, 0, len(req.Symbols)),
	}
	for _, symbol := range req.Symbols {
		result, err := h.service.Sync(r.Context(), symbol, opts)
		if err != nil {
			response.FailedCount++
			response.Results = append(response.Results, SyncResult{
				Symbol:      strings.ToUpper(strings.TrimSpace(symbol)),
				SyncCase:    domain.CaseFailed,
				SyncedCount: 0,
				Message:     domain.TruncateError(err, 200),
			})
			continue
		}
		response.SuccessCount++
		response.Results = append(response.Results, *result)
	}

	h.writeJSON(w, http.StatusOK, response)
}

// HandleSyncStatus returns the sync bookkeeping row; data is null when
// the stock has never been synced.
func (h *Handler) HandleSyncStatus(w http.ResponseWriter, r *http.Request) {
	symbol := chi.URLParam(r, "symbol")

	status, err := h.service.SyncStatus(r.Context(), symbol)
	if err != nil {
		h.respondError(w, err)
		return
	}
	if status == nil {
		h.writeJSON(w, http.StatusOK, nil)
		return
	}
	h.writeJSON(w, http.StatusOK, status)
}

// HandleGaps returns the read-only gap analysis.
func (h *Handler) HandleGaps(w http.ResponseWriter, r *http.Request) {
	symbol := chi.URLParam(r, "symbol")

	report, err := h.service.AnalyzeGaps(r.Context(), symbol)
	if err != nil {
		h.respondError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, report)
}

// HandleEnsureSynced runs the on-access gap check, syncing when needed
// unless auto_sync=false.
func (h *Handler) HandleEnsureSynced(w http.ResponseWriter, r *http.Request) {
	symbol := chi.URLParam(r, "symbol")
	autoSync := r.URL.Query().Get("auto_sync") != "false"

	result, err := h.service.EnsureSynced(r.Context(), symbol, autoSync)
	if err != nil {
		h.respondError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, result)
}

// HandleDataSummary reports the stored price coverage.
func (h *Handler) HandleDataSummary(w http.ResponseWriter, r *http.Request) {
	symbol := chi.URLParam(r, "symbol")

	summary, err := h.service.DataSummary(r.Context(), symbol)
	if err != nil {
		h.respondError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, summary)
}

// HandlePopular returns one ranking snapshot, cache-first.
func (h *Handler) HandlePopular(w http.ResponseWriter, r *http.Request) {
	rt := domain.RankingType(strings.ToLower(chi.URLParam(r, "rankingType")))
	limit, err := queryInt(r, "limit", 20)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if limit < 1 || limit > 100 {
		h.writeError(w, http.StatusBadRequest, "limit must be between 1 and 100")
		return
	}

	rec, err := h.popular.Ranking(r.Context(), rt, limit)
	if err != nil {
		h.respondError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, rec)
}

// HandleClearCache drops one symbol's cached quote.
func (h *Handler) HandleClearCache(w http.ResponseWriter, r *http.Request) {
	symbol := strings.ToUpper(chi.URLParam(r, "symbol"))

	if err := h.service.ClearRealtimeCache(r.Context(), symbol); err != nil {
		h.respondError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"symbol": symbol, "deleted": true})
}

// HandleClearAllCache drops every cached realtime quote.
func (h *Handler) HandleClearAllCache(w http.ResponseWriter, r *http.Request) {
	count, err := h.service.ClearAllRealtimeCache(r.Context())
	if err != nil {
		h.respondError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]int{"deleted_count": count})
}

// touch registers a viewed symbol without blocking the response.
func (h *Handler) touch(symbol string) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := h.tracker.Touch(ctx, symbol); err != nil {
			h.log.Debug().Err(err).Str("symbol", symbol).Msg("Symbol touch failed")
		}
	}()
}

type syncRequest struct {
	Days          int  `json:"days"`
	ForceFullSync bool `json:"force_full_sync"`
}

// options turns the request into sync options. A forced run recollects
// the last Days days ending yesterday per gap analysis.
func (req syncRequest) options(now time.Time) SyncOptions {
	days := req.Days
	if days <= 0 {
		days = 365
	}
	opts := SyncOptions{Force: req.ForceFullSync}
	if req.ForceFullSync {
		start := now.AddDate(0, 0, -days)
		opts.StartDate = &start
	}
	return opts
}

// decodeSyncRequest tolerates an empty body, which means "gap analysis
// with defaults".
func decodeSyncRequest(r *http.Request) (syncRequest, error) {
	req := syncRequest{Days: 365}
	if r.Body == nil {
		return req, nil
	}
	err := json.NewDecoder(r.Body).Decode(&req)
	if err != nil && !errors.Is(err, io.EOF) {
		return req, fmt.Errorf("request body must be JSON")
	}
	if req.Days < 0 {
		return req, fmt.Errorf("days must be positive")
	}
	return req, nil
}

func (h *Handler) respondError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		h.log.Error().Err(err).Msg("request failed")
		msg = "internal server error"
	}
	h.writeError(w, status, msg)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrAlreadySyncing):
		return http.StatusConflict
	case domain.IsSourceExhausted(err), errors.Is(err, domain.ErrFxUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	body := map[string]any{
		"data": data,
		"metadata": map[string]string{
			"timestamp": time.Now().UTC().Format(time.RFC3339),
		},
	}
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.log.Error().Err(err).Msg("encode response failed")
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	body := map[string]any{
		"error": map[string]any{
			"message": message,
			"status":  status,
		},
	}
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.log.Error().Err(err).Msg("encode error response failed")
	}
}

func queryInt(r *http.Request, name string, def int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer", name)
	}
	return v, nil
}
