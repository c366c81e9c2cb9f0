package exchange

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/krxusd/marketd/internal/domain"
)

// SyncResult reports what a sync run stored.
type SyncResult struct {
	SyncedCount int    `json:"synced_count"`
	StartDate   string `json:"start_date"`
	EndDate     string `json:"end_date"`
	Source      string `json:"source,omitempty"`
}

// Handler serves the /exchange endpoints.
type Handler struct {
	service *Service
	log     zerolog.Logger
}

// NewHandler creates the exchange HTTP handler.
func NewHandler(service *Service, log zerolog.Logger) *Handler {
	return &Handler{
		service: service,
		log:     log.With().Str("handler", "exchange").Logger(),
	}
}

// RegisterRoutes mounts the exchange routes.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/exchange", func(r chi.Router) {
		r.Get("/rate", h.HandleGetRate)
		r.Get("/rate/cached", h.HandleGetCachedRate)
		r.Get("/history", h.HandleGetHistory)
		r.Get("/convert", h.HandleConvert)
		r.Post("/sync", h.HandleSync)
		r.Post("/sync/historical", h.HandleSyncHistorical)
		r.Delete("/cache", h.HandleClearCache)
	})
}

// HandleGetRate returns the current USD/KRW rate with its day-over-day
// change. force_refresh=true bypasses the cache.
func (h *Handler) HandleGetRate(w http.ResponseWriter, r *http.Request) {
	force := r.URL.Query().Get("force_refresh") == "true"

	quote, err := h.service.CurrentRateWithChange(r.Context(), force)
	if err != nil {
		h.respondError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, quote)
}

// HandleGetCachedRate returns the cached rate without contacting any
// provider. data is null when the cache is cold.
func (h *Handler) HandleGetCachedRate(w http.ResponseWriter, r *http.Request) {
	quote := h.service.CachedRate(r.Context())
	if quote == nil {
		h.writeJSON(w, http.StatusOK, nil)
		return
	}
	h.writeJSON(w, http.StatusOK, quote)
}

// HandleGetHistory returns up to 365 days of stored rates, newest first.
func (h *Handler) HandleGetHistory(w http.ResponseWriter, r *http.Request) {
	days, err := queryInt(r, "days", 30)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if days < 1 || days > 365 {
		h.writeError(w, http.StatusBadRequest, "days must be between 1 and 365")
		return
	}

	rows, err := h.service.RateHistory(r.Context(), days)
	if err != nil {
		h.respondError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, rows)
}

// HandleConvert converts an amount between USD and KRW at the current
// rate. Defaults convert KRW into USD.
func (h *Handler) HandleConvert(w http.ResponseWriter, r *http.Request) {
	raw := r.URL.Query().Get("amount")
	if raw == "" {
		h.writeError(w, http.StatusBadRequest, "amount is required")
		return
	}
	amount, err := decimal.NewFromString(raw)
	if err != nil || !amount.IsPositive() {
		h.writeError(w, http.StatusBadRequest, "amount must be a positive number")
		return
	}

	from := r.URL.Query().Get("from")
	if from == "" {
		from = "KRW"
	}
	to := r.URL.Query().Get("to")
	if to == "" {
		to = "USD"
	}

	conv, err := h.service.Convert(r.Context(), amount, from, to)
	if err != nil {
		h.respondError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, conv)
}

// HandleSync fetches the current rate and persists it.
func (h *Handler) HandleSync(w http.ResponseWriter, r *http.Request) {
	rate, err := h.service.SyncCurrentRate(r.Context())
	if err != nil {
		h.respondError(w, err)
		return
	}

	day := domain.DateOnly(rate.RateDate)
	h.writeJSON(w, http.StatusOK, SyncResult{
		SyncedCount: 1,
		StartDate:   day,
		EndDate:     day,
		Source:      rate.Source,
	})
}

// HandleSyncHistorical backfills up to a year of daily fixings.
func (h *Handler) HandleSyncHistorical(w http.ResponseWriter, r *http.Request) {
	days, err := queryInt(r, "days", 30)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if days < 1 || days > 365 {
		h.writeError(w, http.StatusBadRequest, "days must be between 1 and 365")
		return
	}

	count, err := h.service.SyncHistoricalRates(r.Context(), days)
	if err != nil {
		h.respondError(w, err)
		return
	}

	end := time.Now()
	start := end.AddDate(0, 0, -days)
	h.writeJSON(w, http.StatusOK, SyncResult{
		SyncedCount: count,
		StartDate:   domain.DateOnly(start),
		EndDate:     domain.DateOnly(end),
	})
}

// HandleClearCache drops the cached current rate.
func (h *Handler) HandleClearCache(w http.ResponseWriter, r *http.Request) {
	if err := h.service.ClearCache(r.Context()); err != nil {
		h.respondError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]bool{"cleared": true})
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
	case errors.Is(err, ErrUnsupportedPair):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
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
