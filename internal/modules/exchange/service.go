package exchange

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
)

// maxCarryForward is how many calendar days a stored rate may stand in
// for a missing one. Korean FX fixings skip weekends and holidays, so a
// Friday rate covers through Tuesday but never a longer outage.
const maxCarryForward = 4

// ErrUnsupportedPair rejects conversions outside USD/KRW.
var ErrUnsupportedPair = errors.New("only USD/KRW conversions are supported")

// Store is the persistence surface the service needs.
type Store interface {
	UpsertRate(ctx context.Context, rate domain.FxRate) error
	UpsertRates(ctx context.Context, rates []domain.FxRate) error
	LatestRate(ctx context.Context) (*domain.FxRate, error)
	LatestRateBefore(ctx context.Context, day time.Time) (*domain.FxRate, error)
	RatesBetween(ctx context.Context, start, end time.Time) ([]domain.FxRate, error)
	RecentRates(ctx context.Context, limit int) ([]domain.FxRate, error)
}

// RateSource fetches rates from external providers.
type RateSource interface {
	FetchRate(ctx context.Context) (*domain.FxRate, error)
	FetchHistorical(ctx context.Context, start, end time.Time) ([]domain.FxRate, error)
}

// RealtimeCache is the cached current-rate surface, satisfied by
// cache.ExchangeRealtime.
type RealtimeCache interface {
	Get(ctx context.Context) (*cache.FxQuote, error)
	Set(ctx context.Context, rate decimal.Decimal, source string) error
	Delete(ctx context.Context) error
}

// MinuteCache records per-minute rate samples, satisfied by
// cache.ExchangeMinute.
type MinuteCache interface {
	Add(ctx context.Context, rate decimal.Decimal, at time.Time) error
}

// RateQuote is the current-rate view served by the API.
type RateQuote struct {
	Rate          decimal.Decimal  `json:"rate"`
	Pair          string           `json:"currency_pair"`
	Source        string           `json:"source"`
	UpdatedAt     time.Time        `json:"updated_at"`
	Change        *decimal.Decimal `json:"change,omitempty"`
	ChangePercent *decimal.Decimal `json:"change_percent,omitempty"`
}

// RateRow is one stored rate with its day-over-day change.
type RateRow struct {
	ID            int64            `json:"id"`
	Pair          string           `json:"currency_pair"`
	Rate          decimal.Decimal  `json:"rate"`
	RateDate      string           `json:"rate_date"`
	Source        string           `json:"source"`
	Change        *decimal.Decimal `json:"change,omitempty"`
	ChangePercent *decimal.Decimal `json:"change_percent,omitempty"`
}

// Conversion is the result of a currency conversion.
type Conversion struct {
	OriginalAmount    decimal.Decimal `json:"original_amount"`
	OriginalCurrency  string          `json:"original_currency"`
	ConvertedAmount   decimal.Decimal `json:"converted_amount"`
	ConvertedCurrency string          `json:"converted_currency"`
	ExchangeRate      decimal.Decimal `json:"exchange_rate"`
	RateDate          string          `json:"rate_date"`
}

// ServiceConfig wires the exchange service dependencies.
type ServiceConfig struct {
	Store    Store
	Source   RateSource
	Realtime RealtimeCache
	Minute   MinuteCache
	Log      zerolog.Logger
	Now      func() time.Time
}

// Service answers USD/KRW rate lookups, keeps the rate history synced,
// and converts amounts between the two currencies.
type Service struct {
	store    Store
	source   RateSource
	realtime RealtimeCache
	minute   MinuteCache
	log      zerolog.Logger
	now      func() time.Time
}

// NewService creates the exchange service.
func NewService(cfg ServiceConfig) *Service {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Service{
		store:    cfg.Store,
		source:   cfg.Source,
		realtime: cfg.Realtime,
		minute:   cfg.Minute,
		log:      cfg.Log.With().Str("service", "exchange").Logger(),
		now:      now,
	}
}

// CurrentRate returns the current USD/KRW rate. Unless force is set it
// serves from cache first. A fresh fetch is cached, sampled into the
// per-minute series, and persisted. When every provider fails it falls
// back to the cached rate, then the newest stored one.
func (s *Service) CurrentRate(ctx context.Context, force bool) (*RateQuote, error) {
	if !force {
		cached, err := s.realtime.Get(ctx)
		if err != nil {
			s.log.Warn().Err(err).Msg("rate cache read failed")
		} else if cached != nil {
			return quoteFromCache(cached), nil
		}
	}

	fetched, fetchErr := s.source.FetchRate(ctx)
	if fetchErr == nil {
		s.storeCurrent(ctx, fetched)
		return &RateQuote{
			Rate:      fetched.Rate,
			Pair:      domain.CurrencyPair,
			Source:    fetched.Source,
			UpdatedAt: s.now(),
		}, nil
	}

	s.log.Warn().Err(fetchErr).Msg("rate providers exhausted, using fallbacks")

	if cached, err := s.realtime.Get(ctx); err == nil && cached != nil {
		return quoteFromCache(cached), nil
	}

	last, err := s.store.LatestRate(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrFxUnavailable, fetchErr)
	}
	return &RateQuote{
		Rate:      last.Rate,
		Pair:      last.Pair,
		Source:    last.Source,
		UpdatedAt: last.RateDate,
	}, nil
}

// CurrentRateWithChange returns the current rate annotated with the
// change against the newest stored rate from an earlier day. Both
// change fields stay nil when no earlier rate exists.
func (s *Service) CurrentRateWithChange(ctx context.Context, force bool) (*RateQuote, error) {
	quote, err := s.CurrentRate(ctx, force)
	if err != nil {
		return nil, err
	}

	prev, err := s.store.LatestRateBefore(ctx, s.now())
	if err != nil {
		if !errors.Is(err, domain.ErrNotFound) {
			s.log.Warn().Err(err).Msg("previous rate lookup failed")
		}
		return quote, nil
	}
	if prev.Rate.IsZero() {
		return quote, nil
	}

	change := quote.Rate.Sub(prev.Rate).Round(4)
	pct := change.Div(prev.Rate).Mul(decimal.NewFromInt(100)).Round(4)
	quote.Change = &change
	quote.ChangePercent = &pct
	return quote, nil
}

// HistoricalRates resolves a rate for every day in [start, end] it can.
// A day without its own fixing reuses the closest earlier one up to
// maxCarryForward days back, never a later one. Days that stay
// unresolved are simply absent from the map. When the widened window
// has no stored rows at all it fetches the range from the providers,
// persists it, and re-reads.
func (s *Service) HistoricalRates(ctx context.Context, start, end time.Time) (map[string]decimal.Decimal, error) {
	startDay := dayOf(start)
	endDay := dayOf(end)
	if startDay.After(endDay) {
		return map[string]decimal.Decimal{}, nil
	}

	widened := startDay.AddDate(0, 0, -maxCarryForward)
	rows, err := s.store.RatesBetween(ctx, widened, endDay)
	if err != nil {
		return nil, err
	}

	if len(rows) == 0 {
		fetched, ferr := s.source.FetchHistorical(ctx, widened, endDay)
		if ferr != nil {
			s.log.Warn().Err(ferr).Msg("historical rate fetch failed")
		} else if len(fetched) > 0 {
			if uerr := s.store.UpsertRates(ctx, fetched); uerr != nil {
				return nil, uerr
			}
			rows, err = s.store.RatesBetween(ctx, widened, endDay)
			if err != nil {
				return nil, err
			}
		}
	}

	byDate := make(map[string]decimal.Decimal, len(rows))
	for _, row := range rows {
		byDate[domain.DateOnly(row.RateDate)] = row.Rate
	}

	resolved := make(map[string]decimal.Decimal)
	for day := startDay; !day.After(endDay); day = day.AddDate(0, 0, 1) {
		for back := 0; back <= maxCarryForward; back++ {
			key := domain.DateOnly(day.AddDate(0, 0, -back))
			if rate, ok := byDate[key]; ok {
				resolved[domain.DateOnly(day)] = rate
				break
			}
		}
	}
	return resolved, nil
}

// CachedRate returns the cached current rate without contacting any
// provider, or nil when nothing is cached.
func (s *Service) CachedRate(ctx context.Context) *RateQuote {
	cached, err := s.realtime.Get(ctx)
	if err != nil {
		s.log.Warn().Err(err).Msg("rate cache read failed")
		return nil
	}
	if cached == nil {
		return nil
	}
	return quoteFromCache(cached)
}

// SyncCurrentRate fetches the current rate, persists it, and refreshes
// the cache. Used by the scheduler's once-a-day sync and the admin
// endpoint, which reports the stored rate back.
func (s *Service) SyncCurrentRate(ctx context.Context) (*domain.FxRate, error) {
	fetched, err := s.source.FetchRate(ctx)
	if err != nil {
		return nil, fmt.Errorf("sync current rate: %w", err)
	}
	if err := s.store.UpsertRate(ctx, *fetched); err != nil {
		return nil, err
	}
	if err := s.realtime.Set(ctx, fetched.Rate, fetched.Source); err != nil {
		s.log.Warn().Err(err).Msg("cache current rate failed")
	}
	s.log.Info().Str("rate", fetched.Rate.String()).Str("source", fetched.Source).Msg("current rate synced")
	return fetched, nil
}

// SyncHistoricalRates backfills the last N days of fixings and returns
// how many dated rates were stored.
func (s *Service) SyncHistoricalRates(ctx context.Context, days int) (int, error) {
	if days < 1 {
		days = 1
	}
	end := dayOf(s.now())
	start := end.AddDate(0, 0, -days)

	fetched, err := s.source.FetchHistorical(ctx, start, end)
	if err != nil {
		return 0, fmt.Errorf("sync historical rates: %w", err)
	}
	if len(fetched) == 0 {
		return 0, nil
	}
	if err := s.store.UpsertRates(ctx, fetched); err != nil {
		return 0, err
	}
	s.log.Info().Int("count", len(fetched)).Msg("historical rates synced")
	return len(fetched), nil
}

// RateHistory returns up to `days` stored rates, newest first, each
// annotated with the change against the next older row.
func (s *Service) RateHistory(ctx context.Context, days int) ([]RateRow, error) {
	if days < 1 {
		days = 1
	}
	rows, err := s.store.RecentRates(ctx, days)
	if err != nil {
		return nil, err
	}

	out := make([]RateRow, 0, len(rows))
	for i, row := range rows {
		item := RateRow{
			ID:       row.ID,
			Pair:     row.Pair,
			Rate:     row.Rate,
			RateDate: domain.DateOnly(row.RateDate),
			Source:   row.Source,
		}
		if i+1 < len(rows) && !rows[i+1].Rate.IsZero() {
			prev := rows[i+1].Rate
			change := row.Rate.Sub(prev).Round(4)
			pct := change.Div(prev).Mul(decimal.NewFromInt(100)).Round(4)
			item.Change = &change
			item.ChangePercent = &pct
		}
		out = append(out, item)
	}
	return out, nil
}

// Convert changes an amount between USD and KRW at the current rate.
func (s *Service) Convert(ctx context.Context, amount decimal.Decimal, from, to string) (*Conversion, error) {
	from = strings.ToUpper(strings.TrimSpace(from))
	to = strings.ToUpper(strings.TrimSpace(to))

	usdToKrw := from == "USD" && to == "KRW"
	krwToUsd := from == "KRW" && to == "USD"
	if !usdToKrw && !krwToUsd {
		return nil, fmt.Errorf("%w: %s to %s", ErrUnsupportedPair, from, to)
	}

	quote, err := s.CurrentRate(ctx, false)
	if err != nil {
		return nil, err
	}

	var converted decimal.Decimal
	if usdToKrw {
		converted = amount.Mul(quote.Rate).Round(4)
	} else {
		converted = amount.Div(quote.Rate).Round(4)
	}

	return &Conversion{
		OriginalAmount:    amount,
		OriginalCurrency:  from,
		ConvertedAmount:   converted,
		ConvertedCurrency: to,
		ExchangeRate:      quote.Rate,
		RateDate:          domain.DateOnly(quote.UpdatedAt),
	}, nil
}

// ClearCache drops the cached current rate.
func (s *Service) ClearCache(ctx context.Context) error {
	return s.realtime.Delete(ctx)
}

func (s *Service) storeCurrent(ctx context.Context, rate *domain.FxRate) {
	if err := s.realtime.Set(ctx, rate.Rate, rate.Source); err != nil {
		s.log.Warn().Err(err).Msg("cache current rate failed")
	}
	if err := s.minute.Add(ctx, rate.Rate, s.now()); err != nil {
		s.log.Warn().Err(err).Msg("record minute rate failed")
	}
	if err := s.store.UpsertRate(ctx, *rate); err != nil {
		s.log.Warn().Err(err).Msg("persist current rate failed")
	}
}

func quoteFromCache(rec *cache.FxQuote) *RateQuote {
	return &RateQuote{
		Rate:      rec.Rate,
		Pair:      rec.Pair,
		Source:    rec.Source,
		UpdatedAt: rec.UpdatedAt,
	}
}

func dayOf(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
}
