package cache

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/krxusd/marketd/internal/domain"
)

const (
	exchangeRealtimeTTL = 60 * time.Second
)

// FxQuote is the cached current USD/KRW rate.
type FxQuote struct {
	Rate      decimal.Decimal `json:"rate"`
	Pair      string          `json:"currency_pair"`
	Source    string          `json:"source"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// ExchangeRealtime caches the current rate under krxusd:exchange:realtime
// with a 60 second TTL, matching the refresh cadence.
type ExchangeRealtime struct {
	c     *Cache
	clock func() time.Time
}

// NewExchangeRealtime builds the current-rate helper.
func NewExchangeRealtime(c *Cache) *ExchangeRealtime {
	return &ExchangeRealtime{c: c, clock: time.Now}
}

func (e *ExchangeRealtime) key() string {
	return Key("exchange", "realtime")
}

// Get returns the cached rate, or nil when absent.
func (e *ExchangeRealtime) Get(ctx context.Context) (*FxQuote, error) {
	var rec FxQuote
	ok, err := e.c.GetJSON(ctx, e.key(), &rec)
	if err != nil || !ok {
		return nil, err
	}
	return &rec, nil
}

// Set stamps UpdatedAt and writes the rate.
func (e *ExchangeRealtime) Set(ctx context.Context, rate decimal.Decimal, source string) error {
	rec := FxQuote{
		Rate:      rate,
		Pair:      domain.CurrencyPair,
		Source:    source,
		UpdatedAt: e.clock(),
	}
	return e.c.SetJSON(ctx, e.key(), rec, exchangeRealtimeTTL)
}

// Delete drops the cached rate.
func (e *ExchangeRealtime) Delete(ctx context.Context) error {
	return e.c.Delete(ctx, e.key())
}

// FxSample is one per-minute rate observation.
type FxSample struct {
	Rate      decimal.Decimal `json:"rate"`
	Timestamp time.Time       `json:"timestamp"`
}

// ExchangeMinute keeps per-day rate samples as sorted sets under
// krxusd:exchange:minute:{YYYY-MM-DD}, scored by unix seconds.
type ExchangeMinute struct {
	c *Cache
}

// NewExchangeMinute builds the per-minute rate helper.
func NewExchangeMinute(c *Cache) *ExchangeMinute {
	return &ExchangeMinute{c: c}
}

func (e *ExchangeMinute) key(day time.Time) string {
	return Key("exchange", "minute", domain.DateOnly(day))
}

// Add appends a sample to the day's series and refreshes its 24h TTL.
func (e *ExchangeMinute) Add(ctx context.Context, rate decimal.Decimal, at time.Time) error {
	sample := FxSample{Rate: rate, Timestamp: at}
	return e.c.ZAddJSON(ctx, e.key(at), float64(at.Unix()), sample, minuteSeriesTTL)
}
