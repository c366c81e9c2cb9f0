package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/krxusd/marketd/internal/domain"
)

const (
	stockRealtimeTTL = 120 * time.Second
	minuteSeriesTTL  = 24 * time.Hour
)

// RealtimePrice is the cached realtime quote record. Decimals serialize as
// strings; USD fields are present only when an exchange rate was available
// at write time.
type RealtimePrice struct {
	Symbol        string           `json:"symbol"`
	Name          string           `json:"name,omitempty"`
	Open          decimal.Decimal  `json:"open"`
	High          decimal.Decimal  `json:"high"`
	Low           decimal.Decimal  `json:"low"`
	Close         decimal.Decimal  `json:"close"`
	Volume        int64            `json:"volume"`
	Change        decimal.Decimal  `json:"change"`
	ChangePercent decimal.Decimal  `json:"change_percent"`
	PriceDate     string           `json:"price_date"`
	ExchangeRate  *decimal.Decimal `json:"exchange_rate,omitempty"`
	ClosePriceUSD *decimal.Decimal `json:"close_price_usd,omitempty"`
	Source        string           `json:"source"`
	UpdatedAt     time.Time        `json:"updated_at"`
}

// StockRealtime caches per-symbol realtime quotes under
// krxusd:stock:realtime:{SYMBOL} with a 120 second TTL.
type StockRealtime struct {
	c     *Cache
	clock func() time.Time
}

// NewStockRealtime builds the realtime-quote helper.
func NewStockRealtime(c *Cache) *StockRealtime {
	return &StockRealtime{c: c, clock: time.Now}
}

func (s *StockRealtime) key(symbol string) string {
	return Key("stock", "realtime", strings.ToUpper(symbol))
}

// Get returns the cached quote, or nil when absent.
func (s *StockRealtime) Get(ctx context.Context, symbol string) (*RealtimePrice, error) {
	var rec RealtimePrice
	ok, err := s.c.GetJSON(ctx, s.key(symbol), &rec)
	if err != nil || !ok {
		return nil, err
	}
	return &rec, nil
}

// Set stamps UpdatedAt and writes the quote with the realtime TTL.
func (s *StockRealtime) Set(ctx context.Context, symbol string, rec *RealtimePrice) error {
	rec.UpdatedAt = s.clock()
	return s.c.SetJSON(ctx, s.key(symbol), rec, stockRealtimeTTL)
}

// MGet returns cached quotes for each symbol; missing symbols map to nil.
func (s *StockRealtime) MGet(ctx context.Context, symbols []string) (map[string]*RealtimePrice, error) {
	keys := make([]string, len(symbols))
	for i, sym := range symbols {
		keys[i] = s.key(sym)
	}
	raw, err := s.c.MGetRaw(ctx, keys...)
	if err != nil {
		return nil, err
	}
	out := make(map[string]*RealtimePrice, len(symbols))
	for i, sym := range symbols {
		out[strings.ToUpper(sym)] = nil
		encoded, ok := raw[keys[i]]
		if !ok {
			continue
		}
		var rec RealtimePrice
		if err := json.Unmarshal([]byte(encoded), &rec); err != nil {
			return nil, fmt.Errorf("decode %s: %w", keys[i], err)
		}
		out[strings.ToUpper(sym)] = &rec
	}
	return out, nil
}

// MSet stamps and writes multiple quotes in one pipeline.
func (s *StockRealtime) MSet(ctx context.Context, quotes map[string]*RealtimePrice) error {
	if len(quotes) == 0 {
		return nil
	}
	now := s.clock()
	entries := make(map[string]any, len(quotes))
	for sym, rec := range quotes {
		if rec == nil {
			continue
		}
		rec.UpdatedAt = now
		entries[s.key(sym)] = rec
	}
	return s.c.MSetJSON(ctx, entries, stockRealtimeTTL)
}

// Delete drops one symbol's cached quote.
func (s *StockRealtime) Delete(ctx context.Context, symbol string) error {
	return s.c.Delete(ctx, s.key(symbol))
}

// DeleteAll drops every cached realtime quote and reports how many.
func (s *StockRealtime) DeleteAll(ctx context.Context) (int, error) {
	return s.c.DeletePattern(ctx, Key("stock", "realtime", "*"))
}

// MinuteSample is one intraday observation in a daily minute series.
type MinuteSample struct {
	Close     decimal.Decimal `json:"close"`
	Volume    int64           `json:"volume"`
	Timestamp time.Time       `json:"timestamp"`
}

// StockMinute keeps per-symbol, per-day minute series as sorted sets under
// krxusd:stock:minute:{SYMBOL}:{YYYY-MM-DD}, scored by unix seconds.
type StockMinute struct {
	c *Cache
}

// NewStockMinute builds the minute-series helper.
func NewStockMinute(c *Cache) *StockMinute {
	return &StockMinute{c: c}
}

func (s *StockMinute) key(symbol string, day time.Time) string {
	return Key("stock", "minute", strings.ToUpper(symbol), domain.DateOnly(day))
}

// Add appends a sample to the day's series and refreshes its 24h TTL.
func (s *StockMinute) Add(ctx context.Context, symbol string, sample MinuteSample) error {
	key := s.key(symbol, sample.Timestamp)
	return s.c.ZAddJSON(ctx, key, float64(sample.Timestamp.Unix()), sample, minuteSeriesTTL)
}

// Range returns samples within [from, to] for the given day.
func (s *StockMinute) Range(ctx context.Context, symbol string, day time.Time, from, to time.Time) ([]MinuteSample, error) {
	key := s.key(symbol, day)
	min, max := "-inf", "+inf"
	if !from.IsZero() {
		min = fmt.Sprintf("%d", from.Unix())
	}
	if !to.IsZero() {
		max = fmt.Sprintf("%d", to.Unix())
	}
	members, err := s.c.ZRangeByScore(ctx, key, min, max)
	if err != nil {
		return nil, err
	}
	samples := make([]MinuteSample, 0, len(members))
	for _, m := range members {
		var sample MinuteSample
		if err := json.Unmarshal([]byte(m), &sample); err != nil {
			return nil, fmt.Errorf("decode %s member: %w", key, err)
		}
		samples = append(samples, sample)
	}
	return samples, nil
}
