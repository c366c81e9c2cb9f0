package cache

import (
	"context"
	"time"

	"github.com/krxusd/marketd/internal/market"
)

const marketStatusTTL = 60 * time.Second

// MarketSnapshot is the cached market-phase record served to readers and
// refreshed by every scheduler tick.
type MarketSnapshot struct {
	market.Info
	UpdatedAt time.Time `json:"updated_at"`
}

// MarketStatus caches the market phase under krxusd:market:status.
type MarketStatus struct {
	c     *Cache
	clock func() time.Time
}

// NewMarketStatus builds the market-status helper.
func NewMarketStatus(c *Cache) *MarketStatus {
	return &MarketStatus{c: c, clock: time.Now}
}

func (m *MarketStatus) key() string {
	return Key("market", "status")
}

// Get returns the cached snapshot, or nil when absent.
func (m *MarketStatus) Get(ctx context.Context) (*MarketSnapshot, error) {
	var rec MarketSnapshot
	ok, err := m.c.GetJSON(ctx, m.key(), &rec)
	if err != nil || !ok {
		return nil, err
	}
	return &rec, nil
}

// Set writes the snapshot with the 60 second TTL.
func (m *MarketStatus) Set(ctx context.Context, info market.Info) error {
	rec := MarketSnapshot{Info: info, UpdatedAt: m.clock()}
	return m.c.SetJSON(ctx, m.key(), rec, marketStatusTTL)
}
