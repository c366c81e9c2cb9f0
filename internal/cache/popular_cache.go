package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/krxusd/marketd/internal/domain"
)

// Ranking types served from the popular cache. market_cap is cache-only;
// the persisted rankings cover the other four.
var popularRankingTypes = []domain.RankingType{
	domain.RankVolume,
	domain.RankValue,
	domain.RankGain,
	domain.RankLoss,
	domain.RankMarketCap,
}

// PopularRecord is one cached ranking with its refresh stamp.
type PopularRecord struct {
	Stocks    []domain.PopularStock `json:"stocks"`
	UpdatedAt time.Time             `json:"updated_at"`
}

// Popular caches ranking snapshots under krxusd:popular:{ranking_type}.
// The TTL tracks the configured popular refresh interval (default 300s).
type Popular struct {
	c     *Cache
	ttl   time.Duration
	clock func() time.Time
}

// NewPopular builds the popular-ranking helper.
func NewPopular(c *Cache, ttl time.Duration) *Popular {
	if ttl <= 0 {
		ttl = 300 * time.Second
	}
	return &Popular{c: c, ttl: ttl, clock: time.Now}
}

func (p *Popular) key(rt domain.RankingType) (string, error) {
	for _, known := range popularRankingTypes {
		if rt == known {
			return Key("popular", string(rt)), nil
		}
	}
	return "", fmt.Errorf("invalid ranking type: %s", rt)
}

// Get returns one ranking, or nil when absent.
func (p *Popular) Get(ctx context.Context, rt domain.RankingType) (*PopularRecord, error) {
	key, err := p.key(rt)
	if err != nil {
		return nil, err
	}
	var rec PopularRecord
	ok, err := p.c.GetJSON(ctx, key, &rec)
	if err != nil || !ok {
		return nil, err
	}
	return &rec, nil
}

// Set writes one ranking snapshot.
func (p *Popular) Set(ctx context.Context, rt domain.RankingType, stocks []domain.PopularStock) error {
	key, err := p.key(rt)
	if err != nil {
		return err
	}
	rec := PopularRecord{Stocks: stocks, UpdatedAt: p.clock()}
	return p.c.SetJSON(ctx, key, rec, p.ttl)
}

// GetAll returns every ranking type, absent ones as nil.
func (p *Popular) GetAll(ctx context.Context) (map[domain.RankingType]*PopularRecord, error) {
	out := make(map[domain.RankingType]*PopularRecord, len(popularRankingTypes))
	for _, rt := range popularRankingTypes {
		rec, err := p.Get(ctx, rt)
		if err != nil {
			return nil, err
		}
		out[rt] = rec
	}
	return out, nil
}
