package cache

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// ActiveSymbols tracks recently-viewed symbols in the sorted set
// krxusd:active:symbols, scored by last-touch unix seconds. A member is
// active while now - score <= ttl; purge evicts the rest.
type ActiveSymbols struct {
	c     *Cache
	ttl   time.Duration
	clock func() time.Time
}

// NewActiveSymbols builds the tracker with the configured TTL (default 180s).
func NewActiveSymbols(c *Cache, ttl time.Duration) *ActiveSymbols {
	if ttl <= 0 {
		ttl = 180 * time.Second
	}
	return &ActiveSymbols{c: c, ttl: ttl, clock: time.Now}
}

func (a *ActiveSymbols) key() string {
	return Key("active", "symbols")
}

func (a *ActiveSymbols) threshold() int64 {
	return a.clock().Unix() - int64(a.ttl.Seconds())
}

// Touch marks a symbol as just viewed, upserting its score to now.
func (a *ActiveSymbols) Touch(ctx context.Context, symbol string) error {
	symbol = strings.ToUpper(symbol)
	return a.c.ZAddMember(ctx, a.key(), float64(a.clock().Unix()), symbol)
}

// Active returns symbols touched within the TTL, oldest first.
func (a *ActiveSymbols) Active(ctx context.Context) ([]string, error) {
	min := fmt.Sprintf("%d", a.threshold())
	return a.c.ZRangeByScore(ctx, a.key(), min, "+inf")
}

// Purge removes symbols whose last touch predates the TTL window and
// returns how many were evicted. Idempotent.
func (a *ActiveSymbols) Purge(ctx context.Context) (int64, error) {
	max := fmt.Sprintf("(%d", a.threshold())
	return a.c.ZRemRangeByScore(ctx, a.key(), "-inf", max)
}

// IsActive reports whether the symbol was touched within the TTL window.
func (a *ActiveSymbols) IsActive(ctx context.Context, symbol string) (bool, error) {
	symbol = strings.ToUpper(symbol)
	score, ok, err := a.c.ZScore(ctx, a.key(), symbol)
	if err != nil || !ok {
		return false, err
	}
	return int64(score) >= a.threshold(), nil
}

// Remove drops a symbol from the set regardless of its score.
func (a *ActiveSymbols) Remove(ctx context.Context, symbol string) error {
	return a.c.ZRem(ctx, a.key(), strings.ToUpper(symbol))
}

// Count returns how many symbols are currently active.
func (a *ActiveSymbols) Count(ctx context.Context) (int64, error) {
	min := fmt.Sprintf("%d", a.threshold())
	return a.c.ZCount(ctx, a.key(), min, "+inf")
}
