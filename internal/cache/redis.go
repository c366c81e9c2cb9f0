package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// All keys live under this namespace.
const keyPrefix = "krxusd"

// Key joins parts into a namespaced cache key.
func Key(parts ...string) string {
	return keyPrefix + ":" + strings.Join(parts, ":")
}

// Cache wraps the redis client with the encoding policy shared by every
// namespace helper: JSON values, decimals as strings, TTL set at write time.
// A missing key is absent, never an error.
type Cache struct {
	rdb *redis.Client
	log zerolog.Logger
}

// New connects to redis using a redis:// URL.
func New(redisURL string, log zerolog.Logger) (*Cache, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parsing redis url: %w", err)
	}
	return FromClient(redis.NewClient(opts), log), nil
}

// FromClient wraps an existing client (tests use redismock here).
func FromClient(rdb *redis.Client, log zerolog.Logger) *Cache {
	return &Cache{
		rdb: rdb,
		log: log.With().Str("component", "cache").Logger(),
	}
}

// Ping verifies connectivity.
func (c *Cache) Ping(ctx context.Context) error {
	if err := c.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}
	return nil
}

// Close releases the underlying connection pool.
func (c *Cache) Close() error {
	return c.rdb.Close()
}

// GetJSON reads key into dest. Returns false when the key is absent.
func (c *Cache) GetJSON(ctx context.Context, key string, dest any) (bool, error) {
	raw, err := c.rdb.Get(ctx, key).Result()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("get %s: %w", key, err)
	}
	if err := json.Unmarshal([]byte(raw), dest); err != nil {
		return false, fmt.Errorf("decode %s: %w", key, err)
	}
	return true, nil
}

// SetJSON writes value under key. Freshness-bound writes pass a positive
// ttl; bookkeeping singletons pass 0 to persist.
func (c *Cache) SetJSON(ctx context.Context, key string, value any, ttl time.Duration) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	if err := c.rdb.Set(ctx, key, raw, ttl).Err(); err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}
	return nil
}

// MGetRaw returns the raw JSON for each present key.
func (c *Cache) MGetRaw(ctx context.Context, keys ...string) (map[string]string, error) {
	if len(keys) == 0 {
		return map[string]string{}, nil
	}
	values, err := c.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("mget: %w", err)
	}
	out := make(map[string]string, len(keys))
	for i, v := range values {
		if v == nil {
			continue
		}
		if s, ok := v.(string); ok {
			out[keys[i]] = s
		}
	}
	return out, nil
}

// MSetJSON pipelines SETs with a shared TTL.
func (c *Cache) MSetJSON(ctx context.Context, entries map[string]any, ttl time.Duration) error {
	if len(entries) == 0 {
		return nil
	}
	pipe := c.rdb.Pipeline()
	for key, value := range entries {
		raw, err := json.Marshal(value)
		if err != nil {
			return fmt.Errorf("encode %s: %w", key, err)
		}
		pipe.Set(ctx, key, raw, ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("mset: %w", err)
	}
	return nil
}

// Delete removes keys.
func (c *Cache) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	if err := c.rdb.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("del: %w", err)
	}
	return nil
}

// DeletePattern scans for keys matching pattern and removes them. Returns
// the number of keys deleted.
func (c *Cache) DeletePattern(ctx context.Context, pattern string) (int, error) {
	iter := c.rdb.Scan(ctx, 0, pattern, 100).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return 0, fmt.Errorf("scan %s: %w", pattern, err)
	}
	if len(keys) == 0 {
		return 0, nil
	}
	if err := c.rdb.Del(ctx, keys...).Err(); err != nil {
		return 0, fmt.Errorf("del %s: %w", pattern, err)
	}
	return len(keys), nil
}

// ZAddJSON adds a JSON-encoded member with the given score, refreshing the
// set's TTL when ttl is positive.
func (c *Cache) ZAddJSON(ctx context.Context, key string, score float64, member any, ttl time.Duration) error {
	raw, err := json.Marshal(member)
	if err != nil {
		return fmt.Errorf("encode %s member: %w", key, err)
	}
	pipe := c.rdb.Pipeline()
	pipe.ZAdd(ctx, key, redis.Z{Score: score, Member: string(raw)})
	if ttl > 0 {
		pipe.Expire(ctx, key, ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("zadd %s: %w", key, err)
	}
	return nil
}

// ZAddMember adds a plain string member with the given score.
func (c *Cache) ZAddMember(ctx context.Context, key string, score float64, member string) error {
	if err := c.rdb.ZAdd(ctx, key, redis.Z{Score: score, Member: member}).Err(); err != nil {
		return fmt.Errorf("zadd %s: %w", key, err)
	}
	return nil
}

// ZRangeByScore returns members with scores in [min, max].
func (c *Cache) ZRangeByScore(ctx context.Context, key, min, max string) ([]string, error) {
	members, err := c.rdb.ZRangeByScore(ctx, key, &redis.ZRangeBy{Min: min, Max: max}).Result()
	if err != nil {
		return nil, fmt.Errorf("zrangebyscore %s: %w", key, err)
	}
	return members, nil
}

// ZRemRangeByScore removes members with scores in the given range and
// returns how many were removed.
func (c *Cache) ZRemRangeByScore(ctx context.Context, key, min, max string) (int64, error) {
	removed, err := c.rdb.ZRemRangeByScore(ctx, key, min, max).Result()
	if err != nil {
		return 0, fmt.Errorf("zremrangebyscore %s: %w", key, err)
	}
	return removed, nil
}

// ZScore returns a member's score, with absent reported as ok=false.
func (c *Cache) ZScore(ctx context.Context, key, member string) (float64, bool, error) {
	score, err := c.rdb.ZScore(ctx, key, member).Result()
	if err == redis.Nil {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("zscore %s: %w", key, err)
	}
	return score, true, nil
}

// ZRem removes a member.
func (c *Cache) ZRem(ctx context.Context, key, member string) error {
	if err := c.rdb.ZRem(ctx, key, member).Err(); err != nil {
		return fmt.Errorf("zrem %s: %w", key, err)
	}
	return nil
}

// ZCount counts members with scores in [min, max].
func (c *Cache) ZCount(ctx context.Context, key, min, max string) (int64, error) {
	n, err := c.rdb.ZCount(ctx, key, min, max).Result()
	if err != nil {
		return 0, fmt.Errorf("zcount %s: %w", key, err)
	}
	return n, nil
}

// PushCapped prepends a JSON entry to a list and trims it to limit entries,
// refreshing the list TTL when ttl is positive.
func (c *Cache) PushCapped(ctx context.Context, key string, value any, limit int64, ttl time.Duration) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode %s entry: %w", key, err)
	}
	pipe := c.rdb.Pipeline()
	pipe.LPush(ctx, key, raw)
	pipe.LTrim(ctx, key, 0, limit-1)
	if ttl > 0 {
		pipe.Expire(ctx, key, ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("push %s: %w", key, err)
	}
	return nil
}

// ListRange returns raw JSON entries from a list.
func (c *Cache) ListRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	entries, err := c.rdb.LRange(ctx, key, start, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("lrange %s: %w", key, err)
	}
	return entries, nil
}
