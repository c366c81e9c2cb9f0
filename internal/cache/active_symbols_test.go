package cache

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const activeKey = "krxusd:active:symbols"

func TestTouchUpsertsScoreToNow(t *testing.T) {
	c, mock := newMockCache(t)
	tracker := NewActiveSymbols(c, 180*time.Second)
	tracker.clock = fixedClock(1700000000)

	mock.ExpectZAdd(activeKey, redis.Z{Score: 1700000000, Member: "000660"}).SetVal(1)

	require.NoError(t, tracker.Touch(context.Background(), "000660"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTouchUppercasesSymbols(t *testing.T) {
	c, mock := newMockCache(t)
	tracker := NewActiveSymbols(c, 180*time.Second)
	tracker.clock = fixedClock(1700000000)

	mock.ExpectZAdd(activeKey, redis.Z{Score: 1700000000, Member: "00104K"}).SetVal(1)

	require.NoError(t, tracker.Touch(context.Background(), "00104k"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestActiveWindowBoundaries(t *testing.T) {
	// Touched at t0: still active at t0+179s, gone at t0+181s.
	tests := []struct {
		name    string
		nowUnix int64
		wantMin string
		members []string
		want    []string
	}{
		{
			name:    "inside the window",
			nowUnix: 1700000179,
			wantMin: "1699999999",
			members: []string{"000660"},
			want:    []string{"000660"},
		},
		{
			name:    "outside the window",
			nowUnix: 1700000181,
			wantMin: "1700000001",
			members: []string{},
			want:    []string{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, mock := newMockCache(t)
			tracker := NewActiveSymbols(c, 180*time.Second)
			tracker.clock = fixedClock(tt.nowUnix)

			mock.ExpectZRangeByScore(activeKey, &redis.ZRangeBy{
				Min: tt.wantMin,
				Max: "+inf",
			}).SetVal(tt.members)

			got, err := tracker.Active(context.Background())
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestPurgeRemovesOnlyExpiredMembers(t *testing.T) {
	c, mock := newMockCache(t)
	tracker := NewActiveSymbols(c, 180*time.Second)
	tracker.clock = fixedClock(1700000181)

	// Strictly-less-than bound: a member touched exactly TTL ago survives.
	mock.ExpectZRemRangeByScore(activeKey, "-inf", "(1700000001").SetVal(1)

	removed, err := tracker.Purge(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), removed)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPurgeIsIdempotent(t *testing.T) {
	c, mock := newMockCache(t)
	tracker := NewActiveSymbols(c, 180*time.Second)
	tracker.clock = fixedClock(1700000181)

	mock.ExpectZRemRangeByScore(activeKey, "-inf", "(1700000001").SetVal(1)
	mock.ExpectZRemRangeByScore(activeKey, "-inf", "(1700000001").SetVal(0)

	_, err := tracker.Purge(context.Background())
	require.NoError(t, err)
	removed, err := tracker.Purge(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(0), removed)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestIsActiveComparesScoreAgainstWindow(t *testing.T) {
	tests := []struct {
		name    string
		nowUnix int64
		score   float64
		found   bool
		want    bool
	}{
		{name: "fresh touch", nowUnix: 1700000179, score: 1700000000, found: true, want: true},
		{name: "stale touch", nowUnix: 1700000181, score: 1700000000, found: true, want: false},
		{name: "unknown symbol", nowUnix: 1700000181, found: false, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, mock := newMockCache(t)
			tracker := NewActiveSymbols(c, 180*time.Second)
			tracker.clock = fixedClock(tt.nowUnix)

			if tt.found {
				mock.ExpectZScore(activeKey, "000660").SetVal(tt.score)
			} else {
				mock.ExpectZScore(activeKey, "000660").RedisNil()
			}

			got, err := tracker.IsActive(context.Background(), "000660")
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestCountUsesActiveWindow(t *testing.T) {
	c, mock := newMockCache(t)
	tracker := NewActiveSymbols(c, 180*time.Second)
	tracker.clock = fixedClock(1700000180)

	mock.ExpectZCount(activeKey, "1700000000", "+inf").SetVal(3)

	n, err := tracker.Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}
