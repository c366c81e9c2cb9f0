package cache

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAppendRunCapsHistoryAtHundred(t *testing.T) {
	c, mock := newMockCache(t)
	state := NewSchedulerState(c)

	rec := RunRecord{
		ID:            "run-1",
		RunAt:         time.Unix(1742169600, 0).UTC(),
		DurationMs:    125,
		StocksUpdated: 7,
		Success:       true,
	}
	raw, err := json.Marshal(rec)
	require.NoError(t, err)

	mock.ExpectLPush("krxusd:scheduler:history", raw).SetVal(1)
	mock.ExpectLTrim("krxusd:scheduler:history", 0, 99).SetVal("OK")

	require.NoError(t, state.AppendRun(context.Background(), rec))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRecentRunsDecodesNewestFirst(t *testing.T) {
	c, mock := newMockCache(t)
	state := NewSchedulerState(c)

	newest := `{"id":"run-2","run_at":"2025-03-17T10:01:00Z","duration_ms":90,"stocks_updated":3,"success":true}`
	older := `{"id":"run-1","run_at":"2025-03-17T10:00:00Z","duration_ms":120,"stocks_updated":0,"success":false,"error":"fetch failed"}`
	mock.ExpectLRange("krxusd:scheduler:history", 0, 9).SetVal([]string{newest, older})

	runs, err := state.RecentRuns(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, "run-2", runs[0].ID)
	assert.True(t, runs[0].Success)
	assert.Equal(t, "fetch failed", runs[1].Error)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestBatchHistoryCapsAtThirtyWithTTL(t *testing.T) {
	c, mock := newMockCache(t)
	batch := NewBatchState(c)

	finished := time.Unix(1742200000, 0).UTC()
	rec := BatchStateRecord{
		ID:         "batch-1",
		Status:     BatchCompleted,
		TargetDate: "2025-03-17",
		Attempt:    1,
		StartedAt:  time.Unix(1742196400, 0).UTC(),
		FinishedAt: &finished,
		Total:      120,
		Completed:  120,
		Synced:     87,
	}
	raw, err := json.Marshal(rec)
	require.NoError(t, err)

	mock.ExpectLPush("krxusd:batch:history", raw).SetVal(1)
	mock.ExpectLTrim("krxusd:batch:history", 0, 29).SetVal("OK")
	mock.ExpectExpire("krxusd:batch:history", 7*24*time.Hour).SetVal(true)

	require.NoError(t, batch.AppendHistory(context.Background(), rec))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestBatchStateRoundTrip(t *testing.T) {
	c, mock := newMockCache(t)
	batch := NewBatchState(c)

	rec := BatchStateRecord{
		ID:         "batch-2",
		Status:     BatchRunning,
		TargetDate: "2025-03-17",
		Attempt:    1,
		StartedAt:  time.Unix(1742196400, 0).UTC(),
		Total:      120,
		Completed:  30,
		Failures: []BatchFailure{
			{Symbol: "123456", SyncCase: "failed", SyncedCount: 0, Message: "all sources failed"},
		},
	}
	raw, err := json.Marshal(rec)
	require.NoError(t, err)

	mock.ExpectSet("krxusd:batch:state", raw, 7*24*time.Hour).SetVal("OK")
	mock.ExpectGet("krxusd:batch:state").SetVal(string(raw))

	require.NoError(t, batch.Set(context.Background(), rec))
	got, err := batch.Get(context.Background())
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, BatchRunning, got.Status)
	require.Len(t, got.Failures, 1)
	assert.Equal(t, "failed", got.Failures[0].SyncCase)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSchedulerStateAbsentIsNil(t *testing.T) {
	c, mock := newMockCache(t)
	state := NewSchedulerState(c)

	mock.ExpectGet("krxusd:scheduler:state").RedisNil()

	got, err := state.GetState(context.Background())
	require.NoError(t, err)
	assert.Nil(t, got)
	assert.NoError(t, mock.ExpectationsWereMet())
}
