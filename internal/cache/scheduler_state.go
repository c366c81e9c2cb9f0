package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

const (
	schedulerHistoryCap = 100
	batchHistoryCap     = 30
	batchStateTTL       = 7 * 24 * time.Hour
)

// RunRecord is one realtime-refresh tick outcome.
type RunRecord struct {
	ID            string    `json:"id"`
	RunAt         time.Time `json:"run_at"`
	DurationMs    int64     `json:"duration_ms"`
	StocksUpdated int       `json:"stocks_updated"`
	Success       bool      `json:"success"`
	Error         string    `json:"error,omitempty"`
}

// SchedulerStateRecord is the singleton realtime-job state.
type SchedulerStateRecord struct {
	IsRunning       bool      `json:"is_running"`
	LastRunAt       time.Time `json:"last_run_at"`
	StocksUpdated   int       `json:"stocks_updated"`
	ExchangeUpdated bool      `json:"exchange_updated"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// SchedulerState stores the realtime job's singleton state plus a capped
// run history (100 entries) under krxusd:scheduler:*.
type SchedulerState struct {
	c     *Cache
	clock func() time.Time
}

// NewSchedulerState builds the scheduler bookkeeping helper.
func NewSchedulerState(c *Cache) *SchedulerState {
	return &SchedulerState{c: c, clock: time.Now}
}

func (s *SchedulerState) stateKey() string   { return Key("scheduler", "state") }
func (s *SchedulerState) historyKey() string { return Key("scheduler", "history") }

// SetState overwrites the singleton state.
func (s *SchedulerState) SetState(ctx context.Context, rec SchedulerStateRecord) error {
	rec.UpdatedAt = s.clock()
	return s.c.SetJSON(ctx, s.stateKey(), rec, 0)
}

// GetState returns the singleton state, or nil when absent.
func (s *SchedulerState) GetState(ctx context.Context) (*SchedulerStateRecord, error) {
	var rec SchedulerStateRecord
	ok, err := s.c.GetJSON(ctx, s.stateKey(), &rec)
	if err != nil || !ok {
		return nil, err
	}
	return &rec, nil
}

// AppendRun prepends a run record, keeping the newest 100.
func (s *SchedulerState) AppendRun(ctx context.Context, rec RunRecord) error {
	return s.c.PushCapped(ctx, s.historyKey(), rec, schedulerHistoryCap, 0)
}

// RecentRuns returns up to n run records, newest first.
func (s *SchedulerState) RecentRuns(ctx context.Context, n int64) ([]RunRecord, error) {
	entries, err := s.c.ListRange(ctx, s.historyKey(), 0, n-1)
	if err != nil {
		return nil, err
	}
	records := make([]RunRecord, 0, len(entries))
	for _, e := range entries {
		var rec RunRecord
		if err := json.Unmarshal([]byte(e), &rec); err != nil {
			return nil, fmt.Errorf("decode run record: %w", err)
		}
		records = append(records, rec)
	}
	return records, nil
}

// Batch job states.
const (
	BatchRunning   = "running"
	BatchCompleted = "completed"
	BatchFailed    = "failed"
)

// BatchFailure is one per-symbol failure inside a batch run.
type BatchFailure struct {
	Symbol      string `json:"symbol"`
	SyncCase    string `json:"sync_case"`
	SyncedCount int    `json:"synced_count"`
	Message     string `json:"message"`
}

// BatchStateRecord describes one daily-batch run.
type BatchStateRecord struct {
	ID         string         `json:"id"`
	Status     string         `json:"status"`
	TargetDate string         `json:"target_date"`
	Attempt    int            `json:"attempt"`
	StartedAt  time.Time      `json:"started_at"`
	FinishedAt *time.Time     `json:"finished_at,omitempty"`
	Total      int            `json:"total"`
	Completed  int            `json:"completed"`
	Synced     int            `json:"synced"`
	Failed     int            `json:"failed"`
	Error      string         `json:"error,omitempty"`
	Failures   []BatchFailure `json:"failures,omitempty"`
}

// BatchState stores the daily batch's singleton state plus a capped history
// (30 entries, 7 day TTL) under krxusd:batch:*.
type BatchState struct {
	c *Cache
}

// NewBatchState builds the batch bookkeeping helper.
func NewBatchState(c *Cache) *BatchState {
	return &BatchState{c: c}
}

func (b *BatchState) stateKey() string   { return Key("batch", "state") }
func (b *BatchState) historyKey() string { return Key("batch", "history") }

// Set overwrites the singleton batch state.
func (b *BatchState) Set(ctx context.Context, rec BatchStateRecord) error {
	return b.c.SetJSON(ctx, b.stateKey(), rec, batchStateTTL)
}

// Get returns the singleton batch state, or nil when absent.
func (b *BatchState) Get(ctx context.Context) (*BatchStateRecord, error) {
	var rec BatchStateRecord
	ok, err := b.c.GetJSON(ctx, b.stateKey(), &rec)
	if err != nil || !ok {
		return nil, err
	}
	return &rec, nil
}

// AppendHistory prepends a finished run, keeping the newest 30.
func (b *BatchState) AppendHistory(ctx context.Context, rec BatchStateRecord) error {
	return b.c.PushCapped(ctx, b.historyKey(), rec, batchHistoryCap, batchStateTTL)
}

// History returns up to n finished runs, newest first.
func (b *BatchState) History(ctx context.Context, n int64) ([]BatchStateRecord, error) {
	entries, err := b.c.ListRange(ctx, b.historyKey(), 0, n-1)
	if err != nil {
		return nil, err
	}
	records := make([]BatchStateRecord, 0, len(entries))
	for _, e := range entries {
		var rec BatchStateRecord
		if err := json.Unmarshal([]byte(e), &rec); err != nil {
			return nil, fmt.Errorf("decode batch record: %w", err)
		}
		records = append(records, rec)
	}
	return records, nil
}
