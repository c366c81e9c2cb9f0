package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/krxusd/marketd/internal/cache"
	"github.com/krxusd/marketd/internal/config"
	"github.com/krxusd/marketd/internal/domain"
	"github.com/krxusd/marketd/internal/market"
	"github.com/krxusd/marketd/internal/scheduler"
)

type fakePinger struct{ err error }

func (f *fakePinger) Ping(context.Context) error { return f.err }

type fakeModule struct{ mounted bool }

func (f *fakeModule) RegisterRoutes(r chi.Router) {
	f.mounted = true
	r.Get("/fake", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
}

func newTestServer(t *testing.T, db, kv Pinger, modules ...Routable) *Server {
	t.Helper()
	return New(Config{
		Port:    0,
		Log:     zerolog.Nop(),
		DB:      db,
		Cache:   kv,
		DevMode: true,
		Modules: modules,
	})
}

func doRequest(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var rdr io.Reader
	if body != "" {
		rdr = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, rdr)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

func dataOf(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	body := decodeBody(t, rec)
	require.Contains(t, body, "metadata")
	data, ok := body["data"].(map[string]any)
	require.True(t, ok, "data must be an object: %s", rec.Body.String())
	return data
}

func TestHealth(t *testing.T) {
	s := newTestServer(t, &fakePinger{}, &fakePinger{})

	rec := doRequest(t, s.router, http.MethodGet, "/health", "")

	require.Equal(t, http.StatusOK, rec.Code)
	data := dataOf(t, rec)
	assert.Equal(t, "healthy", data["status"])
	assert.Equal(t, "marketd", data["service"])
}

func TestReady(t *testing.T) {
	s := newTestServer(t, &fakePinger{}, &fakePinger{})

	rec := doRequest(t, s.router, http.MethodGet, "/health/ready", "")

	require.Equal(t, http.StatusOK, rec.Code)
	data := dataOf(t, rec)
	assert.Equal(t, "ready", data["status"])
}

func TestReadyDegraded(t *testing.T) {
	s := newTestServer(t, &fakePinger{}, &fakePinger{err: errors.New("redis down")})

	rec := doRequest(t, s.router, http.MethodGet, "/health/ready", "")

	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	data := dataOf(t, rec)
	assert.Equal(t, "unavailable", data["status"])

	checks, ok := data["checks"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "ok", checks["postgres"])
	assert.Contains(t, checks["redis"], "redis down")
}

func TestSystemStatus(t *testing.T) {
	s := newTestServer(t, &fakePinger{}, &fakePinger{})

	rec := doRequest(t, s.router, http.MethodGet, "/api/system/status", "")

	require.Equal(t, http.StatusOK, rec.Code)
	data := dataOf(t, rec)
	assert.Equal(t, "running", data["status"])
	assert.Contains(t, data, "goroutines")
	assert.Contains(t, data, "memory")
}

func TestModuleRoutesMountUnderAPI(t *testing.T) {
	mod := &fakeModule{}
	s := newTestServer(t, &fakePinger{}, &fakePinger{}, mod)

	rec := doRequest(t, s.router, http.MethodGet, "/api/fake", "")

	require.Equal(t, http.StatusNoContent, rec.Code)
	assert.True(t, mod.mounted)
}

type fakeRunner struct {
	jobs    []scheduler.JobInfo
	running bool
	runs    []string
	runErr  error
}

func (f *fakeRunner) Jobs() []scheduler.JobInfo { return f.jobs }
func (f *fakeRunner) Running() bool             { return f.running }
func (f *fakeRunner) RunNow(name string) error {
	if f.runErr != nil {
		return f.runErr
	}
	f.runs = append(f.runs, name)
	return nil
}

type fakeRunHistory struct {
	state *cache.SchedulerStateRecord
	runs  []cache.RunRecord
	err   error
}

func (f *fakeRunHistory) GetState(context.Context) (*cache.SchedulerStateRecord, error) {
	return f.state, f.err
}

func (f *fakeRunHistory) RecentRuns(_ context.Context, n int64) ([]cache.RunRecord, error) {
	if f.err != nil {
		return nil, f.err
	}
	if int64(len(f.runs)) > n {
		return f.runs[:n], nil
	}
	return f.runs, nil
}

type fakeBatchHistory struct {
	state   *cache.BatchStateRecord
	history []cache.BatchStateRecord
}

func (f *fakeBatchHistory) Get(context.Context) (*cache.BatchStateRecord, error) {
	return f.state, nil
}

func (f *fakeBatchHistory) History(context.Context, int64) ([]cache.BatchStateRecord, error) {
	return f.history, nil
}

type fakeRegistry struct {
	touched []string
	removed []string
	active  []string
	err     error
}

func (f *fakeRegistry) Touch(_ context.Context, symbol string) error {
	if f.err != nil {
		return f.err
	}
	f.touched = append(f.touched, symbol)
	return nil
}

func (f *fakeRegistry) Remove(_ context.Context, symbol string) error {
	f.removed = append(f.removed, symbol)
	return nil
}

func (f *fakeRegistry) Active(context.Context) ([]string, error) {
	return f.active, nil
}

func (f *fakeRegistry) Count(context.Context) (int64, error) {
	return int64(len(f.active)), nil
}

type fakePhase struct {
	snap *cache.MarketSnapshot
	err  error
}

func (f *fakePhase) Get(context.Context) (*cache.MarketSnapshot, error) {
	return f.snap, f.err
}

type fakeWarmer struct {
	calls []string
	err   error
}

func (f *fakeWarmer) RealtimePrice(_ context.Context, symbol string, _ bool) (*cache.RealtimePrice, error) {
	f.calls = append(f.calls, symbol)
	if f.err != nil {
		return nil, f.err
	}
	return &cache.RealtimePrice{Symbol: symbol}, nil
}

type schedulerFixture struct {
	router   *chi.Mux
	runner   *fakeRunner
	runs     *fakeRunHistory
	batch    *fakeBatchHistory
	registry *fakeRegistry
	phase    *fakePhase
	warmer   *fakeWarmer
}

// newSchedulerFixture wires the handler against a real calendar frozen
// at the given KST wall-clock time.
func newSchedulerFixture(t *testing.T, at string) *schedulerFixture {
	t.Helper()

	loc, err := time.LoadLocation("Asia/Seoul")
	require.NoError(t, err)
	fixed, err := time.ParseInLocation("2006-01-02 15:04", at, loc)
	require.NoError(t, err)

	cal, err := market.New(market.Config{Clock: func() time.Time { return fixed }})
	require.NoError(t, err)

	f := &schedulerFixture{
		runner:   &fakeRunner{running: true},
		runs:     &fakeRunHistory{},
		batch:    &fakeBatchHistory{},
		registry: &fakeRegistry{},
		phase:    &fakePhase{},
		warmer:   &fakeWarmer{},
	}
	handler := NewSchedulerHandler(SchedulerHandlerConfig{
		Log:      zerolog.Nop(),
		Sched:    f.runner,
		Runs:     f.runs,
		Batch:    f.batch,
		Registry: f.registry,
		Phase:    f.phase,
		Calendar: cal,
		Quotes:   f.warmer,
		Config: config.SchedulerConfig{
			Enabled:             true,
			RealtimeIntervalSec: 60,
			PopularIntervalSec:  300,
			MaxBatchSize:        20,
			ActiveSymbolTTLSec:  180,
			DailyBatchHour:      16,
			DailyBatchMinute:    0,
		},
	})
	f.router = chi.NewRouter()
	handler.RegisterRoutes(f.router)
	return f
}

func TestSchedulerStatus(t *testing.T) {
	f := newSchedulerFixture(t, "2025-01-08 10:00")
	f.runner.jobs = []scheduler.JobInfo{{Name: "realtime_refresh"}, {Name: "daily_batch"}}
	f.runs.state = &cache.SchedulerStateRecord{StocksUpdated: 3}
	f.registry.active = []string{"005930", "000660"}

	rec := doRequest(t, f.router, http.MethodGet, "/scheduler/status", "")

	require.Equal(t, http.StatusOK, rec.Code)
	data := dataOf(t, rec)
	assert.Equal(t, true, data["enabled"])
	assert.Equal(t, true, data["running"])
	assert.Equal(t, true, data["is_trading_time"])
	assert.EqualValues(t, 2, data["active_symbols_count"])

	jobs, ok := data["jobs"].([]any)
	require.True(t, ok)
	require.Len(t, jobs, 2)
	first, ok := jobs[0].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "realtime_refresh", first["name"])

	state, ok := data["state"].(map[string]any)
	require.True(t, ok)
	assert.EqualValues(t, 3, state["stocks_updated"])

	cfg, ok := data["config"].(map[string]any)
	require.True(t, ok)
	assert.EqualValues(t, 60, cfg["realtime_interval_seconds"])
	assert.EqualValues(t, 16, cfg["daily_batch_hour"])
}

func TestSchedulerStatusDegradesOnCacheErrors(t *testing.T) {
	f := newSchedulerFixture(t, "2025-01-11 10:00")
	f.runs.err = errors.New("redis down")

	rec := doRequest(t, f.router, http.MethodGet, "/scheduler/status", "")

	require.Equal(t, http.StatusOK, rec.Code)
	data := dataOf(t, rec)
	assert.Nil(t, data["state"])
	assert.Nil(t, data["recent_history"])
	assert.Equal(t, false, data["is_trading_time"])
}

func TestMarketStatusPrefersCachedSnapshot(t *testing.T) {
	f := newSchedulerFixture(t, "2025-01-08 10:00")
	f.phase.snap = &cache.MarketSnapshot{
		Info:      market.Info{Phase: market.PhaseClosed, Message: "cached"},
		UpdatedAt: time.Now(),
	}

	rec := doRequest(t, f.router, http.MethodGet, "/scheduler/market-status", "")

	require.Equal(t, http.StatusOK, rec.Code)
	data := dataOf(t, rec)
	assert.Equal(t, string(market.PhaseClosed), data["status"])
	assert.Equal(t, "cached", data["message"])
}

func TestMarketStatusFallsBackToLive(t *testing.T) {
	f := newSchedulerFixture(t, "2025-01-08 10:00")

	rec := doRequest(t, f.router, http.MethodGet, "/scheduler/market-status", "")

	require.Equal(t, http.StatusOK, rec.Code)
	data := dataOf(t, rec)
	assert.Equal(t, string(market.PhaseOpen), data["status"])
	assert.Equal(t, true, data["is_trading_time"])
}

func TestTriggerJobAliases(t *testing.T) {
	f := newSchedulerFixture(t, "2025-01-08 10:00")

	rec := doRequest(t, f.router, http.MethodPost, "/scheduler/trigger", `{"job":"realtime"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doRequest(t, f.router, http.MethodPost, "/scheduler/trigger", `{"job":"daily_batch"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	assert.Equal(t, []string{"realtime_refresh", "daily_batch"}, f.runner.runs)

	data := dataOf(t, rec)
	assert.Equal(t, "daily_batch", data["triggered"])
	assert.Contains(t, data, "timestamp")
}

func TestTriggerUnknownJob(t *testing.T) {
	f := newSchedulerFixture(t, "2025-01-08 10:00")

	rec := doRequest(t, f.router, http.MethodPost, "/scheduler/trigger", `{"job":"optimizer"}`)

	require.Equal(t, http.StatusBadRequest, rec.Code)
	body := decodeBody(t, rec)
	errObj, ok := body["error"].(map[string]any)
	require.True(t, ok)
	assert.Contains(t, errObj["message"], "unknown job")
	assert.Empty(t, f.runner.runs)
}

func TestRegisterSymbolNormalizes(t *testing.T) {
	f := newSchedulerFixture(t, "2025-01-08 10:00")

	rec := doRequest(t, f.router, http.MethodPost, "/scheduler/symbols/register", `{"symbol":" 005930 "}`)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"005930"}, f.registry.touched)
	data := dataOf(t, rec)
	assert.Equal(t, "005930", data["symbol"])
	assert.Equal(t, true, data["registered"])
}

func TestRegisterSymbolRequired(t *testing.T) {
	f := newSchedulerFixture(t, "2025-01-08 10:00")

	rec := doRequest(t, f.router, http.MethodPost, "/scheduler/symbols/register", `{"symbol":""}`)

	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Empty(t, f.registry.touched)
}

func TestUnregisterSymbol(t *testing.T) {
	f := newSchedulerFixture(t, "2025-01-08 10:00")

	rec := doRequest(t, f.router, http.MethodPost, "/scheduler/symbols/unregister", `{"symbol":"005930"}`)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"005930"}, f.registry.removed)
	data := dataOf(t, rec)
	assert.Equal(t, false, data["registered"])
}

func TestRefreshSymbolWarmsQuote(t *testing.T) {
	f := newSchedulerFixture(t, "2025-01-08 10:00")

	rec := doRequest(t, f.router, http.MethodPost, "/scheduler/symbols/refresh", `{"symbol":"005930"}`)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"005930"}, f.registry.touched)
	assert.Equal(t, []string{"005930"}, f.warmer.calls)
}

func TestRefreshSymbolSourceDown(t *testing.T) {
	f := newSchedulerFixture(t, "2025-01-08 10:00")
	f.warmer.err = &domain.SourceExhaustedError{
		Op:      "realtime",
		Symbol:  "005930",
		Reasons: []domain.AdapterError{{Adapter: "krx", Err: errors.New("timeout")}},
	}

	rec := doRequest(t, f.router, http.MethodPost, "/scheduler/symbols/refresh", `{"symbol":"005930"}`)

	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestActiveSymbols(t *testing.T) {
	f := newSchedulerFixture(t, "2025-01-08 10:00")
	f.registry.active = []string{"005930", "000660", "035420"}

	rec := doRequest(t, f.router, http.MethodGet, "/scheduler/symbols/active", "")

	require.Equal(t, http.StatusOK, rec.Code)
	data := dataOf(t, rec)
	assert.EqualValues(t, 3, data["count"])
	assert.Len(t, data["symbols"], 3)
}
