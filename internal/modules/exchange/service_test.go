package exchange

import (
	"context"
	"errors"
	"sort"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/krxusd/marketd/internal/cache"
	"github.com/krxusd/marketd/internal/domain"
)

type fakeStore struct {
	rows    map[string]domain.FxRate
	upserts int
}

func newFakeStore(rows ...domain.FxRate) *fakeStore {
	m := make(map[string]domain.FxRate, len(rows))
	for _, r := range rows {
		m[domain.DateOnly(r.RateDate)] = r
	}
	return &fakeStore{rows: m}
}

func (f *fakeStore) UpsertRate(_ context.Context, rate domain.FxRate) error {
	f.rows[domain.DateOnly(rate.RateDate)] = rate
	f.upserts++
	return nil
}

func (f *fakeStore) UpsertRates(ctx context.Context, rates []domain.FxRate) error {
	for _, r := range rates {
		if err := f.UpsertRate(ctx, r); err != nil {
			return err
		}
	}
	return nil
}

func (f *fakeStore) sortedKeys() []string {
	keys := make([]string, 0, len(f.rows))
	for k := range f.rows {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (f *fakeStore) LatestRate(context.Context) (*domain.FxRate, error) {
	keys := f.sortedKeys()
	if len(keys) == 0 {
		return nil, domain.ErrNotFound
	}
	r := f.rows[keys[len(keys)-1]]
	return &r, nil
}

func (f *fakeStore) LatestRateBefore(_ context.Context, day time.Time) (*domain.FxRate, error) {
	cutoff := domain.DateOnly(day)
	keys := f.sortedKeys()
	for i := len(keys) - 1; i >= 0; i-- {
		if keys[i] < cutoff {
			r := f.rows[keys[i]]
			return &r, nil
		}
	}
	return nil, domain.ErrNotFound
}

func (f *fakeStore) RatesBetween(_ context.Context, start, end time.Time) ([]domain.FxRate, error) {
	lo, hi := domain.DateOnly(start), domain.DateOnly(end)
	var out []domain.FxRate
	for _, k := range f.sortedKeys() {
		if k >= lo && k <= hi {
			out = append(out, f.rows[k])
		}
	}
	return out, nil
}

func (f *fakeStore) RecentRates(_ context.Context, limit int) ([]domain.FxRate, error) {
	keys := f.sortedKeys()
	var out []domain.FxRate
	for i := len(keys) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, f.rows[keys[i]])
	}
	return out, nil
}

type fakeSource struct {
	rate       *domain.FxRate
	historical []domain.FxRate
	rateErr    error
	histErr    error
	rateCalls  int
	histCalls  int
}

func (f *fakeSource) FetchRate(context.Context) (*domain.FxRate, error) {
	f.rateCalls++
	if f.rateErr != nil {
		return nil, f.rateErr
	}
	r := *f.rate
	return &r, nil
}

func (f *fakeSource) FetchHistorical(context.Context, time.Time, time.Time) ([]domain.FxRate, error) {
	f.histCalls++
	if f.histErr != nil {
		return nil, f.histErr
	}
	return f.historical, nil
}

type fakeRealtime struct {
	quote   *cache.FxQuote
	getErr  error
	sets    int
	deletes int
}

func (f *fakeRealtime) Get(context.Context) (*cache.FxQuote, error) {
	if f.getErr != nil {
		return nil, f.getErr
	}
	return f.quote, nil
}

func (f *fakeRealtime) Set(_ context.Context, rate decimal.Decimal, source string) error {
	f.quote = &cache.FxQuote{Rate: rate, Pair: domain.CurrencyPair, Source: source, UpdatedAt: time.Now()}
	f.sets++
	return nil
}

func (f *fakeRealtime) Delete(context.Context) error {
	f.quote = nil
	f.deletes++
	return nil
}

type fakeMinute struct {
	samples []decimal.Decimal
}

func (f *fakeMinute) Add(_ context.Context, rate decimal.Decimal, _ time.Time) error {
	f.samples = append(f.samples, rate)
	return nil
}

func day(s string) time.Time {
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		panic(err)
	}
	return t
}

func fxRate(date, rate string) domain.FxRate {
	return domain.FxRate{
		Rate:     decimal.RequireFromString(rate),
		Pair:     domain.CurrencyPair,
		RateDate: day(date),
		Source:   "yahoo",
	}
}

func newTestService(store Store, source RateSource, rt RealtimeCache, min MinuteCache, now time.Time) *Service {
	return NewService(ServiceConfig{
		Store:    store,
		Source:   source,
		Realtime: rt,
		Minute:   min,
		Log:      zerolog.Nop(),
		Now:      func() time.Time { return now },
	})
}

func TestCurrentRateServesFromCache(t *testing.T) {
	cached := &cache.FxQuote{
		Rate:      decimal.RequireFromString("1350.25"),
		Pair:      domain.CurrencyPair,
		Source:    "yahoo",
		UpdatedAt: day("2025-01-08"),
	}
	source := &fakeSource{}
	svc := newTestService(newFakeStore(), source, &fakeRealtime{quote: cached}, &fakeMinute{}, day("2025-01-08"))

	quote, err := svc.CurrentRate(context.Background(), false)
	require.NoError(t, err)
	assert.True(t, quote.Rate.Equal(decimal.RequireFromString("1350.25")))
	assert.Equal(t, "yahoo", quote.Source)
	assert.Zero(t, source.rateCalls)
}

func TestCurrentRateForceFetchesAndStores(t *testing.T) {
	cached := &cache.FxQuote{Rate: decimal.RequireFromString("1350.25"), Pair: domain.CurrencyPair}
	rt := &fakeRealtime{quote: cached}
	min := &fakeMinute{}
	store := newFakeStore()
	fresh := fxRate("2025-01-08", "1352.5")
	source := &fakeSource{rate: &fresh}
	svc := newTestService(store, source, rt, min, day("2025-01-08"))

	quote, err := svc.CurrentRate(context.Background(), true)
	require.NoError(t, err)
	assert.True(t, quote.Rate.Equal(decimal.RequireFromString("1352.5")))
	assert.Equal(t, 1, source.rateCalls)
	assert.Equal(t, 1, rt.sets)
	assert.Len(t, min.samples, 1)
	assert.Equal(t, 1, store.upserts)
}

func TestCurrentRateFallsBackToCacheOnFetchFailure(t *testing.T) {
	cached := &cache.FxQuote{Rate: decimal.RequireFromString("1349.0"), Pair: domain.CurrencyPair, Source: "yahoo"}
	source := &fakeSource{rateErr: errors.New("providers down")}
	svc := newTestService(newFakeStore(), source, &fakeRealtime{quote: cached}, &fakeMinute{}, day("2025-01-08"))

	quote, err := svc.CurrentRate(context.Background(), true)
	require.NoError(t, err)
	assert.True(t, quote.Rate.Equal(decimal.RequireFromString("1349.0")))
}

func TestCurrentRateFallsBackToStoreOnFetchFailure(t *testing.T) {
	store := newFakeStore(fxRate("2025-01-07", "1348.75"))
	source := &fakeSource{rateErr: errors.New("providers down")}
	svc := newTestService(store, source, &fakeRealtime{}, &fakeMinute{}, day("2025-01-08"))

	quote, err := svc.CurrentRate(context.Background(), false)
	require.NoError(t, err)
	assert.True(t, quote.Rate.Equal(decimal.RequireFromString("1348.75")))
	assert.Equal(t, day("2025-01-07"), quote.UpdatedAt)
}

func TestCurrentRateUnavailableWhenAllFallbacksEmpty(t *testing.T) {
	source := &fakeSource{rateErr: errors.New("providers down")}
	svc := newTestService(newFakeStore(), source, &fakeRealtime{}, &fakeMinute{}, day("2025-01-08"))

	_, err := svc.CurrentRate(context.Background(), false)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrFxUnavailable)
}

func TestCurrentRateWithChange(t *testing.T) {
	store := newFakeStore(fxRate("2025-01-07", "1300"))
	fresh := fxRate("2025-01-08", "1305.5")
	source := &fakeSource{rate: &fresh}
	svc := newTestService(store, source, &fakeRealtime{}, &fakeMinute{}, day("2025-01-08"))

	quote, err := svc.CurrentRateWithChange(context.Background(), false)
	require.NoError(t, err)
	require.NotNil(t, quote.Change)
	require.NotNil(t, quote.ChangePercent)
	assert.True(t, quote.Change.Equal(decimal.RequireFromString("5.5")), "change was %s", quote.Change)
	assert.True(t, quote.ChangePercent.Equal(decimal.RequireFromString("0.4231")), "pct was %s", quote.ChangePercent)
}

func TestCurrentRateWithChangeNoPriorRate(t *testing.T) {
	fresh := fxRate("2025-01-08", "1305.5")
	source := &fakeSource{rate: &fresh}
	svc := newTestService(newFakeStore(), source, &fakeRealtime{}, &fakeMinute{}, day("2025-01-08"))

	quote, err := svc.CurrentRateWithChange(context.Background(), false)
	require.NoError(t, err)
	assert.Nil(t, quote.Change)
	assert.Nil(t, quote.ChangePercent)
}

func TestCurrentRateWithChangeIgnoresSameDayRow(t *testing.T) {
	// The row written by the fetch itself must not count as "previous".
	store := newFakeStore(fxRate("2025-01-08", "1305.5"))
	fresh := fxRate("2025-01-08", "1305.5")
	source := &fakeSource{rate: &fresh}
	svc := newTestService(store, source, &fakeRealtime{}, &fakeMinute{}, day("2025-01-08"))

	quote, err := svc.CurrentRateWithChange(context.Background(), false)
	require.NoError(t, err)
	assert.Nil(t, quote.Change)
}

func TestHistoricalRatesCarryForward(t *testing.T) {
	store := newFakeStore(
		fxRate("2025-01-03", "1300.5"),
		fxRate("2025-01-07", "1310"),
	)
	svc := newTestService(store, &fakeSource{}, &fakeRealtime{}, &fakeMinute{}, day("2025-01-08"))

	rates, err := svc.HistoricalRates(context.Background(), day("2025-01-03"), day("2025-01-07"))
	require.NoError(t, err)

	want := map[string]string{
		"2025-01-03": "1300.5",
		"2025-01-04": "1300.5",
		"2025-01-05": "1300.5",
		"2025-01-06": "1300.5",
		"2025-01-07": "1310",
	}
	require.Len(t, rates, len(want))
	for d, expect := range want {
		got, ok := rates[d]
		require.True(t, ok, "missing %s", d)
		assert.True(t, got.Equal(decimal.RequireFromString(expect)), "%s resolved to %s", d, got)
	}
}

func TestHistoricalRatesCarryForwardCapped(t *testing.T) {
	store := newFakeStore(fxRate("2025-01-01", "1290"))
	svc := newTestService(store, &fakeSource{histErr: errors.New("down")}, &fakeRealtime{}, &fakeMinute{}, day("2025-01-08"))

	rates, err := svc.HistoricalRates(context.Background(), day("2025-01-05"), day("2025-01-07"))
	require.NoError(t, err)

	// 2025-01-05 is four days after the fixing, still covered.
	assert.Contains(t, rates, "2025-01-05")
	// Beyond four days nothing resolves.
	assert.NotContains(t, rates, "2025-01-06")
	assert.NotContains(t, rates, "2025-01-07")
}

func TestHistoricalRatesNeverResolvesForward(t *testing.T) {
	store := newFakeStore(fxRate("2025-01-10", "1320"))
	svc := newTestService(store, &fakeSource{histErr: errors.New("down")}, &fakeRealtime{}, &fakeMinute{}, day("2025-01-12"))

	rates, err := svc.HistoricalRates(context.Background(), day("2025-01-06"), day("2025-01-08"))
	require.NoError(t, err)
	assert.Empty(t, rates)
}

func TestHistoricalRatesFetchesWhenRangeEmpty(t *testing.T) {
	store := newFakeStore()
	source := &fakeSource{historical: []domain.FxRate{
		fxRate("2025-01-06", "1307"),
		fxRate("2025-01-07", "1309"),
	}}
	svc := newTestService(store, source, &fakeRealtime{}, &fakeMinute{}, day("2025-01-08"))

	rates, err := svc.HistoricalRates(context.Background(), day("2025-01-06"), day("2025-01-07"))
	require.NoError(t, err)
	assert.Equal(t, 1, source.histCalls)
	assert.Equal(t, 2, store.upserts)
	assert.Len(t, rates, 2)
}

func TestSyncCurrentRatePersistsAndCaches(t *testing.T) {
	store := newFakeStore()
	rt := &fakeRealtime{}
	fresh := fxRate("2025-01-08", "1352.5")
	source := &fakeSource{rate: &fresh}
	svc := newTestService(store, source, rt, &fakeMinute{}, day("2025-01-08"))

	rate, err := svc.SyncCurrentRate(context.Background())
	require.NoError(t, err)
	assert.True(t, rate.Rate.Equal(decimal.RequireFromString("1352.5")))
	assert.Equal(t, 1, store.upserts)
	assert.Equal(t, 1, rt.sets)
}

func TestSyncCurrentRatePropagatesFetchError(t *testing.T) {
	source := &fakeSource{rateErr: errors.New("providers down")}
	svc := newTestService(newFakeStore(), source, &fakeRealtime{}, &fakeMinute{}, day("2025-01-08"))

	_, err := svc.SyncCurrentRate(context.Background())
	require.Error(t, err)
}

func TestSyncHistoricalRates(t *testing.T) {
	store := newFakeStore()
	source := &fakeSource{historical: []domain.FxRate{
		fxRate("2025-01-06", "1307"),
		fxRate("2025-01-07", "1309"),
		fxRate("2025-01-08", "1311"),
	}}
	svc := newTestService(store, source, &fakeRealtime{}, &fakeMinute{}, day("2025-01-08"))

	count, err := svc.SyncHistoricalRates(context.Background(), 7)
	require.NoError(t, err)
	assert.Equal(t, 3, count)
	assert.Equal(t, 3, store.upserts)
}

func TestRateHistoryComputesChanges(t *testing.T) {
	store := newFakeStore(
		fxRate("2025-01-06", "1300"),
		fxRate("2025-01-07", "1310"),
		fxRate("2025-01-08", "1305"),
	)
	svc := newTestService(store, &fakeSource{}, &fakeRealtime{}, &fakeMinute{}, day("2025-01-08"))

	rows, err := svc.RateHistory(context.Background(), 30)
	require.NoError(t, err)
	require.Len(t, rows, 3)

	assert.Equal(t, "2025-01-08", rows[0].RateDate)
	require.NotNil(t, rows[0].Change)
	assert.True(t, rows[0].Change.Equal(decimal.RequireFromString("-5")))

	assert.Equal(t, "2025-01-07", rows[1].RateDate)
	require.NotNil(t, rows[1].ChangePercent)
	assert.True(t, rows[1].ChangePercent.Equal(decimal.RequireFromString("0.7692")), "pct was %s", rows[1].ChangePercent)

	assert.Equal(t, "2025-01-06", rows[2].RateDate)
	assert.Nil(t, rows[2].Change)
	assert.Nil(t, rows[2].ChangePercent)
}

func TestConvertBothDirections(t *testing.T) {
	cached := &cache.FxQuote{Rate: decimal.RequireFromString("1300"), Pair: domain.CurrencyPair, Source: "yahoo", UpdatedAt: day("2025-01-08")}
	svc := newTestService(newFakeStore(), &fakeSource{}, &fakeRealtime{quote: cached}, &fakeMinute{}, day("2025-01-08"))

	usd, err := svc.Convert(context.Background(), decimal.RequireFromString("1300000"), "KRW", "USD")
	require.NoError(t, err)
	assert.True(t, usd.ConvertedAmount.Equal(decimal.RequireFromString("1000")), "got %s", usd.ConvertedAmount)
	assert.Equal(t, "KRW", usd.OriginalCurrency)
	assert.Equal(t, "USD", usd.ConvertedCurrency)

	krw, err := svc.Convert(context.Background(), decimal.RequireFromString("10.5"), "usd", "krw")
	require.NoError(t, err)
	assert.True(t, krw.ConvertedAmount.Equal(decimal.RequireFromString("13650")), "got %s", krw.ConvertedAmount)
}

func TestConvertRoundsToFourPlaces(t *testing.T) {
	cached := &cache.FxQuote{Rate: decimal.RequireFromString("1333"), Pair: domain.CurrencyPair, UpdatedAt: day("2025-01-08")}
	svc := newTestService(newFakeStore(), &fakeSource{}, &fakeRealtime{quote: cached}, &fakeMinute{}, day("2025-01-08"))

	conv, err := svc.Convert(context.Background(), decimal.RequireFromString("1000"), "KRW", "USD")
	require.NoError(t, err)
	assert.True(t, conv.ConvertedAmount.Equal(decimal.RequireFromString("0.7502")), "got %s", conv.ConvertedAmount)
}

func TestConvertRejectsUnsupportedPairs(t *testing.T) {
	svc := newTestService(newFakeStore(), &fakeSource{}, &fakeRealtime{}, &fakeMinute{}, day("2025-01-08"))

	for _, pair := range [][2]string{{"EUR", "KRW"}, {"USD", "JPY"}, {"USD", "USD"}, {"KRW", "KRW"}} {
		_, err := svc.Convert(context.Background(), decimal.NewFromInt(100), pair[0], pair[1])
		assert.ErrorIs(t, err, ErrUnsupportedPair, "%s to %s", pair[0], pair[1])
	}
}

func TestClearCache(t *testing.T) {
	rt := &fakeRealtime{quote: &cache.FxQuote{Rate: decimal.NewFromInt(1300)}}
	svc := newTestService(newFakeStore(), &fakeSource{}, rt, &fakeMinute{}, day("2025-01-08"))

	require.NoError(t, svc.ClearCache(context.Background()))
	assert.Equal(t, 1, rt.deletes)
	assert.Nil(t, rt.quote)
}
