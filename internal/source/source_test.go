package source

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/krxusd/marketd/internal/domain"
)

// fakeAdapter scripts per-operation outcomes and records call counts.
type fakeAdapter struct {
	name      string
	quote     *domain.RealtimeQuote
	bars      []domain.DailyBar
	masters   []domain.StockMaster
	top       []string
	err       error
	calls     int
	dailyErr  error
	masterErr error
}

func (f *fakeAdapter) Name() string { return f.name }

func (f *fakeAdapter) FetchRealtime(ctx context.Context, symbol string) (*domain.RealtimeQuote, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.quote, nil
}

func (f *fakeAdapter) FetchDaily(ctx context.Context, symbol string, start, end time.Time) ([]domain.DailyBar, error) {
	f.calls++
	if f.dailyErr != nil {
		return nil, f.dailyErr
	}
	return f.bars, nil
}

func (f *fakeAdapter) ListMaster(ctx context.Context, market domain.Market) ([]domain.StockMaster, error) {
	f.calls++
	if f.masterErr != nil {
		return nil, f.masterErr
	}
	return f.masters, nil
}

func (f *fakeAdapter) TopByMarcap(ctx context.Context, n int) ([]string, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.top, nil
}

func (f *fakeAdapter) TopByVolume(ctx context.Context, n int) ([]string, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.top, nil
}

func quoteFor(symbol, source string) *domain.RealtimeQuote {
	return &domain.RealtimeQuote{
		Symbol: symbol,
		Close:  decimal.NewFromInt(71000),
		Source: source,
	}
}

func TestCompositeFirstSuccessWins(t *testing.T) {
	primary := &fakeAdapter{name: "krxdata", quote: quoteFor("005930", "krxdata")}
	backup := &fakeAdapter{name: "yahoo", quote: quoteFor("005930", "yahoo")}
	c := NewComposite([]Adapter{primary, backup}, zerolog.Nop())

	quote, err := c.FetchRealtime(context.Background(), "005930")
	require.NoError(t, err)
	assert.Equal(t, "krxdata", quote.Source)
	assert.Equal(t, 1, primary.calls)
	assert.Equal(t, 0, backup.calls, "backup must not be consulted on primary success")
}

func TestCompositeFallbackOrder(t *testing.T) {
	primary := &fakeAdapter{name: "krxdata", err: errors.New("portal down")}
	backup := &fakeAdapter{name: "yahoo", quote: quoteFor("005930", "yahoo")}
	c := NewComposite([]Adapter{primary, backup}, zerolog.Nop())

	quote, err := c.FetchRealtime(context.Background(), "005930")
	require.NoError(t, err)
	assert.Equal(t, "yahoo", quote.Source)
	assert.Equal(t, 1, primary.calls)
	assert.Equal(t, 1, backup.calls)
}

func TestCompositeRealtimeExhaustedReasons(t *testing.T) {
	primary := &fakeAdapter{name: "krxdata", err: errors.New("portal down")}
	backup := &fakeAdapter{name: "yahoo", err: errors.New("rate limited")}
	c := NewComposite([]Adapter{primary, backup}, zerolog.Nop())

	_, err := c.FetchRealtime(context.Background(), "005930")
	require.Error(t, err)

	var exhausted *domain.SourceExhaustedError
	require.True(t, errors.As(err, &exhausted))
	assert.Equal(t, "fetch_realtime", exhausted.Op)
	assert.Equal(t, "005930", exhausted.Symbol)
	require.Len(t, exhausted.Reasons, 2)
	assert.Equal(t, "krxdata", exhausted.Reasons[0].Adapter)
	assert.Equal(t, "yahoo", exhausted.Reasons[1].Adapter)
	assert.Contains(t, err.Error(), "portal down")
	assert.Contains(t, err.Error(), "rate limited")
}

func TestCompositeDailyAllFailIsEmptyNotError(t *testing.T) {
	primary := &fakeAdapter{name: "krxdata", dailyErr: errors.New("portal down")}
	backup := &fakeAdapter{name: "yahoo", dailyErr: errors.New("rate limited")}
	c := NewComposite([]Adapter{primary, backup}, zerolog.Nop())

	bars, err := c.FetchDaily(context.Background(), "005930", time.Now().AddDate(0, 0, -7), time.Now())
	require.NoError(t, err)
	assert.Empty(t, bars)
}

func TestCompositeListMasterSkipsNotSupported(t *testing.T) {
	primary := &fakeAdapter{name: "yahoo", masterErr: domain.ErrNotSupported}
	backup := &fakeAdapter{name: "krxdata", masters: []domain.StockMaster{{Symbol: "005930", Name: "삼성전자"}}}
	c := NewComposite([]Adapter{primary, backup}, zerolog.Nop())

	masters, err := c.ListMaster(context.Background(), domain.MarketKOSPI)
	require.NoError(t, err)
	require.Len(t, masters, 1)
	assert.Equal(t, "005930", masters[0].Symbol)
}

func TestCompositeBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	failing := &fakeAdapter{name: "krxdata", err: errors.New("portal down")}
	c := NewComposite([]Adapter{failing}, zerolog.Nop())

	for i := 0; i < 5; i++ {
		_, err := c.FetchRealtime(context.Background(), "005930")
		require.Error(t, err)
	}
	callsBeforeOpen := failing.calls

	_, err := c.FetchRealtime(context.Background(), "005930")
	require.Error(t, err)
	assert.Equal(t, callsBeforeOpen, failing.calls, "open breaker must not call the adapter")

	var exhausted *domain.SourceExhaustedError
	require.True(t, errors.As(err, &exhausted))
	assert.Contains(t, exhausted.Reasons[0].Err.Error(), "open")
}

// fakeFxAdapter scripts FX outcomes.
type fakeFxAdapter struct {
	name    string
	rate    *domain.FxRate
	rates   []domain.FxRate
	err     error
	histErr error
	calls   int
}

func (f *fakeFxAdapter) Name() string { return f.name }

func (f *fakeFxAdapter) FetchRate(ctx context.Context) (*domain.FxRate, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.rate, nil
}

func (f *fakeFxAdapter) FetchHistorical(ctx context.Context, start, end time.Time) ([]domain.FxRate, error) {
	f.calls++
	if f.histErr != nil {
		return nil, f.histErr
	}
	return f.rates, nil
}

func TestFxCompositeFallsBackToOfficialTable(t *testing.T) {
	rate := decimal.RequireFromString("1383.50")
	primary := &fakeFxAdapter{name: "yahoo", err: errors.New("chart down")}
	backup := &fakeFxAdapter{name: "eximbank", rate: &domain.FxRate{Rate: rate, Pair: domain.CurrencyPair, Source: "eximbank"}}
	c := NewFxComposite([]FxAdapter{primary, backup}, zerolog.Nop())

	got, err := c.FetchRate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "eximbank", got.Source)
	assert.True(t, got.Rate.Equal(rate))
}

func TestFxCompositeHistoricalSkipsUnsupported(t *testing.T) {
	day := time.Date(2025, 3, 3, 0, 0, 0, 0, time.UTC)
	official := &fakeFxAdapter{name: "eximbank", histErr: domain.ErrNotSupported}
	chart := &fakeFxAdapter{name: "yahoo", rates: []domain.FxRate{
		{Rate: decimal.RequireFromString("1380.12"), Pair: domain.CurrencyPair, RateDate: day, Source: "yahoo"},
	}}
	c := NewFxComposite([]FxAdapter{official, chart}, zerolog.Nop())

	rates, err := c.FetchHistorical(context.Background(), day.AddDate(0, 0, -5), day)
	require.NoError(t, err)
	require.Len(t, rates, 1)
	assert.Equal(t, "yahoo", rates[0].Source)
}

func TestFxCompositeExhausted(t *testing.T) {
	primary := &fakeFxAdapter{name: "yahoo", err: errors.New("chart down")}
	backup := &fakeFxAdapter{name: "eximbank", err: errors.New("table missing")}
	c := NewFxComposite([]FxAdapter{primary, backup}, zerolog.Nop())

	_, err := c.FetchRate(context.Background())
	var exhausted *domain.SourceExhaustedError
	require.True(t, errors.As(err, &exhausted))
	assert.Equal(t, "fetch_fx_rate", exhausted.Op)
	assert.Len(t, exhausted.Reasons, 2)
}
