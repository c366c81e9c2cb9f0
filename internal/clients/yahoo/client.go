package yahoo

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"github.com/krxusd/marketd/internal/domain"
)

const (
	chartBaseURL = "https://query1.finance.yahoo.com/v8/finance/chart/"

	// Yahoo tickers for the USD/KRW spot rate. KRW=X is the primary
	// quoting, USDKRW=X the alias some regions get instead.
	fxSymbol    = "KRW=X"
	fxSymbolAlt = "USDKRW=X"

	maxRetries = 3
)

// Client is a Yahoo Finance chart API client. It serves KRX equities
// (suffixed listings) and the USD/KRW spot rate.
type Client struct {
	client  *http.Client
	limiter *rate.Limiter
	log     zerolog.Logger
}

// Config holds client construction options.
type Config struct {
	Timeout time.Duration
}

// NewClient creates a new Yahoo Finance client.
func NewClient(cfg Config, log zerolog.Logger) *Client {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		client:  &http.Client{Timeout: timeout},
		limiter: rate.NewLimiter(rate.Limit(5), 5),
		log:     log.With().Str("client", "yahoo").Logger(),
	}
}

// Name identifies this provider in composite fallbacks.
func (c *Client) Name() string { return "yahoo" }

// ListedSymbol converts a bare KRX code to Yahoo's suffixed listing.
// KOSPI and KONEX issues quote under .KS, KOSDAQ under .KQ.
func ListedSymbol(symbol string, market domain.Market) string {
	if strings.Contains(symbol, ".") {
		return symbol
	}
	if market == domain.MarketKOSDAQ {
		return symbol + ".KQ"
	}
	return symbol + ".KS"
}

// chart fetches one chart API response with retry and backoff.
func (c *Client) chart(ctx context.Context, symbol string, params url.Values) (*chartResult, error) {
	reqURL := chartBaseURL + url.PathEscape(symbol) + "?" + params.Encode()

	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		if attempt > 0 {
			wait := time.Duration(1<<uint(attempt-1)) * time.Second
			c.log.Warn().Err(lastErr).
				Str("symbol", symbol).
				Int("attempt", attempt+1).
				Dur("wait", wait).
				Msg("Chart fetch failed, retrying")
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(wait):
			}
		}

		result, err := c.chartOnce(ctx, reqURL)
		if err == nil {
			return result, nil
		}
		lastErr = err
	}
	return nil, fmt.Errorf("failed after %d attempts: %w", maxRetries, lastErr)
}

func (c *Client) chartOnce(ctx context.Context, reqURL string) (*chartResult, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limit wait: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	// Headers to mimic a browser; Yahoo rejects bare clients.
	req.Header.Set("User-Agent", "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36")
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch chart: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNotFound {
		return nil, fmt.Errorf("chart API returned status %d: %s", resp.StatusCode, string(body))
	}

	var result chartResponse
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}
	if result.Chart.Error != nil {
		return nil, fmt.Errorf("chart API error: %s (%s)", result.Chart.Error.Description, result.Chart.Error.Code)
	}
	if len(result.Chart.Result) == 0 {
		return nil, fmt.Errorf("no chart data returned")
	}
	return &result.Chart.Result[0], nil
}

// bars flattens a chart result into daily bars at the given decimal
// scale, skipping null rows. Yahoo pads missing sessions with zeros.
func bars(result *chartResult, source string, scale int32) []domain.DailyBar {
	if len(result.Indicators.Quote) == 0 {
		return nil
	}
	quote := result.Indicators.Quote[0]

	out := make([]domain.DailyBar, 0, len(result.Timestamp))
	for i, ts := range result.Timestamp {
		if i >= len(quote.Open) || i >= len(quote.High) || i >= len(quote.Low) || i >= len(quote.Close) {
			continue
		}
		if quote.Open[i] == 0 && quote.High[i] == 0 && quote.Low[i] == 0 && quote.Close[i] == 0 {
			continue
		}

		volume := int64(0)
		if i < len(quote.Volume) {
			volume = quote.Volume[i]
		}

		out = append(out, domain.DailyBar{
			Date:   time.Unix(ts, 0).UTC(),
			Open:   decimal.NewFromFloat(quote.Open[i]).Round(scale),
			High:   decimal.NewFromFloat(quote.High[i]).Round(scale),
			Low:    decimal.NewFromFloat(quote.Low[i]).Round(scale),
			Close:  decimal.NewFromFloat(quote.Close[i]).Round(scale),
			Volume: volume,
			Source: source,
		})
	}
	return out
}

// FetchRealtime fetches the latest quote for a bare KRX code. Tries the
// KOSPI listing first, then KOSDAQ.
func (c *Client) FetchRealtime(ctx context.Context, symbol string) (*domain.RealtimeQuote, error) {
	quote, ksErr := c.fetchRealtimeListed(ctx, ListedSymbol(symbol, domain.MarketKOSPI))
	if ksErr == nil {
		quote.Symbol = symbol
		return quote, nil
	}

	quote, kqErr := c.fetchRealtimeListed(ctx, ListedSymbol(symbol, domain.MarketKOSDAQ))
	if kqErr == nil {
		quote.Symbol = symbol
		return quote, nil
	}
	return nil, fmt.Errorf("no listing found for %s (KS: %v; KQ: %v)", symbol, ksErr, kqErr)
}

func (c *Client) fetchRealtimeListed(ctx context.Context, listed string) (*domain.RealtimeQuote, error) {
	params := url.Values{}
	params.Set("interval", "1d")
	params.Set("range", "5d")

	result, err := c.chart(ctx, listed, params)
	if err != nil {
		return nil, err
	}

	series := bars(result, c.Name(), 2)
	if len(series) == 0 {
		return nil, fmt.Errorf("no recent bars for %s", listed)
	}
	latest := series[len(series)-1]

	closePrice := latest.Close
	if result.Meta.RegularMarketPrice > 0 {
		closePrice = decimal.NewFromFloat(result.Meta.RegularMarketPrice).Round(2)
	}

	prevClose := decimal.Zero
	if len(series) > 1 {
		prevClose = series[len(series)-2].Close
	} else if result.Meta.ChartPreviousClose > 0 {
		prevClose = decimal.NewFromFloat(result.Meta.ChartPreviousClose).Round(2)
	}

	change := decimal.Zero
	changePct := decimal.Zero
	if !prevClose.IsZero() {
		change = closePrice.Sub(prevClose)
		changePct = change.Div(prevClose).Mul(decimal.NewFromInt(100)).Round(2)
	}

	return &domain.RealtimeQuote{
		Symbol:        listed,
		Open:          latest.Open,
		High:          latest.High,
		Low:           latest.Low,
		Close:         closePrice,
		Volume:        latest.Volume,
		Change:        change.Round(2),
		ChangePercent: changePct,
		PriceDate:     latest.Date,
		Source:        c.Name(),
	}, nil
}

// FetchDaily fetches settled daily bars for [start, end], ascending.
// Tries the KOSPI listing first, then KOSDAQ.
func (c *Client) FetchDaily(ctx context.Context, symbol string, start, end time.Time) ([]domain.DailyBar, error) {
	series, ksErr := c.fetchDailyListed(ctx, ListedSymbol(symbol, domain.MarketKOSPI), start, end)
	if ksErr == nil && len(series) > 0 {
		return series, nil
	}

	series, kqErr := c.fetchDailyListed(ctx, ListedSymbol(symbol, domain.MarketKOSDAQ), start, end)
	if kqErr == nil {
		return series, nil
	}
	if ksErr == nil {
		// KOSPI listing answered with an empty range; trust it.
		return nil, nil
	}
	return nil, fmt.Errorf("no listing found for %s (KS: %v; KQ: %v)", symbol, ksErr, kqErr)
}

func (c *Client) fetchDailyListed(ctx context.Context, listed string, start, end time.Time) ([]domain.DailyBar, error) {
	params := url.Values{}
	params.Set("interval", "1d")
	params.Set("period1", fmt.Sprintf("%d", start.Unix()))
	// period2 is exclusive; extend by a day so end itself is included.
	params.Set("period2", fmt.Sprintf("%d", end.AddDate(0, 0, 1).Unix()))

	result, err := c.chart(ctx, listed, params)
	if err != nil {
		return nil, err
	}

	series := bars(result, c.Name(), 2)
	c.log.Debug().
		Str("symbol", listed).
		Int("count", len(series)).
		Msg("Fetched daily bars")
	return series, nil
}

// ListMaster is not served by the chart API.
func (c *Client) ListMaster(ctx context.Context, market domain.Market) ([]domain.StockMaster, error) {
	return nil, fmt.Errorf("issue master: %w", domain.ErrNotSupported)
}

// TopByMarcap is not served by the chart API.
func (c *Client) TopByMarcap(ctx context.Context, n int) ([]string, error) {
	return nil, fmt.Errorf("market cap ranking: %w", domain.ErrNotSupported)
}

// TopByVolume is not served by the chart API.
func (c *Client) TopByVolume(ctx context.Context, n int) ([]string, error) {
	return nil, fmt.Errorf("volume ranking: %w", domain.ErrNotSupported)
}

// FetchRate fetches the current USD/KRW spot rate.
func (c *Client) FetchRate(ctx context.Context) (*domain.FxRate, error) {
	params := url.Values{}
	params.Set("interval", "1m")
	params.Set("range", "1d")

	result, err := c.chart(ctx, fxSymbol, params)
	if err != nil {
		result, err = c.chart(ctx, fxSymbolAlt, params)
		if err != nil {
			return nil, fmt.Errorf("failed to fetch USD/KRW rate: %w", err)
		}
	}

	if result.Meta.RegularMarketPrice <= 0 {
		return nil, fmt.Errorf("invalid USD/KRW rate %v", result.Meta.RegularMarketPrice)
	}

	at := time.Now()
	if result.Meta.RegularMarketTime > 0 {
		at = time.Unix(result.Meta.RegularMarketTime, 0)
	}

	return &domain.FxRate{
		Rate:     decimal.NewFromFloat(result.Meta.RegularMarketPrice).Round(4),
		Pair:     domain.CurrencyPair,
		RateDate: at,
		Source:   c.Name(),
	}, nil
}

// FetchHistorical fetches daily USD/KRW closes for [start, end],
// ascending, one row per quoted day at UTC midnight.
func (c *Client) FetchHistorical(ctx context.Context, start, end time.Time) ([]domain.FxRate, error) {
	params := url.Values{}
	params.Set("interval", "1d")
	params.Set("period1", fmt.Sprintf("%d", start.Unix()))
	params.Set("period2", fmt.Sprintf("%d", end.AddDate(0, 0, 1).Unix()))

	result, err := c.chart(ctx, fxSymbol, params)
	if err != nil {
		result, err = c.chart(ctx, fxSymbolAlt, params)
		if err != nil {
			return nil, fmt.Errorf("failed to fetch USD/KRW history: %w", err)
		}
	}

	series := bars(result, c.Name(), 4)
	rates := make([]domain.FxRate, 0, len(series))
	for _, bar := range series {
		day := bar.Date
		rates = append(rates, domain.FxRate{
			Rate:     bar.Close,
			Pair:     domain.CurrencyPair,
			RateDate: time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, time.UTC),
			Source:   c.Name(),
		})
	}
	return rates, nil
}
