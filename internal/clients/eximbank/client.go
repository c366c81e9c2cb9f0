package eximbank

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

const defaultBaseURL = "https://www.koreaexim.go.kr/site/program/financial/exchangeJSON"

// Client fetches the official daily USD/KRW rate from the Korea Eximbank
// open API. The bank publishes one rate per business day around 11:00 KST;
// this is a daily source, not a tick feed.
type Client struct {
	baseURL string
	authKey string
	client  *http.Client
	limiter *rate.Limiter
	log     zerolog.Logger
}

// Config holds client construction options. AuthKey may stay empty for
// the public rate-limited tier.
type Config struct {
	BaseURL string
	AuthKey string
	Timeout time.Duration
}

// NewClient creates a new Eximbank client.
func NewClient(cfg Config, log zerolog.Logger) *Client {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL: baseURL,
		authKey: cfg.AuthKey,
		client:  &http.Client{Timeout: timeout},
		limiter: rate.NewLimiter(rate.Limit(2), 2),
		log:     log.With().Str("client", "eximbank").Logger(),
	}
}

// Name identifies this provider in composite fallbacks.
func (c *Client) Name() string { return "eximbank" }

// rateRow is one currency entry of the exchangeJSON response.
// Result 1 means success; 4 means no table for the requested date.
type rateRow struct {
	Result   int    `json:"result"`
	CurUnit  string `json:"cur_unit"`
	CurName  string `json:"cur_nm"`
	DealBasR string `json:"deal_bas_r"`
}

// FetchRate fetches the official USD/KRW rate. When today's table is not
// published yet (weekends, holidays, before 11:00 KST) it falls back to
// the previous day once.
func (c *Client) FetchRate(ctx context.Context) (*domain.FxRate, error) {
	today := time.Now()

	rows, err := c.fetchTable(ctx, today)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		rows, err = c.fetchTable(ctx, today.AddDate(0, 0, -1))
		if err != nil {
			return nil, err
		}
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("no rate table published")
	}

	for _, row := range rows {
		if row.CurUnit != "USD" {
			continue
		}
		rateStr := strings.ReplaceAll(row.DealBasR, ",", "")
		if rateStr == "" {
			break
		}
		rateValue, err := decimal.NewFromString(rateStr)
		if err != nil {
			return nil, fmt.Errorf("failed to parse deal_bas_r %q: %w", row.DealBasR, err)
		}
		return &domain.FxRate{
			Rate:     rateValue.Round(4),
			Pair:     domain.CurrencyPair,
			RateDate: time.Now(),
			Source:   c.Name(),
		}, nil
	}
	return nil, fmt.Errorf("USD rate not found in response")
}

// FetchHistorical is not served; the exchangeJSON API exposes one day at
// a time and the historical backfill path uses the chart provider.
func (c *Client) FetchHistorical(ctx context.Context, start, end time.Time) ([]domain.FxRate, error) {
	return nil, fmt.Errorf("historical rates: %w", domain.ErrNotSupported)
}

// fetchTable fetches the rate table for one date. A "RESULT 4" marker or
// an empty array means no table is published for that date.
func (c *Client) fetchTable(ctx context.Context, day time.Time) ([]rateRow, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limit wait: %w", err)
	}

	params := url.Values{}
	params.Set("authkey", c.authKey)
	params.Set("searchdate", day.Format("20060102"))
	params.Set("data", "AP01")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"?"+params.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to make request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("eximbank API returned status %d: %s", resp.StatusCode, string(body))
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	var rows []rateRow
	if err := json.Unmarshal(body, &rows); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}

	if len(rows) == 1 && rows[0].Result == 4 {
		c.log.Debug().Str("date", day.Format("2006-01-02")).Msg("No rate table for date")
		return nil, nil
	}
	return rows, nil
}
