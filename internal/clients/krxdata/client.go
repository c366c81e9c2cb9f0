package krxdata

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/krxusd/marketd/internal/domain"
)

const (
	defaultBaseURL = "http://data.krx.co.kr/comm/bldAttendant/getJsonData.cmd"

	// bld views of the KRX data portal
	bldDailyTrend  = "dbms/MDC/STAT/standard/MDCSTAT01701" // per-issue daily price trend
	bldIssueMaster = "dbms/MDC/STAT/standard/MDCSTAT01901" // listed issue master
	bldAllIssues   = "dbms/MDC/STAT/standard/MDCSTAT01501" // all-issues daily trade snapshot
)

// Client talks to the KRX data portal. The portal is a form-POST JSON
// endpoint keyed by bld view names; numeric fields arrive as
// comma-grouped strings.
type Client struct {
	baseURL string
	client  *http.Client
	limiter *rate.Limiter
	log     zerolog.Logger

	mu       sync.RWMutex
	isuCodes map[string]string // short code -> full ISU code, lazily loaded
}

// Config holds client construction options.
type Config struct {
	BaseURL string
	Timeout time.Duration
}

// NewClient creates a new KRX data portal client.
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
		baseURL:  baseURL,
		client:   &http.Client{Timeout: timeout},
		limiter:  rate.NewLimiter(rate.Limit(5), 5),
		log:      log.With().Str("client", "krxdata").Logger(),
		isuCodes: make(map[string]string),
	}
}

// Name identifies this provider in composite fallbacks.
func (c *Client) Name() string { return "krxdata" }

// post sends one form-encoded request for the given bld view and returns
// the raw response body.
func (c *Client) post(ctx context.Context, bld string, params url.Values) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limit wait: %w", err)
	}

	params.Set("bld", bld)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL, strings.NewReader(params.Encode()))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("User-Agent", "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36")
	req.Header.Set("Referer", "http://data.krx.co.kr/")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to make request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("krx data portal returned status %d: %s", resp.StatusCode, string(body))
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	return body, nil
}

// dailyTrendRow is one row of the per-issue daily price trend view.
type dailyTrendRow struct {
	TradeDate    string `json:"TRD_DD"`
	Close        string `json:"TDD_CLSPRC"`
	Open         string `json:"TDD_OPNPRC"`
	High         string `json:"TDD_HGPRC"`
	Low          string `json:"TDD_LWPRC"`
	Volume       string `json:"ACC_TRDVOL"`
	TradingValue string `json:"ACC_TRDVAL"`
	MarketCap    string `json:"MKTCAP"`
}

// FetchDaily fetches settled daily OHLCV bars for one issue over
// [start, end], ascending by date. Days without a close (halts, holidays
// in range) are skipped.
func (c *Client) FetchDaily(ctx context.Context, symbol string, start, end time.Time) ([]domain.DailyBar, error) {
	isuCd, err := c.resolveIsuCode(ctx, symbol)
	if err != nil {
		return nil, err
	}

	params := url.Values{}
	params.Set("isuCd", isuCd)
	params.Set("strtDd", start.Format("20060102"))
	params.Set("endDd", end.Format("20060102"))
	params.Set("share", "1")
	params.Set("money", "1")

	body, err := c.post(ctx, bldDailyTrend, params)
	if err != nil {
		return nil, err
	}

	var result struct {
		Output []dailyTrendRow `json:"output"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("failed to parse daily trend: %w", err)
	}

	bars := make([]domain.DailyBar, 0, len(result.Output))
	for _, row := range result.Output {
		day, err := parseTradeDate(row.TradeDate)
		if err != nil {
			continue
		}
		closePrice, err := parseNumber(row.Close)
		if err != nil || closePrice.IsZero() {
			continue
		}
		open, err := parseNumber(row.Open)
		if err != nil {
			continue
		}
		high, err := parseNumber(row.High)
		if err != nil {
			continue
		}
		low, err := parseNumber(row.Low)
		if err != nil {
			continue
		}
		volume := parseInt(row.Volume)

		bar := domain.DailyBar{
			Date:   day,
			Open:   open,
			High:   high,
			Low:    low,
			Close:  closePrice,
			Volume: volume,
			Source: c.Name(),
		}
		if tv, err := parseNumber(row.TradingValue); err == nil && !tv.IsZero() {
			bar.TradingValue = &tv
		}
		if mc, err := parseNumber(row.MarketCap); err == nil && !mc.IsZero() {
			bar.MarketCap = &mc
		}
		bars = append(bars, bar)
	}

	// The portal returns newest-first.
	sort.Slice(bars, func(i, j int) bool { return bars[i].Date.Before(bars[j].Date) })

	c.log.Debug().
		Str("symbol", symbol).
		Int("count", len(bars)).
		Msg("Fetched daily bars")
	return bars, nil
}

// FetchRealtime returns the latest settled snapshot for one issue by
// reading the last two daily rows. The portal has no intraday tick view,
// so "realtime" here means today's provisional bar during the session.
func (c *Client) FetchRealtime(ctx context.Context, symbol string) (*domain.RealtimeQuote, error) {
	end := time.Now()
	start := end.AddDate(0, 0, -7)

	bars, err := c.FetchDaily(ctx, symbol, start, end)
	if err != nil {
		return nil, err
	}
	if len(bars) == 0 {
		return nil, fmt.Errorf("no recent rows for %s", symbol)
	}

	latest := bars[len(bars)-1]
	change := decimalZero
	changePct := decimalZero
	if len(bars) > 1 {
		prevClose := bars[len(bars)-2].Close
		change = latest.Close.Sub(prevClose)
		if !prevClose.IsZero() {
			changePct = change.Div(prevClose).Mul(decimalHundred).Round(2)
		}
	}

	return &domain.RealtimeQuote{
		Symbol:        symbol,
		Open:          latest.Open,
		High:          latest.High,
		Low:           latest.Low,
		Close:         latest.Close,
		Volume:        latest.Volume,
		Change:        change.Round(2),
		ChangePercent: changePct,
		PriceDate:     latest.Date,
		Source:        c.Name(),
	}, nil
}

// issueMasterRow is one row of the listed-issue master view.
type issueMasterRow struct {
	FullCode     string `json:"ISU_CD"`
	ShortCode    string `json:"ISU_SRT_CD"`
	Name         string `json:"ISU_ABBRV"`
	NameEn       string `json:"ISU_ENG_NM"`
	MarketName   string `json:"MKT_TP_NM"`
	ListingDate  string `json:"LIST_DD"`
	ListedShares string `json:"LIST_SHRS"`
}

// marketID maps a market segment to the portal's mktId parameter.
func marketID(market domain.Market) string {
	switch market {
	case domain.MarketKOSDAQ:
		return "KSQ"
	case domain.MarketKONEX:
		return "KNX"
	case domain.MarketKOSPI:
		return "STK"
	default:
		return "ALL"
	}
}

func marketFromName(name string) domain.Market {
	switch name {
	case "KOSDAQ", "KOSDAQ GLOBAL":
		return domain.MarketKOSDAQ
	case "KONEX":
		return domain.MarketKONEX
	default:
		return domain.MarketKOSPI
	}
}

// ListMaster fetches the listed-issue master for one market segment.
// An empty market fetches all segments.
func (c *Client) ListMaster(ctx context.Context, market domain.Market) ([]domain.StockMaster, error) {
	rows, err := c.fetchMaster(ctx, marketID(market))
	if err != nil {
		return nil, err
	}

	masters := make([]domain.StockMaster, 0, len(rows))
	for _, row := range rows {
		m := domain.StockMaster{
			Symbol:       row.ShortCode,
			Name:         row.Name,
			NameEn:       row.NameEn,
			Market:       marketFromName(row.MarketName),
			ListedShares: parseInt(row.ListedShares),
		}
		if d, err := time.Parse("2006/01/02", row.ListingDate); err == nil {
			m.ListingDate = &d
		}
		masters = append(masters, m)
	}
	return masters, nil
}

func (c *Client) fetchMaster(ctx context.Context, mktID string) ([]issueMasterRow, error) {
	params := url.Values{}
	params.Set("mktId", mktID)
	params.Set("share", "1")

	body, err := c.post(ctx, bldIssueMaster, params)
	if err != nil {
		return nil, err
	}

	var result struct {
		Output []issueMasterRow `json:"OutBlock_1"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("failed to parse issue master: %w", err)
	}
	if len(result.Output) == 0 {
		return nil, fmt.Errorf("empty issue master for mktId=%s", mktID)
	}
	return result.Output, nil
}

// resolveIsuCode maps a short code to the portal's full ISU code,
// loading the all-market master once and caching it.
func (c *Client) resolveIsuCode(ctx context.Context, symbol string) (string, error) {
	symbol = strings.ToUpper(symbol)

	c.mu.RLock()
	code, ok := c.isuCodes[symbol]
	c.mu.RUnlock()
	if ok {
		return code, nil
	}

	rows, err := c.fetchMaster(ctx, "ALL")
	if err != nil {
		return "", fmt.Errorf("failed to load issue master: %w", err)
	}

	c.mu.Lock()
	for _, row := range rows {
		c.isuCodes[strings.ToUpper(row.ShortCode)] = row.FullCode
	}
	code, ok = c.isuCodes[symbol]
	c.mu.Unlock()

	if !ok {
		return "", fmt.Errorf("unknown issue code %s: %w", symbol, domain.ErrNotFound)
	}
	return code, nil
}

// snapshotRow is one row of the all-issues daily trade snapshot view.
type snapshotRow struct {
	ShortCode     string `json:"ISU_SRT_CD"`
	Name          string `json:"ISU_ABBRV"`
	MarketName    string `json:"MKT_NM"`
	Close         string `json:"TDD_CLSPRC"`
	Change        string `json:"CMPPREVDD_PRC"`
	ChangePercent string `json:"FLUC_RT"`
	Volume        string `json:"ACC_TRDVOL"`
	TradingValue  string `json:"ACC_TRDVAL"`
	MarketCap     string `json:"MKTCAP"`
}

// MarketSnapshot fetches the all-issues trade snapshot for one day.
// Issues without a close (new listings, halts) are dropped.
func (c *Client) MarketSnapshot(ctx context.Context, day time.Time) ([]domain.SnapshotRow, error) {
	params := url.Values{}
	params.Set("mktId", "ALL")
	params.Set("trdDd", day.Format("20060102"))
	params.Set("share", "1")
	params.Set("money", "1")

	body, err := c.post(ctx, bldAllIssues, params)
	if err != nil {
		return nil, err
	}

	var result struct {
		Output []snapshotRow `json:"OutBlock_1"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("failed to parse market snapshot: %w", err)
	}

	rows := make([]domain.SnapshotRow, 0, len(result.Output))
	for _, raw := range result.Output {
		closePrice, err := parseNumber(raw.Close)
		if err != nil || closePrice.IsZero() {
			continue
		}
		change, _ := parseNumber(raw.Change)
		changePct, _ := parseNumber(raw.ChangePercent)
		tradingValue, _ := parseNumber(raw.TradingValue)
		marketCap, _ := parseNumber(raw.MarketCap)

		rows = append(rows, domain.SnapshotRow{
			Symbol:        raw.ShortCode,
			Name:          raw.Name,
			Market:        marketFromName(raw.MarketName),
			Close:         closePrice,
			Change:        change,
			ChangePercent: changePct,
			Volume:        parseInt(raw.Volume),
			TradingValue:  tradingValue,
			MarketCap:     marketCap,
		})
	}

	if len(rows) == 0 {
		return nil, fmt.Errorf("empty snapshot for %s", day.Format("2006-01-02"))
	}
	return rows, nil
}

// TopByMarcap returns the n largest issues by market cap.
func (c *Client) TopByMarcap(ctx context.Context, n int) ([]string, error) {
	rows, err := c.MarketSnapshot(ctx, time.Now())
	if err != nil {
		return nil, err
	}
	sort.Slice(rows, func(i, j int) bool {
		return rows[i].MarketCap.GreaterThan(rows[j].MarketCap)
	})
	return topSymbols(rows, n), nil
}

// TopByVolume returns the n most traded issues by share volume.
func (c *Client) TopByVolume(ctx context.Context, n int) ([]string, error) {
	rows, err := c.MarketSnapshot(ctx, time.Now())
	if err != nil {
		return nil, err
	}
	sort.Slice(rows, func(i, j int) bool {
		return rows[i].Volume > rows[j].Volume
	})
	return topSymbols(rows, n), nil
}

func topSymbols(rows []domain.SnapshotRow, n int) []string {
	if n > len(rows) {
		n = len(rows)
	}
	symbols := make([]string, 0, n)
	for _, row := range rows[:n] {
		symbols = append(symbols, row.Symbol)
	}
	return symbols
}
