package stocks

import (
	"context"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/krxusd/marketd/internal/domain"
)

// UsdRow is one daily close expressed in USD. ExchangeRate is shown at
// two decimal places; the USD close uses banker's rounding to four.
type UsdRow struct {
	Date         string          `json:"date"`
	KrwClose     decimal.Decimal `json:"krw_close"`
	ExchangeRate decimal.Decimal `json:"exchange_rate"`
	UsdClose     decimal.Decimal `json:"usd_close"`
}

// CurrentUsd is the realtime quote converted to USD.
type CurrentUsd struct {
	Symbol       string          `json:"symbol"`
	Name         string          `json:"name,omitempty"`
	KrwPrice     decimal.Decimal `json:"krw_price"`
	ExchangeRate decimal.Decimal `json:"exchange_rate"`
	UsdPrice     decimal.Decimal `json:"usd_price"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// HistoryUSD returns the stored closes in [start, end] converted to USD,
// oldest first. Rows that carry the materialized close_price_usd are
// served as stored; the rest resolve a rate from the carry-forward FX
// table. A date whose rate cannot be resolved is skipped, never
// fabricated.
func (s *Service) HistoryUSD(ctx context.Context, symbol string, start, end time.Time) ([]UsdRow, error) {
	stock, err := s.store.GetStock(ctx, strings.ToUpper(strings.TrimSpace(symbol)))
	if err != nil {
		return nil, err
	}

	prices, err := s.store.DailyPrices(ctx, stock.ID, start, end)
	if err != nil {
		return nil, err
	}
	if len(prices) == 0 {
		return []UsdRow{}, nil
	}

	// Rates are only fetched when some row is missing its materialization.
	var fxMap map[string]decimal.Decimal
	for _, p := range prices {
		if p.ClosePriceUSD == nil || p.ExchangeRate == nil {
			fxMap, err = s.fx.HistoricalRates(ctx, prices[0].PriceDate, prices[len(prices)-1].PriceDate)
			if err != nil {
				return nil, err
			}
			break
		}
	}

	rows := make([]UsdRow, 0, len(prices))
	for _, p := range prices {
		day := domain.DateOnly(p.PriceDate)

		if p.ClosePriceUSD != nil && p.ExchangeRate != nil {
			rows = append(rows, UsdRow{
				Date:         day,
				KrwClose:     p.Close,
				ExchangeRate: p.ExchangeRate.Round(2),
				UsdClose:     *p.ClosePriceUSD,
			})
			continue
		}

		rate, ok := fxMap[day]
		if !ok || rate.IsZero() {
			s.log.Debug().Str("symbol", stock.Symbol).Str("date", day).Msg("No exchange rate resolved, row skipped")
			continue
		}
		rows = append(rows, UsdRow{
			Date:         day,
			KrwClose:     p.Close,
			ExchangeRate: rate.Round(2),
			UsdClose:     p.Close.Div(rate).RoundBank(4),
		})
	}
	return rows, nil
}

// CurrentUSD joins the realtime quote with the current USD/KRW rate.
func (s *Service) CurrentUSD(ctx context.Context, symbol string) (*CurrentUsd, error) {
	rec, err := s.RealtimePrice(ctx, symbol, false)
	if err != nil {
		return nil, err
	}

	// The quote usually carries the join already; fall back to a live
	// rate lookup when the FX cache was cold at quote time.
	if rec.ExchangeRate != nil && rec.ClosePriceUSD != nil {
		return &CurrentUsd{
			Symbol:       rec.Symbol,
			Name:         rec.Name,
			KrwPrice:     rec.Close,
			ExchangeRate: *rec.ExchangeRate,
			UsdPrice:     *rec.ClosePriceUSD,
			UpdatedAt:    rec.UpdatedAt,
		}, nil
	}

	quote, err := s.fx.CurrentRate(ctx, false)
	if err != nil {
		return nil, err
	}
	if quote.Rate.IsZero() {
		return nil, domain.ErrFxUnavailable
	}

	return &CurrentUsd{
		Symbol:       rec.Symbol,
		Name:         rec.Name,
		KrwPrice:     rec.Close,
		ExchangeRate: quote.Rate,
		UsdPrice:     rec.Close.Div(quote.Rate).RoundBank(4),
		UpdatedAt:    rec.UpdatedAt,
	}, nil
}
