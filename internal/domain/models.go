package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Market represents a KRX market segment
type Market string

const (
	MarketKOSPI  Market = "KOSPI"
	MarketKOSDAQ Market = "KOSDAQ"
	MarketKONEX  Market = "KONEX"
)

// CurrencyPair is the only pair this service handles.
const CurrencyPair = "USD/KRW"

// Stock represents a listed KRX security (master record)
type Stock struct {
	ID           int64      `json:"id"`
	Symbol       string     `json:"symbol"`
	Name         string     `json:"name"`
	NameEn       *string    `json:"name_en,omitempty"`
	Market       Market     `json:"market"`
	Sector       *string    `json:"sector,omitempty"`
	Industry     *string    `json:"industry,omitempty"`
	ListedShares *int64     `json:"listed_shares,omitempty"`
	ListingDate  *time.Time `json:"listing_date,omitempty"`
	IsActive     bool       `json:"is_active"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// StockMaster is the provider-side master row before persistence.
type StockMaster struct {
	Symbol       string     `json:"symbol"`
	Name         string     `json:"name"`
	NameEn       string     `json:"name_en,omitempty"`
	Market       Market     `json:"market"`
	Sector       string     `json:"sector,omitempty"`
	ListedShares int64      `json:"listed_shares,omitempty"`
	ListingDate  *time.Time `json:"listing_date,omitempty"`
}

// DailyBar is one settled trading day of OHLCV for a symbol.
type DailyBar struct {
	Date         time.Time        `json:"date"`
	Open         decimal.Decimal  `json:"open"`
	High         decimal.Decimal  `json:"high"`
	Low          decimal.Decimal  `json:"low"`
	Close        decimal.Decimal  `json:"close"`
	Volume       int64            `json:"volume"`
	TradingValue *decimal.Decimal `json:"trading_value,omitempty"`
	MarketCap    *decimal.Decimal `json:"market_cap,omitempty"`
	Source       string           `json:"source,omitempty"`
}

// Valid reports whether the bar satisfies the storage invariants:
// low <= open,close <= high, volume >= 0, and not future-dated.
func (b DailyBar) Valid(today time.Time) bool {
	if b.Volume < 0 {
		return false
	}
	if b.Low.GreaterThan(b.Open) || b.Low.GreaterThan(b.Close) {
		return false
	}
	if b.High.LessThan(b.Open) || b.High.LessThan(b.Close) {
		return false
	}
	return !b.Date.After(today)
}

// RealtimeQuote is an intraday snapshot from a provider.
type RealtimeQuote struct {
	Symbol        string          `json:"symbol"`
	Name          string          `json:"name,omitempty"`
	Open          decimal.Decimal `json:"open"`
	High          decimal.Decimal `json:"high"`
	Low           decimal.Decimal `json:"low"`
	Close         decimal.Decimal `json:"close"`
	Volume        int64           `json:"volume"`
	Change        decimal.Decimal `json:"change"`
	ChangePercent decimal.Decimal `json:"change_percent"`
	PriceDate     time.Time       `json:"price_date"`
	Source        string          `json:"source"`
}

// StockPrice is a persisted daily row including the USD materialization.
type StockPrice struct {
	ID            int64            `json:"id"`
	StockID       int64            `json:"stock_id"`
	PriceDate     time.Time        `json:"price_date"`
	Open          decimal.Decimal  `json:"open_price"`
	High          decimal.Decimal  `json:"high_price"`
	Low           decimal.Decimal  `json:"low_price"`
	Close         decimal.Decimal  `json:"close_price"`
	Volume        int64            `json:"volume"`
	TradingValue  *decimal.Decimal `json:"trading_value,omitempty"`
	MarketCap     *decimal.Decimal `json:"market_cap,omitempty"`
	ExchangeRate  *decimal.Decimal `json:"exchange_rate,omitempty"`
	ClosePriceUSD *decimal.Decimal `json:"close_price_usd,omitempty"`
	CreatedAt     time.Time        `json:"created_at"`
}

// FxRate is a dated USD/KRW observation. ID is zero until persisted.
type FxRate struct {
	ID       int64           `json:"id,omitempty"`
	Rate     decimal.Decimal `json:"rate"`
	Pair     string          `json:"currency_pair"`
	RateDate time.Time       `json:"rate_date"`
	Source   string          `json:"source"`
}

// SyncDataType enumerates what kind of series a sync-status row tracks.
type SyncDataType string

const (
	SyncDaily       SyncDataType = "daily_price"
	SyncMinute      SyncDataType = "minute_price"
	SyncFundamental SyncDataType = "fundamental"
)

// SyncState enumerates sync-status lifecycle states.
type SyncState string

const (
	SyncPending   SyncState = "pending"
	SyncSyncing   SyncState = "syncing"
	SyncCompleted SyncState = "completed"
	SyncFailed    SyncState = "failed"
)

// SyncStatus is one (stock, data_type) sync bookkeeping row.
type SyncStatus struct {
	ID           int64        `json:"id"`
	StockID      int64        `json:"stock_id"`
	DataType     SyncDataType `json:"data_type"`
	Status       SyncState    `json:"status"`
	LastSyncDate *time.Time   `json:"last_sync_date,omitempty"`
	LastSyncAt   *time.Time   `json:"last_sync_at,omitempty"`
	ErrorMessage *string      `json:"error_message,omitempty"`
}

// SyncCase is the outcome of gap analysis.
type SyncCase string

const (
	CaseNoData   SyncCase = "no_data"
	CaseGap      SyncCase = "gap_detected"
	CaseUpToDate SyncCase = "up_to_date"
	CaseFailed   SyncCase = "failed"
)

// RankingType enumerates the popular-stock rankings.
type RankingType string

const (
	RankVolume    RankingType = "volume"
	RankValue     RankingType = "value"
	RankGain      RankingType = "gain"
	RankLoss      RankingType = "loss"
	RankMarketCap RankingType = "market_cap"
)

// PopularStock is one entry of a ranking snapshot.
type PopularStock struct {
	RankingType   RankingType      `json:"ranking_type"`
	Rank          int              `json:"rank"`
	Symbol        string           `json:"symbol"`
	Name          string           `json:"name,omitempty"`
	Close         *decimal.Decimal `json:"close_price,omitempty"`
	ChangePercent *decimal.Decimal `json:"change_percent,omitempty"`
	Volume        *int64           `json:"volume,omitempty"`
	SnapshotDate  time.Time        `json:"snapshot_date"`
}

// SnapshotRow is one issue of the all-market daily trade snapshot.
// Rankings (volume, value, gain, loss, market cap) are sorts over these.
type SnapshotRow struct {
	Symbol        string          `json:"symbol"`
	Name          string          `json:"name"`
	Market        Market          `json:"market"`
	Close         decimal.Decimal `json:"close"`
	Change        decimal.Decimal `json:"change"`
	ChangePercent decimal.Decimal `json:"change_percent"`
	Volume        int64           `json:"volume"`
	TradingValue  decimal.Decimal `json:"trading_value"`
	MarketCap     decimal.Decimal `json:"market_cap"`
}

// DateOnly formats a time as the KRX date key (YYYY-MM-DD).
func DateOnly(t time.Time) string {
	return t.Format("2006-01-02")
}
