package market

import (
	"fmt"
	"sync"
	"time"
)

// Phase is the KRX market phase for a point in time.
type Phase string

const (
	PhasePreMarket  Phase = "pre_market"
	PhaseOpen       Phase = "market_open"
	PhaseAfterHours Phase = "after_hours"
	PhaseClosed     Phase = "market_closed"
)

// Session boundaries in minutes since midnight, KST wall clock.
const (
	preMarketStartMin = 8*60 + 30
	marketOpenMin     = 9 * 60
	marketCloseMin    = 15*60 + 30
	afterHoursEndMin  = 16 * 60
)

// Info describes the market state at one instant.
type Info struct {
	Phase          Phase      `json:"status"`
	IsTradingTime  bool       `json:"is_trading_time"`
	CurrentTimeKST time.Time  `json:"current_time_kst"`
	MarketOpenAt   *time.Time `json:"market_open_at,omitempty"`
	MarketCloseAt  *time.Time `json:"market_close_at,omitempty"`
	NextOpenAt     *time.Time `json:"next_open_at,omitempty"`
	Message        string     `json:"message"`
}

// Config configures a Calendar.
type Config struct {
	// HolidaysFile optionally points at a YAML overlay merged over the
	// embedded holiday tables.
	HolidaysFile string
	// Clock overrides the time source. Defaults to time.Now.
	Clock func() time.Time
}

// Calendar answers KST trading-day and market-phase questions. All methods
// are safe for concurrent use; the holiday table is reloadable.
type Calendar struct {
	loc   *time.Location
	clock func() time.Time

	mu       sync.RWMutex
	holidays map[string]struct{}
}

// New builds a Calendar anchored to Asia/Seoul with the embedded KRX holiday
// tables, merged with the optional YAML overlay from cfg.HolidaysFile.
func New(cfg Config) (*Calendar, error) {
	loc, err := time.LoadLocation("Asia/Seoul")
	if err != nil {
		// KST has no DST; a fixed offset is equivalent.
		loc = time.FixedZone("KST", 9*60*60)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	c := &Calendar{
		loc:      loc,
		clock:    clock,
		holidays: defaultHolidays(),
	}

	if cfg.HolidaysFile != "" {
		if err := c.ReloadHolidays(cfg.HolidaysFile); err != nil {
			return nil, fmt.Errorf("loading holidays file: %w", err)
		}
	}

	return c, nil
}

// Location returns the calendar's timezone (Asia/Seoul).
func (c *Calendar) Location() *time.Location {
	return c.loc
}

// Now returns the current KST time.
func (c *Calendar) Now() time.Time {
	return c.clock().In(c.loc)
}

// ToKST converts t to KST wall-clock time.
func (c *Calendar) ToKST(t time.Time) time.Time {
	return t.In(c.loc)
}

// Today returns the current KST date at midnight.
func (c *Calendar) Today() time.Time {
	return atMidnight(c.Now())
}

// YesterdayKST returns the previous KST calendar date at midnight. This is
// the single place "yesterday" is computed for gap analysis: a daily bar for
// today is not settled until the session closes, so "current" means synced
// through yesterday.
func (c *Calendar) YesterdayKST() time.Time {
	return c.Today().AddDate(0, 0, -1)
}

// IsWeekend reports whether d falls on Saturday or Sunday.
func (c *Calendar) IsWeekend(d time.Time) bool {
	wd := d.In(c.loc).Weekday()
	return wd == time.Saturday || wd == time.Sunday
}

// IsHoliday reports whether d is in the holiday table.
func (c *Calendar) IsHoliday(d time.Time) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.holidays[dateKey(d.In(c.loc))]
	return ok
}

// IsTradingDay reports whether d is a weekday outside the holiday table.
func (c *Calendar) IsTradingDay(d time.Time) bool {
	return !c.IsWeekend(d) && !c.IsHoliday(d)
}

// NextTradingDay returns the first trading day strictly after d.
func (c *Calendar) NextTradingDay(d time.Time) time.Time {
	next := atMidnight(d.In(c.loc)).AddDate(0, 0, 1)
	for !c.IsTradingDay(next) {
		next = next.AddDate(0, 0, 1)
	}
	return next
}

// PrevTradingDay returns the last trading day strictly before d.
func (c *Calendar) PrevTradingDay(d time.Time) time.Time {
	prev := atMidnight(d.In(c.loc)).AddDate(0, 0, -1)
	for !c.IsTradingDay(prev) {
		prev = prev.AddDate(0, 0, -1)
	}
	return prev
}

// StatusNow returns the market state for the current instant.
func (c *Calendar) StatusNow() Info {
	return c.Status(c.Now())
}

// Status returns the market state at the given instant.
func (c *Calendar) Status(at time.Time) Info {
	at = at.In(c.loc)
	day := atMidnight(at)

	openAt := day.Add(time.Duration(marketOpenMin) * time.Minute)
	closeAt := day.Add(time.Duration(marketCloseMin) * time.Minute)

	if !c.IsTradingDay(day) {
		nextOpen := c.openOf(c.NextTradingDay(day))
		return Info{
			Phase:          PhaseClosed,
			IsTradingTime:  false,
			CurrentTimeKST: at,
			NextOpenAt:     &nextOpen,
			Message:        "market closed (weekend or holiday)",
		}
	}

	minutes := at.Hour()*60 + at.Minute()
	switch {
	case minutes >= preMarketStartMin && minutes < marketOpenMin:
		return Info{
			Phase:          PhasePreMarket,
			IsTradingTime:  false,
			CurrentTimeKST: at,
			MarketOpenAt:   &openAt,
			MarketCloseAt:  &closeAt,
			NextOpenAt:     &openAt,
			Message:        "waiting for market open",
		}
	case minutes >= marketOpenMin && minutes < marketCloseMin:
		return Info{
			Phase:          PhaseOpen,
			IsTradingTime:  true,
			CurrentTimeKST: at,
			MarketOpenAt:   &openAt,
			MarketCloseAt:  &closeAt,
			Message:        "market open",
		}
	case minutes >= marketCloseMin && minutes < afterHoursEndMin:
		nextOpen := c.openOf(c.NextTradingDay(day))
		return Info{
			Phase:          PhaseAfterHours,
			IsTradingTime:  true,
			CurrentTimeKST: at,
			MarketOpenAt:   &openAt,
			MarketCloseAt:  &closeAt,
			NextOpenAt:     &nextOpen,
			Message:        "after hours trading",
		}
	}

	// Post 16:00 rolls to the next trading day; before 08:30 today's own
	// session is still ahead.
	var nextOpen time.Time
	if minutes >= afterHoursEndMin {
		nextOpen = c.openOf(c.NextTradingDay(day))
	} else {
		nextOpen = openAt
	}
	return Info{
		Phase:          PhaseClosed,
		IsTradingTime:  false,
		CurrentTimeKST: at,
		NextOpenAt:     &nextOpen,
		Message:        "market closed",
	}
}

// IsTradingTime reports whether realtime quote refresh should run at the
// given instant (market open or after hours).
func (c *Calendar) IsTradingTime(at time.Time) bool {
	return c.Status(at).IsTradingTime
}

// MinutesRemaining returns how many whole minutes remain until the 15:30
// close, or 0 outside trading time and during after hours.
func (c *Calendar) MinutesRemaining(at time.Time) int {
	info := c.Status(at)
	if !info.IsTradingTime {
		return 0
	}
	at = at.In(c.loc)
	closeAt := atMidnight(at).Add(time.Duration(marketCloseMin) * time.Minute)
	if !at.Before(closeAt) {
		return 0
	}
	return int(closeAt.Sub(at).Minutes())
}

func (c *Calendar) openOf(day time.Time) time.Time {
	return atMidnight(day.In(c.loc)).Add(time.Duration(marketOpenMin) * time.Minute)
}

func atMidnight(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
}

func dateKey(t time.Time) string {
	return t.Format("2006-01-02")
}
