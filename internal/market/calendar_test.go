package market

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCalendar(t *testing.T) *Calendar {
	t.Helper()
	c, err := New(Config{})
	require.NoError(t, err)
	return c
}

func kst(t *testing.T, value string) time.Time {
	t.Helper()
	loc, err := time.LoadLocation("Asia/Seoul")
	require.NoError(t, err)
	parsed, err := time.ParseInLocation("2006-01-02 15:04:05", value, loc)
	require.NoError(t, err)
	return parsed
}

func TestStatusPhaseBoundaries(t *testing.T) {
	c := newTestCalendar(t)

	tests := []struct {
		name        string
		at          string
		wantPhase   Phase
		wantTrading bool
	}{
		{
			name:        "before pre-market",
			at:          "2025-03-17 08:29:59",
			wantPhase:   PhaseClosed,
			wantTrading: false,
		},
		{
			name:        "pre-market start",
			at:          "2025-03-17 08:30:00",
			wantPhase:   PhasePreMarket,
			wantTrading: false,
		},
		{
			name:        "exact open",
			at:          "2025-03-17 09:00:00",
			wantPhase:   PhaseOpen,
			wantTrading: true,
		},
		{
			name:        "last session minute",
			at:          "2025-03-17 15:29:59",
			wantPhase:   PhaseOpen,
			wantTrading: true,
		},
		{
			name:        "exact close rolls to after hours",
			at:          "2025-03-17 15:30:00",
			wantPhase:   PhaseAfterHours,
			wantTrading: true,
		},
		{
			name:        "after hours end",
			at:          "2025-03-17 16:00:00",
			wantPhase:   PhaseClosed,
			wantTrading: false,
		},
		{
			name:        "saturday midday",
			at:          "2025-03-15 11:00:00",
			wantPhase:   PhaseClosed,
			wantTrading: false,
		},
		{
			name:        "sunday during session hours",
			at:          "2025-03-16 10:00:00",
			wantPhase:   PhaseClosed,
			wantTrading: false,
		},
		{
			name:        "holiday during session hours",
			at:          "2025-10-06 10:00:00",
			wantPhase:   PhaseClosed,
			wantTrading: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			info := c.Status(kst(t, tt.at))
			assert.Equal(t, tt.wantPhase, info.Phase)
			assert.Equal(t, tt.wantTrading, info.IsTradingTime)
		})
	}
}

func TestStatusNextOpen(t *testing.T) {
	c := newTestCalendar(t)

	tests := []struct {
		name         string
		at           string
		wantNextOpen string
	}{
		{
			name:         "friday after hours rolls to monday",
			at:           "2025-03-14 15:45:00",
			wantNextOpen: "2025-03-17 09:00:00",
		},
		{
			name:         "sunday rolls to monday",
			at:           "2025-03-16 10:00:00",
			wantNextOpen: "2025-03-17 09:00:00",
		},
		{
			name:         "early morning of a trading day opens same day",
			at:           "2025-03-17 06:00:00",
			wantNextOpen: "2025-03-17 09:00:00",
		},
		{
			name:         "chuseok block skips to next session",
			at:           "2025-10-04 10:00:00",
			wantNextOpen: "2025-10-10 09:00:00",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			info := c.Status(kst(t, tt.at))
			require.NotNil(t, info.NextOpenAt)
			assert.Equal(t, kst(t, tt.wantNextOpen).Unix(), info.NextOpenAt.Unix())
		})
	}
}

func TestStatusDuringOpenHasNoNextOpen(t *testing.T) {
	c := newTestCalendar(t)

	info := c.Status(kst(t, "2025-03-17 10:00:00"))
	assert.Nil(t, info.NextOpenAt)
	require.NotNil(t, info.MarketOpenAt)
	require.NotNil(t, info.MarketCloseAt)
	assert.Equal(t, kst(t, "2025-03-17 09:00:00").Unix(), info.MarketOpenAt.Unix())
	assert.Equal(t, kst(t, "2025-03-17 15:30:00").Unix(), info.MarketCloseAt.Unix())
}

func TestTradingDayMath(t *testing.T) {
	c := newTestCalendar(t)

	tests := []struct {
		name     string
		day      string
		tradable bool
	}{
		{name: "regular monday", day: "2025-03-17 00:00:00", tradable: true},
		{name: "saturday", day: "2025-03-15 00:00:00", tradable: false},
		{name: "sunday", day: "2025-03-16 00:00:00", tradable: false},
		{name: "seollal", day: "2025-01-29 00:00:00", tradable: false},
		{name: "christmas", day: "2025-12-25 00:00:00", tradable: false},
		{name: "day after christmas", day: "2025-12-26 00:00:00", tradable: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.tradable, c.IsTradingDay(kst(t, tt.day)))
		})
	}
}

func TestNextAndPrevTradingDayAroundChuseok(t *testing.T) {
	c := newTestCalendar(t)

	// 2025-10-03 through 2025-10-09 are all closed (Chuseok block + Hangeul
	// Day); 2025-10-02 Thu and 2025-10-10 Fri are the flanking sessions.
	next := c.NextTradingDay(kst(t, "2025-10-02 00:00:00"))
	assert.Equal(t, "2025-10-10", next.Format("2006-01-02"))

	prev := c.PrevTradingDay(kst(t, "2025-10-10 00:00:00"))
	assert.Equal(t, "2025-10-02", prev.Format("2006-01-02"))
}

func TestYesterdayKST(t *testing.T) {
	// 23:30 UTC on 2025-03-16 is already 08:30 on 2025-03-17 in Seoul.
	utc := time.Date(2025, 3, 16, 23, 30, 0, 0, time.UTC)
	c, err := New(Config{Clock: func() time.Time { return utc }})
	require.NoError(t, err)

	assert.Equal(t, "2025-03-17", c.Today().Format("2006-01-02"))
	assert.Equal(t, "2025-03-16", c.YesterdayKST().Format("2006-01-02"))
}

func TestMinutesRemaining(t *testing.T) {
	c := newTestCalendar(t)

	tests := []struct {
		name string
		at   string
		want int
	}{
		{name: "at open", at: "2025-03-17 09:00:00", want: 390},
		{name: "one minute before close", at: "2025-03-17 15:29:00", want: 1},
		{name: "after hours counts zero", at: "2025-03-17 15:45:00", want: 0},
		{name: "closed", at: "2025-03-17 18:00:00", want: 0},
		{name: "weekend", at: "2025-03-16 10:00:00", want: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, c.MinutesRemaining(kst(t, tt.at)))
		})
	}
}

func TestReloadHolidaysOverlay(t *testing.T) {
	path := filepath.Join(t.TempDir(), "holidays.yaml")
	require.NoError(t, os.WriteFile(path, []byte("holidays:\n  - 2025-04-30\n"), 0o644))

	c, err := New(Config{HolidaysFile: path})
	require.NoError(t, err)

	// Overlay entry applies and the embedded table survives the merge.
	assert.False(t, c.IsTradingDay(kst(t, "2025-04-30 00:00:00")))
	assert.False(t, c.IsTradingDay(kst(t, "2025-12-25 00:00:00")))
	assert.True(t, c.IsTradingDay(kst(t, "2025-04-29 00:00:00")))
}

func TestReloadHolidaysRejectsBadDate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "holidays.yaml")
	require.NoError(t, os.WriteFile(path, []byte("holidays:\n  - not-a-date\n"), 0o644))

	c := newTestCalendar(t)
	assert.Error(t, c.ReloadHolidays(path))
}
