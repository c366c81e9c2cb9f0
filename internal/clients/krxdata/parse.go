package krxdata

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

var (
	decimalZero    = decimal.Zero
	decimalHundred = decimal.NewFromInt(100)
)

// parseNumber parses the portal's comma-grouped numerics ("1,234,500",
// "-1,200", "0.55"). Dashes and empty cells mean "no value".
func parseNumber(s string) (decimal.Decimal, error) {
	s = strings.TrimSpace(strings.ReplaceAll(s, ",", ""))
	if s == "" || s == "-" {
		return decimal.Zero, fmt.Errorf("empty numeric cell")
	}
	return decimal.NewFromString(s)
}

// parseInt parses comma-grouped integers, returning 0 on blanks.
func parseInt(s string) int64 {
	s = strings.TrimSpace(strings.ReplaceAll(s, ",", ""))
	if s == "" || s == "-" {
		return 0
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0
	}
	return n
}

// parseTradeDate parses the portal's slash-separated trade dates.
func parseTradeDate(s string) (time.Time, error) {
	return time.Parse("2006/01/02", strings.TrimSpace(s))
}
