package market

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// KRX closure dates. Kept as data so operators can extend the table without
// a release; substitute holidays and one-off closures (election days,
// year-end) are included. Half-day sessions are not modeled here and must be
// added to the overlay file when announced.
var krxHolidayDates = []string{
	// 2024
	"2024-01-01", // New Year's Day
	"2024-02-09", // Seollal holiday
	"2024-02-10", // Seollal
	"2024-02-11", // Seollal holiday
	"2024-02-12", // substitute holiday
	"2024-03-01", // Independence Movement Day
	"2024-04-10", // National Assembly election
	"2024-05-01", // Labor Day
	"2024-05-06", // substitute holiday
	"2024-05-15", // Buddha's Birthday
	"2024-06-06", // Memorial Day
	"2024-08-15", // Liberation Day
	"2024-09-16", // Chuseok holiday
	"2024-09-17", // Chuseok
	"2024-09-18", // Chuseok holiday
	"2024-10-03", // National Foundation Day
	"2024-10-09", // Hangeul Day
	"2024-12-25", // Christmas
	"2024-12-31", // year-end closure
	// 2025
	"2025-01-01", // New Year's Day
	"2025-01-28", // Seollal holiday
	"2025-01-29", // Seollal
	"2025-01-30", // Seollal holiday
	"2025-03-01", // Independence Movement Day
	"2025-03-03", // substitute holiday
	"2025-05-01", // Labor Day
	"2025-05-05", // Children's Day
	"2025-05-06", // substitute holiday (Buddha's Birthday)
	"2025-06-06", // Memorial Day
	"2025-08-15", // Liberation Day
	"2025-10-03", // National Foundation Day
	"2025-10-05", // Chuseok holiday
	"2025-10-06", // Chuseok
	"2025-10-07", // Chuseok holiday
	"2025-10-08", // substitute holiday
	"2025-10-09", // Hangeul Day
	"2025-12-25", // Christmas
	"2025-12-31", // year-end closure
	// 2026
	"2026-01-01", // New Year's Day
	"2026-01-29", // Seollal holiday
	"2026-01-30", // Seollal
	"2026-01-31", // Seollal holiday
	"2026-03-01", // Independence Movement Day
	"2026-05-05", // Children's Day
	"2026-05-19", // Buddha's Birthday
	"2026-06-06", // Memorial Day
	"2026-08-15", // Liberation Day
	"2026-10-01", // Chuseok holiday
	"2026-10-02", // Chuseok
	"2026-10-03", // National Foundation Day
	"2026-10-09", // Hangeul Day
	"2026-12-25", // Christmas
	"2026-12-31", // year-end closure
}

func defaultHolidays() map[string]struct{} {
	m := make(map[string]struct{}, len(krxHolidayDates))
	for _, d := range krxHolidayDates {
		m[d] = struct{}{}
	}
	return m
}

type holidayFile struct {
	Holidays []string `yaml:"holidays"`
}

// ReloadHolidays re-reads the YAML overlay at path and swaps in a holiday
// table of embedded defaults plus the overlay entries.
func (c *Calendar) ReloadHolidays(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading %s: %w", path, err)
	}

	var f holidayFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("parsing %s: %w", path, err)
	}

	merged := defaultHolidays()
	for _, d := range f.Holidays {
		parsed, err := time.Parse("2006-01-02", d)
		if err != nil {
			return fmt.Errorf("invalid holiday date %q in %s: %w", d, path, err)
		}
		merged[dateKey(parsed)] = struct{}{}
	}

	c.mu.Lock()
	c.holidays = merged
	c.mu.Unlock()
	return nil
}
