package utils

import (
	"time"
)

// DateLayout is the canonical calendar-day format used for keys and wire payloads.
const DateLayout = "2006-01-02"

// NormalizeDate returns the calendar day of t (read in t's own location) as
// midnight UTC, which is how calendar days are represented across the module.
func NormalizeDate(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func ParseDate(dateStr string) (time.Time, error) {
	return time.Parse(DateLayout, dateStr)
}

func FormatDate(date time.Time) string {
	return date.Format(DateLayout)
}

func AddDays(date time.Time, days int) time.Time {
	return NormalizeDate(date).AddDate(0, 0, days)
}

// DaysBetween returns the number of calendar days from start to end; negative
// when end precedes start.
func DaysBetween(start, end time.Time) int {
	return int(NormalizeDate(end).Sub(NormalizeDate(start)).Hours() / 24)
}

// DateRange lists every calendar day in [start, end]. It returns nil when
// start is after end.
func DateRange(start, end time.Time) []time.Time {
	start, end = NormalizeDate(start), NormalizeDate(end)
	if start.After(end) {
		return nil
	}
	days := make([]time.Time, 0, DaysBetween(start, end)+1)
	for d := start; !d.After(end); d = d.AddDate(0, 0, 1) {
		days = append(days, d)
	}
	return days
}

// ValidateDate reports whether date lies within maxDays calendar days of today.
func ValidateDate(date, today time.Time, maxDays int) bool {
	oldest := AddDays(today, -maxDays)
	return !NormalizeDate(date).Before(oldest)
}
