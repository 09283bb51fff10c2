package spend

import "time"

// Period boundaries are computed in UTC, matching the day index the limit
// store uses.

func startOfDay(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// StartOfWeek is the Monday of t's ISO week.
func StartOfWeek(t time.Time) time.Time {
	d := startOfDay(t)
	offset := (int(d.Weekday()) + 6) % 7
	return d.AddDate(0, 0, -offset)
}

func StartOfMonth(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
}

// EndOfDay is 23:59:59 on t's day.
func EndOfDay(t time.Time) time.Time {
	return startOfDay(t).Add(24*time.Hour - time.Second)
}

// EndOfWeek is 23:59:59 on the upcoming Sunday. A Sunday is its own end.
func EndOfWeek(t time.Time) time.Time {
	d := startOfDay(t)
	days := (7 - int(d.Weekday())) % 7
	return EndOfDay(d.AddDate(0, 0, days))
}

// EndOfMonth is 23:59:59 on the last day of t's month.
func EndOfMonth(t time.Time) time.Time {
	return StartOfMonth(t).AddDate(0, 1, 0).Add(-time.Second)
}
