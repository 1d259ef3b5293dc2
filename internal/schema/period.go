package schema

import "time"

// Stamp normalizes a server timestamp: UTC, millisecond precision. Cursors
// travel as Unix milliseconds, so anything finer would break comparisons.
func Stamp(t time.Time) time.Time {
	return t.UTC().Truncate(time.Millisecond)
}

// Millis converts an instant to Unix milliseconds.
func Millis(t time.Time) int64 {
	return t.UnixMilli()
}

// FromMillis converts Unix milliseconds to a UTC instant.
func FromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

// StartOfDay truncates t to midnight in its own location.
func StartOfDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}

// PeriodBounds returns the period of the given timeframe containing ref.
// Weeks start on Sunday. The end is the last millisecond of the period.
func PeriodBounds(tf Timeframe, ref time.Time) (start, end time.Time) {
	day := StartOfDay(ref)
	var next time.Time
	switch tf {
	case Weekly:
		start = day.AddDate(0, 0, -int(day.Weekday()))
		next = start.AddDate(0, 0, 7)
	case Monthly:
		start = time.Date(day.Year(), day.Month(), 1, 0, 0, 0, 0, day.Location())
		next = start.AddDate(0, 1, 0)
	case Yearly:
		start = time.Date(day.Year(), time.January, 1, 0, 0, 0, 0, day.Location())
		next = start.AddDate(1, 0, 0)
	default:
		start = day
		next = start.AddDate(0, 0, 1)
	}
	return start, next.Add(-time.Millisecond)
}
