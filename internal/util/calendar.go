package util

import "time"

// TradingDay buckets timestamps into trading days for daily P&L and loss
// limits. Days roll at a fixed local-time cutoff in the given location
// (midnight for a calendar-day roll, or e.g. 17:00 for an FX-style roll).
type TradingDay struct {
	loc    *time.Location
	cutoff time.Duration // offset from midnight at which the day rolls
}

// NewTradingDay creates a bucketer. A nil location means time.Local.
func NewTradingDay(loc *time.Location, cutoff time.Duration) *TradingDay {
	if loc == nil {
		loc = time.Local
	}
	return &TradingDay{loc: loc, cutoff: cutoff}
}

// Bucket returns the trading day containing t, normalized to the day's
// start instant.
func (td *TradingDay) Bucket(t time.Time) time.Time {
	local := t.In(td.loc)
	day := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, td.loc)
	start := day.Add(td.cutoff)
	if local.Before(start) {
		start = start.AddDate(0, 0, -1)
	}
	return start
}

// SameDay reports whether a and b fall in the same trading day.
func (td *TradingDay) SameDay(a, b time.Time) bool {
	return td.Bucket(a).Equal(td.Bucket(b))
}
