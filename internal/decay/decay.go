// Package decay provides the half-life recency math shared by the graph
// builder and the scoring engine.
package decay

import (
	"math"
	"strings"
	"time"
)

// minHalfLifeDays guards against division by zero for misconfigured half-lives.
const minHalfLifeDays = 0.1

var layouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// Parse parses an ISO-8601 timestamp. Values without an offset are taken as UTC.
func Parse(ts string) (time.Time, bool) {
	ts = strings.TrimSpace(ts)
	if ts == "" {
		return time.Time{}, false
	}
	for _, layout := range layouts {
		if t, err := time.Parse(layout, ts); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}

// DaysSince returns the non-negative number of days between ts and now.
// ok is false when ts is absent or unparsable.
func DaysSince(ts string, now time.Time) (days float64, ok bool) {
	t, ok := Parse(ts)
	if !ok {
		return 0, false
	}
	d := now.Sub(t).Hours() / 24
	if d < 0 {
		d = 0
	}
	return d, true
}

// Factor computes the exponential half-life decay of ts relative to now,
// clamped to [floor, ceil]. Absent or unparsable timestamps decay fully to floor.
func Factor(ts string, now time.Time, halfLifeDays, floor, ceil float64) float64 {
	days, ok := DaysSince(ts, now)
	if !ok {
		return floor
	}
	return Clamp(math.Pow(0.5, days/math.Max(halfLifeDays, minHalfLifeDays)), floor, ceil)
}

// Clamp bounds x to [lo, hi].
func Clamp(x, lo, hi float64) float64 {
	if x < lo {
		return lo
	}
	if x > hi {
		return hi
	}
	return x
}

// MinMax maps x linearly from [lo, hi] onto [0, 1]. A degenerate range yields 0.
func MinMax(x, lo, hi float64) float64 {
	switch {
	case hi <= lo:
		return 0
	case x <= lo:
		return 0
	case x >= hi:
		return 1
	}
	return (x - lo) / (hi - lo)
}
