// Package series implements the query-side downsampling of stored
// telemetry: resolution selection, time-bucket arithmetic, averaged
// instantaneous readings and per-bucket energy consumption deltas.
//
// Bucket anchoring:
//   - minute and hour buckets are anchored to the epoch modulo their width
//   - day buckets are anchored to midnight (epoch-day modulo for N > 1)
//   - week buckets are anchored to the most recent Sunday at midnight
//   - month buckets are anchored to the first of the calendar month and
//     have variable width; no fixed-second approximation is applied to
//     their boundaries
//
// All calendar arithmetic is done in UTC, matching the clock used by the
// ingestion path.
package series

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ErrInvalidResolution is returned when a resolution string cannot be
// parsed or is out of the supported set.
var ErrInvalidResolution = errors.New("invalid resolution")

// Unit is the bucket width unit of a resolution.
type Unit string

const (
	UnitNone   Unit = "none"
	UnitMinute Unit = "min"
	UnitHour   Unit = "hour"
	UnitDay    Unit = "day"
	UnitWeek   Unit = "week"
	UnitMonth  Unit = "month"
)

// Resolution is a parsed bucket width. The zero-ish None value means raw,
// unbucketed output.
type Resolution struct {
	Unit Unit
	N    int
}

// None is the raw (unbucketed) resolution.
var None = Resolution{Unit: UnitNone}

// Auto is the sentinel resolution string resolved per query against the
// row count in range.
const Auto = "auto"

// ladder is the fixed set of bucket widths auto-selection chooses from,
// finest first.
var ladder = []Resolution{
	{UnitMinute, 1}, {UnitMinute, 2}, {UnitMinute, 3}, {UnitMinute, 5},
	{UnitMinute, 10}, {UnitMinute, 15}, {UnitMinute, 20}, {UnitMinute, 30},
	{UnitHour, 1}, {UnitHour, 2}, {UnitHour, 3}, {UnitHour, 6}, {UnitHour, 12},
	{UnitDay, 1}, {UnitWeek, 1}, {UnitMonth, 1},
}

// Parse parses a resolution string: "none", "Nmin", "Nhour", "Nday",
// "1week" or "1month". The "auto" sentinel is resolved by the engine before
// parsing and is rejected here.
func Parse(s string) (Resolution, error) {
	switch s {
	case "none", "":
		return None, nil
	case "1week":
		return Resolution{UnitWeek, 1}, nil
	case "1month":
		return Resolution{UnitMonth, 1}, nil
	}

	for _, unit := range []Unit{UnitMinute, UnitHour, UnitDay} {
		suffix := string(unit)
		if !strings.HasSuffix(s, suffix) {
			continue
		}
		n, err := strconv.Atoi(strings.TrimSuffix(s, suffix))
		if err != nil || n < 1 {
			return None, fmt.Errorf("%w: %q", ErrInvalidResolution, s)
		}
		return Resolution{unit, n}, nil
	}

	return None, fmt.Errorf("%w: %q", ErrInvalidResolution, s)
}

// Select picks the coarsest-necessary resolution that keeps a query at or
// below target points, given the raw row count in range and the elapsed
// span. It collapses to None when the raw rows already fit.
func Select(count int64, span time.Duration, target int) Resolution {
	if count <= int64(target) {
		return None
	}

	idealMinutes := span.Minutes() / float64(target)
	for _, r := range ladder {
		if float64(r.widthMinutes()) >= idealMinutes {
			return r
		}
	}
	return Resolution{UnitMonth, 1}
}

func (r Resolution) String() string {
	if r.IsNone() {
		return "none"
	}
	return fmt.Sprintf("%d%s", r.N, r.Unit)
}

// IsNone reports whether the resolution means raw, unbucketed output.
func (r Resolution) IsNone() bool {
	return r.Unit == UnitNone || r.Unit == ""
}

// Interpolates reports whether energy deltas at this resolution use
// boundary interpolation (sub-hour buckets) rather than first/last
// differencing.
func (r Resolution) Interpolates() bool {
	return r.Unit == UnitMinute
}

// widthMinutes is the nominal bucket width in minutes. Weeks and months use
// their display-duration estimates (10080 and 43200); actual month
// boundaries come from calendar arithmetic, never from this figure.
func (r Resolution) widthMinutes() int {
	switch r.Unit {
	case UnitMinute:
		return r.N
	case UnitHour:
		return r.N * 60
	case UnitDay:
		return r.N * 1440
	case UnitWeek:
		return r.N * 10080
	case UnitMonth:
		return r.N * 43200
	}
	return 0
}

// WidthSeconds is the nominal bucket width in seconds, for epoch-modulo
// anchored units.
func (r Resolution) WidthSeconds() int64 {
	return int64(r.widthMinutes()) * 60
}

// BucketStart returns the start of the bucket containing t.
func (r Resolution) BucketStart(t time.Time) time.Time {
	t = t.UTC()
	switch r.Unit {
	case UnitMinute, UnitHour:
		w := r.WidthSeconds()
		sec := t.Unix()
		return time.Unix(sec-floorMod(sec, w), 0).UTC()
	case UnitDay:
		if r.N == 1 {
			return midnight(t)
		}
		w := r.WidthSeconds()
		sec := t.Unix()
		return time.Unix(sec-floorMod(sec, w), 0).UTC()
	case UnitWeek:
		m := midnight(t)
		return m.AddDate(0, 0, -int(m.Weekday()))
	case UnitMonth:
		return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
	}
	return t
}

// Next returns the start of the bucket following the one starting at
// start. Months advance by calendar month, not by a fixed duration.
func (r Resolution) Next(start time.Time) time.Time {
	switch r.Unit {
	case UnitMinute:
		return start.Add(time.Duration(r.N) * time.Minute)
	case UnitHour:
		return start.Add(time.Duration(r.N) * time.Hour)
	case UnitDay:
		return start.AddDate(0, 0, r.N)
	case UnitWeek:
		return start.AddDate(0, 0, 7*r.N)
	case UnitMonth:
		return start.AddDate(0, r.N, 0)
	}
	return start
}

// Buckets returns the half-open bucket start times covering [t0, t1],
// beginning at the boundary at or before t0.
func (r Resolution) Buckets(t0, t1 time.Time) []time.Time {
	if r.IsNone() || t1.Before(t0) {
		return nil
	}
	var starts []time.Time
	for cur := r.BucketStart(t0); !cur.After(t1); cur = r.Next(cur) {
		starts = append(starts, cur)
	}
	return starts
}

func midnight(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

func floorMod(x, y int64) int64 {
	m := x % y
	if m < 0 {
		m += y
	}
	return m
}
