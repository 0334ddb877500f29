package series

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    Resolution
		wantErr bool
	}{
		{name: "none", input: "none", want: None},
		{name: "empty means none", input: "", want: None},
		{name: "single minute", input: "1min", want: Resolution{UnitMinute, 1}},
		{name: "five minutes", input: "5min", want: Resolution{UnitMinute, 5}},
		{name: "arbitrary minutes", input: "7min", want: Resolution{UnitMinute, 7}},
		{name: "hours", input: "6hour", want: Resolution{UnitHour, 6}},
		{name: "days", input: "3day", want: Resolution{UnitDay, 3}},
		{name: "week", input: "1week", want: Resolution{UnitWeek, 1}},
		{name: "month", input: "1month", want: Resolution{UnitMonth, 1}},
		{name: "zero count", input: "0min", wantErr: true},
		{name: "negative count", input: "-5min", wantErr: true},
		{name: "garbage", input: "fortnight", wantErr: true},
		{name: "auto is not parseable", input: "auto", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Parse(tt.input)
			if tt.wantErr {
				require.Error(t, err)
				assert.ErrorIs(t, err, ErrInvalidResolution)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestSelect(t *testing.T) {
	tests := []struct {
		name  string
		count int64
		span  time.Duration
		want  Resolution
	}{
		{
			name:  "under target collapses to none",
			count: 9999,
			span:  365 * 24 * time.Hour,
			want:  None,
		},
		{
			name:  "exactly target collapses to none",
			count: 10000,
			span:  24 * time.Hour,
			want:  None,
		},
		{
			// 86400 one-second rows over a day: ideal width is 8.64s,
			// the finest ladder rung qualifies.
			name:  "day of second data",
			count: 86400,
			span:  24 * time.Hour,
			want:  Resolution{UnitMinute, 1},
		},
		{
			// 30 days at 1s: ideal 4.32min, first rung >= that is 5min.
			name:  "month of second data",
			count: 30 * 86400,
			span:  30 * 24 * time.Hour,
			want:  Resolution{UnitMinute, 5},
		},
		{
			// A year at 1s: ideal 52.56min, next rung up is 1hour.
			name:  "year of second data",
			count: 365 * 86400,
			span:  365 * 24 * time.Hour,
			want:  Resolution{UnitHour, 1},
		},
		{
			// Ideal width beyond every rung falls back to 1month.
			name:  "span past the ladder",
			count: 20000,
			span:  2000 * 30 * 24 * time.Hour,
			want:  Resolution{UnitMonth, 1},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Select(tt.count, tt.span, DefaultTargetPoints)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestSelectNeverExceedsTarget(t *testing.T) {
	// Uniformly distributed synthetic series of arbitrary size: the chosen
	// bucket width must always yield at most the target point count.
	spans := []time.Duration{
		time.Hour, 24 * time.Hour, 7 * 24 * time.Hour,
		90 * 24 * time.Hour, 365 * 24 * time.Hour,
	}
	for _, span := range spans {
		count := int64(span / time.Second) // one row per second
		res := Select(count, span, DefaultTargetPoints)
		if res.IsNone() {
			assert.LessOrEqual(t, count, int64(DefaultTargetPoints))
			continue
		}
		buckets := span.Minutes() / float64(res.widthMinutes())
		assert.LessOrEqualf(t, buckets, float64(DefaultTargetPoints),
			"span %s selected %s giving %.0f buckets", span, res, buckets)
	}
}

func TestBucketStart(t *testing.T) {
	// 2024-06-12 was a Wednesday.
	ref := time.Date(2024, 6, 12, 13, 47, 23, 0, time.UTC)

	tests := []struct {
		name string
		res  Resolution
		want time.Time
	}{
		{
			name: "five minutes anchors to epoch modulo",
			res:  Resolution{UnitMinute, 5},
			want: time.Date(2024, 6, 12, 13, 45, 0, 0, time.UTC),
		},
		{
			name: "six hours",
			res:  Resolution{UnitHour, 6},
			want: time.Date(2024, 6, 12, 12, 0, 0, 0, time.UTC),
		},
		{
			name: "one day anchors to midnight",
			res:  Resolution{UnitDay, 1},
			want: time.Date(2024, 6, 12, 0, 0, 0, 0, time.UTC),
		},
		{
			name: "week anchors to most recent Sunday",
			res:  Resolution{UnitWeek, 1},
			want: time.Date(2024, 6, 9, 0, 0, 0, 0, time.UTC),
		},
		{
			name: "month anchors to the first",
			res:  Resolution{UnitMonth, 1},
			want: time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.res.BucketStart(ref))
		})
	}
}

func TestBucketStartOnSundayStaysPut(t *testing.T) {
	sunday := time.Date(2024, 6, 9, 0, 0, 0, 0, time.UTC)
	assert.Equal(t, sunday, Resolution{UnitWeek, 1}.BucketStart(sunday))
}

func TestNextMonthIsCalendarAware(t *testing.T) {
	res := Resolution{UnitMonth, 1}
	jan := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	feb := res.Next(jan)
	mar := res.Next(feb)

	assert.Equal(t, time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC), feb)
	assert.Equal(t, time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC), mar)
	// 2024 is a leap year; February is 29 days, not a fixed width.
	assert.Equal(t, 29*24*time.Hour, mar.Sub(feb))
}

func TestBucketsAreStrictlyIncreasing(t *testing.T) {
	t0 := time.Date(2024, 6, 1, 7, 13, 0, 0, time.UTC)
	t1 := t0.Add(48 * time.Hour)

	for _, res := range []Resolution{
		{UnitMinute, 5}, {UnitHour, 1}, {UnitDay, 1}, {UnitWeek, 1}, {UnitMonth, 1},
	} {
		starts := res.Buckets(t0, t1)
		require.NotEmptyf(t, starts, "resolution %s", res)
		assert.False(t, starts[0].After(t0), "first bucket must cover t0")
		for i := 1; i < len(starts); i++ {
			assert.True(t, starts[i].After(starts[i-1]),
				"bucket starts must strictly increase at %s", res)
		}
	}
}
