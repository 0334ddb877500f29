package series

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gridwatch/powermon/internal/models"
)

type fakeEnergyStore struct {
	samples []models.EnergyReading
}

func (f *fakeEnergyStore) EnergyReadings(ctx context.Context, deviceID, phase string, t0, t1 time.Time) ([]models.EnergyReading, error) {
	return f.samples, nil
}

func kwhSamples(start time.Time, step time.Duration, values ...float64) []models.EnergyReading {
	samples := make([]models.EnergyReading, len(values))
	for i, v := range values {
		samples[i] = models.EnergyReading{
			Timestamp: start.Add(time.Duration(i) * step),
			DeviceID:  "meter-1",
			Phase:     "ALL",
			TotalKWh:  v,
		}
	}
	return samples
}

func TestHistoricalEnergySingleBucketFirstLast(t *testing.T) {
	// Counter readings 0, 1, 2, 3 kWh one minute apart, bucketed hourly:
	// the single bucket's consumption is last minus first.
	start := time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC)
	calc := NewEnergyCalculator(&fakeEnergyStore{
		samples: kwhSamples(start, time.Minute, 0, 1, 2, 3),
	}, testLogger())

	result, err := calc.HistoricalEnergy(context.Background(), "meter-1", start, start.Add(3*time.Minute), "ALL", "1hour")
	require.NoError(t, err)

	require.Len(t, result.Buckets, 1)
	assert.Equal(t, start, result.Buckets[0].Start)
	assert.InDelta(t, 3.0, result.Buckets[0].KWh, 1e-9)
	assert.InDelta(t, 3.0, result.RawTotalKWh, 1e-9)
	assert.Equal(t, int64(4), result.RawCount)
}

func TestHistoricalEnergySingleBucketInterpolated(t *testing.T) {
	// Same series at a sub-hour resolution takes the interpolation path;
	// with samples exactly on the bucket boundaries the result matches
	// first/last differencing.
	start := time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC)
	calc := NewEnergyCalculator(&fakeEnergyStore{
		samples: kwhSamples(start, time.Minute, 0, 1, 2, 3),
	}, testLogger())

	result, err := calc.HistoricalEnergy(context.Background(), "meter-1", start, start.Add(3*time.Minute), "ALL", "5min")
	require.NoError(t, err)

	require.Len(t, result.Buckets, 1)
	assert.InDelta(t, 3.0, result.Buckets[0].KWh, 1e-9)
}

func TestHistoricalEnergyInterpolationAtBoundaries(t *testing.T) {
	// Samples 30s off the 5min marks: the boundary values are linearly
	// interpolated, and per-bucket deltas still sum to the raw total.
	start := time.Date(2024, 6, 1, 10, 0, 30, 0, time.UTC)
	samples := kwhSamples(start, 5*time.Minute, 10.0, 10.5, 11.0, 11.5, 12.0)
	calc := NewEnergyCalculator(&fakeEnergyStore{samples: samples}, testLogger())

	t0 := time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC)
	t1 := time.Date(2024, 6, 1, 10, 20, 0, 0, time.UTC)
	result, err := calc.HistoricalEnergy(context.Background(), "meter-1", t0, t1, "ALL", "5min")
	require.NoError(t, err)

	require.Len(t, result.Buckets, 5)
	var sum float64
	for _, b := range result.Buckets {
		assert.GreaterOrEqual(t, b.KWh, 0.0)
		sum += b.KWh
	}
	// Boundaries outside the sampled span clamp, so the bucketed total
	// equals the counter growth over the whole window.
	assert.InDelta(t, result.RawTotalKWh, sum, 1e-9)
}

func TestHistoricalEnergyCounterResetDropsBucket(t *testing.T) {
	// The meter resets between 10:05 and 10:10: that one bucket would be
	// negative and is dropped, the rest of the series is unaffected.
	start := time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC)
	samples := []models.EnergyReading{}
	for i, v := range []float64{100.0, 100.1, 100.2, 0.0, 0.1, 0.2, 0.3} {
		samples = append(samples, models.EnergyReading{
			Timestamp: start.Add(time.Duration(i) * 150 * time.Second),
			DeviceID:  "meter-1",
			Phase:     "ALL",
			TotalKWh:  v,
		})
	}
	calc := NewEnergyCalculator(&fakeEnergyStore{samples: samples}, testLogger())

	result, err := calc.HistoricalEnergy(context.Background(), "meter-1", start, start.Add(15*time.Minute), "ALL", "5min")
	require.NoError(t, err)

	assert.Less(t, len(result.Buckets), 4, "the reset bucket is dropped")
	for _, b := range result.Buckets {
		assert.GreaterOrEqual(t, b.KWh, 0.0, "no bucket is ever negative")
	}
	// The raw total is deliberately unfiltered and goes negative across a
	// reset.
	assert.Negative(t, result.RawTotalKWh)
}

func TestHistoricalEnergyResetDropsBucketFirstLast(t *testing.T) {
	start := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	var samples []models.EnergyReading
	// Three hours of 10min samples; the counter resets inside hour two.
	values := []float64{
		50.0, 50.1, 50.2, 50.3, 50.4, 50.5, // hour 0
		50.6, 50.7, 0.0, 0.1, 0.2, 0.3, // hour 1, reset at 01:20
		0.4, 0.5, 0.6, 0.7, 0.8, 0.9, // hour 2
	}
	for i, v := range values {
		samples = append(samples, models.EnergyReading{
			Timestamp: start.Add(time.Duration(i) * 10 * time.Minute),
			DeviceID:  "meter-1",
			Phase:     "ALL",
			TotalKWh:  v,
		})
	}
	calc := NewEnergyCalculator(&fakeEnergyStore{samples: samples}, testLogger())

	result, err := calc.HistoricalEnergy(context.Background(), "meter-1", start, start.Add(3*time.Hour), "ALL", "1hour")
	require.NoError(t, err)

	require.Len(t, result.Buckets, 2, "only the reset hour is missing")
	assert.Equal(t, start, result.Buckets[0].Start)
	assert.Equal(t, start.Add(2*time.Hour), result.Buckets[1].Start)
	assert.InDelta(t, 0.5, result.Buckets[0].KWh, 1e-9)
	assert.InDelta(t, 0.5, result.Buckets[1].KWh, 1e-9)
}

func TestHistoricalEnergyTooFewSamples(t *testing.T) {
	start := time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC)
	calc := NewEnergyCalculator(&fakeEnergyStore{
		samples: kwhSamples(start, time.Minute, 42.0),
	}, testLogger())

	result, err := calc.HistoricalEnergy(context.Background(), "meter-1", start, start.Add(time.Hour), "ALL", "1hour")
	require.NoError(t, err)

	assert.Empty(t, result.Buckets)
	assert.Zero(t, result.RawTotalKWh)
	assert.Equal(t, int64(1), result.RawCount)
}

func TestHistoricalEnergyAutoCollapsesSparseSeries(t *testing.T) {
	start := time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC)
	calc := NewEnergyCalculator(&fakeEnergyStore{
		samples: kwhSamples(start, time.Minute, 0, 1, 2),
	}, testLogger())

	result, err := calc.HistoricalEnergy(context.Background(), "meter-1", start, start.Add(2*time.Minute), "ALL", Auto)
	require.NoError(t, err)

	assert.Equal(t, "none", result.ResolutionApplied)
	assert.Empty(t, result.Buckets, "raw totals only when no bucketing applies")
	assert.InDelta(t, 2.0, result.RawTotalKWh, 1e-9)
}

func TestHistoricalEnergyStrategiesAgreeOnDenseData(t *testing.T) {
	// A dense, steadily growing counter: interpolation and first/last
	// differencing should produce nearly identical per-bucket results.
	start := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	var samples []models.EnergyReading
	for i := 0; i < 6*60; i++ { // one sample per 10s over an hour
		ts := start.Add(time.Duration(i) * 10 * time.Second)
		samples = append(samples, models.EnergyReading{
			Timestamp: ts,
			DeviceID:  "meter-1",
			Phase:     "ALL",
			TotalKWh:  float64(i) * 0.01,
		})
	}
	calc := NewEnergyCalculator(&fakeEnergyStore{samples: samples}, testLogger())

	interp, err := calc.HistoricalEnergy(context.Background(), "meter-1", start, start.Add(time.Hour), "ALL", "10min")
	require.NoError(t, err)
	// Bucket starts at 00:00 through 01:00 inclusive; the trailing buckets
	// clamp against the last sample at 00:59:50.
	require.Len(t, interp.Buckets, 7)

	for i, b := range interp.Buckets {
		if i >= len(interp.Buckets)-2 {
			continue
		}
		assert.InDeltaf(t, 0.6, b.KWh, 1e-9, "bucket %d", i)
	}
	assert.InDelta(t, 0.59, interp.Buckets[5].KWh, 1e-9)
	assert.InDelta(t, 0.0, interp.Buckets[6].KWh, 1e-9)
}
