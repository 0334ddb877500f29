package series

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/gridwatch/powermon/internal/models"
)

// EnergyStore is the slice of the store the delta calculator needs.
type EnergyStore interface {
	// EnergyReadings returns counter samples in [t0, t1], time-ascending,
	// filtered to one phase unless phase is "ALL".
	EnergyReadings(ctx context.Context, deviceID, phase string, t0, t1 time.Time) ([]models.EnergyReading, error)
}

// EnergyCalculator converts a cumulative per-phase counter series into
// per-bucket consumption deltas.
//
// Two strategies, chosen by bucket width: sub-hour buckets interpolate the
// counter value at each bucket boundary (binary search over the sorted
// samples, clamped at the endpoints); hour-and-coarser buckets difference
// the last and first samples inside the bucket. Any negative delta is
// treated as a counter reset and the bucket is dropped, logged at warning
// level, never surfaced as an error.
type EnergyCalculator struct {
	store  EnergyStore
	logger *logrus.Logger
	target int
}

func NewEnergyCalculator(store EnergyStore, logger *logrus.Logger) *EnergyCalculator {
	return &EnergyCalculator{store: store, logger: logger, target: DefaultTargetPoints}
}

// HistoricalEnergy computes per-bucket consumption for one device and
// phase. Auto resolution is selected against the energy row count,
// independently of any instantaneous-reading query for the same device.
func (c *EnergyCalculator) HistoricalEnergy(
	ctx context.Context,
	deviceID string,
	t0, t1 time.Time,
	phase string,
	resolution string,
) (*models.EnergyQueryResult, error) {
	if t1.Before(t0) {
		return nil, fmt.Errorf("end time %s precedes start time %s", t1, t0)
	}

	start := time.Now()
	result := &models.EnergyQueryResult{ResolutionApplied: resolution}

	samples, err := c.store.EnergyReadings(ctx, deviceID, phase, t0, t1)
	if err != nil {
		return nil, fmt.Errorf("querying energy readings: %w", err)
	}
	sort.Slice(samples, func(i, j int) bool {
		return samples[i].Timestamp.Before(samples[j].Timestamp)
	})

	result.RawCount = int64(len(samples))
	if len(samples) >= 2 {
		result.RawTotalKWh = samples[len(samples)-1].TotalKWh - samples[0].TotalKWh
	}

	var res Resolution
	if resolution == Auto {
		res = Select(result.RawCount, t1.Sub(t0), c.target)
		result.ResolutionApplied = res.String()
	} else {
		res, err = Parse(resolution)
		if err != nil {
			return nil, err
		}
		result.ResolutionApplied = res.String()
	}

	if !res.IsNone() && len(samples) >= 2 {
		if res.Interpolates() {
			result.Buckets = c.interpolatedDeltas(deviceID, samples, res, t0, t1)
		} else {
			result.Buckets = c.firstLastDeltas(deviceID, samples, res, t0, t1)
		}
	}

	result.Elapsed = time.Since(start)
	return result, nil
}

// interpolatedDeltas estimates the counter value at every bucket boundary
// by linear interpolation between the bracketing samples and differences
// the boundary values. Boundaries outside the sampled span clamp to the
// nearest endpoint's value rather than extrapolating.
func (c *EnergyCalculator) interpolatedDeltas(
	deviceID string,
	samples []models.EnergyReading,
	res Resolution,
	t0, t1 time.Time,
) []models.EnergyBucket {
	starts := res.Buckets(t0, t1)
	buckets := make([]models.EnergyBucket, 0, len(starts))

	for _, bs := range starts {
		be := res.Next(bs)
		delta := interpolateKWh(samples, be) - interpolateKWh(samples, bs)
		if delta < 0 {
			c.logger.WithFields(logrus.Fields{
				"device": deviceID,
				"bucket": bs,
				"delta":  delta,
			}).Warn("negative energy delta dropped, counter reset suspected")
			continue
		}
		buckets = append(buckets, models.EnergyBucket{Start: bs, KWh: delta})
	}
	return buckets
}

// firstLastDeltas differences the last and first samples inside each
// bucket. Buckets with fewer than two samples are skipped.
func (c *EnergyCalculator) firstLastDeltas(
	deviceID string,
	samples []models.EnergyReading,
	res Resolution,
	t0, t1 time.Time,
) []models.EnergyBucket {
	starts := res.Buckets(t0, t1)
	buckets := make([]models.EnergyBucket, 0, len(starts))

	for _, bs := range starts {
		be := res.Next(bs)
		lo := sort.Search(len(samples), func(i int) bool {
			return !samples[i].Timestamp.Before(bs)
		})
		hi := sort.Search(len(samples), func(i int) bool {
			return !samples[i].Timestamp.Before(be)
		})
		if hi-lo < 2 {
			continue
		}
		delta := samples[hi-1].TotalKWh - samples[lo].TotalKWh
		if delta < 0 {
			c.logger.WithFields(logrus.Fields{
				"device": deviceID,
				"bucket": bs,
				"delta":  delta,
			}).Warn("negative energy delta dropped, counter reset suspected")
			continue
		}
		buckets = append(buckets, models.EnergyBucket{Start: bs, KWh: delta})
	}
	return buckets
}

// interpolateKWh estimates the counter value at target. Samples must be
// time-ascending. Targets before the first or after the last sample return
// the nearest endpoint's value.
func interpolateKWh(samples []models.EnergyReading, target time.Time) float64 {
	idx := sort.Search(len(samples), func(i int) bool {
		return !samples[i].Timestamp.Before(target)
	})

	if idx < len(samples) && samples[idx].Timestamp.Equal(target) {
		return samples[idx].TotalKWh
	}
	if idx == 0 {
		return samples[0].TotalKWh
	}
	if idx >= len(samples) {
		return samples[len(samples)-1].TotalKWh
	}

	before, after := samples[idx-1], samples[idx]
	span := after.Timestamp.Sub(before.Timestamp)
	if span <= 0 {
		return before.TotalKWh
	}
	ratio := float64(target.Sub(before.Timestamp)) / float64(span)
	return before.TotalKWh + (after.TotalKWh-before.TotalKWh)*ratio
}
