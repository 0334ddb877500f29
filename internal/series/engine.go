package series

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/gridwatch/powermon/internal/models"
)

// DefaultTargetPoints is the point-count ceiling auto resolution aims for.
const DefaultTargetPoints = 10000

// ReadingStore is the slice of the store the aggregation engine needs.
type ReadingStore interface {
	// ReadingCount counts rows in [t0, t1] without materializing them.
	ReadingCount(ctx context.Context, deviceID string, t0, t1 time.Time) (int64, error)

	// ScanReadings returns raw rows in [t0, t1], time-descending, capped
	// at limit when limit > 0.
	ScanReadings(ctx context.Context, deviceID string, t0, t1 time.Time, limit int) ([]models.Reading, error)

	// AggregateReadings returns per-bucket arithmetic means of every
	// numeric field, time-descending. Buckets with no contributing rows
	// are omitted.
	AggregateReadings(ctx context.Context, deviceID string, t0, t1 time.Time, res Resolution, limit int) ([]models.Reading, error)
}

// Engine answers historical reading queries at a caller-chosen resolution,
// never returning more than the target point count when resolution is auto.
type Engine struct {
	store  ReadingStore
	logger *logrus.Logger
	target int
}

func NewEngine(store ReadingStore, logger *logrus.Logger) *Engine {
	return &Engine{store: store, logger: logger, target: DefaultTargetPoints}
}

// HistoricalReadings resolves the requested resolution and fetches either
// raw or bucket-averaged rows, time-descending.
func (e *Engine) HistoricalReadings(
	ctx context.Context,
	deviceID string,
	t0, t1 time.Time,
	limit int,
	resolution string,
) (*models.ReadingQueryResult, error) {
	if t1.Before(t0) {
		return nil, fmt.Errorf("end time %s precedes start time %s", t1, t0)
	}

	start := time.Now()
	result := &models.ReadingQueryResult{ResolutionApplied: resolution}

	var res Resolution
	if resolution == Auto {
		count, err := e.store.ReadingCount(ctx, deviceID, t0, t1)
		if err != nil {
			return nil, fmt.Errorf("counting readings: %w", err)
		}
		res = Select(count, t1.Sub(t0), e.target)
		result.ResolutionApplied = res.String()
		result.PreAggregationCount = count
		e.logger.WithFields(logrus.Fields{
			"device":     deviceID,
			"row_count":  count,
			"resolution": res.String(),
		}).Debug("auto resolution selected")
	} else {
		var err error
		res, err = Parse(resolution)
		if err != nil {
			return nil, err
		}
		result.ResolutionApplied = res.String()
	}

	var (
		rows []models.Reading
		err  error
	)
	if res.IsNone() {
		rows, err = e.store.ScanReadings(ctx, deviceID, t0, t1, limit)
	} else {
		rows, err = e.store.AggregateReadings(ctx, deviceID, t0, t1, res, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("querying readings: %w", err)
	}

	result.Rows = rows
	result.Elapsed = time.Since(start)
	return result, nil
}
