// Package service is the core's boundary with the (external) routing
// layer: device registration control, fire-and-forget sample submission
// and the historical/latest/stats query surface.
package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru"
	"github.com/sirupsen/logrus"

	"github.com/gridwatch/powermon/internal/metrics"
	"github.com/gridwatch/powermon/internal/models"
	"github.com/gridwatch/powermon/internal/series"
)

// Typed query failures surfaced to the caller; none of them is retried
// internally.
var (
	ErrUnknownDevice    = errors.New("unknown device")
	ErrInvalidTimeRange = errors.New("invalid time range")

	// ErrInvalidResolution re-exports the series sentinel so callers only
	// depend on this package.
	ErrInvalidResolution = series.ErrInvalidResolution
)

// cacheGrace is how far in the past a query range must end before its
// result is considered immutable and cacheable.
const cacheGrace = 5 * time.Minute

// Store is the persistence surface the service needs.
type Store interface {
	UpsertDevice(ctx context.Context, d models.Device) error
	GetDevice(ctx context.Context, id string) (models.Device, bool, error)
	ListDevices(ctx context.Context) ([]models.Device, error)
	DeleteDevice(ctx context.Context, id string) error

	InsertReading(ctx context.Context, r models.Reading) error
	InsertEnergyReadings(ctx context.Context, readings []models.EnergyReading) error
	TouchDeviceSeen(ctx context.Context, id string, at time.Time) error

	LatestReading(ctx context.Context, deviceID string) (models.Reading, bool, error)
	LatestEnergy(ctx context.Context, deviceID, phase string) (models.EnergyReading, bool, error)
	ReadingCount(ctx context.Context, deviceID string, t0, t1 time.Time) (int64, error)
	Stats(ctx context.Context) (models.StoreStats, error)
}

// ReadingQuerier answers historical reading queries (the aggregation
// engine).
type ReadingQuerier interface {
	HistoricalReadings(ctx context.Context, deviceID string, t0, t1 time.Time, limit int, resolution string) (*models.ReadingQueryResult, error)
}

// EnergyQuerier answers historical energy queries (the delta calculator).
type EnergyQuerier interface {
	HistoricalEnergy(ctx context.Context, deviceID string, t0, t1 time.Time, phase, resolution string) (*models.EnergyQueryResult, error)
}

// DeviceSupervisor is the control surface of one poll-loop population.
type DeviceSupervisor interface {
	Add(d models.Device)
	Update(d models.Device)
	Remove(id string)
}

type Service struct {
	store          Store
	readings       ReadingQuerier
	energy         EnergyQuerier
	readingPollers DeviceSupervisor
	energyPollers  DeviceSupervisor
	cache          *lru.Cache
	logger         *logrus.Logger
	metrics        *metrics.Metrics
}

func New(
	store Store,
	readings ReadingQuerier,
	energy EnergyQuerier,
	readingPollers, energyPollers DeviceSupervisor,
	cacheSize int,
	logger *logrus.Logger,
	m *metrics.Metrics,
) (*Service, error) {
	cache, err := lru.New(cacheSize)
	if err != nil {
		return nil, err
	}
	return &Service{
		store:          store,
		readings:       readings,
		energy:         energy,
		readingPollers: readingPollers,
		energyPollers:  energyPollers,
		cache:          cache,
		logger:         logger,
		metrics:        m,
	}, nil
}

// Start loads the registered fleet from the store and brings up the poll
// loops for every enabled device.
func (s *Service) Start(ctx context.Context) error {
	devices, err := s.store.ListDevices(ctx)
	if err != nil {
		return fmt.Errorf("loading device fleet: %w", err)
	}
	started := 0
	for _, d := range devices {
		if !d.Enabled {
			continue
		}
		s.readingPollers.Add(d)
		s.energyPollers.Add(d)
		started++
	}
	s.logger.WithField("devices", started).Info("polling started for registered fleet")
	return nil
}

// RegisterDevice persists a device and starts its poll loops. Zero
// intervals get the fleet defaults.
func (s *Service) RegisterDevice(ctx context.Context, d models.Device) error {
	if d.ID == "" || d.Address == "" {
		return fmt.Errorf("device id and address are required")
	}
	d = withDefaultIntervals(d)

	if err := s.store.UpsertDevice(ctx, d); err != nil {
		return fmt.Errorf("registering device %s: %w", d.ID, err)
	}
	s.readingPollers.Add(d)
	s.energyPollers.Add(d)
	return nil
}

// UpdateDevice reconfigures a known device and restarts its loops. The
// replacement loop only starts after the previous one has terminated.
// Zero intervals get the fleet defaults, same as registration.
func (s *Service) UpdateDevice(ctx context.Context, id string, d models.Device) error {
	if _, ok, err := s.store.GetDevice(ctx, id); err != nil {
		return err
	} else if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownDevice, id)
	}

	d.ID = id
	d = withDefaultIntervals(d)
	if err := s.store.UpsertDevice(ctx, d); err != nil {
		return fmt.Errorf("updating device %s: %w", id, err)
	}
	s.readingPollers.Update(d)
	s.energyPollers.Update(d)
	return nil
}

// RemoveDevice cancels the device's poll loops, awaits their termination
// and deletes the device with all its readings. Removing an unknown
// device is a no-op.
func (s *Service) RemoveDevice(ctx context.Context, id string) error {
	s.readingPollers.Remove(id)
	s.energyPollers.Remove(id)
	if err := s.store.DeleteDevice(ctx, id); err != nil {
		return fmt.Errorf("removing device %s: %w", id, err)
	}
	return nil
}

// SubmitReading appends one instantaneous reading. Fire-and-forget from
// the caller's perspective; storage errors are logged, not returned.
func (s *Service) SubmitReading(ctx context.Context, r models.Reading) {
	if err := s.store.InsertReading(ctx, r); err != nil {
		s.metrics.StoreWrites.WithLabelValues("readings", "error").Inc()
		s.logger.WithError(err).WithField("device", r.DeviceID).Error("failed to store reading")
		return
	}
	s.metrics.StoreWrites.WithLabelValues("readings", "ok").Inc()
	s.touchSeen(ctx, r.DeviceID, r.Timestamp)
}

// SubmitEnergyReadings appends one poll's worth of counter samples.
// Fire-and-forget; storage errors are logged, not returned.
func (s *Service) SubmitEnergyReadings(ctx context.Context, readings []models.EnergyReading) {
	if len(readings) == 0 {
		return
	}
	if err := s.store.InsertEnergyReadings(ctx, readings); err != nil {
		s.metrics.StoreWrites.WithLabelValues("energy_readings", "error").Inc()
		s.logger.WithError(err).WithField("device", readings[0].DeviceID).Error("failed to store energy readings")
		return
	}
	s.metrics.StoreWrites.WithLabelValues("energy_readings", "ok").Inc()
	s.touchSeen(ctx, readings[0].DeviceID, readings[0].Timestamp)
}

// LatestReading returns the most recent reading, or (zero, false) when the
// device has none yet.
func (s *Service) LatestReading(ctx context.Context, deviceID string) (models.Reading, bool, error) {
	if err := s.requireDevice(ctx, deviceID); err != nil {
		return models.Reading{}, false, err
	}
	return s.store.LatestReading(ctx, deviceID)
}

// LatestEnergy returns the most recent counter sample for a device,
// optionally pinned to one phase ("ALL" or empty selects any).
func (s *Service) LatestEnergy(ctx context.Context, deviceID, phase string) (models.EnergyReading, bool, error) {
	if err := s.requireDevice(ctx, deviceID); err != nil {
		return models.EnergyReading{}, false, err
	}
	return s.store.LatestEnergy(ctx, deviceID, phase)
}

// ReadingCount counts rows in range without materializing them.
func (s *Service) ReadingCount(ctx context.Context, deviceID string, t0, t1 time.Time) (int64, error) {
	if err := s.requireDevice(ctx, deviceID); err != nil {
		return 0, err
	}
	if t1.Before(t0) {
		return 0, fmt.Errorf("%w: end %s precedes start %s", ErrInvalidTimeRange, t1, t0)
	}
	return s.store.ReadingCount(ctx, deviceID, t0, t1)
}

// StoreStats reports the store's footprint and disk headroom.
func (s *Service) StoreStats(ctx context.Context) (models.StoreStats, error) {
	return s.store.Stats(ctx)
}

// HistoricalReadings answers a range query at the requested resolution.
// Results for ranges that ended before the cache grace window are served
// from and stored into an LRU cache.
func (s *Service) HistoricalReadings(ctx context.Context, deviceID string, t0, t1 time.Time, limit int, resolution string) (*models.ReadingQueryResult, error) {
	if err := s.requireDevice(ctx, deviceID); err != nil {
		return nil, err
	}
	if t1.Before(t0) {
		return nil, fmt.Errorf("%w: end %s precedes start %s", ErrInvalidTimeRange, t1, t0)
	}

	key := fmt.Sprintf("readings:%s:%d:%d:%d:%s", deviceID, t0.Unix(), t1.Unix(), limit, resolution)
	cacheable := time.Since(t1) > cacheGrace
	if cacheable {
		if cached, ok := s.cache.Get(key); ok {
			return cached.(*models.ReadingQueryResult), nil
		}
	}

	requestID := uuid.NewString()
	result, err := s.readings.HistoricalReadings(ctx, deviceID, t0, t1, limit, resolution)
	if err != nil {
		return nil, err
	}
	s.metrics.QueryLatency.WithLabelValues("historical_readings").Observe(result.Elapsed.Seconds())
	s.logger.WithFields(logrus.Fields{
		"request_id": requestID,
		"device":     deviceID,
		"resolution": result.ResolutionApplied,
		"rows":       len(result.Rows),
		"elapsed":    result.Elapsed,
	}).Debug("historical readings query")

	if cacheable {
		s.cache.Add(key, result)
	}
	return result, nil
}

// HistoricalEnergy answers a per-bucket consumption query for one phase.
func (s *Service) HistoricalEnergy(ctx context.Context, deviceID string, t0, t1 time.Time, phase, resolution string) (*models.EnergyQueryResult, error) {
	if err := s.requireDevice(ctx, deviceID); err != nil {
		return nil, err
	}
	if t1.Before(t0) {
		return nil, fmt.Errorf("%w: end %s precedes start %s", ErrInvalidTimeRange, t1, t0)
	}

	key := fmt.Sprintf("energy:%s:%d:%d:%s:%s", deviceID, t0.Unix(), t1.Unix(), phase, resolution)
	cacheable := time.Since(t1) > cacheGrace
	if cacheable {
		if cached, ok := s.cache.Get(key); ok {
			return cached.(*models.EnergyQueryResult), nil
		}
	}

	requestID := uuid.NewString()
	result, err := s.energy.HistoricalEnergy(ctx, deviceID, t0, t1, phase, resolution)
	if err != nil {
		return nil, err
	}
	s.metrics.QueryLatency.WithLabelValues("historical_energy").Observe(result.Elapsed.Seconds())
	s.logger.WithFields(logrus.Fields{
		"request_id": requestID,
		"device":     deviceID,
		"phase":      phase,
		"resolution": result.ResolutionApplied,
		"buckets":    len(result.Buckets),
		"elapsed":    result.Elapsed,
	}).Debug("historical energy query")

	if cacheable {
		s.cache.Add(key, result)
	}
	return result, nil
}

func (s *Service) touchSeen(ctx context.Context, id string, at time.Time) {
	if err := s.store.TouchDeviceSeen(ctx, id, at); err != nil {
		s.logger.WithError(err).WithField("device", id).Debug("failed to update last-seen marker")
	}
}

func withDefaultIntervals(d models.Device) models.Device {
	if d.PollInterval <= 0 {
		d.PollInterval = time.Second
	}
	if d.EnergyPollInterval <= 0 {
		d.EnergyPollInterval = 30 * time.Second
	}
	return d
}

func (s *Service) requireDevice(ctx context.Context, id string) error {
	_, ok, err := s.store.GetDevice(ctx, id)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownDevice, id)
	}
	return nil
}
