// Package retention keeps the store inside the operator's space budget.
//
// A cron-driven hourly cycle checkpoints the write-ahead log, measures the
// store and its volume, and when free space falls below the configured
// minimum first compacts old high-frequency data into hourly averages and
// only then deletes data outright, oldest first, in bounded batches. Every
// step is independently retryable: an error is logged and the cycle moves
// on, it never aborts the periodic schedule.
package retention

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/gridwatch/powermon/internal/metrics"
	"github.com/gridwatch/powermon/internal/models"
)

// Store is the slice of the store the manager drives.
type Store interface {
	CheckpointWAL(ctx context.Context) error
	Vacuum(ctx context.Context) error
	Stats(ctx context.Context) (models.StoreStats, error)
	CompactBefore(ctx context.Context, cutoff time.Time) (int64, error)
	DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error)
	OldestReading(ctx context.Context) (time.Time, bool, error)
}

type Config struct {
	// MinFreeBytes is the disk free-space floor below which reclamation
	// starts.
	MinFreeBytes uint64
	// SafetyMarginBytes is reclaimed on top of MinFreeBytes so the next
	// cycle does not immediately re-trigger.
	SafetyMarginBytes uint64
	// CompactAfter is the age past which raw readings are eligible for
	// hourly compaction.
	CompactAfter time.Duration
	// DeleteBatch is the width of each oldest-first deletion window.
	DeleteBatch time.Duration
	// WALMaxBytes forces a full vacuum when the write-ahead log exceeds it.
	WALMaxBytes int64
}

type Manager struct {
	store   Store
	cfg     Config
	cron    *cron.Cron
	logger  *logrus.Logger
	metrics *metrics.Metrics
}

func NewManager(store Store, cfg Config, logger *logrus.Logger, m *metrics.Metrics) *Manager {
	return &Manager{
		store:   store,
		cfg:     cfg,
		cron:    cron.New(),
		logger:  logger,
		metrics: m,
	}
}

// Start schedules the hourly maintenance cycle.
func (m *Manager) Start() error {
	_, err := m.cron.AddFunc("0 * * * *", func() {
		m.RunCycle(context.Background())
	})
	if err != nil {
		return err
	}
	m.cron.Start()
	return nil
}

// Stop halts the schedule and waits for a running cycle to finish.
func (m *Manager) Stop() {
	<-m.cron.Stop().Done()
}

// RunCycle executes one maintenance pass. Callable on demand as well as
// from the schedule.
func (m *Manager) RunCycle(ctx context.Context) {
	if err := m.store.CheckpointWAL(ctx); err != nil {
		m.logger.WithError(err).Error("wal checkpoint failed")
	}

	stats, err := m.store.Stats(ctx)
	if err != nil {
		m.logger.WithError(err).Error("store statistics unavailable, skipping cycle")
		m.metrics.RetentionRuns.WithLabelValues("error").Inc()
		return
	}

	m.logger.WithFields(logrus.Fields{
		"db_bytes":      stats.SizeBytes,
		"wal_bytes":     stats.WALSizeBytes,
		"rows":          stats.RowCount,
		"disk_free":     stats.DiskFree,
		"disk_used_pct": stats.DiskUsedPct,
	}).Info("store statistics")

	if stats.WALSizeBytes > m.cfg.WALMaxBytes {
		m.logger.WithField("wal_bytes", stats.WALSizeBytes).Warn("write-ahead log oversized, running full compaction")
		if err := m.store.Vacuum(ctx); err != nil {
			m.logger.WithError(err).Error("vacuum failed")
		}
		if err := m.store.CheckpointWAL(ctx); err != nil {
			m.logger.WithError(err).Error("wal checkpoint failed")
		}
	}

	if stats.DiskFree >= m.cfg.MinFreeBytes {
		m.metrics.RetentionRuns.WithLabelValues("ok").Inc()
		return
	}

	m.logger.WithFields(logrus.Fields{
		"disk_free": stats.DiskFree,
		"min_free":  m.cfg.MinFreeBytes,
	}).Warn("low disk space, starting reclamation")

	// Compaction first: it trades resolution for space without destroying
	// data, so outright deletion is never the first response.
	m.compact(ctx)

	stats, err = m.store.Stats(ctx)
	if err != nil {
		m.logger.WithError(err).Error("store statistics unavailable after compaction")
		m.metrics.RetentionRuns.WithLabelValues("error").Inc()
		return
	}
	if stats.DiskFree >= m.cfg.MinFreeBytes {
		m.metrics.RetentionRuns.WithLabelValues("reclaimed").Inc()
		return
	}

	m.deleteOldest(ctx)
	m.metrics.RetentionRuns.WithLabelValues("reclaimed").Inc()
}

func (m *Manager) compact(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-m.cfg.CompactAfter)
	compacted, err := m.store.CompactBefore(ctx, cutoff)
	if err != nil {
		m.logger.WithError(err).Error("compaction failed")
		return
	}
	m.metrics.RowsReclaimed.WithLabelValues("compacted").Add(float64(compacted))

	// Freed pages only show up in the free-space measurement after a
	// checkpoint and vacuum.
	if err := m.store.CheckpointWAL(ctx); err != nil {
		m.logger.WithError(err).Error("wal checkpoint failed")
	}
	if err := m.store.Vacuum(ctx); err != nil {
		m.logger.WithError(err).Error("vacuum failed")
	}
}

// deleteOldest removes data in oldest-first batches until free space
// reaches the minimum plus the safety margin, or the store runs out of
// data to delete.
func (m *Manager) deleteOldest(ctx context.Context) {
	target := m.cfg.MinFreeBytes + m.cfg.SafetyMarginBytes

	for {
		stats, err := m.store.Stats(ctx)
		if err != nil {
			m.logger.WithError(err).Error("store statistics unavailable during deletion")
			return
		}
		if stats.DiskFree >= target {
			m.logger.WithField("disk_free", stats.DiskFree).Info("free-space target reached")
			return
		}

		oldest, ok, err := m.store.OldestReading(ctx)
		if err != nil {
			m.logger.WithError(err).Error("oldest reading lookup failed")
			return
		}
		if !ok {
			m.logger.Warn("no more data to delete")
			return
		}

		cutoff := oldest.Add(m.cfg.DeleteBatch)
		deleted, err := m.store.DeleteBefore(ctx, cutoff)
		if err != nil {
			m.logger.WithError(err).Error("batch deletion failed")
			return
		}
		m.metrics.RowsReclaimed.WithLabelValues("deleted").Add(float64(deleted))
		m.logger.WithFields(logrus.Fields{
			"cutoff": cutoff,
			"rows":   deleted,
		}).Info("deleted oldest batch")

		if err := m.store.CheckpointWAL(ctx); err != nil {
			m.logger.WithError(err).Error("wal checkpoint failed")
		}
		if err := m.store.Vacuum(ctx); err != nil {
			m.logger.WithError(err).Error("vacuum failed")
		}

		if deleted == 0 {
			return
		}
	}
}
