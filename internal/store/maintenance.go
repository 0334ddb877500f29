package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gridwatch/powermon/internal/models"
)

// CheckpointWAL truncates the write-ahead log back into the main database
// file, bounding its on-disk size.
func (s *SQLite) CheckpointWAL(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `PRAGMA wal_checkpoint(TRUNCATE)`); err != nil {
		return fmt.Errorf("wal checkpoint: %w", err)
	}
	return nil
}

// Vacuum runs a full compaction pass of the database file so freed pages
// are returned to the filesystem.
func (s *SQLite) Vacuum(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `VACUUM`); err != nil {
		return fmt.Errorf("vacuum: %w", err)
	}
	return nil
}

// CompactBefore replaces every (device, hour) group of readings older than
// cutoff that holds more than one raw row with a single hourly-averaged
// row, deleting the originals. The whole replace happens inside one
// transaction, so a concurrent reader observes either the raw or the
// compacted view of a window, never a mix. Groups with a single row are
// left untouched; resolution is only ever reduced, data is not removed.
// Energy counter rows are not compacted; averaging a cumulative counter
// would corrupt it.
func (s *SQLite) CompactBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	cut := cutoff.UTC().Unix()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	// New aggregate rows get ids above this watermark, which lets the
	// delete below distinguish originals from replacements.
	var preMax sql.NullInt64
	if err := tx.QueryRowContext(ctx, `SELECT MAX(id) FROM readings`).Scan(&preMax); err != nil {
		return 0, fmt.Errorf("reading id watermark: %w", err)
	}
	if !preMax.Valid {
		return 0, tx.Commit()
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO readings (timestamp, device_id, voltage_rms, current_rms,
			active_power, reactive_power, apparent_power, power_factor, frequency)
		SELECT (timestamp / 3600) * 3600, device_id,
			AVG(voltage_rms), AVG(current_rms), AVG(active_power),
			AVG(reactive_power), AVG(apparent_power), AVG(power_factor), AVG(frequency)
		FROM readings
		WHERE timestamp < ?
		GROUP BY device_id, timestamp / 3600
		HAVING COUNT(*) > 1`, cut); err != nil {
		return 0, fmt.Errorf("inserting hourly aggregates: %w", err)
	}

	// Delete the raw rows behind the watermark, keeping single-row groups
	// as they are.
	result, err := tx.ExecContext(ctx, `
		DELETE FROM readings
		WHERE timestamp < ? AND id <= ?
		AND id NOT IN (
			SELECT MIN(id) FROM readings
			WHERE timestamp < ? AND id <= ?
			GROUP BY device_id, timestamp / 3600
			HAVING COUNT(*) = 1
		)`, cut, preMax.Int64, cut, preMax.Int64)
	if err != nil {
		return 0, fmt.Errorf("deleting compacted rows: %w", err)
	}

	deleted, err := result.RowsAffected()
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit transaction: %w", err)
	}

	s.logger.WithField("rows", deleted).Info("compacted old readings to hourly averages")
	return deleted, nil
}

// DeleteBefore removes all readings and energy counter samples older than
// cutoff in one transaction. Used by the retention manager's oldest-first
// deletion batches.
func (s *SQLite) DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	cut := cutoff.UTC().Unix()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var total int64
	for _, table := range []string{"readings", "energy_readings"} {
		result, err := tx.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE timestamp < ?`, table), cut)
		if err != nil {
			return 0, fmt.Errorf("deleting from %s: %w", table, err)
		}
		n, err := result.RowsAffected()
		if err != nil {
			return 0, err
		}
		total += n
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return total, nil
}

// OldestReading returns the timestamp of the oldest stored row across the
// readings and energy tables, or (zero, false) when both are empty. The
// deletion loop advances from here, so energy rows left behind after the
// readings run out still get reclaimed.
func (s *SQLite) OldestReading(ctx context.Context) (time.Time, bool, error) {
	var ts sql.NullInt64
	if err := s.db.QueryRowContext(ctx, `
		SELECT MIN(ts) FROM (
			SELECT MIN(timestamp) AS ts FROM readings
			UNION ALL
			SELECT MIN(timestamp) FROM energy_readings
		)`).Scan(&ts); err != nil {
		return time.Time{}, false, err
	}
	if !ts.Valid {
		return time.Time{}, false, nil
	}
	return time.Unix(ts.Int64, 0).UTC(), true, nil
}

// Stats reports the store's on-disk footprint and the free space on the
// volume holding it.
func (s *SQLite) Stats(ctx context.Context) (models.StoreStats, error) {
	var stats models.StoreStats

	if info, err := os.Stat(s.path); err == nil {
		stats.SizeBytes = info.Size()
	}
	if info, err := os.Stat(s.path + "-wal"); err == nil {
		stats.WALSizeBytes = info.Size()
	}

	row := s.db.QueryRowContext(ctx, `
		SELECT
			(SELECT COUNT(*) FROM readings) + (SELECT COUNT(*) FROM energy_readings),
			(SELECT MIN(timestamp) FROM readings),
			(SELECT MAX(timestamp) FROM readings)`)
	var oldest, newest sql.NullInt64
	if err := row.Scan(&stats.RowCount, &oldest, &newest); err != nil {
		return models.StoreStats{}, fmt.Errorf("reading row statistics: %w", err)
	}
	if oldest.Valid {
		stats.Oldest = time.Unix(oldest.Int64, 0).UTC()
	}
	if newest.Valid {
		stats.Newest = time.Unix(newest.Int64, 0).UTC()
	}

	var fs syscall.Statfs_t
	if err := syscall.Statfs(filepath.Dir(s.path), &fs); err != nil {
		return models.StoreStats{}, fmt.Errorf("reading disk usage: %w", err)
	}
	stats.DiskTotal = fs.Blocks * uint64(fs.Bsize)
	stats.DiskFree = fs.Bavail * uint64(fs.Bsize)
	if stats.DiskTotal > 0 {
		stats.DiskUsedPct = 100 * float64(stats.DiskTotal-stats.DiskFree) / float64(stats.DiskTotal)
	}
	return stats, nil
}
