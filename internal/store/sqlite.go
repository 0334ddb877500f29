// Package store implements the durable append-only time-series store on
// SQLite.
//
// Layout:
//   - devices: the registered meter fleet; deleting a device cascades to
//     its readings
//   - readings: one row per successful instantaneous poll
//   - energy_readings: one row per (poll, phase) cumulative counter sample
//
// Timestamps are stored as integer unix seconds, which keeps bucket
// grouping as integer arithmetic inside SQLite. Range scans are served by
// (device, time DESC) and (device, phase, time DESC) indexes so latest-N
// and oldest lookups stay O(log n + k).
//
// The database runs in WAL mode with a bounded busy timeout; writers
// targeting different devices only serialize on the engine's own
// write-ahead log. Rows are never mutated after insert except by the
// retention compaction in maintenance.go, which replaces a window of raw
// rows inside a single transaction.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"

	"github.com/gridwatch/powermon/internal/models"
	"github.com/gridwatch/powermon/internal/series"
)

// PhaseAll selects every phase in energy queries.
const PhaseAll = "ALL"

const schema = `
CREATE TABLE IF NOT EXISTS devices (
	device_id               TEXT PRIMARY KEY,
	address                 TEXT NOT NULL,
	name                    TEXT NOT NULL DEFAULT '',
	location                TEXT NOT NULL DEFAULT '',
	enabled                 INTEGER NOT NULL DEFAULT 1,
	poll_interval_ms        INTEGER NOT NULL DEFAULT 1000,
	energy_poll_interval_ms INTEGER NOT NULL DEFAULT 30000,
	last_seen               INTEGER,
	created_at              INTEGER NOT NULL DEFAULT (strftime('%s', 'now'))
);

CREATE TABLE IF NOT EXISTS readings (
	id             INTEGER PRIMARY KEY AUTOINCREMENT,
	timestamp      INTEGER NOT NULL,
	device_id      TEXT NOT NULL REFERENCES devices(device_id) ON DELETE CASCADE,
	voltage_rms    REAL NOT NULL,
	current_rms    REAL NOT NULL,
	active_power   REAL NOT NULL,
	reactive_power REAL NOT NULL,
	apparent_power REAL NOT NULL,
	power_factor   REAL NOT NULL,
	frequency      REAL NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_readings_device_time
	ON readings(device_id, timestamp DESC);
CREATE INDEX IF NOT EXISTS idx_readings_time
	ON readings(timestamp DESC);

CREATE TABLE IF NOT EXISTS energy_readings (
	id        INTEGER PRIMARY KEY AUTOINCREMENT,
	timestamp INTEGER NOT NULL,
	device_id TEXT NOT NULL REFERENCES devices(device_id) ON DELETE CASCADE,
	phase     TEXT NOT NULL,
	total_kwh REAL NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_energy_device_phase_time
	ON energy_readings(device_id, phase, timestamp DESC);
`

// SQLite is the concrete store. All methods are safe for concurrent use;
// database/sql pools connections and the busy timeout bounds writer
// contention with checkpoints and compaction.
type SQLite struct {
	db     *sql.DB
	path   string
	logger *logrus.Logger
}

// Open opens (creating if needed) the database at path and applies the
// schema. An error here is fatal to the service; everything downstream
// assumes a working store.
func Open(path string, busyTimeoutMS int, logger *logrus.Logger) (*SQLite, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}

	dsn := fmt.Sprintf(
		"file:%s?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(%d)&_pragma=foreign_keys(ON)",
		path, busyTimeoutMS,
	)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("verifying database connection: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("applying schema: %w", err)
	}

	logger.WithField("path", path).Info("store initialized")
	return &SQLite{db: db, path: path, logger: logger}, nil
}

func (s *SQLite) Close() error {
	return s.db.Close()
}

// UpsertDevice registers a device or refreshes an existing registration.
func (s *SQLite) UpsertDevice(ctx context.Context, d models.Device) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO devices (device_id, address, name, location, enabled, poll_interval_ms, energy_poll_interval_ms, last_seen)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(device_id) DO UPDATE SET
			address=excluded.address,
			name=excluded.name,
			location=excluded.location,
			enabled=excluded.enabled,
			poll_interval_ms=excluded.poll_interval_ms,
			energy_poll_interval_ms=excluded.energy_poll_interval_ms,
			last_seen=excluded.last_seen`,
		d.ID, d.Address, d.Name, d.Location, boolToInt(d.Enabled),
		d.PollInterval.Milliseconds(), d.EnergyPollInterval.Milliseconds(),
		time.Now().UTC().Unix(),
	)
	return err
}

// GetDevice returns one device, or (zero, false) when unknown.
func (s *SQLite) GetDevice(ctx context.Context, id string) (models.Device, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT device_id, address, name, location, enabled, poll_interval_ms, energy_poll_interval_ms
		FROM devices WHERE device_id = ?`, id)
	d, err := scanDevice(row)
	if err == sql.ErrNoRows {
		return models.Device{}, false, nil
	}
	if err != nil {
		return models.Device{}, false, err
	}
	return d, true, nil
}

// ListDevices returns the whole fleet, name-ordered.
func (s *SQLite) ListDevices(ctx context.Context) ([]models.Device, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT device_id, address, name, location, enabled, poll_interval_ms, energy_poll_interval_ms
		FROM devices ORDER BY name, device_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var devices []models.Device
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, err
		}
		devices = append(devices, d)
	}
	return devices, rows.Err()
}

// DeleteDevice removes a device; its readings cascade with it.
func (s *SQLite) DeleteDevice(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM devices WHERE device_id = ?`, id)
	return err
}

// TouchDeviceSeen records a successful poll against the device's
// last_seen marker.
func (s *SQLite) TouchDeviceSeen(ctx context.Context, id string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE devices SET last_seen = ? WHERE device_id = ?`,
		at.UTC().Unix(), id)
	return err
}

// InsertReading appends one instantaneous reading. Durable before return;
// rows are never updated afterwards.
func (s *SQLite) InsertReading(ctx context.Context, r models.Reading) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO readings (timestamp, device_id, voltage_rms, current_rms,
			active_power, reactive_power, apparent_power, power_factor, frequency)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.Timestamp.UTC().Unix(), r.DeviceID, r.VoltageRMS, r.CurrentRMS,
		r.ActivePower, r.ReactivePower, r.ApparentPower, r.PowerFactor, r.Frequency,
	)
	return err
}

// InsertEnergyReadings appends one poll's worth of per-phase counter
// samples in a single transaction.
func (s *SQLite) InsertEnergyReadings(ctx context.Context, readings []models.EnergyReading) error {
	if len(readings) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO energy_readings (timestamp, device_id, phase, total_kwh)
		VALUES (?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare statement: %w", err)
	}
	defer stmt.Close()

	for _, r := range readings {
		if _, err := stmt.ExecContext(ctx, r.Timestamp.UTC().Unix(), r.DeviceID, r.Phase, r.TotalKWh); err != nil {
			return fmt.Errorf("failed to insert energy reading: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// LatestReading returns the most recent reading for a device, or
// (zero, false) when the device has none.
func (s *SQLite) LatestReading(ctx context.Context, deviceID string) (models.Reading, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT timestamp, device_id, voltage_rms, current_rms,
			active_power, reactive_power, apparent_power, power_factor, frequency
		FROM readings
		WHERE device_id = ?
		ORDER BY timestamp DESC
		LIMIT 1`, deviceID)

	r, err := scanReading(row)
	if err == sql.ErrNoRows {
		return models.Reading{}, false, nil
	}
	if err != nil {
		return models.Reading{}, false, err
	}
	return r, true, nil
}

// LatestEnergy returns the most recent counter sample for a device,
// optionally pinned to one phase.
func (s *SQLite) LatestEnergy(ctx context.Context, deviceID, phase string) (models.EnergyReading, bool, error) {
	query := `
		SELECT timestamp, device_id, phase, total_kwh
		FROM energy_readings
		WHERE device_id = ?`
	args := []any{deviceID}
	if phase != "" && phase != PhaseAll {
		query += ` AND phase = ?`
		args = append(args, phase)
	}
	query += ` ORDER BY timestamp DESC LIMIT 1`

	var (
		e  models.EnergyReading
		ts int64
	)
	err := s.db.QueryRowContext(ctx, query, args...).Scan(&ts, &e.DeviceID, &e.Phase, &e.TotalKWh)
	if err == sql.ErrNoRows {
		return models.EnergyReading{}, false, nil
	}
	if err != nil {
		return models.EnergyReading{}, false, err
	}
	e.Timestamp = time.Unix(ts, 0).UTC()
	return e, true, nil
}

// ReadingCount counts rows in range without materializing them; the
// aggregation engine uses it to pick a resolution before committing to a
// scan.
func (s *SQLite) ReadingCount(ctx context.Context, deviceID string, t0, t1 time.Time) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM readings
		WHERE device_id = ? AND timestamp BETWEEN ? AND ?`,
		deviceID, t0.UTC().Unix(), t1.UTC().Unix(),
	).Scan(&count)
	return count, err
}

// ScanReadings returns raw rows in range, time-descending, capped at limit
// when limit > 0.
func (s *SQLite) ScanReadings(ctx context.Context, deviceID string, t0, t1 time.Time, limit int) ([]models.Reading, error) {
	query := `
		SELECT timestamp, device_id, voltage_rms, current_rms,
			active_power, reactive_power, apparent_power, power_factor, frequency
		FROM readings
		WHERE device_id = ? AND timestamp BETWEEN ? AND ?
		ORDER BY timestamp DESC`
	args := []any{deviceID, t0.UTC().Unix(), t1.UTC().Unix()}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var readings []models.Reading
	for rows.Next() {
		r, err := scanReading(rows)
		if err != nil {
			return nil, err
		}
		readings = append(readings, r)
	}
	return readings, rows.Err()
}

// AggregateReadings groups rows into resolution-width buckets and averages
// every numeric field, returning one synthetic row per non-empty bucket,
// time-descending. Bucket grouping happens inside SQLite so the raw rows
// are never materialized in process memory.
func (s *SQLite) AggregateReadings(ctx context.Context, deviceID string, t0, t1 time.Time, res series.Resolution, limit int) ([]models.Reading, error) {
	expr, err := bucketExpr(res)
	if err != nil {
		return nil, err
	}

	query := fmt.Sprintf(`
		SELECT %s AS bucket_ts,
			AVG(voltage_rms), AVG(current_rms), AVG(active_power),
			AVG(reactive_power), AVG(apparent_power), AVG(power_factor), AVG(frequency)
		FROM readings
		WHERE device_id = ? AND timestamp BETWEEN ? AND ?
		GROUP BY bucket_ts
		ORDER BY bucket_ts DESC`, expr)
	args := []any{deviceID, t0.UTC().Unix(), t1.UTC().Unix()}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var readings []models.Reading
	for rows.Next() {
		var (
			r  models.Reading
			ts int64
		)
		if err := rows.Scan(&ts, &r.VoltageRMS, &r.CurrentRMS, &r.ActivePower,
			&r.ReactivePower, &r.ApparentPower, &r.PowerFactor, &r.Frequency); err != nil {
			return nil, err
		}
		r.Timestamp = time.Unix(ts, 0).UTC()
		r.DeviceID = deviceID
		readings = append(readings, r)
	}
	return readings, rows.Err()
}

// EnergyReadings returns counter samples in range, time-ascending, filtered
// to one phase unless phase is ALL.
func (s *SQLite) EnergyReadings(ctx context.Context, deviceID, phase string, t0, t1 time.Time) ([]models.EnergyReading, error) {
	query := `
		SELECT timestamp, device_id, phase, total_kwh
		FROM energy_readings
		WHERE device_id = ? AND timestamp BETWEEN ? AND ?`
	args := []any{deviceID, t0.UTC().Unix(), t1.UTC().Unix()}
	if phase != "" && phase != PhaseAll {
		query += ` AND phase = ?`
		args = append(args, phase)
	}
	query += ` ORDER BY timestamp ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var readings []models.EnergyReading
	for rows.Next() {
		var (
			e  models.EnergyReading
			ts int64
		)
		if err := rows.Scan(&ts, &e.DeviceID, &e.Phase, &e.TotalKWh); err != nil {
			return nil, err
		}
		e.Timestamp = time.Unix(ts, 0).UTC()
		readings = append(readings, e)
	}
	return readings, rows.Err()
}

// bucketExpr builds the SQL grouping expression for a resolution.
// Minute, hour and day buckets reduce to integer modulo on the unix
// timestamp; weeks anchor to the most recent Sunday (the unix epoch was a
// Thursday, hence the +4 day-of-week shift); months use SQLite's calendar
// arithmetic.
func bucketExpr(res series.Resolution) (string, error) {
	switch res.Unit {
	case series.UnitMinute, series.UnitHour, series.UnitDay:
		w := res.WidthSeconds()
		if w <= 0 {
			return "", fmt.Errorf("invalid bucket width for resolution %s", res)
		}
		return fmt.Sprintf("(timestamp / %d) * %d", w, w), nil
	case series.UnitWeek:
		return "((timestamp / 86400) - ((timestamp / 86400) + 4) % 7) * 86400", nil
	case series.UnitMonth:
		return "CAST(strftime('%s', datetime(timestamp, 'unixepoch', 'start of month')) AS INTEGER)", nil
	}
	return "", fmt.Errorf("unsupported aggregation resolution %s", res)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanReading(row rowScanner) (models.Reading, error) {
	var (
		r  models.Reading
		ts int64
	)
	err := row.Scan(&ts, &r.DeviceID, &r.VoltageRMS, &r.CurrentRMS,
		&r.ActivePower, &r.ReactivePower, &r.ApparentPower, &r.PowerFactor, &r.Frequency)
	if err != nil {
		return models.Reading{}, err
	}
	r.Timestamp = time.Unix(ts, 0).UTC()
	return r, nil
}

func scanDevice(row rowScanner) (models.Device, error) {
	var (
		d                models.Device
		enabled          int
		pollMS, energyMS int64
	)
	err := row.Scan(&d.ID, &d.Address, &d.Name, &d.Location, &enabled, &pollMS, &energyMS)
	if err != nil {
		return models.Device{}, err
	}
	d.Enabled = enabled != 0
	d.PollInterval = time.Duration(pollMS) * time.Millisecond
	d.EnergyPollInterval = time.Duration(energyMS) * time.Millisecond
	return d, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
