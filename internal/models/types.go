package models

import "time"

// Device is a registered power meter, addressed by its network location.
// Instantaneous and energy polling run on independent intervals.
type Device struct {
	ID                 string        `json:"id"`
	Address            string        `json:"address"`
	Name               string        `json:"name,omitempty"`
	Location           string        `json:"location,omitempty"`
	Enabled            bool          `json:"enabled"`
	PollInterval       time.Duration `json:"poll_interval"`
	EnergyPollInterval time.Duration `json:"energy_poll_interval"`
}

// Reading is one instantaneous electrical snapshot from a device.
// Immutable once stored; one row per successful poll.
type Reading struct {
	Timestamp     time.Time `json:"timestamp"`
	DeviceID      string    `json:"device_id"`
	VoltageRMS    float64   `json:"voltage_rms"`
	CurrentRMS    float64   `json:"current_rms"`
	ActivePower   float64   `json:"active_power"`
	ReactivePower float64   `json:"reactive_power"`
	ApparentPower float64   `json:"apparent_power"`
	PowerFactor   float64   `json:"power_factor"`
	Frequency     float64   `json:"frequency"`
}

// EnergyReading is one sample of a device's cumulative per-phase energy
// counter. The counter is monotonically intended but may reset on device
// reboot or wrap.
type EnergyReading struct {
	Timestamp time.Time `json:"timestamp"`
	DeviceID  string    `json:"device_id"`
	Phase     string    `json:"phase"`
	TotalKWh  float64   `json:"total_kwh"`
}

// EnergyBucket is the consumption computed for one time bucket.
type EnergyBucket struct {
	Start time.Time `json:"start"`
	KWh   float64   `json:"kwh"`
}

// StoreStats describes the on-disk footprint of the store and the volume
// holding it.
type StoreStats struct {
	SizeBytes    int64     `json:"size_bytes"`
	WALSizeBytes int64     `json:"wal_size_bytes"`
	RowCount     int64     `json:"row_count"`
	Oldest       time.Time `json:"oldest"`
	Newest       time.Time `json:"newest"`
	DiskTotal    uint64    `json:"disk_total_bytes"`
	DiskFree     uint64    `json:"disk_free_bytes"`
	DiskUsedPct  float64   `json:"disk_used_pct"`
}

// ReadingQueryResult carries a historical readings response along with the
// resolution that was actually applied. PreAggregationCount is only set
// when the caller asked for auto resolution.
type ReadingQueryResult struct {
	Rows                []Reading     `json:"rows"`
	ResolutionApplied   string        `json:"resolution_applied"`
	PreAggregationCount int64         `json:"pre_aggregation_count,omitempty"`
	Elapsed             time.Duration `json:"elapsed"`
}

// EnergyQueryResult carries bucketed consumption deltas. RawTotalKWh is the
// last raw sample minus the first over the whole range; unlike the buckets
// it is not filtered for counter resets and can be negative if a reset
// occurred inside the range.
type EnergyQueryResult struct {
	Buckets           []EnergyBucket `json:"buckets"`
	RawTotalKWh       float64        `json:"raw_total_kwh"`
	RawCount          int64          `json:"raw_count"`
	ResolutionApplied string         `json:"resolution_applied"`
	Elapsed           time.Duration  `json:"elapsed"`
}
