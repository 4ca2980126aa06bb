package migrator

import "time"

// MigrationUnit is one versioned batch of schema statements discovered on
// disk. Units are immutable after loading; editing a file that was already
// applied is detected as drift, not picked up as a change.
type MigrationUnit struct {
	Version  int
	File     string
	Checksum string // sha256 hex of the raw file bytes, set by load

	contents *unitContents // not populated until load
}

type unitContents struct {
	up   string
	down string
}

// AppliedMigration is one row of the bookkeeping table, written in the same
// transaction as the migration it records and never updated afterwards.
type AppliedMigration struct {
	Version     int       `db:"version"`
	Checksum    string    `db:"checksum"`
	InstalledAt time.Time `db:"installed_at"`
}

// UnitState tracks a unit through one run.
type UnitState int

const (
	StatePending UnitState = iota
	StateApplying
	StateApplied
	StateFailed
)

func (s UnitState) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateApplying:
		return "applying"
	case StateApplied:
		return "applied"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// UnitStatus pairs a discovered unit with its recorded state.
type UnitStatus struct {
	Version     int
	File        string
	State       UnitState
	InstalledAt time.Time // zero unless applied
}

// MigrationState describes the database relative to the units on disk.
type MigrationState struct {
	AvailableVersion int
	InstalledVersion int
	Units            []UnitStatus
}

// DriftPolicy decides what happens when an applied migration's recorded
// checksum no longer matches its on-disk content.
type DriftPolicy string

const (
	// DriftWarn logs each drifted version and continues.
	DriftWarn DriftPolicy = "warn"
	// DriftFail aborts the run before executing anything.
	DriftFail DriftPolicy = "fail"
)
