package migrator

import "github.com/joomcode/errorx"

// Errors is the namespace for every failure class the engine reports.
// Callers distinguish classes with errorx.IsOfType. Discovery and Parse
// errors fire before any database contact; Order and Lock errors fire
// before any statement executes; Exec errors are recovered only at the
// transaction boundary.
var (
	Errors = errorx.NewNamespace("migrator")

	// ErrDiscovery covers duplicate versions and unreadable source dirs.
	ErrDiscovery = Errors.NewType("discovery")
	// ErrParse covers file names with no derivable version and malformed
	// up/down sections.
	ErrParse = Errors.NewType("parse")
	// ErrOrder covers deleted historical units and out-of-order insertions.
	ErrOrder = Errors.NewType("order")
	// ErrLock is returned when the single-writer lock cannot be acquired
	// within the configured timeout.
	ErrLock = Errors.NewType("lock")
	// ErrDrift is returned (under DriftFail) when an applied migration's
	// content no longer matches its recorded checksum.
	ErrDrift = Errors.NewType("drift")
	// ErrExec wraps a statement failure inside a unit's transaction.
	ErrExec = Errors.NewType("exec")
)

// PropertyVersion carries the offending migration version on an error.
var PropertyVersion = errorx.RegisterPrintableProperty("version")

// FailedVersion extracts the migration version an error is about.
// The second return is false for errors that are not tied to one unit.
func FailedVersion(err error) (int, bool) {
	v, ok := errorx.ExtractProperty(err, PropertyVersion)
	if !ok {
		return 0, false
	}
	version, ok := v.(int)
	return version, ok
}
