// Package migrator applies versioned SQL schema migrations against a target
// database. Migrations are append-only: units apply in strict ascending
// order, each unit commits its statements and its bookkeeping record in one
// transaction, and previously applied units are checksummed so that edits
// to history are detected as drift.
package migrator

import (
	"context"
	"database/sql"
	"errors"
	"io/fs"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

// DefaultLockTimeout bounds how long a run waits for the single-writer lock.
const DefaultLockTimeout = 15 * time.Second

// DefaultLockFile is the fallback lock file for dialects without
// server-side advisory locks.
const DefaultLockFile = "migrator.lock"

// Migrator applies the migration units found in an fs.FS (a directory or an
// embed.FS) against one target database.
type Migrator struct {
	db      *sql.DB
	fsys    fs.FS
	dir     string
	queries *MigrationQueryDefinition

	locker      Locker
	lockFile    string
	lockTimeout time.Duration
	driftPolicy DriftPolicy
	log         log.FieldLogger
}

// Option adjusts a Migrator at construction.
type Option func(*Migrator)

// WithQueries overrides the dialect query definition. The default is Postgres.
func WithQueries(q *MigrationQueryDefinition) Option {
	return func(m *Migrator) { m.queries = q }
}

// WithLocker overrides the single-writer lock strategy.
func WithLocker(l Locker) Option {
	return func(m *Migrator) { m.locker = l }
}

// WithLockTimeout bounds lock acquisition. Zero keeps DefaultLockTimeout.
func WithLockTimeout(d time.Duration) Option {
	return func(m *Migrator) {
		if d > 0 {
			m.lockTimeout = d
		}
	}
}

// WithLockFile sets the lock file used when the dialect has no advisory
// lock. Ignored when WithLocker is given.
func WithLockFile(path string) Option {
	return func(m *Migrator) {
		if path != "" {
			m.lockFile = path
		}
	}
}

// WithDriftPolicy picks what a mutated historical migration does to a run.
func WithDriftPolicy(p DriftPolicy) Option {
	return func(m *Migrator) { m.driftPolicy = p }
}

// WithLogger replaces the package-level logrus logger.
func WithLogger(l log.FieldLogger) Option {
	return func(m *Migrator) { m.log = l }
}

// New builds a Migrator over db reading units from dir inside fsys.
func New(db *sql.DB, fsys fs.FS, dir string, opts ...Option) *Migrator {
	m := &Migrator{
		db:          db,
		fsys:        fsys,
		dir:         dir,
		queries:     Postgres,
		lockFile:    DefaultLockFile,
		lockTimeout: DefaultLockTimeout,
		driftPolicy: DriftWarn,
		log:         log.StandardLogger(),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.locker == nil {
		m.locker = lockerFor(db, m.queries, m.lockFile)
	}
	return m
}

// Up applies every pending migration in ascending version order. Each unit
// runs its statements and its bookkeeping insert in one transaction, so the
// record store and the schema never diverge, crash included. The first
// failing unit is rolled back and ends the run; units after it stay
// pending. Cancellation is honored between units only.
func (m *Migrator) Up(ctx context.Context) error {
	runLog := m.log.WithField("run_id", uuid.NewString())

	units, err := listUnits(m.fsys, m.dir)
	if err != nil {
		return err
	}
	if len(units) == 0 {
		runLog.Warn("No database migrations found")
		return nil
	}

	release, err := m.locker.Acquire(ctx, m.lockTimeout)
	if err != nil {
		return err
	}
	defer func() {
		if err := release(); err != nil {
			runLog.WithError(err).Warn("Failed to release migration lock")
		}
	}()

	plan, err := m.loadPlan(ctx, units)
	if err != nil {
		return err
	}
	if err := m.checkDrift(runLog, plan); err != nil {
		return err
	}

	if len(plan.pending) == 0 {
		runLog.Infof("Already up to date at version %d.", plan.highestApplied())
		return nil
	}
	runLog.Infof("Migrating from %d to %d...",
		plan.highestApplied(), plan.pending[len(plan.pending)-1].Version)

	for _, unit := range plan.pending {
		// No cancellation mid-unit; between units it is immediate.
		if err := ctx.Err(); err != nil {
			return ErrExec.Wrap(err, "run cancelled before migration %d", unit.Version).
				WithProperty(PropertyVersion, unit.Version)
		}
		if err := m.applyUnit(ctx, runLog, unit); err != nil {
			return err
		}
	}
	runLog.Info("Migration complete.")
	return nil
}

// applyUnit runs one unit's up statements plus its record insert inside a
// single transaction, committing or rolling back on every exit path.
func (m *Migrator) applyUnit(ctx context.Context, runLog log.FieldLogger, unit *MigrationUnit) (err error) {
	unitLog := runLog.WithField("version", unit.Version)
	unitLog.WithField("state", StateApplying).Infof("Applying migration %d...", unit.Version)

	// A cancellation arriving once the unit has begun must not abort the
	// in-flight statements; the transaction runs to commit or rollback.
	tx, err := m.db.BeginTx(context.WithoutCancel(ctx), nil)
	if err != nil {
		return ErrExec.Wrap(err, "error beginning transaction for migration %d", unit.Version).
			WithProperty(PropertyVersion, unit.Version)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	if _, err := tx.Exec(unit.contents.up); err != nil {
		unitLog.WithField("state", StateFailed).WithError(err).Error("Migration failed, rolling back")
		return ErrExec.Wrap(err, "error applying migration %d (%s)", unit.Version, unit.File).
			WithProperty(PropertyVersion, unit.Version)
	}
	if _, err := tx.Exec(m.queries.InsertMigration, unit.Version, unit.Checksum, time.Now()); err != nil {
		return ErrExec.Wrap(err, "error recording migration %d", unit.Version).
			WithProperty(PropertyVersion, unit.Version)
	}
	if err := tx.Commit(); err != nil {
		return ErrExec.Wrap(err, "error committing migration %d", unit.Version).
			WithProperty(PropertyVersion, unit.Version)
	}
	committed = true
	unitLog.WithField("state", StateApplied).Debugf("Migration %d applied", unit.Version)
	return nil
}

// Down reverts the single highest applied migration from its `-- +down`
// section, deleting the bookkeeping row in the same transaction.
func (m *Migrator) Down(ctx context.Context) error {
	runLog := m.log.WithField("run_id", uuid.NewString())

	units, err := listUnits(m.fsys, m.dir)
	if err != nil {
		return err
	}

	release, err := m.locker.Acquire(ctx, m.lockTimeout)
	if err != nil {
		return err
	}
	defer func() {
		if err := release(); err != nil {
			runLog.WithError(err).Warn("Failed to release migration lock")
		}
	}()

	plan, err := m.loadPlan(ctx, units)
	if err != nil {
		return err
	}
	// A drifted unit would be reverted with an edited `-- +down` section.
	if err := m.checkDrift(runLog, plan); err != nil {
		return err
	}
	installed := plan.highestApplied()
	if installed == 0 {
		return ErrOrder.New("no applied migrations to revert")
	}

	var unit *MigrationUnit
	for _, u := range plan.applied {
		if u.Version == installed {
			unit = u
			break
		}
	}
	if unit == nil {
		return ErrOrder.New("installed migration %d has no unit on disk", installed).
			WithProperty(PropertyVersion, installed)
	}

	runLog.WithField("version", unit.Version).Infof("Reverting migration %d...", unit.Version)
	// Same rule as applying: the revert transaction outlives a cancellation.
	tx, err := m.db.BeginTx(context.WithoutCancel(ctx), nil)
	if err != nil {
		return ErrExec.Wrap(err, "error beginning transaction for migration %d", unit.Version).
			WithProperty(PropertyVersion, unit.Version)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	if _, err := tx.Exec(unit.contents.down); err != nil {
		return ErrExec.Wrap(err, "error reverting migration %d (%s)", unit.Version, unit.File).
			WithProperty(PropertyVersion, unit.Version)
	}
	if _, err := tx.Exec(m.queries.DeleteMigration, unit.Version); err != nil {
		return ErrExec.Wrap(err, "error deleting migration record %d", unit.Version).
			WithProperty(PropertyVersion, unit.Version)
	}
	if err := tx.Commit(); err != nil {
		return ErrExec.Wrap(err, "error committing revert of migration %d", unit.Version).
			WithProperty(PropertyVersion, unit.Version)
	}
	committed = true
	return nil
}

// Verify recomputes the checksum of every applied unit and reports drift.
// Never takes the lock and never executes schema statements; the only write
// it can make is the idempotent bookkeeping-table bootstrap.
func (m *Migrator) Verify(ctx context.Context) error {
	units, err := listUnits(m.fsys, m.dir)
	if err != nil {
		return err
	}
	plan, err := m.loadPlan(ctx, units)
	if err != nil {
		return err
	}
	if drifted := verifyChecksums(m.appliedRecords(plan), plan.unitIndex()); len(drifted) > 0 {
		return driftError(drifted)
	}
	return nil
}

// Status reports installed vs available versions and every unit's state.
// Read-only apart from the idempotent bookkeeping-table bootstrap.
func (m *Migrator) Status(ctx context.Context) (*MigrationState, error) {
	units, err := listUnits(m.fsys, m.dir)
	if err != nil {
		return nil, err
	}
	plan, err := m.loadPlan(ctx, units)
	if err != nil {
		return nil, err
	}

	state := &MigrationState{InstalledVersion: plan.highestApplied()}
	if len(units) > 0 {
		state.AvailableVersion = units[len(units)-1].Version
	}
	for _, u := range units {
		status := UnitStatus{Version: u.Version, File: u.File, State: StatePending}
		if rec, ok := plan.records[u.Version]; ok {
			status.State = StateApplied
			status.InstalledAt = rec.InstalledAt
		}
		state.Units = append(state.Units, status)
	}
	return state, nil
}

// loadPlan bootstraps the bookkeeping table, reads the applied records,
// validates ordering and loads unit contents.
func (m *Migrator) loadPlan(ctx context.Context, units []*MigrationUnit) (*migrationPlan, error) {
	if err := m.ensureMigrationsTable(ctx); err != nil {
		return nil, err
	}
	applied, err := m.selectApplied(ctx)
	if err != nil {
		return nil, err
	}
	plan, err := partitionUnits(units, applied)
	if err != nil {
		return nil, err
	}
	if err := loadUnits(m.fsys, append(append([]*MigrationUnit{}, plan.applied...), plan.pending...)); err != nil {
		return nil, err
	}
	return plan, nil
}

// checkDrift applies the configured drift policy to the loaded plan.
func (m *Migrator) checkDrift(runLog log.FieldLogger, plan *migrationPlan) error {
	drifted := verifyChecksums(m.appliedRecords(plan), plan.unitIndex())
	if len(drifted) == 0 {
		return nil
	}
	if m.driftPolicy == DriftFail {
		return driftError(drifted)
	}
	for _, d := range drifted {
		runLog.WithField("version", d.Version).Warnf("Content drift: %s", d)
	}
	return nil
}

func (m *Migrator) appliedRecords(plan *migrationPlan) []AppliedMigration {
	records := make([]AppliedMigration, 0, len(plan.records))
	for _, u := range plan.applied {
		records = append(records, plan.records[u.Version])
	}
	return records
}

// ensureMigrationsTable creates the bookkeeping table on first contact.
// The engine records nothing before this has succeeded.
func (m *Migrator) ensureMigrationsTable(ctx context.Context) error {
	var exists bool
	err := m.db.QueryRowContext(ctx, m.queries.CheckTableExists).Scan(&exists)
	if err != nil {
		return ErrExec.Wrap(err, "error checking if migrations table exists")
	}
	if !exists {
		if _, err := m.db.ExecContext(ctx, m.queries.CreateMigrationsTable); err != nil {
			return ErrExec.Wrap(err, "error creating migrations table")
		}
	}
	return nil
}

// selectApplied reads the full bookkeeping table ordered by version.
func (m *Migrator) selectApplied(ctx context.Context) ([]AppliedMigration, error) {
	rows, err := m.db.QueryContext(ctx, m.queries.SelectAppliedMigrations)
	if err != nil {
		return nil, ErrExec.Wrap(err, "error reading applied migrations")
	}
	defer rows.Close()

	var applied []AppliedMigration
	for rows.Next() {
		var rec AppliedMigration
		if err := rows.Scan(&rec.Version, &rec.Checksum, &rec.InstalledAt); err != nil {
			return nil, ErrExec.Wrap(err, "error scanning applied migration row")
		}
		applied = append(applied, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, ErrExec.Wrap(err, "error reading applied migrations")
	}
	return applied, nil
}

// InstalledVersion returns the highest applied version, 0 when none.
func (m *Migrator) InstalledVersion(ctx context.Context) (int, error) {
	if err := m.ensureMigrationsTable(ctx); err != nil {
		return 0, err
	}
	var version int
	err := m.db.QueryRowContext(ctx, m.queries.SelectInstalledVersion).Scan(&version)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, ErrExec.Wrap(err, "error getting installed migration version")
	}
	return version, nil
}
