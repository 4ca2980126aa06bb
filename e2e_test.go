package migrator

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/joomcode/errorx"
	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openSQLite(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite3", filepath.Join(t.TempDir(), "mods.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	// sqlite misbehaves with concurrent writers on one file
	db.SetMaxOpenConns(1)
	return db
}

func sqliteMigrator(t *testing.T, db *sql.DB, files map[string]string) *Migrator {
	t.Helper()
	return New(db, sqlFS(files), "migrations",
		WithQueries(SQLite),
		WithLockFile(filepath.Join(t.TempDir(), "migrator.lock")),
	)
}

func tableExists(t *testing.T, db *sql.DB, name string) bool {
	t.Helper()
	var exists bool
	err := db.QueryRow(
		"SELECT EXISTS (SELECT name FROM sqlite_master WHERE type='table' AND name=?)", name).
		Scan(&exists)
	require.NoError(t, err)
	return exists
}

func TestSQLiteUpDownRoundTrip(t *testing.T) {
	db := openSQLite(t)
	m := sqliteMigrator(t, db, map[string]string{
		"migrations/0001_create_mods.sql":     modsUnit,
		"migrations/0002_create_versions.sql": versionsUnit,
	})
	ctx := context.Background()

	require.NoError(t, m.Up(ctx))
	assert.True(t, tableExists(t, db, "mods"))
	assert.True(t, tableExists(t, db, "versions"))

	version, err := m.InstalledVersion(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, version)

	// Second run applies zero units.
	require.NoError(t, m.Up(ctx))
	var count int
	require.NoError(t, db.QueryRow("SELECT COUNT(*) FROM migrations").Scan(&count))
	assert.Equal(t, 2, count)

	require.NoError(t, m.Verify(ctx))

	// Down reverts exactly the highest unit.
	require.NoError(t, m.Down(ctx))
	assert.True(t, tableExists(t, db, "mods"))
	assert.False(t, tableExists(t, db, "versions"))
	version, err = m.InstalledVersion(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, version)
}

func TestSQLiteFailedUnitLeavesSchemaUntouched(t *testing.T) {
	db := openSQLite(t)
	broken := "-- +up\nCREATE TABLE versions (id INT);\nTHIS IS NOT SQL;\n-- +down\nDROP TABLE versions;\n"
	m := sqliteMigrator(t, db, map[string]string{
		"migrations/0001_create_mods.sql":     modsUnit,
		"migrations/0002_create_versions.sql": broken,
	})
	ctx := context.Background()

	err := m.Up(ctx)
	require.Error(t, err)
	assert.True(t, errorx.IsOfType(err, ErrExec))
	version, ok := FailedVersion(err)
	require.True(t, ok)
	assert.Equal(t, 2, version)

	// Unit 1 committed, unit 2 fully rolled back.
	assert.True(t, tableExists(t, db, "mods"))
	assert.False(t, tableExists(t, db, "versions"))
	installed, err := m.InstalledVersion(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, installed)

	// After operator intervention (fixing the file) the unit applies.
	fixed := sqliteMigrator(t, db, map[string]string{
		"migrations/0001_create_mods.sql":     modsUnit,
		"migrations/0002_create_versions.sql": versionsUnit,
	})
	require.NoError(t, fixed.Up(ctx))
	assert.True(t, tableExists(t, db, "versions"))
}

func TestSQLiteDriftDetectedAfterEdit(t *testing.T) {
	db := openSQLite(t)
	m := sqliteMigrator(t, db, map[string]string{
		"migrations/0001_create_mods.sql": modsUnit,
	})
	ctx := context.Background()
	require.NoError(t, m.Up(ctx))

	// Same database, edited history.
	edited := New(db, sqlFS(map[string]string{
		"migrations/0001_create_mods.sql": "-- tweaked\n" + modsUnit,
	}), "migrations", WithQueries(SQLite))

	err := edited.Verify(ctx)
	require.Error(t, err)
	assert.True(t, errorx.IsOfType(err, ErrDrift))
	version, ok := FailedVersion(err)
	require.True(t, ok)
	assert.Equal(t, 1, version)
}

func TestSQLiteDeletedHistoryFailsBeforeExecuting(t *testing.T) {
	db := openSQLite(t)
	files := map[string]string{
		"migrations/0001_create_mods.sql":     modsUnit,
		"migrations/0002_create_versions.sql": versionsUnit,
	}
	m := sqliteMigrator(t, db, files)
	ctx := context.Background()
	require.NoError(t, m.Up(ctx))

	shrunk := sqliteMigrator(t, db, map[string]string{
		"migrations/0001_create_mods.sql": modsUnit,
		"migrations/0003_create_deps.sql": "-- +up\nCREATE TABLE dependencies (id INT);\n-- +down\nDROP TABLE dependencies;\n",
	})
	err := shrunk.Up(ctx)
	require.Error(t, err)
	assert.True(t, errorx.IsOfType(err, ErrOrder))
	assert.False(t, tableExists(t, db, "dependencies"))
}

func TestSQLiteConcurrentRunsExcludeEachOther(t *testing.T) {
	db := openSQLite(t)
	lockFile := filepath.Join(t.TempDir(), "migrator.lock")
	files := map[string]string{
		"migrations/0001_create_mods.sql": modsUnit,
	}
	ctx := context.Background()

	// Another run holds the lock.
	holder := &fileLocker{path: lockFile}
	release, err := holder.Acquire(ctx, time.Second)
	require.NoError(t, err)

	m := New(db, sqlFS(files), "migrations",
		WithQueries(SQLite),
		WithLockFile(lockFile),
		WithLockTimeout(300*time.Millisecond),
	)
	err = m.Up(ctx)
	require.Error(t, err)
	assert.True(t, errorx.IsOfType(err, ErrLock))
	assert.False(t, tableExists(t, db, "mods"))

	// Once the holder finishes, the same run goes through.
	require.NoError(t, release())
	require.NoError(t, m.Up(ctx))
	assert.True(t, tableExists(t, db, "mods"))
}
