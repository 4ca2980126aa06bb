package migrator

import "fmt"

// MigrationQueryDefinition describes the dialect-specific SQL used by the
// engine. These can be overridden to use a different table name or an
// unsupported database.
//
// AcquireLock must return a booly result: true when the advisory lock was
// taken, false when another holder has it. Dialects without server-side
// advisory locks leave AcquireLock empty and the engine falls back to a
// file lock next to the database.
type MigrationQueryDefinition struct {
	CheckTableExists        string // Expect booly result
	CreateMigrationsTable   string
	InsertMigration         string
	DeleteMigration         string
	SelectInstalledVersion  string
	SelectAppliedMigrations string
	AcquireLock             string // Expect booly result; empty means no server-side lock
	ReleaseLock             string
}

// advisoryLockKey serializes migration runs per database. The mysql and
// mssql statements use the string form of the same key.
const advisoryLockKey = 464723250

var Postgres = &MigrationQueryDefinition{
	CheckTableExists:        "SELECT EXISTS (SELECT FROM information_schema.tables WHERE table_name = 'migrations')",
	CreateMigrationsTable:   "CREATE TABLE migrations (version INT NOT NULL, checksum CHAR(64) NOT NULL, installed_at TIMESTAMP NOT NULL)",
	InsertMigration:         "INSERT INTO migrations (version, checksum, installed_at) VALUES ($1, $2, $3)",
	DeleteMigration:         "DELETE FROM migrations WHERE version = $1",
	SelectInstalledVersion:  "SELECT version FROM migrations ORDER BY version DESC LIMIT 1",
	SelectAppliedMigrations: "SELECT version, checksum, installed_at FROM migrations ORDER BY version ASC",
	AcquireLock:             fmt.Sprintf("SELECT pg_try_advisory_lock(%d)", advisoryLockKey),
	ReleaseLock:             fmt.Sprintf("SELECT pg_advisory_unlock(%d)", advisoryLockKey),
}

var MySQL = &MigrationQueryDefinition{
	CheckTableExists:        "SELECT EXISTS (SELECT * FROM information_schema.tables WHERE table_schema = DATABASE() AND table_name = 'migrations')",
	CreateMigrationsTable:   "CREATE TABLE migrations (version INT NOT NULL, checksum CHAR(64) NOT NULL, installed_at TIMESTAMP NOT NULL)",
	InsertMigration:         "INSERT INTO migrations (version, checksum, installed_at) VALUES (?, ?, ?)",
	DeleteMigration:         "DELETE FROM migrations WHERE version = ?",
	SelectInstalledVersion:  "SELECT version FROM migrations ORDER BY version DESC LIMIT 1",
	SelectAppliedMigrations: "SELECT version, checksum, installed_at FROM migrations ORDER BY version ASC",
	AcquireLock:             fmt.Sprintf("SELECT GET_LOCK('migrator.%d', 0)", advisoryLockKey),
	ReleaseLock:             fmt.Sprintf("SELECT RELEASE_LOCK('migrator.%d')", advisoryLockKey),
}

var SQLite = &MigrationQueryDefinition{
	CheckTableExists:        "SELECT EXISTS (SELECT name FROM sqlite_master WHERE type='table' AND name='migrations')",
	CreateMigrationsTable:   "CREATE TABLE migrations (version INT NOT NULL, checksum CHAR(64) NOT NULL, installed_at TIMESTAMP NOT NULL)",
	InsertMigration:         "INSERT INTO migrations (version, checksum, installed_at) VALUES (?, ?, ?)",
	DeleteMigration:         "DELETE FROM migrations WHERE version = ?",
	SelectInstalledVersion:  "SELECT version FROM migrations ORDER BY version DESC LIMIT 1",
	SelectAppliedMigrations: "SELECT version, checksum, installed_at FROM migrations ORDER BY version ASC",
	// sqlite has no advisory locks; runs are serialized with a file lock.
	AcquireLock: "",
	ReleaseLock: "",
}

var MsSql = &MigrationQueryDefinition{
	CheckTableExists:        "SELECT CASE WHEN EXISTS (SELECT * FROM INFORMATION_SCHEMA.TABLES WHERE TABLE_NAME = 'migrations') THEN 1 ELSE 0 END",
	CreateMigrationsTable:   "CREATE TABLE migrations (version INT NOT NULL, checksum CHAR(64) NOT NULL, installed_at DATETIME NOT NULL)",
	InsertMigration:         "INSERT INTO migrations (version, checksum, installed_at) VALUES (@p1, @p2, @p3)",
	DeleteMigration:         "DELETE FROM migrations WHERE version = @p1",
	SelectInstalledVersion:  "SELECT TOP 1 version FROM migrations ORDER BY version DESC",
	SelectAppliedMigrations: "SELECT version, checksum, installed_at FROM migrations ORDER BY version ASC",
	AcquireLock: fmt.Sprintf("DECLARE @r INT; "+
		"EXEC @r = sp_getapplock @Resource = 'migrator.%d', @LockMode = 'Exclusive', @LockOwner = 'Session', @LockTimeout = 0; "+
		"SELECT CASE WHEN @r >= 0 THEN 1 ELSE 0 END", advisoryLockKey),
	ReleaseLock: fmt.Sprintf("EXEC sp_releaseapplock @Resource = 'migrator.%d', @LockOwner = 'Session'", advisoryLockKey),
}

// QueriesForDriver maps a database/sql driver name to its query definition.
func QueriesForDriver(driver string) (*MigrationQueryDefinition, error) {
	switch driver {
	case "postgres":
		return Postgres, nil
	case "mysql":
		return MySQL, nil
	case "sqlite3":
		return SQLite, nil
	case "sqlserver", "mssql":
		return MsSql, nil
	default:
		return nil, ErrDiscovery.New("no query definition for driver %q", driver)
	}
}
