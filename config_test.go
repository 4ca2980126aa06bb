package migrator

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig("")
	require.NoError(t, err)
	assert.Equal(t, "postgres", cfg.Driver)
	assert.Equal(t, "migrations", cfg.Dir)
	assert.Equal(t, string(DriftWarn), cfg.DriftPolicy)
	assert.Equal(t, DefaultLockTimeout, cfg.LockTimeout)
	assert.Equal(t, DefaultLockFile, cfg.LockFile)
}

func TestLoadConfigFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "migrator.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
driver: sqlite3
dsn: file:mods.db
dir: db/migrations
drift_policy: fail
lock_timeout: 30s
log_level: debug
`), 0o644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "sqlite3", cfg.Driver)
	assert.Equal(t, "file:mods.db", cfg.DSN)
	assert.Equal(t, "db/migrations", cfg.Dir)
	assert.Equal(t, string(DriftFail), cfg.DriftPolicy)
	assert.Equal(t, 30*time.Second, cfg.LockTimeout)
	assert.Equal(t, "debug", cfg.LogLevel)
}

func TestLoadConfigEnvOverride(t *testing.T) {
	t.Setenv("MIGRATOR_DRIVER", "mysql")
	t.Setenv("MIGRATOR_DSN", "test:test@tcp(localhost:3306)/mods")

	cfg, err := LoadConfig("")
	require.NoError(t, err)
	assert.Equal(t, "mysql", cfg.Driver)
	assert.Equal(t, "test:test@tcp(localhost:3306)/mods", cfg.DSN)
}

func TestLoadConfigRejectsBadDriftPolicy(t *testing.T) {
	path := filepath.Join(t.TempDir(), "migrator.yaml")
	require.NoError(t, os.WriteFile(path, []byte("drift_policy: sometimes\n"), 0o644))

	_, err := LoadConfig(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "drift_policy")
}

func TestLoadConfigRejectsUnknownDriver(t *testing.T) {
	path := filepath.Join(t.TempDir(), "migrator.yaml")
	require.NoError(t, os.WriteFile(path, []byte("driver: oracle\n"), 0o644))

	_, err := LoadConfig(path)
	require.Error(t, err)
}

func TestLoadConfigMissingFileIsError(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}
