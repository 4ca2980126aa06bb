package migrator

import (
	"errors"
	"strings"
	"time"

	"github.com/joomcode/errorx"
	"github.com/spf13/viper"
)

// Config holds everything the CLI needs to build a Migrator. Values come
// from a config file, MIGRATOR_* environment variables and flags, in
// ascending precedence.
type Config struct {
	Driver      string        `mapstructure:"driver"`
	DSN         string        `mapstructure:"dsn"`
	Dir         string        `mapstructure:"dir"`
	DriftPolicy string        `mapstructure:"drift_policy"`
	LockTimeout time.Duration `mapstructure:"lock_timeout"`
	LockFile    string        `mapstructure:"lock_file"`
	LogLevel    string        `mapstructure:"log_level"`
}

// LoadConfig reads configuration from path (optional; the default search is
// ./migrator.yaml) and the environment.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	v.SetDefault("driver", "postgres")
	v.SetDefault("dsn", "")
	v.SetDefault("dir", "migrations")
	v.SetDefault("drift_policy", string(DriftWarn))
	v.SetDefault("lock_timeout", DefaultLockTimeout)
	v.SetDefault("lock_file", DefaultLockFile)
	v.SetDefault("log_level", "info")

	v.SetEnvPrefix("migrator")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, errorx.IllegalArgument.Wrap(err, "error reading config file %s", path)
		}
	} else {
		v.SetConfigName("migrator")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			// A missing default config file is fine; env and flags remain.
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, errorx.IllegalArgument.Wrap(err, "error reading config")
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errorx.IllegalArgument.Wrap(err, "error parsing config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects option values the engine cannot act on.
func (c *Config) Validate() error {
	switch DriftPolicy(c.DriftPolicy) {
	case DriftWarn, DriftFail:
	default:
		return errorx.IllegalArgument.New("invalid drift_policy %q: must be %q or %q",
			c.DriftPolicy, DriftWarn, DriftFail)
	}
	if _, err := QueriesForDriver(c.Driver); err != nil {
		return err
	}
	if c.LockTimeout <= 0 {
		return errorx.IllegalArgument.New("lock_timeout must be positive, got %s", c.LockTimeout)
	}
	return nil
}
