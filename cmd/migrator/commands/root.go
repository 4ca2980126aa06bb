package commands

import (
	"context"
	"database/sql"
	"os"
	"time"

	"github.com/joomcode/errorx"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/modforge/migrator"
)

var (
	// Used for flags.
	flagConfig      string
	flagDriver      string
	flagDSN         string
	flagDir         string
	flagDriftPolicy string
	flagLockTimeout time.Duration

	cfg *migrator.Config

	rootCmd = &cobra.Command{
		Use:           "migrator",
		Short:         "Apply, verify and inspect versioned schema migrations",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig(cmd)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&flagConfig, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().StringVar(&flagDriver, "driver", "", "database driver (postgres|mysql|sqlite3|sqlserver)")
	rootCmd.PersistentFlags().StringVar(&flagDSN, "dsn", "", "database connection string")
	rootCmd.PersistentFlags().StringVar(&flagDir, "dir", "", "migrations directory")
	rootCmd.PersistentFlags().StringVar(&flagDriftPolicy, "drift-policy", "", "what a mutated historical migration does to a run (warn|fail)")
	rootCmd.PersistentFlags().DurationVar(&flagLockTimeout, "lock-timeout", 0, "how long to wait for the migration lock")

	// keep the order of commands as added
	cobra.EnableCommandSorting = false

	rootCmd.AddCommand(upCmd)
	rootCmd.AddCommand(downCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(verifyCmd)
}

// Execute runs the root command.
func Execute(ctx context.Context) error {
	if ctx == nil {
		return errorx.IllegalArgument.New("context is required")
	}
	return rootCmd.ExecuteContext(ctx)
}

// initConfig loads file/env configuration and lays flag overrides on top.
func initConfig(cmd *cobra.Command) error {
	loaded, err := migrator.LoadConfig(flagConfig)
	if err != nil {
		return err
	}
	if cmd.Flags().Changed("driver") {
		loaded.Driver = flagDriver
	}
	if cmd.Flags().Changed("dsn") {
		loaded.DSN = flagDSN
	}
	if cmd.Flags().Changed("dir") {
		loaded.Dir = flagDir
	}
	if cmd.Flags().Changed("drift-policy") {
		loaded.DriftPolicy = flagDriftPolicy
	}
	if cmd.Flags().Changed("lock-timeout") {
		loaded.LockTimeout = flagLockTimeout
	}
	if err := loaded.Validate(); err != nil {
		return err
	}

	level, err := log.ParseLevel(loaded.LogLevel)
	if err != nil {
		return errorx.IllegalArgument.Wrap(err, "invalid log_level %q", loaded.LogLevel)
	}
	log.SetLevel(level)

	cfg = loaded
	return nil
}

// newMigrator opens the target database and builds an engine from cfg.
// The caller owns closing the returned *sql.DB.
func newMigrator(ctx context.Context) (*migrator.Migrator, *sql.DB, error) {
	if cfg.DSN == "" {
		return nil, nil, errorx.IllegalArgument.New("dsn is required (flag --dsn, env MIGRATOR_DSN or config file)")
	}
	queries, err := migrator.QueriesForDriver(cfg.Driver)
	if err != nil {
		return nil, nil, err
	}

	db, err := sql.Open(cfg.Driver, cfg.DSN)
	if err != nil {
		return nil, nil, errorx.ExternalError.Wrap(err, "error opening database")
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, nil, errorx.ExternalError.Wrap(err, "error connecting to database")
	}

	m := migrator.New(db, os.DirFS("."), cfg.Dir,
		migrator.WithQueries(queries),
		migrator.WithDriftPolicy(migrator.DriftPolicy(cfg.DriftPolicy)),
		migrator.WithLockTimeout(cfg.LockTimeout),
		migrator.WithLockFile(cfg.LockFile),
	)
	return m, db, nil
}
