package commands

import (
	"github.com/spf13/cobra"
)

var upCmd = &cobra.Command{
	Use:   "up",
	Short: "Apply all pending migrations in version order",
	RunE: func(cmd *cobra.Command, args []string) error {
		m, db, err := newMigrator(cmd.Context())
		if err != nil {
			return err
		}
		defer db.Close()

		return m.Up(cmd.Context())
	},
}
