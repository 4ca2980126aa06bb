package commands

import (
	"github.com/spf13/cobra"
)

var downCmd = &cobra.Command{
	Use:   "down",
	Short: "Revert the most recently applied migration",
	RunE: func(cmd *cobra.Command, args []string) error {
		m, db, err := newMigrator(cmd.Context())
		if err != nil {
			return err
		}
		defer db.Close()

		return m.Down(cmd.Context())
	},
}
