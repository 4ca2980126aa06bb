package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

var verifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Check applied migrations for content drift",
	RunE: func(cmd *cobra.Command, args []string) error {
		m, db, err := newMigrator(cmd.Context())
		if err != nil {
			return err
		}
		defer db.Close()

		if err := m.Verify(cmd.Context()); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "All applied migrations match their recorded checksums.")
		return nil
	},
}
