package commands

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show installed vs available versions and each migration's state",
	RunE: func(cmd *cobra.Command, args []string) error {
		m, db, err := newMigrator(cmd.Context())
		if err != nil {
			return err
		}
		defer db.Close()

		state, err := m.Status(cmd.Context())
		if err != nil {
			return err
		}

		fmt.Fprintf(cmd.OutOrStdout(), "Installed version: %d\nAvailable version: %d\n\n",
			state.InstalledVersion, state.AvailableVersion)

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "VERSION\tSTATE\tINSTALLED AT\tFILE")
		for _, u := range state.Units {
			installedAt := ""
			if !u.InstalledAt.IsZero() {
				installedAt = u.InstalledAt.Format("2006-01-02 15:04:05")
			}
			fmt.Fprintf(w, "%04d\t%s\t%s\t%s\n", u.Version, u.State, installedAt, u.File)
		}
		return w.Flush()
	},
}
