package cli

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

// runCmd fires one billing run outside the schedule, for operations and
// local testing. It uses the same pipeline the scheduler drives.
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Execute one billing run now",
	RunE: func(cmd *cobra.Command, args []string) error {
		app := GetApp()
		if app == nil {
			return errors.New("billing run requires a database connection")
		}

		runID := time.Now().UTC().Format(time.RFC3339)
		summary, err := app.Pipeline.Run(cmd.Context(), runID)
		if summary != nil {
			fmt.Fprintf(cmd.OutOrStdout(), "Run %s\n", summary.RunID)
			fmt.Fprintf(cmd.OutOrStdout(), "  due:       %d\n", summary.Read)
			fmt.Fprintf(cmd.OutOrStdout(), "  succeeded: %d\n", summary.Succeeded)
			fmt.Fprintf(cmd.OutOrStdout(), "  skipped:   %d\n", summary.Skipped)
			fmt.Fprintf(cmd.OutOrStdout(), "  chunks:    %d\n", summary.Chunks)
			if summary.Aborted {
				fmt.Fprintln(cmd.OutOrStdout(), "  ABORTED: skip limit exceeded")
			}
		}
		return err
	},
}

func init() {
	rootCmd.AddCommand(runCmd)
}
