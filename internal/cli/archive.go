package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

var archiveCmd = &cobra.Command{
	Use:   "archive <session> [run]",
	Short: "Upload a run's checkpoints to the configured object store",
	Long: `Upload every file of a run directory (stage checkpoints, manifest, raw worker
outputs) to <bucket>/<session>/<run>/. The run defaults to the session's latest.`,
	Args: cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		orch, cleanup, err := newOrchestrator(cmd, false)
		if err != nil {
			return err
		}
		defer cleanup()

		runID := ""
		if len(args) == 2 {
			runID = args[1]
		}
		keys, err := orch.Archive(cmd.Context(), args[0], runID)
		if err != nil {
			return err
		}
		for _, k := range keys {
			fmt.Fprintln(cmd.OutOrStdout(), k)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Archived %d object(s).\n", len(keys))
		return nil
	},
}
