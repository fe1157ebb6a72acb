package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/lucasnoah/wayfinder/internal/orchestrator"
	"github.com/lucasnoah/wayfinder/internal/resume"
	"github.com/lucasnoah/wayfinder/internal/stage"
	"github.com/lucasnoah/wayfinder/internal/worker"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the pipeline from stage 0 for a traveller request",
	Example: `  wayfinder run --destination Lisbon --interest trams --interest food
  wayfinder run --destination Kyoto --stop-after 3 --format json`,
	RunE: func(cmd *cobra.Command, args []string) error {
		intent, err := intentFromFlags(cmd)
		if err != nil {
			return err
		}
		if intent.Destination == "" {
			return fmt.Errorf("--destination is required")
		}
		orch, cleanup, err := newOrchestrator(cmd, !quiet(cmd))
		if err != nil {
			return err
		}
		defer cleanup()

		opts := orchestrator.RunOpts{Intent: intent}
		opts.SessionID, _ = cmd.Flags().GetString("session")
		opts.RunID, _ = cmd.Flags().GetString("run-id")
		opts.StopAfterStage, opts.DryRun, opts.ContinueOnError = execFlags(cmd)

		out, err := orch.Run(cmd.Context(), opts)
		if err != nil {
			return err
		}
		return printOutcome(cmd, out)
	},
}

var resumeCmd = &cobra.Command{
	Use:   "resume <session>",
	Short: "Re-run a session from a stage, reading the previous stage's checkpoint",
	Long: `Resume starts a new run in the session at --from, seeded by the checkpoint of
stage --from minus one in the source run (the session's latest run by default).
Stages before --from are not executed and are recorded as skipped.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		from, _ := cmd.Flags().GetInt("from")
		intent, err := intentFromFlags(cmd)
		if err != nil {
			return err
		}
		orch, cleanup, err := newOrchestrator(cmd, !quiet(cmd))
		if err != nil {
			return err
		}
		defer cleanup()

		opts := orchestrator.ResumeOpts{SessionID: args[0], FromStage: from, Intent: intent}
		opts.SourceRunID, _ = cmd.Flags().GetString("source")
		opts.RunID, _ = cmd.Flags().GetString("run-id")
		opts.StopAfterStage, opts.DryRun, opts.ContinueOnError = execFlags(cmd)

		out, err := orch.Resume(cmd.Context(), opts)
		if err != nil {
			return err
		}
		return printOutcome(cmd, out)
	},
}

var planCmd = &cobra.Command{
	Use:   "plan <stage>",
	Short: "Show which stages a resume at <stage> skips, executes and reads from",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		n, err := strconv.Atoi(args[0])
		if err != nil {
			return fmt.Errorf("invalid stage number: %s", args[0])
		}
		plan, err := resume.CreateExecutionPlan(n)
		if err != nil {
			return err
		}

		if format, _ := cmd.Flags().GetString("format"); format == "json" {
			return writeJSON(cmd.OutOrStdout(), plan)
		}
		w := cmd.OutOrStdout()
		input := plan.InputStageID
		if input == "" {
			input = "(none)"
		}
		fmt.Fprintf(w, "From:    %d\n", plan.FromStage)
		fmt.Fprintf(w, "Input:   %s\n", input)
		fmt.Fprintf(w, "Skip:    %s\n", joinOrNone(plan.StagesToSkip))
		fmt.Fprintf(w, "Execute: %s\n", joinOrNone(plan.StagesToExecute))
		return nil
	},
}

var validateCmd = &cobra.Command{
	Use:   "validate <file>",
	Short: "Check that a stage file can seed a resume after --stage",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		n, _ := cmd.Flags().GetInt("stage")
		data, err := os.ReadFile(args[0])
		if err != nil {
			return fmt.Errorf("read %s: %w", args[0], err)
		}
		var raw any
		if err := json.Unmarshal(data, &raw); err != nil {
			return fmt.Errorf("parse %s: %w", args[0], err)
		}

		res := resume.ValidateStageFile(raw, n)
		if format, _ := cmd.Flags().GetString("format"); format == "json" {
			if err := writeJSON(cmd.OutOrStdout(), res); err != nil {
				return err
			}
		} else if res.Valid {
			fmt.Fprintf(cmd.OutOrStdout(), "%s is a valid stage %d file.\n", args[0], n)
		} else {
			fmt.Fprintln(cmd.OutOrStdout(), "Validation errors:")
			for _, e := range res.Errors {
				fmt.Fprintf(cmd.OutOrStdout(), "  - %s\n", e)
			}
		}
		if !res.Valid {
			return fmt.Errorf("stage file has %d validation error(s)", len(res.Errors))
		}
		return nil
	},
}

func intentFromFlags(cmd *cobra.Command) (worker.Intent, error) {
	var in worker.Intent
	if path, _ := cmd.Flags().GetString("intent"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return in, fmt.Errorf("read intent: %w", err)
		}
		if err := json.Unmarshal(data, &in); err != nil {
			return in, fmt.Errorf("parse intent %s: %w", path, err)
		}
	}
	if v, _ := cmd.Flags().GetString("destination"); v != "" {
		in.Destination = v
	}
	if v, _ := cmd.Flags().GetStringArray("interest"); len(v) > 0 {
		in.Interests = v
	}
	if v, _ := cmd.Flags().GetStringArray("query"); len(v) > 0 {
		in.Queries = v
	}
	if v, _ := cmd.Flags().GetString("dates"); v != "" {
		in.TravelDates = v
	}
	if v, _ := cmd.Flags().GetString("budget"); v != "" {
		in.Budget = v
	}
	return in, nil
}

func execFlags(cmd *cobra.Command) (stopAfter *int, dryRun, continueOnError bool) {
	if cmd.Flags().Changed("stop-after") {
		n, _ := cmd.Flags().GetInt("stop-after")
		stopAfter = stage.StopAfter(n)
	}
	dryRun, _ = cmd.Flags().GetBool("dry-run")
	continueOnError, _ = cmd.Flags().GetBool("continue-on-error")
	return stopAfter, dryRun, continueOnError
}

func quiet(cmd *cobra.Command) bool {
	q, _ := cmd.Flags().GetBool("quiet")
	return q
}

func printOutcome(cmd *cobra.Command, out *orchestrator.Outcome) error {
	if format, _ := cmd.Flags().GetString("format"); format == "json" {
		if err := writeJSON(cmd.OutOrStdout(), out); err != nil {
			return err
		}
	} else {
		res := out.Result
		w := cmd.OutOrStdout()
		fmt.Fprintf(w, "Session:  %s\n", res.SessionID)
		fmt.Fprintf(w, "Run:      %s\n", res.RunID)
		fmt.Fprintf(w, "Status:   %s\n", res.Status)
		fmt.Fprintf(w, "Final:    %s\n", res.FinalStage)
		fmt.Fprintf(w, "Executed: %d  Skipped: %d  Degraded: %d\n",
			len(res.StagesExecuted), len(res.StagesSkipped), len(res.DegradedStages))
		fmt.Fprintf(w, "Duration: %dms\n", res.Timing.DurationMs)
		if out.Usage.APICalls > 0 {
			fmt.Fprintf(w, "Usage:    %d calls, %d in / %d out tokens\n",
				out.Usage.APICalls, out.Usage.InputTokens, out.Usage.OutputTokens)
		}
		for _, e := range res.Errors {
			fmt.Fprintf(w, "  ! %s: %s\n", e.StageID, e.Message)
		}
	}
	if res := out.Result; res.Status == stage.StatusFailed {
		return fmt.Errorf("run %s failed at %s", res.RunID, failedStage(res))
	}
	return nil
}

func failedStage(res *stage.PipelineResult) string {
	for _, e := range res.Errors {
		if !e.Continued {
			return e.StageID
		}
	}
	return res.FinalStage
}

func writeJSON(w io.Writer, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintln(w, string(data))
	return nil
}

func joinOrNone(ids []string) string {
	if len(ids) == 0 {
		return "(none)"
	}
	return strings.Join(ids, ", ")
}

func addIntentFlags(cmd *cobra.Command) {
	cmd.Flags().String("intent", "", "JSON file holding the traveller request")
	cmd.Flags().String("destination", "", "Destination to research")
	cmd.Flags().StringArray("interest", nil, "Interest (repeatable)")
	cmd.Flags().StringArray("query", nil, "Explicit search query (repeatable)")
	cmd.Flags().String("dates", "", "Travel dates")
	cmd.Flags().String("budget", "", "Budget")
}

func addExecFlags(cmd *cobra.Command) {
	cmd.Flags().String("run-id", "", "Run id (default: generated)")
	cmd.Flags().Int("stop-after", 10, "Last stage to execute")
	cmd.Flags().Bool("dry-run", false, "Walk the stages without executing or writing anything")
	cmd.Flags().Bool("continue-on-error", false, "Degrade failed stages instead of stopping")
	cmd.Flags().BoolP("quiet", "q", false, "Suppress progress output")
	cmd.Flags().String("format", "text", "Output format: text or json")
}

func init() {
	addIntentFlags(runCmd)
	addExecFlags(runCmd)
	runCmd.Flags().String("session", "", "Session id (default: generated)")

	addIntentFlags(resumeCmd)
	addExecFlags(resumeCmd)
	resumeCmd.Flags().Int("from", 0, "Stage to resume at")
	resumeCmd.Flags().String("source", "", "Run to read the input checkpoint from (default: latest)")
	resumeCmd.MarkFlagRequired("from")

	planCmd.Flags().String("format", "text", "Output format: text or json")

	validateCmd.Flags().Int("stage", 0, "Stage number the file should belong to")
	validateCmd.Flags().String("format", "text", "Output format: text or json")
	validateCmd.MarkFlagRequired("stage")
}
