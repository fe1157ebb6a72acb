package cli

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/lucasnoah/wayfinder/internal/analytics"
	"github.com/lucasnoah/wayfinder/internal/db"
)

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Query run analytics from the event log",
}

var statsStagesCmd = &cobra.Command{
	Use:   "stages",
	Short: "Duration percentiles and outcome rates per stage",
	RunE: withStatsDB(func(cmd *cobra.Command, database *db.DB, since time.Time) error {
		durations, err := analytics.QueryStageDurations(cmd.Context(), database, since)
		if err != nil {
			return err
		}
		outcomes, err := analytics.QueryStageOutcomes(cmd.Context(), database, since)
		if err != nil {
			return err
		}
		w := cmd.OutOrStdout()
		if isJSON(cmd) {
			return writeJSON(w, map[string]any{"durations": durations, "outcomes": outcomes})
		}
		rates := make(map[string]analytics.StageOutcomeRate, len(outcomes))
		for _, o := range outcomes {
			rates[o.Stage] = o
		}
		fmt.Fprintf(w, "%-26s %6s %9s %9s %9s %7s %7s\n", "STAGE", "COUNT", "AVG", "P50", "P95", "OK%", "FAIL%")
		fmt.Fprintf(w, "%s\n", strings.Repeat("-", 80))
		for _, d := range durations {
			r := rates[d.Stage]
			fmt.Fprintf(w, "%-26s %6d %8.1fms %8.1fms %8.1fms %7.1f %7.1f\n",
				d.Stage, d.Count, d.Avg, d.P50, d.P95, r.OK, r.Failed)
		}
		return nil
	}),
}

var statsWorkersCmd = &cobra.Command{
	Use:   "workers",
	Short: "Success rate, latency and token totals per worker",
	RunE: withStatsDB(func(cmd *cobra.Command, database *db.DB, since time.Time) error {
		results, err := analytics.QueryWorkerReliability(cmd.Context(), database, since)
		if err != nil {
			return err
		}
		w := cmd.OutOrStdout()
		if isJSON(cmd) {
			return writeJSON(w, results)
		}
		fmt.Fprintf(w, "%-16s %-18s %6s %7s %7s %9s %7s\n", "WORKER", "PROVIDER", "CALLS", "OK%", "ERR%", "AVG", "TOKENS")
		fmt.Fprintf(w, "%s\n", strings.Repeat("-", 78))
		for _, r := range results {
			fmt.Fprintf(w, "%-16s %-18s %6d %7.1f %7.1f %7.1fms %7d\n",
				r.WorkerID, r.Provider, r.Calls, r.Succeeded, r.Errors, r.AvgMs, r.InputTokens+r.OutputTokens)
		}
		return nil
	}),
}

var statsThroughputCmd = &cobra.Command{
	Use:   "throughput",
	Short: "Runs per day by status",
	RunE: withStatsDB(func(cmd *cobra.Command, database *db.DB, since time.Time) error {
		results, err := analytics.QueryThroughput(cmd.Context(), database, since)
		if err != nil {
			return err
		}
		w := cmd.OutOrStdout()
		if isJSON(cmd) {
			return writeJSON(w, results)
		}
		fmt.Fprintf(w, "%-10s %5s %5s %5s %5s %9s\n", "DAY", "RUNS", "OK", "DEGR", "FAIL", "AVG")
		fmt.Fprintf(w, "%s\n", strings.Repeat("-", 46))
		for _, r := range results {
			fmt.Fprintf(w, "%-10s %5d %5d %5d %5d %7.0fms\n", r.Day, r.Runs, r.Succeeded, r.Degraded, r.Failed, r.AvgMs)
		}
		return nil
	}),
}

var statsTimelineCmd = &cobra.Command{
	Use:   "timeline <run>",
	Short: "Every stage and worker event of one run in time order",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStatsDB(func(cmd *cobra.Command, database *db.DB, _ time.Time) error {
			events, err := analytics.QueryRunTimeline(cmd.Context(), database, args[0])
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			if isJSON(cmd) {
				return writeJSON(w, events)
			}
			if len(events) == 0 {
				fmt.Fprintf(w, "No events for run %s.\n", args[0])
				return nil
			}
			for _, e := range events {
				fmt.Fprintf(w, "%s  %-6s %-26s %-8s %6dms  %s\n", e.Timestamp, e.Type, e.Name, e.Outcome, e.DurationMs, e.Detail)
			}
			return nil
		})(cmd, args)
	},
}

// withStatsDB opens the configured event log and parses --since before calling fn.
func withStatsDB(fn func(cmd *cobra.Command, database *db.DB, since time.Time) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		since, err := parseSince(cmd)
		if err != nil {
			return err
		}
		database, err := openConfiguredDB()
		if err != nil {
			return err
		}
		defer database.Close()
		if err := database.Migrate(); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
		return fn(cmd, database, since)
	}
}

// parseSince accepts a duration back from now ("72h") or a date ("2026-06-01").
func parseSince(cmd *cobra.Command) (time.Time, error) {
	v, _ := cmd.Flags().GetString("since")
	if v == "" {
		return time.Time{}, nil
	}
	if d, err := time.ParseDuration(v); err == nil {
		return time.Now().Add(-d), nil
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02"} {
		if t, err := time.Parse(layout, v); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid --since %q: want a duration like 72h or a date like 2006-01-02", v)
}

func isJSON(cmd *cobra.Command) bool {
	f, _ := cmd.Flags().GetString("format")
	return f == "json"
}

func init() {
	for _, c := range []*cobra.Command{statsStagesCmd, statsWorkersCmd, statsThroughputCmd, statsTimelineCmd} {
		c.Flags().String("format", "text", "Output format: text or json")
		statsCmd.AddCommand(c)
	}
	for _, c := range []*cobra.Command{statsStagesCmd, statsWorkersCmd, statsThroughputCmd} {
		c.Flags().String("since", "", "Only events after this duration ago (72h) or date (2006-01-02)")
	}
}
