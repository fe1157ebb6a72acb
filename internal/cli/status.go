package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/lucasnoah/wayfinder/internal/db"
	"github.com/lucasnoah/wayfinder/internal/pipeline"
)

var statusCmd = &cobra.Command{
	Use:   "status [session]",
	Short: "List sessions, or the runs of one session",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		store, err := pipeline.OpenStore(cfg.DataDir)
		if err != nil {
			return fmt.Errorf("open store: %w", err)
		}
		format, _ := cmd.Flags().GetString("format")
		w := cmd.OutOrStdout()

		if len(args) == 0 {
			sessions, err := store.ListSessions()
			if err != nil {
				return err
			}
			if format == "json" {
				if sessions == nil {
					sessions = []string{}
				}
				return writeJSON(w, sessions)
			}
			if len(sessions) == 0 {
				fmt.Fprintln(w, "No sessions found.")
				return nil
			}
			fmt.Fprintf(w, "%-24s %s\n", "SESSION", "LATEST RUN")
			fmt.Fprintf(w, "%-24s %s\n", strings.Repeat("-", 24), strings.Repeat("-", 10))
			for _, s := range sessions {
				latest, err := store.LatestRunID(s)
				if err != nil {
					latest = "-"
				}
				fmt.Fprintf(w, "%-24s %s\n", s, latest)
			}
			return nil
		}

		runs, err := store.ListRuns(args[0])
		if err != nil {
			return err
		}
		if format == "json" {
			if runs == nil {
				runs = []pipeline.RunInfo{}
			}
			return writeJSON(w, runs)
		}
		if len(runs) == 0 {
			fmt.Fprintf(w, "No runs found for session %s.\n", args[0])
			return nil
		}
		latest, _ := store.LatestRunID(args[0])
		fmt.Fprintf(w, "%-28s %-7s %-9s %s\n", "RUN", "STAGES", "MANIFEST", "UPDATED")
		fmt.Fprintf(w, "%-28s %-7s %-9s %s\n",
			strings.Repeat("-", 28), strings.Repeat("-", 7), strings.Repeat("-", 9), strings.Repeat("-", 7))
		for _, r := range runs {
			id := r.RunID
			if id == latest {
				id += " *"
			}
			fmt.Fprintf(w, "%-28s %-7d %-9t %s\n", id, r.Stages, r.Manifest, r.UpdatedAt)
		}
		return nil
	},
}

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "List recent runs from the event log",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		database, err := db.Open(cfg.Database)
		if err != nil {
			return fmt.Errorf("open db: %w", err)
		}
		defer database.Close()
		if err := database.Migrate(); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}

		session, _ := cmd.Flags().GetString("session")
		limit, _ := cmd.Flags().GetInt("limit")
		runs, err := database.ListRuns(cmd.Context(), session, limit)
		if err != nil {
			return err
		}

		w := cmd.OutOrStdout()
		if format, _ := cmd.Flags().GetString("format"); format == "json" {
			if runs == nil {
				runs = []db.Run{}
			}
			return writeJSON(w, runs)
		}
		if len(runs) == 0 {
			fmt.Fprintln(w, "No runs found.")
			return nil
		}
		fmt.Fprintf(w, "%-28s %-20s %-10s %-26s %s\n", "RUN", "SESSION", "STATUS", "FINAL STAGE", "DURATION")
		fmt.Fprintf(w, "%-28s %-20s %-10s %-26s %s\n",
			strings.Repeat("-", 28), strings.Repeat("-", 20), strings.Repeat("-", 10), strings.Repeat("-", 26), strings.Repeat("-", 8))
		for _, r := range runs {
			fmt.Fprintf(w, "%-28s %-20s %-10s %-26s %dms\n", r.RunID, r.SessionID, r.Status, r.FinalStage, r.DurationMs)
		}
		return nil
	},
}

var workersCmd = &cobra.Command{
	Use:   "workers",
	Short: "List the configured workers",
	RunE: func(cmd *cobra.Command, args []string) error {
		orch, cleanup, err := newOrchestrator(cmd, false)
		if err != nil {
			return err
		}
		defer cleanup()

		infos, err := orch.Workers()
		if err != nil {
			return err
		}
		w := cmd.OutOrStdout()
		if format, _ := cmd.Flags().GetString("format"); format == "json" {
			return writeJSON(w, infos)
		}
		if len(infos) == 0 {
			fmt.Fprintln(w, "No workers configured.")
			return nil
		}
		fmt.Fprintf(w, "%-16s %-20s %s\n", "WORKER", "PROVIDER", "CIRCUIT")
		fmt.Fprintf(w, "%-16s %-20s %s\n", strings.Repeat("-", 16), strings.Repeat("-", 20), strings.Repeat("-", 7))
		for _, info := range infos {
			state := "closed"
			if info.CircuitOpen {
				state = "open"
			}
			fmt.Fprintf(w, "%-16s %-20s %s\n", info.ID, info.Provider, state)
		}
		return nil
	},
}

func init() {
	statusCmd.Flags().String("format", "text", "Output format: text or json")

	runsCmd.Flags().String("session", "", "Only runs of this session")
	runsCmd.Flags().Int("limit", 20, "Maximum runs to list")
	runsCmd.Flags().String("format", "text", "Output format: text or json")

	workersCmd.Flags().String("format", "text", "Output format: text or json")
}
