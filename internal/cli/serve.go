package cli

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/lucasnoah/wayfinder/internal/db"
	"github.com/lucasnoah/wayfinder/internal/pipeline"
	"github.com/lucasnoah/wayfinder/internal/web"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the read-only status API",
	Long: `Serve a JSON API over the stored sessions, runs and checkpoints, plus the run
event log (recent runs, per-run stage and worker events, and an SSE stream of stage
events for a run in progress).`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		addr := cfg.Server.Addr
		if cmd.Flags().Changed("addr") {
			addr, _ = cmd.Flags().GetString("addr")
		}
		logger := newLogger(cfg, cmd.ErrOrStderr())

		database, err := db.Open(cfg.Database)
		if err != nil {
			return fmt.Errorf("open db: %w", err)
		}
		defer database.Close()
		if err := database.Migrate(); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}

		store, err := pipeline.OpenStore(cfg.DataDir)
		if err != nil {
			return fmt.Errorf("store: %w", err)
		}

		srv := web.NewServer(store, database, addr, logger)
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		errc := make(chan error, 1)
		go func() { errc <- srv.Start() }()

		select {
		case err := <-errc:
			return err
		case <-ctx.Done():
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return <-errc
	},
}

func init() {
	serveCmd.Flags().String("addr", ":8080", "Address to listen on (overrides server.addr)")
}
