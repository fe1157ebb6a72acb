package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/lucasnoah/wayfinder/internal/config"
	"github.com/lucasnoah/wayfinder/internal/orchestrator"
)

var version = "dev"

func SetVersion(v string) {
	version = v
}

var (
	configPath string
	dataDir    string
	logLevel   string
)

var rootCmd = &cobra.Command{
	Use:   "wayfinder",
	Short: "wayfinder: a checkpointed travel-research pipeline",
	Long: `wayfinder turns a traveller's request into ranked recommendations through an
eleven-stage pipeline (00_enhancement .. 10_results). Every stage writes a JSON
checkpoint, so any run can be resumed from any stage of an earlier run.

Checkpoints live under ~/.wayfinder/sessions/ and run events in ~/.wayfinder/wayfinder.db
unless the config says otherwise.`,
	SilenceUsage: true,
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to wayfinder.yaml (default ./wayfinder.yaml, then ~/.wayfinder/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&dataDir, "data-dir", "", "override the checkpoint directory")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "debug, info, warn or error (overrides log.level)")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(resumeCmd)
	rootCmd.AddCommand(planCmd)
	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(runsCmd)
	rootCmd.AddCommand(workersCmd)
	rootCmd.AddCommand(statsCmd)
	rootCmd.AddCommand(archiveCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(dbCmd)
	rootCmd.AddCommand(configCmd)
}

// loadConfig resolves the config file and applies the global flag overrides.
func loadConfig() (*config.Config, error) {
	cfg, _, err := loadConfigSource()
	return cfg, err
}

// loadConfigSource is loadConfig that also names where the config came from.
func loadConfigSource() (*config.Config, string, error) {
	var (
		cfg    *config.Config
		source string
		err    error
	)
	if configPath != "" {
		cfg, err = config.Load(configPath)
		source = configPath
	} else {
		cfg, source, err = config.LoadDefault()
	}
	if err != nil {
		return nil, "", err
	}
	if source == "" {
		source = "built-in defaults"
	}
	if dataDir != "" {
		if cfg.Database == filepath.Join(cfg.DataDir, "wayfinder.db") {
			cfg.Database = filepath.Join(dataDir, "wayfinder.db")
		}
		cfg.DataDir = dataDir
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	return cfg, source, nil
}

// loadValidConfig is loadConfig followed by config.Validate.
func loadValidConfig() (*config.Config, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	if errs := config.Validate(cfg); len(errs) > 0 {
		msgs := make([]string, len(errs))
		for i, e := range errs {
			msgs[i] = e.Error()
		}
		return nil, fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
	}
	return cfg, nil
}

func newLogger(cfg *config.Config, w io.Writer) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Log.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Log.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// newOrchestrator builds an orchestrator from the resolved config. Progress and logs go to stderr.
func newOrchestrator(cmd *cobra.Command, progress bool) (*orchestrator.Orchestrator, func(), error) {
	cfg, err := loadValidConfig()
	if err != nil {
		return nil, nil, err
	}
	opts := orchestrator.Options{Logger: newLogger(cfg, cmd.ErrOrStderr())}
	if progress {
		opts.Progress = cmd.ErrOrStderr()
	}
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	orch, err := orchestrator.New(ctx, cfg, opts)
	if err != nil {
		return nil, nil, err
	}
	return orch, func() { orch.Close() }, nil
}
