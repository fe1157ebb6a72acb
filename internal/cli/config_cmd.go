package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/lucasnoah/wayfinder/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Create, validate and inspect the wayfinder configuration",
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Check the resolved configuration and report every problem by field",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, source, err := loadConfigSource()
		if err != nil {
			return err
		}
		cmd.Printf("Source: %s\n", source)

		errs := config.Validate(cfg)
		if len(errs) > 0 {
			cmd.Println("Validation errors:")
			for _, e := range errs {
				cmd.Printf("  - %s: %s\n", e.Field, e.Message)
			}
			return fmt.Errorf("config has %d validation error(s)", len(errs))
		}

		cmd.Println("Configuration is valid.")
		if len(cfg.Workers.Providers) == 0 {
			cmd.Println("Warning: no providers configured; runs will stop at 02_router.")
		}
		return nil
	},
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the resolved configuration with defaults and flag overrides applied",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, source, err := loadConfigSource()
		if err != nil {
			return err
		}
		data, err := config.Marshal(cfg)
		if err != nil {
			return fmt.Errorf("marshal config: %w", err)
		}
		cmd.Printf("# source: %s\n", source)
		cmd.Print(string(data))
		return nil
	},
}

var configInitCmd = &cobra.Command{
	Use:   "init [path]",
	Short: "Write a starter wayfinder.yaml with every default filled in",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := "wayfinder.yaml"
		if len(args) == 1 {
			path = args[0]
		}
		force, _ := cmd.Flags().GetBool("force")
		if _, err := os.Stat(path); err == nil && !force {
			return fmt.Errorf("%s already exists (use --force to overwrite)", path)
		}

		cfg := config.Default()
		cfg.Workers.Providers = []config.ProviderConfig{{
			ID:             "places",
			Endpoint:       "http://localhost:8081/search",
			MaxResults:     20,
			Timeout:        cfg.Workers.DefaultTimeout,
			QueryTemplates: []string{"{{interest}} in {{destination}}{{#if dates}} {{dates}}{{/if}}"},
		}}
		data, err := config.Marshal(cfg)
		if err != nil {
			return fmt.Errorf("marshal config: %w", err)
		}
		if dir := filepath.Dir(path); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return fmt.Errorf("create %s: %w", dir, err)
			}
		}
		if err := os.WriteFile(path, data, 0o644); err != nil {
			return fmt.Errorf("write %s: %w", path, err)
		}
		cmd.Printf("Wrote %s.\n", path)
		return nil
	},
}

func init() {
	configInitCmd.Flags().Bool("force", false, "Overwrite an existing file")

	configCmd.AddCommand(configValidateCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configInitCmd)
}
