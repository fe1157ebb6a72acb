package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	DefaultMaxConcurrency   = 4
	DefaultWorkerTimeout    = 30 * time.Second
	DefaultBreakerThreshold = 5
	DefaultBreakerWindow    = 60 * time.Second
	DefaultDialTimeout      = 5 * time.Second
	DefaultServerAddr       = ":8080"
)

// Load reads and parses a wayfinder configuration from the given YAML file path.
// After parsing, it fills in defaults for anything left unset.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return Parse(data)
}

// Parse parses YAML bytes and applies defaults.
func Parse(data []byte) (*Config, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parsing config YAML: %w", err)
	}
	applyDefaults(&f.Wayfinder)
	return &f.Wayfinder, nil
}

// LoadDefault searches for a config in standard locations and loads the first one found.
// Search order: ./wayfinder.yaml, ~/.wayfinder/config.yaml. With no file, Default is returned.
func LoadDefault() (*Config, string, error) {
	candidates := []string{"wayfinder.yaml"}

	home, err := os.UserHomeDir()
	if err == nil {
		candidates = append(candidates, filepath.Join(home, ".wayfinder", "config.yaml"))
	}

	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			cfg, err := Load(path)
			return cfg, path, err
		}
	}
	return Default(), "", nil
}

// Default returns a config with every default applied and no providers.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

// Marshal renders cfg back to YAML under the wayfinder key.
func Marshal(cfg *Config) ([]byte, error) {
	return yaml.Marshal(File{Wayfinder: *cfg})
}

// applyDefaults fills unset fields and resolves ~ in paths.
func applyDefaults(cfg *Config) {
	if cfg.DataDir == "" {
		cfg.DataDir = "~/.wayfinder"
	}
	cfg.DataDir = expandHome(cfg.DataDir)
	if cfg.Database == "" {
		cfg.Database = filepath.Join(cfg.DataDir, "wayfinder.db")
	} else {
		cfg.Database = expandHome(cfg.Database)
	}

	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "text"
	}

	w := &cfg.Workers
	if w.MaxConcurrency == 0 {
		w.MaxConcurrency = DefaultMaxConcurrency
	}
	if w.DefaultTimeout == 0 {
		w.DefaultTimeout = Duration(DefaultWorkerTimeout)
	}
	if w.Breaker.Threshold == 0 {
		w.Breaker.Threshold = DefaultBreakerThreshold
	}
	if w.Breaker.Window == 0 {
		w.Breaker.Window = Duration(DefaultBreakerWindow)
	}
	for i := range w.Providers {
		p := &w.Providers[i]
		if p.Provider == "" {
			p.Provider = p.ID
		}
		if p.Timeout == 0 {
			p.Timeout = w.DefaultTimeout
		}
	}

	ch := &cfg.Metrics.ClickHouse
	if ch.Database == "" {
		ch.Database = "wayfinder"
	}
	if ch.Username == "" {
		ch.Username = "default"
	}
	if ch.DialTimeout == 0 {
		ch.DialTimeout = Duration(DefaultDialTimeout)
	}

	if cfg.Archive.Region == "" {
		cfg.Archive.Region = "us-east-1"
	}
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = DefaultServerAddr
	}
}

func expandHome(path string) string {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~"))
}
