package config

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// File is the top-level configuration structure parsed from wayfinder YAML.
type File struct {
	Wayfinder Config `yaml:"wayfinder"`
}

// Config holds everything a run needs: storage, logging, execution defaults, workers and sinks.
type Config struct {
	DataDir  string         `yaml:"data_dir"`
	Database string         `yaml:"database"`
	Log      LogConfig      `yaml:"log"`
	Pipeline PipelineConfig `yaml:"pipeline"`
	Workers  WorkersConfig  `yaml:"workers"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	Archive  ArchiveConfig  `yaml:"archive"`
	Server   ServerConfig   `yaml:"server"`
}

// LogConfig selects the slog handler.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug | info | warn | error
	Format string `yaml:"format"` // text | json
}

// PipelineConfig holds the execution defaults; CLI flags override them.
type PipelineConfig struct {
	StopAfterStage  *int `yaml:"stop_after_stage"`
	ContinueOnError bool `yaml:"continue_on_error"`
	DryRun          bool `yaml:"dry_run"`
}

// WorkersConfig configures the fan-out.
type WorkersConfig struct {
	MaxConcurrency int              `yaml:"max_concurrency"`
	DefaultTimeout Duration         `yaml:"default_timeout"`
	Breaker        BreakerConfig    `yaml:"breaker"`
	Providers      []ProviderConfig `yaml:"providers"`
}

// BreakerConfig configures the per-provider circuit breaker.
type BreakerConfig struct {
	Threshold int      `yaml:"threshold"`
	Window    Duration `yaml:"window"`
}

// ProviderConfig declares one HTTP provider worker.
type ProviderConfig struct {
	ID         string            `yaml:"id"`
	Provider   string            `yaml:"provider"`
	Endpoint   string            `yaml:"endpoint"`
	MaxResults int               `yaml:"max_results"`
	Timeout    Duration          `yaml:"timeout"`
	Headers    map[string]string `yaml:"headers"`

	// QueryTemplates are rendered per interest, e.g. "{{interest}} near {{destination}}".
	QueryTemplates []string `yaml:"query_templates"`
}

// MetricsConfig holds optional metric sinks.
type MetricsConfig struct {
	ClickHouse ClickHouseConfig `yaml:"clickhouse"`
}

// ClickHouseConfig enables the stage metrics sink when Addr is set.
type ClickHouseConfig struct {
	Addr        string   `yaml:"addr"`
	Database    string   `yaml:"database"`
	Username    string   `yaml:"username"`
	Password    string   `yaml:"password"`
	DialTimeout Duration `yaml:"dial_timeout"`
}

// Enabled reports whether a ClickHouse address is configured.
func (c ClickHouseConfig) Enabled() bool { return c.Addr != "" }

// ArchiveConfig points at the S3-compatible bucket runs are archived to.
type ArchiveConfig struct {
	Endpoint  string `yaml:"endpoint"`
	Bucket    string `yaml:"bucket"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	UseSSL    bool   `yaml:"use_ssl"`
	Region    string `yaml:"region"`
}

// Enabled reports whether an archive endpoint is configured.
func (a ArchiveConfig) Enabled() bool { return a.Endpoint != "" }

// ServerConfig configures the status API.
type ServerConfig struct {
	Addr string `yaml:"addr"`
}

// Duration is a time.Duration that unmarshals from YAML strings (e.g. "30s", "5m").
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML writes the duration back in its string form.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Duration returns the standard time.Duration.
func (d Duration) Duration() time.Duration { return time.Duration(d) }
