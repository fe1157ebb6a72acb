package config

import (
	"fmt"
	"net/url"

	"github.com/lucasnoah/wayfinder/internal/pipeline"
	"github.com/lucasnoah/wayfinder/internal/prompt"
)

// ValidationError represents a single validation issue with a config.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

var recognizedLevels = map[string]bool{"debug": true, "info": true, "warn": true, "error": true}

var recognizedFormats = map[string]bool{"text": true, "json": true}

// Validate checks a Config for structural and semantic errors.
// It returns a slice of all validation errors found (empty if valid).
func Validate(cfg *Config) []ValidationError {
	var errs []ValidationError
	add := func(field, format string, args ...any) {
		errs = append(errs, ValidationError{Field: field, Message: fmt.Sprintf(format, args...)})
	}

	if !recognizedLevels[cfg.Log.Level] {
		add("wayfinder.log.level", "unrecognized level %q", cfg.Log.Level)
	}
	if !recognizedFormats[cfg.Log.Format] {
		add("wayfinder.log.format", "unrecognized format %q", cfg.Log.Format)
	}

	if s := cfg.Pipeline.StopAfterStage; s != nil && !pipeline.IsValidStageNumber(*s) {
		add("wayfinder.pipeline.stop_after_stage", "must be between %d and %d, got %d", pipeline.FirstStage, pipeline.LastStage, *s)
	}

	w := cfg.Workers
	if w.MaxConcurrency < 1 {
		add("wayfinder.workers.max_concurrency", "must be at least 1")
	}
	if w.DefaultTimeout <= 0 {
		add("wayfinder.workers.default_timeout", "must be positive")
	}
	if w.Breaker.Threshold < 1 {
		add("wayfinder.workers.breaker.threshold", "must be at least 1")
	}
	if w.Breaker.Window <= 0 {
		add("wayfinder.workers.breaker.window", "must be positive")
	}

	ids := make(map[string]bool)
	for i, p := range w.Providers {
		prefix := fmt.Sprintf("wayfinder.workers.providers[%d]", i)
		if p.ID == "" {
			add(prefix+".id", "is required")
		} else if ids[p.ID] {
			add(prefix+".id", "duplicate provider ID %q", p.ID)
		}
		ids[p.ID] = true

		if p.Endpoint == "" {
			add(prefix+".endpoint", "is required")
		} else if u, err := url.Parse(p.Endpoint); err != nil || u.Scheme == "" || u.Host == "" {
			add(prefix+".endpoint", "invalid URL %q", p.Endpoint)
		}
		if p.MaxResults < 0 {
			add(prefix+".max_results", "must not be negative")
		}
		if p.Timeout < 0 {
			add(prefix+".timeout", "must be positive")
		}
		for j, tmpl := range p.QueryTemplates {
			if err := prompt.Check(tmpl); err != nil {
				add(fmt.Sprintf("%s.query_templates[%d]", prefix, j), "%v", err)
			}
		}
	}

	if cfg.Metrics.ClickHouse.Enabled() && cfg.Metrics.ClickHouse.DialTimeout <= 0 {
		add("wayfinder.metrics.clickhouse.dial_timeout", "must be positive")
	}

	if cfg.Archive.Enabled() && cfg.Archive.Bucket == "" {
		add("wayfinder.archive.bucket", "is required when an endpoint is set")
	}

	return errs
}
