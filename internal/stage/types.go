// Package stage defines the stage contract and the pipeline executor that runs stages
// 0–10 in order, checkpointing each one and degrading gracefully when asked to.
package stage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/lucasnoah/wayfinder/internal/pipeline"
)

// Logger is satisfied by *slog.Logger.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// CostTracker accumulates provider usage for one execution. *cost.Tracker implements it.
type CostTracker interface {
	AddTokenUsage(provider string, input, output int64)
	AddAPICalls(provider string, n int64)
	AddQuotaUnits(provider string, n int64)
}

// Context is shared by every stage of one execution. The executor never mutates it.
type Context struct {
	SessionID string
	RunID     string
	Config    map[string]any
	Cost      CostTracker
	Logger    Logger
}

// Stage is one numbered unit of pipeline work.
type Stage interface {
	ID() string
	Number() int
	Name() string
	// Execute receives the data of the preceding stage, nil when that stage degraded.
	// On a resumed run the first stage receives the source checkpoint's data as json.RawMessage.
	Execute(ctx context.Context, sc *Context, previous any) (*Result, error)
}

// Timing records when a stage ran.
type Timing struct {
	StartedAt  time.Time `json:"started_at"`
	EndedAt    time.Time `json:"ended_at"`
	DurationMs int64     `json:"duration_ms"`
}

// Result is the output of one stage execution. Metadata and Timing are filled by the executor.
type Result struct {
	Data     any                    `json:"data"`
	Metadata pipeline.StageMetadata `json:"metadata"`
	Timing   Timing                 `json:"timing"`
}

// Func is the body of a stage built with New.
type Func func(ctx context.Context, sc *Context, previous any) (any, error)

type funcStage struct {
	number int
	name   string
	fn     Func
}

// New builds a Stage with the canonical id and name for number.
func New(number int, fn Func) Stage {
	name, _ := pipeline.StageName(number)
	return &funcStage{number: number, name: name, fn: fn}
}

func (s *funcStage) ID() string {
	if s.name == "" {
		return ""
	}
	return fmt.Sprintf("%02d_%s", s.number, s.name)
}

func (s *funcStage) Number() int  { return s.number }
func (s *funcStage) Name() string { return s.name }

func (s *funcStage) Execute(ctx context.Context, sc *Context, previous any) (*Result, error) {
	data, err := s.fn(ctx, sc, previous)
	if err != nil {
		return nil, err
	}
	return &Result{Data: data}, nil
}

// Decode converts a previous-stage payload into v. It accepts the in-process value of the
// preceding stage as well as the raw checkpoint data handed to the first stage of a resumed run.
func Decode(previous any, v any) error {
	var raw []byte
	switch p := previous.(type) {
	case nil:
		return fmt.Errorf("decode previous output: no input (upstream stage degraded)")
	case json.RawMessage:
		raw = p
	case []byte:
		raw = p
	default:
		b, err := json.Marshal(p)
		if err != nil {
			return fmt.Errorf("decode previous output: %w", err)
		}
		raw = b
	}
	if len(bytes.TrimSpace(raw)) == 0 || bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		return fmt.Errorf("decode previous output: no input (upstream stage degraded)")
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("decode previous output: %w", err)
	}
	return nil
}

// NewRunID returns a sortable unique run id, e.g. "20260301T120000-1a2b3c4d".
func NewRunID() string {
	return time.Now().UTC().Format("20060102T150405") + "-" + uuid.New().String()[:8]
}

// RunStatus is the terminal state of an execution.
type RunStatus string

const (
	StatusSucceeded RunStatus = "succeeded"
	StatusDegraded  RunStatus = "degraded"
	StatusFailed    RunStatus = "failed"
)

// Options controls one execution.
type Options struct {
	StopAfterStage  *int // default 10
	DryRun          bool
	ContinueOnError bool
}

// StopAfter is a helper for Options.StopAfterStage.
func StopAfter(n int) *int { return &n }

func (o Options) stopStage() int {
	if o.StopAfterStage == nil {
		return pipeline.LastStage
	}
	return *o.StopAfterStage
}

// StageError records one stage failure.
type StageError struct {
	StageID     string `json:"stage_id"`
	StageNumber int    `json:"stage_number"`
	Message     string `json:"message"`
	Continued   bool   `json:"continued"`
	Err         error  `json:"-"`
}

// RunTiming is the aggregate timing of an execution.
type RunTiming struct {
	StartedAt      time.Time        `json:"started_at"`
	EndedAt        time.Time        `json:"ended_at"`
	DurationMs     int64            `json:"duration_ms"`
	StageDurations map[string]int64 `json:"stage_durations"`
}

// PipelineResult is the outcome of Execute or ExecuteFromStage.
type PipelineResult struct {
	SessionID      string       `json:"session_id"`
	RunID          string       `json:"run_id"`
	Success        bool         `json:"success"`
	Status         RunStatus    `json:"status"`
	AllDegraded    bool         `json:"all_degraded,omitempty"`
	DryRun         bool         `json:"dry_run,omitempty"`
	StagesExecuted []string     `json:"stages_executed"`
	StagesSkipped  []string     `json:"stages_skipped"`
	DegradedStages []string     `json:"degraded_stages"`
	FinalStage     string       `json:"final_stage"`
	Timing         RunTiming    `json:"timing"`
	Errors         []StageError `json:"errors"`
}
