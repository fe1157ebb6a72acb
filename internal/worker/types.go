// Package worker runs third-party data-source calls concurrently for the fan-out stage.
//
// Each provider adapter implements Worker. The Executor drives one Plan (one Assignment per
// worker) through a FIFO concurrency Limiter and a per-provider circuit Breaker. Provider
// failures, timeouts and panics never escape ExecuteWorkers: they come back as Outputs with
// Status "error", and the Summary classifies how degraded the fan-out was.
package worker

import (
	"context"
	"time"
)

// Status is the outcome of one worker call.
type Status string

const (
	StatusOK      Status = "ok"
	StatusError   Status = "error"
	StatusPartial Status = "partial"
	StatusSkipped Status = "skipped"
)

// Succeeded reports whether the status counts as a usable result.
func (s Status) Succeeded() bool {
	return s == StatusOK || s == StatusPartial
}

// Session identifies the run a worker is planning for.
type Session struct {
	ID    string `json:"id"`
	RunID string `json:"run_id"`
}

// Intent is the enriched traveller request produced upstream of the router.
type Intent struct {
	Destination string   `json:"destination"`
	Interests   []string `json:"interests,omitempty"`
	TravelDates string   `json:"travel_dates,omitempty"`
	Budget      string   `json:"budget,omitempty"`
	Queries     []string `json:"queries,omitempty"`
}

// Assignment is the work one worker is asked to do.
type Assignment struct {
	WorkerID   string        `json:"worker_id"`
	Queries    []string      `json:"queries"`
	MaxResults int           `json:"max_results"`
	Timeout    time.Duration `json:"timeout"`
}

// Plan holds one assignment per worker.
type Plan struct {
	Assignments []Assignment `json:"assignments"`
}

// Candidate is one recommendation returned by a provider.
type Candidate struct {
	Title      string         `json:"title"`
	Location   string         `json:"location,omitempty"`
	URL        string         `json:"url,omitempty"`
	Source     string         `json:"source"`
	Score      float64        `json:"score,omitempty"`
	Attributes map[string]any `json:"attributes,omitempty"`
}

// TokenUsage is reported by providers that bill by tokens.
type TokenUsage struct {
	Input  int64 `json:"input"`
	Output int64 `json:"output"`
}

// Output is the result of one worker for one run.
type Output struct {
	WorkerID   string      `json:"worker_id"`
	Status     Status      `json:"status"`
	Candidates []Candidate `json:"candidates"`
	Error      string      `json:"error,omitempty"`
	DurationMs int64       `json:"duration_ms"`
	TokenUsage *TokenUsage `json:"token_usage,omitempty"`
}

// CostTracker is the subset of cost.Tracker the executor charges usage to.
type CostTracker interface {
	AddTokenUsage(provider string, input, output int64)
	AddAPICalls(provider string, n int64)
}

// Logger is satisfied by *slog.Logger.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// Context is handed to every Execute call of one fan-out.
type Context struct {
	SessionID string
	RunID     string
	Cost      CostTracker
	Logger    Logger
}

// Worker is a pluggable data-source adapter.
type Worker interface {
	ID() string
	Provider() string
	Plan(session Session, intent Intent) (Assignment, error)
	Execute(ctx context.Context, a Assignment, wc *Context) (Output, error)
}
