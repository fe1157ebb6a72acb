package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lucasnoah/wayfinder/internal/stage"
	"github.com/lucasnoah/wayfinder/internal/worker"
)

// RunStatusRunning marks a run that has started but not reported its result.
const RunStatusRunning = "running"

// Run is a row from the runs table.
type Run struct {
	RunID      string `json:"run_id"`
	SessionID  string `json:"session_id"`
	FirstStage string `json:"first_stage"`
	Status     string `json:"status"`
	Success    bool   `json:"success"`
	DryRun     bool   `json:"dry_run"`
	FinalStage string `json:"final_stage"`
	StartedAt  string `json:"started_at"`
	FinishedAt string `json:"finished_at,omitempty"`
	DurationMs int64  `json:"duration_ms"`
}

// StageEvent is a row from the stage_events table.
type StageEvent struct {
	ID            int64  `json:"id"`
	RunID         string `json:"run_id"`
	SessionID     string `json:"session_id"`
	StageID       string `json:"stage_id"`
	StageNumber   int    `json:"stage_number"`
	Outcome       string `json:"outcome"`
	DurationMs    int64  `json:"duration_ms"`
	Checkpoint    string `json:"checkpoint,omitempty"`
	UpstreamStage string `json:"upstream_stage,omitempty"`
	UpstreamRunID string `json:"upstream_run_id,omitempty"`
	Error         string `json:"error,omitempty"`
	Timestamp     string `json:"timestamp"`
}

// WorkerEvent is a row from the worker_events table.
type WorkerEvent struct {
	ID           int64  `json:"id"`
	RunID        string `json:"run_id"`
	WorkerID     string `json:"worker_id"`
	Provider     string `json:"provider"`
	Status       string `json:"status"`
	Candidates   int    `json:"candidates"`
	DurationMs   int64  `json:"duration_ms"`
	InputTokens  int64  `json:"input_tokens"`
	OutputTokens int64  `json:"output_tokens"`
	Error        string `json:"error,omitempty"`
	Timestamp    string `json:"timestamp"`
}

func timestamp() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}

// StartRun records a run as running. Starting the same run id again resets its row.
func (d *DB) StartRun(ctx context.Context, sessionID, runID, firstStage string) error {
	_, err := d.exec(ctx, `
		INSERT INTO runs (run_id, session_id, first_stage, status, started_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (run_id) DO UPDATE SET
			session_id = excluded.session_id,
			first_stage = excluded.first_stage,
			status = excluded.status,
			success = FALSE,
			final_stage = '',
			started_at = excluded.started_at,
			finished_at = '',
			duration_ms = 0`,
		runID, sessionID, firstStage, RunStatusRunning, timestamp())
	if err != nil {
		return fmt.Errorf("insert run %s: %w", runID, err)
	}
	return nil
}

// FinishRun stores the terminal state of a run.
func (d *DB) FinishRun(ctx context.Context, res *stage.PipelineResult) error {
	_, err := d.exec(ctx, `
		UPDATE runs
		SET status = ?, success = ?, dry_run = ?, final_stage = ?, finished_at = ?, duration_ms = ?
		WHERE run_id = ?`,
		string(res.Status), res.Success, res.DryRun, res.FinalStage, timestamp(), res.Timing.DurationMs, res.RunID)
	if err != nil {
		return fmt.Errorf("update run %s: %w", res.RunID, err)
	}
	return nil
}

// LogStageEvent appends one stage outcome.
func (d *DB) LogStageEvent(ctx context.Context, sessionID, runID string, ev stage.StageEvent) error {
	_, err := d.exec(ctx, `
		INSERT INTO stage_events
			(run_id, session_id, stage_id, stage_number, outcome, duration_ms,
			 checkpoint, upstream_stage, upstream_run_id, error, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		runID, sessionID, ev.StageID, ev.StageNumber, ev.Outcome, ev.DurationMs,
		ev.Checkpoint, ev.UpstreamStage, ev.UpstreamRunID, ev.Error, timestamp())
	if err != nil {
		return fmt.Errorf("insert stage event %s: %w", ev.StageID, err)
	}
	return nil
}

// LogWorkerEvent appends one worker outcome.
func (d *DB) LogWorkerEvent(ctx context.Context, runID, provider string, out worker.Output) error {
	var in, outTok int64
	if out.TokenUsage != nil {
		in, outTok = out.TokenUsage.Input, out.TokenUsage.Output
	}
	_, err := d.exec(ctx, `
		INSERT INTO worker_events
			(run_id, worker_id, provider, status, candidates, duration_ms,
			 input_tokens, output_tokens, error, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		runID, out.WorkerID, provider, string(out.Status), len(out.Candidates), out.DurationMs,
		in, outTok, out.Error, timestamp())
	if err != nil {
		return fmt.Errorf("insert worker event %s: %w", out.WorkerID, err)
	}
	return nil
}

// GetRun returns one run, or nil if it was never recorded.
func (d *DB) GetRun(ctx context.Context, runID string) (*Run, error) {
	row := d.queryRow(ctx, `
		SELECT run_id, session_id, first_stage, status, success, dry_run,
		       final_stage, started_at, finished_at, duration_ms
		FROM runs WHERE run_id = ?`, runID)
	var r Run
	err := row.Scan(&r.RunID, &r.SessionID, &r.FirstStage, &r.Status, &r.Success, &r.DryRun,
		&r.FinalStage, &r.StartedAt, &r.FinishedAt, &r.DurationMs)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get run %s: %w", runID, err)
	}
	return &r, nil
}

// ListRuns returns the most recent runs, newest first. An empty sessionID lists every session.
func (d *DB) ListRuns(ctx context.Context, sessionID string, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 50
	}
	q := `
		SELECT run_id, session_id, first_stage, status, success, dry_run,
		       final_stage, started_at, finished_at, duration_ms
		FROM runs`
	args := []any{}
	if sessionID != "" {
		q += " WHERE session_id = ?"
		args = append(args, sessionID)
	}
	q += " ORDER BY started_at DESC, run_id DESC LIMIT ?"
	args = append(args, limit)

	rows, err := d.query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var r Run
		if err := rows.Scan(&r.RunID, &r.SessionID, &r.FirstStage, &r.Status, &r.Success, &r.DryRun,
			&r.FinalStage, &r.StartedAt, &r.FinishedAt, &r.DurationMs); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// StageEvents returns every stage event of a run in stage order.
func (d *DB) StageEvents(ctx context.Context, runID string) ([]StageEvent, error) {
	rows, err := d.query(ctx, `
		SELECT id, run_id, session_id, stage_id, stage_number, outcome, duration_ms,
		       checkpoint, upstream_stage, upstream_run_id, error, timestamp
		FROM stage_events WHERE run_id = ? ORDER BY stage_number, id`, runID)
	if err != nil {
		return nil, fmt.Errorf("query stage events: %w", err)
	}
	defer rows.Close()

	var events []StageEvent
	for rows.Next() {
		var e StageEvent
		if err := rows.Scan(&e.ID, &e.RunID, &e.SessionID, &e.StageID, &e.StageNumber, &e.Outcome, &e.DurationMs,
			&e.Checkpoint, &e.UpstreamStage, &e.UpstreamRunID, &e.Error, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("scan stage event: %w", err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// WorkerEvents returns every worker event of a run ordered by worker id.
func (d *DB) WorkerEvents(ctx context.Context, runID string) ([]WorkerEvent, error) {
	rows, err := d.query(ctx, `
		SELECT id, run_id, worker_id, provider, status, candidates, duration_ms,
		       input_tokens, output_tokens, error, timestamp
		FROM worker_events WHERE run_id = ? ORDER BY worker_id, id`, runID)
	if err != nil {
		return nil, fmt.Errorf("query worker events: %w", err)
	}
	defer rows.Close()

	var events []WorkerEvent
	for rows.Next() {
		var e WorkerEvent
		if err := rows.Scan(&e.ID, &e.RunID, &e.WorkerID, &e.Provider, &e.Status, &e.Candidates, &e.DurationMs,
			&e.InputTokens, &e.OutputTokens, &e.Error, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("scan worker event: %w", err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// Observer adapts the event log to stage.Observer and worker.Recorder.
func (d *DB) Observer() *EventLog {
	return &EventLog{db: d}
}

// EventLog records executions as they happen.
type EventLog struct {
	db *DB
}

func (l *EventLog) BeforeRun(ctx context.Context, sc *stage.Context, stages []string) error {
	first := ""
	if len(stages) > 0 {
		first = stages[0]
	}
	return l.db.StartRun(ctx, sc.SessionID, sc.RunID, first)
}

func (l *EventLog) AfterStage(ctx context.Context, sc *stage.Context, ev stage.StageEvent) error {
	return l.db.LogStageEvent(ctx, sc.SessionID, sc.RunID, ev)
}

func (l *EventLog) AfterRun(ctx context.Context, _ *stage.Context, res *stage.PipelineResult) error {
	return l.db.FinishRun(ctx, res)
}

func (l *EventLog) RecordWorkerOutput(ctx context.Context, runID, provider string, out worker.Output) error {
	return l.db.LogWorkerEvent(ctx, runID, provider, out)
}

var (
	_ stage.Observer  = (*EventLog)(nil)
	_ worker.Recorder = (*EventLog)(nil)
)
