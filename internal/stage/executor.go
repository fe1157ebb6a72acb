package stage

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"time"

	"github.com/lucasnoah/wayfinder/internal/pipeline"
	"github.com/lucasnoah/wayfinder/internal/resume"
)

// Store is the storage collaborator the executor persists through. *pipeline.Store implements it.
type Store interface {
	WriteCheckpoint(meta pipeline.StageMetadata, data any) (string, error)
	GenerateManifest(in pipeline.ManifestInput) *pipeline.Manifest
	SaveManifest(m *pipeline.Manifest) error
	UpdateLatestSymlink(sessionID, runID string) error
}

// ResumeLoader loads the input of a resumed run. *resume.Planner implements it.
type ResumeLoader interface {
	LoadStageForResume(sessionID, runID string, n int) (json.RawMessage, error)
}

// Executor runs registered stages in ascending order.
// Register every stage before the first execution; the stage map is read-only afterwards.
type Executor struct {
	stages   map[int]Stage
	store    Store
	resumer  ResumeLoader
	observer Observer
	progress io.Writer // live progress output; nil = silent
}

// NewExecutor creates an executor that checkpoints to store and resumes through resumer.
func NewExecutor(store Store, resumer ResumeLoader) *Executor {
	return &Executor{
		stages:  make(map[int]Stage),
		store:   store,
		resumer: resumer,
	}
}

// SetProgress sets a writer for live progress output (e.g. os.Stderr).
func (e *Executor) SetProgress(w io.Writer) {
	e.progress = w
}

// SetObserver attaches an observer, e.g. the run event log.
func (e *Executor) SetObserver(o Observer) {
	e.observer = o
}

// logf prints a progress line if a progress writer is configured.
func (e *Executor) logf(format string, args ...any) {
	if e.progress != nil {
		fmt.Fprintf(e.progress, "  → "+format+"\n", args...)
	}
}

// RegisterStage adds s under its stage number.
func (e *Executor) RegisterStage(s Stage) error {
	n := s.Number()
	if !pipeline.IsValidStageNumber(n) {
		return &pipeline.InvalidStageNumberError{Number: n}
	}
	if existing, ok := e.stages[n]; ok {
		return &DuplicateStageError{Number: n, Existing: existing.ID()}
	}
	if want := pipeline.MustStageID(n); s.ID() != want {
		return fmt.Errorf("stage %d: id %q does not match %q", n, s.ID(), want)
	}
	e.stages[n] = s
	return nil
}

// AllStages returns the registered stages in stage order.
func (e *Executor) AllStages() []Stage {
	out := make([]Stage, 0, len(e.stages))
	for _, s := range e.stages {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Number() < out[j].Number() })
	return out
}

// IsComplete reports whether all of 0–10 are registered.
func (e *Executor) IsComplete() bool {
	return len(e.MissingStages()) == 0
}

// MissingStages returns the unregistered stage numbers in 0–10.
func (e *Executor) MissingStages() []int {
	missing, _ := e.ValidateStagesForExecution(pipeline.FirstStage, pipeline.LastStage)
	return missing
}

// ValidateStagesForExecution returns the stages in from..to that are not registered.
func (e *Executor) ValidateStagesForExecution(from, to int) ([]int, error) {
	if !pipeline.IsValidStageNumber(from) || !pipeline.IsValidStageNumber(to) || from > to {
		return nil, &InvalidStageRangeError{From: from, To: to}
	}
	missing := []int{}
	for n := from; n <= to; n++ {
		if _, ok := e.stages[n]; !ok {
			missing = append(missing, n)
		}
	}
	return missing, nil
}

// Execute runs stages 0 through opts.StopAfterStage. Stage failures are reported in the
// result; the error return is reserved for configuration problems found before any stage runs.
func (e *Executor) Execute(ctx context.Context, sc *Context, opts Options) (*PipelineResult, error) {
	if err := e.checkRange(pipeline.FirstStage, opts.stopStage()); err != nil {
		return nil, err
	}
	return e.run(ctx, sc, runPlan{from: pipeline.FirstStage, to: opts.stopStage(), skipped: []string{}}, opts), nil
}

// ExecuteFromStage resumes at fromStage, feeding it stage fromStage-1's data from sourceRunID.
// Stage 0 is a full Execute. A source checkpoint that cannot be loaded fails the call before
// any stage runs.
func (e *Executor) ExecuteFromStage(ctx context.Context, sc *Context, fromStage int, sourceRunID string, opts Options) (*PipelineResult, error) {
	if fromStage == pipeline.FirstStage {
		return e.Execute(ctx, sc, opts)
	}
	plan, err := resume.CreateExecutionPlan(fromStage)
	if err != nil {
		return nil, err
	}
	stop := opts.stopStage()
	if stop < fromStage {
		return nil, &InvalidStageRangeError{From: fromStage, To: stop}
	}
	if err := e.checkRange(fromStage, stop); err != nil {
		return nil, err
	}
	if e.resumer == nil {
		return nil, fmt.Errorf("resume from stage %d: no resume loader configured", fromStage)
	}

	e.logf("loading %s from run %s", plan.InputStageID, sourceRunID)
	input, err := e.resumer.LoadStageForResume(sc.SessionID, sourceRunID, plan.InputStage)
	if err != nil {
		return nil, fmt.Errorf("resume from stage %d: load stage %d from run %s: %w",
			fromStage, plan.InputStage, sourceRunID, err)
	}

	return e.run(ctx, sc, runPlan{
		from:          fromStage,
		to:            stop,
		skipped:       plan.StagesToSkip,
		input:         input,
		upstreamStage: plan.InputStageID,
		upstreamRunID: sourceRunID,
	}, opts), nil
}

func (e *Executor) checkRange(from, to int) error {
	if !pipeline.IsValidStageNumber(to) {
		return &pipeline.InvalidStageNumberError{Number: to}
	}
	missing, err := e.ValidateStagesForExecution(from, to)
	if err != nil {
		return err
	}
	if len(missing) > 0 {
		return &MissingStagesError{Missing: missing}
	}
	return nil
}

// runPlan is the resolved span of one execution.
type runPlan struct {
	from, to      int
	skipped       []string
	input         any
	upstreamStage string // upstream of the first executed stage
	upstreamRunID string
}

func (e *Executor) run(ctx context.Context, sc *Context, plan runPlan, opts Options) *PipelineResult {
	if sc == nil {
		sc = &Context{}
	}
	logger := sc.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	start := time.Now()
	res := &PipelineResult{
		SessionID:      sc.SessionID,
		RunID:          sc.RunID,
		DryRun:         opts.DryRun,
		StagesExecuted: []string{},
		StagesSkipped:  append([]string{}, plan.skipped...),
		DegradedStages: []string{},
		Timing:         RunTiming{StartedAt: start, StageDurations: map[string]int64{}},
		Errors:         []StageError{},
	}
	var executed []pipeline.ManifestStage

	ids := pipeline.StageIDs(plan.from, plan.to)
	e.notify(logger, "before run", func() error {
		if e.observer == nil {
			return nil
		}
		return e.observer.BeforeRun(ctx, sc, ids)
	})
	e.logf("run %s: stages %s..%s", sc.RunID, ids[0], ids[len(ids)-1])
	logger.Info("pipeline started", "session", sc.SessionID, "run", sc.RunID, "from", plan.from, "to", plan.to, "dry_run", opts.DryRun)

	previous := plan.input
	upstream, upstreamRun := plan.upstreamStage, plan.upstreamRunID
	failed := false

	for n := plan.from; n <= plan.to; n++ {
		st := e.stages[n]
		id := st.ID()

		if err := ctx.Err(); err != nil {
			res.Errors = append(res.Errors, StageError{StageID: id, StageNumber: n, Message: err.Error(), Err: err})
			logger.Warn("pipeline cancelled", "stage", id, "error", err)
			e.logf("cancelled before %s: %v", id, err)
			failed = true
			break
		}

		if opts.DryRun {
			res.StagesExecuted = append(res.StagesExecuted, id)
			res.Timing.StageDurations[id] = 0
			res.FinalStage = id
			e.logf("%s: dry run", id)
			e.afterStage(ctx, sc, logger, StageEvent{StageID: id, StageNumber: n, Outcome: EventDryRun})
			continue
		}

		meta := pipeline.StageMetadata{
			StageID:       id,
			StageNumber:   n,
			StageName:     st.Name(),
			SessionID:     sc.SessionID,
			RunID:         sc.RunID,
			UpstreamStage: upstream,
			UpstreamRunID: upstreamRun,
			Config:        sc.Config,
		}

		e.logf("%s: running", id)
		stageStart := time.Now()
		out, err := safeExecute(ctx, st, sc, previous)
		var checkpoint string
		if err == nil {
			meta.CreatedAt = time.Now().UTC().Format(time.RFC3339)
			checkpoint, err = e.store.WriteCheckpoint(meta, out.Data)
			if err != nil {
				err = fmt.Errorf("checkpoint: %w", err)
			}
		}
		elapsed := time.Since(stageStart).Milliseconds()

		if err != nil {
			if !opts.ContinueOnError {
				res.Errors = append(res.Errors, StageError{StageID: id, StageNumber: n, Message: err.Error(), Err: err})
				logger.Error("stage failed", "stage", id, "error", err, "duration_ms", elapsed)
				e.logf("%s: failed after %dms: %v", id, elapsed, err)
				e.afterStage(ctx, sc, logger, StageEvent{StageID: id, StageNumber: n, Outcome: EventFailed, DurationMs: elapsed, UpstreamStage: upstream, UpstreamRunID: upstreamRun, Error: err.Error()})
				failed = true
				break
			}

			res.Errors = append(res.Errors, StageError{StageID: id, StageNumber: n, Message: err.Error(), Continued: true, Err: err})
			res.DegradedStages = append(res.DegradedStages, id)
			logger.Warn("stage degraded", "stage", id, "error", err, "duration_ms", elapsed)
			e.logf("%s: degraded after %dms: %v", id, elapsed, err)

			meta.Degraded = true
			meta.Error = err.Error()
			meta.CreatedAt = time.Now().UTC().Format(time.RFC3339)
			if cp, werr := e.store.WriteCheckpoint(meta, nil); werr != nil {
				logger.Error("write degraded checkpoint failed", "stage", id, "run", sc.RunID, "error", werr)
			} else {
				checkpoint = cp
			}
			e.afterStage(ctx, sc, logger, StageEvent{StageID: id, StageNumber: n, Outcome: EventDegraded, DurationMs: elapsed, Checkpoint: checkpoint, UpstreamStage: upstream, UpstreamRunID: upstreamRun, Error: err.Error()})
			previous = nil
		} else {
			out.Metadata = meta
			out.Timing = Timing{StartedAt: stageStart, EndedAt: stageStart.Add(time.Duration(elapsed) * time.Millisecond), DurationMs: elapsed}
			logger.Debug("stage finished", "stage", id, "duration_ms", elapsed)
			e.logf("%s: done (%dms)", id, elapsed)
			e.afterStage(ctx, sc, logger, StageEvent{StageID: id, StageNumber: n, Outcome: EventOK, DurationMs: elapsed, Checkpoint: checkpoint, UpstreamStage: upstream, UpstreamRunID: upstreamRun})
			previous = out.Data
		}

		res.StagesExecuted = append(res.StagesExecuted, id)
		res.Timing.StageDurations[id] = elapsed
		res.FinalStage = id
		executed = append(executed, pipeline.ManifestStage{StageID: id, UpstreamStage: upstream, UpstreamRunID: upstreamRun})
		upstream, upstreamRun = id, ""
	}

	res.Timing.EndedAt = time.Now()
	res.Timing.DurationMs = res.Timing.EndedAt.Sub(start).Milliseconds()
	res.Success = !failed && res.FinalStage == pipeline.MustStageID(plan.to)
	switch {
	case !res.Success:
		res.Status = StatusFailed
	case len(res.DegradedStages) > 0:
		res.Status = StatusDegraded
		res.AllDegraded = len(res.DegradedStages) == len(res.StagesExecuted)
	default:
		res.Status = StatusSucceeded
	}

	if !opts.DryRun && len(executed) > 0 {
		e.writeManifest(sc, logger, res, executed)
	}

	logger.Info("pipeline finished", "run", sc.RunID, "status", res.Status, "executed", len(res.StagesExecuted), "degraded", len(res.DegradedStages), "duration_ms", res.Timing.DurationMs)
	e.logf("run %s %s (%d executed, %d skipped, %d degraded)", sc.RunID, res.Status,
		len(res.StagesExecuted), len(res.StagesSkipped), len(res.DegradedStages))
	e.notify(logger, "after run", func() error {
		if e.observer == nil {
			return nil
		}
		return e.observer.AfterRun(ctx, sc, res)
	})
	return res
}

func (e *Executor) writeManifest(sc *Context, logger Logger, res *PipelineResult, executed []pipeline.ManifestStage) {
	m := e.store.GenerateManifest(pipeline.ManifestInput{
		SessionID:  sc.SessionID,
		RunID:      sc.RunID,
		Executed:   executed,
		Skipped:    res.StagesSkipped,
		Degraded:   res.DegradedStages,
		Success:    res.Success,
		Status:     string(res.Status),
		FinalStage: res.FinalStage,
	})
	if err := e.store.SaveManifest(m); err != nil {
		logger.Error("save manifest failed", "run", sc.RunID, "error", err)
		return
	}
	if err := e.store.UpdateLatestSymlink(sc.SessionID, sc.RunID); err != nil {
		logger.Error("update latest pointer failed", "run", sc.RunID, "error", err)
	}
}

func (e *Executor) afterStage(ctx context.Context, sc *Context, logger Logger, ev StageEvent) {
	e.notify(logger, "after stage", func() error {
		if e.observer == nil {
			return nil
		}
		return e.observer.AfterStage(ctx, sc, ev)
	})
}

func (e *Executor) notify(logger Logger, hook string, fn func() error) {
	if err := fn(); err != nil {
		logger.Warn("observer failed", "hook", hook, "error", err)
	}
}

// safeExecute runs a stage, turning a panic into an error.
func safeExecute(ctx context.Context, st Stage, sc *Context, previous any) (out *Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("stage %s panicked: %v", st.ID(), r)
		}
	}()
	out, err = st.Execute(ctx, sc, previous)
	if err == nil && out == nil {
		out = &Result{}
	}
	return out, err
}
