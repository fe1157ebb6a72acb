package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"
)

// DefaultTimeout applies to assignments that do not carry their own.
const DefaultTimeout = 30 * time.Second

// Recorder receives every worker outcome, e.g. for an event log. Errors are logged and ignored.
type Recorder interface {
	RecordWorkerOutput(ctx context.Context, runID, provider string, out Output) error
}

// Executor drives a Plan through a Limiter and a Breaker.
type Executor struct {
	breaker  *Breaker
	limiter  *Limiter
	logger   Logger
	recorder Recorder
}

// NewExecutor wires an executor to the run's breaker and limiter. A nil logger discards output.
func NewExecutor(breaker *Breaker, limiter *Limiter, logger Logger) *Executor {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Executor{breaker: breaker, limiter: limiter, logger: logger}
}

// SetRecorder attaches an outcome recorder.
func (e *Executor) SetRecorder(r Recorder) {
	e.recorder = r
}

// Breaker returns the executor's breaker.
func (e *Executor) Breaker() *Breaker {
	return e.breaker
}

// Limiter returns the executor's limiter.
func (e *Executor) Limiter() *Limiter {
	return e.limiter
}

// ExecuteWorkers runs every assignment in plan against the matching worker and returns
// one output per assignment, in plan order, plus the summary. It never returns an error:
// open circuits produce "skipped" outputs, failures and timeouts produce "error" outputs.
func (e *Executor) ExecuteWorkers(ctx context.Context, plan Plan, workers []Worker, wc *Context) ([]Output, Summary) {
	if wc == nil {
		wc = &Context{}
	}
	byID := make(map[string]Worker, len(workers))
	for _, w := range workers {
		byID[w.ID()] = w
	}

	outputs := make([]Output, len(plan.Assignments))
	var wg sync.WaitGroup
	for i, a := range plan.Assignments {
		w, ok := byID[a.WorkerID]
		if !ok {
			outputs[i] = Output{
				WorkerID:   a.WorkerID,
				Status:     StatusError,
				Candidates: []Candidate{},
				Error:      (&UnknownWorkerError{ID: a.WorkerID}).Error(),
			}
			e.record(ctx, wc.RunID, "", outputs[i])
			continue
		}
		provider := w.Provider()
		if e.breaker.IsOpen(provider) {
			e.logger.Warn("circuit open, skipping worker", "worker", a.WorkerID, "provider", provider)
			outputs[i] = skippedOutput(a.WorkerID, provider)
			e.record(ctx, wc.RunID, provider, outputs[i])
			continue
		}

		wg.Add(1)
		go func(i int, w Worker, a Assignment) {
			defer wg.Done()
			outputs[i] = e.runOne(ctx, w, a, wc)
			e.record(ctx, wc.RunID, w.Provider(), outputs[i])
		}(i, w, a)
	}
	wg.Wait()

	return outputs, Summarize(outputs)
}

// runOne executes a single assignment through the limiter with its timeout. The circuit is
// checked again once a slot is granted, since it may have opened while the call was queued.
func (e *Executor) runOne(ctx context.Context, w Worker, a Assignment, wc *Context) Output {
	provider := w.Provider()
	timeout := a.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	start := time.Now()
	var out Output
	var callErr error
	var circuitOpen, opened bool
	limErr := e.limiter.Run(ctx, func(ctx context.Context) error {
		if e.breaker.IsOpen(provider) {
			circuitOpen = true
			return nil
		}
		start = time.Now()
		out, callErr = callWithTimeout(ctx, w, a, wc, timeout)
		// Recorded before the slot is released so the next queued call sees it.
		if callErr != nil || out.Status == StatusError {
			opened = e.breaker.RecordFailure(provider)
		}
		return callErr
	})
	elapsed := time.Since(start).Milliseconds()

	if circuitOpen {
		e.logger.Warn("circuit opened while queued, skipping worker", "worker", a.WorkerID, "provider", provider)
		return skippedOutput(a.WorkerID, provider)
	}
	if limErr != nil && callErr == nil {
		// Never admitted: the run was cancelled while queued. Not the provider's fault.
		e.logger.Warn("worker cancelled before start", "worker", a.WorkerID, "error", limErr)
		return Output{WorkerID: a.WorkerID, Status: StatusError, Candidates: []Candidate{}, Error: limErr.Error(), DurationMs: elapsed}
	}
	if callErr != nil {
		e.logger.Warn("worker failed", "worker", a.WorkerID, "provider", provider, "error", callErr, "duration_ms", elapsed, "circuit_open", opened)
		return Output{WorkerID: a.WorkerID, Status: StatusError, Candidates: []Candidate{}, Error: callErr.Error(), DurationMs: elapsed}
	}

	out.WorkerID = a.WorkerID
	out.DurationMs = elapsed
	if out.Candidates == nil {
		out.Candidates = []Candidate{}
	}

	switch out.Status {
	case StatusError:
		// Reported failure: counts against the provider like a returned error.
		if out.Error == "" {
			out.Error = "worker reported an error"
		}
		e.logger.Warn("worker failed", "worker", a.WorkerID, "provider", provider, "error", out.Error, "duration_ms", elapsed, "circuit_open", opened)
		return out
	case StatusSkipped:
		e.logger.Info("worker skipped its assignment", "worker", a.WorkerID, "reason", out.Error)
		return out
	case "":
		out.Status = StatusOK
	}

	e.breaker.RecordSuccess(provider)
	out.Error = ""
	if wc.Cost != nil {
		wc.Cost.AddAPICalls(provider, 1)
		if out.TokenUsage != nil {
			wc.Cost.AddTokenUsage(provider, out.TokenUsage.Input, out.TokenUsage.Output)
		}
	}
	e.logger.Debug("worker finished", "worker", a.WorkerID, "status", out.Status, "candidates", len(out.Candidates), "duration_ms", elapsed)
	return out
}

func skippedOutput(workerID, provider string) Output {
	return Output{
		WorkerID:   workerID,
		Status:     StatusSkipped,
		Candidates: []Candidate{},
		Error:      fmt.Sprintf("circuit open for provider %s", provider),
	}
}

// ErrTimeout is wrapped into the error of a call that exceeded its assignment timeout.
var ErrTimeout = errors.New("worker timed out")

type callResult struct {
	out Output
	err error
}

// callWithTimeout runs w.Execute under a deadline. A worker that ignores its context is
// abandoned at the deadline; its eventual result is discarded.
func callWithTimeout(ctx context.Context, w Worker, a Assignment, wc *Context, timeout time.Duration) (Output, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan callResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- callResult{err: fmt.Errorf("worker %s panicked: %v", a.WorkerID, r)}
			}
		}()
		out, err := w.Execute(ctx, a, wc)
		done <- callResult{out: out, err: err}
	}()

	select {
	case res := <-done:
		if res.err == nil && ctx.Err() != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return Output{}, fmt.Errorf("%w after %s", ErrTimeout, timeout)
		}
		return res.out, res.err
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return Output{}, fmt.Errorf("%w after %s", ErrTimeout, timeout)
		}
		return Output{}, ctx.Err()
	}
}

func (e *Executor) record(ctx context.Context, runID, provider string, out Output) {
	if e.recorder == nil {
		return
	}
	if err := e.recorder.RecordWorkerOutput(ctx, runID, provider, out); err != nil {
		e.logger.Warn("record worker output failed", "worker", out.WorkerID, "error", err)
	}
}

// PlanAll asks every worker for its assignment. Workers whose Plan fails are returned in
// the failures map and left out of the plan. Assignments without a timeout get defaultTimeout.
func PlanAll(session Session, intent Intent, workers []Worker, defaultTimeout time.Duration) (Plan, map[string]error) {
	if defaultTimeout <= 0 {
		defaultTimeout = DefaultTimeout
	}
	plan := Plan{Assignments: []Assignment{}}
	failures := make(map[string]error)
	for _, w := range workers {
		a, err := w.Plan(session, intent)
		if err != nil {
			failures[w.ID()] = err
			continue
		}
		if a.WorkerID == "" {
			a.WorkerID = w.ID()
		}
		if a.Timeout <= 0 {
			a.Timeout = defaultTimeout
		}
		plan.Assignments = append(plan.Assignments, a)
	}
	return plan, failures
}
