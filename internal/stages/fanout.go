package stages

import (
	"context"
	"fmt"

	"github.com/lucasnoah/wayfinder/internal/pipeline"
	"github.com/lucasnoah/wayfinder/internal/stage"
	"github.com/lucasnoah/wayfinder/internal/worker"
)

// FanOutNumber is the stage that calls the data-source workers.
const FanOutNumber = 3

// FanOutResult is the data section of the fan-out checkpoint.
type FanOutResult struct {
	Kind    InputKind       `json:"kind"`
	Intent  *worker.Intent  `json:"intent,omitempty"`
	Outputs []worker.Output `json:"outputs"`
	Summary worker.Summary  `json:"summary"`
}

// FanOut runs the router's plan against every registered worker.
type FanOut struct {
	Registry *worker.Registry
	Executor *worker.Executor
	Store    worker.OutputStore // nil skips persisting raw outputs
}

func (f *FanOut) ID() string  { return pipeline.MustStageID(FanOutNumber) }
func (f *FanOut) Number() int { return FanOutNumber }

func (f *FanOut) Name() string {
	name, _ := pipeline.StageName(FanOutNumber)
	return name
}

// Execute resets the breaker (one run, one breaker lifetime), runs the plan, and persists
// the raw outputs. It fails only when the input is unusable or no worker succeeded.
func (f *FanOut) Execute(ctx context.Context, sc *stage.Context, previous any) (*stage.Result, error) {
	in, err := ResolveInput(previous)
	if err != nil {
		return nil, fmt.Errorf("fan-out: %w", err)
	}

	if in.Kind == InputRaw {
		out := worker.Output{WorkerID: "input", Status: worker.StatusOK, Candidates: in.Candidates}
		if out.Candidates == nil {
			out.Candidates = []worker.Candidate{}
		}
		outputs := []worker.Output{out}
		return &stage.Result{Data: FanOutResult{Kind: InputRaw, Outputs: outputs, Summary: worker.Summarize(outputs)}}, nil
	}

	f.Executor.Breaker().Reset()
	workers, err := f.Registry.All()
	if err != nil {
		return nil, fmt.Errorf("fan-out: %w", err)
	}

	wc := &worker.Context{SessionID: sc.SessionID, RunID: sc.RunID, Logger: sc.Logger}
	if sc.Cost != nil {
		wc.Cost = sc.Cost
	}
	outputs, summary := f.Executor.ExecuteWorkers(ctx, in.Data.Plan, workers, wc)

	if f.Store != nil && len(outputs) > 0 {
		if err := worker.SaveOutputs(f.Store, sc.SessionID, sc.RunID, outputs); err != nil {
			return nil, fmt.Errorf("fan-out: %w", err)
		}
	}
	if summary.Degradation == worker.DegradationAllFailed {
		return nil, fmt.Errorf("fan-out: all %d workers failed", len(outputs))
	}

	intent := in.Data.Intent
	return &stage.Result{Data: FanOutResult{Kind: InputWrapped, Intent: &intent, Outputs: outputs, Summary: summary}}, nil
}
