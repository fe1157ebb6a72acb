package stages

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lucasnoah/wayfinder/internal/pipeline"
	"github.com/lucasnoah/wayfinder/internal/stage"
	"github.com/lucasnoah/wayfinder/internal/worker"
)

// IntentConfigKey is the stage-context config key holding the traveller's request.
const IntentConfigKey = "intent"

// Passthrough returns a stage that forwards its input unchanged.
func Passthrough(n int) stage.Stage {
	return stage.New(n, func(_ context.Context, _ *stage.Context, previous any) (any, error) {
		return previous, nil
	})
}

// Enhance returns stage 0: it reads the request from the stage context and normalizes it.
func Enhance() stage.Stage {
	return stage.New(0, func(_ context.Context, sc *stage.Context, _ any) (any, error) {
		var intent worker.Intent
		if err := stage.Decode(sc.Config[IntentConfigKey], &intent); err != nil {
			return nil, fmt.Errorf("read request: %w", err)
		}
		return NormalizeIntent(intent)
	})
}

// NormalizeIntent trims and de-duplicates the request and derives search queries when none are given.
func NormalizeIntent(in worker.Intent) (worker.Intent, error) {
	out := worker.Intent{
		Destination: strings.TrimSpace(in.Destination),
		TravelDates: strings.TrimSpace(in.TravelDates),
		Budget:      strings.TrimSpace(in.Budget),
	}
	if out.Destination == "" {
		return worker.Intent{}, errors.New("destination is required")
	}
	out.Interests = dedupe(in.Interests, strings.ToLower)
	out.Queries = dedupe(in.Queries, func(s string) string { return s })
	if len(out.Queries) == 0 {
		for _, interest := range out.Interests {
			out.Queries = append(out.Queries, interest+" in "+out.Destination)
		}
	}
	if len(out.Queries) == 0 {
		out.Queries = []string{"things to do in " + out.Destination}
	}
	return out, nil
}

func dedupe(in []string, norm func(string) string) []string {
	seen := make(map[string]bool, len(in))
	var out []string
	for _, s := range in {
		s = norm(strings.TrimSpace(s))
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}

// Router returns stage 2: every registered worker plans its share of the request.
func Router(registry *worker.Registry, defaultTimeout time.Duration) stage.Stage {
	return stage.New(2, func(_ context.Context, sc *stage.Context, previous any) (any, error) {
		var intent worker.Intent
		if err := stage.Decode(previous, &intent); err != nil {
			return nil, err
		}
		workers, err := registry.All()
		if err != nil {
			return nil, err
		}
		if len(workers) == 0 {
			return nil, errors.New("no workers registered")
		}

		plan, failures := worker.PlanAll(worker.Session{ID: sc.SessionID, RunID: sc.RunID}, intent, workers, defaultTimeout)
		out := RouterOutput{Intent: intent, Plan: plan}
		if len(failures) > 0 {
			out.PlanningErrors = make(map[string]string, len(failures))
			for id, err := range failures {
				out.PlanningErrors[id] = err.Error()
				if sc.Logger != nil {
					sc.Logger.Warn("worker planning failed", "worker", id, "error", err)
				}
			}
		}
		if len(plan.Assignments) == 0 {
			return nil, fmt.Errorf("no worker could plan the request (%d failed)", len(failures))
		}
		return out, nil
	})
}

// Normalize returns stage 4: it flattens the usable worker outputs into one candidate list.
func Normalize() stage.Stage {
	return stage.New(4, func(_ context.Context, _ *stage.Context, previous any) (any, error) {
		var fo FanOutResult
		if err := stage.Decode(previous, &fo); err != nil {
			return nil, err
		}
		cands := []worker.Candidate{}
		for _, o := range fo.Outputs {
			if !o.Status.Succeeded() {
				continue
			}
			for _, c := range o.Candidates {
				c.Title = strings.TrimSpace(c.Title)
				c.Location = strings.TrimSpace(c.Location)
				if c.Title == "" {
					continue
				}
				if c.Source == "" {
					c.Source = o.WorkerID
				}
				cands = append(cands, c)
			}
		}
		return cands, nil
	})
}

// Dedupe returns stage 5: candidates with the same title and location collapse to the best-scored one.
func Dedupe() stage.Stage {
	return stage.New(5, func(_ context.Context, _ *stage.Context, previous any) (any, error) {
		var in []worker.Candidate
		if err := stage.Decode(previous, &in); err != nil {
			return nil, err
		}
		index := make(map[string]int, len(in))
		out := []worker.Candidate{}
		for _, c := range in {
			key := strings.ToLower(c.Title) + "|" + strings.ToLower(c.Location)
			if i, ok := index[key]; ok {
				if c.Score > out[i].Score {
					out[i] = c
				}
				continue
			}
			index[key] = len(out)
			out = append(out, c)
		}
		return out, nil
	})
}

// Deps are the collaborators the built-in stages need.
type Deps struct {
	Registry       *worker.Registry
	Workers        *worker.Executor
	Store          worker.OutputStore
	DefaultTimeout time.Duration
}

// All returns a full 0–10 stage set: the built-in request, routing, fan-out and merge
// stages, with passthroughs for the rest.
func All(d Deps) []stage.Stage {
	out := make([]stage.Stage, 0, pipeline.StageCount)
	for n := pipeline.FirstStage; n <= pipeline.LastStage; n++ {
		switch n {
		case 0:
			out = append(out, Enhance())
		case 2:
			out = append(out, Router(d.Registry, d.DefaultTimeout))
		case FanOutNumber:
			out = append(out, &FanOut{Registry: d.Registry, Executor: d.Workers, Store: d.Store})
		case 4:
			out = append(out, Normalize())
		case 5:
			out = append(out, Dedupe())
		default:
			out = append(out, Passthrough(n))
		}
	}
	return out
}
