package stage

import (
	"context"
	"errors"
)

// Stage event outcomes reported to observers.
const (
	EventOK       = "ok"
	EventDegraded = "degraded"
	EventFailed   = "failed"
	EventDryRun   = "dry_run"
)

// StageEvent describes one stage that finished, successfully or not.
type StageEvent struct {
	StageID       string
	StageNumber   int
	Outcome       string
	DurationMs    int64
	Checkpoint    string
	UpstreamStage string
	UpstreamRunID string
	Error         string
}

// Observer is notified as an execution progresses. Returned errors are logged and
// never change the result.
type Observer interface {
	BeforeRun(ctx context.Context, sc *Context, stages []string) error
	AfterStage(ctx context.Context, sc *Context, ev StageEvent) error
	AfterRun(ctx context.Context, sc *Context, res *PipelineResult) error
}

// Observers fans each notification out to several observers and joins their errors.
type Observers []Observer

func (obs Observers) BeforeRun(ctx context.Context, sc *Context, stages []string) error {
	var errs []error
	for _, o := range obs {
		errs = append(errs, o.BeforeRun(ctx, sc, stages))
	}
	return errors.Join(errs...)
}

func (obs Observers) AfterStage(ctx context.Context, sc *Context, ev StageEvent) error {
	var errs []error
	for _, o := range obs {
		errs = append(errs, o.AfterStage(ctx, sc, ev))
	}
	return errors.Join(errs...)
}

func (obs Observers) AfterRun(ctx context.Context, sc *Context, res *PipelineResult) error {
	var errs []error
	for _, o := range obs {
		errs = append(errs, o.AfterRun(ctx, sc, res))
	}
	return errors.Join(errs...)
}
