// Package orchestrator wires the store, event log, workers and stages together from config
// and runs executions on behalf of the CLI and tests.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/google/uuid"

	"github.com/lucasnoah/wayfinder/internal/archive"
	"github.com/lucasnoah/wayfinder/internal/config"
	"github.com/lucasnoah/wayfinder/internal/cost"
	"github.com/lucasnoah/wayfinder/internal/db"
	"github.com/lucasnoah/wayfinder/internal/metrics"
	"github.com/lucasnoah/wayfinder/internal/pipeline"
	"github.com/lucasnoah/wayfinder/internal/providers"
	"github.com/lucasnoah/wayfinder/internal/resume"
	"github.com/lucasnoah/wayfinder/internal/stage"
	"github.com/lucasnoah/wayfinder/internal/stages"
	"github.com/lucasnoah/wayfinder/internal/worker"
)

// ErrArchiveDisabled is returned by Archive when no archive endpoint is configured.
var ErrArchiveDisabled = errors.New("archive is not configured")

// Options adjusts how New builds an Orchestrator.
type Options struct {
	Logger     *slog.Logger
	Progress   io.Writer        // live progress lines; nil = silent
	Registry   *worker.Registry // overrides the providers from config
	HTTPClient *http.Client
	NoEventLog bool // skip opening the database
	NoMetrics  bool // skip the ClickHouse sink
}

// Orchestrator composes one configured pipeline.
type Orchestrator struct {
	cfg      *config.Config
	store    *pipeline.Store
	db       *db.DB
	registry *worker.Registry
	workers  *worker.Executor
	engine   *stage.Executor
	planner  *resume.Planner
	sink     *metrics.Sink
	archiver *archive.Archiver
	logger   *slog.Logger
}

// New builds the store, event log, worker registry, breaker, limiter and stage executor from cfg.
func New(ctx context.Context, cfg *config.Config, opts Options) (*Orchestrator, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	store, err := pipeline.OpenStore(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	o := &Orchestrator{cfg: cfg, store: store, logger: logger}

	if !opts.NoEventLog && cfg.Database != "" {
		d, err := db.Open(cfg.Database)
		if err != nil {
			return nil, fmt.Errorf("open event log: %w", err)
		}
		if err := d.Migrate(); err != nil {
			d.Close()
			return nil, fmt.Errorf("migrate event log: %w", err)
		}
		o.db = d
	}

	o.registry = opts.Registry
	if o.registry == nil {
		o.registry = BuildRegistry(cfg.Workers.Providers, opts.HTTPClient)
	}

	breaker := worker.NewBreaker(worker.BreakerConfig{
		Threshold: cfg.Workers.Breaker.Threshold,
		Window:    cfg.Workers.Breaker.Window.Duration(),
	})
	o.workers = worker.NewExecutor(breaker, worker.NewLimiter(cfg.Workers.MaxConcurrency), logger)

	o.planner = resume.NewPlanner(store)
	o.engine = stage.NewExecutor(store, o.planner)
	o.engine.SetProgress(opts.Progress)
	deps := stages.Deps{
		Registry:       o.registry,
		Workers:        o.workers,
		Store:          store,
		DefaultTimeout: cfg.Workers.DefaultTimeout.Duration(),
	}
	for _, s := range stages.All(deps) {
		if err := o.engine.RegisterStage(s); err != nil {
			o.Close()
			return nil, fmt.Errorf("register stage %s: %w", s.ID(), err)
		}
	}

	if !opts.NoMetrics && cfg.Metrics.ClickHouse.Enabled() {
		ch := cfg.Metrics.ClickHouse
		sink, err := metrics.Open(ctx, metrics.Config{
			Addr:        []string{ch.Addr},
			Database:    ch.Database,
			Username:    ch.Username,
			Password:    ch.Password,
			DialTimeout: ch.DialTimeout.Duration(),
		}, logger)
		if err != nil {
			// metrics never block a run
			logger.Warn("stage metrics disabled", "addr", ch.Addr, "error", err)
		} else {
			o.sink = sink
		}
	}

	if cfg.Archive.Enabled() {
		a, err := archive.New(cfg.Archive, store)
		if err != nil {
			o.Close()
			return nil, err
		}
		o.archiver = a
	}

	var observers stage.Observers
	if o.db != nil {
		ev := o.db.Observer()
		observers = append(observers, ev)
		o.workers.SetRecorder(ev)
	}
	if o.sink != nil {
		observers = append(observers, o.sink)
	}
	if len(observers) > 0 {
		o.engine.SetObserver(observers)
	}
	return o, nil
}

// BuildRegistry registers one HTTP worker per configured provider.
func BuildRegistry(cfgs []config.ProviderConfig, client *http.Client) *worker.Registry {
	reg := worker.NewRegistry()
	hc := make([]providers.HTTPConfig, 0, len(cfgs))
	for _, p := range cfgs {
		hc = append(hc, providers.HTTPConfig{
			ID:             p.ID,
			Provider:       p.Provider,
			Endpoint:       p.Endpoint,
			MaxResults:     p.MaxResults,
			Timeout:        p.Timeout.Duration(),
			Headers:        p.Headers,
			QueryTemplates: p.QueryTemplates,
		})
	}
	providers.RegisterAll(reg, hc, client)
	return reg
}

// Close releases the metrics sink and the event log.
func (o *Orchestrator) Close() error {
	var errs []error
	if o.sink != nil {
		errs = append(errs, o.sink.Close())
	}
	if o.db != nil {
		errs = append(errs, o.db.Close())
	}
	return errors.Join(errs...)
}

func (o *Orchestrator) Store() *pipeline.Store      { return o.store }
func (o *Orchestrator) DB() *db.DB                  { return o.db }
func (o *Orchestrator) Registry() *worker.Registry  { return o.registry }
func (o *Orchestrator) Breaker() *worker.Breaker    { return o.workers.Breaker() }
func (o *Orchestrator) Engine() *stage.Executor     { return o.engine }
func (o *Orchestrator) Planner() *resume.Planner    { return o.planner }
func (o *Orchestrator) Config() *config.Config      { return o.cfg }

// RunOpts describes a fresh execution. Zero fields fall back to the configured defaults.
type RunOpts struct {
	SessionID       string
	RunID           string
	Intent          worker.Intent
	StopAfterStage  *int
	DryRun          bool
	ContinueOnError bool
}

// ResumeOpts describes a resumed execution.
type ResumeOpts struct {
	SessionID       string
	SourceRunID     string // defaults to the session's latest run
	FromStage       int
	RunID           string
	Intent          worker.Intent // only read when resuming from stage 0
	StopAfterStage  *int
	DryRun          bool
	ContinueOnError bool
}

// Outcome is the result of one execution plus the provider usage it incurred.
type Outcome struct {
	Result *stage.PipelineResult `json:"result"`
	Usage  cost.Usage            `json:"usage"`
}

// Run executes the pipeline from stage 0.
func (o *Orchestrator) Run(ctx context.Context, opts RunOpts) (*Outcome, error) {
	sc, tracker := o.newContext(opts.SessionID, opts.RunID, opts.Intent)
	if err := validateIDs(sc.SessionID, sc.RunID); err != nil {
		return nil, err
	}
	res, err := o.engine.Execute(ctx, sc, o.options(opts.StopAfterStage, opts.DryRun, opts.ContinueOnError))
	if err != nil {
		return nil, err
	}
	return &Outcome{Result: res, Usage: tracker.Usage()}, nil
}

// Resume executes from opts.FromStage, reading the previous stage's checkpoint from the source run.
func (o *Orchestrator) Resume(ctx context.Context, opts ResumeOpts) (*Outcome, error) {
	if opts.SessionID == "" {
		return nil, errors.New("resume: session id is required")
	}
	if err := pipeline.ValidateID("session", opts.SessionID); err != nil {
		return nil, fmt.Errorf("resume: %w", err)
	}
	if opts.SourceRunID != "" {
		if err := pipeline.ValidateID("run", opts.SourceRunID); err != nil {
			return nil, fmt.Errorf("resume: source %w", err)
		}
	}
	source := opts.SourceRunID
	if source == "" {
		latest, err := o.store.LatestRunID(opts.SessionID)
		if err != nil {
			return nil, fmt.Errorf("resume: %w", err)
		}
		source = latest
	}
	sc, tracker := o.newContext(opts.SessionID, opts.RunID, opts.Intent)
	if err := validateIDs(sc.SessionID, sc.RunID); err != nil {
		return nil, fmt.Errorf("resume: %w", err)
	}
	res, err := o.engine.ExecuteFromStage(ctx, sc, opts.FromStage, source, o.options(opts.StopAfterStage, opts.DryRun, opts.ContinueOnError))
	if err != nil {
		return nil, err
	}
	return &Outcome{Result: res, Usage: tracker.Usage()}, nil
}

// Archive uploads a run to the configured bucket.
func (o *Orchestrator) Archive(ctx context.Context, sessionID, runID string) ([]string, error) {
	if o.archiver == nil {
		return nil, ErrArchiveDisabled
	}
	if err := pipeline.ValidateID("session", sessionID); err != nil {
		return nil, err
	}
	if runID != "" {
		if err := pipeline.ValidateID("run", runID); err != nil {
			return nil, err
		}
	} else {
		latest, err := o.store.LatestRunID(sessionID)
		if err != nil {
			return nil, err
		}
		runID = latest
	}
	if err := o.archiver.EnsureBucket(ctx); err != nil {
		return nil, err
	}
	return o.archiver.ArchiveRun(ctx, sessionID, runID)
}

// WorkerInfo describes one registered worker and its circuit state.
type WorkerInfo struct {
	ID          string `json:"id"`
	Provider    string `json:"provider"`
	CircuitOpen bool   `json:"circuit_open"`
}

// Workers lists the registered workers in id order.
func (o *Orchestrator) Workers() ([]WorkerInfo, error) {
	ws, err := o.registry.All()
	if err != nil {
		return nil, err
	}
	infos := make([]WorkerInfo, 0, len(ws))
	for _, w := range ws {
		infos = append(infos, WorkerInfo{
			ID:          w.ID(),
			Provider:    w.Provider(),
			CircuitOpen: o.workers.Breaker().IsOpen(w.Provider()),
		})
	}
	return infos, nil
}

// newContext builds the stage context of one execution and the tracker its usage is charged to.
func (o *Orchestrator) newContext(sessionID, runID string, intent worker.Intent) (*stage.Context, *cost.Tracker) {
	if sessionID == "" {
		sessionID = NewSessionID()
	}
	if runID == "" {
		runID = stage.NewRunID()
	}
	tracker := cost.NewTracker()
	return &stage.Context{
		SessionID: sessionID,
		RunID:     runID,
		Config:    map[string]any{stages.IntentConfigKey: intent},
		Cost:      tracker,
		Logger:    o.logger.With("session", sessionID, "run", runID),
	}, tracker
}

func (o *Orchestrator) options(stopAfter *int, dryRun, continueOnError bool) stage.Options {
	opts := stage.Options{
		StopAfterStage:  o.cfg.Pipeline.StopAfterStage,
		DryRun:          o.cfg.Pipeline.DryRun || dryRun,
		ContinueOnError: o.cfg.Pipeline.ContinueOnError || continueOnError,
	}
	if stopAfter != nil {
		opts.StopAfterStage = stopAfter
	}
	return opts
}

func validateIDs(sessionID, runID string) error {
	if err := pipeline.ValidateID("session", sessionID); err != nil {
		return err
	}
	return pipeline.ValidateID("run", runID)
}

// NewSessionID returns a random session id.
func NewSessionID() string {
	return "s-" + uuid.NewString()[:8]
}
