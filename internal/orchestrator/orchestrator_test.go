package orchestrator

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/lucasnoah/wayfinder/internal/config"
	"github.com/lucasnoah/wayfinder/internal/pipeline"
	"github.com/lucasnoah/wayfinder/internal/stage"
	"github.com/lucasnoah/wayfinder/internal/worker"
)

type fakeWorker struct {
	id, provider string
	cands        []worker.Candidate
	err          error
}

func (w *fakeWorker) ID() string       { return w.id }
func (w *fakeWorker) Provider() string { return w.provider }

func (w *fakeWorker) Plan(_ worker.Session, intent worker.Intent) (worker.Assignment, error) {
	return worker.Assignment{WorkerID: w.id, Queries: intent.Queries, MaxResults: 5}, nil
}

func (w *fakeWorker) Execute(context.Context, worker.Assignment, *worker.Context) (worker.Output, error) {
	if w.err != nil {
		return worker.Output{}, w.err
	}
	return worker.Output{Candidates: w.cands, TokenUsage: &worker.TokenUsage{Input: 10, Output: 2}}, nil
}

func registryOf(ws ...*fakeWorker) *worker.Registry {
	r := worker.NewRegistry()
	for _, w := range ws {
		w := w
		r.Register(w.id, func() worker.Worker { return w })
	}
	return r
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Default()
	cfg.DataDir = dir
	cfg.Database = filepath.Join(dir, "wayfinder.db")
	return cfg
}

func newTestOrchestrator(t *testing.T, cfg *config.Config, reg *worker.Registry) *Orchestrator {
	t.Helper()
	o, err := New(context.Background(), cfg, Options{Registry: reg})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { o.Close() })
	return o
}

var lisbon = worker.Intent{Destination: "Lisbon", Interests: []string{"trams"}}

func TestRun_FullPipeline(t *testing.T) {
	reg := registryOf(
		&fakeWorker{id: "web", provider: "web-api", cands: []worker.Candidate{{Title: "Tram 28", Location: "Lisbon"}}},
		&fakeWorker{id: "maps", provider: "maps-api", cands: []worker.Candidate{{Title: "Belem Tower", Location: "Lisbon"}}},
	)
	o := newTestOrchestrator(t, testConfig(t), reg)
	ctx := context.Background()

	out, err := o.Run(ctx, RunOpts{SessionID: "trip", RunID: "r1", Intent: lisbon})
	if err != nil {
		t.Fatal(err)
	}
	if out.Result.Status != stage.StatusSucceeded || out.Result.FinalStage != "10_results" {
		t.Fatalf("result = %+v", out.Result)
	}
	if out.Usage.APICalls != 2 || out.Usage.InputTokens != 20 {
		t.Errorf("usage = %+v", out.Usage)
	}

	latest, err := o.Store().LatestRunID("trip")
	if err != nil || latest != "r1" {
		t.Errorf("latest = %q, %v", latest, err)
	}

	run, err := o.DB().GetRun(ctx, "r1")
	if err != nil || run == nil {
		t.Fatalf("GetRun: %v, %v", run, err)
	}
	if run.Status != "succeeded" || run.FinalStage != "10_results" {
		t.Errorf("run = %+v", run)
	}
	stages, _ := o.DB().StageEvents(ctx, "r1")
	if len(stages) != 11 {
		t.Errorf("expected 11 stage events, got %d", len(stages))
	}
	workers, _ := o.DB().WorkerEvents(ctx, "r1")
	if len(workers) != 2 {
		t.Errorf("expected 2 worker events, got %d", len(workers))
	}
}

func TestRun_GeneratesIDs(t *testing.T) {
	o := newTestOrchestrator(t, testConfig(t), registryOf(&fakeWorker{id: "web", provider: "web", cands: []worker.Candidate{{Title: "x"}}}))

	out, err := o.Run(context.Background(), RunOpts{Intent: lisbon, StopAfterStage: stage.StopAfter(1)})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(out.Result.SessionID, "s-") || out.Result.RunID == "" {
		t.Errorf("ids = %q / %q", out.Result.SessionID, out.Result.RunID)
	}
	if out.Result.FinalStage != "01_intake" {
		t.Errorf("final stage = %s", out.Result.FinalStage)
	}
}

func TestRun_StopAfterFromConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.Pipeline.StopAfterStage = stage.StopAfter(2)
	o := newTestOrchestrator(t, cfg, registryOf(&fakeWorker{id: "web", provider: "web"}))

	out, err := o.Run(context.Background(), RunOpts{SessionID: "trip", Intent: lisbon})
	if err != nil {
		t.Fatal(err)
	}
	if out.Result.FinalStage != "02_router" {
		t.Errorf("final stage = %s", out.Result.FinalStage)
	}

	// explicit option wins over config
	out, err = o.Run(context.Background(), RunOpts{SessionID: "trip", Intent: lisbon, StopAfterStage: stage.StopAfter(0)})
	if err != nil {
		t.Fatal(err)
	}
	if out.Result.FinalStage != "00_enhancement" {
		t.Errorf("final stage = %s", out.Result.FinalStage)
	}
}

func TestRun_AllWorkersFail(t *testing.T) {
	o := newTestOrchestrator(t, testConfig(t), registryOf(
		&fakeWorker{id: "web", provider: "web", err: errors.New("boom")},
	))

	out, err := o.Run(context.Background(), RunOpts{SessionID: "trip", RunID: "r1", Intent: lisbon})
	if err != nil {
		t.Fatal(err)
	}
	if out.Result.Success || out.Result.Status != stage.StatusFailed {
		t.Fatalf("result = %+v", out.Result)
	}
	if out.Result.FinalStage != "02_router" {
		t.Errorf("final stage = %s", out.Result.FinalStage)
	}
	run, _ := o.DB().GetRun(context.Background(), "r1")
	if run == nil || run.Status != "failed" {
		t.Errorf("run = %+v", run)
	}
}

func TestResume_FromLatest(t *testing.T) {
	o := newTestOrchestrator(t, testConfig(t), registryOf(
		&fakeWorker{id: "web", provider: "web", cands: []worker.Candidate{{Title: "Tram 28"}}},
	))
	ctx := context.Background()

	if _, err := o.Run(ctx, RunOpts{SessionID: "trip", RunID: "r1", Intent: lisbon}); err != nil {
		t.Fatal(err)
	}
	out, err := o.Resume(ctx, ResumeOpts{SessionID: "trip", RunID: "r2", FromStage: 3})
	if err != nil {
		t.Fatal(err)
	}
	if !out.Result.Success || len(out.Result.StagesSkipped) != 3 || len(out.Result.StagesExecuted) != 8 {
		t.Errorf("result = %+v", out.Result)
	}
	m, err := o.Store().LoadManifest("trip", "r2")
	if err != nil {
		t.Fatal(err)
	}
	if m.RunID != "r2" {
		t.Errorf("manifest run = %s", m.RunID)
	}
}

func TestResume_Errors(t *testing.T) {
	o := newTestOrchestrator(t, testConfig(t), registryOf(&fakeWorker{id: "web", provider: "web"}))
	ctx := context.Background()

	if _, err := o.Resume(ctx, ResumeOpts{FromStage: 3}); err == nil {
		t.Error("expected error without session id")
	}
	if _, err := o.Resume(ctx, ResumeOpts{SessionID: "nobody", FromStage: 3}); err == nil {
		t.Error("expected error for a session with no runs")
	}
	var invalid *pipeline.InvalidIDError
	if _, err := o.Resume(ctx, ResumeOpts{SessionID: "..", FromStage: 3}); !errors.As(err, &invalid) {
		t.Errorf("expected InvalidIDError for session, got %v", err)
	}
	if _, err := o.Resume(ctx, ResumeOpts{SessionID: "trip", SourceRunID: "../r1", FromStage: 3}); !errors.As(err, &invalid) {
		t.Errorf("expected InvalidIDError for source run, got %v", err)
	}
}

func TestRun_RejectsPathIDs(t *testing.T) {
	o := newTestOrchestrator(t, testConfig(t), registryOf(&fakeWorker{id: "web", provider: "web"}))
	intent := worker.Intent{Destination: "Lisbon"}

	var invalid *pipeline.InvalidIDError
	if _, err := o.Run(context.Background(), RunOpts{SessionID: "../../etc", Intent: intent}); !errors.As(err, &invalid) || invalid.Kind != "session" {
		t.Errorf("session: got %v", err)
	}
	if _, err := o.Run(context.Background(), RunOpts{SessionID: "trip", RunID: "a/b", Intent: intent}); !errors.As(err, &invalid) || invalid.Kind != "run" {
		t.Errorf("run: got %v", err)
	}
	if sessions, _ := o.Store().ListSessions(); len(sessions) != 0 {
		t.Errorf("nothing should be written, sessions = %v", sessions)
	}
}

func TestWorkers(t *testing.T) {
	o := newTestOrchestrator(t, testConfig(t), registryOf(
		&fakeWorker{id: "web", provider: "web-api"},
		&fakeWorker{id: "maps", provider: "maps-api"},
	))
	o.Breaker().Trip("maps-api")

	infos, err := o.Workers()
	if err != nil {
		t.Fatal(err)
	}
	if len(infos) != 2 {
		t.Fatalf("infos = %+v", infos)
	}
	for _, info := range infos {
		if want := info.ID == "maps"; info.CircuitOpen != want {
			t.Errorf("%s: circuit open = %v", info.ID, info.CircuitOpen)
		}
	}
}

func TestArchive_Disabled(t *testing.T) {
	o := newTestOrchestrator(t, testConfig(t), registryOf())
	if _, err := o.Archive(context.Background(), "trip", "r1"); !errors.Is(err, ErrArchiveDisabled) {
		t.Errorf("expected ErrArchiveDisabled, got %v", err)
	}
}

func TestNew_NoEventLog(t *testing.T) {
	o, err := New(context.Background(), testConfig(t), Options{Registry: registryOf(&fakeWorker{id: "web", provider: "web", cands: []worker.Candidate{{Title: "x"}}}), NoEventLog: true})
	if err != nil {
		t.Fatal(err)
	}
	defer o.Close()
	if o.DB() != nil {
		t.Error("expected no event log")
	}
	if _, err := o.Run(context.Background(), RunOpts{SessionID: "trip", Intent: lisbon}); err != nil {
		t.Fatal(err)
	}
}

func TestBuildRegistry_HTTPProviders(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"candidates":[{"title":"Alfama","location":"Lisbon"}]}`))
	}))
	defer srv.Close()

	cfg := testConfig(t)
	cfg.Workers.Providers = []config.ProviderConfig{{ID: "web", Provider: "web", Endpoint: srv.URL, MaxResults: 3}}
	o, err := New(context.Background(), cfg, Options{HTTPClient: srv.Client()})
	if err != nil {
		t.Fatal(err)
	}
	defer o.Close()

	if ids := o.Registry().IDs(); len(ids) != 1 || ids[0] != "web" {
		t.Fatalf("ids = %v", ids)
	}
	out, err := o.Run(context.Background(), RunOpts{SessionID: "trip", Intent: lisbon})
	if err != nil {
		t.Fatal(err)
	}
	if out.Result.Status != stage.StatusSucceeded {
		t.Errorf("result = %+v", out.Result)
	}
}
