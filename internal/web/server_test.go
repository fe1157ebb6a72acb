package web

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/lucasnoah/wayfinder/internal/db"
	"github.com/lucasnoah/wayfinder/internal/pipeline"
	"github.com/lucasnoah/wayfinder/internal/stage"
	"github.com/lucasnoah/wayfinder/internal/worker"
)

func testDB(t *testing.T) *db.DB {
	t.Helper()
	d, err := db.Open(":memory:")
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	if err := d.Migrate(); err != nil {
		t.Fatalf("migrate test db: %v", err)
	}
	t.Cleanup(func() { d.Close() })
	return d
}

// seed runs stages 0-3 of session "trip" run "r1" through a real executor.
func seed(t *testing.T, store *pipeline.Store, d *db.DB) {
	t.Helper()
	e := stage.NewExecutor(store, nil)
	for n := pipeline.FirstStage; n <= pipeline.LastStage; n++ {
		if err := e.RegisterStage(stage.New(n, func(context.Context, *stage.Context, any) (any, error) {
			return map[string]int{"n": n}, nil
		})); err != nil {
			t.Fatal(err)
		}
	}
	if d != nil {
		e.SetObserver(d.Observer())
	}
	sc := &stage.Context{SessionID: "trip", RunID: "r1"}
	if _, err := e.Execute(context.Background(), sc, stage.Options{StopAfterStage: stage.StopAfter(3)}); err != nil {
		t.Fatal(err)
	}
	if err := worker.SaveOutputs(store, "trip", "r1", []worker.Output{
		{WorkerID: "web", Status: worker.StatusOK, Candidates: []worker.Candidate{{Title: "Tram 28"}}},
		{WorkerID: "maps", Status: worker.StatusError, Error: "timeout"},
	}); err != nil {
		t.Fatal(err)
	}
}

func get(t *testing.T, s *Server, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return out
}

func TestHealth(t *testing.T) {
	s := NewServer(pipeline.NewStore(t.TempDir()), nil, "", nil)
	rec := get(t, s, "/healthz")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if body := decode(t, rec); body["status"] != "ok" || body["event_log"] != false {
		t.Errorf("body = %v", body)
	}
}

func TestSessionsAndRuns(t *testing.T) {
	store := pipeline.NewStore(t.TempDir())
	s := NewServer(store, nil, "", nil)

	if body := decode(t, get(t, s, "/sessions")); len(body["sessions"].([]any)) != 0 {
		t.Errorf("expected no sessions, got %v", body)
	}

	seed(t, store, nil)

	body := decode(t, get(t, s, "/sessions"))
	sessions := body["sessions"].([]any)
	if len(sessions) != 1 || sessions[0] != "trip" {
		t.Errorf("sessions = %v", sessions)
	}

	body = decode(t, get(t, s, "/sessions/trip/runs"))
	runs := body["runs"].([]any)
	if len(runs) != 1 {
		t.Fatalf("runs = %v", runs)
	}
	run := runs[0].(map[string]any)
	if run["run_id"] != "r1" || run["stages"] != float64(4) || run["manifest"] != true {
		t.Errorf("run = %v", run)
	}
}

func TestManifestAndLatest(t *testing.T) {
	store := pipeline.NewStore(t.TempDir())
	seed(t, store, nil)
	s := NewServer(store, nil, "", nil)

	for _, path := range []string{"/sessions/trip/latest", "/sessions/trip/runs/r1/manifest"} {
		rec := get(t, s, path)
		if rec.Code != http.StatusOK {
			t.Fatalf("%s: expected 200, got %d: %s", path, rec.Code, rec.Body.String())
		}
		if body := decode(t, rec); body["run_id"] != "r1" || body["final_stage"] != "03_worker_outputs" {
			t.Errorf("%s: body = %v", path, body)
		}
	}

	if rec := get(t, s, "/sessions/nobody/latest"); rec.Code != http.StatusNotFound {
		t.Errorf("missing latest: expected 404, got %d", rec.Code)
	}
	if rec := get(t, s, "/sessions/trip/runs/nope/manifest"); rec.Code != http.StatusNotFound {
		t.Errorf("missing manifest: expected 404, got %d", rec.Code)
	}
}

func TestStage(t *testing.T) {
	store := pipeline.NewStore(t.TempDir())
	seed(t, store, nil)
	s := NewServer(store, nil, "", nil)

	tests := []struct {
		path string
		code int
	}{
		{"/sessions/trip/runs/r1/stages/2", http.StatusOK},
		{"/sessions/trip/runs/r1/stages/02_router", http.StatusOK},
		{"/sessions/trip/runs/r1/stages/9", http.StatusNotFound},
		{"/sessions/trip/runs/r1/stages/11", http.StatusBadRequest},
		{"/sessions/trip/runs/r1/stages/02_wrong", http.StatusBadRequest},
		{"/sessions/trip/runs/r1/stages/banana", http.StatusBadRequest},
	}
	for _, tt := range tests {
		rec := get(t, s, tt.path)
		if rec.Code != tt.code {
			t.Errorf("%s: expected %d, got %d", tt.path, tt.code, rec.Code)
		}
	}

	body := decode(t, get(t, s, "/sessions/trip/runs/r1/stages/2"))
	meta := body["_meta"].(map[string]any)
	if meta["stage_id"] != "02_router" || meta["upstream_stage"] != "01_intake" {
		t.Errorf("meta = %v", meta)
	}
}

func TestWorkers(t *testing.T) {
	store := pipeline.NewStore(t.TempDir())
	seed(t, store, nil)
	s := NewServer(store, nil, "", nil)

	rec := get(t, s, "/sessions/trip/runs/r1/workers")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	body := decode(t, rec)
	if len(body["outputs"].([]any)) != 2 {
		t.Errorf("outputs = %v", body["outputs"])
	}
	summary := body["summary"].(map[string]any)
	if summary["degradation"] != string(worker.DegradationPartialWorkers) {
		t.Errorf("summary = %v", summary)
	}

	if rec := get(t, s, "/sessions/trip/runs/other/workers"); rec.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rec.Code)
	}
}

func TestEvents(t *testing.T) {
	store := pipeline.NewStore(t.TempDir())
	d := testDB(t)
	seed(t, store, d)
	if err := d.LogWorkerEvent(context.Background(), "r1", "web-api", worker.Output{WorkerID: "web", Status: worker.StatusOK}); err != nil {
		t.Fatal(err)
	}
	s := NewServer(store, d, "", nil)

	rec := get(t, s, "/runs/r1/events")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	body := decode(t, rec)
	if run := body["run"].(map[string]any); run["status"] != "succeeded" {
		t.Errorf("run = %v", run)
	}
	if n := len(body["stages"].([]any)); n != 4 {
		t.Errorf("expected 4 stage events, got %d", n)
	}
	if n := len(body["workers"].([]any)); n != 1 {
		t.Errorf("expected 1 worker event, got %d", n)
	}

	if rec := get(t, s, "/runs/missing/events"); rec.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rec.Code)
	}

	recent := decode(t, get(t, s, "/runs?session=trip&limit=5"))
	if n := len(recent["runs"].([]any)); n != 1 {
		t.Errorf("expected 1 recent run, got %d", n)
	}
	if rec := get(t, s, "/runs?limit=zero"); rec.Code != http.StatusBadRequest {
		t.Errorf("bad limit: expected 400, got %d", rec.Code)
	}
}

func TestEvents_NoDB(t *testing.T) {
	s := NewServer(pipeline.NewStore(t.TempDir()), nil, "", nil)
	for _, path := range []string{"/runs", "/runs/r1/events", "/runs/r1/stream", "/runs/r1/timeline", "/stats"} {
		if rec := get(t, s, path); rec.Code != http.StatusServiceUnavailable {
			t.Errorf("%s: expected 503, got %d", path, rec.Code)
		}
	}
}

func TestStream_FinishedRun(t *testing.T) {
	store := pipeline.NewStore(t.TempDir())
	d := testDB(t)
	seed(t, store, d)
	s := NewServer(store, d, "", nil)
	s.pollInterval = 5 * time.Millisecond

	rec := get(t, s, "/runs/r1/stream")
	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("content type = %q", ct)
	}
	out := rec.Body.String()
	if n := strings.Count(out, "event: stage\n"); n != 4 {
		t.Errorf("expected 4 stage events, got %d:\n%s", n, out)
	}
	if !strings.HasSuffix(out, "event: done\ndata: succeeded\n\n") {
		t.Errorf("stream should end with done event:\n%s", out)
	}
}

func TestStream_RunningThenDone(t *testing.T) {
	d := testDB(t)
	ctx := context.Background()
	if err := d.StartRun(ctx, "trip", "r2", "00_enhancement"); err != nil {
		t.Fatal(err)
	}
	s := NewServer(pipeline.NewStore(t.TempDir()), d, "", nil)
	s.pollInterval = 5 * time.Millisecond

	go func() {
		time.Sleep(20 * time.Millisecond)
		d.LogStageEvent(ctx, "trip", "r2", stage.StageEvent{StageID: "00_enhancement", Outcome: stage.EventOK})
		d.FinishRun(ctx, &stage.PipelineResult{RunID: "r2", Status: stage.StatusFailed})
	}()

	out := get(t, s, "/runs/r2/stream").Body.String()
	if !strings.Contains(out, `"stage_id":"00_enhancement"`) {
		t.Errorf("missing stage event:\n%s", out)
	}
	if !strings.HasSuffix(out, "event: done\ndata: failed\n\n") {
		t.Errorf("stream should end with failed:\n%s", out)
	}
}

func TestStream_UnknownRun(t *testing.T) {
	s := NewServer(pipeline.NewStore(t.TempDir()), testDB(t), "", nil)
	out := get(t, s, "/runs/ghost/stream").Body.String()
	if out != "event: done\ndata: run not found\n\n" {
		t.Errorf("out = %q", out)
	}
}

func TestStats(t *testing.T) {
	store := pipeline.NewStore(t.TempDir())
	d := testDB(t)
	seed(t, store, d)
	s := NewServer(store, d, "", nil)

	rec := get(t, s, "/stats")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	body := decode(t, rec)
	if n := len(body["stage_durations"].([]any)); n != 4 {
		t.Errorf("expected 4 stage duration rows, got %d", n)
	}
	if n := len(body["workers"].([]any)); n != 0 {
		t.Errorf("expected no worker rows, got %d", n)
	}
	if n := len(body["throughput"].([]any)); n != 1 {
		t.Errorf("expected 1 throughput day, got %d", n)
	}

	if rec := get(t, s, "/stats?since=2099-01-01"); rec.Code != http.StatusOK {
		t.Errorf("since: expected 200, got %d", rec.Code)
	} else if n := len(decode(t, rec)["stage_durations"].([]any)); n != 0 {
		t.Errorf("future since should filter everything, got %d rows", n)
	}
	if rec := get(t, s, "/stats?since=june"); rec.Code != http.StatusBadRequest {
		t.Errorf("bad since: expected 400, got %d", rec.Code)
	}

	timeline := decode(t, get(t, s, "/runs/r1/timeline"))
	if n := len(timeline["events"].([]any)); n != 4 {
		t.Errorf("expected 4 timeline events, got %d", n)
	}
}

func TestRejectsPathEscapingIDs(t *testing.T) {
	store := pipeline.NewStore(t.TempDir())
	seed(t, store, nil)
	s := NewServer(store, testDB(t), "", nil)

	for _, path := range []string{
		"/sessions/../runs",
		"/sessions/../latest",
		"/sessions/trip/runs/../manifest",
		"/sessions/trip/runs/r1.bak/stages/3",
		"/sessions/trip/runs/../workers",
		"/runs/../events",
		"/runs/..x/timeline",
	} {
		rec := get(t, s, path)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("%s: expected 400, got %d", path, rec.Code)
			continue
		}
		if msg, _ := decode(t, rec)["error"].(string); !strings.Contains(msg, "invalid") {
			t.Errorf("%s: error = %q", path, msg)
		}
	}

	if rec := get(t, s, "/sessions/trip/runs/r1/manifest"); rec.Code != http.StatusOK {
		t.Errorf("valid ids: expected 200, got %d", rec.Code)
	}
}
