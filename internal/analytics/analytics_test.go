package analytics

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/lucasnoah/wayfinder/internal/db"
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

func exec(t *testing.T, conn *sql.DB, query string, args ...any) {
	t.Helper()
	if _, err := conn.Exec(query, args...); err != nil {
		t.Fatalf("exec %q: %v", query, err)
	}
}

func stageEvent(t *testing.T, c *sql.DB, run, stage, outcome string, ms int64, ts string) {
	t.Helper()
	exec(t, c, `INSERT INTO stage_events (run_id, session_id, stage_id, stage_number, outcome, duration_ms, timestamp)
		VALUES (?, 'trip', ?, 0, ?, ?, ?)`, run, stage, outcome, ms, ts)
}

func workerEvent(t *testing.T, c *sql.DB, run, worker, status string, ms int64, cands int, ts string) {
	t.Helper()
	exec(t, c, `INSERT INTO worker_events (run_id, worker_id, provider, status, candidates, duration_ms, input_tokens, output_tokens, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, 10, 5, ?)`, run, worker, worker+"-api", status, cands, ms, ts)
}

func run(t *testing.T, c *sql.DB, id, status string, ms int64, started string) {
	t.Helper()
	exec(t, c, `INSERT INTO runs (run_id, session_id, first_stage, status, started_at, duration_ms)
		VALUES (?, 'trip', '00_enhancement', ?, ?, ?)`, id, status, started, ms)
}

// --- QueryStageDurations ---

func TestQueryStageDurations(t *testing.T) {
	d := testDB(t)
	c := d.Conn()

	stageEvent(t, c, "r1", "03_worker_outputs", "ok", 100, "2026-06-01T10:00:00Z")
	stageEvent(t, c, "r2", "03_worker_outputs", "ok", 300, "2026-06-02T10:00:00Z")
	stageEvent(t, c, "r3", "03_worker_outputs", "failed", 200, "2026-06-03T10:00:00Z")
	stageEvent(t, c, "r1", "04_normalized", "ok", 4, "2026-06-01T10:00:01Z")
	stageEvent(t, c, "r4", "04_normalized", "dry_run", 0, "2026-06-04T10:00:00Z")

	results, err := QueryStageDurations(context.Background(), d, time.Time{})
	if err != nil {
		t.Fatalf("QueryStageDurations: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 stages, got %+v", results)
	}

	fanout := results[0]
	if fanout.Stage != "03_worker_outputs" || fanout.Count != 3 {
		t.Errorf("fanout = %+v", fanout)
	}
	if fanout.Avg != 200 || fanout.P50 != 200 || fanout.Max != 300 {
		t.Errorf("fanout stats = %+v", fanout)
	}
	if fanout.P95 != 290 {
		t.Errorf("p95 = %v, want 290", fanout.P95)
	}
	if results[1].Count != 1 {
		t.Errorf("dry run should be ignored: %+v", results[1])
	}
}

func TestQueryStageDurations_Since(t *testing.T) {
	d := testDB(t)
	c := d.Conn()
	stageEvent(t, c, "r1", "02_router", "ok", 10, "2026-05-01T10:00:00Z")
	stageEvent(t, c, "r2", "02_router", "ok", 30, "2026-06-01T10:00:00Z")

	results, err := QueryStageDurations(context.Background(), d, time.Date(2026, 5, 15, 0, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 1 || results[0].Count != 1 || results[0].Avg != 30 {
		t.Errorf("results = %+v", results)
	}
}

func TestQueryStageDurations_Empty(t *testing.T) {
	results, err := QueryStageDurations(context.Background(), testDB(t), time.Time{})
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 0 {
		t.Errorf("expected none, got %+v", results)
	}
}

// --- QueryStageOutcomes ---

func TestQueryStageOutcomes(t *testing.T) {
	d := testDB(t)
	c := d.Conn()
	stageEvent(t, c, "r1", "03_worker_outputs", "ok", 1, "2026-06-01T10:00:00Z")
	stageEvent(t, c, "r2", "03_worker_outputs", "degraded", 1, "2026-06-01T10:00:00Z")
	stageEvent(t, c, "r3", "03_worker_outputs", "failed", 1, "2026-06-01T10:00:00Z")
	stageEvent(t, c, "r4", "03_worker_outputs", "ok", 1, "2026-06-01T10:00:00Z")
	stageEvent(t, c, "r5", "03_worker_outputs", "dry_run", 0, "2026-06-01T10:00:00Z")

	results, err := QueryStageOutcomes(context.Background(), d, time.Time{})
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 1 {
		t.Fatalf("results = %+v", results)
	}
	r := results[0]
	if r.Total != 4 || r.OK != 50 || r.Degraded != 25 || r.Failed != 25 {
		t.Errorf("outcomes = %+v", r)
	}
}

// --- QueryWorkerReliability ---

func TestQueryWorkerReliability(t *testing.T) {
	d := testDB(t)
	c := d.Conn()
	workerEvent(t, c, "r1", "maps", "ok", 100, 4, "2026-06-01T10:00:00Z")
	workerEvent(t, c, "r2", "maps", "error", 300, 0, "2026-06-01T10:00:00Z")
	workerEvent(t, c, "r1", "web", "partial", 50, 2, "2026-06-01T10:00:00Z")
	workerEvent(t, c, "r2", "web", "ok", 70, 6, "2026-06-01T10:00:00Z")
	workerEvent(t, c, "r3", "web", "skipped", 0, 0, "2026-06-01T10:00:00Z")

	results, err := QueryWorkerReliability(context.Background(), d, time.Time{})
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 2 {
		t.Fatalf("results = %+v", results)
	}
	maps, web := results[0], results[1]
	if maps.WorkerID != "maps" || maps.Provider != "maps-api" || maps.Calls != 2 {
		t.Errorf("maps = %+v", maps)
	}
	if maps.Succeeded != 50 || maps.Errors != 50 || maps.AvgMs != 200 || maps.AvgResults != 2 {
		t.Errorf("maps stats = %+v", maps)
	}
	if maps.InputTokens != 20 || maps.OutputTokens != 10 {
		t.Errorf("maps tokens = %+v", maps)
	}
	if web.Calls != 3 || web.Succeeded != 66.7 || web.Skipped != 33.3 || web.AvgResults != 2.7 {
		t.Errorf("web stats = %+v", web)
	}
}

// --- QueryThroughput ---

func TestQueryThroughput(t *testing.T) {
	d := testDB(t)
	c := d.Conn()
	run(t, c, "r1", "succeeded", 1000, "2026-06-01T08:00:00Z")
	run(t, c, "r2", "failed", 3000, "2026-06-01T09:30:00.123Z")
	run(t, c, "r3", "degraded", 500, "2026-06-02T10:00:00Z")
	run(t, c, "r4", "running", 0, "2026-06-02T11:00:00Z")

	results, err := QueryThroughput(context.Background(), d, time.Time{})
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 2 {
		t.Fatalf("results = %+v", results)
	}
	latest, first := results[0], results[1]
	if latest.Day != "2026-06-02" || latest.Runs != 2 || latest.Degraded != 1 || latest.Running != 1 || latest.AvgMs != 500 {
		t.Errorf("2026-06-02 = %+v", latest)
	}
	if first.Day != "2026-06-01" || first.Runs != 2 || first.Succeeded != 1 || first.Failed != 1 || first.AvgMs != 2000 {
		t.Errorf("2026-06-01 = %+v", first)
	}
}

// --- QueryRunTimeline ---

func TestQueryRunTimeline(t *testing.T) {
	d := testDB(t)
	c := d.Conn()
	stageEvent(t, c, "r1", "02_router", "ok", 3, "2026-06-01T10:00:00Z")
	stageEvent(t, c, "r1", "03_worker_outputs", "ok", 90, "2026-06-01T10:00:02Z")
	workerEvent(t, c, "r1", "web", "ok", 80, 3, "2026-06-01T10:00:01.5Z")
	exec(t, c, `INSERT INTO worker_events (run_id, worker_id, status, error, timestamp)
		VALUES ('r1', 'maps', 'error', 'timeout', '2026-06-01T10:00:01Z')`)
	stageEvent(t, c, "other", "02_router", "ok", 3, "2026-06-01T10:00:00Z")

	events, err := QueryRunTimeline(context.Background(), d, "r1")
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 4 {
		t.Fatalf("events = %+v", events)
	}
	want := []string{"02_router", "maps", "web", "03_worker_outputs"}
	for i, name := range want {
		if events[i].Name != name {
			t.Errorf("event %d = %s, want %s", i, events[i].Name, name)
		}
	}
	if events[1].Type != "worker" || events[1].Detail != "candidates=0 error=timeout" {
		t.Errorf("maps event = %+v", events[1])
	}
}

// --- helpers ---

func TestPercentile(t *testing.T) {
	tests := []struct {
		values []float64
		p      int
		want   float64
	}{
		{nil, 50, 0},
		{[]float64{7}, 95, 7},
		{[]float64{1, 2, 3, 4}, 50, 2.5},
		{[]float64{10, 20, 30, 40, 50}, 95, 48},
	}
	for _, tt := range tests {
		if got := percentile(tt.values, tt.p); got != tt.want {
			t.Errorf("percentile(%v, %d) = %v, want %v", tt.values, tt.p, got, tt.want)
		}
	}
}

func TestPct(t *testing.T) {
	if got := pct(1, 3); got != 33.3 {
		t.Errorf("pct(1,3) = %v", got)
	}
	if got := pct(1, 0); got != 0 {
		t.Errorf("pct(1,0) = %v", got)
	}
}
