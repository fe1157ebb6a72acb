// Package analytics aggregates the run event log into per-stage, per-worker and per-day statistics.
package analytics

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"sort"
	"time"
)

// DB is the interface for database queries used by analytics. *db.DB satisfies it.
type DB interface {
	Query(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// StageDuration holds duration stats for a stage.
type StageDuration struct {
	Stage string  `json:"stage"`
	Count int     `json:"count"`
	Avg   float64 `json:"avg_ms"`
	P50   float64 `json:"p50_ms"`
	P95   float64 `json:"p95_ms"`
	Max   int64   `json:"max_ms"`
}

// sinceClause returns the timestamp filter for since; zero means no filter.
func sinceClause(column string, since time.Time) (string, []any) {
	if since.IsZero() {
		return "", nil
	}
	return " AND " + column + " >= ?", []any{since.UTC().Format(time.RFC3339)}
}

// QueryStageDurations returns average and percentile durations per stage.
// Dry-run events carry no timing and are ignored.
func QueryStageDurations(ctx context.Context, database DB, since time.Time) ([]StageDuration, error) {
	query := `SELECT stage_id, duration_ms FROM stage_events WHERE outcome != 'dry_run'`
	clause, args := sinceClause("timestamp", since)
	query += clause

	rows, err := database.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query stage durations: %w", err)
	}
	defer rows.Close()

	byStage := make(map[string][]float64)
	for rows.Next() {
		var stage string
		var ms int64
		if err := rows.Scan(&stage, &ms); err != nil {
			return nil, fmt.Errorf("scan stage duration: %w", err)
		}
		byStage[stage] = append(byStage[stage], float64(ms))
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	results := make([]StageDuration, 0, len(byStage))
	for stage, durations := range byStage {
		sort.Float64s(durations)
		results = append(results, StageDuration{
			Stage: stage,
			Count: len(durations),
			Avg:   avg(durations),
			P50:   percentile(durations, 50),
			P95:   percentile(durations, 95),
			Max:   int64(durations[len(durations)-1]),
		})
	}
	sort.Slice(results, func(i, j int) bool {
		return results[i].Stage < results[j].Stage
	})
	return results, nil
}

// StageOutcomeRate holds outcome percentages for a stage.
type StageOutcomeRate struct {
	Stage    string  `json:"stage"`
	Total    int     `json:"total"`
	OK       float64 `json:"ok_pct"`
	Degraded float64 `json:"degraded_pct"`
	Failed   float64 `json:"failed_pct"`
}

// QueryStageOutcomes returns how often each stage succeeded, degraded or failed.
func QueryStageOutcomes(ctx context.Context, database DB, since time.Time) ([]StageOutcomeRate, error) {
	query := `
		SELECT stage_id,
			COUNT(*) AS total,
			SUM(CASE WHEN outcome = 'ok' THEN 1 ELSE 0 END) AS ok,
			SUM(CASE WHEN outcome = 'degraded' THEN 1 ELSE 0 END) AS degraded,
			SUM(CASE WHEN outcome = 'failed' THEN 1 ELSE 0 END) AS failed
		FROM stage_events
		WHERE outcome != 'dry_run'`
	clause, args := sinceClause("timestamp", since)
	query += clause + ` GROUP BY stage_id ORDER BY stage_id`

	rows, err := database.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query stage outcomes: %w", err)
	}
	defer rows.Close()

	var results []StageOutcomeRate
	for rows.Next() {
		var r StageOutcomeRate
		var ok, degraded, failed int
		if err := rows.Scan(&r.Stage, &r.Total, &ok, &degraded, &failed); err != nil {
			return nil, fmt.Errorf("scan stage outcome: %w", err)
		}
		r.OK = pct(ok, r.Total)
		r.Degraded = pct(degraded, r.Total)
		r.Failed = pct(failed, r.Total)
		results = append(results, r)
	}
	return results, rows.Err()
}

// WorkerReliability holds call stats for one worker.
type WorkerReliability struct {
	WorkerID     string  `json:"worker_id"`
	Provider     string  `json:"provider"`
	Calls        int     `json:"calls"`
	Succeeded    float64 `json:"succeeded_pct"` // ok or partial
	Errors       float64 `json:"error_pct"`
	Skipped      float64 `json:"skipped_pct"` // circuit open
	AvgMs        float64 `json:"avg_ms"`
	AvgResults   float64 `json:"avg_candidates"`
	InputTokens  int64   `json:"input_tokens"`
	OutputTokens int64   `json:"output_tokens"`
}

// QueryWorkerReliability returns per-worker success rates, latency and token totals.
func QueryWorkerReliability(ctx context.Context, database DB, since time.Time) ([]WorkerReliability, error) {
	query := `
		SELECT worker_id, provider,
			COUNT(*) AS calls,
			SUM(CASE WHEN status IN ('ok', 'partial') THEN 1 ELSE 0 END) AS succeeded,
			SUM(CASE WHEN status = 'error' THEN 1 ELSE 0 END) AS errors,
			SUM(CASE WHEN status = 'skipped' THEN 1 ELSE 0 END) AS skipped,
			SUM(duration_ms) AS total_ms,
			SUM(candidates) AS total_candidates,
			SUM(input_tokens) AS input_tokens,
			SUM(output_tokens) AS output_tokens
		FROM worker_events
		WHERE 1 = 1`
	clause, args := sinceClause("timestamp", since)
	query += clause + ` GROUP BY worker_id, provider ORDER BY worker_id, provider`

	rows, err := database.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query worker reliability: %w", err)
	}
	defer rows.Close()

	var results []WorkerReliability
	for rows.Next() {
		var r WorkerReliability
		var succeeded, errs, skipped int
		var totalMs, totalCands int64
		if err := rows.Scan(&r.WorkerID, &r.Provider, &r.Calls, &succeeded, &errs, &skipped,
			&totalMs, &totalCands, &r.InputTokens, &r.OutputTokens); err != nil {
			return nil, fmt.Errorf("scan worker reliability: %w", err)
		}
		r.Succeeded = pct(succeeded, r.Calls)
		r.Errors = pct(errs, r.Calls)
		r.Skipped = pct(skipped, r.Calls)
		r.AvgMs = ratio(totalMs, r.Calls)
		r.AvgResults = ratio(totalCands, r.Calls)
		results = append(results, r)
	}
	return results, rows.Err()
}

// Throughput holds run counts for one UTC day.
type Throughput struct {
	Day       string  `json:"day"`
	Runs      int     `json:"runs"`
	Succeeded int     `json:"succeeded"`
	Degraded  int     `json:"degraded"`
	Failed    int     `json:"failed"`
	Running   int     `json:"running"`
	AvgMs     float64 `json:"avg_ms"` // finished runs only
}

// QueryThroughput returns run counts grouped by the day they started, newest first.
func QueryThroughput(ctx context.Context, database DB, since time.Time) ([]Throughput, error) {
	query := `SELECT started_at, status, duration_ms FROM runs WHERE 1 = 1`
	clause, args := sinceClause("started_at", since)
	query += clause

	rows, err := database.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query throughput: %w", err)
	}
	defer rows.Close()

	type acc struct {
		Throughput
		totalMs  int64
		finished int
	}
	byDay := make(map[string]*acc)
	for rows.Next() {
		var startedAt, status string
		var ms int64
		if err := rows.Scan(&startedAt, &status, &ms); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		ts, err := time.Parse(time.RFC3339Nano, startedAt)
		if err != nil {
			continue
		}
		day := ts.UTC().Format("2006-01-02")
		a, ok := byDay[day]
		if !ok {
			a = &acc{Throughput: Throughput{Day: day}}
			byDay[day] = a
		}
		a.Runs++
		switch status {
		case "succeeded":
			a.Succeeded++
		case "degraded":
			a.Degraded++
		case "failed":
			a.Failed++
		default:
			a.Running++
			continue
		}
		a.finished++
		a.totalMs += ms
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	results := make([]Throughput, 0, len(byDay))
	for _, a := range byDay {
		a.AvgMs = ratio(a.totalMs, a.finished)
		results = append(results, a.Throughput)
	}
	sort.Slice(results, func(i, j int) bool {
		return results[i].Day > results[j].Day
	})
	return results, nil
}

// TimelineEvent is one stage or worker event of a run.
type TimelineEvent struct {
	Timestamp  string `json:"timestamp"`
	Type       string `json:"type"` // stage | worker
	Name       string `json:"name"`
	Outcome    string `json:"outcome"`
	DurationMs int64  `json:"duration_ms"`
	Detail     string `json:"detail,omitempty"`
}

// QueryRunTimeline returns every stage and worker event of a run in time order.
func QueryRunTimeline(ctx context.Context, database DB, runID string) ([]TimelineEvent, error) {
	var results []TimelineEvent

	stRows, err := database.Query(ctx,
		`SELECT timestamp, stage_id, outcome, duration_ms, error
		 FROM stage_events WHERE run_id = ? ORDER BY id`, runID)
	if err != nil {
		return nil, fmt.Errorf("query stage events: %w", err)
	}
	defer stRows.Close()
	for stRows.Next() {
		e := TimelineEvent{Type: "stage"}
		if err := stRows.Scan(&e.Timestamp, &e.Name, &e.Outcome, &e.DurationMs, &e.Detail); err != nil {
			return nil, fmt.Errorf("scan stage event: %w", err)
		}
		results = append(results, e)
	}
	if err := stRows.Err(); err != nil {
		return nil, err
	}

	wkRows, err := database.Query(ctx,
		`SELECT timestamp, worker_id, status, duration_ms, candidates, error
		 FROM worker_events WHERE run_id = ? ORDER BY id`, runID)
	if err != nil {
		return nil, fmt.Errorf("query worker events: %w", err)
	}
	defer wkRows.Close()
	for wkRows.Next() {
		e := TimelineEvent{Type: "worker"}
		var cands int
		var errMsg string
		if err := wkRows.Scan(&e.Timestamp, &e.Name, &e.Outcome, &e.DurationMs, &cands, &errMsg); err != nil {
			return nil, fmt.Errorf("scan worker event: %w", err)
		}
		e.Detail = fmt.Sprintf("candidates=%d", cands)
		if errMsg != "" {
			e.Detail += " error=" + errMsg
		}
		results = append(results, e)
	}
	if err := wkRows.Err(); err != nil {
		return nil, err
	}

	// RFC3339Nano drops trailing zeros, so compare parsed times rather than strings.
	sort.SliceStable(results, func(i, j int) bool {
		return parseTime(results[i].Timestamp).Before(parseTime(results[j].Timestamp))
	})
	return results, nil
}

// --- helpers ---

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

func avg(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range values {
		sum += v
	}
	return math.Round(sum/float64(len(values))*10) / 10
}

func percentile(sorted []float64, p int) float64 {
	if len(sorted) == 0 {
		return 0
	}
	rank := float64(p) / 100.0 * float64(len(sorted)-1)
	lower := int(math.Floor(rank))
	upper := int(math.Ceil(rank))
	if lower == upper || upper >= len(sorted) {
		return math.Round(sorted[lower]*10) / 10
	}
	weight := rank - float64(lower)
	return math.Round((sorted[lower]*(1-weight)+sorted[upper]*weight)*10) / 10
}

func pct(n, total int) float64 {
	if total == 0 {
		return 0
	}
	return math.Round(float64(n)/float64(total)*1000) / 10
}

func ratio(sum int64, n int) float64 {
	if n == 0 {
		return 0
	}
	return math.Round(float64(sum)/float64(n)*10) / 10
}
