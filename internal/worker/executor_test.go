package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubWorker struct {
	id, provider string
	planErr      error
	exec         func(ctx context.Context, a Assignment) (Output, error)
	calls        int
	mu           sync.Mutex
}

func (w *stubWorker) ID() string       { return w.id }
func (w *stubWorker) Provider() string { return w.provider }

func (w *stubWorker) Plan(_ Session, intent Intent) (Assignment, error) {
	if w.planErr != nil {
		return Assignment{}, w.planErr
	}
	return Assignment{WorkerID: w.id, Queries: intent.Queries, MaxResults: 5}, nil
}

func (w *stubWorker) Execute(ctx context.Context, a Assignment, _ *Context) (Output, error) {
	w.mu.Lock()
	w.calls++
	w.mu.Unlock()
	return w.exec(ctx, a)
}

func (w *stubWorker) callCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.calls
}

func okWorker(id, provider string, n int) *stubWorker {
	return &stubWorker{id: id, provider: provider, exec: func(context.Context, Assignment) (Output, error) {
		cands := make([]Candidate, n)
		for i := range cands {
			cands[i] = Candidate{Title: "c", Source: provider}
		}
		return Output{Candidates: cands, TokenUsage: &TokenUsage{Input: 10, Output: 5}}, nil
	}}
}

func failWorker(id, provider string) *stubWorker {
	return &stubWorker{id: id, provider: provider, exec: func(context.Context, Assignment) (Output, error) {
		return Output{}, errors.New("upstream 503")
	}}
}

type fakeCost struct {
	mu     sync.Mutex
	calls  map[string]int64
	tokens map[string]int64
}

func newFakeCost() *fakeCost {
	return &fakeCost{calls: map[string]int64{}, tokens: map[string]int64{}}
}

func (c *fakeCost) AddTokenUsage(p string, in, out int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tokens[p] += in + out
}

func (c *fakeCost) AddAPICalls(p string, n int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls[p] += n
}

type fakeRecorder struct {
	mu   sync.Mutex
	outs []Output
}

func (r *fakeRecorder) RecordWorkerOutput(_ context.Context, _, _ string, out Output) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outs = append(r.outs, out)
	return nil
}

func assign(ids ...string) Plan {
	p := Plan{}
	for _, id := range ids {
		p.Assignments = append(p.Assignments, Assignment{WorkerID: id, Queries: []string{"q"}, Timeout: time.Second})
	}
	return p
}

func TestExecuteWorkers_SkippedOkError(t *testing.T) {
	breaker := NewBreaker(DefaultBreakerConfig())
	breaker.Trip("blocked-api")
	exec := NewExecutor(breaker, NewLimiter(2), nil)

	skipped := okWorker("blocked", "blocked-api", 3)
	good := okWorker("good", "good-api", 2)
	bad := failWorker("bad", "bad-api")
	cost := newFakeCost()

	var outputs []Output
	var summary Summary
	require.NotPanics(t, func() {
		outputs, summary = exec.ExecuteWorkers(context.Background(), assign("blocked", "good", "bad"),
			[]Worker{skipped, good, bad}, &Context{SessionID: "s", RunID: "r", Cost: cost})
	})

	require.Len(t, outputs, 3)
	assert.Equal(t, StatusSkipped, outputs[0].Status)
	assert.Equal(t, StatusOK, outputs[1].Status)
	assert.Equal(t, StatusError, outputs[2].Status)
	assert.Contains(t, outputs[2].Error, "upstream 503")
	assert.Equal(t, 0, skipped.callCount(), "open circuit must not invoke the worker")

	st, ok := summary.Status("blocked")
	require.True(t, ok)
	assert.Equal(t, StatusSkipped, st.Status)
	st, _ = summary.Status("good")
	assert.Equal(t, StatusOK, st.Status)
	assert.Equal(t, 2, st.CandidateCount)
	st, _ = summary.Status("bad")
	assert.Equal(t, StatusError, st.Status)

	assert.Equal(t, 1, summary.Succeeded)
	assert.Equal(t, 1, summary.Failed)
	assert.Equal(t, 1, summary.Skipped)
	assert.Equal(t, DegradationPartialWorkers, summary.Degradation)

	assert.Equal(t, int64(1), cost.calls["good-api"])
	assert.Equal(t, int64(15), cost.tokens["good-api"])
	assert.Zero(t, cost.calls["bad-api"])
	assert.Equal(t, 1, breaker.Status()["bad-api"].Failures)
}

func TestExecuteWorkers_TimeoutCountsAsFailure(t *testing.T) {
	breaker := NewBreaker(BreakerConfig{Threshold: 1, Window: time.Minute})
	exec := NewExecutor(breaker, NewLimiter(1), nil)

	// Ignores its context entirely.
	stuck := &stubWorker{id: "slow", provider: "slow-api", exec: func(context.Context, Assignment) (Output, error) {
		time.Sleep(300 * time.Millisecond)
		return Output{}, nil
	}}
	plan := Plan{Assignments: []Assignment{{WorkerID: "slow", Timeout: 20 * time.Millisecond}}}

	start := time.Now()
	outputs, summary := exec.ExecuteWorkers(context.Background(), plan, []Worker{stuck}, nil)
	assert.Less(t, time.Since(start), 250*time.Millisecond)

	require.Len(t, outputs, 1)
	assert.Equal(t, StatusError, outputs[0].Status)
	assert.Contains(t, outputs[0].Error, "timed out")
	assert.GreaterOrEqual(t, outputs[0].DurationMs, int64(15))
	assert.True(t, breaker.IsOpen("slow-api"))
	assert.Equal(t, DegradationAllFailed, summary.Degradation)
}

func TestExecuteWorkers_PanicBecomesError(t *testing.T) {
	exec := NewExecutor(NewBreaker(DefaultBreakerConfig()), NewLimiter(2), nil)
	p := &stubWorker{id: "p", provider: "p-api", exec: func(context.Context, Assignment) (Output, error) {
		panic("nil map")
	}}
	outputs, _ := exec.ExecuteWorkers(context.Background(), assign("p"), []Worker{p}, nil)
	require.Len(t, outputs, 1)
	assert.Equal(t, StatusError, outputs[0].Status)
	assert.Contains(t, outputs[0].Error, "panicked")
}

func TestExecuteWorkers_UnknownWorker(t *testing.T) {
	breaker := NewBreaker(DefaultBreakerConfig())
	exec := NewExecutor(breaker, NewLimiter(2), nil)
	outputs, summary := exec.ExecuteWorkers(context.Background(), assign("ghost"), nil, nil)
	require.Len(t, outputs, 1)
	assert.Equal(t, StatusError, outputs[0].Status)
	assert.Contains(t, outputs[0].Error, "unknown worker")
	assert.Empty(t, breaker.Status())
	assert.Equal(t, DegradationAllFailed, summary.Degradation)
}

func TestExecuteWorkers_PartialKept(t *testing.T) {
	exec := NewExecutor(NewBreaker(DefaultBreakerConfig()), NewLimiter(2), nil)
	w := &stubWorker{id: "w", provider: "w-api", exec: func(context.Context, Assignment) (Output, error) {
		return Output{Status: StatusPartial, Candidates: []Candidate{{Title: "x"}}}, nil
	}}
	outputs, summary := exec.ExecuteWorkers(context.Background(), assign("w"), []Worker{w}, nil)
	assert.Equal(t, StatusPartial, outputs[0].Status)
	assert.Equal(t, DegradationNone, summary.Degradation)
	assert.Equal(t, 1, summary.TotalCandidates)
}

func TestExecuteWorkers_RecordsOutcomes(t *testing.T) {
	exec := NewExecutor(NewBreaker(DefaultBreakerConfig()), NewLimiter(2), nil)
	rec := &fakeRecorder{}
	exec.SetRecorder(rec)
	exec.ExecuteWorkers(context.Background(), assign("a", "b"),
		[]Worker{okWorker("a", "a-api", 1), failWorker("b", "b-api")}, &Context{RunID: "r1"})
	assert.Len(t, rec.outs, 2)
}

func TestExecuteWorkers_SuccessClosesCircuit(t *testing.T) {
	breaker := NewBreaker(DefaultBreakerConfig())
	for i := 0; i < 3; i++ {
		breaker.RecordFailure("a-api")
	}
	exec := NewExecutor(breaker, NewLimiter(1), nil)
	exec.ExecuteWorkers(context.Background(), assign("a"), []Worker{okWorker("a", "a-api", 1)}, nil)
	assert.Equal(t, 0, breaker.Status()["a-api"].Failures)
}

func TestExecuteWorkers_CancelledRun(t *testing.T) {
	breaker := NewBreaker(DefaultBreakerConfig())
	exec := NewExecutor(breaker, NewLimiter(1), nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	outputs, summary := exec.ExecuteWorkers(ctx, assign("a"), []Worker{okWorker("a", "a-api", 1)}, nil)
	assert.Equal(t, StatusError, outputs[0].Status)
	assert.Equal(t, DegradationAllFailed, summary.Degradation)
}

func TestPlanAll(t *testing.T) {
	a := okWorker("a", "a-api", 0)
	b := okWorker("b", "b-api", 0)
	b.planErr = errors.New("no coverage")

	plan, failures := PlanAll(Session{ID: "s"}, Intent{Destination: "Lisbon", Queries: []string{"food"}}, []Worker{a, b}, 5*time.Second)
	require.Len(t, plan.Assignments, 1)
	assert.Equal(t, "a", plan.Assignments[0].WorkerID)
	assert.Equal(t, []string{"food"}, plan.Assignments[0].Queries)
	assert.Equal(t, 5*time.Second, plan.Assignments[0].Timeout)
	assert.EqualError(t, failures["b"], "no coverage")
}

func TestExecuteWorkers_ReportedErrorIsFailure(t *testing.T) {
	breaker := NewBreaker(BreakerConfig{Threshold: 1, Window: time.Minute})
	exec := NewExecutor(breaker, NewLimiter(2), nil)
	cost := newFakeCost()
	quota := &stubWorker{id: "q", provider: "q-api", exec: func(context.Context, Assignment) (Output, error) {
		return Output{Status: StatusError, Error: "provider quota exhausted"}, nil
	}}

	outputs, summary := exec.ExecuteWorkers(context.Background(), assign("q"), []Worker{quota}, &Context{Cost: cost})
	require.Len(t, outputs, 1)
	assert.Equal(t, StatusError, outputs[0].Status)
	assert.Equal(t, "provider quota exhausted", outputs[0].Error)
	assert.NotNil(t, outputs[0].Candidates)
	assert.True(t, breaker.IsOpen("q-api"))
	assert.Zero(t, cost.calls["q-api"], "failed calls are not charged")
	assert.Equal(t, DegradationAllFailed, summary.Degradation)
}

func TestExecuteWorkers_ReportedSkipKept(t *testing.T) {
	breaker := NewBreaker(DefaultBreakerConfig())
	exec := NewExecutor(breaker, NewLimiter(2), nil)
	cost := newFakeCost()
	w := &stubWorker{id: "s", provider: "s-api", exec: func(context.Context, Assignment) (Output, error) {
		return Output{Status: StatusSkipped, Error: "no coverage for destination"}, nil
	}}

	outputs, summary := exec.ExecuteWorkers(context.Background(), assign("s"), []Worker{w}, &Context{Cost: cost})
	assert.Equal(t, StatusSkipped, outputs[0].Status)
	assert.Equal(t, "no coverage for destination", outputs[0].Error)
	assert.Equal(t, 1, summary.Skipped)
	assert.Empty(t, breaker.Status())
	assert.Zero(t, cost.calls["s-api"])
}

func TestExecuteWorkers_CircuitOpensWhileQueued(t *testing.T) {
	breaker := NewBreaker(BreakerConfig{Threshold: 1, Window: time.Minute})
	exec := NewExecutor(breaker, NewLimiter(1), nil)
	a, b, c := failWorker("a", "shared-api"), failWorker("b", "shared-api"), failWorker("c", "shared-api")

	outputs, summary := exec.ExecuteWorkers(context.Background(), assign("a", "b", "c"), []Worker{a, b, c}, nil)
	require.Len(t, outputs, 3)
	assert.Equal(t, 1, a.callCount()+b.callCount()+c.callCount(), "only the first admitted call reaches the provider")
	assert.Equal(t, 1, summary.Failed)
	assert.Equal(t, 2, summary.Skipped)
	for _, out := range outputs {
		if out.Status == StatusSkipped {
			assert.Contains(t, out.Error, "circuit open")
		}
	}
}
