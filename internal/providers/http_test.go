package providers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/lucasnoah/wayfinder/internal/worker"
)

func TestHTTPWorker_Execute(t *testing.T) {
	var got Request
	var gotKey string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s", r.Method)
		}
		gotKey = r.Header.Get("X-Api-Key")
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"candidates":[{"title":"A"},{"title":"B","source":"custom"},{"title":"C"}],"usage":{"input_tokens":12,"output_tokens":30}}`))
	}))
	defer ts.Close()

	w := NewHTTPWorker(HTTPConfig{ID: "places", Provider: "places-api", Endpoint: ts.URL, MaxResults: 2, Headers: map[string]string{"X-Api-Key": "k"}}, nil)
	a, err := w.Plan(worker.Session{ID: "s"}, worker.Intent{Destination: "Rome", Queries: []string{"pasta"}})
	if err != nil {
		t.Fatal(err)
	}
	out, err := w.Execute(context.Background(), a, &worker.Context{SessionID: "s", RunID: "r"})
	if err != nil {
		t.Fatal(err)
	}

	if got.RunID != "r" || len(got.Queries) != 1 || got.Queries[0] != "pasta" || got.MaxResults != 2 {
		t.Errorf("request = %+v", got)
	}
	if gotKey != "k" {
		t.Errorf("header = %q", gotKey)
	}
	if out.Status != worker.StatusOK || len(out.Candidates) != 2 {
		t.Fatalf("output = %+v", out)
	}
	if out.Candidates[0].Source != "places-api" || out.Candidates[1].Source != "custom" {
		t.Errorf("sources = %q %q", out.Candidates[0].Source, out.Candidates[1].Source)
	}
	if out.TokenUsage == nil || out.TokenUsage.Input != 12 || out.TokenUsage.Output != 30 {
		t.Errorf("usage = %+v", out.TokenUsage)
	}
}

func TestHTTPWorker_Partial(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"candidates":[],"partial":true}`))
	}))
	defer ts.Close()

	w := NewHTTPWorker(HTTPConfig{ID: "p", Endpoint: ts.URL}, nil)
	out, err := w.Execute(context.Background(), worker.Assignment{Queries: []string{"q"}}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if out.Status != worker.StatusPartial || out.Candidates == nil {
		t.Errorf("output = %+v", out)
	}
	if w.Provider() != "p" {
		t.Errorf("provider defaults to id, got %q", w.Provider())
	}
}

func TestHTTPWorker_Errors(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		wantErr string
	}{
		{"server error", 503, "overloaded", "status 503: overloaded"},
		{"bad json", 200, "{", "decode response"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			}))
			defer ts.Close()

			w := NewHTTPWorker(HTTPConfig{ID: "p", Endpoint: ts.URL}, nil)
			_, err := w.Execute(context.Background(), worker.Assignment{}, nil)
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("err = %v, want %q", err, tt.wantErr)
			}
		})
	}
}

func TestHTTPWorker_ThroughExecutor(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(time.Second):
		}
	}))
	defer ts.Close()

	hw := NewHTTPWorker(HTTPConfig{ID: "slow", Endpoint: ts.URL, Timeout: 30 * time.Millisecond}, nil)
	a, _ := hw.Plan(worker.Session{}, worker.Intent{Destination: "Rome"})
	exec := worker.NewExecutor(worker.NewBreaker(worker.DefaultBreakerConfig()), worker.NewLimiter(1), nil)

	outs, summary := exec.ExecuteWorkers(context.Background(), worker.Plan{Assignments: []worker.Assignment{a}}, []worker.Worker{hw}, nil)
	if outs[0].Status != worker.StatusError {
		t.Errorf("output = %+v", outs[0])
	}
	if summary.Degradation != worker.DegradationAllFailed {
		t.Errorf("degradation = %s", summary.Degradation)
	}
}

func TestHTTPWorker_PlanNeedsQuery(t *testing.T) {
	w := NewHTTPWorker(HTTPConfig{ID: "p"}, nil)
	if _, err := w.Plan(worker.Session{}, worker.Intent{}); err == nil {
		t.Error("expected error")
	}
}

func TestHTTPWorker_PlanQueryTemplates(t *testing.T) {
	w := NewHTTPWorker(HTTPConfig{
		ID:             "events",
		MaxResults:     5,
		QueryTemplates: []string{"{{interest}} events in {{destination}}{{#if dates}} {{dates}}{{/if}}"},
	}, nil)
	a, err := w.Plan(worker.Session{}, worker.Intent{
		Destination: "Berlin",
		TravelDates: "March",
		Interests:   []string{"jazz", "techno"},
		Queries:     []string{"ignored"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(a.Queries) != 2 || a.Queries[0] != "jazz events in Berlin March" || a.Queries[1] != "techno events in Berlin March" {
		t.Errorf("queries = %q", a.Queries)
	}
	if a.WorkerID != "events" || a.MaxResults != 5 {
		t.Errorf("assignment = %+v", a)
	}

	bad := NewHTTPWorker(HTTPConfig{ID: "bad", QueryTemplates: []string{"{{city}}"}}, nil)
	if _, err := bad.Plan(worker.Session{}, worker.Intent{Destination: "Berlin"}); err == nil || !strings.Contains(err.Error(), "bad") {
		t.Errorf("expected template error naming the worker, got %v", err)
	}
}

func TestRegisterAll(t *testing.T) {
	reg := worker.NewRegistry()
	RegisterAll(reg, []HTTPConfig{{ID: "b", Endpoint: "http://b"}, {ID: "a", Provider: "a-api", Endpoint: "http://a"}}, nil)

	ws, err := reg.All()
	if err != nil {
		t.Fatal(err)
	}
	if len(ws) != 2 || ws[0].ID() != "a" || ws[0].Provider() != "a-api" || ws[1].Provider() != "b" {
		t.Errorf("workers = %v", reg.IDs())
	}
}
