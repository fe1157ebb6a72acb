// Package providers holds the concrete data-source workers.
package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/lucasnoah/wayfinder/internal/prompt"
	"github.com/lucasnoah/wayfinder/internal/worker"
)

// HTTPConfig configures one HTTP JSON provider.
type HTTPConfig struct {
	ID         string
	Provider   string // breaker key; defaults to ID
	Endpoint   string
	MaxResults int
	Timeout    time.Duration
	Headers    map[string]string

	// QueryTemplates rephrase the request for this provider; empty means use the request's queries.
	QueryTemplates []string
}

// Request is the body POSTed to a provider endpoint.
type Request struct {
	SessionID  string   `json:"session_id"`
	RunID      string   `json:"run_id"`
	Queries    []string `json:"queries"`
	MaxResults int      `json:"max_results"`
}

// Response is what a provider endpoint returns.
type Response struct {
	Candidates []worker.Candidate `json:"candidates"`
	Partial    bool               `json:"partial,omitempty"`
	Usage      *struct {
		InputTokens  int64 `json:"input_tokens"`
		OutputTokens int64 `json:"output_tokens"`
	} `json:"usage,omitempty"`
}

// HTTPWorker sends each assignment to a JSON endpoint.
type HTTPWorker struct {
	cfg    HTTPConfig
	client *http.Client
}

// NewHTTPWorker creates a worker for cfg. If client is nil, http.DefaultClient is used.
func NewHTTPWorker(cfg HTTPConfig, client *http.Client) *HTTPWorker {
	if client == nil {
		client = http.DefaultClient
	}
	if cfg.Provider == "" {
		cfg.Provider = cfg.ID
	}
	return &HTTPWorker{cfg: cfg, client: client}
}

func (w *HTTPWorker) ID() string       { return w.cfg.ID }
func (w *HTTPWorker) Provider() string { return w.cfg.Provider }

// Plan asks for every query of the request, or the rendered query templates when the provider
// has any, capped at the configured result count.
func (w *HTTPWorker) Plan(_ worker.Session, intent worker.Intent) (worker.Assignment, error) {
	queries := intent.Queries
	if len(w.cfg.QueryTemplates) > 0 {
		rendered, err := prompt.Queries(w.cfg.QueryTemplates, intent)
		if err != nil {
			return worker.Assignment{}, fmt.Errorf("%s: query templates: %w", w.cfg.ID, err)
		}
		queries = rendered
	}
	if len(queries) == 0 && intent.Destination != "" {
		queries = []string{intent.Destination}
	}
	if len(queries) == 0 {
		return worker.Assignment{}, errors.New("nothing to query")
	}
	return worker.Assignment{
		WorkerID:   w.cfg.ID,
		Queries:    queries,
		MaxResults: w.cfg.MaxResults,
		Timeout:    w.cfg.Timeout,
	}, nil
}

// Execute POSTs the assignment and decodes the candidates. Any non-2xx status is an error.
func (w *HTTPWorker) Execute(ctx context.Context, a worker.Assignment, wc *worker.Context) (worker.Output, error) {
	req := Request{Queries: a.Queries, MaxResults: a.MaxResults}
	if wc != nil {
		req.SessionID, req.RunID = wc.SessionID, wc.RunID
	}
	body, err := json.Marshal(req)
	if err != nil {
		return worker.Output{}, fmt.Errorf("%s: marshal request: %w", w.cfg.ID, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, w.cfg.Endpoint, bytes.NewReader(body))
	if err != nil {
		return worker.Output{}, fmt.Errorf("%s: new request: %w", w.cfg.ID, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	for k, v := range w.cfg.Headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := w.client.Do(httpReq)
	if err != nil {
		return worker.Output{}, fmt.Errorf("%s: post %q: %w", w.cfg.ID, w.cfg.Endpoint, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return worker.Output{}, fmt.Errorf("%s: read body: %w", w.cfg.ID, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return worker.Output{}, fmt.Errorf("%s: status %d: %s", w.cfg.ID, resp.StatusCode, snippet(data))
	}

	var decoded Response
	if err := json.Unmarshal(data, &decoded); err != nil {
		return worker.Output{}, fmt.Errorf("%s: decode response: %w", w.cfg.ID, err)
	}

	out := worker.Output{WorkerID: w.cfg.ID, Status: worker.StatusOK, Candidates: decoded.Candidates}
	if out.Candidates == nil {
		out.Candidates = []worker.Candidate{}
	}
	if a.MaxResults > 0 && len(out.Candidates) > a.MaxResults {
		out.Candidates = out.Candidates[:a.MaxResults]
	}
	for i := range out.Candidates {
		if out.Candidates[i].Source == "" {
			out.Candidates[i].Source = w.cfg.Provider
		}
	}
	if decoded.Partial {
		out.Status = worker.StatusPartial
	}
	if decoded.Usage != nil {
		out.TokenUsage = &worker.TokenUsage{Input: decoded.Usage.InputTokens, Output: decoded.Usage.OutputTokens}
	}
	return out, nil
}

func snippet(b []byte) string {
	s := strings.TrimSpace(string(b))
	if len(s) > 200 {
		s = s[:200] + "..."
	}
	return s
}

// RegisterAll adds one HTTP worker per config to the registry. All workers share client.
func RegisterAll(reg *worker.Registry, cfgs []HTTPConfig, client *http.Client) {
	for _, cfg := range cfgs {
		reg.Register(cfg.ID, func() worker.Worker { return NewHTTPWorker(cfg, client) })
	}
}
