// Package cost accumulates provider usage (tokens, API calls, quota units) for one run.
// Turning usage into money is left to callers; the tracker only counts.
package cost

import (
	"sort"
	"sync"
)

// ProviderUsage is the usage attributed to one provider.
type ProviderUsage struct {
	Provider     string `json:"provider"`
	InputTokens  int64  `json:"input_tokens"`
	OutputTokens int64  `json:"output_tokens"`
	APICalls     int64  `json:"api_calls"`
	QuotaUnits   int64  `json:"quota_units"`
}

// Usage is a point-in-time snapshot of a Tracker.
type Usage struct {
	InputTokens  int64           `json:"input_tokens"`
	OutputTokens int64           `json:"output_tokens"`
	APICalls     int64           `json:"api_calls"`
	QuotaUnits   int64           `json:"quota_units"`
	Providers    []ProviderUsage `json:"providers"`
}

// Tracker is safe for concurrent use by in-flight workers.
type Tracker struct {
	mu        sync.Mutex
	providers map[string]*ProviderUsage
}

// NewTracker returns an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{providers: make(map[string]*ProviderUsage)}
}

func (t *Tracker) provider(name string) *ProviderUsage {
	p, ok := t.providers[name]
	if !ok {
		p = &ProviderUsage{Provider: name}
		t.providers[name] = p
	}
	return p
}

// AddTokenUsage records input/output tokens consumed by a provider.
func (t *Tracker) AddTokenUsage(provider string, input, output int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p := t.provider(provider)
	p.InputTokens += input
	p.OutputTokens += output
}

// AddAPICalls records n calls made to a provider.
func (t *Tracker) AddAPICalls(provider string, n int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.provider(provider).APICalls += n
}

// AddQuotaUnits records n quota units consumed at a provider.
func (t *Tracker) AddQuotaUnits(provider string, n int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.provider(provider).QuotaUnits += n
}

// Usage returns totals plus a per-provider breakdown sorted by provider name.
func (t *Tracker) Usage() Usage {
	t.mu.Lock()
	defer t.mu.Unlock()
	u := Usage{Providers: make([]ProviderUsage, 0, len(t.providers))}
	for _, p := range t.providers {
		u.InputTokens += p.InputTokens
		u.OutputTokens += p.OutputTokens
		u.APICalls += p.APICalls
		u.QuotaUnits += p.QuotaUnits
		u.Providers = append(u.Providers, *p)
	}
	sort.Slice(u.Providers, func(i, j int) bool {
		return u.Providers[i].Provider < u.Providers[j].Provider
	})
	return u
}

// Reset discards all recorded usage.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.providers = make(map[string]*ProviderUsage)
}
