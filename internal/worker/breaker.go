package worker

import (
	"sort"
	"sync"
	"time"
)

// BreakerConfig configures when a provider's circuit opens.
type BreakerConfig struct {
	Threshold int           // consecutive failures that open the circuit
	Window    time.Duration // failures further apart than this do not accumulate
}

// DefaultBreakerConfig opens after 5 failures within 60s.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{Threshold: 5, Window: 60 * time.Second}
}

// BreakerStatus is the state of one provider's circuit.
type BreakerStatus struct {
	Provider      string    `json:"provider"`
	Failures      int       `json:"failures"`
	Open          bool      `json:"open"`
	WindowStart   time.Time `json:"window_start,omitzero"`
	LastFailureAt time.Time `json:"last_failure_at,omitzero"`
	OpenedAt      time.Time `json:"opened_at,omitzero"`
}

type circuit struct {
	failures    int
	open        bool
	windowStart time.Time
	lastFailure time.Time
	openedAt    time.Time
}

// Breaker tracks consecutive failures per provider. An open circuit stays open until
// RecordSuccess or Reset; there is no half-open probing. Reset at each run boundary.
type Breaker struct {
	cfg BreakerConfig
	now func() time.Time

	mu       sync.Mutex
	circuits map[string]*circuit
}

// NewBreaker returns a breaker with all circuits closed. Zero config fields take defaults.
func NewBreaker(cfg BreakerConfig) *Breaker {
	def := DefaultBreakerConfig()
	if cfg.Threshold < 1 {
		cfg.Threshold = def.Threshold
	}
	if cfg.Window <= 0 {
		cfg.Window = def.Window
	}
	return &Breaker{cfg: cfg, now: time.Now, circuits: make(map[string]*circuit)}
}

func (b *Breaker) circuit(provider string) *circuit {
	c, ok := b.circuits[provider]
	if !ok {
		c = &circuit{}
		b.circuits[provider] = c
	}
	return c
}

// RecordSuccess clears the provider's failure count and closes its circuit.
func (b *Breaker) RecordSuccess(provider string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	c := b.circuit(provider)
	c.failures = 0
	c.open = false
	c.windowStart = time.Time{}
	c.openedAt = time.Time{}
}

// RecordFailure counts a failure and reports whether the circuit is now open.
func (b *Breaker) RecordFailure(provider string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.now()
	c := b.circuit(provider)
	if c.failures == 0 || now.Sub(c.windowStart) > b.cfg.Window {
		c.failures = 0
		c.windowStart = now
	}
	c.failures++
	c.lastFailure = now
	if !c.open && c.failures >= b.cfg.Threshold {
		c.open = true
		c.openedAt = now
	}
	return c.open
}

// Trip opens a provider's circuit immediately.
func (b *Breaker) Trip(provider string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	c := b.circuit(provider)
	if !c.open {
		c.open = true
		c.openedAt = b.now()
	}
}

// IsOpen reports whether calls to provider should be skipped.
func (b *Breaker) IsOpen(provider string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	c, ok := b.circuits[provider]
	return ok && c.open
}

// Status returns a snapshot of every tracked provider.
func (b *Breaker) Status() map[string]BreakerStatus {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[string]BreakerStatus, len(b.circuits))
	for p, c := range b.circuits {
		out[p] = BreakerStatus{
			Provider:      p,
			Failures:      c.failures,
			Open:          c.open,
			WindowStart:   c.windowStart,
			LastFailureAt: c.lastFailure,
			OpenedAt:      c.openedAt,
		}
	}
	return out
}

// OpenProviders returns the providers whose circuit is open, sorted.
func (b *Breaker) OpenProviders() []string {
	var open []string
	for p, st := range b.Status() {
		if st.Open {
			open = append(open, p)
		}
	}
	sort.Strings(open)
	return open
}

// Reset closes every circuit and forgets all failures.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.circuits = make(map[string]*circuit)
}
