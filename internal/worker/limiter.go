package worker

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"
)

// LimiterStats is a snapshot of a Limiter.
type LimiterStats struct {
	InFlight int `json:"in_flight"`
	Queued   int `json:"queued"`
	Max      int `json:"max"`
}

// Limiter bounds how many tasks run at once. Waiting tasks are admitted in arrival
// order, and a task's slot is released whether it succeeds, fails or panics.
type Limiter struct {
	sem *semaphore.Weighted
	max int

	mu       sync.Mutex
	inFlight int
	queued   int
}

// NewLimiter returns a limiter admitting at most max concurrent tasks. max < 1 is treated as 1.
func NewLimiter(max int) *Limiter {
	if max < 1 {
		max = 1
	}
	return &Limiter{sem: semaphore.NewWeighted(int64(max)), max: max}
}

// Run waits for a free slot and then runs task. If ctx is done while waiting,
// task is not run and ctx's error is returned.
func (l *Limiter) Run(ctx context.Context, task func(context.Context) error) error {
	l.mu.Lock()
	l.queued++
	l.mu.Unlock()

	err := l.sem.Acquire(ctx, 1)

	l.mu.Lock()
	l.queued--
	if err == nil {
		l.inFlight++
	}
	l.mu.Unlock()
	if err != nil {
		return err
	}

	defer func() {
		l.mu.Lock()
		l.inFlight--
		l.mu.Unlock()
		l.sem.Release(1)
	}()
	return task(ctx)
}

// Stats returns the current in-flight and queued counts.
func (l *Limiter) Stats() LimiterStats {
	l.mu.Lock()
	defer l.mu.Unlock()
	return LimiterStats{InFlight: l.inFlight, Queued: l.queued, Max: l.max}
}

// Do runs fn through l and returns its result.
func Do[T any](ctx context.Context, l *Limiter, fn func(context.Context) (T, error)) (T, error) {
	var out T
	err := l.Run(ctx, func(ctx context.Context) error {
		var err error
		out, err = fn(ctx)
		return err
	})
	return out, err
}
