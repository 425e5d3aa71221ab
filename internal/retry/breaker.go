package retry

import (
	"context"
	"sync"
	"time"
)

const (
	DefaultBreakerThreshold = 10
	DefaultBreakerWindow    = 5 * time.Minute
	DefaultBreakerCooldown  = 2 * time.Minute
)

// Breaker is the circuit breaker guarding the ERP during sustained failure.
// Failure outcomes across all jobs feed it; while open, the orchestrator
// pauses dequeuing entirely.
type Breaker interface {
	// Allow reports whether dispatching is currently permitted.
	Allow(ctx context.Context) (bool, error)
	// RecordFailure registers a failed outcome and reports whether this
	// failure tripped the breaker open.
	RecordFailure(ctx context.Context) (bool, error)
	// RecordSuccess registers a successful outcome, clearing the current
	// failure streak.
	RecordSuccess(ctx context.Context) error
}

var _ Breaker = (*WindowBreaker)(nil)

// WindowBreaker is the in-process Breaker: a sliding-window failure count
// that opens for a cooldown once the threshold is reached. Suitable for a
// single orchestrator process; multi-worker deployments share state through
// the Redis implementation instead.
type WindowBreaker struct {
	mu        sync.Mutex
	threshold int
	window    time.Duration
	cooldown  time.Duration
	failures  []time.Time
	openUntil time.Time
	now       func() time.Time
}

func NewWindowBreaker(threshold int, window, cooldown time.Duration) *WindowBreaker {
	if threshold < 1 {
		threshold = DefaultBreakerThreshold
	}
	if window <= 0 {
		window = DefaultBreakerWindow
	}
	if cooldown <= 0 {
		cooldown = DefaultBreakerCooldown
	}

	return &WindowBreaker{
		threshold: threshold,
		window:    window,
		cooldown:  cooldown,
		now:       time.Now,
	}
}

func (b *WindowBreaker) Allow(_ context.Context) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.now().After(b.openUntil), nil
}

func (b *WindowBreaker) RecordFailure(_ context.Context) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	b.prune(now)
	b.failures = append(b.failures, now)

	if len(b.failures) >= b.threshold {
		b.openUntil = now.Add(b.cooldown)
		b.failures = nil
		return true, nil
	}

	return false, nil
}

func (b *WindowBreaker) RecordSuccess(_ context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = nil
	return nil
}

func (b *WindowBreaker) prune(now time.Time) {
	cutoff := now.Add(-b.window)
	kept := b.failures[:0]
	for _, at := range b.failures {
		if at.After(cutoff) {
			kept = append(kept, at)
		}
	}
	b.failures = kept
}
