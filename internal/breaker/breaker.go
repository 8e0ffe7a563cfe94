// Package breaker implements a consecutive-failure circuit breaker.
//
// The breaker opens once the consecutive-failure counter reaches the
// configured threshold and fast-fails new work while open. It closes again
// on the next recorded success. There is no timed half-open state: a probe
// call must be made by the caller (e.g. a scheduled health check) to
// produce that success. State is process-local and not shared across
// instances.
package breaker

import (
	"log/slog"
	"sync"
)

// DefaultThreshold opens the breaker after this many consecutive failures
// when no threshold is configured.
const DefaultThreshold = 5

// Breaker tracks consecutive provider failures.
type Breaker struct {
	mu        sync.Mutex
	threshold int
	failures  int
	open      bool
}

// New creates a closed breaker with the given consecutive-failure threshold.
func New(threshold int) *Breaker {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	return &Breaker{threshold: threshold}
}

// Allow reports whether a call may proceed. Returns false while open.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return !b.open
}

// RecordSuccess resets the failure counter and closes the breaker.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.open {
		slog.Info("circuit breaker closed after success")
	}
	b.failures = 0
	b.open = false
}

// RecordFailure increments the consecutive-failure counter and opens the
// breaker once the threshold is reached.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures++
	if !b.open && b.failures >= b.threshold {
		b.open = true
		slog.Warn("circuit breaker opened", "consecutive_failures", b.failures, "threshold", b.threshold)
	}
}

// IsOpen reports whether the breaker is currently open.
func (b *Breaker) IsOpen() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.open
}

// Failures returns the current consecutive-failure count.
func (b *Breaker) Failures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures
}

// SetThreshold updates the failure threshold at runtime. Lowering the
// threshold below the current counter opens the breaker at the next failure,
// not immediately.
func (b *Breaker) SetThreshold(threshold int) {
	if threshold <= 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.threshold = threshold
}
