package queue

import (
	"sync"
	"time"
)

type sample struct {
	at   time.Time
	cost float64
}

// slidingWindow tracks admissions over a rolling span for rate limiting.
// Samples older than the span are pruned on every access.
type slidingWindow struct {
	mu      sync.Mutex
	span    time.Duration
	samples []sample
	now     func() time.Time
}

func newSlidingWindow(span time.Duration) *slidingWindow {
	return &slidingWindow{span: span, now: time.Now}
}

func (w *slidingWindow) add(cost float64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.prune()
	w.samples = append(w.samples, sample{at: w.now(), cost: cost})
}

// totals returns the count and summed cost of samples inside the window.
func (w *slidingWindow) totals() (int, float64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.prune()

	cost := 0.0
	for _, s := range w.samples {
		cost += s.cost
	}
	return len(w.samples), cost
}

func (w *slidingWindow) prune() {
	cutoff := w.now().Add(-w.span)
	i := 0
	for i < len(w.samples) && w.samples[i].at.Before(cutoff) {
		i++
	}
	if i > 0 {
		w.samples = w.samples[i:]
	}
}
