// Package queue executes generation jobs asynchronously under admission
// control: per-minute job and cost rates, an hourly cost rate, a concurrency
// cap, and the provider circuit breaker all gate new work. Jobs are held in
// a durable priority queue and pulled by a polling worker pool.
package queue

import (
	"context"
	"errors"
	"sort"
	"sync"

	"costgate/internal/core"
)

// ErrEmpty is returned by Pop when no job is pending.
var ErrEmpty = errors.New("queue: no pending jobs")

// JobQueue is the durable priority queue holding pending job IDs. Ordering
// is priority tier first (urgent > high > normal > low), enqueue time second
// (FIFO within a tier). Job payloads live in the key-value store, keyed by
// ID, so a cancelled job can be dropped without touching queue internals.
type JobQueue interface {
	Push(ctx context.Context, job *core.Job) error
	Pop(ctx context.Context) (string, error)
	Remove(ctx context.Context, jobID string) error
	Len(ctx context.Context) (int, error)
}

// jobScore orders jobs for a min-pop queue: lower is sooner. Priority
// dominates; enqueue time in milliseconds breaks ties FIFO.
func jobScore(job *core.Job) float64 {
	return float64(3-job.Priority.Rank())*1e13 + float64(job.EnqueuedAt.UnixMilli())
}

type scoredID struct {
	id    string
	score float64
	seq   int
}

// MemoryQueue is the in-process JobQueue, used in tests and single-node
// deployments without an external store.
type MemoryQueue struct {
	mu      sync.Mutex
	entries []scoredID
	seq     int
}

// NewMemoryQueue creates an empty in-process queue.
func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{}
}

func (q *MemoryQueue) Push(_ context.Context, job *core.Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.seq++
	q.entries = append(q.entries, scoredID{id: job.ID, score: jobScore(job), seq: q.seq})
	sort.SliceStable(q.entries, func(i, j int) bool {
		if q.entries[i].score != q.entries[j].score {
			return q.entries[i].score < q.entries[j].score
		}
		return q.entries[i].seq < q.entries[j].seq
	})
	return nil
}

func (q *MemoryQueue) Pop(_ context.Context) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.entries) == 0 {
		return "", ErrEmpty
	}
	id := q.entries[0].id
	q.entries = q.entries[1:]
	return id, nil
}

func (q *MemoryQueue) Remove(_ context.Context, jobID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	for i, e := range q.entries {
		if e.id == jobID {
			q.entries = append(q.entries[:i], q.entries[i+1:]...)
			return nil
		}
	}
	return nil
}

func (q *MemoryQueue) Len(_ context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries), nil
}
