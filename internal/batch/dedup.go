// Package batch collects poolable generation requests, deduplicates them
// by content-similarity fingerprint, and executes one generation per unique
// fingerprint. Every caller receives a result keyed to its own request ID,
// even when the underlying generation ran once for many callers.
package batch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"costgate/internal/core"
	"costgate/internal/kvstore"
)

const resultKeyPrefix = "batch:result:"

// Dispatcher executes one deduplicated generation.
type Dispatcher interface {
	Generate(ctx context.Context, req *core.GenerationRequest) (*core.GenerationResponse, error)
}

// Config tunes batching behavior.
type Config struct {
	// MaxBatchSize triggers an early flush once this many requests are pending.
	MaxBatchSize int

	// FlushInterval is how often pending requests are processed regardless
	// of batch size.
	FlushInterval time.Duration

	// ResultTTL bounds how long results stay retrievable.
	ResultTTL time.Duration
}

func (c *Config) applyDefaults() {
	if c.MaxBatchSize <= 0 {
		c.MaxBatchSize = 20
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = 2 * time.Second
	}
	if c.ResultTTL <= 0 {
		c.ResultTTL = time.Hour
	}
}

// Deduplicator owns the pending batch and its background flush loop.
type Deduplicator struct {
	dispatcher Dispatcher
	store      kvstore.Store
	cfg        Config

	mu      sync.Mutex
	pending []*core.BatchRequest

	kick   chan struct{}
	done   chan struct{}
	wg     sync.WaitGroup
	closed atomic.Bool
}

// New creates a Deduplicator and starts its flush loop.
func New(dispatcher Dispatcher, store kvstore.Store, cfg Config) *Deduplicator {
	cfg.applyDefaults()

	d := &Deduplicator{
		dispatcher: dispatcher,
		store:      store,
		cfg:        cfg,
		kick:       make(chan struct{}, 1),
		done:       make(chan struct{}),
	}

	d.wg.Add(1)
	go d.flushLoop()

	return d
}

// Enqueue adds a request to the pending batch and returns the request ID
// the caller polls for its result. A pending placeholder result is written
// immediately so the ID resolves before the batch runs. Priority orders
// fingerprint groups within a flush; it does not split groups.
func (d *Deduplicator) Enqueue(ctx context.Context, req *core.GenerationRequest, priority core.JobPriority) (string, error) {
	if d.closed.Load() {
		return "", core.NewInvalidRequestError("batch deduplicator is shut down", nil)
	}
	if len(req.Messages) == 0 {
		return "", core.NewInvalidRequestError("messages must not be empty", nil)
	}
	if priority == "" {
		priority = core.JobPriorityNormal
	}
	if !priority.Valid() {
		return "", core.NewInvalidRequestError(fmt.Sprintf("invalid priority %q", priority), nil)
	}

	br := &core.BatchRequest{
		ID:          uuid.NewString(),
		Request:     req,
		Fingerprint: Fingerprint(req),
		Priority:    priority,
		ArrivedAt:   time.Now().UTC(),
	}

	if err := d.writeResult(ctx, &core.BatchResult{RequestID: br.ID}); err != nil {
		return "", err
	}

	d.mu.Lock()
	d.pending = append(d.pending, br)
	full := len(d.pending) >= d.cfg.MaxBatchSize
	d.mu.Unlock()

	if full {
		select {
		case d.kick <- struct{}{}:
		default:
		}
	}

	return br.ID, nil
}

// GetResult returns the result for a request ID. Done=false means the
// batch has not executed yet.
func (d *Deduplicator) GetResult(ctx context.Context, requestID string) (*core.BatchResult, error) {
	data, err := d.store.Get(ctx, resultKeyPrefix+requestID)
	if err != nil {
		if errors.Is(err, kvstore.ErrNotFound) {
			return nil, core.NewNotFoundError(fmt.Sprintf("batch request %s not found", requestID))
		}
		return nil, core.NewStoreUnavailableError("batch result read failed", err)
	}

	var result core.BatchResult
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("unmarshal batch result: %w", err)
	}
	return &result, nil
}

// Pending returns the number of requests awaiting the next flush.
func (d *Deduplicator) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

// ProcessBatch drains the pending batch, executes one generation per
// unique fingerprint, and fans each outcome out to every request ID in
// that fingerprint group. Returns the number of requests resolved.
func (d *Deduplicator) ProcessBatch(ctx context.Context) int {
	d.mu.Lock()
	batch := d.pending
	d.pending = nil
	d.mu.Unlock()

	if len(batch) == 0 {
		return 0
	}

	groups := make(map[string][]*core.BatchRequest)
	order := make([]string, 0, len(batch))
	for _, br := range batch {
		if _, seen := groups[br.Fingerprint]; !seen {
			order = append(order, br.Fingerprint)
		}
		groups[br.Fingerprint] = append(groups[br.Fingerprint], br)
	}

	// Higher-priority groups execute first; within a rank, arrival order holds.
	sort.SliceStable(order, func(i, j int) bool {
		return groupRank(groups[order[i]]) > groupRank(groups[order[j]])
	})

	resolved := 0
	for _, fp := range order {
		group := groups[fp]
		representative := group[0]

		resp, err := d.dispatcher.Generate(ctx, representative.Request)

		for _, br := range group {
			result := &core.BatchResult{RequestID: br.ID, Done: true}
			if err != nil {
				result.Error = err.Error()
			} else {
				result.Response = resp
			}
			if werr := d.writeResult(ctx, result); werr != nil {
				slog.Error("failed to write batch result",
					"request_id", br.ID, "error", werr)
				continue
			}
			resolved++
		}

		if len(group) > 1 {
			slog.Debug("deduplicated batch group",
				"fingerprint", fp, "members", len(group))
		}
	}

	return resolved
}

// Close flushes the remaining batch and stops the loop. Idempotent.
func (d *Deduplicator) Close() error {
	if d.closed.Swap(true) {
		return nil
	}
	close(d.done)
	d.wg.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	d.ProcessBatch(ctx)
	return nil
}

func (d *Deduplicator) flushLoop() {
	defer d.wg.Done()

	ticker := time.NewTicker(d.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			d.ProcessBatch(context.Background())
		case <-d.kick:
			d.ProcessBatch(context.Background())
		case <-d.done:
			return
		}
	}
}

// groupRank is the highest member priority; a duplicate inherits the most
// urgent caller's tier.
func groupRank(group []*core.BatchRequest) int {
	rank := group[0].Priority.Rank()
	for _, br := range group[1:] {
		if r := br.Priority.Rank(); r > rank {
			rank = r
		}
	}
	return rank
}

func (d *Deduplicator) writeResult(ctx context.Context, result *core.BatchResult) error {
	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("marshal batch result: %w", err)
	}
	if err := d.store.Set(ctx, resultKeyPrefix+result.RequestID, data, d.cfg.ResultTTL); err != nil {
		return core.NewStoreUnavailableError("batch result write failed", err)
	}
	return nil
}
