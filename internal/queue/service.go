package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"costgate/internal/breaker"
	"costgate/internal/core"
	"costgate/internal/kvstore"
	"costgate/internal/provider"
)

const (
	resultKeyPrefix = "queue:result:"
	jobKeyPrefix    = "queue:job:"
	processingKey   = "queue:processing"
	rateLimitsKey   = "queue:ratelimits"

	// recordTTL bounds how long job payloads and results stay retrievable.
	recordTTL = 24 * time.Hour
)

// Dispatcher executes one job's generation.
type Dispatcher interface {
	Generate(ctx context.Context, req *core.GenerationRequest) (*core.GenerationResponse, error)
}

// Config tunes the worker pool.
type Config struct {
	Limits core.RateLimitConfig

	// PollInterval is the worker pool's tick. Default 5s.
	PollInterval time.Duration

	// DefaultJobTimeout applies to jobs that specify none. Default 2m.
	DefaultJobTimeout time.Duration
}

// Service is the async job queue: admission control at enqueue time, a
// durable priority queue, and a polling worker pool that executes jobs
// through the dispatcher.
//
// The in-process active set is the sole arbiter of the concurrency cap.
// A persisted processing index backs orphan detection after a restart.
type Service struct {
	dispatcher Dispatcher
	queue      JobQueue
	store      kvstore.Store
	breaker    *breaker.Breaker
	cfg        Config

	limitsMu sync.RWMutex
	limits   core.RateLimitConfig

	minute *slidingWindow
	hour   *slidingWindow

	activeMu sync.Mutex
	active   map[string]struct{}

	procMu sync.Mutex // serializes processing-index read-modify-write

	// terminalMu serializes terminal result writes so a finishing worker
	// and a concurrent cancellation cannot overwrite each other.
	terminalMu sync.Mutex

	completed      atomic.Int64
	failed         atomic.Int64
	rateLimitHits  atomic.Int64
	totalCostMicro atomic.Int64 // running cost sum in micro-dollars
	totalLatencyMs atomic.Int64

	done    chan struct{}
	wg      sync.WaitGroup
	started atomic.Bool
	stopped atomic.Bool
}

// NewService constructs the queue service. Rate limits persisted by a
// previous UpdateRateLimits call override cfg.Limits.
func NewService(dispatcher Dispatcher, q JobQueue, store kvstore.Store, b *breaker.Breaker, cfg Config) (*Service, error) {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.DefaultJobTimeout <= 0 {
		cfg.DefaultJobTimeout = 2 * time.Minute
	}
	if err := cfg.Limits.Validate(); err != nil {
		return nil, err
	}

	s := &Service{
		dispatcher: dispatcher,
		queue:      q,
		store:      store,
		breaker:    b,
		cfg:        cfg,
		limits:     cfg.Limits,
		minute:     newSlidingWindow(time.Minute),
		hour:       newSlidingWindow(time.Hour),
		active:     make(map[string]struct{}),
		done:       make(chan struct{}),
	}

	if persisted, ok := s.loadPersistedLimits(context.Background()); ok {
		s.limits = persisted
	}
	s.breaker.SetThreshold(s.limits.CircuitBreakerThreshold)

	return s, nil
}

// QueueLLMJob admits a job or rejects it without enqueuing. Rejections are
// terminal for this enqueue attempt: the caller may retry later.
func (s *Service) QueueLLMJob(ctx context.Context, req *core.GenerationRequest, priority core.JobPriority, timeoutSec int) (string, error) {
	if req == nil || len(req.Messages) == 0 {
		return "", core.NewInvalidRequestError("messages must not be empty", nil)
	}
	if priority == "" {
		priority = core.JobPriorityNormal
	}
	if !priority.Valid() {
		return "", core.NewInvalidRequestError(fmt.Sprintf("unknown priority %q", priority), nil)
	}

	if s.breaker.IsOpen() {
		s.rateLimitHits.Add(1)
		jobsRejected.WithLabelValues("circuit_open").Inc()
		return "", core.NewCircuitOpenError("")
	}

	estimated := provider.EstimateCost(req.Model, req)
	if err := s.admit(estimated); err != nil {
		return "", err
	}

	job := &core.Job{
		ID:            uuid.NewString(),
		Request:       req,
		Priority:      priority,
		EnqueuedAt:    time.Now().UTC(),
		EstimatedCost: estimated,
		TimeoutSec:    timeoutSec,
	}

	if err := s.writeJob(ctx, job); err != nil {
		return "", err
	}
	if err := s.writeResult(ctx, &core.JobResult{JobID: job.ID, Status: core.JobStatusPending}); err != nil {
		return "", err
	}
	if err := s.queue.Push(ctx, job); err != nil {
		return "", core.NewStoreUnavailableError("job enqueue failed", err)
	}

	s.minute.add(estimated)
	s.hour.add(estimated)
	jobsAdmitted.Inc()
	s.syncPendingGauge(ctx)

	return job.ID, nil
}

// admit applies the point-in-time rate and concurrency checks. Capacity is
// not reserved; the worker re-checks concurrency at job start.
func (s *Service) admit(estimated float64) error {
	s.limitsMu.RLock()
	limits := s.limits
	s.limitsMu.RUnlock()

	reject := func(reason, message string) error {
		s.rateLimitHits.Add(1)
		jobsRejected.WithLabelValues(reason).Inc()
		return core.NewRateLimitError(message)
	}

	minuteJobs, minuteCost := s.minute.totals()
	if minuteJobs+1 > limits.MaxJobsPerMinute {
		return reject("jobs_per_minute", fmt.Sprintf("per-minute job limit of %d reached", limits.MaxJobsPerMinute))
	}
	if minuteCost+estimated > limits.MaxCostPerMinute {
		return reject("cost_per_minute", fmt.Sprintf("per-minute cost limit of $%.2f reached", limits.MaxCostPerMinute))
	}

	_, hourCost := s.hour.totals()
	if hourCost+estimated > limits.MaxCostPerHour {
		return reject("cost_per_hour", fmt.Sprintf("per-hour cost limit of $%.2f reached", limits.MaxCostPerHour))
	}

	if s.activeCount() >= limits.MaxConcurrentJobs {
		return reject("concurrent_jobs", fmt.Sprintf("concurrency limit of %d reached", limits.MaxConcurrentJobs))
	}

	return nil
}

// GetJobResult returns the single result record for a job ID.
func (s *Service) GetJobResult(ctx context.Context, jobID string) (*core.JobResult, error) {
	data, err := s.store.Get(ctx, resultKeyPrefix+jobID)
	if err != nil {
		if errors.Is(err, kvstore.ErrNotFound) {
			return nil, core.NewNotFoundError(fmt.Sprintf("job %s not found", jobID))
		}
		return nil, core.NewStoreUnavailableError("job result read failed", err)
	}

	var result core.JobResult
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("unmarshal job result: %w", err)
	}
	return &result, nil
}

// CancelJob forces a non-terminal job to failed/"cancelled" and reports
// whether it did. A running job's in-flight provider call is not
// interrupted; its eventual outcome is discarded.
func (s *Service) CancelJob(ctx context.Context, jobID string) bool {
	result, err := s.GetJobResult(ctx, jobID)
	if err != nil {
		return false
	}
	if result.Status.Terminal() {
		return false
	}

	if err := s.queue.Remove(ctx, jobID); err != nil {
		slog.Warn("failed to remove cancelled job from queue", "job_id", jobID, "error", err)
	}
	if err := s.store.Delete(ctx, jobKeyPrefix+jobID); err != nil {
		slog.Warn("failed to delete cancelled job payload", "job_id", jobID, "error", err)
	}
	s.removeProcessing(ctx, jobID)

	now := time.Now().UTC()
	result.Status = core.JobStatusFailed
	result.Error = "cancelled"
	result.CompletedAt = &now

	// The job may have finished between the terminal check above and here;
	// whichever terminal write lands first stands.
	if !s.writeTerminal(ctx, result) {
		return false
	}

	s.failed.Add(1)
	jobsFinished.WithLabelValues("cancelled").Inc()
	s.syncPendingGauge(ctx)
	return true
}

// UpdateRateLimits validates, persists, and applies a new limit config.
// Persisted limits survive a restart.
func (s *Service) UpdateRateLimits(ctx context.Context, limits core.RateLimitConfig) error {
	if err := limits.Validate(); err != nil {
		return err
	}

	data, err := json.Marshal(limits)
	if err != nil {
		return fmt.Errorf("marshal rate limits: %w", err)
	}
	if err := s.store.Set(ctx, rateLimitsKey, data, 0); err != nil {
		return core.NewStoreUnavailableError("rate limit persist failed", err)
	}

	s.limitsMu.Lock()
	s.limits = limits
	s.limitsMu.Unlock()

	s.breaker.SetThreshold(limits.CircuitBreakerThreshold)

	slog.Info("rate limits updated",
		"max_concurrent_jobs", limits.MaxConcurrentJobs,
		"max_jobs_per_minute", limits.MaxJobsPerMinute,
		"max_cost_per_minute", limits.MaxCostPerMinute,
		"max_cost_per_hour", limits.MaxCostPerHour,
		"circuit_breaker_threshold", limits.CircuitBreakerThreshold,
	)
	return nil
}

// RateLimits returns the currently applied limits.
func (s *Service) RateLimits() core.RateLimitConfig {
	s.limitsMu.RLock()
	defer s.limitsMu.RUnlock()
	return s.limits
}

// Stats snapshots queue activity. Pending counts come from the durable
// queue, not a cached placeholder.
func (s *Service) Stats(ctx context.Context) core.QueueStats {
	pending, err := s.queue.Len(ctx)
	if err != nil {
		slog.Warn("failed to read queue depth", "error", err)
	}

	stats := core.QueueStats{
		ActiveJobs:    s.activeCount(),
		PendingJobs:   pending,
		Completed:     s.completed.Load(),
		Failed:        s.failed.Load(),
		RateLimitHits: s.rateLimitHits.Load(),
	}

	if stats.Completed > 0 {
		stats.AvgCost = float64(s.totalCostMicro.Load()) / 1e6 / float64(stats.Completed)
		stats.AvgLatencyMs = float64(s.totalLatencyMs.Load()) / float64(stats.Completed)
	}
	return stats
}

// syncPendingGauge refreshes the queue depth gauge after a push, pop, or
// removal. Best-effort.
func (s *Service) syncPendingGauge(ctx context.Context) {
	if pending, err := s.queue.Len(ctx); err == nil {
		pendingJobsGauge.Set(float64(pending))
	}
}

func (s *Service) activeCount() int {
	s.activeMu.Lock()
	defer s.activeMu.Unlock()
	return len(s.active)
}

func (s *Service) markActive(jobID string) {
	s.activeMu.Lock()
	s.active[jobID] = struct{}{}
	s.activeMu.Unlock()
	activeJobsGauge.Inc()
}

func (s *Service) unmarkActive(jobID string) {
	s.activeMu.Lock()
	delete(s.active, jobID)
	s.activeMu.Unlock()
	activeJobsGauge.Dec()
}

func (s *Service) writeJob(ctx context.Context, job *core.Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	if err := s.store.Set(ctx, jobKeyPrefix+job.ID, data, recordTTL); err != nil {
		return core.NewStoreUnavailableError("job persist failed", err)
	}
	return nil
}

func (s *Service) readJob(ctx context.Context, jobID string) (*core.Job, error) {
	data, err := s.store.Get(ctx, jobKeyPrefix+jobID)
	if err != nil {
		return nil, err
	}
	var job core.Job
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, fmt.Errorf("unmarshal job: %w", err)
	}
	return &job, nil
}

// writeTerminal persists result only if the stored record has not already
// reached a terminal state. The read-check-write runs under terminalMu, so
// once any terminal result lands, no later writer can overwrite it.
func (s *Service) writeTerminal(ctx context.Context, result *core.JobResult) bool {
	s.terminalMu.Lock()
	defer s.terminalMu.Unlock()

	if current, err := s.GetJobResult(ctx, result.JobID); err == nil && current.Status.Terminal() {
		return false
	}
	if err := s.writeResult(ctx, result); err != nil {
		slog.Error("failed to write terminal job result", "job_id", result.JobID, "error", err)
		return false
	}
	return true
}

func (s *Service) writeResult(ctx context.Context, result *core.JobResult) error {
	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("marshal job result: %w", err)
	}
	if err := s.store.Set(ctx, resultKeyPrefix+result.JobID, data, recordTTL); err != nil {
		return core.NewStoreUnavailableError("job result persist failed", err)
	}
	return nil
}

func (s *Service) loadPersistedLimits(ctx context.Context) (core.RateLimitConfig, bool) {
	data, err := s.store.Get(ctx, rateLimitsKey)
	if err != nil {
		if !errors.Is(err, kvstore.ErrNotFound) {
			slog.Warn("failed to load persisted rate limits", "error", err)
		}
		return core.RateLimitConfig{}, false
	}

	var limits core.RateLimitConfig
	if err := json.Unmarshal(data, &limits); err != nil {
		slog.Warn("corrupt persisted rate limits, using configured defaults", "error", err)
		return core.RateLimitConfig{}, false
	}
	if err := limits.Validate(); err != nil {
		slog.Warn("invalid persisted rate limits, using configured defaults", "error", err)
		return core.RateLimitConfig{}, false
	}
	return limits, true
}

// processing index: the persisted set of job IDs in processing state,
// used only for orphan detection after a restart.

func (s *Service) addProcessing(ctx context.Context, jobID string) {
	s.procMu.Lock()
	defer s.procMu.Unlock()

	ids := s.readProcessing(ctx)
	ids = append(ids, jobID)
	s.storeProcessing(ctx, ids)
}

func (s *Service) removeProcessing(ctx context.Context, jobID string) {
	s.procMu.Lock()
	defer s.procMu.Unlock()

	ids := s.readProcessing(ctx)
	kept := ids[:0]
	for _, id := range ids {
		if id != jobID {
			kept = append(kept, id)
		}
	}
	s.storeProcessing(ctx, kept)
}

func (s *Service) readProcessing(ctx context.Context) []string {
	data, err := s.store.Get(ctx, processingKey)
	if err != nil {
		if !errors.Is(err, kvstore.ErrNotFound) {
			slog.Warn("failed to read processing index", "error", err)
		}
		return nil
	}

	var ids []string
	if err := json.Unmarshal(data, &ids); err != nil {
		slog.Warn("corrupt processing index, resetting", "error", err)
		return nil
	}
	return ids
}

func (s *Service) storeProcessing(ctx context.Context, ids []string) {
	data, err := json.Marshal(ids)
	if err != nil {
		return
	}
	if err := s.store.Set(ctx, processingKey, data, 0); err != nil {
		slog.Warn("failed to write processing index", "error", err)
	}
}
