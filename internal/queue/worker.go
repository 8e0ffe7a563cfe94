package queue

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"costgate/internal/core"
	"costgate/internal/kvstore"
)

// Start launches the worker pool's poll loop. It first reconciles jobs
// left in processing state by a previous process. Safe to call once.
func (s *Service) Start() {
	if s.started.Swap(true) {
		return
	}

	s.reconcileOrphans(context.Background())

	s.wg.Add(1)
	go s.pollLoop()
}

// Stop halts the poller and waits for running jobs to finish their
// bookkeeping. In-flight provider calls run to completion.
func (s *Service) Stop() {
	if !s.started.Load() || s.stopped.Swap(true) {
		return
	}
	close(s.done)
	s.wg.Wait()
}

func (s *Service) pollLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.pollOnce(context.Background())
		case <-s.done:
			return
		}
	}
}

// pollOnce fills free worker slots from the queue. Higher priority tiers
// drain first; within a tier, jobs start in enqueue order. A running job
// is never preempted.
func (s *Service) pollOnce(ctx context.Context) {
	if s.breaker.IsOpen() {
		return
	}

	s.limitsMu.RLock()
	maxConcurrent := s.limits.MaxConcurrentJobs
	s.limitsMu.RUnlock()

	for s.activeCount() < maxConcurrent {
		jobID, err := s.queue.Pop(ctx)
		if err != nil {
			if !errors.Is(err, ErrEmpty) {
				slog.Warn("queue pop failed", "error", err)
			}
			return
		}

		job, err := s.readJob(ctx, jobID)
		if err != nil {
			// Payload gone: the job was cancelled between push and pop.
			if !errors.Is(err, kvstore.ErrNotFound) {
				slog.Warn("failed to load job payload", "job_id", jobID, "error", err)
			}
			continue
		}

		s.markActive(job.ID)
		s.syncPendingGauge(ctx)
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.runJob(job)
		}()
	}
}

// runJob executes one job through the dispatcher under the job's timeout
// and writes the terminal result, unless cancellation already wrote one.
func (s *Service) runJob(job *core.Job) {
	ctx := context.Background()
	defer s.unmarkActive(job.ID)

	started := time.Now().UTC()
	if err := s.writeResult(ctx, &core.JobResult{
		JobID:     job.ID,
		Status:    core.JobStatusProcessing,
		StartedAt: &started,
	}); err != nil {
		slog.Error("failed to mark job processing", "job_id", job.ID, "error", err)
	}
	s.addProcessing(ctx, job.ID)
	defer s.removeProcessing(ctx, job.ID)

	timeout := s.cfg.DefaultJobTimeout
	if job.TimeoutSec > 0 {
		timeout = time.Duration(job.TimeoutSec) * time.Second
	}
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	resp, err := s.dispatcher.Generate(execCtx, job.Request)
	cancel()

	completed := time.Now().UTC()
	processingMs := completed.Sub(started).Milliseconds()

	result := &core.JobResult{
		JobID:        job.ID,
		StartedAt:    &started,
		CompletedAt:  &completed,
		ProcessingMs: processingMs,
	}

	switch {
	case err == nil:
		result.Status = core.JobStatusCompleted
		result.Response = resp
		result.Cost = resp.Cost
		result.Tokens = resp.Usage.TotalTokens

	case errors.Is(err, context.DeadlineExceeded) || errors.Is(execCtx.Err(), context.DeadlineExceeded):
		result.Status = core.JobStatusTimeout
		result.Error = err.Error()

	default:
		result.Status = core.JobStatusFailed
		result.Error = err.Error()
	}

	// Cancellation may have written a terminal result while the call was
	// in flight; that result wins and this outcome is discarded.
	if !s.writeTerminal(ctx, result) {
		slog.Info("discarding outcome of cancelled job", "job_id", job.ID)
		return
	}

	switch result.Status {
	case core.JobStatusCompleted:
		s.completed.Add(1)
		s.totalCostMicro.Add(int64(result.Cost * 1e6))
		s.totalLatencyMs.Add(processingMs)
		jobsFinished.WithLabelValues("completed").Inc()
	case core.JobStatusTimeout:
		s.failed.Add(1)
		jobsFinished.WithLabelValues("timeout").Inc()
	default:
		s.failed.Add(1)
		jobsFinished.WithLabelValues("failed").Inc()
	}

	if derr := s.store.Delete(ctx, jobKeyPrefix+job.ID); derr != nil {
		slog.Warn("failed to delete finished job payload", "job_id", job.ID, "error", derr)
	}
}

// orphanGraceFactor scales the poll interval into the grace period after
// which a processing job from a dead process is declared orphaned.
const orphanGraceFactor = 3

// reconcileOrphans marks jobs stuck in processing state past the grace
// period as failed/"orphaned". Terminal-mark rather than re-queue: the
// original attempt may have spent budget already.
func (s *Service) reconcileOrphans(ctx context.Context) {
	s.procMu.Lock()
	ids := s.readProcessing(ctx)
	s.procMu.Unlock()

	if len(ids) == 0 {
		return
	}

	grace := s.cfg.PollInterval * orphanGraceFactor
	now := time.Now().UTC()
	var kept []string

	for _, id := range ids {
		result, err := s.GetJobResult(ctx, id)
		if err != nil || result.Status.Terminal() {
			continue
		}
		if result.Status == core.JobStatusProcessing &&
			result.StartedAt != nil && now.Sub(*result.StartedAt) > grace {

			completed := now
			result.Status = core.JobStatusFailed
			result.Error = "orphaned"
			result.CompletedAt = &completed

			if !s.writeTerminal(ctx, result) {
				kept = append(kept, id)
				continue
			}
			_ = s.store.Delete(ctx, jobKeyPrefix+id)
			s.failed.Add(1)
			jobsFinished.WithLabelValues("orphaned").Inc()
			slog.Warn("marked orphaned job failed", "job_id", id)
			continue
		}
		kept = append(kept, id)
	}

	s.procMu.Lock()
	s.storeProcessing(ctx, kept)
	s.procMu.Unlock()
}
