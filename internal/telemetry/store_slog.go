package telemetry

import (
	"context"
	"log/slog"
)

// SlogStore writes events to the structured log. This is the default
// sink when no database is configured, so usage data is never silently
// discarded.
type SlogStore struct{}

// NewSlogStore returns a store backed by the default slog logger.
func NewSlogStore() *SlogStore {
	return &SlogStore{}
}

// WriteBatch logs one line per event.
func (s *SlogStore) WriteBatch(_ context.Context, events []*Event) error {
	for _, e := range events {
		slog.Info("usage event",
			"request_id", e.RequestID,
			"user_id", e.UserID,
			"model", e.Model,
			"provider", e.Provider,
			"total_tokens", e.TotalTokens,
			"cost", e.Cost,
			"latency_ms", e.LatencyMs,
			"cached", e.Cached,
			"fallback_used", e.FallbackUsed,
			"job_id", e.JobID,
			"error_type", e.ErrorType,
		)
	}
	return nil
}

// Close does nothing.
func (s *SlogStore) Close() error {
	return nil
}
