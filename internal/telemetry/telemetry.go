// Package telemetry records per-request usage events: model, tokens,
// realized cost, and how the request was served (cache hit, fallback,
// queued job). Events are buffered and written asynchronously so the
// dispatch path never waits on the event store.
package telemetry

import (
	"context"
	"time"
)

// Event is one completed generation (or a terminal failure).
type Event struct {
	ID           string    `json:"id"`
	RequestID    string    `json:"request_id"`
	UserID       string    `json:"user_id,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
	Model        string    `json:"model"`
	Provider     string    `json:"provider"`
	PromptTokens int       `json:"prompt_tokens"`
	OutputTokens int       `json:"output_tokens"`
	TotalTokens  int       `json:"total_tokens"`
	Cost         float64   `json:"cost"`
	LatencyMs    int64     `json:"latency_ms"`
	Cached       bool      `json:"cached"`
	FallbackUsed bool      `json:"fallback_used"`
	JobID        string    `json:"job_id,omitempty"`
	ErrorType    string    `json:"error_type,omitempty"`
}

// EventStore persists batches of events.
type EventStore interface {
	WriteBatch(ctx context.Context, events []*Event) error
	Close() error
}

// Recorder is the interface the dispatcher and worker depend on.
type Recorder interface {
	Record(event *Event)
	Close() error
}

// NoopRecorder discards all events. Used when telemetry is disabled.
type NoopRecorder struct{}

func (NoopRecorder) Record(_ *Event) {}
func (NoopRecorder) Close() error    { return nil }
