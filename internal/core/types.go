package core

import "time"

// Message represents a single message in a generation request.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// RoutePriority hints how the dispatcher should trade cost against quality.
type RoutePriority string

const (
	RoutePrioritySpeed    RoutePriority = "speed"
	RoutePriorityCost     RoutePriority = "cost"
	RoutePriorityBalanced RoutePriority = "balanced"
)

// GenerationRequest is a single generation request submitted to the dispatcher.
// It is immutable once submitted; the dispatcher copies it before adjusting
// model or temperature.
type GenerationRequest struct {
	Messages    []Message     `json:"messages"`
	Model       string        `json:"model,omitempty"`
	Temperature float64       `json:"temperature,omitempty"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	MaxCost     float64       `json:"max_cost,omitempty"`
	Priority    RoutePriority `json:"priority,omitempty"`
	CacheKey    string        `json:"cache_key,omitempty"`
	UserID      string        `json:"user_id,omitempty"`
	SessionID   string        `json:"session_id,omitempty"`
	JobID       string        `json:"job_id,omitempty"`
}

// Clone returns a shallow copy of the request. Messages are shared since
// they are never mutated after submission.
func (r *GenerationRequest) Clone() *GenerationRequest {
	c := *r
	return &c
}

// Usage represents token usage for a single generation.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// GenerationResponse is produced exactly once per accepted request.
// Cache hits reuse a prior response verbatim.
type GenerationResponse struct {
	Text         string  `json:"text"`
	Model        string  `json:"model"`
	Usage        Usage   `json:"usage"`
	Cost         float64 `json:"cost"`
	LatencyMs    int64   `json:"latency_ms"`
	Provider     string  `json:"provider"`
	FallbackUsed bool    `json:"fallback_used,omitempty"`
	Cached       bool    `json:"cached,omitempty"`
}

// JobPriority is the scheduling tier of an asynchronous job.
type JobPriority string

const (
	JobPriorityLow    JobPriority = "low"
	JobPriorityNormal JobPriority = "normal"
	JobPriorityHigh   JobPriority = "high"
	JobPriorityUrgent JobPriority = "urgent"
)

// Rank returns the numeric rank of the priority, higher is more urgent.
// Unknown priorities rank as normal.
func (p JobPriority) Rank() int {
	switch p {
	case JobPriorityUrgent:
		return 3
	case JobPriorityHigh:
		return 2
	case JobPriorityLow:
		return 0
	default:
		return 1
	}
}

// Valid reports whether p is one of the defined priority tiers.
func (p JobPriority) Valid() bool {
	switch p {
	case JobPriorityLow, JobPriorityNormal, JobPriorityHigh, JobPriorityUrgent:
		return true
	}
	return false
}

// Job wraps a GenerationRequest for asynchronous execution.
type Job struct {
	ID            string             `json:"id"`
	Request       *GenerationRequest `json:"request"`
	Priority      JobPriority        `json:"priority"`
	EnqueuedAt    time.Time          `json:"enqueued_at"`
	EstimatedCost float64            `json:"estimated_cost"`
	TimeoutSec    int                `json:"timeout_sec,omitempty"`
}

// JobStatus is the lifecycle state of a job.
// Transitions only move forward: pending -> processing -> terminal.
type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
	JobStatusTimeout    JobStatus = "timeout"
)

// Terminal reports whether the status is a terminal state.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusFailed, JobStatusTimeout:
		return true
	}
	return false
}

// JobResult is the single, in-place-overwritten record tracking a job.
type JobResult struct {
	JobID        string              `json:"job_id"`
	Status       JobStatus           `json:"status"`
	Response     *GenerationResponse `json:"response,omitempty"`
	Error        string              `json:"error,omitempty"`
	StartedAt    *time.Time          `json:"started_at,omitempty"`
	CompletedAt  *time.Time          `json:"completed_at,omitempty"`
	Cost         float64             `json:"cost,omitempty"`
	Tokens       int                 `json:"tokens,omitempty"`
	ProcessingMs int64               `json:"processing_ms,omitempty"`
}

// RateLimitConfig bounds queue admission and worker concurrency.
// All fields must be > 0.
type RateLimitConfig struct {
	MaxConcurrentJobs       int     `json:"max_concurrent_jobs"`
	MaxJobsPerMinute        int     `json:"max_jobs_per_minute"`
	MaxCostPerMinute        float64 `json:"max_cost_per_minute"`
	MaxCostPerHour          float64 `json:"max_cost_per_hour"`
	CircuitBreakerThreshold int     `json:"circuit_breaker_threshold"`
}

// Validate checks the invariant that every limit is positive.
func (c RateLimitConfig) Validate() error {
	if c.MaxConcurrentJobs <= 0 {
		return NewInvalidRequestError("max_concurrent_jobs must be > 0", nil)
	}
	if c.MaxJobsPerMinute <= 0 {
		return NewInvalidRequestError("max_jobs_per_minute must be > 0", nil)
	}
	if c.MaxCostPerMinute <= 0 {
		return NewInvalidRequestError("max_cost_per_minute must be > 0", nil)
	}
	if c.MaxCostPerHour <= 0 {
		return NewInvalidRequestError("max_cost_per_hour must be > 0", nil)
	}
	if c.CircuitBreakerThreshold <= 0 {
		return NewInvalidRequestError("circuit_breaker_threshold must be > 0", nil)
	}
	return nil
}

// BatchRequest is a GenerationRequest queued for deduplicated batch execution.
// Never mutated after creation.
type BatchRequest struct {
	ID          string             `json:"id"`
	Request     *GenerationRequest `json:"request"`
	Fingerprint string             `json:"fingerprint"`
	Priority    JobPriority        `json:"priority"`
	ArrivedAt   time.Time          `json:"arrived_at"`
}

// BatchResult is the outcome delivered to a batch caller, keyed by the
// caller's own request ID even when the generation was deduplicated.
type BatchResult struct {
	RequestID string              `json:"request_id"`
	Response  *GenerationResponse `json:"response,omitempty"`
	Error     string              `json:"error,omitempty"`
	Done      bool                `json:"done"`
}

// BudgetDecision is the outcome of a budget admission check.
type BudgetDecision struct {
	Allowed     bool    `json:"allowed"`
	UsedPercent float64 `json:"used_percent"`
	Reason      string  `json:"reason,omitempty"`
}

// BudgetCheck is the response of the pre-flight CheckBudget operation.
type BudgetCheck struct {
	WithinBudget     bool    `json:"within_budget"`
	EstimatedCost    float64 `json:"estimated_cost"`
	RecommendedModel string  `json:"recommended_model"`
	Reason           string  `json:"reason,omitempty"`
}

// QueueStats is a point-in-time snapshot of queue activity.
type QueueStats struct {
	ActiveJobs    int     `json:"active_jobs"`
	PendingJobs   int     `json:"pending_jobs"`
	Completed     int64   `json:"completed"`
	Failed        int64   `json:"failed"`
	AvgCost       float64 `json:"avg_cost"`
	AvgLatencyMs  float64 `json:"avg_latency_ms"`
	RateLimitHits int64   `json:"rate_limit_hits"`
}
