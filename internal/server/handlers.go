// Package server provides the HTTP surface of the dispatcher: synchronous
// generation, budget pre-flight, async jobs, batch deduplication, queue
// administration, and a breaker probe.
package server

import (
	"context"
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"costgate/internal/core"
)

// Generator is the synchronous dispatch surface.
type Generator interface {
	Generate(ctx context.Context, req *core.GenerationRequest) (*core.GenerationResponse, error)
	CheckBudget(ctx context.Context, req *core.GenerationRequest) core.BudgetCheck
}

// Jobs is the async queue surface.
type Jobs interface {
	QueueLLMJob(ctx context.Context, req *core.GenerationRequest, priority core.JobPriority, timeoutSec int) (string, error)
	GetJobResult(ctx context.Context, jobID string) (*core.JobResult, error)
	CancelJob(ctx context.Context, jobID string) bool
	UpdateRateLimits(ctx context.Context, limits core.RateLimitConfig) error
	RateLimits() core.RateLimitConfig
	Stats(ctx context.Context) core.QueueStats
}

// Batcher is the deduplicated batch surface.
type Batcher interface {
	Enqueue(ctx context.Context, req *core.GenerationRequest, priority core.JobPriority) (string, error)
	GetResult(ctx context.Context, requestID string) (*core.BatchResult, error)
}

// Prober re-closes an open circuit breaker via a cheap provider call and
// reports the breaker's current state.
type Prober interface {
	Probe(ctx context.Context) error
	BreakerOpen() bool
}

// Services bundles the handler's dependencies.
type Services struct {
	Dispatcher Generator
	Queue      Jobs
	Batch      Batcher
	Prober     Prober
}

// Handler holds the HTTP handlers.
type Handler struct {
	services Services
}

// NewHandler creates a handler over the given services.
func NewHandler(services Services) *Handler {
	return &Handler{services: services}
}

// Generate handles POST /v1/generate.
func (h *Handler) Generate(c echo.Context) error {
	var req core.GenerationRequest
	if err := c.Bind(&req); err != nil {
		return handleError(c, core.NewInvalidRequestError("invalid request body: "+err.Error(), err))
	}
	if len(req.Messages) == 0 {
		return handleError(c, core.NewInvalidRequestError("messages must not be empty", nil))
	}

	resp, err := h.services.Dispatcher.Generate(c.Request().Context(), &req)
	if err != nil {
		return handleError(c, err)
	}
	return c.JSON(http.StatusOK, resp)
}

// CheckBudget handles POST /v1/budget/check.
func (h *Handler) CheckBudget(c echo.Context) error {
	var req core.GenerationRequest
	if err := c.Bind(&req); err != nil {
		return handleError(c, core.NewInvalidRequestError("invalid request body: "+err.Error(), err))
	}
	if len(req.Messages) == 0 {
		return handleError(c, core.NewInvalidRequestError("messages must not be empty", nil))
	}

	return c.JSON(http.StatusOK, h.services.Dispatcher.CheckBudget(c.Request().Context(), &req))
}

type queueJobPayload struct {
	Request    *core.GenerationRequest `json:"request"`
	Priority   core.JobPriority        `json:"priority,omitempty"`
	TimeoutSec int                     `json:"timeout_sec,omitempty"`
}

// QueueJob handles POST /v1/jobs.
func (h *Handler) QueueJob(c echo.Context) error {
	var payload queueJobPayload
	if err := c.Bind(&payload); err != nil {
		return handleError(c, core.NewInvalidRequestError("invalid request body: "+err.Error(), err))
	}
	if payload.Request == nil {
		return handleError(c, core.NewInvalidRequestError("request is required", nil))
	}

	jobID, err := h.services.Queue.QueueLLMJob(c.Request().Context(), payload.Request, payload.Priority, payload.TimeoutSec)
	if err != nil {
		return handleError(c, err)
	}

	return c.JSON(http.StatusAccepted, map[string]interface{}{
		"job_id": jobID,
		"status": core.JobStatusPending,
	})
}

// GetJobResult handles GET /v1/jobs/:id.
func (h *Handler) GetJobResult(c echo.Context) error {
	result, err := h.services.Queue.GetJobResult(c.Request().Context(), c.Param("id"))
	if err != nil {
		return handleError(c, err)
	}
	return c.JSON(http.StatusOK, result)
}

// CancelJob handles DELETE /v1/jobs/:id.
func (h *Handler) CancelJob(c echo.Context) error {
	cancelled := h.services.Queue.CancelJob(c.Request().Context(), c.Param("id"))
	return c.JSON(http.StatusOK, map[string]bool{"cancelled": cancelled})
}

// QueueStats handles GET /v1/queue/stats.
func (h *Handler) QueueStats(c echo.Context) error {
	return c.JSON(http.StatusOK, h.services.Queue.Stats(c.Request().Context()))
}

// UpdateRateLimits handles PUT /v1/queue/rate-limits.
func (h *Handler) UpdateRateLimits(c echo.Context) error {
	var limits core.RateLimitConfig
	if err := c.Bind(&limits); err != nil {
		return handleError(c, core.NewInvalidRequestError("invalid request body: "+err.Error(), err))
	}

	if err := h.services.Queue.UpdateRateLimits(c.Request().Context(), limits); err != nil {
		return handleError(c, err)
	}
	return c.JSON(http.StatusOK, h.services.Queue.RateLimits())
}

// QueueBatch handles POST /v1/batch.
func (h *Handler) QueueBatch(c echo.Context) error {
	var payload struct {
		core.GenerationRequest
		Priority core.JobPriority `json:"batch_priority"`
	}
	if err := c.Bind(&payload); err != nil {
		return handleError(c, core.NewInvalidRequestError("invalid request body: "+err.Error(), err))
	}

	requestID, err := h.services.Batch.Enqueue(c.Request().Context(), &payload.GenerationRequest, payload.Priority)
	if err != nil {
		return handleError(c, err)
	}

	return c.JSON(http.StatusAccepted, map[string]string{"request_id": requestID})
}

// GetBatchResult handles GET /v1/batch/:id.
func (h *Handler) GetBatchResult(c echo.Context) error {
	result, err := h.services.Batch.GetResult(c.Request().Context(), c.Param("id"))
	if err != nil {
		return handleError(c, err)
	}
	return c.JSON(http.StatusOK, result)
}

// ProbeBreaker handles POST /v1/breaker/probe. A successful probe closes
// an open breaker; a failed probe reports the provider error.
func (h *Handler) ProbeBreaker(c echo.Context) error {
	if err := h.services.Prober.Probe(c.Request().Context()); err != nil {
		return handleError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]string{"breaker": "closed"})
}

// Health handles GET /health.
func (h *Handler) Health(c echo.Context) error {
	breaker := "closed"
	if h.services.Prober.BreakerOpen() {
		breaker = "open"
	}
	return c.JSON(http.StatusOK, map[string]string{
		"status":  "ok",
		"breaker": breaker,
	})
}

// handleError converts dispatch errors to appropriate HTTP responses.
func handleError(c echo.Context, err error) error {
	var de *core.DispatchError
	if errors.As(err, &de) {
		return c.JSON(de.HTTPStatusCode(), de.ToJSON())
	}

	return c.JSON(http.StatusInternalServerError, map[string]interface{}{
		"error": map[string]interface{}{
			"type":    "internal_error",
			"message": "an unexpected error occurred",
		},
	})
}
