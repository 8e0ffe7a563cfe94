// Package dispatch is the cost-aware entry point for generation requests.
// Every request runs the same pipeline: budget admission, cache lookup,
// token ceiling, model optimization, provider call, cache write, spend
// accounting. Each step can short-circuit the rest.
package dispatch

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"costgate/internal/cache"
	"costgate/internal/core"
	"costgate/internal/provider"
	"costgate/internal/telemetry"
)

// Governor is the budget admission and accounting surface the dispatcher
// depends on.
type Governor interface {
	CheckDailyBudget(ctx context.Context, userID string, estimated float64) core.BudgetDecision
	TrackSpend(ctx context.Context, cost float64, userID string)
}

// Caller executes a generation against a provider, applying circuit
// breaking and fallback internally.
type Caller interface {
	Call(ctx context.Context, req *core.GenerationRequest) (*core.GenerationResponse, error)
	ResolveModel(hint string) string
	CheapestModel() string
}

// Config tunes the dispatcher's hard limits.
type Config struct {
	// MaxTokensPerRequest rejects requests asking for more output tokens,
	// independent of budget. Zero disables the ceiling.
	MaxTokensPerRequest int

	// CacheTTL applies to responses written under a request's CacheKey.
	CacheTTL time.Duration

	// OptimizedTemperature caps temperature on cost-optimized requests.
	OptimizedTemperature float64
}

// Dispatcher orchestrates the generation pipeline.
type Dispatcher struct {
	governor Governor
	cache    *cache.ResponseCache
	adapter  Caller
	recorder telemetry.Recorder
	cfg      Config
}

// New creates a Dispatcher. cache may be nil to disable response caching,
// recorder may be nil to disable telemetry.
func New(governor Governor, respCache *cache.ResponseCache, adapter Caller, recorder telemetry.Recorder, cfg Config) *Dispatcher {
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = time.Hour
	}
	if cfg.OptimizedTemperature <= 0 {
		cfg.OptimizedTemperature = 0.5
	}
	if recorder == nil {
		recorder = telemetry.NoopRecorder{}
	}

	return &Dispatcher{
		governor: governor,
		cache:    respCache,
		adapter:  adapter,
		recorder: recorder,
		cfg:      cfg,
	}
}

// Generate runs one request through the pipeline.
//
// Budget and token-limit rejections are terminal and incur no provider
// cost. Cache hits return the prior response verbatim with no new spend
// recorded. Provider errors surface after the adapter has exhausted
// fallback.
func (d *Dispatcher) Generate(ctx context.Context, req *core.GenerationRequest) (*core.GenerationResponse, error) {
	estimated := provider.EstimateCost(d.adapter.ResolveModel(req.Model), req)
	decision := d.governor.CheckDailyBudget(ctx, req.UserID, estimated)
	if !decision.Allowed {
		requestsTotal.WithLabelValues(outcomeBudgetExceeded).Inc()
		return nil, core.NewBudgetExceededError(decision.Reason)
	}

	if d.cache != nil && req.CacheKey != "" {
		if cached, ok := d.cache.Get(ctx, req.CacheKey); ok {
			requestsTotal.WithLabelValues(outcomeCacheHit).Inc()
			cacheHitsTotal.Inc()

			resp := *cached
			resp.Cached = true
			d.record(ctx, req, &resp)
			return &resp, nil
		}
	}

	if d.cfg.MaxTokensPerRequest > 0 && req.MaxTokens > d.cfg.MaxTokensPerRequest {
		requestsTotal.WithLabelValues(outcomeTokenLimit).Inc()
		return nil, core.NewTokenLimitError(fmt.Sprintf(
			"requested %d output tokens, ceiling is %d", req.MaxTokens, d.cfg.MaxTokensPerRequest))
	}

	exec := d.optimize(req)

	resp, err := d.adapter.Call(ctx, exec)
	if err != nil {
		requestsTotal.WithLabelValues(outcomeProviderError).Inc()
		d.recordError(ctx, req, exec.Model, err)
		return nil, err
	}

	requestsTotal.WithLabelValues(outcomeSuccess).Inc()
	latencySeconds.Observe(float64(resp.LatencyMs) / 1000)
	spendTotal.Add(resp.Cost)
	if resp.FallbackUsed {
		fallbacksTotal.Inc()
	}

	if d.cache != nil && req.CacheKey != "" {
		// Best effort; Set already logs its own failure.
		_ = d.cache.Set(ctx, req.CacheKey, resp, d.cfg.CacheTTL)
	}

	d.governor.TrackSpend(ctx, resp.Cost, req.UserID)
	d.record(ctx, req, resp)

	return resp, nil
}

// CheckBudget estimates a request's cost without executing it. When the
// request's MaxCost is below the estimate for the resolved model, the
// cheapest model is recommended instead.
func (d *Dispatcher) CheckBudget(ctx context.Context, req *core.GenerationRequest) core.BudgetCheck {
	model := d.adapter.ResolveModel(req.Model)
	estimated := provider.EstimateCost(model, req)

	recommended := model
	if req.MaxCost > 0 && estimated > req.MaxCost {
		recommended = d.adapter.CheapestModel()
	}

	decision := d.governor.CheckDailyBudget(ctx, req.UserID, estimated)
	check := core.BudgetCheck{
		WithinBudget:     decision.Allowed,
		EstimatedCost:    estimated,
		RecommendedModel: recommended,
		Reason:           decision.Reason,
	}
	if decision.Allowed && req.MaxCost > 0 && estimated > req.MaxCost {
		check.Reason = "estimated cost exceeds the request max_cost; a cheaper model is recommended"
	}
	return check
}

// optimize applies the cost-priority model override. The caller's request
// is never mutated.
func (d *Dispatcher) optimize(req *core.GenerationRequest) *core.GenerationRequest {
	exec := req.Clone()

	costCapped := exec.MaxCost > 0 && exec.MaxCost < provider.MediumCostThreshold
	if exec.Priority == core.RoutePriorityCost || costCapped {
		exec.Model = d.adapter.CheapestModel()
		if exec.Temperature > d.cfg.OptimizedTemperature {
			exec.Temperature = d.cfg.OptimizedTemperature
		}
	}
	return exec
}

func (d *Dispatcher) record(ctx context.Context, req *core.GenerationRequest, resp *core.GenerationResponse) {
	d.recorder.Record(&telemetry.Event{
		ID:           uuid.NewString(),
		RequestID:    core.GetRequestID(ctx),
		UserID:       req.UserID,
		Timestamp:    time.Now().UTC(),
		JobID:        req.JobID,
		Model:        resp.Model,
		Provider:     resp.Provider,
		PromptTokens: resp.Usage.PromptTokens,
		OutputTokens: resp.Usage.CompletionTokens,
		TotalTokens:  resp.Usage.TotalTokens,
		Cost:         resp.Cost,
		LatencyMs:    resp.LatencyMs,
		Cached:       resp.Cached,
		FallbackUsed: resp.FallbackUsed,
	})
}

func (d *Dispatcher) recordError(ctx context.Context, req *core.GenerationRequest, model string, err error) {
	d.recorder.Record(&telemetry.Event{
		ID:        uuid.NewString(),
		RequestID: core.GetRequestID(ctx),
		UserID:    req.UserID,
		Timestamp: time.Now().UTC(),
		Model:     model,
		JobID:     req.JobID,
		ErrorType: string(core.TypeOf(err)),
	})
}
