package provider

import (
	"context"
	"log/slog"
	"time"

	"costgate/internal/breaker"
	"costgate/internal/core"
)

// Adapter fronts a primary provider with an optional fallback and a circuit
// breaker. It is the only path through which the dispatcher reaches a
// provider.
//
// On a retryable primary failure (network/timeout/5xx/429) the fallback is
// tried immediately and the response is marked FallbackUsed. The breaker
// counts failures that were not rescued by fallback; any success (primary or
// fallback) resets it.
type Adapter struct {
	primary  Provider
	fallback Provider // nil when no secondary provider is configured
	breaker  *breaker.Breaker
}

// NewAdapter creates an Adapter. fallback may be nil.
func NewAdapter(primary, fallback Provider, b *breaker.Breaker) *Adapter {
	if b == nil {
		b = breaker.New(breaker.DefaultThreshold)
	}
	return &Adapter{
		primary:  primary,
		fallback: fallback,
		breaker:  b,
	}
}

// Breaker exposes the adapter's breaker for admission checks and health.
func (a *Adapter) Breaker() *breaker.Breaker {
	return a.breaker
}

// BreakerOpen reports whether the breaker is currently open.
func (a *Adapter) BreakerOpen() bool {
	return a.breaker.IsOpen()
}

// PrimaryName returns the primary provider's name.
func (a *Adapter) PrimaryName() string {
	return a.primary.Name()
}

// ResolveModel maps a request's model hint to an executable model: the hint
// itself when the primary serves it, otherwise the primary's default.
func (a *Adapter) ResolveModel(hint string) string {
	if hint != "" && a.primary.Supports(hint) {
		return hint
	}
	if hint != "" && a.fallback != nil && a.fallback.Supports(hint) {
		return hint
	}
	return a.primary.DefaultModel()
}

// CheapestModel returns the lowest-cost model across configured providers.
func (a *Adapter) CheapestModel() string {
	cheapest := a.primary.CheapestModel()
	if a.fallback != nil {
		fb := a.fallback.CheapestModel()
		if PricingFor(fb).OutputPerMtok < PricingFor(cheapest).OutputPerMtok {
			cheapest = fb
		}
	}
	return cheapest
}

// Call executes req, fast-failing while the breaker is open.
func (a *Adapter) Call(ctx context.Context, req *core.GenerationRequest) (*core.GenerationResponse, error) {
	if !a.breaker.Allow() {
		return nil, core.NewCircuitOpenError(a.primary.Name())
	}
	return a.call(ctx, req)
}

// Probe executes req even while the breaker is open, so a scheduled health
// check can close it by producing a success. There is no timed half-open.
func (a *Adapter) Probe(ctx context.Context) error {
	req := &core.GenerationRequest{
		Messages:  []core.Message{{Role: "user", Content: "ping"}},
		MaxTokens: 1,
	}
	_, err := a.call(ctx, req)
	return err
}

func (a *Adapter) call(ctx context.Context, req *core.GenerationRequest) (*core.GenerationResponse, error) {
	exec := req.Clone()
	if exec.Model == "" || !a.providerFor(exec.Model).Supports(exec.Model) {
		exec.Model = a.ResolveModel(exec.Model)
	}

	start := time.Now()

	resp, err := a.invokeOn(ctx, a.providerFor(exec.Model), exec, start)
	if err == nil {
		a.breaker.RecordSuccess()
		return resp, nil
	}

	if core.IsRetryable(err) && a.fallback != nil {
		slog.Warn("primary provider failed, trying fallback",
			"primary", a.primary.Name(),
			"fallback", a.fallback.Name(),
			"error", err,
		)

		fbReq := exec.Clone()
		if !a.fallback.Supports(fbReq.Model) {
			fbReq.Model = a.fallback.DefaultModel()
		}

		fbResp, fbErr := a.invokeOn(ctx, a.fallback, fbReq, start)
		if fbErr == nil {
			fbResp.FallbackUsed = true
			a.breaker.RecordSuccess()
			return fbResp, nil
		}

		a.breaker.RecordFailure()
		return nil, fbErr
	}

	a.breaker.RecordFailure()
	return nil, err
}

// providerFor picks the provider that serves model, preferring the primary.
func (a *Adapter) providerFor(model string) Provider {
	if a.primary.Supports(model) {
		return a.primary
	}
	if a.fallback != nil && a.fallback.Supports(model) {
		return a.fallback
	}
	return a.primary
}

func (a *Adapter) invokeOn(ctx context.Context, p Provider, req *core.GenerationRequest, start time.Time) (*core.GenerationResponse, error) {
	resp, err := p.Invoke(ctx, req)
	if err != nil {
		return nil, err
	}

	if resp.Model == "" {
		resp.Model = req.Model
	}
	resp.Provider = p.Name()
	FillUsage(resp, req)
	resp.Cost = CostFor(resp.Model, resp.Usage)
	resp.LatencyMs = time.Since(start).Milliseconds()
	return resp, nil
}
