// Package provider normalizes calls to interchangeable LLM providers and
// layers cost estimation, fallback, and circuit breaking on top of them.
package provider

import (
	"context"

	"costgate/internal/core"
)

// Provider is a single LLM backend. Implementations fill Text, Model, and
// best-effort Usage on the response; the Adapter computes cost and latency.
type Provider interface {
	// Name identifies the provider ("openai", "anthropic").
	Name() string

	// Invoke executes one generation request against the provider API.
	Invoke(ctx context.Context, req *core.GenerationRequest) (*core.GenerationResponse, error)

	// DefaultModel is used when the request carries no model hint.
	DefaultModel() string

	// CheapestModel is the lowest-cost model the provider serves.
	CheapestModel() string

	// Supports reports whether the provider serves the given model.
	Supports(model string) bool
}
