package provider

import (
	"costgate/internal/core"
)

// ModelPricing holds per-million-token USD rates for one model.
type ModelPricing struct {
	InputPerMtok  float64
	OutputPerMtok float64
}

// pricingTable maps model IDs to their rates. Models absent from the table
// are charged at the conservative default below rather than treated as free.
var pricingTable = map[string]ModelPricing{
	"gpt-4o":                     {InputPerMtok: 2.50, OutputPerMtok: 10.00},
	"gpt-4o-mini":                {InputPerMtok: 0.15, OutputPerMtok: 0.60},
	"claude-3-5-sonnet-20241022": {InputPerMtok: 3.00, OutputPerMtok: 15.00},
	"claude-3-haiku-20240307":    {InputPerMtok: 0.25, OutputPerMtok: 1.25},
}

// defaultPricing is applied to unknown models so spend is never undercounted.
var defaultPricing = ModelPricing{InputPerMtok: 3.00, OutputPerMtok: 15.00}

const (
	// charsPerToken approximates token counts from character length when a
	// provider does not report exact usage.
	charsPerToken = 4

	// completionRatio estimates completion length relative to the prompt
	// when the provider does not separate usage.
	completionRatio = 0.5

	// MediumCostThreshold is the per-request cost below which the dispatcher
	// forces the cheapest model for cost-capped requests.
	MediumCostThreshold = 0.01
)

// PricingFor returns the pricing entry for model.
func PricingFor(model string) ModelPricing {
	if p, ok := pricingTable[model]; ok {
		return p
	}
	return defaultPricing
}

// KnownModel reports whether the pricing table carries an entry for model.
func KnownModel(model string) bool {
	_, ok := pricingTable[model]
	return ok
}

// EstimateTokens approximates the token count of text (~4 chars/token).
// Text shorter than one token still counts as one.
func EstimateTokens(text string) int {
	if text == "" {
		return 0
	}
	n := len(text) / charsPerToken
	if n == 0 {
		n = 1
	}
	return n
}

// EstimateUsage approximates token usage for a request before execution.
// Completion tokens are estimated as half the prompt, capped at MaxTokens.
func EstimateUsage(req *core.GenerationRequest) core.Usage {
	prompt := 0
	for _, m := range req.Messages {
		prompt += EstimateTokens(m.Content)
	}

	completion := int(float64(prompt) * completionRatio)
	if req.MaxTokens > 0 && completion > req.MaxTokens {
		completion = req.MaxTokens
	}
	if completion == 0 {
		completion = 1
	}

	return core.Usage{
		PromptTokens:     prompt,
		CompletionTokens: completion,
		TotalTokens:      prompt + completion,
	}
}

// CostFor computes the USD cost of the given usage at model's rates.
func CostFor(model string, usage core.Usage) float64 {
	p := PricingFor(model)
	return float64(usage.PromptTokens)*p.InputPerMtok/1_000_000 +
		float64(usage.CompletionTokens)*p.OutputPerMtok/1_000_000
}

// EstimateCost approximates the USD cost of executing req on model.
func EstimateCost(model string, req *core.GenerationRequest) float64 {
	return CostFor(model, EstimateUsage(req))
}

// FillUsage backfills estimated usage on a response whose provider reported
// none, splitting prompt/completion from the actual texts.
func FillUsage(resp *core.GenerationResponse, req *core.GenerationRequest) {
	if resp.Usage.TotalTokens > 0 {
		return
	}

	prompt := 0
	for _, m := range req.Messages {
		prompt += EstimateTokens(m.Content)
	}
	completion := EstimateTokens(resp.Text)

	resp.Usage = core.Usage{
		PromptTokens:     prompt,
		CompletionTokens: completion,
		TotalTokens:      prompt + completion,
	}
}
