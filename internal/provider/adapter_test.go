package provider

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"costgate/internal/breaker"
	"costgate/internal/core"
)

// fakeProvider is a scriptable provider for adapter tests.
type fakeProvider struct {
	name    string
	models  map[string]bool
	def     string
	cheap   string
	calls   int
	results []fakeResult
}

type fakeResult struct {
	resp *core.GenerationResponse
	err  error
}

func (f *fakeProvider) Name() string               { return f.name }
func (f *fakeProvider) DefaultModel() string       { return f.def }
func (f *fakeProvider) CheapestModel() string      { return f.cheap }
func (f *fakeProvider) Supports(model string) bool { return f.models[model] }

func (f *fakeProvider) Invoke(_ context.Context, req *core.GenerationRequest) (*core.GenerationResponse, error) {
	idx := f.calls
	f.calls++
	if idx >= len(f.results) {
		idx = len(f.results) - 1
	}
	r := f.results[idx]
	if r.err != nil {
		return nil, r.err
	}
	resp := *r.resp
	if resp.Model == "" {
		resp.Model = req.Model
	}
	return &resp, nil
}

func okResult(text string) fakeResult {
	return fakeResult{resp: &core.GenerationResponse{Text: text}}
}

func newFakeOpenAI(results ...fakeResult) *fakeProvider {
	return &fakeProvider{
		name:    "openai",
		models:  map[string]bool{"gpt-4o": true, "gpt-4o-mini": true},
		def:     "gpt-4o",
		cheap:   "gpt-4o-mini",
		results: results,
	}
}

func newFakeAnthropic(results ...fakeResult) *fakeProvider {
	return &fakeProvider{
		name:    "anthropic",
		models:  map[string]bool{"claude-3-5-sonnet-20241022": true, "claude-3-haiku-20240307": true},
		def:     "claude-3-5-sonnet-20241022",
		cheap:   "claude-3-haiku-20240307",
		results: results,
	}
}

func simpleRequest() *core.GenerationRequest {
	return &core.GenerationRequest{
		Messages: []core.Message{{Role: "user", Content: "write a tagline"}},
	}
}

func TestCallSuccessOnPrimary(t *testing.T) {
	primary := newFakeOpenAI(okResult("done"))
	a := NewAdapter(primary, newFakeAnthropic(), breaker.New(3))

	resp, err := a.Call(context.Background(), simpleRequest())
	require.NoError(t, err)

	assert.Equal(t, "done", resp.Text)
	assert.Equal(t, "openai", resp.Provider)
	assert.Equal(t, "gpt-4o", resp.Model, "empty hint resolves to primary default")
	assert.False(t, resp.FallbackUsed)
	assert.Greater(t, resp.Cost, 0.0)
	assert.Greater(t, resp.Usage.TotalTokens, 0, "usage estimated when provider reports none")
}

func TestCallFallsBackOnRetryableError(t *testing.T) {
	primary := newFakeOpenAI(fakeResult{err: core.NewProviderError("openai", 502, "bad gateway", nil)})
	fallback := newFakeAnthropic(okResult("rescued"))
	b := breaker.New(3)
	a := NewAdapter(primary, fallback, b)

	resp, err := a.Call(context.Background(), simpleRequest())
	require.NoError(t, err)

	assert.True(t, resp.FallbackUsed)
	assert.Equal(t, "anthropic", resp.Provider)
	assert.Equal(t, "claude-3-5-sonnet-20241022", resp.Model, "fallback remaps unsupported models")
	assert.Equal(t, 0, b.Failures(), "rescued call must reset the breaker")
}

func TestCallTerminalErrorSkipsFallback(t *testing.T) {
	primary := newFakeOpenAI(fakeResult{err: core.NewInvalidRequestError("bad payload", nil)})
	fallback := newFakeAnthropic(okResult("should not run"))
	a := NewAdapter(primary, fallback, breaker.New(3))

	_, err := a.Call(context.Background(), simpleRequest())
	require.Error(t, err)

	assert.True(t, core.IsErrorType(err, core.ErrorTypeInvalidRequest))
	assert.Equal(t, 0, fallback.calls, "terminal errors must not reach the fallback")
}

func TestCallBothFailReturnsFallbackError(t *testing.T) {
	primary := newFakeOpenAI(fakeResult{err: core.NewProviderError("openai", 502, "primary down", nil)})
	fallback := newFakeAnthropic(fakeResult{err: core.NewProviderError("anthropic", 503, "fallback down", nil)})
	b := breaker.New(3)
	a := NewAdapter(primary, fallback, b)

	_, err := a.Call(context.Background(), simpleRequest())
	require.Error(t, err)

	var de *core.DispatchError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, "anthropic", de.Provider, "the fallback's error is returned when both fail")
	assert.Equal(t, 1, b.Failures())
}

func TestBreakerOpensAndFailsFast(t *testing.T) {
	failure := fakeResult{err: core.NewProviderError("openai", 500, "boom", nil)}
	primary := newFakeOpenAI(failure)
	b := breaker.New(2)
	a := NewAdapter(primary, nil, b)

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		_, err := a.Call(ctx, simpleRequest())
		require.Error(t, err)
	}
	require.True(t, b.IsOpen())

	callsBefore := primary.calls
	_, err := a.Call(ctx, simpleRequest())
	require.Error(t, err)
	assert.True(t, core.IsErrorType(err, core.ErrorTypeCircuitOpen))
	assert.Equal(t, callsBefore, primary.calls, "open breaker must not invoke the provider")
}

func TestProbeClosesOpenBreaker(t *testing.T) {
	primary := newFakeOpenAI(
		fakeResult{err: core.NewProviderError("openai", 500, "boom", nil)},
		okResult("pong"),
	)
	b := breaker.New(1)
	a := NewAdapter(primary, nil, b)

	_, err := a.Call(context.Background(), simpleRequest())
	require.Error(t, err)
	require.True(t, b.IsOpen())

	// The probe bypasses the open breaker and its success closes it.
	require.NoError(t, a.Probe(context.Background()))
	assert.False(t, b.IsOpen())

	_, err = a.Call(context.Background(), simpleRequest())
	assert.NoError(t, err)
}

func TestCheapestModelAcrossProviders(t *testing.T) {
	a := NewAdapter(newFakeOpenAI(), newFakeAnthropic(), nil)
	// gpt-4o-mini output rate beats claude-3-haiku.
	assert.Equal(t, "gpt-4o-mini", a.CheapestModel())
}

func TestResolveModel(t *testing.T) {
	a := NewAdapter(newFakeOpenAI(), newFakeAnthropic(), nil)

	assert.Equal(t, "gpt-4o-mini", a.ResolveModel("gpt-4o-mini"))
	assert.Equal(t, "claude-3-haiku-20240307", a.ResolveModel("claude-3-haiku-20240307"))
	assert.Equal(t, "gpt-4o", a.ResolveModel(""))
	assert.Equal(t, "gpt-4o", a.ResolveModel("unknown-model"))
}
