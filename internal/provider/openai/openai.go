// Package openai provides the OpenAI chat-completions backend.
package openai

import (
	"context"
	"net/http"

	"github.com/tidwall/gjson"

	"costgate/internal/core"
	"costgate/internal/pkg/llmclient"
)

const (
	defaultBaseURL = "https://api.openai.com/v1"

	defaultModel  = "gpt-4o"
	cheapestModel = "gpt-4o-mini"
)

var supportedModels = map[string]bool{
	"gpt-4o":      true,
	"gpt-4o-mini": true,
}

// Provider implements provider.Provider for OpenAI.
type Provider struct {
	client *llmclient.Client
	apiKey string
}

// New creates a new OpenAI provider.
func New(apiKey string) *Provider {
	p := &Provider{apiKey: apiKey}
	p.client = llmclient.New(llmclient.Config{
		ProviderName: "openai",
		BaseURL:      defaultBaseURL,
	}, p.setHeaders)
	return p
}

// NewWithHTTPClient creates a provider with a custom HTTP client, used in tests.
func NewWithHTTPClient(apiKey string, httpClient *http.Client, baseURL string) *Provider {
	p := &Provider{apiKey: apiKey}
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	p.client = llmclient.NewWithHTTPClient(httpClient, llmclient.Config{
		ProviderName: "openai",
		BaseURL:      baseURL,
	}, p.setHeaders)
	return p
}

// SetBaseURL allows configuring a custom base URL for the provider
func (p *Provider) SetBaseURL(url string) {
	p.client.SetBaseURL(url)
}

func (p *Provider) setHeaders(req *http.Request) {
	req.Header.Set("Authorization", "Bearer "+p.apiKey)

	if requestID := core.GetRequestID(req.Context()); requestID != "" {
		req.Header.Set("X-Client-Request-Id", requestID)
	}
}

// Name implements provider.Provider.
func (p *Provider) Name() string { return "openai" }

// DefaultModel implements provider.Provider.
func (p *Provider) DefaultModel() string { return defaultModel }

// CheapestModel implements provider.Provider.
func (p *Provider) CheapestModel() string { return cheapestModel }

// Supports implements provider.Provider.
func (p *Provider) Supports(model string) bool { return supportedModels[model] }

// chatRequest is the JSON body sent to the chat-completions endpoint.
type chatRequest struct {
	Model       string         `json:"model"`
	Messages    []core.Message `json:"messages"`
	Temperature *float64       `json:"temperature,omitempty"`
	MaxTokens   *int           `json:"max_tokens,omitempty"`
}

// Invoke implements provider.Provider.
func (p *Provider) Invoke(ctx context.Context, req *core.GenerationRequest) (*core.GenerationResponse, error) {
	body := chatRequest{
		Model:    req.Model,
		Messages: req.Messages,
	}
	if req.Temperature > 0 {
		t := req.Temperature
		body.Temperature = &t
	}
	if req.MaxTokens > 0 {
		n := req.MaxTokens
		body.MaxTokens = &n
	}

	resp, err := p.client.DoRaw(ctx, llmclient.Request{
		Method:   http.MethodPost,
		Endpoint: "/chat/completions",
		Body:     body,
	})
	if err != nil {
		return nil, err
	}

	parsed := gjson.ParseBytes(resp.Body)
	text := parsed.Get("choices.0.message.content").String()
	if text == "" && !parsed.Get("choices.0.message.content").Exists() {
		return nil, core.NewProviderError("openai", http.StatusBadGateway, "response contained no completion", nil)
	}

	return &core.GenerationResponse{
		Text:  text,
		Model: parsed.Get("model").String(),
		Usage: core.Usage{
			PromptTokens:     int(parsed.Get("usage.prompt_tokens").Int()),
			CompletionTokens: int(parsed.Get("usage.completion_tokens").Int()),
			TotalTokens:      int(parsed.Get("usage.total_tokens").Int()),
		},
	}, nil
}
