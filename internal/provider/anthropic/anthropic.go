// Package anthropic provides the Anthropic messages backend.
package anthropic

import (
	"context"
	"net/http"
	"strings"

	"github.com/tidwall/gjson"

	"costgate/internal/core"
	"costgate/internal/pkg/llmclient"
)

const (
	defaultBaseURL = "https://api.anthropic.com/v1"
	apiVersion     = "2023-06-01"

	defaultModel  = "claude-3-5-sonnet-20241022"
	cheapestModel = "claude-3-haiku-20240307"

	// The messages API requires max_tokens; use a sane ceiling when the
	// request leaves it unset.
	fallbackMaxTokens = 1024
)

var supportedModels = map[string]bool{
	"claude-3-5-sonnet-20241022": true,
	"claude-3-haiku-20240307":    true,
}

// Provider implements provider.Provider for Anthropic.
type Provider struct {
	client *llmclient.Client
	apiKey string
}

// New creates a new Anthropic provider.
func New(apiKey string) *Provider {
	p := &Provider{apiKey: apiKey}
	p.client = llmclient.New(llmclient.Config{
		ProviderName: "anthropic",
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
		ProviderName: "anthropic",
		BaseURL:      baseURL,
	}, p.setHeaders)
	return p
}

// SetBaseURL allows configuring a custom base URL for the provider
func (p *Provider) SetBaseURL(url string) {
	p.client.SetBaseURL(url)
}

func (p *Provider) setHeaders(req *http.Request) {
	req.Header.Set("x-api-key", p.apiKey)
	req.Header.Set("anthropic-version", apiVersion)
}

// Name implements provider.Provider.
func (p *Provider) Name() string { return "anthropic" }

// DefaultModel implements provider.Provider.
func (p *Provider) DefaultModel() string { return defaultModel }

// CheapestModel implements provider.Provider.
func (p *Provider) CheapestModel() string { return cheapestModel }

// Supports implements provider.Provider.
func (p *Provider) Supports(model string) bool { return supportedModels[model] }

// messagesRequest is the JSON body for the messages endpoint. System
// messages move into the top-level system field.
type messagesRequest struct {
	Model       string         `json:"model"`
	Messages    []core.Message `json:"messages"`
	System      string         `json:"system,omitempty"`
	Temperature *float64       `json:"temperature,omitempty"`
	MaxTokens   int            `json:"max_tokens"`
}

// Invoke implements provider.Provider.
func (p *Provider) Invoke(ctx context.Context, req *core.GenerationRequest) (*core.GenerationResponse, error) {
	body := messagesRequest{
		Model:     req.Model,
		MaxTokens: req.MaxTokens,
	}
	if body.MaxTokens <= 0 {
		body.MaxTokens = fallbackMaxTokens
	}
	if req.Temperature > 0 {
		t := req.Temperature
		body.Temperature = &t
	}

	var systemParts []string
	for _, m := range req.Messages {
		if m.Role == "system" {
			systemParts = append(systemParts, m.Content)
			continue
		}
		body.Messages = append(body.Messages, m)
	}
	body.System = strings.Join(systemParts, "\n")

	resp, err := p.client.DoRaw(ctx, llmclient.Request{
		Method:   http.MethodPost,
		Endpoint: "/messages",
		Body:     body,
	})
	if err != nil {
		return nil, err
	}

	parsed := gjson.ParseBytes(resp.Body)
	text := parsed.Get("content.0.text").String()
	if text == "" && !parsed.Get("content.0.text").Exists() {
		return nil, core.NewProviderError("anthropic", http.StatusBadGateway, "response contained no completion", nil)
	}

	in := int(parsed.Get("usage.input_tokens").Int())
	out := int(parsed.Get("usage.output_tokens").Int())

	return &core.GenerationResponse{
		Text:  text,
		Model: parsed.Get("model").String(),
		Usage: core.Usage{
			PromptTokens:     in,
			CompletionTokens: out,
			TotalTokens:      in + out,
		},
	}, nil
}
