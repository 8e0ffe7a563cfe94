package core

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestDispatchErrorError(t *testing.T) {
	tests := []struct {
		name     string
		err      *DispatchError
		expected string
	}{
		{
			name:     "with provider",
			err:      NewProviderError("openai", 502, "upstream failed", nil),
			expected: "[openai] provider_error: upstream failed",
		},
		{
			name:     "without provider",
			err:      NewBudgetExceededError("global daily budget exceeded"),
			expected: "budget_exceeded: global daily budget exceeded",
		},
		{
			name:     "token limit",
			err:      NewTokenLimitError("requested 9000 tokens, ceiling is 4000"),
			expected: "token_limit_exceeded: requested 9000 tokens, ceiling is 4000",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.expected {
				t.Errorf("Error() = %q, want %q", got, tt.expected)
			}
		})
	}
}

func TestDispatchErrorUnwrap(t *testing.T) {
	inner := fmt.Errorf("connection refused")
	err := NewProviderError("anthropic", 502, "request failed", inner)

	if !errors.Is(err, inner) {
		t.Error("expected errors.Is to find the wrapped error")
	}
}

func TestDispatchErrorHTTPStatusCode(t *testing.T) {
	tests := []struct {
		name     string
		err      *DispatchError
		expected int
	}{
		{"budget exceeded", NewBudgetExceededError("cap"), http.StatusTooManyRequests},
		{"token limit", NewTokenLimitError("too big"), http.StatusBadRequest},
		{"circuit open", NewCircuitOpenError("openai"), http.StatusServiceUnavailable},
		{"rate limit", NewRateLimitError("jobs/minute"), http.StatusTooManyRequests},
		{"not found", NewNotFoundError("job missing"), http.StatusNotFound},
		{"store unavailable", NewStoreUnavailableError("redis down", nil), http.StatusServiceUnavailable},
		{"provider default", &DispatchError{Type: ErrorTypeProvider}, http.StatusBadGateway},
		{"unknown type default", &DispatchError{Type: "mystery"}, http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.HTTPStatusCode(); got != tt.expected {
				t.Errorf("HTTPStatusCode() = %d, want %d", got, tt.expected)
			}
		})
	}
}

func TestIsErrorType(t *testing.T) {
	err := fmt.Errorf("wrapped: %w", NewCircuitOpenError("openai"))
	if !IsErrorType(err, ErrorTypeCircuitOpen) {
		t.Error("expected IsErrorType to match through wrapping")
	}
	if IsErrorType(err, ErrorTypeBudgetExceeded) {
		t.Error("unexpected match for wrong type")
	}
	if IsErrorType(errors.New("plain"), ErrorTypeCircuitOpen) {
		t.Error("plain errors must not match")
	}
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		retryable bool
	}{
		{"provider error", NewProviderError("openai", 502, "boom", nil), true},
		{"rate limited upstream", ParseProviderError("openai", 429, []byte(`{}`), nil), true},
		{"invalid request", NewInvalidRequestError("bad payload", nil), false},
		{"budget exceeded", NewBudgetExceededError("cap"), false},
		{"plain network error", errors.New("dial tcp: i/o timeout"), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsRetryable(tt.err); got != tt.retryable {
				t.Errorf("IsRetryable() = %v, want %v", got, tt.retryable)
			}
		})
	}
}

func TestParseProviderError(t *testing.T) {
	tests := []struct {
		name         string
		statusCode   int
		body         string
		expectedType ErrorType
		expectedMsg  string
	}{
		{
			name:         "structured error message",
			statusCode:   500,
			body:         `{"error":{"message":"internal failure","type":"server_error"}}`,
			expectedType: ErrorTypeProvider,
			expectedMsg:  "internal failure",
		},
		{
			name:         "unauthorized",
			statusCode:   401,
			body:         `{"error":{"message":"bad key"}}`,
			expectedType: ErrorTypeAuthentication,
			expectedMsg:  "bad key",
		},
		{
			name:         "rate limited",
			statusCode:   429,
			body:         `{"error":{"message":"slow down"}}`,
			expectedType: ErrorTypeRateLimit,
			expectedMsg:  "slow down",
		},
		{
			name:         "client error",
			statusCode:   400,
			body:         `{"error":{"message":"model not supported"}}`,
			expectedType: ErrorTypeInvalidRequest,
			expectedMsg:  "model not supported",
		},
		{
			name:         "plain text body",
			statusCode:   503,
			body:         "service unavailable",
			expectedType: ErrorTypeProvider,
			expectedMsg:  "service unavailable",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ParseProviderError("openai", tt.statusCode, []byte(tt.body), nil)
			if err.Type != tt.expectedType {
				t.Errorf("Type = %q, want %q", err.Type, tt.expectedType)
			}
			if err.Message != tt.expectedMsg {
				t.Errorf("Message = %q, want %q", err.Message, tt.expectedMsg)
			}
			if err.Provider != "openai" {
				t.Errorf("Provider = %q, want openai", err.Provider)
			}
		})
	}
}
