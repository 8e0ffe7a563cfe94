package llmclient

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"costgate/internal/core"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	return NewWithHTTPClient(server.Client(), Config{
		ProviderName: "testprov",
		BaseURL:      server.URL,
	}, func(req *http.Request) {
		req.Header.Set("Authorization", "Bearer test-key")
	})
}

func TestDoUnmarshalsResponse(t *testing.T) {
	var gotAuth string
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"text":"hello"}`))
	})

	var result struct {
		Text string `json:"text"`
	}
	err := client.Do(context.Background(), Request{
		Method:   http.MethodPost,
		Endpoint: "/v1/complete",
		Body:     map[string]string{"prompt": "hi"},
	}, &result)

	require.NoError(t, err)
	assert.Equal(t, "hello", result.Text)
	assert.Equal(t, "Bearer test-key", gotAuth)
}

func TestDoRawClassifiesErrors(t *testing.T) {
	tests := []struct {
		name         string
		statusCode   int
		body         string
		expectedType core.ErrorType
		retryable    bool
	}{
		{"server error", 500, `{"error":{"message":"boom"}}`, core.ErrorTypeProvider, true},
		{"rate limited", 429, `{"error":{"message":"slow down"}}`, core.ErrorTypeRateLimit, true},
		{"bad request", 400, `{"error":{"message":"bad model"}}`, core.ErrorTypeInvalidRequest, false},
		{"unauthorized", 401, `{"error":{"message":"bad key"}}`, core.ErrorTypeAuthentication, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.statusCode)
				_, _ = w.Write([]byte(tt.body))
			})

			_, err := client.DoRaw(context.Background(), Request{
				Method:   http.MethodPost,
				Endpoint: "/v1/complete",
			})

			require.Error(t, err)
			assert.True(t, core.IsErrorType(err, tt.expectedType), "got %v", err)
			assert.Equal(t, tt.retryable, core.IsRetryable(err))
		})
	}
}

func TestDoRawNetworkErrorIsRetryable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	client := NewWithHTTPClient(server.Client(), Config{
		ProviderName: "testprov",
		BaseURL:      server.URL,
	}, nil)
	server.Close() // force connection refused

	_, err := client.DoRaw(context.Background(), Request{Method: http.MethodGet, Endpoint: "/"})
	require.Error(t, err)
	assert.True(t, core.IsErrorType(err, core.ErrorTypeProvider))
	assert.True(t, core.IsRetryable(err))
}

func TestRequestHeadersOverride(t *testing.T) {
	var gotHeader string
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotHeader = r.Header.Get("X-Extra")
		_, _ = w.Write([]byte(`{}`))
	})

	_, err := client.DoRaw(context.Background(), Request{
		Method:   http.MethodGet,
		Endpoint: "/",
		Headers:  map[string]string{"X-Extra": "yes"},
	})
	require.NoError(t, err)
	assert.Equal(t, "yes", gotHeader)
}
