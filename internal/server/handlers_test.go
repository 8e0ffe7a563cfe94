package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"costgate/internal/core"
)

// mockServices implements the handler interfaces with scriptable outcomes.
type mockServices struct {
	generateResp *core.GenerationResponse
	generateErr  error
	budgetCheck  core.BudgetCheck

	queuedID  string
	queueErr  error
	jobResult *core.JobResult
	jobErr    error
	cancelled bool
	limits    core.RateLimitConfig
	limitsErr error
	stats     core.QueueStats

	batchID       string
	batchErr      error
	batchResult   *core.BatchResult
	batchPriority core.JobPriority

	probeErr    error
	breakerOpen bool
}

func (m *mockServices) Generate(_ context.Context, _ *core.GenerationRequest) (*core.GenerationResponse, error) {
	return m.generateResp, m.generateErr
}

func (m *mockServices) CheckBudget(_ context.Context, _ *core.GenerationRequest) core.BudgetCheck {
	return m.budgetCheck
}

func (m *mockServices) QueueLLMJob(_ context.Context, _ *core.GenerationRequest, _ core.JobPriority, _ int) (string, error) {
	return m.queuedID, m.queueErr
}

func (m *mockServices) GetJobResult(_ context.Context, _ string) (*core.JobResult, error) {
	return m.jobResult, m.jobErr
}

func (m *mockServices) CancelJob(_ context.Context, _ string) bool { return m.cancelled }

func (m *mockServices) UpdateRateLimits(_ context.Context, limits core.RateLimitConfig) error {
	if m.limitsErr != nil {
		return m.limitsErr
	}
	m.limits = limits
	return nil
}

func (m *mockServices) RateLimits() core.RateLimitConfig { return m.limits }

func (m *mockServices) Stats(_ context.Context) core.QueueStats { return m.stats }

func (m *mockServices) Enqueue(_ context.Context, _ *core.GenerationRequest, priority core.JobPriority) (string, error) {
	m.batchPriority = priority
	return m.batchID, m.batchErr
}

func (m *mockServices) GetResult(_ context.Context, _ string) (*core.BatchResult, error) {
	return m.batchResult, m.batchErr
}

func (m *mockServices) Probe(_ context.Context) error { return m.probeErr }

func (m *mockServices) BreakerOpen() bool { return m.breakerOpen }

func newTestServer(m *mockServices, cfg *Config) *Server {
	return New(Services{Dispatcher: m, Queue: m, Batch: m, Prober: m}, cfg)
}

func mockStats() core.QueueStats {
	return core.QueueStats{ActiveJobs: 1, PendingJobs: 2, Completed: 3}
}

func do(t *testing.T, srv *Server, method, target, body string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	return rec
}

func TestGenerateSuccess(t *testing.T) {
	m := &mockServices{generateResp: &core.GenerationResponse{Text: "hello", Model: "gpt-4o", Cost: 0.002}}
	srv := newTestServer(m, nil)

	rec := do(t, srv, http.MethodPost, "/v1/generate", `{"messages":[{"role":"user","content":"hi"}]}`, nil)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var resp core.GenerationResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Text != "hello" {
		t.Errorf("Text = %q, want hello", resp.Text)
	}
	if rec.Header().Get("X-Request-Id") == "" {
		t.Error("expected an X-Request-Id response header")
	}
}

func TestGenerateRejectsEmptyMessages(t *testing.T) {
	srv := newTestServer(&mockServices{}, nil)

	rec := do(t, srv, http.MethodPost, "/v1/generate", `{"messages":[]}`, nil)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestGenerateErrorMapping(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantType   string
	}{
		{"budget", core.NewBudgetExceededError("cap reached"), http.StatusTooManyRequests, "budget_exceeded"},
		{"tokens", core.NewTokenLimitError("too many"), http.StatusBadRequest, "token_limit_exceeded"},
		{"breaker", core.NewCircuitOpenError("openai"), http.StatusServiceUnavailable, "circuit_open"},
		{"provider", core.NewProviderError("openai", 500, "boom", nil), http.StatusInternalServerError, "provider_error"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := newTestServer(&mockServices{generateErr: tt.err}, nil)

			rec := do(t, srv, http.MethodPost, "/v1/generate", `{"messages":[{"role":"user","content":"hi"}]}`, nil)

			if rec.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d (body %s)", rec.Code, tt.wantStatus, rec.Body.String())
			}
			var body struct {
				Error struct {
					Type string `json:"type"`
				} `json:"error"`
			}
			if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
				t.Fatal(err)
			}
			if body.Error.Type != tt.wantType {
				t.Errorf("error type = %q, want %q", body.Error.Type, tt.wantType)
			}
		})
	}
}

func TestQueueJobAccepted(t *testing.T) {
	m := &mockServices{queuedID: "job-123"}
	srv := newTestServer(m, nil)

	rec := do(t, srv, http.MethodPost, "/v1/jobs",
		`{"request":{"messages":[{"role":"user","content":"hi"}]},"priority":"high"}`, nil)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body["job_id"] != "job-123" || body["status"] != "pending" {
		t.Errorf("body = %v", body)
	}
}

func TestQueueJobRateLimited(t *testing.T) {
	m := &mockServices{queueErr: core.NewRateLimitError("per-minute job limit of 5 reached")}
	srv := newTestServer(m, nil)

	rec := do(t, srv, http.MethodPost, "/v1/jobs",
		`{"request":{"messages":[{"role":"user","content":"hi"}]}}`, nil)

	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", rec.Code)
	}
}

func TestGetJobResultNotFound(t *testing.T) {
	m := &mockServices{jobErr: core.NewNotFoundError("job nope not found")}
	srv := newTestServer(m, nil)

	rec := do(t, srv, http.MethodGet, "/v1/jobs/nope", "", nil)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestCancelJob(t *testing.T) {
	srv := newTestServer(&mockServices{cancelled: true}, nil)

	rec := do(t, srv, http.MethodDelete, "/v1/jobs/job-1", "", nil)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var body map[string]bool
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if !body["cancelled"] {
		t.Error("cancelled = false, want true")
	}
}

func TestUpdateRateLimits(t *testing.T) {
	srv := newTestServer(&mockServices{}, nil)

	rec := do(t, srv, http.MethodPut, "/v1/queue/rate-limits",
		`{"max_concurrent_jobs":4,"max_jobs_per_minute":10,"max_cost_per_minute":1,"max_cost_per_hour":10,"circuit_breaker_threshold":3}`, nil)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var limits core.RateLimitConfig
	if err := json.Unmarshal(rec.Body.Bytes(), &limits); err != nil {
		t.Fatal(err)
	}
	if limits.MaxConcurrentJobs != 4 {
		t.Errorf("MaxConcurrentJobs = %d, want 4", limits.MaxConcurrentJobs)
	}
}

func TestUpdateRateLimitsInvalid(t *testing.T) {
	m := &mockServices{limitsErr: core.NewInvalidRequestError("max_jobs_per_minute must be > 0", nil)}
	srv := newTestServer(m, nil)

	rec := do(t, srv, http.MethodPut, "/v1/queue/rate-limits", `{"max_concurrent_jobs":4}`, nil)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestBatchEndpoints(t *testing.T) {
	m := &mockServices{
		batchID:     "req-9",
		batchResult: &core.BatchResult{RequestID: "req-9", Done: true},
	}
	srv := newTestServer(m, nil)

	rec := do(t, srv, http.MethodPost, "/v1/batch", `{"messages":[{"role":"user","content":"hi"}],"batch_priority":"high"}`, nil)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("enqueue status = %d", rec.Code)
	}
	if m.batchPriority != core.JobPriorityHigh {
		t.Errorf("priority = %q, want high", m.batchPriority)
	}

	rec = do(t, srv, http.MethodGet, "/v1/batch/req-9", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("result status = %d", rec.Code)
	}
	var result core.BatchResult
	if err := json.Unmarshal(rec.Body.Bytes(), &result); err != nil {
		t.Fatal(err)
	}
	if !result.Done {
		t.Error("Done = false, want true")
	}
}

func TestProbeBreaker(t *testing.T) {
	srv := newTestServer(&mockServices{}, nil)

	rec := do(t, srv, http.MethodPost, "/v1/breaker/probe", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	failing := newTestServer(&mockServices{probeErr: core.NewProviderError("openai", 503, "still down", nil)}, nil)
	rec = do(t, failing, http.MethodPost, "/v1/breaker/probe", "", nil)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("failing probe status = %d, want 503", rec.Code)
	}
}

func TestHealthIsPublic(t *testing.T) {
	srv := newTestServer(&mockServices{}, &Config{MasterKey: "secret"})

	rec := do(t, srv, http.MethodGet, "/health", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 without auth", rec.Code)
	}

	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body["breaker"] != "closed" {
		t.Errorf("breaker = %q, want closed", body["breaker"])
	}
}

func TestHealthReportsOpenBreaker(t *testing.T) {
	srv := newTestServer(&mockServices{breakerOpen: true}, nil)

	rec := do(t, srv, http.MethodGet, "/health", "", nil)
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body["breaker"] != "open" {
		t.Errorf("breaker = %q, want open", body["breaker"])
	}
}
