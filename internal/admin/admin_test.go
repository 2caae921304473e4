package admin

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/dskow/resilience-core/internal/config"
	"github.com/dskow/resilience-core/internal/resilience"
)

type staticProvider struct {
	cfg *config.Config
}

func (p staticProvider) Current() *config.Config { return p.cfg }

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestMux(t *testing.T, allowlist []string) (*http.ServeMux, *resilience.Registry) {
	t.Helper()
	cfg, err := config.LoadFromBytes([]byte("defaults:\n  circuit_breaker:\n    failure_rate_threshold: 50\n"))
	if err != nil {
		t.Fatal(err)
	}

	reg := resilience.NewRegistry(resilience.PolicyConfig{
		Breaker: &resilience.BreakerConfig{
			FailureRateThreshold:          50,
			MinimumNumberOfCalls:          4,
			SlidingWindowSize:             4,
			WaitDurationInOpenState:       30 * time.Second,
			PermittedCallsInHalfOpenState: 2,
		},
	}, nil, testLogger(), nil)

	h := New(staticProvider{cfg}, reg, allowlist, testLogger())
	mux := http.NewServeMux()
	h.RegisterRoutes(mux)
	return mux, reg
}

func doRequest(mux *http.ServeMux, method, target, remoteAddr string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, nil)
	req.RemoteAddr = remoteAddr
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	return rec
}

func TestAdmin_AllowlistEnforced(t *testing.T) {
	mux, _ := newTestMux(t, []string{"10.0.0.0/8"})

	if rec := doRequest(mux, http.MethodGet, "/admin/policies", "10.1.2.3:4567"); rec.Code != http.StatusOK {
		t.Fatalf("allowlisted client: expected 200, got %d", rec.Code)
	}
	if rec := doRequest(mux, http.MethodGet, "/admin/policies", "192.168.1.1:4567"); rec.Code != http.StatusForbidden {
		t.Fatalf("outside client: expected 403, got %d", rec.Code)
	}
}

func TestAdmin_EmptyAllowlistRejectsAll(t *testing.T) {
	mux, _ := newTestMux(t, nil)

	if rec := doRequest(mux, http.MethodGet, "/admin/policies", "127.0.0.1:4567"); rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 with empty allowlist, got %d", rec.Code)
	}
}

func TestAdmin_MethodNotAllowed(t *testing.T) {
	mux, _ := newTestMux(t, []string{"127.0.0.0/8"})

	if rec := doRequest(mux, http.MethodPost, "/admin/policies", "127.0.0.1:4567"); rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rec.Code)
	}
	if rec := doRequest(mux, http.MethodGet, "/admin/policies/reset?name=x", "127.0.0.1:4567"); rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405 for GET reset, got %d", rec.Code)
	}
}

func TestAdmin_PoliciesSnapshot(t *testing.T) {
	mux, reg := newTestMux(t, []string{"127.0.0.0/8"})

	// Run one call so the registry creates the policy lazily.
	orch := resilience.NewOrchestrator(reg, testLogger(), nil)
	if _, err := orch.Execute(context.Background(), "payments", func(context.Context) (any, error) {
		return nil, nil
	}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	rec := doRequest(mux, http.MethodGet, "/admin/policies", "127.0.0.1:4567")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var body struct {
		Policies []resilience.PolicyStatus `json:"policies"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if len(body.Policies) != 1 || body.Policies[0].Name != "payments" {
		t.Fatalf("unexpected snapshot: %+v", body.Policies)
	}
	if body.Policies[0].CircuitState != "closed" {
		t.Fatalf("expected closed state, got %q", body.Policies[0].CircuitState)
	}
}

func TestAdmin_ResetBreaker(t *testing.T) {
	mux, reg := newTestMux(t, []string{"127.0.0.0/8"})

	if rec := doRequest(mux, http.MethodPost, "/admin/policies/reset", "127.0.0.1:4567"); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without name, got %d", rec.Code)
	}
	if rec := doRequest(mux, http.MethodPost, "/admin/policies/reset?name=ghost", "127.0.0.1:4567"); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown name, got %d", rec.Code)
	}

	// Create the policy, then reset through the API.
	orch := resilience.NewOrchestrator(reg, testLogger(), nil)
	if _, err := orch.Execute(context.Background(), "payments", func(context.Context) (any, error) {
		return nil, nil
	}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	rec := doRequest(mux, http.MethodPost, "/admin/policies/reset?name=payments", "127.0.0.1:4567")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 for live breaker reset, got %d", rec.Code)
	}
	var body map[string]string
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if body["status"] != "reset" || body["name"] != "payments" {
		t.Fatalf("unexpected response body: %v", body)
	}
}

func TestAdmin_ConfigEndpoint(t *testing.T) {
	mux, _ := newTestMux(t, []string{"127.0.0.0/8"})

	rec := doRequest(mux, http.MethodGet, "/admin/config", "127.0.0.1:4567")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Fatalf("expected JSON content type, got %q", ct)
	}
}
