package health

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/dskow/breaker-core/internal/breaker"
	"github.com/dskow/breaker-core/internal/metrics"
	"github.com/dskow/breaker-core/internal/registry"
)

func init() {
	metrics.Init()
}

func testRegistry(t *testing.T, names ...string) *registry.Registry {
	t.Helper()
	reg := registry.New(slog.Default())
	for _, name := range names {
		b := reg.GetBreaker(name, breaker.Options{
			Timeout:      time.Second,
			Threshold:    3,
			ResetTimeout: 30 * time.Second,
		})
		t.Cleanup(b.Stop)
	}
	return reg
}

func TestLiveness_AlwaysReturns200(t *testing.T) {
	h := New(testRegistry(t), slog.Default())
	mux := http.NewServeMux()
	h.RegisterRoutes(mux)

	req := httptest.NewRequest("GET", "/health", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}

	var body map[string]interface{}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body["status"] != "ok" {
		t.Errorf("expected status ok, got %v", body["status"])
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("expected application/json, got %q", ct)
	}
}

func TestReadiness_AllClosed(t *testing.T) {
	reg := testRegistry(t, "admin-api", "customer-api")
	h := New(reg, slog.Default())
	mux := http.NewServeMux()
	h.RegisterRoutes(mux)

	req := httptest.NewRequest("GET", "/ready", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}

	var body map[string]interface{}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body["status"] != "ready" {
		t.Errorf("expected ready, got %v", body["status"])
	}
	states := body["breakers"].(map[string]interface{})
	if states["admin-api"] != "closed" {
		t.Errorf("expected closed, got %v", states["admin-api"])
	}
}

func TestReadiness_OpenBreakerReports503(t *testing.T) {
	reg := testRegistry(t, "admin-api", "customer-api")
	reg.Get("customer-api").ForceOpen()

	h := New(reg, slog.Default())
	mux := http.NewServeMux()
	h.RegisterRoutes(mux)

	req := httptest.NewRequest("GET", "/ready", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503, got %d", rec.Code)
	}

	var body map[string]interface{}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body["status"] != "not ready" {
		t.Errorf("expected 'not ready', got %v", body["status"])
	}
	states := body["breakers"].(map[string]interface{})
	if states["customer-api"] != "open" {
		t.Errorf("expected open, got %v", states["customer-api"])
	}
}

func TestReadiness_CachesResult(t *testing.T) {
	reg := testRegistry(t, "admin-api")
	h := New(reg, slog.Default())
	mux := http.NewServeMux()
	h.RegisterRoutes(mux)

	req := httptest.NewRequest("GET", "/ready", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	// Force-open after the first poll; the cached result should still be
	// served within the TTL.
	reg.Get("admin-api").ForceOpen()

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest("GET", "/ready", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("expected cached 200, got %d", rec.Code)
	}
}
