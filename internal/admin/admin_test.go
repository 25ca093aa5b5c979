package admin

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/dskow/breaker-core/internal/breaker"
	"github.com/dskow/breaker-core/internal/config"
	"github.com/dskow/breaker-core/internal/metrics"
	"github.com/dskow/breaker-core/internal/registry"
)

func init() {
	metrics.Init()
}

// mockConfigProvider implements ConfigProvider for testing.
type mockConfigProvider struct {
	cfg *config.Config
}

func (m *mockConfigProvider) Current() *config.Config { return m.cfg }

func testRegistry(t *testing.T) *registry.Registry {
	t.Helper()
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	reg := registry.New(logger)
	for _, name := range []string{"admin-api", "customer-api"} {
		b := reg.GetBreaker(name, breaker.Options{
			Timeout:      time.Second,
			Threshold:    3,
			ResetTimeout: 30 * time.Second,
		})
		t.Cleanup(b.Stop)
	}
	return reg
}

func testAdminConfig() config.AdminConfig {
	return config.AdminConfig{
		Enabled:     true,
		IPAllowlist: []string{"127.0.0.0/8"},
		RateLimit:   config.RateLimitConfig{RequestsPerSecond: 100, BurstSize: 50},
	}
}

func testMux(t *testing.T, reg *registry.Registry, adminCfg config.AdminConfig) *http.ServeMux {
	t.Helper()
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	reloader := &mockConfigProvider{cfg: &config.Config{
		Admin:    adminCfg,
		Breakers: []config.BreakerConfig{{Name: "admin-api"}, {Name: "customer-api"}},
	}}
	h := New(reg, reloader, adminCfg, logger)

	mux := http.NewServeMux()
	h.RegisterRoutes(mux)
	return mux
}

func doReq(mux *http.ServeMux, method, path string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	req.RemoteAddr = "127.0.0.1:1234"
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	return rec
}

func TestListBreakers(t *testing.T) {
	reg := testRegistry(t)
	mux := testMux(t, reg, testAdminConfig())

	rec := doReq(mux, "GET", "/admin/breakers")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var resp struct {
		Breakers []breaker.Status `json:"breakers"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(resp.Breakers) != 2 {
		t.Fatalf("expected 2 breakers, got %d", len(resp.Breakers))
	}
	if resp.Breakers[0].Name != "admin-api" || resp.Breakers[1].Name != "customer-api" {
		t.Errorf("expected sorted names, got %q %q", resp.Breakers[0].Name, resp.Breakers[1].Name)
	}
	if resp.Breakers[0].State != "closed" {
		t.Errorf("expected closed state, got %q", resp.Breakers[0].State)
	}
}

func TestGetSingleBreaker(t *testing.T) {
	reg := testRegistry(t)
	mux := testMux(t, reg, testAdminConfig())

	rec := doReq(mux, "GET", "/admin/breakers/admin-api")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var st breaker.Status
	if err := json.Unmarshal(rec.Body.Bytes(), &st); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if st.Name != "admin-api" {
		t.Errorf("expected admin-api, got %q", st.Name)
	}

	rec = doReq(mux, "GET", "/admin/breakers/nope")
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404 for unknown breaker, got %d", rec.Code)
	}
}

func TestBreakerActions(t *testing.T) {
	reg := testRegistry(t)
	mux := testMux(t, reg, testAdminConfig())

	rec := doReq(mux, "POST", "/admin/breakers/admin-api/force-open")
	if rec.Code != http.StatusOK {
		t.Fatalf("force-open: expected 200, got %d", rec.Code)
	}
	if got := reg.Get("admin-api").State(); got != breaker.StateOpen {
		t.Errorf("expected open after force-open, got %v", got)
	}

	rec = doReq(mux, "POST", "/admin/breakers/admin-api/force-close")
	if rec.Code != http.StatusOK {
		t.Fatalf("force-close: expected 200, got %d", rec.Code)
	}
	if got := reg.Get("admin-api").State(); got != breaker.StateClosed {
		t.Errorf("expected closed after force-close, got %v", got)
	}

	rec = doReq(mux, "POST", "/admin/breakers/admin-api/reset")
	if rec.Code != http.StatusOK {
		t.Fatalf("reset: expected 200, got %d", rec.Code)
	}

	rec = doReq(mux, "POST", "/admin/breakers/admin-api/explode")
	if rec.Code != http.StatusNotFound {
		t.Errorf("unknown action: expected 404, got %d", rec.Code)
	}

	rec = doReq(mux, "GET", "/admin/breakers/admin-api/reset")
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("GET action: expected 405, got %d", rec.Code)
	}
}

func TestDeleteBreaker(t *testing.T) {
	reg := testRegistry(t)
	mux := testMux(t, reg, testAdminConfig())

	rec := doReq(mux, "DELETE", "/admin/breakers/customer-api")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if reg.Get("customer-api") != nil {
		t.Error("expected breaker evicted from registry")
	}

	rec = doReq(mux, "DELETE", "/admin/breakers/customer-api")
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404 on double delete, got %d", rec.Code)
	}
}

func TestResetAll(t *testing.T) {
	reg := testRegistry(t)
	mux := testMux(t, reg, testAdminConfig())

	reg.Get("admin-api").ForceOpen()
	reg.Get("customer-api").ForceOpen()

	rec := doReq(mux, "POST", "/admin/reset")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	for _, name := range []string{"admin-api", "customer-api"} {
		if got := reg.Get(name).State(); got != breaker.StateClosed {
			t.Errorf("expected %s closed after reset all, got %v", name, got)
		}
	}

	rec = doReq(mux, "GET", "/admin/reset")
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("expected 405, got %d", rec.Code)
	}
}

func TestConfigEndpointRedactsSecret(t *testing.T) {
	reg := testRegistry(t)
	cfg := testAdminConfig()
	cfg.Auth = config.AdminAuthConfig{Enabled: false, JWTSecret: "super-secret-key"}
	mux := testMux(t, reg, cfg)

	rec := doReq(mux, "GET", "/admin/config")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var got config.Config
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.Admin.Auth.JWTSecret != "***" {
		t.Errorf("expected redacted secret, got %q", got.Admin.Auth.JWTSecret)
	}
}

func TestIPAllowlistDenied(t *testing.T) {
	reg := testRegistry(t)
	mux := testMux(t, reg, testAdminConfig())

	req := httptest.NewRequest("GET", "/admin/breakers", nil)
	req.RemoteAddr = "10.1.2.3:5678"
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Errorf("expected 403 for non-allowlisted IP, got %d", rec.Code)
	}
}

func TestRateLimitThrottles(t *testing.T) {
	reg := testRegistry(t)
	cfg := testAdminConfig()
	cfg.RateLimit = config.RateLimitConfig{RequestsPerSecond: 0.001, BurstSize: 1}
	mux := testMux(t, reg, cfg)

	rec := doReq(mux, "GET", "/admin/breakers")
	if rec.Code != http.StatusOK {
		t.Fatalf("first request: expected 200, got %d", rec.Code)
	}

	rec = doReq(mux, "GET", "/admin/breakers")
	if rec.Code != http.StatusTooManyRequests {
		t.Errorf("second request: expected 429, got %d", rec.Code)
	}
}

func TestAuthRequired(t *testing.T) {
	reg := testRegistry(t)
	cfg := testAdminConfig()
	cfg.Auth = config.AdminAuthConfig{
		Enabled:   true,
		JWTSecret: "admin-test-secret",
		Issuer:    "breakerd",
		Audience:  "ops",
	}
	mux := testMux(t, reg, cfg)

	// No token.
	rec := doReq(mux, "GET", "/admin/breakers")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", rec.Code)
	}

	// Valid token with admin scope.
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":   "ops-user",
		"iss":   "breakerd",
		"aud":   "ops",
		"exp":   time.Now().Add(time.Hour).Unix(),
		"scope": "breakers:admin",
	})
	signed, err := token.SignedString([]byte("admin-test-secret"))
	if err != nil {
		t.Fatal(err)
	}

	req := httptest.NewRequest("GET", "/admin/breakers", nil)
	req.RemoteAddr = "127.0.0.1:1234"
	req.Header.Set("Authorization", "Bearer "+signed)
	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("expected 200 with valid token, got %d: %s", rec.Code, rec.Body.String())
	}
}
