package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"log/slog"

	"github.com/golang-jwt/jwt/v5"

	"github.com/dskow/breaker-core/internal/config"
	"github.com/dskow/breaker-core/internal/metrics"
)

func init() {
	metrics.Init()
}

const testSecret = "test-secret-key-for-hmac-256"

func makeToken(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	s, err := token.SignedString([]byte(testSecret))
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func validClaims() jwt.MapClaims {
	return jwt.MapClaims{
		"sub":   "ops-user",
		"iss":   "test-issuer",
		"aud":   "test-audience",
		"exp":   time.Now().Add(time.Hour).Unix(),
		"scope": "breakers:read breakers:admin",
	}
}

func testAuthConfig() config.AdminAuthConfig {
	return config.AdminAuthConfig{
		Enabled:   true,
		JWTSecret: testSecret,
		Issuer:    "test-issuer",
		Audience:  "test-audience",
	}
}

func wrapped(cfg config.AdminAuthConfig, captured **Claims) http.Handler {
	return Middleware(cfg, slog.Default())(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if captured != nil {
				if c, ok := r.Context().Value(ClaimsKey).(*Claims); ok {
					*captured = c
				}
			}
			w.WriteHeader(http.StatusOK)
		}),
	)
}

func TestMiddleware_ValidToken(t *testing.T) {
	token := makeToken(t, validClaims())

	var capturedClaims *Claims
	handler := wrapped(testAuthConfig(), &capturedClaims)

	req := httptest.NewRequest("GET", "/admin/breakers", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
	if capturedClaims == nil {
		t.Fatal("expected claims in context")
	}
	if capturedClaims.Subject != "ops-user" {
		t.Errorf("expected sub ops-user, got %q", capturedClaims.Subject)
	}
	if len(capturedClaims.Scopes) != 2 {
		t.Errorf("expected 2 scopes, got %d", len(capturedClaims.Scopes))
	}
}

func TestMiddleware_ExpiredToken(t *testing.T) {
	claims := validClaims()
	claims["exp"] = time.Now().Add(-time.Hour).Unix()
	token := makeToken(t, claims)

	handler := wrapped(testAuthConfig(), nil)

	req := httptest.NewRequest("GET", "/admin/breakers", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", rec.Code)
	}
}

func TestMiddleware_WrongAudience(t *testing.T) {
	claims := validClaims()
	claims["aud"] = "wrong-audience"
	token := makeToken(t, claims)

	handler := wrapped(testAuthConfig(), nil)

	req := httptest.NewRequest("GET", "/admin/breakers", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", rec.Code)
	}
}

func TestMiddleware_WrongIssuer(t *testing.T) {
	claims := validClaims()
	claims["iss"] = "wrong-issuer"
	token := makeToken(t, claims)

	handler := wrapped(testAuthConfig(), nil)

	req := httptest.NewRequest("GET", "/admin/breakers", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", rec.Code)
	}
}

func TestMiddleware_MissingAdminScope(t *testing.T) {
	claims := validClaims()
	claims["scope"] = "breakers:read"
	token := makeToken(t, claims)

	handler := wrapped(testAuthConfig(), nil)

	req := httptest.NewRequest("POST", "/admin/breakers/a/reset", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Errorf("expected 403, got %d", rec.Code)
	}
}

func TestMiddleware_MalformedToken(t *testing.T) {
	handler := wrapped(testAuthConfig(), nil)

	tests := []struct {
		name   string
		header string
	}{
		{"no header", ""},
		{"no bearer prefix", "Token abc123"},
		{"empty bearer", "Bearer "},
		{"garbage token", "Bearer not.a.valid.jwt"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/admin/breakers", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)

			if rec.Code != http.StatusUnauthorized {
				t.Errorf("expected 401, got %d", rec.Code)
			}
		})
	}
}

func TestMiddleware_AuthDisabled(t *testing.T) {
	cfg := testAuthConfig()
	cfg.Enabled = false

	handler := wrapped(cfg, nil)

	req := httptest.NewRequest("GET", "/admin/breakers", nil)
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
}

func TestMiddleware_WrongSigningMethod(t *testing.T) {
	// Create a token signed with HS384 instead of HS256
	token := jwt.NewWithClaims(jwt.SigningMethodHS384, validClaims())
	tokenStr, _ := token.SignedString([]byte(testSecret))

	handler := wrapped(testAuthConfig(), nil)

	req := httptest.NewRequest("GET", "/admin/breakers", nil)
	req.Header.Set("Authorization", "Bearer "+tokenStr)
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", rec.Code)
	}
}
