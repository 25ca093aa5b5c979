// Package admin provides the admin API for runtime inspection and manual
// control of circuit breakers. All endpoints sit behind a shared token
// bucket, an IP allowlist, and (when enabled) JWT bearer auth.
package admin

import (
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"strings"

	"golang.org/x/time/rate"

	"github.com/dskow/breaker-core/internal/apierror"
	"github.com/dskow/breaker-core/internal/auth"
	"github.com/dskow/breaker-core/internal/config"
	"github.com/dskow/breaker-core/internal/metrics"
	"github.com/dskow/breaker-core/internal/registry"
)

// Handler provides admin API endpoints.
type Handler struct {
	registry    *registry.Registry
	reloader    ConfigProvider
	limiter     *rate.Limiter
	allowedNets []*net.IPNet
	authMW      func(http.Handler) http.Handler
	logger      *slog.Logger
}

// ConfigProvider abstracts config access for testability.
type ConfigProvider interface {
	Current() *config.Config
}

// New creates a new admin Handler. The allowlist CIDRs must be pre-validated
// (config validation ensures this).
func New(reg *registry.Registry, reloader ConfigProvider, cfg config.AdminConfig, logger *slog.Logger) *Handler {
	nets := make([]*net.IPNet, 0, len(cfg.IPAllowlist))
	for _, cidr := range cfg.IPAllowlist {
		_, ipNet, err := net.ParseCIDR(cidr)
		if err != nil {
			continue // already validated by config
		}
		nets = append(nets, ipNet)
	}
	return &Handler{
		registry:    reg,
		reloader:    reloader,
		limiter:     rate.NewLimiter(rate.Limit(cfg.RateLimit.RequestsPerSecond), cfg.RateLimit.BurstSize),
		allowedNets: nets,
		authMW:      auth.Middleware(cfg.Auth, logger),
		logger:      logger,
	}
}

// RegisterRoutes adds admin routes to the given mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/admin/breakers", h.guard(h.listHandler))
	mux.HandleFunc("/admin/breakers/", h.guard(h.breakerHandler))
	mux.HandleFunc("/admin/reset", h.guard(h.resetAllHandler))
	mux.HandleFunc("/admin/config", h.guard(h.configHandler))
}

// guard wraps a handler with the admin access chain: token bucket,
// IP allowlist, then bearer auth.
func (h *Handler) guard(next http.HandlerFunc) http.HandlerFunc {
	authed := h.authMW(next)
	return func(w http.ResponseWriter, r *http.Request) {
		if !h.limiter.Allow() {
			metrics.AdminThrottled.Inc()
			apierror.WriteJSON(w, r, http.StatusTooManyRequests, apierror.RateLimitExceeded,
				"rate limit exceeded, retry later")
			return
		}

		ip := extractIP(r.RemoteAddr)
		if !h.isAllowed(ip) {
			h.logger.Warn("admin access denied", "client_ip", ip, "path", r.URL.Path)
			apierror.WriteJSON(w, r, http.StatusForbidden, apierror.AdminForbidden, "admin access denied")
			return
		}
		authed.ServeHTTP(w, r)
	}
}

func (h *Handler) isAllowed(ipStr string) bool {
	ip := net.ParseIP(ipStr)
	if ip == nil {
		return false
	}
	for _, n := range h.allowedNets {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

func extractIP(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}

// listHandler serves GET /admin/breakers.
func (h *Handler) listHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		apierror.WriteJSON(w, r, http.StatusMethodNotAllowed, apierror.MethodNotAllowed, "use GET")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"breakers": h.registry.GetAllStatuses(),
	})
}

// breakerHandler dispatches /admin/breakers/{name} and
// /admin/breakers/{name}/{action}.
func (h *Handler) breakerHandler(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/admin/breakers/")
	parts := strings.Split(strings.Trim(rest, "/"), "/")

	switch len(parts) {
	case 1:
		if parts[0] == "" {
			apierror.WriteJSON(w, r, http.StatusNotFound, apierror.BreakerNotFound, "no such breaker")
			return
		}
		h.singleHandler(w, r, parts[0])
	case 2:
		h.actionHandler(w, r, parts[0], parts[1])
	default:
		apierror.WriteJSON(w, r, http.StatusNotFound, apierror.BreakerNotFound, "no such breaker")
	}
}

func (h *Handler) singleHandler(w http.ResponseWriter, r *http.Request, name string) {
	switch r.Method {
	case http.MethodGet:
		b := h.registry.Get(name)
		if b == nil {
			apierror.WriteJSON(w, r, http.StatusNotFound, apierror.BreakerNotFound, "no such breaker")
			return
		}
		writeJSON(w, http.StatusOK, b.Status())

	case http.MethodDelete:
		if !h.registry.RemoveBreaker(name) {
			apierror.WriteJSON(w, r, http.StatusNotFound, apierror.BreakerNotFound, "no such breaker")
			return
		}
		h.logger.Info("breaker removed via admin API", "breaker", name)
		writeJSON(w, http.StatusOK, map[string]string{"removed": name})

	default:
		apierror.WriteJSON(w, r, http.StatusMethodNotAllowed, apierror.MethodNotAllowed, "use GET or DELETE")
	}
}

func (h *Handler) actionHandler(w http.ResponseWriter, r *http.Request, name, action string) {
	if r.Method != http.MethodPost {
		apierror.WriteJSON(w, r, http.StatusMethodNotAllowed, apierror.MethodNotAllowed, "use POST")
		return
	}

	b := h.registry.Get(name)
	if b == nil {
		apierror.WriteJSON(w, r, http.StatusNotFound, apierror.BreakerNotFound, "no such breaker")
		return
	}

	switch action {
	case "reset":
		b.Reset()
	case "force-open":
		b.ForceOpen()
	case "force-close":
		b.ForceClose()
	default:
		apierror.WriteJSON(w, r, http.StatusNotFound, apierror.InvalidRequest,
			"unknown action; expected reset, force-open, or force-close")
		return
	}

	h.logger.Info("breaker action via admin API", "breaker", name, "action", action)
	writeJSON(w, http.StatusOK, b.Status())
}

// resetAllHandler serves POST /admin/reset.
func (h *Handler) resetAllHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		apierror.WriteJSON(w, r, http.StatusMethodNotAllowed, apierror.MethodNotAllowed, "use POST")
		return
	}
	h.registry.ResetAll()
	h.logger.Info("all breakers reset via admin API")
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"reset": h.registry.Names(),
	})
}

// configHandler serves GET /admin/config with secrets redacted.
func (h *Handler) configHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		apierror.WriteJSON(w, r, http.StatusMethodNotAllowed, apierror.MethodNotAllowed, "use GET")
		return
	}

	cfg := h.reloader.Current()

	// Shallow copy and redact sensitive fields.
	redacted := *cfg
	if redacted.Admin.Auth.JWTSecret != "" {
		redacted.Admin.Auth.JWTSecret = "***"
	}

	writeJSON(w, http.StatusOK, redacted)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}
