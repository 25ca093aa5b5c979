// Package health provides liveness and readiness probe HTTP handlers.
package health

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/dskow/breaker-core/internal/breaker"
	"github.com/dskow/breaker-core/internal/registry"
)

// Pre-serialized liveness response avoids json.Encoder allocation.
var livenessBody = []byte(`{"status":"ok"}` + "\n")

const readinessCacheTTL = 5 * time.Second

// Handler provides /health and /ready endpoints.
type Handler struct {
	registry *registry.Registry
	logger   *slog.Logger

	// Cached readiness result so a tight /ready poll does not snapshot
	// every breaker on each request. Protected by cacheMu.
	cacheMu      sync.RWMutex
	cachedResult []byte
	cachedStatus int
	cachedAt     time.Time
}

// New creates a new health Handler backed by the breaker registry.
func New(reg *registry.Registry, logger *slog.Logger) *Handler {
	return &Handler{registry: reg, logger: logger}
}

// RegisterRoutes adds health check routes to the given mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/health", h.liveness)
	mux.HandleFunc("/ready", h.readiness)
}

func (h *Handler) liveness(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(livenessBody)
}

// readiness reports not-ready (503) while any breaker is open. Half-open
// breakers are probing their way back and count as ready.
func (h *Handler) readiness(w http.ResponseWriter, r *http.Request) {
	// Serve from cache if fresh.
	h.cacheMu.RLock()
	if h.cachedResult != nil && time.Since(h.cachedAt) < readinessCacheTTL {
		body := h.cachedResult
		status := h.cachedStatus
		h.cacheMu.RUnlock()
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		w.Write(body)
		return
	}
	h.cacheMu.RUnlock()

	states := make(map[string]string)
	anyOpen := false
	for _, b := range h.registry.GetAllBreakers() {
		st := b.State()
		states[b.Name()] = st.String()
		if st == breaker.StateOpen {
			anyOpen = true
		}
	}

	httpStatus := http.StatusOK
	statusStr := "ready"
	if anyOpen {
		httpStatus = http.StatusServiceUnavailable
		statusStr = "not ready"
		h.logger.Warn("readiness degraded, open breaker present", "breakers", states)
	}

	body, _ := json.Marshal(map[string]interface{}{
		"status":   statusStr,
		"breakers": states,
	})
	body = append(body, '\n')

	// Cache the result.
	h.cacheMu.Lock()
	h.cachedResult = body
	h.cachedStatus = httpStatus
	h.cachedAt = time.Now()
	h.cacheMu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(httpStatus)
	w.Write(body)
}
