// Package middleware provides the HTTP middleware chain for the daemon's
// admin and health surfaces: panic recovery, request-ID tagging, and
// access logging.
package middleware

import (
	"log/slog"
	"net/http"
	"runtime/debug"

	"github.com/dskow/breaker-core/internal/apierror"
)

// Recovery returns middleware that converts a handler panic into a 500
// JSON error instead of tearing down the daemon's control surface. The
// stack trace and request coordinates are logged for diagnosis.
func Recovery(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if err := recover(); err != nil {
					logger.Error("panic in handler",
						"error", err,
						"method", r.Method,
						"path", r.URL.Path,
						"remote", r.RemoteAddr,
						"stack", string(debug.Stack()),
					)
					apierror.WriteJSON(w, r, http.StatusInternalServerError, apierror.InternalError, "an unexpected error occurred")
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}
