// Package apierror provides a centralized error response format for the
// breaker daemon's HTTP surfaces. All handlers use WriteJSON to produce
// consistent, machine-readable error responses with stable error codes.
package apierror

import (
	"encoding/json"
	"net/http"
)

// ErrorCode is a machine-readable error classification string.
type ErrorCode string

// Daemon error codes. These form a public API contract — operators and
// tooling can program against these stable codes. Do not rename or remove
// existing codes.
const (
	BreakerNotFound  ErrorCode = "BREAKER_NOT_FOUND"
	MethodNotAllowed ErrorCode = "BREAKER_METHOD_NOT_ALLOWED"

	// CircuitOpen and CallTimeout are not emitted by the daemon's own
	// handlers. They are the published codes for front ends embedding the
	// breaker engine: callers surfacing ErrOpen map it to 503/CircuitOpen
	// and ErrTimeout to 504/CallTimeout, so clients can tell protective
	// rejections apart from downstream application errors.
	CircuitOpen ErrorCode = "BREAKER_CIRCUIT_OPEN"
	CallTimeout ErrorCode = "BREAKER_CALL_TIMEOUT"
	AdminForbidden        ErrorCode = "BREAKER_ADMIN_FORBIDDEN"
	AuthMissingToken      ErrorCode = "BREAKER_AUTH_MISSING_TOKEN"
	AuthInvalidToken      ErrorCode = "BREAKER_AUTH_INVALID_TOKEN"
	AuthInsufficientScope ErrorCode = "BREAKER_AUTH_INSUFFICIENT_SCOPE"
	RateLimitExceeded     ErrorCode = "BREAKER_RATE_LIMIT_EXCEEDED"
	InvalidRequest        ErrorCode = "BREAKER_INVALID_REQUEST"
	InternalError         ErrorCode = "BREAKER_INTERNAL_ERROR"
)

// ErrorResponse is the standardized error body.
type ErrorResponse struct {
	Error     string `json:"error"`
	ErrorCode string `json:"error_code"`
	Message   string `json:"message"`
	RequestID string `json:"request_id,omitempty"`
}

// Pre-serialized JSON bodies for the most common error responses.
// Avoids json.Encoder allocation on every error in the hot path.
// These do NOT include request_id since it varies per request.
var (
	preBreakerNotFound   = mustMarshal(http.StatusNotFound, BreakerNotFound, "no such breaker")
	preCircuitOpen       = mustMarshal(http.StatusServiceUnavailable, CircuitOpen, "circuit breaker open")
	preAdminForbidden    = mustMarshal(http.StatusForbidden, AdminForbidden, "admin access denied")
	preAuthMissingToken  = mustMarshal(http.StatusUnauthorized, AuthMissingToken, "missing or malformed Authorization header")
	preRateLimitExceeded = mustMarshal(http.StatusTooManyRequests, RateLimitExceeded, "rate limit exceeded, retry later")
)

func mustMarshal(status int, code ErrorCode, message string) []byte {
	b, _ := json.Marshal(ErrorResponse{
		Error:     http.StatusText(status),
		ErrorCode: string(code),
		Message:   message,
	})
	return append(b, '\n')
}

// WriteJSON writes a structured JSON error response. For common error
// code+message combinations, pre-serialized bodies are used (no allocation).
// When a request ID is available it is included in the response; the
// request-ID middleware publishes it on the response header, with the
// client's own X-Request-ID header as fallback when the middleware is not
// in the chain. The request parameter may be nil for contexts where the
// request is not available.
func WriteJSON(w http.ResponseWriter, r *http.Request, status int, code ErrorCode, message string) {
	// Read before WriteHeader: the response header map is fixed after that.
	requestID := w.Header().Get("X-Request-ID")
	if requestID == "" && r != nil {
		requestID = r.Header.Get("X-Request-ID")
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	// Fast path: use pre-serialized body for common errors when there is
	// no request ID to include (avoids allocation).

	if requestID == "" {
		if body := preSerialized(status, code, message); body != nil {
			w.Write(body) //nolint:errcheck
			return
		}
	}

	json.NewEncoder(w).Encode(ErrorResponse{
		Error:     http.StatusText(status),
		ErrorCode: string(code),
		Message:   message,
		RequestID: requestID,
	})
}

// preSerialized returns a pre-built response body for common error
// combinations, or nil if no match.
func preSerialized(status int, code ErrorCode, message string) []byte {
	switch {
	case code == BreakerNotFound && status == http.StatusNotFound && message == "no such breaker":
		return preBreakerNotFound
	case code == CircuitOpen && status == http.StatusServiceUnavailable && message == "circuit breaker open":
		return preCircuitOpen
	case code == AdminForbidden && status == http.StatusForbidden && message == "admin access denied":
		return preAdminForbidden
	case code == AuthMissingToken && status == http.StatusUnauthorized && message == "missing or malformed Authorization header":
		return preAuthMissingToken
	case code == RateLimitExceeded && status == http.StatusTooManyRequests && message == "rate limit exceeded, retry later":
		return preRateLimitExceeded
	}
	return nil
}
