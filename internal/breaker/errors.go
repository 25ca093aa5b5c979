package breaker

import "errors"

// Sentinel errors returned by Execute. Callers distinguish these from
// downstream application errors with errors.Is — both indicate the
// breaker's own protective behavior, not a backend failure payload.
var (
	// ErrOpen is returned when the circuit is open and the reset window
	// has not elapsed. The wrapped operation was never invoked.
	ErrOpen = errors.New("circuit breaker is open")

	// ErrTimeout is returned when the wrapped operation did not settle
	// within the configured timeout. The operation keeps running in the
	// background; its eventual result is discarded.
	ErrTimeout = errors.New("circuit breaker timeout")
)
