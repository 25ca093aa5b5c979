package breaker

import "time"

// EventType classifies a breaker lifecycle event.
type EventType string

const (
	EventSuccess  EventType = "success"
	EventFailure  EventType = "failure"
	EventOpen     EventType = "open"
	EventHalfOpen EventType = "half-open"
	EventClose    EventType = "close"
	EventReset    EventType = "reset"
)

// Event is a breaker lifecycle notification. Observability collaborators
// receive events through listeners injected at construction; the breaker
// performs no formatting or persistence of its own.
type Event struct {
	Type    EventType
	Breaker string

	// From and To are set on state transition events (open, half-open,
	// close, reset).
	From State
	To   State

	// Reason describes what triggered a transition, e.g. "consecutive
	// failure threshold" or "health check passed".
	Reason string

	// Duration is the call latency on success and failure events.
	Duration time.Duration

	// Err is the failure cause on failure events.
	Err error

	At time.Time
}

// Listener receives breaker events. Listeners are invoked synchronously,
// outside the breaker's internal lock, in registration order. A listener
// that blocks delays the Execute call that produced the event.
type Listener func(Event)
