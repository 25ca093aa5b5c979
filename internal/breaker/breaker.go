package breaker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/dskow/breaker-core/internal/metrics"
)

// Operation is an asynchronous call wrapped by the breaker. The context is
// the caller's; the breaker does not cancel it on timeout — a timed-out
// operation keeps running in the background and its result is discarded.
type Operation func(ctx context.Context) (any, error)

// Fallback is invoked when the primary call is refused or fails. Its
// result or error replaces the call outcome; the original cause is passed
// in and not re-raised.
type Fallback func(ctx context.Context, cause error) (any, error)

// HealthCheck is an out-of-band probe used to decide when an open breaker
// may attempt recovery, independent of live traffic.
type HealthCheck func(ctx context.Context) error

// Options configures a Breaker. Zero-valued fields get defaults from New.
// Options are immutable after construction.
type Options struct {
	Name string

	// Timeout bounds each wrapped call; a call that does not settle
	// within Timeout fails with ErrTimeout.
	Timeout time.Duration

	// Threshold is the consecutive-failure count that opens the circuit.
	Threshold int

	// ResetTimeout is how long the circuit stays open before a half-open
	// attempt is permitted.
	ResetTimeout time.Duration

	// RollingWindow is the trailing span over which error-rate statistics
	// are computed; BucketInterval is the rotation period of its buckets.
	RollingWindow  time.Duration
	BucketInterval time.Duration

	// VolumeThreshold is the minimum call volume in the window before
	// error-rate-based opening is considered, and the consecutive-success
	// count required to close from half-open.
	VolumeThreshold int

	// ErrorThresholdPercentage (0-100) opens the circuit when the window
	// error rate reaches it, volume permitting.
	ErrorThresholdPercentage float64

	Fallback    Fallback
	HealthCheck HealthCheck
	Listeners   []Listener
	Logger      *slog.Logger
}

// Default option values, applied by New for zero-valued fields.
const (
	DefaultTimeout                  = 5 * time.Second
	DefaultThreshold                = 5
	DefaultResetTimeout             = 30 * time.Second
	DefaultRollingWindow            = 10 * time.Second
	DefaultBucketInterval           = time.Second
	DefaultVolumeThreshold          = 10
	DefaultErrorThresholdPercentage = 50
)

// Breaker guards calls to a single logical downstream dependency. All
// counter mutation goes through Execute or the explicit
// ForceOpen/ForceClose/Reset operations.
type Breaker struct {
	opts Options

	mu                   sync.Mutex
	state                State
	consecutiveFailures  int
	consecutiveSuccesses int
	nextAttempt          time.Time // set while open, zero otherwise
	lifetime             LifetimeMetrics
	window               *window
	latency              latencyRing

	// generation increments on every state transition; the health-check
	// recovery loop captures it when the circuit opens and terminates
	// when it no longer matches.
	generation uint64

	started bool
	stopped bool
	stopCh  chan struct{}
}

// LifetimeMetrics are monotonically increasing totals for the life of the
// breaker (until an explicit Reset).
type LifetimeMetrics struct {
	Requests     uint64 `json:"requests"`
	Successes    uint64 `json:"successes"`
	Failures     uint64 `json:"failures"`
	Timeouts     uint64 `json:"timeouts"`
	CircuitOpens uint64 `json:"circuit_opens"`
}

// New creates a Breaker with defaults applied. Call Start to begin bucket
// rotation and Stop when the breaker is discarded.
func New(opts Options) *Breaker {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.Threshold <= 0 {
		opts.Threshold = DefaultThreshold
	}
	if opts.ResetTimeout <= 0 {
		opts.ResetTimeout = DefaultResetTimeout
	}
	if opts.RollingWindow <= 0 {
		opts.RollingWindow = DefaultRollingWindow
	}
	if opts.BucketInterval <= 0 {
		opts.BucketInterval = DefaultBucketInterval
	}
	if opts.VolumeThreshold <= 0 {
		opts.VolumeThreshold = DefaultVolumeThreshold
	}
	if opts.ErrorThresholdPercentage <= 0 {
		opts.ErrorThresholdPercentage = DefaultErrorThresholdPercentage
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	return &Breaker{
		opts:   opts,
		state:  StateClosed,
		window: newWindow(opts.RollingWindow, opts.BucketInterval, time.Now()),
		stopCh: make(chan struct{}),
	}
}

// Name returns the breaker's unique name.
func (b *Breaker) Name() string { return b.opts.Name }

// Options returns the breaker's configuration.
func (b *Breaker) Options() Options { return b.opts }

// Start launches the background bucket-rotation goroutine. Idempotent.
func (b *Breaker) Start() {
	b.mu.Lock()
	if b.started || b.stopped {
		b.mu.Unlock()
		return
	}
	b.started = true
	b.mu.Unlock()
	go b.rotateLoop()
}

// Stop terminates the bucket-rotation goroutine and any health-check
// recovery loop. A stopped breaker still serves in-flight and future
// Execute calls; only its background timers are released. Idempotent.
func (b *Breaker) Stop() {
	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		return
	}
	b.stopped = true
	b.mu.Unlock()
	close(b.stopCh)
}

func (b *Breaker) rotateLoop() {
	ticker := time.NewTicker(b.opts.BucketInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			b.mu.Lock()
			b.window.rotate(time.Now())
			b.mu.Unlock()
		case <-b.stopCh:
			return
		}
	}
}

// settled carries an operation's result across the timeout race. The
// channel is 1-buffered so a late settlement never blocks the goroutine.
type settled struct {
	result any
	err    error
}

// Execute runs op under the breaker's protection. It returns op's result,
// the fallback's outcome when one is configured, or fails with ErrOpen,
// ErrTimeout, or op's own error.
func (b *Breaker) Execute(ctx context.Context, op Operation) (any, error) {
	if err := b.preflight(); err != nil {
		metrics.BreakerCalls.WithLabelValues(b.opts.Name, metrics.OutcomeRejected).Inc()
		if b.opts.Fallback != nil {
			return b.opts.Fallback(ctx, err)
		}
		return nil, err
	}

	start := time.Now()
	done := make(chan settled, 1)
	go func() {
		result, err := op(ctx)
		done <- settled{result: result, err: err}
	}()

	timer := time.NewTimer(b.opts.Timeout)
	select {
	case s := <-done:
		timer.Stop()
		elapsed := time.Since(start)
		if s.err != nil {
			b.onFailure(s.err, elapsed, false)
			if b.opts.Fallback != nil {
				return b.opts.Fallback(ctx, s.err)
			}
			return nil, s.err
		}
		b.onSuccess(elapsed)
		return s.result, nil

	case <-timer.C:
		elapsed := time.Since(start)
		b.onFailure(ErrTimeout, elapsed, true)
		if b.opts.Fallback != nil {
			return b.opts.Fallback(ctx, ErrTimeout)
		}
		return nil, ErrTimeout
	}
}

// preflight applies the open-circuit gate and records the attempt.
// Returns ErrOpen when the call must fail fast without invoking the
// operation.
func (b *Breaker) preflight() error {
	now := time.Now()

	b.mu.Lock()
	if b.state == StateOpen {
		if now.Before(b.nextAttempt) {
			b.mu.Unlock()
			return ErrOpen
		}
		ev := b.toHalfOpenLocked("reset timeout elapsed")
		b.lifetime.Requests++
		b.window.current.Requests++
		b.mu.Unlock()
		b.publish(ev)
		return nil
	}
	b.lifetime.Requests++
	b.window.current.Requests++
	b.mu.Unlock()
	return nil
}

// onSuccess applies the success handler: counters, latency sample, and
// the half-open close guard.
func (b *Breaker) onSuccess(elapsed time.Duration) {
	b.mu.Lock()
	b.lifetime.Successes++
	b.window.current.Successes++
	b.latency.add(elapsed)

	var transition *Event
	switch b.state {
	case StateHalfOpen:
		b.consecutiveSuccesses++
		if b.consecutiveSuccesses >= b.opts.VolumeThreshold {
			transition = b.toClosedLocked("half-open success quota met")
		}
	case StateClosed:
		b.consecutiveFailures = 0
	}
	b.mu.Unlock()

	metrics.BreakerCalls.WithLabelValues(b.opts.Name, metrics.OutcomeSuccess).Inc()
	metrics.CallDuration.WithLabelValues(b.opts.Name).Observe(elapsed.Seconds())

	b.publish(&Event{
		Type:     EventSuccess,
		Breaker:  b.opts.Name,
		Duration: elapsed,
		At:       time.Now(),
	}, transition)
}

// onFailure applies the failure handler: counters and the open guards.
// The guard check-then-act runs under the lock so concurrent failures
// cannot double-open the circuit.
func (b *Breaker) onFailure(cause error, elapsed time.Duration, isTimeout bool) {
	now := time.Now()

	b.mu.Lock()
	b.lifetime.Failures++
	b.window.current.Failures++
	if isTimeout {
		b.lifetime.Timeouts++
		b.window.current.Timeouts++
	}

	var transition *Event
	switch b.state {
	case StateHalfOpen:
		// Any single failure while probing reopens immediately.
		transition = b.toOpenLocked(now, "half-open failure")
	case StateClosed:
		b.consecutiveFailures++
		if b.consecutiveFailures >= b.opts.Threshold {
			transition = b.toOpenLocked(now, "consecutive failure threshold")
		} else if m := b.window.metrics(now); m.Total >= uint64(b.opts.VolumeThreshold) &&
			m.ErrorRate() >= b.opts.ErrorThresholdPercentage {
			transition = b.toOpenLocked(now, "window error rate threshold")
		}
	}
	b.mu.Unlock()

	outcome := metrics.OutcomeFailure
	if isTimeout {
		outcome = metrics.OutcomeTimeout
	}
	metrics.BreakerCalls.WithLabelValues(b.opts.Name, outcome).Inc()
	metrics.CallDuration.WithLabelValues(b.opts.Name).Observe(elapsed.Seconds())

	b.publish(&Event{
		Type:     EventFailure,
		Breaker:  b.opts.Name,
		Duration: elapsed,
		Err:      cause,
		At:       time.Now(),
	}, transition)
}

// ForceOpen transitions the breaker to open regardless of traffic.
// Idempotent: forcing an already-open breaker is a no-op.
func (b *Breaker) ForceOpen() {
	b.mu.Lock()
	ev := b.toOpenLocked(time.Now(), "forced")
	b.mu.Unlock()
	b.publish(ev)
}

// ForceClose transitions the breaker to closed regardless of traffic.
// Idempotent.
func (b *Breaker) ForceClose() {
	b.mu.Lock()
	ev := b.toClosedLocked("forced")
	b.mu.Unlock()
	b.publish(ev)
}

// Reset forces the breaker to closed and clears all counters, window
// buckets, and latency samples. Idempotent.
func (b *Breaker) Reset() {
	now := time.Now()

	b.mu.Lock()
	from := b.state
	b.toClosedLocked("reset")
	b.lifetime = LifetimeMetrics{}
	b.window.reset(now)
	b.latency.reset()
	b.mu.Unlock()

	b.publish(&Event{
		Type:    EventReset,
		Breaker: b.opts.Name,
		From:    from,
		To:      StateClosed,
		Reason:  "reset",
		At:      now,
	})
}

// State returns the current circuit state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// WindowMetrics returns the aggregate over the current rolling window.
func (b *Breaker) WindowMetrics() WindowMetrics {
	now := time.Now()
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.window.metrics(now)
}

// HealthCheck delegates to the configured probe; without one it reports
// whether the circuit is closed.
func (b *Breaker) HealthCheck(ctx context.Context) bool {
	if b.opts.HealthCheck != nil {
		return b.opts.HealthCheck(ctx) == nil
	}
	return b.State() == StateClosed
}

// toOpenLocked transitions to open. No-op (returns nil) when already
// open. Must be called with b.mu held.
func (b *Breaker) toOpenLocked(now time.Time, reason string) *Event {
	if b.state == StateOpen {
		return nil
	}
	from := b.state
	b.state = StateOpen
	b.generation++
	b.nextAttempt = now.Add(b.opts.ResetTimeout)
	b.consecutiveSuccesses = 0
	b.lifetime.CircuitOpens++

	b.recordTransition(from, StateOpen, reason)
	metrics.BreakerOpens.WithLabelValues(b.opts.Name).Inc()

	// Schedule the out-of-band recovery probe, independent of live
	// traffic. The loop terminates itself if the breaker leaves open
	// through any other path.
	if b.opts.HealthCheck != nil && !b.stopped {
		go b.recoveryLoop(b.generation)
	}

	return &Event{
		Type:    EventOpen,
		Breaker: b.opts.Name,
		From:    from,
		To:      StateOpen,
		Reason:  reason,
		At:      now,
	}
}

// toHalfOpenLocked transitions to half-open. No-op when already
// half-open. Must be called with b.mu held.
func (b *Breaker) toHalfOpenLocked(reason string) *Event {
	if b.state == StateHalfOpen {
		return nil
	}
	from := b.state
	b.state = StateHalfOpen
	b.generation++
	b.consecutiveFailures = 0
	b.consecutiveSuccesses = 0

	b.recordTransition(from, StateHalfOpen, reason)

	return &Event{
		Type:    EventHalfOpen,
		Breaker: b.opts.Name,
		From:    from,
		To:      StateHalfOpen,
		Reason:  reason,
		At:      time.Now(),
	}
}

// toClosedLocked transitions to closed. No-op when already closed. Must
// be called with b.mu held.
func (b *Breaker) toClosedLocked(reason string) *Event {
	if b.state == StateClosed {
		return nil
	}
	from := b.state
	now := time.Now()
	b.state = StateClosed
	b.generation++
	b.nextAttempt = time.Time{}
	b.consecutiveFailures = 0
	b.consecutiveSuccesses = 0
	// Discard the window that tripped the circuit so stale failures
	// cannot immediately re-trip the error-rate guard.
	b.window.reset(now)

	b.recordTransition(from, StateClosed, reason)

	return &Event{
		Type:    EventClose,
		Breaker: b.opts.Name,
		From:    from,
		To:      StateClosed,
		Reason:  reason,
		At:      now,
	}
}

// recordTransition emits metrics and logging for a state change.
// Must be called with b.mu held.
func (b *Breaker) recordTransition(from, to State, reason string) {
	metrics.BreakerTransitions.WithLabelValues(b.opts.Name, from.String(), to.String()).Inc()
	metrics.BreakerState.WithLabelValues(b.opts.Name).Set(float64(to))

	b.opts.Logger.Info("circuit breaker state change",
		"breaker", b.opts.Name,
		"from", from.String(),
		"to", to.String(),
		"reason", reason,
	)
}

// recoveryLoop probes the configured health check while the circuit is
// open. On a passing probe it moves the breaker to half-open without
// waiting for live traffic; on a failing probe it reschedules after
// another reset timeout. gen pins the loop to the open transition that
// spawned it.
func (b *Breaker) recoveryLoop(gen uint64) {
	for {
		timer := time.NewTimer(b.opts.ResetTimeout)
		select {
		case <-timer.C:
		case <-b.stopCh:
			timer.Stop()
			return
		}

		b.mu.Lock()
		if b.state != StateOpen || b.generation != gen {
			b.mu.Unlock()
			return
		}
		b.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), b.opts.Timeout)
		err := b.opts.HealthCheck(ctx)
		cancel()

		if err != nil {
			b.opts.Logger.Debug("health check failed, circuit stays open",
				"breaker", b.opts.Name, "error", err)
			continue
		}

		b.mu.Lock()
		var ev *Event
		if b.state == StateOpen && b.generation == gen {
			ev = b.toHalfOpenLocked("health check passed")
		}
		b.mu.Unlock()
		b.publish(ev)
		return
	}
}

// publish delivers events to the injected listeners, outside the
// breaker's lock. Nil events (no-op transitions) are skipped.
func (b *Breaker) publish(events ...*Event) {
	if len(b.opts.Listeners) == 0 {
		return
	}
	for _, ev := range events {
		if ev == nil {
			continue
		}
		for _, l := range b.opts.Listeners {
			l(*ev)
		}
	}
}
