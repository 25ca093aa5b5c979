package breaker

import "time"

// ConfigSnapshot is the JSON-friendly echo of a breaker's immutable
// configuration, included in Status.
type ConfigSnapshot struct {
	TimeoutMs                int64   `json:"timeout_ms"`
	Threshold                int     `json:"threshold"`
	ResetTimeoutMs           int64   `json:"reset_timeout_ms"`
	RollingWindowMs          int64   `json:"rolling_window_ms"`
	BucketIntervalMs         int64   `json:"bucket_interval_ms"`
	VolumeThreshold          int     `json:"volume_threshold"`
	ErrorThresholdPercentage float64 `json:"error_threshold_percentage"`
	HasFallback              bool    `json:"has_fallback"`
	HasHealthCheck           bool    `json:"has_health_check"`
}

// Status is a point-in-time snapshot of a breaker, served by the admin
// API and readiness probe.
type Status struct {
	Name                 string          `json:"name"`
	State                string          `json:"state"`
	Lifetime             LifetimeMetrics `json:"lifetime"`
	Window               WindowMetrics   `json:"window"`
	ErrorRate            float64         `json:"error_rate"`
	AverageLatencyMs     float64         `json:"average_latency_ms"`
	ConsecutiveFailures  int             `json:"consecutive_failures"`
	ConsecutiveSuccesses int             `json:"consecutive_successes"`
	NextAttemptAt        *time.Time      `json:"next_attempt_at,omitempty"`
	Config               ConfigSnapshot  `json:"config"`
}

// Status returns a consistent snapshot of the breaker's state, lifetime
// and window metrics, derived error rate, and average latency.
func (b *Breaker) Status() Status {
	now := time.Now()

	b.mu.Lock()
	defer b.mu.Unlock()

	s := Status{
		Name:                 b.opts.Name,
		State:                b.state.String(),
		Lifetime:             b.lifetime,
		Window:               b.window.metrics(now),
		AverageLatencyMs:     b.latency.averageMs(),
		ConsecutiveFailures:  b.consecutiveFailures,
		ConsecutiveSuccesses: b.consecutiveSuccesses,
		Config: ConfigSnapshot{
			TimeoutMs:                b.opts.Timeout.Milliseconds(),
			Threshold:                b.opts.Threshold,
			ResetTimeoutMs:           b.opts.ResetTimeout.Milliseconds(),
			RollingWindowMs:          b.opts.RollingWindow.Milliseconds(),
			BucketIntervalMs:         b.opts.BucketInterval.Milliseconds(),
			VolumeThreshold:          b.opts.VolumeThreshold,
			ErrorThresholdPercentage: b.opts.ErrorThresholdPercentage,
			HasFallback:              b.opts.Fallback != nil,
			HasHealthCheck:           b.opts.HealthCheck != nil,
		},
	}
	s.ErrorRate = s.Window.ErrorRate()
	if b.state == StateOpen && !b.nextAttempt.IsZero() {
		next := b.nextAttempt
		s.NextAttemptAt = &next
	}
	return s
}
