package breaker

import "time"

// Bucket holds call counters for one rotation interval. A bucket is
// mutated only while it is the window's current bucket; once rotated out
// it is read-only.
type Bucket struct {
	StartedAt time.Time `json:"started_at"`
	Requests  uint64    `json:"requests"`
	Successes uint64    `json:"successes"`
	Failures  uint64    `json:"failures"`
	Timeouts  uint64    `json:"timeouts"`
}

// WindowMetrics is the aggregate over all buckets inside the rolling
// window. It is derived on demand and never cached.
type WindowMetrics struct {
	Total     uint64 `json:"total"`
	Successes uint64 `json:"successes"`
	Failures  uint64 `json:"failures"`
	Timeouts  uint64 `json:"timeouts"`
}

// ErrorRate returns failures as a percentage of total calls in the
// window, 0 when the window is empty.
func (m WindowMetrics) ErrorRate() float64 {
	if m.Total == 0 {
		return 0
	}
	return float64(m.Failures) / float64(m.Total) * 100
}

// window is the rolling aggregator: rotated-out buckets (oldest first)
// plus the in-progress current bucket. It is not goroutine-safe; the
// owning Breaker serializes access under its mutex.
type window struct {
	span    time.Duration
	buckets []Bucket
	current Bucket
}

func newWindow(span, interval time.Duration, now time.Time) *window {
	capacity := int(span/interval) + 1
	if capacity < 1 {
		capacity = 1
	}
	return &window{
		span:    span,
		buckets: make([]Bucket, 0, capacity),
		current: Bucket{StartedAt: now},
	}
}

// rotate appends the current bucket to the retained sequence, prunes
// buckets that have aged out of the window, and starts a fresh bucket.
func (w *window) rotate(now time.Time) {
	w.buckets = append(w.buckets, w.current)
	w.prune(now)
	w.current = Bucket{StartedAt: now}
}

// prune drops buckets whose start time has fallen out of the window.
func (w *window) prune(now time.Time) {
	cutoff := now.Add(-w.span)
	i := 0
	for i < len(w.buckets) && w.buckets[i].StartedAt.Before(cutoff) {
		i++
	}
	if i > 0 {
		w.buckets = append(w.buckets[:0], w.buckets[i:]...)
	}
}

// metrics sums the retained in-window buckets plus the current bucket.
func (w *window) metrics(now time.Time) WindowMetrics {
	cutoff := now.Add(-w.span)
	var m WindowMetrics
	for _, b := range w.buckets {
		if b.StartedAt.Before(cutoff) {
			continue
		}
		m.Total += b.Requests
		m.Successes += b.Successes
		m.Failures += b.Failures
		m.Timeouts += b.Timeouts
	}
	m.Total += w.current.Requests
	m.Successes += w.current.Successes
	m.Failures += w.current.Failures
	m.Timeouts += w.current.Timeouts
	return m
}

// reset discards all buckets and starts an empty current bucket.
func (w *window) reset(now time.Time) {
	w.buckets = w.buckets[:0]
	w.current = Bucket{StartedAt: now}
}

// latencySampleSize bounds the latency ring used for average latency.
const latencySampleSize = 100

// latencyRing keeps the most recent successful-call latencies.
type latencyRing struct {
	samples [latencySampleSize]time.Duration
	pos     int
	count   int
}

func (r *latencyRing) add(d time.Duration) {
	r.samples[r.pos] = d
	r.pos = (r.pos + 1) % latencySampleSize
	if r.count < latencySampleSize {
		r.count++
	}
}

// averageMs returns the mean of the retained samples in milliseconds,
// 0 when no samples have been recorded.
func (r *latencyRing) averageMs() float64 {
	if r.count == 0 {
		return 0
	}
	var sum time.Duration
	for i := 0; i < r.count; i++ {
		sum += r.samples[i]
	}
	return float64(sum.Microseconds()) / float64(r.count) / 1000
}

func (r *latencyRing) reset() {
	r.pos = 0
	r.count = 0
}
