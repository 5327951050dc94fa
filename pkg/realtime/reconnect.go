package realtime

import (
	"math"
	"math/rand"
	"sync"
	"time"
)

// reconnector computes jittered exponential reconnect delays. The
// attempt counter resets after a connection that held for a minute, so
// a long-lived session that drops once reconnects fast.
type reconnector struct {
	mu          sync.Mutex
	baseDelay   time.Duration
	maxDelay    time.Duration
	attempt     int
	connectedAt time.Time
}

func newReconnector(base, max time.Duration) *reconnector {
	return &reconnector{baseDelay: base, maxDelay: max}
}

func (r *reconnector) markConnected(now time.Time) {
	r.mu.Lock()
	r.connectedAt = now
	r.mu.Unlock()
}

func (r *reconnector) failures() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.attempt
}

func (r *reconnector) nextDelay(now time.Time) time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.connectedAt.IsZero() && now.Sub(r.connectedAt) > time.Minute {
		r.attempt = 0
	}
	jitter := time.Duration(rand.Float64() * float64(r.baseDelay) * 0.5)
	delay := time.Duration(math.Min(
		float64(r.baseDelay)*math.Pow(2, float64(r.attempt))+float64(jitter),
		float64(r.maxDelay),
	))
	r.attempt++
	return delay
}

func (r *reconnector) reset() {
	r.mu.Lock()
	r.attempt = 0
	r.connectedAt = time.Time{}
	r.mu.Unlock()
}
