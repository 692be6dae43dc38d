package api

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"
)

// DefaultMinInterval is the client-side floor between any two outbound
// API requests.
const DefaultMinInterval = 5 * time.Second

// BlockedRequests counts rate-limiter acquisitions that had to wait.
var BlockedRequests = prometheus.NewCounter(prometheus.CounterOpts{
	Name: "estfeed_rate_limit_blocked_total",
	Help: "Number of API requests delayed by the client-side rate limiter.",
})

// RateLimitSnapshot is a diagnostic view of the limiter state. Server
// header values are opaque pass-through strings.
type RateLimitSnapshot struct {
	LastRequestAt time.Time         `json:"lastRequestAt"`
	NextAllowedAt time.Time         `json:"nextAllowedAt"`
	MinInterval   time.Duration     `json:"minIntervalSeconds"`
	BlockedCount  int64             `json:"blockedRequestsCount"`
	ServerHeaders map[string]string `json:"serverHeaders,omitempty"`
}

// RateLimiter enforces a minimum delay between outbound requests. One
// instance is shared by every caller of the API client; the reservation
// and the diagnostic update happen under a single mutex so two concurrent
// callers can never both compute a zero wait.
type RateLimiter struct {
	interval time.Duration

	mu            sync.Mutex
	limiter       *rate.Limiter
	lastRequestAt time.Time
	nextAllowedAt time.Time
	blockedCount  int64
	serverHeaders map[string]string
}

// NewRateLimiter builds a limiter with the given floor between requests.
// A non-positive interval falls back to DefaultMinInterval.
func NewRateLimiter(minInterval time.Duration) *RateLimiter {
	if minInterval <= 0 {
		minInterval = DefaultMinInterval
	}
	return &RateLimiter{
		interval: minInterval,
		limiter:  rate.NewLimiter(rate.Every(minInterval), 1),
	}
}

// Acquire blocks until the next request slot is available, then returns the
// duration it waited. The slot is reserved before sleeping, so a concurrent
// caller recomputes against the updated state. Cancelling ctx releases the
// reservation.
func (l *RateLimiter) Acquire(ctx context.Context) (time.Duration, error) {
	l.mu.Lock()
	res := l.limiter.Reserve()
	wait := res.Delay()
	dispatch := time.Now().Add(wait)
	prevLast, prevNext := l.lastRequestAt, l.nextAllowedAt
	l.lastRequestAt = dispatch
	l.nextAllowedAt = dispatch.Add(l.interval)
	if wait > 0 {
		l.blockedCount++
		BlockedRequests.Inc()
	}
	l.mu.Unlock()

	if wait <= 0 {
		return 0, nil
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		res.Cancel()
		// The dispatch never happened; restore the diagnostics unless a
		// later caller has already advanced them.
		l.mu.Lock()
		if l.lastRequestAt.Equal(dispatch) {
			l.lastRequestAt = prevLast
			l.nextAllowedAt = prevNext
		}
		l.blockedCount--
		l.mu.Unlock()
		return wait, ctx.Err()
	case <-timer.C:
		return wait, nil
	}
}

// RecordServerHeaders stores any rate-limit metadata the server returned.
// Header names are server-defined; everything prefixed with X-RateLimit or
// named Retry-After is kept verbatim. Absence of headers is not an error.
func (l *RateLimiter) RecordServerHeaders(h http.Header) {
	seen := map[string]string{}
	for name, values := range h {
		if len(values) == 0 {
			continue
		}
		lower := strings.ToLower(name)
		if strings.HasPrefix(lower, "x-ratelimit") || lower == "retry-after" {
			seen[name] = values[0]
		}
	}
	if len(seen) == 0 {
		return
	}
	l.mu.Lock()
	l.serverHeaders = seen
	l.mu.Unlock()
}

// Snapshot returns the current diagnostic state.
func (l *RateLimiter) Snapshot() RateLimitSnapshot {
	l.mu.Lock()
	defer l.mu.Unlock()

	snap := RateLimitSnapshot{
		LastRequestAt: l.lastRequestAt,
		NextAllowedAt: l.nextAllowedAt,
		MinInterval:   l.interval,
		BlockedCount:  l.blockedCount,
	}
	if len(l.serverHeaders) > 0 {
		snap.ServerHeaders = make(map[string]string, len(l.serverHeaders))
		for k, v := range l.serverHeaders {
			snap.ServerHeaders[k] = v
		}
	}
	return snap
}
