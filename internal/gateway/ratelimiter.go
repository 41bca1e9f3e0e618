package gateway

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	maxTrackedKeys   = 4096
	rateLimiterBurst = 10
)

// limiterEntry pairs a token bucket with the time it was last consulted, so
// RateLimiter can evict the coldest entries once the tracked-key table grows
// too large.
type limiterEntry struct {
	bucket    *rate.Limiter
	lastTouch time.Time
}

// RateLimiter is a per-key token bucket limiter guarding the gateway's
// external WS endpoint from a single abusive caller. The token-bucket
// algorithm comes from golang.org/x/time/rate; the bounded-key eviction
// policy (cap the tracked-key table, prune stale entries before falling
// back to evicting an arbitrary one) is adapted from the channel layer's
// hand-rolled sliding-window limiter.
type RateLimiter struct {
	mu      sync.Mutex
	limit   rate.Limit
	burst   int
	maxKeys int
	entries map[string]*limiterEntry
}

// NewRateLimiter builds a limiter allowing ratePerSecond sustained requests
// per key with a short burst allowance.
func NewRateLimiter(ratePerSecond float64) *RateLimiter {
	return &RateLimiter{
		limit:   rate.Limit(ratePerSecond),
		burst:   rateLimiterBurst,
		maxKeys: maxTrackedKeys,
		entries: make(map[string]*limiterEntry),
	}
}

// Allow reports whether key (typically a remote address or connection
// identity) may proceed now, consuming one token if so.
func (rl *RateLimiter) Allow(key string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	e, ok := rl.entries[key]
	if !ok {
		if len(rl.entries) >= rl.maxKeys {
			rl.evictStaleLocked()
		}
		e = &limiterEntry{bucket: rate.NewLimiter(rl.limit, rl.burst)}
		rl.entries[key] = e
	}
	e.lastTouch = time.Now()
	return e.bucket.Allow()
}

// evictStaleLocked drops entries untouched for over a minute; if that frees
// nothing (a genuine flood of distinct keys), it falls back to evicting an
// arbitrary entry rather than growing unbounded.
func (rl *RateLimiter) evictStaleLocked() {
	cutoff := time.Now().Add(-time.Minute)
	evicted := 0
	for k, e := range rl.entries {
		if e.lastTouch.Before(cutoff) {
			delete(rl.entries, k)
			evicted++
		}
	}
	if evicted == 0 {
		for k := range rl.entries {
			delete(rl.entries, k)
			break
		}
	}
}
