package internal

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	defaultRateRPS   = 5
	defaultRateBurst = 10
	limiterIdleTTL   = 10 * time.Minute
)

// RateLimiter hands out one token bucket per key (client IP, session id).
// Buckets unused for a while are swept on access.
type RateLimiter struct {
	mu        sync.Mutex
	limiters  map[string]*limiterEntry
	limit     rate.Limit
	burst     int
	lastSweep time.Time
	now       func() time.Time
}

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewRateLimiter allows rps events per second per key with the given burst.
// Non-positive values fall back to 5 rps and a burst of 10.
func NewRateLimiter(rps float64, burst int) *RateLimiter {
	if rps <= 0 {
		rps = defaultRateRPS
	}
	if burst <= 0 {
		burst = defaultRateBurst
	}
	return &RateLimiter{
		limiters: make(map[string]*limiterEntry),
		limit:    rate.Limit(rps),
		burst:    burst,
		now:      time.Now,
	}
}

// Allow reports whether key may proceed now. A nil limiter allows everything.
func (r *RateLimiter) Allow(key string) bool {
	if r == nil {
		return true
	}
	now := r.now()
	r.mu.Lock()
	entry, ok := r.limiters[key]
	if !ok {
		entry = &limiterEntry{limiter: rate.NewLimiter(r.limit, r.burst)}
		r.limiters[key] = entry
	}
	entry.lastSeen = now
	r.sweepLocked(now)
	r.mu.Unlock()
	return entry.limiter.AllowN(now, 1)
}

// Forget drops the bucket for key, e.g. when a session disconnects.
func (r *RateLimiter) Forget(key string) {
	if r == nil {
		return
	}
	r.mu.Lock()
	delete(r.limiters, key)
	r.mu.Unlock()
}

func (r *RateLimiter) sweepLocked(now time.Time) {
	if now.Sub(r.lastSweep) < limiterIdleTTL {
		return
	}
	r.lastSweep = now
	for key, entry := range r.limiters {
		if now.Sub(entry.lastSeen) > limiterIdleTTL {
			delete(r.limiters, key)
		}
	}
}
