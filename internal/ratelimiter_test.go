package internal

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRateLimiterPerKeyBurst(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	limiter := NewRateLimiter(1, 2)
	limiter.now = func() time.Time { return now }

	assert.True(t, limiter.Allow("a"))
	assert.True(t, limiter.Allow("a"))
	assert.False(t, limiter.Allow("a"), "burst exhausted")
	assert.True(t, limiter.Allow("b"), "keys have separate buckets")

	now = now.Add(time.Second)
	assert.True(t, limiter.Allow("a"), "one token refilled")

	limiter.Forget("a")
	assert.True(t, limiter.Allow("a"))
	assert.True(t, limiter.Allow("a"))
}

func TestRateLimiterSweepsIdleKeys(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	limiter := NewRateLimiter(1, 1)
	limiter.now = func() time.Time { return now }

	limiter.Allow("idle")
	now = now.Add(2 * limiterIdleTTL)
	limiter.Allow("fresh")

	limiter.mu.Lock()
	defer limiter.mu.Unlock()
	assert.NotContains(t, limiter.limiters, "idle")
	assert.Contains(t, limiter.limiters, "fresh")
}

func TestNilRateLimiterAllows(t *testing.T) {
	var limiter *RateLimiter
	assert.True(t, limiter.Allow("x"))
	limiter.Forget("x")
}
