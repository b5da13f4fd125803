package gateway

import (
	"context"
	"fmt"
	"strconv"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/crosslogic/usage-meter/internal/config"
	"github.com/crosslogic/usage-meter/pkg/cache"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func setupLimiterCache(t *testing.T) (*cache.Cache, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	port, _ := strconv.Atoi(mr.Port())
	c, err := cache.NewCache(config.RedisConfig{Host: mr.Host(), Port: port})
	if err != nil {
		mr.Close()
		t.Fatalf("failed to init cache: %v", err)
	}
	t.Cleanup(func() {
		c.Close()
		mr.Close()
	})
	return c, mr
}

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func TestRateLimiterSharedWindow(t *testing.T) {
	c, _ := setupLimiterCache(t)
	now := time.Date(2025, 3, 14, 9, 30, 10, 0, time.UTC)

	rl := NewRateLimiter(c, 2, time.Minute, zap.NewNop())
	rl.now = fixedClock(now)
	ctx := context.Background()

	allowed, info := rl.Allow(ctx, "demo")
	require.True(t, allowed)
	assert.Equal(t, int64(1), info.Remaining)
	assert.Equal(t, time.Date(2025, 3, 14, 9, 31, 0, 0, time.UTC).Unix(), info.ResetAt)

	allowed, _ = rl.Allow(ctx, "demo")
	require.True(t, allowed)

	allowed, info = rl.Allow(ctx, "demo")
	assert.False(t, allowed)
	assert.Equal(t, int64(0), info.Remaining)
	assert.Equal(t, int64(50), info.RetryAfter)
	assert.Equal(t, "50", info.Headers()["Retry-After"])

	// Other callers have their own window.
	allowed, _ = rl.Allow(ctx, "other")
	assert.True(t, allowed)

	// A new window starts fresh.
	rl.now = fixedClock(now.Add(time.Minute))
	allowed, _ = rl.Allow(ctx, "demo")
	assert.True(t, allowed)
}

func TestRateLimiterLocalFallback(t *testing.T) {
	now := time.Date(2025, 3, 14, 9, 30, 0, 0, time.UTC)
	rl := NewRateLimiter(nil, 2, time.Minute, zap.NewNop())
	rl.now = fixedClock(now)
	ctx := context.Background()

	allowed, info := rl.Allow(ctx, "demo")
	require.True(t, allowed)
	assert.Equal(t, int64(1), info.Remaining)

	allowed, _ = rl.Allow(ctx, "demo")
	require.True(t, allowed)

	allowed, info = rl.Allow(ctx, "demo")
	assert.False(t, allowed)
	assert.Equal(t, int64(30), info.RetryAfter)

	// One token refills every window/limit.
	rl.now = fixedClock(now.Add(30 * time.Second))
	allowed, _ = rl.Allow(ctx, "demo")
	assert.True(t, allowed)
}

func TestRateLimiterEvictsIdleLocalBuckets(t *testing.T) {
	now := time.Date(2025, 3, 14, 9, 30, 0, 0, time.UTC)
	rl := NewRateLimiter(nil, 2, time.Minute, zap.NewNop())
	ctx := context.Background()

	rl.now = fixedClock(now)
	for i := 0; i < 50; i++ {
		allowed, _ := rl.Allow(ctx, fmt.Sprintf("addr:10.0.0.%d", i))
		require.True(t, allowed)
	}
	assert.Len(t, rl.local, 50)

	// Half the clients come back within the window.
	rl.now = fixedClock(now.Add(30 * time.Second))
	for i := 0; i < 25; i++ {
		_, _ = rl.Allow(ctx, fmt.Sprintf("addr:10.0.0.%d", i))
	}

	rl.now = fixedClock(now.Add(80 * time.Second))
	allowed, _ := rl.Allow(ctx, "addr:10.0.0.200")
	require.True(t, allowed)
	assert.Len(t, rl.local, 26)
	assert.Contains(t, rl.local, "addr:10.0.0.0")
	assert.NotContains(t, rl.local, "addr:10.0.0.49")
}

func TestRateLimiterFallsBackWhenRedisFails(t *testing.T) {
	c, mr := setupLimiterCache(t)
	mr.Close()

	rl := NewRateLimiter(c, 1, time.Minute, zap.NewNop())
	rl.now = fixedClock(time.Date(2025, 3, 14, 9, 30, 0, 0, time.UTC))

	allowed, _ := rl.Allow(context.Background(), "demo")
	assert.True(t, allowed)
	allowed, _ = rl.Allow(context.Background(), "demo")
	assert.False(t, allowed)
}

func TestRateLimitHeadersOmitRetryAfterWhenAllowed(t *testing.T) {
	info := &RateLimitInfo{Limit: 100, Remaining: 99, ResetAt: 1700000000}
	h := info.Headers()

	assert.Equal(t, "100", h["X-RateLimit-Limit"])
	assert.Equal(t, "99", h["X-RateLimit-Remaining"])
	assert.Equal(t, "1700000000", h["X-RateLimit-Reset"])
	assert.NotContains(t, h, "Retry-After")

	var nilInfo *RateLimitInfo
	assert.Nil(t, nilInfo.Headers())
}
