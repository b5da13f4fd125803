package gateway

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/crosslogic/usage-meter/pkg/cache"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// RateLimitInfo contains rate limit information for response headers
type RateLimitInfo struct {
	// Limit is the maximum number of requests allowed per window
	Limit int64
	// Remaining is the number of requests remaining in the current window
	Remaining int64
	// ResetAt is the Unix timestamp when the window resets
	ResetAt int64
	// RetryAfter is the number of seconds to wait before retrying (only set when limited)
	RetryAfter int64
}

// RateLimiter enforces a per-caller fixed window on the proxy route. With
// Redis configured the window is shared across instances; otherwise, or
// when Redis fails, each instance falls back to a local token bucket of the
// same average rate.
type RateLimiter struct {
	cache  *cache.Cache
	limit  int64
	window time.Duration
	now    func() time.Time
	logger *zap.Logger

	mu        sync.Mutex
	local     map[string]*localBucket
	lastSweep time.Time
}

type localBucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewRateLimiter creates a limiter allowing limit requests per window. c
// may be nil.
func NewRateLimiter(c *cache.Cache, limit int, window time.Duration, logger *zap.Logger) *RateLimiter {
	if limit < 1 {
		limit = 1
	}
	if window <= 0 {
		window = time.Minute
	}
	return &RateLimiter{
		cache:  c,
		limit:  int64(limit),
		window: window,
		now:    time.Now,
		logger: logger,
		local:  make(map[string]*localBucket),
	}
}

// Allow counts one request for key and reports whether it may proceed.
func (rl *RateLimiter) Allow(ctx context.Context, key string) (bool, *RateLimitInfo) {
	now := rl.now()
	windowStart := now.Truncate(rl.window)
	resetAt := windowStart.Add(rl.window)

	info := &RateLimitInfo{Limit: rl.limit, ResetAt: resetAt.Unix()}

	if rl.cache != nil {
		count, err := rl.cache.IncrWindow(ctx, cache.RateLimitKey(key, windowStart), rl.window)
		if err == nil {
			info.Remaining = max(rl.limit-count, 0)
			if count > rl.limit {
				info.RetryAfter = max(int64(resetAt.Sub(now).Seconds()), 1)
				return false, info
			}
			return true, info
		}
		rl.logger.Warn("rate limit counter unavailable, using local limiter",
			zap.String("key", key),
			zap.Error(err),
		)
	}

	lim := rl.localLimiter(key, now)
	r := lim.ReserveN(now, 1)
	if !r.OK() {
		info.RetryAfter = int64(rl.window.Seconds())
		return false, info
	}
	if delay := r.DelayFrom(now); delay > 0 {
		r.CancelAt(now)
		info.RetryAfter = max(int64(delay.Seconds()), 1)
		return false, info
	}
	info.Remaining = max(int64(lim.TokensAt(now)), 0)
	return true, info
}

func (rl *RateLimiter) localLimiter(key string, now time.Time) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	if now.Sub(rl.lastSweep) >= rl.window {
		rl.evictIdle(now)
	}

	b, ok := rl.local[key]
	if !ok {
		every := rl.window / time.Duration(rl.limit)
		b = &localBucket{limiter: rate.NewLimiter(rate.Every(every), int(rl.limit))}
		rl.local[key] = b
	}
	b.lastSeen = now
	return b.limiter
}

// evictIdle drops buckets unused for a full window. Such a bucket has
// refilled completely, so a new one behaves the same.
func (rl *RateLimiter) evictIdle(now time.Time) {
	for key, b := range rl.local {
		if now.Sub(b.lastSeen) >= rl.window {
			delete(rl.local, key)
		}
	}
	rl.lastSweep = now
}

// Headers returns HTTP headers for rate limit information
func (info *RateLimitInfo) Headers() map[string]string {
	if info == nil {
		return nil
	}

	headers := map[string]string{
		"X-RateLimit-Limit":     strconv.FormatInt(info.Limit, 10),
		"X-RateLimit-Remaining": strconv.FormatInt(info.Remaining, 10),
		"X-RateLimit-Reset":     strconv.FormatInt(info.ResetAt, 10),
	}

	if info.RetryAfter > 0 {
		headers["Retry-After"] = strconv.FormatInt(info.RetryAfter, 10)
	}

	return headers
}
