package ratelimit

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
)

// fixedWindow counts requests in a window that starts at the first request.
// It returns {allowed, milliseconds until the window resets}.
var fixedWindow = redis.NewScript(`
local key = KEYS[1]
local limit = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local now = tonumber(ARGV[3])

local count = tonumber(redis.call('HGET', key, 'count')) or 0
local window_start = tonumber(redis.call('HGET', key, 'window_start')) or now

if now - window_start >= window then
	count = 0
	window_start = now
end

local allowed = 0
if count < limit then
	count = count + 1
	allowed = 1
end

redis.call('HSET', key, 'count', count, 'window_start', window_start)
redis.call('PEXPIRE', key, window)

local reset = 0
if allowed == 0 then
	reset = (window_start + window) - now
end
return {allowed, reset}
`)

// RedisRateLimiter shares limits across every API instance.
type RedisRateLimiter struct {
	client redis.Scripter
	config *Config
	now    func() time.Time

	total   atomic.Int64
	blocked atomic.Int64
}

func NewRedisRateLimiter(client redis.Scripter, config *Config) *RedisRateLimiter {
	if config == nil {
		config = DefaultConfig()
	}
	return &RedisRateLimiter{
		client: client,
		config: config,
		now:    time.Now,
	}
}

func (r *RedisRateLimiter) Allow(ctx context.Context, clientID, category string) (bool, time.Duration, error) {
	if !r.config.Enabled {
		return true, 0, nil
	}
	r.total.Add(1)

	limit := r.config.Limit(category)
	window := limit.WindowSize
	if window <= 0 {
		window = time.Minute
	}
	key := fmt.Sprintf("%s%s:%s", r.config.RedisKeyPrefix, clientID, category)

	result, err := fixedWindow.Run(ctx, r.client, []string{key},
		limit.BurstSize,
		window.Milliseconds(),
		r.now().UnixMilli(),
	).Int64Slice()
	if err != nil {
		return false, 0, fmt.Errorf("rate limit check failed: %w", err)
	}
	if len(result) != 2 {
		return false, 0, fmt.Errorf("unexpected rate limit script result %v", result)
	}

	if result[0] == 1 {
		return true, 0, nil
	}
	r.blocked.Add(1)
	return false, time.Duration(result[1]) * time.Millisecond, nil
}

func (r *RedisRateLimiter) Limit(category string) RateLimit {
	return r.config.Limit(category)
}

func (r *RedisRateLimiter) GetStats() RateLimiterStats {
	return RateLimiterStats{
		TotalRequests:   r.total.Load(),
		BlockedRequests: r.blocked.Load(),
	}
}

// FallbackLimiter asks primary first and uses secondary whenever primary
// errors, so a Redis outage degrades to per-instance limits.
type FallbackLimiter struct {
	primary   RateLimiter
	secondary RateLimiter
	fallbacks atomic.Int64
}

func NewFallbackLimiter(primary, secondary RateLimiter) *FallbackLimiter {
	return &FallbackLimiter{primary: primary, secondary: secondary}
}

func (f *FallbackLimiter) Allow(ctx context.Context, clientID, category string) (bool, time.Duration, error) {
	allowed, reset, err := f.primary.Allow(ctx, clientID, category)
	if err == nil {
		return allowed, reset, nil
	}
	f.fallbacks.Add(1)
	return f.secondary.Allow(ctx, clientID, category)
}

func (f *FallbackLimiter) Limit(category string) RateLimit {
	return f.primary.Limit(category)
}

func (f *FallbackLimiter) GetStats() RateLimiterStats {
	primary := f.primary.GetStats()
	secondary := f.secondary.GetStats()
	return RateLimiterStats{
		TotalRequests:   primary.TotalRequests + secondary.TotalRequests - f.fallbacks.Load(),
		BlockedRequests: primary.BlockedRequests + secondary.BlockedRequests,
		ActiveClients:   secondary.ActiveClients,
	}
}
