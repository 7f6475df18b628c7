package ratelimit

import (
	"context"
	"math"
	"sync"
	"sync/atomic"
	"time"
)

// MemoryRateLimiter is a per-process token bucket limiter. It backs the Redis
// limiter when Redis is unavailable.
type MemoryRateLimiter struct {
	config *Config
	tokens map[string]*TokenBucket
	mu     sync.Mutex
	now    func() time.Time

	total   atomic.Int64
	blocked atomic.Int64

	stop     chan struct{}
	stopOnce sync.Once
}

func NewMemoryRateLimiter(config *Config) *MemoryRateLimiter {
	if config == nil {
		config = DefaultConfig()
	}

	limiter := &MemoryRateLimiter{
		config: config,
		tokens: make(map[string]*TokenBucket),
		now:    time.Now,
		stop:   make(chan struct{}),
	}

	if config.CleanupInterval > 0 {
		go limiter.cleanupLoop()
	}
	return limiter
}

func (r *MemoryRateLimiter) Allow(_ context.Context, clientID, category string) (bool, time.Duration, error) {
	if !r.config.Enabled {
		return true, 0, nil
	}
	r.total.Add(1)

	limit := r.config.Limit(category)
	key := clientID + ":" + category
	now := r.now()

	r.mu.Lock()
	defer r.mu.Unlock()

	bucket := r.bucket(key, limit, now)
	bucket.LastSeen = now

	elapsed := now.Sub(bucket.LastRefill).Seconds()
	if elapsed > 0 {
		bucket.Tokens = math.Min(float64(bucket.Capacity), bucket.Tokens+elapsed*bucket.RefillRate)
		bucket.LastRefill = now
	}

	if bucket.Tokens >= 1 {
		bucket.Tokens--
		return true, 0, nil
	}

	r.blocked.Add(1)
	missing := 1 - bucket.Tokens
	wait := time.Duration(math.Ceil(missing / bucket.RefillRate * float64(time.Second)))
	return false, wait, nil
}

func (r *MemoryRateLimiter) bucket(key string, limit RateLimit, now time.Time) *TokenBucket {
	if bucket, ok := r.tokens[key]; ok {
		return bucket
	}

	capacity := limit.BurstSize
	if capacity < 1 {
		capacity = 1
	}
	rpm := limit.RequestsPerMinute
	if rpm < 1 {
		rpm = 1
	}

	bucket := &TokenBucket{
		Capacity:   capacity,
		Tokens:     float64(capacity),
		RefillRate: float64(rpm) / 60,
		LastRefill: now,
	}
	r.tokens[key] = bucket
	return bucket
}

func (r *MemoryRateLimiter) Limit(category string) RateLimit {
	return r.config.Limit(category)
}

func (r *MemoryRateLimiter) GetStats() RateLimiterStats {
	r.mu.Lock()
	active := len(r.tokens)
	r.mu.Unlock()

	return RateLimiterStats{
		TotalRequests:   r.total.Load(),
		BlockedRequests: r.blocked.Load(),
		ActiveClients:   active,
	}
}

// Stop ends the cleanup goroutine.
func (r *MemoryRateLimiter) Stop() {
	r.stopOnce.Do(func() { close(r.stop) })
}

func (r *MemoryRateLimiter) cleanupLoop() {
	ticker := time.NewTicker(r.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stop:
			return
		case <-ticker.C:
			r.cleanup(time.Hour)
		}
	}
}

// cleanup drops buckets idle for longer than idle.
func (r *MemoryRateLimiter) cleanup(idle time.Duration) {
	now := r.now()

	r.mu.Lock()
	defer r.mu.Unlock()

	for key, bucket := range r.tokens {
		if now.Sub(bucket.LastSeen) > idle {
			delete(r.tokens, key)
		}
	}
}
