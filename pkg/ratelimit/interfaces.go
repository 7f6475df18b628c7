package ratelimit

import (
	"context"
	"time"
)

// RateLimiter decides whether clientID may make another request in category.
// When blocked, the duration is how long until the next request may pass.
type RateLimiter interface {
	Allow(ctx context.Context, clientID, category string) (bool, time.Duration, error)
	Limit(category string) RateLimit
	GetStats() RateLimiterStats
}

type RateLimit struct {
	RequestsPerMinute int           `json:"requestsPerMinute"`
	BurstSize         int           `json:"burstSize"`
	WindowSize        time.Duration `json:"windowSize"`
}

type RateLimiterStats struct {
	TotalRequests   int64 `json:"totalRequests"`
	BlockedRequests int64 `json:"blockedRequests"`
	ActiveClients   int   `json:"activeClients"`
}

// TokenBucket is the per-key state of the in-memory limiter.
type TokenBucket struct {
	Capacity   int       `json:"capacity"`
	Tokens     float64   `json:"tokens"`
	RefillRate float64   `json:"refillRate"` // tokens per second
	LastRefill time.Time `json:"lastRefill"`
	LastSeen   time.Time `json:"lastSeen"`
}
