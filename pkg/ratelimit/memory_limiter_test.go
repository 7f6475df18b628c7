package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryRateLimiter_TokenBucket(t *testing.T) {
	limiter := NewMemoryRateLimiter(testConfig(RateLimit{RequestsPerMinute: 60, BurstSize: 2, WindowSize: time.Minute}))
	defer limiter.Stop()

	now := time.Date(2024, 1, 1, 8, 0, 0, 0, time.UTC)
	limiter.now = func() time.Time { return now }
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		allowed, _, err := limiter.Allow(ctx, "client", CategoryDefault)
		require.NoError(t, err)
		assert.True(t, allowed)
	}

	allowed, wait, err := limiter.Allow(ctx, "client", CategoryDefault)
	require.NoError(t, err)
	assert.False(t, allowed)
	assert.Equal(t, time.Second, wait)

	// 60/min refills one token per second
	now = now.Add(time.Second)
	allowed, _, _ = limiter.Allow(ctx, "client", CategoryDefault)
	assert.True(t, allowed)

	now = now.Add(time.Hour)
	for i := 0; i < 2; i++ {
		allowed, _, _ = limiter.Allow(ctx, "client", CategoryDefault)
		assert.True(t, allowed)
	}
	allowed, _, _ = limiter.Allow(ctx, "client", CategoryDefault)
	assert.False(t, allowed, "refill is capped at burst size")
}

func TestMemoryRateLimiter_Cleanup(t *testing.T) {
	limiter := NewMemoryRateLimiter(testConfig(RateLimit{RequestsPerMinute: 60, BurstSize: 2, WindowSize: time.Minute}))
	defer limiter.Stop()

	now := time.Now()
	limiter.now = func() time.Time { return now }

	_, _, _ = limiter.Allow(context.Background(), "a", CategoryDefault)
	_, _, _ = limiter.Allow(context.Background(), "b", CategoryBuses)
	assert.Equal(t, 2, limiter.GetStats().ActiveClients)

	now = now.Add(2 * time.Hour)
	limiter.cleanup(time.Hour)
	assert.Equal(t, 0, limiter.GetStats().ActiveClients)
}

func TestMemoryRateLimiter_Disabled(t *testing.T) {
	config := testConfig(RateLimit{RequestsPerMinute: 1, BurstSize: 1, WindowSize: time.Minute})
	config.Enabled = false
	limiter := NewMemoryRateLimiter(config)
	defer limiter.Stop()

	for i := 0; i < 5; i++ {
		allowed, _, _ := limiter.Allow(context.Background(), "client", CategoryDefault)
		assert.True(t, allowed)
	}
}

func TestConfig_GetEndpointKey(t *testing.T) {
	config := DefaultConfig()

	tests := []struct {
		method, route, want string
	}{
		{"GET", "/api/v1/buses", CategoryBuses},
		{"GET", "/api/v1/buses/:id", CategoryBuses},
		{"HEAD", "/api/v1/buses/:id", CategoryBuses},
		{"GET", "/api/v1/buses/:id/occupancy", CategoryOccupancy},
		{"POST", "/api/v1/buses", CategoryBusesWrite},
		{"patch", "/api/v1/buses/:id", CategoryBusesWrite},
		{"PUT", "/api/v1/buses/:id", CategoryBusesWrite},
		{"GET", "/api/v1/ws", CategoryWebSocket},
		{"GET", "/api/v1/health", CategoryHealth},
		{"DELETE", "/api/v1/buses/:id", CategoryDefault},
		{"GET", "", CategoryDefault},
	}

	for _, tt := range tests {
		t.Run(tt.method+" "+tt.route, func(t *testing.T) {
			assert.Equal(t, tt.want, config.GetEndpointKey(tt.route, tt.method))
		})
	}
}

func TestConfig_Limit(t *testing.T) {
	config := DefaultConfig()
	assert.Equal(t, config.DefaultLimits[CategoryBuses], config.Limit(CategoryBuses))
	assert.Equal(t, config.DefaultLimits[CategoryDefault], config.Limit("unknown"))

	empty := &Config{}
	assert.Equal(t, 60, empty.Limit("anything").RequestsPerMinute)
}
