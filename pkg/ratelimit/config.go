package ratelimit

import (
	"net/http"
	"strings"
	"time"
)

const (
	CategoryBuses      = "buses"
	CategoryBusesWrite = "buses_write"
	CategoryOccupancy  = "occupancy"
	CategoryWebSocket  = "ws"
	CategoryHealth     = "health"
	CategoryDefault    = "default"
)

// Config holds per-category limits.
type Config struct {
	DefaultLimits   map[string]RateLimit `json:"defaultLimits"`
	RedisKeyPrefix  string               `json:"redisKeyPrefix"`
	CleanupInterval time.Duration        `json:"cleanupInterval"`
	Enabled         bool                 `json:"enabled"`
}

func DefaultConfig() *Config {
	return &Config{
		DefaultLimits: map[string]RateLimit{
			// dashboards poll these
			CategoryBuses:     {RequestsPerMinute: 120, BurstSize: 30, WindowSize: time.Minute},
			CategoryOccupancy: {RequestsPerMinute: 60, BurstSize: 15, WindowSize: time.Minute},

			CategoryBusesWrite: {RequestsPerMinute: 30, BurstSize: 10, WindowSize: time.Minute},

			// reconnect storms after a deploy
			CategoryWebSocket: {RequestsPerMinute: 20, BurstSize: 10, WindowSize: time.Minute},

			CategoryHealth:  {RequestsPerMinute: 1000, BurstSize: 100, WindowSize: time.Minute},
			CategoryDefault: {RequestsPerMinute: 60, BurstSize: 15, WindowSize: time.Minute},
		},
		RedisKeyPrefix:  "ratelimit:",
		CleanupInterval: 5 * time.Minute,
		Enabled:         true,
	}
}

// endpointCategories maps "METHOD:route" to a category. Routes are gin route
// templates, so ":id" segments match literally.
var endpointCategories = map[string]string{
	"GET:/api/v1/buses":               CategoryBuses,
	"GET:/api/v1/buses/:id":           CategoryBuses,
	"GET:/api/v1/buses/:id/occupancy": CategoryOccupancy,
	"POST:/api/v1/buses":              CategoryBusesWrite,
	"PATCH:/api/v1/buses/:id":         CategoryBusesWrite,
	"PUT:/api/v1/buses/:id":           CategoryBusesWrite,
	"GET:/api/v1/ws":                  CategoryWebSocket,
	"GET:/api/v1/health":              CategoryHealth,
	"GET:/health":                     CategoryHealth,
}

// GetEndpointKey returns the category for a request. route should be the
// matched route template; unmatched routes and unknown methods fall back to
// CategoryDefault.
func (c *Config) GetEndpointKey(route, method string) string {
	if category, ok := endpointCategories[strings.ToUpper(method)+":"+route]; ok {
		return category
	}
	if strings.EqualFold(method, http.MethodHead) {
		return c.GetEndpointKey(route, http.MethodGet)
	}
	return CategoryDefault
}

// Limit returns the limit for category, falling back to CategoryDefault.
func (c *Config) Limit(category string) RateLimit {
	if limit, ok := c.DefaultLimits[category]; ok {
		return limit
	}
	if limit, ok := c.DefaultLimits[CategoryDefault]; ok {
		return limit
	}
	return RateLimit{RequestsPerMinute: 60, BurstSize: 15, WindowSize: time.Minute}
}
