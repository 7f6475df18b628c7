package cache

import (
	"context"
	"time"

	"ibamex-backend/internal/models"

	"github.com/redis/go-redis/v9"
)

const (
	DataTypeBus     = "bus"
	DataTypeBusList = "bus_list"

	// TagBusList marks every cached listing so a single call drops them all.
	TagBusList = "bus_list"
)

// BusTag is the tag carried by every key that contains busID.
func BusTag(busID string) string {
	return "bus:" + busID
}

// CacheManager is the read-through cache in front of the bus collection. A
// miss is reported as (nil, nil).
//
// Writers use SetBus and InvalidateByTag. Readers fill with SetBusIfAbsent and
// SetBusListIfCurrent so that data loaded before a concurrent write never
// replaces what that write cached.
type CacheManager interface {
	GetBus(ctx context.Context, busID string) (*models.Bus, error)
	SetBus(ctx context.Context, bus *models.Bus, ttl time.Duration) error
	SetBusIfAbsent(ctx context.Context, bus *models.Bus, ttl time.Duration) (bool, error)
	InvalidateBus(ctx context.Context, busID string) error

	GetBusList(ctx context.Context, key string) ([]*models.Bus, error)
	SetBusList(ctx context.Context, key string, buses []*models.Bus, ttl time.Duration) error
	// ListGeneration is bumped by every InvalidateByTag. Read it before
	// loading a listing and pass it to SetBusListIfCurrent.
	ListGeneration(ctx context.Context) (int64, error)
	SetBusListIfCurrent(ctx context.Context, key string, buses []*models.Bus, ttl time.Duration, generation int64) (bool, error)

	Get(ctx context.Context, key string, dest interface{}) (bool, error)
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error
	Delete(ctx context.Context, key string) error

	TagKey(ctx context.Context, key string, ttl time.Duration, tags ...string) error
	InvalidateByTag(ctx context.Context, tag string) error

	GetCacheStats() CacheStats
	HealthCheck(ctx context.Context) error
}

// ClientProvider hands out the current redis client. The Client wrapper in
// pkg/redis satisfies it.
type ClientProvider interface {
	GetClient() *redis.Client
}

// connectionReporter is implemented by providers that track reachability.
// While it reports false every cache call fails fast with ErrUnavailable.
type connectionReporter interface {
	IsConnected() bool
}

type CacheStats struct {
	HitRate       float64 `json:"hitRate"`
	MissRate      float64 `json:"missRate"`
	MemoryUsage   int64   `json:"memoryUsage"`
	KeyCount      int     `json:"keyCount"`
	EvictionCount int     `json:"evictionCount"`
	TotalHits     int64   `json:"totalHits"`
	TotalMisses   int64   `json:"totalMisses"`
}
