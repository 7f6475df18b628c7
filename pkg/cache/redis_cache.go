package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"ibamex-backend/internal/models"

	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
)

// ErrUnavailable is returned without touching the network while the provider
// reports Redis as disconnected.
var ErrUnavailable = errors.New("cache unavailable")

// fillListIfCurrent stores a listing and its tag sets only while the list
// generation still matches. Tagging happens in the same script so an
// invalidation can never run between the write and the tags.
//
// KEYS: cache key, generation key, key_tags set, then one tag_keys set per tag.
// ARGV: payload, ttl in ms, expected generation, then the tags.
var fillListIfCurrent = redis.NewScript(`
local current = tonumber(redis.call('GET', KEYS[2])) or 0
if current ~= tonumber(ARGV[3]) then
	return 0
end

local ttl = tonumber(ARGV[2])
if ttl > 0 then
	redis.call('SET', KEYS[1], ARGV[1], 'PX', ttl)
else
	redis.call('SET', KEYS[1], ARGV[1])
end

for i = 4, #KEYS do
	redis.call('SADD', KEYS[3], ARGV[i])
	redis.call('SADD', KEYS[i], KEYS[1])
	if ttl > 0 then
		redis.call('PEXPIRE', KEYS[i], ttl * 2)
	end
end
if ttl > 0 then
	redis.call('PEXPIRE', KEYS[3], ttl * 2)
end
return 1
`)

// RedisCacheManager implements CacheManager on Redis strings plus tag sets.
type RedisCacheManager struct {
	provider ClientProvider
	config   CacheConfig
	stats    *cacheStats
}

type cacheStats struct {
	mu            sync.RWMutex
	totalHits     int64
	totalMisses   int64
	evictionCount int64
}

func NewRedisCacheManager(provider ClientProvider, config CacheConfig) *RedisCacheManager {
	return &RedisCacheManager{
		provider: provider,
		config:   config,
		stats:    &cacheStats{},
	}
}

func (r *RedisCacheManager) client() *redis.Client {
	return r.provider.GetClient()
}

func (r *RedisCacheManager) available() bool {
	if reporter, ok := r.provider.(connectionReporter); ok {
		return reporter.IsConnected()
	}
	return true
}

func (r *RedisCacheManager) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if r.config.OperationTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, r.config.OperationTimeout)
}

func (r *RedisCacheManager) GetBus(ctx context.Context, busID string) (*models.Bus, error) {
	var bus models.Bus
	found, err := r.getJSON(ctx, r.buildKey(DataTypeBus, busID), &bus)
	if err != nil || !found {
		return nil, err
	}
	return &bus, nil
}

// SetBus stores bus under its bus id and tags the key with BusTag.
func (r *RedisCacheManager) SetBus(ctx context.Context, bus *models.Bus, ttl time.Duration) error {
	key := r.buildKey(DataTypeBus, bus.BusID)
	if err := r.setJSON(ctx, key, bus, ttl); err != nil {
		return fmt.Errorf("failed to set bus in cache: %w", err)
	}

	if err := r.TagKey(ctx, key, ttl, BusTag(bus.BusID)); err != nil {
		log.WithError(err).WithField("key", key).Warn("Failed to tag cache key")
	}
	return nil
}

// SetBusIfAbsent stores bus only when no entry exists and reports whether it
// did. Read paths use it so they cannot overwrite a fresher SetBus.
func (r *RedisCacheManager) SetBusIfAbsent(ctx context.Context, bus *models.Bus, ttl time.Duration) (bool, error) {
	if !r.available() {
		return false, ErrUnavailable
	}
	key := r.buildKey(DataTypeBus, bus.BusID)
	data, err := json.Marshal(bus)
	if err != nil {
		return false, fmt.Errorf("failed to marshal %s: %w", key, err)
	}

	setCtx, cancel := r.withTimeout(ctx)
	stored, err := r.client().SetNX(setCtx, key, data, ttl).Result()
	cancel()
	if err != nil {
		return false, fmt.Errorf("failed to fill bus in cache: %w", err)
	}
	if !stored {
		return false, nil
	}

	if err := r.TagKey(ctx, key, ttl, BusTag(bus.BusID)); err != nil {
		log.WithError(err).WithField("key", key).Warn("Failed to tag cache key")
	}
	return true, nil
}

// InvalidateBus drops the bus entry and every listing that contains it.
func (r *RedisCacheManager) InvalidateBus(ctx context.Context, busID string) error {
	return r.InvalidateByTag(ctx, BusTag(busID))
}

func (r *RedisCacheManager) GetBusList(ctx context.Context, key string) ([]*models.Bus, error) {
	var buses []*models.Bus
	found, err := r.getJSON(ctx, r.buildKey(DataTypeBusList, key), &buses)
	if err != nil || !found {
		return nil, err
	}
	if buses == nil {
		buses = []*models.Bus{}
	}
	return buses, nil
}

// SetBusList tags the listing with TagBusList and with every member bus.
func (r *RedisCacheManager) SetBusList(ctx context.Context, key string, buses []*models.Bus, ttl time.Duration) error {
	cacheKey := r.buildKey(DataTypeBusList, key)
	if buses == nil {
		buses = []*models.Bus{}
	}
	if err := r.setJSON(ctx, cacheKey, buses, ttl); err != nil {
		return fmt.Errorf("failed to set bus list in cache: %w", err)
	}

	tags := make([]string, 0, len(buses)+1)
	tags = append(tags, TagBusList)
	for _, bus := range buses {
		tags = append(tags, BusTag(bus.BusID))
	}
	if err := r.TagKey(ctx, cacheKey, ttl, tags...); err != nil {
		log.WithError(err).WithField("key", cacheKey).Warn("Failed to tag cache key")
	}
	return nil
}

func (r *RedisCacheManager) ListGeneration(ctx context.Context) (int64, error) {
	if !r.available() {
		return 0, ErrUnavailable
	}
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	generation, err := r.client().Get(ctx, r.listGenerationKey()).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read list generation: %w", err)
	}
	return generation, nil
}

// SetBusListIfCurrent stores the listing only if no invalidation happened
// since generation was read. It reports whether the listing was stored.
func (r *RedisCacheManager) SetBusListIfCurrent(ctx context.Context, key string, buses []*models.Bus, ttl time.Duration, generation int64) (bool, error) {
	if !r.available() {
		return false, ErrUnavailable
	}
	cacheKey := r.buildKey(DataTypeBusList, key)
	if buses == nil {
		buses = []*models.Bus{}
	}
	data, err := json.Marshal(buses)
	if err != nil {
		return false, fmt.Errorf("failed to marshal %s: %w", cacheKey, err)
	}

	tags := make([]string, 0, len(buses)+1)
	tags = append(tags, TagBusList)
	for _, bus := range buses {
		tags = append(tags, BusTag(bus.BusID))
	}

	keys := make([]string, 0, len(tags)+3)
	keys = append(keys, cacheKey, r.listGenerationKey(), r.buildTagKey("key_tags", cacheKey))
	args := make([]interface{}, 0, len(tags)+3)
	args = append(args, data, ttl.Milliseconds(), generation)
	for _, tag := range tags {
		keys = append(keys, r.buildTagKey("tag_keys", tag))
		args = append(args, tag)
	}

	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	stored, err := fillListIfCurrent.Run(ctx, r.client(), keys, args...).Int()
	if err != nil {
		return false, fmt.Errorf("failed to fill bus list in cache: %w", err)
	}
	return stored == 1, nil
}

// Get decodes a generic value into dest and reports whether it was found.
func (r *RedisCacheManager) Get(ctx context.Context, key string, dest interface{}) (bool, error) {
	return r.getJSON(ctx, r.buildKey("generic", key), dest)
}

func (r *RedisCacheManager) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	return r.setJSON(ctx, r.buildKey("generic", key), value, ttl)
}

// Delete removes a fully qualified key and its tag associations.
func (r *RedisCacheManager) Delete(ctx context.Context, key string) error {
	if !r.available() {
		return ErrUnavailable
	}
	if err := r.removeKeyTags(ctx, key); err != nil {
		log.WithError(err).WithField("key", key).Warn("Failed to remove tags for key")
	}

	ctx, cancel := r.withTimeout(ctx)
	defer cancel()
	return r.client().Del(ctx, key).Err()
}

// TagKey records key under each tag. Tag sets outlive the data so that a
// later invalidation still finds the key.
func (r *RedisCacheManager) TagKey(ctx context.Context, key string, ttl time.Duration, tags ...string) error {
	if len(tags) == 0 {
		return nil
	}
	if !r.available() {
		return ErrUnavailable
	}
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	tagTTL := 2 * ttl
	pipe := r.client().Pipeline()

	keyTagsKey := r.buildTagKey("key_tags", key)
	pipe.SAdd(ctx, keyTagsKey, tags)
	pipe.Expire(ctx, keyTagsKey, tagTTL)

	for _, tag := range tags {
		tagKeysKey := r.buildTagKey("tag_keys", tag)
		pipe.SAdd(ctx, tagKeysKey, key)
		pipe.Expire(ctx, tagKeysKey, tagTTL)
	}

	_, err := pipe.Exec(ctx)
	return err
}

// InvalidateByTag deletes every key carrying tag. It bumps the list generation
// first, so a listing loaded before this call can no longer be filled.
func (r *RedisCacheManager) InvalidateByTag(ctx context.Context, tag string) error {
	if !r.available() {
		return ErrUnavailable
	}
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	if err := r.client().Incr(ctx, r.listGenerationKey()).Err(); err != nil {
		return fmt.Errorf("failed to bump list generation: %w", err)
	}

	tagKeysKey := r.buildTagKey("tag_keys", tag)
	keys, err := r.client().SMembers(ctx, tagKeysKey).Result()
	if err != nil {
		return fmt.Errorf("failed to get keys for tag %s: %w", tag, err)
	}
	if len(keys) == 0 {
		return nil
	}

	pipe := r.client().Pipeline()
	for _, key := range keys {
		pipe.Del(ctx, key)
		pipe.Del(ctx, r.buildTagKey("key_tags", key))
	}
	pipe.Del(ctx, tagKeysKey)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to invalidate keys for tag %s: %w", tag, err)
	}

	r.stats.mu.Lock()
	r.stats.evictionCount += int64(len(keys))
	r.stats.mu.Unlock()
	return nil
}

func (r *RedisCacheManager) GetCacheStats() CacheStats {
	r.stats.mu.RLock()
	totalHits := r.stats.totalHits
	totalMisses := r.stats.totalMisses
	evictionCount := r.stats.evictionCount
	r.stats.mu.RUnlock()

	stats := CacheStats{
		EvictionCount: int(evictionCount),
		TotalHits:     totalHits,
		TotalMisses:   totalMisses,
	}
	if total := totalHits + totalMisses; total > 0 {
		stats.HitRate = float64(totalHits) / float64(total)
		stats.MissRate = float64(totalMisses) / float64(total)
	}

	ctx, cancel := r.withTimeout(context.Background())
	defer cancel()

	if info, err := r.client().Info(ctx, "memory").Result(); err == nil {
		stats.MemoryUsage = parseUsedMemory(info)
	}
	if keys, err := r.client().Keys(ctx, r.config.KeyPrefix+"*").Result(); err == nil {
		stats.KeyCount = len(keys)
	}
	return stats
}

func (r *RedisCacheManager) HealthCheck(ctx context.Context) error {
	if !r.available() {
		return ErrUnavailable
	}
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()
	return r.client().Ping(ctx).Err()
}

func (r *RedisCacheManager) getJSON(ctx context.Context, key string, dest interface{}) (bool, error) {
	if !r.available() {
		return false, ErrUnavailable
	}
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	data, err := r.client().Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		r.recordMiss()
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to get %s from cache: %w", key, err)
	}

	if err := json.Unmarshal(data, dest); err != nil {
		return false, fmt.Errorf("failed to unmarshal %s: %w", key, err)
	}
	r.recordHit()
	return true, nil
}

func (r *RedisCacheManager) setJSON(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	if !r.available() {
		return ErrUnavailable
	}
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", key, err)
	}

	ctx, cancel := r.withTimeout(ctx)
	defer cancel()
	return r.client().Set(ctx, key, data, ttl).Err()
}

func (r *RedisCacheManager) buildKey(keyType, identifier string) string {
	return fmt.Sprintf("%s%s:%s", r.config.KeyPrefix, keyType, identifier)
}

func (r *RedisCacheManager) listGenerationKey() string {
	return r.buildKey("meta", "bus_list_generation")
}

func (r *RedisCacheManager) buildTagKey(keyType, identifier string) string {
	return fmt.Sprintf("%s%s%s:%s", r.config.KeyPrefix, r.config.TagPrefix, keyType, identifier)
}

func (r *RedisCacheManager) recordHit() {
	r.stats.mu.Lock()
	r.stats.totalHits++
	r.stats.mu.Unlock()
}

func (r *RedisCacheManager) recordMiss() {
	r.stats.mu.Lock()
	r.stats.totalMisses++
	r.stats.mu.Unlock()
}

func (r *RedisCacheManager) removeKeyTags(ctx context.Context, key string) error {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	keyTagsKey := r.buildTagKey("key_tags", key)
	tags, err := r.client().SMembers(ctx, keyTagsKey).Result()
	if err != nil {
		return err
	}

	pipe := r.client().Pipeline()
	for _, tag := range tags {
		pipe.SRem(ctx, r.buildTagKey("tag_keys", tag), key)
	}
	pipe.Del(ctx, keyTagsKey)

	_, err = pipe.Exec(ctx)
	return err
}

func parseUsedMemory(info string) int64 {
	for _, line := range strings.Split(info, "\n") {
		value, ok := strings.CutPrefix(strings.TrimSpace(line), "used_memory:")
		if !ok {
			continue
		}
		if n, err := strconv.ParseInt(value, 10, 64); err == nil {
			return n
		}
	}
	return 0
}
