package cache

// NewCacheManager creates a cache manager backed by the provider's client.
func NewCacheManager(provider ClientProvider, config CacheConfig) CacheManager {
	return NewRedisCacheManager(provider, config)
}

func NewDefaultCacheManager(provider ClientProvider) CacheManager {
	return NewRedisCacheManager(provider, DefaultCacheConfig())
}
