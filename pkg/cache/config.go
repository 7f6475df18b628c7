package cache

import "time"

// CacheConfig holds TTLs and key prefixes for the read cache.
type CacheConfig struct {
	BusDataTTL       time.Duration `json:"busDataTTL"`       // single bus lookups
	BusListTTL       time.Duration `json:"busListTTL"`       // filtered listings
	OperationTimeout time.Duration `json:"operationTimeout"` // per redis call
	KeyPrefix        string        `json:"keyPrefix"`
	TagPrefix        string        `json:"tagPrefix"`
}

func DefaultCacheConfig() CacheConfig {
	return CacheConfig{
		BusDataTTL:       30 * time.Second,
		BusListTTL:       10 * time.Second,
		OperationTimeout: 500 * time.Millisecond,
		KeyPrefix:        "ibamex:",
		TagPrefix:        "tag:",
	}
}

// GetTTLForDataType returns the TTL for DataTypeBus or DataTypeBusList.
func (c CacheConfig) GetTTLForDataType(dataType string) time.Duration {
	switch dataType {
	case DataTypeBusList:
		return c.BusListTTL
	default:
		return c.BusDataTTL
	}
}
