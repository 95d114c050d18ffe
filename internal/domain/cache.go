package domain

import (
	"context"
	"time"
)

// Cache stores detection results and rate-limit counters. Keys are always
// scoped by tenant; an empty tenant is rejected.
type Cache interface {
	// Get returns nil, nil when the key is absent or expired.
	Get(ctx context.Context, tenantID string, key string) ([]byte, error)
	Set(ctx context.Context, tenantID string, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, tenantID string, key string) error

	// GetResult returns nil, nil on a miss.
	GetResult(ctx context.Context, tenantID string, sessionID string) (*DetectionResult, error)
	SetResult(ctx context.Context, tenantID string, result *DetectionResult, ttl time.Duration) error

	// IncrementCounter bumps a fixed-window counter and returns the new
	// value. The window starts at the first increment.
	IncrementCounter(ctx context.Context, tenantID string, key string, window time.Duration) (int64, error)

	Ping(ctx context.Context) error
	Close() error
}

// CacheStats is a point-in-time view of the in-process cache layer.
type CacheStats struct {
	Hits      uint64
	Misses    uint64
	Evictions uint64
	Size      int
	Capacity  int
}

// ResultKey is the cache key of a detection result.
func ResultKey(sessionID string) string {
	return "result:" + sessionID
}

// CacheConfig selects and tunes the cache backend.
type CacheConfig struct {
	// Type is "memory" or "redis".
	Type string `json:"type"`

	LocalMaxSize int           `json:"localMaxSize"`
	LocalTTL     time.Duration `json:"localTtl"`

	// RedisAddr accepts a comma-separated list for cluster or sentinel setups.
	RedisAddr       string `json:"redisAddr"`
	RedisPassword   string `json:"-"`
	RedisDB         int    `json:"redisDb"`
	RedisMasterName string `json:"redisMasterName,omitempty"`

	// EnableTwoPhase puts the local LRU in front of Redis.
	EnableTwoPhase bool `json:"enableTwoPhase"`

	ResultTTL time.Duration `json:"resultTtl"`
}
