package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/opensource-finance/ringwatch/internal/domain"
)

// ErrTenantRequired is returned when a cache call has no tenant.
var ErrTenantRequired = errors.New("tenantID is required")

// New builds the cache named by cfg.Type. A "redis" cache gets an LRU in
// front of it when EnableTwoPhase is set.
func New(cfg domain.CacheConfig) (domain.Cache, error) {
	switch cfg.Type {
	case "memory":
		return NewLRUCache(cfg.LocalMaxSize), nil

	case "redis":
		if cfg.EnableTwoPhase {
			return NewTwoPhaseCache(cfg)
		}
		return NewRedisCache(cfg)

	default:
		return nil, fmt.Errorf("unsupported cache type: %s", cfg.Type)
	}
}

type byteCache interface {
	Get(ctx context.Context, tenantID string, key string) ([]byte, error)
	Set(ctx context.Context, tenantID string, key string, value []byte, ttl time.Duration) error
}

func getResult(ctx context.Context, c byteCache, tenantID, sessionID string) (*domain.DetectionResult, error) {
	data, err := c.Get(ctx, tenantID, domain.ResultKey(sessionID))
	if err != nil || data == nil {
		return nil, err
	}

	wrapped := cachedResult{DetectionResult: &domain.DetectionResult{}}
	if err := json.Unmarshal(data, &wrapped); err != nil {
		return nil, fmt.Errorf("failed to decode cached result %s: %w", sessionID, err)
	}
	wrapped.DetectionResult.Analysis = wrapped.Analysis
	return wrapped.DetectionResult, nil
}

// setResult stores the full result including fields the API hides, such as
// the per-account analysis.
func setResult(ctx context.Context, c byteCache, tenantID string, result *domain.DetectionResult, ttl time.Duration) error {
	data, err := json.Marshal(cachedResult{DetectionResult: result, Analysis: result.Analysis})
	if err != nil {
		return fmt.Errorf("failed to encode result %s: %w", result.SessionID, err)
	}
	return c.Set(ctx, tenantID, domain.ResultKey(result.SessionID), data, ttl)
}

// cachedResult carries Analysis, which DetectionResult omits from JSON.
type cachedResult struct {
	*domain.DetectionResult
	Analysis []domain.AccountAnalysis `json:"analysis,omitempty"`
}

// TwoPhaseCache reads through a local LRU (L1) to Redis (L2) and writes to
// both. Counters bypass L1 so every replica sees the same window.
type TwoPhaseCache struct {
	local  *LRUCache
	remote *RedisCache
	l1TTL  time.Duration
}

func NewTwoPhaseCache(cfg domain.CacheConfig) (*TwoPhaseCache, error) {
	remote, err := NewRedisCache(cfg)
	if err != nil {
		return nil, err
	}
	l1TTL := cfg.LocalTTL
	if l1TTL <= 0 {
		l1TTL = 5 * time.Minute
	}
	return &TwoPhaseCache{
		local:  NewLRUCache(cfg.LocalMaxSize),
		remote: remote,
		l1TTL:  l1TTL,
	}, nil
}

// Get fills L1 on an L2 hit. The L1 copy may outlive a Delete issued on
// another replica by at most l1TTL.
func (c *TwoPhaseCache) Get(ctx context.Context, tenantID string, key string) ([]byte, error) {
	if val, err := c.local.Get(ctx, tenantID, key); err != nil || val != nil {
		return val, err
	}
	val, err := c.remote.Get(ctx, tenantID, key)
	if err != nil || val == nil {
		return nil, err
	}
	_ = c.local.Set(ctx, tenantID, key, val, c.l1TTL)
	return val, nil
}

// Set writes to both L1 and L2.
func (c *TwoPhaseCache) Set(ctx context.Context, tenantID string, key string, value []byte, ttl time.Duration) error {
	// L1 never outlives L2
	l1TTL := min(c.l1TTL, ttl)
	if err := c.local.Set(ctx, tenantID, key, value, l1TTL); err != nil {
		return err
	}
	return c.remote.Set(ctx, tenantID, key, value, ttl)
}

// Delete removes from both L1 and L2.
func (c *TwoPhaseCache) Delete(ctx context.Context, tenantID string, key string) error {
	if err := c.local.Delete(ctx, tenantID, key); err != nil {
		return err
	}
	return c.remote.Delete(ctx, tenantID, key)
}

// GetResult retrieves a cached detection result through both layers.
func (c *TwoPhaseCache) GetResult(ctx context.Context, tenantID string, sessionID string) (*domain.DetectionResult, error) {
	return getResult(ctx, c, tenantID, sessionID)
}

// SetResult caches a detection result in both layers.
func (c *TwoPhaseCache) SetResult(ctx context.Context, tenantID string, result *domain.DetectionResult, ttl time.Duration) error {
	return setResult(ctx, c, tenantID, result, ttl)
}

func (c *TwoPhaseCache) IncrementCounter(ctx context.Context, tenantID string, key string, window time.Duration) (int64, error) {
	return c.remote.IncrementCounter(ctx, tenantID, key, window)
}

func (c *TwoPhaseCache) Ping(ctx context.Context) error {
	if err := c.local.Ping(ctx); err != nil {
		return fmt.Errorf("local cache: %w", err)
	}
	if err := c.remote.Ping(ctx); err != nil {
		return fmt.Errorf("redis: %w", err)
	}
	return nil
}

func (c *TwoPhaseCache) Close() error {
	_ = c.local.Close()
	return c.remote.Close()
}

// Stats reports the L1 layer.
func (c *TwoPhaseCache) Stats() domain.CacheStats {
	return c.local.Stats()
}
