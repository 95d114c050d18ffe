package cache

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/opensource-finance/ringwatch/internal/domain"
)

// KeyPrefix namespaces every Ringwatch key in Redis.
const KeyPrefix = "ringwatch:"

// windowScript bumps a counter and arms its expiry on the first hit only,
// so the window does not slide with traffic.
var windowScript = redis.NewScript(`
local n = redis.call('INCR', KEYS[1])
if n == 1 then
	redis.call('PEXPIRE', KEYS[1], ARGV[1])
end
return n
`)

// RedisCache shares results and rate-limit windows between API replicas.
// It works against a single node, a cluster or a sentinel group.
type RedisCache struct {
	client redis.UniversalClient
}

// NewRedisCache dials Redis and fails if the first ping does not succeed
// within five seconds.
func NewRedisCache(cfg domain.CacheConfig) (*RedisCache, error) {
	addrs := splitAddrs(cfg.RedisAddr)
	if len(addrs) == 0 {
		addrs = []string{"localhost:6379"}
	}

	client := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:      addrs,
		Password:   cfg.RedisPassword,
		DB:         cfg.RedisDB,
		MasterName: cfg.RedisMasterName,
		ClientName: "ringwatch",
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", strings.Join(addrs, ","), err)
	}
	return &RedisCache{client: client}, nil
}

func splitAddrs(s string) []string {
	var addrs []string
	for a := range strings.SplitSeq(s, ",") {
		if a = strings.TrimSpace(a); a != "" {
			addrs = append(addrs, a)
		}
	}
	return addrs
}

func redisKey(tenantID, key string) string {
	return KeyPrefix + scoped(tenantID, key)
}

func (c *RedisCache) Get(ctx context.Context, tenantID string, key string) ([]byte, error) {
	if tenantID == "" {
		return nil, ErrTenantRequired
	}
	val, err := c.client.Get(ctx, redisKey(tenantID, key)).Bytes()
	switch {
	case errors.Is(err, redis.Nil):
		return nil, nil
	case err != nil:
		return nil, fmt.Errorf("redis get %s: %w", key, err)
	}
	return val, nil
}

func (c *RedisCache) Set(ctx context.Context, tenantID string, key string, value []byte, ttl time.Duration) error {
	if tenantID == "" {
		return ErrTenantRequired
	}
	if err := c.client.Set(ctx, redisKey(tenantID, key), value, ttl).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", key, err)
	}
	return nil
}

func (c *RedisCache) Delete(ctx context.Context, tenantID string, key string) error {
	if tenantID == "" {
		return ErrTenantRequired
	}
	return c.client.Del(ctx, redisKey(tenantID, key)).Err()
}

func (c *RedisCache) GetResult(ctx context.Context, tenantID string, sessionID string) (*domain.DetectionResult, error) {
	return getResult(ctx, c, tenantID, sessionID)
}

func (c *RedisCache) SetResult(ctx context.Context, tenantID string, result *domain.DetectionResult, ttl time.Duration) error {
	return setResult(ctx, c, tenantID, result, ttl)
}

// IncrementCounter runs the fixed-window script atomically on the server.
func (c *RedisCache) IncrementCounter(ctx context.Context, tenantID string, key string, span time.Duration) (int64, error) {
	if tenantID == "" {
		return 0, ErrTenantRequired
	}
	keys := []string{redisKey(tenantID, "counter:"+key)}
	n, err := windowScript.Run(ctx, c.client, keys, span.Milliseconds()).Int64()
	if err != nil {
		return 0, fmt.Errorf("redis counter %s: %w", key, err)
	}
	return n, nil
}

func (c *RedisCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *RedisCache) Close() error {
	return c.client.Close()
}
