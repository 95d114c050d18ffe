// Package cache keeps detection results and rate-limit counters close to the
// API, in process or in Redis.
package cache

import (
	"container/list"
	"context"
	"sync"
	"time"

	"github.com/opensource-finance/ringwatch/internal/domain"
)

// counterSweepEvery is how many IncrementCounter calls pass between sweeps
// of expired rate-limit windows.
const counterSweepEvery = 1024

// LRUCache is the in-process cache: bounded, least recently used entries
// leave first, and every entry carries its own deadline.
type LRUCache struct {
	mu       sync.Mutex
	capacity int
	entries  map[string]*list.Element
	recency  *list.List
	windows  map[string]*window
	bumps    int

	hits      uint64
	misses    uint64
	evictions uint64
}

type lruEntry struct {
	key      string
	value    []byte
	deadline time.Time
}

type window struct {
	count    int64
	deadline time.Time
}

// NewLRUCache returns a cache holding at most capacity entries. A
// non-positive capacity falls back to 10000.
func NewLRUCache(capacity int) *LRUCache {
	if capacity <= 0 {
		capacity = 10000
	}
	return &LRUCache{
		capacity: capacity,
		entries:  make(map[string]*list.Element),
		recency:  list.New(),
		windows:  make(map[string]*window),
	}
}

func scoped(tenantID, key string) string {
	return tenantID + ":" + key
}

func (c *LRUCache) Get(ctx context.Context, tenantID string, key string) ([]byte, error) {
	if tenantID == "" {
		return nil, ErrTenantRequired
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.entries[scoped(tenantID, key)]
	if !ok {
		c.misses++
		return nil, nil
	}
	e := elem.Value.(*lruEntry)
	if !time.Now().Before(e.deadline) {
		c.drop(elem)
		c.misses++
		return nil, nil
	}
	c.recency.MoveToFront(elem)
	c.hits++
	return e.value, nil
}

func (c *LRUCache) Set(ctx context.Context, tenantID string, key string, value []byte, ttl time.Duration) error {
	if tenantID == "" {
		return ErrTenantRequired
	}
	k := scoped(tenantID, key)
	deadline := time.Now().Add(ttl)

	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.entries[k]; ok {
		e := elem.Value.(*lruEntry)
		e.value, e.deadline = value, deadline
		c.recency.MoveToFront(elem)
		return nil
	}

	c.entries[k] = c.recency.PushFront(&lruEntry{key: k, value: value, deadline: deadline})
	if c.recency.Len() > c.capacity {
		c.evict()
	}
	return nil
}

func (c *LRUCache) Delete(ctx context.Context, tenantID string, key string) error {
	if tenantID == "" {
		return ErrTenantRequired
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if elem, ok := c.entries[scoped(tenantID, key)]; ok {
		c.drop(elem)
	}
	return nil
}

func (c *LRUCache) GetResult(ctx context.Context, tenantID string, sessionID string) (*domain.DetectionResult, error) {
	return getResult(ctx, c, tenantID, sessionID)
}

func (c *LRUCache) SetResult(ctx context.Context, tenantID string, result *domain.DetectionResult, ttl time.Duration) error {
	return setResult(ctx, c, tenantID, result, ttl)
}

// IncrementCounter counts hits in a fixed window. Windows are not LRU
// entries and never push results out.
func (c *LRUCache) IncrementCounter(ctx context.Context, tenantID string, key string, span time.Duration) (int64, error) {
	if tenantID == "" {
		return 0, ErrTenantRequired
	}
	k := scoped(tenantID, "counter:"+key)
	now := time.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	c.bumps++
	if c.bumps%counterSweepEvery == 0 {
		c.sweepWindows(now)
	}

	w, ok := c.windows[k]
	if !ok || !now.Before(w.deadline) {
		c.windows[k] = &window{count: 1, deadline: now.Add(span)}
		return 1, nil
	}
	w.count++
	return w.count, nil
}

func (c *LRUCache) Ping(ctx context.Context) error {
	return nil
}

// Close empties the cache. It stays usable afterwards.
func (c *LRUCache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*list.Element)
	c.recency.Init()
	c.windows = make(map[string]*window)
	return nil
}

// Stats reports hit, miss and eviction totals plus current occupancy.
func (c *LRUCache) Stats() domain.CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return domain.CacheStats{
		Hits:      c.hits,
		Misses:    c.misses,
		Evictions: c.evictions,
		Size:      c.recency.Len(),
		Capacity:  c.capacity,
	}
}

// evict removes one entry, preferring an expired one near the cold end
// before falling back to the least recently used.
func (c *LRUCache) evict() {
	now := time.Now()
	scanned := 0
	for elem := c.recency.Back(); elem != nil && scanned < 8; elem = elem.Prev() {
		if !now.Before(elem.Value.(*lruEntry).deadline) {
			c.drop(elem)
			return
		}
		scanned++
	}
	if elem := c.recency.Back(); elem != nil {
		c.drop(elem)
		c.evictions++
	}
}

func (c *LRUCache) drop(elem *list.Element) {
	c.recency.Remove(elem)
	delete(c.entries, elem.Value.(*lruEntry).key)
}

func (c *LRUCache) sweepWindows(now time.Time) {
	for k, w := range c.windows {
		if !now.Before(w.deadline) {
			delete(c.windows, k)
		}
	}
}
