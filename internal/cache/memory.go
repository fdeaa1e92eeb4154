package cache

import (
	"context"
	"sync"
	"time"
)

const memoryEvictInterval = time.Minute

type memItem struct {
	data      []byte
	expiresAt time.Time
}

// MemoryCache is an in-process TTL cache for single-instance deployments and
// tests. Expired entries are dropped lazily on read and swept periodically by
// a background goroutine.
type MemoryCache struct {
	mu    sync.RWMutex
	items map[string]memItem
	done  chan struct{}
	once  sync.Once
}

// NewMemoryCache creates the cache and starts the eviction loop, which stops
// when ctx is cancelled or Close is called.
func NewMemoryCache(ctx context.Context) *MemoryCache {
	c := &MemoryCache{
		items: make(map[string]memItem),
		done:  make(chan struct{}),
	}
	go c.evictLoop(ctx)
	return c
}

func (c *MemoryCache) Get(_ context.Context, key string) ([]byte, bool) {
	c.mu.RLock()
	item, ok := c.items[key]
	c.mu.RUnlock()

	if !ok {
		return nil, false
	}
	if time.Now().After(item.expiresAt) {
		c.mu.Lock()
		delete(c.items, key)
		c.mu.Unlock()
		return nil, false
	}
	return item.data, true
}

func (c *MemoryCache) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = time.Hour
	}
	c.mu.Lock()
	c.items[key] = memItem{data: value, expiresAt: time.Now().Add(ttl)}
	c.mu.Unlock()
	return nil
}

func (c *MemoryCache) Delete(_ context.Context, key string) error {
	c.mu.Lock()
	delete(c.items, key)
	c.mu.Unlock()
	return nil
}

// Len counts stored entries, including expired ones not yet swept.
func (c *MemoryCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items)
}

func (c *MemoryCache) Entries(_ context.Context) (int, error) {
	return c.Len(), nil
}

// Flush drops every entry and reports how many were removed.
func (c *MemoryCache) Flush(_ context.Context) (int, error) {
	c.mu.Lock()
	n := len(c.items)
	c.items = make(map[string]memItem)
	c.mu.Unlock()
	return n, nil
}

func (c *MemoryCache) Close() {
	c.once.Do(func() { close(c.done) })
}

func (c *MemoryCache) evictLoop(ctx context.Context) {
	ticker := time.NewTicker(memoryEvictInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.evictExpired()
		case <-ctx.Done():
			return
		case <-c.done:
			return
		}
	}
}

func (c *MemoryCache) evictExpired() {
	now := time.Now()
	c.mu.Lock()
	for k, v := range c.items {
		if now.After(v.expiresAt) {
			delete(c.items, k)
		}
	}
	c.mu.Unlock()
}
