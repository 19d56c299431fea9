package cache

import (
	"context"
	"errors"
	"sync"
	"time"
)

// MemoryCache is an in-process Cache useful for tests and single-node runs.
// Expired entries are dropped lazily on read.

type MemoryCache struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	clock   func() time.Time

	// FailWrites makes Set and Delete return an error, for exercising best-effort paths.
	FailWrites bool
	sets       int
}

type memoryEntry struct {
	value     []byte
	expiresAt time.Time
}

var errMemoryCacheDown = errors.New("cache: unavailable")

func NewMemoryCache() *MemoryCache {
	return &MemoryCache{entries: make(map[string]memoryEntry), clock: time.Now}
}

// WithClock overrides the clock used for expiry.
func (c *MemoryCache) WithClock(clock func() time.Time) *MemoryCache {
	c.clock = clock
	return c
}

func (c *MemoryCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.FailWrites {
		return errMemoryCacheDown
	}
	v := make([]byte, len(value))
	copy(v, value)
	c.entries[key] = memoryEntry{value: v, expiresAt: c.clock().Add(ttl)}
	c.sets++
	return nil
}

func (c *MemoryCache) Get(ctx context.Context, key string) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		return nil, ErrMiss
	}
	if !c.clock().Before(e.expiresAt) {
		delete(c.entries, key)
		return nil, ErrMiss
	}
	out := make([]byte, len(e.value))
	copy(out, e.value)
	return out, nil
}

func (c *MemoryCache) Delete(ctx context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.FailWrites {
		return errMemoryCacheDown
	}
	delete(c.entries, key)
	return nil
}

// TTL reports the remaining lifetime of key, or zero if absent.
func (c *MemoryCache) TTL(key string) time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		return 0
	}
	return e.expiresAt.Sub(c.clock())
}

// Sets counts successful writes.
func (c *MemoryCache) Sets() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sets
}
