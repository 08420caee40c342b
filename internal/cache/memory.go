package cache

import (
	"context"
	"sync"
	"time"
)

// sweepInterval is how often the janitor clears expired entries.
const sweepInterval = time.Minute

// MemoryCache is the in-process replay store for single-instance deployments
// and local development. Entries carry their own deadline; expired ones are
// dropped lazily on access and swept periodically so the map cannot grow
// without bound.
type MemoryCache struct {
	mu      sync.RWMutex
	entries map[string]memEntry

	stop chan struct{}
	once sync.Once
}

type memEntry struct {
	value    []byte
	deadline time.Time
}

// NewMemoryCache starts the janitor goroutine, which runs until ctx is
// cancelled or Close is called.
func NewMemoryCache(ctx context.Context) *MemoryCache {
	c := &MemoryCache{
		entries: make(map[string]memEntry),
		stop:    make(chan struct{}),
	}
	go c.janitor(ctx)
	return c
}

// Get returns (data, true) for a live entry and (nil, false) otherwise.
func (c *MemoryCache) Get(_ context.Context, key string) ([]byte, bool) {
	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()

	if !ok {
		return nil, false
	}
	if time.Now().After(e.deadline) {
		c.mu.Lock()
		delete(c.entries, key)
		c.mu.Unlock()
		return nil, false
	}
	return e.value, true
}

// Set stores value under key until ttl elapses. A non-positive ttl falls back
// to one hour.
func (c *MemoryCache) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = time.Hour
	}
	c.mu.Lock()
	c.entries[key] = memEntry{value: value, deadline: time.Now().Add(ttl)}
	c.mu.Unlock()
	return nil
}

// Delete removes key. Deleting an absent key is not an error.
func (c *MemoryCache) Delete(_ context.Context, key string) error {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
	return nil
}

// Len counts stored entries, including expired ones the janitor has not swept
// yet.
func (c *MemoryCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Close stops the janitor. Safe to call more than once.
func (c *MemoryCache) Close() {
	c.once.Do(func() { close(c.stop) })
}

func (c *MemoryCache) janitor(ctx context.Context) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			now := time.Now()
			c.mu.Lock()
			for k, e := range c.entries {
				if now.After(e.deadline) {
					delete(c.entries, k)
				}
			}
			c.mu.Unlock()
		case <-ctx.Done():
			return
		case <-c.stop:
			return
		}
	}
}
