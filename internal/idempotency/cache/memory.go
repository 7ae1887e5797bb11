package cache

import (
	"context"
	"sync"
	"time"

	"courier/internal/idempotency/models"
)

type memoryEntry struct {
	result    models.CachedResult
	expiresAt time.Time
}

// InMemory is a process-local cache for single-node deployments.
type InMemory struct {
	mu      sync.RWMutex
	entries map[string]memoryEntry
	now     func() time.Time
}

// NewInMemory creates an empty in-memory cache.
func NewInMemory() *InMemory {
	return &InMemory{entries: make(map[string]memoryEntry), now: time.Now}
}

// Get implements Cache.
func (c *InMemory) Get(_ context.Context, key models.Key) (*models.CachedResult, error) {
	c.mu.RLock()
	entry, ok := c.entries[DoneKey(key)]
	c.mu.RUnlock()
	if !ok || !c.now().Before(entry.expiresAt) {
		return nil, nil
	}
	r := entry.result
	return &r, nil
}

// Set implements Cache.
func (c *InMemory) Set(_ context.Context, key models.Key, result models.CachedResult, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[DoneKey(key)] = memoryEntry{result: result, expiresAt: c.now().Add(ttl)}
	return nil
}

// Sweep removes expired entries and returns how many were dropped.
func (c *InMemory) Sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	n := 0
	for k, e := range c.entries {
		if !now.Before(e.expiresAt) {
			delete(c.entries, k)
			n++
		}
	}
	return n
}
