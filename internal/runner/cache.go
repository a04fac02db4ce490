package runner

import (
	"context"
	"maps"
	"sync"

	"github.com/AccelerationConsortium/workflow-management-sub004/internal/executor"
)

// Cache stores results of cacheable tasks by cache key.
type Cache interface {
	Get(ctx context.Context, key string) (executor.Result, bool)
	Put(ctx context.Context, key string, res executor.Result)
}

// MemoryCache is a process-local Cache.
type MemoryCache struct {
	mu      sync.RWMutex
	entries map[string]executor.Result
}

func NewMemoryCache() *MemoryCache {
	return &MemoryCache{entries: make(map[string]executor.Result)}
}

func (c *MemoryCache) Get(_ context.Context, key string) (executor.Result, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	res, ok := c.entries[key]
	if ok {
		res.Payload = maps.Clone(res.Payload)
	}
	return res, ok
}

func (c *MemoryCache) Put(_ context.Context, key string, res executor.Result) {
	c.mu.Lock()
	defer c.mu.Unlock()
	res.Payload = maps.Clone(res.Payload)
	c.entries[key] = res
}

// Len returns the number of cached results
func (c *MemoryCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
