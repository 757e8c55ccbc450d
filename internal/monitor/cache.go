package monitor

import (
	"sync"
	"time"
)

// CachedResult is the last successful observation of one target.
type CachedResult struct {
	Target       string
	Availability Availability
	FetchedAt    time.Time
}

// ResultCache keeps one entry per target with a process-wide TTL.
// Only successful fetches are stored; failures leave the previous
// observation in place.
type ResultCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[string]CachedResult
}

// NewResultCache creates a cache. A non-positive ttl disables reuse
// (entries are still stored for transition detection, never fresh).
func NewResultCache(ttl time.Duration) *ResultCache {
	return &ResultCache{ttl: ttl, entries: map[string]CachedResult{}}
}

func (c *ResultCache) Get(target string) (CachedResult, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[target]
	return e, ok
}

func (c *ResultCache) Put(target string, av Availability, fetchedAt time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[target] = CachedResult{Target: target, Availability: av, FetchedAt: fetchedAt}
}

// Fresh reports whether the entry for target may be reused at now.
// The boundary is inclusive: an entry aged exactly ttl is still fresh.
func (c *ResultCache) Fresh(target string, now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ttl <= 0 {
		return false
	}
	e, ok := c.entries[target]
	if !ok {
		return false
	}
	return now.Sub(e.FetchedAt) <= c.ttl
}

func (c *ResultCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *ResultCache) TTL() time.Duration { return c.ttl }
