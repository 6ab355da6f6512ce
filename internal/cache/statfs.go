package cache

import (
	"sync"
	"time"
)

// StatfsCache holds the last quota/usage figures reported by the remote
// store, valid for a bounded time.
type StatfsCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	total   uint64
	used    uint64
	fetched time.Time

	now func() time.Time
}

// NewStatfsCache creates a statfs cache with the given TTL.
func NewStatfsCache(ttl time.Duration) *StatfsCache {
	return &StatfsCache{ttl: ttl, now: time.Now}
}

// Get returns the cached figures if still fresh.
func (c *StatfsCache) Get() (total, used uint64, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fetched.IsZero() || c.now().Sub(c.fetched) > c.ttl {
		return 0, 0, false
	}
	return c.total, c.used, true
}

// Set stores freshly fetched figures.
func (c *StatfsCache) Set(total, used uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.total = total
	c.used = used
	c.fetched = c.now()
}
