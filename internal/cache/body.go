package cache

import (
	"container/list"
	"sync"
	"time"
)

// BodyCache is a bounded LRU of downloaded file bodies keyed by remote ID.
// Eviction is by least-recent use once the item cap is reached; entries
// also expire after a TTL counted from installation. Dirty entries never
// expire and are never evicted.
type BodyCache struct {
	mu       sync.Mutex
	maxItems int
	ttl      time.Duration
	items    map[string]*bodyItem
	lru      *list.List

	// Statistics
	hits      uint64
	misses    uint64
	evictions uint64

	// now is replaceable for expiry tests.
	now func() time.Time
}

type bodyItem struct {
	id        string
	body      []byte
	installed time.Time
	dirty     bool
	element   *list.Element
}

// NewBodyCache creates a cache bounded by maxItems entries and a per-entry
// TTL.
func NewBodyCache(maxItems int, ttl time.Duration) *BodyCache {
	return &BodyCache{
		maxItems: maxItems,
		ttl:      ttl,
		items:    make(map[string]*bodyItem),
		lru:      list.New(),
		now:      time.Now,
	}
}

// Get returns a copy of the cached body. Expired entries are dropped and
// reported as misses.
func (c *BodyCache) Get(id string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	item, ok := c.items[id]
	if !ok {
		c.misses++
		return nil, false
	}
	if c.expired(item) {
		c.remove(item)
		c.misses++
		return nil, false
	}

	c.lru.MoveToFront(item.element)
	c.hits++
	return append([]byte(nil), item.body...), true
}

// Put installs a clean body, evicting as needed.
func (c *BodyCache) Put(id string, body []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if item, ok := c.items[id]; ok {
		item.body = append([]byte(nil), body...)
		item.installed = c.now()
		item.dirty = false
		c.lru.MoveToFront(item.element)
		return
	}

	item := &bodyItem{
		id:        id,
		body:      append([]byte(nil), body...),
		installed: c.now(),
	}
	item.element = c.lru.PushFront(item)
	c.items[id] = item
	c.evictExcess()
}

// Write applies an offset write to the cached body, extending it with zero
// fill as needed, and marks the entry dirty. A missing entry is created
// empty first. Returns the resulting body size.
func (c *BodyCache) Write(id string, offset int64, data []byte) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	item := c.ensure(id)
	end := offset + int64(len(data))
	if int64(len(item.body)) < end {
		grown := make([]byte, end)
		copy(grown, item.body)
		item.body = grown
	}
	copy(item.body[offset:end], data)
	item.dirty = true
	c.lru.MoveToFront(item.element)
	return int64(len(item.body))
}

// Truncate resizes the cached body and marks it dirty.
func (c *BodyCache) Truncate(id string, size int64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	item := c.ensure(id)
	if int64(len(item.body)) >= size {
		item.body = item.body[:size]
	} else {
		grown := make([]byte, size)
		copy(grown, item.body)
		item.body = grown
	}
	item.dirty = true
	c.lru.MoveToFront(item.element)
}

// Dirty reports whether the entry holds unflushed writes.
func (c *BodyCache) Dirty(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	item, ok := c.items[id]
	return ok && item.dirty
}

// ClearDirty marks the entry clean after a successful flush.
func (c *BodyCache) ClearDirty(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if item, ok := c.items[id]; ok {
		item.dirty = false
		item.installed = c.now()
	}
}

// Rekey moves an entry, dirty state included, to a new remote ID.
func (c *BodyCache) Rekey(oldID, newID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	item, ok := c.items[oldID]
	if !ok {
		return
	}
	delete(c.items, oldID)
	item.id = newID
	c.items[newID] = item
}

// Evict drops the entry regardless of its dirty state.
func (c *BodyCache) Evict(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if item, ok := c.items[id]; ok {
		c.remove(item)
	}
}

// Len returns the number of cached bodies.
func (c *BodyCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// Stats returns hit/miss/eviction counters.
func (c *BodyCache) Stats() (hits, misses, evictions uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hits, c.misses, c.evictions
}

func (c *BodyCache) ensure(id string) *bodyItem {
	item, ok := c.items[id]
	if !ok {
		item = &bodyItem{id: id, installed: c.now()}
		item.element = c.lru.PushFront(item)
		c.items[id] = item
		c.evictExcess()
	}
	return item
}

func (c *BodyCache) expired(item *bodyItem) bool {
	if item.dirty || c.ttl <= 0 {
		return false
	}
	return c.now().Sub(item.installed) > c.ttl
}

func (c *BodyCache) remove(item *bodyItem) {
	c.lru.Remove(item.element)
	delete(c.items, item.id)
	c.evictions++
}

func (c *BodyCache) evictExcess() {
	for len(c.items) > c.maxItems {
		element := c.lru.Back()
		if element == nil {
			return
		}
		item := element.Value.(*bodyItem)
		if item.dirty {
			// Dirty entries cannot be dropped; walk towards the front
			// looking for a clean victim.
			victim := c.cleanVictim()
			if victim == nil {
				return
			}
			item = victim
		}
		c.remove(item)
	}
}

func (c *BodyCache) cleanVictim() *bodyItem {
	for element := c.lru.Back(); element != nil; element = element.Prev() {
		item := element.Value.(*bodyItem)
		if !item.dirty {
			return item
		}
	}
	return nil
}
