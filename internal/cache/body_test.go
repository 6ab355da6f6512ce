package cache

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock lets tests advance cache time manually.
type fakeClock struct {
	t time.Time
}

func (f *fakeClock) now() time.Time { return f.t }

func (f *fakeClock) advance(d time.Duration) { f.t = f.t.Add(d) }

func newTestCache(maxItems int, ttl time.Duration) (*BodyCache, *fakeClock) {
	clock := &fakeClock{t: time.Unix(1500000000, 0)}
	c := NewBodyCache(maxItems, ttl)
	c.now = clock.now
	return c, clock
}

func TestBodyCachePutGet(t *testing.T) {
	c, _ := newTestCache(4, time.Minute)

	c.Put("id1", []byte("hello"))
	body, ok := c.Get("id1")
	require.True(t, ok)
	assert.Equal(t, []byte("hello"), body)

	_, ok = c.Get("id2")
	assert.False(t, ok)

	hits, misses, _ := c.Stats()
	assert.Equal(t, uint64(1), hits)
	assert.Equal(t, uint64(1), misses)
}

func TestBodyCacheGetReturnsCopy(t *testing.T) {
	c, _ := newTestCache(4, time.Minute)
	c.Put("id1", []byte("abc"))

	body, _ := c.Get("id1")
	body[0] = 'X'

	again, _ := c.Get("id1")
	assert.Equal(t, []byte("abc"), again)
}

func TestBodyCacheTTLExpiry(t *testing.T) {
	c, clock := newTestCache(4, 10*time.Second)
	c.Put("id1", []byte("old"))

	clock.advance(11 * time.Second)
	_, ok := c.Get("id1")
	assert.False(t, ok)
	assert.Equal(t, 0, c.Len())
}

func TestBodyCacheDirtyEntriesNeverExpire(t *testing.T) {
	c, clock := newTestCache(4, 10*time.Second)
	c.Write("id1", 0, []byte("pending"))

	clock.advance(time.Hour)
	body, ok := c.Get("id1")
	require.True(t, ok)
	assert.Equal(t, []byte("pending"), body)
}

func TestBodyCacheLRUEviction(t *testing.T) {
	c, _ := newTestCache(2, time.Minute)

	c.Put("a", []byte("1"))
	c.Put("b", []byte("2"))
	_, _ = c.Get("a") // touch a so b becomes the LRU victim
	c.Put("c", []byte("3"))

	_, ok := c.Get("b")
	assert.False(t, ok)
	_, ok = c.Get("a")
	assert.True(t, ok)
	_, ok = c.Get("c")
	assert.True(t, ok)
}

func TestBodyCacheEvictionSkipsDirty(t *testing.T) {
	c, _ := newTestCache(2, time.Minute)

	c.Write("dirty1", 0, []byte("d1"))
	c.Write("dirty2", 0, []byte("d2"))
	c.Put("clean", []byte("c"))
	c.Put("clean2", []byte("c2"))

	// Both dirty entries must survive; the clean ones contend for the
	// remaining capacity.
	assert.True(t, c.Dirty("dirty1"))
	assert.True(t, c.Dirty("dirty2"))
	_, ok := c.Get("dirty1")
	assert.True(t, ok)
	_, ok = c.Get("dirty2")
	assert.True(t, ok)
}

func TestBodyCacheWriteExtends(t *testing.T) {
	c, _ := newTestCache(4, time.Minute)

	size := c.Write("id", 0, []byte("hello"))
	assert.Equal(t, int64(5), size)

	// Write past the end: zero fill in between.
	size = c.Write("id", 8, []byte("x"))
	assert.Equal(t, int64(9), size)

	body, _ := c.Get("id")
	assert.Equal(t, []byte("hello\x00\x00\x00x"), body)
}

func TestBodyCacheTruncate(t *testing.T) {
	c, _ := newTestCache(4, time.Minute)
	c.Put("id", []byte("hello world"))

	c.Truncate("id", 5)
	body, _ := c.Get("id")
	assert.Equal(t, []byte("hello"), body)
	assert.True(t, c.Dirty("id"))

	c.Truncate("id", 8)
	body, _ = c.Get("id")
	assert.Equal(t, []byte("hello\x00\x00\x00"), body)
}

func TestBodyCacheClearDirty(t *testing.T) {
	c, _ := newTestCache(4, time.Minute)
	c.Write("id", 0, []byte("x"))
	require.True(t, c.Dirty("id"))

	c.ClearDirty("id")
	assert.False(t, c.Dirty("id"))
}

func TestBodyCacheRekey(t *testing.T) {
	c, _ := newTestCache(4, time.Minute)
	c.Write("local-1", 0, []byte("draft"))

	c.Rekey("local-1", "mem-0001")
	_, ok := c.Get("local-1")
	assert.False(t, ok)
	body, ok := c.Get("mem-0001")
	require.True(t, ok)
	assert.Equal(t, []byte("draft"), body)
	assert.True(t, c.Dirty("mem-0001"))
}

func TestBodyCacheEvictDropsDirty(t *testing.T) {
	c, _ := newTestCache(4, time.Minute)
	c.Write("id", 0, []byte("x"))

	c.Evict("id")
	_, ok := c.Get("id")
	assert.False(t, ok)
}

func TestBodyCacheCapHolds(t *testing.T) {
	c, _ := newTestCache(3, time.Minute)
	for i := 0; i < 20; i++ {
		c.Put(fmt.Sprintf("id%d", i), []byte("b"))
	}
	assert.Equal(t, 3, c.Len())
}

func TestStatfsCache(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1500000000, 0)}
	c := NewStatfsCache(100 * time.Second)
	c.now = clock.now

	_, _, ok := c.Get()
	assert.False(t, ok)

	c.Set(1000, 250)
	total, used, ok := c.Get()
	require.True(t, ok)
	assert.Equal(t, uint64(1000), total)
	assert.Equal(t, uint64(250), used)

	clock.advance(101 * time.Second)
	_, _, ok = c.Get()
	assert.False(t, ok)
}
