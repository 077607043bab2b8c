// Package cache implements the client's bounded object cache (spec §4.6):
// an LRU over OID -> (serial, bytes), invalidated entry-by-entry on the
// master's InvalidateObjects notifications, with a pass-through policy for
// objects too large to fit the remaining headroom.
package cache

import (
	lru "github.com/hashicorp/golang-lru"

	"github.com/cuemby/neo/internal/log"
)

// DefaultSize is the spec's documented default byte budget (§4.6).
const DefaultSize = 32 << 20 // 32MiB

type entry struct {
	serial uint64
	data   []byte
}

// Cache is safe for concurrent use; hashicorp/golang-lru's Cache already
// guards its own mutex, so this type only adds the byte-budget bookkeeping
// the spec layers on top (§5 "the cache (exclusive lock)").
type Cache struct {
	inner    *lru.Cache
	maxBytes int
	size     int // approximate bytes currently held, tracked alongside inner
}

// New builds a cache bounded by maxBytes of object data; objects that don't
// fit the remaining headroom pass through uncached rather than evicting
// their way in. maxEntries bounds the underlying LRU's slot count as a
// safety valve independent of the byte budget.
func New(maxBytes, maxEntries int) (*Cache, error) {
	if maxBytes <= 0 {
		maxBytes = DefaultSize
	}
	if maxEntries <= 0 {
		maxEntries = 65536
	}
	c := &Cache{maxBytes: maxBytes}
	inner, err := lru.NewWithEvict(maxEntries, c.onEvict)
	if err != nil {
		return nil, err
	}
	c.inner = inner
	return c, nil
}

func (c *Cache) onEvict(key, value interface{}) {
	if e, ok := value.(entry); ok {
		c.size -= len(e.data)
	}
}

// Get returns the cached bytes for oid if present, along with the serial
// they were stored under.
func (c *Cache) Get(oid uint64) (serial uint64, data []byte, ok bool) {
	v, found := c.inner.Get(oid)
	if !found {
		return 0, nil, false
	}
	e := v.(entry)
	return e.serial, e.data, true
}

// Put stores data for oid under serial, unless data is larger than the
// cache's remaining headroom -- per §4.6 such objects are "passed through
// uncached" rather than evicting everything else to make room.
func (c *Cache) Put(oid uint64, serial uint64, data []byte) {
	existingSize := 0
	if existing, ok := c.inner.Peek(oid); ok {
		existingSize = len(existing.(entry).data)
	}

	headroom := c.maxBytes - (c.size - existingSize)
	if len(data) > headroom {
		// Doesn't fit even after accounting for the entry it would
		// replace; drop any stale copy and pass through uncached instead
		// of evicting everything else just to make room for this one.
		if existingSize > 0 {
			c.inner.Remove(oid)
		}
		log.WithComponent("cache").Debug().
			Uint64("oid", oid).Int("size", len(data)).Msg("object larger than remaining cache headroom, not cached")
		return
	}

	c.size -= existingSize
	c.inner.Add(oid, entry{serial: serial, data: data})
	c.size += len(data)
}

// Invalidate drops oid, e.g. on receiving InvalidateObjects(tid, oids) for
// a transaction this client did not itself commit (§4.6).
func (c *Cache) Invalidate(oid uint64) {
	c.inner.Remove(oid)
}

// InvalidateAll drops every entry for oids, in one call as the master's
// InvalidateObjects notification typically names several at once.
func (c *Cache) InvalidateAll(oids []uint64) {
	for _, oid := range oids {
		c.inner.Remove(oid)
	}
}

// Len reports the number of cached entries, for metrics.
func (c *Cache) Len() int { return c.inner.Len() }

// Bytes reports the approximate number of bytes currently cached, for metrics.
func (c *Cache) Bytes() int { return c.size }
