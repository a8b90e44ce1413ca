package observable

import (
	"sync"

	"github.com/puzpuzpuz/xsync/v3"
)

// entry wraps a shared Stream with the bookkeeping the cache needs:
// how many live subscribers it has, and the identity number that
// distinguishes it from any entry that might replace it at the same key
// after eviction (spec.md §4.4, DESIGN NOTES §9).
type entry[V any] struct {
	ref         int64
	stream      *Stream[V]
	mu          sync.Mutex
	subscribers int
	recreates   int
}

// Cache de-duplicates live subscriptions to the same key, per spec.md §4.4:
// "Subsequent subscriptions to the same key share that underlying
// stream." It is implemented with puzpuzpuz/xsync's lock-free concurrent
// map, matching spec.md §5's requirement for compare-and-remove eviction
// by identity rather than by key alone.
type Cache[K comparable, V any] struct {
	entries *xsync.MapOf[K, *entry[V]]
}

// NewCache creates an empty Cache.
func NewCache[K comparable, V any]() *Cache[K, V] {
	return &Cache[K, V]{entries: xsync.NewMapOf[K, *entry[V]]()}
}

// Stats reports point-in-time cache-entry statistics. zoommetrics does not
// read it; only Size is published as a metric.
type Stats struct {
	Subscribers int
	Recreates   int
}

// Subscribe joins key's shared stream, creating it via create if this is
// the first live subscription for key. buffer sizes the subscriber's event
// channel.
func (c *Cache[K, V]) Subscribe(key K, buffer int, create func() *Stream[V]) *Subscription[V] {
	for {
		e, _ := c.entries.LoadOrCompute(key, func() *entry[V] {
			return &entry[V]{ref: NextRef(), stream: create()}
		})

		e.mu.Lock()

		if e.stream.done && e.subscribers == 0 {
			// Lost the race with an eviction of a completed/failed
			// stream; recreate this key's entry instead of joining a
			// dead one.
			e.mu.Unlock()
			c.evict(key, e.ref)

			continue
		}

		e.subscribers++
		e.mu.Unlock()

		sub := e.stream.Subscribe(buffer)
		entryRef := e.ref
		sub.onUnsubscribe = func() {
			c.release(key, entryRef)
		}

		return sub
	}
}

// release drops one subscriber from key's entry, evicting the entry once
// its subscriber count reaches zero.
func (c *Cache[K, V]) release(key K, entryRef int64) {
	e, ok := c.entries.Load(key)

	if !ok || e.ref != entryRef {
		return
	}

	e.mu.Lock()
	e.subscribers--
	empty := e.subscribers <= 0
	e.mu.Unlock()

	if empty {
		c.evict(key, entryRef)
	}
}

// evict removes key's entry only if it is still the entry identified by
// ref, so a stale eviction triggered by an old subscriber can never remove
// a replacement entry created after it (spec.md §4.4).
func (c *Cache[K, V]) evict(key K, ref int64) {
	c.entries.Compute(key, func(oldValue *entry[V], loaded bool) (*entry[V], bool) {
		if !loaded || oldValue.ref != ref {
			return oldValue, !loaded
		}

		return nil, true
	})
}

// MarkRecreated increments the recreate counter for key's entry, if it is
// still current. Used when a backend watcher transparently re-establishes
// itself after a transient closure (spec.md §4.4).
func (c *Cache[K, V]) MarkRecreated(key K) {
	e, ok := c.entries.Load(key)

	if !ok {
		return
	}

	e.mu.Lock()
	e.recreates++
	e.mu.Unlock()
}

// Stats returns a snapshot of key's cache entry, if present.
func (c *Cache[K, V]) Stats(key K) (Stats, bool) {
	e, ok := c.entries.Load(key)

	if !ok {
		return Stats{}, false
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	return Stats{Subscribers: e.subscribers, Recreates: e.recreates}, true
}

// Size returns the number of live entries in the cache.
func (c *Cache[K, V]) Size() int {
	return c.entries.Size()
}
