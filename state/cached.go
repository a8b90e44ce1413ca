package state

import (
	"context"
	"sync"

	"github.com/jrife/zoom/observable"
)

// CachedStore wraps a Store with a read-through snapshot map so a new
// subscriber's first emission never blocks on a fresh backend round trip,
// per spec.md §4.6 ("the observable emits the cached value first, then
// defers to the live stream").
type CachedStore struct {
	base *Store

	mu       sync.RWMutex
	snapshot map[string][][]byte
}

// NewCached wraps base with a read-through cache.
func NewCached(base *Store) *CachedStore {
	return &CachedStore{base: base, snapshot: map[string][][]byte{}}
}

// AddValue delegates to the underlying Store and then drops the key's
// cached snapshot, so the next GetKey reads through.
func (c *CachedStore) AddValue(ctx context.Context, namespace, class, id, key string, value []byte) error {
	if err := c.base.AddValue(ctx, namespace, class, id, key, value); err != nil {
		return err
	}

	c.updateSnapshot(namespace, class, id, key)

	return nil
}

// RemoveValue delegates to the underlying Store and then drops the key's
// cached snapshot, so the next GetKey reads through.
func (c *CachedStore) RemoveValue(ctx context.Context, namespace, class, id, key string, value []byte) error {
	if err := c.base.RemoveValue(ctx, namespace, class, id, key, value); err != nil {
		return err
	}

	c.updateSnapshot(namespace, class, id, key)

	return nil
}

// GetKey returns the cached value set if present, refreshing it from the
// underlying Store otherwise.
func (c *CachedStore) GetKey(ctx context.Context, namespace, class, id, key string) ([][]byte, error) {
	cacheKey := snapshotKey(namespace, class, id, key)

	c.mu.RLock()
	values, ok := c.snapshot[cacheKey]
	c.mu.RUnlock()

	if ok {
		return values, nil
	}

	values, err := c.base.GetKey(ctx, namespace, class, id, key)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.snapshot[cacheKey] = values
	c.mu.Unlock()

	return values, nil
}

func (c *CachedStore) updateSnapshot(namespace, class, id, key string) {
	cacheKey := snapshotKey(namespace, class, id, key)

	c.mu.Lock()
	delete(c.snapshot, cacheKey)
	c.mu.Unlock()
}

func snapshotKey(namespace, class, id, key string) string {
	return namespace + "\x00" + class + "\x00" + id + "\x00" + key
}

// KeyObservable emits the cached value set immediately if one is cached
// (nothing is fetched when it is not), then relays the live stream from
// the underlying Store, keeping the local snapshot current as updates
// arrive.
func (c *CachedStore) KeyObservable(ctx context.Context, namespace, class, id, key string) *observable.Subscription[[][]byte] {
	cacheKey := snapshotKey(namespace, class, id, key)

	live := c.base.KeyObservable(ctx, namespace, class, id, key)

	out := observable.New[[][]byte]()
	sub := out.Subscribe(16)

	go func() {
		c.mu.RLock()
		cached, ok := c.snapshot[cacheKey]
		c.mu.RUnlock()

		if ok {
			out.Emit(cached)
		}

		for ev := range live.Events() {
			switch {
			case ev.Err != nil:
				out.Fail(ev.Err)
				return
			case ev.Done:
				out.Complete()
				return
			default:
				c.mu.Lock()
				c.snapshot[cacheKey] = ev.Value
				c.mu.Unlock()

				out.Emit(ev.Value)
			}
		}
	}()

	return sub
}
