// Package state implements the per-(namespace, class, id, key) value-set
// store described in spec.md §4.6. Grounded on the teacher's
// stateful_services package (which keeps small per-entity key/value state
// alongside the main object graph), adapted here from a raft-replicated
// state machine to a set of children under a coordination-backend
// directory, one child node per set member.
package state

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"path"
	"sort"
	"strings"

	"github.com/jrife/zoom/backend"
	"github.com/jrife/zoom/observable"
)

// Sentinel is the value passed to a dynamic-namespace observable to signal
// "unsubscribe from the previous namespace without subscribing to a new
// one," per spec.md §4.6.
const Sentinel = ""

// Store is a coordination-backend-backed implementation of the state
// subsystem.
type Store struct {
	backend  backend.Backend
	base     string
	setCache *observable.Cache[string, [][]byte]
}

// New constructs a Store whose keys live under path.Join(root, "state").
func New(b backend.Backend, root string) *Store {
	return &Store{backend: b, base: path.Join(root, "state"), setCache: observable.NewCache[string, [][]byte]()}
}

func memberID(value []byte) string {
	sum := sha1.Sum(value)
	return hex.EncodeToString(sum[:])
}

func (s *Store) dir(namespace, class, id, key string) string {
	return path.Join(s.base, namespace, class, id, key)
}

// AddValue adds value to the set at (namespace, class, id, key). Adding an
// already-present value is a no-op.
func (s *Store) AddValue(ctx context.Context, namespace, class, id, key string, value []byte) error {
	dir := s.dir(namespace, class, id, key)
	memberPath := path.Join(dir, memberID(value))

	if err := s.ensureDir(ctx, dir); err != nil {
		return err
	}

	err := s.backend.Create(ctx, memberPath, value)

	if err != nil && !errors.Is(err, backend.ErrNodeExists) {
		return err
	}

	return nil
}

// ensureDir creates every ancestor directory of dir that does not already
// exist, since the backend has no implicit mkdir -p.
func (s *Store) ensureDir(ctx context.Context, dir string) error {
	var built string

	for _, seg := range strings.Split(strings.Trim(path.Clean(dir), "/"), "/") {
		if seg == "" {
			continue
		}

		built = path.Join(built, seg)

		if err := s.backend.Create(ctx, built, nil); err != nil && !errors.Is(err, backend.ErrNodeExists) {
			return err
		}
	}

	return nil
}

// RemoveValue removes value from the set at (namespace, class, id, key), if
// present.
func (s *Store) RemoveValue(ctx context.Context, namespace, class, id, key string, value []byte) error {
	memberPath := path.Join(s.dir(namespace, class, id, key), memberID(value))

	exists, version, err := s.backend.Exists(ctx, memberPath)
	if err != nil {
		return err
	}

	if !exists {
		return nil
	}

	err = s.backend.Delete(ctx, memberPath, version)

	if err != nil && !errors.Is(err, backend.ErrNoNode) {
		return err
	}

	return nil
}

// GetKey returns the current value set at (namespace, class, id, key), or
// an empty set if the key has never been written, per spec.md §4.6
// ("missing key yields an empty value set rather than an error").
func (s *Store) GetKey(ctx context.Context, namespace, class, id, key string) ([][]byte, error) {
	dir := s.dir(namespace, class, id, key)

	children, err := s.backend.Children(ctx, dir)
	if errors.Is(err, backend.ErrNoNode) {
		return nil, nil
	}

	if err != nil {
		return nil, err
	}

	sort.Strings(children)

	values := make([][]byte, 0, len(children))

	for _, child := range children {
		data, _, err := s.backend.Get(ctx, path.Join(dir, child))
		if errors.Is(err, backend.ErrNoNode) {
			continue
		}

		if err != nil {
			return nil, err
		}

		values = append(values, data)
	}

	return values, nil
}

// KeyObservable emits the current value set at (namespace, class, id, key)
// on subscribe and on every subsequent change, per spec.md §4.6. Missing
// namespace/class/id causes immediate completion.
func (s *Store) KeyObservable(ctx context.Context, namespace, class, id, key string) *observable.Subscription[[][]byte] {
	cacheKey := fmt.Sprintf("%s/%s/%s/%s", namespace, class, id, key)

	return s.setCache.Subscribe(cacheKey, 16, func() *observable.Stream[[][]byte] {
		stream := observable.New[[][]byte]()

		go s.watchKey(ctx, namespace, class, id, key, stream)

		return stream
	})
}

// DynamicKeyObservable follows a moving namespace: it relays whichever
// stream corresponds to the most recently emitted value from namespaces,
// switching subscriptions as new namespace identifiers arrive. Emitting
// Sentinel unsubscribes from the current namespace's stream without
// subscribing to a replacement, per spec.md §4.6.
func (s *Store) DynamicKeyObservable(ctx context.Context, namespaces *observable.Subscription[string], class, id, key string) *observable.Subscription[[][]byte] {
	out := observable.New[[][]byte]()
	sub := out.Subscribe(16)

	go func() {
		var (
			generation int
			innerSub   *observable.Subscription[[][]byte]
		)

		switchTo := func(namespace string) {
			generation++
			gen := generation

			if innerSub != nil {
				innerSub.Unsubscribe()
				innerSub = nil
			}

			if namespace == Sentinel {
				return
			}

			innerSub = s.KeyObservable(ctx, namespace, class, id, key)

			go func(sub *observable.Subscription[[][]byte], gen int) {
				for ev := range sub.Events() {
					if gen != generation {
						return
					}

					switch {
					case ev.Err != nil:
						out.Fail(ev.Err)
						return
					case ev.Done:
						// The namespace's underlying key disappeared; wait
						// for the next namespace switch rather than tearing
						// down the outer stream.
						return
					default:
						out.Emit(ev.Value)
					}
				}
			}(innerSub, gen)
		}

		for ev := range namespaces.Events() {
			if ev.Err != nil {
				out.Fail(ev.Err)
				return
			}

			if ev.Done {
				out.Complete()
				return
			}

			switchTo(ev.Value)
		}

		out.Complete()
	}()

	return sub
}

func (s *Store) watchKey(ctx context.Context, namespace, class, id, key string, stream *observable.Stream[[][]byte]) {
	dir := s.dir(namespace, class, id, key)

	// The watcher's own initial EventChildrenChanged supplies the value set
	// emitted on subscribe.
	watcher, err := s.backend.WatchChildren(ctx, dir)
	if err != nil {
		if errors.Is(err, backend.ErrNoNode) {
			stream.Complete()
			return
		}

		stream.Fail(err)

		return
	}

	defer func() { watcher.Close() }()

	for {
		ev, ok := <-watcher.Events()
		if !ok {
			return
		}

		switch ev.Type {
		case backend.EventDeleted:
			stream.Complete()
			return
		case backend.EventClosed:
			w2, err := s.backend.WatchChildren(ctx, dir)

			if err != nil {
				stream.Complete()
				return
			}

			watcher = w2

			continue
		case backend.EventChildrenChanged:
			if errors.Is(ev.Err, backend.ErrNoNode) {
				stream.Complete()
				return
			}

			if ev.Err != nil {
				stream.Fail(ev.Err)
				return
			}

			values, err := s.GetKey(ctx, namespace, class, id, key)

			if err != nil {
				stream.Fail(err)
				return
			}

			stream.Emit(values)
		}
	}
}
