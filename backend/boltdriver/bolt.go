// Package boltdriver implements backend.Backend as a durable,
// single-process store on top of go.etcd.io/bbolt, grounded on the
// teacher's storage/kv/plugins/bbolt plugin. Each path segment becomes a
// nested bucket; a node's payload and version counter are stored under
// reserved keys inside its bucket, and its children are the bucket's
// sub-buckets. Watches have no native bbolt equivalent, so they are served
// by an in-process fanout identical in spirit to backend/memory's.
package boltdriver

import (
	"context"
	"encoding/binary"
	"fmt"
	"sort"
	"strings"
	"sync"

	bolt "go.etcd.io/bbolt"

	"github.com/jrife/zoom/backend"
)

var (
	dataKey    = []byte{0}
	versionKey = []byte{1}
	revKey     = []byte("__rev__")
)

// nextRev issues the next store-wide revision number, used as every node's
// version on create/update so a snapshot bound is comparable across
// different paths, matching etcd's global ModRevision (SPEC_FULL.md §6).
func nextRev(tx *bolt.Tx) (int64, error) {
	root := tx.Bucket([]byte("root"))

	var rev int64

	if v := root.Get(revKey); v != nil {
		rev = int64(binary.BigEndian.Uint64(v))
	}

	rev++

	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(rev))

	if err := root.Put(revKey, buf); err != nil {
		return 0, err
	}

	return rev, nil
}

// Backend is a bbolt-backed backend.Backend implementation.
type Backend struct {
	db *bolt.DB

	mu            sync.Mutex
	dataWatchers  map[string]map[uint64]chan backend.Event
	childWatchers map[string]map[uint64]chan backend.Event
	watchID       uint64
	closed        bool
}

var _ backend.Backend = (*Backend)(nil)

// Open opens (creating if necessary) a bbolt-backed backend at path.
func Open(path string) (*Backend, error) {
	db, err := bolt.Open(path, 0600, nil)

	if err != nil {
		return nil, fmt.Errorf("boltdriver: open %s: %w", path, err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte("root"))

		return err
	})

	if err != nil {
		return nil, fmt.Errorf("boltdriver: init root bucket: %w", err)
	}

	return &Backend{
		db:            db,
		dataWatchers:  map[string]map[uint64]chan backend.Event{},
		childWatchers: map[string]map[uint64]chan backend.Event{},
	}, nil
}

func segments(path string) []string {
	path = strings.Trim(path, "/")

	if path == "" {
		return nil
	}

	return strings.Split(path, "/")
}

// walk descends into the bucket tree for path's segments, optionally
// creating buckets as it goes. It returns the terminal bucket or nil if it
// does not exist and create is false.
func walk(tx *bolt.Tx, path string, create bool) (*bolt.Bucket, error) {
	b := tx.Bucket([]byte("root"))

	for _, seg := range segments(path) {
		if create {
			child, err := b.CreateBucketIfNotExists([]byte(seg))

			if err != nil {
				return nil, err
			}

			b = child
		} else {
			b = b.Bucket([]byte(seg))

			if b == nil {
				return nil, nil
			}
		}
	}

	return b, nil
}

func versionOf(b *bolt.Bucket) int64 {
	v := b.Get(versionKey)

	if v == nil {
		return 0
	}

	return int64(binary.BigEndian.Uint64(v))
}

func setVersion(b *bolt.Bucket, version int64) error {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(version))

	return b.Put(versionKey, buf)
}

func exists(b *bolt.Bucket) bool {
	return b != nil && b.Get(dataKey) != nil
}

func childNames(b *bolt.Bucket) []string {
	var names []string

	_ = b.ForEach(func(k, v []byte) error {
		if v == nil {
			names = append(names, string(k))
		}

		return nil
	})

	sort.Strings(names)

	return names
}

func (b *Backend) checkClosed() error {
	if b.closed {
		return backend.ErrClosed
	}

	return nil
}

// Get implements backend.Backend.
func (b *Backend) Get(ctx context.Context, path string) ([]byte, int64, error) {
	if err := b.checkClosed(); err != nil {
		return nil, 0, err
	}

	var data []byte
	var version int64
	var found bool

	err := b.db.View(func(tx *bolt.Tx) error {
		bucket, err := walk(tx, path, false)

		if err != nil {
			return err
		}

		if !exists(bucket) {
			return nil
		}

		found = true
		data = append([]byte(nil), bucket.Get(dataKey)...)
		version = versionOf(bucket)

		return nil
	})

	if err != nil {
		return nil, 0, fmt.Errorf("boltdriver: get %s: %w", path, err)
	}

	if !found {
		return nil, 0, backend.ErrNoNode
	}

	return data, version, nil
}

// Exists implements backend.Backend.
func (b *Backend) Exists(ctx context.Context, path string) (bool, int64, error) {
	data, version, err := b.Get(ctx, path)
	_ = data

	if err == backend.ErrNoNode {
		return false, 0, nil
	}

	if err != nil {
		return false, 0, err
	}

	return true, version, nil
}

// Children implements backend.Backend.
func (b *Backend) Children(ctx context.Context, path string) ([]string, error) {
	if err := b.checkClosed(); err != nil {
		return nil, err
	}

	var names []string
	var isRoot = path == "" || path == "/"

	err := b.db.View(func(tx *bolt.Tx) error {
		bucket, err := walk(tx, path, false)

		if err != nil {
			return err
		}

		if bucket == nil {
			return backend.ErrNoNode
		}

		if !isRoot && !exists(bucket) {
			return backend.ErrNoNode
		}

		names = childNames(bucket)

		return nil
	})

	if err != nil {
		return nil, err
	}

	return names, nil
}

// Create implements backend.Backend.
func (b *Backend) Create(ctx context.Context, path string, data []byte) error {
	if err := b.checkClosed(); err != nil {
		return err
	}

	err := b.db.Update(func(tx *bolt.Tx) error {
		segs := segments(path)

		if len(segs) == 0 {
			return backend.ErrNodeExists
		}

		parentPath := strings.Join(segs[:len(segs)-1], "/")
		parent, err := walk(tx, parentPath, false)

		if err != nil {
			return err
		}

		if parent == nil {
			return backend.ErrNoNode
		}

		bucket, err := parent.CreateBucketIfNotExists([]byte(segs[len(segs)-1]))

		if err != nil {
			return err
		}

		if exists(bucket) {
			return backend.ErrNodeExists
		}

		if err := bucket.Put(dataKey, data); err != nil {
			return err
		}

		rev, err := nextRev(tx)
		if err != nil {
			return err
		}

		return setVersion(bucket, rev)
	})

	if err != nil {
		return err
	}

	b.notify(path, backend.EventDataChanged)
	b.notifyParentChildren(path)

	return nil
}

// CreateEphemeral implements backend.Backend. bbolt has no session
// concept, so ephemeral nodes behave as ordinary persistent nodes; callers
// relying on session-scoped auto-cleanup should prefer backend/etcd or
// backend/memory for that behavior.
func (b *Backend) CreateEphemeral(ctx context.Context, path string, data []byte) error {
	return b.Create(ctx, path, data)
}

// CreateEphemeralSequential implements backend.Backend.
func (b *Backend) CreateEphemeralSequential(ctx context.Context, pathPrefix string, data []byte) (string, error) {
	var actual string

	err := b.db.Update(func(tx *bolt.Tx) error {
		segs := segments(pathPrefix)
		parentPath := strings.Join(segs, "/")
		parent, err := walk(tx, parentPath, true)

		if err != nil {
			return err
		}

		seq := uint64(parent.Sequence())

		next, err := parent.NextSequence()

		if err != nil {
			return err
		}

		seq = next
		actual = fmt.Sprintf("%s/%010d", strings.TrimSuffix(pathPrefix, "/"), seq)

		bucket, err := parent.CreateBucket([]byte(fmt.Sprintf("%010d", seq)))

		if err != nil {
			return err
		}

		if err := bucket.Put(dataKey, data); err != nil {
			return err
		}

		rev, err := nextRev(tx)
		if err != nil {
			return err
		}

		return setVersion(bucket, rev)
	})

	if err != nil {
		return "", err
	}

	b.notify(actual, backend.EventDataChanged)
	b.notifyParentChildren(actual)

	return actual, nil
}

// SetData implements backend.Backend.
func (b *Backend) SetData(ctx context.Context, path string, data []byte, expectedVersion int64) error {
	if err := b.checkClosed(); err != nil {
		return err
	}

	err := b.db.Update(func(tx *bolt.Tx) error {
		bucket, err := walk(tx, path, false)

		if err != nil {
			return err
		}

		if !exists(bucket) {
			return backend.ErrNoNode
		}

		if versionOf(bucket) != expectedVersion {
			return backend.ErrBadVersion
		}

		if err := bucket.Put(dataKey, data); err != nil {
			return err
		}

		rev, err := nextRev(tx)
		if err != nil {
			return err
		}

		return setVersion(bucket, rev)
	})

	if err != nil {
		return err
	}

	b.notify(path, backend.EventDataChanged)

	return nil
}

// Delete implements backend.Backend.
func (b *Backend) Delete(ctx context.Context, path string, expectedVersion int64) error {
	if err := b.checkClosed(); err != nil {
		return err
	}

	err := b.db.Update(func(tx *bolt.Tx) error {
		segs := segments(path)

		if len(segs) == 0 {
			return backend.ErrNoNode
		}

		parentPath := strings.Join(segs[:len(segs)-1], "/")
		parent, err := walk(tx, parentPath, false)

		if err != nil || parent == nil {
			return backend.ErrNoNode
		}

		bucket := parent.Bucket([]byte(segs[len(segs)-1]))

		if !exists(bucket) {
			return backend.ErrNoNode
		}

		if versionOf(bucket) != expectedVersion {
			return backend.ErrBadVersion
		}

		if len(childNames(bucket)) > 0 {
			return backend.ErrNotEmpty
		}

		return parent.DeleteBucket([]byte(segs[len(segs)-1]))
	})

	if err != nil {
		return err
	}

	b.notify(path, backend.EventDeleted)
	b.notifyParentChildren(path)

	return nil
}

// Multi implements backend.Backend.
func (b *Backend) Multi(ctx context.Context, ops []backend.Op) error {
	if err := b.checkClosed(); err != nil {
		return err
	}

	err := b.db.Update(func(tx *bolt.Tx) error {
		for i, op := range ops {
			segs := segments(op.Path)

			if len(segs) == 0 {
				return &backend.MultiError{Index: i, Op: op, Err: backend.ErrNoNode}
			}

			parentPath := strings.Join(segs[:len(segs)-1], "/")

			switch op.Kind {
			case backend.OpKindCreate:
				parent, err := walk(tx, parentPath, false)

				if err != nil || parent == nil {
					return &backend.MultiError{Index: i, Op: op, Err: backend.ErrNoNode}
				}

				bucket, err := parent.CreateBucketIfNotExists([]byte(segs[len(segs)-1]))

				if err != nil {
					return &backend.MultiError{Index: i, Op: op, Err: err}
				}

				if exists(bucket) {
					return &backend.MultiError{Index: i, Op: op, Err: backend.ErrNodeExists}
				}

				if err := bucket.Put(dataKey, op.Data); err != nil {
					return &backend.MultiError{Index: i, Op: op, Err: err}
				}

				rev, err := nextRev(tx)
				if err != nil {
					return &backend.MultiError{Index: i, Op: op, Err: err}
				}

				if err := setVersion(bucket, rev); err != nil {
					return &backend.MultiError{Index: i, Op: op, Err: err}
				}
			case backend.OpKindSetData:
				bucket, err := walk(tx, op.Path, false)

				if err != nil || !exists(bucket) {
					return &backend.MultiError{Index: i, Op: op, Err: backend.ErrNoNode}
				}

				if versionOf(bucket) != op.Version {
					return &backend.MultiError{Index: i, Op: op, Err: backend.ErrBadVersion}
				}

				if err := bucket.Put(dataKey, op.Data); err != nil {
					return &backend.MultiError{Index: i, Op: op, Err: err}
				}

				rev, err := nextRev(tx)
				if err != nil {
					return &backend.MultiError{Index: i, Op: op, Err: err}
				}

				if err := setVersion(bucket, rev); err != nil {
					return &backend.MultiError{Index: i, Op: op, Err: err}
				}
			case backend.OpKindDelete:
				parent, err := walk(tx, parentPath, false)

				if err != nil || parent == nil {
					return &backend.MultiError{Index: i, Op: op, Err: backend.ErrNoNode}
				}

				bucket := parent.Bucket([]byte(segs[len(segs)-1]))

				if !exists(bucket) {
					return &backend.MultiError{Index: i, Op: op, Err: backend.ErrNoNode}
				}

				if versionOf(bucket) != op.Version {
					return &backend.MultiError{Index: i, Op: op, Err: backend.ErrBadVersion}
				}

				if len(childNames(bucket)) > 0 {
					return &backend.MultiError{Index: i, Op: op, Err: backend.ErrNotEmpty}
				}

				if err := parent.DeleteBucket([]byte(segs[len(segs)-1])); err != nil {
					return &backend.MultiError{Index: i, Op: op, Err: err}
				}
			}
		}

		return nil
	})

	if err != nil {
		return err
	}

	for _, op := range ops {
		switch op.Kind {
		case backend.OpKindCreate:
			b.notify(op.Path, backend.EventDataChanged)
			b.notifyParentChildren(op.Path)
		case backend.OpKindSetData:
			b.notify(op.Path, backend.EventDataChanged)
		case backend.OpKindDelete:
			b.notify(op.Path, backend.EventDeleted)
			b.notifyParentChildren(op.Path)
		}
	}

	return nil
}

// Watch implements backend.Backend.
func (b *Backend) Watch(ctx context.Context, path string) (backend.Watcher, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.checkClosed(); err != nil {
		return nil, err
	}

	b.watchID++
	id := b.watchID
	ch := make(chan backend.Event, 16)

	data, version, err := b.Get(ctx, path)

	if err == backend.ErrNoNode {
		ch <- backend.Event{Type: backend.EventDataChanged, Path: path, Err: backend.ErrNoNode}
		close(ch)

		return &watcher{events: ch}, nil
	} else if err != nil {
		return nil, err
	}

	if b.dataWatchers[path] == nil {
		b.dataWatchers[path] = map[uint64]chan backend.Event{}
	}

	b.dataWatchers[path][id] = ch
	ch <- backend.Event{Type: backend.EventDataChanged, Path: path, Data: data, Version: version}

	return &watcher{events: ch, closeFn: func() {
		b.mu.Lock()
		defer b.mu.Unlock()

		if ch, ok := b.dataWatchers[path][id]; ok && !b.closed {
			delete(b.dataWatchers[path], id)
			close(ch)
		}
	}}, nil
}

// WatchChildren implements backend.Backend.
func (b *Backend) WatchChildren(ctx context.Context, path string) (backend.Watcher, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.checkClosed(); err != nil {
		return nil, err
	}

	b.watchID++
	id := b.watchID
	ch := make(chan backend.Event, 16)

	children, err := b.Children(ctx, path)

	if err != nil {
		return nil, err
	}

	if b.childWatchers[path] == nil {
		b.childWatchers[path] = map[uint64]chan backend.Event{}
	}

	b.childWatchers[path][id] = ch
	ch <- backend.Event{Type: backend.EventChildrenChanged, Path: path, Children: children}

	return &watcher{events: ch, closeFn: func() {
		b.mu.Lock()
		defer b.mu.Unlock()

		if ch, ok := b.childWatchers[path][id]; ok && !b.closed {
			delete(b.childWatchers[path], id)
			close(ch)
		}
	}}, nil
}

func (b *Backend) notify(path string, eventType backend.EventType) {
	b.mu.Lock()
	defer b.mu.Unlock()

	watchers, ok := b.dataWatchers[path]

	if !ok {
		return
	}

	if eventType == backend.EventDeleted {
		for _, ch := range watchers {
			ch <- backend.Event{Type: backend.EventDeleted, Path: path}
			close(ch)
		}

		delete(b.dataWatchers, path)

		return
	}

	data, version, err := b.Get(context.Background(), path)

	if err != nil {
		return
	}

	for _, ch := range watchers {
		ch <- backend.Event{Type: backend.EventDataChanged, Path: path, Data: data, Version: version}
	}
}

func (b *Backend) notifyParentChildren(path string) {
	segs := segments(path)

	if len(segs) == 0 {
		return
	}

	parentPath := strings.Join(segs[:len(segs)-1], "/")

	b.mu.Lock()
	watchers, ok := b.childWatchers[parentPath]
	b.mu.Unlock()

	if !ok {
		return
	}

	children, err := b.Children(context.Background(), parentPath)

	if err != nil {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	for _, ch := range watchers {
		ch <- backend.Event{Type: backend.EventChildrenChanged, Path: parentPath, Children: children}
	}
}

// Close implements backend.Backend.
func (b *Backend) Close() error {
	b.mu.Lock()

	if b.closed {
		b.mu.Unlock()
		return nil
	}

	b.closed = true

	for _, watchers := range b.dataWatchers {
		for _, ch := range watchers {
			ch <- backend.Event{Type: backend.EventClosed}
			close(ch)
		}
	}

	for _, watchers := range b.childWatchers {
		for _, ch := range watchers {
			ch <- backend.Event{Type: backend.EventClosed}
			close(ch)
		}
	}

	b.mu.Unlock()

	return b.db.Close()
}

type watcher struct {
	events  chan backend.Event
	closeFn func()
}

func (w *watcher) Events() <-chan backend.Event { return w.events }

func (w *watcher) Close() error {
	if w.closeFn != nil {
		w.closeFn()
	}

	return nil
}
