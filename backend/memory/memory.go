// Package memory implements an in-process fake backend.Backend, used by
// tests and by store's in-memory operating mode. It mirrors the technique
// in the teacher's storage/kv.FakeMap: an ordered map standing in for a
// real driver's sorted key space, here extended with per-node watchers
// since a coordination-service client must support change notification.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/emirpasic/gods/maps/treemap"

	"github.com/jrife/zoom/backend"
)

type node struct {
	data      []byte
	version   int64
	ephemeral bool
	children  *treemap.Map // child name (string) -> struct{}

	dataWatchers  map[uint64]chan backend.Event
	childWatchers map[uint64]chan backend.Event
}

func newNode(data []byte, ephemeral bool, version int64) *node {
	return &node{
		data:          data,
		version:       version,
		ephemeral:     ephemeral,
		children:      treemap.NewWithStringComparator(),
		dataWatchers:  map[uint64]chan backend.Event{},
		childWatchers: map[uint64]chan backend.Event{},
	}
}

// Backend is an in-memory backend.Backend implementation. Node versions are
// drawn from a single store-wide counter rather than reset per path,
// mirroring etcd's global ModRevision (SPEC_FULL.md §6) so a transaction's
// snapshot bound is comparable across every object it reads, not just
// within one node's own history.
type Backend struct {
	mu      sync.Mutex
	nodes   map[string]*node
	rev     int64
	seq     int64
	watchID uint64
	closed  bool
}

// nextRev issues the next store-wide revision number. Call with mu held.
func (b *Backend) nextRev() int64 {
	b.rev++
	return b.rev
}

var _ backend.Backend = (*Backend)(nil)

// New returns an empty in-memory backend with just the root node ("")
// present.
func New() *Backend {
	b := &Backend{nodes: map[string]*node{}}
	b.nodes[""] = newNode(nil, false, b.nextRev())

	return b
}

func clean(path string) string {
	path = strings.TrimSuffix(path, "/")

	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}

	if path == "/" {
		return ""
	}

	return path
}

func parentOf(path string) string {
	idx := strings.LastIndex(path, "/")

	if idx <= 0 {
		return ""
	}

	return path[:idx]
}

func baseOf(path string) string {
	idx := strings.LastIndex(path, "/")

	return path[idx+1:]
}

func (b *Backend) checkClosed() error {
	if b.closed {
		return backend.ErrClosed
	}

	return nil
}

// Get implements backend.Backend.
func (b *Backend) Get(ctx context.Context, path string) ([]byte, int64, error) {
	path = clean(path)

	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.checkClosed(); err != nil {
		return nil, 0, err
	}

	n, ok := b.nodes[path]

	if !ok {
		return nil, 0, backend.ErrNoNode
	}

	return append([]byte(nil), n.data...), n.version, nil
}

// Exists implements backend.Backend.
func (b *Backend) Exists(ctx context.Context, path string) (bool, int64, error) {
	path = clean(path)

	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.checkClosed(); err != nil {
		return false, 0, err
	}

	n, ok := b.nodes[path]

	if !ok {
		return false, 0, nil
	}

	return true, n.version, nil
}

// Children implements backend.Backend.
func (b *Backend) Children(ctx context.Context, path string) ([]string, error) {
	path = clean(path)

	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.checkClosed(); err != nil {
		return nil, err
	}

	n, ok := b.nodes[path]

	if !ok {
		return nil, backend.ErrNoNode
	}

	names := make([]string, 0, n.children.Size())

	for _, k := range n.children.Keys() {
		names = append(names, k.(string))
	}

	sort.Strings(names)

	return names, nil
}

func (b *Backend) createLocked(path string, data []byte, ephemeral bool) error {
	if _, ok := b.nodes[path]; ok {
		return backend.ErrNodeExists
	}

	parent := parentOf(path)

	pn, ok := b.nodes[parent]

	if !ok {
		return backend.ErrNoNode
	}

	n := newNode(data, ephemeral, b.nextRev())
	b.nodes[path] = n
	pn.children.Put(baseOf(path), struct{}{})

	b.notifyChildrenLocked(pn, parent)

	return nil
}

// Create implements backend.Backend.
func (b *Backend) Create(ctx context.Context, path string, data []byte) error {
	path = clean(path)

	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.checkClosed(); err != nil {
		return err
	}

	return b.createLocked(path, data, false)
}

// CreateEphemeral implements backend.Backend.
func (b *Backend) CreateEphemeral(ctx context.Context, path string, data []byte) error {
	path = clean(path)

	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.checkClosed(); err != nil {
		return err
	}

	return b.createLocked(path, data, true)
}

// CreateEphemeralSequential implements backend.Backend.
func (b *Backend) CreateEphemeralSequential(ctx context.Context, pathPrefix string, data []byte) (string, error) {
	pathPrefix = clean(pathPrefix)

	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.checkClosed(); err != nil {
		return "", err
	}

	b.seq++
	actual := fmt.Sprintf("%s%010d", pathPrefix, b.seq)

	if err := b.createLocked(actual, data, true); err != nil {
		return "", err
	}

	return actual, nil
}

// SetData implements backend.Backend.
func (b *Backend) SetData(ctx context.Context, path string, data []byte, expectedVersion int64) error {
	path = clean(path)

	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.checkClosed(); err != nil {
		return err
	}

	n, ok := b.nodes[path]

	if !ok {
		return backend.ErrNoNode
	}

	if n.version != expectedVersion {
		return backend.ErrBadVersion
	}

	n.data = data
	n.version = b.nextRev()

	b.notifyDataLocked(n, path)

	return nil
}

// Delete implements backend.Backend.
func (b *Backend) Delete(ctx context.Context, path string, expectedVersion int64) error {
	path = clean(path)

	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.checkClosed(); err != nil {
		return err
	}

	return b.deleteLocked(path, expectedVersion)
}

func (b *Backend) deleteLocked(path string, expectedVersion int64) error {
	n, ok := b.nodes[path]

	if !ok {
		return backend.ErrNoNode
	}

	if n.version != expectedVersion {
		return backend.ErrBadVersion
	}

	if n.children.Size() > 0 {
		return backend.ErrNotEmpty
	}

	delete(b.nodes, path)

	if parent := parentOf(path); path != "" {
		if pn, ok := b.nodes[parent]; ok {
			pn.children.Remove(baseOf(path))
			b.notifyChildrenLocked(pn, parent)
		}
	}

	b.notifyDeletedLocked(n, path)

	return nil
}

// Multi implements backend.Backend. It first checks every op against the
// state as it was before the call, so that a failing op leaves no partial
// effect, then applies them all. An op is not checked against the effects
// of earlier ops in the same list: a create under a node that an earlier
// op creates, or a delete of a node whose children an earlier op deletes,
// fails the check.
func (b *Backend) Multi(ctx context.Context, ops []backend.Op) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.checkClosed(); err != nil {
		return err
	}

	// Validation pass: verify every op will succeed against the current
	// state before mutating anything.
	for i, op := range ops {
		switch op.Kind {
		case backend.OpKindCreate:
			if _, ok := b.nodes[op.Path]; ok {
				return &backend.MultiError{Index: i, Op: op, Err: backend.ErrNodeExists}
			}

			if _, ok := b.nodes[parentOf(op.Path)]; !ok {
				return &backend.MultiError{Index: i, Op: op, Err: backend.ErrNoNode}
			}
		case backend.OpKindSetData:
			n, ok := b.nodes[op.Path]

			if !ok {
				return &backend.MultiError{Index: i, Op: op, Err: backend.ErrNoNode}
			}

			if n.version != op.Version {
				return &backend.MultiError{Index: i, Op: op, Err: backend.ErrBadVersion}
			}
		case backend.OpKindDelete:
			n, ok := b.nodes[op.Path]

			if !ok {
				return &backend.MultiError{Index: i, Op: op, Err: backend.ErrNoNode}
			}

			if n.version != op.Version {
				return &backend.MultiError{Index: i, Op: op, Err: backend.ErrBadVersion}
			}

			if n.children.Size() > 0 {
				return &backend.MultiError{Index: i, Op: op, Err: backend.ErrNotEmpty}
			}
		default:
			return &backend.MultiError{Index: i, Op: op, Err: fmt.Errorf("unknown op kind %d", op.Kind)}
		}
	}

	// Apply pass: cannot fail after validation above.
	for _, op := range ops {
		switch op.Kind {
		case backend.OpKindCreate:
			_ = b.createLocked(op.Path, op.Data, false)
		case backend.OpKindSetData:
			n := b.nodes[op.Path]
			n.data = op.Data
			n.version = b.nextRev()
			b.notifyDataLocked(n, op.Path)
		case backend.OpKindDelete:
			_ = b.deleteLocked(op.Path, op.Version)
		}
	}

	return nil
}

// Watch implements backend.Backend.
func (b *Backend) Watch(ctx context.Context, path string) (backend.Watcher, error) {
	path = clean(path)

	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.checkClosed(); err != nil {
		return nil, err
	}

	b.watchID++
	id := b.watchID
	ch := make(chan backend.Event, 16)

	n, ok := b.nodes[path]

	if !ok {
		ch <- backend.Event{Type: backend.EventDataChanged, Path: path, Err: backend.ErrNoNode}
		close(ch)

		return &watcher{events: ch}, nil
	}

	n.dataWatchers[id] = ch
	ch <- backend.Event{Type: backend.EventDataChanged, Path: path, Data: append([]byte(nil), n.data...), Version: n.version}

	return &watcher{events: ch, closeFn: func() {
		b.mu.Lock()
		defer b.mu.Unlock()

		if b.closed {
			return
		}

		if n, ok := b.nodes[path]; ok {
			if ch, ok := n.dataWatchers[id]; ok {
				delete(n.dataWatchers, id)
				close(ch)
			}
		}
	}}, nil
}

// WatchChildren implements backend.Backend.
func (b *Backend) WatchChildren(ctx context.Context, path string) (backend.Watcher, error) {
	path = clean(path)

	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.checkClosed(); err != nil {
		return nil, err
	}

	b.watchID++
	id := b.watchID
	ch := make(chan backend.Event, 16)

	n, ok := b.nodes[path]

	if !ok {
		ch <- backend.Event{Type: backend.EventChildrenChanged, Path: path, Err: backend.ErrNoNode}
		close(ch)

		return &watcher{events: ch}, nil
	}

	n.childWatchers[id] = ch
	ch <- backend.Event{Type: backend.EventChildrenChanged, Path: path, Children: childrenNames(n)}

	return &watcher{events: ch, closeFn: func() {
		b.mu.Lock()
		defer b.mu.Unlock()

		if b.closed {
			return
		}

		if n, ok := b.nodes[path]; ok {
			if ch, ok := n.childWatchers[id]; ok {
				delete(n.childWatchers, id)
				close(ch)
			}
		}
	}}, nil
}

func childrenNames(n *node) []string {
	names := make([]string, 0, n.children.Size())

	for _, k := range n.children.Keys() {
		names = append(names, k.(string))
	}

	sort.Strings(names)

	return names
}

func (b *Backend) notifyDataLocked(n *node, path string) {
	for _, ch := range n.dataWatchers {
		ch <- backend.Event{Type: backend.EventDataChanged, Path: path, Data: append([]byte(nil), n.data...), Version: n.version}
	}
}

func (b *Backend) notifyChildrenLocked(n *node, path string) {
	for _, ch := range n.childWatchers {
		ch <- backend.Event{Type: backend.EventChildrenChanged, Path: path, Children: childrenNames(n)}
	}
}

func (b *Backend) notifyDeletedLocked(n *node, path string) {
	for _, ch := range n.dataWatchers {
		ch <- backend.Event{Type: backend.EventDeleted, Path: path}
		close(ch)
	}

	for _, ch := range n.childWatchers {
		ch <- backend.Event{Type: backend.EventDeleted, Path: path}
		close(ch)
	}
}

// Close implements backend.Backend. It closes every active watcher with
// EventClosed and deletes ephemeral nodes, simulating session loss.
func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}

	for _, n := range b.nodes {
		for _, ch := range n.dataWatchers {
			ch <- backend.Event{Type: backend.EventClosed}
			close(ch)
		}

		for _, ch := range n.childWatchers {
			ch <- backend.Event{Type: backend.EventClosed}
			close(ch)
		}
	}

	for path, n := range b.nodes {
		if !n.ephemeral {
			continue
		}

		delete(b.nodes, path)

		if pn, ok := b.nodes[parentOf(path)]; ok {
			pn.children.Remove(baseOf(path))
		}
	}

	b.closed = true

	return nil
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
