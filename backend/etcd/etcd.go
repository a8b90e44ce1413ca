// Package etcd implements backend.Backend against a running etcd cluster
// through go.etcd.io/etcd/client/v3. Hierarchical paths map onto etcd's
// flat key space by treating "/" as the path separator and computing
// children with prefix scans; the per-key Version field etcd already
// maintains (incremented on every write, reset to zero after a delete) is
// used directly as the node's version counter for compare-and-set.
package etcd

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"

	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/jrife/zoom/backend"
)

// Backend adapts an etcd client to backend.Backend.
type Backend struct {
	client *clientv3.Client
	// leaseTTL is the TTL, in seconds, granted to ephemeral node leases.
	// New starts the client's lease keep-alive loop, which keeps the lease
	// alive for the lifetime of the Backend.
	leaseTTL int64
	lease    clientv3.LeaseID
	seq      uint64
}

// New wraps an existing etcd client. leaseTTLSeconds controls how long
// ephemeral nodes created through this Backend survive after a session is
// lost; it must be positive.
func New(client *clientv3.Client, leaseTTLSeconds int64) (*Backend, error) {
	resp, err := client.Grant(context.Background(), leaseTTLSeconds)

	if err != nil {
		return nil, fmt.Errorf("etcd: grant lease: %w", err)
	}

	keepAlive, err := client.KeepAlive(context.Background(), resp.ID)

	if err != nil {
		return nil, fmt.Errorf("etcd: keep lease alive: %w", err)
	}

	go func() {
		for range keepAlive {
		}
	}()

	return &Backend{client: client, leaseTTL: leaseTTLSeconds, lease: resp.ID}, nil
}

var _ backend.Backend = (*Backend)(nil)

func clean(path string) string {
	path = strings.TrimSuffix(path, "/")

	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}

	return path
}

// Get implements backend.Backend.
func (b *Backend) Get(ctx context.Context, path string) ([]byte, int64, error) {
	path = clean(path)
	resp, err := b.client.Get(ctx, path)

	if err != nil {
		return nil, 0, fmt.Errorf("etcd: get %s: %w", path, err)
	}

	if len(resp.Kvs) == 0 {
		return nil, 0, backend.ErrNoNode
	}

	return resp.Kvs[0].Value, resp.Kvs[0].Version, nil
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
	path = clean(path)

	if exists, _, err := b.Exists(ctx, path); err != nil {
		return nil, err
	} else if !exists && path != "" {
		return nil, backend.ErrNoNode
	}

	prefix := path + "/"
	resp, err := b.client.Get(ctx, prefix, clientv3.WithPrefix(), clientv3.WithKeysOnly())

	if err != nil {
		return nil, fmt.Errorf("etcd: children %s: %w", path, err)
	}

	seen := map[string]struct{}{}
	names := make([]string, 0, len(resp.Kvs))

	for _, kv := range resp.Kvs {
		rest := strings.TrimPrefix(string(kv.Key), prefix)

		if rest == "" {
			continue
		}

		name := rest

		if idx := strings.Index(rest, "/"); idx >= 0 {
			name = rest[:idx]
		}

		if _, ok := seen[name]; !ok {
			seen[name] = struct{}{}
			names = append(names, name)
		}
	}

	return names, nil
}

// Create implements backend.Backend.
func (b *Backend) Create(ctx context.Context, path string, data []byte) error {
	path = clean(path)
	resp, err := b.client.Txn(ctx).
		If(clientv3.Compare(clientv3.Version(path), "=", 0)).
		Then(clientv3.OpPut(path, string(data))).
		Commit()

	if err != nil {
		return fmt.Errorf("etcd: create %s: %w", path, err)
	}

	if !resp.Succeeded {
		return backend.ErrNodeExists
	}

	return nil
}

// CreateEphemeral implements backend.Backend.
func (b *Backend) CreateEphemeral(ctx context.Context, path string, data []byte) error {
	path = clean(path)
	resp, err := b.client.Txn(ctx).
		If(clientv3.Compare(clientv3.Version(path), "=", 0)).
		Then(clientv3.OpPut(path, string(data), clientv3.WithLease(b.lease))).
		Commit()

	if err != nil {
		return fmt.Errorf("etcd: create ephemeral %s: %w", path, err)
	}

	if !resp.Succeeded {
		return backend.ErrNodeExists
	}

	return nil
}

// CreateEphemeralSequential implements backend.Backend.
func (b *Backend) CreateEphemeralSequential(ctx context.Context, pathPrefix string, data []byte) (string, error) {
	pathPrefix = clean(pathPrefix)
	seq := atomic.AddUint64(&b.seq, 1)
	actual := fmt.Sprintf("%s%010d-%016x", pathPrefix, seq, uint64(b.lease))

	if err := b.CreateEphemeral(ctx, actual, data); err != nil {
		return "", err
	}

	return actual, nil
}

// SetData implements backend.Backend.
func (b *Backend) SetData(ctx context.Context, path string, data []byte, expectedVersion int64) error {
	path = clean(path)
	resp, err := b.client.Txn(ctx).
		If(clientv3.Compare(clientv3.Version(path), "=", expectedVersion)).
		Then(clientv3.OpPut(path, string(data))).
		Commit()

	if err != nil {
		return fmt.Errorf("etcd: setData %s: %w", path, err)
	}

	if !resp.Succeeded {
		if exists, _, _ := b.Exists(ctx, path); !exists {
			return backend.ErrNoNode
		}

		return backend.ErrBadVersion
	}

	return nil
}

// Delete implements backend.Backend.
func (b *Backend) Delete(ctx context.Context, path string, expectedVersion int64) error {
	path = clean(path)

	children, err := b.Children(ctx, path)

	if err != nil && err != backend.ErrNoNode {
		return err
	}

	if len(children) > 0 {
		return backend.ErrNotEmpty
	}

	resp, err := b.client.Txn(ctx).
		If(clientv3.Compare(clientv3.Version(path), "=", expectedVersion)).
		Then(clientv3.OpDelete(path)).
		Commit()

	if err != nil {
		return fmt.Errorf("etcd: delete %s: %w", path, err)
	}

	if !resp.Succeeded {
		if exists, _, _ := b.Exists(ctx, path); !exists {
			return backend.ErrNoNode
		}

		return backend.ErrBadVersion
	}

	return nil
}

// Multi implements backend.Backend by translating the ordered operation
// list into a single etcd transaction whose compares mirror each op's
// expected version.
func (b *Backend) Multi(ctx context.Context, ops []backend.Op) error {
	cmps := make([]clientv3.Cmp, 0, len(ops))
	thens := make([]clientv3.Op, 0, len(ops))

	for _, op := range ops {
		switch op.Kind {
		case backend.OpKindCreate:
			cmps = append(cmps, clientv3.Compare(clientv3.Version(op.Path), "=", 0))
			thens = append(thens, clientv3.OpPut(op.Path, string(op.Data)))
		case backend.OpKindSetData:
			cmps = append(cmps, clientv3.Compare(clientv3.Version(op.Path), "=", op.Version))
			thens = append(thens, clientv3.OpPut(op.Path, string(op.Data)))
		case backend.OpKindDelete:
			cmps = append(cmps, clientv3.Compare(clientv3.Version(op.Path), "=", op.Version))
			thens = append(thens, clientv3.OpDelete(op.Path))
		}
	}

	resp, err := b.client.Txn(ctx).If(cmps...).Then(thens...).Commit()

	if err != nil {
		return fmt.Errorf("etcd: multi: %w", err)
	}

	if resp.Succeeded {
		return nil
	}

	// Find the first failing compare by re-checking each precondition.
	for i, op := range ops {
		switch op.Kind {
		case backend.OpKindCreate:
			if exists, _, _ := b.Exists(ctx, op.Path); exists {
				return &backend.MultiError{Index: i, Op: op, Err: backend.ErrNodeExists}
			}
		case backend.OpKindSetData, backend.OpKindDelete:
			exists, version, _ := b.Exists(ctx, op.Path)

			if !exists {
				return &backend.MultiError{Index: i, Op: op, Err: backend.ErrNoNode}
			}

			if version != op.Version {
				return &backend.MultiError{Index: i, Op: op, Err: backend.ErrBadVersion}
			}
		}
	}

	return &backend.MultiError{Index: 0, Op: ops[0], Err: fmt.Errorf("transaction rejected")}
}

// Watch implements backend.Backend.
func (b *Backend) Watch(ctx context.Context, path string) (backend.Watcher, error) {
	path = clean(path)
	watchCtx, cancel := context.WithCancel(ctx)
	out := make(chan backend.Event, 16)

	data, version, err := b.Get(context.Background(), path)

	if err != nil && err != backend.ErrNoNode {
		cancel()
		return nil, err
	}

	if err == backend.ErrNoNode {
		out <- backend.Event{Type: backend.EventDataChanged, Path: path, Err: backend.ErrNoNode}
		close(out)
		cancel()

		return &watcher{events: out, cancel: cancel}, nil
	}

	out <- backend.Event{Type: backend.EventDataChanged, Path: path, Data: data, Version: version}

	watchChan := b.client.Watch(watchCtx, path)

	go func() {
		defer close(out)

		for resp := range watchChan {
			if resp.Canceled {
				out <- backend.Event{Type: backend.EventClosed, Path: path}
				return
			}

			for _, ev := range resp.Events {
				if ev.Type == clientv3.EventTypeDelete {
					out <- backend.Event{Type: backend.EventDeleted, Path: path}
					return
				}

				out <- backend.Event{Type: backend.EventDataChanged, Path: path, Data: ev.Kv.Value, Version: ev.Kv.Version}
			}
		}
	}()

	return &watcher{events: out, cancel: cancel}, nil
}

// WatchChildren implements backend.Backend.
func (b *Backend) WatchChildren(ctx context.Context, path string) (backend.Watcher, error) {
	path = clean(path)
	watchCtx, cancel := context.WithCancel(ctx)
	out := make(chan backend.Event, 16)

	children, err := b.Children(context.Background(), path)

	if err != nil {
		cancel()
		return nil, err
	}

	out <- backend.Event{Type: backend.EventChildrenChanged, Path: path, Children: children}

	prefix := path + "/"
	watchChan := b.client.Watch(watchCtx, prefix, clientv3.WithPrefix())

	go func() {
		defer close(out)

		for resp := range watchChan {
			if resp.Canceled {
				out <- backend.Event{Type: backend.EventClosed, Path: path}
				return
			}

			if len(resp.Events) == 0 {
				continue
			}

			children, err := b.Children(context.Background(), path)

			if err != nil {
				out <- backend.Event{Type: backend.EventDeleted, Path: path}
				return
			}

			out <- backend.Event{Type: backend.EventChildrenChanged, Path: path, Children: children}
		}
	}()

	return &watcher{events: out, cancel: cancel}, nil
}

// Close implements backend.Backend.
func (b *Backend) Close() error {
	return b.client.Close()
}

type watcher struct {
	events chan backend.Event
	cancel context.CancelFunc
}

func (w *watcher) Events() <-chan backend.Event { return w.events }

func (w *watcher) Close() error {
	w.cancel()

	return nil
}
