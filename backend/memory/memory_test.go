package memory_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jrife/zoom/backend"
	"github.com/jrife/zoom/backend/memory"
)

func TestCreateGetExists(t *testing.T) {
	ctx := context.Background()
	b := memory.New()

	if err := b.Create(ctx, "/a", []byte("v1")); err != nil {
		t.Fatalf("Create() returned error: %s", err)
	}

	data, version, err := b.Get(ctx, "/a")
	if err != nil {
		t.Fatalf("Get() returned error: %s", err)
	}

	if string(data) != "v1" {
		t.Fatalf("Get() data = %q, want %q", data, "v1")
	}

	exists, existsVersion, err := b.Exists(ctx, "/a")
	if err != nil {
		t.Fatalf("Exists() returned error: %s", err)
	}

	if !exists || existsVersion != version {
		t.Fatalf("Exists() = (%v, %d), want (true, %d)", exists, existsVersion, version)
	}
}

func TestCreateDuplicateFails(t *testing.T) {
	ctx := context.Background()
	b := memory.New()

	if err := b.Create(ctx, "/a", []byte("v1")); err != nil {
		t.Fatalf("Create() returned error: %s", err)
	}

	err := b.Create(ctx, "/a", []byte("v2"))
	if !errors.Is(err, backend.ErrNodeExists) {
		t.Fatalf("Create(duplicate) = %v, want ErrNodeExists", err)
	}
}

func TestSetDataVersionMismatch(t *testing.T) {
	ctx := context.Background()
	b := memory.New()

	if err := b.Create(ctx, "/a", []byte("v1")); err != nil {
		t.Fatalf("Create() returned error: %s", err)
	}

	_, version, err := b.Get(ctx, "/a")
	if err != nil {
		t.Fatalf("Get() returned error: %s", err)
	}

	if err := b.SetData(ctx, "/a", []byte("v2"), version); err != nil {
		t.Fatalf("SetData() returned error: %s", err)
	}

	err = b.SetData(ctx, "/a", []byte("v3"), version)
	if !errors.Is(err, backend.ErrBadVersion) {
		t.Fatalf("SetData(stale version) = %v, want ErrBadVersion", err)
	}
}

func TestDeleteNotEmptyFails(t *testing.T) {
	ctx := context.Background()
	b := memory.New()

	if err := b.Create(ctx, "/a", nil); err != nil {
		t.Fatalf("Create(/a) returned error: %s", err)
	}

	if err := b.Create(ctx, "/a/b", nil); err != nil {
		t.Fatalf("Create(/a/b) returned error: %s", err)
	}

	_, version, err := b.Get(ctx, "/a")
	if err != nil {
		t.Fatalf("Get() returned error: %s", err)
	}

	err = b.Delete(ctx, "/a", version)
	if !errors.Is(err, backend.ErrNotEmpty) {
		t.Fatalf("Delete(non-empty) = %v, want ErrNotEmpty", err)
	}
}

func TestChildrenSortedAscending(t *testing.T) {
	ctx := context.Background()
	b := memory.New()

	if err := b.Create(ctx, "/a", nil); err != nil {
		t.Fatalf("Create(/a) returned error: %s", err)
	}

	for _, name := range []string{"/a/c", "/a/a", "/a/b"} {
		if err := b.Create(ctx, name, nil); err != nil {
			t.Fatalf("Create(%s) returned error: %s", name, err)
		}
	}

	children, err := b.Children(ctx, "/a")
	if err != nil {
		t.Fatalf("Children() returned error: %s", err)
	}

	want := []string{"a", "b", "c"}
	if len(children) != len(want) {
		t.Fatalf("Children() = %v, want %v", children, want)
	}

	for i := range want {
		if children[i] != want[i] {
			t.Fatalf("Children() = %v, want %v", children, want)
		}
	}
}

func TestMultiAtomicRollsBackOnFailure(t *testing.T) {
	ctx := context.Background()
	b := memory.New()

	if err := b.Create(ctx, "/a", nil); err != nil {
		t.Fatalf("Create() returned error: %s", err)
	}

	err := b.Multi(ctx, []backend.Op{
		backend.CreateOp("/b", []byte("ok")),
		backend.CreateOp("/a", []byte("collides")),
	})

	var multiErr *backend.MultiError
	if err == nil || !errors.As(err, &multiErr) {
		t.Fatalf("Multi() = %v (%T), want *MultiError", err, err)
	}

	if multiErr.Index != 1 {
		t.Fatalf("MultiError.Index = %d, want 1", multiErr.Index)
	}

	if _, _, err := b.Get(ctx, "/b"); !errors.Is(err, backend.ErrNoNode) {
		t.Fatalf("Get(/b) after rolled-back Multi = %v, want ErrNoNode", err)
	}
}

func TestWatchDeliversInitialStateThenChange(t *testing.T) {
	ctx := context.Background()
	b := memory.New()

	if err := b.Create(ctx, "/a", []byte("v1")); err != nil {
		t.Fatalf("Create() returned error: %s", err)
	}

	watcher, err := b.Watch(ctx, "/a")
	if err != nil {
		t.Fatalf("Watch() returned error: %s", err)
	}

	defer watcher.Close()

	ev := recvEvent(t, watcher)

	if ev.Type != backend.EventDataChanged || string(ev.Data) != "v1" {
		t.Fatalf("initial event = %+v, want EventDataChanged with data v1", ev)
	}

	_, version, err := b.Get(ctx, "/a")
	if err != nil {
		t.Fatalf("Get() returned error: %s", err)
	}

	if err := b.SetData(ctx, "/a", []byte("v2"), version); err != nil {
		t.Fatalf("SetData() returned error: %s", err)
	}

	ev = recvEvent(t, watcher)

	if ev.Type != backend.EventDataChanged || string(ev.Data) != "v2" {
		t.Fatalf("second event = %+v, want EventDataChanged with data v2", ev)
	}
}

func TestWatchMissingNodeReportsErrNoNode(t *testing.T) {
	ctx := context.Background()
	b := memory.New()

	watcher, err := b.Watch(ctx, "/missing")
	if err != nil {
		t.Fatalf("Watch() returned error: %s", err)
	}

	defer watcher.Close()

	ev := recvEvent(t, watcher)

	if !errors.Is(ev.Err, backend.ErrNoNode) {
		t.Fatalf("initial event on missing node = %+v, want ErrNoNode", ev)
	}
}

func TestWatchChildrenDeliversInitialListing(t *testing.T) {
	ctx := context.Background()
	b := memory.New()

	if err := b.Create(ctx, "/a", nil); err != nil {
		t.Fatalf("Create(/a) returned error: %s", err)
	}

	if err := b.Create(ctx, "/a/x", nil); err != nil {
		t.Fatalf("Create(/a/x) returned error: %s", err)
	}

	watcher, err := b.WatchChildren(ctx, "/a")
	if err != nil {
		t.Fatalf("WatchChildren() returned error: %s", err)
	}

	defer watcher.Close()

	ev := recvEvent(t, watcher)

	if ev.Type != backend.EventChildrenChanged || len(ev.Children) != 1 || ev.Children[0] != "x" {
		t.Fatalf("initial event = %+v, want EventChildrenChanged with [x]", ev)
	}

	if err := b.Create(ctx, "/a/y", nil); err != nil {
		t.Fatalf("Create(/a/y) returned error: %s", err)
	}

	ev = recvEvent(t, watcher)

	if len(ev.Children) != 2 {
		t.Fatalf("second event Children = %v, want 2 entries", ev.Children)
	}
}

func TestCreateEphemeralSequentialAssignsMonotonicNames(t *testing.T) {
	ctx := context.Background()
	b := memory.New()

	if err := b.Create(ctx, "/locks", nil); err != nil {
		t.Fatalf("Create(/locks) returned error: %s", err)
	}

	first, err := b.CreateEphemeralSequential(ctx, "/locks/lock-", []byte("owner"))
	if err != nil {
		t.Fatalf("CreateEphemeralSequential() returned error: %s", err)
	}

	second, err := b.CreateEphemeralSequential(ctx, "/locks/lock-", []byte("owner"))
	if err != nil {
		t.Fatalf("CreateEphemeralSequential() returned error: %s", err)
	}

	if first == second {
		t.Fatalf("CreateEphemeralSequential() returned the same path twice: %s", first)
	}

	children, err := b.Children(ctx, "/locks")
	if err != nil {
		t.Fatalf("Children() returned error: %s", err)
	}

	if len(children) != 2 {
		t.Fatalf("Children(/locks) = %v, want 2 entries", children)
	}
}

func recvEvent(t *testing.T, w backend.Watcher) backend.Event {
	t.Helper()

	select {
	case ev := <-w.Events():
		return ev
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for watch event")
		return backend.Event{}
	}
}
