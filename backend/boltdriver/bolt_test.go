package boltdriver_test

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/jrife/zoom/backend"
	"github.com/jrife/zoom/backend/boltdriver"
	"github.com/jrife/zoom/utils/uuid"
)

// openTestBackend opens a bbolt-backed Backend at a fresh temp file, named
// the way the teacher's storage/kv bbolt plugin names its scratch
// databases in tests.
func openTestBackend(t *testing.T) *boltdriver.Backend {
	t.Helper()

	path := filepath.Join(t.TempDir(), fmt.Sprintf("bolt-%s.db", uuid.MustUUID()))

	b, err := boltdriver.Open(path)
	if err != nil {
		t.Fatalf("Open() returned error: %s", err)
	}

	t.Cleanup(func() {
		if err := b.Close(); err != nil {
			t.Errorf("Close() returned error: %s", err)
		}
	})

	return b
}

func TestCreateGetPersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), fmt.Sprintf("bolt-%s.db", uuid.MustUUID()))

	b, err := boltdriver.Open(path)
	if err != nil {
		t.Fatalf("Open() returned error: %s", err)
	}

	if err := b.Create(ctx, "/a", []byte("v1")); err != nil {
		t.Fatalf("Create() returned error: %s", err)
	}

	if err := b.Close(); err != nil {
		t.Fatalf("Close() returned error: %s", err)
	}

	reopened, err := boltdriver.Open(path)
	if err != nil {
		t.Fatalf("re-Open() returned error: %s", err)
	}

	defer reopened.Close()

	data, _, err := reopened.Get(ctx, "/a")
	if err != nil {
		t.Fatalf("Get() after reopen returned error: %s", err)
	}

	if string(data) != "v1" {
		t.Fatalf("Get() after reopen = %q, want %q", data, "v1")
	}
}

func TestSetDataVersionMismatch(t *testing.T) {
	ctx := context.Background()
	b := openTestBackend(t)

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

	if err := b.SetData(ctx, "/a", []byte("v3"), version); !errors.Is(err, backend.ErrBadVersion) {
		t.Fatalf("SetData(stale version) = %v, want ErrBadVersion", err)
	}
}

func TestDeleteNotEmptyFails(t *testing.T) {
	ctx := context.Background()
	b := openTestBackend(t)

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

	if err := b.Delete(ctx, "/a", version); !errors.Is(err, backend.ErrNotEmpty) {
		t.Fatalf("Delete(non-empty) = %v, want ErrNotEmpty", err)
	}
}

func TestMultiAtomicRollsBackOnFailure(t *testing.T) {
	ctx := context.Background()
	b := openTestBackend(t)

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

	if _, _, err := b.Get(ctx, "/b"); !errors.Is(err, backend.ErrNoNode) {
		t.Fatalf("Get(/b) after rolled-back Multi = %v, want ErrNoNode", err)
	}
}

func TestWatchDeliversInitialStateThenChange(t *testing.T) {
	ctx := context.Background()
	b := openTestBackend(t)

	if err := b.Create(ctx, "/a", []byte("v1")); err != nil {
		t.Fatalf("Create() returned error: %s", err)
	}

	watcher, err := b.Watch(ctx, "/a")
	if err != nil {
		t.Fatalf("Watch() returned error: %s", err)
	}

	defer watcher.Close()

	ev := <-watcher.Events()

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

	ev = <-watcher.Events()

	if ev.Type != backend.EventDataChanged || string(ev.Data) != "v2" {
		t.Fatalf("second event = %+v, want EventDataChanged with data v2", ev)
	}
}
