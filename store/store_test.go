package store_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jrife/zoom/backend/memory"
	"github.com/jrife/zoom/config"
	"github.com/jrife/zoom/observable"
	"github.com/jrife/zoom/registry"
	"github.com/jrife/zoom/serializer"
	"github.com/jrife/zoom/store"
	"github.com/jrife/zoom/txn"
	"github.com/jrife/zoom/validate"
)

type widget struct {
	ID   string `zoom:"id"`
	Name string `json:"name"`
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()

	r := registry.New()

	desc, err := serializer.NewReflectDescriptor(widget{})
	if err != nil {
		t.Fatalf("NewReflectDescriptor() returned error: %s", err)
	}

	if err := r.Register("widget", widget{}, desc, serializer.NewJSONSerializer()); err != nil {
		t.Fatalf("Register() returned error: %s", err)
	}

	if err := r.Build(); err != nil {
		t.Fatalf("Build() returned error: %s", err)
	}

	cfg := &config.Config{RootKey: "/test-root", TransactionAttempts: 3, LockTimeout: time.Second, Namespace: "default"}

	s, err := store.Open(context.Background(), memory.New(), r, cfg, nil)
	if err != nil {
		t.Fatalf("Open() returned error: %s", err)
	}

	t.Cleanup(func() { s.Close() })

	return s
}

func TestMultiCreateAndGet(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	if err := s.Multi(ctx, store.CreateOp(&widget{ID: "W1", Name: "first"})); err != nil {
		t.Fatalf("Multi(create) returned error: %s", err)
	}

	out := &widget{}
	if err := s.Get(ctx, "widget", "W1", out); err != nil {
		t.Fatalf("Get(W1) returned error: %s", err)
	}

	if out.Name != "first" {
		t.Fatalf("Get(W1).Name = %q, want %q", out.Name, "first")
	}

	exists, err := s.Exists(ctx, "widget", "W1")
	if err != nil {
		t.Fatalf("Exists(W1) returned error: %s", err)
	}

	if !exists {
		t.Fatalf("Exists(W1) = false, want true")
	}
}

func TestGetMissingReturnsNotFound(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	err := s.Get(ctx, "widget", "missing", &widget{})

	var notFound *txn.NotFoundError
	if err == nil || !errors.As(err, &notFound) {
		t.Fatalf("Get(missing) returned %v (%T), want *NotFoundError", err, err)
	}
}

func TestGetAllInClass(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	if err := s.Multi(ctx, store.CreateOp(&widget{ID: "W1", Name: "a"}), store.CreateOp(&widget{ID: "W2", Name: "b"})); err != nil {
		t.Fatalf("Multi(create x2) returned error: %s", err)
	}

	all, err := s.GetAllInClass(ctx, "widget")
	if err != nil {
		t.Fatalf("GetAllInClass() returned error: %s", err)
	}

	if len(all) != 2 {
		t.Fatalf("GetAllInClass() returned %d objects, want 2", len(all))
	}
}

func TestObservableEmitsOnCreateAndUpdate(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	if err := s.Multi(ctx, store.CreateOp(&widget{ID: "W1", Name: "first"})); err != nil {
		t.Fatalf("Multi(create) returned error: %s", err)
	}

	sub := s.Observable("widget", "W1")
	defer sub.Unsubscribe()

	ev := recvEvent(t, sub)
	got := ev.Value.(*widget)

	if got.Name != "first" {
		t.Fatalf("first emission Name = %q, want %q", got.Name, "first")
	}

	if err := s.Multi(ctx, store.UpdateOp(&widget{ID: "W1", Name: "second"}, nil)); err != nil {
		t.Fatalf("Multi(update) returned error: %s", err)
	}

	ev = recvEvent(t, sub)
	got = ev.Value.(*widget)

	if got.Name != "second" {
		t.Fatalf("second emission Name = %q, want %q", got.Name, "second")
	}
}

func TestObservableCompletesOnDelete(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	if err := s.Multi(ctx, store.CreateOp(&widget{ID: "W1", Name: "first"})); err != nil {
		t.Fatalf("Multi(create) returned error: %s", err)
	}

	sub := s.Observable("widget", "W1")
	defer sub.Unsubscribe()

	recvEvent(t, sub)

	if err := s.Multi(ctx, store.DeleteOp("widget", "W1")); err != nil {
		t.Fatalf("Multi(delete) returned error: %s", err)
	}

	ev := recvEvent(t, sub)

	if !ev.Done {
		t.Fatalf("emission after delete = %+v, want Done", ev)
	}
}

func TestClassObservableEmitsMembers(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	sub := s.ClassObservable("widget")
	defer sub.Unsubscribe()

	if err := s.Multi(ctx, store.CreateOp(&widget{ID: "W1", Name: "first"})); err != nil {
		t.Fatalf("Multi(create) returned error: %s", err)
	}

	select {
	case ev := <-sub.Events():
		if ev.Err != nil {
			t.Fatalf("ClassObservable received error: %s", ev.Err)
		}

		if ev.Value.ID != "W1" {
			t.Fatalf("ClassMember.ID = %q, want %q", ev.Value.ID, "W1")
		}

		defer ev.Value.Object.Unsubscribe()
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for class member emission")
	}
}

func TestValidatedUpdateOpRejectsFailedPredicate(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	if err := s.Multi(ctx, store.CreateOp(&widget{ID: "W1", Name: "first"})); err != nil {
		t.Fatalf("Multi(create) returned error: %s", err)
	}

	v, err := validate.Compile(`new.name != old.name`)
	if err != nil {
		t.Fatalf("Compile() returned error: %s", err)
	}

	err = s.Multi(ctx, store.ValidatedUpdateOp(&widget{ID: "W1", Name: "first"}, v))

	var validationErr *txn.ValidationFailedError
	if err == nil || !errors.As(err, &validationErr) {
		t.Fatalf("Multi(no-op update) returned %v (%T), want *ValidationFailedError", err, err)
	}

	if err := s.Multi(ctx, store.ValidatedUpdateOp(&widget{ID: "W1", Name: "second"}, v)); err != nil {
		t.Fatalf("Multi(changed update) returned error: %s", err)
	}

	out := &widget{}
	if err := s.Get(ctx, "widget", "W1", out); err != nil {
		t.Fatalf("Get(W1) returned error: %s", err)
	}

	if out.Name != "second" {
		t.Fatalf("Get(W1).Name = %q, want %q", out.Name, "second")
	}
}

func recvEvent(t *testing.T, sub *observable.Subscription[interface{}]) observable.Event[interface{}] {
	t.Helper()

	select {
	case ev := <-sub.Events():
		if ev.Err != nil {
			t.Fatalf("received error event: %s", ev.Err)
		}

		return ev
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for emission")
		return observable.Event[interface{}]{}
	}
}
