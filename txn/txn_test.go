package txn_test

import (
	"context"
	"errors"
	"testing"

	"github.com/jrife/zoom/backend/memory"
	"github.com/jrife/zoom/registry"
	"github.com/jrife/zoom/serializer"
	"github.com/jrife/zoom/txn"
)

type testBridge struct {
	ID      string   `zoom:"id"`
	Name    string
	PortIDs []string `zoom:"reflist"`
}

type testPort struct {
	ID       string `zoom:"id"`
	BridgeID string `zoom:"ref"`
}

type testRouter struct {
	ID      string   `zoom:"id"`
	PortIDs []string `zoom:"reflist"`
}

type testRouterPort struct {
	ID       string `zoom:"id"`
	RouterID string `zoom:"ref"`
}

type testChain struct {
	ID      string   `zoom:"id"`
	RuleIDs []string `zoom:"reflist"`
}

type testRule struct {
	ID      string `zoom:"id"`
	ChainID string `zoom:"ref"`
}

func mustDescriptor(t *testing.T, sample interface{}) serializer.Descriptor {
	t.Helper()

	d, err := serializer.NewReflectDescriptor(sample)
	if err != nil {
		t.Fatalf("NewReflectDescriptor(%T) returned error: %s", sample, err)
	}

	return d
}

func newTestManager(t *testing.T) *txn.Manager {
	t.Helper()

	r := registry.New()
	ser := serializer.NewJSONSerializer()

	must := func(name string, sample interface{}) {
		if err := r.Register(name, sample, mustDescriptor(t, sample), ser); err != nil {
			t.Fatalf("Register(%s) returned error: %s", name, err)
		}
	}

	must("bridge", testBridge{})
	must("port", testPort{})
	must("router", testRouter{})
	must("routerPort", testRouterPort{})
	must("chain", testChain{})
	must("rule", testRule{})

	bindings := []registry.Binding{
		{ClassA: "bridge", FieldA: "PortIDs", OnDeleteA: registry.OnDeleteClear, ClassB: "port", FieldB: "BridgeID", OnDeleteB: registry.OnDeleteClear},
		{ClassA: "router", FieldA: "PortIDs", OnDeleteA: registry.OnDeleteError, ClassB: "routerPort", FieldB: "RouterID", OnDeleteB: registry.OnDeleteClear},
		{ClassA: "chain", FieldA: "RuleIDs", OnDeleteA: registry.OnDeleteCascade, ClassB: "rule", FieldB: "ChainID", OnDeleteB: registry.OnDeleteClear},
	}

	for _, b := range bindings {
		if err := r.Bind(b); err != nil {
			t.Fatalf("Bind() returned error: %s", err)
		}
	}

	if err := r.Build(); err != nil {
		t.Fatalf("Build() returned error: %s", err)
	}

	b := memory.New()
	paths := txn.NewPaths("/test-root", "v1")

	m, err := txn.NewManager(context.Background(), b, r, paths, nil)
	if err != nil {
		t.Fatalf("NewManager() returned error: %s", err)
	}

	return m
}

func TestSymmetricListBinding(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t)

	tx, err := m.New(ctx, "test")
	if err != nil {
		t.Fatalf("New() returned error: %s", err)
	}

	if err := tx.Create(ctx, &testBridge{ID: "B1", PortIDs: []string{}}); err != nil {
		t.Fatalf("Create(B1) returned error: %s", err)
	}

	if err := tx.Create(ctx, &testPort{ID: "P1", BridgeID: "B1"}); err != nil {
		t.Fatalf("Create(P1) returned error: %s", err)
	}

	if err := tx.Commit(ctx); err != nil {
		t.Fatalf("Commit() returned error: %s", err)
	}

	verify, err := m.New(ctx, "test")
	if err != nil {
		t.Fatalf("New() returned error: %s", err)
	}

	defer verify.Close(ctx)

	bridge := &testBridge{}
	if err := verify.Get(ctx, "bridge", "B1", bridge); err != nil {
		t.Fatalf("reading B1 returned error: %s", err)
	}

	if len(bridge.PortIDs) != 1 || bridge.PortIDs[0] != "P1" {
		t.Fatalf("B1.PortIDs = %v, want [P1]", bridge.PortIDs)
	}
}

func TestReferenceStealingRejected(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t)

	setup, err := m.New(ctx, "test")
	if err != nil {
		t.Fatalf("New() returned error: %s", err)
	}

	if err := setup.Create(ctx, &testBridge{ID: "B1", PortIDs: []string{}}); err != nil {
		t.Fatalf("Create(B1) returned error: %s", err)
	}

	if err := setup.Create(ctx, &testPort{ID: "P1", BridgeID: "B1"}); err != nil {
		t.Fatalf("Create(P1) returned error: %s", err)
	}

	if err := setup.Commit(ctx); err != nil {
		t.Fatalf("Commit() returned error: %s", err)
	}

	steal, err := m.New(ctx, "test")
	if err != nil {
		t.Fatalf("New() returned error: %s", err)
	}

	defer steal.Close(ctx)

	err = steal.Create(ctx, &testBridge{ID: "B2", PortIDs: []string{"P1"}})

	var refErr *txn.ReferenceConflictError
	if err == nil || !errors.As(err, &refErr) {
		t.Fatalf("Create(B2) returned %v (%T), want *ReferenceConflictError", err, err)
	}
}

func TestErrorOnDelete(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t)

	setup, err := m.New(ctx, "test")
	if err != nil {
		t.Fatalf("New() returned error: %s", err)
	}

	if err := setup.Create(ctx, &testRouter{ID: "R1", PortIDs: []string{}}); err != nil {
		t.Fatalf("Create(R1) returned error: %s", err)
	}

	if err := setup.Create(ctx, &testRouterPort{ID: "RP1", RouterID: "R1"}); err != nil {
		t.Fatalf("Create(RP1) returned error: %s", err)
	}

	if err := setup.Commit(ctx); err != nil {
		t.Fatalf("Commit() returned error: %s", err)
	}

	del, err := m.New(ctx, "test")
	if err != nil {
		t.Fatalf("New() returned error: %s", err)
	}

	defer del.Close(ctx)

	err = del.Delete(ctx, "router", "R1")

	var refErr *txn.ObjectReferencedError
	if err == nil || !errors.As(err, &refErr) {
		t.Fatalf("Delete(R1) returned %v (%T), want *ObjectReferencedError", err, err)
	}
}

func TestCascadeDelete(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t)

	setup, err := m.New(ctx, "test")
	if err != nil {
		t.Fatalf("New() returned error: %s", err)
	}

	if err := setup.Create(ctx, &testChain{ID: "C1", RuleIDs: []string{}}); err != nil {
		t.Fatalf("Create(C1) returned error: %s", err)
	}

	if err := setup.Create(ctx, &testRule{ID: "R1", ChainID: "C1"}); err != nil {
		t.Fatalf("Create(R1) returned error: %s", err)
	}

	if err := setup.Create(ctx, &testRule{ID: "R2", ChainID: "C1"}); err != nil {
		t.Fatalf("Create(R2) returned error: %s", err)
	}

	if err := setup.Commit(ctx); err != nil {
		t.Fatalf("Commit() returned error: %s", err)
	}

	del, err := m.New(ctx, "test")
	if err != nil {
		t.Fatalf("New() returned error: %s", err)
	}

	if err := del.Delete(ctx, "chain", "C1"); err != nil {
		t.Fatalf("Delete(C1) returned error: %s", err)
	}

	if err := del.Commit(ctx); err != nil {
		t.Fatalf("Commit() returned error: %s", err)
	}

	verify, err := m.New(ctx, "test")
	if err != nil {
		t.Fatalf("New() returned error: %s", err)
	}

	defer verify.Close(ctx)

	err = verify.Get(ctx, "rule", "R1", &testRule{})

	var notFound *txn.NotFoundError
	if err == nil || !errors.As(err, &notFound) {
		t.Fatalf("reading R1 after cascade returned %v (%T), want NotFoundError", err, err)
	}
}

func TestConcurrentModification(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t)

	setup, err := m.New(ctx, "test")
	if err != nil {
		t.Fatalf("New() returned error: %s", err)
	}

	if err := setup.Create(ctx, &testBridge{ID: "B1", Name: "orig", PortIDs: []string{}}); err != nil {
		t.Fatalf("Create(B1) returned error: %s", err)
	}

	if err := setup.Commit(ctx); err != nil {
		t.Fatalf("Commit() returned error: %s", err)
	}

	tx1, err := m.New(ctx, "test")
	if err != nil {
		t.Fatalf("New() returned error: %s", err)
	}

	tx2, err := m.New(ctx, "test")
	if err != nil {
		t.Fatalf("New() returned error: %s", err)
	}

	b1 := &testBridge{}
	if err := tx1.Get(ctx, "bridge", "B1", b1); err != nil {
		t.Fatalf("tx1 read B1 returned error: %s", err)
	}

	b1.Name = "first"

	if err := tx1.Update(ctx, b1, nil); err != nil {
		t.Fatalf("tx1.Update(B1) returned error: %s", err)
	}

	b2 := &testBridge{}
	if err := tx2.Get(ctx, "bridge", "B1", b2); err != nil {
		t.Fatalf("tx2 read B1 returned error: %s", err)
	}

	b2.Name = "second"

	if err := tx2.Update(ctx, b2, nil); err != nil {
		t.Fatalf("tx2.Update(B1) returned error: %s", err)
	}

	if err := tx1.Commit(ctx); err != nil {
		t.Fatalf("tx1.Commit() returned error: %s", err)
	}

	err = tx2.Commit(ctx)

	if !txn.IsConcurrentModification(err) {
		t.Fatalf("tx2.Commit() returned %v, want ConcurrentModificationError somewhere in the chain", err)
	}
}
