package registry_test

import (
	"testing"

	"github.com/jrife/zoom/registry"
	"github.com/jrife/zoom/serializer"
)

type bridge struct {
	ID      string   `zoom:"id"`
	PortIDs []string `zoom:"reflist"`
}

type port struct {
	ID       string `zoom:"id"`
	BridgeID string `zoom:"ref"`
}

func newRegistry(t *testing.T) *registry.Registry {
	t.Helper()

	r := registry.New()

	bridgeDesc, err := serializer.NewReflectDescriptor(bridge{})
	if err != nil {
		t.Fatalf("NewReflectDescriptor(bridge) returned error: %s", err)
	}

	portDesc, err := serializer.NewReflectDescriptor(port{})
	if err != nil {
		t.Fatalf("NewReflectDescriptor(port) returned error: %s", err)
	}

	if err := r.Register("bridge", bridge{}, bridgeDesc, serializer.NewJSONSerializer()); err != nil {
		t.Fatalf("Register(bridge) returned error: %s", err)
	}

	if err := r.Register("port", port{}, portDesc, serializer.NewJSONSerializer()); err != nil {
		t.Fatalf("Register(port) returned error: %s", err)
	}

	return r
}

func TestBuildLinksPeerSides(t *testing.T) {
	r := newRegistry(t)

	if err := r.Bind(registry.Binding{
		ClassA:    "bridge",
		FieldA:    "PortIDs",
		OnDeleteA: registry.OnDeleteClear,
		ClassB:    "port",
		FieldB:    "BridgeID",
		OnDeleteB: registry.OnDeleteCascade,
	}); err != nil {
		t.Fatalf("Bind() returned error: %s", err)
	}

	if err := r.Build(); err != nil {
		t.Fatalf("Build() returned error: %s", err)
	}

	bridgeClass, ok := r.Class("bridge")
	if !ok {
		t.Fatalf("Class(bridge) not found")
	}

	side, ok := bridgeClass.Side("PortIDs")
	if !ok {
		t.Fatalf("Side(PortIDs) not found")
	}

	if !side.IsCollection() {
		t.Fatalf("IsCollection() = false, want true")
	}

	if side.Peer() == nil {
		t.Fatalf("Peer() = nil, want non-nil")
	}

	if side.Peer().Class() != "port" || side.Peer().Field() != "BridgeID" {
		t.Fatalf("Peer() = (%s, %s), want (port, BridgeID)", side.Peer().Class(), side.Peer().Field())
	}

	if side.Peer().Peer() != side {
		t.Fatalf("Peer().Peer() != side, want symmetric back-pointer")
	}
}

func TestRegisterAfterBuildFails(t *testing.T) {
	r := newRegistry(t)

	if err := r.Build(); err != nil {
		t.Fatalf("Build() returned error: %s", err)
	}

	desc, err := serializer.NewReflectDescriptor(bridge{})
	if err != nil {
		t.Fatalf("NewReflectDescriptor() returned error: %s", err)
	}

	if err := r.Register("other", bridge{}, desc, serializer.NewJSONSerializer()); err == nil {
		t.Fatalf("Register() after Build() succeeded, want error")
	}
}

func TestBindUnregisteredClassFails(t *testing.T) {
	r := newRegistry(t)

	err := r.Bind(registry.Binding{
		ClassA: "bridge",
		FieldA: "PortIDs",
		ClassB: "nonexistent",
		FieldB: "X",
	})

	if err == nil {
		t.Fatalf("Bind() with unregistered class succeeded, want error")
	}
}
