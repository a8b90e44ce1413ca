// Package registry is the class table and symmetric binding catalog:
// classes must be registered, and bindings declared between their fields,
// before the store can open, per spec.md §3-4.1. Grounded on the teacher's
// storage/mvcc.Store "create-once, open-once" lifecycle gating, generalized
// here to "register classes and bindings, then Build() gates further
// registration."
package registry

import (
	"fmt"
	"reflect"
	"sync"

	"github.com/emirpasic/gods/maps/linkedhashmap"

	"github.com/jrife/zoom/serializer"
)

// ClassInfo is everything the store needs to know about one registered
// class: its wire name, its Go type, and its capability objects.
type ClassInfo struct {
	Name       string
	Type       reflect.Type
	Descriptor serializer.Descriptor
	Serializer serializer.Serializer

	// sides holds this class's end of every binding it participates in,
	// keyed by field name, in declaration order.
	sides *linkedhashmap.Map
}

// Sides returns this class's bound fields in the order they were declared,
// so binding evaluation during commit is deterministic and reproducible in
// tests (spec.md §4.1).
func (c *ClassInfo) Sides() []*Side {
	sides := make([]*Side, 0, c.sides.Size())

	_, values := c.sides.Keys(), c.sides.Values()
	for _, v := range values {
		sides = append(sides, v.(*Side))
	}

	return sides
}

// Side looks up this class's Side for field, if bound.
func (c *ClassInfo) Side(field string) (*Side, bool) {
	v, ok := c.sides.Get(field)

	if !ok {
		return nil, false
	}

	return v.(*Side), true
}

// Registry is the mutable class/binding table during setup, and the
// read-only lookup table the rest of the store uses after Build().
type Registry struct {
	mu       sync.Mutex
	classes  map[string]*ClassInfo
	bindings []*Binding
	built    bool
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{classes: map[string]*ClassInfo{}}
}

// Register declares a class under name, backed by the given Descriptor and
// Serializer. It must be called before Build().
func (r *Registry) Register(name string, sampleType interface{}, descriptor serializer.Descriptor, ser serializer.Serializer) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.built {
		return fmt.Errorf("registry: cannot register class %q after Build()", name)
	}

	if _, exists := r.classes[name]; exists {
		return fmt.Errorf("registry: class %q already registered", name)
	}

	if descriptor == nil {
		return fmt.Errorf("registry: class %q has no descriptor", name)
	}

	if ser == nil {
		return fmt.Errorf("registry: class %q has no serializer", name)
	}

	r.classes[name] = &ClassInfo{
		Name:       name,
		Type:       reflect.TypeOf(sampleType),
		Descriptor: descriptor,
		Serializer: ser,
		sides:      linkedhashmap.New(),
	}

	return nil
}

// Bind declares a symmetric binding between two class fields. It must be
// called before Build(), and both classes must already be registered.
func (r *Registry) Bind(b Binding) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.built {
		return fmt.Errorf("registry: cannot add binding after Build()")
	}

	if _, ok := r.classes[b.ClassA]; !ok {
		return fmt.Errorf("registry: binding references unregistered class %q", b.ClassA)
	}

	if _, ok := r.classes[b.ClassB]; !ok {
		return fmt.Errorf("registry: binding references unregistered class %q", b.ClassB)
	}

	bind := b
	r.bindings = append(r.bindings, &bind)

	return nil
}

// Build validates every declared binding, memoizes peer pointers, and
// freezes the registry against further registration. It must be called
// exactly once, before the store is opened.
func (r *Registry) Build() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.built {
		return fmt.Errorf("registry: Build() already called")
	}

	for _, b := range r.bindings {
		classA := r.classes[b.ClassA]
		classB := r.classes[b.ClassB]

		if !classA.Descriptor.IsCollectionField(b.FieldA) && !fieldExists(classA, b.FieldA) {
			return fmt.Errorf("registry: class %q has no field %q", b.ClassA, b.FieldA)
		}

		if !classB.Descriptor.IsCollectionField(b.FieldB) && !fieldExists(classB, b.FieldB) {
			return fmt.Errorf("registry: class %q has no field %q", b.ClassB, b.FieldB)
		}

		if _, exists := classA.sides.Get(b.FieldA); exists {
			return fmt.Errorf("registry: class %q field %q is already bound", b.ClassA, b.FieldA)
		}

		if _, exists := classB.sides.Get(b.FieldB); exists {
			return fmt.Errorf("registry: class %q field %q is already bound", b.ClassB, b.FieldB)
		}

		sideA := &Side{
			binding:    b,
			isA:        true,
			class:      b.ClassA,
			field:      b.FieldA,
			onDelete:   b.OnDeleteA,
			peerClass:  b.ClassB,
			peerField:  b.FieldB,
			collection: classA.Descriptor.IsCollectionField(b.FieldA),
		}

		sideB := &Side{
			binding:    b,
			isA:        false,
			class:      b.ClassB,
			field:      b.FieldB,
			onDelete:   b.OnDeleteB,
			peerClass:  b.ClassA,
			peerField:  b.FieldA,
			collection: classB.Descriptor.IsCollectionField(b.FieldB),
		}

		sideA.peer = sideB
		sideB.peer = sideA

		classA.sides.Put(b.FieldA, sideA)
		classB.sides.Put(b.FieldB, sideB)
	}

	r.built = true

	return nil
}

// IsBuilt reports whether Build() has already run.
func (r *Registry) IsBuilt() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.built
}

// Class looks up a registered class by name.
func (r *Registry) Class(name string) (*ClassInfo, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.classes[name]

	return c, ok
}

// Classes returns every registered class name.
func (r *Registry) Classes() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	names := make([]string, 0, len(r.classes))

	for name := range r.classes {
		names = append(names, name)
	}

	return names
}

// fieldExists reports whether field can be read on a class, used to
// validate single-reference binding fields (IsCollectionField alone can't
// distinguish "no such field" from "false").
func fieldExists(c *ClassInfo, field string) bool {
	if c.Type == nil {
		return true
	}

	t := c.Type

	if t.Kind() == reflect.Ptr {
		t = t.Elem()
	}

	if t.Kind() != reflect.Struct {
		return true
	}

	_, ok := t.FieldByName(field)

	return ok
}
