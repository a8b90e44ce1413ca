package txn

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"

	"github.com/jrife/zoom/backend"
	"github.com/jrife/zoom/registry"
	"github.com/jrife/zoom/serializer"
)

// objKey identifies a cached or planned object by its registered class and
// id.
type objKey struct {
	class string
	id    string
}

// opKind identifies what a Transaction has scheduled to happen to an
// object by the time it commits.
type opKind int

const (
	opNone opKind = iota
	opCreate
	opUpdate
	opDelete
)

// cacheEntry is a transaction-scoped cached read of one object's payload
// and provenance sibling, per spec.md §4.2 ("both are cached for the life
// of the transaction").
type cacheEntry struct {
	class string
	id    string

	exists  bool
	obj     interface{}
	objVer  int64
	prov    serializer.Provenance
	provVer int64
	// provData is the raw provenance bytes as last read, used at commit
	// time to skip rewriting a provenance record whose canonical encoding
	// would not change (spec.md §6).
	provData []byte
	// provExists is false for legacy data missing its provenance sibling;
	// the transaction creates it instead of updating it in that case.
	provExists bool
}

// plannedObject is the transaction's final decided state for one object,
// after any direct mutation and any inverse updates from peer bindings.
// The planner (plan.go) reads this map, already flattened by construction:
// scheduling a second inverse update to the same peer simply overwrites
// this entry's obj/changeKind rather than appending a second op.
type plannedObject struct {
	kind       opKind
	class      string
	id         string
	obj        interface{}
	changeKind serializer.ChangeKind
}

// rawOp is a scheduled raw node operation (spec.md §4.2's escape hatch).
type rawOp struct {
	kind            backend.OpKind
	path            string
	data            []byte
	expectedVersion int64
}

// Transaction accumulates reads and mutations against a fixed snapshot,
// then commits them atomically. It is not safe for concurrent use by
// multiple goroutines, matching spec.md §5 ("a transaction object is not
// thread-safe").
type Transaction struct {
	manager    *Manager
	owner      string
	markerPath string
	z          int64

	mu      sync.Mutex
	objects map[objKey]*cacheEntry
	planned map[objKey]*plannedObject
	rawOps  map[string]*rawOp
	visited map[objKey]bool

	done bool
}

// classOf resolves the registered class name and ClassInfo for a Go value
// by its runtime type, since create/update take a typed object rather than
// an explicit class name string.
func (t *Transaction) classOf(obj interface{}) (string, *registry.ClassInfo, error) {
	rt := reflect.TypeOf(obj)

	if rt.Kind() == reflect.Ptr {
		rt = rt.Elem()
	}

	for _, name := range t.manager.registry.Classes() {
		ci, _ := t.manager.registry.Class(name)

		if ci.Type == rt {
			return name, ci, nil
		}
	}

	return "", nil, &InternalObjectMapperError{Cause: fmt.Errorf("no registered class matches type %s", rt)}
}

// get fetches (from cache, or from the backend on first access) both the
// object record and its provenance sibling for (class, id), enforcing the
// snapshot bound Z.
func (t *Transaction) get(ctx context.Context, class, id string) (*cacheEntry, error) {
	key := objKey{class, id}

	if e, ok := t.objects[key]; ok {
		return e, nil
	}

	ci, ok := t.manager.registry.Class(class)
	if !ok {
		return nil, &InternalObjectMapperError{Cause: fmt.Errorf("unregistered class %q", class)}
	}

	modelPath := t.manager.paths.ModelPath(class, id)
	objectPath := t.manager.paths.ObjectPath(class, id)

	var wg sync.WaitGroup

	var modelData []byte
	var modelVer int64
	var modelExists bool
	var modelErr error

	var provData []byte
	var provVer int64
	var provExists bool
	var provErr error

	wg.Add(2)

	go func() {
		defer wg.Done()

		modelData, modelVer, modelErr = t.manager.backend.Get(ctx, modelPath)

		if errors.Is(modelErr, backend.ErrNoNode) {
			modelErr = nil
			modelExists = false
		} else if modelErr == nil {
			modelExists = true
		}
	}()

	go func() {
		defer wg.Done()

		provData, provVer, provErr = t.manager.backend.Get(ctx, objectPath)

		if errors.Is(provErr, backend.ErrNoNode) {
			provErr = nil
			provExists = false
		} else if provErr == nil {
			provExists = true
		}
	}()

	wg.Wait()

	if modelErr != nil {
		return nil, &InternalObjectMapperError{Cause: modelErr}
	}

	if provErr != nil {
		return nil, &InternalObjectMapperError{Cause: provErr}
	}

	if modelExists && modelVer > t.z {
		return nil, &ConcurrentModificationError{Path: modelPath}
	}

	if provExists && provVer > t.z {
		return nil, &ConcurrentModificationError{Path: objectPath}
	}

	entry := &cacheEntry{class: class, id: id, exists: modelExists, objVer: modelVer, provVer: provVer, provExists: provExists}

	if modelExists {
		obj := reflect.New(ci.Type).Interface()

		if err := ci.Serializer.Unmarshal(modelData, obj); err != nil {
			return nil, &InternalObjectMapperError{Cause: fmt.Errorf("unmarshaling %s/%s: %w", class, id, err)}
		}

		entry.obj = obj
	}

	if provExists {
		prov, err := serializer.UnmarshalProvenance(provData)
		if err != nil {
			return nil, &InternalObjectMapperError{Cause: fmt.Errorf("unmarshaling provenance %s/%s: %w", class, id, err)}
		}

		entry.prov = prov
		entry.provData = provData
	}

	t.objects[key] = entry

	return entry, nil
}

// Get reads (class, id) into out, which must be a pointer to the
// registered class's Go type. It returns *NotFoundError if the object
// does not exist, and *ConcurrentModificationError if it was modified
// after this transaction's snapshot bound.
func (t *Transaction) Get(ctx context.Context, class, id string, out interface{}) error {
	entry, err := t.get(ctx, class, id)
	if err != nil {
		return err
	}

	if !entry.exists {
		return &NotFoundError{Class: class, ID: id}
	}

	dst := reflect.ValueOf(out)

	if dst.Kind() != reflect.Ptr {
		return &InternalObjectMapperError{Cause: fmt.Errorf("Get: out must be a pointer")}
	}

	dst.Elem().Set(reflect.ValueOf(entry.obj).Elem())

	return nil
}
