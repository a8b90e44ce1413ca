package txn

import (
	"context"
	"fmt"

	"github.com/jrife/zoom/backend"
	"github.com/jrife/zoom/registry"
	"github.com/jrife/zoom/serializer"
)

// fieldIDs normalizes a Descriptor.ReadField result (a string for a single
// reference, a []string for a reference list) to a slice.
func fieldIDs(value interface{}) []string {
	switch v := value.(type) {
	case string:
		if v == "" {
			return nil
		}

		return []string{v}
	case []string:
		return v
	default:
		return nil
	}
}

// containsID reports whether ids contains id.
func containsID(ids []string, id string) bool {
	for _, x := range ids {
		if x == id {
			return true
		}
	}

	return false
}

// removeID returns ids with id removed, if present.
func removeID(ids []string, id string) []string {
	out := make([]string, 0, len(ids))

	for _, x := range ids {
		if x != id {
			out = append(out, x)
		}
	}

	return out
}

// markPlanned records key's final decided state, overwriting any prior
// planned entry for the same key. This is where flattening happens: a
// second inverse update to the same peer during the same transaction
// simply replaces the earlier plannedObject rather than appending a
// second op, per spec.md §4.2.
func (t *Transaction) markPlanned(key objKey, kind opKind, obj interface{}, changeKind serializer.ChangeKind) {
	t.planned[key] = &plannedObject{kind: kind, class: key.class, id: key.id, obj: obj, changeKind: changeKind}
}

// setPeerField writes newValue into a peer's bound field in place (the
// cached object is a pointer, so this mutation is visible to any later
// read within the transaction), and marks that peer planned for an
// inverse-updated write unless it is already planned for something
// stronger (create/update/delete keep their own changeKind).
func (t *Transaction) setPeerField(peerKey objKey, ci *registry.ClassInfo, field string, newValue interface{}) error {
	entry := t.objects[peerKey]

	if err := ci.Descriptor.WriteField(entry.obj, field, newValue); err != nil {
		return &InternalObjectMapperError{Cause: fmt.Errorf("writing inverse field %s.%s: %w", peerKey.class, field, err)}
	}

	if existing, ok := t.planned[peerKey]; ok {
		existing.obj = entry.obj
		return nil
	}

	t.markPlanned(peerKey, opUpdate, entry.obj, serializer.ChangeKindInverseUpdated)

	return nil
}

// applySideDelta reconciles one bound side of obj's snapshot value against
// its new value, scheduling inverse updates on affected peers. old may be
// the zero value (nil interface) when called from create(), meaning "no
// prior references to remove."
func (t *Transaction) applySideDelta(ctx context.Context, class, id string, side *registry.Side, oldValue, newValue interface{}) error {
	oldIDs := fieldIDs(oldValue)
	newIDs := fieldIDs(newValue)

	// Clear stale references first, so a legitimate move of a
	// single-reference field (old peer cleared, then new peer set) never
	// looks like reference stealing to the code below.
	for _, peerID := range oldIDs {
		if containsID(newIDs, peerID) {
			continue
		}

		peerKey := objKey{side.PeerClass(), peerID}

		peerCI, ok := t.manager.registry.Class(side.PeerClass())
		if !ok {
			return &InternalObjectMapperError{Cause: fmt.Errorf("unregistered peer class %q", side.PeerClass())}
		}

		if _, err := t.get(ctx, side.PeerClass(), peerID); err != nil {
			return err
		}

		peer := t.objects[peerKey]

		if !peer.exists {
			continue
		}

		cur := fieldIDs(mustRead(peerCI.Descriptor, peer.obj, side.PeerField()))

		var next interface{}
		if side.Peer().IsCollection() {
			next = removeID(cur, id)
		} else {
			next = ""
		}

		if err := t.setPeerField(peerKey, peerCI, side.PeerField(), next); err != nil {
			return err
		}
	}

	for _, peerID := range newIDs {
		if containsID(oldIDs, peerID) {
			continue
		}

		peerKey := objKey{side.PeerClass(), peerID}
		peerCI, ok := t.manager.registry.Class(side.PeerClass())

		if !ok {
			return &InternalObjectMapperError{Cause: fmt.Errorf("unregistered peer class %q", side.PeerClass())}
		}

		peer, err := t.get(ctx, side.PeerClass(), peerID)
		if err != nil {
			return err
		}

		if !peer.exists {
			return &ReferenceConflictError{Class: class, ID: id, Field: side.Field(), Reason: fmt.Sprintf("referenced %s/%s does not exist", side.PeerClass(), peerID)}
		}

		cur := fieldIDs(mustRead(peerCI.Descriptor, peer.obj, side.PeerField()))

		if side.Peer().IsCollection() {
			if containsID(cur, id) {
				continue
			}

			if err := t.setPeerField(peerKey, peerCI, side.PeerField(), append(append([]string{}, cur...), id)); err != nil {
				return err
			}
		} else {
			if len(cur) > 0 && cur[0] != id {
				return &ReferenceConflictError{Class: side.PeerClass(), ID: peerID, Field: side.PeerField(), Reason: fmt.Sprintf("already references %s/%s, cannot be stolen by %s/%s", side.PeerClass(), cur[0], class, id)}
			}

			if err := t.setPeerField(peerKey, peerCI, side.PeerField(), id); err != nil {
				return err
			}
		}
	}

	return nil
}

// mustRead reads field from obj, treating a descriptor error as "no
// value" since every field this package reads has already been validated
// to exist at Build() time.
func mustRead(d serializer.Descriptor, obj interface{}, field string) interface{} {
	v, err := d.ReadField(obj, field)

	if err != nil {
		return nil
	}

	return v
}

// Create schedules obj's creation, per spec.md §4.2. obj must be a pointer
// to a registered class's Go type (or, for a proto-descriptor class, a
// proto.Message).
func (t *Transaction) Create(ctx context.Context, obj interface{}) error {
	class, ci, err := t.classOf(obj)
	if err != nil {
		return err
	}

	id, err := ci.Descriptor.IDOf(obj)
	if err != nil {
		return &InternalObjectMapperError{Cause: err}
	}

	key := objKey{class, id}

	if p, ok := t.planned[key]; ok && p.kind == opDelete {
		return &ReferenceConflictError{Class: class, ID: id, Reason: "create after delete of the same id in the same transaction"}
	}

	entry, err := t.get(ctx, class, id)
	if err != nil {
		return err
	}

	if entry.exists {
		return &ObjectExistsError{Class: class, ID: id}
	}

	entry.exists = true
	entry.obj = obj
	t.objects[key] = entry

	for _, side := range ci.Sides() {
		newValue, err := ci.Descriptor.ReadField(obj, side.Field())
		if err != nil {
			return &InternalObjectMapperError{Cause: err}
		}

		if err := t.applySideDelta(ctx, class, id, side, nil, newValue); err != nil {
			return err
		}
	}

	t.markPlanned(key, opCreate, obj, serializer.ChangeKindCreated)

	return nil
}

// Validator inspects the old and new value of an object being updated and
// returns false to reject the update, per SPEC_FULL.md §4.2's CEL-backed
// generalization of spec.md's optional validator argument.
type Validator func(old, new interface{}) (bool, string)

// Update schedules obj's update against the transaction's cached snapshot,
// per spec.md §4.2. validator may be nil.
func (t *Transaction) Update(ctx context.Context, obj interface{}, validator Validator) error {
	class, ci, err := t.classOf(obj)
	if err != nil {
		return err
	}

	id, err := ci.Descriptor.IDOf(obj)
	if err != nil {
		return &InternalObjectMapperError{Cause: err}
	}

	key := objKey{class, id}

	entry, err := t.get(ctx, class, id)
	if err != nil {
		return err
	}

	if !entry.exists {
		return &NotFoundError{Class: class, ID: id}
	}

	if validator != nil {
		if ok, reason := validator(entry.obj, obj); !ok {
			return &ValidationFailedError{Class: class, ID: id, Reason: reason}
		}
	}

	old := entry.obj

	for _, side := range ci.Sides() {
		oldValue, err := ci.Descriptor.ReadField(old, side.Field())
		if err != nil {
			return &InternalObjectMapperError{Cause: err}
		}

		newValue, err := ci.Descriptor.ReadField(obj, side.Field())
		if err != nil {
			return &InternalObjectMapperError{Cause: err}
		}

		if err := t.applySideDelta(ctx, class, id, side, oldValue, newValue); err != nil {
			return err
		}
	}

	entry.obj = obj
	t.objects[key] = entry

	if existing, ok := t.planned[key]; ok && existing.kind == opCreate {
		t.markPlanned(key, opCreate, obj, serializer.ChangeKindCreated)
		return nil
	}

	t.markPlanned(key, opUpdate, obj, serializer.ChangeKindUpdated)

	return nil
}

// Delete schedules class/id's deletion, cascading or clearing bound peers
// according to each field's on-delete action, per spec.md §4.2.
func (t *Transaction) Delete(ctx context.Context, class, id string) error {
	key := objKey{class, id}

	if t.visited[key] {
		return nil
	}

	t.visited[key] = true

	ci, ok := t.manager.registry.Class(class)
	if !ok {
		return &InternalObjectMapperError{Cause: fmt.Errorf("unregistered class %q", class)}
	}

	if p, ok := t.planned[key]; ok && p.kind == opCreate {
		// The create being cancelled already ran applySideDelta against
		// each side, writing this id into peers' bound fields. Reverse
		// those writes before dropping the planned entry, or a peer
		// created earlier in the same transaction keeps a dangling
		// reference to an id that never actually exists.
		for _, side := range ci.Sides() {
			value, err := ci.Descriptor.ReadField(p.obj, side.Field())
			if err != nil {
				return &InternalObjectMapperError{Cause: err}
			}

			if err := t.applySideDelta(ctx, class, id, side, value, nil); err != nil {
				return err
			}
		}

		delete(t.planned, key)

		if entry, ok := t.objects[key]; ok {
			entry.exists = false
		}

		return nil
	}

	entry, err := t.get(ctx, class, id)
	if err != nil {
		return err
	}

	if !entry.exists {
		return &NotFoundError{Class: class, ID: id}
	}

	for _, side := range ci.Sides() {
		value, err := ci.Descriptor.ReadField(entry.obj, side.Field())
		if err != nil {
			return &InternalObjectMapperError{Cause: err}
		}

		ids := fieldIDs(value)

		if len(ids) == 0 {
			continue
		}

		switch side.OnDelete() {
		case registry.OnDeleteError:
			return &ObjectReferencedError{Class: class, ID: id, Field: side.Field()}
		case registry.OnDeleteClear:
			if err := t.applySideDelta(ctx, class, id, side, value, nil); err != nil {
				return err
			}
		case registry.OnDeleteCascade:
			for _, peerID := range ids {
				if err := t.Delete(ctx, side.PeerClass(), peerID); err != nil {
					return err
				}
			}
		}
	}

	entry.exists = false
	t.objects[key] = entry

	delete(t.planned, key)
	t.markPlanned(key, opDelete, nil, 0)

	return nil
}

// CreateNode schedules a raw node creation as part of this transaction's
// atomic commit, per spec.md §4.2's raw-node escape hatch.
func (t *Transaction) CreateNode(path string, data []byte) {
	t.rawOps[path] = &rawOp{kind: backend.OpKindCreate, path: path, data: data}
}

// UpdateNode schedules a raw node data overwrite under CAS.
func (t *Transaction) UpdateNode(path string, data []byte, expectedVersion int64) {
	t.rawOps[path] = &rawOp{kind: backend.OpKindSetData, path: path, data: data, expectedVersion: expectedVersion}
}

// DeleteNode schedules a raw node deletion under CAS.
func (t *Transaction) DeleteNode(path string, expectedVersion int64) {
	t.rawOps[path] = &rawOp{kind: backend.OpKindDelete, path: path, expectedVersion: expectedVersion}
}
