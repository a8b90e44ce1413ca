package txn

import (
	"fmt"

	"github.com/jrife/zoom/backend"
	"github.com/jrife/zoom/serializer"
)

// opMeta records, alongside each backend.Op this transaction submits,
// enough context to translate a *backend.MultiError back into the surface
// error spec.md §4.2's commit table names.
type opMeta struct {
	class         string
	id            string
	path          string
	isModelCreate bool
	isRawCreate   bool
	isRawNode     bool
}

// plan flattens the transaction's planned object map and raw ops into an
// ordered list of backend.Op, per spec.md §4.2's "Flattening"/"Commit"
// steps. NodeExists sentinels from create-then-clobber races are avoided
// by construction: markPlanned always overwrites the prior entry for a
// key, so there is at most one op per object here.
func (t *Transaction) plan() ([]backend.Op, []opMeta, error) {
	var ops []backend.Op
	var meta []opMeta

	for key, p := range t.planned {
		ci, ok := t.manager.registry.Class(key.class)

		if !ok {
			return nil, nil, &InternalObjectMapperError{Cause: fmt.Errorf("unregistered class %q", key.class)}
		}

		modelPath := t.manager.paths.ModelPath(key.class, key.id)
		objectPath := t.manager.paths.ObjectPath(key.class, key.id)
		entry := t.objects[key]

		switch p.kind {
		case opCreate:
			data, err := ci.Serializer.Marshal(p.obj)
			if err != nil {
				return nil, nil, &InternalObjectMapperError{Cause: err}
			}

			ops = append(ops, backend.CreateOp(modelPath, data))
			meta = append(meta, opMeta{class: key.class, id: key.id, path: modelPath, isModelCreate: true})

			provOp, err := t.provenanceOp(objectPath, entry, p.changeKind, 1)
			if err != nil {
				return nil, nil, err
			}

			if provOp != nil {
				ops = append(ops, *provOp)
				meta = append(meta, opMeta{class: key.class, id: key.id, path: objectPath})
			}
		case opUpdate:
			data, err := ci.Serializer.Marshal(p.obj)
			if err != nil {
				return nil, nil, &InternalObjectMapperError{Cause: err}
			}

			ops = append(ops, backend.SetDataOp(modelPath, data, entry.objVer))
			meta = append(meta, opMeta{class: key.class, id: key.id, path: modelPath})

			provOp, err := t.provenanceOp(objectPath, entry, p.changeKind, entry.prov.Version+1)
			if err != nil {
				return nil, nil, err
			}

			if provOp != nil {
				ops = append(ops, *provOp)
				meta = append(meta, opMeta{class: key.class, id: key.id, path: objectPath})
			}
		case opDelete:
			ops = append(ops, backend.DeleteOp(modelPath, entry.objVer))
			meta = append(meta, opMeta{class: key.class, id: key.id, path: modelPath})

			if entry.provExists {
				ops = append(ops, backend.DeleteOp(objectPath, entry.provVer))
				meta = append(meta, opMeta{class: key.class, id: key.id, path: objectPath})
			}
		}
	}

	for _, r := range t.rawOps {
		switch r.kind {
		case backend.OpKindCreate:
			ops = append(ops, backend.CreateOp(r.path, r.data))
			meta = append(meta, opMeta{path: r.path, isRawCreate: true, isRawNode: true})
		case backend.OpKindSetData:
			ops = append(ops, backend.SetDataOp(r.path, r.data, r.expectedVersion))
			meta = append(meta, opMeta{path: r.path, isRawNode: true})
		case backend.OpKindDelete:
			ops = append(ops, backend.DeleteOp(r.path, r.expectedVersion))
			meta = append(meta, opMeta{path: r.path, isRawNode: true})
		}
	}

	return ops, meta, nil
}

// provenanceOp builds the op that writes entry's new provenance record, or
// nil if the canonically-encoded record would not change (spec.md §6's
// "skip write if unchanged" optimization, safe because Provenance's wire
// encoding is deterministic — see serializer.MarshalProvenance).
func (t *Transaction) provenanceOp(objectPath string, entry *cacheEntry, changeKind serializer.ChangeKind, version int64) (*backend.Op, error) {
	candidate := serializer.Provenance{Owner: t.owner, ChangeKind: changeKind, Version: version}

	data, err := serializer.MarshalProvenance(candidate)
	if err != nil {
		return nil, &InternalObjectMapperError{Cause: err}
	}

	if entry.provExists && string(entry.provData) == string(data) {
		return nil, nil
	}

	var op backend.Op

	if entry.provExists {
		op = backend.SetDataOp(objectPath, data, entry.provVer)
	} else {
		op = backend.CreateOp(objectPath, data)
	}

	return &op, nil
}
