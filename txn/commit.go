package txn

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/jrife/zoom/backend"
	"github.com/jrife/zoom/zoomlog"
)

// Commit flattens and submits this transaction's planned mutations as a
// single atomic backend.Multi call, mapping a partial failure back to the
// surface error spec.md §4.2's commit table names. Commit always releases
// the transaction's snapshot marker, whether or not it succeeds.
func (t *Transaction) Commit(ctx context.Context) error {
	defer t.release(ctx)

	if t.done {
		return &ServiceUnavailableError{Reason: "transaction already closed"}
	}

	t.done = true

	ops, meta, err := t.plan()
	if err != nil {
		return err
	}

	if len(ops) == 0 {
		return nil
	}

	if err := t.manager.backend.Multi(ctx, ops); err != nil {
		return t.translateCommitError(err, meta)
	}

	return nil
}

// Close discards this transaction without committing, per spec.md §5's
// cancellation semantics. It is safe to call after Commit.
func (t *Transaction) Close(ctx context.Context) {
	if t.done {
		return
	}

	t.done = true
	t.release(ctx)
}

// release deletes the transaction's ephemeral snapshot marker. Failure is
// logged, not raised, since the node is ephemeral and self-clears on
// session loss (spec.md §4.2 "Scoped release").
func (t *Transaction) release(ctx context.Context) {
	if err := t.manager.backend.Delete(ctx, t.markerPath, t.z); err != nil {
		t.manager.log(ctx).Info("failed to release transaction marker",
			zoomlog.Path(t.markerPath), zap.String("owner", t.owner), zap.Error(err))
	}
}

// translateCommitError maps a *backend.MultiError's failing index back to
// the surface error named by spec.md §4.2's commit table.
func (t *Transaction) translateCommitError(err error, meta []opMeta) error {
	var multiErr *backend.MultiError

	if !errors.As(err, &multiErr) {
		return &InternalObjectMapperError{Cause: err}
	}

	if multiErr.Index < 0 || multiErr.Index >= len(meta) {
		return &InternalObjectMapperError{Cause: err}
	}

	m := meta[multiErr.Index]

	switch {
	case errors.Is(multiErr.Err, backend.ErrNodeExists) && m.isModelCreate:
		return &ObjectExistsError{Class: m.class, ID: m.id}
	case errors.Is(multiErr.Err, backend.ErrNodeExists) && m.isRawCreate:
		return &StorageNodeExistsError{Path: m.path}
	case errors.Is(multiErr.Err, backend.ErrNoNode) && m.isRawNode && !m.isRawCreate:
		return &StorageNodeNotFoundError{Path: m.path}
	case errors.Is(multiErr.Err, backend.ErrNoNode):
		return &ConcurrentModificationError{Path: m.path}
	case errors.Is(multiErr.Err, backend.ErrBadVersion):
		return &ConcurrentModificationError{Path: m.path}
	case errors.Is(multiErr.Err, backend.ErrNotEmpty) && m.isRawNode:
		return &ConcurrentModificationError{Path: m.path}
	default:
		return &InternalObjectMapperError{Cause: multiErr}
	}
}
