package store

import (
	"context"

	"github.com/jrife/zoom/txn"
	"github.com/jrife/zoom/validate"
)

// Op is a single mutation applied by Multi, per spec.md §4.3 ("multi(ops)
// — opens a transaction with owner None, applies the ordered list of ops,
// commits, closes").
type Op interface {
	apply(ctx context.Context, tx *txn.Transaction) error
}

type createOp struct{ obj interface{} }

func (o createOp) apply(ctx context.Context, tx *txn.Transaction) error {
	return tx.Create(ctx, o.obj)
}

// CreateOp builds an Op that creates obj.
func CreateOp(obj interface{}) Op { return createOp{obj: obj} }

type updateOp struct {
	obj       interface{}
	validator txn.Validator
}

func (o updateOp) apply(ctx context.Context, tx *txn.Transaction) error {
	return tx.Update(ctx, o.obj, o.validator)
}

// UpdateOp builds an Op that updates obj, optionally rejected by
// validator (which may be nil).
func UpdateOp(obj interface{}, validator txn.Validator) Op {
	return updateOp{obj: obj, validator: validator}
}

type deleteOp struct{ class, id string }

func (o deleteOp) apply(ctx context.Context, tx *txn.Transaction) error {
	return tx.Delete(ctx, o.class, o.id)
}

// DeleteOp builds an Op that deletes (class, id).
func DeleteOp(class, id string) Op { return deleteOp{class: class, id: id} }

// ValidatedUpdateOp builds an Op that updates obj, rejecting it unless v's
// compiled CEL predicate accepts the transition from the object's current
// value to obj.
func ValidatedUpdateOp(obj interface{}, v *validate.Validator) Op {
	return updateOp{obj: obj, validator: v.AsTxnValidator()}
}
