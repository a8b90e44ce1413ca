package txn

import (
	"errors"
	"fmt"
)

// NotFoundError indicates a read of a non-existent object, per spec.md §7.
type NotFoundError struct {
	Class string
	ID    string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("txn: %s/%s: not found", e.Class, e.ID)
}

// ObjectExistsError indicates a create conflicted with an existing object.
type ObjectExistsError struct {
	Class string
	ID    string
}

func (e *ObjectExistsError) Error() string {
	return fmt.Sprintf("txn: %s/%s: object already exists", e.Class, e.ID)
}

// ObjectReferencedError indicates a delete was blocked by an ERROR binding.
type ObjectReferencedError struct {
	Class string
	ID    string
	Field string
}

func (e *ObjectReferencedError) Error() string {
	return fmt.Sprintf("txn: %s/%s: still referenced through field %q", e.Class, e.ID, e.Field)
}

// ReferenceConflictError indicates attempted reference stealing, or an
// inconsistent reference delta discovered while flattening the plan.
type ReferenceConflictError struct {
	Class  string
	ID     string
	Field  string
	Reason string
}

func (e *ReferenceConflictError) Error() string {
	return fmt.Sprintf("txn: %s/%s field %q: reference conflict: %s", e.Class, e.ID, e.Field, e.Reason)
}

// ConcurrentModificationError indicates a snapshot read or a CAS write
// observed a version newer than the transaction's snapshot bound.
type ConcurrentModificationError struct {
	Path string
}

func (e *ConcurrentModificationError) Error() string {
	return fmt.Sprintf("txn: concurrent modification at %s", e.Path)
}

// StorageNodeExistsError indicates a raw createNode conflicted with an
// existing path.
type StorageNodeExistsError struct {
	Path string
}

func (e *StorageNodeExistsError) Error() string {
	return fmt.Sprintf("txn: node already exists: %s", e.Path)
}

// StorageNodeNotFoundError indicates a raw updateNode/deleteNode targeted a
// path that does not exist.
type StorageNodeNotFoundError struct {
	Path string
}

func (e *StorageNodeNotFoundError) Error() string {
	return fmt.Sprintf("txn: no such node: %s", e.Path)
}

// ServiceUnavailableError indicates an operation was attempted before
// build() or after shutdown.
type ServiceUnavailableError struct {
	Reason string
}

func (e *ServiceUnavailableError) Error() string {
	return fmt.Sprintf("txn: service unavailable: %s", e.Reason)
}

// StorageFailureError wraps a lock-acquisition timeout or unclassified
// transient backend fault.
type StorageFailureError struct {
	Reason string
	Cause  error
}

func (e *StorageFailureError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("txn: storage failure: %s: %s", e.Reason, e.Cause)
	}

	return fmt.Sprintf("txn: storage failure: %s", e.Reason)
}

func (e *StorageFailureError) Unwrap() error { return e.Cause }

// InternalObjectMapperError wraps every unexpected failure the store cannot
// classify into one of the errors above.
type InternalObjectMapperError struct {
	Cause error
}

func (e *InternalObjectMapperError) Error() string {
	return fmt.Sprintf("txn: internal object mapper failure: %s", e.Cause)
}

func (e *InternalObjectMapperError) Unwrap() error { return e.Cause }

// ValidationFailedError indicates a registered CEL validator rejected an
// update. Propagates like ReferenceConflictError (not retried).
type ValidationFailedError struct {
	Class  string
	ID     string
	Reason string
}

func (e *ValidationFailedError) Error() string {
	return fmt.Sprintf("txn: %s/%s: validation failed: %s", e.Class, e.ID, e.Reason)
}

// IsConcurrentModification reports whether err, anywhere in its cause
// chain, is a ConcurrentModificationError. tryTransaction's retry loop uses
// this instead of a single errors.Is check because commit failures are
// frequently wrapped by intermediate layers.
func IsConcurrentModification(err error) bool {
	var cm *ConcurrentModificationError

	return errors.As(err, &cm)
}
