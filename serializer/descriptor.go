// Package serializer converts typed objects to and from byte blobs and
// provides the small per-class capability interface (Descriptor) that lets
// the rest of the store read/write id and binding fields without runtime
// reflection scattered across call sites, per spec.md DESIGN NOTES §9.
// Multiple pluggable encodings are supported behind a single Serializer
// interface, in the style of the corpus's pluggable-codec packages
// (grounded on ValentinKolb-dKV's rpc/serializer).
package serializer

import "errors"

var (
	// ErrNoSuchField indicates ReadField/WriteField/IsCollectionField was
	// called with a field name the descriptor doesn't recognize.
	ErrNoSuchField = errors.New("serializer: no such field")
	// ErrNotAPointer indicates WriteField was called with a non-pointer
	// object, so the mutation could not be observed by the caller.
	ErrNotAPointer = errors.New("serializer: destination must be a pointer")
	// ErrWrongFieldType indicates a value passed to WriteField does not
	// match the field's declared shape (single reference vs reference
	// list).
	ErrWrongFieldType = errors.New("serializer: value has the wrong type for this field")
)

// Descriptor is the per-class capability object built once at
// registration time. It replaces ad hoc reflection with a fixed interface
// so record-style Go structs and protobuf-style messages can both serve as
// bound classes.
type Descriptor interface {
	// IDOf returns the id of obj, as declared by the class's id attribute.
	IDOf(obj interface{}) (string, error)
	// ReadField reads a bound field's current value: a string for a
	// single-reference field (empty string if unset), or a []string for a
	// reference-list field (nil/empty if unset).
	ReadField(obj interface{}, field string) (interface{}, error)
	// WriteField writes a bound field's new value using the same shapes as
	// ReadField. obj must be a pointer to the underlying object.
	WriteField(obj interface{}, field string, value interface{}) error
	// IsCollectionField reports whether field holds a reference list
	// (true) or a single reference (false).
	IsCollectionField(field string) bool
}

// Serializer converts an object of a registered class to and from its
// on-the-wire byte representation.
type Serializer interface {
	// Marshal encodes obj.
	Marshal(obj interface{}) ([]byte, error)
	// Unmarshal decodes data into out, which must be a pointer to the
	// class's Go type.
	Unmarshal(data []byte, out interface{}) error
}

// Pair binds together an object payload and its provenance sibling, since
// spec.md §3 requires every read/write to treat them as one logical unit.
type Pair struct {
	Object     []byte
	ObjectVer  int64
	Provenance []byte
	Prov       Provenance
	ProvVer    int64
	// ProvExists is false when the provenance sibling is missing (legacy
	// data); the transaction manager creates it instead of updating it in
	// that case, per spec.md §4.2's commit table.
	ProvExists bool
}
