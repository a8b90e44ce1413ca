package serializer

import (
	"fmt"

	"github.com/golang/protobuf/proto"
)

// ChangeKind classifies why a provenance record was last written.
type ChangeKind int32

const (
	// ChangeKindCreated marks the record written by create().
	ChangeKindCreated ChangeKind = 0
	// ChangeKindUpdated marks a direct update() by the object's owner.
	ChangeKindUpdated ChangeKind = 1
	// ChangeKindInverseUpdated marks a rewrite performed by binding
	// propagation (a peer's create/update/delete touched this object's
	// bound field), per SPEC_FULL.md §3.
	ChangeKindInverseUpdated ChangeKind = 2
)

func (k ChangeKind) String() string {
	switch k {
	case ChangeKindCreated:
		return "created"
	case ChangeKindUpdated:
		return "updated"
	case ChangeKindInverseUpdated:
		return "inverse_updated"
	default:
		return fmt.Sprintf("unknown(%d)", int32(k))
	}
}

// Provenance is the compact sibling record kept alongside every object
// payload: who wrote it, why, and the writer-observed version at write
// time (spec.md §3, §6). It is a hand-written protobuf message rather than
// one produced by protoc - the module has no code generation step - but it
// follows the shape protoc-gen-go emits (struct tags plus the three-method
// Message interface) so github.com/golang/protobuf/proto can marshal it.
// Every field is scalar and non-repeated, which makes the wire encoding
// deterministic field-by-field; this resolves spec.md §9's canonical
// serialization open question (see DESIGN.md and provenance_test.go).
type Provenance struct {
	Owner      string     `protobuf:"bytes,1,opt,name=owner,proto3" json:"owner,omitempty"`
	ChangeKind ChangeKind `protobuf:"varint,2,opt,name=change_kind,json=changeKind,proto3,enum=zoom.ChangeKind" json:"change_kind,omitempty"`
	Version    int64      `protobuf:"varint,3,opt,name=version,proto3" json:"version,omitempty"`
}

// Reset implements proto.Message.
func (m *Provenance) Reset() { *m = Provenance{} }

// String implements proto.Message.
func (m *Provenance) String() string { return fmt.Sprintf("%+v", *m) }

// ProtoMessage implements proto.Message.
func (*Provenance) ProtoMessage() {}

// MarshalProvenance encodes p canonically.
func MarshalProvenance(p Provenance) ([]byte, error) {
	return proto.Marshal(&p)
}

// UnmarshalProvenance decodes data into a Provenance.
func UnmarshalProvenance(data []byte) (Provenance, error) {
	var p Provenance

	if err := proto.Unmarshal(data, &p); err != nil {
		return Provenance{}, err
	}

	return p, nil
}
