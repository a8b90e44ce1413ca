package serializer

import (
	"fmt"

	"github.com/golang/protobuf/proto"
)

// ProtoFieldSpec describes how to read and write one bound field of a
// protobuf-message class. Since this module has no generated getters for
// arbitrary registered messages, registration supplies the accessor
// closures directly; a real deployment plugs in a class's generated
// GetFoo()/SetFoo() methods here.
type ProtoFieldSpec struct {
	// Get returns a string (single reference) or []string (reference
	// list), matching Collection.
	Get func(msg proto.Message) interface{}
	// Set assigns a new value of the same shape Get returns.
	Set func(msg proto.Message, value interface{})
	// Collection is true if this field holds a reference list.
	Collection bool
}

// ProtoDescriptor is a Descriptor for classes whose instances are
// protobuf messages, per spec.md DESIGN NOTES §9 ("Implementations for
// record-style objects and for protobuf-style messages plug in
// separately").
type ProtoDescriptor struct {
	idOf   func(proto.Message) string
	fields map[string]ProtoFieldSpec
}

// NewProtoDescriptor builds a ProtoDescriptor from an id accessor and a
// map of bound field name to ProtoFieldSpec.
func NewProtoDescriptor(idOf func(proto.Message) string, fields map[string]ProtoFieldSpec) *ProtoDescriptor {
	return &ProtoDescriptor{idOf: idOf, fields: fields}
}

func asMessage(obj interface{}) (proto.Message, error) {
	msg, ok := obj.(proto.Message)

	if !ok {
		return nil, fmt.Errorf("serializer: %T does not implement proto.Message", obj)
	}

	return msg, nil
}

// IDOf implements Descriptor.
func (d *ProtoDescriptor) IDOf(obj interface{}) (string, error) {
	msg, err := asMessage(obj)

	if err != nil {
		return "", err
	}

	return d.idOf(msg), nil
}

// ReadField implements Descriptor.
func (d *ProtoDescriptor) ReadField(obj interface{}, field string) (interface{}, error) {
	spec, ok := d.fields[field]

	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoSuchField, field)
	}

	msg, err := asMessage(obj)

	if err != nil {
		return nil, err
	}

	return spec.Get(msg), nil
}

// WriteField implements Descriptor.
func (d *ProtoDescriptor) WriteField(obj interface{}, field string, value interface{}) error {
	spec, ok := d.fields[field]

	if !ok {
		return fmt.Errorf("%w: %s", ErrNoSuchField, field)
	}

	msg, err := asMessage(obj)

	if err != nil {
		return err
	}

	if spec.Collection {
		if _, ok := value.([]string); !ok {
			return ErrWrongFieldType
		}
	} else if _, ok := value.(string); !ok {
		return ErrWrongFieldType
	}

	spec.Set(msg, value)

	return nil
}

// IsCollectionField implements Descriptor.
func (d *ProtoDescriptor) IsCollectionField(field string) bool {
	return d.fields[field].Collection
}

// ProtoSerializer implements Serializer using golang/protobuf's wire
// format, for classes described by ProtoDescriptor.
type ProtoSerializer struct{}

// NewProtoSerializer returns a protobuf-encoding Serializer.
func NewProtoSerializer() *ProtoSerializer { return &ProtoSerializer{} }

// Marshal implements Serializer.
func (s *ProtoSerializer) Marshal(obj interface{}) ([]byte, error) {
	msg, err := asMessage(obj)

	if err != nil {
		return nil, err
	}

	return proto.Marshal(msg)
}

// Unmarshal implements Serializer.
func (s *ProtoSerializer) Unmarshal(data []byte, out interface{}) error {
	msg, err := asMessage(out)

	if err != nil {
		return err
	}

	return proto.Unmarshal(data, msg)
}
