package serializer

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strings"
)

// StructTag is the struct tag key this package's reflective descriptor
// scans: `zoom:"id"`, `zoom:"ref"`, or `zoom:"reflist"`.
const StructTag = "zoom"

// FieldKind classifies a tagged struct field.
type FieldKind int

const (
	FieldKindID FieldKind = iota
	FieldKindRef
	FieldKindRefList
)

type reflectField struct {
	name string // struct field name, used as the binding field name
	kind FieldKind
}

// ReflectDescriptor is a Descriptor for plain Go structs whose id and
// bound fields are marked with `zoom:"..."` struct tags. It is built once,
// at registration, by scanning the struct type with reflect - the
// reflection cost is paid once per class rather than on every field
// access, per spec.md DESIGN NOTES §9.
type ReflectDescriptor struct {
	typ    reflect.Type // the struct type (not pointer)
	idName string
	fields map[string]reflectField
}

// NewReflectDescriptor builds a ReflectDescriptor for sample, which must be
// a struct or a pointer to one. It returns an error if no field is tagged
// `zoom:"id"`.
func NewReflectDescriptor(sample interface{}) (*ReflectDescriptor, error) {
	typ := reflect.TypeOf(sample)

	for typ.Kind() == reflect.Ptr {
		typ = typ.Elem()
	}

	if typ.Kind() != reflect.Struct {
		return nil, fmt.Errorf("serializer: %s is not a struct", typ)
	}

	d := &ReflectDescriptor{typ: typ, fields: map[string]reflectField{}}

	for i := 0; i < typ.NumField(); i++ {
		f := typ.Field(i)
		tag, ok := f.Tag.Lookup(StructTag)

		if !ok {
			continue
		}

		switch {
		case tag == "id":
			if d.idName != "" {
				return nil, fmt.Errorf("serializer: %s declares more than one id field", typ)
			}

			if f.Type.Kind() != reflect.String {
				return nil, fmt.Errorf("serializer: %s.%s: id field must be a string", typ, f.Name)
			}

			d.idName = f.Name
		case tag == "ref":
			if f.Type.Kind() != reflect.String {
				return nil, fmt.Errorf("serializer: %s.%s: ref field must be a string", typ, f.Name)
			}

			d.fields[f.Name] = reflectField{name: f.Name, kind: FieldKindRef}
		case tag == "reflist":
			if f.Type.Kind() != reflect.Slice || f.Type.Elem().Kind() != reflect.String {
				return nil, fmt.Errorf("serializer: %s.%s: reflist field must be []string", typ, f.Name)
			}

			d.fields[f.Name] = reflectField{name: f.Name, kind: FieldKindRefList}
		default:
			return nil, fmt.Errorf("serializer: %s.%s: unrecognized zoom tag %q", typ, f.Name, tag)
		}
	}

	if d.idName == "" {
		return nil, fmt.Errorf("serializer: %s has no field tagged zoom:\"id\"", typ)
	}

	return d, nil
}

func indirect(obj interface{}) reflect.Value {
	v := reflect.ValueOf(obj)

	for v.Kind() == reflect.Ptr {
		v = v.Elem()
	}

	return v
}

// IDOf implements Descriptor.
func (d *ReflectDescriptor) IDOf(obj interface{}) (string, error) {
	v := indirect(obj)

	return v.FieldByName(d.idName).String(), nil
}

// ReadField implements Descriptor.
func (d *ReflectDescriptor) ReadField(obj interface{}, field string) (interface{}, error) {
	fd, ok := d.fields[field]

	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoSuchField, field)
	}

	v := indirect(obj).FieldByName(fd.name)

	if fd.kind == FieldKindRef {
		return v.String(), nil
	}

	out := make([]string, v.Len())

	for i := 0; i < v.Len(); i++ {
		out[i] = v.Index(i).String()
	}

	return out, nil
}

// WriteField implements Descriptor.
func (d *ReflectDescriptor) WriteField(obj interface{}, field string, value interface{}) error {
	fd, ok := d.fields[field]

	if !ok {
		return fmt.Errorf("%w: %s", ErrNoSuchField, field)
	}

	rv := reflect.ValueOf(obj)

	if rv.Kind() != reflect.Ptr {
		return ErrNotAPointer
	}

	fv := rv.Elem().FieldByName(fd.name)

	switch fd.kind {
	case FieldKindRef:
		s, ok := value.(string)

		if !ok {
			return ErrWrongFieldType
		}

		fv.SetString(s)
	case FieldKindRefList:
		s, ok := value.([]string)

		if !ok {
			return ErrWrongFieldType
		}

		fv.Set(reflect.ValueOf(append([]string(nil), s...)))
	}

	return nil
}

// IsCollectionField implements Descriptor.
func (d *ReflectDescriptor) IsCollectionField(field string) bool {
	return d.fields[field].kind == FieldKindRefList
}

// ClassName returns the simple (unqualified) name of the described struct
// type, used as the default class name at registration.
func (d *ReflectDescriptor) ClassName() string {
	name := d.typ.String()

	if idx := strings.LastIndex(name, "."); idx >= 0 {
		return name[idx+1:]
	}

	return name
}

// JSONSerializer implements Serializer using encoding/json, for
// record-style classes described by ReflectDescriptor. Grounded on
// ValentinKolb-dKV's rpc/serializer.jsonSerializerImpl.
type JSONSerializer struct{}

// NewJSONSerializer returns a JSON-encoding Serializer.
func NewJSONSerializer() *JSONSerializer { return &JSONSerializer{} }

// Marshal implements Serializer.
func (s *JSONSerializer) Marshal(obj interface{}) ([]byte, error) {
	return json.Marshal(obj)
}

// Unmarshal implements Serializer.
func (s *JSONSerializer) Unmarshal(data []byte, out interface{}) error {
	return json.Unmarshal(data, out)
}
