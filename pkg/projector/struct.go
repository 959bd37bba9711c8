package projector

import (
	"fmt"
	"reflect"
)

// Struct is a parsed binary structure whose fields are read by the id the
// schema declares for them.
//
// Field returns an error wrapping ErrAttributeMismatch (see NoField) when the
// structure has no such field.
type Struct interface {
	Field(id string) (any, error)
}

// Fields is a Struct backed by a plain map.
type Fields map[string]any

func (f Fields) Field(id string) (any, error) {
	v, ok := f[id]
	if !ok {
		return nil, NoField(id)
	}
	return v, nil
}

// AsStruct adapts a handle to the Struct capability. Values already
// implementing Struct are returned unchanged, map[string]any becomes Fields
// and pointers to Go structs (generated parser types) are read by reflection.
func AsStruct(handle any) (Struct, error) {
	switch h := handle.(type) {
	case nil:
		return nil, fmt.Errorf("%w: structure is nil", ErrAttributeMismatch)
	case Struct:
		return h, nil
	case map[string]any:
		return Fields(h), nil
	}
	rv := reflect.ValueOf(handle)
	if rv.Kind() == reflect.Pointer && rv.IsNil() {
		return nil, fmt.Errorf("%w: structure %T is nil", ErrAttributeMismatch, handle)
	}
	if reflect.Indirect(rv).Kind() == reflect.Struct {
		return Reflect(handle)
	}
	return nil, fmt.Errorf("%w: value of type %T is not a structure", ErrAttributeMismatch, handle)
}
