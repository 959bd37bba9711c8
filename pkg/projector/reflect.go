package projector

import (
	"fmt"
	"reflect"
)

var errorType = reflect.TypeFor[error]()

// reflectStruct reads fields of a generated parser object. Generated code
// exposes seq fields as exported struct fields and instances as methods,
// both named by the PascalCase form of the schema id.
type reflectStruct struct {
	v reflect.Value
}

// Reflect wraps a pointer to a Go struct as a Struct.
func Reflect(obj any) (Struct, error) {
	rv := reflect.ValueOf(obj)
	if !rv.IsValid() || (rv.Kind() == reflect.Pointer && rv.IsNil()) {
		return nil, fmt.Errorf("%w: structure is nil", ErrAttributeMismatch)
	}
	if reflect.Indirect(rv).Kind() != reflect.Struct {
		return nil, fmt.Errorf("%w: %T is not a struct", ErrAttributeMismatch, obj)
	}
	return reflectStruct{v: rv}, nil
}

func (r reflectStruct) Field(id string) (any, error) {
	name := ToPascalCase(id)

	elem := reflect.Indirect(r.v)
	for _, candidate := range []string{name, id} {
		sf, ok := elem.Type().FieldByName(candidate)
		if ok && sf.IsExported() {
			return elem.FieldByIndex(sf.Index).Interface(), nil
		}
	}

	if m := r.method(name); m.IsValid() {
		return callAccessor(m, id)
	}
	return nil, NoField(id)
}

func (r reflectStruct) method(name string) reflect.Value {
	m := r.v.MethodByName(name)
	if !m.IsValid() && r.v.CanAddr() {
		m = r.v.Addr().MethodByName(name)
	}
	if !m.IsValid() || m.Type().NumIn() != 0 {
		return reflect.Value{}
	}
	return m
}

// callAccessor invokes a zero-argument accessor returning either (T) or
// (T, error).
func callAccessor(m reflect.Value, id string) (any, error) {
	mt := m.Type()
	switch {
	case mt.NumOut() == 1:
		return m.Call(nil)[0].Interface(), nil
	case mt.NumOut() == 2 && mt.Out(1).Implements(errorType):
		out := m.Call(nil)
		if errVal := out[1]; !errVal.IsNil() {
			return nil, fmt.Errorf("reading %q: %w", id, errVal.Interface().(error))
		}
		return out[0].Interface(), nil
	default:
		return nil, NoField(id)
	}
}
