package provider

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"reflect"

	"github.com/kaitai-io/kaitai_struct_go_runtime/kaitai"
	"github.com/mandelsoft/vfs/pkg/vfs"

	"github.com/twinfer/kaitai-json/pkg/projector"
)

var (
	streamType = reflect.TypeFor[*kaitai.Stream]()
	errorType  = reflect.TypeFor[error]()
)

// Factory returns a new, unread generated parser object, the way a
// generated New<Type> constructor does.
type Factory func() any

// Generated parses with generated Go parsers obtained from lookup.
type Generated struct {
	lookup func(typeName string) (Factory, error)
	fs     vfs.FileSystem
	logger *slog.Logger
}

// Parse reads binaryPath and parses it as typeName.
func (g *Generated) Parse(ctx context.Context, binaryPath, typeName string) (projector.Struct, error) {
	data, err := readBinary(g.fs, binaryPath)
	if err != nil {
		return nil, err
	}
	return g.ParseBytes(ctx, data, typeName)
}

// ParseBytes parses data as typeName.
func (g *Generated) ParseBytes(ctx context.Context, data []byte, typeName string) (projector.Struct, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	factory, err := g.lookup(typeName)
	if err != nil {
		return nil, err
	}
	obj := factory()
	g.logger.DebugContext(ctx, "Reading with generated parser", "type_name", typeName, "go_type", fmt.Sprintf("%T", obj))
	if err := ReadGenerated(obj, data); err != nil {
		return nil, fmt.Errorf("parsing %s with generated parser: %w", typeName, err)
	}
	return projector.Reflect(obj)
}

// ReadGenerated fills obj, a pointer returned by a generated constructor,
// by calling its Read(io, parent, root) method with obj as its own root.
func ReadGenerated(obj any, data []byte) error {
	rv := reflect.ValueOf(obj)
	if !rv.IsValid() || rv.Kind() != reflect.Pointer || rv.IsNil() {
		return fmt.Errorf("generated parser object must be a non-nil pointer, got %T", obj)
	}
	read := rv.MethodByName("Read")
	if !read.IsValid() {
		return fmt.Errorf("%T has no Read method", obj)
	}
	mt := read.Type()
	if mt.NumIn() != 3 || mt.In(0) != streamType || mt.NumOut() != 1 || !mt.Out(0).Implements(errorType) {
		return fmt.Errorf("%T.Read has signature %s, want func(*kaitai.Stream, parent, root) error", obj, mt)
	}

	root := reflect.Zero(mt.In(2))
	if rv.Type().AssignableTo(mt.In(2)) {
		root = rv
	}
	stream := kaitai.NewStream(bytes.NewReader(data))
	out := read.Call([]reflect.Value{reflect.ValueOf(stream), reflect.Zero(mt.In(1)), root})
	if errVal := out[0]; !errVal.IsNil() {
		return errVal.Interface().(error)
	}
	return nil
}

// factoryOf adapts a constructor symbol, a func() *T or a pointer to such
// a func variable, to a Factory.
func factoryOf(sym any) (Factory, error) {
	if f, ok := sym.(func() any); ok {
		return f, nil
	}
	rv := reflect.ValueOf(sym)
	if rv.Kind() == reflect.Pointer && !rv.IsNil() && rv.Elem().Kind() == reflect.Func {
		rv = rv.Elem()
	}
	if rv.Kind() != reflect.Func || rv.IsNil() {
		return nil, fmt.Errorf("symbol of type %T is not a constructor", sym)
	}
	if rv.Type().NumIn() != 0 || rv.Type().NumOut() != 1 {
		return nil, fmt.Errorf("constructor has signature %s, want func() *T", rv.Type())
	}
	return func() any {
		return rv.Call(nil)[0].Interface()
	}, nil
}
