// Package projector maps a parsed binary structure onto an ordered,
// JSON-ready tree, walking the structure the way its KSY schema declares it.
package projector

import (
	"fmt"
	"log/slog"
	"reflect"

	"github.com/twinfer/kaitai-json/pkg/ksy"
)

// Projector walks parsed structures according to a schema.
type Projector struct {
	schema   *ksy.Schema
	rootType string
	logger   *slog.Logger
}

// Option configures a Projector.
type Option func(*Projector)

// WithRootType names the type whose field list is the schema's top-level seq.
// It defaults to meta.id.
func WithRootType(rootType string) Option {
	return func(p *Projector) {
		p.rootType = rootType
	}
}

// WithLogger sets the logger used for debug tracing.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Projector) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// New creates a Projector for schema.
func New(schema *ksy.Schema, opts ...Option) *Projector {
	p := &Projector{
		schema:   schema,
		rootType: schema.RootID(),
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Project maps handle, a structure of type typeName, to an OrderedMap whose
// keys follow the resolved seq order. rootType names the type owning the
// top-level seq.
func Project(handle any, typeName string, schema *ksy.Schema, rootType string) (*OrderedMap, error) {
	return New(schema, WithRootType(rootType)).Project(handle, typeName)
}

// RootType returns the type name owning the top-level seq.
func (p *Projector) RootType() string {
	return p.rootType
}

// ProjectRoot projects handle as the root type.
func (p *Projector) ProjectRoot(handle any) (*OrderedMap, error) {
	return p.Project(handle, p.rootType)
}

// Project maps handle, a structure of type typeName, to an OrderedMap.
// Any failure aborts the whole projection.
func (p *Projector) Project(handle any, typeName string) (*OrderedMap, error) {
	seq, ok := p.schema.SeqFor(typeName, p.rootType)
	if !ok {
		return nil, &TypeError{Type: typeName}
	}

	s, err := AsStruct(handle)
	if err != nil {
		return nil, fmt.Errorf("projecting %s: %w", typeName, err)
	}

	out := NewOrderedMap(len(seq))
	for _, field := range seq {
		value, err := s.Field(field.ID)
		if err != nil {
			return nil, &AttributeError{Type: typeName, Field: field.ID, Err: err}
		}

		nestedType, ok := field.TypeName()
		if !ok || !p.schema.IsUserType(nestedType) {
			out.Set(field.ID, value)
			continue
		}

		p.logger.Debug("Projecting nested type", "type_name", typeName, "field_id", field.ID, "field_type", nestedType)
		nested, err := p.projectValue(value, nestedType)
		if err != nil {
			return nil, fmt.Errorf("field %s.%s: %w", typeName, field.ID, err)
		}
		out.Set(field.ID, nested)
	}
	return out, nil
}

// projectValue projects a single nested structure or, for repeated fields,
// each element of a sequence of them.
func (p *Projector) projectValue(value any, typeName string) (any, error) {
	items, ok := sequenceItems(value)
	if !ok {
		return p.Project(value, typeName)
	}
	projected := make([]any, len(items))
	for i, item := range items {
		m, err := p.Project(item, typeName)
		if err != nil {
			return nil, fmt.Errorf("item %d: %w", i, err)
		}
		projected[i] = m
	}
	return projected, nil
}

// sequenceItems unpacks slices and arrays other than byte sequences.
func sequenceItems(value any) ([]any, bool) {
	switch v := value.(type) {
	case []any:
		return v, true
	case []byte, string, nil:
		return nil, false
	}
	rv := reflect.ValueOf(value)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return nil, false
	}
	items := make([]any, rv.Len())
	for i := range items {
		items[i] = rv.Index(i).Interface()
	}
	return items, true
}
