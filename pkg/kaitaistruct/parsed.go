package kaitaistruct

import (
	internalCel "github.com/twinfer/kaitai-json/internal/cel"
	"github.com/twinfer/kaitai-json/pkg/projector"
)

// ParsedData is one node of an interpreted parse tree: a user type
// instance (Children), a repetition (Items) or a primitive value (Value).
type ParsedData struct {
	Type     string
	Value    any
	Children map[string]*ParsedData
	Items    []*ParsedData
	IsArray  bool

	order []string
}

func newValue(typeName string, v any) *ParsedData {
	return &ParsedData{Type: typeName, Value: v}
}

func newStruct(typeName string, n int) *ParsedData {
	return &ParsedData{
		Type:     typeName,
		Children: make(map[string]*ParsedData, n),
		order:    make([]string, 0, n),
	}
}

func newArray(typeName string) *ParsedData {
	return &ParsedData{Type: typeName, IsArray: true, Items: []*ParsedData{}}
}

func (p *ParsedData) set(id string, child *ParsedData) {
	if _, exists := p.Children[id]; !exists {
		p.order = append(p.order, id)
	}
	p.Children[id] = child
}

// IsStruct reports whether p is a user type instance.
func (p *ParsedData) IsStruct() bool {
	return p != nil && p.Children != nil
}

// Keys returns the parsed field ids in stream order.
func (p *ParsedData) Keys() []string {
	if p == nil {
		return nil
	}
	return append([]string(nil), p.order...)
}

// Field returns the value of a parsed field: a *ParsedData for user types,
// []any for repetitions and the plain value otherwise.
func (p *ParsedData) Field(id string) (any, error) {
	if p == nil {
		return nil, projector.NoField(id)
	}
	child, ok := p.Children[id]
	if !ok {
		return nil, projector.NoField(id)
	}
	return child.Export(), nil
}

// Export returns the node in the shape Field hands out.
func (p *ParsedData) Export() any {
	switch {
	case p == nil:
		return nil
	case p.IsArray:
		items := make([]any, len(p.Items))
		for i, item := range p.Items {
			items[i] = item.Export()
		}
		return items
	case p.IsStruct():
		return p
	default:
		return p.Value
	}
}

// activation returns the node as expressions see it.
func (p *ParsedData) activation() any {
	switch {
	case p == nil:
		return nil
	case p.IsArray:
		items := make([]any, len(p.Items))
		for i, item := range p.Items {
			items[i] = item.activation()
		}
		return items
	case p.IsStruct():
		fields := make(map[string]any, len(p.Children))
		for id, child := range p.Children {
			fields[id] = child.activation()
		}
		return fields
	default:
		return internalCel.ActivationValue(p.Value)
	}
}
