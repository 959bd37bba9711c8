// Package ksy loads Kaitai Struct (.ksy) schema documents into an in-memory tree.
//
// Only the parts of the KSY language needed to drive a projection are modelled
// explicitly (meta, seq, types); everything else is kept loosely typed so that
// a document using more of the language still loads.
package ksy

import (
	"errors"
	"fmt"
	"maps"
	"slices"

	"github.com/mandelsoft/vfs/pkg/vfs"
	"gopkg.in/yaml.v3"
)

// ErrParse is returned when a schema document is not well-formed YAML.
var ErrParse = errors.New("schema parse error")

// Schema represents a parsed KSY schema file
type Schema struct {
	Meta      Meta             `yaml:"meta"`
	Seq       []Field          `yaml:"seq"`
	Types     map[string]*Type `yaml:"types"`
	Instances map[string]any   `yaml:"instances"`
	Enums     map[string]any   `yaml:"enums"`
	Params    []any            `yaml:"params"`
	Doc       string           `yaml:"doc"`
	DocRef    any              `yaml:"doc-ref"`
}

// Meta contains metadata about the KSY schema
type Meta struct {
	ID          string   `yaml:"id"`
	Title       string   `yaml:"title"`
	Application any      `yaml:"application"`
	FileExt     any      `yaml:"file-extension"`
	License     string   `yaml:"license"`
	KsVersion   any      `yaml:"ks-version"`
	Endian      any      `yaml:"endian"`
	BitEndian   string   `yaml:"bit-endian"`
	Encoding    string   `yaml:"encoding"`
	Imports     []string `yaml:"imports"`
}

// Field is one entry of a seq list.
type Field struct {
	ID          string `yaml:"id"`
	Type        any    `yaml:"type"` // string, or a switch-on mapping
	Size        any    `yaml:"size,omitempty"`
	SizeEOS     bool   `yaml:"size-eos,omitempty"`
	Contents    any    `yaml:"contents,omitempty"`
	Encoding    string `yaml:"encoding,omitempty"`
	Terminator  any    `yaml:"terminator,omitempty"`
	Include     bool   `yaml:"include,omitempty"`
	Consume     *bool  `yaml:"consume,omitempty"`
	EOSError    *bool  `yaml:"eos-error,omitempty"`
	PadRight    any    `yaml:"pad-right,omitempty"`
	Repeat      string `yaml:"repeat,omitempty"`
	RepeatExpr  any    `yaml:"repeat-expr,omitempty"`
	RepeatUntil string `yaml:"repeat-until,omitempty"`
	Process     string `yaml:"process,omitempty"`
	If          string `yaml:"if,omitempty"`
	Enum        string `yaml:"enum,omitempty"`
	Doc         string `yaml:"doc,omitempty"`
	DocRef      any    `yaml:"doc-ref,omitempty"`
}

// Type defines a user type in the KSY schema
type Type struct {
	Meta      *Meta            `yaml:"meta"`
	Seq       []Field          `yaml:"seq"`
	Types     map[string]*Type `yaml:"types"`
	Instances map[string]any   `yaml:"instances"`
	Enums     map[string]any   `yaml:"enums"`
	Params    []any            `yaml:"params"`
	Doc       string           `yaml:"doc"`
	DocRef    any              `yaml:"doc-ref"`
}

// TypeName returns the field's declared type when it is a plain type name.
func (f Field) TypeName() (string, bool) {
	name, ok := f.Type.(string)
	if !ok || name == "" {
		return "", false
	}
	return name, true
}

// IsRepeated reports whether the field holds a sequence of values.
func (f Field) IsRepeated() bool {
	return f.Repeat != ""
}

// Load parses a KSY document.
func Load(data []byte) (*Schema, error) {
	var schema Schema
	if err := yaml.Unmarshal(data, &schema); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrParse, err)
	}
	return &schema, nil
}

// LoadFile reads and parses the KSY document at path.
func LoadFile(fs vfs.FileSystem, path string) (*Schema, error) {
	data, err := vfs.ReadFile(fs, path)
	if err != nil {
		return nil, fmt.Errorf("reading schema file %s: %w", path, err)
	}
	schema, err := Load(data)
	if err != nil {
		return nil, fmt.Errorf("loading schema %s: %w", path, err)
	}
	return schema, nil
}

// RootID returns the identifier of the root type.
func (s *Schema) RootID() string {
	return s.Meta.ID
}

// LookupType finds a user type by name. The top-level types table is
// searched first, then nested tables depth-first in name order.
func (s *Schema) LookupType(name string) (*Type, bool) {
	return lookupType(s.Types, name)
}

func lookupType(types map[string]*Type, name string) (*Type, bool) {
	if t, ok := types[name]; ok && t != nil {
		return t, true
	}
	for _, key := range slices.Sorted(maps.Keys(types)) {
		t := types[key]
		if t == nil || len(t.Types) == 0 {
			continue
		}
		if found, ok := lookupType(t.Types, name); ok {
			return found, true
		}
	}
	return nil, false
}

// IsUserType reports whether name is declared in the schema's types.
func (s *Schema) IsUserType(name string) bool {
	_, ok := s.LookupType(name)
	return ok
}

// SeqFor resolves the field list of typeName. rootType names the type whose
// field list is the top-level seq.
func (s *Schema) SeqFor(typeName, rootType string) ([]Field, bool) {
	if typeName == rootType {
		return s.Seq, true
	}
	t, ok := s.LookupType(typeName)
	if !ok {
		return nil, false
	}
	return t.Seq, true
}

// DefaultEndian returns "le" or "be" as declared in meta, or "" if the
// schema does not fix one.
func (s *Schema) DefaultEndian() string {
	if e, ok := s.Meta.Endian.(string); ok {
		return e
	}
	return ""
}
