package provider

import (
	"context"

	"github.com/mandelsoft/vfs/pkg/vfs"

	"github.com/twinfer/kaitai-json/pkg/kaitaistruct"
	"github.com/twinfer/kaitai-json/pkg/ksy"
	"github.com/twinfer/kaitai-json/pkg/projector"
)

// Interpreter parses with the built-in schema interpreter, so no external
// compiler is needed.
type Interpreter struct {
	interp *kaitaistruct.Interpreter
	fs     vfs.FileSystem
}

// NewInterpreter creates an interpreter-backed provider for schema.
func NewInterpreter(schema *ksy.Schema, opts ...Option) (*Interpreter, error) {
	o := newOptions(opts)
	interp, err := kaitaistruct.NewInterpreter(schema, kaitaistruct.WithLogger(o.logger))
	if err != nil {
		return nil, err
	}
	return &Interpreter{interp: interp, fs: o.fs}, nil
}

// Parse reads binaryPath and parses it as typeName.
func (p *Interpreter) Parse(ctx context.Context, binaryPath, typeName string) (projector.Struct, error) {
	data, err := readBinary(p.fs, binaryPath)
	if err != nil {
		return nil, err
	}
	return p.ParseBytes(ctx, data, typeName)
}

// ParseBytes parses data as typeName.
func (p *Interpreter) ParseBytes(ctx context.Context, data []byte, typeName string) (projector.Struct, error) {
	parsed, err := p.interp.ParseBytes(ctx, typeName, data)
	if err != nil {
		return nil, err
	}
	return parsed, nil
}
