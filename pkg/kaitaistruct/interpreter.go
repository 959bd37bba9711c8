// Package kaitaistruct decodes binary data by walking a KSY schema with the
// Kaitai Struct Go runtime, without compiling the schema to Go first.
//
// The interpreter covers the sequential subset of the language: primitive
// integers, floats and bit fields, strings and byte arrays, fixed contents,
// repetitions, process routines and nested user types. Conditional fields
// and switch types are rejected when the interpreter is created; enums and
// instances are ignored.
package kaitaistruct

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strings"

	"github.com/kaitai-io/kaitai_struct_go_runtime/kaitai"

	internalCel "github.com/twinfer/kaitai-json/internal/cel"
	"github.com/twinfer/kaitai-json/pkg/ksy"
	"github.com/twinfer/kaitai-json/pkg/projector"
)

// DefaultMaxDepth bounds user type nesting. Schemas are not checked for
// cycles, so a self-referencing type stops here instead of exhausting the
// stack.
const DefaultMaxDepth = 64

var (
	// ErrUnsupported marks schema constructs the interpreter does not handle.
	ErrUnsupported = errors.New("unsupported schema feature")

	// ErrUnexpectedContents marks a contents check that failed.
	ErrUnexpectedContents = errors.New("unexpected contents")
)

// Interpreter parses binary streams according to a KSY schema.
type Interpreter struct {
	schema    *ksy.Schema
	exprs     *internalCel.ExpressionPool
	processes *ProcessRegistry
	logger    *slog.Logger
	maxDepth  int
}

// Option configures an Interpreter.
type Option func(*Interpreter)

// WithLogger sets the logger used for debug tracing.
func WithLogger(logger *slog.Logger) Option {
	return func(k *Interpreter) {
		if logger != nil {
			k.logger = logger
		}
	}
}

// WithMaxDepth overrides DefaultMaxDepth.
func WithMaxDepth(depth int) Option {
	return func(k *Interpreter) {
		if depth > 0 {
			k.maxDepth = depth
		}
	}
}

// WithProcess registers a custom process routine under name.
func WithProcess(name string, fn ProcessFunc) Option {
	return func(k *Interpreter) {
		k.processes.Register(name, fn)
	}
}

// NewInterpreter creates an interpreter for schema. It fails with
// ErrUnsupported if any field uses a construct outside the supported subset.
func NewInterpreter(schema *ksy.Schema, opts ...Option) (*Interpreter, error) {
	if schema == nil {
		return nil, errors.New("schema is nil")
	}
	if err := checkSupported(schema); err != nil {
		return nil, err
	}
	pool, err := internalCel.NewExpressionPool()
	if err != nil {
		return nil, fmt.Errorf("failed to create expression pool: %w", err)
	}

	k := &Interpreter{
		schema:    schema,
		exprs:     pool,
		processes: NewProcessRegistry(),
		logger:    slog.Default(),
		maxDepth:  DefaultMaxDepth,
	}
	for _, opt := range opts {
		opt(k)
	}
	return k, nil
}

// scope is the evaluation context of one user type instance.
type scope struct {
	io        *kaitai.Stream
	parent    *scope
	root      *scope
	fields    map[string]any
	endian    string
	bitEndian string
}

// Parse parses stream as the schema's root type.
func (k *Interpreter) Parse(ctx context.Context, stream *kaitai.Stream) (*ParsedData, error) {
	return k.ParseType(ctx, k.schema.RootID(), stream)
}

// ParseBytes parses data as typeName.
func (k *Interpreter) ParseBytes(ctx context.Context, typeName string, data []byte) (*ParsedData, error) {
	return k.ParseType(ctx, typeName, kaitai.NewStream(bytes.NewReader(data)))
}

// ParseType parses stream as typeName, which must be the root type or a
// declared user type. The parsed type becomes the `_root` of expressions.
func (k *Interpreter) ParseType(ctx context.Context, typeName string, stream *kaitai.Stream) (*ParsedData, error) {
	k.logger.DebugContext(ctx, "Starting Kaitai parsing", "type_name", typeName)
	result, err := k.parseUserType(ctx, typeName, stream, nil, 0)
	if err != nil {
		return nil, fmt.Errorf("failed parsing type '%s': %w", typeName, err)
	}
	k.logger.DebugContext(ctx, "Finished Kaitai parsing", "type_name", typeName)
	return result, nil
}

func (k *Interpreter) resolveType(typeName string) ([]ksy.Field, *ksy.Meta, bool) {
	if typeName == k.schema.RootID() {
		return k.schema.Seq, &k.schema.Meta, true
	}
	t, ok := k.schema.LookupType(typeName)
	if !ok {
		return nil, nil, false
	}
	return t.Seq, t.Meta, true
}

func (k *Interpreter) parseUserType(ctx context.Context, typeName string, stream *kaitai.Stream, parent *scope, depth int) (*ParsedData, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	if depth > k.maxDepth {
		return nil, fmt.Errorf("type '%s' nested deeper than %d levels", typeName, k.maxDepth)
	}

	seq, meta, ok := k.resolveType(typeName)
	if !ok {
		k.logger.ErrorContext(ctx, "Unknown type encountered", "type_name", typeName)
		return nil, &projector.TypeError{Type: typeName}
	}
	k.logger.DebugContext(ctx, "Parsing type", "type_name", typeName, "depth", depth)

	sc := &scope{
		io:        stream,
		parent:    parent,
		fields:    make(map[string]any, len(seq)),
		endian:    k.endianFor(meta, parent),
		bitEndian: k.bitEndianFor(meta, parent),
	}
	if parent == nil {
		sc.root = sc
	} else {
		sc.root = parent.root
	}

	result := newStruct(typeName, len(seq))
	for _, field := range seq {
		pd, err := k.parseField(ctx, field, sc, depth)
		if err != nil {
			return nil, fmt.Errorf("parsing field '%s' in type '%s': %w", field.ID, typeName, err)
		}
		result.set(field.ID, pd)
		sc.fields[field.ID] = pd.activation()
	}
	return result, nil
}

func (k *Interpreter) endianFor(meta *ksy.Meta, parent *scope) string {
	if meta != nil {
		if e, ok := meta.Endian.(string); ok && e != "" {
			return e
		}
	}
	if parent != nil {
		return parent.endian
	}
	return k.schema.DefaultEndian()
}

func (k *Interpreter) bitEndianFor(meta *ksy.Meta, parent *scope) string {
	if meta != nil && meta.BitEndian != "" {
		return meta.BitEndian
	}
	if parent != nil {
		return parent.bitEndian
	}
	return k.schema.Meta.BitEndian
}

// parseField parses one seq entry, expanding repetitions.
func (k *Interpreter) parseField(ctx context.Context, field ksy.Field, sc *scope, depth int) (*ParsedData, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	k.logger.DebugContext(ctx, "Parsing field", "field_id", field.ID, "field_type", field.Type)

	if !field.IsRepeated() {
		return k.parseItem(ctx, field, sc, depth, nil)
	}

	typeName, _ := field.TypeName()
	result := newArray(typeName)
	switch field.Repeat {
	case "eos":
		for i := 0; ; i++ {
			eof, err := sc.io.EOF()
			if err != nil {
				return nil, fmt.Errorf("checking end of stream: %w", err)
			}
			if eof {
				break
			}
			item, err := k.parseItem(ctx, field, sc, depth, map[string]any{"_index": int64(i)})
			if err != nil {
				return nil, fmt.Errorf("item %d: %w", i, err)
			}
			result.Items = append(result.Items, item)
		}
	case "expr":
		count, err := k.evalInt(field.RepeatExpr, sc, nil)
		if err != nil {
			return nil, fmt.Errorf("evaluating repeat-expr: %w", err)
		}
		if count < 0 {
			return nil, fmt.Errorf("repeat-expr evaluated to negative count %d", count)
		}
		for i := range count {
			item, err := k.parseItem(ctx, field, sc, depth, map[string]any{"_index": i})
			if err != nil {
				return nil, fmt.Errorf("item %d: %w", i, err)
			}
			result.Items = append(result.Items, item)
		}
	case "until":
		for i := 0; ; i++ {
			item, err := k.parseItem(ctx, field, sc, depth, map[string]any{"_index": int64(i)})
			if err != nil {
				return nil, fmt.Errorf("item %d: %w", i, err)
			}
			result.Items = append(result.Items, item)
			done, err := k.exprs.EvaluateBool(field.RepeatUntil, sc.vars(map[string]any{
				internalCel.ItemVar: item.activation(),
				"_index":            int64(i),
			}))
			if err != nil {
				return nil, fmt.Errorf("evaluating repeat-until: %w", err)
			}
			if done {
				break
			}
		}
	default:
		return nil, fmt.Errorf("%w: repeat '%s'", ErrUnsupported, field.Repeat)
	}
	k.logger.DebugContext(ctx, "Finished parsing repeated field", "field_id", field.ID, "num_items", len(result.Items))
	return result, nil
}

// parseItem parses a single value of field.
func (k *Interpreter) parseItem(ctx context.Context, field ksy.Field, sc *scope, depth int, extra map[string]any) (*ParsedData, error) {
	if field.Contents != nil {
		return k.parseContents(field, sc)
	}

	typeName, hasType := field.TypeName()
	switch {
	case !hasType:
		data, err := k.readRaw(field, sc, extra, nil)
		if err != nil {
			return nil, err
		}
		return newValue("bytes", data), nil
	case typeName == "str" || typeName == "strz":
		return k.parseString(field, typeName, sc, extra)
	}

	if v, ok, err := k.readBuiltin(sc, typeName); ok {
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", typeName, err)
		}
		return newValue(typeName, v), nil
	}

	stream := sc.io
	if field.Size != nil || field.SizeEOS || field.Terminator != nil {
		data, err := k.readRaw(field, sc, extra, nil)
		if err != nil {
			return nil, err
		}
		stream = kaitai.NewStream(bytes.NewReader(data))
	} else if field.Process != "" {
		return nil, fmt.Errorf("process '%s' needs a size, size-eos or terminator", field.Process)
	} else {
		sc.io.AlignToByte()
	}
	return k.parseUserType(ctx, typeName, stream, sc, depth+1)
}

func (k *Interpreter) parseContents(field ksy.Field, sc *scope) (*ParsedData, error) {
	expected, err := contentsBytes(field.Contents)
	if err != nil {
		return nil, fmt.Errorf("invalid contents: %w", err)
	}
	sc.io.AlignToByte()
	actual, err := sc.io.ReadBytes(len(expected))
	if err != nil {
		return nil, fmt.Errorf("reading %d bytes of contents: %w", len(expected), err)
	}
	if !bytes.Equal(actual, expected) {
		return nil, fmt.Errorf("%w: expected %x, got %x", ErrUnexpectedContents, expected, actual)
	}
	return newValue("bytes", actual), nil
}

// readRaw reads the byte payload of a field delimited by size, size-eos or
// a terminator, then applies process, pad-right and terminator handling.
func (k *Interpreter) readRaw(field ksy.Field, sc *scope, extra map[string]any, defaultTerm *byte) ([]byte, error) {
	sc.io.AlignToByte()

	term, hasTerm, err := terminatorOf(field, defaultTerm)
	if err != nil {
		return nil, err
	}

	var data []byte
	switch {
	case field.Size != nil:
		n, err := k.evalInt(field.Size, sc, extra)
		if err != nil {
			return nil, fmt.Errorf("evaluating size: %w", err)
		}
		if n < 0 {
			return nil, fmt.Errorf("size evaluated to negative value %d", n)
		}
		data, err = sc.io.ReadBytes(int(n))
		if err != nil {
			return nil, fmt.Errorf("reading %d bytes: %w", n, err)
		}
	case field.SizeEOS:
		data, err = sc.io.ReadBytesFull()
		if err != nil {
			return nil, fmt.Errorf("reading to end of stream: %w", err)
		}
	case hasTerm:
		consume := field.Consume == nil || *field.Consume
		eosError := field.EOSError == nil || *field.EOSError
		data, err = sc.io.ReadBytesTerm(term, field.Include, consume, eosError)
		if err != nil {
			return nil, fmt.Errorf("reading up to terminator 0x%02x: %w", term, err)
		}
		return k.applyProcess(field, data, sc, extra)
	default:
		return nil, errors.New("field has neither size, size-eos nor terminator")
	}

	data, err = k.applyProcess(field, data, sc, extra)
	if err != nil {
		return nil, err
	}
	if field.PadRight != nil {
		pad, err := toByte(field.PadRight)
		if err != nil {
			return nil, fmt.Errorf("invalid pad-right: %w", err)
		}
		data = kaitai.BytesStripRight(data, pad)
	}
	if hasTerm {
		data = kaitai.BytesTerminate(data, term, field.Include)
	}
	return data, nil
}

func (k *Interpreter) applyProcess(field ksy.Field, data []byte, sc *scope, extra map[string]any) ([]byte, error) {
	if field.Process == "" {
		return data, nil
	}
	out, err := k.process(data, field.Process, sc, extra)
	if err != nil {
		return nil, fmt.Errorf("processing with '%s': %w", field.Process, err)
	}
	return out, nil
}

// evalInt resolves an integer attribute given either literally or as an
// expression.
func (k *Interpreter) evalInt(v any, sc *scope, extra map[string]any) (int64, error) {
	switch n := v.(type) {
	case int:
		return int64(n), nil
	case int64:
		return n, nil
	case uint64:
		return int64(n), nil
	case float64:
		if n != float64(int64(n)) {
			return 0, fmt.Errorf("value %v is not a whole number", n)
		}
		return int64(n), nil
	case string:
		return k.exprs.EvaluateInt(n, sc.vars(extra))
	default:
		return 0, fmt.Errorf("unsupported value type %T", v)
	}
}

// vars builds the expression variables visible in sc.
func (sc *scope) vars(extra map[string]any) map[string]any {
	vars := sc.scopeVars()
	if sc.root != nil {
		vars["_root"] = sc.root.fields
	}
	vars["_io"] = streamVars(sc.io)
	maps.Copy(vars, extra)
	return vars
}

func (sc *scope) scopeVars() map[string]any {
	vars := make(map[string]any, len(sc.fields)+4)
	maps.Copy(vars, sc.fields)
	if sc.parent != nil {
		vars["_parent"] = sc.parent.scopeVars()
	}
	return vars
}

func streamVars(io *kaitai.Stream) map[string]any {
	vars := map[string]any{}
	if size, err := io.Size(); err == nil {
		vars["size"] = size
	}
	if pos, err := io.Pos(); err == nil {
		vars["pos"] = pos
	}
	if eof, err := io.EOF(); err == nil {
		vars["eof"] = eof
	}
	return vars
}

// checkSupported rejects conditional fields, switch types and parametrized
// types anywhere in the schema.
func checkSupported(schema *ksy.Schema) error {
	if err := checkMeta(&schema.Meta, schema.RootID()); err != nil {
		return err
	}
	if err := checkSeq(schema.RootID(), schema.Seq); err != nil {
		return err
	}
	return checkTypes(schema.Types)
}

func checkTypes(types map[string]*ksy.Type) error {
	for _, name := range slices.Sorted(maps.Keys(types)) {
		t := types[name]
		if t == nil {
			continue
		}
		if err := checkMeta(t.Meta, name); err != nil {
			return err
		}
		if len(t.Params) > 0 {
			return fmt.Errorf("%w: type '%s' declares params", ErrUnsupported, name)
		}
		if err := checkSeq(name, t.Seq); err != nil {
			return err
		}
		if err := checkTypes(t.Types); err != nil {
			return err
		}
	}
	return nil
}

func checkMeta(meta *ksy.Meta, owner string) error {
	if meta == nil || meta.Endian == nil {
		return nil
	}
	if e, ok := meta.Endian.(string); !ok || (e != "le" && e != "be") {
		return fmt.Errorf("%w: endian of '%s' must be le or be", ErrUnsupported, owner)
	}
	return nil
}

func checkSeq(owner string, seq []ksy.Field) error {
	for _, f := range seq {
		if f.If != "" {
			return fmt.Errorf("%w: field '%s.%s' is conditional", ErrUnsupported, owner, f.ID)
		}
		if f.Type == nil {
			continue
		}
		name, ok := f.TypeName()
		if !ok {
			return fmt.Errorf("%w: field '%s.%s' uses a switch type", ErrUnsupported, owner, f.ID)
		}
		if strings.ContainsAny(name, "(:") {
			return fmt.Errorf("%w: field '%s.%s' has type '%s'", ErrUnsupported, owner, f.ID, name)
		}
	}
	return nil
}
