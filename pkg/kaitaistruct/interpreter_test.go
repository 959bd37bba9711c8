package kaitaistruct

import (
	"bytes"
	"compress/zlib"
	"context"
	"errors"
	"testing"

	"github.com/kaitai-io/kaitai_struct_go_runtime/kaitai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/twinfer/kaitai-json/pkg/ksy"
	"github.com/twinfer/kaitai-json/pkg/projector"
	"github.com/twinfer/kaitai-json/testutil"
)

func mustSchema(t *testing.T, doc string) *ksy.Schema {
	t.Helper()
	schema, err := ksy.Load([]byte(doc))
	require.NoError(t, err)
	return schema
}

func newTestInterpreter(t *testing.T, doc string, opts ...Option) *Interpreter {
	t.Helper()
	logger := testutil.DiscardLogger()
	interp, err := NewInterpreter(mustSchema(t, doc), append([]Option{WithLogger(logger)}, opts...)...)
	require.NoError(t, err)
	return interp
}

func parse(t *testing.T, doc string, data []byte, opts ...Option) *ParsedData {
	t.Helper()
	parsed, err := newTestInterpreter(t, doc, opts...).Parse(context.Background(), kaitai.NewStream(bytes.NewReader(data)))
	require.NoError(t, err)
	require.NotNil(t, parsed)
	return parsed
}

// getParsedValue follows path through nested structures and returns the
// exported value at its end.
func getParsedValue(t *testing.T, pd *ParsedData, path ...string) any {
	t.Helper()
	var current any = pd
	for _, p := range path {
		s, ok := current.(*ParsedData)
		require.True(t, ok, "expected a structure before %q, got %T", p, current)
		v, err := s.Field(p)
		require.NoError(t, err)
		current = v
	}
	return current
}

func TestParse_SimpleRootType(t *testing.T) {
	doc := `
meta:
  id: simple_root
  endian: le
seq:
  - id: magic
    type: u1
  - id: length
    type: u2
  - id: message
    type: str
    size: length
    encoding: UTF-8
`
	parsed := parse(t, doc, []byte{0x42, 0x05, 0x00, 'h', 'e', 'l', 'l', 'o'})

	assert.Equal(t, uint8(0x42), getParsedValue(t, parsed, "magic"))
	assert.Equal(t, uint16(5), getParsedValue(t, parsed, "length"))
	assert.Equal(t, "hello", getParsedValue(t, parsed, "message"))
	assert.Equal(t, []string{"magic", "length", "message"}, parsed.Keys())
	assert.Equal(t, "simple_root", parsed.Type)
}

func TestParse_Numerics(t *testing.T) {
	doc := `
meta:
  id: numerics
  endian: be
seq:
  - id: a
    type: s1
  - id: b
    type: u4
  - id: c
    type: f4le
  - id: d
    type: s2le
  - id: e
    type: f8
`
	data := []byte{
		0xFF,
		0x00, 0x00, 0x01, 0x00,
		0x00, 0x00, 0xC0, 0x3F,
		0xFE, 0xFF,
		0x40, 0x04, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00,
	}
	parsed := parse(t, doc, data)

	assert.Equal(t, int8(-1), getParsedValue(t, parsed, "a"))
	assert.Equal(t, uint32(256), getParsedValue(t, parsed, "b"))
	assert.Equal(t, float32(1.5), getParsedValue(t, parsed, "c"))
	assert.Equal(t, int16(-2), getParsedValue(t, parsed, "d"))
	assert.Equal(t, float64(2.5), getParsedValue(t, parsed, "e"))
}

func TestParse_BitFields(t *testing.T) {
	doc := `
meta:
  id: bits
seq:
  - id: version
    type: b3
  - id: length
    type: b5
  - id: flag
    type: b1
  - id: aligned
    type: u1
`
	parsed := parse(t, doc, []byte{0xBA, 0x80, 0x07})

	assert.Equal(t, uint64(5), getParsedValue(t, parsed, "version"))
	assert.Equal(t, uint64(26), getParsedValue(t, parsed, "length"))
	assert.Equal(t, true, getParsedValue(t, parsed, "flag"))
	assert.Equal(t, uint8(7), getParsedValue(t, parsed, "aligned"))
}

const pointListSchema = `
meta:
  id: point_list
  endian: le
seq:
  - id: num_points
    type: u1
  - id: points
    type: point
    repeat: expr
    repeat-expr: num_points
types:
  point:
    seq:
      - id: x
        type: s2
      - id: y
        type: s2
`

func TestParse_RepeatExprOfUserType(t *testing.T) {
	parsed := parse(t, pointListSchema, []byte{2, 1, 0, 2, 0, 3, 0, 4, 0})

	points, ok := getParsedValue(t, parsed, "points").([]any)
	require.True(t, ok)
	require.Len(t, points, 2)
	assert.Equal(t, int16(3), getParsedValue(t, points[1].(*ParsedData), "x"))
	assert.Equal(t, int16(4), getParsedValue(t, points[1].(*ParsedData), "y"))
}

func TestParse_ProjectsInSchemaOrder(t *testing.T) {
	schema := mustSchema(t, pointListSchema)
	interp, err := NewInterpreter(schema)
	require.NoError(t, err)

	parsed, err := interp.ParseBytes(context.Background(), "point_list", []byte{2, 1, 0, 2, 0, 3, 0, 4, 0})
	require.NoError(t, err)

	out, err := projector.Project(parsed, "point_list", schema, "point_list")
	require.NoError(t, err)

	data, err := out.MarshalJSON()
	require.NoError(t, err)
	assert.JSONEq(t, `{"num_points":2,"points":[{"x":1,"y":2},{"x":3,"y":4}]}`, string(data))
	assert.Equal(t, []string{"num_points", "points"}, out.Keys())
}

func TestParse_RepeatEOSAndUntil(t *testing.T) {
	t.Run("eos", func(t *testing.T) {
		doc := `
meta:
  id: words
  endian: be
seq:
  - id: values
    type: u2
    repeat: eos
`
		parsed := parse(t, doc, []byte{0x00, 0x01, 0x00, 0x02})
		assert.Equal(t, []any{uint16(1), uint16(2)}, getParsedValue(t, parsed, "values"))
	})

	t.Run("eos on empty stream", func(t *testing.T) {
		doc := `
meta:
  id: words
seq:
  - id: values
    type: u1
    repeat: eos
`
		parsed := parse(t, doc, nil)
		assert.Equal(t, []any{}, getParsedValue(t, parsed, "values"))
	})

	t.Run("until", func(t *testing.T) {
		doc := `
meta:
  id: terminated
seq:
  - id: values
    type: u1
    repeat: until
    repeat-until: _ == 0
  - id: after
    type: u1
`
		parsed := parse(t, doc, []byte{3, 2, 0, 9})
		assert.Equal(t, []any{uint8(3), uint8(2), uint8(0)}, getParsedValue(t, parsed, "values"))
		assert.Equal(t, uint8(9), getParsedValue(t, parsed, "after"))
	})

	t.Run("until on user type field", func(t *testing.T) {
		doc := `
meta:
  id: records
seq:
  - id: records
    type: record
    repeat: until
    repeat-until: _.kind == 255
types:
  record:
    seq:
      - id: kind
        type: u1
`
		parsed := parse(t, doc, []byte{1, 255, 7})
		records := getParsedValue(t, parsed, "records").([]any)
		assert.Len(t, records, 2)
	})
}

func TestParse_Strings(t *testing.T) {
	tests := []struct {
		name string
		doc  string
		data []byte
		want string
	}{
		{
			name: "strz",
			doc: `
meta:
  id: s
  encoding: ASCII
seq:
  - id: v
    type: strz
`,
			data: []byte{'a', 'b', 0, 'z'},
			want: "ab",
		},
		{
			name: "pad-right then terminator",
			doc: `
meta:
  id: s
seq:
  - id: v
    type: str
    size: 8
    terminator: 0
    pad-right: 0x20
`,
			data: []byte{'a', 'b', 'c', 0, ' ', ' ', ' ', ' '},
			want: "abc",
		},
		{
			name: "utf-16le",
			doc: `
meta:
  id: s
seq:
  - id: v
    type: str
    size: 4
    encoding: UTF-16LE
`,
			data: []byte{'h', 0, 'i', 0},
			want: "hi",
		},
		{
			name: "latin-1 via meta encoding",
			doc: `
meta:
  id: s
  encoding: ISO-8859-1
seq:
  - id: v
    type: str
    size-eos: true
`,
			data: []byte{'c', 'a', 'f', 0xE9},
			want: "café",
		},
		{
			name: "custom terminator without size",
			doc: `
meta:
  id: s
seq:
  - id: v
    type: str
    terminator: 0x2c
    encoding: ASCII
`,
			data: []byte{'k', 'e', 'y', ',', 'x'},
			want: "key",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			parsed := parse(t, tt.doc, tt.data)
			assert.Equal(t, tt.want, getParsedValue(t, parsed, "v"))
		})
	}
}

func TestParse_StringErrors(t *testing.T) {
	doc := `
meta:
  id: s
seq:
  - id: v
    type: str
    size: 2
    encoding: ASCII
`
	interp := newTestInterpreter(t, doc)
	_, err := interp.ParseBytes(context.Background(), "s", []byte{'a', 0xC3})
	assert.ErrorContains(t, err, "invalid ASCII character")

	_, err = decodeString([]byte("x"), "no-such-charset")
	assert.ErrorContains(t, err, "unsupported encoding")
}

func TestParse_BytesAndContents(t *testing.T) {
	doc := `
meta:
  id: blob
seq:
  - id: magic
    contents: [0x89, "PNG"]
  - id: rest
    size-eos: true
`
	parsed := parse(t, doc, []byte{0x89, 'P', 'N', 'G', 1, 2})
	assert.Equal(t, []byte{0x89, 'P', 'N', 'G'}, getParsedValue(t, parsed, "magic"))
	assert.Equal(t, []byte{1, 2}, getParsedValue(t, parsed, "rest"))

	interp := newTestInterpreter(t, doc)
	_, err := interp.ParseBytes(context.Background(), "blob", []byte{0x89, 'J', 'P', 'G'})
	assert.ErrorIs(t, err, ErrUnexpectedContents)
}

func TestParse_Process(t *testing.T) {
	var compressed bytes.Buffer
	zw := zlib.NewWriter(&compressed)
	_, err := zw.Write([]byte("hello world"))
	require.NoError(t, err)
	require.NoError(t, zw.Close())

	t.Run("xor literal", func(t *testing.T) {
		doc := `
meta:
  id: p
seq:
  - id: v
    size: 3
    process: xor(0xff)
`
		parsed := parse(t, doc, []byte{0x00, 0x0f, 0xf0})
		assert.Equal(t, []byte{0xff, 0xf0, 0x0f}, getParsedValue(t, parsed, "v"))
	})

	t.Run("xor with key field", func(t *testing.T) {
		doc := `
meta:
  id: p
seq:
  - id: key
    size: 2
  - id: v
    size: 4
    process: xor(key)
`
		parsed := parse(t, doc, []byte{0x01, 0x02, 0x01, 0x02, 0x11, 0x12})
		assert.Equal(t, []byte{0x00, 0x00, 0x10, 0x10}, getParsedValue(t, parsed, "v"))
	})

	t.Run("rol", func(t *testing.T) {
		doc := `
meta:
  id: p
seq:
  - id: v
    size: 1
    process: rol(1)
`
		parsed := parse(t, doc, []byte{0x81})
		assert.Equal(t, []byte{0x03}, getParsedValue(t, parsed, "v"))
	})

	t.Run("zlib into string", func(t *testing.T) {
		doc := `
meta:
  id: p
seq:
  - id: v
    type: str
    encoding: ASCII
    size-eos: true
    process: zlib
`
		parsed := parse(t, doc, compressed.Bytes())
		assert.Equal(t, "hello world", getParsedValue(t, parsed, "v"))
	})

	t.Run("custom routine", func(t *testing.T) {
		doc := `
meta:
  id: p
seq:
  - id: v
    size: 2
    process: reverse
`
		reverse := func(data []byte, _ []any) ([]byte, error) {
			out := make([]byte, len(data))
			for i, b := range data {
				out[len(data)-1-i] = b
			}
			return out, nil
		}
		parsed := parse(t, doc, []byte{1, 2}, WithProcess("reverse", reverse))
		assert.Equal(t, []byte{2, 1}, getParsedValue(t, parsed, "v"))
	})
}

func TestParse_Expressions(t *testing.T) {
	t.Run("stream attributes", func(t *testing.T) {
		doc := `
meta:
  id: e
seq:
  - id: head
    type: u1
  - id: rest
    size: _io.size - _io.pos
`
		parsed := parse(t, doc, []byte{1, 2, 3})
		assert.Equal(t, []byte{2, 3}, getParsedValue(t, parsed, "rest"))
	})

	t.Run("parent and root", func(t *testing.T) {
		doc := `
meta:
  id: container
seq:
  - id: len_name
    type: u1
  - id: entry
    type: entry
types:
  entry:
    seq:
      - id: name
        type: str
        size: _parent.len_name
        encoding: ASCII
      - id: tail
        size: _root.len_name - 1
`
		parsed := parse(t, doc, []byte{2, 'o', 'k', 0xAA})
		assert.Equal(t, "ok", getParsedValue(t, parsed, "entry", "name"))
		assert.Equal(t, []byte{0xAA}, getParsedValue(t, parsed, "entry", "tail"))
	})
}

func TestParse_SizedSubstream(t *testing.T) {
	doc := `
meta:
  id: framed
seq:
  - id: body
    type: chunk
    size: 3
  - id: trailer
    type: u1
types:
  chunk:
    seq:
      - id: values
        type: u1
        repeat: eos
`
	parsed := parse(t, doc, []byte{1, 2, 3, 9})
	assert.Equal(t, []any{uint8(1), uint8(2), uint8(3)}, getParsedValue(t, parsed, "body", "values"))
	assert.Equal(t, uint8(9), getParsedValue(t, parsed, "trailer"))
}

func TestParse_NestedTypesLookup(t *testing.T) {
	doc := `
meta:
  id: outer
seq:
  - id: a
    type: inner
types:
  middle:
    types:
      inner:
        seq:
          - id: v
            type: u1
`
	parsed := parse(t, doc, []byte{5})
	assert.Equal(t, uint8(5), getParsedValue(t, parsed, "a", "v"))
}

func TestParse_Errors(t *testing.T) {
	t.Run("unknown type", func(t *testing.T) {
		doc := `
meta:
  id: r
seq:
  - id: v
    type: mystery
`
		interp := newTestInterpreter(t, doc)
		_, err := interp.ParseBytes(context.Background(), "r", []byte{1})
		require.Error(t, err)
		assert.True(t, errors.Is(err, projector.ErrTypeResolution))
	})

	t.Run("unknown entry type", func(t *testing.T) {
		interp := newTestInterpreter(t, pointListSchema)
		_, err := interp.ParseBytes(context.Background(), "polygon", nil)
		assert.ErrorIs(t, err, projector.ErrTypeResolution)
	})

	t.Run("short read", func(t *testing.T) {
		interp := newTestInterpreter(t, pointListSchema)
		_, err := interp.ParseBytes(context.Background(), "point_list", []byte{2, 1, 0})
		assert.Error(t, err)
	})

	t.Run("depth limit", func(t *testing.T) {
		doc := `
meta:
  id: chain
seq:
  - id: node
    type: node
types:
  node:
    seq:
      - id: value
        type: u1
      - id: next
        type: node
`
		interp := newTestInterpreter(t, doc, WithMaxDepth(3))
		_, err := interp.ParseBytes(context.Background(), "chain", make([]byte, 16))
		assert.ErrorContains(t, err, "nested deeper than 3 levels")
	})

	t.Run("cancelled", func(t *testing.T) {
		interp := newTestInterpreter(t, pointListSchema)
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, err := interp.Parse(ctx, kaitai.NewStream(bytes.NewReader([]byte{0})))
		assert.ErrorIs(t, err, context.Canceled)
	})
}

func TestNewInterpreter_RejectsUnsupported(t *testing.T) {
	tests := map[string]string{
		"conditional field": `
meta:
  id: r
seq:
  - id: v
    type: u1
    if: v > 1
`,
		"switch type": `
meta:
  id: r
seq:
  - id: kind
    type: u1
  - id: body
    type:
      switch-on: kind
      cases:
        1: a
types:
  a:
    seq: []
`,
		"parametrized type": `
meta:
  id: r
seq:
  - id: body
    type: a(4)
`,
		"switched endianness": `
meta:
  id: r
  endian:
    switch-on: x
    cases:
      1: le
seq: []
`,
		"nested conditional": `
meta:
  id: r
seq: []
types:
  outer:
    types:
      inner:
        seq:
          - id: v
            type: u1
            if: v == 1
`,
	}
	for name, doc := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := NewInterpreter(mustSchema(t, doc))
			assert.ErrorIs(t, err, ErrUnsupported)
		})
	}

	_, err := NewInterpreter(nil)
	assert.Error(t, err)
}

func TestParsedData_Field(t *testing.T) {
	parsed := parse(t, pointListSchema, []byte{0})

	_, err := parsed.Field("missing")
	assert.ErrorIs(t, err, projector.ErrAttributeMismatch)

	var nilData *ParsedData
	_, err = nilData.Field("x")
	assert.ErrorIs(t, err, projector.ErrAttributeMismatch)
	assert.Nil(t, nilData.Keys())

	points, err := parsed.Field("points")
	require.NoError(t, err)
	assert.Equal(t, []any{}, points)
}

func TestIsBuiltinType(t *testing.T) {
	tests := map[string]bool{
		"u1":    true,
		"s8le":  true,
		"u2":    true,
		"f4":    true,
		"f8be":  true,
		"b1":    true,
		"b12le": true,
		"f2":    false,
		"u3":    false,
		"u1le":  false,
		"str":   false,
		"point": false,
	}
	for name, want := range tests {
		assert.Equal(t, want, IsBuiltinType(name), name)
	}
}

func TestParseProcessSpec(t *testing.T) {
	tests := []struct {
		spec     string
		wantName string
		wantArgs []string
	}{
		{"zlib", "zlib", nil},
		{"xor(0x5f)", "xor", []string{"0x5f"}},
		{"xor([1, 2, 3])", "xor", []string{"[1, 2, 3]"}},
		{"my_proc(key, _root.len)", "my_proc", []string{"key", "_root.len"}},
	}
	for _, tt := range tests {
		t.Run(tt.spec, func(t *testing.T) {
			name, args, err := parseProcessSpec(tt.spec)
			require.NoError(t, err)
			assert.Equal(t, tt.wantName, name)
			assert.Equal(t, tt.wantArgs, args)
		})
	}

	_, _, err := parseProcessSpec("xor(1")
	assert.Error(t, err)

	v, ok := parseLiteral("[0x01, 2]")
	require.True(t, ok)
	assert.Equal(t, []any{int64(1), int64(2)}, v)

	_, ok = parseLiteral("key")
	assert.False(t, ok)
}
