package ksy

import (
	"errors"
	"testing"

	"github.com/mandelsoft/vfs/pkg/memoryfs"
	"github.com/mandelsoft/vfs/pkg/vfs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const pointListSchema = `
meta:
  id: point_list
  endian: le
seq:
  - id: count
    type: u1
  - id: points
    type: point
    repeat: expr
    repeat-expr: count
  - id: trailer
    type: footer
types:
  point:
    seq:
      - id: x
        type: s2
      - id: y
        type: s2
  footer:
    seq:
      - id: crc
        type: u4
    types:
      crc_detail:
        seq:
          - id: poly
            type: u4
`

func TestLoad(t *testing.T) {
	schema, err := Load([]byte(pointListSchema))
	require.NoError(t, err)

	assert.Equal(t, "point_list", schema.RootID())
	assert.Equal(t, "le", schema.DefaultEndian())
	require.Len(t, schema.Seq, 3)

	ids := make([]string, 0, len(schema.Seq))
	for _, f := range schema.Seq {
		ids = append(ids, f.ID)
	}
	assert.Equal(t, []string{"count", "points", "trailer"}, ids)

	name, ok := schema.Seq[1].TypeName()
	require.True(t, ok)
	assert.Equal(t, "point", name)
	assert.True(t, schema.Seq[1].IsRepeated())
	assert.Equal(t, "count", schema.Seq[1].RepeatExpr)
}

func TestLoad_Malformed(t *testing.T) {
	_, err := Load([]byte("meta: [unclosed"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrParse))
}

func TestLoadFile(t *testing.T) {
	fs := memoryfs.New()
	require.NoError(t, fs.MkdirAll("/schemas", 0o755))
	require.NoError(t, vfs.WriteFile(fs, "/schemas/points.ksy", []byte(pointListSchema), 0o644))

	schema, err := LoadFile(fs, "/schemas/points.ksy")
	require.NoError(t, err)
	assert.Equal(t, "point_list", schema.Meta.ID)

	_, err = LoadFile(fs, "/schemas/missing.ksy")
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrParse))
}

func TestSeqFor(t *testing.T) {
	schema, err := Load([]byte(pointListSchema))
	require.NoError(t, err)

	t.Run("root", func(t *testing.T) {
		seq, ok := schema.SeqFor("point_list", "point_list")
		require.True(t, ok)
		assert.Len(t, seq, 3)
	})

	t.Run("user type", func(t *testing.T) {
		seq, ok := schema.SeqFor("point", "point_list")
		require.True(t, ok)
		require.Len(t, seq, 2)
		assert.Equal(t, "x", seq[0].ID)
	})

	t.Run("nested user type", func(t *testing.T) {
		seq, ok := schema.SeqFor("crc_detail", "point_list")
		require.True(t, ok)
		require.Len(t, seq, 1)
		assert.Equal(t, "poly", seq[0].ID)
	})

	t.Run("unknown", func(t *testing.T) {
		_, ok := schema.SeqFor("unknown_type", "point_list")
		assert.False(t, ok)
	})
}

func TestIsUserType(t *testing.T) {
	schema, err := Load([]byte(pointListSchema))
	require.NoError(t, err)

	assert.True(t, schema.IsUserType("point"))
	assert.True(t, schema.IsUserType("crc_detail"))
	assert.False(t, schema.IsUserType("u4"))
	assert.False(t, schema.IsUserType("point_list"))
}

func TestFieldTypeName_SwitchOn(t *testing.T) {
	schema, err := Load([]byte(`
meta:
  id: tagged
seq:
  - id: tag
    type: u1
  - id: body
    type:
      switch-on: tag
      cases:
        1: one
`))
	require.NoError(t, err)

	_, ok := schema.Seq[1].TypeName()
	assert.False(t, ok)

	_, ok = schema.Seq[0].TypeName()
	assert.True(t, ok)
}
