// Package testutil holds helpers shared by the package tests.
package testutil

import (
	"io"
	"log/slog"
	"math"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/mandelsoft/vfs/pkg/memoryfs"
	"github.com/mandelsoft/vfs/pkg/vfs"

	"github.com/twinfer/kaitai-json/pkg/projector"
)

// ConvertToInt64 converts various numeric types to int64 for comparison.
// Returns the int64 value and a boolean indicating success.
func ConvertToInt64(i any) (int64, bool) {
	switch v := i.(type) {
	case float64:
		if v == float64(int64(v)) {
			return int64(v), true
		}
		return 0, false
	case float32:
		if v == float32(int64(v)) {
			return int64(v), true
		}
		return 0, false
	case int:
		return int64(v), true
	case int8:
		return int64(v), true
	case int16:
		return int64(v), true
	case int32:
		return int64(v), true
	case int64:
		return v, true
	case uint:
		if v <= math.MaxInt64 {
			return int64(v), true
		}
		return 0, false
	case uint8:
		return int64(v), true
	case uint16:
		return int64(v), true
	case uint32:
		return int64(v), true
	case uint64:
		if v <= math.MaxInt64 {
			return int64(v), true
		}
		return 0, false
	default:
		return 0, false
	}
}

// NumericComparer is a cmp option for flexible numeric comparison, so a
// uint16 read from a binary equals the float64 decoded from JSON. It only
// applies when both values are numbers.
var NumericComparer = cmp.FilterValues(func(x, y any) bool {
	return isNumber(x) && isNumber(y)
}, cmp.Comparer(func(x, y any) bool {
	xInt, xOk := ConvertToInt64(x)
	yInt, yOk := ConvertToInt64(y)
	if xOk && yOk {
		return xInt == yInt
	}
	return math.Abs(toFloat64(x)-toFloat64(y)) < 1e-9
}))

func isNumber(v any) bool {
	switch v.(type) {
	case float32, float64:
		return true
	}
	_, ok := ConvertToInt64(v)
	return ok
}

func toFloat64(v any) float64 {
	switch n := v.(type) {
	case float32:
		return float64(n)
	case float64:
		return n
	}
	i, _ := ConvertToInt64(v)
	return float64(i)
}

// Plain rewrites a projected tree into maps and slices go-cmp can walk.
// Byte sequences become slices of integers, as they appear in JSON.
func Plain(v any) any {
	switch val := v.(type) {
	case *projector.OrderedMap:
		m := make(map[string]any, val.Len())
		for key, item := range val.All() {
			m[key] = Plain(item)
		}
		return m
	case []any:
		items := make([]any, len(val))
		for i, item := range val {
			items[i] = Plain(item)
		}
		return items
	case []byte:
		items := make([]any, len(val))
		for i, b := range val {
			items[i] = int64(b)
		}
		return items
	default:
		return v
	}
}

// MemFS returns an in-memory filesystem holding files.
func MemFS(t testing.TB, files map[string][]byte) vfs.FileSystem {
	t.Helper()
	fs := memoryfs.New()
	for path, data := range files {
		if err := vfs.WriteFile(fs, path, data, 0o644); err != nil {
			t.Fatalf("writing %s: %v", path, err)
		}
	}
	return fs
}

// DiscardLogger returns a logger that drops every record.
func DiscardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
