// Package jsonout serializes projected structures to JSON.
package jsonout

import (
	"bytes"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"
	"math"
	"reflect"
	"strings"

	"github.com/goccy/go-json"
	"github.com/gowebpki/jcs"

	"github.com/twinfer/kaitai-json/pkg/projector"
)

// BytesEncoding selects how byte sequences appear in JSON.
type BytesEncoding string

const (
	// BytesArray encodes byte sequences as arrays of integers.
	BytesArray BytesEncoding = "array"
	// BytesBase64 encodes byte sequences as standard base64 strings.
	BytesBase64 BytesEncoding = "base64"
	// BytesHex encodes byte sequences as lowercase hex strings.
	BytesHex BytesEncoding = "hex"
)

// ParseBytesEncoding validates a bytes encoding name.
func ParseBytesEncoding(name string) (BytesEncoding, error) {
	switch enc := BytesEncoding(strings.ToLower(strings.TrimSpace(name))); enc {
	case BytesArray, BytesBase64, BytesHex:
		return enc, nil
	case "":
		return BytesArray, nil
	default:
		return "", fmt.Errorf("unknown bytes encoding %q (want array, base64 or hex)", name)
	}
}

// Options control the JSON rendering.
type Options struct {
	// Indent is the number of spaces per nesting level; 0 renders compact JSON.
	Indent int
	// Bytes selects the byte sequence rendering, BytesArray if empty.
	Bytes BytesEncoding
	// Canonical renders RFC 8785 canonical JSON. Keys are sorted and
	// Indent is ignored.
	Canonical bool
}

// Marshal renders v as JSON.
func Marshal(v any, opts Options) ([]byte, error) {
	normalized, err := Normalize(v, opts.Bytes)
	if err != nil {
		return nil, err
	}

	data, err := json.MarshalNoEscape(normalized)
	if err != nil {
		return nil, fmt.Errorf("marshaling to JSON: %w", err)
	}

	if opts.Canonical {
		canonical, err := jcs.Transform(data)
		if err != nil {
			return nil, fmt.Errorf("canonicalizing JSON: %w", err)
		}
		return canonical, nil
	}

	if opts.Indent <= 0 {
		return data, nil
	}
	var buf bytes.Buffer
	if err := json.Indent(&buf, data, "", strings.Repeat(" ", opts.Indent)); err != nil {
		return nil, fmt.Errorf("indenting JSON: %w", err)
	}
	return buf.Bytes(), nil
}

// Encode renders v as JSON to w followed by a newline.
func Encode(w io.Writer, v any, opts Options) error {
	data, err := Marshal(v, opts)
	if err != nil {
		return err
	}
	data = append(data, '\n')
	_, err = w.Write(data)
	return err
}

// Normalize rewrites a projected tree into values the JSON encoder renders
// as intended: byte sequences per encoding and non-finite floats as strings.
func Normalize(v any, encoding BytesEncoding) (any, error) {
	if encoding == "" {
		encoding = BytesArray
	}
	switch val := v.(type) {
	case nil, string, bool,
		int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64:
		return val, nil
	case float32:
		return normalizeFloat(float64(val)), nil
	case float64:
		return normalizeFloat(val), nil
	case []byte:
		return encodeBytes(val, encoding)
	case *projector.OrderedMap:
		out := projector.NewOrderedMap(val.Len())
		for k, item := range val.All() {
			n, err := Normalize(item, encoding)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", k, err)
			}
			out.Set(k, n)
		}
		return out, nil
	case []any:
		return normalizeSlice(val, encoding)
	}

	rv := reflect.ValueOf(v)
	if rv.Kind() == reflect.Slice || rv.Kind() == reflect.Array {
		items := make([]any, rv.Len())
		for i := range items {
			items[i] = rv.Index(i).Interface()
		}
		return normalizeSlice(items, encoding)
	}
	return v, nil
}

func normalizeSlice(items []any, encoding BytesEncoding) ([]any, error) {
	out := make([]any, len(items))
	for i, item := range items {
		n, err := Normalize(item, encoding)
		if err != nil {
			return nil, fmt.Errorf("[%d]: %w", i, err)
		}
		out[i] = n
	}
	return out, nil
}

func normalizeFloat(f float64) any {
	switch {
	case math.IsNaN(f):
		return "NaN"
	case math.IsInf(f, 1):
		return "Infinity"
	case math.IsInf(f, -1):
		return "-Infinity"
	}
	return f
}

func encodeBytes(b []byte, encoding BytesEncoding) (any, error) {
	switch encoding {
	case BytesArray:
		ints := make([]int, len(b))
		for i, c := range b {
			ints[i] = int(c)
		}
		return ints, nil
	case BytesBase64:
		return base64.StdEncoding.EncodeToString(b), nil
	case BytesHex:
		return hex.EncodeToString(b), nil
	default:
		return nil, fmt.Errorf("unknown bytes encoding %q", encoding)
	}
}
