package kaitaistruct

import (
	"fmt"
	"strings"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/encoding/ianaindex"
	"golang.org/x/text/encoding/japanese"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/encoding/unicode/utf32"

	"github.com/twinfer/kaitai-json/pkg/ksy"
)

func (k *Interpreter) parseString(field ksy.Field, typeName string, sc *scope, extra map[string]any) (*ParsedData, error) {
	var defaultTerm *byte
	if typeName == "strz" {
		zero := byte(0)
		defaultTerm = &zero
	}
	data, err := k.readRaw(field, sc, extra, defaultTerm)
	if err != nil {
		return nil, err
	}

	enc := field.Encoding
	if enc == "" {
		enc = k.schema.Meta.Encoding
	}
	if enc == "" {
		enc = "UTF-8"
	}
	s, err := decodeString(data, enc)
	if err != nil {
		return nil, fmt.Errorf("decoding %s string: %w", enc, err)
	}
	return newValue(typeName, s), nil
}

// decodeString converts bytes in the named encoding to a Go string. Names are
// matched case-insensitively, ignoring '-' and '_'; anything not listed falls
// back to the IANA registry.
func decodeString(data []byte, encodingName string) (string, error) {
	var enc encoding.Encoding

	switch normalizeEncoding(encodingName) {
	case "UTF8":
		return string(data), nil
	case "ASCII":
		for _, b := range data {
			if b > 127 {
				return "", fmt.Errorf("invalid ASCII character: %d", b)
			}
		}
		return string(data), nil
	case "UTF16LE":
		enc = unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM)
	case "UTF16BE":
		enc = unicode.UTF16(unicode.BigEndian, unicode.IgnoreBOM)
	case "UTF32LE":
		enc = utf32.UTF32(utf32.LittleEndian, utf32.IgnoreBOM)
	case "UTF32BE":
		enc = utf32.UTF32(utf32.BigEndian, utf32.IgnoreBOM)
	case "CP437", "IBM437":
		enc = charmap.CodePage437
	case "ISO88591", "LATIN1":
		enc = charmap.ISO8859_1
	case "WINDOWS1252", "CP1252":
		enc = charmap.Windows1252
	case "SHIFTJIS", "SJIS":
		enc = japanese.ShiftJIS
	default:
		e, err := ianaindex.IANA.Encoding(encodingName)
		if err != nil || e == nil {
			return "", fmt.Errorf("unsupported encoding: %s", encodingName)
		}
		enc = e
	}

	return enc.NewDecoder().String(string(data))
}

func normalizeEncoding(name string) string {
	return strings.NewReplacer("-", "", "_", "").Replace(strings.ToUpper(name))
}

// terminatorOf returns the field's terminator byte, falling back to
// defaultTerm (strz) when none is declared.
func terminatorOf(field ksy.Field, defaultTerm *byte) (byte, bool, error) {
	if field.Terminator != nil {
		b, err := toByte(field.Terminator)
		if err != nil {
			return 0, false, fmt.Errorf("invalid terminator: %w", err)
		}
		return b, true, nil
	}
	if defaultTerm != nil {
		return *defaultTerm, true, nil
	}
	return 0, false, nil
}

// toByte converts a schema scalar to a byte value.
func toByte(value any) (byte, error) {
	var n int64
	switch v := value.(type) {
	case int:
		n = int64(v)
	case int64:
		n = v
	case uint64:
		if v > 255 {
			return 0, fmt.Errorf("byte value %d out of range [0, 255]", v)
		}
		n = int64(v)
	case float64:
		if v != float64(int64(v)) {
			return 0, fmt.Errorf("byte value %f must be a whole number", v)
		}
		n = int64(v)
	case string:
		var b byte
		if _, err := fmt.Sscanf(v, "0x%x", &b); err != nil {
			return 0, fmt.Errorf("invalid hex value %s: %w", v, err)
		}
		return b, nil
	default:
		return 0, fmt.Errorf("unsupported value type: %T", v)
	}
	if n < 0 || n > 255 {
		return 0, fmt.Errorf("byte value %d out of range [0, 255]", n)
	}
	return byte(n), nil
}

// contentsBytes flattens a contents declaration: a string, a byte value, or
// a list mixing both.
func contentsBytes(contents any) ([]byte, error) {
	switch v := contents.(type) {
	case string:
		return []byte(v), nil
	case []any:
		var out []byte
		for i, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s...)
				continue
			}
			b, err := toByte(item)
			if err != nil {
				return nil, fmt.Errorf("element %d: %w", i, err)
			}
			out = append(out, b)
		}
		return out, nil
	default:
		b, err := toByte(v)
		if err != nil {
			return nil, err
		}
		return []byte{b}, nil
	}
}
