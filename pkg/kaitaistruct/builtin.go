package kaitaistruct

import (
	"fmt"
	"regexp"
	"strconv"

	"github.com/kaitai-io/kaitai_struct_go_runtime/kaitai"
)

var (
	bitTypeRegex     = regexp.MustCompile(`^b([1-9][0-9]*)(le|be)?$`)
	numericTypeRegex = regexp.MustCompile(`^([usf])([1248])(le|be)?$`)
)

type readFunc func(*kaitai.Stream) (any, error)

func reader[T any](read func(*kaitai.Stream) (T, error)) readFunc {
	return func(io *kaitai.Stream) (any, error) {
		v, err := read(io)
		if err != nil {
			return nil, err
		}
		return v, nil
	}
}

// numericReaders maps fully qualified primitive type names to stream readers.
// Values keep the Go types generated parsers use.
var numericReaders = map[string]readFunc{
	"u1":   reader((*kaitai.Stream).ReadU1),
	"u2le": reader((*kaitai.Stream).ReadU2le),
	"u2be": reader((*kaitai.Stream).ReadU2be),
	"u4le": reader((*kaitai.Stream).ReadU4le),
	"u4be": reader((*kaitai.Stream).ReadU4be),
	"u8le": reader((*kaitai.Stream).ReadU8le),
	"u8be": reader((*kaitai.Stream).ReadU8be),
	"s1":   reader((*kaitai.Stream).ReadS1),
	"s2le": reader((*kaitai.Stream).ReadS2le),
	"s2be": reader((*kaitai.Stream).ReadS2be),
	"s4le": reader((*kaitai.Stream).ReadS4le),
	"s4be": reader((*kaitai.Stream).ReadS4be),
	"s8le": reader((*kaitai.Stream).ReadS8le),
	"s8be": reader((*kaitai.Stream).ReadS8be),
	"f4le": reader((*kaitai.Stream).ReadF4le),
	"f4be": reader((*kaitai.Stream).ReadF4be),
	"f8le": reader((*kaitai.Stream).ReadF8le),
	"f8be": reader((*kaitai.Stream).ReadF8be),
}

// IsBuiltinType reports whether typeName names a primitive numeric or bit
// type, with or without an explicit endianness suffix.
func IsBuiltinType(typeName string) bool {
	if bitTypeRegex.MatchString(typeName) {
		return true
	}
	_, ok := qualifyNumeric(typeName, "be")
	return ok
}

// qualifyNumeric appends the endianness suffix multi-byte types need.
func qualifyNumeric(typeName, endian string) (string, bool) {
	m := numericTypeRegex.FindStringSubmatch(typeName)
	if m == nil {
		return "", false
	}
	kind, width, suffix := m[1], m[2], m[3]
	if width == "1" {
		if kind == "f" || suffix != "" {
			return "", false
		}
		return typeName, true
	}
	if kind == "f" && width == "2" {
		return "", false
	}
	if suffix == "" {
		suffix = endian
	}
	if suffix == "" {
		suffix = "be"
	}
	name := kind + width + suffix
	_, ok := numericReaders[name]
	return name, ok
}

// readBuiltin reads a primitive value. The second result is false when
// typeName is not a primitive type.
func (k *Interpreter) readBuiltin(sc *scope, typeName string) (any, bool, error) {
	if m := bitTypeRegex.FindStringSubmatch(typeName); m != nil {
		numBits, err := strconv.Atoi(m[1])
		if err != nil || numBits > 64 {
			return nil, true, fmt.Errorf("invalid bit width in type '%s'", typeName)
		}
		bitEndian := m[2]
		if bitEndian == "" {
			bitEndian = sc.bitEndian
		}
		var val uint64
		if bitEndian == "le" {
			val, err = sc.io.ReadBitsIntLe(numBits)
		} else {
			val, err = sc.io.ReadBitsIntBe(numBits)
		}
		if err != nil {
			return nil, true, err
		}
		if numBits == 1 {
			return val == 1, true, nil
		}
		return val, true, nil
	}

	name, ok := qualifyNumeric(typeName, sc.endian)
	if !ok {
		return nil, false, nil
	}
	sc.io.AlignToByte()
	v, err := numericReaders[name](sc.io)
	return v, true, err
}
