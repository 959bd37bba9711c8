// Package kjson provides a high-level API for converting binary files to JSON
// using Kaitai Struct format specifications.
//
// # Overview
//
// A conversion loads a .ksy schema, parses the binary with one of the parser
// providers and projects the parsed structure onto the schema. Every field
// the schema declares in its seq appears in the output, in declaration order,
// under its original id. It supports:
//
//   - Schema caching across conversions
//   - Context support for cancellation
//   - Interpreted, linked and plugin-built parsers
//   - Compact, indented or canonical JSON
//
// # Quick Start
//
// The simplest way to convert a file is using the global functions:
//
//	out, err := kjson.Convert("points.bin", "point_list.ksy")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Println(string(out))
//
// # Custom Converter Instance
//
// For more control, create a converter with specific options:
//
//	conv := kjson.NewConverter(
//	    kjson.WithIndent(4),
//	    kjson.WithBytesEncoding(jsonout.BytesHex),
//	)
//
//	err := conv.WriteFile(ctx, "points.bin", "point_list.ksy", "points.json")
//
// # Parser Providers
//
// The provider decides how the binary is parsed:
//
//   - provider.KindInterp: the schema is interpreted directly
//   - provider.KindRegistry: a generated parser linked into the binary
//   - provider.KindPlugin: a generated parser loaded from a Go plugin. Without
//     WithCompiledFile the schema is compiled with kaitai-struct-compiler first
//   - provider.KindAuto (default): plugin if a compiled file is given,
//     registry if the type is registered, and otherwise the schema is
//     compiled into a plugin. The interpreter is only used when selected.
//
// # Configuration Options
//
//   - WithRootType(string): Entry type (default: meta.id)
//   - WithLogger(*slog.Logger): Custom logging
//   - WithCaching(bool): Schema caching (default: on)
//   - WithFileSystem(vfs.FileSystem): Filesystem for all file access
//   - WithIndent(int): Indentation width (default: 2)
//   - WithBytesEncoding(jsonout.BytesEncoding): array, base64 or hex
//   - WithCanonical(bool): RFC 8785 output
//
// # Data Type Conversion
//
// Parsed values map to JSON as follows:
//
//   - Integers → numbers
//   - Floats → numbers; NaN and infinities → "NaN", "Infinity", "-Infinity"
//   - Strings → strings
//   - Bytes → arrays of integers, or strings with base64/hex encoding
//   - Repeated fields → arrays
//   - User types → objects
//
// # Error Handling
//
// Conversion is all-or-nothing. Errors wrap package sentinels that can be
// tested with errors.Is:
//
//   - ksy.ErrParse: the schema is not valid YAML
//   - projector.ErrTypeResolution: a type name resolves nowhere
//   - projector.ErrAttributeMismatch: the parsed object lacks a declared field
//   - compiler.ErrExternalTool: the schema compiler or plugin build failed
//
// # Thread Safety
//
// A Converter is safe for concurrent use. The schema cache is guarded by a
// read-write mutex.
package kjson
