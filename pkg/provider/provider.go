// Package provider supplies parsed binary structures to the projector.
//
// A Provider hides how bytes are decoded: by the built-in schema
// interpreter, by generated parsers linked into the binary, or by generated
// parsers loaded from a Go plugin.
package provider

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/mandelsoft/vfs/pkg/osfs"
	"github.com/mandelsoft/vfs/pkg/vfs"

	"github.com/twinfer/kaitai-json/pkg/ksy"
	"github.com/twinfer/kaitai-json/pkg/projector"
)

// Provider parses a binary file into a structure of the named type.
type Provider interface {
	Parse(ctx context.Context, binaryPath, typeName string) (projector.Struct, error)
}

// BytesProvider is implemented by providers that can parse in-memory data.
type BytesProvider interface {
	ParseBytes(ctx context.Context, data []byte, typeName string) (projector.Struct, error)
}

// Kind names a provider implementation.
type Kind string

const (
	KindAuto     Kind = "auto"
	KindInterp   Kind = "interp"
	KindPlugin   Kind = "plugin"
	KindRegistry Kind = "registry"
)

// ParseKind validates a provider name. The empty string selects KindAuto.
func ParseKind(s string) (Kind, error) {
	switch k := Kind(s); k {
	case "":
		return KindAuto, nil
	case KindAuto, KindInterp, KindPlugin, KindRegistry:
		return k, nil
	default:
		return "", fmt.Errorf("unknown provider %q (want auto, interp, plugin or registry)", s)
	}
}

type options struct {
	fs       vfs.FileSystem
	logger   *slog.Logger
	registry *Registry
}

// Option configures a provider.
type Option func(*options)

// WithFileSystem sets the filesystem binary inputs are read from.
func WithFileSystem(fs vfs.FileSystem) Option {
	return func(o *options) {
		if fs != nil {
			o.fs = fs
		}
	}
}

// WithLogger sets the logger used for debug tracing.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithRegistry sets the registry consulted by KindRegistry and KindAuto.
// It defaults to DefaultRegistry.
func WithRegistry(r *Registry) Option {
	return func(o *options) {
		if r != nil {
			o.registry = r
		}
	}
}

func newOptions(opts []Option) *options {
	o := &options{
		fs:       osfs.New(),
		logger:   slog.Default(),
		registry: DefaultRegistry,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Resolve reports the provider kind stands for. KindAuto picks the plugin
// when compiledPath is set, then a generated parser registered for
// typeName, and otherwise the plugin the schema still has to be compiled
// into. Other kinds are returned unchanged.
func Resolve(kind Kind, typeName, compiledPath string, r *Registry) Kind {
	if kind != KindAuto {
		return kind
	}
	if r == nil {
		r = DefaultRegistry
	}
	switch {
	case compiledPath != "":
		return KindPlugin
	case r.Has(typeName):
		return KindRegistry
	default:
		return KindPlugin
	}
}

// New builds the provider of the given kind for schema. compiledPath is the
// Go plugin built from the schema, if any; only the plugin provider accepts
// one.
func New(kind Kind, schema *ksy.Schema, typeName, compiledPath string, opts ...Option) (Provider, error) {
	o := newOptions(opts)
	if kind == KindAuto {
		kind = Resolve(kind, typeName, compiledPath, o.registry)
		o.logger.Debug("Selected parser provider", "provider", string(kind), "type_name", typeName)
	}
	if compiledPath != "" && kind != KindPlugin {
		return nil, fmt.Errorf("compiled file %s cannot be used with the %s provider", compiledPath, kind)
	}

	switch kind {
	case KindInterp:
		return NewInterpreter(schema, opts...)
	case KindPlugin:
		if compiledPath == "" {
			return nil, fmt.Errorf("plugin provider needs a compiled plugin path")
		}
		return NewPlugin(compiledPath, opts...), nil
	case KindRegistry:
		if !o.registry.Has(typeName) {
			return nil, fmt.Errorf("%w: no generated parser registered for %q", projector.ErrTypeResolution, typeName)
		}
		return o.registry.Provider(opts...), nil
	default:
		return nil, fmt.Errorf("unknown provider %q", kind)
	}
}

func readBinary(fs vfs.FileSystem, path string) ([]byte, error) {
	data, err := vfs.ReadFile(fs, path)
	if err != nil {
		return nil, fmt.Errorf("reading binary file %s: %w", path, err)
	}
	return data, nil
}
