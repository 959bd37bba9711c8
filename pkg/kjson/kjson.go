package kjson

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/mandelsoft/vfs/pkg/osfs"
	"github.com/mandelsoft/vfs/pkg/vfs"

	"github.com/twinfer/kaitai-json/pkg/compiler"
	"github.com/twinfer/kaitai-json/pkg/jsonout"
	"github.com/twinfer/kaitai-json/pkg/ksy"
	"github.com/twinfer/kaitai-json/pkg/projector"
	"github.com/twinfer/kaitai-json/pkg/provider"
)

// Converter loads schemas, parses binaries and projects them to JSON.
type Converter struct {
	schemaCache map[string]*ksy.Schema
	cacheMutex  sync.RWMutex
	logger      *slog.Logger
	options     options
}

// options holds configuration for the converter
type options struct {
	rootType      string
	logger        *slog.Logger
	enableCaching bool
	fs            vfs.FileSystem
	providerKind  provider.Kind
	compiledFile  string
	registry      *provider.Registry
	compiler      *compiler.Compiler
	output        jsonout.Options
}

// Option is a function that configures converter options
type Option func(*options)

// WithRootType sets the type parsing and projection start from. It
// defaults to the schema's meta.id and may name any declared user type.
func WithRootType(rootType string) Option {
	return func(o *options) {
		o.rootType = rootType
	}
}

// WithLogger sets a custom logger
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithCaching turns schema caching on or off. It is on by default.
func WithCaching(enabled bool) Option {
	return func(o *options) {
		o.enableCaching = enabled
	}
}

// WithFileSystem sets the filesystem schemas, binaries and outputs live on.
func WithFileSystem(fs vfs.FileSystem) Option {
	return func(o *options) {
		if fs != nil {
			o.fs = fs
		}
	}
}

// WithProvider selects the parser backend.
func WithProvider(kind provider.Kind) Option {
	return func(o *options) {
		o.providerKind = kind
	}
}

// WithCompiledFile uses an already built parser plugin instead of invoking
// the schema compiler.
func WithCompiledFile(path string) Option {
	return func(o *options) {
		o.compiledFile = path
	}
}

// WithRegistry sets the registry of linked generated parsers.
func WithRegistry(r *provider.Registry) Option {
	return func(o *options) {
		o.registry = r
	}
}

// WithCompiler sets the compiler used when the schema has to be built into
// a plugin because no compiled file or registered parser is available.
func WithCompiler(c *compiler.Compiler) Option {
	return func(o *options) {
		o.compiler = c
	}
}

// WithIndent sets the JSON indentation width. Zero produces compact output.
func WithIndent(n int) Option {
	return func(o *options) {
		o.output.Indent = n
	}
}

// WithBytesEncoding sets how byte sequences appear in JSON.
func WithBytesEncoding(enc jsonout.BytesEncoding) Option {
	return func(o *options) {
		o.output.Bytes = enc
	}
}

// WithCanonical switches to RFC 8785 canonical JSON output.
func WithCanonical(enabled bool) Option {
	return func(o *options) {
		o.output.Canonical = enabled
	}
}

// defaultOptions returns the default configuration
func defaultOptions() options {
	return options{
		logger:        slog.Default(),
		enableCaching: true,
		fs:            osfs.New(),
		providerKind:  provider.KindAuto,
		registry:      provider.DefaultRegistry,
		output:        jsonout.Options{Indent: 2},
	}
}

// Global converter instance for convenience functions
var (
	globalConverter     *Converter
	globalConverterOnce sync.Once
)

func getGlobalConverter() *Converter {
	globalConverterOnce.Do(func() {
		globalConverter = NewConverter()
	})
	return globalConverter
}

// NewConverter creates a converter with the given options
func NewConverter(opts ...Option) *Converter {
	options := defaultOptions()
	for _, opt := range opts {
		opt(&options)
	}
	return &Converter{
		schemaCache: make(map[string]*ksy.Schema),
		logger:      options.logger,
		options:     options,
	}
}

// Project parses binaryPath with the schema at schemaPath and returns the
// projected tree.
func Project(binaryPath, schemaPath string, opts ...Option) (*projector.OrderedMap, error) {
	return getGlobalConverter().Project(context.Background(), binaryPath, schemaPath, opts...)
}

// ProjectBytes parses data with the schema at schemaPath and returns the
// projected tree.
func ProjectBytes(data []byte, schemaPath string, opts ...Option) (*projector.OrderedMap, error) {
	return getGlobalConverter().ProjectBytes(context.Background(), data, schemaPath, opts...)
}

// Convert parses binaryPath and returns the JSON document.
func Convert(binaryPath, schemaPath string, opts ...Option) ([]byte, error) {
	return getGlobalConverter().Convert(context.Background(), binaryPath, schemaPath, opts...)
}

// ConvertBytes parses data and returns the JSON document.
func ConvertBytes(data []byte, schemaPath string, opts ...Option) ([]byte, error) {
	return getGlobalConverter().ConvertBytes(context.Background(), data, schemaPath, opts...)
}

// ValidateSchema checks that a schema file loads.
func ValidateSchema(schemaPath string) error {
	return getGlobalConverter().ValidateSchema(schemaPath)
}

func (c *Converter) withOptions(opts []Option) options {
	options := c.options
	for _, opt := range opts {
		opt(&options)
	}
	return options
}

// Project parses binaryPath and projects it onto the schema at schemaPath.
// Any failure aborts the whole conversion.
func (c *Converter) Project(ctx context.Context, binaryPath, schemaPath string, opts ...Option) (*projector.OrderedMap, error) {
	o := c.withOptions(opts)
	schema, entryType, err := c.prepare(schemaPath, o)
	if err != nil {
		return nil, err
	}
	p, release, err := c.newProvider(ctx, schema, schemaPath, entryType, o)
	if err != nil {
		return nil, err
	}
	defer release()

	o.logger.DebugContext(ctx, "Parsing binary", "binary_path", binaryPath, "schema_path", schemaPath, "type_name", entryType)
	handle, err := p.Parse(ctx, binaryPath, entryType)
	if err != nil {
		return nil, fmt.Errorf("parsing %s: %w", binaryPath, err)
	}
	return c.project(schema, handle, entryType, o)
}

// ProjectBytes parses data and projects it onto the schema at schemaPath.
// The selected provider must be able to parse in-memory data.
func (c *Converter) ProjectBytes(ctx context.Context, data []byte, schemaPath string, opts ...Option) (*projector.OrderedMap, error) {
	o := c.withOptions(opts)
	schema, entryType, err := c.prepare(schemaPath, o)
	if err != nil {
		return nil, err
	}
	p, release, err := c.newProvider(ctx, schema, schemaPath, entryType, o)
	if err != nil {
		return nil, err
	}
	defer release()
	bp, ok := p.(provider.BytesProvider)
	if !ok {
		return nil, fmt.Errorf("provider %T cannot parse in-memory data", p)
	}

	handle, err := bp.ParseBytes(ctx, data, entryType)
	if err != nil {
		return nil, fmt.Errorf("parsing data: %w", err)
	}
	return c.project(schema, handle, entryType, o)
}

// Convert parses binaryPath and returns the JSON document.
func (c *Converter) Convert(ctx context.Context, binaryPath, schemaPath string, opts ...Option) ([]byte, error) {
	out, err := c.Project(ctx, binaryPath, schemaPath, opts...)
	if err != nil {
		return nil, err
	}
	return c.marshal(out, opts)
}

// ConvertBytes parses data and returns the JSON document.
func (c *Converter) ConvertBytes(ctx context.Context, data []byte, schemaPath string, opts ...Option) ([]byte, error) {
	out, err := c.ProjectBytes(ctx, data, schemaPath, opts...)
	if err != nil {
		return nil, err
	}
	return c.marshal(out, opts)
}

// WriteFile converts binaryPath and writes the JSON document to
// outputPath, replacing any previous content. Nothing is written unless the
// conversion succeeds.
func (c *Converter) WriteFile(ctx context.Context, binaryPath, schemaPath, outputPath string, opts ...Option) error {
	data, err := c.Convert(ctx, binaryPath, schemaPath, opts...)
	if err != nil {
		return err
	}
	fs := c.withOptions(opts).fs
	f, err := fs.OpenFile(outputPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("opening output file: %w", err)
	}
	_, werr := f.Write(append(data, '\n'))
	cerr := f.Close()
	if err := errors.Join(werr, cerr); err != nil {
		return fmt.Errorf("writing output file %s: %w", outputPath, err)
	}
	return nil
}

// ValidateSchema checks that a schema file loads.
func (c *Converter) ValidateSchema(schemaPath string) error {
	_, err := c.LoadSchema(schemaPath)
	return err
}

// LoadSchema loads a schema, from the cache when caching is enabled.
func (c *Converter) LoadSchema(schemaPath string) (*ksy.Schema, error) {
	return c.loadSchema(schemaPath, c.options)
}

// ClearCache clears the schema cache
func (c *Converter) ClearCache() {
	c.cacheMutex.Lock()
	defer c.cacheMutex.Unlock()
	c.schemaCache = make(map[string]*ksy.Schema)
}

func (c *Converter) loadSchema(schemaPath string, o options) (*ksy.Schema, error) {
	if o.enableCaching {
		c.cacheMutex.RLock()
		cached, exists := c.schemaCache[schemaPath]
		c.cacheMutex.RUnlock()
		if exists {
			return cached, nil
		}
	}

	schema, err := ksy.LoadFile(o.fs, schemaPath)
	if err != nil {
		return nil, err
	}

	if o.enableCaching {
		c.cacheMutex.Lock()
		c.schemaCache[schemaPath] = schema
		c.cacheMutex.Unlock()
	}
	return schema, nil
}

// prepare loads the schema and resolves the entry type.
func (c *Converter) prepare(schemaPath string, o options) (*ksy.Schema, string, error) {
	schema, err := c.loadSchema(schemaPath, o)
	if err != nil {
		return nil, "", err
	}
	entryType := o.rootType
	if entryType == "" {
		entryType = schema.RootID()
	}
	if entryType != schema.RootID() && !schema.IsUserType(entryType) {
		return nil, "", &projector.TypeError{Type: entryType}
	}
	return schema, entryType, nil
}

// newProvider builds the parser backend. When the schema has to be compiled
// first, the returned release func removes the temporary build artifacts.
func (c *Converter) newProvider(ctx context.Context, schema *ksy.Schema, schemaPath, entryType string, o options) (provider.Provider, func(), error) {
	release := func() {}
	kind := provider.Resolve(o.providerKind, entryType, o.compiledFile, o.registry)
	compiled := o.compiledFile
	if kind == provider.KindPlugin && compiled == "" {
		comp := o.compiler
		if comp == nil {
			comp = compiler.New(compiler.WithFileSystem(o.fs), compiler.WithLogger(o.logger))
		}
		res, err := comp.Compile(ctx, schemaPath, schema)
		if err != nil {
			return nil, release, fmt.Errorf("compiling %s: %w", schemaPath, err)
		}
		compiled = res.PluginFile
		release = func() {
			if err := comp.Cleanup(res); err != nil {
				o.logger.Warn("Failed to clean up compiled parser", "out_dir", res.OutDir, "error", err)
			}
		}
	}

	p, err := provider.New(kind, schema, entryType, compiled,
		provider.WithFileSystem(o.fs),
		provider.WithLogger(o.logger),
		provider.WithRegistry(o.registry),
	)
	if err != nil {
		release()
		return nil, func() {}, fmt.Errorf("creating parser provider: %w", err)
	}
	return p, release, nil
}

func (c *Converter) project(schema *ksy.Schema, handle projector.Struct, entryType string, o options) (*projector.OrderedMap, error) {
	out, err := projector.New(schema, projector.WithLogger(o.logger)).Project(handle, entryType)
	if err != nil {
		return nil, fmt.Errorf("projecting %s: %w", entryType, err)
	}
	return out, nil
}

func (c *Converter) marshal(out *projector.OrderedMap, opts []Option) ([]byte, error) {
	data, err := jsonout.Marshal(out, c.withOptions(opts).output)
	if err != nil {
		return nil, fmt.Errorf("marshaling to JSON: %w", err)
	}
	return data, nil
}
