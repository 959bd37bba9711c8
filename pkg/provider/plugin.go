package provider

import (
	"fmt"
	"plugin"
	"sync"

	"github.com/twinfer/kaitai-json/pkg/projector"
)

// symbolTable is the part of *plugin.Plugin the provider uses.
type symbolTable interface {
	Lookup(symName string) (plugin.Symbol, error)
}

func openPlugin(path string) (symbolTable, error) {
	return plugin.Open(path)
}

// Plugin parses with generated parsers compiled into a Go plugin. The
// plugin must export a constructor New<Type> for each type it can parse,
// where <Type> is the PascalCase form of the schema type name.
type Plugin struct {
	*Generated

	path string
	open func(path string) (symbolTable, error)

	once    sync.Once
	lib     symbolTable
	openErr error
}

// NewPlugin creates a provider for the plugin at path. The plugin is opened
// on first use.
func NewPlugin(path string, opts ...Option) *Plugin {
	o := newOptions(opts)
	p := &Plugin{path: path, open: openPlugin}
	p.Generated = &Generated{lookup: p.factory, fs: o.fs, logger: o.logger}
	return p
}

// Path returns the plugin file path.
func (p *Plugin) Path() string {
	return p.path
}

func (p *Plugin) load() (symbolTable, error) {
	p.once.Do(func() {
		p.lib, p.openErr = p.open(p.path)
	})
	if p.openErr != nil {
		return nil, fmt.Errorf("opening parser plugin %s: %w", p.path, p.openErr)
	}
	return p.lib, nil
}

func (p *Plugin) factory(typeName string) (Factory, error) {
	lib, err := p.load()
	if err != nil {
		return nil, err
	}
	name := "New" + projector.ToPascalCase(typeName)
	sym, err := lib.Lookup(name)
	if err != nil {
		return nil, fmt.Errorf("%w: plugin %s does not export %s: %w", projector.ErrTypeResolution, p.path, name, err)
	}
	factory, err := factoryOf(sym)
	if err != nil {
		return nil, fmt.Errorf("%w: %s in plugin %s: %w", projector.ErrTypeResolution, name, p.path, err)
	}
	return factory, nil
}
