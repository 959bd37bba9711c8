package app

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/mandelsoft/vfs/pkg/osfs"
	"github.com/mandelsoft/vfs/pkg/vfs"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/twinfer/kaitai-json/internal/config"
	"github.com/twinfer/kaitai-json/pkg/compiler"
	"github.com/twinfer/kaitai-json/pkg/jsonout"
	"github.com/twinfer/kaitai-json/pkg/kjson"
	"github.com/twinfer/kaitai-json/pkg/provider"
)

type Options struct {
	fs vfs.FileSystem

	compiledFile string
	outputFile   string
	indent       int
	provider     string
	bytes        string
	canonical    bool
	rootType     string
	configPath   string
	logLevel     string
}

func New(fss ...vfs.FileSystem) *cobra.Command {
	opts := &Options{
		fs: osfs.New(),
	}
	if len(fss) > 0 && fss[0] != nil {
		opts.fs = fss[0]
	}
	opts.configPath = os.Getenv(config.EnvVar)

	defaults := config.Default()

	cmd := &cobra.Command{
		Use:   "kaitai-json <options> <bin_file> <ksy_file>",
		Short: "convert a binary file to JSON using a Kaitai Struct schema",
		Long: `
This command parses a binary file with the format described by a
Kaitai Struct (.ksy) schema and prints the parsed structure as JSON.
Fields appear in the order the schema declares them.

By default the schema is compiled with kaitai-struct-compiler and built
into a Go plugin that parses the binary. Pass a compiled plugin with -c
to skip that step, or use --provider interp to interpret the schema
without any external tools.
`,
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.Run(cmd, args[0], args[1])
		},
	}

	flags := cmd.Flags()
	flags.StringVarP(&opts.compiledFile, "compiled_file", "c", "", "pre-compiled parser plugin (.so), skips compiling the schema")
	flags.StringVarP(&opts.outputFile, "output_file", "o", "", "output JSON file (default: standard output)")
	flags.IntVar(&opts.indent, "indent", defaults.Indent, "JSON indentation width, 0 for compact output")
	flags.StringVar(&opts.provider, "provider", string(defaults.Provider), "parser provider (auto, interp, plugin, registry)")
	flags.StringVar(&opts.bytes, "bytes", string(defaults.Bytes), "byte sequence encoding (array, base64, hex)")
	flags.BoolVar(&opts.canonical, "canonical", false, "emit RFC 8785 canonical JSON")
	flags.StringVar(&opts.rootType, "root-type", "", "type to start parsing from (default: meta.id)")
	flags.StringVar(&opts.configPath, "config", opts.configPath, "TOML config file (env "+config.EnvVar+")")
	flags.StringVar(&opts.logLevel, "log-level", defaults.LogLevel.String(), "log level (debug, info, warn, error)")
	flags.SetNormalizeFunc(aliasFlags)

	return cmd
}

// aliasFlags accepts --ident as a spelling of --indent.
func aliasFlags(_ *pflag.FlagSet, name string) pflag.NormalizedName {
	if name == "ident" {
		name = "indent"
	}
	return pflag.NormalizedName(name)
}

// settings merges the config file and the explicitly set flags.
func (o *Options) settings(flags *pflag.FlagSet) (config.Config, error) {
	cfg := config.Default()
	if o.configPath != "" {
		loaded, err := config.Load(o.fs, o.configPath)
		if err != nil {
			return config.Config{}, err
		}
		cfg = loaded
	}

	if flags.Changed("indent") {
		if o.indent < 0 {
			return config.Config{}, fmt.Errorf("--indent must not be negative, got %d", o.indent)
		}
		cfg.Indent = o.indent
	}
	if flags.Changed("bytes") {
		enc, err := jsonout.ParseBytesEncoding(o.bytes)
		if err != nil {
			return config.Config{}, err
		}
		cfg.Bytes = enc
	}
	if flags.Changed("provider") {
		kind, err := provider.ParseKind(o.provider)
		if err != nil {
			return config.Config{}, err
		}
		cfg.Provider = kind
	}
	if flags.Changed("log-level") {
		level, err := config.ParseLogLevel(o.logLevel)
		if err != nil {
			return config.Config{}, err
		}
		cfg.LogLevel = level
	}
	return cfg, nil
}

func (o *Options) Run(cmd *cobra.Command, binFile, ksyFile string) error {
	cfg, err := o.settings(cmd.Flags())
	if err != nil {
		return err
	}

	logger := slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: cfg.LogLevel}))
	comp := compiler.New(append(cfg.CompilerOptions(),
		compiler.WithFileSystem(o.fs),
		compiler.WithLogger(logger),
	)...)

	conv := kjson.NewConverter(
		kjson.WithFileSystem(o.fs),
		kjson.WithLogger(logger),
		kjson.WithProvider(cfg.Provider),
		kjson.WithCompiledFile(o.compiledFile),
		kjson.WithCompiler(comp),
		kjson.WithRootType(o.rootType),
		kjson.WithIndent(cfg.Indent),
		kjson.WithBytesEncoding(cfg.Bytes),
		kjson.WithCanonical(o.canonical),
	)

	ctx := cmd.Context()
	if o.outputFile != "" {
		return conv.WriteFile(ctx, binFile, ksyFile, o.outputFile)
	}

	data, err := conv.Convert(ctx, binFile, ksyFile)
	if err != nil {
		return err
	}
	_, err = cmd.OutOrStdout().Write(append(data, '\n'))
	return err
}
