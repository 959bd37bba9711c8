// Package compiler turns a KSY schema into a loadable Go plugin by running
// kaitai-struct-compiler and the Go toolchain.
package compiler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path"
	"strings"

	"github.com/drone/envsubst"
	"github.com/mandelsoft/vfs/pkg/osfs"
	"github.com/mandelsoft/vfs/pkg/vfs"

	"github.com/twinfer/kaitai-json/pkg/ksy"
)

// ErrExternalTool marks a failed external command or a missing artifact.
var ErrExternalTool = errors.New("external tool error")

const (
	// DefaultCompileCommand generates Go sources for the schema.
	DefaultCompileCommand = "kaitai-struct-compiler -t go --go-package main --outdir ${OUT_DIR} ${KSY_FILE}"

	// DefaultPluginCommand builds the generated sources into a plugin. It
	// runs in the directory holding the generated sources.
	DefaultPluginCommand = "go build -mod=mod -buildmode=plugin -o ${PLUGIN_FILE} ."

	// RuntimeModule is the Kaitai runtime required by generated sources. The
	// plugin must link the same version as the host binary.
	RuntimeModule = "github.com/kaitai-io/kaitai_struct_go_runtime v0.10.0"
)

// Runner runs name with args in dir and returns its combined output.
type Runner func(ctx context.Context, dir, name string, args ...string) ([]byte, error)

// ExecRunner runs commands as subprocesses.
func ExecRunner(ctx context.Context, dir, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	return cmd.CombinedOutput()
}

// ToolError reports a failed external command.
type ToolError struct {
	Command string
	Output  string
	Err     error
}

func (e *ToolError) Error() string {
	msg := fmt.Sprintf("%s: command %q failed: %v", ErrExternalTool, e.Command, e.Err)
	if out := strings.TrimSpace(e.Output); out != "" {
		msg += "\n" + out
	}
	return msg
}

func (e *ToolError) Unwrap() []error {
	return []error{ErrExternalTool, e.Err}
}

// Compiler runs the schema compiler and the plugin build.
type Compiler struct {
	compileCmd string
	pluginCmd  string
	workDir    string
	fs         vfs.FileSystem
	run        Runner
	getenv     func(string) string
	logger     *slog.Logger
}

// Option configures a Compiler.
type Option func(*Compiler)

// WithCompileCommand overrides DefaultCompileCommand.
func WithCompileCommand(cmd string) Option {
	return func(c *Compiler) {
		if cmd != "" {
			c.compileCmd = cmd
		}
	}
}

// WithPluginCommand overrides DefaultPluginCommand.
func WithPluginCommand(cmd string) Option {
	return func(c *Compiler) {
		if cmd != "" {
			c.pluginCmd = cmd
		}
	}
}

// WithWorkDir sets the directory generated sources and the plugin are
// written to. By default a fresh temporary directory is used per compile.
func WithWorkDir(dir string) Option {
	return func(c *Compiler) {
		c.workDir = dir
	}
}

// WithFileSystem sets the filesystem artifacts are checked on.
func WithFileSystem(fs vfs.FileSystem) Option {
	return func(c *Compiler) {
		if fs != nil {
			c.fs = fs
		}
	}
}

// WithRunner replaces ExecRunner.
func WithRunner(run Runner) Option {
	return func(c *Compiler) {
		if run != nil {
			c.run = run
		}
	}
}

// WithEnv sets the lookup for template variables other than the built-in
// ones. It defaults to os.Getenv.
func WithEnv(getenv func(string) string) Option {
	return func(c *Compiler) {
		if getenv != nil {
			c.getenv = getenv
		}
	}
}

// WithLogger sets the logger used for debug tracing.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Compiler) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// New creates a Compiler.
func New(opts ...Option) *Compiler {
	c := &Compiler{
		compileCmd: DefaultCompileCommand,
		pluginCmd:  DefaultPluginCommand,
		fs:         osfs.New(),
		run:        ExecRunner,
		getenv:     os.Getenv,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Result lists the artifacts of a successful Compile. Temporary is set when
// OutDir was created for this compile and should be removed with Cleanup.
type Result struct {
	OutDir     string
	SourceFile string
	PluginFile string
	Temporary  bool
}

// Compile generates Go sources for the schema at ksyPath and builds them
// into a plugin. Every command's exit status and every expected artifact is
// checked; failures wrap ErrExternalTool.
func (c *Compiler) Compile(ctx context.Context, ksyPath string, schema *ksy.Schema) (res *Result, err error) {
	moduleID := schema.RootID()
	if moduleID == "" {
		return nil, errors.New("schema has no meta.id")
	}

	outDir := c.workDir
	if outDir == "" {
		dir, err := vfs.TempDir(c.fs, "", "kaitai-json-")
		if err != nil {
			return nil, fmt.Errorf("creating work directory: %w", err)
		}
		outDir = dir
		defer func() {
			if err != nil {
				c.removeAll(outDir)
			}
		}()
	} else if err := c.fs.MkdirAll(outDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating work directory %s: %w", outDir, err)
	}

	vars := map[string]string{
		"KSY_FILE":    ksyPath,
		"OUT_DIR":     outDir,
		"PLUGIN_FILE": path.Join(outDir, moduleID+".so"),
		"MODULE_ID":   moduleID,
	}

	c.logger.DebugContext(ctx, "Compiling schema", "schema_path", ksyPath, "out_dir", outDir)
	if err := c.runTemplate(ctx, "", c.compileCmd, vars); err != nil {
		return nil, err
	}
	source, err := c.findSource(outDir, moduleID)
	if err != nil {
		return nil, err
	}

	srcDir := path.Dir(source)
	goMod := fmt.Sprintf("module kaitaijson/%s\n\ngo 1.24\n\nrequire %s\n", moduleID, RuntimeModule)
	if err := vfs.WriteFile(c.fs, path.Join(srcDir, "go.mod"), []byte(goMod), 0o644); err != nil {
		return nil, fmt.Errorf("writing go.mod for generated sources: %w", err)
	}

	c.logger.DebugContext(ctx, "Building parser plugin", "source_dir", srcDir, "plugin_file", vars["PLUGIN_FILE"])
	if err := c.runTemplate(ctx, srcDir, c.pluginCmd, vars); err != nil {
		return nil, err
	}
	if err := c.requireFile(vars["PLUGIN_FILE"]); err != nil {
		return nil, err
	}

	return &Result{
		OutDir:     outDir,
		SourceFile: source,
		PluginFile: vars["PLUGIN_FILE"],
		Temporary:  c.workDir == "",
	}, nil
}

// Cleanup removes the temporary work directory of res. Artifacts in a
// configured work directory are kept.
func (c *Compiler) Cleanup(res *Result) error {
	if res == nil || !res.Temporary {
		return nil
	}
	if err := c.fs.RemoveAll(res.OutDir); err != nil {
		return fmt.Errorf("removing work directory %s: %w", res.OutDir, err)
	}
	return nil
}

func (c *Compiler) removeAll(dir string) {
	if err := c.fs.RemoveAll(dir); err != nil {
		c.logger.Warn("Failed to remove work directory", "out_dir", dir, "error", err)
	}
}

// Expand substitutes ${VAR} references in tmpl from vars, then from the
// environment lookup.
func (c *Compiler) Expand(tmpl string, vars map[string]string) (string, error) {
	return envsubst.Eval(tmpl, func(name string) string {
		if v, ok := vars[name]; ok {
			return v
		}
		return c.getenv(name)
	})
}

func (c *Compiler) runTemplate(ctx context.Context, dir, tmpl string, vars map[string]string) error {
	line, err := c.Expand(tmpl, vars)
	if err != nil {
		return fmt.Errorf("expanding command %q: %w", tmpl, err)
	}
	argv := strings.Fields(line)
	if len(argv) == 0 {
		return fmt.Errorf("%w: command %q is empty", ErrExternalTool, tmpl)
	}

	c.logger.DebugContext(ctx, "Running external command", "command", line, "dir", dir)
	out, err := c.run(ctx, dir, argv[0], argv[1:]...)
	if err != nil {
		return &ToolError{Command: line, Output: string(out), Err: err}
	}
	return nil
}

// findSource locates the generated source for moduleID, which the compiler
// writes either directly into outDir or into a subdirectory named after
// the Go package.
func (c *Compiler) findSource(outDir, moduleID string) (string, error) {
	candidates := []string{
		path.Join(outDir, moduleID+".go"),
		path.Join(outDir, "main", moduleID+".go"),
	}
	for _, p := range candidates {
		if fi, err := c.fs.Stat(p); err == nil && !fi.IsDir() {
			return p, nil
		}
	}
	return "", fmt.Errorf("%w: compiler produced no %s.go in %s", ErrExternalTool, moduleID, outDir)
}

func (c *Compiler) requireFile(p string) error {
	fi, err := c.fs.Stat(p)
	if err != nil || fi.IsDir() {
		return fmt.Errorf("%w: expected artifact %s was not produced", ErrExternalTool, p)
	}
	return nil
}
