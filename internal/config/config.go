// Package config loads the optional kaitai-json TOML configuration file.
package config

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/mandelsoft/vfs/pkg/vfs"

	"github.com/twinfer/kaitai-json/pkg/compiler"
	"github.com/twinfer/kaitai-json/pkg/jsonout"
	"github.com/twinfer/kaitai-json/pkg/provider"
)

// EnvVar names the environment variable holding the default config path.
const EnvVar = "KAITAI_JSON_CONFIG"

// Config holds the settings a config file may provide.
type Config struct {
	Indent   int
	Bytes    jsonout.BytesEncoding
	Provider provider.Kind
	LogLevel slog.Level
	Compiler Compiler
}

// Compiler configures the external schema compiler and plugin build.
type Compiler struct {
	Command     string
	PluginBuild string
	WorkDir     string
}

type fileConfig struct {
	Indent   int    `toml:"indent"`
	Bytes    string `toml:"bytes"`
	Provider string `toml:"provider"`
	LogLevel string `toml:"log_level"`
	Compiler struct {
		Command     string `toml:"command"`
		PluginBuild string `toml:"plugin_build"`
		WorkDir     string `toml:"work_dir"`
	} `toml:"compiler"`
}

// Default returns the built-in settings.
func Default() Config {
	return Config{
		Indent:   2,
		Bytes:    jsonout.BytesArray,
		Provider: provider.KindAuto,
		LogLevel: slog.LevelWarn,
		Compiler: Compiler{
			Command:     compiler.DefaultCompileCommand,
			PluginBuild: compiler.DefaultPluginCommand,
		},
	}
}

// Load reads the file at path and overlays the keys it defines on Default.
func Load(fs vfs.FileSystem, path string) (Config, error) {
	cfg := Default()

	data, err := vfs.ReadFile(fs, path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}

	var raw fileConfig
	meta, err := toml.Decode(string(data), &raw)
	if err != nil {
		return Config{}, fmt.Errorf("load config %s: %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return Config{}, fmt.Errorf("load config %s: unknown key %q", path, undecoded[0].String())
	}

	if meta.IsDefined("indent") {
		if raw.Indent < 0 {
			return Config{}, fmt.Errorf("indent must not be negative, got %d", raw.Indent)
		}
		cfg.Indent = raw.Indent
	}

	if meta.IsDefined("bytes") {
		enc, err := jsonout.ParseBytesEncoding(raw.Bytes)
		if err != nil {
			return Config{}, fmt.Errorf("parse bytes: %w", err)
		}
		cfg.Bytes = enc
	}

	if meta.IsDefined("provider") {
		kind, err := provider.ParseKind(raw.Provider)
		if err != nil {
			return Config{}, fmt.Errorf("parse provider: %w", err)
		}
		cfg.Provider = kind
	}

	if meta.IsDefined("log_level") {
		level, err := ParseLogLevel(raw.LogLevel)
		if err != nil {
			return Config{}, err
		}
		cfg.LogLevel = level
	}

	if meta.IsDefined("compiler", "command") {
		cfg.Compiler.Command = strings.TrimSpace(raw.Compiler.Command)
	}

	if meta.IsDefined("compiler", "plugin_build") {
		cfg.Compiler.PluginBuild = strings.TrimSpace(raw.Compiler.PluginBuild)
	}

	if meta.IsDefined("compiler", "work_dir") {
		cfg.Compiler.WorkDir = strings.TrimSpace(raw.Compiler.WorkDir)
	}

	return cfg, nil
}

// ParseLogLevel parses debug, info, warn or error.
func ParseLogLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(s))); err != nil {
		return 0, fmt.Errorf("parse log_level: %w", err)
	}
	return level, nil
}

// CompilerOptions converts the compiler section to compiler options.
func (c Config) CompilerOptions() []compiler.Option {
	return []compiler.Option{
		compiler.WithCompileCommand(c.Compiler.Command),
		compiler.WithPluginCommand(c.Compiler.PluginBuild),
		compiler.WithWorkDir(c.Compiler.WorkDir),
	}
}
