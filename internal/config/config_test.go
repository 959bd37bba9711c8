package config

import (
	"log/slog"
	"testing"

	"github.com/mandelsoft/vfs/pkg/memoryfs"
	"github.com/mandelsoft/vfs/pkg/vfs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/twinfer/kaitai-json/pkg/compiler"
	"github.com/twinfer/kaitai-json/pkg/jsonout"
	"github.com/twinfer/kaitai-json/pkg/provider"
)

func writeConfig(t *testing.T, content string) vfs.FileSystem {
	t.Helper()
	fs := memoryfs.New()
	require.NoError(t, vfs.WriteFile(fs, "/kaitai-json.toml", []byte(content), 0o644))
	return fs
}

func TestLoad_Overrides(t *testing.T) {
	fs := writeConfig(t, `
indent = 4
bytes = "hex"
provider = "interp"
log_level = "debug"

[compiler]
command = "  /opt/ksc/bin/kaitai-struct-compiler -t go --outdir ${OUT_DIR} ${KSY_FILE}  "
work_dir = "/var/cache/kaitai-json"
`)

	cfg, err := Load(fs, "/kaitai-json.toml")
	require.NoError(t, err)

	assert.Equal(t, Config{
		Indent:   4,
		Bytes:    jsonout.BytesHex,
		Provider: provider.KindInterp,
		LogLevel: slog.LevelDebug,
		Compiler: Compiler{
			Command:     "/opt/ksc/bin/kaitai-struct-compiler -t go --outdir ${OUT_DIR} ${KSY_FILE}",
			PluginBuild: compiler.DefaultPluginCommand,
			WorkDir:     "/var/cache/kaitai-json",
		},
	}, cfg)
}

func TestLoad_EmptyFileKeepsDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, ""), "/kaitai-json.toml")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoad_ZeroIndentIsHonoured(t *testing.T) {
	cfg, err := Load(writeConfig(t, "indent = 0\n"), "/kaitai-json.toml")
	require.NoError(t, err)
	assert.Equal(t, 0, cfg.Indent)
}

func TestLoad_Errors(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantMsg string
	}{
		{"invalid toml", "indent = [", "load config"},
		{"negative indent", "indent = -1", "must not be negative"},
		{"bad bytes", `bytes = "octal"`, "parse bytes"},
		{"bad provider", `provider = "python"`, "parse provider"},
		{"bad log level", `log_level = "loud"`, "parse log_level"},
		{"unknown key", `ident = 3`, `unknown key "ident"`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.content), "/kaitai-json.toml")
			assert.ErrorContains(t, err, tt.wantMsg)
		})
	}

	_, err := Load(memoryfs.New(), "/missing.toml")
	assert.ErrorContains(t, err, "read config")
}

func TestParseLogLevel(t *testing.T) {
	for s, want := range map[string]slog.Level{
		"debug": slog.LevelDebug,
		"INFO":  slog.LevelInfo,
		"warn":  slog.LevelWarn,
		"error": slog.LevelError,
	} {
		got, err := ParseLogLevel(s)
		require.NoError(t, err)
		assert.Equal(t, want, got, s)
	}
}
