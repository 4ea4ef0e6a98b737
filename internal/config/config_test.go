package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	return path
}

func TestLoad_FullFile(t *testing.T) {
	path := writeConfig(t, `
log_level = "debug"
token_dir = "/tmp/tokens"
chunk_size = "16MB"
large_object_threshold = "1MB"

[[roots]]
schema = "webdrive"
account = "alice@example.com"
params = { endpoint = "https://drive.example.com" }

[[roots]]
schema = "s3"
account = "backups"
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "/tmp/tokens", cfg.TokenDir)

	chunk, err := cfg.ChunkSizeBytes()
	require.NoError(t, err)
	assert.Equal(t, int64(16*1024*1024), chunk)

	threshold, err := cfg.ThresholdBytes()
	require.NoError(t, err)
	assert.Equal(t, int64(1024*1024), threshold)

	require.Len(t, cfg.Roots, 2)
	assert.Equal(t, "webdrive:alice@example.com", cfg.Roots[0].Name().String())
	assert.Equal(t, "https://drive.example.com", cfg.Roots[0].Params["endpoint"])
}

func TestLoad_PartialFileKeepsDefaults(t *testing.T) {
	path := writeConfig(t, `
[[roots]]
schema = "memfs"
account = "scratch"
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, DefaultLogLevel, cfg.LogLevel)
	assert.Equal(t, DefaultChunkSize, cfg.ChunkSize)
	assert.Equal(t, DefaultThreshold, cfg.Threshold)
}

func TestLoad_UnknownKeyRejected(t *testing.T) {
	path := writeConfig(t, `chunck_size = "8MB"`)

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown key")
}

func TestLoad_InvalidLogLevel(t *testing.T) {
	path := writeConfig(t, `log_level = "loud"`)

	_, err := Load(path)
	require.Error(t, err)
}

func TestLoad_BadChunkSize(t *testing.T) {
	path := writeConfig(t, `chunk_size = "lots"`)

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "chunk_size")
}

func TestLoad_RootMissingAccount(t *testing.T) {
	path := writeConfig(t, `
[[roots]]
schema = "s3"
`)

	_, err := Load(path)
	require.Error(t, err)
}

func TestLoad_DuplicateRoots(t *testing.T) {
	path := writeConfig(t, `
[[roots]]
schema = "s3"
account = "backups"

[[roots]]
schema = "s3"
account = "backups"
`)

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate root")
}

func TestLoadOrDefault_MissingFile(t *testing.T) {
	cfg, err := LoadOrDefault(filepath.Join(t.TempDir(), "nope.toml"))
	require.NoError(t, err)

	assert.Equal(t, DefaultLogLevel, cfg.LogLevel)
	assert.Empty(t, cfg.Roots)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv(EnvTokenDir, "/alt/tokens")
	t.Setenv(EnvLogLevel, "warn")

	cfg, err := LoadOrDefault(filepath.Join(t.TempDir(), "nope.toml"))
	require.NoError(t, err)

	assert.Equal(t, "/alt/tokens", cfg.TokenDir)
	assert.Equal(t, "warn", cfg.LogLevel)
}

func TestEnvOverrideBeatsFile(t *testing.T) {
	t.Setenv(EnvLogLevel, "error")

	path := writeConfig(t, `log_level = "debug"`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "error", cfg.LogLevel)
}

func TestDefaultConfigPath_EnvOverride(t *testing.T) {
	t.Setenv(EnvConfig, "/elsewhere/config.toml")

	assert.Equal(t, "/elsewhere/config.toml", DefaultConfigPath())
}

func TestFindRoot(t *testing.T) {
	cfg := &Config{Roots: []Root{
		{Schema: "webdrive", Account: "alice"},
		{Schema: "s3", Account: "backups"},
	}}

	r, err := cfg.FindRoot("s3:backups")
	require.NoError(t, err)
	assert.Equal(t, "backups", r.Account)

	_, err = cfg.FindRoot("")
	require.Error(t, err, "ambiguous with two roots")

	_, err = cfg.FindRoot("gdrive:bob")
	require.Error(t, err)

	single := &Config{Roots: []Root{{Schema: "memfs", Account: "scratch"}}}

	r, err = single.FindRoot("")
	require.NoError(t, err)
	assert.Equal(t, "memfs", r.Schema)
}
