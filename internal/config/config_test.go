package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMissingConfigFileUsesDefaults(t *testing.T) {
	cfg, err := Load(t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, ".hive/hive.db", cfg.DBPath)
	assert.Equal(t, "127.0.0.1:4173", cfg.HTTPAddr)
	assert.Equal(t, 5, cfg.EmbedConcurrency)
	assert.Equal(t, ".jsonl", cfg.SessionSuffix)
}

func TestLoadReadsConfigToml(t *testing.T) {
	dir := t.TempDir()
	contents := `
[db]
path = "/tmp/custom.db"

[stream]
http-addr = "0.0.0.0:9090"

[embed]
server-url = "http://localhost:8099"
concurrency = 8

[session]
watch-dirs = ["/tmp/sessions-a", "/tmp/sessions-b"]
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.toml"), []byte(contents), 0o644))

	cfg, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, "/tmp/custom.db", cfg.DBPath)
	assert.Equal(t, "0.0.0.0:9090", cfg.HTTPAddr)
	assert.Equal(t, "http://localhost:8099", cfg.EmbedServerURL)
	assert.Equal(t, 8, cfg.EmbedConcurrency)
	assert.Equal(t, []string{"/tmp/sessions-a", "/tmp/sessions-b"}, cfg.WatchDirs)
}

func TestLoadEnvOverridesFileAndDefaults(t *testing.T) {
	dir := t.TempDir()
	contents := "[nats]\nurl = \"nats://file:4222\"\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.toml"), []byte(contents), 0o644))

	t.Setenv("HIVE_NATS_URL", "nats://override:4222")
	cfg, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, "nats://override:4222", cfg.NATSURL)
}

func TestLoadNonPositiveConcurrencyFallsBackToFive(t *testing.T) {
	dir := t.TempDir()
	contents := "[embed]\nconcurrency = 0\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.toml"), []byte(contents), 0o644))

	cfg, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, 5, cfg.EmbedConcurrency)
}
