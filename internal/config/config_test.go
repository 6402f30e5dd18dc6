package config

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func env(values map[string]string) func(string) string {
	return func(name string) string { return values[name] }
}

func writeFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "collab.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestDefaultsAreValid(t *testing.T) {
	cfg, err := Resolve("", env(nil), nil)
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
	assert.Equal(t, int64(16<<20), cfg.Transport.MaxMessageSize)
}

func TestLayering(t *testing.T) {
	path := writeFile(t, `
listen_addr: ":9000"
snapshot:
  dsn: postgres://db/collab
  compression: lz4
compaction:
  max_updates: 50
  interval: 10s
  idle_timeout: 0s
transport:
  allowed_origins: ["https://app.example"]
access:
  static_tokens:
    dev-token: U1
`)

	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	BindFlags(fs, Default())
	require.NoError(t, fs.Parse([]string{"--compact-max-updates=7", "--log-format=json"}))

	cfg, err := Resolve(path, env(map[string]string{
		"COLLAB_LISTEN_ADDR":         ":9100",
		"COLLAB_COMPACT_MAX_UPDATES": "25",
		"COLLAB_COMPACT_MAX_BYTES":   "2048",
		"COLLAB_PERSIST_TIMEOUT":     "2s",
	}), fs)
	require.NoError(t, err)

	assert.Equal(t, ":9100", cfg.ListenAddr, "env beats file")
	assert.Equal(t, "postgres://db/collab", cfg.Snapshot.DSN, "file beats default")
	assert.Equal(t, "lz4", cfg.Snapshot.Compression)
	assert.Equal(t, 7, cfg.Compaction.MaxUpdates, "flag beats env")
	assert.Equal(t, 2048, cfg.Compaction.MaxBytes)
	assert.Equal(t, 10*time.Second, cfg.Compaction.Interval)
	assert.Zero(t, cfg.Compaction.IdleTimeout, "file can disable eviction")
	assert.Equal(t, 2*time.Second, cfg.Compaction.PersistTimeout)
	assert.Equal(t, "json", cfg.LogFormat)
	assert.Equal(t, []string{"https://app.example"}, cfg.Transport.AllowedOrigins)
	assert.Equal(t, map[string]string{"dev-token": "U1"}, cfg.Access.StaticTokens)
	assert.Equal(t, Default().Transport.MessageBurst, cfg.Transport.MessageBurst, "untouched values keep defaults")
}

func TestUnsetFlagsDoNotOverride(t *testing.T) {
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	BindFlags(fs, Default())
	require.NoError(t, fs.Parse(nil))

	cfg, err := Resolve("", env(map[string]string{"COLLAB_SNAPSHOT_DSN": "memory://"}), fs)
	require.NoError(t, err)
	assert.Equal(t, "memory://", cfg.Snapshot.DSN)
}

func TestAllowedOriginsFromEnv(t *testing.T) {
	cfg, err := Resolve("", env(map[string]string{"COLLAB_ALLOWED_ORIGINS": "https://a.example, https://b.example,"}), nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.Transport.AllowedOrigins)
}

func TestInvalidEnvIsReported(t *testing.T) {
	_, err := Resolve("", env(map[string]string{
		"COLLAB_COMPACT_MAX_UPDATES": "lots",
		"COLLAB_IDLE_TIMEOUT":        "forever",
	}), nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "COLLAB_COMPACT_MAX_UPDATES")
	assert.Contains(t, err.Error(), "COLLAB_IDLE_TIMEOUT")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"compression", func(c *Config) { c.Snapshot.Compression = "brotli" }},
		{"log level", func(c *Config) { c.LogLevel = "chatty" }},
		{"log format", func(c *Config) { c.LogFormat = "xml" }},
		{"negative threshold", func(c *Config) { c.Compaction.MaxUpdates = -1 }},
		{"message size", func(c *Config) { c.Transport.MaxMessageSize = 0 }},
		{"remote check without secret", func(c *Config) { c.Access.CheckURL = "http://authz/internal/check-permission" }},
		{"empty dsn", func(c *Config) { c.Snapshot.DSN = "" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestMissingFile(t *testing.T) {
	_, err := Resolve(filepath.Join(t.TempDir(), "absent.yaml"), env(nil), nil)
	assert.Error(t, err)
}

func TestNewLogger(t *testing.T) {
	cfg := Default()
	cfg.LogFormat = "json"
	cfg.LogLevel = "warn"
	var buf bytes.Buffer
	logger := cfg.NewLogger(&buf)

	logger.Info("hidden")
	logger.Warn("shown", "room", "document-1")
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), `"room":"document-1"`)
}
