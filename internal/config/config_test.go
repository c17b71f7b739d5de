package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg := Defaults()
	assert.Equal(t, 18790, cfg.Gateway.Port)
	assert.Equal(t, "loopback", cfg.Gateway.Bind)
	assert.Equal(t, 5000, cfg.Gateway.MaxMessageLen)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, 30, cfg.Session.IdleMinutes)
	assert.Equal(t, 20, cfg.Compaction.Threshold)
	assert.Equal(t, 10, cfg.Compaction.KeepRecent)
	assert.Equal(t, 30, cfg.Compaction.TimeoutSeconds)
	assert.Equal(t, 800, cfg.Compaction.MaxTokens)
	require.NotNil(t, cfg.Compaction.Temperature)
	assert.InDelta(t, 0.1, *cfg.Compaction.Temperature, 1e-9)
	assert.Equal(t, "0 9 * * *", cfg.Reminders.Schedule)
	assert.True(t, cfg.Metrics.Enabled)
}

func TestLoadMissingFile(t *testing.T) {
	cfg, err := Load("/nonexistent/path/config.yaml")
	require.NoError(t, err)
	assert.Equal(t, 18790, cfg.Gateway.Port)
	assert.Equal(t, "info", cfg.Logging.Level)
}

func TestLoadValidYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")

	yaml := `
gateway:
  port: 9999
  bind: lan
  auth:
    token: secret123
logging:
  level: debug
  consoleStyle: json
store:
  driver: memory
session:
  idleMinutes: 60
compaction:
  threshold: 8
  keepRecent: 4
llm:
  primary: claude
  providers:
    claude:
      api: anthropic
      apiKey: sk-test
      model: claude-sonnet-4-5
reminders:
  enabled: true
  schedule: "30 8 * * 1-5"
`
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9999, cfg.Gateway.Port)
	assert.Equal(t, "lan", cfg.Gateway.Bind)
	assert.Equal(t, "secret123", cfg.Gateway.Auth.Token)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "json", cfg.Logging.ConsoleStyle)
	assert.Equal(t, "memory", cfg.Store.Driver)
	assert.Equal(t, 60, cfg.Session.IdleMinutes)
	assert.Equal(t, 8, cfg.Compaction.Threshold)
	assert.Equal(t, 4, cfg.Compaction.KeepRecent)
	// Untouched fields keep their defaults.
	assert.Equal(t, 30, cfg.Compaction.TimeoutSeconds)

	require.Contains(t, cfg.LLM.Providers, "claude")
	assert.Equal(t, "anthropic", cfg.LLM.Providers["claude"].API)
	assert.Equal(t, "sk-test", cfg.LLM.Providers["claude"].APIKey)
	assert.True(t, cfg.Reminders.Enabled)
	assert.Equal(t, "30 8 * * 1-5", cfg.Reminders.Schedule)

	assert.Empty(t, Validate(&cfg))
}

func TestLoadInvalidYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("gateway: [not: valid"), 0o600))

	_, err := Load(path)
	require.Error(t, err)
	var cfgErr *ConfigError
	assert.ErrorAs(t, err, &cfgErr)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("COMPANION_GATEWAY_PORT", "12345")
	t.Setenv("COMPANION_LOG_LEVEL", "DEBUG")
	t.Setenv("COMPANION_STORE_DRIVER", "memory")
	t.Setenv("COMPANION_COMPACTION_THRESHOLD", "6")
	t.Setenv("COMPANION_COMPACTION_KEEP_RECENT", "2")

	cfg, err := Load("/nonexistent/config.yaml")
	require.NoError(t, err)
	assert.Equal(t, 12345, cfg.Gateway.Port)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "memory", cfg.Store.Driver)
	assert.Equal(t, 6, cfg.Compaction.Threshold)
	assert.Equal(t, 2, cfg.Compaction.KeepRecent)
}

func TestLoadExpandsProviderKeys(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	t.Setenv("MY_CLAUDE_KEY", "from-env")
	t.Setenv("GEMINI_API_KEY", "gem-fallback")

	yaml := `
llm:
  providers:
    claude:
      api: anthropic
      apiKey: ${MY_CLAUDE_KEY}
      model: claude-sonnet-4-5
    gem:
      api: gemini
      model: gemini-2.5-flash
`
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.LLM.Providers["claude"].APIKey)
	assert.Equal(t, "gem-fallback", cfg.LLM.Providers["gem"].APIKey)
}

func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("COMPANION_TEST_DOTENV=loaded\n"), 0o600))
	t.Cleanup(func() { os.Unsetenv("COMPANION_TEST_DOTENV") })

	LoadDotEnv(path)
	assert.Equal(t, "loaded", os.Getenv("COMPANION_TEST_DOTENV"))
}

func TestExpandEnvVars(t *testing.T) {
	t.Setenv("COMPANION_X", "value")
	assert.Equal(t, "a-value-b", expandEnvVars("a-${COMPANION_X}-b"))
	assert.Equal(t, "${COMPANION_UNSET_VAR}", expandEnvVars("${COMPANION_UNSET_VAR}"))
	assert.Equal(t, "plain", expandEnvVars("plain"))
}

func TestLoadRawAndSaveRaw(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "config.yaml")

	raw, err := LoadRaw(path)
	require.NoError(t, err)
	assert.Empty(t, raw)

	SetValueAtPath(raw, []string{"compaction", "threshold"}, 12)
	require.NoError(t, SaveRaw(path, raw))

	loaded, err := LoadRaw(path)
	require.NoError(t, err)
	v, ok := GetValueAtPath(loaded, []string{"compaction", "threshold"})
	require.True(t, ok)
	assert.Equal(t, 12, v)
}
