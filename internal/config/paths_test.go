package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseConfigPath(t *testing.T) {
	tests := []struct {
		input   string
		want    []string
		wantErr bool
	}{
		{"gateway.port", []string{"gateway", "port"}, false},
		{"compaction", []string{"compaction"}, false},
		{"llm.providers.claude.model", []string{"llm", "providers", "claude", "model"}, false},
		{"", nil, true},
		{"gateway..port", nil, true},
		{".gateway", nil, true},
		{"gateway.", nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseConfigPath(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestGetValueAtPath(t *testing.T) {
	root := map[string]any{
		"gateway": map[string]any{"port": 9000, "auth": map[string]any{"token": "x"}},
		"flat":    "value",
	}

	v, ok := GetValueAtPath(root, []string{"gateway", "auth", "token"})
	require.True(t, ok)
	assert.Equal(t, "x", v)

	_, ok = GetValueAtPath(root, []string{"gateway", "missing"})
	assert.False(t, ok)

	_, ok = GetValueAtPath(root, []string{"flat", "deeper"})
	assert.False(t, ok)
}

func TestSetValueAtPath(t *testing.T) {
	root := map[string]any{"flat": "value"}

	SetValueAtPath(root, []string{"a", "b", "c"}, 1)
	v, ok := GetValueAtPath(root, []string{"a", "b", "c"})
	require.True(t, ok)
	assert.Equal(t, 1, v)

	// Non-map intermediates are replaced.
	SetValueAtPath(root, []string{"flat", "inner"}, true)
	v, ok = GetValueAtPath(root, []string{"flat", "inner"})
	require.True(t, ok)
	assert.Equal(t, true, v)
}

func TestUnsetValueAtPath(t *testing.T) {
	root := map[string]any{
		"gateway": map[string]any{"port": 9000, "bind": "lan"},
	}

	assert.True(t, UnsetValueAtPath(root, []string{"gateway", "port"}))
	_, ok := GetValueAtPath(root, []string{"gateway", "port"})
	assert.False(t, ok)
	_, ok = GetValueAtPath(root, []string{"gateway", "bind"})
	assert.True(t, ok, "siblings are preserved")

	assert.False(t, UnsetValueAtPath(root, []string{"gateway", "port"}))
	assert.False(t, UnsetValueAtPath(root, []string{"missing", "key"}))
	assert.False(t, UnsetValueAtPath(root, []string{"gateway", "bind", "deeper"}))
}

func TestResolvePaths(t *testing.T) {
	t.Setenv("COMPANION_HOME", "")
	paths, err := ResolvePaths()
	require.NoError(t, err)

	home, _ := os.UserHomeDir()
	base := filepath.Join(home, ".companion")
	assert.Equal(t, base, paths.Base)
	assert.Equal(t, filepath.Join(base, "config.yaml"), paths.Config)
	assert.Equal(t, filepath.Join(base, "data"), paths.Data)
	assert.Equal(t, filepath.Join(base, "logs"), paths.Logs)
}

func TestResolvePathsCustomHome(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("COMPANION_HOME", dir)

	paths, err := ResolvePaths()
	require.NoError(t, err)
	assert.Equal(t, dir, paths.Base)
	assert.Equal(t, filepath.Join(dir, "config.yaml"), paths.Config)
}

func TestEnsureDirs(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("COMPANION_HOME", filepath.Join(dir, "home"))
	paths, err := ResolvePaths()
	require.NoError(t, err)

	require.NoError(t, paths.EnsureDirs())
	require.NoError(t, paths.EnsureDirs())

	for _, d := range []string{paths.Base, paths.Data, paths.Logs} {
		info, err := os.Stat(d)
		require.NoError(t, err)
		assert.True(t, info.IsDir())
	}
}

func TestDatabasePath(t *testing.T) {
	paths := Paths{Data: "/var/lib/companion"}
	assert.Equal(t, "/var/lib/companion/companion.db", paths.DatabasePath(StoreConfig{}))
	assert.Equal(t, "/tmp/x.db", paths.DatabasePath(StoreConfig{Path: "/tmp/x.db"}))
}
