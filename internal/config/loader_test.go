package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoaderDefaults(t *testing.T) {
	cfg, err := NewLoader("WAFU_TEST_UNSET").Load(context.Background())
	require.NoError(t, err)
	require.Equal(t, 8080, cfg.Server.Listen.Port)
	require.Equal(t, "memory", cfg.Server.DecisionLog.Sink)
}

func TestLoaderFileOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "server.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  listen:\n    port: 9090\n"), 0o600))

	cfg, err := NewLoader("WAFU_TEST_UNSET", path).Load(context.Background())
	require.NoError(t, err)
	require.Equal(t, 9090, cfg.Server.Listen.Port)
}

func TestLoaderEnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "server.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  listen:\n    port: 9090\n"), 0o600))
	t.Setenv("WAFU_SERVER__LISTEN__PORT", "9091")

	cfg, err := NewLoader("WAFU", path).Load(context.Background())
	require.NoError(t, err)
	require.Equal(t, 9091, cfg.Server.Listen.Port)
}

func TestLoaderEnvNestedCanonicalKeys(t *testing.T) {
	t.Setenv("WAFU_SERVER__STORE__DATADIR", "/var/lib/wafu")
	t.Setenv("WAFU_SERVER__PREDICATE__REGEXCACHESIZE", "2500")
	t.Setenv("WAFU_SERVER__DECISIONLOG__SINK", "http")
	t.Setenv("WAFU_SERVER__DECISIONLOG__HTTP__URL", "https://sink.example/events")

	cfg, err := NewLoader("WAFU").Load(context.Background())
	require.NoError(t, err)
	require.Equal(t, "/var/lib/wafu", cfg.Server.Store.DataDir)
	require.Equal(t, 2500, cfg.Server.Predicate.RegexCacheSize)
	require.Equal(t, "http", cfg.Server.DecisionLog.Sink)
	require.Equal(t, "https://sink.example/events", cfg.Server.DecisionLog.HTTP.URL)
}

func TestLoaderMissingFileErrors(t *testing.T) {
	_, err := NewLoader("WAFU_TEST_UNSET", filepath.Join(t.TempDir(), "missing.yaml")).Load(context.Background())
	require.Error(t, err)
}

func TestLoaderRejectsInvalidSink(t *testing.T) {
	t.Setenv("WAFU_SERVER__DECISIONLOG__SINK", "carrier-pigeon")
	_, err := NewLoader("WAFU").Load(context.Background())
	require.Error(t, err)
}
