package adapter

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	durablestreams "github.com/durable-streams/durable-streams"
)

func TestLoadConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "adapter.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
serverUrl: http://localhost:4437
defaultTimeoutMs: 2500
logLevel: debug
retry:
  maxRetries: 4
  initialDelayMs: 50
  maxDelayMs: 2000
  multiplier: 2.0
  jitter: equal
`), 0o644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	require.Equal(t, "http://localhost:4437", cfg.ServerURL)
	require.Equal(t, 2500*time.Millisecond, cfg.DefaultTimeout)
	require.Equal(t, "debug", cfg.LogLevel)
	require.Equal(t, 4, cfg.Retry.MaxRetries)
	require.Equal(t, 50*time.Millisecond, cfg.Retry.InitialBackoff)
	require.Equal(t, 2*time.Second, cfg.Retry.MaxBackoff)
	require.Equal(t, 2.0, cfg.Retry.Multiplier)
	require.Equal(t, durablestreams.JitterEqual, cfg.Retry.Jitter)
}

func TestLoadConfigDefaultsSurvivePartialFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "adapter.yaml")
	require.NoError(t, os.WriteFile(path, []byte("serverUrl: http://x\n"), 0o644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	require.Equal(t, "http://x", cfg.ServerURL)
	require.Equal(t, 5*time.Second, cfg.DefaultTimeout)
	require.Equal(t, durablestreams.DefaultRetryConfig().MaxRetries, cfg.Retry.MaxRetries)
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := LoadConfig("/nonexistent/adapter.yaml")
	require.Error(t, err)
}
