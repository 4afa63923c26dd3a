package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaultsWhenMissing(t *testing.T) {
	cfg, err := Load(t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, 50, cfg.Queue.MaxEntries)
	assert.Equal(t, 3, cfg.Recovery.MaxRetries)
	assert.Equal(t, 30*time.Minute, cfg.StaleTTL())
	assert.Equal(t, 10*time.Minute, cfg.RetryLockTimeout())
	assert.Equal(t, 5*time.Minute, cfg.ContinuationTimeout())
}

func TestLoadYAMLOverrides(t *testing.T) {
	dir := t.TempDir()
	doc := `
queue:
  max_entries: 5
  stale_ttl_min: 7
recovery:
  max_retries: 1
runner:
  timeout_min: 2
logging:
  level: debug
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(doc), 0644))

	cfg, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, 5, cfg.Queue.MaxEntries)
	assert.Equal(t, 7*time.Minute, cfg.StaleTTL())
	assert.Equal(t, 1, cfg.Recovery.MaxRetries)
	assert.Equal(t, 2, cfg.Runner.TimeoutMin)
	assert.Equal(t, "debug", cfg.Logging.Level)

	// Unset sections keep defaults.
	assert.Equal(t, 100, cfg.Queue.LockRetries)
	assert.Equal(t, 10, cfg.Recovery.RetryLockTimeoutMin)
}

func TestEnvOverridesBeatYAML(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte("queue:\n  max_entries: 5\n"), 0644))
	t.Setenv("FOREMAN_QUEUE_MAX_ENTRIES", "9")
	t.Setenv("FOREMAN_LOG_LEVEL", "error")

	cfg, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, 9, cfg.Queue.MaxEntries)
	assert.Equal(t, "error", cfg.Logging.Level)
}

func TestDotEnvLoaded(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("FOREMAN_MAX_RETRIES=6\n"), 0644))
	t.Setenv("FOREMAN_MAX_RETRIES", "")
	os.Unsetenv("FOREMAN_MAX_RETRIES")

	cfg, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, 6, cfg.Recovery.MaxRetries)
}

func TestMalformedYAMLRejected(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte("queue: ["), 0644))
	_, err := Load(dir)
	require.Error(t, err)
}

func TestFillDefaultsRepairsNonsense(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"),
		[]byte("queue:\n  max_entries: -1\n  lock_backoff_min_ms: 20\n  lock_backoff_max_ms: 10\n"), 0644))

	cfg, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, 50, cfg.Queue.MaxEntries)
	assert.Greater(t, cfg.Queue.LockBackoffMaxMs, cfg.Queue.LockBackoffMinMs)
}
