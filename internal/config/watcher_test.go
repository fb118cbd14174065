package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWatcherReloadsLogLevel(t *testing.T) {
	cfg := &Config{DataDir: t.TempDir(), LogLevel: "info", EnvOverrides: map[string]bool{}}
	w, err := NewWatcher(cfg)
	require.NoError(t, err)
	w.debounce = time.Millisecond

	changed := make(chan string, 1)
	w.OnChange(func(c *Config) { changed <- c.LogLevel })
	require.NoError(t, w.Start())
	t.Cleanup(w.Stop)

	require.NoError(t, os.WriteFile(filepath.Join(cfg.DataDir, ".env"), []byte("LEDGERDESK_LOG_LEVEL=debug\n"), 0o600))

	select {
	case level := <-changed:
		assert.Equal(t, "debug", level)
	case <-time.After(3 * time.Second):
		t.Fatal("no reload observed")
	}
}

func TestWatcherReloadRespectsEnvOverride(t *testing.T) {
	cfg := &Config{DataDir: t.TempDir(), LogLevel: "warn", EnvOverrides: map[string]bool{"LOG_LEVEL": true}}
	w, err := NewWatcher(cfg)
	require.NoError(t, err)
	t.Cleanup(w.Stop)

	called := false
	w.OnChange(func(*Config) { called = true })
	require.NoError(t, os.WriteFile(cfg.EnvFile(), []byte("LEDGERDESK_LOG_LEVEL=debug\n"), 0o600))

	w.reload()
	assert.False(t, called)
	assert.Equal(t, "warn", cfg.LogLevel)
}

func TestWatcherReloadMissingFile(t *testing.T) {
	cfg := &Config{DataDir: t.TempDir(), LogLevel: "info", EnvOverrides: map[string]bool{}}
	w, err := NewWatcher(cfg)
	require.NoError(t, err)
	t.Cleanup(w.Stop)

	w.reload()
	assert.Equal(t, "info", cfg.LogLevel)
}

func TestWatcherStopTwice(t *testing.T) {
	cfg := &Config{DataDir: t.TempDir(), EnvOverrides: map[string]bool{}}
	w, err := NewWatcher(cfg)
	require.NoError(t, err)
	require.NoError(t, w.Start())
	w.Stop()
	w.Stop()
}
