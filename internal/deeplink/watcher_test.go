package deeplink

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type collector struct {
	mu   sync.Mutex
	urls []string
}

func (c *collector) handle(_ context.Context, rawURL string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.urls = append(c.urls, rawURL)
	return nil
}

func (c *collector) snapshot() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.urls...)
}

func TestNewWatcherValidates(t *testing.T) {
	_, err := NewWatcher("", func(context.Context, string) error { return nil })
	assert.Error(t, err)
	_, err = NewWatcher(t.TempDir(), nil)
	assert.Error(t, err)
}

func TestWatcherDrainsExistingFilesOnStart(t *testing.T) {
	dir := t.TempDir()
	_, err := Drop(dir, "ledgerdesk://auth/callback?code=first")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "ignored.txt"), []byte("x"), 0o600))

	c := &collector{}
	w, err := NewWatcher(dir, c.handle)
	require.NoError(t, err)
	require.NoError(t, w.Start(context.Background()))
	t.Cleanup(w.Stop)

	assert.Equal(t, []string{"ledgerdesk://auth/callback?code=first"}, c.snapshot())

	left, _ := filepath.Glob(filepath.Join(dir, "*.url"))
	assert.Empty(t, left)
	_, err = os.Stat(filepath.Join(dir, "ignored.txt"))
	assert.NoError(t, err)
}

func TestWatcherDeliversDroppedURLs(t *testing.T) {
	dir := t.TempDir()
	c := &collector{}
	w, err := NewWatcher(dir, c.handle)
	require.NoError(t, err)
	w.debounce = time.Millisecond
	require.NoError(t, w.Start(context.Background()))
	t.Cleanup(w.Stop)

	_, err = Drop(dir, "  ledgerdesk://auth/callback#access_token=A&refresh_token=B \n")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return len(c.snapshot()) == 1
	}, 3*time.Second, 10*time.Millisecond)
	assert.Equal(t, "ledgerdesk://auth/callback#access_token=A&refresh_token=B", c.snapshot()[0])

	require.Eventually(t, func() bool {
		left, _ := filepath.Glob(filepath.Join(dir, "*.url"))
		return len(left) == 0
	}, time.Second, 10*time.Millisecond)
}

func TestWatcherStartTwice(t *testing.T) {
	w, err := NewWatcher(t.TempDir(), (&collector{}).handle)
	require.NoError(t, err)
	require.NoError(t, w.Start(context.Background()))
	t.Cleanup(w.Stop)
	assert.Error(t, w.Start(context.Background()))
}

func TestStopWithoutStart(t *testing.T) {
	w, err := NewWatcher(t.TempDir(), (&collector{}).handle)
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		w.Stop()
		w.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Stop blocked")
	}
}

func TestDropRejectsEmpty(t *testing.T) {
	_, err := Drop(t.TempDir(), "   ")
	assert.Error(t, err)
}

func TestFromArgs(t *testing.T) {
	args := []string{"--flag", "LedgerDesk://auth/callback?code=C", "https://example.com", "ledgerdesk:/broken"}
	assert.Equal(t, []string{"LedgerDesk://auth/callback?code=C"}, FromArgs(args, "ledgerdesk"))
	assert.Empty(t, FromArgs(args))
}
