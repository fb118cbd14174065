package store

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSQLiteRoundTripAcrossReopen(t *testing.T) {
	dir := t.TempDir()

	db, err := OpenSQLite(dir)
	require.NoError(t, err)
	require.NoError(t, db.Set(KeyTrialStart, "2026-10-18T00:00:00Z"))
	require.NoError(t, db.Set(KeyTrialStart, "2026-10-19T00:00:00Z"))
	require.NoError(t, db.Close())

	reopened, err := OpenSQLite(dir)
	require.NoError(t, err)
	t.Cleanup(func() { _ = reopened.Close() })

	value, ok, err := reopened.Get(KeyTrialStart)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "2026-10-19T00:00:00Z", value)

	require.NoError(t, reopened.Remove(KeyTrialStart))
	_, ok, err = reopened.Get(KeyTrialStart)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSQLiteRequiresDir(t *testing.T) {
	_, err := OpenSQLite("")
	assert.Error(t, err)
}

func TestSQLiteClosedStore(t *testing.T) {
	db, err := OpenSQLite(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, db.Close())
	require.NoError(t, db.Close())

	_, _, err = db.Get(KeyUserMode)
	assert.Error(t, err)
	assert.Error(t, db.Set(KeyUserMode, "pro"))
}

func TestSealedBackendEncryptsSelectedKeys(t *testing.T) {
	dir := t.TempDir()
	sealer, err := LoadSealer(dir)
	require.NoError(t, err)

	inner := NewMemory()
	b := NewSealedBackend(inner, sealer, KeyAuthSession)

	require.NoError(t, b.Set(KeyAuthSession, `{"access_token":"secret"}`))
	require.NoError(t, b.Set(KeyUserMode, "pro"))

	raw, _, _ := inner.Get(KeyAuthSession)
	assert.True(t, strings.HasPrefix(raw, sealedValuePrefix))
	assert.NotContains(t, raw, "secret")

	plain, _, _ := inner.Get(KeyUserMode)
	assert.Equal(t, "pro", plain)

	value, ok, err := b.Get(KeyAuthSession)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, `{"access_token":"secret"}`, value)
}

func TestLoadSealerReusesKeyFile(t *testing.T) {
	dir := t.TempDir()
	first, err := LoadSealer(dir)
	require.NoError(t, err)

	sealed, err := first.Seal("hello")
	require.NoError(t, err)

	info, err := os.Stat(filepath.Join(dir, KeyFileName))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(privateFilePerm), info.Mode().Perm())

	second, err := LoadSealer(dir)
	require.NoError(t, err)
	opened, err := second.Open(sealed)
	require.NoError(t, err)
	assert.Equal(t, "hello", opened)
}

func TestSealerRejectsTamperedValue(t *testing.T) {
	sealer, err := NewSealer([]byte("material"))
	require.NoError(t, err)

	_, err = sealer.Open("plain-value")
	assert.ErrorIs(t, err, ErrSealedValue)

	other, err := NewSealer([]byte("other-material"))
	require.NoError(t, err)
	sealed, err := other.Seal("x")
	require.NoError(t, err)
	_, err = sealer.Open(sealed)
	assert.ErrorIs(t, err, ErrSealedValue)
}
