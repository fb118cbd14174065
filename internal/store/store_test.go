package store

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParsePrecedence(t *testing.T) {
	tests := []struct {
		raw     string
		want    Precedence
		wantErr bool
	}{
		{"", DurableFirst, false},
		{"durable", DurableFirst, false},
		{" Session ", SessionFirst, false},
		{"both", DurableFirst, true},
	}
	for _, tt := range tests {
		got, err := ParsePrecedence(tt.raw)
		if tt.wantErr {
			assert.Error(t, err, tt.raw)
			continue
		}
		require.NoError(t, err, tt.raw)
		assert.Equal(t, tt.want, got, tt.raw)
	}
}

func TestScopedLookupPrecedence(t *testing.T) {
	durable, session := NewMemory(), NewMemory()
	require.NoError(t, durable.Set(KeyUserMode, "pro"))
	require.NoError(t, session.Set(KeyUserMode, "free"))

	t.Run("durable first", func(t *testing.T) {
		s := New(durable, session, DurableFirst)
		value, scope, ok, err := s.Lookup(KeyUserMode)
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, "pro", value)
		assert.Equal(t, ScopeDurable, scope)
	})

	t.Run("session first", func(t *testing.T) {
		s := New(durable, session, SessionFirst)
		value, scope, ok, err := s.Lookup(KeyUserMode)
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, "free", value)
		assert.Equal(t, ScopeSession, scope)
	})

	t.Run("falls through to other scope", func(t *testing.T) {
		s := New(NewMemory(), session, DurableFirst)
		value, scope, ok, err := s.Lookup(KeyUserMode)
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, "free", value)
		assert.Equal(t, ScopeSession, scope)
	})

	t.Run("missing everywhere", func(t *testing.T) {
		s := New(NewMemory(), NewMemory(), DurableFirst)
		_, _, ok, err := s.Lookup(KeyUserMode)
		require.NoError(t, err)
		assert.False(t, ok)
	})
}

func TestScopedRemoveAll(t *testing.T) {
	s := New(NewMemory(), NewMemory(), DurableFirst)
	require.NoError(t, s.Set(ScopeDurable, KeyAuthIntent, "trial"))
	require.NoError(t, s.Set(ScopeSession, KeyAuthIntent, "trial"))

	require.NoError(t, s.RemoveAll(KeyAuthIntent))

	for _, scope := range []Scope{ScopeDurable, ScopeSession} {
		_, ok, err := s.Get(scope, KeyAuthIntent)
		require.NoError(t, err)
		assert.False(t, ok, scope)
	}
}

func TestScopedUnknownScope(t *testing.T) {
	s := New(NewMemory(), NewMemory(), DurableFirst)
	err := s.Set(Scope("cloud"), KeyUserMode, "pro")
	assert.True(t, errors.Is(err, ErrUnknownScope))
}

type failingBackend struct{ err error }

func (f failingBackend) Get(string) (string, bool, error) { return "", false, f.err }
func (f failingBackend) Set(string, string) error         { return f.err }
func (f failingBackend) Remove(string) error              { return f.err }

func TestScopedLookupSurfacesBackendError(t *testing.T) {
	boom := errors.New("disk gone")
	s := New(failingBackend{err: boom}, NewMemory(), DurableFirst)
	_, _, _, err := s.Lookup(KeyUserMode)
	assert.ErrorIs(t, err, boom)

	err = s.RemoveAll(KeyUserMode)
	assert.ErrorIs(t, err, boom)
}
