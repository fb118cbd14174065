// Package store persists entitlement state across two scopes: a durable store
// that survives restarts and a session store that lives as long as the process.
package store

import (
	"errors"
	"fmt"
	"strings"
)

// Scope names one of the two key-value stores.
type Scope string

const (
	ScopeDurable Scope = "durable"
	ScopeSession Scope = "session"
)

// Keys are stable across versions; renaming one strands upgraded installs.
const (
	KeyUserMode          = "user_mode"
	KeyAuthIntent        = "auth_intent"
	KeyTrialStart        = "trial_start"
	KeyRememberSelection = "remember_selection"
	KeyCachedIdentity    = "cached_identity"
	KeyCachedLicense     = "cached_license"
	KeyAuthSession       = "auth_session"
	KeyOAuthPending      = "oauth_pending"
)

var ErrUnknownScope = errors.New("unknown store scope")

// Backend is a single flat key-value namespace.
type Backend interface {
	Get(key string) (string, bool, error)
	Set(key, value string) error
	Remove(key string) error
}

// Store is the persistence contract the entitlement machine and identity
// client depend on.
type Store interface {
	Get(scope Scope, key string) (string, bool, error)
	Set(scope Scope, key, value string) error
	Remove(scope Scope, key string) error
	// Lookup reads key from both scopes in precedence order and reports
	// which scope answered.
	Lookup(key string) (string, Scope, bool, error)
	// RemoveAll deletes key from both scopes.
	RemoveAll(key string) error
}

// Precedence decides which scope wins when both hold a value for the same key.
type Precedence int

const (
	DurableFirst Precedence = iota
	SessionFirst
)

// ParsePrecedence accepts "durable" or "session".
func ParsePrecedence(raw string) (Precedence, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "durable":
		return DurableFirst, nil
	case "session":
		return SessionFirst, nil
	default:
		return DurableFirst, fmt.Errorf("invalid store precedence %q", raw)
	}
}

func (p Precedence) String() string {
	if p == SessionFirst {
		return "session"
	}
	return "durable"
}

// Order returns the scopes in read order.
func (p Precedence) Order() []Scope {
	if p == SessionFirst {
		return []Scope{ScopeSession, ScopeDurable}
	}
	return []Scope{ScopeDurable, ScopeSession}
}

// Scoped routes each scope to its own backend.
type Scoped struct {
	durable    Backend
	session    Backend
	precedence Precedence
}

// New creates a Scoped store.
func New(durable, session Backend, precedence Precedence) *Scoped {
	return &Scoped{
		durable:    durable,
		session:    session,
		precedence: precedence,
	}
}

// Precedence returns the configured read order.
func (s *Scoped) Precedence() Precedence {
	return s.precedence
}

func (s *Scoped) backend(scope Scope) (Backend, error) {
	switch scope {
	case ScopeDurable:
		return s.durable, nil
	case ScopeSession:
		return s.session, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownScope, scope)
	}
}

func (s *Scoped) Get(scope Scope, key string) (string, bool, error) {
	b, err := s.backend(scope)
	if err != nil {
		return "", false, err
	}
	return b.Get(key)
}

func (s *Scoped) Set(scope Scope, key, value string) error {
	b, err := s.backend(scope)
	if err != nil {
		return err
	}
	return b.Set(key, value)
}

func (s *Scoped) Remove(scope Scope, key string) error {
	b, err := s.backend(scope)
	if err != nil {
		return err
	}
	return b.Remove(key)
}

func (s *Scoped) Lookup(key string) (string, Scope, bool, error) {
	for _, scope := range s.precedence.Order() {
		value, ok, err := s.Get(scope, key)
		if err != nil {
			return "", scope, false, fmt.Errorf("read %s from %s store: %w", key, scope, err)
		}
		if ok {
			return value, scope, true, nil
		}
	}
	return "", "", false, nil
}

func (s *Scoped) RemoveAll(key string) error {
	var errs []error
	for _, scope := range []Scope{ScopeDurable, ScopeSession} {
		if err := s.Remove(scope, key); err != nil {
			errs = append(errs, fmt.Errorf("remove %s from %s store: %w", key, scope, err))
		}
	}
	return errors.Join(errs...)
}
