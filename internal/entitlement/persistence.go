package entitlement

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rcourtman/ledgerdesk/internal/identity"
	"github.com/rcourtman/ledgerdesk/internal/license"
	"github.com/rcourtman/ledgerdesk/internal/store"
)

// cachedIdentity is the offline copy of the last resolved user.
type cachedIdentity struct {
	Email    string    `json:"email"`
	Name     string    `json:"name,omitempty"`
	CachedAt time.Time `json:"cachedAt"`
}

// snapshot is what an offline boot may adopt.
type snapshot struct {
	User    *identity.User
	License license.Status
	Mode    Mode
}

// persisted reads and writes the machine's keys. Callers hold Machine.mu.
type persisted struct {
	store store.Store
}

func (p persisted) rememberSelection() bool {
	raw, ok, err := p.store.Get(store.ScopeDurable, store.KeyRememberSelection)
	if err != nil || !ok {
		return true
	}
	remember, err := strconv.ParseBool(strings.TrimSpace(raw))
	if err != nil {
		return true
	}
	return remember
}

func (p persisted) setRememberSelection(remember bool) error {
	return p.store.Set(store.ScopeDurable, store.KeyRememberSelection, strconv.FormatBool(remember))
}

func scopeFor(remember bool) store.Scope {
	if remember {
		return store.ScopeDurable
	}
	return store.ScopeSession
}

func (p persisted) mode() (Mode, error) {
	raw, _, ok, err := p.store.Lookup(store.KeyUserMode)
	if err != nil || !ok {
		return ModeUnset, err
	}
	mode, _ := ParseMode(raw)
	return mode, nil
}

// setMode writes to exactly one scope. The other scope is left alone.
func (p persisted) setMode(mode Mode, remember bool) error {
	if mode == ModeUnset {
		return p.store.RemoveAll(store.KeyUserMode)
	}
	return p.store.Set(scopeFor(remember), store.KeyUserMode, string(mode))
}

func (p persisted) intent() (Intent, error) {
	raw, _, ok, err := p.store.Lookup(store.KeyAuthIntent)
	if err != nil || !ok {
		return IntentNone, err
	}
	if Intent(strings.TrimSpace(raw)) == IntentTrial {
		return IntentTrial, nil
	}
	return IntentNone, nil
}

func (p persisted) setIntent(intent Intent, remember bool) error {
	if intent == IntentNone {
		return p.clearIntent()
	}
	return p.store.Set(scopeFor(remember), store.KeyAuthIntent, string(intent))
}

func (p persisted) clearIntent() error {
	return p.store.RemoveAll(store.KeyAuthIntent)
}

func (p persisted) trialStart() (*time.Time, error) {
	raw, ok, err := p.store.Get(store.ScopeDurable, store.KeyTrialStart)
	if err != nil || !ok {
		return nil, err
	}
	start, err := parseTimestamp(raw)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", store.KeyTrialStart, err)
	}
	return &start, nil
}

// stampTrialStart records now as the trial start unless one exists. It
// returns the effective start and whether this call stamped it.
func (p persisted) stampTrialStart(now time.Time) (time.Time, bool, error) {
	existing, err := p.trialStart()
	if err == nil && existing != nil {
		return *existing, false, nil
	}
	start := now.UTC()
	if err := p.store.Set(store.ScopeDurable, store.KeyTrialStart, start.Format(time.RFC3339Nano)); err != nil {
		return time.Time{}, false, err
	}
	return start, true, nil
}

// parseTimestamp accepts RFC 3339 or epoch milliseconds.
func parseTimestamp(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if ms, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return time.UnixMilli(ms).UTC(), nil
	}
	return time.Parse(time.RFC3339Nano, raw)
}

func (p persisted) writeSnapshot(user identity.User, status license.Status, now time.Time) error {
	data, err := json.Marshal(cachedIdentity{
		Email:    user.Email,
		Name:     user.DisplayName,
		CachedAt: now.UTC(),
	})
	if err != nil {
		return err
	}
	if err := p.store.Set(store.ScopeDurable, store.KeyCachedIdentity, string(data)); err != nil {
		return err
	}
	return p.store.Set(store.ScopeDurable, store.KeyCachedLicense, string(status))
}

func (p persisted) cachedUser() (*identity.User, error) {
	raw, ok, err := p.store.Get(store.ScopeDurable, store.KeyCachedIdentity)
	if err != nil || !ok {
		return nil, err
	}
	var cached cachedIdentity
	if err := json.Unmarshal([]byte(raw), &cached); err != nil {
		return nil, fmt.Errorf("decode %s: %w", store.KeyCachedIdentity, err)
	}
	user := &identity.User{Email: cached.Email, DisplayName: cached.Name}
	if !user.Valid() {
		return nil, nil
	}
	return user, nil
}

func (p persisted) cachedLicense() license.Status {
	raw, ok, err := p.store.Get(store.ScopeDurable, store.KeyCachedLicense)
	if err != nil || !ok {
		return license.StatusFree
	}
	return license.ParseStatus(raw)
}

// loadSnapshot returns the cached identity and persisted mode, or nil when
// either is missing.
func (p persisted) loadSnapshot() (*snapshot, error) {
	user, err := p.cachedUser()
	if err != nil || user == nil {
		return nil, err
	}
	mode, err := p.mode()
	if err != nil || mode == ModeUnset {
		return nil, err
	}
	return &snapshot{User: user, License: p.cachedLicense(), Mode: mode}, nil
}

func (p persisted) clearCachedIdentity() error {
	return p.store.Remove(store.ScopeDurable, store.KeyCachedIdentity)
}

// moveSelection rewrites mode and intent into the scope matching remember.
func (p persisted) moveSelection(remember bool) error {
	from, to := scopeFor(!remember), scopeFor(remember)
	for _, key := range []string{store.KeyUserMode, store.KeyAuthIntent} {
		value, ok, err := p.store.Get(from, key)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		if err := p.store.Set(to, key, value); err != nil {
			return err
		}
		if err := p.store.Remove(from, key); err != nil {
			return err
		}
	}
	return nil
}
