// Package identity signs users in against the OAuth provider, restores their
// session on later runs and turns deep-link callbacks into sessions.
package identity

import (
	"context"
	"strings"

	"golang.org/x/oauth2"
)

// User is an authenticated principal. Email is the key for license lookups.
type User struct {
	ID          string `json:"id,omitempty"`
	Email       string `json:"email"`
	DisplayName string `json:"name,omitempty"`
}

// Valid reports whether the user carries an email.
func (u *User) Valid() bool {
	return u != nil && strings.TrimSpace(u.Email) != ""
}

// Session is a signed-in user together with the tokens that keep them signed in.
type Session struct {
	User  User          `json:"user"`
	Token *oauth2.Token `json:"token"`
}

// Client is what the entitlement machine needs from the identity layer.
type Client interface {
	// GetCurrentUser returns the restorable user without prompting, or nil.
	// It imposes no timeout of its own.
	GetCurrentUser(ctx context.Context) (*User, error)
	// SignIn starts an OAuth flow that completes through a callback.
	SignIn(ctx context.Context, redirectTarget string) error
	// ExchangeCallback turns a callback URL into a session. A URL that is
	// not an auth callback yields nil without error.
	ExchangeCallback(ctx context.Context, rawURL string) (*Session, error)
	// SignOut drops the local session and revokes it remotely. Local state
	// is cleared even when the remote call fails.
	SignOut(ctx context.Context) error
}

// Shell names the host the application runs in. It decides how the provider
// URL reaches the user.
type Shell string

const (
	ShellDesktop Shell = "desktop"
	ShellMobile  Shell = "mobile"
	ShellWeb     Shell = "web"
)

// ParseShell normalises raw, defaulting to desktop.
func ParseShell(raw string) (Shell, bool) {
	switch Shell(strings.ToLower(strings.TrimSpace(raw))) {
	case "", ShellDesktop:
		return ShellDesktop, true
	case ShellMobile:
		return ShellMobile, true
	case ShellWeb:
		return ShellWeb, true
	default:
		return ShellDesktop, false
	}
}
