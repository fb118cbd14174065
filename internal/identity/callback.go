package identity

import (
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/IGLOU-EU/go-wildcard/v2"
	"github.com/golang-jwt/jwt/v5"
)

// callbackParams holds what a provider can put on a redirect.
type callbackParams struct {
	AccessToken      string
	RefreshToken     string
	TokenType        string
	ExpiresIn        string
	ExpiresAt        string
	Code             string
	State            string
	Error            string
	ErrorDescription string
}

func (p callbackParams) hasTokens() bool {
	return p.AccessToken != "" && p.RefreshToken != ""
}

func (p callbackParams) hasCode() bool {
	return p.Code != ""
}

// parseCallback reads parameters from either the fragment or the query. The
// fragment delimiter is rewritten to a query delimiter first so both shapes go
// through the same parser.
func parseCallback(raw string) (callbackParams, error) {
	normalized := strings.Replace(strings.TrimSpace(raw), "#", "?", 1)
	if i := strings.Index(normalized, "?"); i >= 0 {
		// A URL that had both a query and a fragment now has two '?'.
		normalized = normalized[:i+1] + strings.ReplaceAll(normalized[i+1:], "?", "&")
	}

	u, err := url.Parse(normalized)
	if err != nil {
		return callbackParams{}, err
	}
	q := u.Query()
	return callbackParams{
		AccessToken:      q.Get("access_token"),
		RefreshToken:     q.Get("refresh_token"),
		TokenType:        q.Get("token_type"),
		ExpiresIn:        q.Get("expires_in"),
		ExpiresAt:        q.Get("expires_at"),
		Code:             q.Get("code"),
		State:            q.Get("state"),
		Error:            q.Get("error"),
		ErrorDescription: q.Get("error_description"),
	}, nil
}

// tokenExpiry works out when a fragment-delivered access token expires:
// explicit expires_at, then expires_in, then the token's own exp claim.
func tokenExpiry(p callbackParams, now time.Time) time.Time {
	if p.ExpiresAt != "" {
		if secs, err := strconv.ParseInt(p.ExpiresAt, 10, 64); err == nil && secs > 0 {
			return time.Unix(secs, 0)
		}
	}
	if p.ExpiresIn != "" {
		if secs, err := strconv.ParseInt(p.ExpiresIn, 10, 64); err == nil && secs > 0 {
			return now.Add(time.Duration(secs) * time.Second)
		}
	}
	return jwtExpiry(p.AccessToken)
}

// jwtExpiry reads exp without verifying the signature. The provider verifies
// the token when it is used.
func jwtExpiry(raw string) time.Time {
	if strings.Count(raw, ".") != 2 {
		return time.Time{}
	}
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(raw, claims); err != nil {
		return time.Time{}
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}
	}
	return exp.Time
}

// isRedirectTarget reports whether raw is the redirect URL itself or a path
// below it, with any query. The comparison is literal.
func isRedirectTarget(redirectURL, raw string) bool {
	redirectURL = strings.TrimSpace(redirectURL)
	if redirectURL == "" {
		return false
	}
	base := stripFragment(strings.TrimSpace(raw))
	if i := strings.Index(base, "?"); i >= 0 {
		base = base[:i]
	}
	return base == redirectURL || strings.HasPrefix(base, strings.TrimRight(redirectURL, "/")+"/")
}

// matchesAny reports whether raw matches one of the extra callback patterns.
// Patterns are go-wildcard globs: "*" matches any run of characters, while
// "?" and "." each match exactly one character. The fragment is ignored.
func matchesAny(patterns []string, raw string) bool {
	target := stripFragment(strings.TrimSpace(raw))
	for _, pattern := range patterns {
		if pattern == "" {
			continue
		}
		if wildcard.Match(pattern, target) {
			return true
		}
	}
	return false
}

func stripFragment(raw string) string {
	if i := strings.Index(raw, "#"); i >= 0 {
		return raw[:i]
	}
	return raw
}
