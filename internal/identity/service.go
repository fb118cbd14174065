package identity

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/oauth2"

	apperrors "github.com/rcourtman/ledgerdesk/internal/errors"
	"github.com/rcourtman/ledgerdesk/internal/store"
)

const defaultPendingTTL = 15 * time.Minute

// pendingSignIn survives between SignIn and the callback, which may arrive in
// another process.
type pendingSignIn struct {
	State     string    `json:"state"`
	Verifier  string    `json:"verifier"`
	Redirect  string    `json:"redirect"`
	CreatedAt time.Time `json:"created_at"`
}

// Options configures a Service.
type Options struct {
	Provider         Provider
	Store            store.Store
	Opener           Opener
	RedirectURL      string
	CallbackPatterns []string
	PendingTTL       time.Duration
}

// Service implements Client over an OAuth provider and the durable store.
type Service struct {
	provider    Provider
	store       store.Store
	opener      Opener
	redirectURL string
	patterns    []string
	pendingTTL  time.Duration
	now         func() time.Time

	mu sync.Mutex
}

var _ Client = (*Service)(nil)

// NewService validates opts and returns a Service.
func NewService(opts Options) (*Service, error) {
	if opts.Provider == nil {
		return nil, errors.New("identity provider is required")
	}
	if opts.Store == nil {
		return nil, errors.New("identity store is required")
	}
	if opts.Opener == nil {
		return nil, errors.New("sign-in opener is required")
	}
	ttl := opts.PendingTTL
	if ttl <= 0 {
		ttl = defaultPendingTTL
	}
	return &Service{
		provider:    opts.Provider,
		store:       opts.Store,
		opener:      opts.Opener,
		redirectURL: strings.TrimSpace(opts.RedirectURL),
		patterns:    append([]string(nil), opts.CallbackPatterns...),
		pendingTTL:  ttl,
		now:         time.Now,
	}, nil
}

// GetCurrentUser returns the stored user. An expired access token is
// refreshed first; a refresh the issuer rejects ends the session.
func (s *Service) GetCurrentUser(ctx context.Context) (*User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, err := s.loadSession()
	if err != nil {
		return nil, err
	}
	if session == nil || !session.User.Valid() {
		return nil, nil
	}
	if session.Token != nil && session.Token.Valid() {
		user := session.User
		return &user, nil
	}
	if session.Token == nil || session.Token.RefreshToken == "" {
		log.Debug().Str("email", session.User.Email).Msg("Stored session expired without refresh token")
		s.clearSession()
		return nil, nil
	}

	refreshed, err := s.provider.Refresh(ctx, session.Token)
	if err != nil {
		var retrieveErr *oauth2.RetrieveError
		if errors.As(err, &retrieveErr) {
			log.Info().Err(err).Str("email", session.User.Email).Msg("Issuer rejected session refresh; signing out locally")
			s.clearSession()
			return nil, nil
		}
		return nil, fmt.Errorf("refresh session: %w", err)
	}

	session.Token = refreshed
	if err := s.saveSession(session); err != nil {
		log.Warn().Err(err).Msg("Failed to persist refreshed session")
	}
	user := session.User
	return &user, nil
}

// SignIn records a pending PKCE exchange and hands the provider URL to the
// opener.
func (s *Service) SignIn(ctx context.Context, redirectTarget string) error {
	redirect := strings.TrimSpace(redirectTarget)
	if redirect == "" {
		redirect = s.redirectURL
	}

	state, err := randomState()
	if err != nil {
		return apperrors.WrapAuthInit("sign_in", err)
	}
	pending := pendingSignIn{
		State:     state,
		Verifier:  oauth2.GenerateVerifier(),
		Redirect:  redirect,
		CreatedAt: s.now().UTC(),
	}

	s.mu.Lock()
	err = s.savePending(pending)
	s.mu.Unlock()
	if err != nil {
		return apperrors.WrapAuthInit("sign_in", err)
	}

	authURL, err := s.provider.AuthCodeURL(ctx, pending.State, pending.Verifier)
	if err != nil {
		return apperrors.WrapAuthInit("sign_in", err)
	}
	if err := s.opener.Open(ctx, authURL); err != nil {
		return apperrors.WrapAuthInit("sign_in", err)
	}

	log.Info().Str("redirect", redirect).Msg("Sign-in started")
	return nil
}

// ExchangeCallback accepts fragment-style token callbacks and query-style
// authorization-code callbacks.
func (s *Service) ExchangeCallback(ctx context.Context, rawURL string) (*Session, error) {
	if !isRedirectTarget(s.redirectURL, rawURL) && !matchesAny(s.patterns, rawURL) {
		return nil, nil
	}
	params, err := parseCallback(rawURL)
	if err != nil {
		log.Debug().Err(err).Msg("Ignoring unparseable callback URL")
		return nil, nil
	}

	if params.Error != "" {
		desc := params.Error
		if params.ErrorDescription != "" {
			desc += ": " + params.ErrorDescription
		}
		return nil, apperrors.WrapCallbackExchange("exchange_callback", errors.New(desc))
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var token *oauth2.Token
	switch {
	case params.hasTokens():
		token = &oauth2.Token{
			AccessToken:  params.AccessToken,
			RefreshToken: params.RefreshToken,
			TokenType:    params.TokenType,
			Expiry:       tokenExpiry(params, s.now()),
		}
	case params.hasCode():
		pending, err := s.loadPending()
		if err != nil {
			log.Warn().Err(err).Msg("Failed to read pending sign-in")
		}
		if pending != nil && params.State != "" && params.State != pending.State {
			return nil, apperrors.WrapCallbackExchange("exchange_callback", errors.New("callback state does not match pending sign-in"))
		}
		verifier := ""
		if pending != nil {
			verifier = pending.Verifier
		}
		token, err = s.provider.Exchange(ctx, params.Code, verifier)
		if err != nil {
			return nil, apperrors.WrapCallbackExchange("exchange_callback", err)
		}
	default:
		return nil, nil
	}

	user, err := s.provider.User(ctx, token)
	if err != nil {
		return nil, apperrors.WrapCallbackExchange("exchange_callback", err)
	}

	session := &Session{User: *user, Token: token}
	if err := s.saveSession(session); err != nil {
		log.Warn().Err(err).Str("email", user.Email).Msg("Failed to persist session")
	}
	if err := s.store.Remove(store.ScopeDurable, store.KeyOAuthPending); err != nil {
		log.Debug().Err(err).Msg("Failed to clear pending sign-in")
	}

	log.Info().Str("email", user.Email).Msg("Callback exchanged for session")
	return session, nil
}

// SignOut clears the local session and then revokes it at the issuer.
func (s *Service) SignOut(ctx context.Context) error {
	s.mu.Lock()
	session, err := s.loadSession()
	if err != nil {
		log.Debug().Err(err).Msg("Unreadable session during sign-out")
	}
	s.clearSession()
	s.mu.Unlock()

	if session == nil || session.Token == nil {
		return nil
	}
	if err := s.provider.Revoke(ctx, session.Token); err != nil {
		return fmt.Errorf("revoke session for %s: %w", session.User.Email, err)
	}
	return nil
}

func (s *Service) loadSession() (*Session, error) {
	raw, ok, err := s.store.Get(store.ScopeDurable, store.KeyAuthSession)
	if err != nil {
		return nil, fmt.Errorf("read session: %w", err)
	}
	if !ok || raw == "" {
		return nil, nil
	}
	var session Session
	if err := json.Unmarshal([]byte(raw), &session); err != nil {
		log.Warn().Err(err).Msg("Discarding corrupt stored session")
		s.clearSession()
		return nil, nil
	}
	return &session, nil
}

func (s *Service) saveSession(session *Session) error {
	data, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}
	return s.store.Set(store.ScopeDurable, store.KeyAuthSession, string(data))
}

func (s *Service) clearSession() {
	for _, key := range []string{store.KeyAuthSession, store.KeyOAuthPending} {
		if err := s.store.Remove(store.ScopeDurable, key); err != nil {
			log.Warn().Err(err).Str("key", key).Msg("Failed to clear identity key")
		}
	}
}

func (s *Service) loadPending() (*pendingSignIn, error) {
	raw, ok, err := s.store.Get(store.ScopeDurable, store.KeyOAuthPending)
	if err != nil {
		return nil, err
	}
	if !ok || raw == "" {
		return nil, nil
	}
	var pending pendingSignIn
	if err := json.Unmarshal([]byte(raw), &pending); err != nil {
		return nil, fmt.Errorf("decode pending sign-in: %w", err)
	}
	if s.now().Sub(pending.CreatedAt) > s.pendingTTL {
		return nil, nil
	}
	return &pending, nil
}

func (s *Service) savePending(pending pendingSignIn) error {
	data, err := json.Marshal(pending)
	if err != nil {
		return fmt.Errorf("encode pending sign-in: %w", err)
	}
	if err := s.store.Set(store.ScopeDurable, store.KeyOAuthPending, string(data)); err != nil {
		return fmt.Errorf("persist pending sign-in: %w", err)
	}
	return nil
}

func randomState() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
