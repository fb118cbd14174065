package identity

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/rs/zerolog/log"
	"golang.org/x/oauth2"
)

// Provider is the OAuth/OIDC surface the Service drives.
type Provider interface {
	AuthCodeURL(ctx context.Context, state, verifier string) (string, error)
	Exchange(ctx context.Context, code, verifier string) (*oauth2.Token, error)
	Refresh(ctx context.Context, token *oauth2.Token) (*oauth2.Token, error)
	User(ctx context.Context, token *oauth2.Token) (*User, error)
	Revoke(ctx context.Context, token *oauth2.Token) error
}

// ProviderConfig configures an OIDCProvider.
type ProviderConfig struct {
	IssuerURL    string
	ClientID     string
	ClientSecret string
	RedirectURL  string
	Scopes       []string
	HTTPClient   *http.Client
}

var defaultScopes = []string{oidc.ScopeOpenID, "email", "profile"}

// OIDCProvider talks to a standards-compliant OpenID Connect issuer. Discovery
// runs lazily on first use so a process can start offline.
type OIDCProvider struct {
	cfg        ProviderConfig
	httpClient *http.Client

	mu            sync.Mutex
	provider      *oidc.Provider
	oauth2Cfg     *oauth2.Config
	verifier      *oidc.IDTokenVerifier
	revocationURL string
}

// NewOIDCProvider validates cfg. No network calls are made.
func NewOIDCProvider(cfg ProviderConfig) (*OIDCProvider, error) {
	cfg.IssuerURL = strings.TrimSpace(cfg.IssuerURL)
	cfg.ClientID = strings.TrimSpace(cfg.ClientID)
	if cfg.IssuerURL == "" {
		return nil, errors.New("oidc issuer URL is required")
	}
	if cfg.ClientID == "" {
		return nil, errors.New("oidc client ID is required")
	}
	if len(cfg.Scopes) == 0 {
		cfg.Scopes = append([]string(nil), defaultScopes...)
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &OIDCProvider{cfg: cfg, httpClient: httpClient}, nil
}

func (p *OIDCProvider) contextWithHTTPClient(ctx context.Context) context.Context {
	if p.httpClient == nil {
		return ctx
	}
	return oidc.ClientContext(ctx, p.httpClient)
}

func (p *OIDCProvider) discover(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.provider != nil {
		return nil
	}

	provider, err := oidc.NewProvider(p.contextWithHTTPClient(ctx), p.cfg.IssuerURL)
	if err != nil {
		return fmt.Errorf("discover oidc issuer: %w", err)
	}

	var extra struct {
		RevocationEndpoint string `json:"revocation_endpoint"`
	}
	if err := provider.Claims(&extra); err != nil {
		log.Debug().Err(err).Msg("OIDC discovery document has unreadable extra claims")
	}

	p.provider = provider
	p.oauth2Cfg = &oauth2.Config{
		ClientID:     p.cfg.ClientID,
		ClientSecret: p.cfg.ClientSecret,
		RedirectURL:  p.cfg.RedirectURL,
		Endpoint:     provider.Endpoint(),
		Scopes:       p.cfg.Scopes,
	}
	p.verifier = provider.Verifier(&oidc.Config{ClientID: p.cfg.ClientID})
	p.revocationURL = extra.RevocationEndpoint

	log.Debug().
		Str("issuer", p.cfg.IssuerURL).
		Bool("revocation", p.revocationURL != "").
		Msg("OIDC issuer discovered")
	return nil
}

func (p *OIDCProvider) AuthCodeURL(ctx context.Context, state, verifier string) (string, error) {
	if err := p.discover(ctx); err != nil {
		return "", err
	}
	opts := []oauth2.AuthCodeOption{oauth2.AccessTypeOffline}
	if verifier != "" {
		opts = append(opts, oauth2.S256ChallengeOption(verifier))
	}
	return p.oauth2Cfg.AuthCodeURL(state, opts...), nil
}

func (p *OIDCProvider) Exchange(ctx context.Context, code, verifier string) (*oauth2.Token, error) {
	if err := p.discover(ctx); err != nil {
		return nil, err
	}
	var opts []oauth2.AuthCodeOption
	if verifier != "" {
		opts = append(opts, oauth2.VerifierOption(verifier))
	}
	token, err := p.oauth2Cfg.Exchange(p.contextWithHTTPClient(ctx), code, opts...)
	if err != nil {
		return nil, fmt.Errorf("exchange authorization code: %w", err)
	}
	return token, nil
}

// Refresh trades the refresh token for a new access token. Providers that do
// not rotate refresh tokens omit one from the response; the old one is kept.
func (p *OIDCProvider) Refresh(ctx context.Context, token *oauth2.Token) (*oauth2.Token, error) {
	if token == nil || token.RefreshToken == "" {
		return nil, errors.New("no refresh token available")
	}
	if err := p.discover(ctx); err != nil {
		return nil, err
	}
	src := p.oauth2Cfg.TokenSource(p.contextWithHTTPClient(ctx), &oauth2.Token{RefreshToken: token.RefreshToken})
	refreshed, err := src.Token()
	if err != nil {
		return nil, fmt.Errorf("refresh token: %w", err)
	}
	if refreshed.RefreshToken == "" {
		refreshed.RefreshToken = token.RefreshToken
	}
	return refreshed, nil
}

type profileClaims struct {
	Subject string `json:"sub"`
	Email   string `json:"email"`
	Name    string `json:"name"`
}

// User reads the principal from the verified ID token when the token response
// carries one, else from the userinfo endpoint.
func (p *OIDCProvider) User(ctx context.Context, token *oauth2.Token) (*User, error) {
	if token == nil || token.AccessToken == "" {
		return nil, errors.New("no access token")
	}
	if err := p.discover(ctx); err != nil {
		return nil, err
	}

	var claims profileClaims
	if rawIDToken, ok := token.Extra("id_token").(string); ok && rawIDToken != "" {
		idToken, err := p.verifier.Verify(p.contextWithHTTPClient(ctx), rawIDToken)
		if err != nil {
			return nil, fmt.Errorf("verify id token: %w", err)
		}
		if err := idToken.Claims(&claims); err != nil {
			return nil, fmt.Errorf("decode id token claims: %w", err)
		}
	} else {
		info, err := p.provider.UserInfo(p.contextWithHTTPClient(ctx), oauth2.StaticTokenSource(token))
		if err != nil {
			return nil, fmt.Errorf("fetch userinfo: %w", err)
		}
		if err := info.Claims(&claims); err != nil {
			return nil, fmt.Errorf("decode userinfo claims: %w", err)
		}
		if claims.Email == "" {
			claims.Email = info.Email
		}
	}

	user := &User{
		ID:          claims.Subject,
		Email:       strings.TrimSpace(claims.Email),
		DisplayName: strings.TrimSpace(claims.Name),
	}
	if !user.Valid() {
		return nil, errors.New("identity provider returned no email")
	}
	return user, nil
}

// Revoke invalidates token at the issuer's revocation endpoint. Issuers that
// advertise none are treated as revoked.
func (p *OIDCProvider) Revoke(ctx context.Context, token *oauth2.Token) error {
	if token == nil {
		return nil
	}
	if err := p.discover(ctx); err != nil {
		return err
	}
	if p.revocationURL == "" {
		return nil
	}

	form := url.Values{}
	if token.RefreshToken != "" {
		form.Set("token", token.RefreshToken)
		form.Set("token_type_hint", "refresh_token")
	} else {
		form.Set("token", token.AccessToken)
		form.Set("token_type_hint", "access_token")
	}
	form.Set("client_id", p.cfg.ClientID)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.revocationURL, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("build revocation request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if p.cfg.ClientSecret != "" {
		req.SetBasicAuth(url.QueryEscape(p.cfg.ClientID), url.QueryEscape(p.cfg.ClientSecret))
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("revoke token: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("revoke token: issuer returned status %d", resp.StatusCode)
	}
	return nil
}
