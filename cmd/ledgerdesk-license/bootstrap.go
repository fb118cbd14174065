package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/rcourtman/ledgerdesk/internal/backend"
	"github.com/rcourtman/ledgerdesk/internal/config"
	"github.com/rcourtman/ledgerdesk/internal/entitlement"
	"github.com/rcourtman/ledgerdesk/internal/identity"
	"github.com/rcourtman/ledgerdesk/internal/leads"
	"github.com/rcourtman/ledgerdesk/internal/license"
	"github.com/rcourtman/ledgerdesk/internal/logging"
	"github.com/rcourtman/ledgerdesk/internal/store"
)

const httpTimeout = 30 * time.Second

// app bundles everything a command needs.
type app struct {
	cfg     *config.Config
	machine *entitlement.Machine
	closers []func() error
}

func (a *app) Close() {
	if a.machine != nil {
		a.machine.Close()
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			log.Warn().Err(err).Msg("Shutdown step failed")
		}
	}
	logging.Shutdown()
}

// buildApp is swapped out by tests.
var buildApp = newApp

func newApp(_ context.Context, out io.Writer) (*app, error) {
	logging.Init(logging.Config{Format: "auto", Level: "info", Component: "ledgerdesk"})

	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	logging.Init(logging.Config{
		Format:    cfg.LogFormat,
		Level:     cfg.LogLevel,
		Component: "ledgerdesk",
		FilePath:  cfg.LogFile,
	})

	a := &app{cfg: cfg}
	ok := false
	defer func() {
		if !ok {
			a.Close()
		}
	}()

	st, err := openStore(cfg, a)
	if err != nil {
		return nil, err
	}

	backend.SetDNSCacheTTL(cfg.DNSCacheTTL)
	httpClient := backend.NewHTTPClient(httpTimeout)
	remote, err := backend.New(backend.Config{
		BaseURL:    cfg.BackendURL,
		APIKey:     cfg.BackendKey,
		HTTPClient: httpClient,
		UserAgent:  "ledgerdesk/" + Version,
	})
	if err != nil {
		return nil, fmt.Errorf("configure backend: %w", err)
	}

	provider, err := identity.NewOIDCProvider(identity.ProviderConfig{
		IssuerURL:    cfg.OAuthIssuer,
		ClientID:     cfg.OAuthClientID,
		ClientSecret: cfg.OAuthClientSecret,
		RedirectURL:  cfg.RedirectURL,
		Scopes:       cfg.OAuthScopes,
		HTTPClient:   httpClient,
	})
	if err != nil {
		return nil, fmt.Errorf("configure identity provider: %w", err)
	}

	shell, _ := identity.ParseShell(cfg.Shell)
	ids, err := identity.NewService(identity.Options{
		Provider:         provider,
		Store:            st,
		Opener:           openerFor(shell, out),
		RedirectURL:      cfg.RedirectURL,
		CallbackPatterns: cfg.CallbackPatterns,
	})
	if err != nil {
		return nil, fmt.Errorf("configure identity service: %w", err)
	}

	machine, err := entitlement.NewMachine(entitlement.Options{
		Identity:          ids,
		Licenses:          license.NewResolver(remote, license.WithFetchTimeout(cfg.ResolveTimeout)),
		Leads:             leads.NewRegistrar(remote, leads.WithTimeout(cfg.LeadTimeout)),
		Store:             st,
		SessionTimeout:    cfg.SessionTimeout,
		ResolveTimeout:    cfg.ResolveTimeout,
		CountdownInterval: cfg.CountdownInterval,
	})
	if err != nil {
		return nil, fmt.Errorf("create entitlement machine: %w", err)
	}
	a.machine = machine

	log.Debug().
		Str("data_dir", cfg.DataDir).
		Str("shell", string(shell)).
		Str("precedence", cfg.StorePrecedence).
		Msg("Entitlement core ready")

	ok = true
	return a, nil
}

// openStore opens the durable SQLite scope, seals the session-bearing keys,
// and pairs it with an in-memory session scope.
func openStore(cfg *config.Config, a *app) (store.Store, error) {
	precedence, err := store.ParsePrecedence(cfg.StorePrecedence)
	if err != nil {
		return nil, err
	}

	durable, err := store.OpenSQLite(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("open durable store: %w", err)
	}
	a.closers = append(a.closers, durable.Close)

	sealer, err := store.LoadSealer(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("load store key: %w", err)
	}
	sealed := store.NewSealedBackend(durable, sealer, store.KeyAuthSession, store.KeyOAuthPending)

	return store.New(sealed, store.NewMemory(), precedence), nil
}

// openerFor picks how the provider URL reaches the user. The desktop shell
// launches the system browser; the others hand the URL to the host, which
// here means printing it.
func openerFor(shell identity.Shell, out io.Writer) identity.Opener {
	printer := identity.OpenerFunc(func(_ context.Context, url string) error {
		_, err := fmt.Fprintf(out, "Open this URL to sign in:\n  %s\n", url)
		return err
	})
	if shell != identity.ShellDesktop {
		return printer
	}

	browser := identity.NewSystemBrowser()
	return identity.OpenerFunc(func(ctx context.Context, url string) error {
		if err := browser.Open(ctx, url); err != nil {
			log.Warn().Err(err).Msg("Failed to launch browser")
			return printer(ctx, url)
		}
		return nil
	})
}
