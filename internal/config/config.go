// Package config loads runtime configuration from .env files and LEDGERDESK_*
// environment variables.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

const envPrefix = "LEDGERDESK_"

const (
	DefaultRedirectURL       = "ledgerdesk://auth/callback"
	DefaultSessionTimeout    = 5 * time.Second
	DefaultResolveTimeout    = 10 * time.Second
	DefaultLeadTimeout       = 8 * time.Second
	DefaultCountdownInterval = 60 * time.Second
	DefaultDNSCacheTTL       = 5 * time.Minute
)

var defaultScopes = []string{"openid", "email", "profile"}

// Config is the resolved runtime configuration.
type Config struct {
	DataDir string

	LogLevel  string
	LogFormat string
	LogFile   string

	Shell string

	BackendURL string
	BackendKey string

	OAuthIssuer       string
	OAuthClientID     string
	OAuthClientSecret string
	OAuthScopes       []string
	RedirectURL       string
	CallbackPatterns  []string

	SessionTimeout    time.Duration
	ResolveTimeout    time.Duration
	LeadTimeout       time.Duration
	CountdownInterval time.Duration

	StorePrecedence string
	DNSCacheTTL     time.Duration

	// EnvOverrides records which settings came from the environment.
	EnvOverrides map[string]bool
}

// EnvFile is the deployment .env inside the data directory.
func (c *Config) EnvFile() string {
	return filepath.Join(c.DataDir, ".env")
}

// InboxDir is where the desktop shell drops callback URLs.
func (c *Config) InboxDir() string {
	return filepath.Join(c.DataDir, "inbox")
}

func defaultDataDir() string {
	if home, err := os.UserHomeDir(); err == nil && home != "" {
		return filepath.Join(home, ".ledgerdesk")
	}
	return ".ledgerdesk"
}

// Load reads <data dir>/.env and ./.env, then applies LEDGERDESK_* variables
// over the defaults. Variables already set in the process environment win
// over both files.
func Load() (*Config, error) {
	dataDir := defaultDataDir()
	if dir := strings.TrimSpace(os.Getenv(envPrefix + "DATA_DIR")); dir != "" {
		dataDir = dir
	}

	envFile := filepath.Join(dataDir, ".env")
	if _, err := os.Stat(envFile); err == nil {
		if err := godotenv.Load(envFile); err != nil {
			log.Warn().Err(err).Str("file", envFile).Msg("Failed to load .env file")
		} else {
			log.Info().Str("file", envFile).Msg("Loaded .env file")
		}
	}

	if err := godotenv.Load(); err == nil {
		log.Info().Msg("Loaded configuration from .env in current directory")
	}

	cfg := &Config{
		DataDir:           dataDir,
		LogLevel:          "info",
		LogFormat:         "auto",
		Shell:             "desktop",
		OAuthScopes:       append([]string(nil), defaultScopes...),
		RedirectURL:       DefaultRedirectURL,
		SessionTimeout:    DefaultSessionTimeout,
		ResolveTimeout:    DefaultResolveTimeout,
		LeadTimeout:       DefaultLeadTimeout,
		CountdownInterval: DefaultCountdownInterval,
		StorePrecedence:   "durable",
		DNSCacheTTL:       DefaultDNSCacheTTL,
		EnvOverrides:      make(map[string]bool),
	}

	var errs []error
	cfg.applyEnv(func(err error) { errs = append(errs, err) })
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return cfg, nil
}

func (c *Config) applyEnv(fail func(error)) {
	str := func(name string, dst *string) {
		if val := strings.TrimSpace(os.Getenv(envPrefix + name)); val != "" {
			*dst = val
			c.EnvOverrides[name] = true
		}
	}
	list := func(name string, dst *[]string) {
		if val := strings.TrimSpace(os.Getenv(envPrefix + name)); val != "" {
			*dst = splitList(val)
			c.EnvOverrides[name] = true
		}
	}
	dur := func(name string, dst *time.Duration) {
		val := strings.TrimSpace(os.Getenv(envPrefix + name))
		if val == "" {
			return
		}
		d, err := parseDuration(val)
		if err != nil {
			fail(fmt.Errorf("%s%s: %w", envPrefix, name, err))
			return
		}
		*dst = d
		c.EnvOverrides[name] = true
	}

	str("LOG_LEVEL", &c.LogLevel)
	str("LOG_FORMAT", &c.LogFormat)
	str("LOG_FILE", &c.LogFile)
	str("SHELL", &c.Shell)
	str("BACKEND_URL", &c.BackendURL)
	str("BACKEND_KEY", &c.BackendKey)
	str("OAUTH_ISSUER", &c.OAuthIssuer)
	str("OAUTH_CLIENT_ID", &c.OAuthClientID)
	str("OAUTH_CLIENT_SECRET", &c.OAuthClientSecret)
	list("OAUTH_SCOPES", &c.OAuthScopes)
	str("REDIRECT_URL", &c.RedirectURL)
	list("CALLBACK_PATTERNS", &c.CallbackPatterns)
	dur("SESSION_TIMEOUT", &c.SessionTimeout)
	dur("RESOLVE_TIMEOUT", &c.ResolveTimeout)
	dur("LEAD_TIMEOUT", &c.LeadTimeout)
	dur("COUNTDOWN_INTERVAL", &c.CountdownInterval)
	str("STORE_PRECEDENCE", &c.StorePrecedence)
	dur("DNS_CACHE_TTL", &c.DNSCacheTTL)
}

// parseDuration accepts Go durations and bare seconds.
func parseDuration(raw string) (time.Duration, error) {
	if secs, err := strconv.Atoi(raw); err == nil {
		return time.Duration(secs) * time.Second, nil
	}
	return time.ParseDuration(raw)
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// Validate checks the settings needed to talk to the backend and provider.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return errors.New("data directory is required")
	}
	if err := validateHTTPURL("backend URL", c.BackendURL); err != nil {
		return err
	}
	if c.BackendKey == "" {
		return errors.New("backend API key is required (" + envPrefix + "BACKEND_KEY)")
	}
	if err := validateHTTPURL("OAuth issuer", c.OAuthIssuer); err != nil {
		return err
	}
	if c.OAuthClientID == "" {
		return errors.New("OAuth client ID is required (" + envPrefix + "OAUTH_CLIENT_ID)")
	}
	if u, err := url.Parse(c.RedirectURL); err != nil || u.Scheme == "" {
		return fmt.Errorf("invalid redirect URL %q", c.RedirectURL)
	}

	switch strings.ToLower(c.Shell) {
	case "desktop", "mobile", "web":
	default:
		return fmt.Errorf("invalid shell %q: must be desktop, mobile or web", c.Shell)
	}
	switch strings.ToLower(c.StorePrecedence) {
	case "durable", "session":
	default:
		return fmt.Errorf("invalid store precedence %q: must be durable or session", c.StorePrecedence)
	}

	for name, d := range map[string]time.Duration{
		"session timeout":    c.SessionTimeout,
		"resolve timeout":    c.ResolveTimeout,
		"lead timeout":       c.LeadTimeout,
		"countdown interval": c.CountdownInterval,
	} {
		if d < 100*time.Millisecond {
			return fmt.Errorf("%s must be at least 100ms, got %s", name, d)
		}
	}
	return nil
}

func validateHTTPURL(name, raw string) error {
	if raw == "" {
		return fmt.Errorf("%s is required", name)
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", name, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%s must start with http:// or https://", name)
	}
	if u.Host == "" {
		return fmt.Errorf("%s has no host", name)
	}
	return nil
}
