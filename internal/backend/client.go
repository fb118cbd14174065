// Package backend talks to the hosted backend-as-a-service over its
// PostgREST-style REST surface.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Remote tables consumed by the entitlement core.
const (
	TableLicenses             = "licenses"
	TableFreeUsers            = "free_users"
	TableTrialUsers           = "trial_users"
	TableUnauthorizedAttempts = "unauthorized_attempts"
)

const (
	restPrefix          = "/rest/v1/"
	defaultHTTPTimeout  = 30 * time.Second
	maxErrorBodyPreview = 512
	maxResponseBody     = 1 << 20
)

// StatusError is returned for non-2xx responses.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("backend returned status %d", e.StatusCode)
	}
	return fmt.Sprintf("backend returned status %d: %s", e.StatusCode, e.Body)
}

// Config configures a Client.
type Config struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
	UserAgent  string
}

// Client is a minimal REST client for the backend.
type Client struct {
	baseURL    *url.URL
	apiKey     string
	httpClient *http.Client
	userAgent  string
}

// New validates cfg and returns a Client.
func New(cfg Config) (*Client, error) {
	raw := strings.TrimSpace(cfg.BaseURL)
	if raw == "" {
		return nil, errors.New("backend base URL is required")
	}
	base, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parse backend base URL: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("backend base URL must be http(s), got %q", base.Scheme)
	}
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errors.New("backend API key is required")
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = NewHTTPClient(defaultHTTPTimeout)
	}
	userAgent := cfg.UserAgent
	if userAgent == "" {
		userAgent = "ledgerdesk"
	}

	base.Path = strings.TrimRight(base.Path, "/")
	return &Client{
		baseURL:    base,
		apiKey:     strings.TrimSpace(cfg.APIKey),
		httpClient: httpClient,
		userAgent:  userAgent,
	}, nil
}

// LicenseRow is the remote license record.
type LicenseRow struct {
	Email     string     `json:"email"`
	Status    string     `json:"status"`
	ExpiresAt *time.Time `json:"expires_at"`
}

// FetchLicense returns the license row for an exact email match, or nil when
// no row exists.
func (c *Client) FetchLicense(ctx context.Context, email string) (*LicenseRow, error) {
	query := url.Values{}
	query.Set("email", "eq."+email)
	query.Set("select", "email,status,expires_at")
	query.Set("limit", "1")

	var rows []LicenseRow
	if err := c.do(ctx, http.MethodGet, TableLicenses, query, nil, "", &rows); err != nil {
		return nil, fmt.Errorf("fetch license: %w", err)
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return &rows[0], nil
}

// Upsert inserts row into table, merging on the onConflict column.
func (c *Client) Upsert(ctx context.Context, table string, row any, onConflict string) error {
	query := url.Values{}
	if onConflict != "" {
		query.Set("on_conflict", onConflict)
	}
	if err := c.do(ctx, http.MethodPost, table, query, row, "resolution=merge-duplicates,return=minimal", nil); err != nil {
		return fmt.Errorf("upsert %s: %w", table, err)
	}
	return nil
}

// Insert appends row to table.
func (c *Client) Insert(ctx context.Context, table string, row any) error {
	if err := c.do(ctx, http.MethodPost, table, nil, row, "return=minimal", nil); err != nil {
		return fmt.Errorf("insert %s: %w", table, err)
	}
	return nil
}

func (c *Client) endpoint(table string, query url.Values) string {
	u := *c.baseURL
	u.Path = c.baseURL.Path + restPrefix + table
	if len(query) > 0 {
		u.RawQuery = query.Encode()
	}
	return u.String()
}

func (c *Client) do(ctx context.Context, method, table string, query url.Values, body any, prefer string, out any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.endpoint(table, query), reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("apikey", c.apiKey)
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.userAgent)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if prefer != "" {
		req.Header.Set("Prefer", prefer)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		preview, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyPreview))
		return &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(preview))}
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseBody))
		return nil
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBody)).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
