// Package license resolves the remote license record for a signed-in account.
package license

import (
	"context"
	"errors"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/rcourtman/ledgerdesk/internal/backend"
	apperrors "github.com/rcourtman/ledgerdesk/internal/errors"
)

// Status is the coarse license status stored remotely.
type Status string

const (
	StatusFree Status = "free"
	StatusPro  Status = "pro"
)

// ParseStatus normalises a stored status string. Anything that is not
// recognisably "pro" is free.
func ParseStatus(raw string) Status {
	if strings.EqualFold(strings.TrimSpace(raw), string(StatusPro)) {
		return StatusPro
	}
	return StatusFree
}

// Record is the remote truth about purchased entitlement.
type Record struct {
	Status Status     `json:"status"`
	Expiry *time.Time `json:"expiry,omitempty"`
}

// IsPro reports whether the record grants pro.
func (r Record) IsPro() bool {
	return r.Status == StatusPro
}

// IsExpired reports whether the record carries an expiry that has passed.
func (r Record) IsExpired(now time.Time) bool {
	return r.Expiry != nil && !now.Before(*r.Expiry)
}

// Source fetches the raw remote row. A nil row with a nil error means the
// account has no record.
type Source interface {
	FetchLicense(ctx context.Context, email string) (*backend.LicenseRow, error)
}

var ErrEmailRequired = errors.New("email is required for license lookup")

// DefaultFetchTimeout bounds one shared remote lookup.
const DefaultFetchTimeout = 15 * time.Second

// Resolver looks up license records and never fails closed.
type Resolver struct {
	source       Source
	group        singleflight.Group
	now          func() time.Time
	fetchTimeout time.Duration
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithFetchTimeout bounds each remote lookup, independent of any caller.
func WithFetchTimeout(d time.Duration) Option {
	return func(r *Resolver) {
		if d > 0 {
			r.fetchTimeout = d
		}
	}
}

// NewResolver creates a Resolver over source.
func NewResolver(source Source, opts ...Option) *Resolver {
	r := &Resolver{source: source, now: time.Now, fetchTimeout: DefaultFetchTimeout}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// CheckStatus returns the license record for email. A missing record is not an
// error and resolves to free. Any lookup failure also resolves to free, with
// the failure returned alongside for logging. The returned Record is always
// usable.
func (r *Resolver) CheckStatus(ctx context.Context, email string) (Record, error) {
	email = strings.TrimSpace(email)
	if email == "" {
		return Record{Status: StatusFree}, ErrEmailRequired
	}
	if r == nil || r.source == nil {
		return Record{Status: StatusFree}, apperrors.New(apperrors.ErrorTypeNetwork, "check_status", errors.New("no license source configured")).WithEmail(email)
	}

	// Shared by every waiter on email: bounded by fetchTimeout, not by any
	// one caller.
	ch := r.group.DoChan(email, func() (interface{}, error) {
		fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.fetchTimeout)
		defer cancel()
		return r.source.FetchLicense(fetchCtx, email)
	})

	var res singleflight.Result
	select {
	case res = <-ch:
	case <-ctx.Done():
		return Record{Status: StatusFree}, apperrors.New(apperrors.ErrorTypeTimeout, "check_status", ctx.Err()).WithEmail(email)
	}

	if res.Err != nil {
		return Record{Status: StatusFree}, apperrors.New(apperrors.ErrorTypeNetwork, "check_status", res.Err).WithEmail(email)
	}

	row, _ := res.Val.(*backend.LicenseRow)
	if row == nil {
		return Record{Status: StatusFree}, nil
	}

	record := Record{Status: ParseStatus(row.Status)}
	if row.ExpiresAt != nil {
		expiry := row.ExpiresAt.UTC()
		record.Expiry = &expiry
	}
	if record.IsPro() && record.IsExpired(r.now()) {
		record.Status = StatusFree
	}
	return record, nil
}
