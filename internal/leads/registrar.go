// Package leads records sign-up leads and unauthorized pro attempts in the
// remote analytics tables. Every call reports its outcome as a Result and
// never fails the caller.
package leads

import (
	"context"
	"crypto/rand"
	"errors"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog/log"

	"github.com/rcourtman/ledgerdesk/internal/backend"
	"github.com/rcourtman/ledgerdesk/internal/identity"
)

const defaultTimeout = 8 * time.Second

// Kind names the lead table a write targets.
type Kind string

const (
	KindFree         Kind = "free"
	KindTrial        Kind = "trial"
	KindUnauthorized Kind = "unauthorized"
)

// Result is the outcome of one registration. Callers may ignore Err.
type Result struct {
	Kind Kind
	Err  error
}

// OK reports whether the write succeeded.
func (r Result) OK() bool {
	return r.Err == nil
}

// Writer is the remote table surface the registrar writes through.
type Writer interface {
	Upsert(ctx context.Context, table string, row any, onConflict string) error
	Insert(ctx context.Context, table string, row any) error
}

// Registrar writes leads with a per-call timeout.
type Registrar struct {
	writer  Writer
	timeout time.Duration
	metrics *Metrics
	now     func() time.Time
}

// Option customises a Registrar.
type Option func(*Registrar)

// WithTimeout bounds each write.
func WithTimeout(d time.Duration) Option {
	return func(r *Registrar) {
		if d > 0 {
			r.timeout = d
		}
	}
}

// WithMetrics overrides the process-wide metrics.
func WithMetrics(m *Metrics) Option {
	return func(r *Registrar) {
		r.metrics = m
	}
}

// NewRegistrar creates a Registrar over writer.
func NewRegistrar(writer Writer, opts ...Option) *Registrar {
	r := &Registrar{
		writer:  writer,
		timeout: defaultTimeout,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.metrics == nil {
		r.metrics = GetMetrics()
	}
	return r
}

type leadRow struct {
	Email     string    `json:"email"`
	Name      string    `json:"name,omitempty"`
	UserID    string    `json:"user_id,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

type attemptRow struct {
	ID          string    `json:"id"`
	Email       string    `json:"email"`
	AttemptedAt time.Time `json:"attempted_at"`
}

var errNoEmail = errors.New("lead has no email")

// RegisterFreeUser upserts user into the free leads table.
func (r *Registrar) RegisterFreeUser(ctx context.Context, user identity.User) Result {
	return r.upsertLead(ctx, KindFree, backend.TableFreeUsers, user)
}

// RegisterTrialUser upserts user into the trial leads table.
func (r *Registrar) RegisterTrialUser(ctx context.Context, user identity.User) Result {
	return r.upsertLead(ctx, KindTrial, backend.TableTrialUsers, user)
}

// LogUnauthorizedAttempt appends a record of a denied pro request.
func (r *Registrar) LogUnauthorizedAttempt(ctx context.Context, email string) Result {
	email = strings.TrimSpace(email)
	if email == "" {
		return r.finish(KindUnauthorized, "", errNoEmail)
	}

	now := r.now().UTC()
	row := attemptRow{
		ID:          ulid.MustNew(ulid.Timestamp(now), rand.Reader).String(),
		Email:       email,
		AttemptedAt: now,
	}

	ctx, cancel := r.bound(ctx)
	defer cancel()
	return r.finish(KindUnauthorized, email, r.write(func() error {
		return r.writer.Insert(ctx, backend.TableUnauthorizedAttempts, row)
	}))
}

func (r *Registrar) upsertLead(ctx context.Context, kind Kind, table string, user identity.User) Result {
	email := strings.TrimSpace(user.Email)
	if email == "" {
		return r.finish(kind, "", errNoEmail)
	}

	row := leadRow{
		Email:     email,
		Name:      strings.TrimSpace(user.DisplayName),
		UserID:    user.ID,
		UpdatedAt: r.now().UTC(),
	}

	ctx, cancel := r.bound(ctx)
	defer cancel()
	return r.finish(kind, email, r.write(func() error {
		return r.writer.Upsert(ctx, table, row, "email")
	}))
}

func (r *Registrar) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, r.timeout)
}

func (r *Registrar) write(fn func() error) error {
	if r.writer == nil {
		return errors.New("no lead writer configured")
	}
	return fn()
}

func (r *Registrar) finish(kind Kind, email string, err error) Result {
	r.metrics.record(kind, err == nil)
	if err != nil {
		log.Warn().Err(err).Str("kind", string(kind)).Str("email", email).Msg("Lead registration failed")
	} else {
		log.Debug().Str("kind", string(kind)).Str("email", email).Msg("Lead registered")
	}
	return Result{Kind: kind, Err: err}
}
