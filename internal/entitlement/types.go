// Package entitlement reconciles the signed-in identity, the remote license,
// the locally chosen mode and the trial window into one effective plan.
package entitlement

import (
	"context"
	"strings"
	"time"

	apperrors "github.com/rcourtman/ledgerdesk/internal/errors"
	"github.com/rcourtman/ledgerdesk/internal/identity"
	"github.com/rcourtman/ledgerdesk/internal/leads"
	"github.com/rcourtman/ledgerdesk/internal/license"
)

// Mode is the user's intended usage mode.
type Mode string

const (
	ModeUnset Mode = ""
	ModeFree  Mode = "free"
	ModePro   Mode = "pro"
)

// ParseMode accepts "free" or "pro". Anything else is unset.
func ParseMode(raw string) (Mode, bool) {
	switch Mode(strings.ToLower(strings.TrimSpace(raw))) {
	case ModeFree:
		return ModeFree, true
	case ModePro:
		return ModePro, true
	default:
		return ModeUnset, false
	}
}

func (m Mode) String() string {
	if m == ModeUnset {
		return "unset"
	}
	return string(m)
}

// Intent is a one-shot instruction carried across the OAuth round trip.
type Intent string

const (
	IntentNone  Intent = ""
	IntentTrial Intent = "trial"
)

// Phase is the coarse position of the machine.
type Phase string

const (
	PhaseBooting  Phase = "booting"
	PhaseChoice   Phase = "choice"
	PhaseResolved Phase = "resolved"
	PhaseDenied   Phase = "denied"
)

// State is a snapshot of the entitlement tuple and its derived flags.
type State struct {
	Phase             Phase          `json:"phase"`
	User              *identity.User `json:"user,omitempty"`
	License           license.Status `json:"license"`
	LicenseExpiry     *time.Time     `json:"license_expiry,omitempty"`
	Mode              Mode           `json:"mode"`
	RememberSelection bool           `json:"remember_selection"`
	TrialStartedAt    *time.Time     `json:"trial_started_at,omitempty"`
	TimeLeft          time.Duration  `json:"time_left"`
	IsProUser         bool           `json:"is_pro_user"`
	IsFreeUser        bool           `json:"is_free_user"`
	IsTrialActive     bool           `json:"is_trial_active"`
	Error             apperrors.Code `json:"error,omitempty"`
	FromCache         bool           `json:"from_cache"`
}

func (s State) clone() State {
	out := s
	if s.User != nil {
		u := *s.User
		out.User = &u
	}
	if s.LicenseExpiry != nil {
		t := *s.LicenseExpiry
		out.LicenseExpiry = &t
	}
	if s.TrialStartedAt != nil {
		t := *s.TrialStartedAt
		out.TrialStartedAt = &t
	}
	return out
}

// LicenseChecker is satisfied by *license.Resolver.
type LicenseChecker interface {
	CheckStatus(ctx context.Context, email string) (license.Record, error)
}

// LeadRegistrar is satisfied by *leads.Registrar.
type LeadRegistrar interface {
	RegisterFreeUser(ctx context.Context, user identity.User) leads.Result
	RegisterTrialUser(ctx context.Context, user identity.User) leads.Result
	LogUnauthorizedAttempt(ctx context.Context, email string) leads.Result
}
