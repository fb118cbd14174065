package entitlement

import (
	"time"

	"github.com/rcourtman/ledgerdesk/internal/license"
)

// TrialDuration is the length of the one trial an install can start.
const TrialDuration = 72 * time.Hour

// TimeLeft returns the remaining trial time, never negative. A nil start
// means no trial was ever started.
func TimeLeft(start *time.Time, duration time.Duration, now time.Time) time.Duration {
	if start == nil {
		return 0
	}
	left := duration - now.Sub(*start)
	if left < 0 {
		return 0
	}
	return left
}

// Flags are the derived entitlement booleans.
type Flags struct {
	IsProUser     bool
	IsFreeUser    bool
	IsTrialActive bool
}

// Derive computes the effective plan. A trial user is a pro user.
func Derive(mode Mode, status license.Status, timeLeft time.Duration) Flags {
	licensed := status == license.StatusPro
	trial := timeLeft > 0
	return Flags{
		IsProUser:     mode == ModePro && (licensed || trial),
		IsTrialActive: mode == ModePro && !licensed && trial,
		IsFreeUser:    mode == ModeFree || (mode == ModePro && !licensed && !trial),
	}
}

// applyDerived refreshes the time-dependent fields of s.
func applyDerived(s *State, duration time.Duration, now time.Time) {
	s.TimeLeft = TimeLeft(s.TrialStartedAt, duration, now)
	f := Derive(s.Mode, s.License, s.TimeLeft)
	s.IsProUser = f.IsProUser
	s.IsFreeUser = f.IsFreeUser
	s.IsTrialActive = f.IsTrialActive
}
