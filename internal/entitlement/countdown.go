package entitlement

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

// StartCountdown re-evaluates the trial window every countdown interval and
// notifies subscribers when the derived flags change. It stops when ctx ends
// or the machine is closed. Calling it again while running is a no-op.
func (m *Machine) StartCountdown(ctx context.Context) {
	m.mu.Lock()
	if m.closed || m.stopCountdown != nil {
		m.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	m.stopCountdown = cancel
	m.bg.Add(1)
	m.mu.Unlock()

	go func() {
		defer m.bg.Done()
		ticker := time.NewTicker(m.countdownInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.tick()
			}
		}
	}()
}

// tick recomputes the derived fields and reports whether a flag flipped.
func (m *Machine) tick() bool {
	m.mu.Lock()
	before := Flags{
		IsProUser:     m.state.IsProUser,
		IsFreeUser:    m.state.IsFreeUser,
		IsTrialActive: m.state.IsTrialActive,
	}
	applyDerived(&m.state, m.trialDuration, m.now())
	after := Flags{
		IsProUser:     m.state.IsProUser,
		IsFreeUser:    m.state.IsFreeUser,
		IsTrialActive: m.state.IsTrialActive,
	}
	snap := m.state.clone()
	m.mu.Unlock()

	if before == after {
		return false
	}
	log.Info().
		Bool("pro", after.IsProUser).
		Bool("trial", after.IsTrialActive).
		Msg("Trial window changed entitlement")
	m.notify(snap)
	return true
}
