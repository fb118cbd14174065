package entitlement

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	apperrors "github.com/rcourtman/ledgerdesk/internal/errors"
	"github.com/rcourtman/ledgerdesk/internal/identity"
	"github.com/rcourtman/ledgerdesk/internal/license"
	"github.com/rcourtman/ledgerdesk/internal/logging"
	"github.com/rcourtman/ledgerdesk/internal/store"
)

const (
	DefaultSessionTimeout    = 5 * time.Second
	DefaultResolveTimeout    = 10 * time.Second
	DefaultCountdownInterval = time.Minute
)

const (
	outcomeLicensed    = "licensed"
	outcomeTrialIntent = "trial_intent"
	outcomeTrialActive = "trial_active"
	outcomeDenied      = "denied"
	outcomeFree        = "free"
	outcomeUnset       = "unset"
	outcomeNoSession   = "no_session"
	outcomeCache       = "cache"
	outcomeChoice      = "choice"
)

// errStale marks a result computed for a generation that has since been
// superseded.
var errStale = errors.New("resolution superseded")

// Options configures a Machine.
type Options struct {
	Identity identity.Client
	Licenses LicenseChecker
	Leads    LeadRegistrar
	Store    store.Store

	SessionTimeout    time.Duration
	ResolveTimeout    time.Duration
	CountdownInterval time.Duration
	TrialDuration     time.Duration

	Now     func() time.Time
	Metrics *Metrics
}

// Machine owns the entitlement state. Transitions are serialized by
// resolveMu; every committed change is checked against the generation it was
// computed for, so an abandoned resolution that finishes late changes nothing.
type Machine struct {
	identity identity.Client
	licenses LicenseChecker
	leads    LeadRegistrar
	store    store.Store
	metrics  *Metrics
	now      func() time.Time

	sessionTimeout    time.Duration
	resolveTimeout    time.Duration
	countdownInterval time.Duration
	trialDuration     time.Duration

	resolveMu sync.Mutex

	mu            sync.RWMutex
	state         State
	gen           uint64
	resolved      uint64
	subs          map[int]func(State)
	nextSubID     int
	closed        bool
	stopCountdown context.CancelFunc

	bg sync.WaitGroup
}

// NewMachine validates opts and loads the persisted preferences.
func NewMachine(opts Options) (*Machine, error) {
	switch {
	case opts.Identity == nil:
		return nil, errors.New("identity client is required")
	case opts.Licenses == nil:
		return nil, errors.New("license checker is required")
	case opts.Leads == nil:
		return nil, errors.New("lead registrar is required")
	case opts.Store == nil:
		return nil, errors.New("store is required")
	}

	m := &Machine{
		identity:          opts.Identity,
		licenses:          opts.Licenses,
		leads:             opts.Leads,
		store:             opts.Store,
		metrics:           opts.Metrics,
		now:               opts.Now,
		sessionTimeout:    durationOr(opts.SessionTimeout, DefaultSessionTimeout),
		resolveTimeout:    durationOr(opts.ResolveTimeout, DefaultResolveTimeout),
		countdownInterval: durationOr(opts.CountdownInterval, DefaultCountdownInterval),
		trialDuration:     durationOr(opts.TrialDuration, TrialDuration),
		subs:              make(map[int]func(State)),
	}
	if m.now == nil {
		m.now = time.Now
	}
	if m.metrics == nil {
		m.metrics = GetMetrics()
	}

	p := persisted{store: m.store}
	start, err := p.trialStart()
	if err != nil {
		return nil, err
	}
	m.state = State{
		Phase:             PhaseBooting,
		License:           license.StatusFree,
		RememberSelection: p.rememberSelection(),
		TrialStartedAt:    start,
	}
	applyDerived(&m.state, m.trialDuration, m.now())
	return m, nil
}

func durationOr(d, fallback time.Duration) time.Duration {
	if d <= 0 {
		return fallback
	}
	return d
}

// State returns a copy of the current state with time-dependent fields
// evaluated now.
func (m *Machine) State() State {
	m.mu.RLock()
	s := m.state.clone()
	m.mu.RUnlock()
	applyDerived(&s, m.trialDuration, m.now())
	return s
}

// Subscribe registers fn for every committed state change. The returned
// function unsubscribes.
func (m *Machine) Subscribe(fn func(State)) func() {
	m.mu.Lock()
	id := m.nextSubID
	m.nextSubID++
	m.subs[id] = fn
	m.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.subs, id)
			m.mu.Unlock()
		})
	}
}

func (m *Machine) notify(s State) {
	m.mu.RLock()
	subs := make([]func(State), 0, len(m.subs))
	for _, fn := range m.subs {
		subs = append(subs, fn)
	}
	m.mu.RUnlock()

	for _, fn := range subs {
		fn(s.clone())
	}
}

// advance starts a new generation, abandoning anything in flight.
func (m *Machine) advance() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gen++
	return m.gen
}

// update runs fn against the persisted keys and the state when gen is still
// current, then notifies subscribers.
func (m *Machine) update(gen uint64, fn func(p persisted, s *State) error) (State, error) {
	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		return State{}, errStale
	}
	err := fn(persisted{store: m.store}, &m.state)
	applyDerived(&m.state, m.trialDuration, m.now())
	snap := m.state.clone()
	m.mu.Unlock()

	m.notify(snap)
	return snap, err
}

// mutate is update against whatever generation is current.
func (m *Machine) mutate(fn func(p persisted, s *State) error) (State, error) {
	m.mu.RLock()
	gen := m.gen
	m.mu.RUnlock()
	return m.update(gen, fn)
}

// background runs fn detached from the caller's cancellation. Close waits for
// it.
func (m *Machine) background(ctx context.Context, fn func(ctx context.Context)) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.bg.Add(1)
	m.mu.Unlock()

	ctx = context.WithoutCancel(ctx)
	go func() {
		defer m.bg.Done()
		fn(ctx)
	}()
}

type raceResult[T any] struct {
	val T
	err error
}

// race returns whichever settles first: fn or the timer. A losing fn keeps
// running with the caller's context and its result is dropped.
func race[T any](ctx context.Context, timeout time.Duration, op string, fn func(context.Context) (T, error)) (T, error) {
	ch := make(chan raceResult[T], 1)
	go func() {
		v, err := fn(ctx)
		ch <- raceResult[T]{val: v, err: err}
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var zero T
	select {
	case r := <-ch:
		return r.val, r.err
	case <-timer.C:
		return zero, apperrors.New(apperrors.ErrorTypeTimeout, op, fmt.Errorf("no result within %s", timeout))
	case <-ctx.Done():
		return zero, apperrors.New(apperrors.ErrorTypeTimeout, op, ctx.Err())
	}
}

// Boot restores the session and resolves it, degrading to the cached
// snapshot when either step fails or times out.
func (m *Machine) Boot(ctx context.Context) State {
	m.resolveMu.Lock()
	defer m.resolveMu.Unlock()

	ctx = logging.EnsureResolutionID(ctx)
	logger := logging.FromContext(ctx)

	gen := m.advance()
	_, _ = m.update(gen, func(_ persisted, s *State) error {
		s.Phase = PhaseBooting
		return nil
	})

	user, err := race(ctx, m.sessionTimeout, "get_current_user", m.identity.GetCurrentUser)
	if err != nil {
		reason := "session_error"
		if errors.Is(err, apperrors.ErrTimeout) {
			reason = "session_timeout"
		}
		logger.Warn().Err(err).Str("reason", reason).Msg("Session restore failed; trying cached entitlement")
		return m.fallback(ctx, reason, nil)
	}

	if !user.Valid() {
		logger.Info().Msg("No restorable session")
		m.metrics.recordResolution(outcomeNoSession)
		st, _ := m.update(gen, func(p persisted, s *State) error {
			resetIdentity(s)
			s.Phase = PhaseChoice
			s.Mode = ModeUnset
			s.Error = apperrors.CodeNone
			s.RememberSelection = p.rememberSelection()
			return nil
		})
		return st
	}

	return m.resolveBounded(ctx, gen, *user)
}

// HandleCallback exchanges a deep-link callback and resolves the resulting
// user. URLs that are not auth callbacks are ignored. A rejected exchange
// sets AUTHENTICATION_FAILED and leaves the rest of the state alone.
func (m *Machine) HandleCallback(ctx context.Context, rawURL string) (State, error) {
	m.resolveMu.Lock()
	defer m.resolveMu.Unlock()

	ctx = logging.EnsureResolutionID(ctx)
	logger := logging.FromContext(ctx)

	session, err := m.identity.ExchangeCallback(ctx, rawURL)
	if err != nil {
		code := apperrors.CodeOf(err)
		if code == apperrors.CodeNone {
			code = apperrors.CodeAuthenticationFailed
		}
		logger.Warn().Err(err).Str("code", string(code)).Msg("Callback exchange failed")
		st, _ := m.mutate(func(_ persisted, s *State) error {
			s.Error = code
			return nil
		})
		return st, err
	}
	if session == nil {
		logger.Debug().Msg("Ignoring URL that is not an auth callback")
		return m.State(), nil
	}

	gen := m.advance()
	return m.resolveBounded(ctx, gen, session.User), nil
}

func (m *Machine) resolveBounded(ctx context.Context, gen uint64, user identity.User) State {
	st, err := race(ctx, m.resolveTimeout, "resolve", func(ctx context.Context) (State, error) {
		return m.resolve(ctx, gen, user)
	})
	if err != nil && !errors.Is(err, errStale) && m.settle(gen) {
		st, err = m.State(), nil
	}
	if errors.Is(err, errStale) {
		return m.State()
	}
	if err != nil {
		reason := "resolve_error"
		if errors.Is(err, apperrors.ErrTimeout) {
			reason = "resolve_timeout"
		}
		logging.FromContext(ctx).Warn().Err(err).Str("reason", reason).Msg("Resolution did not complete; trying cached entitlement")
		return m.fallback(ctx, reason, &user)
	}

	if st.Phase == PhaseDenied {
		m.signOutDenied(ctx)
	}
	return st
}

// settle decides a resolution that lost its race. It reports true when the
// resolution for gen already committed, and otherwise abandons gen so a late
// commit is discarded.
func (m *Machine) settle(gen uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.resolved == gen {
		return true
	}
	if m.gen == gen {
		m.gen++
	}
	return false
}

// signOutDenied ends the session of a user denied pro. It runs after the
// denial is committed and outside the resolution deadline.
func (m *Machine) signOutDenied(ctx context.Context) {
	logger := logging.FromContext(ctx)
	logger.Warn().Msg("Pro requested without license or active trial; signing out")

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.resolveTimeout)
	defer cancel()
	if err := m.identity.SignOut(ctx); err != nil {
		logger.Warn().Err(err).Msg("Sign-out after denial failed")
	}
}

// fallback adopts the cached identity and persisted mode verbatim when both
// exist, and otherwise shows the choice screen. When user is known, a cache
// written for a different account is not adopted.
func (m *Machine) fallback(ctx context.Context, reason string, user *identity.User) State {
	logger := logging.FromContext(ctx)
	gen := m.advance()
	m.metrics.recordFallback(reason)

	st, err := m.update(gen, func(p persisted, s *State) error {
		s.Error = apperrors.CodeNone
		s.RememberSelection = p.rememberSelection()
		if start, err := p.trialStart(); err == nil {
			s.TrialStartedAt = start
		}

		snap, err := p.loadSnapshot()
		if err != nil || snap == nil || !snapshotBelongsTo(snap, user) {
			if snap != nil && err == nil {
				logger.Info().Str("cached_email", snap.User.Email).Msg("Cached entitlement belongs to another account")
			}
			resetIdentity(s)
			s.Phase = PhaseChoice
			s.Mode = ModeUnset
			return err
		}
		s.Phase = PhaseResolved
		s.User = snap.User
		s.Mode = snap.Mode
		s.License = snap.License
		s.LicenseExpiry = nil
		s.FromCache = true
		return nil
	})
	if err != nil {
		logger.Warn().Err(err).Msg("Cached entitlement unreadable")
	}

	if st.FromCache {
		m.metrics.recordResolution(outcomeCache)
		logger.Info().Str("email", st.User.Email).Str("mode", st.Mode.String()).Msg("Adopted cached entitlement")
	} else {
		m.metrics.recordResolution(outcomeChoice)
		logger.Info().Msg("No usable cache; showing mode choice")
	}
	return st
}

func snapshotBelongsTo(snap *snapshot, user *identity.User) bool {
	if user == nil {
		return true
	}
	return snap.User != nil && strings.EqualFold(snap.User.Email, user.Email)
}

// resolve applies the priority branches for user. It runs inside a race and
// may finish after being abandoned; update discards it in that case.
func (m *Machine) resolve(ctx context.Context, gen uint64, user identity.User) (State, error) {
	logger := logging.FromContext(ctx).With().Str("email", user.Email).Logger()

	record, lookupErr := m.licenses.CheckStatus(ctx, user.Email)
	if lookupErr != nil {
		logger.Warn().Err(lookupErr).Msg("License lookup failed; treating as free")
	}

	var (
		outcome    string
		registerFn func(ctx context.Context)
	)

	st, err := m.update(gen, func(p persisted, s *State) error {
		now := m.now()

		if lookupErr != nil && !record.IsPro() && cachedProFor(p, user.Email) {
			logger.Info().Msg("Using cached pro license while lookup is failing")
			record = license.Record{Status: license.StatusPro}
		}
		logWrite(&logger, p.writeSnapshot(user, record.Status, now), store.KeyCachedIdentity)

		mode, err := p.mode()
		logWrite(&logger, err, store.KeyUserMode)
		intent, err := p.intent()
		logWrite(&logger, err, store.KeyAuthIntent)
		start, err := p.trialStart()
		logWrite(&logger, err, store.KeyTrialStart)
		remember := p.rememberSelection()
		m.resolved = gen

		u := user
		s.User = &u
		s.License = record.Status
		s.LicenseExpiry = record.Expiry
		s.RememberSelection = remember
		s.TrialStartedAt = start
		s.FromCache = false
		s.Error = apperrors.CodeNone

		switch {
		case record.IsPro():
			target := ModePro
			if mode == ModeFree {
				target = ModeFree
			}
			logWrite(&logger, p.clearIntent(), store.KeyAuthIntent)
			logWrite(&logger, p.setMode(target, remember), store.KeyUserMode)
			s.Mode = target
			s.Phase = PhaseResolved
			outcome = outcomeLicensed

		case intent == IntentTrial:
			stamped, fresh, err := p.stampTrialStart(now)
			logWrite(&logger, err, store.KeyTrialStart)
			if err == nil {
				s.TrialStartedAt = &stamped
			}
			if fresh {
				registerFn = func(ctx context.Context) { m.leads.RegisterTrialUser(ctx, user) }
			}
			logWrite(&logger, p.setMode(ModePro, remember), store.KeyUserMode)
			logWrite(&logger, p.clearIntent(), store.KeyAuthIntent)
			s.Mode = ModePro
			s.Phase = PhaseResolved
			outcome = outcomeTrialIntent

		case mode == ModePro && TimeLeft(start, m.trialDuration, now) > 0:
			s.Mode = ModePro
			s.Phase = PhaseResolved
			outcome = outcomeTrialActive

		case mode == ModePro:
			registerFn = func(ctx context.Context) { m.leads.LogUnauthorizedAttempt(ctx, user.Email) }
			logWrite(&logger, p.setMode(ModeUnset, remember), store.KeyUserMode)
			logWrite(&logger, p.clearCachedIdentity(), store.KeyCachedIdentity)
			resetIdentity(s)
			s.Mode = ModeUnset
			s.Phase = PhaseDenied
			s.Error = apperrors.CodeAccountNotAuthorized
			outcome = outcomeDenied

		case mode == ModeFree:
			registerFn = func(ctx context.Context) { m.leads.RegisterFreeUser(ctx, user) }
			s.Mode = ModeFree
			s.Phase = PhaseResolved
			outcome = outcomeFree

		default:
			s.Mode = ModeUnset
			s.Phase = PhaseChoice
			outcome = outcomeUnset
		}
		return nil
	})
	if errors.Is(err, errStale) {
		logger.Debug().Msg("Discarding superseded resolution")
		return State{}, err
	}

	m.metrics.recordResolution(outcome)
	if registerFn != nil {
		m.background(ctx, registerFn)
	}

	logger.Info().
		Str("outcome", outcome).
		Str("mode", st.Mode.String()).
		Str("license", string(st.License)).
		Bool("pro", st.IsProUser).
		Bool("trial", st.IsTrialActive).
		Msg("Entitlement resolved")
	return st, nil
}

func cachedProFor(p persisted, email string) bool {
	cached, err := p.cachedUser()
	if err != nil || cached == nil {
		return false
	}
	return strings.EqualFold(cached.Email, email) && p.cachedLicense() == license.StatusPro
}

func resetIdentity(s *State) {
	s.User = nil
	s.License = license.StatusFree
	s.LicenseExpiry = nil
	s.FromCache = false
}

func logWrite(logger *zerolog.Logger, err error, key string) {
	if err != nil {
		logger.Warn().Err(err).Str("key", key).Msg("Entitlement store access failed")
	}
}

// Login persists the requested mode and intent and then starts sign-in. The
// selection is written first because the callback may arrive in a later
// process. A failed start leaves the persisted selection in place.
func (m *Machine) Login(ctx context.Context, mode Mode, intent Intent) error {
	if mode != ModeFree && mode != ModePro {
		return fmt.Errorf("%w: %q", apperrors.ErrInvalidMode, mode)
	}
	if intent != IntentNone && intent != IntentTrial {
		return fmt.Errorf("unknown login intent %q", intent)
	}

	m.resolveMu.Lock()
	defer m.resolveMu.Unlock()

	_, err := m.mutate(func(p persisted, s *State) error {
		remember := p.rememberSelection()
		s.Error = apperrors.CodeNone
		return errors.Join(p.setMode(mode, remember), p.setIntent(intent, remember))
	})
	if err == nil {
		err = m.identity.SignIn(ctx, "")
	}
	if err != nil {
		_, _ = m.mutate(func(_ persisted, s *State) error {
			s.Error = apperrors.CodeLoginClickFailed
			return nil
		})
		return apperrors.New(apperrors.ErrorTypeLoginClick, "login", err)
	}
	return nil
}

// Logout signs out, clears identity and mode, and removes the persisted mode
// and pending intent from both scopes.
func (m *Machine) Logout(ctx context.Context) error {
	m.resolveMu.Lock()
	defer m.resolveMu.Unlock()

	gen := m.advance()
	if err := m.identity.SignOut(ctx); err != nil {
		logging.FromContext(ctx).Warn().Err(err).Msg("Remote sign-out failed; continuing logout")
	}

	_, err := m.update(gen, func(p persisted, s *State) error {
		resetIdentity(s)
		s.Mode = ModeUnset
		s.Phase = PhaseChoice
		s.Error = apperrors.CodeNone
		return errors.Join(
			p.setMode(ModeUnset, true),
			p.clearIntent(),
			p.clearCachedIdentity(),
		)
	})
	return err
}

// ActivateTrial starts (or re-affirms) the trial for user, or for the
// current user when user is nil. An existing trial start is never moved.
func (m *Machine) ActivateTrial(ctx context.Context, user *identity.User) (State, error) {
	m.resolveMu.Lock()
	defer m.resolveMu.Unlock()

	gen := m.advance()
	var target identity.User
	st, err := m.update(gen, func(p persisted, s *State) error {
		switch {
		case user.Valid():
			target = *user
		case s.User.Valid():
			target = *s.User
		default:
			return apperrors.ErrNoIdentity
		}

		start, _, err := p.stampTrialStart(m.now())
		if err != nil {
			return fmt.Errorf("stamp trial start: %w", err)
		}
		remember := p.rememberSelection()

		u := target
		s.User = &u
		s.TrialStartedAt = &start
		s.Mode = ModePro
		s.Phase = PhaseResolved
		s.Error = apperrors.CodeNone
		return errors.Join(p.setMode(ModePro, remember), p.clearIntent())
	})
	if err != nil {
		logging.FromContext(ctx).Warn().Err(err).Str("email", target.Email).Msg("Trial activation failed")
		return st, err
	}

	m.background(ctx, func(ctx context.Context) { m.leads.RegisterTrialUser(ctx, target) })
	logging.FromContext(ctx).Info().
		Str("email", target.Email).
		Dur("time_left", st.TimeLeft).
		Msg("Trial activated")
	return st, err
}

// ResetSelection returns to the choice screen and turns off remembering the
// selection. Identity is kept.
func (m *Machine) ResetSelection() (State, error) {
	m.resolveMu.Lock()
	defer m.resolveMu.Unlock()

	gen := m.advance()
	return m.update(gen, func(p persisted, s *State) error {
		s.Mode = ModeUnset
		s.Phase = PhaseChoice
		s.RememberSelection = false
		s.Error = apperrors.CodeNone
		return errors.Join(p.setMode(ModeUnset, false), p.setRememberSelection(false))
	})
}

// SetRememberSelection stores the preference and moves the current selection
// into the matching scope.
func (m *Machine) SetRememberSelection(remember bool) (State, error) {
	m.resolveMu.Lock()
	defer m.resolveMu.Unlock()

	return m.mutate(func(p persisted, s *State) error {
		previous := p.rememberSelection()
		if err := p.setRememberSelection(remember); err != nil {
			return err
		}
		s.RememberSelection = remember
		if previous == remember {
			return nil
		}
		return p.moveSelection(remember)
	})
}

// Close stops the countdown and waits for background lead writes.
func (m *Machine) Close() {
	m.mu.Lock()
	m.closed = true
	stop := m.stopCountdown
	m.stopCountdown = nil
	m.mu.Unlock()

	if stop != nil {
		stop()
	}
	m.bg.Wait()
}
