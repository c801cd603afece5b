package application

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/bnema/tether/internal/domain"
	"github.com/bnema/tether/internal/ports"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

const (
	DefaultRefreshSkew    = 60 * time.Second
	DefaultProactiveLead  = 5 * time.Minute
	DefaultRefreshTimeout = 30 * time.Second
)

type SessionOptions struct {
	// RefreshSkew is how long before expiry EnsureValid stops trusting the
	// current access token.
	RefreshSkew time.Duration
	// ProactiveLead is how long before expiry the background refresh fires.
	ProactiveLead  time.Duration
	RefreshTimeout time.Duration
	Clock          ports.Clock
	Logger         *zerolog.Logger
}

// SessionManager owns the token pair and publishes every session transition.
type SessionManager struct {
	tokens    *TokenStore
	refresher ports.TokenRefresher
	clock     ports.Clock
	logger    zerolog.Logger

	skew           time.Duration
	lead           time.Duration
	refreshTimeout time.Duration

	flight singleflight.Group

	mu           sync.Mutex
	generation   uint64
	proactive    *clock.Timer
	listeners    map[int]func(domain.SessionEvent)
	nextListener int
}

var _ ports.Sessions = (*SessionManager)(nil)

func NewSessionManager(store ports.KeyValueStore, refresher ports.TokenRefresher, opts SessionOptions) *SessionManager {
	manager := &SessionManager{
		tokens:         NewTokenStore(store),
		refresher:      refresher,
		clock:          opts.Clock,
		logger:         loggerOrNop(opts.Logger).With().Str("component", "session").Logger(),
		skew:           opts.RefreshSkew,
		lead:           opts.ProactiveLead,
		refreshTimeout: opts.RefreshTimeout,
		listeners:      map[int]func(domain.SessionEvent){},
	}
	if manager.clock == nil {
		manager.clock = ports.SystemClock{}
	}
	if manager.skew <= 0 {
		manager.skew = DefaultRefreshSkew
	}
	if manager.lead <= 0 {
		manager.lead = DefaultProactiveLead
	}
	if manager.refreshTimeout <= 0 {
		manager.refreshTimeout = DefaultRefreshTimeout
	}

	return manager
}

// Login persists a new token pair and starts the session.
func (m *SessionManager) Login(ctx context.Context, access, refresh string) error {
	pair, err := domain.NewTokenPair(access, refresh)
	if err != nil {
		return fmt.Errorf("login: %w", err)
	}

	m.mu.Lock()
	if err := m.tokens.Save(ctx, pair); err != nil {
		m.mu.Unlock()
		return fmt.Errorf("login: %w", err)
	}
	m.generation++
	m.scheduleLocked(pair)
	listeners := m.listenersLocked()
	m.mu.Unlock()

	m.logger.Info().Str("user_id", pair.UserID).Time("access_expiry", pair.AccessExpiry).Msg("session authenticated")
	publish(listeners, domain.SessionEvent{Kind: domain.SessionEventAuthenticated, UserID: pair.UserID})
	return nil
}

// Logout ends the session. Listeners have been notified and every timer is
// stopped by the time it returns. Calling it without a session is a no-op.
func (m *SessionManager) Logout(ctx context.Context, reason error) {
	m.mu.Lock()
	event, listeners, ended := m.endLocked(ctx, reason)
	m.mu.Unlock()

	if ended {
		publish(listeners, event)
	}
}

// EnsureValid returns a pair whose access token is usable for at least the
// refresh skew, refreshing it first when needed. Concurrent callers share one
// refresh; each caller stops waiting when its own ctx is done.
func (m *SessionManager) EnsureValid(ctx context.Context) (domain.TokenPair, error) {
	current := m.tokens.Current()
	if current == nil {
		return domain.TokenPair{}, domain.ErrNotAuthenticated
	}
	if current.FreshAt(m.clock.Now(), m.skew) {
		return *current, nil
	}

	return m.refresh(ctx, current.Access)
}

func (m *SessionManager) AccessToken(ctx context.Context) (string, error) {
	pair, err := m.EnsureValid(ctx)
	if err != nil {
		return "", err
	}

	return pair.Access, nil
}

func (m *SessionManager) Current() domain.Session {
	current := m.tokens.Current()
	if current == nil {
		return domain.Session{}
	}

	pair := *current
	return domain.Session{Tokens: &pair, UserID: pair.UserID}
}

func (m *SessionManager) Subscribe(fn func(domain.SessionEvent)) (cancel func()) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := m.nextListener
	m.nextListener++
	m.listeners[id] = fn

	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.listeners, id)
	}
}

// Restore resumes the persisted session, if any. A missing key leaves the
// session anonymous.
func (m *SessionManager) Restore(ctx context.Context) error {
	pair, err := m.tokens.Read(ctx)
	if err != nil {
		if errors.Is(err, domain.ErrKeyNotFound) {
			return nil
		}
		return fmt.Errorf("restore session: %w", err)
	}

	m.adopt(pair, domain.SessionEventAuthenticated)
	return nil
}

// Sync reconciles the in-memory session with the persisted one after another
// process changed it.
func (m *SessionManager) Sync(ctx context.Context) error {
	pair, err := m.tokens.Read(ctx)
	if err != nil {
		if errors.Is(err, domain.ErrKeyNotFound) {
			if m.tokens.Current() != nil {
				m.logger.Info().Msg("persisted session removed externally")
				m.Logout(ctx, domain.ErrNotAuthenticated)
			}
			return nil
		}
		return fmt.Errorf("sync session: %w", err)
	}

	current := m.tokens.Current()
	switch {
	case current == nil:
		m.adopt(pair, domain.SessionEventAuthenticated)
	case current.Access != pair.Access || current.Refresh != pair.Refresh:
		m.adopt(pair, domain.SessionEventRefreshed)
	}

	return nil
}

func (m *SessionManager) adopt(pair domain.TokenPair, kind domain.SessionEventKind) {
	m.mu.Lock()
	m.tokens.Adopt(pair)
	if kind == domain.SessionEventAuthenticated {
		m.generation++
	}
	m.scheduleLocked(pair)
	listeners := m.listenersLocked()
	m.mu.Unlock()

	publish(listeners, domain.SessionEvent{Kind: kind, UserID: pair.UserID})
}

// refresh shares one refresh per stale access token, so a caller never joins
// a flight started for an earlier session.
func (m *SessionManager) refresh(ctx context.Context, stale string) (domain.TokenPair, error) {
	result := m.flight.DoChan(stale, func() (any, error) {
		return m.runRefresh(stale)
	})

	select {
	case <-ctx.Done():
		return domain.TokenPair{}, ctx.Err()
	case res := <-result:
		if res.Err != nil {
			return domain.TokenPair{}, res.Err
		}
		return res.Val.(domain.TokenPair), nil
	}
}

// runRefresh is the body of the shared refresh call. It is detached from any
// single caller's ctx.
func (m *SessionManager) runRefresh(stale string) (domain.TokenPair, error) {
	m.mu.Lock()
	generation := m.generation
	current := m.tokens.Current()
	m.mu.Unlock()

	if current == nil {
		return domain.TokenPair{}, domain.ErrNotAuthenticated
	}
	if current.Access != stale {
		return *current, nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), m.refreshTimeout)
	defer cancel()

	access, err := m.refresher.Refresh(ctx, current.Refresh)
	if err != nil {
		if errors.Is(err, domain.ErrAuth) {
			m.logger.Warn().Err(err).Msg("refresh token rejected")
			m.mu.Lock()
			var (
				event     domain.SessionEvent
				listeners []func(domain.SessionEvent)
				ended     bool
			)
			if generation == m.generation {
				event, listeners, ended = m.endLocked(ctx, err)
			}
			m.mu.Unlock()
			if ended {
				publish(listeners, event)
			}
		}
		return domain.TokenPair{}, fmt.Errorf("refresh access token: %w", err)
	}

	next, err := current.WithAccess(access)
	if err != nil {
		return domain.TokenPair{}, fmt.Errorf("refresh access token: %w", err)
	}
	next.UserID = current.UserID

	m.mu.Lock()
	if generation != m.generation {
		m.mu.Unlock()
		return domain.TokenPair{}, domain.ErrNotAuthenticated
	}
	if err := m.tokens.Save(ctx, next); err != nil {
		m.mu.Unlock()
		return domain.TokenPair{}, fmt.Errorf("refresh access token: %w", err)
	}
	m.scheduleLocked(next)
	listeners := m.listenersLocked()
	m.mu.Unlock()

	m.logger.Debug().Time("access_expiry", next.AccessExpiry).Msg("access token refreshed")
	publish(listeners, domain.SessionEvent{Kind: domain.SessionEventRefreshed, UserID: next.UserID})
	return next, nil
}

// scheduleLocked arms the proactive refresh for pair. Nothing is armed when
// the refresh instant has already passed; EnsureValid covers that case.
func (m *SessionManager) scheduleLocked(pair domain.TokenPair) {
	m.stopTimerLocked()

	delay := pair.AccessExpiry.Add(-m.lead).Sub(m.clock.Now())
	if delay <= 0 {
		return
	}

	generation := m.generation
	stale := pair.Access
	m.proactive = m.clock.AfterFunc(delay, func() {
		m.proactiveRefresh(generation, stale)
	})
}

func (m *SessionManager) proactiveRefresh(generation uint64, stale string) {
	m.mu.Lock()
	if generation != m.generation {
		m.mu.Unlock()
		return
	}
	m.proactive = nil
	m.mu.Unlock()

	if _, err := m.refresh(context.Background(), stale); err != nil && !domain.IsSessionEnding(err) {
		m.logger.Debug().Err(err).Msg("proactive refresh failed, deferring to next request")
	}
}

func (m *SessionManager) stopTimerLocked() {
	if m.proactive != nil {
		m.proactive.Stop()
		m.proactive = nil
	}
}

func (m *SessionManager) endLocked(ctx context.Context, reason error) (domain.SessionEvent, []func(domain.SessionEvent), bool) {
	current := m.tokens.Current()
	if current == nil {
		return domain.SessionEvent{}, nil, false
	}

	m.generation++
	m.stopTimerLocked()

	if _, err := m.tokens.Clear(context.WithoutCancel(ctx)); err != nil {
		m.logger.Warn().Err(err).Msg("clear persisted session")
	}

	logEvent := m.logger.Info().Str("user_id", current.UserID)
	if reason != nil {
		logEvent = logEvent.AnErr("reason", reason)
	}
	logEvent.Msg("session ended")

	return domain.SessionEvent{Kind: domain.SessionEventAnonymous, UserID: current.UserID, Reason: reason}, m.listenersLocked(), true
}

func (m *SessionManager) listenersLocked() []func(domain.SessionEvent) {
	listeners := make([]func(domain.SessionEvent), 0, len(m.listeners))
	for i := 0; i < m.nextListener; i++ {
		if fn, ok := m.listeners[i]; ok {
			listeners = append(listeners, fn)
		}
	}

	return listeners
}

func publish[T any](listeners []func(T), event T) {
	for _, fn := range listeners {
		fn(event)
	}
}
