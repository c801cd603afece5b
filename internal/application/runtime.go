package application

import (
	"context"
	"sync"

	"github.com/bnema/tether/internal/domain"
	"github.com/bnema/tether/internal/ports"
	"github.com/rs/zerolog"
)

type RuntimeOptions struct {
	Realtime RealtimeOptions
	Presence PresenceOptions
	// OnSession runs for every new session before its connection starts, so
	// callers can subscribe without missing the first frames.
	OnSession func(conn *RealtimeConnection, presence *PresenceProjector)
	Logger    *zerolog.Logger
}

// Runtime ties the realtime side to the session: each authenticated session
// gets a fresh connection and presence projector, and logout closes them.
type Runtime struct {
	sessions *SessionManager
	dialer   ports.RealtimeDialer
	opts     RuntimeOptions
	logger   zerolog.Logger

	// teardownMu is held while a connection is being closed so Close
	// waits for a teardown already running on a session listener.
	teardownMu sync.Mutex

	mu          sync.Mutex
	conn        *RealtimeConnection
	presence    *PresenceProjector
	unsubscribe func()
	closed      bool
}

func NewRuntime(sessions *SessionManager, dialer ports.RealtimeDialer, opts RuntimeOptions) *Runtime {
	return &Runtime{
		sessions: sessions,
		dialer:   dialer,
		opts:     opts,
		logger:   loggerOrNop(opts.Logger).With().Str("component", "runtime").Logger(),
	}
}

// Start follows session events from now on and opens the realtime side right
// away when a session is already active.
func (r *Runtime) Start() {
	r.mu.Lock()
	if r.closed || r.unsubscribe != nil {
		r.mu.Unlock()
		return
	}
	r.unsubscribe = r.sessions.Subscribe(r.handleSessionEvent)
	r.mu.Unlock()

	if r.sessions.Current().State() == domain.SessionAuthenticated {
		r.open()
	}
}

// Connection is nil while the session is anonymous.
func (r *Runtime) Connection() *RealtimeConnection {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.conn
}

// Presence is nil while the session is anonymous.
func (r *Runtime) Presence() *PresenceProjector {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.presence
}

// WatchStore resyncs the session whenever the persisted tokens change. It
// blocks until ctx is done or the watcher fails.
func (r *Runtime) WatchStore(ctx context.Context, watcher ports.StoreWatcher) error {
	return watcher.Watch(ctx, func() {
		if err := r.sessions.Sync(ctx); err != nil {
			r.logger.Warn().Err(err).Msg("sync session after store change")
		}
	})
}

// Close stops following the session and returns once the connection is
// closed, including one a concurrent logout is already closing.
func (r *Runtime) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	unsubscribe := r.unsubscribe
	r.unsubscribe = nil
	r.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
	r.teardown()
}

func (r *Runtime) handleSessionEvent(event domain.SessionEvent) {
	switch event.Kind {
	case domain.SessionEventAuthenticated:
		r.open()
	case domain.SessionEventAnonymous:
		if event.Reason != nil {
			r.logger.Info().AnErr("reason", event.Reason).Msg("session ended, closing realtime")
		}
		r.teardown()
	}
}

func (r *Runtime) open() {
	r.teardown()

	conn := NewRealtimeConnection(r.dialer, r.sessions, r.opts.Realtime)
	presence := NewPresenceProjector(r.opts.Presence)
	presence.Attach(conn)

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.conn = conn
	r.presence = presence
	r.mu.Unlock()

	if r.opts.OnSession != nil {
		r.opts.OnSession(conn, presence)
	}
	conn.Start()
}

func (r *Runtime) teardown() {
	r.teardownMu.Lock()
	defer r.teardownMu.Unlock()

	r.mu.Lock()
	conn := r.conn
	presence := r.presence
	r.conn = nil
	r.presence = nil
	r.mu.Unlock()

	if presence != nil {
		presence.Detach()
	}
	if conn != nil {
		conn.Close()
	}
}
