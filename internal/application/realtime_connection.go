package application

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/bnema/tether/internal/domain"
	"github.com/bnema/tether/internal/ports"
	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
)

const (
	DefaultMaxReconnectRetries = 10
	DefaultStableAfter         = 30 * time.Second
	DefaultReconnectInitial    = 500 * time.Millisecond
	DefaultReconnectMax        = 10 * time.Second

	realtimePathPrefix = "/ws/base/"
)

type RealtimeOptions struct {
	// BaseURL is the ws:// or wss:// origin of the realtime service.
	BaseURL      string
	MaxRetries   int
	StableAfter  time.Duration
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Clock        ports.Clock
	Logger       *zerolog.Logger
}

// RealtimeConnection drives one realtime socket for one session through
// Disconnected, Connecting, Connected, Reconnecting and Failed.
//
// Every socket attempt and timer is tagged with the generation it was started
// under. Close and each drop bump the generation so callbacks from an earlier
// attempt find a mismatch and return without effect.
type RealtimeConnection struct {
	dialer      ports.RealtimeDialer
	sessions    ports.Sessions
	baseURL     string
	maxRetries  int
	stableAfter time.Duration
	clock       ports.Clock
	logger      zerolog.Logger

	mu          sync.Mutex
	state       domain.ConnectionState
	retryCount  int
	stableSince time.Time
	generation  uint64
	closed      bool
	escalated   bool
	socket      ports.RealtimeSocket
	cancelDial  context.CancelFunc
	reconnect   *clock.Timer
	stable      *clock.Timer
	backoff     *backoff.ExponentialBackOff
	subscribers map[int]func(domain.RealtimeMessage)
	observers   map[int]func(domain.ConnectionStatus)
	nextID      int
}

func NewRealtimeConnection(dialer ports.RealtimeDialer, sessions ports.Sessions, opts RealtimeOptions) *RealtimeConnection {
	conn := &RealtimeConnection{
		dialer:      dialer,
		sessions:    sessions,
		baseURL:     strings.TrimRight(opts.BaseURL, "/"),
		maxRetries:  opts.MaxRetries,
		stableAfter: opts.StableAfter,
		clock:       opts.Clock,
		logger:      loggerOrNop(opts.Logger).With().Str("component", "realtime").Logger(),
		subscribers: map[int]func(domain.RealtimeMessage){},
		observers:   map[int]func(domain.ConnectionStatus){},
	}
	if conn.maxRetries <= 0 {
		conn.maxRetries = DefaultMaxReconnectRetries
	}
	if conn.stableAfter <= 0 {
		conn.stableAfter = DefaultStableAfter
	}
	if conn.clock == nil {
		conn.clock = ports.SystemClock{}
	}

	initial := opts.InitialDelay
	if initial <= 0 {
		initial = DefaultReconnectInitial
	}
	maxDelay := opts.MaxDelay
	if maxDelay <= 0 {
		maxDelay = DefaultReconnectMax
	}
	conn.backoff = &backoff.ExponentialBackOff{
		InitialInterval:     initial,
		RandomizationFactor: 0,
		Multiplier:          2,
		MaxInterval:         maxDelay,
		MaxElapsedTime:      0,
		Stop:                backoff.Stop,
		Clock:               conn.clock,
	}
	conn.backoff.Reset()

	return conn
}

// SocketURL is the realtime address for an access token.
func SocketURL(base, access string) string {
	return strings.TrimRight(base, "/") + realtimePathPrefix + access + "/"
}

// Start dials the socket in the background. It only has an effect on a fresh
// connection.
func (c *RealtimeConnection) Start() {
	c.mu.Lock()
	if c.closed || c.state != domain.ConnectionDisconnected {
		c.mu.Unlock()
		return
	}
	c.state = domain.ConnectionConnecting
	generation := c.generation
	status, observers := c.statusLocked(), c.observersLocked()
	c.mu.Unlock()

	publish(observers, status)
	go c.connect(generation)
}

// Reconnect skips a pending backoff and dials immediately.
func (c *RealtimeConnection) Reconnect() {
	c.mu.Lock()
	if c.closed || c.state != domain.ConnectionReconnecting {
		c.mu.Unlock()
		return
	}
	c.stopTimerLocked(&c.reconnect)
	c.generation++
	c.state = domain.ConnectionConnecting
	generation := c.generation
	status, observers := c.statusLocked(), c.observersLocked()
	c.mu.Unlock()

	c.logger.Info().Msg("manual reconnect")
	publish(observers, status)
	go c.connect(generation)
}

// Close tears the connection down from any state. No timer or socket
// callback has an effect once it returns.
func (c *RealtimeConnection) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.generation++
	c.stopTimerLocked(&c.reconnect)
	c.stopTimerLocked(&c.stable)
	if c.cancelDial != nil {
		c.cancelDial()
		c.cancelDial = nil
	}
	c.closeSocketLocked()
	c.state = domain.ConnectionDisconnected
	c.retryCount = 0
	c.stableSince = time.Time{}
	status, observers := c.statusLocked(), c.observersLocked()
	c.subscribers = map[int]func(domain.RealtimeMessage){}
	c.observers = map[int]func(domain.ConnectionStatus){}
	c.mu.Unlock()

	c.logger.Debug().Msg("realtime connection closed")
	publish(observers, status)
}

// Send writes payload as one frame. Outside Connected it logs and drops the
// payload. []byte and json.RawMessage are sent as-is, anything else is JSON
// encoded.
func (c *RealtimeConnection) Send(payload any) error {
	c.mu.Lock()
	socket := c.socket
	state := c.state
	c.mu.Unlock()

	if state != domain.ConnectionConnected || socket == nil {
		c.logger.Warn().Str("state", state.String()).Msg("send while not connected, dropping payload")
		return nil
	}

	var data []byte
	switch v := payload.(type) {
	case []byte:
		data = v
	case json.RawMessage:
		data = v
	default:
		encoded, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encode realtime payload: %w", err)
		}
		data = encoded
	}

	if err := socket.WriteMessage(data); err != nil {
		return fmt.Errorf("send realtime payload: %w", err)
	}

	return nil
}

func (c *RealtimeConnection) Status() domain.ConnectionStatus {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.statusLocked()
}

func (c *RealtimeConnection) Subscribe(fn func(domain.RealtimeMessage)) (cancel func()) {
	c.mu.Lock()
	defer c.mu.Unlock()

	id := c.nextID
	c.nextID++
	c.subscribers[id] = fn

	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.subscribers, id)
	}
}

func (c *RealtimeConnection) OnStateChange(fn func(domain.ConnectionStatus)) (cancel func()) {
	c.mu.Lock()
	defer c.mu.Unlock()

	id := c.nextID
	c.nextID++
	c.observers[id] = fn

	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.observers, id)
	}
}

func (c *RealtimeConnection) connect(generation uint64) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c.mu.Lock()
	if generation != c.generation {
		c.mu.Unlock()
		return
	}
	c.cancelDial = cancel
	c.mu.Unlock()

	pair, err := c.sessions.EnsureValid(ctx)
	if err != nil {
		if domain.IsSessionEnding(err) {
			c.logger.Debug().Err(err).Msg("session ended before dial")
			return
		}
		c.drop(generation, fmt.Errorf("obtain access token: %w", err))
		return
	}

	socket, err := c.dialer.Dial(ctx, SocketURL(c.baseURL, pair.Access))
	if err != nil {
		c.drop(generation, fmt.Errorf("dial realtime: %w", err))
		return
	}

	c.mu.Lock()
	if generation != c.generation {
		c.mu.Unlock()
		_ = socket.Close()
		return
	}
	c.cancelDial = nil
	c.socket = socket
	c.state = domain.ConnectionConnected
	c.stableSince = c.clock.Now()
	c.stable = c.clock.AfterFunc(c.stableAfter, func() { c.markStable(generation) })
	status, observers := c.statusLocked(), c.observersLocked()
	c.mu.Unlock()

	c.logger.Info().Int("retry_count", status.RetryCount).Msg("realtime connected")
	publish(observers, status)

	c.readLoop(generation, socket)
}

func (c *RealtimeConnection) readLoop(generation uint64, socket ports.RealtimeSocket) {
	for {
		data, err := socket.ReadMessage()
		if err != nil {
			c.drop(generation, fmt.Errorf("read realtime frame: %w", err))
			return
		}

		msg, err := domain.ParseRealtimeMessage(data)
		if err != nil {
			c.logger.Warn().Err(err).Msg("dropping realtime frame")
			continue
		}

		c.mu.Lock()
		if generation != c.generation {
			c.mu.Unlock()
			return
		}
		subscribers := c.subscribersLocked()
		c.mu.Unlock()

		publish(subscribers, msg)
	}
}

// drop moves a failed attempt to Reconnecting, or to Failed once the retry
// budget is spent. Failed ends the session exactly once.
func (c *RealtimeConnection) drop(generation uint64, cause error) {
	c.mu.Lock()
	if generation != c.generation {
		c.mu.Unlock()
		return
	}
	c.generation++
	next := c.generation
	c.stopTimerLocked(&c.stable)
	c.cancelDial = nil
	c.closeSocketLocked()
	c.stableSince = time.Time{}
	c.retryCount++

	if c.retryCount >= c.maxRetries {
		c.state = domain.ConnectionFailed
		escalate := !c.escalated
		c.escalated = true
		status, observers := c.statusLocked(), c.observersLocked()
		c.mu.Unlock()

		c.logger.Error().Err(cause).Int("retry_count", status.RetryCount).Msg("realtime reconnect budget exhausted")
		publish(observers, status)
		if escalate {
			c.sessions.Logout(context.Background(), domain.ErrMaxReconnectExceeded)
		}
		return
	}

	c.state = domain.ConnectionReconnecting
	delay := c.backoff.NextBackOff()
	c.reconnect = c.clock.AfterFunc(delay, func() { c.fireReconnect(next) })
	status, observers := c.statusLocked(), c.observersLocked()
	c.mu.Unlock()

	c.logger.Warn().Err(cause).Int("retry_count", status.RetryCount).Dur("delay", delay).Msg("realtime disconnected, reconnecting")
	publish(observers, status)
}

func (c *RealtimeConnection) fireReconnect(generation uint64) {
	c.mu.Lock()
	if generation != c.generation || c.state != domain.ConnectionReconnecting {
		c.mu.Unlock()
		return
	}
	c.reconnect = nil
	c.state = domain.ConnectionConnecting
	status, observers := c.statusLocked(), c.observersLocked()
	c.mu.Unlock()

	publish(observers, status)
	c.connect(generation)
}

func (c *RealtimeConnection) markStable(generation uint64) {
	c.mu.Lock()
	if generation != c.generation || c.state != domain.ConnectionConnected {
		c.mu.Unlock()
		return
	}
	c.stable = nil
	c.retryCount = 0
	c.backoff.Reset()
	status, observers := c.statusLocked(), c.observersLocked()
	c.mu.Unlock()

	c.logger.Debug().Msg("realtime connection stable, retry budget reset")
	publish(observers, status)
}

func (c *RealtimeConnection) stopTimerLocked(timer **clock.Timer) {
	if *timer != nil {
		(*timer).Stop()
		*timer = nil
	}
}

func (c *RealtimeConnection) closeSocketLocked() {
	if c.socket == nil {
		return
	}
	if err := c.socket.Close(); err != nil {
		c.logger.Debug().Err(err).Msg("close realtime socket")
	}
	c.socket = nil
}

func (c *RealtimeConnection) statusLocked() domain.ConnectionStatus {
	return domain.ConnectionStatus{State: c.state, RetryCount: c.retryCount, StableSince: c.stableSince}
}

func (c *RealtimeConnection) subscribersLocked() []func(domain.RealtimeMessage) {
	subscribers := make([]func(domain.RealtimeMessage), 0, len(c.subscribers))
	for _, fn := range c.subscribers {
		subscribers = append(subscribers, fn)
	}

	return subscribers
}

func (c *RealtimeConnection) observersLocked() []func(domain.ConnectionStatus) {
	observers := make([]func(domain.ConnectionStatus), 0, len(c.observers))
	for _, fn := range c.observers {
		observers = append(observers, fn)
	}

	return observers
}
