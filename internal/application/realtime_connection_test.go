package application

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/bnema/tether/internal/domain"
	"github.com/bnema/tether/internal/ports"
	"github.com/bnema/tether/internal/ports/mocks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	errDialRefused  = errors.New("connection refused")
	errSocketClosed = errors.New("socket closed")
)

type fakeSocket struct {
	frames    chan []byte
	closed    chan struct{}
	closeOnce sync.Once

	mu      sync.Mutex
	written [][]byte
}

func newFakeSocket() *fakeSocket {
	return &fakeSocket{frames: make(chan []byte, 16), closed: make(chan struct{})}
}

func (s *fakeSocket) ReadMessage() ([]byte, error) {
	select {
	case frame := <-s.frames:
		return frame, nil
	case <-s.closed:
		return nil, errSocketClosed
	}
}

func (s *fakeSocket) WriteMessage(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.written = append(s.written, append([]byte(nil), data...))
	return nil
}

func (s *fakeSocket) Close() error {
	s.closeOnce.Do(func() { close(s.closed) })
	return nil
}

func (s *fakeSocket) isClosed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

func (s *fakeSocket) writes() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()

	return append([][]byte(nil), s.written...)
}

// fakeDialer fails every dial until a socket is queued with accept.
type fakeDialer struct {
	dials chan string

	mu      sync.Mutex
	sockets []*fakeSocket
}

func newFakeDialer() *fakeDialer {
	return &fakeDialer{dials: make(chan string, 64)}
}

func (d *fakeDialer) accept(socket *fakeSocket) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.sockets = append(d.sockets, socket)
}

func (d *fakeDialer) Dial(_ context.Context, url string) (ports.RealtimeSocket, error) {
	d.dials <- url

	d.mu.Lock()
	defer d.mu.Unlock()

	if len(d.sockets) == 0 {
		return nil, errDialRefused
	}
	socket := d.sockets[0]
	d.sockets = d.sockets[1:]
	return socket, nil
}

func (d *fakeDialer) nextDial(t *testing.T) string {
	t.Helper()

	select {
	case url := <-d.dials:
		return url
	case <-time.After(2 * time.Second):
		t.Fatal("expected a dial")
		return ""
	}
}

func (d *fakeDialer) noDial(t *testing.T) {
	t.Helper()

	select {
	case url := <-d.dials:
		t.Fatalf("unexpected dial to %s", url)
	case <-time.After(50 * time.Millisecond):
	}
}

type connFixture struct {
	conn     *RealtimeConnection
	dialer   *fakeDialer
	sessions *mocks.MockSessions
	clock    *clock.Mock
	pair     domain.TokenPair
	states   *eventRecorder[domain.ConnectionStatus]
}

func newConnFixture(t *testing.T) connFixture {
	t.Helper()

	mockClock := newMockClock()
	pair := mintPair(t, "user-1", testEpoch.Add(time.Hour))
	sessions := mocks.NewMockSessions(t)
	sessions.EXPECT().EnsureValid(mockAnyContext()).Return(pair, nil).Maybe()
	dialer := newFakeDialer()

	conn := NewRealtimeConnection(dialer, sessions, RealtimeOptions{BaseURL: "ws://rt.example/", Clock: mockClock})
	states := newEventRecorder[domain.ConnectionStatus]()
	conn.OnStateChange(states.record)
	t.Cleanup(conn.Close)

	return connFixture{conn: conn, dialer: dialer, sessions: sessions, clock: mockClock, pair: pair, states: states}
}

func (f connFixture) waitState(t *testing.T, state domain.ConnectionState) domain.ConnectionStatus {
	t.Helper()

	for {
		status := f.states.next(t)
		if status.State == state {
			return status
		}
	}
}

func TestSocketURLEmbedsAccessToken(t *testing.T) {
	assert.Equal(t, "wss://rt.example/ws/base/abc/", SocketURL("wss://rt.example/", "abc"))
}

func TestStartConnectsAndDeliversMessages(t *testing.T) {
	f := newConnFixture(t)
	socket := newFakeSocket()
	f.dialer.accept(socket)

	messages := newEventRecorder[domain.RealtimeMessage]()
	f.conn.Subscribe(messages.record)

	f.conn.Start()
	assert.Equal(t, SocketURL("ws://rt.example", f.pair.Access), f.dialer.nextDial(t))

	status := f.waitState(t, domain.ConnectionConnected)
	assert.Zero(t, status.RetryCount)
	assert.Equal(t, testEpoch, status.StableSince)

	socket.frames <- []byte(`not json`)
	socket.frames <- []byte(`{"no_category":true}`)
	socket.frames <- []byte(`{"category":"status_update","user_id":7,"is_online":true}`)

	msg := messages.next(t)
	assert.Equal(t, domain.CategoryStatusUpdate, msg.Category)
	messages.none(t)
}

func TestReconnectDelaysDoubleAndCap(t *testing.T) {
	f := newConnFixture(t)
	f.sessions.EXPECT().Logout(mockAnyContext(), domain.ErrMaxReconnectExceeded).Return().Maybe()

	f.conn.Start()
	f.dialer.nextDial(t)

	want := []time.Duration{
		500 * time.Millisecond,
		1000 * time.Millisecond,
		2000 * time.Millisecond,
		4000 * time.Millisecond,
		8000 * time.Millisecond,
		10000 * time.Millisecond,
		10000 * time.Millisecond,
	}
	for i, delay := range want {
		status := f.waitState(t, domain.ConnectionReconnecting)
		require.Equal(t, i+1, status.RetryCount)

		f.clock.Add(delay - time.Millisecond)
		f.dialer.noDial(t)

		f.clock.Add(time.Millisecond)
		f.dialer.nextDial(t)
	}
}

func TestExhaustedRetriesFailAndLogoutOnce(t *testing.T) {
	f := newConnFixture(t)
	f.sessions.EXPECT().Logout(mockAnyContext(), domain.ErrMaxReconnectExceeded).Return().Once()

	f.conn.Start()
	f.dialer.nextDial(t)

	for attempt := 1; attempt < DefaultMaxReconnectRetries; attempt++ {
		status := f.waitState(t, domain.ConnectionReconnecting)
		require.Equal(t, attempt, status.RetryCount)
		f.clock.Add(reconnectDelay(attempt))
		f.dialer.nextDial(t)
	}

	status := f.waitState(t, domain.ConnectionFailed)
	assert.Equal(t, DefaultMaxReconnectRetries, status.RetryCount)

	f.clock.Add(time.Minute)
	f.dialer.noDial(t)

	f.conn.Reconnect()
	f.dialer.noDial(t)
	assert.Equal(t, domain.ConnectionFailed, f.conn.Status().State)
}

func TestCloseDuringBackoffCancelsPendingDial(t *testing.T) {
	f := newConnFixture(t)

	f.conn.Start()
	f.dialer.nextDial(t)
	f.waitState(t, domain.ConnectionReconnecting)

	f.conn.Close()
	assert.Equal(t, domain.ConnectionDisconnected, f.conn.Status().State)

	f.clock.Add(time.Minute)
	f.dialer.noDial(t)

	f.conn.Start()
	f.dialer.noDial(t)
}

func TestManualReconnectSkipsBackoff(t *testing.T) {
	f := newConnFixture(t)

	f.conn.Start()
	f.dialer.nextDial(t)
	f.waitState(t, domain.ConnectionReconnecting)

	socket := newFakeSocket()
	f.dialer.accept(socket)
	f.conn.Reconnect()
	f.dialer.nextDial(t)
	f.waitState(t, domain.ConnectionConnected)

	// The superseded backoff timer must not dial again.
	f.clock.Add(time.Minute)
	f.dialer.noDial(t)
}

func TestStableConnectionResetsRetryBudget(t *testing.T) {
	f := newConnFixture(t)

	f.conn.Start()
	f.dialer.nextDial(t)
	f.waitState(t, domain.ConnectionReconnecting)
	f.clock.Add(DefaultReconnectInitial)
	f.dialer.nextDial(t)
	f.waitState(t, domain.ConnectionReconnecting)

	socket := newFakeSocket()
	f.dialer.accept(socket)
	f.clock.Add(2 * DefaultReconnectInitial)
	f.dialer.nextDial(t)

	status := f.waitState(t, domain.ConnectionConnected)
	assert.Equal(t, 2, status.RetryCount)

	f.clock.Add(DefaultStableAfter)
	require.Eventually(t, func() bool { return f.conn.Status().RetryCount == 0 }, time.Second, time.Millisecond)

	require.NoError(t, socket.Close())
	status = f.waitState(t, domain.ConnectionReconnecting)
	assert.Equal(t, 1, status.RetryCount)

	f.clock.Add(DefaultReconnectInitial - time.Millisecond)
	f.dialer.noDial(t)
	f.clock.Add(time.Millisecond)
	f.dialer.nextDial(t)
}

func TestShortLivedConnectionKeepsRetryCount(t *testing.T) {
	f := newConnFixture(t)
	socket := newFakeSocket()
	f.dialer.accept(socket)

	f.conn.Start()
	f.dialer.nextDial(t)
	f.waitState(t, domain.ConnectionConnected)

	f.clock.Add(DefaultStableAfter - time.Second)
	require.NoError(t, socket.Close())

	status := f.waitState(t, domain.ConnectionReconnecting)
	assert.Equal(t, 1, status.RetryCount)

	second := newFakeSocket()
	f.dialer.accept(second)
	f.clock.Add(DefaultReconnectInitial)
	f.dialer.nextDial(t)
	f.waitState(t, domain.ConnectionConnected)
	require.NoError(t, second.Close())

	status = f.waitState(t, domain.ConnectionReconnecting)
	assert.Equal(t, 2, status.RetryCount)
}

func TestSendRequiresOpenSocket(t *testing.T) {
	f := newConnFixture(t)

	require.NoError(t, f.conn.Send(map[string]string{"category": "ping"}))

	socket := newFakeSocket()
	f.dialer.accept(socket)
	f.conn.Start()
	f.dialer.nextDial(t)
	f.waitState(t, domain.ConnectionConnected)

	require.NoError(t, f.conn.Send(map[string]string{"category": "ping"}))
	require.NoError(t, f.conn.Send([]byte(`{"category":"raw"}`)))

	writes := socket.writes()
	require.Len(t, writes, 2)
	assert.JSONEq(t, `{"category":"ping"}`, string(writes[0]))
	assert.Equal(t, `{"category":"raw"}`, string(writes[1]))

	require.Error(t, f.conn.Send(func() {}))
}

func TestCloseReleasesSocketAndSubscribers(t *testing.T) {
	f := newConnFixture(t)
	socket := newFakeSocket()
	f.dialer.accept(socket)

	messages := newEventRecorder[domain.RealtimeMessage]()
	f.conn.Subscribe(messages.record)

	f.conn.Start()
	f.dialer.nextDial(t)
	f.waitState(t, domain.ConnectionConnected)

	f.conn.Close()
	f.waitState(t, domain.ConnectionDisconnected)
	assert.True(t, socket.isClosed())

	f.conn.Close()
	f.states.none(t)
	messages.none(t)
}

func TestSessionEndingErrorStopsDialing(t *testing.T) {
	mockClock := newMockClock()
	sessions := mocks.NewMockSessions(t)
	sessions.EXPECT().EnsureValid(mockAnyContext()).Return(domain.TokenPair{}, domain.ErrNotAuthenticated).Once()
	dialer := newFakeDialer()

	conn := NewRealtimeConnection(dialer, sessions, RealtimeOptions{BaseURL: "ws://rt.example", Clock: mockClock})
	t.Cleanup(conn.Close)

	conn.Start()
	dialer.noDial(t)
	mockClock.Add(time.Minute)
	dialer.noDial(t)
}
