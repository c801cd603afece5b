package gorilla

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/bnema/tether/internal/ports"
	"github.com/gorilla/websocket"
)

const (
	defaultHandshakeTimeout = 10 * time.Second
	defaultWriteTimeout     = 10 * time.Second
	defaultReadLimit        = 1 << 20
)

// Dialer opens realtime sockets with gorilla/websocket. The URL carries the
// access token, so it never appears in returned errors.
type Dialer struct {
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	ReadLimit        int64
	Header           http.Header
}

var _ ports.RealtimeDialer = Dialer{}

func (d Dialer) Dial(ctx context.Context, url string) (ports.RealtimeSocket, error) {
	handshakeTimeout := d.HandshakeTimeout
	if handshakeTimeout <= 0 {
		handshakeTimeout = defaultHandshakeTimeout
	}

	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: handshakeTimeout,
	}

	conn, resp, err := dialer.DialContext(ctx, url, d.Header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("realtime handshake rejected: status %d: %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("realtime handshake: %w", err)
	}

	readLimit := d.ReadLimit
	if readLimit <= 0 {
		readLimit = defaultReadLimit
	}
	conn.SetReadLimit(readLimit)

	writeTimeout := d.WriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = defaultWriteTimeout
	}

	return &Socket{conn: conn, writeTimeout: writeTimeout}, nil
}

// Socket serializes writes; gorilla allows one concurrent writer and one
// concurrent reader.
type Socket struct {
	conn         *websocket.Conn
	writeTimeout time.Duration

	writeMu   sync.Mutex
	closeOnce sync.Once
	closeErr  error
}

var _ ports.RealtimeSocket = (*Socket)(nil)

func (s *Socket) ReadMessage() ([]byte, error) {
	_, data, err := s.conn.ReadMessage()
	if err != nil {
		return nil, err
	}

	return data, nil
}

func (s *Socket) WriteMessage(data []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if err := s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout)); err != nil {
		return err
	}

	return s.conn.WriteMessage(websocket.TextMessage, data)
}

// Close sends a normal close frame when possible and releases the
// connection. Later calls return the first result.
func (s *Socket) Close() error {
	s.closeOnce.Do(func() {
		s.writeMu.Lock()
		_ = s.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second),
		)
		s.writeMu.Unlock()

		s.closeErr = s.conn.Close()
	})

	return s.closeErr
}
