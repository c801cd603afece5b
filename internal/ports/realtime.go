package ports

import "context"

// RealtimeSocket is one open realtime channel. ReadMessage blocks until a
// frame arrives or the socket closes.
type RealtimeSocket interface {
	ReadMessage() ([]byte, error)
	WriteMessage(data []byte) error
	Close() error
}

type RealtimeDialer interface {
	Dial(ctx context.Context, url string) (RealtimeSocket, error)
}
