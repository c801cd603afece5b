package ports

import "context"

// KeyValueStore persists small string values. Get on a missing key returns an
// error wrapping domain.ErrKeyNotFound.
type KeyValueStore interface {
	Get(ctx context.Context, key string) (string, error)
	Put(ctx context.Context, key string, value string) error
	Delete(ctx context.Context, key string) error
}

// StoreWatcher is implemented by stores that can observe writes made by other
// processes.
type StoreWatcher interface {
	Watch(ctx context.Context, onChange func()) error
}
