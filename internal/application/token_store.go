package application

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/bnema/tether/internal/domain"
	"github.com/bnema/tether/internal/ports"
)

// TokensKey is the single persisted key holding the session's token pair.
// Its absence means the session is anonymous.
const TokensKey = "auth.tokens"

type tokenRecord struct {
	Access  string `json:"access"`
	Refresh string `json:"refresh"`
}

// TokenStore keeps the current pair in memory for lock-free reads and mirrors
// it to a KeyValueStore. Replacements swap the whole pair.
type TokenStore struct {
	store   ports.KeyValueStore
	current atomic.Pointer[domain.TokenPair]
}

func NewTokenStore(store ports.KeyValueStore) *TokenStore {
	return &TokenStore{store: store}
}

func (s *TokenStore) Current() *domain.TokenPair {
	return s.current.Load()
}

// Read decodes the persisted pair without touching the in-memory copy.
func (s *TokenStore) Read(ctx context.Context) (domain.TokenPair, error) {
	raw, err := s.store.Get(ctx, TokensKey)
	if err != nil {
		return domain.TokenPair{}, fmt.Errorf("read persisted tokens: %w", err)
	}

	var record tokenRecord
	if err := json.Unmarshal([]byte(raw), &record); err != nil {
		return domain.TokenPair{}, fmt.Errorf("decode persisted tokens: %w", err)
	}

	pair, err := domain.NewTokenPair(record.Access, record.Refresh)
	if err != nil {
		return domain.TokenPair{}, fmt.Errorf("decode persisted tokens: %w", err)
	}

	return pair, nil
}

func (s *TokenStore) Save(ctx context.Context, pair domain.TokenPair) error {
	data, err := json.Marshal(tokenRecord{Access: pair.Access, Refresh: pair.Refresh})
	if err != nil {
		return fmt.Errorf("encode tokens: %w", err)
	}

	if err := s.store.Put(ctx, TokensKey, string(data)); err != nil {
		return fmt.Errorf("persist tokens: %w", err)
	}

	s.Adopt(pair)
	return nil
}

// Adopt replaces the in-memory pair only.
func (s *TokenStore) Adopt(pair domain.TokenPair) {
	s.current.Store(&pair)
}

// Clear drops the in-memory pair and deletes the persisted one. It returns the
// pair that was current, nil if there was none.
func (s *TokenStore) Clear(ctx context.Context) (*domain.TokenPair, error) {
	previous := s.current.Swap(nil)

	if err := s.store.Delete(ctx, TokensKey); err != nil && !errors.Is(err, domain.ErrKeyNotFound) {
		return previous, fmt.Errorf("delete persisted tokens: %w", err)
	}

	return previous, nil
}
