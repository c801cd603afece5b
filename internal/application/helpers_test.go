package application

import (
	"context"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/bnema/tether/internal/domain"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

var testEpoch = time.Date(2026, time.March, 2, 9, 0, 0, 0, time.UTC)

func newMockClock() *clock.Mock {
	mockClock := clock.NewMock()
	mockClock.Set(testEpoch)
	return mockClock
}

func mintAccess(t *testing.T, userID string, expiresAt time.Time) string {
	t.Helper()

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"user_id": userID,
		"exp":     expiresAt.Unix(),
	}).SignedString([]byte("test-signing-key"))
	require.NoError(t, err)
	return token
}

func mintPair(t *testing.T, userID string, expiresAt time.Time) domain.TokenPair {
	t.Helper()

	pair, err := domain.NewTokenPair(mintAccess(t, userID, expiresAt), "refresh-"+userID)
	require.NoError(t, err)
	return pair
}

func mockAnyContext() interface{} {
	return mock.MatchedBy(func(context.Context) bool { return true })
}

type eventRecorder[T any] struct {
	events chan T
}

func newEventRecorder[T any]() *eventRecorder[T] {
	return &eventRecorder[T]{events: make(chan T, 64)}
}

func (r *eventRecorder[T]) record(event T) {
	r.events <- event
}

func (r *eventRecorder[T]) next(t *testing.T) T {
	t.Helper()

	select {
	case event := <-r.events:
		return event
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		var zero T
		return zero
	}
}

func (r *eventRecorder[T]) none(t *testing.T) {
	t.Helper()

	select {
	case event := <-r.events:
		t.Fatalf("unexpected event %+v", event)
	case <-time.After(50 * time.Millisecond):
	}
}

// reconnectDelay is the default backoff before redial number attempt. Tests
// advance the mock clock by exactly this much so a single Add never reaches
// the following, longer timer.
func reconnectDelay(attempt int) time.Duration {
	return min(DefaultReconnectInitial<<(attempt-1), DefaultReconnectMax)
}
