package application

import (
	"testing"
	"time"

	"github.com/bnema/tether/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func message(t *testing.T, raw string) domain.RealtimeMessage {
	t.Helper()

	msg, err := domain.ParseRealtimeMessage([]byte(raw))
	require.NoError(t, err)
	return msg
}

type fakeSource struct {
	listeners map[int]func(domain.RealtimeMessage)
	next      int
}

func newFakeSource() *fakeSource {
	return &fakeSource{listeners: map[int]func(domain.RealtimeMessage){}}
}

func (s *fakeSource) Subscribe(fn func(domain.RealtimeMessage)) func() {
	id := s.next
	s.next++
	s.listeners[id] = fn
	return func() { delete(s.listeners, id) }
}

func (s *fakeSource) emit(msg domain.RealtimeMessage) {
	for _, fn := range s.listeners {
		fn(msg)
	}
}

func TestOnlineUsersSnapshotReplacesSet(t *testing.T) {
	mockClock := newMockClock()
	projector := NewPresenceProjector(PresenceOptions{Clock: mockClock})
	changes := newEventRecorder[domain.PresenceChange]()
	projector.Subscribe(changes.record)

	projector.Apply(message(t, `{"category":"online_users","users":[1,"2"," 3 "]}`))
	assert.Equal(t, []string{"1", "2", "3"}, projector.Online())
	for range 3 {
		change := changes.next(t)
		assert.True(t, change.IsOnline)
	}

	mockClock.Add(time.Minute)
	projector.Apply(message(t, `{"category":"online_users","users":[2,4]}`))
	assert.Equal(t, []string{"2", "4"}, projector.Online())
	assert.False(t, projector.IsOnline("1"))

	got := map[string]bool{}
	for range 3 {
		change := changes.next(t)
		got[change.UserID] = change.IsOnline
	}
	assert.Equal(t, map[string]bool{"1": false, "3": false, "4": true}, got)
	changes.none(t)

	record, ok := projector.Record("1")
	require.True(t, ok)
	assert.False(t, record.IsOnline)
	assert.Equal(t, testEpoch, record.LastSeenAt, "users leaving the snapshot keep their last sighting")

	seen, ok := projector.LastSeen("2")
	require.True(t, ok)
	assert.Equal(t, testEpoch.Add(time.Minute), seen)
}

func TestStatusUpdateTogglesMembership(t *testing.T) {
	projector := NewPresenceProjector(PresenceOptions{Clock: newMockClock()})
	changes := newEventRecorder[domain.PresenceChange]()
	projector.Subscribe(changes.record)

	projector.Apply(message(t, `{"category":"status_update","user_id":"u1","is_online":true}`))
	assert.True(t, projector.IsOnline("u1"))
	assert.Equal(t, domain.PresenceChange{UserID: "u1", IsOnline: true}, changes.next(t))

	projector.Apply(message(t, `{"category":"status_update","user_id":"u1","is_online":false}`))
	assert.False(t, projector.IsOnline("u1"))
	assert.Equal(t, domain.PresenceChange{UserID: "u1", IsOnline: false}, changes.next(t))
}

func TestRepeatedOfflineUpdateIsIdempotentButTouchesLastSeen(t *testing.T) {
	mockClock := newMockClock()
	projector := NewPresenceProjector(PresenceOptions{Clock: mockClock})
	changes := newEventRecorder[domain.PresenceChange]()
	projector.Subscribe(changes.record)

	offline := message(t, `{"category":"status_update","user_id":42,"is_online":false}`)

	projector.Apply(offline)
	first, ok := projector.LastSeen("42")
	require.True(t, ok)
	assert.Equal(t, testEpoch, first)

	mockClock.Add(5 * time.Second)
	projector.Apply(offline)

	assert.False(t, projector.IsOnline("42"))
	assert.Empty(t, projector.Online())
	second, ok := projector.LastSeen("42")
	require.True(t, ok)
	assert.Equal(t, testEpoch.Add(5*time.Second), second)

	changes.none(t)
}

func TestMalformedPresenceMessagesAreIgnored(t *testing.T) {
	projector := NewPresenceProjector(PresenceOptions{Clock: newMockClock()})

	projector.Apply(message(t, `{"category":"status_update","is_online":true}`))
	projector.Apply(message(t, `{"category":"status_update","user_id":{"id":1},"is_online":true}`))
	projector.Apply(message(t, `{"category":"online_users","users":"everyone"}`))
	projector.Apply(message(t, `{"category":"chat_message","user_id":1}`))

	assert.Empty(t, projector.Online())
	_, ok := projector.LastSeen("1")
	assert.False(t, ok)
}

func TestAttachFollowsOneSource(t *testing.T) {
	projector := NewPresenceProjector(PresenceOptions{Clock: newMockClock()})
	first := newFakeSource()
	second := newFakeSource()

	projector.Attach(first)
	projector.Attach(second)
	assert.Empty(t, first.listeners)

	second.emit(message(t, `{"category":"status_update","user_id":"u1","is_online":true}`))
	assert.True(t, projector.IsOnline("u1"))

	projector.Detach()
	assert.Empty(t, second.listeners)

	second.emit(message(t, `{"category":"status_update","user_id":"u2","is_online":true}`))
	assert.False(t, projector.IsOnline("u2"))
}
