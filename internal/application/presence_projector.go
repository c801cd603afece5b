package application

import (
	"slices"
	"sync"
	"time"

	"github.com/bnema/tether/internal/domain"
	"github.com/bnema/tether/internal/ports"
	"github.com/rs/zerolog"
)

type PresenceOptions struct {
	Clock  ports.Clock
	Logger *zerolog.Logger
}

// MessageSource is anything that republishes realtime messages.
type MessageSource interface {
	Subscribe(fn func(domain.RealtimeMessage)) (cancel func())
}

// PresenceProjector folds online_users snapshots and status_update deltas into
// the online set and a last-seen record per user.
type PresenceProjector struct {
	clock  ports.Clock
	logger zerolog.Logger

	mu        sync.RWMutex
	online    map[string]struct{}
	records   map[string]domain.PresenceRecord
	listeners map[int]func(domain.PresenceChange)
	nextID    int
	detach    func()
}

func NewPresenceProjector(opts PresenceOptions) *PresenceProjector {
	projector := &PresenceProjector{
		clock:     opts.Clock,
		logger:    loggerOrNop(opts.Logger).With().Str("component", "presence").Logger(),
		online:    map[string]struct{}{},
		records:   map[string]domain.PresenceRecord{},
		listeners: map[int]func(domain.PresenceChange){},
	}
	if projector.clock == nil {
		projector.clock = ports.SystemClock{}
	}

	return projector
}

// Attach starts consuming source. A projector follows one source at a time.
func (p *PresenceProjector) Attach(source MessageSource) {
	cancel := source.Subscribe(p.Apply)

	p.mu.Lock()
	previous := p.detach
	p.detach = cancel
	p.mu.Unlock()

	if previous != nil {
		previous()
	}
}

func (p *PresenceProjector) Detach() {
	p.mu.Lock()
	cancel := p.detach
	p.detach = nil
	p.mu.Unlock()

	if cancel != nil {
		cancel()
	}
}

// Apply handles one realtime message. Categories other than presence ones are
// ignored.
func (p *PresenceProjector) Apply(msg domain.RealtimeMessage) {
	switch msg.Category {
	case domain.CategoryOnlineUsers:
		var payload domain.OnlineUsersPayload
		if err := msg.Decode(&payload); err != nil {
			p.logger.Warn().Err(err).Msg("ignoring online users snapshot")
			return
		}
		p.replaceOnline(payload.Users)
	case domain.CategoryStatusUpdate:
		var payload domain.StatusUpdatePayload
		if err := msg.Decode(&payload); err != nil {
			p.logger.Warn().Err(err).Msg("ignoring status update")
			return
		}
		if payload.UserID == "" {
			p.logger.Warn().Msg("ignoring status update without user id")
			return
		}
		p.updateStatus(string(payload.UserID), payload.IsOnline)
	}
}

func (p *PresenceProjector) IsOnline(userID string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()

	_, ok := p.online[userID]
	return ok
}

// LastSeen reports when the user was last observed. ok is false for users
// never seen.
func (p *PresenceProjector) LastSeen(userID string) (time.Time, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	record, ok := p.records[userID]
	if !ok || record.LastSeenAt.IsZero() {
		return time.Time{}, false
	}

	return record.LastSeenAt, true
}

func (p *PresenceProjector) Record(userID string) (domain.PresenceRecord, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	record, ok := p.records[userID]
	return record, ok
}

// Online returns the online user ids, sorted.
func (p *PresenceProjector) Online() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()

	users := make([]string, 0, len(p.online))
	for userID := range p.online {
		users = append(users, userID)
	}
	slices.Sort(users)

	return users
}

// Subscribe registers fn for membership changes of the online set.
func (p *PresenceProjector) Subscribe(fn func(domain.PresenceChange)) (cancel func()) {
	p.mu.Lock()
	defer p.mu.Unlock()

	id := p.nextID
	p.nextID++
	p.listeners[id] = fn

	return func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		delete(p.listeners, id)
	}
}

func (p *PresenceProjector) replaceOnline(users []domain.UserRef) {
	now := p.clock.Now()
	next := make(map[string]struct{}, len(users))
	for _, user := range users {
		if user != "" {
			next[string(user)] = struct{}{}
		}
	}

	p.mu.Lock()
	var changes []domain.PresenceChange
	for userID := range p.online {
		if _, ok := next[userID]; ok {
			continue
		}
		record := p.records[userID]
		record.UserID = userID
		record.IsOnline = false
		p.records[userID] = record
		changes = append(changes, domain.PresenceChange{UserID: userID, IsOnline: false})
	}
	for userID := range next {
		if _, ok := p.online[userID]; !ok {
			changes = append(changes, domain.PresenceChange{UserID: userID, IsOnline: true})
		}
		p.records[userID] = domain.PresenceRecord{UserID: userID, IsOnline: true, LastSeenAt: now}
	}
	p.online = next
	listeners := p.listenersLocked()
	p.mu.Unlock()

	for _, change := range changes {
		publish(listeners, change)
	}
}

func (p *PresenceProjector) updateStatus(userID string, isOnline bool) {
	now := p.clock.Now()

	p.mu.Lock()
	_, wasOnline := p.online[userID]
	if isOnline {
		p.online[userID] = struct{}{}
	} else {
		delete(p.online, userID)
	}
	p.records[userID] = domain.PresenceRecord{UserID: userID, IsOnline: isOnline, LastSeenAt: now}
	var listeners []func(domain.PresenceChange)
	if wasOnline != isOnline {
		listeners = p.listenersLocked()
	}
	p.mu.Unlock()

	publish(listeners, domain.PresenceChange{UserID: userID, IsOnline: isOnline})
}

func (p *PresenceProjector) listenersLocked() []func(domain.PresenceChange) {
	listeners := make([]func(domain.PresenceChange), 0, len(p.listeners))
	for _, fn := range p.listeners {
		listeners = append(listeners, fn)
	}

	return listeners
}
