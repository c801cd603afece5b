package domain

import "time"

type PresenceRecord struct {
	UserID     string
	IsOnline   bool
	LastSeenAt time.Time
}

// PresenceChange is emitted when a user's membership in the online set flips.
type PresenceChange struct {
	UserID   string
	IsOnline bool
}
