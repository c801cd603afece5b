package domain

type SessionState string

const (
	SessionAnonymous     SessionState = "anonymous"
	SessionAuthenticated SessionState = "authenticated"
)

type Session struct {
	Tokens *TokenPair
	UserID string
}

func (s Session) State() SessionState {
	if s.Tokens == nil {
		return SessionAnonymous
	}

	return SessionAuthenticated
}

type SessionEventKind string

const (
	SessionEventAuthenticated SessionEventKind = "authenticated"
	SessionEventRefreshed     SessionEventKind = "refreshed"
	SessionEventAnonymous     SessionEventKind = "anonymous"
)

// SessionEvent is published on every session transition. Reason is set on
// anonymous events and carries the error that ended the session, nil for a
// user-requested logout.
type SessionEvent struct {
	Kind   SessionEventKind
	UserID string
	Reason error
}
