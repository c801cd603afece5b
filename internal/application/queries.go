package application

import (
	"time"

	"github.com/bnema/tether/internal/domain"
)

type SessionStatus struct {
	State        domain.SessionState
	UserID       string
	AccessExpiry time.Time
	// ExpiresIn is negative once the access token has expired.
	ExpiresIn time.Duration
}

type Status struct {
	Session    SessionStatus
	Endpoints  []domain.Endpoint
	Connection *domain.ConnectionStatus
	CapturedAt time.Time
}

// BuildStatus snapshots the runtime for display. conn may be nil.
func BuildStatus(session domain.Session, registry *EndpointRegistry, conn *RealtimeConnection, now time.Time) Status {
	status := Status{
		Session:    SessionStatus{State: session.State(), UserID: session.UserID},
		CapturedAt: now,
	}
	if session.Tokens != nil {
		status.Session.AccessExpiry = session.Tokens.AccessExpiry
		status.Session.ExpiresIn = session.Tokens.AccessExpiry.Sub(now)
	}
	if registry != nil {
		status.Endpoints = registry.List()
	}
	if conn != nil {
		connStatus := conn.Status()
		status.Connection = &connStatus
	}

	return status
}
