package ports

import (
	"context"

	"github.com/bnema/tether/internal/domain"
)

// TokenRefresher exchanges a refresh token for a new access token. A rejected
// refresh token is reported as domain.ErrAuth.
type TokenRefresher interface {
	Refresh(ctx context.Context, refresh string) (string, error)
}

// Sessions is the part of the session manager the request and realtime paths
// depend on.
type Sessions interface {
	EnsureValid(ctx context.Context) (domain.TokenPair, error)
	Logout(ctx context.Context, reason error)
}
