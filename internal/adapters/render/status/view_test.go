package status

import (
	"testing"
	"time"

	"github.com/bnema/tether/internal/application"
	"github.com/bnema/tether/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var now = time.Date(2026, 2, 14, 11, 0, 0, 0, time.UTC)

func TestRenderAuthenticatedStatus(t *testing.T) {
	output, err := Render(application.Status{
		Session: application.SessionStatus{
			State:        domain.SessionAuthenticated,
			UserID:       "42",
			AccessExpiry: now.Add(13 * time.Minute),
			ExpiresIn:    13 * time.Minute,
		},
		Endpoints: []domain.Endpoint{
			{ID: "a", BaseAddress: "https://a.example", Healthy: true},
			{ID: "b", BaseAddress: "https://b.example", Healthy: false, ConsecutiveErrors: 3, LastErrorAt: now.Add(-12 * time.Second)},
		},
		Connection: &domain.ConnectionStatus{State: domain.ConnectionReconnecting, RetryCount: 4},
		CapturedAt: now,
	}, RenderOptions{})

	require.NoError(t, err)
	assert.Contains(t, output, "tether status")
	assert.Contains(t, output, "user: 42")
	assert.Contains(t, output, "expires in 13m (11:13)")
	assert.Contains(t, output, "healthy: 1/2")
	assert.Contains(t, output, "https://b.example")
	assert.Contains(t, output, "(3 consecutive errors)")
	assert.Contains(t, output, "last error 12s ago")
	assert.Contains(t, output, "reconnecting")
	assert.Contains(t, output, "4/10")
	assert.NotContains(t, output, "refresh on next request")
}

func TestRenderAnonymousStatus(t *testing.T) {
	output, err := Render(application.Status{
		Session:    application.SessionStatus{State: domain.SessionAnonymous},
		CapturedAt: now,
	}, RenderOptions{})

	require.NoError(t, err)
	assert.Contains(t, output, "anonymous")
	assert.Contains(t, output, "No endpoints configured.")
	assert.NotContains(t, output, "Realtime")
}

func TestRenderExpiredAccessToken(t *testing.T) {
	output, err := Render(application.Status{
		Session: application.SessionStatus{
			State:        domain.SessionAuthenticated,
			UserID:       "7",
			AccessExpiry: now.Add(-2 * time.Minute),
			ExpiresIn:    -2 * time.Minute,
		},
		CapturedAt: now,
	}, RenderOptions{})

	require.NoError(t, err)
	assert.Contains(t, output, "expired 2m ago")
	assert.Contains(t, output, "[refresh on next request]")
}

func TestRenderProgressBarWidth(t *testing.T) {
	s := newStyles()

	assert.Equal(t, "", renderProgressBar(10, 0, s))
	assert.Contains(t, renderProgressBar(50, 10, s), "=====-----")
	assert.Contains(t, renderProgressBar(150, 4, s), "----")
}

func TestFormatDuration(t *testing.T) {
	assert.Equal(t, "45s", formatDuration(45*time.Second))
	assert.Equal(t, "5m", formatDuration(5*time.Minute+10*time.Second))
	assert.Equal(t, "2h05m", formatDuration(2*time.Hour+5*time.Minute))
	assert.Equal(t, "3d", formatDuration(75*time.Hour))
}
