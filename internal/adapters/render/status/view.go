package status

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/bnema/tether/internal/application"
	"github.com/bnema/tether/internal/domain"
	"github.com/charmbracelet/lipgloss"
)

type RenderOptions struct {
	// MaxRetries scales the reconnect budget bar. Zero uses the runtime
	// default.
	MaxRetries int
	// TokenLifetime scales the access token bar. Zero uses one hour.
	TokenLifetime time.Duration
}

const barWidth = 24

func renderView(status application.Status, opts RenderOptions, s styles) string {
	lines := []string{
		s.title.Render("tether status"),
		s.section.Render(renderSession(status, opts, s)),
		s.section.Render(renderEndpoints(status, s)),
	}
	if status.Connection != nil {
		lines = append(lines, s.section.Render(renderConnection(*status.Connection, status.CapturedAt, opts, s)))
	}

	return lipgloss.JoinVertical(lipgloss.Left, lines...)
}

func renderSession(status application.Status, opts RenderOptions, s styles) string {
	session := status.Session
	parts := []string{s.header.Render("Session")}

	if session.State != domain.SessionAuthenticated {
		parts = append(parts, s.empty.Render("anonymous (run `tether login`)"))
		return lipgloss.JoinVertical(lipgloss.Left, parts...)
	}

	user := session.UserID
	if user == "" {
		user = "unknown"
	}
	parts = append(parts, s.detail.Render(fmt.Sprintf("user: %s", user)))

	lifetime := opts.TokenLifetime
	if lifetime <= 0 {
		lifetime = time.Hour
	}
	leftPercent := clampPercent(100 * session.ExpiresIn.Seconds() / lifetime.Seconds())
	bar := renderProgressBar(100-leftPercent, barWidth, s)
	expiry := lipgloss.NewStyle().
		Foreground(interpolateColor(leftPercent, 0, 100)).
		Render(formatExpiry(session.AccessExpiry, status.CapturedAt))

	line := lipgloss.JoinHorizontal(lipgloss.Top, s.label.Render("access:"), " ", bar, " ", expiry)
	if session.ExpiresIn <= 0 {
		line += " " + s.warning.Render("[refresh on next request]")
	}
	parts = append(parts, line)

	return lipgloss.JoinVertical(lipgloss.Left, parts...)
}

func renderEndpoints(status application.Status, s styles) string {
	healthy := 0
	for _, endpoint := range status.Endpoints {
		if endpoint.Healthy {
			healthy++
		}
	}

	parts := []string{
		s.header.Render("Endpoints"),
		s.meta.Render(fmt.Sprintf("healthy: %d/%d", healthy, len(status.Endpoints))),
	}
	if len(status.Endpoints) == 0 {
		parts = append(parts, s.empty.Render("No endpoints configured."))
		return lipgloss.JoinVertical(lipgloss.Left, parts...)
	}

	for _, endpoint := range status.Endpoints {
		parts = append(parts, endpointLine(endpoint, status.CapturedAt, s))
	}

	return lipgloss.JoinVertical(lipgloss.Left, parts...)
}

func endpointLine(endpoint domain.Endpoint, now time.Time, s styles) string {
	marker := s.healthy.Render("● up  ")
	if !endpoint.Healthy {
		marker = s.unhealthy.Render("● down")
	}

	line := lipgloss.JoinHorizontal(lipgloss.Top, marker, " ", s.detail.Render(endpoint.BaseAddress))
	if endpoint.ConsecutiveErrors > 0 {
		line += " " + s.meta.Render(fmt.Sprintf("(%d consecutive errors)", endpoint.ConsecutiveErrors))
	}
	if !endpoint.LastErrorAt.IsZero() {
		line += " " + s.meta.Render(fmt.Sprintf("last error %s", formatAgo(endpoint.LastErrorAt, now)))
	}

	return line
}

func renderConnection(conn domain.ConnectionStatus, now time.Time, opts RenderOptions, s styles) string {
	maxRetries := opts.MaxRetries
	if maxRetries <= 0 {
		maxRetries = application.DefaultMaxReconnectRetries
	}

	stateStyle := s.detail
	switch conn.State {
	case domain.ConnectionConnected:
		stateStyle = s.healthy
	case domain.ConnectionReconnecting:
		stateStyle = s.warning
	case domain.ConnectionFailed:
		stateStyle = s.unhealthy
	}

	parts := []string{
		s.header.Render("Realtime"),
		lipgloss.JoinHorizontal(lipgloss.Top, s.label.Render("state:"), " ", stateStyle.Render(conn.State.String())),
	}

	usedPercent := 100 * float64(conn.RetryCount) / float64(maxRetries)
	parts = append(parts, lipgloss.JoinHorizontal(
		lipgloss.Top,
		s.label.Render("retries:"),
		" ",
		renderProgressBar(usedPercent, barWidth, s),
		" ",
		s.meta.Render(fmt.Sprintf("%d/%d", conn.RetryCount, maxRetries)),
	))
	if !conn.StableSince.IsZero() {
		parts = append(parts, s.meta.Render(fmt.Sprintf("connected %s", formatAgo(conn.StableSince, now))))
	}

	return lipgloss.JoinVertical(lipgloss.Left, parts...)
}

func renderProgressBar(usedPercent float64, width int, s styles) string {
	if width <= 0 {
		return ""
	}

	used := clampPercent(usedPercent)
	leftFraction := (100.0 - used) / 100.0
	filled := int(math.Round(float64(width) * leftFraction))
	if filled < 0 {
		filled = 0
	}
	if filled > width {
		filled = width
	}

	empty := width - filled
	fillSegment := s.barFill.Render(strings.Repeat("=", filled))
	emptySegment := s.barEmpty.Render(strings.Repeat("-", empty))

	return lipgloss.JoinHorizontal(
		lipgloss.Top,
		s.barBracket.Render("["),
		fillSegment,
		emptySegment,
		s.barBracket.Render("]"),
	)
}

func clampPercent(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}

func formatExpiry(expiresAt, now time.Time) string {
	if expiresAt.IsZero() {
		return "expiry unknown"
	}
	if now.IsZero() {
		return "expires " + expiresAt.Format(time.RFC3339)
	}
	if !expiresAt.After(now) {
		return fmt.Sprintf("expired %s", formatAgo(expiresAt, now))
	}

	return fmt.Sprintf("expires in %s (%s)", formatDuration(expiresAt.Sub(now)), expiresAt.Format("15:04"))
}

func formatAgo(at, now time.Time) string {
	if now.IsZero() {
		return "at " + at.Format(time.RFC3339)
	}
	if !now.After(at) {
		return "just now"
	}

	return formatDuration(now.Sub(at)) + " ago"
}

func formatDuration(d time.Duration) string {
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%ds", int(math.Ceil(d.Seconds())))
	case d < time.Hour:
		return fmt.Sprintf("%dm", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh%02dm", int(d.Hours()), int(d.Minutes())%60)
	default:
		return fmt.Sprintf("%dd", int(d.Hours()/24))
	}
}

func interpolateColor(value, min, max float64) lipgloss.Color {
	if max == min {
		return lipgloss.Color("255")
	}

	normalized := (value - min) / (max - min)
	if normalized < 0 {
		normalized = 0
	}
	if normalized > 1 {
		normalized = 1
	}

	// Greyscale ramp from faded 240 at min to white 255 at max.
	baseColor := 240.0
	targetColor := 255.0

	interpolated := baseColor + (targetColor-baseColor)*normalized
	return lipgloss.Color(fmt.Sprintf("%d", int(interpolated)))
}
