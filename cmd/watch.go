package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/bnema/tether/internal/application"
	"github.com/bnema/tether/internal/domain"
	"github.com/spf13/cobra"
)

func newWatchCmd(app *app) *cobra.Command {
	var (
		duration time.Duration
		messages bool
	)

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Follow the realtime channel and print connection and presence changes",
		Long:  "Open the realtime connection for the current session and print state changes and presence updates until interrupted, the session ends, or --for elapses. A logout from another tether process closes the connection.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if app.sessions.Current().State() != domain.SessionAuthenticated {
				return fmt.Errorf("watch: %w (run `tether login`)", domain.ErrNotAuthenticated)
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			if duration > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, duration)
				defer cancel()
			}

			return runWatch(ctx, app, newLinePrinter(cmd.OutOrStdout()), messages)
		},
	}

	cmd.Flags().DurationVar(&duration, "for", 0, "Stop after this long (0 runs until interrupted)")
	cmd.Flags().BoolVar(&messages, "messages", false, "Also print the category of every realtime message")

	return cmd
}

func runWatch(ctx context.Context, app *app, out *linePrinter, messages bool) error {
	runtime := application.NewRuntime(app.sessions, app.dialer, application.RuntimeOptions{
		Realtime: app.realtimeOptions(),
		Presence: application.PresenceOptions{Logger: &app.logger},
		Logger:   &app.logger,
		OnSession: func(conn *application.RealtimeConnection, presence *application.PresenceProjector) {
			conn.OnStateChange(func(status domain.ConnectionStatus) {
				out.printf("connection %s (retries %d)", status.State, status.RetryCount)
			})
			presence.Subscribe(func(change domain.PresenceChange) {
				state := "offline"
				if change.IsOnline {
					state = "online"
				}
				out.printf("user %s %s", change.UserID, state)
			})
			if messages {
				conn.Subscribe(func(msg domain.RealtimeMessage) {
					out.printf("message %s", msg.Category)
				})
			}
		},
	})
	defer runtime.Close()
	runtime.Start()

	// Subscribed after Start so the runtime tears the connection down before
	// this listener sees the session end.
	ended := make(chan domain.SessionEvent, 1)
	unsubscribe := app.sessions.Subscribe(func(event domain.SessionEvent) {
		if event.Kind != domain.SessionEventAnonymous {
			return
		}
		select {
		case ended <- event:
		default:
		}
	})
	defer unsubscribe()
	if app.sessions.Current().State() != domain.SessionAuthenticated {
		return fmt.Errorf("session ended: %w", domain.ErrNotAuthenticated)
	}

	if app.watcher != nil {
		go func() {
			if err := runtime.WatchStore(ctx, app.watcher); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
				app.logger.Warn().Err(err).Msg("store watch stopped")
			}
		}()
	}

	select {
	case <-ctx.Done():
		if presence := runtime.Presence(); presence != nil {
			out.printf("online: %d", len(presence.Online()))
		}
		return nil
	case event := <-ended:
		if event.Reason != nil {
			return fmt.Errorf("session ended: %w", event.Reason)
		}
		out.printf("session ended")
		return nil
	}
}

// linePrinter serializes lines written from connection and presence
// callbacks.
type linePrinter struct {
	mu sync.Mutex
	w  io.Writer
}

func newLinePrinter(w io.Writer) *linePrinter {
	return &linePrinter{w: w}
}

func (p *linePrinter) printf(format string, args ...any) {
	p.mu.Lock()
	defer p.mu.Unlock()

	_, _ = fmt.Fprintf(p.w, format+"\n", args...)
}
