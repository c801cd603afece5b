package cmd

import (
	"fmt"
	"time"

	"github.com/bnema/tether/internal/application"
	"github.com/bnema/tether/internal/domain"
	"github.com/spf13/cobra"
)

func newLoginCmd(app *app) *cobra.Command {
	var input application.LoginCommand

	cmd := &cobra.Command{
		Use:   "login",
		Short: "Start a session from credentials or an existing token pair",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := application.Login(cmd.Context(), app.pipeline, app.sessions, input); err != nil {
				return err
			}

			session := app.sessions.Current()
			if session.Tokens == nil {
				return domain.ErrNotAuthenticated
			}

			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Logged in as %s (access token expires %s)\n",
				userLabel(session.UserID), session.Tokens.AccessExpiry.Local().Format(time.RFC3339))
			return nil
		},
	}

	cmd.Flags().StringVar(&input.Username, "username", "", "Account username")
	cmd.Flags().StringVar(&input.Password, "password", "", "Account password")
	cmd.Flags().StringVar(&input.Access, "access", "", "Existing access token")
	cmd.Flags().StringVar(&input.Refresh, "refresh", "", "Existing refresh token")
	cmd.MarkFlagsRequiredTogether("access", "refresh")
	cmd.MarkFlagsMutuallyExclusive("username", "access")

	return cmd
}

func newLogoutCmd(app *app) *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "End the session and delete the stored tokens",
		RunE: func(cmd *cobra.Command, _ []string) error {
			session := app.sessions.Current()
			if session.State() == domain.SessionAnonymous {
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), "Not logged in")
				return nil
			}

			app.sessions.Logout(cmd.Context(), nil)
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Logged out %s\n", userLabel(session.UserID))
			return nil
		},
	}
}

func userLabel(userID string) string {
	if userID == "" {
		return "unknown user"
	}
	return "user " + userID
}
