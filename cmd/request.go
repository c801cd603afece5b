package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/bnema/tether/internal/application"
	"github.com/bnema/tether/internal/domain"
	"github.com/spf13/cobra"
)

var errRequestFailed = errors.New("request failed")

func newRequestCmd(app *app) *cobra.Command {
	var (
		data      string
		headers   []string
		anonymous bool
		quiet     bool
	)

	cmd := &cobra.Command{
		Use:   "request METHOD PATH",
		Short: "Send a request through the failover pipeline",
		Long:  "Send one request to the configured API hosts. Authenticated requests refresh the access token first when it is about to expire; a 5xx or network failure is retried once on another host.",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			spec := application.RequestSpec{
				Method:    strings.ToUpper(args[0]),
				Path:      args[1],
				Anonymous: anonymous,
				Header:    http.Header{},
			}
			if data != "" {
				spec.Body = []byte(data)
			}
			for _, header := range headers {
				key, value, ok := strings.Cut(header, ":")
				if !ok || strings.TrimSpace(key) == "" {
					return fmt.Errorf("invalid header %q, want Key: Value", header)
				}
				spec.Header.Add(strings.TrimSpace(key), strings.TrimSpace(value))
			}

			var resp *application.Response
			execute := func(ctx context.Context, onRetry retryFunc) error {
				attempt := spec
				attempt.OnRetry = onRetry
				var err error
				resp, err = app.pipeline.Execute(ctx, attempt)
				return err
			}

			var err error
			if quiet {
				err = execute(cmd.Context(), nil)
			} else {
				err = runRequestSpinner(cmd.Context(), cmd.ErrOrStderr(), fmt.Sprintf("%s %s", spec.Method, spec.Path), execute)
			}
			if err != nil {
				var serverErr *domain.ServerError
				if errors.As(err, &serverErr) {
					writeBody(cmd.OutOrStdout(), serverErr.Body)
				}
				return err
			}

			endpoint := string(resp.EndpointID)
			if got, ok := app.registry.GetByID(resp.EndpointID); ok {
				endpoint = got.BaseAddress
			}
			_, _ = fmt.Fprintf(cmd.ErrOrStderr(), "HTTP %d from %s\n", resp.StatusCode, endpoint)
			writeBody(cmd.OutOrStdout(), resp.Body)

			if resp.StatusCode >= http.StatusBadRequest {
				return fmt.Errorf("%w: status %d", errRequestFailed, resp.StatusCode)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&data, "data", "d", "", "Request body, sent as JSON unless a Content-Type header is given")
	cmd.Flags().StringArrayVarP(&headers, "header", "H", nil, "Extra header as 'Key: Value' (repeatable)")
	cmd.Flags().BoolVar(&anonymous, "anonymous", false, "Send without the session's access token")
	cmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "Do not show a spinner")

	return cmd
}

func writeBody(w io.Writer, body []byte) {
	if len(body) == 0 {
		return
	}
	_, _ = w.Write(body)
	if body[len(body)-1] != '\n' {
		_, _ = fmt.Fprintln(w)
	}
}
