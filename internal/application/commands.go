package application

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/bnema/tether/internal/domain"
)

const CredentialsPath = "/api/auth/token/"

var ErrLoginInputMissing = errors.New("login needs --username and --password, or --access and --refresh")

type LoginCommand struct {
	Username string
	Password string
	Access   string
	Refresh  string
}

func (c LoginCommand) UsesCredentials() bool {
	return strings.TrimSpace(c.Username) != "" || c.Password != ""
}

func (c LoginCommand) Validate() error {
	if c.UsesCredentials() {
		if strings.TrimSpace(c.Username) == "" || c.Password == "" {
			return ErrLoginInputMissing
		}
		return nil
	}
	if strings.TrimSpace(c.Access) == "" || strings.TrimSpace(c.Refresh) == "" {
		return ErrLoginInputMissing
	}

	return nil
}

type credentialsRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type credentialsResponse struct {
	Access  string `json:"access"`
	Refresh string `json:"refresh"`
}

// Login starts a session either from an existing token pair or by exchanging
// credentials through the anonymous request path.
func Login(ctx context.Context, pipeline *RequestPipeline, sessions *SessionManager, cmd LoginCommand) error {
	if err := cmd.Validate(); err != nil {
		return err
	}
	if !cmd.UsesCredentials() {
		return sessions.Login(ctx, cmd.Access, cmd.Refresh)
	}

	body, err := json.Marshal(credentialsRequest{Username: strings.TrimSpace(cmd.Username), Password: cmd.Password})
	if err != nil {
		return fmt.Errorf("encode credentials: %w", err)
	}

	resp, err := pipeline.Execute(ctx, RequestSpec{
		Method:    http.MethodPost,
		Path:      CredentialsPath,
		Body:      body,
		Anonymous: true,
	})
	if err != nil {
		return fmt.Errorf("exchange credentials: %w", err)
	}
	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusBadRequest:
		return fmt.Errorf("exchange credentials: %w: status %d", domain.ErrAuth, resp.StatusCode)
	case resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices:
		return fmt.Errorf("exchange credentials: status %d", resp.StatusCode)
	}

	var tokens credentialsResponse
	if err := json.Unmarshal(resp.Body, &tokens); err != nil {
		return fmt.Errorf("decode credentials response: %w", err)
	}

	return sessions.Login(ctx, tokens.Access, tokens.Refresh)
}
