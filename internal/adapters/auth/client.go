package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/bnema/tether/internal/application"
	"github.com/bnema/tether/internal/domain"
	"github.com/bnema/tether/internal/ports"
)

const RefreshPath = "/api/auth/token/refresh/"

// Requester sends one logical request with endpoint failover.
// *application.RequestPipeline satisfies it.
type Requester interface {
	Execute(ctx context.Context, spec application.RequestSpec) (*application.Response, error)
}

// Client exchanges refresh tokens for access tokens. Endpoint selection and
// the single failover retry belong to the Requester.
type Client struct {
	Requester Requester
}

var _ ports.TokenRefresher = Client{}

type refreshRequest struct {
	Refresh string `json:"refresh"`
}

type refreshResponse struct {
	Access string `json:"access"`
}

type apiErrorResponse struct {
	Detail string `json:"detail"`
	Code   string `json:"code"`
}

func (c Client) Refresh(ctx context.Context, refresh string) (string, error) {
	if strings.TrimSpace(refresh) == "" {
		return "", fmt.Errorf("%w: refresh token is empty", domain.ErrAuth)
	}
	if c.Requester == nil {
		return "", errors.New("refresh requester is required")
	}

	body, err := json.Marshal(refreshRequest{Refresh: refresh})
	if err != nil {
		return "", fmt.Errorf("encode refresh request: %w", err)
	}

	resp, err := c.Requester.Execute(ctx, application.RequestSpec{
		Method:    http.MethodPost,
		Path:      RefreshPath,
		Body:      body,
		Header:    http.Header{"Accept": []string{"application/json"}},
		Anonymous: true,
	})
	if err != nil {
		return "", fmt.Errorf("refresh token: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusBadRequest:
		return "", fmt.Errorf("refresh token: %w: %s", domain.ErrAuth, describeAPIError(resp.StatusCode, resp.Body))
	case resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices:
		return "", fmt.Errorf("refresh token: %s", describeAPIError(resp.StatusCode, resp.Body))
	}

	var payload refreshResponse
	if err := json.Unmarshal(resp.Body, &payload); err != nil {
		return "", fmt.Errorf("decode refresh response: %w", err)
	}
	if strings.TrimSpace(payload.Access) == "" {
		return "", errors.New("refresh response missing access token")
	}

	return payload.Access, nil
}

func describeAPIError(statusCode int, body []byte) string {
	var apiErr apiErrorResponse
	if err := json.Unmarshal(body, &apiErr); err != nil || apiErr.Detail == "" {
		return fmt.Sprintf("status %d", statusCode)
	}
	if apiErr.Code != "" {
		return apiErr.Code + ": " + apiErr.Detail
	}
	return apiErr.Detail
}
