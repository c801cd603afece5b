package domain

import (
	"errors"
	"fmt"
)

var (
	ErrAuth                 = errors.New("authentication rejected")
	ErrNotAuthenticated     = fmt.Errorf("%w: no active session", ErrAuth)
	ErrNoHealthyEndpoint    = errors.New("no healthy endpoint")
	ErrMaxReconnectExceeded = errors.New("realtime reconnect budget exhausted")
	ErrKeyNotFound          = errors.New("key not found")
	ErrInvalidToken         = errors.New("invalid access token")
)

// ServerError is a 5xx response that exhausted the request's retry.
// Body is the response body as received.
type ServerError struct {
	StatusCode int
	Body       []byte
	EndpointID EndpointID
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("server error from endpoint %s: status %d", e.EndpointID, e.StatusCode)
}

// TransientNetworkError wraps a transport failure against one endpoint.
type TransientNetworkError struct {
	EndpointID EndpointID
	Err        error
}

func (e *TransientNetworkError) Error() string {
	return fmt.Sprintf("network error from endpoint %s: %v", e.EndpointID, e.Err)
}

func (e *TransientNetworkError) Unwrap() error {
	return e.Err
}

// IsRetryable reports whether err should drive one failover retry.
func IsRetryable(err error) bool {
	var serverErr *ServerError
	var netErr *TransientNetworkError
	return errors.As(err, &serverErr) || errors.As(err, &netErr)
}

// IsSessionEnding reports whether err must end the session.
func IsSessionEnding(err error) bool {
	return errors.Is(err, ErrAuth) || errors.Is(err, ErrMaxReconnectExceeded)
}
