package application

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/bnema/tether/internal/domain"
	"github.com/bnema/tether/internal/ports"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	DefaultRequestTimeout = 30 * time.Second
	RequestIDHeader       = "X-Request-Id"

	maxResponseBytes = 8 << 20
	maxAttempts      = 2
)

type RequestSpec struct {
	Method string
	// Path is resolved against the selected endpoint's base address and may
	// carry a query string.
	Path   string
	Body   []byte
	Header http.Header
	// Anonymous requests skip the session and carry no bearer token.
	Anonymous bool
	// OnRetry runs before the failover attempt with the endpoint about to be
	// tried and the failure that triggered it.
	OnRetry func(next domain.Endpoint, cause error)
}

type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	EndpointID domain.EndpointID
}

type PipelineOptions struct {
	HTTPClient ports.HTTPDoer
	Timeout    time.Duration
	Logger     *zerolog.Logger
}

// RequestPipeline issues authenticated requests against the endpoint
// registry with one failover retry per logical request.
type RequestPipeline struct {
	sessions  ports.Sessions
	endpoints ports.EndpointSelector
	client    ports.HTTPDoer
	timeout   time.Duration
	logger    zerolog.Logger
}

func NewRequestPipeline(sessions ports.Sessions, endpoints ports.EndpointSelector, opts PipelineOptions) *RequestPipeline {
	pipeline := &RequestPipeline{
		sessions:  sessions,
		endpoints: endpoints,
		client:    opts.HTTPClient,
		timeout:   opts.Timeout,
		logger:    loggerOrNop(opts.Logger).With().Str("component", "pipeline").Logger(),
	}
	if pipeline.client == nil {
		pipeline.client = http.DefaultClient
	}
	if pipeline.timeout <= 0 {
		pipeline.timeout = DefaultRequestTimeout
	}

	return pipeline
}

// NewAnonymousPipeline builds a pipeline without a session. Only anonymous
// requests can go through it; the token refresher uses one so refreshes get
// the same failover as everything else.
func NewAnonymousPipeline(endpoints ports.EndpointSelector, opts PipelineOptions) *RequestPipeline {
	return NewRequestPipeline(nil, endpoints, opts)
}

func (p *RequestPipeline) Execute(ctx context.Context, spec RequestSpec) (*Response, error) {
	method := spec.Method
	if method == "" {
		method = http.MethodGet
	}

	var access string
	if !spec.Anonymous {
		if p.sessions == nil {
			return nil, fmt.Errorf("%s %s: %w", method, spec.Path, domain.ErrNotAuthenticated)
		}
		pair, err := p.sessions.EnsureValid(ctx)
		if err != nil {
			return nil, fmt.Errorf("%s %s: %w", method, spec.Path, err)
		}
		access = pair.Access
	}

	requestID := uuid.NewString()
	logger := p.logger.With().Str("request_id", requestID).Str("method", method).Str("path", spec.Path).Logger()

	var (
		exclude []domain.EndpointID
		lastErr error
	)
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		endpoint, err := p.endpoints.Select(exclude...)
		if err != nil {
			return nil, fmt.Errorf("%s %s: %w", method, spec.Path, err)
		}
		if lastErr != nil && spec.OnRetry != nil {
			spec.OnRetry(endpoint, lastErr)
		}

		resp, err := p.send(ctx, endpoint, method, spec, access, requestID)
		if err == nil && resp.StatusCode < http.StatusInternalServerError {
			if resp.StatusCode == http.StatusUnauthorized && !spec.Anonymous {
				logger.Warn().Str("endpoint", endpoint.BaseAddress).Msg("request rejected as unauthorized")
				p.endpoints.ReportSuccess(endpoint.ID)
				p.sessions.Logout(ctx, domain.ErrAuth)
				return nil, fmt.Errorf("%s %s: %w", method, spec.Path, domain.ErrAuth)
			}

			p.endpoints.ReportSuccess(endpoint.ID)
			return resp, nil
		}

		if err != nil && ctx.Err() != nil {
			return nil, fmt.Errorf("%s %s: %w", method, spec.Path, ctx.Err())
		}
		if err == nil {
			err = &domain.ServerError{StatusCode: resp.StatusCode, Body: resp.Body, EndpointID: endpoint.ID}
		}
		if !domain.IsRetryable(err) {
			return nil, fmt.Errorf("%s %s: %w", method, spec.Path, err)
		}

		p.endpoints.ReportError(endpoint.ID)
		exclude = append(exclude, endpoint.ID)
		lastErr = err
		logger.Warn().Err(err).Int("attempt", attempt).Str("endpoint", endpoint.BaseAddress).Msg("request failed")
	}

	return nil, lastErr
}

func (p *RequestPipeline) send(ctx context.Context, endpoint domain.Endpoint, method string, spec RequestSpec, access, requestID string) (*Response, error) {
	target, err := resolveURL(endpoint.BaseAddress, spec.Path)
	if err != nil {
		return nil, err
	}

	requestCtx, cancel := p.requestContext(ctx)
	defer cancel()

	var body io.Reader
	if spec.Body != nil {
		body = bytes.NewReader(spec.Body)
	}

	req, err := http.NewRequestWithContext(requestCtx, method, target, body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	for key, values := range spec.Header {
		for _, value := range values {
			req.Header.Add(key, value)
		}
	}
	if spec.Body != nil && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set(RequestIDHeader, requestID)
	if access != "" {
		req.Header.Set("Authorization", "Bearer "+access)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, &domain.TransientNetworkError{EndpointID: endpoint.ID, Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, &domain.TransientNetworkError{EndpointID: endpoint.ID, Err: fmt.Errorf("read response body: %w", err)}
	}

	return &Response{
		StatusCode: resp.StatusCode,
		Header:     resp.Header.Clone(),
		Body:       data,
		EndpointID: endpoint.ID,
	}, nil
}

func (p *RequestPipeline) requestContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, hasDeadline := ctx.Deadline(); hasDeadline {
		return ctx, func() {}
	}

	return context.WithTimeout(ctx, p.timeout)
}

func resolveURL(base string, path string) (string, error) {
	parsed, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parse endpoint address: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return "", errors.New("endpoint address must use http or https")
	}
	if parsed.Host == "" {
		return "", errors.New("endpoint address host is required")
	}

	ref, err := url.Parse(path)
	if err != nil {
		return "", fmt.Errorf("parse request path: %w", err)
	}

	resolved := parsed.JoinPath(ref.Path)
	resolved.RawQuery = ref.RawQuery
	return resolved.String(), nil
}
