package application

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/bnema/tether/internal/adapters/kv/memory"
	"github.com/bnema/tether/internal/domain"
	"github.com/bnema/tether/internal/ports/mocks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordedRequest struct {
	method        string
	path          string
	query         string
	authorization string
	requestID     string
	body          string
}

type stubBackend struct {
	server *httptest.Server

	mu       sync.Mutex
	requests []recordedRequest
}

func newStubBackend(t *testing.T, status int, body string) *stubBackend {
	t.Helper()

	backend := &stubBackend{}
	backend.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, _ := io.ReadAll(r.Body)
		backend.mu.Lock()
		backend.requests = append(backend.requests, recordedRequest{
			method:        r.Method,
			path:          r.URL.Path,
			query:         r.URL.RawQuery,
			authorization: r.Header.Get("Authorization"),
			requestID:     r.Header.Get(RequestIDHeader),
			body:          string(data),
		})
		backend.mu.Unlock()

		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(backend.server.Close)
	return backend
}

func (b *stubBackend) recorded() []recordedRequest {
	b.mu.Lock()
	defer b.mu.Unlock()

	return append([]recordedRequest(nil), b.requests...)
}

func freshSessions(t *testing.T) (*mocks.MockSessions, domain.TokenPair) {
	t.Helper()

	pair := mintPair(t, "user-1", time.Now().Add(time.Hour))
	sessions := mocks.NewMockSessions(t)
	sessions.EXPECT().EnsureValid(mockAnyContext()).Return(pair, nil).Maybe()
	return sessions, pair
}

func TestExecuteFailsOverOnceAfterServerError(t *testing.T) {
	a := newStubBackend(t, http.StatusServiceUnavailable, "down")
	b := newStubBackend(t, http.StatusOK, `{"ok":true}`)
	registry, endpoints := newTestRegistry(t, a.server.URL, b.server.URL)
	sessions, pair := freshSessions(t)

	pipeline := NewRequestPipeline(sessions, registry, PipelineOptions{})
	resp, err := pipeline.Execute(context.Background(), RequestSpec{Method: http.MethodGet, Path: "/api/items/?page=2"})
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"ok":true}`, string(resp.Body))
	assert.Equal(t, endpoints[1].ID, resp.EndpointID)

	aReqs, bReqs := a.recorded(), b.recorded()
	require.Len(t, aReqs, 1)
	require.Len(t, bReqs, 1)
	assert.Equal(t, "/api/items/", bReqs[0].path)
	assert.Equal(t, "page=2", bReqs[0].query)
	assert.Equal(t, "Bearer "+pair.Access, bReqs[0].authorization)
	assert.NotEmpty(t, aReqs[0].requestID)
	assert.Equal(t, aReqs[0].requestID, bReqs[0].requestID)

	gotA, _ := registry.GetByID(endpoints[0].ID)
	assert.Equal(t, 1, gotA.ConsecutiveErrors)
}

func TestExecuteReturnsSecondServerErrorUnmodified(t *testing.T) {
	a := newStubBackend(t, http.StatusServiceUnavailable, "a down")
	b := newStubBackend(t, http.StatusServiceUnavailable, "b down")
	registry, endpoints := newTestRegistry(t, a.server.URL, b.server.URL)
	sessions, _ := freshSessions(t)

	pipeline := NewRequestPipeline(sessions, registry, PipelineOptions{})
	_, err := pipeline.Execute(context.Background(), RequestSpec{Path: "/api/items/"})
	require.Error(t, err)

	var serverErr *domain.ServerError
	require.ErrorAs(t, err, &serverErr)
	assert.Equal(t, http.StatusServiceUnavailable, serverErr.StatusCode)
	assert.Equal(t, "b down", string(serverErr.Body))
	assert.Equal(t, endpoints[1].ID, serverErr.EndpointID)

	assert.Len(t, a.recorded(), 1)
	assert.Len(t, b.recorded(), 1, "no retry beyond the single failover")
}

func TestExecuteFailsOverOnNetworkError(t *testing.T) {
	dead := httptest.NewServer(http.NotFoundHandler())
	deadURL := dead.URL
	dead.Close()
	b := newStubBackend(t, http.StatusOK, "ok")
	registry, _ := newTestRegistry(t, deadURL, b.server.URL)
	sessions, _ := freshSessions(t)

	pipeline := NewRequestPipeline(sessions, registry, PipelineOptions{Timeout: 2 * time.Second})
	resp, err := pipeline.Execute(context.Background(), RequestSpec{Path: "/ping"})
	require.NoError(t, err)
	assert.Equal(t, "ok", string(resp.Body))
}

func TestExecuteReturnsClientErrorsWithoutRetry(t *testing.T) {
	a := newStubBackend(t, http.StatusNotFound, "missing")
	b := newStubBackend(t, http.StatusOK, "ok")
	registry, _ := newTestRegistry(t, a.server.URL, b.server.URL)
	sessions, _ := freshSessions(t)

	pipeline := NewRequestPipeline(sessions, registry, PipelineOptions{})
	resp, err := pipeline.Execute(context.Background(), RequestSpec{Path: "/api/items/9/"})
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Empty(t, b.recorded())
}

func TestExecuteRefreshesNearlyExpiredTokenBeforeRequest(t *testing.T) {
	backend := newStubBackend(t, http.StatusOK, "ok")
	registry, _ := newTestRegistry(t, backend.server.URL)

	now := time.Now()
	stale := mintPair(t, "user-1", now.Add(30*time.Second))
	rotated := mintAccess(t, "user-1", now.Add(time.Hour))

	refresher := mocks.NewMockTokenRefresher(t)
	refresher.EXPECT().Refresh(mockAnyContext(), stale.Refresh).Return(rotated, nil).Once()
	sessions := NewSessionManager(memory.NewStore(), refresher, SessionOptions{})
	require.NoError(t, sessions.Login(context.Background(), stale.Access, stale.Refresh))
	t.Cleanup(func() { sessions.Logout(context.Background(), nil) })

	pipeline := NewRequestPipeline(sessions, registry, PipelineOptions{})
	_, err := pipeline.Execute(context.Background(), RequestSpec{Method: http.MethodPost, Path: "/api/items/", Body: []byte(`{"name":"x"}`)})
	require.NoError(t, err)

	reqs := backend.recorded()
	require.Len(t, reqs, 1)
	assert.Equal(t, "Bearer "+rotated, reqs[0].authorization)
	assert.Equal(t, `{"name":"x"}`, reqs[0].body)
}

func TestExecuteLogsOutOnUnauthorized(t *testing.T) {
	backend := newStubBackend(t, http.StatusUnauthorized, `{"detail":"token revoked"}`)
	registry, endpoints := newTestRegistry(t, backend.server.URL)

	sessions, _ := freshSessions(t)
	sessions.EXPECT().Logout(mockAnyContext(), domain.ErrAuth).Return().Once()

	pipeline := NewRequestPipeline(sessions, registry, PipelineOptions{})
	_, err := pipeline.Execute(context.Background(), RequestSpec{Path: "/api/me/"})
	require.ErrorIs(t, err, domain.ErrAuth)

	got, _ := registry.GetByID(endpoints[0].ID)
	assert.Zero(t, got.ConsecutiveErrors, "an auth rejection says nothing about endpoint health")
}

func TestExecuteAnonymousSkipsSession(t *testing.T) {
	backend := newStubBackend(t, http.StatusUnauthorized, "bad credentials")
	registry, _ := newTestRegistry(t, backend.server.URL)
	sessions := mocks.NewMockSessions(t)

	pipeline := NewRequestPipeline(sessions, registry, PipelineOptions{})
	resp, err := pipeline.Execute(context.Background(), RequestSpec{Method: http.MethodPost, Path: CredentialsPath, Anonymous: true})
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	reqs := backend.recorded()
	require.Len(t, reqs, 1)
	assert.Empty(t, reqs[0].authorization)
}

func TestExecuteWithoutSessionFailsBeforeNetwork(t *testing.T) {
	backend := newStubBackend(t, http.StatusOK, "ok")
	registry, _ := newTestRegistry(t, backend.server.URL)
	sessions := mocks.NewMockSessions(t)
	sessions.EXPECT().EnsureValid(mockAnyContext()).Return(domain.TokenPair{}, domain.ErrNotAuthenticated).Once()

	pipeline := NewRequestPipeline(sessions, registry, PipelineOptions{})
	_, err := pipeline.Execute(context.Background(), RequestSpec{Path: "/api/me/"})
	require.ErrorIs(t, err, domain.ErrNotAuthenticated)
	assert.Empty(t, backend.recorded())
}

func TestExecuteStopsOnCanceledContext(t *testing.T) {
	block := make(chan struct{})
	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-block:
		case <-r.Context().Done():
		}
	}))
	t.Cleanup(slow.Close)
	t.Cleanup(func() { close(block) })
	b := newStubBackend(t, http.StatusOK, "ok")
	registry, _ := newTestRegistry(t, slow.URL, b.server.URL)
	sessions, _ := freshSessions(t)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	pipeline := NewRequestPipeline(sessions, registry, PipelineOptions{})
	_, err := pipeline.Execute(ctx, RequestSpec{Path: "/slow"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	assert.Empty(t, b.recorded())
}

func TestResolveURL(t *testing.T) {
	got, err := resolveURL("https://api.example/v1", "/items/?q=a%20b")
	require.NoError(t, err)
	assert.Equal(t, "https://api.example/v1/items/?q=a%20b", got)

	_, err = resolveURL("ftp://api.example", "/x")
	require.Error(t, err)

	_, err = resolveURL("https://", "/x")
	require.Error(t, err)
}

func TestExecuteReportsFailoverTarget(t *testing.T) {
	a := newStubBackend(t, http.StatusBadGateway, "bad gateway")
	b := newStubBackend(t, http.StatusOK, "ok")
	registry, endpoints := newTestRegistry(t, a.server.URL, b.server.URL)
	sessions, _ := freshSessions(t)

	var (
		retries []domain.Endpoint
		causes  []error
	)
	pipeline := NewRequestPipeline(sessions, registry, PipelineOptions{})
	_, err := pipeline.Execute(context.Background(), RequestSpec{
		Path: "/api/items/",
		OnRetry: func(next domain.Endpoint, cause error) {
			retries = append(retries, next)
			causes = append(causes, cause)
		},
	})
	require.NoError(t, err)

	require.Len(t, retries, 1)
	assert.Equal(t, endpoints[1].ID, retries[0].ID)
	var serverErr *domain.ServerError
	require.ErrorAs(t, causes[0], &serverErr)
	assert.Equal(t, http.StatusBadGateway, serverErr.StatusCode)
}

func TestExecuteSkipsRetryCallbackOnFirstSuccess(t *testing.T) {
	a := newStubBackend(t, http.StatusOK, "ok")
	registry, _ := newTestRegistry(t, a.server.URL)
	sessions, _ := freshSessions(t)

	called := false
	pipeline := NewRequestPipeline(sessions, registry, PipelineOptions{})
	_, err := pipeline.Execute(context.Background(), RequestSpec{
		Path:    "/ping",
		OnRetry: func(domain.Endpoint, error) { called = true },
	})
	require.NoError(t, err)
	assert.False(t, called)
}

func TestAnonymousPipelineRefusesAuthenticatedRequests(t *testing.T) {
	a := newStubBackend(t, http.StatusOK, "ok")
	registry, _ := newTestRegistry(t, a.server.URL)

	pipeline := NewAnonymousPipeline(registry, PipelineOptions{})
	_, err := pipeline.Execute(context.Background(), RequestSpec{Path: "/api/items/"})
	require.ErrorIs(t, err, domain.ErrNotAuthenticated)
	assert.Empty(t, a.recorded())

	resp, err := pipeline.Execute(context.Background(), RequestSpec{Method: http.MethodPost, Path: "/api/auth/token/refresh/", Anonymous: true})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, a.recorded(), 1)
	assert.Empty(t, a.recorded()[0].authorization)
}
