package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kimhsiao/connsync/internal/connection"
	apperrors "github.com/kimhsiao/connsync/internal/errors"
	"github.com/kimhsiao/connsync/internal/models"
	"github.com/kimhsiao/connsync/internal/sync/queue"
	"github.com/kimhsiao/connsync/internal/sync/scheduler"
)

type stubService struct {
	conns    map[string]models.ManagedConnection
	err      error
	sent     []string
	accepted []string
	rejected []string
	deleted  []string
	retried  []string
	reloads  []bool
}

func newStubService(conns ...models.Connection) *stubService {
	s := &stubService{conns: make(map[string]models.ManagedConnection)}
	for _, c := range conns {
		s.conns[c.ID] = models.ManagedConnection{Connection: c, SyncState: models.Synced()}
	}
	return s
}

func (s *stubService) UserID() string { return "u1" }

func (s *stubService) Connections() []models.ManagedConnection {
	out := make([]models.ManagedConnection, 0, len(s.conns))
	for _, mc := range s.conns {
		out = append(out, mc)
	}
	return out
}

func (s *stubService) Connection(id string) (models.ManagedConnection, bool) {
	mc, ok := s.conns[id]
	return mc, ok
}

func (s *stubService) ConnectionStatus(with string) connection.Relationship {
	for _, mc := range s.conns {
		if mc.Connection.Between("u1", with) {
			c := mc.Connection
			return connection.Relationship{State: connection.StateConnected, Connection: &c}
		}
	}
	return connection.Relationship{State: connection.StateNone}
}

func (s *stubService) PendingRequestsCount() int { return 2 }

func (s *stubService) Failures() []models.FailedOperation {
	return []models.FailedOperation{{EntityID: "c9", OperationType: models.OperationCreate, Error: "offline", Attempts: 5}}
}

func (s *stubService) LoadConnections(_ context.Context, force bool) error {
	s.reloads = append(s.reloads, force)
	return s.err
}

func (s *stubService) SendConnectionRequest(_ context.Context, to string, meta models.UserMetadata) (models.Connection, error) {
	if s.err != nil {
		return models.Connection{}, s.err
	}
	s.sent = append(s.sent, to)
	return models.Connection{ID: "new", FromUserID: "u1", ToUserID: to, Status: models.ConnectionStatusPending, FromUsername: meta.Username}, nil
}

func (s *stubService) AcceptConnection(_ context.Context, c models.Connection) (models.Connection, error) {
	if s.err != nil {
		return models.Connection{}, s.err
	}
	s.accepted = append(s.accepted, c.ID)
	c.Status = models.ConnectionStatusAccepted
	return c, nil
}

func (s *stubService) RejectConnection(_ context.Context, c models.Connection) error {
	s.rejected = append(s.rejected, c.ID)
	return s.err
}

func (s *stubService) DeleteConnection(_ context.Context, c models.Connection) error {
	s.deleted = append(s.deleted, c.ID)
	return s.err
}

func (s *stubService) RetryFailedOperation(_ context.Context, id string) error {
	s.retried = append(s.retried, id)
	return s.err
}

type stubQueue struct{}

func (stubQueue) Stats() queue.Stats { return queue.Stats{Total: 1, Failed: 1} }

func (stubQueue) GetAllOperations() []models.PendingOperation {
	return []models.PendingOperation{{ID: "op1", EntityID: "c1", OperationType: models.OperationCreate, Status: models.OperationStatusFailed}}
}

type stubSync struct {
	err error
}

func (s stubSync) SyncNow(context.Context) (*models.SyncResult, error) {
	if s.err != nil {
		return nil, s.err
	}
	return &models.SyncResult{Fetched: 3, Upserted: 1}, nil
}

func (stubSync) GetStatus() scheduler.SchedulerStatus {
	return scheduler.SchedulerStatus{IsRunning: true, IsOnline: true}
}

func newTestRouter(svc *stubService, sync SyncController) http.Handler {
	return NewRouter(RouterDependencies{API: NewAPI(svc, stubQueue{}, sync)})
}

func do(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v))
	return v
}

var incoming = models.Connection{ID: "c1", FromUserID: "u2", ToUserID: "u1", Status: models.ConnectionStatusPending}

func TestHealthz(t *testing.T) {
	rec := do(t, newTestRouter(newStubService(), nil), http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", decode[map[string]string](t, rec)["status"])
}

func TestListConnections(t *testing.T) {
	rec := do(t, newTestRouter(newStubService(incoming), nil), http.MethodGet, "/connections", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	body := decode[struct {
		UserID      string                     `json:"user_id"`
		Connections []models.ManagedConnection `json:"connections"`
		Pending     int                        `json:"pending_requests_count"`
	}](t, rec)
	assert.Equal(t, "u1", body.UserID)
	require.Len(t, body.Connections, 1)
	assert.Equal(t, "c1", body.Connections[0].ID())
	assert.Equal(t, 2, body.Pending)
}

func TestSendRequest(t *testing.T) {
	svc := newStubService()
	h := newTestRouter(svc, nil)

	rec := do(t, h, http.MethodPost, "/connections", sendRequest{ToUserID: "u3", Username: "alice"})
	require.Equal(t, http.StatusCreated, rec.Code)
	conn := decode[models.Connection](t, rec)
	assert.Equal(t, "u3", conn.ToUserID)
	assert.Equal(t, "alice", conn.FromUsername)
	assert.Equal(t, []string{"u3"}, svc.sent)

	req := httptest.NewRequest(http.MethodPost, "/connections", bytes.NewBufferString("{"))
	bad := httptest.NewRecorder()
	h.ServeHTTP(bad, req)
	assert.Equal(t, http.StatusBadRequest, bad.Code)
}

func TestErrorMapping(t *testing.T) {
	cases := []struct {
		code   apperrors.ErrorCode
		status int
	}{
		{apperrors.ErrPermission, http.StatusForbidden},
		{apperrors.ErrAlreadyRequested, http.StatusConflict},
		{apperrors.ErrAlreadyConnected, http.StatusConflict},
		{apperrors.ErrOperationInFlight, http.StatusConflict},
		{apperrors.ErrOperationNotDue, http.StatusConflict},
		{apperrors.ErrNotFound, http.StatusNotFound},
		{apperrors.ErrInvalid, http.StatusBadRequest},
		{apperrors.ErrNetwork, http.StatusBadGateway},
		{apperrors.ErrThrottled, http.StatusTooManyRequests},
		{apperrors.ErrDatabase, http.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run(string(tc.code), func(t *testing.T) {
			svc := newStubService()
			svc.err = apperrors.New(tc.code, "boom")
			rec := do(t, newTestRouter(svc, nil), http.MethodPost, "/connections", sendRequest{ToUserID: "u2"})
			assert.Equal(t, tc.status, rec.Code)

			body := decode[map[string]errorBody](t, rec)
			assert.Equal(t, tc.code, body["error"].Code)
		})
	}

	rec := httptest.NewRecorder()
	writeError(rec, assert.AnError)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "internal error", decode[map[string]errorBody](t, rec)["error"].Message)
}

func TestConnectionActions(t *testing.T) {
	svc := newStubService(incoming)
	h := newTestRouter(svc, nil)

	rec := do(t, h, http.MethodPost, "/connections/c1/accept", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, models.ConnectionStatusAccepted, decode[models.Connection](t, rec).Status)

	rec = do(t, h, http.MethodPost, "/connections/c1/reject", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = do(t, h, http.MethodDelete, "/connections/c1", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = do(t, h, http.MethodDelete, "/connections/missing", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(t, h, http.MethodPost, "/connections/c9/retry", nil)
	assert.Equal(t, http.StatusAccepted, rec.Code)

	assert.Equal(t, []string{"c1"}, svc.accepted)
	assert.Equal(t, []string{"c1"}, svc.rejected)
	assert.Equal(t, []string{"c1"}, svc.deleted)
	assert.Equal(t, []string{"c9"}, svc.retried)
}

func TestConnectionLookups(t *testing.T) {
	h := newTestRouter(newStubService(incoming), nil)

	rec := do(t, h, http.MethodGet, "/connections/c1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "c1", decode[models.ManagedConnection](t, rec).ID())

	rec = do(t, h, http.MethodGet, "/connections/nope", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(t, h, http.MethodGet, "/connections/status/u2", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, connection.StateConnected, decode[connection.Relationship](t, rec).State)

	rec = do(t, h, http.MethodGet, "/badge", nil)
	assert.EqualValues(t, 2, decode[map[string]int](t, rec)["pending_requests_count"])

	rec = do(t, h, http.MethodGet, "/failures", nil)
	failures := decode[[]models.FailedOperation](t, rec)
	require.Len(t, failures, 1)
	assert.Equal(t, "c9", failures[0].EntityID)

	rec = do(t, h, http.MethodGet, "/queue", nil)
	q := decode[struct {
		Stats      queue.Stats               `json:"stats"`
		Operations []models.PendingOperation `json:"operations"`
	}](t, rec)
	assert.Equal(t, 1, q.Stats.Failed)
	require.Len(t, q.Operations, 1)
}

func TestReload(t *testing.T) {
	svc := newStubService()
	h := newTestRouter(svc, nil)

	rec := do(t, h, http.MethodPost, "/connections/reload?force=true", nil)
	assert.Equal(t, http.StatusAccepted, rec.Code)
	rec = do(t, h, http.MethodPost, "/connections/reload", nil)
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, []bool{true, false}, svc.reloads)
}

func TestSyncEndpoints(t *testing.T) {
	rec := do(t, newTestRouter(newStubService(), nil), http.MethodPost, "/sync", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	h := newTestRouter(newStubService(), stubSync{})
	rec = do(t, h, http.MethodPost, "/sync", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 3, decode[models.SyncResult](t, rec).Fetched)

	rec = do(t, h, http.MethodGet, "/sync", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, decode[scheduler.SchedulerStatus](t, rec).IsOnline)

	failing := newTestRouter(newStubService(), stubSync{err: apperrors.Wrap(apperrors.ErrSyncFailed, "fetch", assert.AnError)})
	rec = do(t, failing, http.MethodPost, "/sync", nil)
	assert.Equal(t, http.StatusBadGateway, rec.Code)
}

func TestCORS(t *testing.T) {
	h := NewRouter(RouterDependencies{AllowedOrigins: []string{"https://app.example.com"}})

	req := httptest.NewRequest(http.MethodOptions, "/healthz", nil)
	req.Header.Set("Origin", "https://app.example.com")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "https://app.example.com", rec.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest(http.MethodOptions, "/healthz", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}
