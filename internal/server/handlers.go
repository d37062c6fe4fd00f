package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/kimhsiao/connsync/internal/connection"
	apperrors "github.com/kimhsiao/connsync/internal/errors"
	"github.com/kimhsiao/connsync/internal/models"
	"github.com/kimhsiao/connsync/internal/sync/queue"
	"github.com/kimhsiao/connsync/internal/sync/scheduler"
)

// ConnectionService is the manager surface the API drives.
type ConnectionService interface {
	UserID() string
	Connections() []models.ManagedConnection
	Connection(id string) (models.ManagedConnection, bool)
	ConnectionStatus(withUserID string) connection.Relationship
	PendingRequestsCount() int
	Failures() []models.FailedOperation
	LoadConnections(ctx context.Context, forceRefresh bool) error
	SendConnectionRequest(ctx context.Context, toUserID string, sender models.UserMetadata) (models.Connection, error)
	AcceptConnection(ctx context.Context, conn models.Connection) (models.Connection, error)
	RejectConnection(ctx context.Context, conn models.Connection) error
	DeleteConnection(ctx context.Context, conn models.Connection) error
	RetryFailedOperation(ctx context.Context, connectionID string) error
}

// QueueInspector exposes read-only queue state.
type QueueInspector interface {
	Stats() queue.Stats
	GetAllOperations() []models.PendingOperation
}

// SyncController runs and reports reconciliation passes.
type SyncController interface {
	SyncNow(ctx context.Context) (*models.SyncResult, error)
	GetStatus() scheduler.SchedulerStatus
}

// API holds the REST handlers.
type API struct {
	conns ConnectionService
	queue QueueInspector
	sync  SyncController
}

// NewAPI constructs the handlers. sync may be nil when no scheduler runs.
func NewAPI(conns ConnectionService, q QueueInspector, sync SyncController) *API {
	return &API{conns: conns, queue: q, sync: sync}
}

func (a *API) register(mux *http.ServeMux) {
	mux.HandleFunc("GET /connections", a.listConnections)
	mux.HandleFunc("POST /connections", a.sendRequest)
	mux.HandleFunc("POST /connections/reload", a.reload)
	mux.HandleFunc("GET /connections/status/{userID}", a.connectionStatus)
	mux.HandleFunc("GET /connections/{id}", a.getConnection)
	mux.HandleFunc("DELETE /connections/{id}", a.deleteConnection)
	mux.HandleFunc("POST /connections/{id}/accept", a.acceptConnection)
	mux.HandleFunc("POST /connections/{id}/reject", a.rejectConnection)
	mux.HandleFunc("POST /connections/{id}/retry", a.retryConnection)
	mux.HandleFunc("GET /badge", a.badge)
	mux.HandleFunc("GET /queue", a.queueState)
	mux.HandleFunc("GET /failures", a.failures)
	mux.HandleFunc("GET /sync", a.syncStatus)
	mux.HandleFunc("POST /sync", a.syncNow)
}

type sendRequest struct {
	ToUserID    string `json:"to_user_id"`
	Username    string `json:"username,omitempty"`
	DisplayName string `json:"display_name,omitempty"`
}

func (a *API) listConnections(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"user_id":                a.conns.UserID(),
		"connections":            a.conns.Connections(),
		"pending_requests_count": a.conns.PendingRequestsCount(),
	})
}

func (a *API) getConnection(w http.ResponseWriter, r *http.Request) {
	mc, ok := a.conns.Connection(r.PathValue("id"))
	if !ok {
		writeError(w, apperrors.Newf(apperrors.ErrNotFound, "connection %s not found", r.PathValue("id")))
		return
	}
	respondJSON(w, http.StatusOK, mc)
}

func (a *API) sendRequest(w http.ResponseWriter, r *http.Request) {
	var req sendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apperrors.Wrap(apperrors.ErrInvalid, "invalid request body", err))
		return
	}
	conn, err := a.conns.SendConnectionRequest(r.Context(), req.ToUserID, models.UserMetadata{
		Username:    req.Username,
		DisplayName: req.DisplayName,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, conn)
}

func (a *API) reload(w http.ResponseWriter, r *http.Request) {
	force, _ := strconv.ParseBool(r.URL.Query().Get("force"))
	if err := a.conns.LoadConnections(r.Context(), force); err != nil {
		writeError(w, err)
		return
	}
	respondJSON(w, http.StatusAccepted, map[string]any{"status": "loaded", "force": force})
}

func (a *API) connectionStatus(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, a.conns.ConnectionStatus(r.PathValue("userID")))
}

// tracked resolves the path id, falling back to a bare id so the manager
// can decide what an unknown connection means.
func (a *API) tracked(r *http.Request) models.Connection {
	id := r.PathValue("id")
	if mc, ok := a.conns.Connection(id); ok {
		return mc.Connection
	}
	return models.Connection{ID: id}
}

func (a *API) acceptConnection(w http.ResponseWriter, r *http.Request) {
	conn, err := a.conns.AcceptConnection(r.Context(), a.tracked(r))
	if err != nil {
		writeError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, conn)
}

func (a *API) rejectConnection(w http.ResponseWriter, r *http.Request) {
	if err := a.conns.RejectConnection(r.Context(), a.tracked(r)); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) deleteConnection(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	mc, ok := a.conns.Connection(id)
	if !ok {
		writeError(w, apperrors.Newf(apperrors.ErrNotFound, "connection %s not found", id))
		return
	}
	if err := a.conns.DeleteConnection(r.Context(), mc.Connection); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) retryConnection(w http.ResponseWriter, r *http.Request) {
	if err := a.conns.RetryFailedOperation(r.Context(), r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	respondJSON(w, http.StatusAccepted, map[string]any{"status": "queued"})
}

func (a *API) badge(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{"pending_requests_count": a.conns.PendingRequestsCount()})
}

func (a *API) queueState(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"stats":      a.queue.Stats(),
		"operations": a.queue.GetAllOperations(),
	})
}

func (a *API) failures(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, a.conns.Failures())
}

func (a *API) syncStatus(w http.ResponseWriter, r *http.Request) {
	if a.sync == nil {
		writeError(w, apperrors.New(apperrors.ErrSyncNotConfigured, "no scheduler running"))
		return
	}
	respondJSON(w, http.StatusOK, a.sync.GetStatus())
}

func (a *API) syncNow(w http.ResponseWriter, r *http.Request) {
	if a.sync == nil {
		writeError(w, apperrors.New(apperrors.ErrSyncNotConfigured, "no scheduler running"))
		return
	}
	result, err := a.sync.SyncNow(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, result)
}
