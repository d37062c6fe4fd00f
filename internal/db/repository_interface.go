package db

import (
	"time"

	"github.com/kimhsiao/connsync/internal/models"
)

// ConnectionCache is the local cache of connection entities.
type ConnectionCache interface {
	SaveConnection(c *models.Connection) error
	DeleteConnection(id string) error
	FetchConnections(userID string) ([]*models.Connection, error)
	// FetchConnection returns nil, nil when id is not cached.
	FetchConnection(id string) (*models.Connection, error)
}

// OperationStore persists queue entries so the queue can be rebuilt after a restart.
type OperationStore interface {
	SaveOperation(op *models.PendingOperation) error
	DeleteOperation(id string) error
	ReplaceOperation(oldID string, op *models.PendingOperation) error
	LoadOperations() ([]*models.PendingOperation, error)
}

// RejectStore persists the pending-reject set.
type RejectStore interface {
	AddPendingReject(id string, expiresAt time.Time) error
	RemovePendingReject(id string) error
	PendingRejects(now time.Time) (map[string]time.Time, error)
}

// DuplicateLogStore records duplicate resolutions.
type DuplicateLogStore interface {
	CreateDuplicateLog(log *models.DuplicateLog) error
	ListDuplicateLogs(limit int) ([]*models.DuplicateLog, error)
}

// FailureStore persists operations that exhausted their retries.
type FailureStore interface {
	SaveFailure(f *models.FailedOperation) error
	DeleteFailure(entityID string) error
	LoadFailures() ([]*models.FailedOperation, error)
}

// Store combines every persistence concern of the engine.
type Store interface {
	ConnectionCache
	OperationStore
	RejectStore
	DuplicateLogStore
	FailureStore
}

// Ensure *Repository implements the interfaces at compile time.
var (
	_ ConnectionCache   = (*Repository)(nil)
	_ OperationStore    = (*Repository)(nil)
	_ RejectStore       = (*Repository)(nil)
	_ DuplicateLogStore = (*Repository)(nil)
	_ FailureStore      = (*Repository)(nil)
	_ Store             = (*Repository)(nil)
)
