// Package remote is the client side of the authoritative shared connection
// store. Backends: an in-memory store for tests and single-node use, MongoDB
// and Neo4j.
package remote

import (
	"context"
	stderrors "errors"
	"fmt"

	apperrors "github.com/kimhsiao/connsync/internal/errors"
	"github.com/kimhsiao/connsync/internal/models"
)

// Store is the remote connection dataset.
//
// Every call may fail with a NETWORK_FAILURE, THROTTLED or NOT_FOUND coded
// error. NOT_FOUND from DeleteConnection means the record is already gone.
type Store interface {
	Save(ctx context.Context, c models.Connection) (models.Connection, error)
	// FetchConnections returns every record where userID is sender or recipient.
	FetchConnections(ctx context.Context, userID string) ([]models.Connection, error)
	DeleteConnection(ctx context.Context, c models.Connection) error
	// ConnectionExists reports whether any record links a and b in either direction.
	ConnectionExists(ctx context.Context, a, b string) (bool, error)
	Close(ctx context.Context) error
}

// Options configures a networked backend.
type Options struct {
	URI      string
	Database string
	Username string
	Password string
}

// ErrMissingURI indicates the backend URI is not provided.
var ErrMissingURI = stderrors.New("remote URI is required")

// NotFound builds the error returned when a record is absent.
func NotFound(id string) error {
	return apperrors.Newf(apperrors.ErrNotFound, "connection %s not found", id)
}

// classify maps context errors onto the transient taxonomy; backend-specific
// classification runs before this.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if apperrors.CodeOf(err) != "" {
		return err
	}
	if stderrors.Is(err, context.DeadlineExceeded) || stderrors.Is(err, context.Canceled) {
		return apperrors.Wrap(apperrors.ErrNetwork, op+" timed out", err)
	}
	return apperrors.Wrap(apperrors.ErrNetwork, op, err)
}

func validateForSave(c models.Connection) error {
	if err := c.Validate(); err != nil {
		return apperrors.Wrap(apperrors.ErrInvalid, fmt.Sprintf("save connection %s", c.ID), err)
	}
	return nil
}
