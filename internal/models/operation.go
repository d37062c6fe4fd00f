package models

import (
	"encoding/json"
	"time"
)

// OperationType is the kind of remote mutation a queued operation performs.
type OperationType string

const (
	OperationCreate           OperationType = "create"
	OperationAcceptConnection OperationType = "acceptConnection"
	OperationRejectConnection OperationType = "rejectConnection"
	OperationUpdate           OperationType = "update"
	OperationDelete           OperationType = "delete"
)

// Valid reports whether t is a known operation type.
func (t OperationType) Valid() bool {
	switch t {
	case OperationCreate, OperationAcceptConnection, OperationRejectConnection, OperationUpdate, OperationDelete:
		return true
	}
	return false
}

// IsRemoval reports whether the operation deletes the entity remotely.
func (t OperationType) IsRemoval() bool {
	return t == OperationRejectConnection || t == OperationDelete
}

// EntityType names the kind of entity an operation targets.
type EntityType string

const EntityConnection EntityType = "connection"

// OperationStatus represents the status of a queued operation.
type OperationStatus string

const (
	OperationStatusPending    OperationStatus = "pending"
	OperationStatusInProgress OperationStatus = "in_progress"
	OperationStatusFailed     OperationStatus = "failed"
	OperationStatusCompleted  OperationStatus = "completed"
)

// IsActive reports whether an operation in this status still counts
// towards the one-active-operation-per-entity limit.
func (s OperationStatus) IsActive() bool {
	return s != OperationStatusCompleted
}

// PendingOperation is a durable queue entry for a remote mutation.
// Timestamps are Unix milliseconds.
type PendingOperation struct {
	ID            string          `db:"id" json:"id"`
	EntityID      string          `db:"entity_id" json:"entity_id"`
	EntityType    EntityType      `db:"entity_type" json:"entity_type"`
	OperationType OperationType   `db:"operation_type" json:"operation_type"`
	Payload       json.RawMessage `db:"payload" json:"payload"`
	Attempts      int             `db:"attempts" json:"attempts"`
	Status        OperationStatus `db:"status" json:"status"`
	LastError     string          `db:"last_error" json:"last_error,omitempty"`
	CreatedAt     int64           `db:"created_at" json:"created_at"`
	NextRetryAt   int64           `db:"next_retry_at" json:"next_retry_at"`
}

// TableName returns the table name for PendingOperation.
func (PendingOperation) TableName() string {
	return "pending_operations"
}

// NextRetryTime returns NextRetryAt as time.Time.
func (o *PendingOperation) NextRetryTime() time.Time {
	return time.UnixMilli(o.NextRetryAt)
}

// DecodeConnection unmarshals the payload snapshot as a Connection.
func (o *PendingOperation) DecodeConnection() (Connection, error) {
	var c Connection
	err := json.Unmarshal(o.Payload, &c)
	return c, err
}

// EncodeConnection serialises a connection snapshot for a queue payload.
func EncodeConnection(c Connection) ([]byte, error) {
	return json.Marshal(c)
}
