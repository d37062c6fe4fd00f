package models

import (
	"encoding/json"
	"time"
)

// FailedOperation is the user-visible record of an operation evicted after
// exhausting its retries. It lives until a manual retry clears it.
type FailedOperation struct {
	EntityID      string          `db:"entity_id" json:"entity_id"`
	EntityType    EntityType      `db:"entity_type" json:"entity_type"`
	OperationType OperationType   `db:"operation_type" json:"operation_type"`
	Payload       json.RawMessage `db:"payload" json:"payload"`
	Error         string          `db:"error" json:"error"`
	Attempts      int             `db:"attempts" json:"attempts"`
	FailedAt      int64           `db:"failed_at" json:"failed_at"`
}

// TableName returns the database table name.
func (FailedOperation) TableName() string {
	return "failed_operations"
}

// FailedAtTime returns FailedAt as a time.Time.
func (f *FailedOperation) FailedAtTime() time.Time {
	return time.UnixMilli(f.FailedAt)
}

// DecodeConnection decodes the entity snapshot the operation carried.
func (f *FailedOperation) DecodeConnection() (Connection, error) {
	var c Connection
	err := json.Unmarshal(f.Payload, &c)
	return c, err
}

// FailureFromOperation builds the failure record for an evicted operation.
func FailureFromOperation(op PendingOperation, failedAt time.Time) FailedOperation {
	return FailedOperation{
		EntityID:      op.EntityID,
		EntityType:    op.EntityType,
		OperationType: op.OperationType,
		Payload:       op.Payload,
		Error:         op.LastError,
		Attempts:      op.Attempts,
		FailedAt:      failedAt.UnixMilli(),
	}
}
