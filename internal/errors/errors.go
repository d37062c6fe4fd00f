// Package errors provides the coded error taxonomy shared by the queue, the
// connection manager and the outer API surfaces.
package errors

import (
	stderrors "errors"
	"fmt"
)

// ErrorCode represents a unique error code that can be surfaced to callers.
type ErrorCode string

const (
	// General errors
	ErrInternal ErrorCode = "INTERNAL_ERROR"
	ErrInvalid  ErrorCode = "INVALID_INPUT"
	ErrNotFound ErrorCode = "NOT_FOUND"

	// Ownership and idempotency guards; never enter the queue.
	ErrPermission       ErrorCode = "PERMISSION_DENIED"
	ErrAlreadyRequested ErrorCode = "ALREADY_REQUESTED"
	ErrAlreadyConnected ErrorCode = "ALREADY_CONNECTED"

	// Queue errors
	ErrDuplicateOperation ErrorCode = "DUPLICATE_OPERATION"
	ErrOperationInFlight  ErrorCode = "OPERATION_IN_FLIGHT"
	ErrOperationNotDue    ErrorCode = "OPERATION_NOT_DUE"
	ErrMaxRetriesExceeded ErrorCode = "MAX_RETRIES_EXCEEDED"

	// Remote errors; all retried by the queue.
	ErrNetwork   ErrorCode = "NETWORK_FAILURE"
	ErrThrottled ErrorCode = "THROTTLED"

	// Database errors
	ErrDatabase  ErrorCode = "DATABASE_ERROR"
	ErrMigration ErrorCode = "MIGRATION_FAILED"

	// Sync errors
	ErrSyncNotConfigured ErrorCode = "SYNC_NOT_CONFIGURED"
	ErrSyncFailed        ErrorCode = "SYNC_FAILED"
)

// AppError represents an application error with code and message.
type AppError struct {
	Code    ErrorCode
	Message string
	Err     error
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error.
func (e *AppError) Unwrap() error {
	return e.Err
}

// New creates a new AppError.
func New(code ErrorCode, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
	}
}

// Newf creates a new AppError with a formatted message.
func Newf(code ErrorCode, format string, args ...interface{}) *AppError {
	return New(code, fmt.Sprintf(format, args...))
}

// Wrap wraps an existing error with an error code.
func Wrap(code ErrorCode, message string, err error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// Is reports whether the outermost AppError in err's chain carries code.
// Codes of AppErrors wrapped inside it are not consulted.
func Is(err error, code ErrorCode) bool {
	return CodeOf(err) == code
}

// CodeOf returns the code of the outermost AppError in err's chain, or ""
// when there is none.
func CodeOf(err error) ErrorCode {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr.Code
	}
	return ""
}

// IsTransient reports whether err is a remote failure the queue should retry.
// Uncoded errors from a remote backend are treated as transient.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	switch CodeOf(err) {
	case ErrPermission, ErrAlreadyConnected, ErrAlreadyRequested, ErrInvalid, ErrMaxRetriesExceeded:
		return false
	}
	return true
}
