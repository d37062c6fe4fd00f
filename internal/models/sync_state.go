package models

import "fmt"

// SyncStateKind enumerates how far a connection has converged with the remote store.
type SyncStateKind string

const (
	SyncStateSynced      SyncStateKind = "synced"
	SyncStateSyncing     SyncStateKind = "syncing"
	SyncStatePendingSync SyncStateKind = "pending_sync"
	SyncStateSyncFailed  SyncStateKind = "sync_failed"
)

// SyncState is derived from the operation queue and never persisted.
type SyncState struct {
	Kind       SyncStateKind `json:"kind"`
	RetryCount int           `json:"retry_count,omitempty"`
	Error      string        `json:"error,omitempty"`
}

func Synced() SyncState  { return SyncState{Kind: SyncStateSynced} }
func Syncing() SyncState { return SyncState{Kind: SyncStateSyncing} }

func PendingSync(retryCount int) SyncState {
	return SyncState{Kind: SyncStatePendingSync, RetryCount: retryCount}
}

func SyncFailed(err string) SyncState {
	return SyncState{Kind: SyncStateSyncFailed, Error: err}
}

// IsFailed reports whether manual retry is required.
func (s SyncState) IsFailed() bool {
	return s.Kind == SyncStateSyncFailed
}

func (s SyncState) String() string {
	switch s.Kind {
	case SyncStatePendingSync:
		return fmt.Sprintf("%s(%d)", s.Kind, s.RetryCount)
	case SyncStateSyncFailed:
		return fmt.Sprintf("%s(%s)", s.Kind, s.Error)
	case "":
		return string(SyncStateSynced)
	}
	return string(s.Kind)
}

// ManagedConnection is a connection together with its sync state.
type ManagedConnection struct {
	Connection Connection `json:"connection"`
	SyncState  SyncState  `json:"sync_state"`
}

// ID returns the identity of the managed connection.
func (m ManagedConnection) ID() string {
	return m.Connection.ID
}
