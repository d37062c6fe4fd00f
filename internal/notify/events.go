package notify

import (
	"github.com/kimhsiao/connsync/internal/connection"
	"github.com/kimhsiao/connsync/internal/models"
	"github.com/kimhsiao/connsync/internal/sync/queue"
)

const (
	EventOperationAdded     = "queue.operation_added"
	EventOperationStarted   = "queue.operation_started"
	EventOperationRetrying  = "queue.operation_retrying"
	EventOperationFailed    = "queue.operation_failed"
	EventOperationCompleted = "queue.operation_completed"
	EventQueueEmpty         = "queue.empty"

	EventConnectionChanged = "connection.changed"
	EventBadgeUpdated      = "badge.updated"

	EventSyncCompleted = "sync.completed"
	EventSyncFailed    = "sync.failed"
)

var queueEventTypes = map[queue.EventType]string{
	queue.EventOperationAdded:     EventOperationAdded,
	queue.EventOperationStarted:   EventOperationStarted,
	queue.EventOperationRetrying:  EventOperationRetrying,
	queue.EventOperationFailed:    EventOperationFailed,
	queue.EventOperationCompleted: EventOperationCompleted,
	queue.EventQueueEmpty:         EventQueueEmpty,
}

// EventSource is the queue's broadcast stream.
type EventSource interface {
	Subscribe(buffer int) (<-chan queue.Event, func())
}

// ChangeSource reports connection state changes.
type ChangeSource interface {
	Observe(fn func(connection.Change)) (cancel func())
}

// FollowQueue forwards every queue event until the returned cancel is called.
func (h *Hub) FollowQueue(src EventSource) (cancel func()) {
	events, cancel := src.Subscribe(64)
	go func() {
		for ev := range events {
			h.BroadcastOperation(ev)
		}
	}()
	return cancel
}

// WatchChanges forwards connection changes and badge updates.
func (h *Hub) WatchChanges(src ChangeSource) (cancel func()) {
	return src.Observe(h.BroadcastChange)
}

// BroadcastOperation pushes one queue lifecycle event.
func (h *Hub) BroadcastOperation(ev queue.Event) {
	typ, ok := queueEventTypes[ev.Type]
	if !ok {
		return
	}
	data := map[string]interface{}{"seq": ev.Seq}
	if ev.Type != queue.EventQueueEmpty {
		data["operation_id"] = ev.Operation.ID
		data["entity_id"] = ev.Operation.EntityID
		data["operation_type"] = ev.Operation.OperationType
		data["attempts"] = ev.Operation.Attempts
	}
	if ev.Error != "" {
		data["error"] = ev.Error
	}
	if ev.Permanent {
		data["permanent"] = true
	}
	h.Broadcast(typ, data)
}

// BroadcastChange pushes a connection change, plus a badge update when the
// pending-request count moved.
func (h *Hub) BroadcastChange(c connection.Change) {
	data := map[string]interface{}{"pending_requests_count": c.PendingRequestsCount}
	if c.ConnectionID != "" {
		data["connection_id"] = c.ConnectionID
	}
	if c.SyncState != nil {
		data["sync_state"] = c.SyncState
	}
	if c.Removed {
		data["removed"] = true
	}
	h.Broadcast(EventConnectionChanged, data)

	n := int64(c.PendingRequestsCount)
	if h.lastBadge.Swap(n) != n {
		h.Broadcast(EventBadgeUpdated, map[string]interface{}{"pending_requests_count": c.PendingRequestsCount})
	}
}

// BroadcastSyncCompleted reports a finished reconciliation pass.
func (h *Hub) BroadcastSyncCompleted(r *models.SyncResult) {
	h.Broadcast(EventSyncCompleted, map[string]interface{}{
		"fetched":    r.Fetched,
		"upserted":   r.Upserted,
		"removed":    r.Removed,
		"protected":  r.Protected,
		"suppressed": r.Suppressed,
		"duplicates": r.Duplicates,
		"duration":   r.Duration.Milliseconds(),
	})
}

// BroadcastSyncFailed reports a failed reconciliation pass.
func (h *Hub) BroadcastSyncFailed(code string, retryable bool) {
	h.Broadcast(EventSyncFailed, map[string]interface{}{
		"error_code": code,
		"retryable":  retryable,
	})
}
