package connection

import (
	"context"
	"fmt"

	apperrors "github.com/kimhsiao/connsync/internal/errors"
	"github.com/kimhsiao/connsync/internal/logging"
	"github.com/kimhsiao/connsync/internal/models"
	"github.com/kimhsiao/connsync/internal/sync/queue"
)

// eventLoop applies queue events to the connections map in Seq order and
// launches execution for operations that became runnable.
func (m *Manager) eventLoop(events <-chan queue.Event, done chan<- struct{}) {
	defer close(done)
	for ev := range events {
		m.handleEvent(ev)
	}
}

func (m *Manager) handleEvent(ev queue.Event) {
	op := ev.Operation
	if op.EntityType != models.EntityConnection && ev.Type != queue.EventQueueEmpty {
		return
	}

	var changes []Change
	m.mu.Lock()
	switch ev.Type {
	case queue.EventOperationAdded, queue.EventOperationRetrying:
		if m.setStateLocked(op.EntityID, m.deriveStateLocked(op.EntityID)) {
			changes = append(changes, m.changeLocked(op.EntityID))
		}
		m.spawnExecute(op)

	case queue.EventOperationStarted, queue.EventOperationCompleted:
		if m.setStateLocked(op.EntityID, m.deriveStateLocked(op.EntityID)) {
			changes = append(changes, m.changeLocked(op.EntityID))
		}

	case queue.EventOperationFailed:
		if ev.Permanent && !m.queue.HasActiveOperation(op.EntityID) {
			m.recordFailureLocked(models.FailureFromOperation(op, m.cfg.Now()))
		}
		if m.setStateLocked(op.EntityID, m.deriveStateLocked(op.EntityID)) || ev.Permanent {
			changes = append(changes, m.changeLocked(op.EntityID))
		}

	case queue.EventQueueEmpty:
		logging.Debug("Operation queue drained", nil)
	}
	m.mu.Unlock()

	m.observers.push(changes...)
}

// spawnExecute runs op in its own goroutine. Operations on different
// entities run in parallel; the queue guarantees one active per entity.
func (m *Manager) spawnExecute(op models.PendingOperation) {
	ctx := m.context()
	if ctx.Err() != nil {
		return
	}
	m.exec.Add(1)
	go func() {
		defer m.exec.Done()
		m.execute(ctx, op)
	}()
}

func (m *Manager) execute(ctx context.Context, op models.PendingOperation) {
	if err := m.queue.MarkInProgress(op.ID); err != nil {
		// Superseded, removed or already running.
		logging.Debug("Skipping operation", map[string]interface{}{
			"operation_id": op.ID,
			"reason":       err.Error(),
		})
		return
	}

	conn, err := op.DecodeConnection()
	if err != nil {
		m.fail(op, apperrors.Wrap(apperrors.ErrInvalid, "decode operation payload", err))
		return
	}

	collide, err := m.apply(ctx, op.OperationType, conn)
	if err != nil {
		if ctx.Err() != nil {
			// Shutting down: the operation stays persisted and replays on
			// the next start.
			logging.Info("Operation interrupted by shutdown", map[string]interface{}{
				"operation_id": op.ID,
				"entity_id":    op.EntityID,
			})
			return
		}
		m.fail(op, err)
		return
	}

	m.mu.Lock()
	m.settled[op.EntityID] = m.cfg.Now()
	m.mu.Unlock()
	if op.OperationType == models.OperationRejectConnection {
		m.forgetReject(op.EntityID)
	}
	if op.OperationType.IsRemoval() {
		m.dropRemoved(op.EntityID)
	}
	if err := m.queue.MarkCompleted(op.EntityID, op.EntityType); err != nil {
		logging.Warn("Completed operation no longer queued", map[string]interface{}{
			"operation_id": op.ID,
			"entity_id":    op.EntityID,
		})
	}
	if collide {
		m.TriggerSync()
	}
}

// apply performs the remote call for one operation. It reports whether a
// create found the pair already present remotely.
func (m *Manager) apply(ctx context.Context, opType models.OperationType, conn models.Connection) (bool, error) {
	switch opType {
	case models.OperationCreate:
		exists, err := m.remote.ConnectionExists(ctx, conn.FromUserID, conn.ToUserID)
		if err != nil {
			return false, err
		}
		if _, err := m.remote.Save(ctx, conn); err != nil {
			return false, err
		}
		if exists {
			logging.Info("Pair already present remotely, scheduling reconciliation", map[string]interface{}{
				"connection_id": conn.ID,
				"pair":          conn.PairKey(),
			})
		}
		return exists, nil

	case models.OperationAcceptConnection, models.OperationUpdate:
		_, err := m.remote.Save(ctx, conn)
		return false, err

	case models.OperationRejectConnection, models.OperationDelete:
		err := m.remote.DeleteConnection(ctx, conn)
		if apperrors.Is(err, apperrors.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	return false, apperrors.Newf(apperrors.ErrInvalid, "unsupported operation %q", opType)
}

func (m *Manager) fail(op models.PendingOperation, cause error) {
	permanent, err := m.queue.MarkFailed(op.ID, cause)
	if permanent {
		logging.ErrorWithCode("Giving up on operation", string(apperrors.ErrMaxRetriesExceeded), err,
			map[string]interface{}{"entity_id": op.EntityID, "type": op.OperationType})
		return
	}
	if err != nil {
		logging.Warn("Could not record failure", map[string]interface{}{
			"operation_id": op.ID,
			"error":        fmt.Sprint(err),
		})
	}
}

// dropRemoved makes sure a remotely deleted connection is gone locally too.
func (m *Manager) dropRemoved(id string) {
	if err := m.cache.DeleteConnection(id); err != nil {
		logging.ErrorWithCode("Failed to remove cached connection", string(apperrors.ErrDatabase), err,
			map[string]interface{}{"connection_id": id})
	}

	m.mu.Lock()
	_, tracked := m.connections[id]
	delete(m.connections, id)
	change := m.changeLocked(id)
	m.mu.Unlock()

	if tracked {
		m.observers.push(change)
	}
}

// forgetReject drops id from the pending-reject set once the remote delete
// is confirmed.
func (m *Manager) forgetReject(id string) {
	m.mu.Lock()
	delete(m.pendingRejects, id)
	m.mu.Unlock()

	if err := m.rejects.RemovePendingReject(id); err != nil {
		logging.ErrorWithCode("Failed to clear pending reject", string(apperrors.ErrDatabase), err,
			map[string]interface{}{"connection_id": id})
	}
}
