package connection

import (
	"context"

	apperrors "github.com/kimhsiao/connsync/internal/errors"
	"github.com/kimhsiao/connsync/internal/logging"
	"github.com/kimhsiao/connsync/internal/models"
	"github.com/kimhsiao/connsync/internal/uuid"
)

// SendConnectionRequest asks toUserID to connect. An incoming pending request
// from toUserID is accepted instead of creating a competing one.
func (m *Manager) SendConnectionRequest(ctx context.Context, toUserID string, sender models.UserMetadata) (models.Connection, error) {
	if err := ctx.Err(); err != nil {
		return models.Connection{}, err
	}
	if toUserID == "" {
		return models.Connection{}, apperrors.New(apperrors.ErrInvalid, "recipient is required")
	}
	if toUserID == m.cfg.UserID {
		return models.Connection{}, apperrors.New(apperrors.ErrInvalid, "cannot connect to yourself")
	}

	m.mu.Lock()
	if existing := m.findLocked(toUserID); existing != nil {
		c := existing.Connection
		switch {
		case c.Status == models.ConnectionStatusAccepted:
			m.mu.Unlock()
			return models.Connection{}, apperrors.Newf(apperrors.ErrAlreadyConnected, "already connected to %s", toUserID)
		case c.ToUserID == m.cfg.UserID:
			logging.Info("Incoming request found, accepting instead", map[string]interface{}{
				"connection_id": c.ID,
				"from":          c.FromUserID,
			})
			accepted, change, err := m.acceptLocked(c)
			m.mu.Unlock()
			m.observers.push(change...)
			return accepted, err
		default:
			m.mu.Unlock()
			return models.Connection{}, apperrors.Newf(apperrors.ErrAlreadyRequested, "request to %s already pending", toUserID)
		}
	}

	if sender.IsZero() {
		sender = m.cfg.Profile
	}
	now := m.cfg.Now().UnixMilli()
	conn := models.Connection{
		ID:         uuid.New(),
		FromUserID: m.cfg.UserID,
		ToUserID:   toUserID,
		Status:     models.ConnectionStatusPending,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	conn.ApplySender(sender)

	if err := m.stage(conn, models.OperationCreate, false); err != nil {
		m.mu.Unlock()
		return models.Connection{}, err
	}
	change := m.changeLocked(conn.ID)
	m.mu.Unlock()

	logging.Info("Connection request created", map[string]interface{}{
		"connection_id": conn.ID,
		"to":            toUserID,
	})
	m.observers.push(change)
	return conn, nil
}

// AcceptConnection accepts an incoming request. Accepting twice, or while an
// accept is already queued, is a no-op.
func (m *Manager) AcceptConnection(ctx context.Context, conn models.Connection) (models.Connection, error) {
	if err := ctx.Err(); err != nil {
		return models.Connection{}, err
	}

	m.mu.Lock()
	mc, ok := m.connections[conn.ID]
	if !ok {
		m.mu.Unlock()
		return models.Connection{}, apperrors.Newf(apperrors.ErrNotFound, "connection %s not found", conn.ID)
	}
	accepted, change, err := m.acceptLocked(mc.Connection)
	m.mu.Unlock()

	m.observers.push(change...)
	return accepted, err
}

func (m *Manager) acceptLocked(current models.Connection) (models.Connection, []Change, error) {
	if current.ToUserID != m.cfg.UserID {
		return models.Connection{}, nil, apperrors.Newf(apperrors.ErrPermission,
			"only %s can accept connection %s", current.ToUserID, current.ID)
	}
	if current.Status == models.ConnectionStatusAccepted {
		return current, nil, nil
	}
	if op, ok := m.queue.ActiveOperation(current.ID); ok {
		switch {
		case op.OperationType == models.OperationAcceptConnection:
			return current, nil, nil
		case op.OperationType.IsRemoval():
			return models.Connection{}, nil, apperrors.Newf(apperrors.ErrNotFound, "connection %s is being removed", current.ID)
		}
	}

	accepted := current
	accepted.Status = models.ConnectionStatusAccepted
	accepted.ApplyAcceptor(m.cfg.Profile)
	accepted.Touch(m.cfg.Now())

	if err := m.stage(accepted, models.OperationAcceptConnection, true); err != nil {
		return models.Connection{}, nil, err
	}
	logging.Info("Connection accepted", map[string]interface{}{
		"connection_id": accepted.ID,
		"from":          accepted.FromUserID,
	})
	return accepted, []Change{m.changeLocked(accepted.ID)}, nil
}

// stage writes conn through the cache, enqueues opType and mirrors the
// result into memory. The cache write is rolled back if enqueueing fails.
func (m *Manager) stage(conn models.Connection, opType models.OperationType, supersede bool) error {
	payload, err := m.encode(conn)
	if err != nil {
		return err
	}

	var previous *models.Connection
	if mc, ok := m.connections[conn.ID]; ok {
		prev := mc.Connection
		previous = &prev
	}
	if err := m.cache.SaveConnection(&conn); err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "cache connection", err)
	}

	if supersede {
		_, err = m.queue.Supersede(opType, models.EntityConnection, conn.ID, payload)
	} else {
		_, err = m.queue.AddOperation(opType, models.EntityConnection, conn.ID, payload)
	}
	if err != nil {
		m.rollback(conn.ID, previous)
		return err
	}

	m.clearFailureLocked(conn.ID)
	m.connections[conn.ID] = &models.ManagedConnection{Connection: conn, SyncState: models.Syncing()}
	return nil
}

func (m *Manager) rollback(id string, previous *models.Connection) {
	var err error
	if previous != nil {
		err = m.cache.SaveConnection(previous)
	} else {
		err = m.cache.DeleteConnection(id)
	}
	if err != nil {
		logging.ErrorWithCode("Failed to roll back cache write", string(apperrors.ErrDatabase), err,
			map[string]interface{}{"connection_id": id})
	}
}

// RejectConnection declines an incoming request. The record disappears
// locally at once and stays suppressed until the remote delete lands or the
// reject expires.
func (m *Manager) RejectConnection(ctx context.Context, conn models.Connection) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	current := conn
	if mc, ok := m.connections[conn.ID]; ok {
		current = mc.Connection
	} else if _, failed := m.failures[conn.ID]; !failed {
		m.mu.Unlock()
		return apperrors.Newf(apperrors.ErrNotFound, "connection %s not found", conn.ID)
	}
	if current.ToUserID != m.cfg.UserID {
		m.mu.Unlock()
		return apperrors.Newf(apperrors.ErrPermission, "only %s can reject connection %s", current.ToUserID, current.ID)
	}

	expiresAt := m.cfg.Now().Add(m.cfg.RejectTTL)
	if err := m.rejects.AddPendingReject(current.ID, expiresAt); err != nil {
		m.mu.Unlock()
		return apperrors.Wrap(apperrors.ErrDatabase, "record pending reject", err)
	}
	if err := m.remove(current, models.OperationRejectConnection); err != nil {
		if rmErr := m.rejects.RemovePendingReject(current.ID); rmErr != nil {
			logging.Warn("Failed to undo pending reject", map[string]interface{}{"connection_id": current.ID, "error": rmErr.Error()})
		}
		m.mu.Unlock()
		return err
	}
	m.pendingRejects[current.ID] = expiresAt
	change := m.changeLocked(current.ID)
	m.mu.Unlock()

	logging.Info("Connection rejected", map[string]interface{}{
		"connection_id": current.ID,
		"from":          current.FromUserID,
	})
	m.observers.push(change)
	return nil
}

// DeleteConnection removes a connection. Either party may delete.
func (m *Manager) DeleteConnection(ctx context.Context, conn models.Connection) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	current := conn
	if mc, ok := m.connections[conn.ID]; ok {
		current = mc.Connection
	}
	if err := current.Validate(); err != nil {
		m.mu.Unlock()
		return apperrors.Wrap(apperrors.ErrInvalid, "delete connection", err)
	}
	if err := m.remove(current, models.OperationDelete); err != nil {
		m.mu.Unlock()
		return err
	}
	change := m.changeLocked(current.ID)
	m.mu.Unlock()

	logging.Info("Connection deleted", map[string]interface{}{
		"connection_id": current.ID,
		"counterpart":   current.Counterpart(m.cfg.UserID),
	})
	m.observers.push(change)
	return nil
}

// remove enqueues a removal, superseding any unstarted operation, then drops
// the entity from cache and memory.
func (m *Manager) remove(conn models.Connection, opType models.OperationType) error {
	payload, err := m.encode(conn)
	if err != nil {
		return err
	}
	if _, err := m.queue.Supersede(opType, models.EntityConnection, conn.ID, payload); err != nil {
		return err
	}
	if err := m.cache.DeleteConnection(conn.ID); err != nil {
		logging.ErrorWithCode("Failed to remove cached connection", string(apperrors.ErrDatabase), err,
			map[string]interface{}{"connection_id": conn.ID})
	}
	m.clearFailureLocked(conn.ID)
	delete(m.connections, conn.ID)
	return nil
}

// RetryFailedOperation re-queues the operation for connectionID. When the
// queue already evicted it, a new operation is rebuilt from the failure
// record or from the last known entity state.
func (m *Manager) RetryFailedOperation(ctx context.Context, connectionID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	if op := m.queue.RetryOperation(connectionID, models.EntityConnection); op != nil {
		m.clearFailureLocked(connectionID)
		m.setStateLocked(connectionID, m.deriveStateLocked(connectionID))
		change := m.changeLocked(connectionID)
		m.mu.Unlock()
		m.observers.push(change)
		return nil
	}

	opType, conn, err := m.rebuildLocked(connectionID)
	if err != nil {
		m.mu.Unlock()
		return err
	}
	payload, err := m.encode(conn)
	if err != nil {
		m.mu.Unlock()
		return err
	}
	if _, err := m.queue.AddOperation(opType, models.EntityConnection, conn.ID, payload); err != nil {
		m.mu.Unlock()
		return err
	}

	m.clearFailureLocked(connectionID)
	if opType == models.OperationRejectConnection {
		expiresAt := m.cfg.Now().Add(m.cfg.RejectTTL)
		if err := m.rejects.AddPendingReject(conn.ID, expiresAt); err != nil {
			logging.ErrorWithCode("Failed to restore pending reject", string(apperrors.ErrDatabase), err,
				map[string]interface{}{"connection_id": conn.ID})
		}
		m.pendingRejects[conn.ID] = expiresAt
	}
	if !opType.IsRemoval() {
		if err := m.cache.SaveConnection(&conn); err != nil {
			logging.ErrorWithCode("Failed to restore cached connection", string(apperrors.ErrDatabase), err,
				map[string]interface{}{"connection_id": conn.ID})
		}
		m.connections[conn.ID] = &models.ManagedConnection{Connection: conn, SyncState: models.Syncing()}
	}
	change := m.changeLocked(connectionID)
	m.mu.Unlock()

	logging.Info("Rebuilt evicted operation", map[string]interface{}{
		"connection_id": connectionID,
		"type":          opType,
	})
	m.observers.push(change)
	return nil
}

// rebuildLocked picks the operation that retries an evicted failure. The
// tracked entity is preferred over the snapshot the failed operation carried.
func (m *Manager) rebuildLocked(id string) (models.OperationType, models.Connection, error) {
	mc, tracked := m.connections[id]

	if f, ok := m.failures[id]; ok {
		if tracked && !f.OperationType.IsRemoval() {
			return f.OperationType, mc.Connection, nil
		}
		conn, err := f.DecodeConnection()
		if err != nil {
			return "", models.Connection{}, apperrors.Wrap(apperrors.ErrInternal, "decode failed operation", err)
		}
		return f.OperationType, conn, nil
	}

	if !tracked || !mc.SyncState.IsFailed() {
		return "", models.Connection{}, apperrors.Newf(apperrors.ErrNotFound, "no failed operation for %s", id)
	}
	conn := mc.Connection
	switch {
	case conn.Status == models.ConnectionStatusAccepted:
		return models.OperationAcceptConnection, conn, nil
	case conn.FromUserID == m.cfg.UserID:
		return models.OperationCreate, conn, nil
	}
	return models.OperationUpdate, conn, nil
}

// State classifies the relationship with another user.
type State string

const (
	StateNone      State = "none"
	StateOutgoing  State = "outgoing"
	StateIncoming  State = "incoming"
	StateConnected State = "connected"
)

// Relationship is the answer to ConnectionStatus.
type Relationship struct {
	State      State              `json:"state"`
	Connection *models.Connection `json:"connection,omitempty"`
	SyncState  *models.SyncState  `json:"sync_state,omitempty"`
}

// ConnectionStatus reports the relationship with withUserID.
func (m *Manager) ConnectionStatus(withUserID string) Relationship {
	m.mu.Lock()
	defer m.mu.Unlock()

	mc := m.findLocked(withUserID)
	if mc == nil {
		return Relationship{State: StateNone}
	}
	conn, state := mc.Connection, mc.SyncState
	rel := Relationship{Connection: &conn, SyncState: &state}
	switch {
	case conn.Status == models.ConnectionStatusAccepted:
		rel.State = StateConnected
	case conn.FromUserID == m.cfg.UserID:
		rel.State = StateOutgoing
	default:
		rel.State = StateIncoming
	}
	return rel
}

// findLocked scans for a live connection with other in either direction.
// Accepted records win over pending ones.
func (m *Manager) findLocked(other string) *models.ManagedConnection {
	var found *models.ManagedConnection
	for _, mc := range m.connections {
		c := &mc.Connection
		if !c.Between(m.cfg.UserID, other) || c.Status == models.ConnectionStatusRejected {
			continue
		}
		if found == nil || c.Status == models.ConnectionStatusAccepted && found.Connection.Status != models.ConnectionStatusAccepted {
			found = mc
		}
	}
	return found
}
