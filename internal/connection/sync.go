package connection

import (
	"context"
	"time"

	apperrors "github.com/kimhsiao/connsync/internal/errors"
	"github.com/kimhsiao/connsync/internal/logging"
	"github.com/kimhsiao/connsync/internal/models"
	"github.com/kimhsiao/connsync/internal/sync/reconcile"
)

// LoadConnections fills memory from the local cache, then reconciles in the
// background unless the data is still fresh. Remote failures never surface
// here; the cache stays authoritative for display.
func (m *Manager) LoadConnections(ctx context.Context, forceRefresh bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	rows, err := m.cache.FetchConnections(m.cfg.UserID)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "load cached connections", err)
	}
	now := m.cfg.Now()
	rejects, err := m.rejects.PendingRejects(now)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "load pending rejects", err)
	}

	m.mu.Lock()
	hadData := len(m.connections) > 0
	fresh := !m.lastRefresh.IsZero() && now.Sub(m.lastRefresh) < m.cfg.FreshnessWindow

	m.pendingRejects = rejects
	loaded := make(map[string]*models.ManagedConnection, len(rows))
	var removed []string
	for _, c := range rows {
		if _, rejected := rejects[c.ID]; rejected {
			continue
		}
		// A crash between queueing a removal and dropping the row leaves
		// the row behind.
		if m.removalPendingLocked(c.ID) {
			removed = append(removed, c.ID)
			continue
		}
		loaded[c.ID] = &models.ManagedConnection{Connection: *c, SyncState: m.deriveStateLocked(c.ID)}
	}
	m.connections = loaded
	change := m.bulkChangeLocked()
	m.mu.Unlock()

	for _, id := range removed {
		if err := m.cache.DeleteConnection(id); err != nil {
			logging.ErrorWithCode("Failed to remove cached connection", string(apperrors.ErrDatabase), err,
				map[string]interface{}{"connection_id": id})
		}
	}

	logging.Info("Connections loaded from cache", map[string]interface{}{
		"count":   len(loaded),
		"rejects": len(rejects),
		"removed": len(removed),
		"force":   forceRefresh,
	})
	m.observers.push(change)

	if forceRefresh || !(hadData && fresh) {
		m.TriggerSync()
	}
	return nil
}

// TriggerSync starts a background reconciliation pass. It reports false once
// the manager is closed.
func (m *Manager) TriggerSync() bool {
	ctx := m.context()
	if ctx.Err() != nil {
		return false
	}
	m.bg.Add(1)
	go func() {
		defer m.bg.Done()
		if _, err := m.Sync(ctx); err != nil {
			logging.Warn("Background sync failed", map[string]interface{}{"error": err.Error()})
		}
	}()
	return true
}

// WaitBackground blocks until every background sync started so far is done.
func (m *Manager) WaitBackground() {
	m.bg.Wait()
}

// Sync pulls the remote snapshot, collapses duplicates and reconciles it
// against local state. Passes never overlap.
func (m *Manager) Sync(ctx context.Context) (*models.SyncResult, error) {
	m.syncMu.Lock()
	defer m.syncMu.Unlock()

	start := m.cfg.Now()
	snapshot, err := m.remote.FetchConnections(ctx, m.cfg.UserID)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrSyncFailed, "fetch remote connections", err)
	}

	collapse := m.reconciler.CollapseDuplicates(snapshot)
	m.recordDuplicates(collapse.Logs)

	rejects, err := m.rejects.PendingRejects(start)
	if err != nil {
		logging.Warn("Using in-memory pending rejects", map[string]interface{}{"error": err.Error()})
		rejects = nil
	}

	m.mu.Lock()
	if rejects == nil {
		rejects = make(map[string]time.Time, len(m.pendingRejects))
		for id, exp := range m.pendingRejects {
			if exp.After(start) {
				rejects[id] = exp
			}
		}
	}
	m.pendingRejects = rejects

	dropped := m.discardDuplicatesLocked(collapse.Discarded)

	local := make(map[string]models.Connection, len(m.connections))
	for id, mc := range m.connections {
		local[id] = mc.Connection
	}
	plan := m.reconciler.Reconcile(reconcile.Input{
		Local:          local,
		Remote:         collapse.Kept,
		PendingRejects: rejects,
		HasActiveOperation: func(id string) bool {
			if _, failed := m.failures[id]; failed {
				return true
			}
			if at, ok := m.settled[id]; ok && !at.Before(start) {
				return true
			}
			return m.queue.HasActiveOperation(id)
		},
	})

	for i := range plan.Upserts {
		c := plan.Upserts[i]
		if err := m.cache.SaveConnection(&c); err != nil {
			logging.ErrorWithCode("Failed to cache remote connection", string(apperrors.ErrDatabase), err,
				map[string]interface{}{"connection_id": c.ID})
			continue
		}
		m.connections[c.ID] = &models.ManagedConnection{Connection: c, SyncState: m.deriveStateLocked(c.ID)}
	}
	for _, id := range plan.Removals {
		if err := m.cache.DeleteConnection(id); err != nil {
			logging.ErrorWithCode("Failed to drop remotely deleted connection", string(apperrors.ErrDatabase), err,
				map[string]interface{}{"connection_id": id})
			continue
		}
		delete(m.connections, id)
	}
	for id, at := range m.settled {
		if at.Before(start) {
			delete(m.settled, id)
		}
	}
	end := m.cfg.Now()
	m.lastRefresh = end
	change := m.bulkChangeLocked()
	m.mu.Unlock()

	result := &models.SyncResult{
		Fetched:    len(snapshot),
		Upserted:   len(plan.Upserts),
		Removed:    len(plan.Removals) + dropped,
		Protected:  len(plan.Protected),
		Suppressed: len(plan.Suppressed),
		Duplicates: len(collapse.Discarded),
		StartTime:  start,
		EndTime:    end,
		Duration:   end.Sub(start),
	}
	logging.Info("Sync completed", map[string]interface{}{
		"fetched":    result.Fetched,
		"upserted":   result.Upserted,
		"removed":    result.Removed,
		"protected":  result.Protected,
		"suppressed": result.Suppressed,
		"duplicates": result.Duplicates,
		"duration":   result.Duration.String(),
	})
	m.observers.push(change)
	return result, nil
}

// discardDuplicatesLocked schedules remote deletion of losing duplicates and
// drops them locally. Records with their own active operation are left for
// a later pass. It returns how many local records were dropped.
func (m *Manager) discardDuplicatesLocked(discarded []models.Connection) int {
	dropped := 0
	for _, c := range discarded {
		if m.queue.HasActiveOperation(c.ID) {
			continue
		}
		payload, err := m.encode(c)
		if err != nil {
			logging.Warn("Skipping duplicate", map[string]interface{}{"connection_id": c.ID, "error": err.Error()})
			continue
		}
		if _, err := m.queue.AddOperation(models.OperationDelete, models.EntityConnection, c.ID, payload); err != nil {
			logging.Warn("Could not schedule duplicate deletion", map[string]interface{}{
				"connection_id": c.ID,
				"error":         err.Error(),
			})
			continue
		}
		if _, ok := m.connections[c.ID]; !ok {
			continue
		}
		if err := m.cache.DeleteConnection(c.ID); err != nil {
			logging.ErrorWithCode("Failed to drop duplicate from cache", string(apperrors.ErrDatabase), err,
				map[string]interface{}{"connection_id": c.ID})
		}
		delete(m.connections, c.ID)
		dropped++
	}
	return dropped
}

func (m *Manager) recordDuplicates(logs []models.DuplicateLog) {
	if m.duplicates == nil {
		return
	}
	for i := range logs {
		if err := m.duplicates.CreateDuplicateLog(&logs[i]); err != nil {
			logging.ErrorWithCode("Failed to record duplicate resolution", string(apperrors.ErrDatabase), err,
				map[string]interface{}{"pair": logs[i].PairKey})
		}
	}
}
