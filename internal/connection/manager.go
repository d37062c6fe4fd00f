// Package connection is the public face of the sync engine. The Manager
// keeps the in-memory view of every connection and its sync state, applies
// user actions optimistically, feeds the operation queue and reconciles
// against the remote store in the background.
package connection

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/kimhsiao/connsync/internal/db"
	apperrors "github.com/kimhsiao/connsync/internal/errors"
	"github.com/kimhsiao/connsync/internal/logging"
	"github.com/kimhsiao/connsync/internal/models"
	"github.com/kimhsiao/connsync/internal/remote"
	"github.com/kimhsiao/connsync/internal/sync/queue"
	"github.com/kimhsiao/connsync/internal/sync/reconcile"
)

// Config holds per-user manager settings.
type Config struct {
	UserID  string
	Profile models.UserMetadata
	// FreshnessWindow suppresses background reconciliation on load while
	// in-memory data is younger than this.
	FreshnessWindow time.Duration
	// RejectTTL bounds how long a pending reject suppresses a remote record.
	RejectTTL time.Duration
	Now       func() time.Time
}

// Deps are the collaborators a Manager drives.
type Deps struct {
	Cache      db.ConnectionCache
	Rejects    db.RejectStore
	Duplicates db.DuplicateLogStore
	Failures   db.FailureStore
	Remote     remote.Store
	Queue      *queue.Queue
}

// Manager owns the connections map. All map access happens under mu.
type Manager struct {
	cfg        Config
	cache      db.ConnectionCache
	rejects    db.RejectStore
	duplicates db.DuplicateLogStore
	failStore  db.FailureStore
	remote     remote.Store
	queue      *queue.Queue
	reconciler *reconcile.Reconciler
	observers  *observerList

	mu             sync.Mutex
	connections    map[string]*models.ManagedConnection
	failures       map[string]models.FailedOperation
	pendingRejects map[string]time.Time
	// settled marks ids whose operation reached the remote store, so a
	// snapshot fetched before that moment cannot undo it.
	settled     map[string]time.Time
	lastRefresh time.Time

	// syncMu serializes reconciliation passes.
	syncMu sync.Mutex

	lifeMu    sync.Mutex
	runCtx    context.Context
	cancelRun context.CancelFunc
	cancelSub func()
	loopDone  chan struct{}
	started   bool
	exec      sync.WaitGroup
	bg        sync.WaitGroup
}

// New creates a Manager and restores persisted failure entries.
func New(cfg Config, deps Deps) (*Manager, error) {
	if cfg.UserID == "" {
		return nil, apperrors.New(apperrors.ErrInvalid, "user id is required")
	}
	if deps.Cache == nil || deps.Rejects == nil || deps.Remote == nil || deps.Queue == nil {
		return nil, apperrors.New(apperrors.ErrInvalid, "cache, reject store, remote and queue are required")
	}
	if cfg.FreshnessWindow <= 0 {
		cfg.FreshnessWindow = 30 * time.Minute
	}
	if cfg.RejectTTL <= 0 {
		cfg.RejectTTL = 10 * time.Minute
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	cfg.Profile = cfg.Profile.Normalize()

	runCtx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		cfg:            cfg,
		cache:          deps.Cache,
		rejects:        deps.Rejects,
		duplicates:     deps.Duplicates,
		failStore:      deps.Failures,
		remote:         deps.Remote,
		queue:          deps.Queue,
		reconciler:     reconcile.New(cfg.Now),
		observers:      newObserverList(),
		connections:    make(map[string]*models.ManagedConnection),
		failures:       make(map[string]models.FailedOperation),
		pendingRejects: make(map[string]time.Time),
		settled:        make(map[string]time.Time),
		runCtx:         runCtx,
		cancelRun:      cancel,
	}

	if m.failStore != nil {
		failures, err := m.failStore.LoadFailures()
		if err != nil {
			cancel()
			m.observers.close()
			return nil, apperrors.Wrap(apperrors.ErrDatabase, "load failures", err)
		}
		for _, f := range failures {
			m.failures[f.EntityID] = *f
		}
	}
	return m, nil
}

// UserID returns the local user this manager acts for.
func (m *Manager) UserID() string {
	return m.cfg.UserID
}

// Start subscribes to queue events and resumes operations replayed from disk.
func (m *Manager) Start(ctx context.Context) {
	m.lifeMu.Lock()
	defer m.lifeMu.Unlock()
	if m.started {
		return
	}
	m.started = true

	m.cancelRun()
	m.runCtx, m.cancelRun = context.WithCancel(ctx)

	events, cancel := m.queue.Subscribe(64)
	m.cancelSub = cancel
	m.loopDone = make(chan struct{})
	go m.eventLoop(events, m.loopDone)

	if n := m.queue.ProcessDue(m.cfg.Now()); n > 0 {
		logging.Info("Resuming replayed operations", map[string]interface{}{"count": n})
	}
}

// Close stops the event loop and waits for in-flight work. Operations still
// queued stay persisted for the next start.
func (m *Manager) Close() {
	m.lifeMu.Lock()
	started := m.started
	m.started = false
	m.cancelRun()
	cancelSub, loopDone := m.cancelSub, m.loopDone
	m.lifeMu.Unlock()

	if started {
		cancelSub()
		<-loopDone
	}
	m.exec.Wait()
	m.bg.Wait()
	m.observers.close()
}

func (m *Manager) context() context.Context {
	m.lifeMu.Lock()
	defer m.lifeMu.Unlock()
	return m.runCtx
}

// Observe registers fn for every subsequent Change.
func (m *Manager) Observe(fn func(Change)) (cancel func()) {
	return m.observers.add(fn)
}

// PendingRequestsCount counts incoming requests awaiting a decision.
func (m *Manager) PendingRequestsCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pendingCountLocked()
}

func (m *Manager) pendingCountLocked() int {
	n := 0
	for _, mc := range m.connections {
		if mc.Connection.ToUserID == m.cfg.UserID && mc.Connection.Status == models.ConnectionStatusPending {
			n++
		}
	}
	return n
}

// Connections returns a snapshot of tracked connections, newest first.
func (m *Manager) Connections() []models.ManagedConnection {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]models.ManagedConnection, 0, len(m.connections))
	for _, mc := range m.connections {
		out = append(out, *mc)
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].Connection, out[j].Connection
		if a.UpdatedAt != b.UpdatedAt {
			return a.UpdatedAt > b.UpdatedAt
		}
		return a.ID < b.ID
	})
	return out
}

// Connection returns the tracked connection with id.
func (m *Manager) Connection(id string) (models.ManagedConnection, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	mc, ok := m.connections[id]
	if !ok {
		return models.ManagedConnection{}, false
	}
	return *mc, true
}

// Failures returns operations that exhausted their retries, oldest first.
func (m *Manager) Failures() []models.FailedOperation {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]models.FailedOperation, 0, len(m.failures))
	for _, f := range m.failures {
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].FailedAt != out[j].FailedAt {
			return out[i].FailedAt < out[j].FailedAt
		}
		return out[i].EntityID < out[j].EntityID
	})
	return out
}

// Queue exposes the operation queue for read-only inspection.
func (m *Manager) Queue() *queue.Queue {
	return m.queue
}

// changeLocked builds the Change for id from current state.
func (m *Manager) changeLocked(id string) Change {
	c := Change{ConnectionID: id, PendingRequestsCount: m.pendingCountLocked()}
	if mc, ok := m.connections[id]; ok {
		state := mc.SyncState
		c.SyncState = &state
	} else if id != "" {
		c.Removed = true
	}
	return c
}

func (m *Manager) bulkChangeLocked() Change {
	return Change{PendingRequestsCount: m.pendingCountLocked()}
}

// setStateLocked updates the sync state of a tracked connection. It reports
// whether anything changed.
func (m *Manager) setStateLocked(id string, state models.SyncState) bool {
	mc, ok := m.connections[id]
	if !ok || mc.SyncState == state {
		return false
	}
	mc.SyncState = state
	return true
}

// removalPendingLocked reports whether id is being removed: a removal is
// queued for it or one failed permanently.
func (m *Manager) removalPendingLocked(id string) bool {
	if f, ok := m.failures[id]; ok && f.OperationType.IsRemoval() {
		return true
	}
	op, ok := m.queue.ActiveOperation(id)
	return ok && op.OperationType.IsRemoval()
}

// deriveStateLocked computes the sync state of id from queue truth and the
// failure log.
func (m *Manager) deriveStateLocked(id string) models.SyncState {
	if f, ok := m.failures[id]; ok {
		return models.SyncFailed(f.Error)
	}
	op, ok := m.queue.ActiveOperation(id)
	if !ok {
		return models.Synced()
	}
	if op.Status == models.OperationStatusFailed && op.Attempts > 0 {
		return models.PendingSync(op.Attempts)
	}
	return models.Syncing()
}

func (m *Manager) recordFailureLocked(f models.FailedOperation) {
	m.failures[f.EntityID] = f
	if m.failStore == nil {
		return
	}
	if err := m.failStore.SaveFailure(&f); err != nil {
		logging.ErrorWithCode("Failed to persist failure entry", string(apperrors.ErrDatabase), err,
			map[string]interface{}{"connection_id": f.EntityID})
	}
}

func (m *Manager) clearFailureLocked(id string) {
	if _, ok := m.failures[id]; !ok {
		return
	}
	delete(m.failures, id)
	if m.failStore == nil {
		return
	}
	if err := m.failStore.DeleteFailure(id); err != nil {
		logging.ErrorWithCode("Failed to clear failure entry", string(apperrors.ErrDatabase), err,
			map[string]interface{}{"connection_id": id})
	}
}

func (m *Manager) encode(c models.Connection) ([]byte, error) {
	payload, err := models.EncodeConnection(c)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInternal, fmt.Sprintf("encode connection %s", c.ID), err)
	}
	return payload, nil
}
