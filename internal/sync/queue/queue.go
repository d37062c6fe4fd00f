// Package queue is the durable queue of remote mutations waiting to reach the
// remote store. It owns retry scheduling with exponential backoff and
// publishes every lifecycle transition as an ordered event stream.
package queue

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/kimhsiao/connsync/internal/db"
	apperrors "github.com/kimhsiao/connsync/internal/errors"
	"github.com/kimhsiao/connsync/internal/logging"
	"github.com/kimhsiao/connsync/internal/models"
	"github.com/kimhsiao/connsync/internal/uuid"
)

// Config holds retry policy values.
type Config struct {
	MaxAttempts int
	BackoffBase time.Duration
	BackoffCap  time.Duration
	Now         func() time.Time
}

// DefaultConfig returns 5 attempts with 1s base backoff capped at 30s.
func DefaultConfig() Config {
	return Config{
		MaxAttempts: 5,
		BackoffBase: time.Second,
		BackoffCap:  30 * time.Second,
		Now:         time.Now,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = d.MaxAttempts
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = d.BackoffBase
	}
	if c.BackoffCap < c.BackoffBase {
		c.BackoffCap = d.BackoffCap
		if c.BackoffCap < c.BackoffBase {
			c.BackoffCap = c.BackoffBase
		}
	}
	if c.Now == nil {
		c.Now = d.Now
	}
	return c
}

// Backoff returns min(base*2^attempts, ceiling).
func Backoff(attempts int, base, ceiling time.Duration) time.Duration {
	if attempts < 0 {
		attempts = 0
	}
	if attempts >= 62 {
		return ceiling
	}
	d := base << uint(attempts)
	if d <= 0 || d > ceiling || d/base != 1<<uint(attempts) {
		return ceiling
	}
	return d
}

type entry struct {
	op models.PendingOperation
	// announced is false for operations reloaded from disk until the driver
	// re-emits them.
	announced bool
}

// Queue holds at most one active operation per entity.
type Queue struct {
	mu       sync.Mutex
	cfg      Config
	store    db.OperationStore
	ops      map[string]*entry // by operation id
	byEntity map[string]string // entity key -> operation id
	events   *broadcaster
}

// New creates a queue backed by store and replays its persisted entries.
// Entries left in progress by a crash are reset to pending. A nil store
// keeps the queue in memory only.
func New(store db.OperationStore, cfg Config) (*Queue, error) {
	q := &Queue{
		cfg:      cfg.withDefaults(),
		store:    store,
		ops:      make(map[string]*entry),
		byEntity: make(map[string]string),
		events:   newBroadcaster(),
	}
	if store == nil {
		return q, nil
	}

	persisted, err := store.LoadOperations()
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "load pending operations", err)
	}

	now := q.cfg.Now().UnixMilli()
	for _, op := range persisted {
		if op.Status == models.OperationStatusInProgress {
			op.Status = models.OperationStatusPending
			op.NextRetryAt = now
			if err := store.SaveOperation(op); err != nil {
				return nil, apperrors.Wrap(apperrors.ErrDatabase, "reset interrupted operation", err)
			}
			logging.Warn("Reset interrupted operation", map[string]interface{}{
				"operation_id": op.ID,
				"entity_id":    op.EntityID,
				"type":         op.OperationType,
			})
		}
		q.ops[op.ID] = &entry{op: *op}
		q.byEntity[entityKey(op.EntityType, op.EntityID)] = op.ID
	}

	if len(persisted) > 0 {
		logging.Info("Replayed pending operations", map[string]interface{}{"count": len(persisted)})
	}
	return q, nil
}

func entityKey(entityType models.EntityType, entityID string) string {
	return string(entityType) + ":" + entityID
}

// Subscribe returns a channel receiving every event published after the call,
// in order. The channel is closed after cancel is called or the queue closes.
func (q *Queue) Subscribe(buffer int) (<-chan Event, func()) {
	return q.events.subscribe(buffer)
}

// Close ends all subscriptions.
func (q *Queue) Close() {
	q.events.closeAll()
}

// AddOperation enqueues a new pending operation. It fails with
// DUPLICATE_OPERATION when the entity already has an active operation.
func (q *Queue) AddOperation(opType models.OperationType, entityType models.EntityType, entityID string, payload []byte) (models.PendingOperation, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if err := validate(opType, entityID); err != nil {
		return models.PendingOperation{}, err
	}
	if id, ok := q.byEntity[entityKey(entityType, entityID)]; ok {
		existing := q.ops[id].op
		return models.PendingOperation{}, apperrors.Newf(apperrors.ErrDuplicateOperation,
			"entity %s already has an active %s operation", entityID, existing.OperationType)
	}

	op := q.newOperation(opType, entityType, entityID, payload)
	if q.store != nil {
		if err := q.store.SaveOperation(&op); err != nil {
			return models.PendingOperation{}, apperrors.Wrap(apperrors.ErrDatabase, "persist operation", err)
		}
	}
	q.insert(op)

	logging.Info("Operation enqueued", map[string]interface{}{
		"operation_id": op.ID,
		"entity_id":    entityID,
		"type":         opType,
	})
	q.publish(Event{Type: EventOperationAdded, Operation: op})
	return op, nil
}

// Supersede replaces the entity's active operation with a new one, or adds
// it if there is none. An operation already executing cannot be replaced and
// yields OPERATION_IN_FLIGHT.
func (q *Queue) Supersede(opType models.OperationType, entityType models.EntityType, entityID string, payload []byte) (models.PendingOperation, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if err := validate(opType, entityID); err != nil {
		return models.PendingOperation{}, err
	}

	key := entityKey(entityType, entityID)
	oldID, exists := q.byEntity[key]
	if exists && q.ops[oldID].op.Status == models.OperationStatusInProgress {
		return models.PendingOperation{}, apperrors.Newf(apperrors.ErrOperationInFlight,
			"operation for %s is executing", entityID)
	}

	op := q.newOperation(opType, entityType, entityID, payload)
	if q.store != nil {
		var err error
		if exists {
			err = q.store.ReplaceOperation(oldID, &op)
		} else {
			err = q.store.SaveOperation(&op)
		}
		if err != nil {
			return models.PendingOperation{}, apperrors.Wrap(apperrors.ErrDatabase, "persist operation", err)
		}
	}

	if exists {
		logging.Info("Operation superseded", map[string]interface{}{
			"operation_id": oldID,
			"entity_id":    entityID,
			"replaced_by":  opType,
		})
		delete(q.ops, oldID)
		delete(q.byEntity, key)
	}
	q.insert(op)
	q.publish(Event{Type: EventOperationAdded, Operation: op})
	return op, nil
}

func validate(opType models.OperationType, entityID string) error {
	if !opType.Valid() {
		return apperrors.Newf(apperrors.ErrInvalid, "unknown operation type %q", opType)
	}
	if entityID == "" {
		return apperrors.New(apperrors.ErrInvalid, "entity id is required")
	}
	return nil
}

func (q *Queue) newOperation(opType models.OperationType, entityType models.EntityType, entityID string, payload []byte) models.PendingOperation {
	now := q.cfg.Now().UnixMilli()
	return models.PendingOperation{
		ID:            uuid.New(),
		EntityID:      entityID,
		EntityType:    entityType,
		OperationType: opType,
		Payload:       append([]byte(nil), payload...),
		Status:        models.OperationStatusPending,
		CreatedAt:     now,
		NextRetryAt:   now,
	}
}

func (q *Queue) insert(op models.PendingOperation) {
	q.ops[op.ID] = &entry{op: op, announced: true}
	q.byEntity[entityKey(op.EntityType, op.EntityID)] = op.ID
}

func (q *Queue) remove(e *entry) {
	delete(q.ops, e.op.ID)
	delete(q.byEntity, entityKey(e.op.EntityType, e.op.EntityID))
	if q.store != nil {
		if err := q.store.DeleteOperation(e.op.ID); err != nil {
			logging.ErrorWithCode("Failed to delete persisted operation", string(apperrors.ErrDatabase), err,
				map[string]interface{}{"operation_id": e.op.ID})
		}
	}
}

func (q *Queue) persist(e *entry) {
	if q.store == nil {
		return
	}
	if err := q.store.SaveOperation(&e.op); err != nil {
		logging.ErrorWithCode("Failed to persist operation", string(apperrors.ErrDatabase), err,
			map[string]interface{}{"operation_id": e.op.ID, "status": e.op.Status})
	}
}

func (q *Queue) publish(e Event) {
	q.events.publish(e)
}

func (q *Queue) publishEmptyIfDrained() {
	if len(q.ops) == 0 {
		q.publish(Event{Type: EventQueueEmpty})
	}
}

// MarkInProgress flags an operation as executing.
func (q *Queue) MarkInProgress(opID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	e, ok := q.ops[opID]
	if !ok {
		return apperrors.Newf(apperrors.ErrNotFound, "operation %s not found", opID)
	}
	switch {
	case e.op.Status == models.OperationStatusInProgress:
		return apperrors.Newf(apperrors.ErrOperationInFlight, "operation %s is already executing", opID)
	case e.op.Status != models.OperationStatusPending:
		return apperrors.Newf(apperrors.ErrOperationNotDue, "operation %s is %s, waiting for its retry", opID, e.op.Status)
	case e.op.NextRetryAt > q.cfg.Now().UnixMilli():
		return apperrors.Newf(apperrors.ErrOperationNotDue, "operation %s is not due before %d", opID, e.op.NextRetryAt)
	}

	e.op.Status = models.OperationStatusInProgress
	e.announced = true
	q.persist(e)

	logging.Debug("Operation started", map[string]interface{}{
		"operation_id": opID,
		"entity_id":    e.op.EntityID,
		"attempt":      e.op.Attempts + 1,
	})
	q.publish(Event{Type: EventOperationStarted, Operation: e.op})
	return nil
}

// MarkCompleted removes the entity's active operation after it reached the
// remote store.
func (q *Queue) MarkCompleted(entityID string, entityType models.EntityType) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	id, ok := q.byEntity[entityKey(entityType, entityID)]
	if !ok {
		return apperrors.Newf(apperrors.ErrNotFound, "no active operation for %s", entityID)
	}
	e := q.ops[id]
	q.remove(e)

	done := e.op
	done.Status = models.OperationStatusCompleted

	logging.Info("Operation completed", map[string]interface{}{
		"operation_id": done.ID,
		"entity_id":    entityID,
		"type":         done.OperationType,
		"attempts":     done.Attempts + 1,
	})
	q.publish(Event{Type: EventOperationCompleted, Operation: done})
	q.publishEmptyIfDrained()
	return nil
}

// MarkFailed records a failed attempt. Transient failures are scheduled for
// retry after Backoff(attempts); the operation is evicted and reported as
// permanent once MaxAttempts is reached or when cause is not retryable.
func (q *Queue) MarkFailed(opID string, cause error) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	e, ok := q.ops[opID]
	if !ok {
		return false, apperrors.Newf(apperrors.ErrNotFound, "operation %s not found", opID)
	}
	if cause == nil {
		cause = fmt.Errorf("unknown failure")
	}

	delay := Backoff(e.op.Attempts, q.cfg.BackoffBase, q.cfg.BackoffCap)
	e.op.Attempts++
	e.op.LastError = cause.Error()

	if e.op.Attempts >= q.cfg.MaxAttempts || !apperrors.IsTransient(cause) {
		q.remove(e)
		failed := e.op
		failed.Status = models.OperationStatusFailed

		logging.ErrorWithCode("Operation failed permanently", string(apperrors.ErrMaxRetriesExceeded), cause,
			map[string]interface{}{
				"operation_id": opID,
				"entity_id":    failed.EntityID,
				"type":         failed.OperationType,
				"attempts":     failed.Attempts,
			})
		q.publish(Event{Type: EventOperationFailed, Operation: failed, Error: failed.LastError, Permanent: true})
		q.publishEmptyIfDrained()
		return true, apperrors.Wrap(apperrors.ErrMaxRetriesExceeded,
			fmt.Sprintf("operation %s gave up after %d attempts", opID, failed.Attempts), cause)
	}

	e.op.Status = models.OperationStatusFailed
	e.op.NextRetryAt = q.cfg.Now().Add(delay).UnixMilli()
	q.persist(e)

	logging.Warn("Operation failed, retry scheduled", map[string]interface{}{
		"operation_id": opID,
		"entity_id":    e.op.EntityID,
		"attempts":     e.op.Attempts,
		"retry_in":     delay.String(),
		"error":        e.op.LastError,
	})
	q.publish(Event{Type: EventOperationFailed, Operation: e.op, Error: e.op.LastError})
	return false, nil
}

// ProcessDue resumes every operation whose retry time has arrived, plus any
// reloaded operation not yet announced, emitting operationRetrying for each.
// It returns the number of operations resumed.
func (q *Queue) ProcessDue(now time.Time) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	nowMs := now.UnixMilli()
	var due []*entry
	for _, e := range q.ops {
		if e.op.NextRetryAt > nowMs {
			continue
		}
		switch {
		case e.op.Status == models.OperationStatusFailed:
		case e.op.Status == models.OperationStatusPending && !e.announced:
		default:
			continue
		}
		due = append(due, e)
	}
	sort.Slice(due, func(i, j int) bool { return less(due[i].op, due[j].op) })

	for _, e := range due {
		e.op.Status = models.OperationStatusPending
		e.announced = true
		q.persist(e)
		logging.Debug("Operation retrying", map[string]interface{}{
			"operation_id": e.op.ID,
			"entity_id":    e.op.EntityID,
			"attempts":     e.op.Attempts,
		})
		q.publish(Event{Type: EventOperationRetrying, Operation: e.op})
	}
	return len(due)
}

// RetryOperation resets the attempt count of the entity's active operation and
// re-announces it. It returns nil when no such operation exists; an executing
// operation is returned untouched.
func (q *Queue) RetryOperation(entityID string, entityType models.EntityType) *models.PendingOperation {
	q.mu.Lock()
	defer q.mu.Unlock()

	id, ok := q.byEntity[entityKey(entityType, entityID)]
	if !ok {
		return nil
	}
	e := q.ops[id]
	if e.op.Status == models.OperationStatusInProgress {
		op := e.op
		return &op
	}

	e.op.Attempts = 0
	e.op.LastError = ""
	e.op.Status = models.OperationStatusPending
	e.op.NextRetryAt = q.cfg.Now().UnixMilli()
	e.announced = true
	q.persist(e)

	logging.Info("Operation manually retried", map[string]interface{}{
		"operation_id": e.op.ID,
		"entity_id":    entityID,
	})
	q.publish(Event{Type: EventOperationRetrying, Operation: e.op})
	op := e.op
	return &op
}

// RemoveOperation hard-deletes an operation.
func (q *Queue) RemoveOperation(opID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	e, ok := q.ops[opID]
	if !ok {
		return apperrors.Newf(apperrors.ErrNotFound, "operation %s not found", opID)
	}
	q.remove(e)
	logging.Info("Operation removed", map[string]interface{}{"operation_id": opID, "entity_id": e.op.EntityID})
	q.publishEmptyIfDrained()
	return nil
}

// GetOperations returns the operations targeting entityID.
func (q *Queue) GetOperations(entityID string) []models.PendingOperation {
	q.mu.Lock()
	defer q.mu.Unlock()

	var out []models.PendingOperation
	for _, e := range q.ops {
		if e.op.EntityID == entityID {
			out = append(out, e.op)
		}
	}
	sort.Slice(out, func(i, j int) bool { return less(out[i], out[j]) })
	return out
}

// GetAllOperations returns every queued operation in enqueue order.
func (q *Queue) GetAllOperations() []models.PendingOperation {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]models.PendingOperation, 0, len(q.ops))
	for _, e := range q.ops {
		out = append(out, e.op)
	}
	sort.Slice(out, func(i, j int) bool { return less(out[i], out[j]) })
	return out
}

// ActiveOperation returns the active connection operation for entityID.
func (q *Queue) ActiveOperation(entityID string) (models.PendingOperation, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	id, ok := q.byEntity[entityKey(models.EntityConnection, entityID)]
	if !ok {
		return models.PendingOperation{}, false
	}
	return q.ops[id].op, true
}

// HasActiveOperation reports whether entityID has an operation in the queue.
func (q *Queue) HasActiveOperation(entityID string) bool {
	_, ok := q.ActiveOperation(entityID)
	return ok
}

// Len returns the number of queued operations.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.ops)
}

// Stats counts queued operations by status.
type Stats struct {
	Total      int `json:"total"`
	Pending    int `json:"pending"`
	InProgress int `json:"in_progress"`
	Failed     int `json:"failed"`
}

// Stats returns queue statistics.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()

	var s Stats
	for _, e := range q.ops {
		s.Total++
		switch e.op.Status {
		case models.OperationStatusPending:
			s.Pending++
		case models.OperationStatusInProgress:
			s.InProgress++
		case models.OperationStatusFailed:
			s.Failed++
		}
	}
	return s
}

func less(a, b models.PendingOperation) bool {
	if a.CreatedAt != b.CreatedAt {
		return a.CreatedAt < b.CreatedAt
	}
	return a.ID < b.ID
}
