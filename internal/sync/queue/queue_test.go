package queue

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kimhsiao/connsync/internal/db"
	apperrors "github.com/kimhsiao/connsync/internal/errors"
	"github.com/kimhsiao/connsync/internal/models"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.UnixMilli(1_700_000_000_000)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

var errOffline = apperrors.New(apperrors.ErrNetwork, "offline")

func newTestQueue(t *testing.T, store db.OperationStore, clock *fakeClock) *Queue {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Now = clock.Now
	q, err := New(store, cfg)
	require.NoError(t, err)
	t.Cleanup(q.Close)
	return q
}

func newRepository(t *testing.T, dir string) *db.Repository {
	t.Helper()
	database, err := db.Open(dir)
	require.NoError(t, err)
	repo := db.NewRepository(database.DB)
	t.Cleanup(func() {
		repo.Close()
		database.Close()
	})
	return repo
}

func next(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case e, ok := <-ch:
		require.True(t, ok, "event channel closed")
		return e
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}

func TestBackoff(t *testing.T) {
	want := []time.Duration{1, 2, 4, 8, 16, 30, 30}
	prev := time.Duration(0)
	for attempts, w := range want {
		got := Backoff(attempts, time.Second, 30*time.Second)
		assert.Equal(t, w*time.Second, got, "attempts=%d", attempts)
		assert.GreaterOrEqual(t, got, prev)
		prev = got
	}
	assert.Equal(t, 30*time.Second, Backoff(200, time.Second, 30*time.Second))
}

func TestAddOperation(t *testing.T) {
	clock := newFakeClock()
	q := newTestQueue(t, nil, clock)

	op, err := q.AddOperation(models.OperationCreate, models.EntityConnection, "c1", []byte(`{"id":"c1"}`))
	require.NoError(t, err)
	assert.NotEmpty(t, op.ID)
	assert.Equal(t, models.OperationStatusPending, op.Status)
	assert.Equal(t, clock.Now().UnixMilli(), op.CreatedAt)
	assert.True(t, q.HasActiveOperation("c1"))

	_, err = q.AddOperation(models.OperationAcceptConnection, models.EntityConnection, "c1", nil)
	assert.True(t, apperrors.Is(err, apperrors.ErrDuplicateOperation))
	assert.Len(t, q.GetOperations("c1"), 1)

	_, err = q.AddOperation("bogus", models.EntityConnection, "c2", nil)
	assert.True(t, apperrors.Is(err, apperrors.ErrInvalid))
}

func TestEvents_orderedLifecycle(t *testing.T) {
	q := newTestQueue(t, nil, newFakeClock())
	events, cancel := q.Subscribe(0)
	defer cancel()

	op, err := q.AddOperation(models.OperationCreate, models.EntityConnection, "c1", nil)
	require.NoError(t, err)
	require.NoError(t, q.MarkInProgress(op.ID))
	require.NoError(t, q.MarkCompleted("c1", models.EntityConnection))

	var types []EventType
	var last uint64
	for i := 0; i < 4; i++ {
		e := next(t, events)
		assert.Greater(t, e.Seq, last)
		last = e.Seq
		types = append(types, e.Type)
	}
	assert.Equal(t, []EventType{
		EventOperationAdded, EventOperationStarted, EventOperationCompleted, EventQueueEmpty,
	}, types)
	assert.Zero(t, q.Len())
}

func TestEvents_multipleSubscribersSeeSameOrder(t *testing.T) {
	q := newTestQueue(t, nil, newFakeClock())
	a, cancelA := q.Subscribe(1)
	defer cancelA()
	b, cancelB := q.Subscribe(0)
	defer cancelB()

	for _, id := range []string{"c1", "c2", "c3"} {
		_, err := q.AddOperation(models.OperationDelete, models.EntityConnection, id, nil)
		require.NoError(t, err)
	}

	for _, want := range []string{"c1", "c2", "c3"} {
		assert.Equal(t, want, next(t, a).Operation.EntityID)
		assert.Equal(t, want, next(t, b).Operation.EntityID)
	}
}

func TestSubscribe_cancelClosesChannel(t *testing.T) {
	q := newTestQueue(t, nil, newFakeClock())
	events, cancel := q.Subscribe(0)
	cancel()

	select {
	case _, ok := <-events:
		assert.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("channel not closed")
	}
}

func TestMarkFailed_backoffThenEviction(t *testing.T) {
	clock := newFakeClock()
	q := newTestQueue(t, nil, clock)
	events, cancel := q.Subscribe(0)
	defer cancel()

	op, err := q.AddOperation(models.OperationCreate, models.EntityConnection, "c1", nil)
	require.NoError(t, err)
	assert.Equal(t, EventOperationAdded, next(t, events).Type)

	for i, delay := range []time.Duration{1, 2, 4, 8} {
		require.NoError(t, q.MarkInProgress(op.ID))
		assert.Equal(t, EventOperationStarted, next(t, events).Type)

		permanent, err := q.MarkFailed(op.ID, errOffline)
		require.NoError(t, err)
		assert.False(t, permanent)

		failed := next(t, events)
		assert.Equal(t, EventOperationFailed, failed.Type)
		assert.False(t, failed.Permanent)
		assert.Equal(t, i+1, failed.Operation.Attempts)
		assert.Equal(t, clock.Now().Add(delay*time.Second).UnixMilli(), failed.Operation.NextRetryAt)

		clock.Advance(delay*time.Second - time.Millisecond)
		assert.Zero(t, q.ProcessDue(clock.Now()), "not due yet")
		clock.Advance(time.Millisecond)
		assert.Equal(t, 1, q.ProcessDue(clock.Now()))
		assert.Equal(t, EventOperationRetrying, next(t, events).Type)
	}

	require.NoError(t, q.MarkInProgress(op.ID))
	next(t, events)

	permanent, err := q.MarkFailed(op.ID, errOffline)
	assert.True(t, permanent)
	assert.True(t, apperrors.Is(err, apperrors.ErrMaxRetriesExceeded))
	assert.ErrorIs(t, err, errOffline)

	failed := next(t, events)
	assert.Equal(t, EventOperationFailed, failed.Type)
	assert.True(t, failed.Permanent)
	assert.Equal(t, 5, failed.Operation.Attempts)
	assert.Equal(t, EventQueueEmpty, next(t, events).Type)
	assert.False(t, q.HasActiveOperation("c1"))
}

func TestMarkInProgress_honoursBackoff(t *testing.T) {
	clock := newFakeClock()
	q := newTestQueue(t, nil, clock)

	op, err := q.AddOperation(models.OperationCreate, models.EntityConnection, "c1", nil)
	require.NoError(t, err)
	require.NoError(t, q.MarkInProgress(op.ID))
	assert.True(t, apperrors.Is(q.MarkInProgress(op.ID), apperrors.ErrOperationInFlight))

	_, err = q.MarkFailed(op.ID, errOffline)
	require.NoError(t, err)

	err = q.MarkInProgress(op.ID)
	assert.True(t, apperrors.Is(err, apperrors.ErrOperationNotDue), "failed operation starts only after its retry is due")

	ops := q.GetOperations("c1")
	require.Len(t, ops, 1)
	assert.Equal(t, models.OperationStatusFailed, ops[0].Status)
	assert.Equal(t, 1, ops[0].Attempts)

	// Due but not yet moved back to pending by the driver.
	clock.Advance(time.Second)
	assert.True(t, apperrors.Is(q.MarkInProgress(op.ID), apperrors.ErrOperationNotDue))

	require.Equal(t, 1, q.ProcessDue(clock.Now()))
	require.NoError(t, q.MarkInProgress(op.ID))
}

func TestMarkFailed_nonTransientIsPermanent(t *testing.T) {
	q := newTestQueue(t, nil, newFakeClock())
	op, err := q.AddOperation(models.OperationAcceptConnection, models.EntityConnection, "c1", nil)
	require.NoError(t, err)

	permanent, err := q.MarkFailed(op.ID, apperrors.New(apperrors.ErrPermission, "not recipient"))
	assert.True(t, permanent)
	assert.Error(t, err)
	assert.Zero(t, q.Len())
}

func TestSupersede(t *testing.T) {
	q := newTestQueue(t, nil, newFakeClock())

	created, err := q.AddOperation(models.OperationCreate, models.EntityConnection, "c1", nil)
	require.NoError(t, err)

	replaced, err := q.Supersede(models.OperationDelete, models.EntityConnection, "c1", nil)
	require.NoError(t, err)
	assert.NotEqual(t, created.ID, replaced.ID)

	ops := q.GetOperations("c1")
	require.Len(t, ops, 1)
	assert.Equal(t, models.OperationDelete, ops[0].OperationType)

	require.NoError(t, q.MarkInProgress(replaced.ID))
	_, err = q.Supersede(models.OperationCreate, models.EntityConnection, "c1", nil)
	assert.True(t, apperrors.Is(err, apperrors.ErrOperationInFlight))

	fresh, err := q.Supersede(models.OperationRejectConnection, models.EntityConnection, "c2", nil)
	require.NoError(t, err)
	assert.Equal(t, models.OperationRejectConnection, fresh.OperationType)
}

func TestRetryOperation(t *testing.T) {
	clock := newFakeClock()
	q := newTestQueue(t, nil, clock)

	assert.Nil(t, q.RetryOperation("missing", models.EntityConnection))

	op, err := q.AddOperation(models.OperationCreate, models.EntityConnection, "c1", nil)
	require.NoError(t, err)
	_, err = q.MarkFailed(op.ID, errOffline)
	require.NoError(t, err)
	_, err = q.MarkFailed(op.ID, errOffline)
	require.NoError(t, err)

	retried := q.RetryOperation("c1", models.EntityConnection)
	require.NotNil(t, retried)
	assert.Zero(t, retried.Attempts)
	assert.Empty(t, retried.LastError)
	assert.Equal(t, models.OperationStatusPending, retried.Status)
	assert.Equal(t, clock.Now().UnixMilli(), retried.NextRetryAt)

	require.NoError(t, q.MarkInProgress(op.ID))
	inFlight := q.RetryOperation("c1", models.EntityConnection)
	require.NotNil(t, inFlight)
	assert.Equal(t, models.OperationStatusInProgress, inFlight.Status)
}

func TestRemoveOperationAndStats(t *testing.T) {
	clock := newFakeClock()
	q := newTestQueue(t, nil, clock)

	a, err := q.AddOperation(models.OperationCreate, models.EntityConnection, "c1", nil)
	require.NoError(t, err)
	clock.Advance(time.Millisecond)
	b, err := q.AddOperation(models.OperationDelete, models.EntityConnection, "c2", nil)
	require.NoError(t, err)
	_, err = q.AddOperation(models.OperationDelete, models.EntityConnection, "c3", nil)
	require.NoError(t, err)
	require.NoError(t, q.MarkInProgress(a.ID))
	_, err = q.MarkFailed(b.ID, errOffline)
	require.NoError(t, err)

	assert.Equal(t, Stats{Total: 3, Pending: 1, InProgress: 1, Failed: 1}, q.Stats())

	require.NoError(t, q.RemoveOperation(b.ID))
	assert.True(t, apperrors.Is(q.RemoveOperation(b.ID), apperrors.ErrNotFound))

	all := q.GetAllOperations()
	require.Len(t, all, 2)
	assert.Equal(t, "c1", all[0].EntityID)
}

func TestNew_replaysPersistedOperations(t *testing.T) {
	dir := t.TempDir()
	clock := newFakeClock()

	first := newTestQueue(t, newRepository(t, dir), clock)
	inFlight, err := first.AddOperation(models.OperationCreate, models.EntityConnection, "c1", []byte(`{"id":"c1"}`))
	require.NoError(t, err)
	require.NoError(t, first.MarkInProgress(inFlight.ID))
	clock.Advance(time.Millisecond)

	waiting, err := first.AddOperation(models.OperationDelete, models.EntityConnection, "c2", nil)
	require.NoError(t, err)
	_, err = first.MarkFailed(waiting.ID, errOffline)
	require.NoError(t, err)

	// Simulated restart on the same database file.
	second := newTestQueue(t, newRepository(t, dir), clock)
	events, cancel := second.Subscribe(0)
	defer cancel()

	ops := second.GetAllOperations()
	require.Len(t, ops, 2)
	assert.Equal(t, models.OperationStatusPending, ops[0].Status, "interrupted operation is reset")
	assert.JSONEq(t, `{"id":"c1"}`, string(ops[0].Payload))
	assert.Equal(t, 1, ops[1].Attempts)

	assert.Equal(t, 1, second.ProcessDue(clock.Now()))
	e := next(t, events)
	assert.Equal(t, EventOperationRetrying, e.Type)
	assert.Equal(t, "c1", e.Operation.EntityID)

	clock.Advance(time.Second)
	assert.Equal(t, 1, second.ProcessDue(clock.Now()))
	assert.Equal(t, "c2", next(t, events).Operation.EntityID)

	assert.Zero(t, second.ProcessDue(clock.Now()), "announced operations are not re-emitted")
}

func TestAddOperation_persistFailureRejects(t *testing.T) {
	q := newTestQueue(t, failingStore{}, newFakeClock())

	_, err := q.AddOperation(models.OperationCreate, models.EntityConnection, "c1", nil)
	assert.True(t, apperrors.Is(err, apperrors.ErrDatabase))
	assert.Zero(t, q.Len())
}

type failingStore struct{}

func (failingStore) SaveOperation(*models.PendingOperation) error { return errors.New("disk full") }
func (failingStore) DeleteOperation(string) error                 { return errors.New("disk full") }
func (failingStore) ReplaceOperation(string, *models.PendingOperation) error {
	return errors.New("disk full")
}
func (failingStore) LoadOperations() ([]*models.PendingOperation, error) { return nil, nil }
