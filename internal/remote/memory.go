package remote

import (
	"context"
	"sort"
	"sync"

	"github.com/kimhsiao/connsync/internal/models"
)

// Call records a single request made against a MemoryStore.
type Call struct {
	Method       string
	ConnectionID string
}

// MemoryStore is an in-process Store with failure injection, used by tests
// and by the memory backend.
type MemoryStore struct {
	mu       sync.Mutex
	records  map[string]models.Connection
	err      error
	failNext []error
	gate     <-chan struct{}
	calls    []Call
}

// NewMemoryStore instantiates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]models.Connection)}
}

// WithError makes every subsequent call fail with err until cleared with nil.
func (m *MemoryStore) WithError(err error) *MemoryStore {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
	return m
}

// FailNext queues errors returned by the next calls, one per call.
func (m *MemoryStore) FailNext(errs ...error) *MemoryStore {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failNext = append(m.failNext, errs...)
	return m
}

// WithGate blocks every call until gate yields or is closed.
func (m *MemoryStore) WithGate(gate <-chan struct{}) *MemoryStore {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gate = gate
	return m
}

// Put seeds records directly, bypassing failure injection.
func (m *MemoryStore) Put(conns ...models.Connection) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range conns {
		m.records[c.ID] = c
	}
}

// Get returns the stored record with id.
func (m *MemoryStore) Get(id string) (models.Connection, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.records[id]
	return c, ok
}

// Len returns the number of stored records.
func (m *MemoryStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.records)
}

// Calls returns a snapshot of recorded calls.
func (m *MemoryStore) Calls() []Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Call(nil), m.calls...)
}

// CallCount returns how many times method was invoked.
func (m *MemoryStore) CallCount(method string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.calls {
		if c.Method == method {
			n++
		}
	}
	return n
}

// enter records the call, waits on the gate and returns any injected error.
func (m *MemoryStore) enter(ctx context.Context, method, id string) error {
	m.mu.Lock()
	m.calls = append(m.calls, Call{Method: method, ConnectionID: id})
	gate := m.gate
	m.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return classify(method, ctx.Err())
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.failNext) > 0 {
		err := m.failNext[0]
		m.failNext = m.failNext[1:]
		return err
	}
	return m.err
}

func (m *MemoryStore) Save(ctx context.Context, c models.Connection) (models.Connection, error) {
	if err := m.enter(ctx, "Save", c.ID); err != nil {
		return models.Connection{}, err
	}
	if err := validateForSave(c); err != nil {
		return models.Connection{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[c.ID] = c
	return c, nil
}

func (m *MemoryStore) FetchConnections(ctx context.Context, userID string) ([]models.Connection, error) {
	if err := m.enter(ctx, "FetchConnections", ""); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []models.Connection
	for _, c := range m.records {
		if c.Involves(userID) {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryStore) DeleteConnection(ctx context.Context, c models.Connection) error {
	if err := m.enter(ctx, "DeleteConnection", c.ID); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.records[c.ID]; !ok {
		return NotFound(c.ID)
	}
	delete(m.records, c.ID)
	return nil
}

func (m *MemoryStore) ConnectionExists(ctx context.Context, a, b string) (bool, error) {
	if err := m.enter(ctx, "ConnectionExists", ""); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.records {
		if c.Between(a, b) {
			return true, nil
		}
	}
	return false, nil
}

func (m *MemoryStore) Close(context.Context) error {
	return nil
}

var _ Store = (*MemoryStore)(nil)
