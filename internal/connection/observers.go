package connection

import (
	"sort"
	"sync"

	"github.com/kimhsiao/connsync/internal/models"
)

// Change is delivered to observers after every state change.
type Change struct {
	// ConnectionID is empty for bulk changes (load, sync).
	ConnectionID         string            `json:"connection_id,omitempty"`
	SyncState            *models.SyncState `json:"sync_state,omitempty"`
	Removed              bool              `json:"removed,omitempty"`
	PendingRequestsCount int               `json:"pending_requests_count"`
}

// observerList delivers changes to callbacks in order, from its own
// goroutine, so callbacks may call back into the Manager.
type observerList struct {
	mu      sync.Mutex
	nextID  int
	fns     map[int]func(Change)
	pending []Change
	signal  chan struct{}
	done    chan struct{}
	stopped chan struct{}
	once    sync.Once
}

func newObserverList() *observerList {
	o := &observerList{
		fns:     make(map[int]func(Change)),
		signal:  make(chan struct{}, 1),
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	go o.run()
	return o
}

func (o *observerList) add(fn func(Change)) func() {
	o.mu.Lock()
	o.nextID++
	id := o.nextID
	o.fns[id] = fn
	o.mu.Unlock()

	return func() {
		o.mu.Lock()
		delete(o.fns, id)
		o.mu.Unlock()
	}
}

func (o *observerList) push(changes ...Change) {
	if len(changes) == 0 {
		return
	}
	o.mu.Lock()
	o.pending = append(o.pending, changes...)
	o.mu.Unlock()

	select {
	case o.signal <- struct{}{}:
	default:
	}
}

// take returns queued changes and the callbacks to run, ordered by
// registration.
func (o *observerList) take() ([]Change, []func(Change)) {
	o.mu.Lock()
	defer o.mu.Unlock()

	changes := o.pending
	o.pending = nil
	if len(changes) == 0 {
		return nil, nil
	}

	ids := make([]int, 0, len(o.fns))
	for id := range o.fns {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	fns := make([]func(Change), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, o.fns[id])
	}
	return changes, fns
}

func (o *observerList) run() {
	defer close(o.stopped)
	for {
		changes, fns := o.take()
		for _, c := range changes {
			for _, fn := range fns {
				fn(c)
			}
		}
		if len(changes) > 0 {
			continue
		}
		select {
		case <-o.signal:
		case <-o.done:
			return
		}
	}
}

func (o *observerList) close() {
	o.once.Do(func() { close(o.done) })
	<-o.stopped
}
