package queue

import (
	"sync"

	"github.com/kimhsiao/connsync/internal/models"
)

// EventType names a queue lifecycle transition.
type EventType string

const (
	EventOperationAdded     EventType = "operationAdded"
	EventOperationStarted   EventType = "operationStarted"
	EventOperationRetrying  EventType = "operationRetrying"
	EventOperationFailed    EventType = "operationFailed"
	EventOperationCompleted EventType = "operationCompleted"
	EventQueueEmpty         EventType = "queueEmpty"
)

// Event is one lifecycle transition. Seq is strictly increasing across the
// queue, and every subscriber sees events in Seq order.
type Event struct {
	Seq       uint64                  `json:"seq"`
	Type      EventType               `json:"type"`
	Operation models.PendingOperation `json:"operation"`
	Error     string                  `json:"error,omitempty"`
	// Permanent is set on operationFailed when the operation was evicted.
	Permanent bool `json:"permanent,omitempty"`
}

// mailbox is an unbounded FIFO so publishing never blocks the queue.
type mailbox struct {
	mu     sync.Mutex
	events []Event
	signal chan struct{} // buffered, size 1
}

func newMailbox() *mailbox {
	return &mailbox{
		events: make([]Event, 0, 16),
		signal: make(chan struct{}, 1),
	}
}

func (m *mailbox) push(e Event) {
	m.mu.Lock()
	m.events = append(m.events, e)
	m.mu.Unlock()

	select {
	case m.signal <- struct{}{}:
	default:
	}
}

func (m *mailbox) pop() (Event, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.events) == 0 {
		return Event{}, false
	}
	e := m.events[0]
	m.events[0] = Event{}
	if len(m.events) == 1 {
		m.events = m.events[:0]
	} else {
		m.events = m.events[1:]
	}
	return e, true
}

type subscriber struct {
	box  *mailbox
	out  chan Event
	done chan struct{}
	once sync.Once
}

func (s *subscriber) stop() {
	s.once.Do(func() { close(s.done) })
}

// pump drains the mailbox into the subscriber channel until stopped.
func (s *subscriber) pump() {
	defer close(s.out)
	for {
		if e, ok := s.box.pop(); ok {
			select {
			case s.out <- e:
				continue
			case <-s.done:
				return
			}
		}
		select {
		case <-s.box.signal:
		case <-s.done:
			return
		}
	}
}

// broadcaster fans events out to every subscriber in publish order.
type broadcaster struct {
	mu     sync.Mutex
	seq    uint64
	nextID uint64
	subs   map[uint64]*subscriber
}

func newBroadcaster() *broadcaster {
	return &broadcaster{subs: make(map[uint64]*subscriber)}
}

func (b *broadcaster) publish(e Event) Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.seq++
	e.Seq = b.seq
	for _, s := range b.subs {
		s.box.push(e)
	}
	return e
}

func (b *broadcaster) subscribe(buffer int) (<-chan Event, func()) {
	if buffer < 0 {
		buffer = 0
	}
	s := &subscriber{
		box:  newMailbox(),
		out:  make(chan Event, buffer),
		done: make(chan struct{}),
	}

	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.subs[id] = s
	b.mu.Unlock()

	go s.pump()

	cancel := func() {
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
		s.stop()
	}
	return s.out, cancel
}

func (b *broadcaster) closeAll() {
	b.mu.Lock()
	subs := b.subs
	b.subs = make(map[uint64]*subscriber)
	b.mu.Unlock()

	for _, s := range subs {
		s.stop()
	}
}
