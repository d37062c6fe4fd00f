// Package notify pushes queue lifecycle events, connection changes and the
// pending-request badge to WebSocket clients.
package notify

import (
	"encoding/json"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/kimhsiao/connsync/internal/logging"
	"github.com/kimhsiao/connsync/internal/uuid"
)

const (
	sendBuffer = 256
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
	writeWait  = 10 * time.Second
)

// Envelope wraps every pushed message.
type Envelope struct {
	Type      string                 `json:"type"`
	Data      map[string]interface{} `json:"data"`
	Timestamp int64                  `json:"timestamp"`
}

type message struct {
	typ     string
	payload []byte
}

type reply struct {
	client  *client
	payload []byte
}

// Hub tracks connected clients and fans messages out to them. All client
// registration and channel closing happens on the run goroutine.
type Hub struct {
	clients    map[string]*client
	mu         sync.RWMutex
	broadcast  chan message
	direct     chan reply
	register   chan *client
	unregister chan *client
	done       chan struct{}
	stopped    chan struct{}
	once       sync.Once
	now        func() time.Time

	lastBadge atomic.Int64
}

// NewHub starts a hub.
func NewHub() *Hub {
	h := &Hub{
		clients:    make(map[string]*client),
		broadcast:  make(chan message, sendBuffer),
		direct:     make(chan reply, sendBuffer),
		register:   make(chan *client),
		unregister: make(chan *client),
		done:       make(chan struct{}),
		stopped:    make(chan struct{}),
		now:        time.Now,
	}
	h.lastBadge.Store(-1)
	go h.run()
	return h
}

func (h *Hub) run() {
	defer close(h.stopped)
	for {
		select {
		case c := <-h.register:
			h.mu.Lock()
			h.clients[c.id] = c
			total := len(h.clients)
			h.mu.Unlock()
			logging.Info("WebSocket client connected", map[string]interface{}{"client_id": c.id, "total": total})

		case c := <-h.unregister:
			h.mu.Lock()
			h.drop(c)
			total := len(h.clients)
			h.mu.Unlock()
			logging.Info("WebSocket client disconnected", map[string]interface{}{"client_id": c.id, "total": total})

		case r := <-h.direct:
			h.mu.Lock()
			if _, ok := h.clients[r.client.id]; ok {
				h.deliver(r.client, r.payload)
			}
			h.mu.Unlock()

		case m := <-h.broadcast:
			h.mu.Lock()
			for _, c := range h.clients {
				if c.wants(m.typ) {
					h.deliver(c, m.payload)
				}
			}
			h.mu.Unlock()

		case <-h.done:
			h.mu.Lock()
			for _, c := range h.clients {
				h.drop(c)
			}
			h.mu.Unlock()
			return
		}
	}
}

// deliver queues payload for c, disconnecting clients that fall behind.
// Callers hold mu.
func (h *Hub) deliver(c *client, payload []byte) {
	select {
	case c.send <- payload:
	default:
		logging.Warn("WebSocket client too slow, disconnecting", map[string]interface{}{"client_id": c.id})
		h.drop(c)
	}
}

func (h *Hub) drop(c *client) {
	if _, ok := h.clients[c.id]; !ok {
		return
	}
	delete(h.clients, c.id)
	close(c.send)
}

// Close disconnects every client and stops the hub.
func (h *Hub) Close() {
	h.once.Do(func() { close(h.done) })
	<-h.stopped
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Broadcast sends a message to every client subscribed to messageType.
func (h *Hub) Broadcast(messageType string, data map[string]interface{}) {
	payload, err := json.Marshal(Envelope{
		Type:      messageType,
		Data:      data,
		Timestamp: h.now().UnixMilli(),
	})
	if err != nil {
		logging.Error("Failed to marshal WebSocket message", err, map[string]interface{}{"type": messageType})
		return
	}

	select {
	case h.broadcast <- message{typ: messageType, payload: payload}:
	case <-h.done:
	}
}

func (h *Hub) send(c *client, envelope map[string]interface{}) {
	envelope["timestamp"] = h.now().UnixMilli()
	payload, err := json.Marshal(envelope)
	if err != nil {
		return
	}
	select {
	case h.direct <- reply{client: c, payload: payload}:
	case <-h.done:
	}
}

// Handler upgrades requests to WebSocket connections. Browser origins must be
// local or listed in allowedOrigins.
func (h *Hub) Handler(allowedOrigins []string) http.HandlerFunc {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     originChecker(allowedOrigins),
	}

	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logging.Warn("WebSocket upgrade failed", map[string]interface{}{"error": err.Error(), "remote": r.RemoteAddr})
			return
		}

		c := &client{
			id:            uuid.New(),
			conn:          conn,
			send:          make(chan []byte, sendBuffer),
			hub:           h,
			subscriptions: make(map[string]bool),
		}
		select {
		case h.register <- c:
		case <-h.done:
			conn.Close()
			return
		}

		go c.writePump()
		go c.readPump()
	}
}

func originChecker(allowed []string) func(r *http.Request) bool {
	set := make(map[string]bool, len(allowed))
	for _, o := range allowed {
		set[o] = true
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" || set[origin] {
			return true
		}
		u, err := url.Parse(origin)
		if err != nil {
			return false
		}
		switch u.Hostname() {
		case "localhost", "127.0.0.1", "::1":
			return true
		}
		return false
	}
}
