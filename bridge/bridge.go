// Package bridge publishes stack events to WebSocket subscribers, so UIs
// and tooling can observe scans, connections, and notifications without
// linking against the stack.
package bridge

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	aqua "github.com/jnorth314/Aquamarine"
)

// Event types carried in the envelope.
const (
	EventAdvertisement = "advertisement"
	EventConnection    = "connection"
	EventNotification  = "notification"
	EventFault         = "fault"
)

// Event is the wire envelope every broadcast uses.
type Event struct {
	Type      string      `json:"type"`
	Timestamp int64       `json:"timestamp"`
	Data      interface{} `json:"data"`
}

// ConnectionData describes a connection state change.
type ConnectionData struct {
	Address string `json:"address"`
	Handle  uint8  `json:"handle"`
	State   string `json:"state"`
	Reason  uint16 `json:"reason,omitempty"`
}

// writeTimeout bounds how long one slow client can hold up a broadcast.
const writeTimeout = 100 * time.Millisecond

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Hub fans events out to all connected WebSocket clients. Clients that
// fail a write are dropped.
type Hub struct {
	log aqua.Logger

	mu      sync.Mutex
	clients map[*websocket.Conn]bool
}

func NewHub() *Hub {
	return &Hub{
		log:     aqua.GetLogger().ChildLogger(map[string]interface{}{"pkg": "bridge"}),
		clients: make(map[*websocket.Conn]bool),
	}
}

// ServeHTTP upgrades the request and registers the client. The read side
// is drained only to detect the close.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warnf("websocket upgrade: %v", err)
		return
	}

	h.addClient(conn)

	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				h.removeClient(conn)
				return
			}
		}
	}()
}

func (h *Hub) addClient(conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[conn] = true
}

func (h *Hub) removeClient(conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[conn]; ok {
		delete(h.clients, conn)
		conn.Close()
	}
}

// ClientCount returns the number of connected subscribers.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Close disconnects every client.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for conn := range h.clients {
		conn.Close()
		delete(h.clients, conn)
	}
}

// Broadcast sends one event to every client. Writes run concurrently so a
// stalled client only costs the write timeout; failed clients are pruned.
func (h *Hub) Broadcast(event Event) {
	if event.Timestamp == 0 {
		event.Timestamp = time.Now().UnixMilli()
	}

	h.mu.Lock()
	clients := make([]*websocket.Conn, 0, len(h.clients))
	for conn := range h.clients {
		clients = append(clients, conn)
	}
	h.mu.Unlock()

	var wg sync.WaitGroup
	var failedMu sync.Mutex
	var failed []*websocket.Conn

	for _, conn := range clients {
		wg.Add(1)
		go func(c *websocket.Conn) {
			defer wg.Done()

			c.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.WriteJSON(event); err != nil {
				failedMu.Lock()
				failed = append(failed, c)
				failedMu.Unlock()
			}
		}(conn)
	}

	wg.Wait()

	for _, conn := range failed {
		h.log.Debugf("dropping stalled websocket client")
		h.removeClient(conn)
	}
}

// PublishAdvertisement broadcasts one scan report.
func (h *Hub) PublishAdvertisement(a aqua.Advertisement) {
	h.Broadcast(Event{Type: EventAdvertisement, Data: a.ToMap()})
}

// PublishConnection broadcasts a connection state change.
func (h *Hub) PublishConnection(addr aqua.Addr, handle uint8, state string, reason uint16) {
	h.Broadcast(Event{Type: EventConnection, Data: ConnectionData{
		Address: addr.String(),
		Handle:  handle,
		State:   state,
		Reason:  reason,
	}})
}

// PublishNotification broadcasts one characteristic value push.
func (h *Hub) PublishNotification(n aqua.Notification) {
	h.Broadcast(Event{Type: EventNotification, Data: n})
}

// PublishFault broadcasts a fatal stack error.
func (h *Hub) PublishFault(err error) {
	h.Broadcast(Event{Type: EventFault, Data: map[string]string{"error": err.Error()}})
}
