// internal/stream/hub.go
package stream

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"firetrack/internal/lifecycle"
	"firetrack/internal/syncqueue"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512
	sendBuffer     = 16
)

// Message types pushed to clients.
const (
	TypeSnapshot = "snapshot"
	TypeQueue    = "queue"
)

// Message is the envelope of every frame the hub writes.
type Message struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// SnapshotSource is the part of the repository the hub reads.
type SnapshotSource interface {
	Snapshot() lifecycle.Snapshot
	Subscribe() (<-chan lifecycle.Snapshot, func())
}

// QueueSource is the part of the sync queue the hub reads.
type QueueSource interface {
	Status() syncqueue.Status
	Subscribe() (<-chan syncqueue.Status, func())
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

type client struct {
	conn *websocket.Conn
	send chan []byte
}

// Hub pushes repository snapshots and queue status to WebSocket clients.
// A client that falls behind is disconnected rather than slowing the others.
type Hub struct {
	snapshots SnapshotSource
	queue     QueueSource
	logger    *slog.Logger

	mu      sync.Mutex
	clients map[*client]struct{}
	closed  bool
}

func NewHub(snapshots SnapshotSource, queue QueueSource, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		snapshots: snapshots,
		queue:     queue,
		logger:    logger,
		clients:   make(map[*client]struct{}),
	}
}

func (h *Hub) Routes(r chi.Router) {
	r.Get("/ws", h.ServeHTTP)
}

// Run forwards updates until ctx is done, then disconnects every client.
func (h *Hub) Run(ctx context.Context) error {
	snapshots, stopSnapshots := h.snapshots.Subscribe()
	defer stopSnapshots()
	statuses, stopStatuses := h.queue.Subscribe()
	defer stopStatuses()

	for {
		select {
		case <-ctx.Done():
			h.shutdown()
			return nil
		case s, ok := <-snapshots:
			if !ok {
				snapshots = nil
				continue
			}
			h.broadcast(TypeSnapshot, s)
		case st, ok := <-statuses:
			if !ok {
				statuses = nil
				continue
			}
			h.broadcast(TypeQueue, st)
		}
	}
}

// Len reports the number of connected clients.
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	c := &client{conn: conn, send: make(chan []byte, sendBuffer)}

	// Step 1: queue the current state before any update can reach the client
	for _, msg := range [][]byte{
		encode(TypeSnapshot, h.snapshots.Snapshot(), h.logger),
		encode(TypeQueue, h.queue.Status(), h.logger),
	} {
		if msg != nil {
			c.send <- msg
		}
	}

	// Step 2: register and start the pumps
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		conn.Close()
		return
	}
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	h.logger.Debug("websocket client connected", "remote", r.RemoteAddr)

	go h.writePump(c)
	go h.readPump(c)
}

func encode(kind string, v any, logger *slog.Logger) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		logger.Error("failed to encode stream message", "type", kind, "error", err)
		return nil
	}
	msg, err := json.Marshal(Message{Type: kind, Data: data})
	if err != nil {
		logger.Error("failed to encode stream message", "type", kind, "error", err)
		return nil
	}
	return msg
}

func (h *Hub) broadcast(kind string, v any) {
	msg := encode(kind, v, h.logger)
	if msg == nil {
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.send <- msg:
		default:
			h.logger.Warn("dropping slow websocket client", "remote", c.conn.RemoteAddr().String())
			h.removeLocked(c)
		}
	}
}

// removeLocked closes c.send exactly once; the write pump then closes the connection.
func (h *Hub) removeLocked(c *client) {
	if _, ok := h.clients[c]; !ok {
		return
	}
	delete(h.clients, c)
	close(c.send)
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	h.removeLocked(c)
	h.mu.Unlock()
}

func (h *Hub) shutdown() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for c := range h.clients {
		h.removeLocked(c)
	}
}

// readPump discards client frames and detects disconnects.
func (h *Hub) readPump(c *client) {
	defer func() {
		h.remove(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.logger.Debug("websocket read failed", "error", err)
			}
			return
		}
	}
}

func (h *Hub) writePump(c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				h.remove(c)
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				h.remove(c)
				return
			}
		}
	}
}
