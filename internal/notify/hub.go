package notify

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/baharkarakas/fxcard-wallet/internal/metrics"
)

// Conn is the part of *websocket.Conn the hub uses.
type Conn interface {
	WriteJSON(v any) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

type client struct {
	userID string
	conn   Conn
	send   chan Event
}

// Hub is the registry of open observer connections per user. Each connection
// has its own buffered queue and writer goroutine, so Publish never waits on a
// socket. A connection whose queue is full or whose write fails is dropped.
type Hub struct {
	mu           sync.Mutex
	clients      map[string]map[Conn]*client
	sendBuffer   int
	writeTimeout time.Duration
	log          *slog.Logger
}

func NewHub(log *slog.Logger) *Hub {
	return &Hub{
		clients:      make(map[string]map[Conn]*client),
		sendBuffer:   32,
		writeTimeout: 5 * time.Second,
		log:          log,
	}
}

func (h *Hub) Register(userID string, c Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.clients[userID] == nil {
		h.clients[userID] = make(map[Conn]*client)
	}
	if _, ok := h.clients[userID][c]; ok {
		return
	}
	cl := &client{userID: userID, conn: c, send: make(chan Event, h.sendBuffer)}
	h.clients[userID][c] = cl
	metrics.ObserversConnected.Inc()
	go h.writeLoop(cl)
}

func (h *Hub) Unregister(userID string, c Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.dropLocked(userID, c)
}

func (h *Hub) dropLocked(userID string, c Conn) {
	conns, ok := h.clients[userID]
	if !ok {
		return
	}
	cl, ok := conns[c]
	if !ok {
		return
	}
	delete(conns, c)
	close(cl.send)
	_ = c.Close()
	metrics.ObserversConnected.Dec()
	if len(conns) == 0 {
		delete(h.clients, userID)
	}
}

func (h *Hub) writeLoop(cl *client) {
	for ev := range cl.send {
		_ = cl.conn.SetWriteDeadline(time.Now().Add(h.writeTimeout))
		if err := cl.conn.WriteJSON(ev); err != nil {
			h.log.Debug("pruning observer", "user_id", cl.userID, "err", err)
			h.Unregister(cl.userID, cl.conn)
			return
		}
	}
}

// Count returns the number of open connections for userID.
func (h *Hub) Count(userID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients[userID])
}

// Publish queues ev for every connection of ev.UserID. It never blocks on a
// socket and never fails.
func (h *Hub) Publish(_ context.Context, ev Event) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c, cl := range h.clients[ev.UserID] {
		select {
		case cl.send <- ev:
		default:
			h.log.Debug("pruning slow observer", "user_id", ev.UserID)
			h.dropLocked(ev.UserID, c)
		}
	}
	return nil
}

// Close drops every connection.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for uid, conns := range h.clients {
		for c := range conns {
			h.dropLocked(uid, c)
		}
	}
}
