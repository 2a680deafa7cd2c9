// Package notify delivers out-of-band pushes to per-user notification
// sockets. Each user holds at most one socket; a reconnect replaces the
// previous one. Delivery is best effort and never fails the caller.
package notify

import (
	"log/slog"
	"sync"
	"time"
)

const defaultWriteTimeout = 5 * time.Second

// Conn is the socket surface the hub needs. *websocket.Conn satisfies it.
type Conn interface {
	SetWriteDeadline(t time.Time) error
	WriteJSON(v any) error
	Close() error
}

// Hub tracks notification sockets by user id.
type Hub struct {
	mu           sync.Mutex
	socks        map[string]*entry
	writeTimeout time.Duration
	logger       *slog.Logger
}

type entry struct {
	conn    Conn
	writeMu sync.Mutex
}

// NewHub creates a Hub. A writeTimeout <= 0 falls back to 5s; a nil logger
// falls back to slog.Default.
func NewHub(writeTimeout time.Duration, logger *slog.Logger) *Hub {
	if writeTimeout <= 0 {
		writeTimeout = defaultWriteTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		socks:        make(map[string]*entry),
		writeTimeout: writeTimeout,
		logger:       logger,
	}
}

// Register attaches a user's socket, closing any previous one. The returned
// release removes exactly this socket; after a replacement it is a no-op, so
// a stale socket's cleanup cannot remove its successor.
func (h *Hub) Register(userID string, conn Conn) (release func()) {
	if h == nil {
		return func() {}
	}

	e := &entry{conn: conn}

	h.mu.Lock()
	if h.socks == nil {
		h.socks = make(map[string]*entry)
	}
	old := h.socks[userID]
	h.socks[userID] = e
	h.mu.Unlock()

	if old != nil {
		h.logger.Info("notification socket replaced", "user_id", userID)
		h.remove(userID, old)
		_ = old.conn.Close()
	}

	return func() { h.remove(userID, e) }
}

// Notify pushes payload to the user's socket. It reports false when no
// socket is registered or the write fails; a failed socket is dropped.
func (h *Hub) Notify(userID string, payload any) bool {
	if h == nil {
		return false
	}

	h.mu.Lock()
	e := h.socks[userID]
	h.mu.Unlock()

	if e == nil {
		return false
	}

	e.writeMu.Lock()
	_ = e.conn.SetWriteDeadline(time.Now().Add(h.writeTimeout))
	err := e.conn.WriteJSON(payload)
	e.writeMu.Unlock()

	if err != nil {
		h.logger.Warn("notification push failed", "user_id", userID, "error", err)
		h.remove(userID, e)
		_ = e.conn.Close()
		return false
	}
	return true
}

// Count returns the number of connected notification sockets.
func (h *Hub) Count() int {
	if h == nil {
		return 0
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.socks)
}

func (h *Hub) remove(userID string, e *entry) {
	if h == nil || e == nil {
		return
	}
	h.mu.Lock()
	if h.socks != nil && h.socks[userID] == e {
		delete(h.socks, userID)
	}
	h.mu.Unlock()
}
