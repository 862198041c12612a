package relay

import (
	"container/list"
	"context"
	"log/slog"
	"sync"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/crewdeck/crewchat/internal/realtime"
)

// DefaultMaxPending is the per-user cap on queued undelivered events.
const DefaultMaxPending = 100

// Hub tracks the authenticated socket of each user. A user has at most one
// socket; a newer one replaces the older.
//
// Events that find no socket are queued per user and flushed to the next
// socket that authenticates as that user. Each user's queue is bounded, and
// the oldest events are evicted first.
type Hub struct {
	mu         sync.RWMutex
	active     map[string]*websocket.Conn
	pending    map[string]*list.List // userID -> realtime.Envelope
	maxPending int
	logger     *slog.Logger
}

// NewHub creates an empty hub. A non-positive maxPending uses
// DefaultMaxPending.
func NewHub(maxPending int, logger *slog.Logger) *Hub {
	if maxPending <= 0 {
		maxPending = DefaultMaxPending
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		active:     make(map[string]*websocket.Conn),
		pending:    make(map[string]*list.List),
		maxPending: maxPending,
		logger:     logger,
	}
}

// Get returns the socket registered for userID, or nil.
func (h *Hub) Get(userID string) *websocket.Conn {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.active[userID]
}

// Len returns the number of connected users.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.active)
}

// Register binds conn to userID, closing any socket it replaces.
func (h *Hub) Register(userID string, conn *websocket.Conn) {
	h.mu.Lock()
	existing := h.active[userID]
	h.active[userID] = conn
	h.mu.Unlock()

	if existing != nil && existing != conn {
		// Close waits for the peer's handshake; don't hold up the new socket.
		go func() { _ = existing.Close(websocket.StatusNormalClosure, "session replaced") }()
	}
	h.logger.Info("Chat socket registered", "user_id", userID)
}

// Unregister removes conn if it is still the socket bound to userID.
func (h *Hub) Unregister(userID string, conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if current, ok := h.active[userID]; ok && current == conn {
		delete(h.active, userID)
		h.logger.Info("Chat socket unregistered", "user_id", userID)
	}
}

// Deliver writes an event to the socket of userID. If the user has no
// socket, or the write fails and no newer socket has taken its place, the
// event is queued for the next socket and queued is true.
func (h *Hub) Deliver(ctx context.Context, userID string, event realtime.Event, data any) (queued bool, err error) {
	env, err := realtime.NewEnvelope(event, data)
	if err != nil {
		return false, err
	}

	var failed *websocket.Conn
	for {
		// Checking and queueing under one lock pairs with Register, so an
		// event is either written to the new socket or flushed to it.
		h.mu.Lock()
		conn := h.active[userID]
		if conn == nil || conn == failed {
			h.enqueueLocked(userID, env)
			h.mu.Unlock()
			return true, nil
		}
		h.mu.Unlock()

		if err := wsjson.Write(ctx, conn, env); err != nil {
			if ctx.Err() != nil {
				return false, err
			}
			h.logger.Debug("Socket write failed, retrying delivery", "user_id", userID, "error", err)
			failed = conn
			continue
		}
		return false, nil
	}
}

// Flush writes the events queued for userID to conn, oldest first, and
// returns how many were written. On a write error the unwritten events are
// queued again.
func (h *Hub) Flush(ctx context.Context, userID string, conn *websocket.Conn) (int, error) {
	h.mu.Lock()
	queued := h.pending[userID]
	delete(h.pending, userID)
	h.mu.Unlock()

	if queued == nil {
		return 0, nil
	}

	sent := 0
	for e := queued.Front(); e != nil; e = e.Next() {
		if err := wsjson.Write(ctx, conn, e.Value.(realtime.Envelope)); err != nil {
			h.requeue(userID, queued, e)
			return sent, err
		}
		sent++
	}
	if sent > 0 {
		h.logger.Info("Flushed queued events", "user_id", userID, "count", sent)
	}
	return sent, nil
}

// Pending returns how many events are queued for userID.
func (h *Hub) Pending(userID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if l, ok := h.pending[userID]; ok {
		return l.Len()
	}
	return 0
}

// DropPending discards the events queued for userID.
func (h *Hub) DropPending(userID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.pending, userID)
}

func (h *Hub) enqueueLocked(userID string, env realtime.Envelope) {
	l, ok := h.pending[userID]
	if !ok {
		l = list.New()
		h.pending[userID] = l
	}
	l.PushBack(env)
	h.trimLocked(userID, l)
}

// requeue puts from and the events after it back in front of anything
// queued since the flush began.
func (h *Hub) requeue(userID string, flushed *list.List, from *list.Element) {
	h.mu.Lock()
	defer h.mu.Unlock()

	l, ok := h.pending[userID]
	if !ok {
		l = list.New()
		h.pending[userID] = l
	}
	stop := from.Prev()
	for e := flushed.Back(); e != stop; e = e.Prev() {
		l.PushFront(e.Value)
	}
	h.trimLocked(userID, l)
}

func (h *Hub) trimLocked(userID string, l *list.List) {
	for l.Len() > h.maxPending {
		l.Remove(l.Front())
		h.logger.Warn("Dropped oldest queued event", "user_id", userID, "max_pending", h.maxPending)
	}
}

// CloseAll closes every registered socket and drops queued events.
func (h *Hub) CloseAll() {
	h.mu.Lock()
	conns := h.active
	h.active = make(map[string]*websocket.Conn)
	h.pending = make(map[string]*list.List)
	h.mu.Unlock()

	for userID, conn := range conns {
		_ = conn.Close(websocket.StatusGoingAway, "server shutting down")
		h.logger.Info("Chat socket closed", "user_id", userID)
	}
}
