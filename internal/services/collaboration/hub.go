package collaboration

import (
	"sync"

	"collabdocs/internal/logging"
	"collabdocs/internal/metrics"
)

// Conn is one live client connection as the hub sees it. The websocket
// transport implements it; tests substitute an in-memory fake.
type Conn interface {
	// ID returns the connection id, unique for the connection's lifetime.
	ID() string
	// Enqueue queues an outbound message. It reports false when the
	// connection's buffer is full, which the hub treats as a dead peer.
	Enqueue(msg []byte) bool
	// Close tears the connection down.
	Close() error
}

// Hub is the room-broadcast primitive of the transport: one broadcast
// group per document id, fan-out with optional sender exclusion.
type Hub struct {
	mu     sync.RWMutex
	rooms  map[string]map[string]Conn
	logger logging.Logger
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{
		rooms:  make(map[string]map[string]Conn),
		logger: logging.New("hub"),
	}
}

// Join adds the connection to the room, creating the room on first join.
func (h *Hub) Join(roomID string, c Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()

	room, ok := h.rooms[roomID]
	if !ok {
		room = make(map[string]Conn)
		h.rooms[roomID] = room
	}
	room[c.ID()] = c

	h.logger.Debugw("connection joined room",
		"room_id", roomID, "connection_id", c.ID(), "members", len(room))
}

// Leave removes the connection from the room, dropping the room when it
// empties.
func (h *Hub) Leave(roomID string, c Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()

	room, ok := h.rooms[roomID]
	if !ok {
		return
	}
	delete(room, c.ID())
	if len(room) == 0 {
		delete(h.rooms, roomID)
	}
}

// Broadcast sends msg to every member of the room except the connection
// with exceptID (pass "" to reach everyone). Members whose buffers are
// full are dropped from the room and closed.
func (h *Hub) Broadcast(roomID string, msg []byte, exceptID string) {
	h.mu.RLock()
	var dead []Conn
	for id, c := range h.rooms[roomID] {
		if id == exceptID {
			continue
		}
		if c.Enqueue(msg) {
			metrics.BroadcastsTotal.Inc()
		} else {
			dead = append(dead, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range dead {
		h.logger.Warnw("dropping slow connection",
			"room_id", roomID, "connection_id", c.ID())
		h.Leave(roomID, c)
		_ = c.Close()
	}
}

// Members returns the number of connections currently in the room.
func (h *Hub) Members(roomID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return len(h.rooms[roomID])
}

// Shutdown closes every connection and empties all rooms.
func (h *Hub) Shutdown() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, room := range h.rooms {
		for _, c := range room {
			_ = c.Close()
		}
	}
	h.rooms = make(map[string]map[string]Conn)
	h.logger.Info("hub shut down")
}
