package collaboration

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"collabdocs/internal/logging"
	"collabdocs/internal/metrics"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// TODO: validate origin once the frontend host is fixed
		return true
	},
}

// WebSocketHandler upgrades HTTP connections and runs the per-connection
// read/write pumps. All protocol handling beyond framing lives in the
// engine; the handler only mints connection ids and moves bytes.
type WebSocketHandler struct {
	engine     *Engine
	bufferSize int
	logger     logging.Logger
}

// NewWebSocketHandler creates the websocket entry point for the engine.
func NewWebSocketHandler(engine *Engine, bufferSize int) *WebSocketHandler {
	return &WebSocketHandler{
		engine:     engine,
		bufferSize: bufferSize,
		logger:     logging.New("websocket"),
	}
}

// HandleConnection upgrades the request and starts the pumps. The client
// joins a document room with a join event, not through the URL.
func (h *WebSocketHandler) HandleConnection(w http.ResponseWriter, r *http.Request) {
	sock, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warnw("websocket upgrade failed", "error", err)
		return
	}

	conn := &wsConn{
		id:   uuid.NewString(),
		sock: sock,
		send: make(chan []byte, h.bufferSize),
	}

	metrics.ActiveConnections.Inc()
	h.logger.Debugw("connection established", "connection_id", conn.id)

	// The request context dies with the HTTP handler after the upgrade;
	// the pumps outlive it.
	go conn.writePump()
	go h.readPump(context.Background(), conn)
}

// readPump reads frames and hands them to the engine, one at a time per
// connection. It owns the disconnect path.
func (h *WebSocketHandler) readPump(ctx context.Context, conn *wsConn) {
	defer func() {
		h.engine.HandleDisconnect(ctx, conn)
		_ = conn.Close()
		metrics.ActiveConnections.Dec()
		h.logger.Debugw("connection closed", "connection_id", conn.id)
	}()

	_ = conn.sock.SetReadDeadline(time.Now().Add(pongWait))
	conn.sock.SetPongHandler(func(string) error {
		return conn.sock.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := conn.sock.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.logger.Warnw("websocket read failed",
					"connection_id", conn.id, "error", err)
			}
			return
		}
		h.engine.HandleMessage(ctx, conn, message)
	}
}

// wsConn is a live websocket connection. The buffered send channel keeps
// a slow reader from blocking broadcasts; a full buffer marks the
// connection dead.
type wsConn struct {
	id   string
	sock *websocket.Conn
	send chan []byte

	mu     sync.Mutex
	closed bool
}

func (c *wsConn) ID() string { return c.id }

func (c *wsConn) Enqueue(msg []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return false
	}
	select {
	case c.send <- msg:
		return true
	default:
		return false
	}
}

func (c *wsConn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	close(c.send)
	c.mu.Unlock()

	return c.sock.Close()
}

// writePump is the single writer for the socket. Batches whatever is
// queued and keeps the connection alive with pings.
func (c *wsConn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.sock.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.sock.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			// One frame per message; the protocol is JSON, not a byte
			// stream, so frames must not be coalesced.
			if err := c.sock.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			_ = c.sock.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.sock.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
