// Package collaboration implements the real-time synchronization engine:
// it accepts edit, title, cursor and membership events from connected
// clients, applies them to the document store and fans them out to the
// other members of the document's room.
package collaboration

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
	"go.opentelemetry.io/otel/attribute"

	"collabdocs/internal/deltas"
	"collabdocs/internal/locker"
	"collabdocs/internal/logging"
	"collabdocs/internal/metrics"
	"collabdocs/internal/middleware"
	"collabdocs/internal/models"
	"collabdocs/internal/repository"
	"collabdocs/internal/services/documents"
)

// Engine orchestrates the per-event protocol. It holds no document state
// of its own: durable state lives in the store, ephemeral state in the
// registry. A per-document lock around each handler makes the visible
// broadcast order match the acceptance order.
type Engine struct {
	store    *documents.Store
	registry *Registry
	hub      *Hub
	validate *validator.Validate
	locks    *locker.Locker
	logger   logging.Logger
}

// NewEngine creates a synchronization engine over the given store and
// transport hub.
func NewEngine(store *documents.Store, registry *Registry, hub *Hub) *Engine {
	return &Engine{
		store:    store,
		registry: registry,
		hub:      hub,
		validate: validator.New(),
		locks:    locker.New(),
		logger:   logging.New("engine"),
	}
}

// Registry exposes the session registry, for surfaces that report
// connection counts.
func (e *Engine) Registry() *Registry {
	return e.registry
}

// HandleMessage decodes one inbound frame and dispatches it. Malformed or
// invalid frames are rejected before any state is touched; no error in
// one connection's handling escapes to the caller.
func (e *Engine) HandleMessage(ctx context.Context, conn Conn, raw []byte) {
	var env models.Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		metrics.EventsTotal.WithLabelValues("unknown", metrics.ResultRejected).Inc()
		e.sendError(conn, "malformed message")
		return
	}

	ctx, span := middleware.StartSpan(ctx, "Engine.HandleMessage",
		attribute.String("event.type", string(env.Type)),
		attribute.String("connection.id", conn.ID()),
	)
	defer span.End()

	var err error
	switch env.Type {
	case models.EventJoin:
		err = e.handleJoin(ctx, conn, raw)
	case models.EventTextChange:
		err = e.handleTextChange(ctx, conn, raw)
	case models.EventTitleChange:
		err = e.handleTitleChange(ctx, conn, raw)
	case models.EventCursorMove:
		err = e.handleCursorMove(ctx, conn, raw)
	default:
		metrics.EventsTotal.WithLabelValues(string(env.Type), metrics.ResultRejected).Inc()
		e.sendError(conn, fmt.Sprintf("unknown event type: %s", env.Type))
		return
	}

	if err != nil {
		middleware.AddSpanError(ctx, err)
		metrics.EventsTotal.WithLabelValues(string(env.Type), metrics.ResultError).Inc()
		e.logger.Warnw("event failed",
			"event_type", env.Type, "connection_id", conn.ID(), "error", err)
		return
	}
	metrics.EventsTotal.WithLabelValues(string(env.Type), metrics.ResultOK).Inc()
}

// handleJoin puts the connection into the document's room, lazily
// creating the document, and replays the full state to the joiner.
func (e *Engine) handleJoin(ctx context.Context, conn Conn, raw []byte) error {
	p, err := decodePayload[models.JoinPayload](e.validate, raw)
	if err != nil {
		e.sendError(conn, "invalid join payload")
		return err
	}

	// A second join while bound to a different document is a move: the old
	// room must be released first so broadcasts stop leaking there.
	if prior := e.registry.Lookup(conn.ID()); prior != nil && prior.DocumentID != p.DocumentID {
		e.leave(ctx, conn, prior)
	}

	// The handler lock must cover the snapshot read: an edit accepted
	// between Resolve and the room join would be in neither the replay nor
	// the broadcast, silently diverging the joiner. Creation preserves the
	// requested id, so the requested id is the effective lock key.
	e.locks.Lock(p.DocumentID)
	defer e.unlock(p.DocumentID)

	doc, created, err := e.store.Resolve(ctx, p.DocumentID)
	if err != nil {
		e.sendError(conn, "failed to load document")
		return fmt.Errorf("resolve document: %w", err)
	}
	if created {
		e.logger.Infow("joiner provisioned document",
			"document_id", doc.ID, "connection_id", conn.ID())
	}

	// Room membership and registry binding move in lockstep; a mismatch
	// means silent message loss or phantom presence.
	e.hub.Join(doc.ID, conn)
	e.registry.Bind(conn.ID(), doc.ID, p.UserName, p.UserID)

	if err := e.store.AddUser(ctx, doc.ID, conn.ID(), p.UserName); err != nil {
		e.hub.Leave(doc.ID, conn)
		e.registry.Unbind(conn.ID())
		e.sendError(conn, "failed to join document")
		return fmt.Errorf("add user: %w", err)
	}

	e.send(conn, models.DocumentLoadedMessage{
		Type:       models.EventDocumentLoaded,
		DocumentID: doc.ID,
		Title:      doc.Title,
		Content:    doc.Content,
		Deltas:     doc.Deltas,
	})

	e.broadcast(doc.ID, models.UserJoinedMessage{
		Type:         models.EventUserJoined,
		ConnectionID: conn.ID(),
		UserName:     p.UserName,
	}, conn.ID())

	users, err := e.store.Users(ctx, doc.ID)
	if err != nil {
		return fmt.Errorf("load users: %w", err)
	}
	e.broadcast(doc.ID, models.UserListMessage{
		Type:  models.EventUserList,
		Users: users,
	}, "")

	return nil
}

// handleTextChange stores the client's post-apply snapshot together with
// the change record and fans the delta out to everyone but the sender.
func (e *Engine) handleTextChange(ctx context.Context, conn Conn, raw []byte) error {
	p, err := decodePayload[models.TextChangePayload](e.validate, raw)
	if err != nil {
		e.sendError(conn, "invalid text-change payload")
		return err
	}

	sess, err := e.requireSession(conn, p.DocumentID)
	if err != nil {
		return err
	}

	if _, err := deltas.Decode(p.Delta); err != nil {
		e.sendError(conn, "invalid delta")
		return err
	}

	e.locks.Lock(sess.DocumentID)
	defer e.unlock(sess.DocumentID)

	if _, err := e.store.ApplyChange(ctx, sess.DocumentID, p.Content, p.Delta, conn.ID(), sess.UserName); err != nil {
		e.sendError(conn, "failed to apply change")
		return fmt.Errorf("apply change: %w", err)
	}

	// The sender already applied its own edit locally; echoing it back
	// would double-apply.
	e.broadcast(sess.DocumentID, models.TextChangeMessage{
		Type:         models.EventTextChange,
		ConnectionID: conn.ID(),
		Delta:        p.Delta,
		Content:      p.Content,
	}, conn.ID())

	return nil
}

// handleTitleChange renames the document and rebroadcasts room-wide, the
// sender included: redisplaying a title is idempotent.
func (e *Engine) handleTitleChange(ctx context.Context, conn Conn, raw []byte) error {
	p, err := decodePayload[models.TitleChangePayload](e.validate, raw)
	if err != nil {
		e.sendError(conn, "invalid title-change payload")
		return err
	}

	sess, err := e.requireSession(conn, p.DocumentID)
	if err != nil {
		return err
	}

	e.locks.Lock(sess.DocumentID)
	defer e.unlock(sess.DocumentID)

	if err := e.store.SetTitle(ctx, sess.DocumentID, p.Title); err != nil {
		e.sendError(conn, "failed to update title")
		return fmt.Errorf("set title: %w", err)
	}

	e.broadcast(sess.DocumentID, models.TitleChangeMessage{
		Type:  models.EventTitleChange,
		Title: p.Title,
	}, "")

	return nil
}

// handleCursorMove fans presence out to the other room members. Cursor
// positions are ephemeral and never touch the store; there is no
// acknowledgment channel, so failures are logged and dropped.
func (e *Engine) handleCursorMove(_ context.Context, conn Conn, raw []byte) error {
	p, err := decodePayload[models.CursorMovePayload](e.validate, raw)
	if err != nil {
		return err
	}

	sess := e.registry.Lookup(conn.ID())
	if sess == nil || sess.DocumentID != p.DocumentID {
		return fmt.Errorf("cursor-move from unjoined connection %s", conn.ID())
	}

	e.broadcast(sess.DocumentID, models.CursorMoveMessage{
		Type:         models.EventCursorMove,
		ConnectionID: conn.ID(),
		Position:     p.Position,
	}, conn.ID())

	return nil
}

// HandleDisconnect runs the leave protocol for a closed connection.
// Disconnect before join is valid and a no-op.
func (e *Engine) HandleDisconnect(ctx context.Context, conn Conn) {
	sess := e.registry.Unbind(conn.ID())
	if sess == nil {
		return
	}
	e.leaveRoom(ctx, conn, sess)
}

// leave releases a still-bound session, used when a connection moves to
// another document.
func (e *Engine) leave(ctx context.Context, conn Conn, sess *models.Session) {
	e.registry.Unbind(conn.ID())
	e.leaveRoom(ctx, conn, sess)
}

func (e *Engine) leaveRoom(ctx context.Context, conn Conn, sess *models.Session) {
	e.locks.Lock(sess.DocumentID)
	defer e.unlock(sess.DocumentID)

	e.hub.Leave(sess.DocumentID, conn)

	if err := e.store.RemoveUser(ctx, sess.DocumentID, conn.ID()); err != nil {
		if !errors.Is(err, repository.ErrNotFound) {
			e.logger.Errorw("remove user failed",
				"document_id", sess.DocumentID, "connection_id", conn.ID(), "error", err)
		}
		return
	}

	e.broadcast(sess.DocumentID, models.UserLeftMessage{
		Type:         models.EventUserLeft,
		ConnectionID: conn.ID(),
		UserName:     sess.UserName,
	}, "")

	users, err := e.store.Users(ctx, sess.DocumentID)
	if err != nil {
		e.logger.Errorw("load users failed",
			"document_id", sess.DocumentID, "error", err)
		return
	}
	e.broadcast(sess.DocumentID, models.UserListMessage{
		Type:  models.EventUserList,
		Users: users,
	}, "")
}

// requireSession rejects events from connections that never joined, or
// that name a document other than the one they are bound to.
func (e *Engine) requireSession(conn Conn, documentID string) (*models.Session, error) {
	sess := e.registry.Lookup(conn.ID())
	if sess == nil {
		e.sendError(conn, "not joined to a document")
		return nil, fmt.Errorf("event from unjoined connection %s", conn.ID())
	}
	if sess.DocumentID != documentID {
		e.sendError(conn, "not joined to this document")
		return nil, fmt.Errorf("connection %s bound to %s, event names %s",
			conn.ID(), sess.DocumentID, documentID)
	}
	return sess, nil
}

func (e *Engine) send(conn Conn, msg any) {
	raw, err := json.Marshal(msg)
	if err != nil {
		e.logger.Errorw("marshal message failed", "error", err)
		return
	}
	if !conn.Enqueue(raw) {
		e.logger.Warnw("send buffer full", "connection_id", conn.ID())
	}
}

func (e *Engine) broadcast(roomID string, msg any, exceptID string) {
	raw, err := json.Marshal(msg)
	if err != nil {
		e.logger.Errorw("marshal broadcast failed", "room_id", roomID, "error", err)
		return
	}
	e.hub.Broadcast(roomID, raw, exceptID)
}

func (e *Engine) sendError(conn Conn, message string) {
	e.send(conn, models.ErrorMessage{Type: models.EventError, Message: message})
}

func (e *Engine) unlock(id string) {
	if err := e.locks.Unlock(id); err != nil {
		e.logger.Errorw("unlock failed", "document_id", id, "error", err)
	}
}

func decodePayload[T any](validate *validator.Validate, raw []byte) (*T, error) {
	var p T
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	if err := validate.Struct(&p); err != nil {
		return nil, fmt.Errorf("validate payload: %w", err)
	}
	return &p, nil
}
