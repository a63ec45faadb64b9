// Package gateway serves the WebSocket endpoint clients use to drive live
// sessions. Each connection holds its own subscription set; the hub fans
// session broadcasts out to every connection subscribed to that session.
package gateway

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/threadline-dev/threadline/internal/history"
	"github.com/threadline-dev/threadline/internal/protocol"
	"github.com/threadline-dev/threadline/internal/session"
)

// Hub owns all live WebSocket connections and routes client messages to the
// session registry. It is the registry's Notifier: session broadcasts come
// back through Notify and fan out to subscribed connections.
type Hub struct {
	registry *session.Registry
	upgrader websocket.Upgrader
	log      *slog.Logger

	connMu sync.RWMutex
	conns  map[*conn]struct{}
}

// conn is one client WebSocket connection.
type conn struct {
	ws      *websocket.Conn
	writeMu sync.Mutex

	subMu sync.RWMutex
	subs  map[string]struct{} // subscribed session ids
}

// NewHub creates a hub with no registry bound yet. The registry is attached
// with SetRegistry after construction because the two reference each other.
func NewHub(log *slog.Logger) *Hub {
	return &Hub{
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		log:   log,
		conns: make(map[*conn]struct{}),
	}
}

// SetRegistry binds the session registry the hub routes messages to.
func (h *Hub) SetRegistry(reg *session.Registry) {
	h.registry = reg
}

// Notify implements session.Notifier. It delivers one session broadcast to
// every connection subscribed to that session.
func (h *Hub) Notify(sessionID string, msg protocol.ServerMessage) {
	data, err := protocol.EncodeServerMessage(msg)
	if err != nil {
		h.log.Error("failed to encode broadcast", "session_id", sessionID, "error", err)
		return
	}

	h.connMu.RLock()
	targets := make([]*conn, 0, len(h.conns))
	for c := range h.conns {
		if c.subscribed(sessionID) {
			targets = append(targets, c)
		}
	}
	h.connMu.RUnlock()

	for _, c := range targets {
		if err := c.writeRaw(data); err != nil {
			h.log.Debug("broadcast write failed", "session_id", sessionID, "error", err)
		}
	}
}

// HandleWS upgrades the request and runs the connection's read loop until the
// client disconnects.
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Error("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	c := &conn{
		ws:   ws,
		subs: make(map[string]struct{}),
	}

	h.connMu.Lock()
	h.conns[c] = struct{}{}
	h.connMu.Unlock()

	h.log.Info("client connected", "remote", r.RemoteAddr)
	h.readLoop(r.Context(), c)

	h.connMu.Lock()
	delete(h.conns, c)
	h.connMu.Unlock()

	ws.Close()
	h.log.Info("client disconnected", "remote", r.RemoteAddr)
}

// CloseAll closes every live connection. Used during shutdown.
func (h *Hub) CloseAll() {
	h.connMu.Lock()
	for c := range h.conns {
		c.ws.Close()
	}
	h.conns = make(map[*conn]struct{})
	h.connMu.Unlock()
}

func (h *Hub) readLoop(ctx context.Context, c *conn) {
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				h.log.Error("websocket read error", "error", err)
			}
			return
		}

		msg, err := protocol.DecodeClientMessage(data)
		if err != nil {
			// Bad frames are reported, not fatal.
			h.sendError(c, "", "bad_request", err.Error())
			continue
		}

		h.dispatch(ctx, c, msg)
	}
}

func (h *Hub) dispatch(ctx context.Context, c *conn, msg protocol.ClientMessage) {
	switch m := msg.(type) {
	case protocol.Subscribe:
		c.subscribe(m.SessionIDs)
	case protocol.Unsubscribe:
		c.unsubscribe(m.SessionIDs)
	case protocol.CreateSession:
		h.handleCreate(ctx, c, m)
	case protocol.Input:
		h.handleInput(ctx, c, m)
	case protocol.PermissionResponse:
		h.handlePermissionResponse(c, m)
	default:
		h.sendError(c, "", "bad_request", "unhandled message")
	}
}

func (h *Hub) handleCreate(ctx context.Context, c *conn, m protocol.CreateSession) {
	sess, err := h.registry.Create(ctx, m.Name)
	if err != nil {
		h.log.Error("failed to create session", "error", err)
		h.sendError(c, "", "internal_error", "failed to create session")
		return
	}

	// The creator is subscribed before the reply so it cannot miss the first
	// broadcasts.
	c.subscribe([]string{sess.ID})

	h.send(c, protocol.SessionCreated{
		RequestID: m.RequestID,
		SessionID: sess.ID,
		Name:      sess.Name(),
	})
}

func (h *Hub) handleInput(ctx context.Context, c *conn, m protocol.Input) {
	sess, err := h.resolveSession(ctx, m.SessionID)
	if sess == nil {
		if err != nil {
			h.sendStateError(c, m.SessionID, err)
		}
		return
	}

	if err := sess.Input(ctx, m.Content); err != nil {
		h.sendStateError(c, m.SessionID, err)
	}
}

func (h *Hub) handlePermissionResponse(c *conn, m protocol.PermissionResponse) {
	sess, err := h.registry.Get(m.SessionID)
	if err != nil {
		h.sendStateError(c, m.SessionID, err)
		return
	}

	if err := sess.ResolvePermission(m.RequestID, m.Approved); err != nil {
		h.sendStateError(c, m.SessionID, err)
	}
}

// resolveSession finds a live session, resuming it from the store if it was
// evicted. A terminal session is never brought back: the caller gets a
// session_terminated error instead.
func (h *Hub) resolveSession(ctx context.Context, id string) (*session.Session, error) {
	sess, err := h.registry.Get(id)
	if err == nil {
		return sess, nil
	}

	var se *session.StateError
	if !errors.As(err, &se) || se.Code != session.CodeSessionNotFound {
		return nil, err
	}

	info, live, err := h.registry.Resume(ctx, id)
	if err != nil {
		if errors.Is(err, history.ErrNotFound) {
			return nil, se
		}
		return nil, err
	}
	if live == nil {
		return nil, &session.StateError{
			Code:    session.CodeSessionTerminated,
			Message: "session is " + info.State,
		}
	}
	return live, nil
}

func (h *Hub) send(c *conn, msg protocol.ServerMessage) {
	data, err := protocol.EncodeServerMessage(msg)
	if err != nil {
		h.log.Error("failed to encode message", "error", err)
		return
	}
	if err := c.writeRaw(data); err != nil {
		h.log.Debug("write failed", "error", err)
	}
}

func (h *Hub) sendError(c *conn, sessionID, code, message string) {
	h.send(c, protocol.ErrorMessage{
		SessionID: sessionID,
		Code:      code,
		Message:   message,
	})
}

func (h *Hub) sendStateError(c *conn, sessionID string, err error) {
	var se *session.StateError
	if errors.As(err, &se) {
		h.sendError(c, sessionID, se.Code, se.Message)
		return
	}
	h.log.Error("session operation failed", "session_id", sessionID, "error", err)
	h.sendError(c, sessionID, "internal_error", "internal error")
}

func (c *conn) subscribe(ids []string) {
	c.subMu.Lock()
	for _, id := range ids {
		c.subs[id] = struct{}{}
	}
	c.subMu.Unlock()
}

func (c *conn) unsubscribe(ids []string) {
	c.subMu.Lock()
	for _, id := range ids {
		delete(c.subs, id)
	}
	c.subMu.Unlock()
}

func (c *conn) subscribed(id string) bool {
	c.subMu.RLock()
	_, ok := c.subs[id]
	c.subMu.RUnlock()
	return ok
}

func (c *conn) writeRaw(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.WriteMessage(websocket.TextMessage, data)
}
