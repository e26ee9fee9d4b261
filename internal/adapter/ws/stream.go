package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"sync"

	"github.com/coder/websocket"

	"github.com/Strob0t/SessionForge/internal/domain/event"
	"github.com/Strob0t/SessionForge/internal/port/eventstore"
)

// TicketVerifier checks a stream ticket against the session id it claims
// to be bound to. Verification happens before the WebSocket upgrade.
type TicketVerifier interface {
	VerifyStreamTicket(sessionID, ticket string) error
}

// conn wraps a single WebSocket connection. executionID is set only on
// ingest connections.
type conn struct {
	ws          *websocket.Conn
	cancel      context.CancelFunc
	sessionID   string
	executionID string
}

// Hub manages stream connections grouped by session id and fans persisted
// events out to them. Per-session state is lazy: it appears on the first
// accept and goes away with the last disconnect, so an idle session costs
// nothing here.
type Hub struct {
	verifier TicketVerifier
	events   eventstore.Store
	origins  []string

	mu       sync.RWMutex
	sessions map[string]map[*conn]struct{}
}

// NewHub creates a stream hub. origins is the allowed-origin pattern list;
// empty disables the origin check.
func NewHub(verifier TicketVerifier, events eventstore.Store, origins []string) *Hub {
	return &Hub{
		verifier: verifier,
		events:   events,
		origins:  origins,
		sessions: make(map[string]map[*conn]struct{}),
	}
}

// HandleStream upgrades GET /stream?sessionId=&ticket=&fromId= to a
// WebSocket. The ticket is verified before the upgrade; fromId is the
// replay cursor (events with seq > fromId are re-sent first).
func (h *Hub) HandleStream(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	sessionID := q.Get("sessionId")
	if sessionID == "" {
		http.Error(w, "sessionId required", http.StatusBadRequest)
		return
	}

	var fromID int64
	if raw := q.Get("fromId"); raw != "" {
		var err error
		fromID, err = strconv.ParseInt(raw, 10, 64)
		if err != nil || fromID < 0 {
			http.Error(w, "invalid fromId", http.StatusBadRequest)
			return
		}
	}

	if err := h.verifier.VerifyStreamTicket(sessionID, q.Get("ticket")); err != nil {
		slog.Warn("stream ticket rejected", "session_id", sessionID, "error", err)
		http.Error(w, "invalid ticket", http.StatusForbidden)
		return
	}

	opts := &websocket.AcceptOptions{}
	if len(h.origins) == 0 {
		opts.InsecureSkipVerify = true
	} else {
		opts.OriginPatterns = h.origins
	}

	ws, err := websocket.Accept(w, r, opts)
	if err != nil {
		slog.Error("stream accept failed", "session_id", sessionID, "error", err)
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	c := &conn{ws: ws, cancel: cancel, sessionID: sessionID}
	h.add(c)

	slog.Info("stream connected", "session_id", sessionID, "remote", r.RemoteAddr, "from_id", fromID)

	// Registered before replay so no live event is missed; the write path
	// serializes inside the websocket library and clients dedupe on seq
	// across the replay/live boundary.
	if err := h.replay(ctx, c, fromID); err != nil {
		slog.Warn("stream replay aborted", "session_id", sessionID, "error", err)
		h.remove(c)
		_ = ws.Close(websocket.StatusInternalError, "replay failed")
		return
	}

	// Read loop (to detect disconnects and consume pings)
	go func() {
		defer func() {
			h.remove(c)
			_ = ws.Close(websocket.StatusNormalClosure, "")
		}()
		for {
			if _, _, err := ws.Read(ctx); err != nil {
				return
			}
		}
	}()
}

// replay re-sends stored events with seq > fromID in order.
func (h *Hub) replay(ctx context.Context, c *conn, fromID int64) error {
	evs, err := h.events.LoadFrom(ctx, c.sessionID, fromID, 0)
	if err != nil {
		return err
	}
	for i := range evs {
		data, err := marshalEventFrame(evs[i])
		if err != nil {
			return err
		}
		if err := c.ws.Write(ctx, websocket.MessageText, data); err != nil {
			return err
		}
	}
	return nil
}

// Publish fans a freshly persisted event out to every stream connection of
// its session. Slow or dead clients are dropped, never waited on; replay
// is the correctness backstop.
func (h *Hub) Publish(ctx context.Context, ev event.Event) {
	data, err := marshalEventFrame(ev)
	if err != nil {
		slog.Error("stream marshal failed", "session_id", ev.SessionID, "error", err)
		return
	}
	h.broadcast(ctx, ev.SessionID, data)
}

// BroadcastToSession sends a message to every stream connection of one
// session.
func (h *Hub) BroadcastToSession(ctx context.Context, sessionID string, msg Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		slog.Error("stream marshal failed", "session_id", sessionID, "error", err)
		return
	}
	h.broadcast(ctx, sessionID, data)
}

func (h *Hub) broadcast(ctx context.Context, sessionID string, data []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for c := range h.sessions[sessionID] {
		if err := c.ws.Write(ctx, websocket.MessageText, data); err != nil {
			slog.Debug("stream write failed", "session_id", sessionID, "error", err)
			go h.remove(c)
		}
	}
}

// ConnectionCount returns the number of active stream connections across
// all sessions.
func (h *Hub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	n := 0
	for _, conns := range h.sessions {
		n += len(conns)
	}
	return n
}

// SessionConnectionCount returns the number of active connections for one
// session.
func (h *Hub) SessionConnectionCount(sessionID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions[sessionID])
}

func (h *Hub) add(c *conn) {
	h.mu.Lock()
	defer h.mu.Unlock()

	set, ok := h.sessions[c.sessionID]
	if !ok {
		set = make(map[*conn]struct{})
		h.sessions[c.sessionID] = set
	}
	set[c] = struct{}{}
}

func (h *Hub) remove(c *conn) {
	h.mu.Lock()
	defer h.mu.Unlock()

	set, ok := h.sessions[c.sessionID]
	if !ok {
		return
	}
	if _, ok := set[c]; !ok {
		return
	}
	c.cancel()
	delete(set, c)
	if len(set) == 0 {
		delete(h.sessions, c.sessionID)
	}
	slog.Info("stream disconnected", "session_id", c.sessionID)
}

func marshalEventFrame(ev event.Event) ([]byte, error) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Message{Type: FrameEvent, Payload: payload})
}
