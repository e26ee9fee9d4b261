package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"

	"github.com/coder/websocket"

	"github.com/Strob0t/SessionForge/internal/domain/execution"
	"github.com/Strob0t/SessionForge/internal/port/wrapper"
)

// IngestHub manages wrapper connections grouped by execution id. Inbound
// frames are dispatched into the owning session's callback set; commands
// are pushed to every connection tagged with the target execution.
type IngestHub struct {
	auth      wrapper.IngestAuth
	callbacks wrapper.CallbackProvider

	mu    sync.RWMutex
	execs map[string]map[*conn]struct{}
}

// NewIngestHub creates an ingest hub.
func NewIngestHub(auth wrapper.IngestAuth, callbacks wrapper.CallbackProvider) *IngestHub {
	return &IngestHub{
		auth:      auth,
		callbacks: callbacks,
		execs:     make(map[string]map[*conn]struct{}),
	}
}

// HandleIngest upgrades GET /ingest?sessionId=&executionId=&token= to a
// WebSocket. The token must match the execution's ingest token and the
// execution must be live; both are checked before the upgrade.
func (h *IngestHub) HandleIngest(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	sessionID := q.Get("sessionId")
	executionID := q.Get("executionId")
	token := q.Get("token")
	if sessionID == "" || executionID == "" || token == "" {
		http.Error(w, "sessionId, executionId and token required", http.StatusBadRequest)
		return
	}

	if _, err := h.auth.Authorize(r.Context(), sessionID, executionID, token); err != nil {
		slog.Warn("ingest rejected", "session_id", sessionID, "execution_id", executionID, "error", err)
		http.Error(w, "unauthorized", http.StatusForbidden)
		return
	}

	// The wrapper connects from inside the sandbox, not from a browser, so
	// there is no origin to check.
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		slog.Error("ingest accept failed", "execution_id", executionID, "error", err)
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	c := &conn{ws: ws, cancel: cancel, sessionID: sessionID, executionID: executionID}
	h.add(c)

	slog.Info("ingest connected", "session_id", sessionID, "execution_id", executionID, "remote", r.RemoteAddr)

	go func() {
		defer func() {
			h.remove(c)
			_ = ws.Close(websocket.StatusNormalClosure, "")
		}()
		for {
			_, data, err := ws.Read(ctx)
			if err != nil {
				return
			}
			h.dispatch(ctx, c, data)
		}
	}()
}

// Send pushes a command to every live ingest connection of one execution
// and returns how many received it. A disconnected wrapper silently drops
// the command; nothing is queued.
func (h *IngestHub) Send(ctx context.Context, sessionID, executionID string, cmd wrapper.Command) int {
	payload, err := json.Marshal(CommandPayload{Command: string(cmd)})
	if err != nil {
		slog.Error("ingest marshal failed", "execution_id", executionID, "error", err)
		return 0
	}
	data, err := json.Marshal(Message{Type: FrameCommand, Payload: payload})
	if err != nil {
		slog.Error("ingest marshal failed", "execution_id", executionID, "error", err)
		return 0
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	n := 0
	for c := range h.execs[executionID] {
		if c.sessionID != sessionID {
			continue
		}
		if err := c.ws.Write(ctx, websocket.MessageText, data); err != nil {
			slog.Debug("ingest write failed", "execution_id", executionID, "error", err)
			go h.remove(c)
			continue
		}
		n++
	}
	return n
}

// ConnectionCount returns the number of active ingest connections across
// all executions.
func (h *IngestHub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	n := 0
	for _, conns := range h.execs {
		n += len(conns)
	}
	return n
}

// dispatch parses one wrapper frame and routes it into the session's
// callback set. Malformed frames are dropped with a warning; callback
// errors are logged and never kill the socket.
func (h *IngestHub) dispatch(ctx context.Context, c *conn, data []byte) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		slog.Warn("dropping malformed ingest frame", "execution_id", c.executionID, "error", err)
		return
	}

	// Resolved per frame so a revived actor is always the dispatch target.
	cb, err := h.callbacks.CallbacksFor(ctx, c.sessionID)
	if err != nil {
		slog.Error("resolve session callbacks", "session_id", c.sessionID, "error", err)
		return
	}

	switch msg.Type {
	case FrameEvent:
		var rep EventReport
		if err := json.Unmarshal(msg.Payload, &rep); err != nil || rep.EventType == "" {
			slog.Warn("dropping malformed event report", "execution_id", c.executionID, "error", err)
			return
		}
		if _, err := cb.RecordEvent(ctx, c.executionID, rep.EventType, rep.Payload); err != nil {
			slog.Error("record wrapper event", "execution_id", c.executionID, "type", rep.EventType, "error", err)
		}

	case FrameStatus:
		var rep StatusReport
		if err := json.Unmarshal(msg.Payload, &rep); err != nil {
			slog.Warn("dropping malformed status report", "execution_id", c.executionID, "error", err)
			return
		}
		h.applyStatus(ctx, c, cb, rep)

	case FrameHeartbeat:
		var rep HeartbeatReport
		if err := json.Unmarshal(msg.Payload, &rep); err != nil {
			slog.Warn("dropping malformed heartbeat", "execution_id", c.executionID, "error", err)
			return
		}
		ok, err := cb.Heartbeat(ctx, c.executionID, rep.ProcessID)
		if err != nil {
			slog.Error("record heartbeat", "execution_id", c.executionID, "error", err)
		} else if !ok {
			slog.Debug("heartbeat ignored, execution not running", "execution_id", c.executionID)
		}

	case FrameAgentSession:
		var rep AgentSessionReport
		if err := json.Unmarshal(msg.Payload, &rep); err != nil || rep.AgentSessionID == "" {
			slog.Warn("dropping malformed agent session report", "execution_id", c.executionID, "error", err)
			return
		}
		if err := cb.UpdateAgentSessionID(ctx, rep.AgentSessionID); err != nil {
			slog.Error("update agent session id", "session_id", c.sessionID, "error", err)
		}

	case FrameRecordLink:
		var rep RecordLinkReport
		if err := json.Unmarshal(msg.Payload, &rep); err != nil || rep.RecordID == "" {
			slog.Warn("dropping malformed record link", "execution_id", c.executionID, "error", err)
			return
		}
		if err := cb.LinkBackendRecord(ctx, rep.RecordID); err != nil {
			slog.Error("link backend record", "session_id", c.sessionID, "error", err)
		}

	case FrameBranch:
		var rep BranchReport
		if err := json.Unmarshal(msg.Payload, &rep); err != nil || rep.Branch == "" {
			slog.Warn("dropping malformed branch report", "execution_id", c.executionID, "error", err)
			return
		}
		if err := cb.UpdateUpstreamBranch(ctx, rep.Branch); err != nil {
			slog.Error("update upstream branch", "session_id", c.sessionID, "error", err)
		}

	case FrameRelease:
		if err := cb.ClearActiveExecution(ctx, c.executionID); err != nil {
			slog.Error("clear active execution", "execution_id", c.executionID, "error", err)
		}

	case FrameExecutionStateRequest:
		h.replyExecutionState(ctx, c, cb)

	default:
		slog.Warn("unknown ingest frame type", "type", msg.Type, "execution_id", c.executionID)
	}
}

// applyStatus routes a status report: terminal statuses finalize the
// execution (callback enqueue included), the rest go through the plain
// transition path.
func (h *IngestHub) applyStatus(ctx context.Context, c *conn, cb *wrapper.Callbacks, rep StatusReport) {
	st := execution.Status(rep.Status)
	if !st.Valid() {
		slog.Warn("dropping status report with unknown status", "execution_id", c.executionID, "status", rep.Status)
		return
	}
	if st.Terminal() {
		if err := cb.FinalizeExecution(ctx, c.executionID, st, rep.Error); err != nil {
			slog.Error("finalize execution", "execution_id", c.executionID, "status", st, "error", err)
		}
		return
	}
	changed, err := cb.TransitionExecution(ctx, c.executionID, st, rep.Error)
	if err != nil {
		slog.Error("transition execution", "execution_id", c.executionID, "status", st, "error", err)
	} else if !changed {
		slog.Debug("status transition ignored", "execution_id", c.executionID, "status", st)
	}
}

func (h *IngestHub) replyExecutionState(ctx context.Context, c *conn, cb *wrapper.Callbacks) {
	exec, err := cb.GetExecution(ctx, c.executionID)
	if err != nil {
		slog.Error("fetch execution state", "execution_id", c.executionID, "error", err)
		return
	}
	payload, err := json.Marshal(exec)
	if err != nil {
		slog.Error("ingest marshal failed", "execution_id", c.executionID, "error", err)
		return
	}
	data, err := json.Marshal(Message{Type: FrameExecutionState, Payload: payload})
	if err != nil {
		slog.Error("ingest marshal failed", "execution_id", c.executionID, "error", err)
		return
	}
	if err := c.ws.Write(ctx, websocket.MessageText, data); err != nil {
		slog.Debug("ingest write failed", "execution_id", c.executionID, "error", err)
		go h.remove(c)
	}
}

func (h *IngestHub) add(c *conn) {
	h.mu.Lock()
	defer h.mu.Unlock()

	set, ok := h.execs[c.executionID]
	if !ok {
		set = make(map[*conn]struct{})
		h.execs[c.executionID] = set
	}
	set[c] = struct{}{}
}

func (h *IngestHub) remove(c *conn) {
	h.mu.Lock()
	defer h.mu.Unlock()

	set, ok := h.execs[c.executionID]
	if !ok {
		return
	}
	if _, ok := set[c]; !ok {
		return
	}
	c.cancel()
	delete(set, c)
	if len(set) == 0 {
		delete(h.execs, c.executionID)
	}
	slog.Info("ingest disconnected", "execution_id", c.executionID)
}
