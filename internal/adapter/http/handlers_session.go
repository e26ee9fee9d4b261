package http

import (
	"net/http"
	"strconv"
	"time"

	"github.com/Strob0t/SessionForge/internal/domain/event"
	"github.com/Strob0t/SessionForge/internal/domain/session"
)

// redactedSession masks secret values before a session leaves the API.
// Actor.Get already redacts; this covers the write paths that return the
// stored row.
func redactedSession(s *session.Session) *session.Session {
	out := *s
	out.Config = s.Config.Redacted()
	return &out
}

// PrepareSession handles POST /api/v1/sessions/{sessionID}/prepare
func (h *Handlers) PrepareSession(w http.ResponseWriter, r *http.Request) {
	a, ok := h.actor(w, r)
	if !ok {
		return
	}
	req, ok := readJSON[session.PrepareRequest](w, r)
	if !ok {
		return
	}

	sess, err := a.Prepare(r.Context(), &req)
	if err != nil {
		writeDomainError(w, err, "session not found")
		return
	}
	writeJSON(w, http.StatusCreated, redactedSession(sess))
}

// PatchSessionConfig handles PATCH /api/v1/sessions/{sessionID}/config
func (h *Handlers) PatchSessionConfig(w http.ResponseWriter, r *http.Request) {
	a, ok := h.actor(w, r)
	if !ok {
		return
	}
	patch, ok := readJSON[session.ConfigPatch](w, r)
	if !ok {
		return
	}

	sess, err := a.Update(r.Context(), &patch)
	if err != nil {
		writeDomainError(w, err, "session not found")
		return
	}
	writeJSON(w, http.StatusOK, redactedSession(sess))
}

// InitiateSession handles POST /api/v1/sessions/{sessionID}/initiate
func (h *Handlers) InitiateSession(w http.ResponseWriter, r *http.Request) {
	a, ok := h.actor(w, r)
	if !ok {
		return
	}

	sess, err := a.Initiate(r.Context())
	if err != nil {
		writeDomainError(w, err, "session not found")
		return
	}
	writeJSON(w, http.StatusOK, redactedSession(sess))
}

// GetSession handles GET /api/v1/sessions/{sessionID}
func (h *Handlers) GetSession(w http.ResponseWriter, r *http.Request) {
	a, ok := h.actor(w, r)
	if !ok {
		return
	}

	sess, err := a.Get(r.Context())
	if err != nil {
		writeDomainError(w, err, "session not found")
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

// DeleteSession handles DELETE /api/v1/sessions/{sessionID}
func (h *Handlers) DeleteSession(w http.ResponseWriter, r *http.Request) {
	a, ok := h.actor(w, r)
	if !ok {
		return
	}

	if err := a.Delete(r.Context()); err != nil {
		writeDomainError(w, err, "session not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// InterruptSession handles POST /api/v1/sessions/{sessionID}/interrupt
func (h *Handlers) InterruptSession(w http.ResponseWriter, r *http.Request) {
	a, ok := h.actor(w, r)
	if !ok {
		return
	}

	res, err := a.InterruptExecution(r.Context())
	if err != nil {
		writeDomainError(w, err, "session not found")
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// MintStreamTicket handles POST /api/v1/sessions/{sessionID}/stream-ticket
func (h *Handlers) MintStreamTicket(w http.ResponseWriter, r *http.Request) {
	a, ok := h.actor(w, r)
	if !ok {
		return
	}
	// Tickets are only minted for sessions that exist.
	if _, err := a.Get(r.Context()); err != nil {
		writeDomainError(w, err, "session not found")
		return
	}

	ticket, expiresAt, err := h.Tickets.MintStreamTicket(a.SessionID())
	if err != nil {
		writeDomainError(w, err, "session not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"ticket":     ticket,
		"expires_at": expiresAt.Format(time.RFC3339),
	})
}

// ListSessionEvents handles GET /api/v1/sessions/{sessionID}/events?fromId=
func (h *Handlers) ListSessionEvents(w http.ResponseWriter, r *http.Request) {
	sessionID := urlParam(r, "sessionID")

	var fromID int64
	if raw := r.URL.Query().Get("fromId"); raw != "" {
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || v < 0 {
			writeError(w, http.StatusBadRequest, "fromId must be a non-negative integer")
			return
		}
		fromID = v
	}

	limit := 500
	if raw := r.URL.Query().Get("limit"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v < 1 || v > 1000 {
			writeError(w, http.StatusBadRequest, "limit must be between 1 and 1000")
			return
		}
		limit = v
	}

	events, err := h.Events.LoadFrom(r.Context(), sessionID, fromID, limit)
	if err != nil {
		writeDomainError(w, err, "session not found")
		return
	}
	if events == nil {
		events = []event.Event{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}
