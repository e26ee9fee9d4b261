package http

import (
	"context"
	"net/http"
	"time"

	"github.com/Strob0t/SessionForge/internal/adapter/ws"
	"github.com/Strob0t/SessionForge/internal/port/eventstore"
	"github.com/Strob0t/SessionForge/internal/service"
)

// Pinger reports backend liveness. *pgxpool.Pool satisfies it.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handlers holds the HTTP handler dependencies.
type Handlers struct {
	Registry *service.Registry
	Orch     *service.Orchestrator
	Tickets  *service.TicketService
	Events   eventstore.Store
	DB       Pinger
	Stream   *ws.Hub
	Ingest   *ws.IngestHub
}

// actor resolves the session actor for the request's {sessionID} path
// parameter. Each handler then runs exactly one serialized operation on it.
func (h *Handlers) actor(w http.ResponseWriter, r *http.Request) (*service.Actor, bool) {
	a, err := h.Registry.ActorFor(r.Context(), urlParam(r, "sessionID"))
	if err != nil {
		writeDomainError(w, err, "session not found")
		return nil, false
	}
	return a, true
}

// Health reports service liveness: database reachability, resident actor
// count, circuit breaker states, and live WebSocket connections.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	status := http.StatusOK
	dbStatus := "ok"
	if h.DB != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := h.DB.Ping(ctx); err != nil {
			dbStatus = "unreachable"
			status = http.StatusServiceUnavailable
		}
	}

	computeBreaker, tokenBreaker := h.Orch.BreakerStates()
	body := map[string]any{
		"status": "ok",
		"checks": map[string]any{
			"database":           dbStatus,
			"resident_actors":    h.Registry.ResidentActors(),
			"compute_breaker":    computeBreaker,
			"token_breaker":      tokenBreaker,
			"stream_connections": h.Stream.ConnectionCount(),
			"ingest_connections": h.Ingest.ConnectionCount(),
		},
	}
	if status != http.StatusOK {
		body["status"] = "degraded"
	}
	writeJSON(w, status, body)
}
