package http

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// MountRoutes registers all API routes on the given chi router. The two
// WebSocket surfaces sit outside /api/v1 and authenticate via query
// parameters; apiMiddleware is applied only under /api/v1, so rate limits,
// idempotency replay, and request timeouts never touch a long-lived
// WebSocket connection.
func MountRoutes(r chi.Router, h *Handlers, apiMiddleware ...func(http.Handler) http.Handler) {
	// Liveness and WebSocket surfaces
	r.Get("/health", h.Health)
	r.Get("/stream", h.Stream.HandleStream)
	r.Get("/ingest", h.Ingest.HandleIngest)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(apiMiddleware...)
		// Version
		r.Get("/", func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"version":"0.1.0"}`))
		})

		// Session lifecycle
		r.Post("/sessions/{sessionID}/prepare", h.PrepareSession)
		r.Patch("/sessions/{sessionID}/config", h.PatchSessionConfig)
		r.Post("/sessions/{sessionID}/initiate", h.InitiateSession)
		r.Get("/sessions/{sessionID}", h.GetSession)
		r.Delete("/sessions/{sessionID}", h.DeleteSession)
		r.Post("/sessions/{sessionID}/interrupt", h.InterruptSession)

		// Stream access and event replay
		r.Post("/sessions/{sessionID}/stream-ticket", h.MintStreamTicket)
		r.Get("/sessions/{sessionID}/events", h.ListSessionEvents)

		// Executions
		r.Post("/sessions/{sessionID}/executions", h.StartExecution)
		r.Get("/sessions/{sessionID}/executions", h.ListExecutions)
		r.Get("/sessions/{sessionID}/executions/active", h.GetActiveExecution)
		r.Get("/sessions/{sessionID}/executions/{executionID}", h.GetExecution)

		// Wrapper-facing execution reports
		r.Post("/sessions/{sessionID}/executions/{executionID}/complete", h.CompleteExecution)
		r.Post("/sessions/{sessionID}/executions/{executionID}/status", h.UpdateExecutionStatus)
		r.Post("/sessions/{sessionID}/executions/{executionID}/heartbeat", h.ExecutionHeartbeat)
		r.Post("/sessions/{sessionID}/executions/{executionID}/process", h.SetExecutionProcess)
		r.Post("/sessions/{sessionID}/executions/{executionID}/command", h.SendExecutionCommand)

		// Active-execution pointer
		r.Put("/sessions/{sessionID}/executions/{executionID}/active", h.SetActiveExecution)
		r.Delete("/sessions/{sessionID}/executions/{executionID}/active", h.ClearActiveExecution)

		// Interrupt flag
		r.Get("/sessions/{sessionID}/executions/{executionID}/interrupt", h.GetInterruptFlag)
		r.Put("/sessions/{sessionID}/executions/{executionID}/interrupt", h.SetInterruptFlag)
		r.Delete("/sessions/{sessionID}/executions/{executionID}/interrupt", h.ClearInterruptFlag)

		// Leases
		r.Post("/sessions/{sessionID}/executions/{executionID}/lease", h.AcquireExecutionLease)
		r.Post("/sessions/{sessionID}/executions/{executionID}/lease/extend", h.ExtendExecutionLease)
		r.Post("/sessions/{sessionID}/executions/{executionID}/lease/release", h.ReleaseExecutionLease)
	})
}
