// Package compute defines the port for the compute provider that hosts
// wrapper sandboxes.
package compute

import "context"

// Spec describes the sandbox to start for one execution. Env carries the
// fully built wrapper environment, decrypted secrets included.
type Spec struct {
	SessionID   string
	ExecutionID string
	Env         map[string]string
}

// Info is the provider's view of an existing sandbox.
type Info struct {
	SandboxID string `json:"sandbox_id"`
	Status    string `json:"status"`
}

// Provider starts, stops, and inspects sandboxes. Implementations are
// wrapped in a circuit breaker by the orchestrator.
type Provider interface {
	// Start launches a sandbox and returns its id.
	Start(ctx context.Context, spec Spec) (string, error)

	// Stop terminates the sandbox. Stopping an already-gone sandbox is not
	// an error.
	Stop(ctx context.Context, sandboxID string) error

	// Get returns the sandbox state, or domain.ErrNotFound.
	Get(ctx context.Context, sandboxID string) (*Info, error)
}
