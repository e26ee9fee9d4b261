// Package wrapper defines the ports between the ingest surface and the
// session actors: commands pushed down to wrapper processes and the
// callback set wrapper reports are dispatched into.
package wrapper

import (
	"context"
	"encoding/json"

	"github.com/Strob0t/SessionForge/internal/domain/event"
	"github.com/Strob0t/SessionForge/internal/domain/execution"
)

// Command is a server-to-wrapper instruction.
type Command string

const (
	CommandKill Command = "kill"
	CommandPing Command = "ping"
)

// CommandSender pushes a command to the live ingest connection(s) of one
// execution and returns how many connections received it.
type CommandSender interface {
	Send(ctx context.Context, sessionID, executionID string, cmd Command) int
}

// Callbacks is the operation set wrapper reports are dispatched into.
// Every func is bound to one session and serialized by that session's
// actor, so implementations never race with HTTP-driven operations.
type Callbacks struct {
	RecordEvent          func(ctx context.Context, executionID string, typ event.Type, payload json.RawMessage) (*event.Event, error)
	UpdateAgentSessionID func(ctx context.Context, agentSessionID string) error
	LinkBackendRecord    func(ctx context.Context, recordID string) error
	UpdateUpstreamBranch func(ctx context.Context, branch string) error
	ClearActiveExecution func(ctx context.Context, executionID string) error
	GetExecution         func(ctx context.Context, executionID string) (*execution.Execution, error)
	TransitionExecution  func(ctx context.Context, executionID string, status execution.Status, errMsg string) (bool, error)
	Heartbeat            func(ctx context.Context, executionID string, processID *int64) (bool, error)
	FinalizeExecution    func(ctx context.Context, executionID string, status execution.Status, errMsg string) error
}

// CallbackProvider resolves the callback set for a session, waking its
// actor when it is not resident.
type CallbackProvider interface {
	CallbacksFor(ctx context.Context, sessionID string) (*Callbacks, error)
}

// IngestAuth authorizes a wrapper connection before the websocket upgrade.
// The token must match the execution's stored ingest token hash, the
// execution must belong to the session, and it must not be terminal.
type IngestAuth interface {
	Authorize(ctx context.Context, sessionID, executionID, token string) (*execution.Execution, error)
}
