// Package event defines the per-session append-only event log entry.
// Sequence numbers are assigned by the store, strictly increasing per
// session, so clients can replay from any point with no misses.
package event

import (
	"encoding/json"
	"time"
)

// Type identifies the kind of session event. Wrapper-reported events carry
// whatever type the wrapper sends; the constants below are the lifecycle
// events the service emits itself.
type Type string

const (
	TypeSessionPrepared      Type = "session.prepared"
	TypeSessionInitiated     Type = "session.initiated"
	TypeExecutionStarted     Type = "execution.started"
	TypeExecutionCompleted   Type = "execution.completed"
	TypeExecutionFailed      Type = "execution.failed"
	TypeExecutionInterrupted Type = "execution.interrupted"
	TypeInterruptRequested   Type = "execution.interrupt_requested"
)

// Event is one immutable entry in a session's event log. ExecutionID is
// empty for session-scoped entries.
type Event struct {
	SessionID   string          `json:"session_id"`
	Seq         int64           `json:"seq"`
	ExecutionID string          `json:"execution_id,omitempty"`
	Type        Type            `json:"type"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
}
