// Package execution defines the Execution domain entity: one wrapper run
// inside a session's compute, with a strict status machine.
package execution

import "time"

// Status represents the current state of an execution.
type Status string

const (
	StatusPending     Status = "pending"
	StatusRunning     Status = "running"
	StatusCompleted   Status = "completed"
	StatusFailed      Status = "failed"
	StatusInterrupted Status = "interrupted"
)

// validStatuses enumerates all valid execution statuses.
var validStatuses = map[Status]bool{
	StatusPending:     true,
	StatusRunning:     true,
	StatusCompleted:   true,
	StatusFailed:      true,
	StatusInterrupted: true,
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool { return validStatuses[s] }

// Terminal reports whether s is a sink state.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusInterrupted
}

// CanTransition reports whether from → to is a legal move. Running requires
// pending; terminal states are reachable from pending or running and are
// sinks.
func CanTransition(from, to Status) bool {
	switch to {
	case StatusRunning:
		return from == StatusPending
	case StatusCompleted, StatusFailed, StatusInterrupted:
		return from == StatusPending || from == StatusRunning
	default:
		return false
	}
}

// Execution is one wrapper run. IngestTokenHash is the SHA-256 hash of the
// bearer token the wrapper presents on /ingest; the plaintext is returned
// exactly once at creation and never stored.
type Execution struct {
	ExecutionID        string     `json:"execution_id"`
	SessionID          string     `json:"session_id"`
	Kind               StartKind  `json:"kind"`
	Status             Status     `json:"status"`
	StreamingMode      string     `json:"streaming_mode,omitempty"`
	IngestTokenHash    string     `json:"-"`
	ProcessID          *int64     `json:"process_id,omitempty"`
	InterruptRequested bool       `json:"interrupt_requested"`
	LastHeartbeatAt    *time.Time `json:"last_heartbeat_at,omitempty"`
	Error              string     `json:"error,omitempty"`
	StartedAt          time.Time  `json:"started_at"`
	CompletedAt        *time.Time `json:"completed_at,omitempty"`
}
