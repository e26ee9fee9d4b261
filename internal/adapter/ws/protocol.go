// Package ws implements the two WebSocket surfaces: the client-facing
// stream (server-push of session events with replay) and the
// wrapper-facing ingest (bidirectional event reporting and commands).
package ws

import (
	"encoding/json"

	"github.com/Strob0t/SessionForge/internal/domain/event"
)

// Message is the envelope for all WebSocket frames on both surfaces.
type Message struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// FrameEvent flows both ways: on the stream surface the server pushes an
// event.Event for replay and live delivery; on the ingest surface the
// wrapper reports an EventReport to append to the session log.
const FrameEvent = "event"

// Frame types pushed by the server on the ingest surface.
const (
	// FrameCommand carries a CommandPayload to steer a wrapper process.
	FrameCommand = "command"

	// FrameExecutionState carries an execution.Execution in reply to an
	// execution_state request.
	FrameExecutionState = "execution_state"
)

// Frame types reported by the wrapper on the ingest surface. The execution
// id is taken from the connection tag, never from the frame body.
const (
	// FrameStatus carries a StatusReport.
	FrameStatus = "status"

	// FrameHeartbeat carries a HeartbeatReport.
	FrameHeartbeat = "heartbeat"

	// FrameAgentSession carries an AgentSessionReport.
	FrameAgentSession = "agent_session"

	// FrameRecordLink carries a RecordLinkReport.
	FrameRecordLink = "record_link"

	// FrameBranch carries a BranchReport.
	FrameBranch = "branch"

	// FrameRelease asks the server to clear the session's active-execution
	// pointer if it still references this connection's execution. No body.
	FrameRelease = "release"

	// FrameExecutionStateRequest asks for the current execution record,
	// interrupt flag included. No body; the reply is a FrameExecutionState.
	FrameExecutionStateRequest = "execution_state"
)

// EventReport is a wrapper-observed event to append to the session log.
type EventReport struct {
	EventType event.Type      `json:"event_type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// StatusReport moves the execution through its state machine. Terminal
// statuses finalize the execution; error is only meaningful then.
type StatusReport struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// HeartbeatReport proves the wrapper process is alive. ProcessID is sent
// on the first beat and omitted afterwards.
type HeartbeatReport struct {
	ProcessID *int64 `json:"process_id,omitempty"`
}

// AgentSessionReport links the execution to the agent-side session id.
type AgentSessionReport struct {
	AgentSessionID string `json:"agent_session_id"`
}

// RecordLinkReport links the session to a backend record.
type RecordLinkReport struct {
	RecordID string `json:"record_id"`
}

// BranchReport captures the branch the wrapper pushed its work to.
type BranchReport struct {
	Branch string `json:"branch"`
}

// CommandPayload is the body of a FrameCommand.
type CommandPayload struct {
	Command string `json:"command"`
}
