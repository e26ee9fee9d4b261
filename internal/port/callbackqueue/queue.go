// Package callbackqueue defines the port for enqueueing terminal-state
// callback jobs toward external services.
package callbackqueue

import (
	"context"
	"time"
)

// Job is one callback delivery unit. It is published to the queue when an
// execution reaches a terminal state and the session has a callback target.
type Job struct {
	JobID           string    `json:"job_id"`
	SessionID       string    `json:"session_id"`
	ExecutionID     string    `json:"execution_id"`
	Status          string    `json:"status"`
	Error           string    `json:"error,omitempty"`
	URL             string    `json:"url"`
	KeyID           string    `json:"key_id,omitempty"`
	AgentSessionID  string    `json:"agent_session_id,omitempty"`
	LinkedRecordID  string    `json:"linked_record_id,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
}

// Queue publishes callback jobs. Delivery itself happens in a separate
// dispatcher worker; Send only has to make the job durable.
type Queue interface {
	Send(ctx context.Context, job Job) error
}
