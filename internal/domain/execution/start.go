package execution

import (
	"fmt"

	"github.com/Strob0t/SessionForge/internal/domain"
	"github.com/Strob0t/SessionForge/internal/domain/session"
)

// StartKind selects the lifecycle path for starting an execution.
type StartKind string

const (
	// KindInitiate prepares the session and starts its first execution in
	// one call.
	KindInitiate StartKind = "initiate"
	// KindInitiatePrepared starts the first execution on a session that was
	// prepared earlier.
	KindInitiatePrepared StartKind = "initiate_prepared"
	// KindFollowup sends another message to an initiated session.
	KindFollowup StartKind = "followup"
)

// validKinds enumerates all valid start kinds.
var validKinds = map[StartKind]bool{
	KindInitiate:         true,
	KindInitiatePrepared: true,
	KindFollowup:         true,
}

// Result codes callers branch on. The *Unavailable codes mark failures the
// caller may retry.
const (
	CodeExecutionInProgress = "EXECUTION_IN_PROGRESS"
	CodeNotPrepared         = "NOT_PREPARED"
	CodeAlreadyPrepared     = "ALREADY_PREPARED"
	CodeAlreadyInitiated    = "ALREADY_INITIATED"
	CodeNoActiveExecution   = "NO_ACTIVE_EXECUTION"
	CodeValidationFailed    = "VALIDATION_FAILED"
	CodeComputeUnavailable  = "COMPUTE_UNAVAILABLE"
	CodeTokenUnavailable    = "TOKEN_UNAVAILABLE"
	CodeInternal            = "INTERNAL"
)

// Retryable reports whether a result code marks a transient infrastructure
// failure worth retrying.
func Retryable(code string) bool {
	return code == CodeComputeUnavailable || code == CodeTokenUnavailable
}

// StartRequest asks the session actor to start an execution.
type StartRequest struct {
	Kind          StartKind       `json:"kind"`
	Message       string          `json:"message,omitempty"`
	StreamingMode string          `json:"streaming_mode,omitempty"`
	UserID        string          `json:"user_id,omitempty"`
	OrgID         string          `json:"org_id,omitempty"`
	Config        *session.Config `json:"config,omitempty"`
}

// Validate checks the request shape for its kind. Lifecycle checks against
// the session state happen in the actor.
func (r *StartRequest) Validate() error {
	if !validKinds[r.Kind] {
		return fmt.Errorf("%w: invalid kind %q", domain.ErrValidation, r.Kind)
	}
	switch r.Kind {
	case KindInitiate:
		if r.UserID == "" {
			return fmt.Errorf("%w: user_id is required for initiate", domain.ErrValidation)
		}
		if r.Config == nil || r.Config.Prompt == "" {
			return fmt.Errorf("%w: config.prompt is required for initiate", domain.ErrValidation)
		}
		if r.Config.Model == "" {
			return fmt.Errorf("%w: config.model is required for initiate", domain.ErrValidation)
		}
		return r.Config.Validate()
	case KindFollowup:
		if r.Message == "" {
			return fmt.Errorf("%w: message is required for followup", domain.ErrValidation)
		}
	}
	return nil
}

// StartResult is the typed outcome of StartExecution. Conflicts and
// retryable infrastructure failures are results, not errors, so callers can
// branch without unwrapping.
type StartResult struct {
	Success           bool   `json:"success"`
	Code              string `json:"code,omitempty"`
	ExecutionID       string `json:"execution_id,omitempty"`
	ActiveExecutionID string `json:"active_execution_id,omitempty"`
	Message           string `json:"message,omitempty"`
}

// SetActiveResult is the typed outcome of SetActiveExecution. When Set is
// false, ActiveExecutionID names the current holder.
type SetActiveResult struct {
	Set               bool   `json:"set"`
	ActiveExecutionID string `json:"active_execution_id,omitempty"`
}

// InterruptResult is the typed outcome of InterruptExecution. Delivered is
// how many live wrapper connections received the kill command; zero is
// still a success because the reaper backstops a dead wrapper.
type InterruptResult struct {
	Success     bool   `json:"success"`
	Code        string `json:"code,omitempty"`
	ExecutionID string `json:"execution_id,omitempty"`
	Delivered   int    `json:"delivered"`
}
