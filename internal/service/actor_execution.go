package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/Strob0t/SessionForge/internal/domain"
	"github.com/Strob0t/SessionForge/internal/domain/event"
	"github.com/Strob0t/SessionForge/internal/domain/execution"
	"github.com/Strob0t/SessionForge/internal/domain/lease"
	"github.com/Strob0t/SessionForge/internal/domain/session"
	"github.com/Strob0t/SessionForge/internal/logger"
	"github.com/Strob0t/SessionForge/internal/port/callbackqueue"
	"github.com/Strob0t/SessionForge/internal/port/wrapper"

	otelx "github.com/Strob0t/SessionForge/internal/adapter/otel"
)

// tokenRefreshWindow is how close to expiry a repo token may get before a
// new execution refreshes it.
const tokenRefreshWindow = 5 * time.Minute

// StartExecution runs the full start flow for one execution attempt. State
// conflicts and retryable infrastructure failures come back as a typed
// StartResult; only validation and unexpected store errors are returned as
// errors.
func (a *Actor) StartExecution(ctx context.Context, req *execution.StartRequest) (*execution.StartResult, error) {
	a.touch()
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := req.Validate(); err != nil {
		return nil, err
	}

	// Single-flight guard, evaluated before any lifecycle branch.
	active, err := a.deps.store.GetActiveExecutionID(ctx, a.sessionID)
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return nil, err
	}
	if active != "" {
		return &execution.StartResult{
			Code:              execution.CodeExecutionInProgress,
			ActiveExecutionID: active,
			Message:           "execution already in progress",
		}, nil
	}

	sess, res, err := a.sessionForStart(ctx, req)
	if err != nil || res != nil {
		return res, err
	}

	execID := uuid.NewString()
	sctx, span := otelx.StartExecutionSpan(ctx, a.sessionID, execID, string(req.Kind))
	defer span.End()

	token, hash, err := a.deps.tickets.MintIngestToken()
	if err != nil {
		return nil, err
	}
	created, err := a.deps.store.AddExecution(sctx, &execution.Execution{
		ExecutionID:     execID,
		SessionID:       a.sessionID,
		Kind:            req.Kind,
		Status:          execution.StatusPending,
		StreamingMode:   req.StreamingMode,
		IngestTokenHash: hash,
	})
	if err != nil {
		return nil, err
	}

	// Restart-race backstop: the conditional UPDATE refuses to steal the
	// pointer even if another instance set it between the guard and here.
	setRes, err := a.deps.store.SetActiveExecution(sctx, a.sessionID, execID)
	if err != nil {
		return nil, err
	}
	if !setRes.Set {
		a.rollbackStart(sctx, created, "lost active-execution race")
		return &execution.StartResult{
			Code:              execution.CodeExecutionInProgress,
			ActiveExecutionID: setRes.ActiveExecutionID,
			Message:           "execution already in progress",
		}, nil
	}

	if repo := sess.Config.Repo; repo != nil && repo.InstallationID != "" &&
		a.deps.orch.RefreshEnabled() && tokenStale(repo, time.Now()) {
		tok, err := a.deps.orch.FreshRepoToken(sctx, repo)
		if err != nil {
			a.rollbackStart(sctx, created, err.Error())
			return startFailure(err), nil
		}
		repo.AccessToken = tok.Value
		repo.TokenExpiresAt = &tok.ExpiresAt
		if err := a.deps.store.SaveSessionConfig(sctx, a.sessionID, sess.Config); err != nil {
			// the token still works for this run
			slog.Warn("persist refreshed repo token", "session_id", a.sessionID, "error", err)
		}
	}

	sandboxID, err := a.deps.orch.StartCompute(sctx, sess, created, req.Message, token)
	if err != nil {
		a.rollbackStart(sctx, created, err.Error())
		return startFailure(err), nil
	}
	if err := a.deps.store.SetSandbox(sctx, a.sessionID, sandboxID); err != nil {
		slog.Warn("record sandbox id", "session_id", a.sessionID, "sandbox_id", sandboxID, "error", err)
	}

	a.deps.metrics.ExecutionStarted(sctx)
	a.appendEvent(sctx, execID, event.TypeExecutionStarted, map[string]string{
		"kind":           string(req.Kind),
		"streaming_mode": req.StreamingMode,
	})
	a.invalidate(sctx)
	slog.Info("execution started",
		"session_id", a.sessionID, "execution_id", execID, "kind", req.Kind, "sandbox_id", sandboxID)
	return &execution.StartResult{Success: true, ExecutionID: execID}, nil
}

// sessionForStart enforces the per-kind lifecycle guard and returns the
// session the execution will run against. A non-nil StartResult is a typed
// refusal.
func (a *Actor) sessionForStart(ctx context.Context, req *execution.StartRequest) (*session.Session, *execution.StartResult, error) {
	sess, err := a.deps.store.GetSession(ctx, a.sessionID)
	notFound := errors.Is(err, domain.ErrNotFound)
	if err != nil && !notFound {
		return nil, nil, err
	}

	switch req.Kind {
	case execution.KindInitiate:
		if !notFound {
			return nil, &execution.StartResult{
				Code:    execution.CodeAlreadyPrepared,
				Message: "session already prepared; use initiate_prepared or followup",
			}, nil
		}
		if _, err := a.prepareLocked(ctx, &session.PrepareRequest{
			UserID: req.UserID,
			OrgID:  req.OrgID,
			Config: *req.Config,
		}); err != nil {
			return nil, nil, err
		}
		return a.initiateForStart(ctx)

	case execution.KindInitiatePrepared:
		if notFound {
			return nil, &execution.StartResult{
				Code:    execution.CodeNotPrepared,
				Message: "session not prepared",
			}, nil
		}
		if sess.Initiated() {
			return nil, &execution.StartResult{
				Code:    execution.CodeAlreadyInitiated,
				Message: "session already initiated; use followup",
			}, nil
		}
		if sess.Config.Prompt == "" || sess.Config.Model == "" {
			return nil, nil, fmt.Errorf("%w: prepared session is missing prompt or model", domain.ErrValidation)
		}
		return a.initiateForStart(ctx)

	default: // KindFollowup, shape-checked by Validate
		if notFound {
			return nil, nil, err
		}
		if !sess.Initiated() {
			return nil, &execution.StartResult{
				Code:    execution.CodeNotPrepared,
				Message: "session not initiated",
			}, nil
		}
		return sess, nil, nil
	}
}

func (a *Actor) initiateForStart(ctx context.Context) (*session.Session, *execution.StartResult, error) {
	sess, err := a.initiateLocked(ctx)
	if err != nil {
		return nil, nil, err
	}
	return sess, nil, nil
}

// rollbackStart marks a just-created execution failed so the session never
// points at an execution that never launched. The terminal transition
// clears the active pointer in the same transaction.
func (a *Actor) rollbackStart(ctx context.Context, exec *execution.Execution, cause string) {
	if _, err := a.deps.store.UpdateExecutionStatus(ctx, exec.ExecutionID, execution.StatusFailed, cause); err != nil {
		slog.Error("roll back execution", "execution_id", exec.ExecutionID, "error", err)
		return
	}
	a.deps.metrics.ExecutionFinished(ctx, string(execution.StatusFailed), time.Since(exec.StartedAt).Seconds())
	a.appendEvent(ctx, exec.ExecutionID, event.TypeExecutionFailed, map[string]string{"error": cause})
	a.invalidate(ctx)
}

func tokenStale(repo *session.RepoRef, now time.Time) bool {
	if repo.AccessToken == "" {
		return true
	}
	return repo.TokenExpiresAt != nil && repo.TokenExpiresAt.Before(now.Add(tokenRefreshWindow))
}

func startFailure(err error) *execution.StartResult {
	code := execution.CodeInternal
	switch {
	case errors.Is(err, errComputeUnavailable):
		code = execution.CodeComputeUnavailable
	case errors.Is(err, errTokenUnavailable):
		code = execution.CodeTokenUnavailable
	}
	return &execution.StartResult{Code: code, Message: err.Error()}
}

// OnExecutionComplete is the idempotent finalizer: terminal status, pointer
// and interrupt-flag clear, lifecycle event, completion callback.
func (a *Actor) OnExecutionComplete(ctx context.Context, executionID string, status execution.Status, errMsg string) error {
	a.touch()
	a.mu.Lock()
	defer a.mu.Unlock()

	if !status.Valid() || !status.Terminal() {
		return fmt.Errorf("%w: %q is not a terminal status", domain.ErrValidation, status)
	}
	exec, err := a.ownedExecution(ctx, executionID)
	if err != nil {
		return err
	}
	a.finalizeLocked(ctx, exec, status, errMsg)
	return nil
}

// finalizeLocked commits a terminal transition and runs its side effects.
// Safe to call repeatedly: an already-terminal execution is a logged no-op.
func (a *Actor) finalizeLocked(ctx context.Context, exec *execution.Execution, status execution.Status, errMsg string) {
	changed, err := a.deps.store.UpdateExecutionStatus(ctx, exec.ExecutionID, status, errMsg)
	if err != nil {
		slog.Error("finalize execution", "execution_id", exec.ExecutionID, "status", status, "error", err)
		return
	}
	if !changed {
		slog.Debug("execution already terminal", "execution_id", exec.ExecutionID)
		return
	}
	// The store cleared the active pointer and interrupt flag atomically
	// with the transition.
	_ = a.deps.store.TouchSessionActivity(ctx, a.sessionID)
	a.deps.metrics.ExecutionFinished(ctx, string(status), time.Since(exec.StartedAt).Seconds())
	a.appendEvent(ctx, exec.ExecutionID, completionEventType(status), map[string]string{
		"status": string(status),
		"error":  errMsg,
	})
	a.enqueueCallback(ctx, exec.ExecutionID, status, errMsg)
	a.invalidate(ctx)
	slog.Info("execution finished",
		"session_id", a.sessionID, "execution_id", exec.ExecutionID, "status", status)
}

func completionEventType(status execution.Status) event.Type {
	switch status {
	case execution.StatusInterrupted:
		return event.TypeExecutionInterrupted
	case execution.StatusFailed:
		return event.TypeExecutionFailed
	default:
		return event.TypeExecutionCompleted
	}
}

// enqueueCallback publishes the completion job when the session has a
// callback target. Best-effort: the finalize already happened.
func (a *Actor) enqueueCallback(ctx context.Context, executionID string, status execution.Status, errMsg string) {
	ctx = logger.WithSessionID(ctx, a.sessionID)
	sess, err := a.deps.store.GetSession(ctx, a.sessionID)
	if err != nil {
		slog.Error("load session for callback", "session_id", a.sessionID, "error", err)
		return
	}
	cb := sess.Config.Callback
	if cb == nil {
		return
	}
	job := callbackqueue.Job{
		JobID:          uuid.NewString(),
		SessionID:      a.sessionID,
		ExecutionID:    executionID,
		Status:         string(status),
		Error:          errMsg,
		URL:            cb.URL,
		KeyID:          cb.KeyID,
		AgentSessionID: sess.AgentSessionID,
		LinkedRecordID: sess.LinkedRecordID,
		CreatedAt:      time.Now(),
	}
	if err := a.deps.callbacks.Send(ctx, job); err != nil {
		slog.Error("enqueue completion callback",
			"session_id", a.sessionID, "execution_id", executionID, "job_id", job.JobID, "error", err)
		return
	}
	a.deps.metrics.CallbackEnqueued(ctx)
	slog.Info("completion callback enqueued",
		"session_id", a.sessionID, "execution_id", executionID, "job_id", job.JobID)
}

// InterruptExecution asks the active execution's wrapper to stop. Advisory:
// stored status only changes when the wrapper reports back or the reaper
// times the execution out.
func (a *Actor) InterruptExecution(ctx context.Context) (*execution.InterruptResult, error) {
	a.touch()
	a.mu.Lock()
	defer a.mu.Unlock()

	active, err := a.deps.store.GetActiveExecutionID(ctx, a.sessionID)
	if err != nil {
		return nil, err
	}
	if active == "" {
		return &execution.InterruptResult{Code: execution.CodeNoActiveExecution}, nil
	}

	if err := a.deps.store.SetInterruptRequested(ctx, active, true); err != nil {
		slog.Warn("set interrupt flag", "execution_id", active, "error", err)
	}
	a.appendEvent(ctx, active, event.TypeInterruptRequested, nil)

	delivered := a.deps.sender.Send(ctx, a.sessionID, active, wrapper.CommandKill)
	if delivered == 0 {
		slog.Info("no live wrapper connection for interrupt",
			"session_id", a.sessionID, "execution_id", active)
	}
	return &execution.InterruptResult{Success: true, ExecutionID: active, Delivered: delivered}, nil
}

// SendToWrapper delivers a command to the wrapper connection(s) tagged with
// the execution id. Best-effort; a disconnected wrapper drops the command.
func (a *Actor) SendToWrapper(ctx context.Context, executionID string, cmd wrapper.Command) int {
	a.touch()
	return a.deps.sender.Send(ctx, a.sessionID, executionID, cmd)
}

// --- Execution bookkeeping ---

// ownedExecution loads an execution and checks it belongs to this session.
func (a *Actor) ownedExecution(ctx context.Context, executionID string) (*execution.Execution, error) {
	exec, err := a.deps.store.GetExecution(ctx, executionID)
	if err != nil {
		return nil, err
	}
	if exec.SessionID != a.sessionID {
		return nil, fmt.Errorf("execution %s: %w", executionID, domain.ErrNotFound)
	}
	return exec, nil
}

func (a *Actor) AddExecution(ctx context.Context, e *execution.Execution) (*execution.Execution, error) {
	a.touch()
	a.mu.Lock()
	defer a.mu.Unlock()
	e.SessionID = a.sessionID
	if e.ExecutionID == "" {
		e.ExecutionID = uuid.NewString()
	}
	if e.Status == "" {
		e.Status = execution.StatusPending
	}
	return a.deps.store.AddExecution(ctx, e)
}

func (a *Actor) GetExecution(ctx context.Context, executionID string) (*execution.Execution, error) {
	a.touch()
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.ownedExecution(ctx, executionID)
}

func (a *Actor) GetExecutions(ctx context.Context) ([]execution.Execution, error) {
	a.touch()
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.deps.store.GetExecutions(ctx, a.sessionID)
}

// UpdateExecutionStatus applies one state-machine transition. Terminal
// targets clear the pointer and interrupt flag atomically in the store; the
// full finalizer side effects belong to OnExecutionComplete.
func (a *Actor) UpdateExecutionStatus(ctx context.Context, executionID string, status execution.Status, errMsg string) (bool, error) {
	a.touch()
	a.mu.Lock()
	defer a.mu.Unlock()

	if _, err := a.ownedExecution(ctx, executionID); err != nil {
		return false, err
	}
	changed, err := a.deps.store.UpdateExecutionStatus(ctx, executionID, status, errMsg)
	if err != nil {
		return false, err
	}
	if changed {
		a.invalidate(ctx)
	}
	return changed, nil
}

// Heartbeat records wrapper liveness. Only running executions accept it;
// anything else is a reported no-op.
func (a *Actor) Heartbeat(ctx context.Context, executionID string, processID *int64) (bool, error) {
	a.touch()
	a.mu.Lock()
	defer a.mu.Unlock()

	if _, err := a.ownedExecution(ctx, executionID); err != nil {
		return false, err
	}
	ok, err := a.deps.store.UpdateExecutionHeartbeat(ctx, executionID)
	if err != nil || !ok {
		return ok, err
	}
	if processID != nil {
		if err := a.deps.store.SetProcessID(ctx, executionID, *processID); err != nil {
			slog.Warn("record process id", "execution_id", executionID, "error", err)
		}
	}
	_ = a.deps.store.TouchComputeActivity(ctx, a.sessionID)
	return true, nil
}

func (a *Actor) SetProcessID(ctx context.Context, executionID string, pid int64) error {
	a.touch()
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, err := a.ownedExecution(ctx, executionID); err != nil {
		return err
	}
	return a.deps.store.SetProcessID(ctx, executionID, pid)
}

func (a *Actor) SetActiveExecution(ctx context.Context, executionID string) (*execution.SetActiveResult, error) {
	a.touch()
	a.mu.Lock()
	defer a.mu.Unlock()
	res, err := a.deps.store.SetActiveExecution(ctx, a.sessionID, executionID)
	if err == nil && res.Set {
		a.invalidate(ctx)
	}
	return res, err
}

func (a *Actor) ClearActiveExecution(ctx context.Context, executionID string) error {
	a.touch()
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.deps.store.ClearActiveExecution(ctx, a.sessionID, executionID); err != nil {
		return err
	}
	a.invalidate(ctx)
	return nil
}

func (a *Actor) GetActiveExecutionID(ctx context.Context) (string, error) {
	a.touch()
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.deps.store.GetActiveExecutionID(ctx, a.sessionID)
}

func (a *Actor) InterruptRequested(ctx context.Context, executionID string) (bool, error) {
	a.touch()
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, err := a.ownedExecution(ctx, executionID); err != nil {
		return false, err
	}
	return a.deps.store.InterruptRequested(ctx, executionID)
}

func (a *Actor) SetInterruptRequested(ctx context.Context, executionID string, requested bool) error {
	a.touch()
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, err := a.ownedExecution(ctx, executionID); err != nil {
		return err
	}
	return a.deps.store.SetInterruptRequested(ctx, executionID, requested)
}

func (a *Actor) ClearInterruptRequested(ctx context.Context, executionID string) error {
	return a.SetInterruptRequested(ctx, executionID, false)
}

// --- Wrapper-reported session facts ---

// RecordEvent appends one wrapper-reported event to the session log.
func (a *Actor) RecordEvent(ctx context.Context, executionID string, typ event.Type, payload json.RawMessage) (*event.Event, error) {
	a.touch()
	a.mu.Lock()
	defer a.mu.Unlock()

	stored, err := a.deps.events.Append(ctx, event.Event{
		SessionID:   a.sessionID,
		ExecutionID: executionID,
		Type:        typ,
		Payload:     payload,
	})
	if err != nil {
		return nil, err
	}
	a.deps.metrics.EventAppended(ctx)
	_ = a.deps.store.TouchSessionActivity(ctx, a.sessionID)
	a.deps.stream.Publish(ctx, *stored)
	return stored, nil
}

func (a *Actor) UpdateAgentSessionID(ctx context.Context, agentSessionID string) error {
	a.touch()
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.deps.store.UpdateAgentSessionID(ctx, a.sessionID, agentSessionID); err != nil {
		return err
	}
	a.invalidate(ctx)
	return nil
}

func (a *Actor) LinkBackendRecord(ctx context.Context, recordID string) error {
	a.touch()
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.deps.store.LinkBackendRecord(ctx, a.sessionID, recordID); err != nil {
		return err
	}
	a.invalidate(ctx)
	return nil
}

// UpdateUpstreamBranch records the branch the wrapper pushed to.
func (a *Actor) UpdateUpstreamBranch(ctx context.Context, branch string) error {
	a.touch()
	a.mu.Lock()
	defer a.mu.Unlock()

	sess, err := a.deps.store.GetSession(ctx, a.sessionID)
	if err != nil {
		return err
	}
	if sess.Config.Repo == nil {
		return fmt.Errorf("%w: session %s has no repo", domain.ErrValidation, a.sessionID)
	}
	sess.Config.Repo.UpstreamBranch = branch
	if err := a.deps.store.SaveSessionConfig(ctx, a.sessionID, sess.Config); err != nil {
		return err
	}
	a.invalidate(ctx)
	return nil
}

// --- Leases ---

func (a *Actor) AcquireLease(ctx context.Context, executionID, leaseID, messageID string) (*lease.AcquireResult, error) {
	a.touch()
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, err := a.ownedExecution(ctx, executionID); err != nil {
		return nil, err
	}
	return a.deps.store.AcquireLease(ctx, lease.Lease{
		ExecutionID: executionID,
		LeaseID:     leaseID,
		MessageID:   messageID,
		ExpiresAt:   time.Now().Add(a.deps.leaseCfg.TTL),
	})
}

func (a *Actor) ExtendLease(ctx context.Context, executionID, leaseID string) (bool, error) {
	a.touch()
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, err := a.ownedExecution(ctx, executionID); err != nil {
		return false, err
	}
	return a.deps.store.ExtendLease(ctx, executionID, leaseID, time.Now().Add(a.deps.leaseCfg.TTL))
}

func (a *Actor) ReleaseLease(ctx context.Context, executionID, leaseID string) (bool, error) {
	a.touch()
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, err := a.ownedExecution(ctx, executionID); err != nil {
		return false, err
	}
	return a.deps.store.ReleaseLease(ctx, executionID, leaseID)
}
