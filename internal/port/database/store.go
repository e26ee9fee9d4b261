// Package database defines the database store port (interface).
package database

import (
	"context"
	"time"

	"github.com/Strob0t/SessionForge/internal/domain/execution"
	"github.com/Strob0t/SessionForge/internal/domain/lease"
	"github.com/Strob0t/SessionForge/internal/domain/session"
)

// Store is the port interface for durable session state. Terminal execution
// transitions atomically clear the session's active pointer and the
// execution's interrupt flag in the same transaction.
type Store interface {
	// Sessions
	CreateSession(ctx context.Context, s *session.Session) (*session.Session, error)
	GetSession(ctx context.Context, sessionID string) (*session.Session, error)
	ListSessions(ctx context.Context, limit int) ([]session.Session, error)
	SaveSessionConfig(ctx context.Context, sessionID string, cfg session.Config) error
	MarkInitiated(ctx context.Context, sessionID string) error
	TouchSessionActivity(ctx context.Context, sessionID string) error
	UpdateAgentSessionID(ctx context.Context, sessionID, agentSessionID string) error
	LinkBackendRecord(ctx context.Context, sessionID, recordID string) error
	SetSandbox(ctx context.Context, sessionID, sandboxID string) error
	TouchComputeActivity(ctx context.Context, sessionID string) error
	SetNextReapAt(ctx context.Context, sessionID string, at time.Time) error
	// ListDueSessions returns ids of sessions whose next reap time is at or
	// before due. The registry uses it to revive evicted actors.
	ListDueSessions(ctx context.Context, due time.Time, limit int) ([]string, error)
	DeleteSession(ctx context.Context, sessionID string) error

	// Active-execution pointer. SetActiveExecution only succeeds when the
	// pointer is empty or already holds executionID; the result names the
	// current holder otherwise. ClearActiveExecution with a non-empty
	// executionID clears only when the pointer matches it.
	SetActiveExecution(ctx context.Context, sessionID, executionID string) (*execution.SetActiveResult, error)
	ClearActiveExecution(ctx context.Context, sessionID, executionID string) error
	GetActiveExecutionID(ctx context.Context, sessionID string) (string, error)

	// Executions. UpdateExecutionStatus returns changed=false without error
	// when the execution is already terminal; illegal transitions return
	// a conflict. UpdateExecutionHeartbeat applies only while running and
	// reports whether it was applied.
	AddExecution(ctx context.Context, e *execution.Execution) (*execution.Execution, error)
	GetExecution(ctx context.Context, executionID string) (*execution.Execution, error)
	GetExecutions(ctx context.Context, sessionID string) ([]execution.Execution, error)
	UpdateExecutionStatus(ctx context.Context, executionID string, status execution.Status, errMsg string) (bool, error)
	UpdateExecutionHeartbeat(ctx context.Context, executionID string) (bool, error)
	SetProcessID(ctx context.Context, executionID string, pid int64) error
	SetInterruptRequested(ctx context.Context, executionID string, requested bool) error
	InterruptRequested(ctx context.Context, executionID string) (bool, error)

	// Leases. Acquire replaces an expired lease in place; extend and
	// release require a matching lease id. Expired rows are deleted only
	// by DeleteExpiredLeases (the reaper).
	AcquireLease(ctx context.Context, l lease.Lease) (*lease.AcquireResult, error)
	ExtendLease(ctx context.Context, executionID, leaseID string, until time.Time) (bool, error)
	ReleaseLease(ctx context.Context, executionID, leaseID string) (bool, error)
	DeleteExpiredLeases(ctx context.Context, sessionID string, now time.Time) (int64, error)
}
