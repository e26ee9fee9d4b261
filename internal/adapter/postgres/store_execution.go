package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/Strob0t/SessionForge/internal/domain"
	"github.com/Strob0t/SessionForge/internal/domain/execution"
)

// executionColumns is the SELECT column list for executions queries.
const executionColumns = `execution_id, session_id, kind, status, streaming_mode, ingest_token_hash,
	process_id, interrupt_requested, last_heartbeat_at, error, started_at, completed_at`

func scanExecution(row scannable) (execution.Execution, error) {
	var e execution.Execution
	err := row.Scan(
		&e.ExecutionID, &e.SessionID, &e.Kind, &e.Status, &e.StreamingMode, &e.IngestTokenHash,
		&e.ProcessID, &e.InterruptRequested, &e.LastHeartbeatAt, &e.Error, &e.StartedAt, &e.CompletedAt,
	)
	return e, err
}

// --- Executions ---

func (s *Store) AddExecution(ctx context.Context, e *execution.Execution) (*execution.Execution, error) {
	row := s.pool.QueryRow(ctx,
		`INSERT INTO executions (execution_id, session_id, kind, status, streaming_mode, ingest_token_hash)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 RETURNING `+executionColumns,
		e.ExecutionID, e.SessionID, string(e.Kind), string(e.Status), e.StreamingMode, e.IngestTokenHash)

	created, err := scanExecution(row)
	if err != nil {
		return nil, fmt.Errorf("add execution: %w", err)
	}
	return &created, nil
}

func (s *Store) GetExecution(ctx context.Context, executionID string) (*execution.Execution, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+executionColumns+` FROM executions WHERE execution_id = $1`, executionID)

	e, err := scanExecution(row)
	if err != nil {
		return nil, notFoundWrap(err, "get execution %s", executionID)
	}
	return &e, nil
}

func (s *Store) GetExecutions(ctx context.Context, sessionID string) ([]execution.Execution, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+executionColumns+` FROM executions WHERE session_id = $1 ORDER BY started_at ASC`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list executions %s: %w", sessionID, err)
	}
	defer rows.Close()

	var executions []execution.Execution
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			return nil, fmt.Errorf("scan execution: %w", err)
		}
		executions = append(executions, e)
	}
	return executions, rows.Err()
}

// UpdateExecutionStatus moves an execution through its status machine. A
// transition into a terminal status also clears the owning session's
// active pointer (when it still names this execution) and resets the
// interrupt flag, all in one transaction. An execution that is already
// terminal reports changed=false without error; an illegal transition is a
// conflict.
func (s *Store) UpdateExecutionStatus(ctx context.Context, executionID string, status execution.Status, errMsg string) (bool, error) {
	if !status.Valid() {
		return false, fmt.Errorf("update execution status %s: unknown status %q: %w", executionID, status, domain.ErrValidation)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback after commit is a no-op

	var (
		sessionID string
		current   execution.Status
	)
	err = tx.QueryRow(ctx,
		`SELECT session_id, status FROM executions WHERE execution_id = $1 FOR UPDATE`,
		executionID).Scan(&sessionID, &current)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, fmt.Errorf("update execution status %s: %w", executionID, domain.ErrNotFound)
		}
		return false, fmt.Errorf("update execution status %s: %w", executionID, err)
	}

	if current == status || current.Terminal() {
		return false, nil
	}
	if !execution.CanTransition(current, status) {
		return false, fmt.Errorf("update execution status %s: %s -> %s: %w", executionID, current, status, domain.ErrConflict)
	}

	if status.Terminal() {
		_, err = tx.Exec(ctx,
			`UPDATE executions SET status = $2, error = $3, completed_at = now(), interrupt_requested = FALSE
			 WHERE execution_id = $1`, executionID, string(status), errMsg)
	} else {
		_, err = tx.Exec(ctx,
			`UPDATE executions SET status = $2, error = $3, last_heartbeat_at = now()
			 WHERE execution_id = $1`, executionID, string(status), errMsg)
	}
	if err != nil {
		return false, fmt.Errorf("update execution status %s: %w", executionID, err)
	}

	if status.Terminal() {
		_, err = tx.Exec(ctx,
			`UPDATE sessions SET active_execution_id = NULL, updated_at = now()
			 WHERE session_id = $1 AND active_execution_id = $2`, sessionID, executionID)
		if err != nil {
			return false, fmt.Errorf("clear active execution %s: %w", sessionID, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("commit execution status %s: %w", executionID, err)
	}
	return true, nil
}

// UpdateExecutionHeartbeat stamps the heartbeat while the execution is
// running and reports whether it was applied.
func (s *Store) UpdateExecutionHeartbeat(ctx context.Context, executionID string) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE executions SET last_heartbeat_at = now() WHERE execution_id = $1 AND status = $2`,
		executionID, string(execution.StatusRunning))
	if err != nil {
		return false, fmt.Errorf("heartbeat execution %s: %w", executionID, err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Store) SetProcessID(ctx context.Context, executionID string, pid int64) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE executions SET process_id = $2 WHERE execution_id = $1`, executionID, pid)
	return execExpectOne(tag, err, "set process id %s", executionID)
}

func (s *Store) SetInterruptRequested(ctx context.Context, executionID string, requested bool) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE executions SET interrupt_requested = $2 WHERE execution_id = $1`, executionID, requested)
	return execExpectOne(tag, err, "set interrupt requested %s", executionID)
}

func (s *Store) InterruptRequested(ctx context.Context, executionID string) (bool, error) {
	var requested bool
	err := s.pool.QueryRow(ctx,
		`SELECT interrupt_requested FROM executions WHERE execution_id = $1`, executionID).Scan(&requested)
	if err != nil {
		return false, notFoundWrap(err, "get interrupt requested %s", executionID)
	}
	return requested, nil
}
