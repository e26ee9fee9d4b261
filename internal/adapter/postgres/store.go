package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Strob0t/SessionForge/internal/domain/execution"
	"github.com/Strob0t/SessionForge/internal/domain/session"
)

// Store implements database.Store using PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a new Store backed by the given connection pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// sessionColumns is the SELECT column list for sessions queries.
const sessionColumns = `session_id, user_id, org_id, agent_session_id, linked_record_id, config,
	prepared_at, initiated_at, COALESCE(active_execution_id::text, ''), sandbox_id,
	compute_active_at, next_reap_at, version, last_activity_at, created_at, updated_at`

func scanSession(row scannable) (session.Session, error) {
	var (
		s          session.Session
		configJSON []byte
	)
	err := row.Scan(
		&s.SessionID, &s.UserID, &s.OrgID, &s.AgentSessionID, &s.LinkedRecordID, &configJSON,
		&s.PreparedAt, &s.InitiatedAt, &s.ActiveExecutionID, &s.SandboxID,
		&s.ComputeActiveAt, &s.NextReapAt, &s.Version, &s.LastActivityAt, &s.CreatedAt, &s.UpdatedAt,
	)
	if err != nil {
		return session.Session{}, err
	}
	if len(configJSON) > 0 {
		if err := json.Unmarshal(configJSON, &s.Config); err != nil {
			return session.Session{}, fmt.Errorf("unmarshal session config: %w", err)
		}
	}
	return s, nil
}

// --- Sessions ---

func (s *Store) CreateSession(ctx context.Context, sess *session.Session) (*session.Session, error) {
	configJSON, err := json.Marshal(sess.Config)
	if err != nil {
		return nil, fmt.Errorf("marshal config: %w", err)
	}

	row := s.pool.QueryRow(ctx,
		`INSERT INTO sessions (session_id, user_id, org_id, config, prepared_at, initiated_at, next_reap_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 RETURNING `+sessionColumns,
		sess.SessionID, sess.UserID, sess.OrgID, configJSON,
		sess.PreparedAt, sess.InitiatedAt, sess.NextReapAt)

	created, err := scanSession(row)
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	return &created, nil
}

func (s *Store) GetSession(ctx context.Context, sessionID string) (*session.Session, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE session_id = $1`, sessionID)

	sess, err := scanSession(row)
	if err != nil {
		return nil, notFoundWrap(err, "get session %s", sessionID)
	}
	return &sess, nil
}

// Exists implements sessionlookup.Lookup without loading the row.
func (s *Store) Exists(ctx context.Context, sessionID string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM sessions WHERE session_id = $1)`, sessionID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("session exists %s: %w", sessionID, err)
	}
	return exists, nil
}

func (s *Store) ListSessions(ctx context.Context, limit int) ([]session.Session, error) {
	q := `SELECT ` + sessionColumns + ` FROM sessions ORDER BY last_activity_at DESC`
	args := []any{}
	if limit > 0 {
		q += ` LIMIT $1`
		args = append(args, limit)
	}
	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var sessions []session.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

func (s *Store) SaveSessionConfig(ctx context.Context, sessionID string, cfg session.Config) error {
	configJSON, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE sessions SET config = $2, version = version + 1, last_activity_at = now(), updated_at = now()
		 WHERE session_id = $1`, sessionID, configJSON)
	return execExpectOne(tag, err, "save session config %s", sessionID)
}

func (s *Store) MarkInitiated(ctx context.Context, sessionID string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE sessions SET initiated_at = COALESCE(initiated_at, now()), last_activity_at = now(), updated_at = now()
		 WHERE session_id = $1`, sessionID)
	return execExpectOne(tag, err, "mark session initiated %s", sessionID)
}

func (s *Store) TouchSessionActivity(ctx context.Context, sessionID string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE sessions SET last_activity_at = now(), updated_at = now() WHERE session_id = $1`, sessionID)
	return execExpectOne(tag, err, "touch session %s", sessionID)
}

func (s *Store) UpdateAgentSessionID(ctx context.Context, sessionID, agentSessionID string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE sessions SET agent_session_id = $2, updated_at = now() WHERE session_id = $1`,
		sessionID, agentSessionID)
	return execExpectOne(tag, err, "update agent session id %s", sessionID)
}

func (s *Store) LinkBackendRecord(ctx context.Context, sessionID, recordID string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE sessions SET linked_record_id = $2, updated_at = now() WHERE session_id = $1`,
		sessionID, recordID)
	return execExpectOne(tag, err, "link backend record %s", sessionID)
}

func (s *Store) SetSandbox(ctx context.Context, sessionID, sandboxID string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE sessions SET sandbox_id = $2,
		        compute_active_at = CASE WHEN $2 = '' THEN NULL ELSE now() END,
		        updated_at = now()
		 WHERE session_id = $1`, sessionID, sandboxID)
	return execExpectOne(tag, err, "set sandbox %s", sessionID)
}

func (s *Store) TouchComputeActivity(ctx context.Context, sessionID string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE sessions SET compute_active_at = now(), updated_at = now() WHERE session_id = $1`, sessionID)
	return execExpectOne(tag, err, "touch compute activity %s", sessionID)
}

func (s *Store) SetNextReapAt(ctx context.Context, sessionID string, at time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE sessions SET next_reap_at = $2 WHERE session_id = $1`, sessionID, at)
	return execExpectOne(tag, err, "set next reap %s", sessionID)
}

func (s *Store) ListDueSessions(ctx context.Context, due time.Time, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx,
		`SELECT session_id FROM sessions WHERE next_reap_at IS NOT NULL AND next_reap_at <= $1
		 ORDER BY next_reap_at ASC LIMIT $2`, due, limit)
	if err != nil {
		return nil, fmt.Errorf("list due sessions: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan due session: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *Store) DeleteSession(ctx context.Context, sessionID string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM sessions WHERE session_id = $1`, sessionID)
	return execExpectOne(tag, err, "delete session %s", sessionID)
}

// --- Active-execution pointer ---

func (s *Store) SetActiveExecution(ctx context.Context, sessionID, executionID string) (*execution.SetActiveResult, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE sessions SET active_execution_id = $2, last_activity_at = now(), updated_at = now()
		 WHERE session_id = $1 AND (active_execution_id IS NULL OR active_execution_id = $2)`,
		sessionID, executionID)
	if err != nil {
		return nil, fmt.Errorf("set active execution %s: %w", sessionID, err)
	}
	if tag.RowsAffected() == 1 {
		return &execution.SetActiveResult{Set: true, ActiveExecutionID: executionID}, nil
	}

	holder, err := s.GetActiveExecutionID(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return &execution.SetActiveResult{Set: false, ActiveExecutionID: holder}, nil
}

// ClearActiveExecution clears the pointer. With a non-empty executionID the
// clear is conditional on the pointer still naming that execution, so a
// stale finalize cannot clobber a newer execution's pointer. A mismatched
// or already-clear pointer is a no-op, not an error.
func (s *Store) ClearActiveExecution(ctx context.Context, sessionID, executionID string) error {
	var err error
	if executionID == "" {
		_, err = s.pool.Exec(ctx,
			`UPDATE sessions SET active_execution_id = NULL, updated_at = now() WHERE session_id = $1`,
			sessionID)
	} else {
		_, err = s.pool.Exec(ctx,
			`UPDATE sessions SET active_execution_id = NULL, updated_at = now()
			 WHERE session_id = $1 AND active_execution_id = $2`,
			sessionID, executionID)
	}
	if err != nil {
		return fmt.Errorf("clear active execution %s: %w", sessionID, err)
	}
	return nil
}

func (s *Store) GetActiveExecutionID(ctx context.Context, sessionID string) (string, error) {
	var id string
	err := s.pool.QueryRow(ctx,
		`SELECT COALESCE(active_execution_id::text, '') FROM sessions WHERE session_id = $1`,
		sessionID).Scan(&id)
	if err != nil {
		return "", notFoundWrap(err, "get active execution %s", sessionID)
	}
	return id, nil
}
