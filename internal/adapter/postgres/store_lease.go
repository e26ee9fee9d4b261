package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/Strob0t/SessionForge/internal/domain/lease"
)

// --- Leases ---

// AcquireLease claims the execution's work lease with a single conditional
// upsert: the insert wins when no lease exists, when the existing lease has
// expired, or when it already carries the same lease id (a retried
// acquire). Otherwise the current holder is reported.
func (s *Store) AcquireLease(ctx context.Context, l lease.Lease) (*lease.AcquireResult, error) {
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO leases (execution_id, lease_id, message_id, expires_at)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (execution_id) DO UPDATE
		 SET lease_id = EXCLUDED.lease_id, message_id = EXCLUDED.message_id,
		     expires_at = EXCLUDED.expires_at, created_at = now()
		 WHERE leases.expires_at <= now() OR leases.lease_id = EXCLUDED.lease_id`,
		l.ExecutionID, l.LeaseID, l.MessageID, l.ExpiresAt)
	if err != nil {
		return nil, fmt.Errorf("acquire lease %s: %w", l.ExecutionID, err)
	}
	if tag.RowsAffected() == 1 {
		return &lease.AcquireResult{Acquired: true, ExpiresAt: l.ExpiresAt}, nil
	}

	var holder lease.Lease
	err = s.pool.QueryRow(ctx,
		`SELECT lease_id, message_id, expires_at FROM leases WHERE execution_id = $1`,
		l.ExecutionID).Scan(&holder.LeaseID, &holder.MessageID, &holder.ExpiresAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			// Holder released between upsert and read; treat as held with an
			// unknown owner so the caller backs off and retries.
			return &lease.AcquireResult{Acquired: false}, nil
		}
		return nil, fmt.Errorf("read lease holder %s: %w", l.ExecutionID, err)
	}
	return &lease.AcquireResult{
		Acquired:        false,
		ExpiresAt:       holder.ExpiresAt,
		HolderLeaseID:   holder.LeaseID,
		HolderMessageID: holder.MessageID,
	}, nil
}

// ExtendLease pushes the expiry out, but only for the matching, unexpired
// lease.
func (s *Store) ExtendLease(ctx context.Context, executionID, leaseID string, until time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE leases SET expires_at = $3
		 WHERE execution_id = $1 AND lease_id = $2 AND expires_at > now()`,
		executionID, leaseID, until)
	if err != nil {
		return false, fmt.Errorf("extend lease %s: %w", executionID, err)
	}
	return tag.RowsAffected() == 1, nil
}

// ReleaseLease deletes the lease when the lease id matches. Releasing an
// already-released lease is an idempotent no-op reported as success; a
// mismatched release against a live holder fails and leaves it intact.
func (s *Store) ReleaseLease(ctx context.Context, executionID, leaseID string) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM leases WHERE execution_id = $1 AND lease_id = $2`, executionID, leaseID)
	if err != nil {
		return false, fmt.Errorf("release lease %s: %w", executionID, err)
	}
	if tag.RowsAffected() == 1 {
		return true, nil
	}
	var held bool
	err = s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM leases WHERE execution_id = $1)`, executionID).Scan(&held)
	if err != nil {
		return false, fmt.Errorf("check lease %s: %w", executionID, err)
	}
	return !held, nil
}

// DeleteExpiredLeases sweeps expired lease rows for one session's
// executions. Only the reaper calls this.
func (s *Store) DeleteExpiredLeases(ctx context.Context, sessionID string, now time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM leases l USING executions e
		 WHERE l.execution_id = e.execution_id AND e.session_id = $1 AND l.expires_at <= $2`,
		sessionID, now)
	if err != nil {
		return 0, fmt.Errorf("delete expired leases %s: %w", sessionID, err)
	}
	return tag.RowsAffected(), nil
}
