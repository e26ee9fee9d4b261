package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Strob0t/SessionForge/internal/domain/event"
)

// EventStore implements eventstore.Store using PostgreSQL (append-only).
type EventStore struct {
	pool *pgxpool.Pool
}

// NewEventStore creates a new EventStore backed by the given connection pool.
func NewEventStore(pool *pgxpool.Pool) *EventStore {
	return &EventStore{pool: pool}
}

// eventColumns is the SELECT column list for session_events queries.
const eventColumns = `session_id, seq, COALESCE(execution_id::text, ''), event_type, payload, created_at`

func scanEvent(row scannable, ev *event.Event) error {
	return row.Scan(&ev.SessionID, &ev.Seq, &ev.ExecutionID, &ev.Type, &ev.Payload, &ev.CreatedAt)
}

// Append inserts a new event with the next per-session sequence number.
// The MAX(seq)+1 subselect stays gap-free because appends for one session
// are serialized by its actor.
func (s *EventStore) Append(ctx context.Context, ev event.Event) (*event.Event, error) {
	payload := ev.Payload
	if len(payload) == 0 {
		payload = json.RawMessage(`{}`)
	}

	err := s.pool.QueryRow(ctx,
		`INSERT INTO session_events (session_id, seq, execution_id, event_type, payload)
		 SELECT $1, COALESCE(MAX(seq), 0) + 1, $2, $3, $4
		 FROM session_events WHERE session_id = $1
		 RETURNING seq, created_at`,
		ev.SessionID, nullIfEmpty(ev.ExecutionID), string(ev.Type), payload).
		Scan(&ev.Seq, &ev.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("append event %s: %w", ev.SessionID, err)
	}
	ev.Payload = payload
	return &ev, nil
}

// LoadFrom returns events with seq greater than fromSeq in ascending order.
func (s *EventStore) LoadFrom(ctx context.Context, sessionID string, fromSeq int64, limit int) ([]event.Event, error) {
	q := `SELECT ` + eventColumns + ` FROM session_events WHERE session_id = $1 AND seq > $2 ORDER BY seq ASC`
	args := []any{sessionID, fromSeq}
	if limit > 0 {
		q += ` LIMIT $3`
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("load events %s: %w", sessionID, err)
	}
	defer rows.Close()

	var events []event.Event
	for rows.Next() {
		var ev event.Event
		if err := scanEvent(rows, &ev); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

// LatestSeq returns the highest assigned seq, or 0 for an empty log.
func (s *EventStore) LatestSeq(ctx context.Context, sessionID string) (int64, error) {
	var seq int64
	err := s.pool.QueryRow(ctx,
		`SELECT COALESCE(MAX(seq), 0) FROM session_events WHERE session_id = $1`, sessionID).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("latest seq %s: %w", sessionID, err)
	}
	return seq, nil
}

// DeleteBefore removes events created before the cutoff.
func (s *EventStore) DeleteBefore(ctx context.Context, sessionID string, cutoff time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM session_events WHERE session_id = $1 AND created_at < $2`, sessionID, cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete events %s: %w", sessionID, err)
	}
	return tag.RowsAffected(), nil
}
