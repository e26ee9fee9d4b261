// Package eventstore defines the port interface for the append-only session
// event log.
package eventstore

import (
	"context"
	"time"

	"github.com/Strob0t/SessionForge/internal/domain/event"
)

// Store is the port interface for appending and replaying session events.
// Appends for one session are serialized by the session actor; the store
// assigns the next per-session sequence number.
type Store interface {
	// Append persists a new event and returns it with Seq and CreatedAt set.
	Append(ctx context.Context, ev event.Event) (*event.Event, error)

	// LoadFrom returns events with seq > fromSeq in ascending order.
	// limit <= 0 means no limit.
	LoadFrom(ctx context.Context, sessionID string, fromSeq int64, limit int) ([]event.Event, error)

	// LatestSeq returns the highest assigned seq, or 0 for an empty log.
	LatestSeq(ctx context.Context, sessionID string) (int64, error)

	// DeleteBefore removes events created before the cutoff and returns
	// how many were deleted.
	DeleteBefore(ctx context.Context, sessionID string, cutoff time.Time) (int64, error)
}
