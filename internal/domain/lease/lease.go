// Package lease defines the per-execution work lease used by queue
// consumers to keep execution work single-flight across redeliveries.
package lease

import "time"

// Lease is the current claim on an execution's work. At most one lease
// exists per execution id.
type Lease struct {
	ExecutionID string    `json:"execution_id"`
	LeaseID     string    `json:"lease_id"`
	MessageID   string    `json:"message_id"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// Expired reports whether the lease has expired at the given instant.
func (l *Lease) Expired(now time.Time) bool { return !l.ExpiresAt.After(now) }

// AcquireResult is the typed outcome of an acquire attempt. When Acquired
// is false the holder fields identify the current claim.
type AcquireResult struct {
	Acquired        bool      `json:"acquired"`
	ExpiresAt       time.Time `json:"expires_at,omitempty"`
	HolderLeaseID   string    `json:"holder_lease_id,omitempty"`
	HolderMessageID string    `json:"holder_message_id,omitempty"`
}
