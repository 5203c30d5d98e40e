package files

import (
	"context"
	"errors"
	"time"
)

// PendingState is the state of a record held by a Fallback backend.
type PendingState string

const (
	StatePendingImport PendingState = "pending_import"
	StateRejected      PendingState = "rejected"
)

// ErrPendingNotFound is returned by backends for unknown ids.
var ErrPendingNotFound = errors.New("files: pending record not found")

// Pending is an envelope accepted while the primary store was unreachable.
type Pending struct {
	Envelope Envelope     `json:"envelope"`
	State    PendingState `json:"state"`
	Reason   string       `json:"reason,omitempty"`
	StoredAt time.Time    `json:"stored_at"`
}

// Fallback is a write-only secondary store. Callers can only Put into it;
// List, Remove and Reject exist for the Reconciler and operators.
type Fallback interface {
	Put(ctx context.Context, p Pending) error
	// List returns up to limit records in StatePendingImport, oldest first.
	List(ctx context.Context, limit int) ([]Pending, error)
	Remove(ctx context.Context, id string) error
	// Reject moves a pending record to StateRejected with reason.
	Reject(ctx context.Context, id, reason string) error
	// Count returns the number of records in StatePendingImport.
	Count(ctx context.Context) (int, error)
	Name() string
}
