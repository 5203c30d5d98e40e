package files

import (
	"context"
	"time"
)

// Store is the primary, queryable envelope store.
//
// Every method is one atomic statement. Missing rows come back as
// apperr.ErrNotFound, an unreachable backend as apperr.ErrTransient.
type Store interface {
	// Insert persists a new live envelope. An unknown owner yields
	// apperr.ErrNotFound.
	Insert(ctx context.Context, e Envelope) error

	ListByUploader(ctx context.Context, uploaderID string, limit int) ([]Summary, error)
	ListByOwner(ctx context.Context, ownerID string, limit int) ([]Summary, error)
	ListRecent(ctx context.Context, limit int) ([]Summary, error)

	// State returns ownership and deletion state, including for deleted rows.
	State(ctx context.Context, id string) (State, error)

	// Get returns a live envelope with its payload.
	Get(ctx context.Context, id string) (Envelope, error)

	// Destroy marks a live envelope of ownerID printed and deleted and wipes
	// its payload. ok is false when no live row owned by ownerID matched.
	Destroy(ctx context.Context, id, ownerID string, now time.Time) (e Envelope, ok bool, err error)

	History(ctx context.Context, ownerID string, limit int) ([]HistoryEntry, error)

	// Import inserts an envelope recovered from a fallback backend. inserted
	// is false when a row with the same id already exists.
	Import(ctx context.Context, e Envelope, importedAt time.Time) (inserted bool, err error)
}
