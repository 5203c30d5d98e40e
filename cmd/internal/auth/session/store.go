package session

import (
	"context"
	"net"
	"time"

	"courier/cmd/identity"
)

// Row mirrors a sessions row. Exactly one principal (user or owner) owns it.
type Row struct {
	ID               string
	Role             identity.Role
	PrincipalID      string
	TokenHash        string
	RefreshTokenHash string
	ExpiresAt        time.Time
	RefreshExpiresAt time.Time
	Valid            bool
	CreatedAt        time.Time
	LastUsedAt       *time.Time
	RevokedAt        *time.Time
}

// Active reports whether the row can still authenticate at now.
func (r Row) Active(now time.Time) bool {
	return r.Valid && r.RevokedAt == nil && r.RefreshExpiresAt.After(now)
}

// Device describes the client that opened a session.
type Device struct {
	UserAgent string
	IP        net.IP
}

// CreateInput is a new session row. Hashes are token digests, never raw tokens.
type CreateInput struct {
	ID               string
	Role             identity.Role
	PrincipalID      string
	TokenHash        string
	RefreshTokenHash string
	ExpiresAt        time.Time
	RefreshExpiresAt time.Time
	Device           Device
	Now              time.Time
}

// RotateInput replaces the digests and expiries of the single row whose
// refresh digest is OldRefreshHash.
type RotateInput struct {
	OldRefreshHash   string
	SessionID        string
	Role             identity.Role
	PrincipalID      string
	TokenHash        string
	RefreshTokenHash string
	ExpiresAt        time.Time
	RefreshExpiresAt time.Time
	Now              time.Time
}

// Store abstracts persistence for session state.
type Store interface {
	// Create inserts a new valid session row.
	Create(ctx context.Context, in CreateInput) error

	// Rotate rewrites one row in a single atomic statement, matching on the
	// old refresh digest, validity and refresh expiry. It returns
	// ErrRefreshNotRecognized when no row matched.
	Rotate(ctx context.Context, in RotateInput) error

	// Revoke invalidates the row whose refresh digest matches. Unknown or
	// already revoked digests are not an error.
	Revoke(ctx context.Context, refreshHash string, now time.Time) error

	// Get loads a session row by id.
	Get(ctx context.Context, sessionID string) (Row, error)

	// Touch records use of a session (best-effort).
	Touch(ctx context.Context, sessionID string, now time.Time) error

	// DeleteExpired removes rows whose refresh expiry is before cutoff.
	DeleteExpired(ctx context.Context, cutoff time.Time) (int64, error)
}
