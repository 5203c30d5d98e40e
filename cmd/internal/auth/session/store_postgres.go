package session

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"courier/cmd/identity"
	"courier/cmd/internal/apperr"
	"courier/cmd/internal/pgstore"
)

// PostgresStore implements Store over the sessions table.
type PostgresStore struct {
	db *pgstore.DB
}

// NewPostgresStore creates a Postgres-backed session store.
func NewPostgresStore(pool *pgxpool.Pool, opts ...pgstore.Option) (*PostgresStore, error) {
	db, err := pgstore.New(pool, opts...)
	if err != nil {
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

// principalColumn returns the FK column owning a session for role.
func principalColumn(role identity.Role) (string, error) {
	switch role {
	case identity.RoleUser:
		return "user_id", nil
	case identity.RoleOwner:
		return "owner_id", nil
	default:
		return "", errors.New("session: unknown role")
	}
}

// Create inserts a new session row.
func (s *PostgresStore) Create(ctx context.Context, in CreateInput) error {
	const op = "session.Create"

	col, err := principalColumn(in.Role)
	if err != nil {
		return apperr.Wrap(op, apperr.ErrValidation, err)
	}

	var ip any
	if in.Device.IP != nil {
		ip = in.Device.IP.String()
	}

	err = s.db.Do(ctx, op, func(ctx context.Context, c *pgxpool.Conn) error {
		_, err := c.Exec(ctx, `
			INSERT INTO `+s.db.Table("sessions")+` (
				id, `+col+`, token_hash, refresh_token_hash,
				expires_at, refresh_expires_at, is_valid,
				created_at, last_used_at, user_agent, ip
			) VALUES ($1, $2, $3, $4, $5, $6, TRUE, $7, $7, $8, $9)
		`, in.ID, in.PrincipalID, in.TokenHash, in.RefreshTokenHash,
			in.ExpiresAt, in.RefreshExpiresAt, in.Now, nullIfEmpty(in.Device.UserAgent), ip)
		return err
	})
	if err != nil {
		if _, ok := pgstore.ForeignKeyViolation(err); ok {
			return apperr.New(op, apperr.ErrNotFound, "principal not found")
		}
		return err
	}
	return nil
}

// Rotate rewrites the single row matching the old refresh digest.
//
// The whole check-and-replace is one UPDATE. Under concurrent refreshes of
// the same token, Postgres re-evaluates the WHERE clause after the first
// writer commits, so the loser matches zero rows and gets
// ErrRefreshNotRecognized.
func (s *PostgresStore) Rotate(ctx context.Context, in RotateInput) error {
	const op = "session.Rotate"

	col, err := principalColumn(in.Role)
	if err != nil {
		return ErrRefreshNotRecognized
	}

	var affected int64
	err = s.db.Do(ctx, op, func(ctx context.Context, c *pgxpool.Conn) error {
		tag, err := c.Exec(ctx, `
			UPDATE `+s.db.Table("sessions")+`
			   SET token_hash = $1,
			       refresh_token_hash = $2,
			       expires_at = $3,
			       refresh_expires_at = $4,
			       last_used_at = $5
			 WHERE refresh_token_hash = $6
			   AND id = $7
			   AND `+col+` = $8
			   AND is_valid
			   AND revoked_at IS NULL
			   AND refresh_expires_at > $5
		`, in.TokenHash, in.RefreshTokenHash, in.ExpiresAt, in.RefreshExpiresAt, in.Now,
			in.OldRefreshHash, in.SessionID, in.PrincipalID)
		affected = tag.RowsAffected()
		return err
	})
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrRefreshNotRecognized
	}
	return nil
}

// Revoke marks the row invalid. revoked_at keeps its first value.
func (s *PostgresStore) Revoke(ctx context.Context, refreshHash string, now time.Time) error {
	return s.db.Do(ctx, "session.Revoke", func(ctx context.Context, c *pgxpool.Conn) error {
		_, err := c.Exec(ctx, `
			UPDATE `+s.db.Table("sessions")+`
			   SET is_valid = FALSE,
			       revoked_at = COALESCE(revoked_at, $2)
			 WHERE refresh_token_hash = $1
		`, refreshHash, now)
		return err
	})
}

// Get loads a session row by id.
func (s *PostgresStore) Get(ctx context.Context, sessionID string) (Row, error) {
	var (
		row     Row
		userID  *string
		ownerID *string
	)
	err := s.db.Do(ctx, "session.Get", func(ctx context.Context, c *pgxpool.Conn) error {
		return c.QueryRow(ctx, `
			SELECT id, user_id, owner_id, token_hash, refresh_token_hash,
			       expires_at, refresh_expires_at, is_valid,
			       created_at, last_used_at, revoked_at
			  FROM `+s.db.Table("sessions")+`
			 WHERE id = $1
		`, sessionID).Scan(
			&row.ID, &userID, &ownerID, &row.TokenHash, &row.RefreshTokenHash,
			&row.ExpiresAt, &row.RefreshExpiresAt, &row.Valid,
			&row.CreatedAt, &row.LastUsedAt, &row.RevokedAt,
		)
	})
	if errors.Is(err, pgx.ErrNoRows) {
		return Row{}, ErrSessionNotFound
	}
	if err != nil {
		return Row{}, err
	}

	switch {
	case userID != nil:
		row.Role, row.PrincipalID = identity.RoleUser, *userID
	case ownerID != nil:
		row.Role, row.PrincipalID = identity.RoleOwner, *ownerID
	}
	return row, nil
}

// Touch updates last_used_at.
func (s *PostgresStore) Touch(ctx context.Context, sessionID string, now time.Time) error {
	return s.db.Do(ctx, "session.Touch", func(ctx context.Context, c *pgxpool.Conn) error {
		_, err := c.Exec(ctx, `
			UPDATE `+s.db.Table("sessions")+`
			   SET last_used_at = GREATEST(COALESCE(last_used_at, $2), $2)
			 WHERE id = $1
		`, sessionID, now)
		return err
	})
}

// DeleteExpired removes rows whose refresh expiry is before cutoff.
func (s *PostgresStore) DeleteExpired(ctx context.Context, cutoff time.Time) (int64, error) {
	var n int64
	err := s.db.Do(ctx, "session.DeleteExpired", func(ctx context.Context, c *pgxpool.Conn) error {
		tag, err := c.Exec(ctx, `DELETE FROM `+s.db.Table("sessions")+` WHERE refresh_expires_at < $1`, cutoff)
		n = tag.RowsAffected()
		return err
	})
	return n, err
}

func nullIfEmpty(s string) *string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	return &s
}
