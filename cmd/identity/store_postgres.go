package identity

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"courier/cmd/identity/ids"
	"courier/cmd/internal/apperr"
	"courier/cmd/internal/pgstore"
)

// PostgresStore implements Store over the users and owners tables.
//
// Design notes:
//   - The pgx pool is owned by the caller; this store must NOT close it.
//   - Table identifiers are quoted through pgx.Identifier.
//   - Connection acquisition is bounded; unreachable databases surface as
//     apperr.ErrTransient.
type PostgresStore struct {
	db *pgstore.DB
}

// NewPostgresStore constructs a PostgresStore.
func NewPostgresStore(pool *pgxpool.Pool, opts ...pgstore.Option) (*PostgresStore, error) {
	db, err := pgstore.New(pool, opts...)
	if err != nil {
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

// Create inserts a principal into its role table.
func (s *PostgresStore) Create(ctx context.Context, in CreateInput) (Principal, error) {
	const op = "identity.Create"

	if !in.Role.Valid() {
		return Principal{}, apperr.Validation(op, "unknown role")
	}
	email := NormalizeEmail(in.Email)
	if email == "" {
		return Principal{}, apperr.Validation(op, "email is required")
	}
	if strings.TrimSpace(in.PasswordHash) == "" {
		return Principal{}, apperr.Validation(op, "password hash is required")
	}
	if in.Role == RoleOwner && strings.TrimSpace(in.PublicKey) == "" {
		return Principal{}, apperr.Validation(op, "public key is required")
	}

	now := in.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}
	id, err := ids.NewULID(now)
	if err != nil {
		return Principal{}, err
	}

	table := s.db.Table(in.Role.table())
	err = s.db.Do(ctx, op, func(ctx context.Context, c *pgxpool.Conn) error {
		if in.Role == RoleOwner {
			_, err := c.Exec(ctx,
				`INSERT INTO `+table+` (id, email, password_hash, display_name, public_key, created_at)
				 VALUES ($1, $2, $3, $4, $5, $6)`,
				id, email, in.PasswordHash, in.DisplayName, in.PublicKey, now,
			)
			return err
		}
		_, err := c.Exec(ctx,
			`INSERT INTO `+table+` (id, email, password_hash, display_name, created_at)
			 VALUES ($1, $2, $3, $4, $5)`,
			id, email, in.PasswordHash, in.DisplayName, now,
		)
		return err
	})
	if err != nil {
		if constraint, ok := pgstore.UniqueViolation(err); ok {
			field := "unique"
			if strings.Contains(constraint, "email") {
				field = "email"
			}
			return Principal{}, ConflictError{Op: op, Field: field}
		}
		return Principal{}, err
	}

	p := Principal{
		ID:          id,
		Role:        in.Role,
		Email:       email,
		DisplayName: in.DisplayName,
		CreatedAt:   now,
	}
	if in.Role == RoleOwner {
		p.PublicKey = in.PublicKey
	}
	return p, nil
}

// CredentialsByEmail returns the principal and password hash for an exact
// email match.
func (s *PostgresStore) CredentialsByEmail(ctx context.Context, role Role, email string) (Credentials, error) {
	const op = "identity.CredentialsByEmail"

	if !role.Valid() {
		return Credentials{}, apperr.Validation(op, "unknown role")
	}
	email = NormalizeEmail(email)
	if email == "" {
		return Credentials{}, apperr.Validation(op, "email is required")
	}

	var out Credentials
	err := s.db.Do(ctx, op, func(ctx context.Context, c *pgxpool.Conn) error {
		row := c.QueryRow(ctx,
			`SELECT id, email, password_hash, display_name, `+publicKeyColumn(role)+`, created_at
			   FROM `+s.db.Table(role.table())+`
			  WHERE email = $1`,
			email,
		)
		return row.Scan(
			&out.Principal.ID,
			&out.Principal.Email,
			&out.PasswordHash,
			&out.Principal.DisplayName,
			&out.Principal.PublicKey,
			&out.Principal.CreatedAt,
		)
	})
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Credentials{}, NotFoundError{Op: op, Resource: role.String()}
		}
		return Credentials{}, err
	}
	out.Principal.Role = role
	return out, nil
}

// ByID loads a principal by id.
func (s *PostgresStore) ByID(ctx context.Context, role Role, id string) (Principal, error) {
	const op = "identity.ByID"

	if !role.Valid() {
		return Principal{}, apperr.Validation(op, "unknown role")
	}
	if strings.TrimSpace(id) == "" {
		return Principal{}, NotFoundError{Op: op, Resource: role.String()}
	}

	var p Principal
	err := s.db.Do(ctx, op, func(ctx context.Context, c *pgxpool.Conn) error {
		return c.QueryRow(ctx,
			`SELECT id, email, display_name, `+publicKeyColumn(role)+`, created_at
			   FROM `+s.db.Table(role.table())+`
			  WHERE id = $1`,
			id,
		).Scan(&p.ID, &p.Email, &p.DisplayName, &p.PublicKey, &p.CreatedAt)
	})
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Principal{}, NotFoundError{Op: op, Resource: role.String()}
		}
		return Principal{}, err
	}
	p.Role = role
	return p, nil
}

// UpdatePasswordHash replaces the stored hash, used when hashing parameters
// are raised.
func (s *PostgresStore) UpdatePasswordHash(ctx context.Context, role Role, id, hash string) error {
	const op = "identity.UpdatePasswordHash"

	if !role.Valid() {
		return apperr.Validation(op, "unknown role")
	}
	if strings.TrimSpace(hash) == "" {
		return apperr.Validation(op, "password hash is required")
	}

	var affected int64
	err := s.db.Do(ctx, op, func(ctx context.Context, c *pgxpool.Conn) error {
		tag, err := c.Exec(ctx,
			`UPDATE `+s.db.Table(role.table())+` SET password_hash = $2 WHERE id = $1`,
			id, hash,
		)
		affected = tag.RowsAffected()
		return err
	})
	if err != nil {
		return err
	}
	if affected == 0 {
		return NotFoundError{Op: op, Resource: role.String()}
	}
	return nil
}

// publicKeyColumn selects the owners' public key, or an empty string for users,
// so both roles scan into the same shape.
func publicKeyColumn(role Role) string {
	if role == RoleOwner {
		return "public_key"
	}
	return "''::text"
}
