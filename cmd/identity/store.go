package identity

import (
	"context"
	"time"
)

// Principal is a user or an owner. PublicKey is set only for owners.
type Principal struct {
	ID          string
	Role        Role
	Email       string
	DisplayName *string
	PublicKey   string
	CreatedAt   time.Time
}

// Credentials pairs a principal with its stored password hash.
type Credentials struct {
	Principal    Principal
	PasswordHash string
}

// CreateInput describes a principal to persist. PasswordHash must already be
// an encoded Argon2id hash.
type CreateInput struct {
	Role         Role
	Email        string
	PasswordHash string
	DisplayName  *string
	PublicKey    string
	Now          time.Time
}

// Store is the principal persistence boundary. Each role lives in its own
// table, so email uniqueness is enforced per role.
type Store interface {
	Create(ctx context.Context, in CreateInput) (Principal, error)
	CredentialsByEmail(ctx context.Context, role Role, email string) (Credentials, error)
	ByID(ctx context.Context, role Role, id string) (Principal, error)
	UpdatePasswordHash(ctx context.Context, role Role, id, hash string) error
}
