package identity

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"courier/cmd/internal/apperr"
	"courier/cmd/security/password"
)

// dummyPassword is hashed once and verified against when a login names an
// unknown email, so both paths cost one Argon2id evaluation.
const dummyPassword = "Courier-Dummy-Passw0rd!"

// Service registers principals and checks their credentials.
type Service struct {
	store Store
	pw    password.Config
	log   *slog.Logger
	now   func() time.Time

	dummyOnce sync.Once
	dummyHash string
}

// NewService wires a Service. A nil logger falls back to slog.Default().
func NewService(store Store, pw password.Config, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{
		store: store,
		pw:    pw,
		log:   log,
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// RegisterInput is a registration request for either role.
type RegisterInput struct {
	Role        Role
	Email       string
	Password    string
	DisplayName string
	PublicKey   string
}

// Register validates the request, hashes the password and persists the
// principal. A duplicate email yields a ConflictError.
func (s *Service) Register(ctx context.Context, in RegisterInput) (Principal, error) {
	const op = "identity.Register"

	if !in.Role.Valid() {
		return Principal{}, apperr.Validation(op, "unknown role")
	}
	email := NormalizeEmail(in.Email)
	if err := ValidateEmail(email); err != nil {
		return Principal{}, err
	}
	if err := s.validatePassword(op, in.Password); err != nil {
		return Principal{}, err
	}

	var publicKey string
	if in.Role == RoleOwner {
		publicKey = strings.TrimSpace(in.PublicKey)
		if err := ValidatePublicKey(publicKey); err != nil {
			return Principal{}, err
		}
	}

	var displayName *string
	if dn := strings.TrimSpace(in.DisplayName); dn != "" {
		if len(dn) > 200 {
			return Principal{}, apperr.Validation(op, "display name too long")
		}
		displayName = &dn
	}

	hash, err := s.pw.Hash(in.Password)
	if err != nil {
		return Principal{}, apperr.Wrap(op, apperr.ErrValidation, err)
	}

	return s.store.Create(ctx, CreateInput{
		Role:         in.Role,
		Email:        email,
		PasswordHash: hash,
		DisplayName:  displayName,
		PublicKey:    publicKey,
		Now:          s.now(),
	})
}

// Login checks email and password for role. Unknown email and wrong password
// produce the same error.
func (s *Service) Login(ctx context.Context, role Role, email, pass string) (Principal, error) {
	const op = "identity.Login"
	invalid := apperr.New(op, apperr.ErrUnauthenticated, "invalid email or password")

	if !role.Valid() {
		return Principal{}, apperr.Validation(op, "unknown role")
	}
	email = NormalizeEmail(email)
	if email == "" || pass == "" {
		return Principal{}, apperr.Validation(op, "email and password are required")
	}

	creds, err := s.store.CredentialsByEmail(ctx, role, email)
	if err != nil {
		if IsNotFound(err) {
			_, _ = s.pw.Verify(s.dummy(), pass)
			return Principal{}, invalid
		}
		return Principal{}, err
	}

	ok, err := s.pw.Verify(creds.PasswordHash, pass)
	if err != nil {
		s.log.Error("identity.login.hash_invalid", "role", role, "principal_id", creds.Principal.ID, "err", err)
		return Principal{}, invalid
	}
	if !ok {
		return Principal{}, invalid
	}

	if s.pw.NeedsRehash(creds.PasswordHash) {
		s.rehash(ctx, creds.Principal, pass)
	}
	return creds.Principal, nil
}

// Principal loads a principal by role and id.
func (s *Service) Principal(ctx context.Context, role Role, id string) (Principal, error) {
	if !role.Valid() {
		return Principal{}, apperr.Validation("identity.Principal", "unknown role")
	}
	return s.store.ByID(ctx, role, strings.TrimSpace(id))
}

func (s *Service) validatePassword(op, pass string) error {
	err := s.pw.Validate(pass)
	if err == nil {
		return nil
	}
	var pe password.PolicyError
	switch {
	case errors.As(err, &pe):
		return apperr.Error{Op: op, Kind: apperr.ErrValidation, Msg: "password " + strings.Join(pe.Violations, ", "), Err: err}
	case errors.Is(err, password.ErrPasswordTooShort), errors.Is(err, password.ErrPasswordTooLong):
		return apperr.Error{Op: op, Kind: apperr.ErrValidation, Msg: err.Error(), Err: err}
	default:
		return apperr.Wrap(op, apperr.ErrValidation, err)
	}
}

func (s *Service) rehash(ctx context.Context, p Principal, pass string) {
	hash, err := s.pw.Hash(pass)
	if err != nil {
		// Passwords set under an older, looser policy cannot be rehashed.
		return
	}
	if err := s.store.UpdatePasswordHash(ctx, p.Role, p.ID, hash); err != nil {
		s.log.Warn("identity.login.rehash_failed", "role", p.Role, "principal_id", p.ID, "err", err)
	}
}

func (s *Service) dummy() string {
	s.dummyOnce.Do(func() {
		h, err := s.pw.Hash(dummyPassword)
		if err != nil {
			s.log.Warn("identity.dummy_hash_failed", "err", err)
			return
		}
		s.dummyHash = h
	})
	return s.dummyHash
}
