package session

import (
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"courier/cmd/identity"
	"courier/cmd/identity/ids"
	"courier/cmd/security/token"
)

// Kind selects the secret (and lifetime) a token is signed with.
type Kind int

const (
	Access Kind = iota + 1
	Refresh
)

func (k Kind) String() string {
	switch k {
	case Access:
		return "access"
	case Refresh:
		return "refresh"
	default:
		return "unknown"
	}
}

// maxTokenLen bounds inputs before any parsing work.
const maxTokenLen = 4096

// Claims is the identity envelope carried by both token kinds.
type Claims struct {
	Subject   string
	Email     string
	Role      identity.Role
	SessionID string
	ID        string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

type jwtClaims struct {
	Email     string `json:"email"`
	Role      string `json:"role"`
	SessionID string `json:"sid"`
	Type      string `json:"typ"`
	jwt.RegisteredClaims
}

// Codec signs and verifies tokens and digests them for storage.
type Codec struct {
	issuer     string
	access     []byte
	refresh    []byte
	accessTTL  time.Duration
	refreshTTL time.Duration
	skew       time.Duration
	hasher     token.Hasher
	now        func() time.Time
}

// NewCodec builds a Codec from cfg. The hasher decides between plain SHA-256
// and HMAC-SHA256 digests.
func NewCodec(cfg Config, hasher token.Hasher) (*Codec, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Codec{
		issuer:     cfg.Issuer,
		access:     append([]byte(nil), cfg.AccessSecret...),
		refresh:    append([]byte(nil), cfg.RefreshSecret...),
		accessTTL:  cfg.AccessTTL,
		refreshTTL: cfg.RefreshTTL,
		skew:       cfg.ClockSkew,
		hasher:     hasher,
		now:        func() time.Time { return time.Now().UTC() },
	}, nil
}

func (c *Codec) secret(k Kind) []byte {
	if k == Refresh {
		return c.refresh
	}
	return c.access
}

// TTL returns the lifetime of tokens of kind k.
func (c *Codec) TTL(k Kind) time.Duration {
	if k == Refresh {
		return c.refreshTTL
	}
	return c.accessTTL
}

// Issue signs claims as a token of kind k valid from now for the kind's TTL.
// A fresh ULID jti makes every token unique, even within the same second.
func (c *Codec) Issue(cl Claims, k Kind, now time.Time) (string, time.Time, error) {
	if k != Access && k != Refresh {
		return "", time.Time{}, errors.New("session: unknown token kind")
	}
	if cl.Subject == "" || cl.SessionID == "" || !cl.Role.Valid() {
		return "", time.Time{}, errors.New("session: incomplete claims")
	}

	jti, err := ids.NewULID(now)
	if err != nil {
		return "", time.Time{}, err
	}
	exp := now.Add(c.TTL(k))

	t := jwt.NewWithClaims(jwt.SigningMethodHS256, jwtClaims{
		Email:     cl.Email,
		Role:      string(cl.Role),
		SessionID: cl.SessionID,
		Type:      k.String(),
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    c.issuer,
			Subject:   cl.Subject,
			ID:        jti,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	})
	signed, err := t.SignedString(c.secret(k))
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, exp, nil
}

// Verify checks signature, algorithm, issuer, expiry and kind. Only HS256 is
// accepted, so "none" and asymmetric algorithms are rejected before the key
// is consulted.
func (c *Codec) Verify(raw string, k Kind) (Claims, error) {
	fail := ErrInvalidToken
	if k == Refresh {
		fail = ErrInvalidRefreshToken
	}

	raw = strings.TrimSpace(raw)
	if raw == "" || len(raw) > maxTokenLen {
		return Claims{}, fail
	}

	var jc jwtClaims
	_, err := jwt.ParseWithClaims(raw, &jc,
		func(*jwt.Token) (any, error) { return c.secret(k), nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(c.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithLeeway(c.skew),
		jwt.WithTimeFunc(c.now),
	)
	if err != nil {
		return Claims{}, fail
	}

	role := identity.Role(jc.Role)
	if jc.Type != k.String() || jc.Subject == "" || jc.SessionID == "" || !role.Valid() {
		return Claims{}, fail
	}

	out := Claims{
		Subject:   jc.Subject,
		Email:     jc.Email,
		Role:      role,
		SessionID: jc.SessionID,
		ID:        jc.ID,
	}
	if jc.IssuedAt != nil {
		out.IssuedAt = jc.IssuedAt.Time
	}
	if jc.ExpiresAt != nil {
		out.ExpiresAt = jc.ExpiresAt.Time
	}
	return out, nil
}

// Digest returns the 64-char hex digest used to store and look up raw tokens.
func (c *Codec) Digest(raw string) string {
	return c.hasher.Digest(raw)
}
