package session

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"courier/cmd/identity"
	"courier/cmd/identity/ids"
	"courier/cmd/internal/apperr"
	"courier/cmd/internal/metrics"
	"courier/cmd/security/token"
)

// touchEvery bounds how often Authenticate writes last_used_at for one
// session.
const touchEvery = time.Minute

// Service implements the session lifecycle: create, refresh, revoke and
// authenticate.
type Service struct {
	codec   *Codec
	store   Store
	log     *slog.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the logger (default slog.Default()).
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.log = l
		}
	}
}

// WithMetrics records refresh outcomes.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// WithClock overrides the time source (tests).
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
			s.codec.now = now
		}
	}
}

// NewService constructs a Service.
func NewService(codec *Codec, store Store, opts ...Option) *Service {
	s := &Service{
		codec: codec,
		store: store,
		log:   slog.Default(),
		now:   func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Pair is a freshly issued credential pair. The raw tokens appear here once
// and are never stored.
type Pair struct {
	SessionID        string
	AccessToken      string
	AccessExpiresAt  time.Time
	RefreshToken     string
	RefreshExpiresAt time.Time
}

// Create opens a new session for p and returns its credential pair.
func (s *Service) Create(ctx context.Context, p identity.Principal, dev Device) (Pair, error) {
	const op = "session.Create"

	if p.ID == "" || !p.Role.Valid() {
		return Pair{}, apperr.Validation(op, "invalid principal")
	}

	now := s.now()
	sid, err := ids.NewULID(now)
	if err != nil {
		return Pair{}, err
	}

	pair, err := s.issue(Claims{Subject: p.ID, Email: p.Email, Role: p.Role, SessionID: sid}, now)
	if err != nil {
		return Pair{}, err
	}

	err = s.store.Create(ctx, CreateInput{
		ID:               sid,
		Role:             p.Role,
		PrincipalID:      p.ID,
		TokenHash:        s.codec.Digest(pair.AccessToken),
		RefreshTokenHash: s.codec.Digest(pair.RefreshToken),
		ExpiresAt:        pair.AccessExpiresAt,
		RefreshExpiresAt: pair.RefreshExpiresAt,
		Device:           dev,
		Now:              now,
	})
	if err != nil {
		return Pair{}, err
	}
	return pair, nil
}

// Refresh verifies rawRefresh, then rotates the one session row whose refresh
// digest matches it. Other sessions of the same principal are untouched.
func (s *Service) Refresh(ctx context.Context, rawRefresh string) (Pair, Claims, error) {
	const op = "session.Refresh"

	claims, err := s.codec.Verify(rawRefresh, Refresh)
	if err != nil {
		s.metrics.Refresh("invalid")
		return Pair{}, Claims{}, apperr.Error{Op: op, Kind: ErrInvalidRefreshToken, Msg: "invalid refresh token"}
	}

	now := s.now()
	pair, err := s.issue(claims, now)
	if err != nil {
		return Pair{}, Claims{}, err
	}

	err = s.store.Rotate(ctx, RotateInput{
		OldRefreshHash:   s.codec.Digest(strings.TrimSpace(rawRefresh)),
		SessionID:        claims.SessionID,
		Role:             claims.Role,
		PrincipalID:      claims.Subject,
		TokenHash:        s.codec.Digest(pair.AccessToken),
		RefreshTokenHash: s.codec.Digest(pair.RefreshToken),
		ExpiresAt:        pair.AccessExpiresAt,
		RefreshExpiresAt: pair.RefreshExpiresAt,
		Now:              now,
	})
	if err != nil {
		if errors.Is(err, ErrRefreshNotRecognized) {
			s.metrics.Refresh("not_recognized")
			s.log.Warn("auth.refresh.not_recognized", "session_id", claims.SessionID, "role", claims.Role)
			return Pair{}, Claims{}, apperr.Error{Op: op, Kind: ErrRefreshNotRecognized, Msg: "refresh token not recognized"}
		}
		s.metrics.Refresh("error")
		return Pair{}, Claims{}, err
	}

	s.metrics.Refresh("ok")
	return pair, claims, nil
}

// Revoke invalidates the session holding rawRefresh. It is idempotent and
// accepts expired tokens, so a client can always log out.
func (s *Service) Revoke(ctx context.Context, rawRefresh string) error {
	rawRefresh = strings.TrimSpace(rawRefresh)
	if rawRefresh == "" || len(rawRefresh) > maxTokenLen {
		return nil
	}
	return s.store.Revoke(ctx, s.codec.Digest(rawRefresh), s.now())
}

// Authenticate verifies an access token and confirms that its session is
// still valid and still bound to this exact token, so logout and rotation
// take effect immediately.
func (s *Service) Authenticate(ctx context.Context, rawAccess string) (Claims, error) {
	const op = "session.Authenticate"
	invalid := apperr.Error{Op: op, Kind: ErrInvalidToken, Msg: "invalid or expired token"}

	claims, err := s.codec.Verify(rawAccess, Access)
	if err != nil {
		return Claims{}, invalid
	}

	row, err := s.store.Get(ctx, claims.SessionID)
	if err != nil {
		if errors.Is(err, ErrSessionNotFound) {
			return Claims{}, invalid
		}
		return Claims{}, err
	}

	now := s.now()
	if !row.Active(now) ||
		row.Role != claims.Role ||
		row.PrincipalID != claims.Subject ||
		!token.Equal(row.TokenHash, s.codec.Digest(strings.TrimSpace(rawAccess))) {
		return Claims{}, invalid
	}

	if row.LastUsedAt == nil || now.Sub(*row.LastUsedAt) >= touchEvery {
		if err := s.store.Touch(ctx, row.ID, now); err != nil {
			s.log.Debug("session.touch.fail", "session_id", row.ID, "err", err)
		}
	}
	return claims, nil
}

// VerifyAccess checks an access token's signature, type and expiry without
// consulting the session store. A revoked session's token still passes, so
// callers use it only where losing the request is worse, such as an upload
// that can go to the fallback store while the database is down.
func (s *Service) VerifyAccess(rawAccess string) (Claims, error) {
	claims, err := s.codec.Verify(rawAccess, Access)
	if err != nil {
		return Claims{}, apperr.Error{Op: "session.VerifyAccess", Kind: ErrInvalidToken, Msg: "invalid or expired token"}
	}
	return claims, nil
}

// Prune deletes sessions whose refresh expiry passed more than grace ago.
func (s *Service) Prune(ctx context.Context, grace time.Duration) (int64, error) {
	n, err := s.store.DeleteExpired(ctx, s.now().Add(-grace))
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.log.Info("session.prune", "deleted", n)
	}
	return n, nil
}

func (s *Service) issue(cl Claims, now time.Time) (Pair, error) {
	access, accessExp, err := s.codec.Issue(cl, Access, now)
	if err != nil {
		return Pair{}, err
	}
	refresh, refreshExp, err := s.codec.Issue(cl, Refresh, now)
	if err != nil {
		return Pair{}, err
	}
	return Pair{
		SessionID:        cl.SessionID,
		AccessToken:      access,
		AccessExpiresAt:  accessExp,
		RefreshToken:     refresh,
		RefreshExpiresAt: refreshExp,
	}, nil
}
