package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"courier/cmd/identity"
	"courier/cmd/internal/apperr"
	"courier/cmd/security/token"
)

// memStore mirrors the PostgresStore contract; Rotate is atomic under mu.
type memStore struct {
	mu      sync.Mutex
	rows    map[string]*Row
	getErr  error
	touches int
}

func newMemStore() *memStore { return &memStore{rows: map[string]*Row{}} }

func (m *memStore) Create(_ context.Context, in CreateInput) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.rows {
		if r.RefreshTokenHash == in.RefreshTokenHash {
			return apperr.New("mem.Create", apperr.ErrConflict, "refresh hash")
		}
	}
	m.rows[in.ID] = &Row{
		ID: in.ID, Role: in.Role, PrincipalID: in.PrincipalID,
		TokenHash: in.TokenHash, RefreshTokenHash: in.RefreshTokenHash,
		ExpiresAt: in.ExpiresAt, RefreshExpiresAt: in.RefreshExpiresAt,
		Valid: true, CreatedAt: in.Now,
	}
	return nil
}

func (m *memStore) Rotate(_ context.Context, in RotateInput) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.rows {
		if r.RefreshTokenHash != in.OldRefreshHash || r.ID != in.SessionID ||
			r.Role != in.Role || r.PrincipalID != in.PrincipalID || !r.Active(in.Now) {
			continue
		}
		r.TokenHash = in.TokenHash
		r.RefreshTokenHash = in.RefreshTokenHash
		r.ExpiresAt = in.ExpiresAt
		r.RefreshExpiresAt = in.RefreshExpiresAt
		now := in.Now
		r.LastUsedAt = &now
		return nil
	}
	return ErrRefreshNotRecognized
}

func (m *memStore) Revoke(_ context.Context, refreshHash string, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.rows {
		if r.RefreshTokenHash == refreshHash {
			r.Valid = false
			if r.RevokedAt == nil {
				r.RevokedAt = &now
			}
		}
	}
	return nil
}

func (m *memStore) Get(_ context.Context, id string) (Row, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rows[id]
	if !ok {
		return Row{}, ErrSessionNotFound
	}
	return *r, nil
}

func (m *memStore) Touch(context.Context, string, time.Time) error { return nil }

func (m *memStore) DeleteExpired(_ context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for id, r := range m.rows {
		if r.RefreshExpiresAt.Before(cutoff) {
			delete(m.rows, id)
			n++
		}
	}
	return n, nil
}

type fixture struct {
	svc   *Service
	store *memStore
	now   time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{store: newMemStore(), now: time.Now().UTC().Truncate(time.Second)}
	codec, err := NewCodec(testConfig(), token.NewHasher(nil))
	require.NoError(t, err)
	f.svc = NewService(codec, f.store, WithClock(func() time.Time { return f.now }))
	return f
}

func (f *fixture) advance(d time.Duration) { f.now = f.now.Add(d) }

var owner = identity.Principal{ID: "01HOWNER000000000000000000", Role: identity.RoleOwner, Email: "owner@example.com"}

func TestService_CreateStoresDigestsOnly(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	pair, err := f.svc.Create(ctx, owner, Device{UserAgent: "test"})
	require.NoError(t, err)
	require.NotEmpty(t, pair.AccessToken)
	require.NotEmpty(t, pair.RefreshToken)

	row, err := f.store.Get(ctx, pair.SessionID)
	require.NoError(t, err)
	assert.Equal(t, token.HashSHA256Hex(pair.AccessToken), row.TokenHash)
	assert.Equal(t, token.HashSHA256Hex(pair.RefreshToken), row.RefreshTokenHash)
	assert.NotEqual(t, pair.AccessToken, row.TokenHash)
	assert.True(t, row.Valid)
	assert.Equal(t, f.now.Add(time.Hour), row.ExpiresAt)
	assert.Equal(t, f.now.Add(7*24*time.Hour), row.RefreshExpiresAt)

	claims, err := f.svc.Authenticate(ctx, pair.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, owner.ID, claims.Subject)
	assert.Equal(t, identity.RoleOwner, claims.Role)
}

func TestService_RefreshRotatesAndRejectsReplay(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.svc.Create(ctx, owner, Device{})
	require.NoError(t, err)

	f.advance(time.Minute)
	second, claims, err := f.svc.Refresh(ctx, first.RefreshToken)
	require.NoError(t, err)
	assert.Equal(t, first.SessionID, second.SessionID)
	assert.Equal(t, owner.ID, claims.Subject)
	assert.NotEqual(t, first.RefreshToken, second.RefreshToken)

	// Replaying the rotated token is rejected even though its signature is valid.
	_, _, err = f.svc.Refresh(ctx, first.RefreshToken)
	assert.ErrorIs(t, err, ErrRefreshNotRecognized)
	assert.ErrorIs(t, err, apperr.ErrUnauthenticated)

	// The old access token no longer matches the row.
	_, err = f.svc.Authenticate(ctx, first.AccessToken)
	assert.ErrorIs(t, err, ErrInvalidToken)
	_, err = f.svc.Authenticate(ctx, second.AccessToken)
	assert.NoError(t, err)
}

func TestService_RefreshInvalidTokenFailsFast(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	pair, err := f.svc.Create(ctx, owner, Device{})
	require.NoError(t, err)

	_, _, err = f.svc.Refresh(ctx, "not-a-jwt")
	assert.ErrorIs(t, err, ErrInvalidRefreshToken)

	// An access token is not a refresh token.
	_, _, err = f.svc.Refresh(ctx, pair.AccessToken)
	assert.ErrorIs(t, err, ErrInvalidRefreshToken)
}

func TestService_RefreshLeavesOtherSessionsUntouched(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	phone, err := f.svc.Create(ctx, owner, Device{UserAgent: "phone"})
	require.NoError(t, err)
	laptop, err := f.svc.Create(ctx, owner, Device{UserAgent: "laptop"})
	require.NoError(t, err)

	before, err := f.store.Get(ctx, laptop.SessionID)
	require.NoError(t, err)

	f.advance(time.Second)
	_, _, err = f.svc.Refresh(ctx, phone.RefreshToken)
	require.NoError(t, err)

	after, err := f.store.Get(ctx, laptop.SessionID)
	require.NoError(t, err)
	assert.Equal(t, before.TokenHash, after.TokenHash)
	assert.Equal(t, before.RefreshTokenHash, after.RefreshTokenHash)

	_, err = f.svc.Authenticate(ctx, laptop.AccessToken)
	assert.NoError(t, err)
}

func TestService_ConcurrentRefreshHasOneWinner(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	pair, err := f.svc.Create(ctx, owner, Device{})
	require.NoError(t, err)

	const n = 8
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		wins     int
		rejected int
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, err := f.svc.Refresh(ctx, pair.RefreshToken)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				wins++
			case errors.Is(err, ErrRefreshNotRecognized):
				rejected++
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, wins)
	assert.Equal(t, n-1, rejected)
}

func TestService_RevokeIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	pair, err := f.svc.Create(ctx, owner, Device{})
	require.NoError(t, err)

	require.NoError(t, f.svc.Revoke(ctx, pair.RefreshToken))
	row, err := f.store.Get(ctx, pair.SessionID)
	require.NoError(t, err)
	require.NotNil(t, row.RevokedAt)
	firstRevoked := *row.RevokedAt

	f.advance(time.Minute)
	require.NoError(t, f.svc.Revoke(ctx, pair.RefreshToken))
	row, err = f.store.Get(ctx, pair.SessionID)
	require.NoError(t, err)
	assert.Equal(t, firstRevoked, *row.RevokedAt)

	require.NoError(t, f.svc.Revoke(ctx, "unknown-token"))
	require.NoError(t, f.svc.Revoke(ctx, ""))

	_, _, err = f.svc.Refresh(ctx, pair.RefreshToken)
	assert.ErrorIs(t, err, ErrRefreshNotRecognized)
	_, err = f.svc.Authenticate(ctx, pair.AccessToken)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestService_RefreshAfterExpiry(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	pair, err := f.svc.Create(ctx, owner, Device{})
	require.NoError(t, err)

	f.advance(8 * 24 * time.Hour)
	_, _, err = f.svc.Refresh(ctx, pair.RefreshToken)
	assert.ErrorIs(t, err, ErrInvalidRefreshToken)

	n, err := f.svc.Prune(ctx, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestService_AuthenticateUnknownSession(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	pair, err := f.svc.Create(ctx, owner, Device{})
	require.NoError(t, err)
	delete(f.store.rows, pair.SessionID)

	_, err = f.svc.Authenticate(ctx, pair.AccessToken)
	assert.ErrorIs(t, err, ErrInvalidToken)
	assert.ErrorIs(t, err, apperr.ErrUnauthenticated)
}

func TestService_CreateRejectsInvalidPrincipal(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Create(context.Background(), identity.Principal{ID: "x", Role: "admin"}, Device{})
	assert.ErrorIs(t, err, apperr.ErrValidation)
}

func TestService_AuthenticateTouchesSession(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	pair, err := f.svc.Create(ctx, owner, Device{})
	require.NoError(t, err)

	_, err = f.svc.Authenticate(ctx, pair.AccessToken)
	require.NoError(t, err)
	row, err := f.store.Get(ctx, pair.SessionID)
	require.NoError(t, err)
	require.NotNil(t, row.LastUsedAt)
	assert.Equal(t, f.now, *row.LastUsedAt)

	// Within touchEvery the row is not written again.
	f.advance(10 * time.Second)
	_, err = f.svc.Authenticate(ctx, pair.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, 1, f.store.touches)

	f.advance(touchEvery)
	_, err = f.svc.Authenticate(ctx, pair.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, 2, f.store.touches)
}

func TestService_AuthenticateStoreDown(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	pair, err := f.svc.Create(ctx, owner, Device{})
	require.NoError(t, err)

	f.store.getErr = apperr.New("mem.Get", apperr.ErrTransient, "acquire timeout")
	_, err = f.svc.Authenticate(ctx, pair.AccessToken)
	assert.ErrorIs(t, err, apperr.ErrTransient)

	claims, err := f.svc.VerifyAccess(pair.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, owner.ID, claims.Subject)
	assert.Equal(t, pair.SessionID, claims.SessionID)

	_, err = f.svc.VerifyAccess(pair.RefreshToken)
	assert.ErrorIs(t, err, ErrInvalidToken)

	f.advance(2 * time.Hour)
	_, err = f.svc.VerifyAccess(pair.AccessToken)
	assert.ErrorIs(t, err, ErrInvalidToken)
}
