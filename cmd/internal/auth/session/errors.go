package session

import (
	"errors"

	"courier/cmd/internal/apperr"
)

// authKind is a session failure that the transport reports as unauthenticated.
type authKind struct{ code string }

func (k *authKind) Error() string { return k.code }

func (k *authKind) Unwrap() error { return apperr.ErrUnauthenticated }

var (
	// ErrInvalidToken is returned when an access token fails signature,
	// algorithm, expiry or session checks.
	ErrInvalidToken error = &authKind{code: "invalid_token"}

	// ErrInvalidRefreshToken is returned when a refresh token fails
	// verification before any lookup happens.
	ErrInvalidRefreshToken error = &authKind{code: "invalid_refresh_token"}

	// ErrRefreshNotRecognized is returned when a verified refresh token matches
	// no valid, unexpired session row: already rotated, revoked or unknown.
	ErrRefreshNotRecognized error = &authKind{code: "refresh_not_recognized"}

	// ErrSessionNotFound is returned by stores for a missing session id.
	ErrSessionNotFound = errors.New("session not found")

	// ErrConfig is returned for invalid configuration.
	ErrConfig = errors.New("invalid session config")
)
