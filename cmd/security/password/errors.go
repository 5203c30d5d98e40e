package password

import (
	"errors"
	"strings"
)

// Public, stable errors for callers.
var (
	ErrPasswordTooShort = errors.New("password too short")
	ErrPasswordTooLong  = errors.New("password too long")
	ErrWeakPassword     = errors.New("weak password")
	ErrInvalidHash      = errors.New("invalid password hash")
)

// PolicyError lists every composition rule a password failed.
type PolicyError struct {
	Violations []string
}

func (e PolicyError) Error() string {
	return ErrWeakPassword.Error() + ": " + strings.Join(e.Violations, "; ")
}

func (e PolicyError) Unwrap() error { return ErrWeakPassword }
