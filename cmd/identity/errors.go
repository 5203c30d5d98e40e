package identity

import (
	"errors"
	"fmt"

	"courier/cmd/internal/apperr"
)

// ConflictError reports a uniqueness conflict for a logical field ("email").
type ConflictError struct {
	Op    string
	Field string
}

func (e ConflictError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("%s: %v", e.Op, apperr.ErrConflict)
	}
	return fmt.Sprintf("%s: %v: %s", e.Op, apperr.ErrConflict, e.Field)
}

func (e ConflictError) Unwrap() error { return apperr.ErrConflict }

// NotFoundError reports a missing principal.
type NotFoundError struct {
	Op       string
	Resource string
}

func (e NotFoundError) Error() string {
	if e.Resource == "" {
		return fmt.Sprintf("%s: %v", e.Op, apperr.ErrNotFound)
	}
	return fmt.Sprintf("%s: %v: %s", e.Op, apperr.ErrNotFound, e.Resource)
}

func (e NotFoundError) Unwrap() error { return apperr.ErrNotFound }

// IsConflict reports whether err is a ConflictError.
func IsConflict(err error) bool {
	var ce ConflictError
	return errors.As(err, &ce)
}

// IsNotFound reports whether err represents apperr.ErrNotFound.
func IsNotFound(err error) bool { return errors.Is(err, apperr.ErrNotFound) }
