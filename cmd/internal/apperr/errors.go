// Package apperr holds the error taxonomy shared by the courier services and
// its mapping onto HTTP status codes.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// kind is a sentinel error that can name a broader parent kind.
type kind struct {
	code   string
	parent error
}

func (k *kind) Error() string { return k.code }

func (k *kind) Unwrap() error { return k.parent }

// Sentinel kinds. Compare with errors.Is.
var (
	ErrValidation       error = &kind{code: "validation_error"}
	ErrTooLarge         error = &kind{code: "payload_too_large", parent: ErrValidation}
	ErrUnauthenticated  error = &kind{code: "unauthenticated"}
	ErrForbidden        error = &kind{code: "forbidden"}
	ErrInsufficientRole error = &kind{code: "insufficient_role", parent: ErrForbidden}
	ErrNotOwner         error = &kind{code: "not_owner", parent: ErrForbidden}
	ErrNotFound         error = &kind{code: "not_found"}
	ErrAlreadyDeleted   error = &kind{code: "already_deleted"}
	ErrConflict         error = &kind{code: "conflict"}
	ErrTransient        error = &kind{code: "store_unavailable"}
	ErrRateLimited      error = &kind{code: "rate_limited"}
)

// Error is a typed operation error with a stable Op + Kind contract.
// Msg is safe to show to callers. Err carries the underlying cause and is
// only logged.
type Error struct {
	Op   string
	Kind error
	Msg  string
	Err  error
}

func (e Error) Error() string {
	switch {
	case e.Msg == "" && e.Err == nil:
		return fmt.Sprintf("%s: %v", e.Op, e.Kind)
	case e.Err == nil:
		return fmt.Sprintf("%s: %v: %s", e.Op, e.Kind, e.Msg)
	case e.Msg == "":
		return fmt.Sprintf("%s: %v: %v", e.Op, e.Kind, e.Err)
	default:
		return fmt.Sprintf("%s: %v: %s: %v", e.Op, e.Kind, e.Msg, e.Err)
	}
}

// Unwrap exposes both the kind and the cause to errors.Is / errors.As.
func (e Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// New builds an Error without an underlying cause.
func New(op string, k error, msg string) error {
	return Error{Op: op, Kind: k, Msg: msg}
}

// Wrap builds an Error around a cause.
func Wrap(op string, k error, err error) error {
	return Error{Op: op, Kind: k, Err: err}
}

// Validation is shorthand for a validation failure with a caller-facing message.
func Validation(op, msg string) error {
	return Error{Op: op, Kind: ErrValidation, Msg: msg}
}

// Message returns the caller-facing message of err, if any.
func Message(err error) string {
	var e Error
	if errors.As(err, &e) {
		return e.Msg
	}
	return ""
}

// Code returns the stable code for the most specific kind in err.
func Code(err error) string {
	for _, k := range []error{
		ErrTooLarge, ErrValidation,
		ErrUnauthenticated,
		ErrInsufficientRole, ErrNotOwner, ErrForbidden,
		ErrNotFound, ErrAlreadyDeleted,
		ErrConflict, ErrTransient, ErrRateLimited,
	} {
		if errors.Is(err, k) {
			return k.Error()
		}
	}
	return "server_error"
}

// HTTPStatus maps err onto an HTTP status and a wire code.
//
// ErrAlreadyDeleted is reported exactly like ErrNotFound so callers cannot
// learn when a record was destroyed.
func HTTPStatus(err error) (int, string) {
	switch {
	case err == nil:
		return http.StatusOK, ""
	case errors.Is(err, ErrTooLarge):
		return http.StatusRequestEntityTooLarge, ErrTooLarge.Error()
	case errors.Is(err, ErrValidation):
		return http.StatusBadRequest, ErrValidation.Error()
	case errors.Is(err, ErrUnauthenticated):
		return http.StatusUnauthorized, ErrUnauthenticated.Error()
	case errors.Is(err, ErrInsufficientRole):
		return http.StatusForbidden, ErrInsufficientRole.Error()
	case errors.Is(err, ErrNotOwner):
		return http.StatusForbidden, ErrNotOwner.Error()
	case errors.Is(err, ErrForbidden):
		return http.StatusForbidden, ErrForbidden.Error()
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrAlreadyDeleted):
		return http.StatusNotFound, ErrNotFound.Error()
	case errors.Is(err, ErrConflict):
		return http.StatusConflict, ErrConflict.Error()
	case errors.Is(err, ErrRateLimited):
		return http.StatusTooManyRequests, ErrRateLimited.Error()
	case errors.Is(err, ErrTransient):
		return http.StatusServiceUnavailable, ErrTransient.Error()
	default:
		return http.StatusInternalServerError, "server_error"
	}
}
