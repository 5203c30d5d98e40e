package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestForbiddenFamily(t *testing.T) {
	assert.ErrorIs(t, ErrNotOwner, ErrForbidden)
	assert.ErrorIs(t, ErrInsufficientRole, ErrForbidden)
	assert.NotErrorIs(t, ErrForbidden, ErrNotOwner)
	assert.ErrorIs(t, ErrTooLarge, ErrValidation)
}

func TestErrorUnwrapsKindAndCause(t *testing.T) {
	cause := errors.New("dial tcp: connection refused")
	err := Wrap("files.Upload", ErrTransient, cause)

	require.ErrorIs(t, err, ErrTransient)
	require.ErrorIs(t, err, cause)

	wrapped := fmt.Errorf("outer: %w", err)
	var e Error
	require.ErrorAs(t, wrapped, &e)
	assert.Equal(t, "files.Upload", e.Op)
}

func TestMessage(t *testing.T) {
	err := Validation("files.Upload", "file_name is required")
	assert.Equal(t, "file_name is required", Message(err))
	assert.Equal(t, "", Message(errors.New("plain")))
}

func TestHTTPStatus(t *testing.T) {
	cases := []struct {
		err        error
		wantStatus int
		wantCode   string
	}{
		{err: Validation("op", "bad"), wantStatus: http.StatusBadRequest, wantCode: "validation_error"},
		{err: New("op", ErrTooLarge, "too big"), wantStatus: http.StatusRequestEntityTooLarge, wantCode: "payload_too_large"},
		{err: ErrUnauthenticated, wantStatus: http.StatusUnauthorized, wantCode: "unauthenticated"},
		{err: ErrInsufficientRole, wantStatus: http.StatusForbidden, wantCode: "insufficient_role"},
		{err: New("op", ErrNotOwner, ""), wantStatus: http.StatusForbidden, wantCode: "not_owner"},
		{err: ErrNotFound, wantStatus: http.StatusNotFound, wantCode: "not_found"},
		{err: ErrAlreadyDeleted, wantStatus: http.StatusNotFound, wantCode: "not_found"},
		{err: ErrConflict, wantStatus: http.StatusConflict, wantCode: "conflict"},
		{err: ErrTransient, wantStatus: http.StatusServiceUnavailable, wantCode: "store_unavailable"},
		{err: ErrRateLimited, wantStatus: http.StatusTooManyRequests, wantCode: "rate_limited"},
		{err: errors.New("boom"), wantStatus: http.StatusInternalServerError, wantCode: "server_error"},
	}

	for _, tc := range cases {
		status, code := HTTPStatus(tc.err)
		assert.Equal(t, tc.wantStatus, status, tc.err.Error())
		assert.Equal(t, tc.wantCode, code, tc.err.Error())
	}
}

func TestCode_MostSpecific(t *testing.T) {
	assert.Equal(t, "not_owner", Code(New("op", ErrNotOwner, "")))
	assert.Equal(t, "already_deleted", Code(ErrAlreadyDeleted))
	assert.Equal(t, "server_error", Code(errors.New("x")))
}
