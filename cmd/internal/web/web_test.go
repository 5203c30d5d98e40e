package web

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"courier/cmd/internal/apperr"
)

func decodeErr(t *testing.T, rr *httptest.ResponseRecorder) apiError {
	t.Helper()
	var body errorResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	return body.Error
}

func TestResponder_ClientErrorsKeepMessage(t *testing.T) {
	rs := NewResponder(nil, false)
	rr := httptest.NewRecorder()

	rs.Error(rr, httptest.NewRequest(http.MethodPost, "/api/upload", nil), apperr.Validation("files.Upload", "invalid file name"))

	assert.Equal(t, http.StatusBadRequest, rr.Code)
	e := decodeErr(t, rr)
	assert.Equal(t, "validation_error", e.Code)
	assert.Equal(t, "invalid file name", e.Message)
	assert.Empty(t, e.Detail)
}

func TestResponder_ServerErrorsAreGenericInProduction(t *testing.T) {
	rs := NewResponder(nil, false)
	rr := httptest.NewRecorder()

	rs.Error(rr, nil, errors.New(`pq: relation "courier.files" does not exist (SQLSTATE 42P01)`))

	assert.Equal(t, http.StatusInternalServerError, rr.Code)
	e := decodeErr(t, rr)
	assert.Equal(t, "server_error", e.Code)
	assert.Equal(t, "internal error", e.Message)
	assert.NotContains(t, rr.Body.String(), "SQLSTATE")
}

func TestResponder_DevelopmentAddsDetail(t *testing.T) {
	rs := NewResponder(nil, true)
	rr := httptest.NewRecorder()

	rs.Error(rr, nil, errors.New("boom"))

	e := decodeErr(t, rr)
	assert.Equal(t, "internal error", e.Message)
	assert.Equal(t, "boom", e.Detail)
}

func TestResponder_AlreadyDeletedLooksLikeNotFound(t *testing.T) {
	rs := NewResponder(nil, false)

	gone := httptest.NewRecorder()
	rs.Error(gone, nil, apperr.New("files.Destroy", apperr.ErrAlreadyDeleted, ""))
	missing := httptest.NewRecorder()
	rs.Error(missing, nil, apperr.New("files.Destroy", apperr.ErrNotFound, ""))

	assert.Equal(t, missing.Code, gone.Code)
	assert.Equal(t, missing.Body.String(), gone.Body.String())
}

func TestResponder_TransientSetsRetryAfter(t *testing.T) {
	rs := NewResponder(nil, false)
	rr := httptest.NewRecorder()

	rs.Error(rr, nil, apperr.Wrap("files.List", apperr.ErrTransient, errors.New("dial tcp: refused")))

	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
	assert.Equal(t, "1", rr.Header().Get("Retry-After"))
	assert.Equal(t, "store_unavailable", decodeErr(t, rr).Code)
}

func TestDecodeJSON(t *testing.T) {
	type req struct {
		Name string `json:"name"`
	}

	cases := []struct {
		name    string
		body    string
		max     int64
		wantErr error
	}{
		{"ok", `{"name":"x"}`, 1024, nil},
		{"unknown field", `{"nope":1}`, 1024, apperr.ErrValidation},
		{"trailing data", `{"name":"x"}{}`, 1024, apperr.ErrValidation},
		{"malformed", `{`, 1024, apperr.ErrValidation},
		{"too large", `{"name":"` + strings.Repeat("a", 100) + `"}`, 16, apperr.ErrTooLarge},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(tc.body))
			var dst req
			err := DecodeJSON(httptest.NewRecorder(), r, tc.max, &dst)
			if tc.wantErr == nil {
				require.NoError(t, err)
				assert.Equal(t, "x", dst.Name)
				return
			}
			assert.ErrorIs(t, err, tc.wantErr)
		})
	}
}

func TestBearerToken(t *testing.T) {
	cases := map[string]string{
		"Bearer abc":    "abc",
		"bearer  abc ":  "abc",
		"Basic abc":     "",
		"Bearer":        "",
		"":              "",
		"Token abc def": "",
	}
	for header, want := range cases {
		r := httptest.NewRequest(http.MethodGet, "/", nil)
		if header != "" {
			r.Header.Set("Authorization", header)
		}
		assert.Equal(t, want, BearerToken(r), header)
	}
}

func TestClientIP(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = "10.0.0.1:5555"
	r.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.1")

	assert.Equal(t, "10.0.0.1", ClientIP(r, false).String())
	assert.Equal(t, "203.0.113.9", ClientIP(r, true).String())
}
