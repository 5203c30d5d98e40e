// Package web holds the JSON transport helpers shared by the HTTP handlers.
package web

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"courier/cmd/internal/apperr"
)

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

type errorResponse struct {
	Error apiError `json:"error"`
}

// WriteJSON writes v with status. Responses are never cached.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// WriteError writes the standard error envelope.
func WriteError(w http.ResponseWriter, status int, code, msg string) {
	WriteJSON(w, status, errorResponse{Error: apiError{Code: code, Message: msg}})
}

// DecodeJSON decodes exactly one JSON object of at most maxBytes into dst.
// Unknown fields are rejected.
func DecodeJSON(w http.ResponseWriter, r *http.Request, maxBytes int64, dst any) error {
	const op = "web.DecodeJSON"

	if r.Body == nil {
		return apperr.Validation(op, "empty body")
	}
	defer func() { _ = r.Body.Close() }()

	body := http.MaxBytesReader(w, r.Body, maxBytes)
	dec := json.NewDecoder(body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		var mbe *http.MaxBytesError
		if errors.As(err, &mbe) {
			return apperr.Error{Op: op, Kind: apperr.ErrTooLarge, Msg: "request body too large", Err: err}
		}
		return apperr.Error{Op: op, Kind: apperr.ErrValidation, Msg: "invalid request body", Err: err}
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return apperr.Validation(op, "extra data after JSON object")
	}
	return nil
}
