package web

import (
	"errors"
	"log/slog"
	"net/http"

	"courier/cmd/internal/apperr"
)

// Responder turns errors into HTTP responses.
//
// Caller-facing messages come from apperr.Error.Msg for 4xx responses. 5xx
// responses carry a generic message unless Dev is set, in which case the
// error text is added as "detail". The full error is always logged.
type Responder struct {
	Log *slog.Logger
	Dev bool
}

// NewResponder returns a Responder. A nil logger falls back to slog.Default().
func NewResponder(log *slog.Logger, dev bool) *Responder {
	if log == nil {
		log = slog.Default()
	}
	return &Responder{Log: log, Dev: dev}
}

// Error writes err to w.
func (rs *Responder) Error(w http.ResponseWriter, r *http.Request, err error) {
	status, code := apperr.HTTPStatus(err)

	msg := apperr.Message(err)
	if msg == "" || status >= 500 {
		msg = defaultMessage(status)
	}

	body := apiError{Code: code, Message: msg}
	if rs.Dev && err != nil {
		body.Detail = err.Error()
	}

	log := rs.logger()
	attrs := []any{"status", status, "code", code, "err", err}
	if r != nil {
		attrs = append(attrs, "method", r.Method, "path", r.URL.Path)
	}
	switch {
	case status >= 500:
		log.Error("http.error", attrs...)
	case errors.Is(err, apperr.ErrUnauthenticated), errors.Is(err, apperr.ErrForbidden):
		log.Info("http.denied", attrs...)
	default:
		log.Debug("http.rejected", attrs...)
	}

	if status == http.StatusServiceUnavailable && w.Header().Get("Retry-After") == "" {
		w.Header().Set("Retry-After", "1")
	}
	if status == http.StatusUnauthorized {
		w.Header().Set("WWW-Authenticate", `Bearer realm="courier"`)
	}
	WriteJSON(w, status, errorResponse{Error: body})
}

func (rs *Responder) logger() *slog.Logger {
	if rs == nil || rs.Log == nil {
		return slog.Default()
	}
	return rs.Log
}

func defaultMessage(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "invalid request"
	case http.StatusUnauthorized:
		return "authentication required"
	case http.StatusForbidden:
		return "access denied"
	case http.StatusNotFound:
		return "not found"
	case http.StatusConflict:
		return "already exists"
	case http.StatusRequestEntityTooLarge:
		return "payload too large"
	case http.StatusTooManyRequests:
		return "too many requests"
	case http.StatusServiceUnavailable:
		return "service temporarily unavailable"
	default:
		return "internal error"
	}
}
