package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/codewandler/trackr/core/dispatch"
	"github.com/codewandler/trackr/core/keyed"
	"github.com/codewandler/trackr/core/session"
)

// ErrorResponse is the body of every non-2xx response and the envelope sent
// back on a stream for a rejected message.
type ErrorResponse struct {
	Error string `json:"error"`
}

func writeJSON(rw http.ResponseWriter, status int, v any) {
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(status)
	_ = json.NewEncoder(rw).Encode(v)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, dispatch.ErrMissingIdentity),
		errors.Is(err, dispatch.ErrMalformedMessage):
		return http.StatusBadRequest
	case errors.Is(err, dispatch.ErrIdentityConflict),
		errors.Is(err, dispatch.ErrAlreadyConnected):
		return http.StatusConflict
	case errors.Is(err, dispatch.ErrPersistenceFailure),
		errors.Is(err, keyed.ErrClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, session.ErrNotBound):
		return http.StatusConflict
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(rw http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= 500 {
		s.log.Error("request failed", slog.String("path", r.URL.Path), slog.Int("status", status), slog.Any("error", err))
	} else {
		s.log.Debug("request rejected", slog.String("path", r.URL.Path), slog.Int("status", status), slog.Any("error", err))
	}
	writeJSON(rw, status, ErrorResponse{Error: err.Error()})
}
