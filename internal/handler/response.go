package handler

// RESPONSE HELPERS:
// Every handler answers through writeJSON or writeError so the API has one
// response shape.
//
// CONSISTENT ERROR FORMAT:
// Every non-2xx body looks like
//
//	{"error": "Unsupported language", "code": "unsupported_language"}
//
// "error" is safe to show a user, "code" is what a client branches on.
// Internal details (paths, errno, docker messages) stay in the server log.

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/sakif/code-executor/internal/apperror"
)

// ErrorResponse is the body of every error reply.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
	Field string `json:"field,omitempty"`
}

// writeJSON sends data as JSON with the given status code. Headers must be
// set before WriteHeader, and the body written after it.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		if err := json.NewEncoder(w).Encode(data); err != nil {
			// Headers are already sent; all we can do is log.
			slog.Error("failed to encode JSON response", slog.String("error", err.Error()))
		}
	}
}

// statusFor maps an error kind to its HTTP status.
//
// The service layer knows nothing about HTTP. It returns apperror sentinels
// and this is the one place they become status codes. errors.Is walks the
// whole chain, so wrapping with fmt.Errorf("...: %w") upstream is fine.
func statusFor(err error) int {
	switch {
	case errors.Is(err, apperror.ErrValidation):
		return http.StatusBadRequest // 400
	case errors.Is(err, apperror.ErrPayloadTooLarge):
		return http.StatusRequestEntityTooLarge // 413
	case errors.Is(err, apperror.ErrOverloaded):
		return http.StatusServiceUnavailable // 503
	default:
		return http.StatusInternalServerError // 500
	}
}

// writeError maps a domain error to a status code and a client-safe body.
func writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)

	var appErr *apperror.AppError
	if errors.As(err, &appErr) && status != http.StatusInternalServerError {
		if status == http.StatusServiceUnavailable {
			w.Header().Set("Retry-After", "1")
		}
		writeJSON(w, status, ErrorResponse{
			Error: appErr.Message,
			Code:  appErr.Code,
			Field: appErr.Field,
		})
		return
	}

	// Never expose the raw error of an internal failure: it can carry
	// workspace paths or runtime details.
	writeJSON(w, http.StatusInternalServerError, ErrorResponse{
		Error: "An internal error occurred",
		Code:  apperror.CodeInternal,
	})
}
