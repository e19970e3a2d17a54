package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/sakif/code-executor/internal/apperror"
	"github.com/sakif/code-executor/internal/executor"
)

// ExecuteHandler handles code execution requests.
//
// The handler is deliberately thin: decode, call the executor, encode. The
// executor decides everything about the submission, including whether it is
// valid.
type ExecuteHandler struct {
	exec         executor.Executor
	maxBodyBytes int64
	logger       *slog.Logger
}

// NewExecuteHandler creates a new ExecuteHandler. maxBodyBytes caps the raw
// request body; the executor applies its own limit to the decoded code.
func NewExecuteHandler(exec executor.Executor, maxBodyBytes int64, logger *slog.Logger) *ExecuteHandler {
	return &ExecuteHandler{
		exec:         exec,
		maxBodyBytes: maxBodyBytes,
		logger:       logger,
	}
}

// HandleExecute runs the submitted code and returns its verdict.
//
// Every completed run answers 200, including CompileError, RuntimeError and
// Timeout: the request worked, the program did not. Non-2xx statuses are
// reserved for requests the service could not carry out.
func (h *ExecuteHandler) HandleExecute(w http.ResponseWriter, r *http.Request) {
	if h.maxBodyBytes > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, h.maxBodyBytes)
	}

	var req executor.ExecutionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, apperror.PayloadTooLarge("body", int(maxErr.Limit)))
			return
		}
		h.logger.Warn("invalid execution request body", slog.String("error", err.Error()))
		writeError(w, apperror.ValidationFailed("body", "request body must be a JSON object with language and code"))
		return
	}

	result, err := h.exec.Execute(r.Context(), req)
	if err != nil {
		if statusFor(err) == http.StatusInternalServerError {
			h.logger.Error("code execution failed",
				slog.String("language", req.Language),
				slog.String("error", err.Error()),
			)
		}
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, result)
}
