// Package apperror defines the error taxonomy shared by the execution engine
// and the HTTP boundary.
//
// Only system-level failures are Go errors. A program that fails to compile,
// crashes, or runs too long is a verdict on an ExecutionResult, not an error.
package apperror

import (
	"errors"
	"fmt"
)

var (
	ErrValidation      = errors.New("validation error")
	ErrPayloadTooLarge = errors.New("payload too large")
	ErrOverloaded      = errors.New("overloaded")
	ErrInternal        = errors.New("internal error")
)

// Machine-readable reasons carried in AppError.Code.
const (
	CodeUnsupportedLanguage = "unsupported_language"
	CodeInvalidRequest      = "invalid_request"
	CodePayloadTooLarge     = "payload_too_large"
	CodeOverloaded          = "overloaded"
	CodeFilesystemFailure   = "filesystem_failure"
	CodeSpawnFailure        = "spawn_failure"
	CodeInternal            = "internal_error"
)

type AppError struct {
	Err     error  // sentinel kind
	Message string // human-readable, safe to show to clients
	Field   string // optional: request field at fault
	Code    string // machine-readable reason
	Cause   error  // underlying failure, logged but never surfaced
}

func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

// Unwrap exposes both the sentinel kind and the cause to errors.Is/As.
func (e *AppError) Unwrap() []error {
	if e.Cause == nil {
		return []error{e.Err}
	}
	return []error{e.Err, e.Cause}
}

func ValidationFailed(field, message string) *AppError {
	return &AppError{
		Err:     ErrValidation,
		Message: message,
		Field:   field,
		Code:    CodeInvalidRequest,
	}
}

func UnsupportedLanguage(language string) *AppError {
	return &AppError{
		Err:     ErrValidation,
		Message: "Unsupported language",
		Field:   "language",
		Code:    CodeUnsupportedLanguage,
		Cause:   fmt.Errorf("language %q is not registered", language),
	}
}

func PayloadTooLarge(field string, limit int) *AppError {
	return &AppError{
		Err:     ErrPayloadTooLarge,
		Message: fmt.Sprintf("%s must be %d bytes or less", field, limit),
		Field:   field,
		Code:    CodePayloadTooLarge,
	}
}

// Overloaded reports that no execution slot became free in time.
// HTTP handlers map this to 503 Service Unavailable.
func Overloaded(cause error) *AppError {
	return &AppError{
		Err:     ErrOverloaded,
		Message: "execution capacity exhausted, try again later",
		Code:    CodeOverloaded,
		Cause:   cause,
	}
}

func FilesystemFailure(cause error) *AppError {
	return &AppError{
		Err:     ErrInternal,
		Message: "An internal error occurred",
		Code:    CodeFilesystemFailure,
		Cause:   cause,
	}
}

func SpawnFailure(cause error) *AppError {
	return &AppError{
		Err:     ErrInternal,
		Message: "An internal error occurred",
		Code:    CodeSpawnFailure,
		Cause:   cause,
	}
}

func Internal(cause error) *AppError {
	return &AppError{
		Err:     ErrInternal,
		Message: "An internal error occurred",
		Code:    CodeInternal,
		Cause:   cause,
	}
}

// CodeOf returns the machine-readable reason of err, or CodeInternal when err
// carries no AppError.
func CodeOf(err error) string {
	var appErr *AppError
	if errors.As(err, &appErr) && appErr.Code != "" {
		return appErr.Code
	}
	return CodeInternal
}
