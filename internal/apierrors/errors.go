// Package apierrors is raepkgd's wire error format: a JSON envelope
// carrying a stable machine code plus a human message.
package apierrors

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/raeenos/raepkg/internal/auth"
	"github.com/raeenos/raepkg/internal/storage"
)

// ErrorCode is a stable machine-readable error identifier.
type ErrorCode string

const (
	ErrCodeNotFound     ErrorCode = "NOT_FOUND"
	ErrCodeInvalidPath  ErrorCode = "INVALID_PATH"
	ErrCodeUnauthorized ErrorCode = "UNAUTHORIZED"
	ErrCodeInternal     ErrorCode = "INTERNAL"
)

// ErrorResponse is the standard error response body.
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail contains error information.
type ErrorDetail struct {
	Code    ErrorCode         `json:"code"`
	Message string            `json:"message"`
	Details map[string]string `json:"details,omitempty"`
}

// WriteError writes a standardized error response.
func WriteError(w http.ResponseWriter, code ErrorCode, message string, statusCode int, details map[string]string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	json.NewEncoder(w).Encode(ErrorResponse{
		Error: ErrorDetail{
			Code:    code,
			Message: message,
			Details: details,
		},
	})
}

// MapError translates storage and auth errors into wire form. Anything
// unrecognized is an internal error; the caller logs the specifics.
func MapError(err error) (ErrorCode, string, int) {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return ErrCodeNotFound, "Not found", http.StatusNotFound
	case errors.Is(err, storage.ErrBadArchiveName):
		return ErrCodeInvalidPath, "Invalid archive name", http.StatusBadRequest
	case errors.Is(err, auth.ErrUnauthorized):
		return ErrCodeUnauthorized, "Unauthorized", http.StatusUnauthorized
	default:
		return ErrCodeInternal, "Internal server error", http.StatusInternalServerError
	}
}
