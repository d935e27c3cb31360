package httpx

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5/middleware"
)

// FieldError describes a single invalid input field.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// Error is the JSON error envelope returned by the API: {"message": ...} with an optional
// "errors" array for validation failures.
type Error struct {
	Message string
	Status  int
	Errors  []FieldError
}

// NewError constructs an Error with the provided message and status.
func NewError(message string, status int) Error {
	if status == 0 {
		status = http.StatusInternalServerError
	}
	return Error{
		Message: sanitize(message, 512),
		Status:  status,
	}
}

// BadRequest returns a 400 error.
func BadRequest(message string) Error { return NewError(message, http.StatusBadRequest) }

// Unauthorized returns a 401 error.
func Unauthorized(message string) Error { return NewError(message, http.StatusUnauthorized) }

// Forbidden returns a 403 error.
func Forbidden(message string) Error { return NewError(message, http.StatusForbidden) }

// NotFound returns a 404 error.
func NotFound(message string) Error { return NewError(message, http.StatusNotFound) }

// Conflict returns a 409 error.
func Conflict(message string) Error { return NewError(message, http.StatusConflict) }

// Unavailable returns a 503 error.
func Unavailable(message string) Error { return NewError(message, http.StatusServiceUnavailable) }

// Internal returns the opaque 500 error.
func Internal() Error { return NewError("Server error", http.StatusInternalServerError) }

// WithErrors attaches field-level validation errors.
func (e Error) WithErrors(errs ...FieldError) Error {
	if len(errs) == 0 {
		return e
	}
	e.Errors = append(append([]FieldError(nil), e.Errors...), errs...)
	return e
}

// Error implements the error interface so handlers can return an Error through generic paths.
func (e Error) Error() string { return e.Message }

type errorPayload struct {
	Message string       `json:"message"`
	Errors  []FieldError `json:"errors,omitempty"`
}

// WriteError writes the error envelope. The request id travels in the X-Request-Id header.
func WriteError(ctx context.Context, w http.ResponseWriter, err Error) {
	status := err.Status
	if status == 0 {
		status = http.StatusInternalServerError
	}
	if requestID := sanitize(middleware.GetReqID(ctx), 80); requestID != "" {
		w.Header().Set("X-Request-Id", requestID)
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorPayload{Message: err.Message, Errors: err.Errors})
}

// WriteJSON encodes payload with the provided status.
func WriteJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}

func sanitize(value string, limit int) string {
	value = strings.ReplaceAll(value, "\n", " ")
	value = strings.ReplaceAll(value, "\r", " ")
	value = strings.TrimSpace(value)
	if len(value) > limit {
		value = value[:limit]
	}
	return value
}
