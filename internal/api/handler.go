// Package api provides HTTP handlers for the support chat API.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/ashureev/supportdesk/internal/chat"
)

// maxRequestBodySize bounds JSON request bodies (64KB).
const maxRequestBodySize = 64 << 10

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, code, message string) {
	JSON(w, status, map[string]string{"error": message, "code": code})
}

// Stable error codes returned to clients.
const (
	CodeInvalidToken       = "invalid_token"
	CodeNotFound           = "not_found"
	CodeSessionNotActive   = "session_not_active"
	CodeEmptyContent       = "empty_content"
	CodeUnauthorized       = "unauthorized"
	CodeInvalidInput       = "invalid_input"
	CodeStorageUnavailable = "storage_unavailable"
	CodeInternal           = "internal"
)

// StatusFor maps a chat error to an HTTP status and a stable code.
func StatusFor(err error) (int, string) {
	switch {
	case errors.Is(err, chat.ErrInvalidToken):
		return http.StatusNotFound, CodeInvalidToken
	case errors.Is(err, chat.ErrNotFound):
		return http.StatusNotFound, CodeNotFound
	case errors.Is(err, chat.ErrInvalidState):
		return http.StatusConflict, CodeSessionNotActive
	case errors.Is(err, chat.ErrEmptyContent):
		return http.StatusBadRequest, CodeEmptyContent
	case errors.Is(err, chat.ErrUnauthorized):
		return http.StatusForbidden, CodeUnauthorized
	case errors.Is(err, chat.ErrInvalidInput):
		return http.StatusBadRequest, CodeInvalidInput
	case errors.Is(err, chat.ErrStorageUnavailable):
		return http.StatusServiceUnavailable, CodeStorageUnavailable
	default:
		return http.StatusInternalServerError, CodeInternal
	}
}

var messages = map[string]string{
	CodeInvalidToken:       "chat link is invalid",
	CodeNotFound:           "session not found",
	CodeSessionNotActive:   "session is not active",
	CodeEmptyContent:       "content cannot be empty",
	CodeUnauthorized:       "session is assigned to another agent",
	CodeInvalidInput:       "invalid request",
	CodeStorageUnavailable: "service temporarily unavailable",
	CodeInternal:           "internal error",
}

// writeError maps err to a response. Server-side failures are logged.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := StatusFor(err)
	if status >= http.StatusInternalServerError {
		slog.Error("Request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	}
	Error(w, status, code, messages[code])
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: %v", chat.ErrInvalidInput, err)
	}
	return nil
}

// queryInt64 parses an optional non-negative integer query parameter.
func queryInt64(r *http.Request, name string) (int64, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%w: %s must be a non-negative integer", chat.ErrInvalidInput, name)
	}
	return n, nil
}

func pathInt64(raw string) (int64, error) {
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("%w: invalid id %q", chat.ErrInvalidInput, raw)
	}
	return n, nil
}
