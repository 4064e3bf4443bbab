// Package api serves the artifact cache over HTTP.
package api

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/rennerdo30/vcpkg-harbor/pkg/artifacts"
)

// Error codes carried in ErrorBody.ErrorCode.
const (
	CodeBadRequest       = "BAD_REQUEST"
	CodeNotFound         = "NOT_FOUND"
	CodeMethodNotAllowed = "METHOD_NOT_ALLOWED"
	CodeConflict         = "CONFLICT"
	CodeTooManyRequests  = "RATE_LIMITED"
	CodeInternal         = "INTERNAL_ERROR"
)

// ErrorBody is the JSON body of every error response.
type ErrorBody struct {
	Detail    string `json:"detail"`
	ErrorCode string `json:"error_code"`
	Timestamp string `json:"timestamp"`
}

func (e *ErrorBody) Error() string {
	return fmt.Sprintf("%s: %s", e.ErrorCode, e.Detail)
}

// WriteError writes a JSON error response.
func WriteError(w http.ResponseWriter, status int, code, detail string) {
	body := &ErrorBody{
		Detail:    detail,
		ErrorCode: code,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func WriteBadRequest(w http.ResponseWriter, detail string) {
	WriteError(w, http.StatusBadRequest, CodeBadRequest, detail)
}

func WriteNotFound(w http.ResponseWriter, detail string) {
	if detail == "" {
		detail = "Artifact not found"
	}
	WriteError(w, http.StatusNotFound, CodeNotFound, detail)
}

// WriteMethodNotAllowed is used both for unsupported methods and for
// operations disabled by the server mode.
func WriteMethodNotAllowed(w http.ResponseWriter, detail string) {
	if detail == "" {
		detail = "Method not allowed"
	}
	WriteError(w, http.StatusMethodNotAllowed, CodeMethodNotAllowed, detail)
}

func WriteConflict(w http.ResponseWriter, detail string) {
	WriteError(w, http.StatusConflict, CodeConflict, detail)
}

// WriteTooManyRequests sets Retry-After to retryAfterSec.
func WriteTooManyRequests(w http.ResponseWriter, retryAfterSec int) {
	w.Header().Set("Retry-After", fmt.Sprintf("%d", retryAfterSec))
	WriteError(w, http.StatusTooManyRequests, CodeTooManyRequests, "Rate limit exceeded")
}

// WriteInternal logs err and writes a generic 500. The error is never
// exposed to the client.
func WriteInternal(w http.ResponseWriter, r *http.Request, err error) {
	slog.Error("internal server error",
		"error", err,
		"method", r.Method,
		"path", r.URL.Path,
		"request_id", RequestIDFrom(r.Context()),
	)
	WriteError(w, http.StatusInternalServerError, CodeInternal, "An internal error occurred")
}

// WriteStoreError maps a storage error onto its HTTP status.
func WriteStoreError(w http.ResponseWriter, r *http.Request, err error) {
	switch artifacts.KindOf(err) {
	case artifacts.KindValidation:
		WriteBadRequest(w, err.Error())
	case artifacts.KindNotFound:
		WriteNotFound(w, "")
	case artifacts.KindAlreadyExists:
		WriteConflict(w, "Artifact already exists")
	default:
		WriteInternal(w, r, err)
	}
}
