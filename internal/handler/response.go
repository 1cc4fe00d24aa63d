// Package handler contains the HTTP handlers of the devflow API.
//
// HANDLER RESPONSIBILITIES:
//  1. Parse the incoming HTTP request (path params, query, JSON body)
//  2. Call the service layer
//  3. Write the HTTP response (status code, headers, JSON body)
//
// Handlers hold no business rules. Validation, the safety policy and
// persistence all live behind the services they are given.
package handler

// RESPONSE HELPERS:
// Every error response from the API has the same shape:
//
//	{"error": "not_found", "message": "preset \"abc123\" not found"}
//
// so a client always knows what fields to expect, whatever the status code.

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/sakif/devflow-exec/internal/apperror"
	"github.com/sakif/devflow-exec/internal/executor"
)

// maxBodyBytes caps request bodies. A command may be up to 100000 bytes,
// so this leaves room for env and profile configuration.
const maxBodyBytes = 1 << 20

// ErrorResponse is the standard error format returned by all API endpoints.
type ErrorResponse struct {
	Error   string `json:"error"`           // Machine-readable error type (e.g., "not_found")
	Message string `json:"message"`         // Human-readable description
	Field   string `json:"field,omitempty"` // Request field at fault, for validation errors
}

// writeJSON sends a JSON response with the given status code.
//
// Headers and status must be set BEFORE the body is written; once Encode
// writes, header changes are silently ignored.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		if err := json.NewEncoder(w).Encode(data); err != nil {
			// Headers are already sent, we can only log it.
			slog.Error("failed to encode JSON response", slog.String("error", err.Error()))
		}
	}
}

// decodeJSON reads a single JSON object from the request body into dst.
// Unknown fields are rejected so a typo like "timeout" instead of
// "timeout_seconds" fails loudly instead of silently using the default.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return apperror.ValidationFailed("body", fmt.Sprintf("request body must be %d bytes or less", maxBodyBytes))
		}
		return apperror.ValidationFailed("body", "invalid JSON body: "+err.Error())
	}
	return nil
}

var statusByCode = map[string]int{
	apperror.CodeValidation:   http.StatusBadRequest,   // 400
	apperror.CodeUnauthorized: http.StatusUnauthorized, // 401
	apperror.CodeForbidden:    http.StatusForbidden,    // 403
	apperror.CodeNotFound:     http.StatusNotFound,     // 404
	apperror.CodeConflict:     http.StatusConflict,     // 409
}

// classifyError maps an error to an HTTP status and the public error body.
//
// ERROR MAPPING:
// Services return apperror sentinels and the executor returns *RunError;
// this is the one place they become HTTP status codes. errors.Is walks the
// whole wrap chain, so fmt.Errorf("creating preset: %w", appErr) still
// maps by its sentinel.
func classifyError(err error) (int, ErrorResponse) {
	var appErr *apperror.AppError
	if errors.As(err, &appErr) {
		code := apperror.Code(err)
		status, ok := statusByCode[code]
		if !ok {
			status, code = http.StatusInternalServerError, "internal_error"
		}
		return status, ErrorResponse{Error: code, Message: appErr.Message, Field: appErr.Field}
	}

	// Engine failures. The OS error stays in the server log.
	switch {
	case errors.Is(err, executor.ErrSpawnFailed):
		return http.StatusBadGateway, ErrorResponse{Error: "spawn_failed", Message: "the command could not be started"}
	case errors.Is(err, executor.ErrWaitFailed):
		return http.StatusBadGateway, ErrorResponse{Error: "wait_failed", Message: "the command's exit status could not be collected"}
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable, ErrorResponse{Error: "canceled", Message: "the run was canceled before it finished"}
	}

	// NEVER expose internal error details (SQL, file paths) to the client.
	return http.StatusInternalServerError, ErrorResponse{
		Error:   "internal_error",
		Message: "An internal error occurred",
	}
}

// writeError maps a domain error to the appropriate HTTP status code and sends it.
func writeError(w http.ResponseWriter, err error) {
	status, body := classifyError(err)
	writeJSON(w, status, body)
}
