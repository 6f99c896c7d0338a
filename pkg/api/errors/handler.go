// SPDX-FileCopyrightText: Copyright 2025 mcpbundle Authors
// SPDX-License-Identifier: Apache-2.0

// Package errors provides HTTP error handling utilities for the
// management API: the mapping from domain sentinels to status codes and
// the JSON envelope every failure is wrapped in.
package errors

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/mcpbundle/mcpb/pkg/bundle"
	"github.com/mcpbundle/mcpb/pkg/logger"
)

// HandlerWithError is an HTTP handler that can return an error.
// Handlers return domain errors instead of writing failure responses
// themselves, keeping the status mapping in one place.
type HandlerWithError func(http.ResponseWriter, *http.Request) error

// errorResponse is the JSON envelope for every API failure.
type errorResponse struct {
	Error   string         `json:"error"`
	Details map[string]any `json:"details,omitempty"`
}

// Code maps a domain error to its HTTP status. Anything unrecognized,
// including decryption failures, is internal.
func Code(err error) int {
	switch {
	case errors.Is(err, bundle.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, bundle.ErrUnauthorizedToken):
		return http.StatusUnauthorized
	case errors.Is(err, bundle.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, bundle.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, bundle.ErrAlreadyExists):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// ErrorHandler wraps a HandlerWithError and converts returned errors
// into the error envelope.
//
// The decorator:
//   - Returns early if no error is returned (handler already wrote the response)
//   - Extracts the HTTP status code from the error using Code()
//   - For 5xx errors: logs full error details, returns a generic message
//   - For 4xx errors: returns the error message; validation failures
//     additionally carry the offending field path in details
//
// Usage:
//
//	r.Get("/{mcpID}", apierrors.ErrorHandler(routes.getMcp))
func ErrorHandler(fn HandlerWithError) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		err := fn(w, r)
		if err == nil {
			return
		}

		code := Code(err)

		// Internals (record ids, SQL text, cipher diagnostics) never
		// reach the client.
		if code >= http.StatusInternalServerError {
			logger.Errorf("Internal error handling %s %s: %v", r.Method, r.URL.Path, err)
			WriteError(w, code, http.StatusText(code))
			return
		}

		var fieldErr *bundle.FieldError
		if errors.As(err, &fieldErr) {
			writeEnvelope(w, code, errorResponse{
				Error: err.Error(),
				Details: map[string]any{
					"field":   fieldErr.Field,
					"message": fieldErr.Message,
				},
			})
			return
		}

		WriteError(w, code, err.Error())
	}
}

// WriteError emits the error envelope with a bare message. Middleware
// that rejects requests before a HandlerWithError runs uses this
// directly.
func WriteError(w http.ResponseWriter, status int, message string) {
	writeEnvelope(w, status, errorResponse{Error: message})
}

func writeEnvelope(w http.ResponseWriter, status int, resp errorResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		logger.Errorf("Failed to encode error response: %v", err)
	}
}
