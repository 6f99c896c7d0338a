// SPDX-FileCopyrightText: Copyright 2025 mcpbundle Authors
// SPDX-License-Identifier: Apache-2.0

package bundle

import (
	"errors"
	"fmt"
)

// Domain errors shared across mcpb packages. Check with errors.Is();
// call sites wrap them with %w plus context.

var (
	// ErrUnauthorizedToken indicates a missing, malformed, unknown,
	// revoked, or expired bundle token. Maps to 401 at ingress.
	ErrUnauthorizedToken = errors.New("unauthorized token")

	// ErrForbidden indicates the hierarchical authorization predicate
	// failed. Maps to 403.
	ErrForbidden = errors.New("forbidden")

	// ErrNotFound indicates a missing record (bundle, MCP, token,
	// credential, user). Maps to 404.
	ErrNotFound = errors.New("not found")

	// ErrBundleNotFound indicates a missing bundle, in particular one a
	// still-valid token points at. Matches ErrNotFound under errors.Is.
	ErrBundleNotFound = fmt.Errorf("bundle %w", ErrNotFound)

	// ErrAlreadyExists indicates a uniqueness violation (namespace,
	// bundle-entry pair, credential pair). Maps to 409.
	ErrAlreadyExists = errors.New("already exists")

	// ErrUnknownCapability indicates the client named a capability no
	// attached connector owns. Maps to the JSON-RPC method-not-found
	// error, not a transport failure.
	ErrUnknownCapability = errors.New("unknown capability")

	// ErrPermissionDenied indicates a capability passed reverse lookup
	// but the bundle's allow-lists reject it. Surfaces as an MCP error.
	ErrPermissionDenied = errors.New("permission denied")

	// ErrNotConnected indicates an operation was attempted on an upstream
	// connector that is not in the CONNECTED state.
	ErrNotConnected = errors.New("upstream not connected")

	// ErrSessionClosed indicates an operation on a closed session.
	ErrSessionClosed = errors.New("session closed")

	// ErrValidation indicates input that fails schema validation.
	// Maps to 400; wrap with a FieldError for field-path details.
	ErrValidation = errors.New("validation failed")
)

// FieldError carries the field path of a validation failure. It wraps
// ErrValidation so errors.Is(err, ErrValidation) holds.
type FieldError struct {
	Field   string
	Message string
}

// NewFieldError builds a validation error for one field path.
func NewFieldError(field, message string) *FieldError {
	return &FieldError{Field: field, Message: message}
}

func (e *FieldError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// Unwrap makes FieldError match ErrValidation under errors.Is.
func (*FieldError) Unwrap() error {
	return ErrValidation
}
