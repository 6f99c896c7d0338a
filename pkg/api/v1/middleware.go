// SPDX-FileCopyrightText: Copyright 2025 mcpbundle Authors
// SPDX-License-Identifier: Apache-2.0

// Package v1 provides version 1 of the mcpb management API.
//
// Two credential classes guard it. Admin keys (`mcpba_` prefix, sent as
// `Authorization: Bearer`) authenticate the management surface; bundle
// tokens (`mcpb_` prefix, sent as `X-Bundle-Token`) authenticate the
// credential surface only. Prefixes are distinct so one class can never
// pass for the other.
package v1

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	apierrors "github.com/mcpbundle/mcpb/pkg/api/errors"
	"github.com/mcpbundle/mcpb/pkg/bundle"
	"github.com/mcpbundle/mcpb/pkg/crypto"
	"github.com/mcpbundle/mcpb/pkg/logger"
	"github.com/mcpbundle/mcpb/pkg/storage"
)

// bundleTokenHeader carries the bundle token on the credential surface.
const bundleTokenHeader = "X-Bundle-Token"

type userKey struct{}

type tokenKey struct{}

// adminAuth authenticates management requests: the bearer admin key
// resolves to its user, which lands in the request context with last
// login stamped.
func adminAuth(users storage.UserRepo) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := bearerValue(r.Header.Get("Authorization"))
			if !crypto.ValidAdminKeyFormat(key) {
				apierrors.WriteError(w, http.StatusUnauthorized, "missing or malformed admin key")
				return
			}

			user, err := users.ValidateAndUpdate(r.Context(), crypto.HashToken(key))
			if errors.Is(err, bundle.ErrNotFound) {
				apierrors.WriteError(w, http.StatusUnauthorized, "invalid admin key")
				return
			}
			if err != nil {
				logger.Errorf("Admin key validation failed: %v", err)
				apierrors.WriteError(w, http.StatusInternalServerError,
					http.StatusText(http.StatusInternalServerError))
				return
			}

			ctx := context.WithValue(r.Context(), userKey{}, user)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// tokenAuth authenticates credential-surface requests: the bundle token
// in X-Bundle-Token resolves to its record, which lands in the request
// context. Revoked and expired tokens fail exactly like unknown ones.
func tokenAuth(tokens storage.TokenRepo) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			value := r.Header.Get(bundleTokenHeader)
			if !crypto.ValidTokenFormat(value) {
				apierrors.WriteError(w, http.StatusUnauthorized, "missing or malformed bundle token")
				return
			}

			token, err := tokens.FindByHash(r.Context(), crypto.HashToken(value))
			if errors.Is(err, bundle.ErrNotFound) {
				apierrors.WriteError(w, http.StatusUnauthorized, "invalid bundle token")
				return
			}
			if err != nil {
				logger.Errorf("Bundle token lookup failed: %v", err)
				apierrors.WriteError(w, http.StatusInternalServerError,
					http.StatusText(http.StatusInternalServerError))
				return
			}
			if !token.IsValid(time.Now()) {
				apierrors.WriteError(w, http.StatusUnauthorized, "invalid bundle token")
				return
			}

			ctx := context.WithValue(r.Context(), tokenKey{}, token)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// caller returns the admin stashed by adminAuth, failing closed when the
// middleware did not run.
func caller(r *http.Request) (bundle.User, error) {
	u, ok := r.Context().Value(userKey{}).(bundle.User)
	if !ok {
		return bundle.User{}, bundle.ErrUnauthorizedToken
	}
	return u, nil
}

// callerToken returns the bundle token stashed by tokenAuth.
func callerToken(r *http.Request) (bundle.Token, error) {
	t, ok := r.Context().Value(tokenKey{}).(bundle.Token)
	if !ok {
		return bundle.Token{}, bundle.ErrUnauthorizedToken
	}
	return t, nil
}

// authorize checks the management hierarchy: a caller may act on a
// record when its creator is the caller itself or one of the caller's
// transitive creations.
func authorize(ctx context.Context, users storage.UserRepo, callerID, createdByID string) error {
	ok, err := users.IsAuthorized(ctx, callerID, createdByID)
	if err != nil {
		return fmt.Errorf("checking authorization: %w", err)
	}
	if !ok {
		return bundle.ErrForbidden
	}
	return nil
}

// bearerValue extracts the credential from an Authorization header,
// tolerating case variation in the scheme.
func bearerValue(header string) string {
	const prefix = "Bearer "
	if len(header) < len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return ""
	}
	return strings.TrimSpace(header[len(prefix):])
}

// decodeJSON reads a request body into v, mapping malformed JSON to a
// validation failure. An empty body decodes to the zero value;
// required-field checks run in the handlers.
func decodeJSON(r *http.Request, v any) error {
	err := json.NewDecoder(r.Body).Decode(v)
	if err == nil || errors.Is(err, io.EOF) {
		return nil
	}
	return bundle.NewFieldError("body", "invalid JSON payload")
}

// respondJSON writes v with the given status.
func respondJSON(w http.ResponseWriter, status int, v any) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		return fmt.Errorf("encoding response: %w", err)
	}
	return nil
}
