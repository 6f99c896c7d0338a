// SPDX-FileCopyrightText: Copyright 2025 mcpbundle Authors
// SPDX-License-Identifier: Apache-2.0

package v1

import (
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	apierrors "github.com/mcpbundle/mcpb/pkg/api/errors"
	"github.com/mcpbundle/mcpb/pkg/storage"
)

// TokenRoutes defines the routes addressing tokens by id. Minting and
// listing live under /bundles/{bundleID}/tokens.
type TokenRoutes struct {
	users   storage.UserRepo
	bundles storage.BundleRepo
	tokens  storage.TokenRepo
}

// TokenRouter creates a new router for token revocation. Every route
// requires an admin key.
func TokenRouter(users storage.UserRepo, bundles storage.BundleRepo, tokens storage.TokenRepo) http.Handler {
	routes := TokenRoutes{users: users, bundles: bundles, tokens: tokens}

	r := chi.NewRouter()
	r.Use(adminAuth(users))
	r.Delete("/{tokenID}", apierrors.ErrorHandler(routes.revokeToken))
	return r
}

// revokeToken
//
//	@Summary		Revoke token
//	@Description	Revoke a bundle token. Existing gateway sessions survive; the token
//	can no longer open new ones. Revoking an already-revoked token is a no-op.
//	@Tags			tokens
//	@Param			tokenID	path		string	true	"Token ID"
//	@Success		204		{string}	string	"No Content"
//	@Failure		403		{string}	string	"Forbidden"
//	@Failure		404		{string}	string	"Not Found"
//	@Router			/api/v1/tokens/{tokenID} [delete]
func (t *TokenRoutes) revokeToken(w http.ResponseWriter, r *http.Request) error {
	admin, err := caller(r)
	if err != nil {
		return err
	}
	id := chi.URLParam(r, "tokenID")

	rec, err := t.tokens.FindByID(r.Context(), id)
	if err != nil {
		return fmt.Errorf("loading token %s: %w", id, err)
	}

	// Authorization flows through the owning bundle.
	bnd, err := t.bundles.FindByID(r.Context(), rec.BundleID)
	if err != nil {
		return fmt.Errorf("loading bundle %s: %w", rec.BundleID, err)
	}
	if err := authorize(r.Context(), t.users, admin.ID, bnd.CreatedByID); err != nil {
		return err
	}

	if !rec.Revoked {
		rec.Revoked = true
		if _, err := t.tokens.Update(r.Context(), rec); err != nil {
			return fmt.Errorf("revoking token %s: %w", id, err)
		}
	}

	w.WriteHeader(http.StatusNoContent)
	return nil
}
