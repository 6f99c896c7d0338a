// SPDX-FileCopyrightText: Copyright 2025 mcpbundle Authors
// SPDX-License-Identifier: Apache-2.0

package v1

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	apierrors "github.com/mcpbundle/mcpb/pkg/api/errors"
	"github.com/mcpbundle/mcpb/pkg/bundle"
	"github.com/mcpbundle/mcpb/pkg/crypto"
	"github.com/mcpbundle/mcpb/pkg/storage"
)

// BundleRoutes defines the routes for bundle and token management.
// Entries are managed inline as part of the bundle payload; tokens hang
// off their bundle.
type BundleRoutes struct {
	users   storage.UserRepo
	bundles storage.BundleRepo
	mcps    storage.McpRepo
	tokens  storage.TokenRepo
}

// BundleRouter creates a new router for bundle management. Every route
// requires an admin key.
func BundleRouter(
	users storage.UserRepo,
	bundles storage.BundleRepo,
	mcps storage.McpRepo,
	tokens storage.TokenRepo,
) http.Handler {
	routes := BundleRoutes{users: users, bundles: bundles, mcps: mcps, tokens: tokens}

	r := chi.NewRouter()
	r.Use(adminAuth(users))
	r.Get("/", apierrors.ErrorHandler(routes.listBundles))
	r.Post("/", apierrors.ErrorHandler(routes.createBundle))
	r.Route("/{bundleID}", func(r chi.Router) {
		r.Get("/", apierrors.ErrorHandler(routes.getBundle))
		r.Put("/", apierrors.ErrorHandler(routes.updateBundle))
		r.Delete("/", apierrors.ErrorHandler(routes.deleteBundle))
		r.Get("/tokens", apierrors.ErrorHandler(routes.listTokens))
		r.Post("/tokens", apierrors.ErrorHandler(routes.mintToken))
	})
	return r
}

// listBundles
//
//	@Summary		List bundles
//	@Description	List bundles created inside the caller's subtree
//	@Tags			bundles
//	@Produce		json
//	@Success		200	{object}	bundleListResponse
//	@Router			/api/v1/bundles [get]
func (b *BundleRoutes) listBundles(w http.ResponseWriter, r *http.Request) error {
	admin, err := caller(r)
	if err != nil {
		return err
	}

	ids, err := b.users.CollectDescendantIDs(r.Context(), admin.ID)
	if err != nil {
		return fmt.Errorf("collecting user subtree: %w", err)
	}
	bundles, err := b.bundles.ListByCreators(r.Context(), ids)
	if err != nil {
		return fmt.Errorf("listing bundles: %w", err)
	}
	if bundles == nil {
		bundles = []bundle.Bundle{}
	}

	return respondJSON(w, http.StatusOK, bundleListResponse{Bundles: bundles})
}

// createBundle
//
//	@Summary		Create bundle
//	@Description	Create a bundle with its entries. Each entry names a registered MCP
//	and carries the allow-lists that scope what the bundle exposes from it.
//	@Tags			bundles
//	@Accept			json
//	@Produce		json
//	@Param			request	body		upsertBundleRequest	true	"Create bundle request"
//	@Success		201		{object}	bundle.Bundle
//	@Failure		400		{string}	string	"Bad Request"
//	@Failure		409		{string}	string	"Conflict - duplicate entry"
//	@Router			/api/v1/bundles [post]
func (b *BundleRoutes) createBundle(w http.ResponseWriter, r *http.Request) error {
	admin, err := caller(r)
	if err != nil {
		return err
	}

	var req upsertBundleRequest
	if err := decodeJSON(r, &req); err != nil {
		return err
	}
	if strings.TrimSpace(req.Name) == "" {
		return bundle.NewFieldError("name", "must not be empty")
	}
	entries, err := b.buildEntries(r.Context(), admin, req.Entries)
	if err != nil {
		return err
	}

	created, err := b.bundles.Create(r.Context(), bundle.Bundle{
		Name:        req.Name,
		Description: req.Description,
		CreatedByID: admin.ID,
		Entries:     entries,
	})
	if err != nil {
		return fmt.Errorf("creating bundle: %w", err)
	}

	return respondJSON(w, http.StatusCreated, created)
}

// getBundle
//
//	@Summary		Get bundle
//	@Description	Get one bundle with its entries in position order
//	@Tags			bundles
//	@Produce		json
//	@Param			bundleID	path		string	true	"Bundle ID"
//	@Success		200			{object}	bundle.Bundle
//	@Failure		403			{string}	string	"Forbidden"
//	@Failure		404			{string}	string	"Not Found"
//	@Router			/api/v1/bundles/{bundleID} [get]
func (b *BundleRoutes) getBundle(w http.ResponseWriter, r *http.Request) error {
	admin, err := caller(r)
	if err != nil {
		return err
	}

	bnd, err := b.loadAuthorized(r, admin)
	if err != nil {
		return err
	}

	return respondJSON(w, http.StatusOK, bnd)
}

// updateBundle
//
//	@Summary		Update bundle
//	@Description	Replace a bundle's name, description, and entries
//	@Tags			bundles
//	@Accept			json
//	@Produce		json
//	@Param			bundleID	path		string				true	"Bundle ID"
//	@Param			request		body		upsertBundleRequest	true	"Update bundle request"
//	@Success		200			{object}	bundle.Bundle
//	@Failure		400			{string}	string	"Bad Request"
//	@Failure		403			{string}	string	"Forbidden"
//	@Failure		404			{string}	string	"Not Found"
//	@Router			/api/v1/bundles/{bundleID} [put]
func (b *BundleRoutes) updateBundle(w http.ResponseWriter, r *http.Request) error {
	admin, err := caller(r)
	if err != nil {
		return err
	}

	bnd, err := b.loadAuthorized(r, admin)
	if err != nil {
		return err
	}

	var req upsertBundleRequest
	if err := decodeJSON(r, &req); err != nil {
		return err
	}
	if strings.TrimSpace(req.Name) == "" {
		return bundle.NewFieldError("name", "must not be empty")
	}
	entries, err := b.buildEntries(r.Context(), admin, req.Entries)
	if err != nil {
		return err
	}

	bnd.Name = req.Name
	bnd.Description = req.Description
	bnd.Entries = entries

	updated, err := b.bundles.Update(r.Context(), bnd)
	if err != nil {
		return fmt.Errorf("updating bundle %s: %w", bnd.ID, err)
	}

	return respondJSON(w, http.StatusOK, updated)
}

// deleteBundle
//
//	@Summary		Delete bundle
//	@Description	Delete a bundle. Its entries and tokens cascade.
//	@Tags			bundles
//	@Param			bundleID	path		string	true	"Bundle ID"
//	@Success		204			{string}	string	"No Content"
//	@Failure		403			{string}	string	"Forbidden"
//	@Failure		404			{string}	string	"Not Found"
//	@Router			/api/v1/bundles/{bundleID} [delete]
func (b *BundleRoutes) deleteBundle(w http.ResponseWriter, r *http.Request) error {
	admin, err := caller(r)
	if err != nil {
		return err
	}

	bnd, err := b.loadAuthorized(r, admin)
	if err != nil {
		return err
	}

	if err := b.bundles.Delete(r.Context(), bnd.ID); err != nil {
		return fmt.Errorf("deleting bundle %s: %w", bnd.ID, err)
	}

	w.WriteHeader(http.StatusNoContent)
	return nil
}

// listTokens
//
//	@Summary		List bundle tokens
//	@Description	List the tokens minted for a bundle, newest first. Only metadata;
//	hashes and wire tokens are never returned.
//	@Tags			tokens
//	@Produce		json
//	@Param			bundleID	path		string	true	"Bundle ID"
//	@Success		200			{object}	tokenListResponse
//	@Failure		403			{string}	string	"Forbidden"
//	@Failure		404			{string}	string	"Not Found"
//	@Router			/api/v1/bundles/{bundleID}/tokens [get]
func (b *BundleRoutes) listTokens(w http.ResponseWriter, r *http.Request) error {
	admin, err := caller(r)
	if err != nil {
		return err
	}

	bnd, err := b.loadAuthorized(r, admin)
	if err != nil {
		return err
	}

	tokens, err := b.tokens.List(r.Context(), bnd.ID)
	if err != nil {
		return fmt.Errorf("listing tokens for bundle %s: %w", bnd.ID, err)
	}
	if tokens == nil {
		tokens = []bundle.Token{}
	}

	return respondJSON(w, http.StatusOK, tokenListResponse{Tokens: tokens})
}

// mintToken
//
//	@Summary		Mint bundle token
//	@Description	Mint an access token for a bundle. The wire token is returned once
//	and never again; only its hash is stored.
//	@Tags			tokens
//	@Accept			json
//	@Produce		json
//	@Param			bundleID	path		string				true	"Bundle ID"
//	@Param			request		body		mintTokenRequest	true	"Mint token request"
//	@Success		201			{object}	mintTokenResponse
//	@Failure		400			{string}	string	"Bad Request"
//	@Failure		403			{string}	string	"Forbidden"
//	@Failure		404			{string}	string	"Not Found"
//	@Router			/api/v1/bundles/{bundleID}/tokens [post]
func (b *BundleRoutes) mintToken(w http.ResponseWriter, r *http.Request) error {
	admin, err := caller(r)
	if err != nil {
		return err
	}

	bnd, err := b.loadAuthorized(r, admin)
	if err != nil {
		return err
	}

	var req mintTokenRequest
	if err := decodeJSON(r, &req); err != nil {
		return err
	}
	if req.ExpiresAt != nil && !req.ExpiresAt.After(time.Now()) {
		return bundle.NewFieldError("expiresAt", "must be in the future")
	}

	value, err := crypto.NewToken()
	if err != nil {
		return fmt.Errorf("minting token: %w", err)
	}

	rec, err := b.tokens.Create(r.Context(), bundle.Token{
		BundleID:  bnd.ID,
		Name:      req.Name,
		Hash:      crypto.HashToken(value),
		ExpiresAt: req.ExpiresAt,
	})
	if err != nil {
		return fmt.Errorf("creating token: %w", err)
	}

	return respondJSON(w, http.StatusCreated, mintTokenResponse{Record: rec, Token: value})
}

// loadAuthorized resolves {bundleID} and checks the caller may act on it.
func (b *BundleRoutes) loadAuthorized(r *http.Request, admin bundle.User) (bundle.Bundle, error) {
	id := chi.URLParam(r, "bundleID")
	bnd, err := b.bundles.FindByID(r.Context(), id)
	if err != nil {
		return bundle.Bundle{}, fmt.Errorf("loading bundle %s: %w", id, err)
	}
	if err := authorize(r.Context(), b.users, admin.ID, bnd.CreatedByID); err != nil {
		return bundle.Bundle{}, err
	}
	return bnd, nil
}

// buildEntries validates entry payloads and turns them into stored form.
// Position follows payload order. Referenced MCPs must exist and sit
// inside the caller's subtree.
func (b *BundleRoutes) buildEntries(
	ctx context.Context, admin bundle.User, reqs []bundleEntryRequest,
) ([]bundle.BundleEntry, error) {
	entries := make([]bundle.BundleEntry, 0, len(reqs))
	for i, e := range reqs {
		if e.McpID == "" {
			return nil, bundle.NewFieldError(fmt.Sprintf("entries[%d].mcpId", i), "must not be empty")
		}
		mcp, err := b.mcps.FindByID(ctx, e.McpID)
		if errors.Is(err, bundle.ErrNotFound) {
			return nil, bundle.NewFieldError(fmt.Sprintf("entries[%d].mcpId", i), "unknown mcp")
		}
		if err != nil {
			return nil, fmt.Errorf("loading mcp %s: %w", e.McpID, err)
		}
		if err := authorize(ctx, b.users, admin.ID, mcp.CreatedByID); err != nil {
			return nil, err
		}
		if err := validateEntryPermissions(i, e.Permissions); err != nil {
			return nil, err
		}
		entries = append(entries, bundle.BundleEntry{
			McpID:       e.McpID,
			Position:    i,
			Permissions: e.Permissions,
		})
	}
	return entries, nil
}

// validateEntryPermissions prefixes allow-list failures with the entry's
// payload path.
func validateEntryPermissions(i int, perms bundle.McpPermissions) error {
	err := bundle.ValidatePermissions(perms)
	if err == nil {
		return nil
	}
	var fieldErr *bundle.FieldError
	if errors.As(err, &fieldErr) {
		return bundle.NewFieldError(fmt.Sprintf("entries[%d].%s", i, fieldErr.Field), fieldErr.Message)
	}
	return err
}

// Request and response type definitions

// upsertBundleRequest is shared by create and update.
//
//	@Description	Bundle definition with inline entries
type upsertBundleRequest struct {
	// Bundle name
	Name string `json:"name"`
	// Optional description
	Description string `json:"description,omitempty"`
	// Entries in aggregation order
	Entries []bundleEntryRequest `json:"entries,omitempty"`
}

// bundleEntryRequest names an MCP and the allow-lists scoping it.
type bundleEntryRequest struct {
	// ID of a registered MCP
	McpID string `json:"mcpId"`
	// Allow-lists; a missing list allows everything, an empty one denies
	Permissions bundle.McpPermissions `json:"permissions"`
}

// bundleListResponse represents the response for listing bundles
type bundleListResponse struct {
	Bundles []bundle.Bundle `json:"bundles"`
}

// tokenListResponse represents the response for listing bundle tokens
type tokenListResponse struct {
	Tokens []bundle.Token `json:"tokens"`
}

// mintTokenRequest represents the request for minting a bundle token
type mintTokenRequest struct {
	// Optional label for the token
	Name string `json:"name,omitempty"`
	// Optional expiry; omitted means the token never expires
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
}

// mintTokenResponse carries the token record and the wire token. The
// wire form is shown exactly once; only its hash is stored.
type mintTokenResponse struct {
	Record bundle.Token `json:"record"`
	Token  string       `json:"token"`
}
