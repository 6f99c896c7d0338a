// SPDX-FileCopyrightText: Copyright 2025 mcpbundle Authors
// SPDX-License-Identifier: Apache-2.0

package v1

import (
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	apierrors "github.com/mcpbundle/mcpb/pkg/api/errors"
	"github.com/mcpbundle/mcpb/pkg/bundle"
	"github.com/mcpbundle/mcpb/pkg/storage"
)

// CredentialRoutes defines the token-holder credential surface: holders
// of a bundle token bind their own credentials for USER_SET upstreams.
// No admin key is involved; the bundle token itself authenticates.
type CredentialRoutes struct {
	mcps        storage.McpRepo
	credentials storage.CredentialRepo
}

// CredentialRouter creates a new router for the credential surface.
// Every route requires a bundle token in X-Bundle-Token.
func CredentialRouter(
	tokens storage.TokenRepo,
	mcps storage.McpRepo,
	credentials storage.CredentialRepo,
) http.Handler {
	routes := CredentialRoutes{mcps: mcps, credentials: credentials}

	r := chi.NewRouter()
	r.Use(tokenAuth(tokens))
	r.Get("/", apierrors.ErrorHandler(routes.listCredentials))
	r.Put("/{namespace}", apierrors.ErrorHandler(routes.bindCredential))
	r.Delete("/{namespace}", apierrors.ErrorHandler(routes.removeCredential))
	return r
}

// listCredentials
//
//	@Summary		List bound credentials
//	@Description	List the namespaces the presented token has credentials bound for.
//	The credential material itself is never returned.
//	@Tags			credentials
//	@Produce		json
//	@Success		200	{object}	credentialListResponse
//	@Router			/api/v1/credentials [get]
func (c *CredentialRoutes) listCredentials(w http.ResponseWriter, r *http.Request) error {
	token, err := callerToken(r)
	if err != nil {
		return err
	}

	creds, err := c.credentials.ListByToken(r.Context(), token.ID)
	if err != nil {
		return fmt.Errorf("listing credentials: %w", err)
	}

	namespaces := make([]string, 0, len(creds))
	for _, cred := range creds {
		mcp, err := c.mcps.FindByID(r.Context(), cred.McpID)
		if err != nil {
			return fmt.Errorf("loading mcp %s: %w", cred.McpID, err)
		}
		namespaces = append(namespaces, mcp.Namespace)
	}

	return respondJSON(w, http.StatusOK, credentialListResponse{Namespaces: namespaces})
}

// bindCredential
//
//	@Summary		Bind credential
//	@Description	Bind or replace the caller's credential for a USER_SET upstream.
//	The credential is accepted in cleartext, stored encrypted, and never echoed back.
//	@Tags			credentials
//	@Accept			json
//	@Produce		json
//	@Param			namespace	path		string					true	"MCP namespace"
//	@Param			request		body		bindCredentialRequest	true	"Bind credential request"
//	@Success		200			{object}	bindCredentialResponse
//	@Failure		400			{string}	string	"Bad Request"
//	@Failure		404			{string}	string	"Not Found"
//	@Router			/api/v1/credentials/{namespace} [put]
func (c *CredentialRoutes) bindCredential(w http.ResponseWriter, r *http.Request) error {
	token, err := callerToken(r)
	if err != nil {
		return err
	}
	ns := chi.URLParam(r, "namespace")

	mcp, err := c.mcps.FindByNamespace(r.Context(), ns)
	if err != nil {
		return fmt.Errorf("loading mcp %q: %w", ns, err)
	}
	if mcp.AuthStrategy != bundle.AuthStrategyUserSet {
		return bundle.NewFieldError("namespace", "mcp does not take per-token credentials")
	}

	var req bindCredentialRequest
	if err := decodeJSON(r, &req); err != nil {
		return err
	}
	if err := req.Auth.Validate(); err != nil {
		return err
	}

	if _, err := c.credentials.Bind(r.Context(), bundle.BundleCredential{
		TokenID: token.ID,
		McpID:   mcp.ID,
		Auth:    req.Auth,
	}); err != nil {
		return fmt.Errorf("binding credential for %q: %w", ns, err)
	}

	return respondJSON(w, http.StatusOK, bindCredentialResponse{
		Namespace: ns,
		Message:   "Credential bound successfully",
	})
}

// removeCredential
//
//	@Summary		Remove credential
//	@Description	Remove the caller's credential for a namespace
//	@Tags			credentials
//	@Param			namespace	path		string	true	"MCP namespace"
//	@Success		204			{string}	string	"No Content"
//	@Failure		404			{string}	string	"Not Found"
//	@Router			/api/v1/credentials/{namespace} [delete]
func (c *CredentialRoutes) removeCredential(w http.ResponseWriter, r *http.Request) error {
	token, err := callerToken(r)
	if err != nil {
		return err
	}
	ns := chi.URLParam(r, "namespace")

	mcp, err := c.mcps.FindByNamespace(r.Context(), ns)
	if err != nil {
		return fmt.Errorf("loading mcp %q: %w", ns, err)
	}

	if err := c.credentials.Remove(r.Context(), token.ID, mcp.ID); err != nil {
		return fmt.Errorf("removing credential for %q: %w", ns, err)
	}

	w.WriteHeader(http.StatusNoContent)
	return nil
}

// Request and response type definitions

// bindCredentialRequest represents the request for binding a credential
type bindCredentialRequest struct {
	// Credential for the namespace's MCP, stored encrypted
	Auth bundle.AuthConfig `json:"auth"`
}

// bindCredentialResponse represents the response after binding a credential
type bindCredentialResponse struct {
	// Namespace the credential was bound for
	Namespace string `json:"namespace"`
	// Success message
	Message string `json:"message"`
}

// credentialListResponse lists the namespaces a token has credentials
// bound for
type credentialListResponse struct {
	Namespaces []string `json:"namespaces"`
}
