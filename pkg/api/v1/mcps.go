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

// McpRoutes defines the routes for upstream MCP management.
type McpRoutes struct {
	users storage.UserRepo
	mcps  storage.McpRepo
}

// McpRouter creates a new router for upstream MCP management. Every
// route requires an admin key.
func McpRouter(users storage.UserRepo, mcps storage.McpRepo) http.Handler {
	routes := McpRoutes{users: users, mcps: mcps}

	r := chi.NewRouter()
	r.Use(adminAuth(users))
	r.Get("/", apierrors.ErrorHandler(routes.listMcps))
	r.Post("/", apierrors.ErrorHandler(routes.createMcp))
	r.Get("/{mcpID}", apierrors.ErrorHandler(routes.getMcp))
	r.Put("/{mcpID}", apierrors.ErrorHandler(routes.updateMcp))
	r.Delete("/{mcpID}", apierrors.ErrorHandler(routes.deleteMcp))
	return r
}

// listMcps
//
//	@Summary		List MCPs
//	@Description	List upstream MCPs created inside the caller's subtree
//	@Tags			mcps
//	@Produce		json
//	@Success		200	{object}	mcpListResponse
//	@Router			/api/v1/mcps [get]
func (m *McpRoutes) listMcps(w http.ResponseWriter, r *http.Request) error {
	admin, err := caller(r)
	if err != nil {
		return err
	}

	ids, err := m.users.CollectDescendantIDs(r.Context(), admin.ID)
	if err != nil {
		return fmt.Errorf("collecting user subtree: %w", err)
	}
	mcps, err := m.mcps.ListByCreators(r.Context(), ids)
	if err != nil {
		return fmt.Errorf("listing mcps: %w", err)
	}
	if mcps == nil {
		mcps = []bundle.Mcp{}
	}

	return respondJSON(w, http.StatusOK, mcpListResponse{Mcps: mcps})
}

// createMcp
//
//	@Summary		Register MCP
//	@Description	Register an upstream MCP server under a globally unique namespace.
//	A MASTER credential is accepted in cleartext, stored encrypted, and never echoed back.
//	@Tags			mcps
//	@Accept			json
//	@Produce		json
//	@Param			request	body		upsertMcpRequest	true	"Register MCP request"
//	@Success		201		{object}	bundle.Mcp
//	@Failure		400		{string}	string	"Bad Request"
//	@Failure		409		{string}	string	"Conflict - namespace taken"
//	@Router			/api/v1/mcps [post]
func (m *McpRoutes) createMcp(w http.ResponseWriter, r *http.Request) error {
	admin, err := caller(r)
	if err != nil {
		return err
	}

	var req upsertMcpRequest
	if err := decodeJSON(r, &req); err != nil {
		return err
	}

	rec := bundle.Mcp{
		Namespace:    req.Namespace,
		URL:          req.URL,
		Version:      req.Version,
		Transport:    req.Transport,
		Stateless:    req.Stateless,
		AuthStrategy: req.AuthStrategy,
		Auth:         bundle.NoneAuth(),
		CreatedByID:  admin.ID,
	}
	applyMcpDefaults(&rec)
	if err := rec.Validate(); err != nil {
		return err
	}
	if err := installAuth(&rec, req.Auth); err != nil {
		return err
	}

	created, err := m.mcps.Create(r.Context(), rec)
	if err != nil {
		return fmt.Errorf("creating mcp: %w", err)
	}

	return respondJSON(w, http.StatusCreated, created)
}

// getMcp
//
//	@Summary		Get MCP
//	@Description	Get one upstream MCP definition
//	@Tags			mcps
//	@Produce		json
//	@Param			mcpID	path		string	true	"MCP ID"
//	@Success		200		{object}	bundle.Mcp
//	@Failure		403		{string}	string	"Forbidden"
//	@Failure		404		{string}	string	"Not Found"
//	@Router			/api/v1/mcps/{mcpID} [get]
func (m *McpRoutes) getMcp(w http.ResponseWriter, r *http.Request) error {
	admin, err := caller(r)
	if err != nil {
		return err
	}
	id := chi.URLParam(r, "mcpID")

	rec, err := m.mcps.FindByID(r.Context(), id)
	if err != nil {
		return fmt.Errorf("loading mcp %s: %w", id, err)
	}
	if err := authorize(r.Context(), m.users, admin.ID, rec.CreatedByID); err != nil {
		return err
	}

	return respondJSON(w, http.StatusOK, rec)
}

// updateMcp
//
//	@Summary		Update MCP
//	@Description	Replace an upstream MCP definition. Omitting auth keeps the stored credential,
//	so the document returned by GET can be edited and PUT back unchanged.
//	@Tags			mcps
//	@Accept			json
//	@Produce		json
//	@Param			mcpID	path		string				true	"MCP ID"
//	@Param			request	body		upsertMcpRequest	true	"Update MCP request"
//	@Success		200		{object}	bundle.Mcp
//	@Failure		400		{string}	string	"Bad Request"
//	@Failure		403		{string}	string	"Forbidden"
//	@Failure		404		{string}	string	"Not Found"
//	@Failure		409		{string}	string	"Conflict - namespace taken"
//	@Router			/api/v1/mcps/{mcpID} [put]
func (m *McpRoutes) updateMcp(w http.ResponseWriter, r *http.Request) error {
	admin, err := caller(r)
	if err != nil {
		return err
	}
	id := chi.URLParam(r, "mcpID")

	existing, err := m.mcps.FindByID(r.Context(), id)
	if err != nil {
		return fmt.Errorf("loading mcp %s: %w", id, err)
	}
	if err := authorize(r.Context(), m.users, admin.ID, existing.CreatedByID); err != nil {
		return err
	}

	var req upsertMcpRequest
	if err := decodeJSON(r, &req); err != nil {
		return err
	}

	updated := existing
	updated.Namespace = req.Namespace
	updated.URL = req.URL
	updated.Version = req.Version
	updated.Transport = req.Transport
	updated.Stateless = req.Stateless
	updated.AuthStrategy = req.AuthStrategy
	applyMcpDefaults(&updated)
	if err := updated.Validate(); err != nil {
		return err
	}
	if updated.AuthStrategy != bundle.AuthStrategyMaster {
		// Leaving MASTER drops the stored credential.
		updated.Auth = bundle.NoneAuth()
	}
	if err := installAuth(&updated, req.Auth); err != nil {
		return err
	}

	rec, err := m.mcps.Update(r.Context(), updated)
	if err != nil {
		return fmt.Errorf("updating mcp %s: %w", id, err)
	}

	return respondJSON(w, http.StatusOK, rec)
}

// deleteMcp
//
//	@Summary		Delete MCP
//	@Description	Delete an upstream MCP. Bundle entries and bound credentials cascade.
//	@Tags			mcps
//	@Param			mcpID	path		string	true	"MCP ID"
//	@Success		204		{string}	string	"No Content"
//	@Failure		403		{string}	string	"Forbidden"
//	@Failure		404		{string}	string	"Not Found"
//	@Router			/api/v1/mcps/{mcpID} [delete]
func (m *McpRoutes) deleteMcp(w http.ResponseWriter, r *http.Request) error {
	admin, err := caller(r)
	if err != nil {
		return err
	}
	id := chi.URLParam(r, "mcpID")

	rec, err := m.mcps.FindByID(r.Context(), id)
	if err != nil {
		return fmt.Errorf("loading mcp %s: %w", id, err)
	}
	if err := authorize(r.Context(), m.users, admin.ID, rec.CreatedByID); err != nil {
		return err
	}

	if err := m.mcps.Delete(r.Context(), rec.ID); err != nil {
		return fmt.Errorf("deleting mcp %s: %w", id, err)
	}

	w.WriteHeader(http.StatusNoContent)
	return nil
}

// applyMcpDefaults fills the optional enum fields of an MCP definition.
func applyMcpDefaults(rec *bundle.Mcp) {
	if rec.Transport == "" {
		rec.Transport = bundle.TransportStreamableHTTP
	}
	if rec.AuthStrategy == "" {
		rec.AuthStrategy = bundle.AuthStrategyNone
	}
}

// installAuth validates and installs a request credential on rec. Only
// MASTER upstreams store one; a nil auth leaves rec.Auth untouched,
// which on update means keeping the stored credential.
func installAuth(rec *bundle.Mcp, auth *bundle.AuthConfig) error {
	if auth != nil {
		if rec.AuthStrategy != bundle.AuthStrategyMaster {
			return bundle.NewFieldError("auth", "only the MASTER strategy stores a credential on the mcp")
		}
		if err := auth.Validate(); err != nil {
			return err
		}
		rec.Auth = *auth
		return nil
	}
	if rec.AuthStrategy == bundle.AuthStrategyMaster && rec.Auth.Method == bundle.AuthMethodNone {
		return bundle.NewFieldError("auth", "MASTER strategy requires a credential")
	}
	return nil
}

// Request and response type definitions

// upsertMcpRequest is shared by create and update.
//
//	@Description	Upstream MCP definition. Auth carries the MASTER credential
//	in cleartext; it is encrypted at rest and never echoed back.
type upsertMcpRequest struct {
	// Globally unique namespace prefix
	Namespace string `json:"namespace"`
	// Upstream base URL (http or https)
	URL string `json:"url"`
	// Optional upstream version label
	Version string `json:"version,omitempty"`
	// Wire transport, defaults to streamable-http
	Transport bundle.TransportType `json:"transport,omitempty"`
	// Whether one pooled connection may be shared across sessions
	Stateless bool `json:"stateless,omitempty"`
	// Credential sourcing strategy, defaults to NONE
	AuthStrategy bundle.AuthStrategy `json:"authStrategy,omitempty"`
	// MASTER credential; omit on update to keep the stored one
	Auth *bundle.AuthConfig `json:"auth,omitempty"`
}

// mcpListResponse represents the response for listing MCPs
type mcpListResponse struct {
	Mcps []bundle.Mcp `json:"mcps"`
}
