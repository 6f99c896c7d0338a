// SPDX-FileCopyrightText: Copyright 2025 mcpbundle Authors
// SPDX-License-Identifier: Apache-2.0

package v1

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	apierrors "github.com/mcpbundle/mcpb/pkg/api/errors"
	"github.com/mcpbundle/mcpb/pkg/bundle"
	"github.com/mcpbundle/mcpb/pkg/crypto"
	"github.com/mcpbundle/mcpb/pkg/storage"
)

// UserRoutes defines the routes for user management.
type UserRoutes struct {
	users storage.UserRepo
}

// UserRouter creates a new router for user management. Every route
// requires an admin key.
func UserRouter(users storage.UserRepo) http.Handler {
	routes := UserRoutes{users: users}

	r := chi.NewRouter()
	r.Use(adminAuth(users))
	r.Get("/", apierrors.ErrorHandler(routes.listUsers))
	r.Post("/", apierrors.ErrorHandler(routes.createUser))
	r.Get("/{userID}", apierrors.ErrorHandler(routes.getUser))
	r.Delete("/{userID}", apierrors.ErrorHandler(routes.deleteUser))
	return r
}

// listUsers
//
//	@Summary		List users
//	@Description	List the caller and every user the caller transitively created
//	@Tags			users
//	@Produce		json
//	@Success		200	{object}	userListResponse
//	@Router			/api/v1/users [get]
func (u *UserRoutes) listUsers(w http.ResponseWriter, r *http.Request) error {
	admin, err := caller(r)
	if err != nil {
		return err
	}

	ids, err := u.users.CollectDescendantIDs(r.Context(), admin.ID)
	if err != nil {
		return fmt.Errorf("collecting user subtree: %w", err)
	}
	users, err := u.users.ListByIDs(r.Context(), ids)
	if err != nil {
		return fmt.Errorf("listing users: %w", err)
	}

	return respondJSON(w, http.StatusOK, userListResponse{Users: users})
}

// createUser
//
//	@Summary		Create user
//	@Description	Create a user and mint its admin key. The key is returned once and never again.
//	@Tags			users
//	@Accept			json
//	@Produce		json
//	@Param			request	body		createUserRequest	true	"Create user request"
//	@Success		201		{object}	createUserResponse
//	@Failure		400		{string}	string	"Bad Request"
//	@Router			/api/v1/users [post]
func (u *UserRoutes) createUser(w http.ResponseWriter, r *http.Request) error {
	admin, err := caller(r)
	if err != nil {
		return err
	}

	var req createUserRequest
	if err := decodeJSON(r, &req); err != nil {
		return err
	}
	if strings.TrimSpace(req.Name) == "" {
		return bundle.NewFieldError("name", "must not be empty")
	}

	key, err := crypto.NewAdminKey()
	if err != nil {
		return fmt.Errorf("minting admin key: %w", err)
	}

	created, err := u.users.Create(r.Context(), bundle.User{
		Name:        req.Name,
		KeyHash:     crypto.HashToken(key),
		CreatedByID: admin.ID,
	})
	if err != nil {
		return fmt.Errorf("creating user: %w", err)
	}

	return respondJSON(w, http.StatusCreated, createUserResponse{User: created, Key: key})
}

// getUser
//
//	@Summary		Get user
//	@Description	Get a user inside the caller's creation subtree
//	@Tags			users
//	@Produce		json
//	@Param			userID	path		string	true	"User ID"
//	@Success		200		{object}	bundle.User
//	@Failure		403		{string}	string	"Forbidden"
//	@Failure		404		{string}	string	"Not Found"
//	@Router			/api/v1/users/{userID} [get]
func (u *UserRoutes) getUser(w http.ResponseWriter, r *http.Request) error {
	admin, err := caller(r)
	if err != nil {
		return err
	}
	id := chi.URLParam(r, "userID")

	target, err := u.users.FindByID(r.Context(), id)
	if err != nil {
		return fmt.Errorf("loading user %s: %w", id, err)
	}
	// Visibility follows the creation hierarchy: the target must be the
	// caller or inside the caller's subtree.
	if err := authorize(r.Context(), u.users, admin.ID, target.ID); err != nil {
		return err
	}

	return respondJSON(w, http.StatusOK, target)
}

// deleteUser
//
//	@Summary		Delete user
//	@Description	Delete a user the caller transitively created
//	@Tags			users
//	@Param			userID	path		string	true	"User ID"
//	@Success		204		{string}	string	"No Content"
//	@Failure		400		{string}	string	"Bad Request"
//	@Failure		403		{string}	string	"Forbidden"
//	@Failure		404		{string}	string	"Not Found"
//	@Router			/api/v1/users/{userID} [delete]
func (u *UserRoutes) deleteUser(w http.ResponseWriter, r *http.Request) error {
	admin, err := caller(r)
	if err != nil {
		return err
	}
	id := chi.URLParam(r, "userID")

	target, err := u.users.FindByID(r.Context(), id)
	if err != nil {
		return fmt.Errorf("loading user %s: %w", id, err)
	}
	if err := authorize(r.Context(), u.users, admin.ID, target.ID); err != nil {
		return err
	}
	if target.ID == admin.ID {
		return bundle.NewFieldError("userID", "cannot delete the authenticated user")
	}

	if err := u.users.Delete(r.Context(), target.ID); err != nil {
		return fmt.Errorf("deleting user %s: %w", id, err)
	}

	w.WriteHeader(http.StatusNoContent)
	return nil
}

// Request and response type definitions

// createUserRequest represents the request for creating a user
type createUserRequest struct {
	// Human-readable user name
	Name string `json:"name"`
}

// createUserResponse carries the created user and its admin key. The
// key is shown exactly once; only its hash is stored.
type createUserResponse struct {
	User bundle.User `json:"user"`
	Key  string      `json:"key"`
}

// userListResponse represents the response for listing users
type userListResponse struct {
	Users []bundle.User `json:"users"`
}
