// SPDX-FileCopyrightText: Copyright 2025 mcpbundle Authors
// SPDX-License-Identifier: Apache-2.0

// Package storage defines the persistence ports for mcpb aggregates.
//
// Repositories are the only gatekeeper of at-rest credential
// encryption: they accept cleartext AuthConfig values on write and
// return cleartext on read. What a read-side decryption failure does is
// an adapter construction choice: either substitute `{method: none}`
// after logging the record id, or fail closed and propagate the error.
package storage

import (
	"context"

	"github.com/mcpbundle/mcpb/pkg/bundle"
)

// Repository is the generic persistence port shared by every aggregate.
// Adapters map missing rows to bundle.ErrNotFound and uniqueness
// violations to bundle.ErrAlreadyExists.
type Repository[T any] interface {
	// Create persists a new record, assigning an id when absent, and
	// returns the stored form.
	Create(ctx context.Context, record T) (T, error)
	// Update rewrites an existing record by id.
	Update(ctx context.Context, record T) (T, error)
	// Delete removes a record by id.
	Delete(ctx context.Context, id string) error
	// FindByID loads one record by id.
	FindByID(ctx context.Context, id string) (T, error)
	// FindFirst loads the first record whose field equals value. Field
	// names are per-aggregate and whitelisted; unknown fields fail with
	// a validation error.
	FindFirst(ctx context.Context, field, value string) (T, error)
	// Exists reports whether a record with the given id is stored.
	Exists(ctx context.Context, id string) (bool, error)
}

// UserRepo persists management-plane principals.
type UserRepo interface {
	Repository[bundle.User]

	// ValidateAndUpdate resolves an admin key hash to its user and
	// stamps last login. Unknown hashes fail with bundle.ErrNotFound.
	ValidateAndUpdate(ctx context.Context, keyHash string) (bundle.User, error)
	// CollectDescendantIDs returns userID plus the ids of every user it
	// transitively created.
	CollectDescendantIDs(ctx context.Context, userID string) ([]string, error)
	// IsAuthorized reports whether userID may act on a record created
	// by createdByID: the creator is the user itself or one of its
	// transitive descendants.
	IsAuthorized(ctx context.Context, userID, createdByID string) (bool, error)
	// ListByIDs loads the given users, skipping unknown ids.
	ListByIDs(ctx context.Context, ids []string) ([]bundle.User, error)
}

// McpRepo persists upstream MCP definitions.
type McpRepo interface {
	Repository[bundle.Mcp]

	// FindByNamespace loads the MCP owning a namespace.
	FindByNamespace(ctx context.Context, namespace string) (bundle.Mcp, error)
	// ListAll returns every registered MCP.
	ListAll(ctx context.Context) ([]bundle.Mcp, error)
	// ListByCreators returns MCPs created by any of the given users.
	ListByCreators(ctx context.Context, creatorIDs []string) ([]bundle.Mcp, error)
	// DeleteByCreators removes all MCPs created by the given users and
	// reports how many went away.
	DeleteByCreators(ctx context.Context, creatorIDs []string) (int64, error)
}

// BundleRepo persists bundles together with their ordered entries.
type BundleRepo interface {
	Repository[bundle.Bundle]

	// ListByCreators returns bundles created by any of the given users.
	ListByCreators(ctx context.Context, creatorIDs []string) ([]bundle.Bundle, error)
}

// TokenRepo persists bundle access tokens. Only hashes are stored.
type TokenRepo interface {
	Repository[bundle.Token]

	// FindByHash loads a token by its SHA-256 hash.
	FindByHash(ctx context.Context, hash string) (bundle.Token, error)
	// List returns all tokens minted for a bundle.
	List(ctx context.Context, bundleID string) ([]bundle.Token, error)
	// IsValid reports whether the hash belongs to a token that is not
	// revoked and not expired. Unknown hashes are simply invalid.
	IsValid(ctx context.Context, hash string) (bool, error)
}

// CredentialRepo persists per-token credentials for USER_SET upstreams.
type CredentialRepo interface {
	Repository[bundle.BundleCredential]

	// FindByTokenAndMcp loads the credential bound to a (token, mcp)
	// pair.
	FindByTokenAndMcp(ctx context.Context, tokenID, mcpID string) (bundle.BundleCredential, error)
	// Bind creates or replaces the credential for a (token, mcp) pair.
	Bind(ctx context.Context, cred bundle.BundleCredential) (bundle.BundleCredential, error)
	// UpdateByTokenAndMcp rewrites an existing binding; absent bindings
	// fail with bundle.ErrNotFound.
	UpdateByTokenAndMcp(ctx context.Context, tokenID, mcpID string, auth bundle.AuthConfig) (bundle.BundleCredential, error)
	// Remove deletes the binding for a (token, mcp) pair.
	Remove(ctx context.Context, tokenID, mcpID string) error
	// ListByToken returns every credential bound to a token.
	ListByToken(ctx context.Context, tokenID string) ([]bundle.BundleCredential, error)
}
