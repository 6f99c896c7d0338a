// SPDX-FileCopyrightText: Copyright 2025 mcpbundle Authors
// SPDX-License-Identifier: Apache-2.0

// Package bundle defines the core domain model of the mcpb gateway:
// bundles of upstream MCP servers, the tokens that grant access to them,
// the credentials bound to those tokens, and the users that manage them.
package bundle

import (
	"time"
)

// AuthStrategy controls where an upstream MCP's credentials come from.
type AuthStrategy string

const (
	// AuthStrategyNone means the upstream requires no authentication.
	AuthStrategyNone AuthStrategy = "NONE"

	// AuthStrategyMaster means a single shared credential is stored
	// (encrypted) on the Mcp record itself.
	AuthStrategyMaster AuthStrategy = "MASTER"

	// AuthStrategyUserSet means each token holder binds their own
	// credential per (token, mcp) pair.
	AuthStrategyUserSet AuthStrategy = "USER_SET"
)

// Valid reports whether s is a known auth strategy.
func (s AuthStrategy) Valid() bool {
	switch s {
	case AuthStrategyNone, AuthStrategyMaster, AuthStrategyUserSet:
		return true
	default:
		return false
	}
}

// TransportType identifies the wire transport used to reach an upstream.
type TransportType string

const (
	// TransportStreamableHTTP is the MCP streamable-HTTP transport.
	TransportStreamableHTTP TransportType = "streamable-http"

	// TransportSSE is the legacy HTTP+SSE transport.
	TransportSSE TransportType = "sse"
)

// Valid reports whether t is a supported transport.
func (t TransportType) Valid() bool {
	return t == TransportStreamableHTTP || t == TransportSSE
}

// AuthMethod is the discriminator of the AuthConfig tagged union.
type AuthMethod string

const (
	// AuthMethodNone carries no credential fields.
	AuthMethodNone AuthMethod = "none"

	// AuthMethodBearer sends `Authorization: Bearer <token>`.
	AuthMethodBearer AuthMethod = "bearer"

	// AuthMethodBasic sends HTTP basic auth.
	AuthMethodBasic AuthMethod = "basic"

	// AuthMethodAPIKey sends the key in a configurable header.
	AuthMethodAPIKey AuthMethod = "api_key"
)

// DefaultAPIKeyHeader is the header used by api_key auth when none is set.
const DefaultAPIKeyHeader = "X-API-Key"

// AuthConfig is a tagged union of upstream credential shapes. Method selects
// which field group applies; fields outside the selected group are empty.
// AuthConfig values are stored only in encrypted form.
type AuthConfig struct {
	Method AuthMethod `json:"method"`

	// bearer
	Token string `json:"token,omitempty"`

	// basic
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`

	// api_key
	Key    string `json:"key,omitempty"`
	Header string `json:"header,omitempty"`
}

// NoneAuth returns the AuthConfig used when an upstream needs no credentials.
// It is also the documented fallback when stored credentials cannot be
// decrypted and fail-open mode is active.
func NoneAuth() AuthConfig {
	return AuthConfig{Method: AuthMethodNone}
}

// Validate checks that the required fields for the selected method are set.
func (a AuthConfig) Validate() error {
	switch a.Method {
	case AuthMethodNone:
		return nil
	case AuthMethodBearer:
		if a.Token == "" {
			return NewFieldError("auth.token", "bearer auth requires a token")
		}
		return nil
	case AuthMethodBasic:
		if a.Username == "" || a.Password == "" {
			return NewFieldError("auth", "basic auth requires username and password")
		}
		return nil
	case AuthMethodAPIKey:
		if a.Key == "" {
			return NewFieldError("auth.key", "api_key auth requires a key")
		}
		return nil
	default:
		return NewFieldError("auth.method", "unknown auth method "+string(a.Method))
	}
}

// APIKeyHeader returns the header name for api_key auth, applying the default.
func (a AuthConfig) APIKeyHeader() string {
	if a.Header != "" {
		return a.Header
	}
	return DefaultAPIKeyHeader
}

// McpPermissions carries the three allow-lists of a bundle entry. Each
// element is an exact name, the wildcard `*`, or a regular expression
// matched against the whole capability name.
type McpPermissions struct {
	AllowedTools     []string `json:"allowedTools"`
	AllowedResources []string `json:"allowedResources"`
	AllowedPrompts   []string `json:"allowedPrompts"`
}

// AllowAll returns permissions that admit every capability.
func AllowAll() McpPermissions {
	return McpPermissions{
		AllowedTools:     []string{"*"},
		AllowedResources: []string{"*"},
		AllowedPrompts:   []string{"*"},
	}
}

// Mcp is a globally-named upstream MCP server definition.
type Mcp struct {
	ID        string        `json:"id"`
	Namespace string        `json:"namespace"`
	URL       string        `json:"url"`
	Version   string        `json:"version,omitempty"`
	Transport TransportType `json:"transport"`

	// Stateless marks upstreams whose semantics permit sharing one
	// connection across sessions via the connector pool.
	Stateless bool `json:"stateless"`

	AuthStrategy AuthStrategy `json:"authStrategy"`

	// Auth is the MASTER credential in cleartext. Repositories encrypt
	// it at rest and decrypt it on read; it is never serialized
	// outward.
	Auth AuthConfig `json:"-"`

	CreatedByID string    `json:"createdById,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// Bundle is a named, permission-scoped collection of upstream MCPs.
type Bundle struct {
	ID          string        `json:"id"`
	Name        string        `json:"name"`
	Description string        `json:"description,omitempty"`
	CreatedByID string        `json:"createdById,omitempty"`
	Entries     []BundleEntry `json:"entries,omitempty"`
	CreatedAt   time.Time     `json:"createdAt"`
	UpdatedAt   time.Time     `json:"updatedAt"`
}

// BundleEntry joins a bundle to an Mcp with per-capability allow-lists.
// (BundleID, McpID) is unique within a bundle; Position preserves the
// aggregation order.
type BundleEntry struct {
	ID          string         `json:"id"`
	BundleID    string         `json:"bundleId"`
	McpID       string         `json:"mcpId"`
	Position    int            `json:"position"`
	Permissions McpPermissions `json:"permissions"`
}

// Token grants its holder the right to open sessions on one bundle.
// Only the SHA-256 hash of the opaque token string is ever stored.
type Token struct {
	ID       string `json:"id"`
	BundleID string `json:"bundleId"`
	Name     string `json:"name,omitempty"`

	// Hash is the SHA-256 hex digest of the wire-format token.
	Hash string `json:"-"`

	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
	Revoked   bool       `json:"revoked"`
	CreatedAt time.Time  `json:"createdAt"`
}

// IsValid reports whether the token may still open sessions: not revoked
// and either no expiry or an expiry in the future of now.
func (t *Token) IsValid(now time.Time) bool {
	if t.Revoked {
		return false
	}
	return t.ExpiresAt == nil || t.ExpiresAt.After(now)
}

// BundleCredential holds a token holder's own credential for one USER_SET
// upstream. One credential per (token, mcp) pair.
type BundleCredential struct {
	ID      string `json:"id"`
	TokenID string `json:"tokenId"`
	McpID   string `json:"mcpId"`

	// Auth is the credential in cleartext; encrypted at rest by the
	// repository, never serialized outward.
	Auth AuthConfig `json:"-"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// User is a management-plane principal. Users form a creation hierarchy:
// a user may mutate records created by themselves or by any user they
// transitively created.
type User struct {
	ID   string `json:"id"`
	Name string `json:"name"`

	// KeyHash is the SHA-256 hex digest of the user's admin API key.
	KeyHash string `json:"-"`

	// CreatedByID is empty for the root user.
	CreatedByID string     `json:"createdById,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
	LastLoginAt *time.Time `json:"lastLoginAt,omitempty"`
}
