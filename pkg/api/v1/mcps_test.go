// SPDX-FileCopyrightText: Copyright 2025 mcpbundle Authors
// SPDX-License-Identifier: Apache-2.0

package v1

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mcpbundle/mcpb/pkg/bundle"
)

func TestMcpLifecycle(t *testing.T) {
	t.Parallel()
	env := newAPIEnv(t)
	router := McpRouter(env.users, env.mcps)

	rec := adminRequest(t, router, http.MethodPost, "/", env.rootKey, map[string]any{
		"namespace": "github",
		"url":       "https://api.example/mcp",
		"transport": "sse",
		"stateless": true,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var created bundle.Mcp
	decodeResponse(t, rec, &created)
	assert.NotEmpty(t, created.ID)
	assert.Equal(t, "github", created.Namespace)
	assert.Equal(t, bundle.TransportSSE, created.Transport)
	assert.True(t, created.Stateless)
	assert.Equal(t, env.root.ID, created.CreatedByID)

	rec = adminRequest(t, router, http.MethodGet, "/"+created.ID, env.rootKey, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = adminRequest(t, router, http.MethodGet, "/", env.rootKey, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list mcpListResponse
	decodeResponse(t, rec, &list)
	require.Len(t, list.Mcps, 1)

	rec = adminRequest(t, router, http.MethodPut, "/"+created.ID, env.rootKey, map[string]any{
		"namespace": "github",
		"url":       "https://api.example/v2/mcp",
		"transport": "streamable-http",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var updated bundle.Mcp
	decodeResponse(t, rec, &updated)
	assert.Equal(t, "https://api.example/v2/mcp", updated.URL)
	assert.Equal(t, bundle.TransportStreamableHTTP, updated.Transport)
	assert.False(t, updated.Stateless)

	rec = adminRequest(t, router, http.MethodDelete, "/"+created.ID, env.rootKey, nil)
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = adminRequest(t, router, http.MethodGet, "/"+created.ID, env.rootKey, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestMcpCreateDefaults(t *testing.T) {
	t.Parallel()
	env := newAPIEnv(t)
	router := McpRouter(env.users, env.mcps)

	rec := adminRequest(t, router, http.MethodPost, "/", env.rootKey, map[string]any{
		"namespace": "docs",
		"url":       "https://docs.example/mcp",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var created bundle.Mcp
	decodeResponse(t, rec, &created)
	assert.Equal(t, bundle.TransportStreamableHTTP, created.Transport)
	assert.Equal(t, bundle.AuthStrategyNone, created.AuthStrategy)
	assert.False(t, created.Stateless)
}

func TestMcpCreateValidation(t *testing.T) {
	t.Parallel()
	env := newAPIEnv(t)
	router := McpRouter(env.users, env.mcps)

	tests := []struct {
		name      string
		body      any
		wantField string
	}{
		{
			name:      "missing namespace",
			body:      map[string]any{"url": "https://x.example"},
			wantField: "namespace",
		},
		{
			name:      "namespace with separator",
			body:      map[string]any{"namespace": "a__b", "url": "https://x.example"},
			wantField: "namespace",
		},
		{
			name:      "missing url",
			body:      map[string]any{"namespace": "ok"},
			wantField: "url",
		},
		{
			name:      "non-http url",
			body:      map[string]any{"namespace": "ok", "url": "ftp://x.example"},
			wantField: "url",
		},
		{
			name:      "unknown transport",
			body:      map[string]any{"namespace": "ok", "url": "https://x.example", "transport": "grpc"},
			wantField: "transport",
		},
		{
			name:      "unknown strategy",
			body:      map[string]any{"namespace": "ok", "url": "https://x.example", "authStrategy": "SHARED"},
			wantField: "authStrategy",
		},
		{
			name:      "master without credential",
			body:      map[string]any{"namespace": "ok", "url": "https://x.example", "authStrategy": "MASTER"},
			wantField: "auth",
		},
		{
			name: "credential on none strategy",
			body: map[string]any{
				"namespace": "ok", "url": "https://x.example",
				"auth": map[string]string{"method": "bearer", "token": "x"},
			},
			wantField: "auth",
		},
		{
			name: "bearer without token",
			body: map[string]any{
				"namespace": "ok", "url": "https://x.example", "authStrategy": "MASTER",
				"auth": map[string]string{"method": "bearer"},
			},
			wantField: "auth.token",
		},
		{
			name:      "malformed json",
			body:      `{"namespace":`,
			wantField: "body",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			rec := adminRequest(t, router, http.MethodPost, "/", env.rootKey, tt.body)
			requireFieldError(t, rec, tt.wantField)
		})
	}
}

func TestMcpDuplicateNamespace(t *testing.T) {
	t.Parallel()
	env := newAPIEnv(t)
	router := McpRouter(env.users, env.mcps)

	env.seedMcp(t, "github", env.root.ID)

	rec := adminRequest(t, router, http.MethodPost, "/", env.rootKey, map[string]any{
		"namespace": "github",
		"url":       "https://other.example/mcp",
	})
	assert.Equal(t, http.StatusConflict, rec.Code, rec.Body.String())
	assert.Contains(t, decodeError(t, rec).Error, "github")
}

func TestMcpMasterCredentialNeverEchoed(t *testing.T) {
	t.Parallel()
	env := newAPIEnv(t)
	router := McpRouter(env.users, env.mcps)

	const secret = "master-secret-42"
	rec := adminRequest(t, router, http.MethodPost, "/", env.rootKey, map[string]any{
		"namespace":    "github",
		"url":          "https://api.example/mcp",
		"authStrategy": "MASTER",
		"auth":         map[string]string{"method": "bearer", "token": secret},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.NotContains(t, rec.Body.String(), secret)

	var created bundle.Mcp
	decodeResponse(t, rec, &created)

	rec = adminRequest(t, router, http.MethodGet, "/"+created.ID, env.rootKey, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotContains(t, rec.Body.String(), secret)

	// The repository holds the cleartext; only the API omits it.
	stored, err := env.mcps.FindByID(t.Context(), created.ID)
	require.NoError(t, err)
	assert.Equal(t, bundle.AuthMethodBearer, stored.Auth.Method)
	assert.Equal(t, secret, stored.Auth.Token)
}

func TestMcpUpdateCredentialFlow(t *testing.T) {
	t.Parallel()
	env := newAPIEnv(t)
	router := McpRouter(env.users, env.mcps)

	rec := adminRequest(t, router, http.MethodPost, "/", env.rootKey, map[string]any{
		"namespace":    "github",
		"url":          "https://api.example/mcp",
		"authStrategy": "MASTER",
		"auth":         map[string]string{"method": "bearer", "token": "secret-one"},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var created bundle.Mcp
	decodeResponse(t, rec, &created)

	// Updating without an auth block keeps the stored credential.
	rec = adminRequest(t, router, http.MethodPut, "/"+created.ID, env.rootKey, map[string]any{
		"namespace":    "github",
		"url":          "https://api.example/v2/mcp",
		"authStrategy": "MASTER",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	stored, err := env.mcps.FindByID(t.Context(), created.ID)
	require.NoError(t, err)
	assert.Equal(t, "secret-one", stored.Auth.Token)

	// Supplying one replaces it.
	rec = adminRequest(t, router, http.MethodPut, "/"+created.ID, env.rootKey, map[string]any{
		"namespace":    "github",
		"url":          "https://api.example/v2/mcp",
		"authStrategy": "MASTER",
		"auth":         map[string]string{"method": "bearer", "token": "secret-two"},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	stored, err = env.mcps.FindByID(t.Context(), created.ID)
	require.NoError(t, err)
	assert.Equal(t, "secret-two", stored.Auth.Token)

	// Leaving MASTER drops the credential.
	rec = adminRequest(t, router, http.MethodPut, "/"+created.ID, env.rootKey, map[string]any{
		"namespace":    "github",
		"url":          "https://api.example/v2/mcp",
		"authStrategy": "USER_SET",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	stored, err = env.mcps.FindByID(t.Context(), created.ID)
	require.NoError(t, err)
	assert.Equal(t, bundle.AuthMethodNone, stored.Auth.Method)

	// Returning to MASTER needs a fresh credential.
	rec = adminRequest(t, router, http.MethodPut, "/"+created.ID, env.rootKey, map[string]any{
		"namespace":    "github",
		"url":          "https://api.example/v2/mcp",
		"authStrategy": "MASTER",
	})
	requireFieldError(t, rec, "auth")
}

func TestMcpForbiddenOutsideSubtree(t *testing.T) {
	t.Parallel()
	env := newAPIEnv(t)
	router := McpRouter(env.users, env.mcps)

	_, aliceKey := env.seedUser(t, "alice", env.root.ID)
	bob, _ := env.seedUser(t, "bob", env.root.ID)
	mcp := env.seedMcp(t, "bobs-mcp", bob.ID)

	rec := adminRequest(t, router, http.MethodGet, "/"+mcp.ID, aliceKey, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = adminRequest(t, router, http.MethodPut, "/"+mcp.ID, aliceKey, map[string]any{
		"namespace": "bobs-mcp",
		"url":       "https://hijack.example/mcp",
	})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = adminRequest(t, router, http.MethodDelete, "/"+mcp.ID, aliceKey, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	// The sibling's listing does not leak it either.
	rec = adminRequest(t, router, http.MethodGet, "/", aliceKey, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list mcpListResponse
	decodeResponse(t, rec, &list)
	assert.Empty(t, list.Mcps)
}
