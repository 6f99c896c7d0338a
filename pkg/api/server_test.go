// SPDX-FileCopyrightText: Copyright 2025 mcpbundle Authors
// SPDX-License-Identifier: Apache-2.0

package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mcpbundle/mcpb/pkg/bundle"
	"github.com/mcpbundle/mcpb/pkg/crypto"
	"github.com/mcpbundle/mcpb/pkg/storage/sqlite"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func newTestDeps(t *testing.T) (Deps, string) {
	t.Helper()

	db, err := sqlite.Open(t.Context(), filepath.Join(t.TempDir(), "api.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	cipher, err := crypto.NewCipher(testSecret)
	require.NoError(t, err)

	users := sqlite.NewUserStore(db)
	deps := Deps{
		Users:       users,
		Mcps:        sqlite.NewMcpStore(db, cipher, false),
		Bundles:     sqlite.NewBundleStore(db),
		Tokens:      sqlite.NewTokenStore(db),
		Credentials: sqlite.NewCredentialStore(db, cipher),
	}

	key, err := crypto.NewAdminKey()
	require.NoError(t, err)
	_, err = users.Create(t.Context(), bundle.User{Name: "root", KeyHash: crypto.HashToken(key)})
	require.NoError(t, err)

	return deps, key
}

func TestHandlerRoutesRequests(t *testing.T) {
	t.Parallel()

	deps, key := newTestDeps(t)
	ts := httptest.NewServer(Handler(deps))
	t.Cleanup(ts.Close)

	// Health endpoint needs no credentials.
	resp, err := ts.Client().Get(ts.URL + "/health")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	// Authenticated request through the mounted user router.
	req, err := http.NewRequestWithContext(t.Context(), http.MethodGet, ts.URL+"/api/v1/users", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+key)
	resp, err = ts.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))

	var listed struct {
		Users []bundle.User `json:"users"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&listed))
	require.Len(t, listed.Users, 1)
	assert.Equal(t, "root", listed.Users[0].Name)
}

func TestHandlerCreateMcpEndToEnd(t *testing.T) {
	t.Parallel()

	deps, key := newTestDeps(t)
	ts := httptest.NewServer(Handler(deps))
	t.Cleanup(ts.Close)

	payload, err := json.Marshal(map[string]any{
		"namespace": "github",
		"url":       "https://api.example/mcp",
	})
	require.NoError(t, err)

	req, err := http.NewRequestWithContext(t.Context(),
		http.MethodPost, ts.URL+"/api/v1/mcps", bytes.NewReader(payload))
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+key)
	resp, err := ts.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var created bundle.Mcp
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&created))
	assert.Equal(t, "github", created.Namespace)

	stored, err := deps.Mcps.FindByNamespace(t.Context(), "github")
	require.NoError(t, err)
	assert.Equal(t, created.ID, stored.ID)
}

func TestHandlerErrorEnvelope(t *testing.T) {
	t.Parallel()

	deps, _ := newTestDeps(t)
	ts := httptest.NewServer(Handler(deps))
	t.Cleanup(ts.Close)

	// Unauthenticated requests fail with the JSON envelope.
	resp, err := ts.Client().Get(ts.URL + "/api/v1/bundles")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))

	var envelope struct {
		Error string `json:"error"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&envelope))
	assert.Equal(t, "missing or malformed admin key", envelope.Error)
}

func TestServeUnixSocket(t *testing.T) {
	t.Parallel()

	deps, _ := newTestDeps(t)
	socket := filepath.Join(t.TempDir(), "mcpb.sock")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- Serve(ctx, socket, true, deps)
	}()

	client := &http.Client{
		Transport: &http.Transport{
			DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
				var d net.Dialer
				return d.DialContext(ctx, "unix", socket)
			},
		},
	}

	require.Eventually(t, func() bool {
		resp, err := client.Get("http://unix/health")
		if err != nil {
			return false
		}
		_ = resp.Body.Close()
		return resp.StatusCode == http.StatusNoContent
	}, 5*time.Second, 50*time.Millisecond, "server did not come up on %s", socket)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}

	// The socket file is cleaned up on shutdown.
	_, err := os.Stat(socket)
	assert.True(t, os.IsNotExist(err))
}
