// SPDX-FileCopyrightText: Copyright 2025 mcpbundle Authors
// SPDX-License-Identifier: Apache-2.0

package v1

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mcpbundle/mcpb/pkg/bundle"
	"github.com/mcpbundle/mcpb/pkg/crypto"
	"github.com/mcpbundle/mcpb/pkg/storage/sqlite"
)

const testSecret = "0123456789abcdef0123456789abcdef"

// apiEnv bundles real sqlite-backed repositories with a seeded root
// admin, so router tests exercise the same store behavior production
// sees (hashing, encryption, uniqueness, cascades).
type apiEnv struct {
	users       *sqlite.UserStore
	mcps        *sqlite.McpStore
	bundles     *sqlite.BundleStore
	tokens      *sqlite.TokenStore
	credentials *sqlite.CredentialStore

	root    bundle.User
	rootKey string
}

func newAPIEnv(t *testing.T) *apiEnv {
	t.Helper()

	db, err := sqlite.Open(t.Context(), filepath.Join(t.TempDir(), "api.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	cipher, err := crypto.NewCipher(testSecret)
	require.NoError(t, err)

	env := &apiEnv{
		users:       sqlite.NewUserStore(db),
		mcps:        sqlite.NewMcpStore(db, cipher, false),
		bundles:     sqlite.NewBundleStore(db),
		tokens:      sqlite.NewTokenStore(db),
		credentials: sqlite.NewCredentialStore(db, cipher),
	}
	env.root, env.rootKey = env.seedUser(t, "root", "")
	return env
}

// seedUser mints an admin key, stores its hash, and returns both.
func (e *apiEnv) seedUser(t *testing.T, name, createdByID string) (bundle.User, string) {
	t.Helper()
	key, err := crypto.NewAdminKey()
	require.NoError(t, err)
	u, err := e.users.Create(t.Context(), bundle.User{
		Name:        name,
		KeyHash:     crypto.HashToken(key),
		CreatedByID: createdByID,
	})
	require.NoError(t, err)
	return u, key
}

// seedMcp stores a NONE-strategy upstream under the given namespace.
func (e *apiEnv) seedMcp(t *testing.T, namespace, createdByID string) bundle.Mcp {
	t.Helper()
	rec, err := e.mcps.Create(t.Context(), bundle.Mcp{
		Namespace:    namespace,
		URL:          "https://upstream.example/mcp",
		Transport:    bundle.TransportStreamableHTTP,
		AuthStrategy: bundle.AuthStrategyNone,
		Auth:         bundle.NoneAuth(),
		CreatedByID:  createdByID,
	})
	require.NoError(t, err)
	return rec
}

// seedUserSetMcp stores a USER_SET upstream: token holders bind their
// own credentials for it.
func (e *apiEnv) seedUserSetMcp(t *testing.T, namespace, createdByID string) bundle.Mcp {
	t.Helper()
	rec, err := e.mcps.Create(t.Context(), bundle.Mcp{
		Namespace:    namespace,
		URL:          "https://upstream.example/mcp",
		Transport:    bundle.TransportStreamableHTTP,
		AuthStrategy: bundle.AuthStrategyUserSet,
		Auth:         bundle.NoneAuth(),
		CreatedByID:  createdByID,
	})
	require.NoError(t, err)
	return rec
}

func (e *apiEnv) seedBundle(t *testing.T, name, createdByID string, entries ...bundle.BundleEntry) bundle.Bundle {
	t.Helper()
	rec, err := e.bundles.Create(t.Context(), bundle.Bundle{
		Name:        name,
		CreatedByID: createdByID,
		Entries:     entries,
	})
	require.NoError(t, err)
	return rec
}

// seedToken mints a wire token for a bundle, stores its hash, and
// returns the record plus the wire form.
func (e *apiEnv) seedToken(t *testing.T, bundleID string) (bundle.Token, string) {
	t.Helper()
	value, err := crypto.NewToken()
	require.NoError(t, err)
	rec, err := e.tokens.Create(t.Context(), bundle.Token{
		BundleID: bundleID,
		Hash:     crypto.HashToken(value),
	})
	require.NoError(t, err)
	return rec, value
}

// newJSONRequest builds a request with an optional JSON body. A string
// body is sent verbatim, for malformed-payload cases.
func newJSONRequest(t *testing.T, method, path string, body any) *http.Request {
	t.Helper()
	switch b := body.(type) {
	case nil:
		return httptest.NewRequest(method, path, nil)
	case string:
		return httptest.NewRequest(method, path, strings.NewReader(b))
	default:
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		return httptest.NewRequest(method, path, bytes.NewReader(raw))
	}
}

// adminRequest runs a request against a router with an admin key in the
// Authorization header. An empty key sends no header.
func adminRequest(t *testing.T, h http.Handler, method, path, key string, body any) *httptest.ResponseRecorder {
	t.Helper()
	req := newJSONRequest(t, method, path, body)
	if key != "" {
		req.Header.Set("Authorization", "Bearer "+key)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

// tokenRequest runs a request against a router with a bundle token in
// the X-Bundle-Token header. An empty token sends no header.
func tokenRequest(t *testing.T, h http.Handler, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	req := newJSONRequest(t, method, path, body)
	if token != "" {
		req.Header.Set(bundleTokenHeader, token)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeResponse(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), v), "body: %s", rec.Body.String())
}

// apiError mirrors the error envelope for assertions.
type apiError struct {
	Error   string            `json:"error"`
	Details map[string]string `json:"details"`
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) apiError {
	t.Helper()
	var e apiError
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &e), "body: %s", rec.Body.String())
	return e
}

// requireFieldError asserts a 400 envelope pointing at the given field.
func requireFieldError(t *testing.T, rec *httptest.ResponseRecorder, field string) {
	t.Helper()
	require.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())
	e := decodeError(t, rec)
	assert.Equal(t, field, e.Details["field"], "error: %s", e.Error)
}
