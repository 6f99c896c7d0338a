// SPDX-FileCopyrightText: Copyright 2025 mcpbundle Authors
// SPDX-License-Identifier: Apache-2.0

package errors

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mcpbundle/mcpb/pkg/bundle"
	"github.com/mcpbundle/mcpb/pkg/crypto"
)

func TestCode(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want int
	}{
		{"validation", bundle.ErrValidation, http.StatusBadRequest},
		{"field error", bundle.NewFieldError("name", "must not be empty"), http.StatusBadRequest},
		{"unauthorized token", bundle.ErrUnauthorizedToken, http.StatusUnauthorized},
		{"forbidden", bundle.ErrForbidden, http.StatusForbidden},
		{"not found", bundle.ErrNotFound, http.StatusNotFound},
		{"bundle not found", bundle.ErrBundleNotFound, http.StatusNotFound},
		{"already exists", bundle.ErrAlreadyExists, http.StatusConflict},
		{"wrapped not found", fmt.Errorf("loading mcp m1: %w", bundle.ErrNotFound), http.StatusNotFound},
		{"wrapped forbidden", fmt.Errorf("checking authorization: %w", bundle.ErrForbidden), http.StatusForbidden},
		{"decrypt failure", crypto.ErrDecrypt, http.StatusInternalServerError},
		{"unknown error", errors.New("disk on fire"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, Code(tt.err))
		})
	}
}

func decodeEnvelope(t *testing.T, rec *httptest.ResponseRecorder) errorResponse {
	t.Helper()
	var resp errorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp
}

func TestErrorHandlerNoError(t *testing.T) {
	t.Parallel()

	handler := ErrorHandler(func(w http.ResponseWriter, _ *http.Request) error {
		w.WriteHeader(http.StatusNoContent)
		return nil
	})

	rec := httptest.NewRecorder()
	handler(rec, httptest.NewRequest(http.MethodGet, "/api/v1/users", nil))

	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Empty(t, rec.Body.String())
}

func TestErrorHandlerClientError(t *testing.T) {
	t.Parallel()

	handler := ErrorHandler(func(_ http.ResponseWriter, _ *http.Request) error {
		return fmt.Errorf("loading bundle b1: %w", bundle.ErrNotFound)
	})

	rec := httptest.NewRecorder()
	handler(rec, httptest.NewRequest(http.MethodGet, "/api/v1/bundles/b1", nil))

	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	resp := decodeEnvelope(t, rec)
	assert.Equal(t, "loading bundle b1: not found", resp.Error)
	assert.Nil(t, resp.Details)
}

func TestErrorHandlerFieldError(t *testing.T) {
	t.Parallel()

	handler := ErrorHandler(func(_ http.ResponseWriter, _ *http.Request) error {
		return bundle.NewFieldError("expiresAt", "must be in the future")
	})

	rec := httptest.NewRecorder()
	handler(rec, httptest.NewRequest(http.MethodPost, "/api/v1/bundles/b1/tokens", nil))

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	resp := decodeEnvelope(t, rec)
	assert.Equal(t, "expiresAt: must be in the future", resp.Error)
	require.NotNil(t, resp.Details)
	assert.Equal(t, "expiresAt", resp.Details["field"])
	assert.Equal(t, "must be in the future", resp.Details["message"])
}

func TestErrorHandlerInternalErrorIsSanitized(t *testing.T) {
	t.Parallel()

	handler := ErrorHandler(func(_ http.ResponseWriter, _ *http.Request) error {
		return fmt.Errorf("querying token t-42: table tokens is corrupt")
	})

	rec := httptest.NewRecorder()
	handler(rec, httptest.NewRequest(http.MethodGet, "/api/v1/bundles", nil))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	resp := decodeEnvelope(t, rec)
	assert.Equal(t, http.StatusText(http.StatusInternalServerError), resp.Error)
	assert.NotContains(t, rec.Body.String(), "corrupt")
	assert.NotContains(t, rec.Body.String(), "t-42")
}

func TestErrorHandlerDecryptFailureIsSanitized(t *testing.T) {
	t.Parallel()

	handler := ErrorHandler(func(_ http.ResponseWriter, _ *http.Request) error {
		return fmt.Errorf("loading credentials for token t1: %w", crypto.ErrDecrypt)
	})

	rec := httptest.NewRecorder()
	handler(rec, httptest.NewRequest(http.MethodGet, "/api/v1/credentials", nil))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	resp := decodeEnvelope(t, rec)
	assert.Equal(t, http.StatusText(http.StatusInternalServerError), resp.Error)
	assert.NotContains(t, rec.Body.String(), "decryption")
}

func TestWriteError(t *testing.T) {
	t.Parallel()

	rec := httptest.NewRecorder()
	WriteError(rec, http.StatusUnauthorized, "invalid admin key")

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	resp := decodeEnvelope(t, rec)
	assert.Equal(t, "invalid admin key", resp.Error)
}
