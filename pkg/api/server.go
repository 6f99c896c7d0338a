// SPDX-FileCopyrightText: Copyright 2025 mcpbundle Authors
// SPDX-License-Identifier: Apache-2.0

// Package api contains the management REST API of mcpb: user, MCP,
// bundle, and token administration, plus the token-holder credential
// surface. The MCP protocol itself is served by pkg/gateway, not here.
package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	v1 "github.com/mcpbundle/mcpb/pkg/api/v1"
	"github.com/mcpbundle/mcpb/pkg/logger"
	"github.com/mcpbundle/mcpb/pkg/storage"
)

// Not sure if these values need to be configurable.
const (
	middlewareTimeout = 60 * time.Second
	readHeaderTimeout = 10 * time.Second
	shutdownTimeout   = 10 * time.Second
	socketPermissions = 0660 // Socket file permissions (owner/group read-write)
)

// Deps carries the repositories the API serves. All five are required.
type Deps struct {
	Users       storage.UserRepo
	Mcps        storage.McpRepo
	Bundles     storage.BundleRepo
	Tokens      storage.TokenRepo
	Credentials storage.CredentialRepo
}

func setupTCPListener(address string) (net.Listener, error) {
	return net.Listen("tcp", address)
}

func setupUnixSocket(address string) (net.Listener, error) {
	// Remove the socket file if it already exists
	if _, err := os.Stat(address); err == nil {
		if err := os.Remove(address); err != nil {
			return nil, fmt.Errorf("failed to remove existing socket: %v", err)
		}
	}

	// Create the directory for the socket file if it doesn't exist
	if err := os.MkdirAll(filepath.Dir(address), 0750); err != nil {
		return nil, fmt.Errorf("failed to create socket directory: %v", err)
	}

	// Create UNIX socket listener
	listener, err := net.Listen("unix", address)
	if err != nil {
		return nil, fmt.Errorf("failed to create UNIX socket listener: %v", err)
	}

	// Set file permissions on the socket to allow other local processes to connect
	if err := os.Chmod(address, socketPermissions); err != nil {
		return nil, fmt.Errorf("failed to set socket permissions: %v", err)
	}

	return listener, nil
}

func cleanupUnixSocket(address string) {
	if err := os.Remove(address); err != nil && !os.IsNotExist(err) {
		logger.Warnf("failed to remove socket file: %v", err)
	}
}

func headersMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/api/") {
			w.Header().Set("Content-Type", "application/json")
		}
		next.ServeHTTP(w, r)
	})
}

// Handler assembles the API router. Split from Serve so tests can drive
// it through httptest.
func Handler(deps Deps) http.Handler {
	r := chi.NewRouter()
	r.Use(
		middleware.RequestID,
		middleware.Timeout(middlewareTimeout),
		headersMiddleware,
	)

	routers := map[string]http.Handler{
		"/health":             v1.HealthcheckRouter(),
		"/api/v1/users":       v1.UserRouter(deps.Users),
		"/api/v1/mcps":        v1.McpRouter(deps.Users, deps.Mcps),
		"/api/v1/bundles":     v1.BundleRouter(deps.Users, deps.Bundles, deps.Mcps, deps.Tokens),
		"/api/v1/tokens":      v1.TokenRouter(deps.Users, deps.Bundles, deps.Tokens),
		"/api/v1/credentials": v1.CredentialRouter(deps.Tokens, deps.Mcps, deps.Credentials),
	}

	for prefix, router := range routers {
		r.Mount(prefix, router)
	}

	return r
}

// Serve starts the management API on the given address and blocks until
// ctx is cancelled. It is assumed that the caller sets up appropriate
// signal handling. If isUnixSocket is true, address is treated as a UNIX
// socket path.
func Serve(ctx context.Context, address string, isUnixSocket bool, deps Deps) error {
	srv := &http.Server{
		BaseContext:       func(net.Listener) context.Context { return ctx },
		Addr:              address,
		Handler:           Handler(deps),
		ReadHeaderTimeout: readHeaderTimeout,
	}

	// Create a listener based on the connection type
	var (
		listener net.Listener
		addrType string
		err      error
	)
	if isUnixSocket {
		listener, err = setupUnixSocket(address)
		addrType = "UNIX socket"
	} else {
		listener, err = setupTCPListener(address)
		addrType = "HTTP"
	}
	if err != nil {
		return err
	}

	logger.Infof("Starting %s management API on %s", addrType, address)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		if isUnixSocket {
			cleanupUnixSocket(address)
		}
		return fmt.Errorf("management API stopped: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	err = srv.Shutdown(shutdownCtx)
	if isUnixSocket {
		cleanupUnixSocket(address)
	}
	if err != nil {
		return fmt.Errorf("management API shutdown failed: %w", err)
	}

	logger.Infof("%s management API stopped", addrType)
	return nil
}
