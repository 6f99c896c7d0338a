// SPDX-FileCopyrightText: Copyright 2025 mcpbundle Authors
// SPDX-License-Identifier: Apache-2.0

// Package resolver turns a presented bundle token into the resolved set of
// upstreams a session should attach: per entry the connector config with
// cleartext credentials, plus the entry's literal allow-lists.
//
// Resolution is read-only. It validates the token, loads the bundle, and
// materializes the auth strategy of every entry; it never mutates storage
// and leaves connecting to the session layer.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mcpbundle/mcpb/pkg/bundle"
	"github.com/mcpbundle/mcpb/pkg/crypto"
	"github.com/mcpbundle/mcpb/pkg/logger"
	"github.com/mcpbundle/mcpb/pkg/storage"
	"github.com/mcpbundle/mcpb/pkg/upstream"
)

// WildcardBundleName is the display name of the synthetic bundle assembled
// for the wildcard token.
const WildcardBundleName = "all"

// Upstream is one resolved bundle entry. Config carries the cleartext
// credential for the connector; Permissions are the entry's allow-lists,
// passed through verbatim.
type Upstream struct {
	McpID       string
	Config      upstream.Config
	Permissions bundle.McpPermissions
}

// Descriptor is the resolved view of a bundle for one presented token.
// Upstreams preserves the bundle's entry order.
type Descriptor struct {
	BundleID  string
	Name      string
	Upstreams []Upstream
}

// Options configures the wildcard bypass. The wildcard token is compared
// against presented tokens verbatim and never hashed or stored.
type Options struct {
	WildcardAllow bool
	WildcardToken string
}

// Resolver validates bundle tokens and assembles descriptors from storage.
type Resolver struct {
	tokens      storage.TokenRepo
	bundles     storage.BundleRepo
	mcps        storage.McpRepo
	credentials storage.CredentialRepo
	opts        Options
}

// New builds a Resolver over the given repositories.
func New(
	tokens storage.TokenRepo,
	bundles storage.BundleRepo,
	mcps storage.McpRepo,
	credentials storage.CredentialRepo,
	opts Options,
) *Resolver {
	return &Resolver{
		tokens:      tokens,
		bundles:     bundles,
		mcps:        mcps,
		credentials: credentials,
		opts:        opts,
	}
}

// Resolve validates the presented token and returns the descriptor of the
// bundle it grants. Unknown, revoked, and expired tokens all return
// bundle.ErrUnauthorizedToken; a valid token whose bundle has been deleted
// returns bundle.ErrBundleNotFound.
func (r *Resolver) Resolve(ctx context.Context, token string) (*Descriptor, error) {
	if r.opts.WildcardAllow && r.opts.WildcardToken != "" && token == r.opts.WildcardToken {
		return r.resolveWildcard(ctx)
	}

	tok, err := r.tokens.FindByHash(ctx, crypto.HashToken(token))
	if err != nil {
		if errors.Is(err, bundle.ErrNotFound) {
			return nil, bundle.ErrUnauthorizedToken
		}
		return nil, fmt.Errorf("look up token: %w", err)
	}
	if !tok.IsValid(time.Now()) {
		return nil, bundle.ErrUnauthorizedToken
	}

	b, err := r.bundles.FindByID(ctx, tok.BundleID)
	if err != nil {
		if errors.Is(err, bundle.ErrNotFound) {
			return nil, fmt.Errorf("token %s: %w", tok.ID, bundle.ErrBundleNotFound)
		}
		return nil, fmt.Errorf("load bundle %s: %w", tok.BundleID, err)
	}

	upstreams := make([]Upstream, 0, len(b.Entries))
	for _, entry := range b.Entries {
		mcp, err := r.mcps.FindByID(ctx, entry.McpID)
		if err != nil {
			return nil, fmt.Errorf("load mcp %s for bundle %s: %w", entry.McpID, b.ID, err)
		}

		auth, ok, err := r.resolveAuth(ctx, tok.ID, mcp)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}

		upstreams = append(upstreams, Upstream{
			McpID: mcp.ID,
			Config: upstream.Config{
				Namespace: mcp.Namespace,
				URL:       mcp.URL,
				Transport: mcp.Transport,
				Stateless: mcp.Stateless,
				Auth:      auth,
			},
			Permissions: entry.Permissions,
		})
	}

	return &Descriptor{BundleID: b.ID, Name: b.Name, Upstreams: upstreams}, nil
}

// resolveAuth materializes the credential for one entry according to the
// MCP's auth strategy. ok=false means the entry is skipped: a USER_SET
// upstream the token holder never bound a credential for, or one whose
// stored credential no longer decrypts. Skipping keeps the rest of the
// bundle usable.
func (r *Resolver) resolveAuth(ctx context.Context, tokenID string, mcp bundle.Mcp) (bundle.AuthConfig, bool, error) {
	switch mcp.AuthStrategy {
	case bundle.AuthStrategyNone:
		return bundle.NoneAuth(), true, nil

	case bundle.AuthStrategyMaster:
		// The repository already decrypted the master credential on read,
		// or substituted none-auth in fail-open mode. Fail-closed decrypt
		// errors never reach here; FindByID returns them.
		return mcp.Auth, true, nil

	case bundle.AuthStrategyUserSet:
		cred, err := r.credentials.FindByTokenAndMcp(ctx, tokenID, mcp.ID)
		switch {
		case err == nil:
			return cred.Auth, true, nil
		case errors.Is(err, bundle.ErrNotFound):
			logger.Infof("Skipping upstream %q: no credential bound for token %s", mcp.Namespace, tokenID)
			return bundle.AuthConfig{}, false, nil
		case errors.Is(err, crypto.ErrDecrypt):
			logger.Errorf("Skipping upstream %q: credential for token %s failed to decrypt", mcp.Namespace, tokenID)
			return bundle.AuthConfig{}, false, nil
		default:
			return bundle.AuthConfig{}, false, fmt.Errorf("load credential for upstream %q: %w", mcp.Namespace, err)
		}

	default:
		return bundle.AuthConfig{}, false, fmt.Errorf("upstream %q: unknown auth strategy %q: %w",
			mcp.Namespace, mcp.AuthStrategy, bundle.ErrValidation)
	}
}

// resolveWildcard assembles the synthetic all-MCPs bundle granted by the
// wildcard token. USER_SET upstreams are dropped since there is no token
// to bind credentials to, and MASTER upstreams without a usable credential
// are dropped rather than attached unauthenticated.
func (r *Resolver) resolveWildcard(ctx context.Context) (*Descriptor, error) {
	logger.Warnf("Wildcard token accepted: exposing all registered MCPs without bundle scoping")

	mcps, err := r.mcps.ListAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("list mcps for wildcard bundle: %w", err)
	}

	upstreams := make([]Upstream, 0, len(mcps))
	for _, mcp := range mcps {
		auth := mcp.Auth
		switch mcp.AuthStrategy {
		case bundle.AuthStrategyNone:
			auth = bundle.NoneAuth()
		case bundle.AuthStrategyUserSet:
			logger.Debugf("Wildcard bundle skips %q: credentials are per-token", mcp.Namespace)
			continue
		case bundle.AuthStrategyMaster:
			if auth.Method == "" || auth.Method == bundle.AuthMethodNone {
				logger.Debugf("Wildcard bundle skips %q: master credential unavailable", mcp.Namespace)
				continue
			}
		}

		upstreams = append(upstreams, Upstream{
			McpID: mcp.ID,
			Config: upstream.Config{
				Namespace: mcp.Namespace,
				URL:       mcp.URL,
				Transport: mcp.Transport,
				Stateless: mcp.Stateless,
				Auth:      auth,
			},
			Permissions: bundle.AllowAll(),
		})
	}

	return &Descriptor{BundleID: "", Name: WildcardBundleName, Upstreams: upstreams}, nil
}
