// SPDX-FileCopyrightText: Copyright 2025 mcpbundle Authors
// SPDX-License-Identifier: Apache-2.0

package upstream

import (
	"fmt"
	"io"
	"net/http"
	"time"

	mcpclient "github.com/mark3labs/mcp-go/client"
	mcptransport "github.com/mark3labs/mcp-go/client/transport"

	"github.com/mcpbundle/mcpb/pkg/bundle"
)

const (
	// maxResponseSize caps each HTTP response body for streamable-HTTP
	// upstreams to prevent memory exhaustion. Not applied to SSE transports,
	// whose single long-lived response body carries the whole session.
	maxResponseSize = 100 * 1024 * 1024 // 100 MB

	// requestTimeout is the per-request deadline for streamable-HTTP calls.
	// It is applied through the SDK transport option only: the underlying
	// http.Client carries no Timeout because the notification stream opened
	// by continuous listening is a long-lived GET that must outlive any
	// single request deadline.
	requestTimeout = 30 * time.Second
)

// roundTripperFunc adapts a plain function to http.RoundTripper.
type roundTripperFunc func(*http.Request) (*http.Response, error)

func (f roundTripperFunc) RoundTrip(req *http.Request) (*http.Response, error) { return f(req) }

// authRoundTripper applies an upstream's AuthConfig to outgoing requests.
// The request is cloned so shared (retried) requests are never mutated.
type authRoundTripper struct {
	base http.RoundTripper
	auth bundle.AuthConfig
}

func (a *authRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	reqClone := req.Clone(req.Context())
	switch a.auth.Method {
	case bundle.AuthMethodBearer:
		reqClone.Header.Set("Authorization", "Bearer "+a.auth.Token)
	case bundle.AuthMethodBasic:
		reqClone.SetBasicAuth(a.auth.Username, a.auth.Password)
	case bundle.AuthMethodAPIKey:
		reqClone.Header.Set(a.auth.APIKeyHeader(), a.auth.Key)
	}
	return a.base.RoundTrip(reqClone)
}

// newMCPClient builds an unstarted mark3labs client for cfg, with the
// credential round-tripper and transport-appropriate limits installed.
func newMCPClient(cfg Config) (*mcpclient.Client, error) {
	base := http.RoundTripper(http.DefaultTransport)
	if cfg.Auth.Method != "" && cfg.Auth.Method != bundle.AuthMethodNone {
		base = &authRoundTripper{base: base, auth: cfg.Auth}
	}

	switch cfg.Transport {
	case bundle.TransportStreamableHTTP:
		// Each MCP call is a bounded request/response pair, so a
		// per-response body cap is safe. Continuous listening keeps a GET
		// stream open for server-initiated notifications.
		sizeLimited := roundTripperFunc(func(req *http.Request) (*http.Response, error) {
			resp, err := base.RoundTrip(req)
			if err != nil {
				return nil, err
			}
			resp.Body = struct {
				io.Reader
				io.Closer
			}{
				Reader: io.LimitReader(resp.Body, maxResponseSize),
				Closer: resp.Body,
			}
			return resp, nil
		})
		httpClient := &http.Client{Transport: sizeLimited}
		return mcpclient.NewStreamableHttpClient(
			cfg.URL,
			mcptransport.WithHTTPTimeout(requestTimeout),
			mcptransport.WithHTTPBasicClient(httpClient),
			mcptransport.WithContinuousListening(),
		)

	case bundle.TransportSSE:
		// The whole SSE session is one HTTP response body: a size cap would
		// silently kill the stream after maxResponseSize cumulative bytes,
		// and http.Client.Timeout would kill it after the timeout. Neither
		// is applied; operation deadlines come from context cancellation.
		httpClient := &http.Client{Transport: base}
		return mcpclient.NewSSEMCPClient(
			cfg.URL,
			mcptransport.WithHTTPClient(httpClient),
		)

	default:
		return nil, fmt.Errorf("unsupported transport %q (supported: %s, %s)",
			cfg.Transport, bundle.TransportStreamableHTTP, bundle.TransportSSE)
	}
}
