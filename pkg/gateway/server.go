// SPDX-FileCopyrightText: Copyright 2025 mcpbundle Authors
// SPDX-License-Identifier: Apache-2.0

// Package gateway is the client-facing front-end: a Streamable HTTP MCP
// server whose sessions are minted by presenting a bundle token. The
// middleware chain authenticates session-creating requests, the resolved
// bundle attaches as filtered upstream connectors, and the aggregated
// catalog is injected into the SDK session so every subsequent operation
// routes through the owning gateway session.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/server"

	"github.com/mcpbundle/mcpb/pkg/logger"
	"github.com/mcpbundle/mcpb/pkg/namespace"
	"github.com/mcpbundle/mcpb/pkg/resolver"
	"github.com/mcpbundle/mcpb/pkg/session"
	"github.com/mcpbundle/mcpb/pkg/upstream"
	"github.com/mcpbundle/mcpb/pkg/versions"
)

const (
	// EndpointPath is where the Streamable HTTP transport is mounted.
	EndpointPath = "/mcp"

	// sessionHeader carries the MCP session id on every request after
	// initialize.
	sessionHeader = "Mcp-Session-Id"

	// defaultReadHeaderTimeout limits how long a client may take to send
	// request headers.
	defaultReadHeaderTimeout = 10 * time.Second

	// defaultIdleTimeout bounds keep-alive connections between requests.
	// Read and write timeouts stay unset: the SSE channel of the
	// Streamable HTTP transport is long-lived.
	defaultIdleTimeout = 120 * time.Second

	// defaultMaxHeaderBytes caps request header size.
	defaultMaxHeaderBytes = 1 << 20

	// defaultShutdownTimeout bounds graceful HTTP shutdown.
	defaultShutdownTimeout = 10 * time.Second
)

// Config tunes the gateway front-end.
type Config struct {
	// Host and Port bind the HTTP listener. Port 0 picks a free port.
	Host string
	Port int

	// Name is the server name advertised in the MCP handshake.
	// Defaults to "mcpb".
	Name string

	// SessionLimit caps concurrent sessions. Zero means unlimited.
	SessionLimit int

	// IdleThreshold and CheckInterval tune the per-session idle monitor.
	// Zero values take the session package defaults.
	IdleThreshold time.Duration
	CheckInterval time.Duration

	// RatePerIP is the per-client request rate in requests per second,
	// with RateBurst as the bucket size. RatePerIP <= 0 disables rate
	// limiting.
	RatePerIP float64
	RateBurst int

	// HashMode and HashThreshold tune namespaced capability renaming.
	HashMode      namespace.Mode
	HashThreshold int
}

func (c Config) withDefaults() Config {
	if c.Name == "" {
		c.Name = "mcpb"
	}
	if c.HashMode == "" {
		c.HashMode = namespace.ModeThreshold
	}
	if c.HashThreshold <= 0 {
		c.HashThreshold = namespace.DefaultThreshold
	}
	if c.RateBurst <= 0 {
		c.RateBurst = defaultRateBurst
	}
	return c
}

// Server aggregates bundled upstream MCPs behind one Streamable HTTP
// endpoint. It owns the session registry, the shared connector pool, and
// the process-wide namespace resolver.
type Server struct {
	cfg Config

	resolver *resolver.Resolver
	renamer  *namespace.Resolver
	pool     *upstream.Pool
	registry *session.Registry
	limiter  *ipLimiter

	mcpServer  *server.MCPServer
	httpServer *http.Server

	listenerMu sync.RWMutex
	listener   net.Listener

	ready     chan struct{}
	readyOnce sync.Once
}

// New assembles the gateway around a bundle resolver.
func New(cfg Config, res *resolver.Resolver) *Server {
	cfg = cfg.withDefaults()
	s := &Server{
		cfg:      cfg,
		resolver: res,
		renamer:  namespace.NewResolver(cfg.HashMode, cfg.HashThreshold),
		pool:     upstream.NewPool(),
		registry: session.NewRegistry(cfg.SessionLimit),
		limiter:  newIPLimiter(cfg.RatePerIP, cfg.RateBurst),
		ready:    make(chan struct{}),
	}

	hooks := &server.Hooks{}
	hooks.AddOnRegisterSession(s.registerSession)

	// Catalogs are injected per session rather than registered statically;
	// prompts are served by promptMiddleware. list_changed is advertised
	// for all three kinds; resource subscriptions are not.
	s.mcpServer = server.NewMCPServer(
		cfg.Name,
		versions.Version,
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithPromptCapabilities(true),
		server.WithLogging(),
		server.WithHooks(hooks),
	)
	return s
}

// Registry exposes the session registry, read-only use only.
func (s *Server) Registry() *session.Registry { return s.registry }

// Start binds the listener and serves until ctx is cancelled or the HTTP
// server fails. It blocks; Stop runs on the way out.
func (s *Server) Start(ctx context.Context) error {
	adapter := newSessionIDAdapter(s.registry)
	streamable := server.NewStreamableHTTPServer(
		s.mcpServer,
		server.WithEndpointPath(EndpointPath),
		server.WithSessionIdManager(adapter),
	)

	// Wrapping order is the reverse of execution: requests pass recovery,
	// rate limiting, content negotiation, token resolution, and the
	// session cap before reaching the protocol handler; prompt requests
	// on established sessions are answered before the SDK sees them.
	var mcpHandler http.Handler = streamable
	mcpHandler = s.promptMiddleware(mcpHandler)
	mcpHandler = s.sessionCapMiddleware(mcpHandler)
	mcpHandler = s.authMiddleware(mcpHandler)
	mcpHandler = acceptMiddleware(mcpHandler)
	mcpHandler = s.rateLimitMiddleware(mcpHandler)
	mcpHandler = recoverMiddleware(mcpHandler)

	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.Handle(EndpointPath, mcpHandler)

	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: defaultReadHeaderTimeout,
		IdleTimeout:       defaultIdleTimeout,
		MaxHeaderBytes:    defaultMaxHeaderBytes,
	}

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	s.listenerMu.Lock()
	s.listener = listener
	s.listenerMu.Unlock()

	logger.Infof("Gateway listening at %s%s", listener.Addr(), EndpointPath)

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	s.readyOnce.Do(func() { close(s.ready) })

	select {
	case <-ctx.Done():
		logger.Infof("Gateway shutting down: %v", ctx.Err())
		return s.Stop(context.Background())
	case err := <-errCh:
		logger.Errorf("Gateway HTTP server failed: %v", err)
		if stopErr := s.Stop(context.Background()); stopErr != nil {
			return fmt.Errorf("%w; stop: %v", err, stopErr)
		}
		return err
	}
}

// Ready is closed once the listener is serving.
func (s *Server) Ready() <-chan struct{} { return s.ready }

// Address returns the bound listener address, empty before Start.
func (s *Server) Address() string {
	s.listenerMu.RLock()
	defer s.listenerMu.RUnlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Stop tears the gateway down: close every session, shut the HTTP server
// down with a deadline, then drain the shared connector pool.
func (s *Server) Stop(ctx context.Context) error {
	var errs []error

	s.registry.CloseAll(ctx)

	if s.httpServer != nil {
		shutdownCtx, cancel := context.WithTimeout(ctx, defaultShutdownTimeout)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown http server: %w", err))
		}
	}

	s.listenerMu.Lock()
	s.listener = nil
	s.listenerMu.Unlock()

	s.pool.Shutdown(ctx)

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	logger.Infof("Gateway stopped")
	return nil
}

// registerSession fires after the SDK registers a new session for an
// initialize request. The auth middleware has already stashed the resolved
// bundle in the request context; here the gateway session attaches its
// upstreams and the aggregated catalog lands in the SDK session.
func (s *Server) registerSession(ctx context.Context, cs server.ClientSession) {
	id := cs.SessionID()
	desc, ok := descriptorFromContext(ctx)
	if !ok {
		logger.Errorf("Session %s: no resolved bundle in request context", id)
		return
	}

	sess := session.New(id, desc.BundleID, s.pool, s.renamer, session.Options{
		IdleThreshold: s.cfg.IdleThreshold,
		CheckInterval: s.cfg.CheckInterval,
	})

	attachments := make([]session.Attachment, 0, len(desc.Upstreams))
	for _, u := range desc.Upstreams {
		attachments = append(attachments, session.Attachment{Config: u.Config, Permissions: u.Permissions})
	}
	if errs := sess.AttachAll(ctx, attachments); len(errs) > 0 {
		logger.Warnf("Session %s: %d of %d upstream(s) failed to attach", id, len(errs), len(attachments))
	}

	if err := s.registry.Add(sess); err != nil {
		logger.Warnf("Session %s rejected: %v", id, err)
		if closeErr := sess.Close(context.WithoutCancel(ctx)); closeErr != nil {
			logger.Warnf("Session %s teardown: %v", id, closeErr)
		}
		return
	}

	s.injectCapabilities(ctx, sess)
	sess.Subscribe("gateway", s.forwardListChanges)

	logger.Infof("Session %s ready: bundle %q, %d upstream(s)", id, desc.Name, len(sess.Namespaces()))
}

// forwardListChanges turns upstream list-change events observed by a
// session into MCP list_changed broadcasts.
func (s *Server) forwardListChanges(ev upstream.Event) {
	var method string
	switch ev.Type {
	case upstream.EventToolsListChanged:
		method = "notifications/tools/list_changed"
	case upstream.EventResourcesListChanged:
		method = "notifications/resources/list_changed"
	case upstream.EventPromptsListChanged:
		method = "notifications/prompts/list_changed"
	default:
		return
	}
	s.mcpServer.SendNotificationToAllClients(method, nil)
}

// handleHealth confirms the listener is up. Deliberately minimal: no
// session counts or version information on an unauthenticated endpoint.
func (*Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(map[string]string{"status": "ok"}); err != nil {
		logger.Errorf("Failed to write health response: %v", err)
	}
}
