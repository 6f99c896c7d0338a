// SPDX-FileCopyrightText: Copyright 2025 mcpbundle Authors
// SPDX-License-Identifier: Apache-2.0

// Package session holds the per-client runtime state of the gateway: the
// filtered connectors attached for one resolved bundle, the routing of
// inbound MCP operations to them, and the idle lifecycle.
package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mcpbundle/mcpb/pkg/bundle"
	"github.com/mcpbundle/mcpb/pkg/logger"
	"github.com/mcpbundle/mcpb/pkg/namespace"
	"github.com/mcpbundle/mcpb/pkg/upstream"
)

const (
	// DefaultIdleThreshold closes sessions after this much inactivity.
	DefaultIdleThreshold = 20 * time.Minute

	// DefaultCheckInterval is how often the idle monitor wakes up.
	DefaultCheckInterval = time.Second

	// attachConcurrency bounds parallel upstream attachment.
	attachConcurrency = 10

	// listConcurrency bounds the listing fan-out across connectors.
	listConcurrency = 10
)

// State is the lifecycle state of a session.
type State string

const (
	// StateInitializing means the session exists but no upstream has
	// attached yet.
	StateInitializing State = "INITIALIZING"

	// StateReady means the session serves operations.
	StateReady State = "READY"

	// StateClosing means teardown is in progress.
	StateClosing State = "CLOSING"

	// StateClosed is terminal; operations fail with bundle.ErrSessionClosed.
	StateClosed State = "CLOSED"
)

// AttachError reports a single upstream that failed to attach. The session
// keeps serving with the connectors that did attach.
type AttachError struct {
	Namespace string
	Cause     error
}

func (e *AttachError) Error() string {
	return fmt.Sprintf("attach upstream %q: %v", e.Namespace, e.Cause)
}

func (e *AttachError) Unwrap() error { return e.Cause }

// Attachment pairs a connector config with the bundle entry's allow-lists.
type Attachment struct {
	Config      upstream.Config
	Permissions bundle.McpPermissions
}

// Options tune the idle monitor. Zero values take the defaults.
type Options struct {
	IdleThreshold time.Duration
	CheckInterval time.Duration
}

func (o Options) withDefaults() Options {
	if o.IdleThreshold <= 0 {
		o.IdleThreshold = DefaultIdleThreshold
	}
	if o.CheckInterval <= 0 {
		o.CheckInterval = DefaultCheckInterval
	}
	return o
}

// Session is one client connection's runtime state. All MCP operations
// route through the filtered connectors attached for the client's bundle.
//
// The mutex guards the connector map, order, state, and activity clock; it
// is never held across upstream I/O.
type Session struct {
	id        string
	bundleID  string
	createdAt time.Time
	opts      Options

	pool     *upstream.Pool
	resolver *namespace.Resolver

	mu           sync.Mutex
	state        State
	lastActivity time.Time
	connectors   map[string]upstream.Connector
	pooled       map[string]bool
	order        []string

	subsMu sync.RWMutex
	subs   map[string]upstream.EventHandler

	stop         chan struct{}
	monitorOnce  sync.Once
	shutdownOnce sync.Once
}

// New creates an INITIALIZING session for a resolved bundle. The pool and
// resolver are process-wide and shared across sessions.
func New(id, bundleID string, pool *upstream.Pool, resolver *namespace.Resolver, opts Options) *Session {
	now := time.Now()
	return &Session{
		id:           id,
		bundleID:     bundleID,
		createdAt:    now,
		lastActivity: now,
		opts:         opts.withDefaults(),
		pool:         pool,
		resolver:     resolver,
		state:        StateInitializing,
		connectors:   make(map[string]upstream.Connector),
		pooled:       make(map[string]bool),
		subs:         make(map[string]upstream.EventHandler),
		stop:         make(chan struct{}),
	}
}

// ID returns the session id.
func (s *Session) ID() string { return s.id }

// BundleID returns the id of the resolved bundle, empty for the wildcard.
func (s *Session) BundleID() string { return s.bundleID }

// CreatedAt returns the creation time.
func (s *Session) CreatedAt() time.Time { return s.createdAt }

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// LastActivity returns the activity clock.
func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

// Namespaces returns the attached namespaces in attachment order.
func (s *Session) Namespaces() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.order))
	copy(out, s.order)
	return out
}

// Subscribe registers a handler for session events: SHUTDOWN exactly once
// on close, plus upstream list-change events forwarded from attached
// connectors. Subscribing again under an existing key replaces the handler.
func (s *Session) Subscribe(key string, h upstream.EventHandler) {
	s.subsMu.Lock()
	defer s.subsMu.Unlock()
	s.subs[key] = h
}

// Unsubscribe removes the handler registered under key.
func (s *Session) Unsubscribe(key string) {
	s.subsMu.Lock()
	defer s.subsMu.Unlock()
	delete(s.subs, key)
}

// AttachUpstream connects one upstream and adds its filtered connector to
// the session. Stateless upstreams bind to the shared pool; the first
// session to publish wins and later ones share. Failures come back as an
// *AttachError and leave the session serving.
func (s *Session) AttachUpstream(ctx context.Context, cfg upstream.Config, perms bundle.McpPermissions) error {
	s.mu.Lock()
	if s.state == StateClosing || s.state == StateClosed {
		s.mu.Unlock()
		return bundle.ErrSessionClosed
	}
	if _, taken := s.connectors[cfg.Namespace]; taken {
		s.mu.Unlock()
		return &AttachError{Namespace: cfg.Namespace, Cause: fmt.Errorf("namespace already attached: %w", bundle.ErrAlreadyExists)}
	}
	s.mu.Unlock()

	base, pooled, err := s.acquire(ctx, cfg)
	if err != nil {
		return &AttachError{Namespace: cfg.Namespace, Cause: err}
	}

	filtered := upstream.NewFilteredConnector(base, &perms, s.resolver)

	s.mu.Lock()
	if s.state == StateClosing || s.state == StateClosed {
		s.mu.Unlock()
		if !pooled {
			_ = base.Disconnect(context.WithoutCancel(ctx))
		}
		return bundle.ErrSessionClosed
	}
	if _, taken := s.connectors[cfg.Namespace]; taken {
		s.mu.Unlock()
		if !pooled {
			_ = base.Disconnect(context.WithoutCancel(ctx))
		}
		return &AttachError{Namespace: cfg.Namespace, Cause: fmt.Errorf("namespace already attached: %w", bundle.ErrAlreadyExists)}
	}
	s.connectors[cfg.Namespace] = filtered
	s.pooled[cfg.Namespace] = pooled
	s.order = append(s.order, cfg.Namespace)
	s.lastActivity = time.Now()
	becameReady := s.state == StateInitializing
	if becameReady {
		s.state = StateReady
	}
	s.mu.Unlock()

	filtered.Subscribe(s.eventKey(), s.forward)

	if becameReady {
		s.startMonitor()
	}
	return nil
}

// acquire yields a connected base connector for cfg. pooled reports that
// the pool owns the connector's lifetime, so Close must not disconnect it.
func (s *Session) acquire(ctx context.Context, cfg upstream.Config) (conn upstream.Connector, pooled bool, err error) {
	key := upstream.PoolKey(cfg.Namespace, cfg.URL)
	if cfg.Stateless {
		if existing, ok := s.pool.Get(key); ok {
			return existing, true, nil
		}
	}

	fresh := upstream.NewConnector(cfg)
	if err := fresh.Connect(ctx); err != nil {
		return nil, false, err
	}
	if !cfg.Stateless {
		return fresh, false, nil
	}

	winner, published := s.pool.Set(key, fresh)
	if !published {
		// Someone else published while we were connecting; share theirs.
		_ = fresh.Disconnect(context.WithoutCancel(ctx))
		logger.Debugf("Discarded racing connector for pooled upstream %s", key)
	}
	return winner, true, nil
}

// AttachAll attaches every upstream of a resolved bundle with bounded
// parallelism. Attach failures are collected, not fatal. The connector
// order follows the input, not goroutine completion, and the session is
// READY afterwards even when nothing attached.
func (s *Session) AttachAll(ctx context.Context, attachments []Attachment) []error {
	var (
		errMu sync.Mutex
		errs  []error
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(attachConcurrency)
	for _, att := range attachments {
		g.Go(func() error {
			if err := s.AttachUpstream(gctx, att.Config, att.Permissions); err != nil {
				logger.Warnf("Session %s: %v", s.id, err)
				errMu.Lock()
				errs = append(errs, err)
				errMu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	s.mu.Lock()
	s.reorderLocked(attachments)
	becameReady := s.state == StateInitializing
	if becameReady {
		s.state = StateReady
	}
	s.mu.Unlock()

	if becameReady {
		s.startMonitor()
	}
	return errs
}

// reorderLocked rewrites the attachment order to follow the given list.
// Namespaces attached before this call keep their earlier positions.
func (s *Session) reorderLocked(attachments []Attachment) {
	inCall := make(map[string]bool, len(attachments))
	for _, att := range attachments {
		inCall[att.Config.Namespace] = true
	}
	order := make([]string, 0, len(s.connectors))
	for _, ns := range s.order {
		if !inCall[ns] {
			order = append(order, ns)
		}
	}
	for _, att := range attachments {
		if _, ok := s.connectors[att.Config.Namespace]; ok {
			order = append(order, att.Config.Namespace)
		}
	}
	s.order = order
}

// ListTools aggregates the tool listings of every attached connector.
func (s *Session) ListTools(ctx context.Context) ([]upstream.Tool, error) {
	conns, err := s.attached()
	if err != nil {
		return nil, err
	}
	return collect(ctx, s.id, conns, "tools", upstream.Connector.ListTools), nil
}

// ListResources aggregates the resource listings of every attached connector.
func (s *Session) ListResources(ctx context.Context) ([]upstream.Resource, error) {
	conns, err := s.attached()
	if err != nil {
		return nil, err
	}
	return collect(ctx, s.id, conns, "resources", upstream.Connector.ListResources), nil
}

// ListResourceTemplates aggregates the template listings of every attached
// connector.
func (s *Session) ListResourceTemplates(ctx context.Context) ([]upstream.ResourceTemplate, error) {
	conns, err := s.attached()
	if err != nil {
		return nil, err
	}
	return collect(ctx, s.id, conns, "resource templates", upstream.Connector.ListResourceTemplates), nil
}

// ListPrompts aggregates the prompt listings of every attached connector.
func (s *Session) ListPrompts(ctx context.Context) ([]upstream.Prompt, error) {
	conns, err := s.attached()
	if err != nil {
		return nil, err
	}
	return collect(ctx, s.id, conns, "prompts", upstream.Connector.ListPrompts), nil
}

// CallTool routes a renamed tool call to the owning connector.
func (s *Session) CallTool(ctx context.Context, name string, args map[string]any, meta map[string]any) (*upstream.ToolCallResult, error) {
	conn, err := s.routeName(name)
	if err != nil {
		return nil, err
	}
	return conn.CallTool(ctx, name, args, meta)
}

// ReadResource routes a tagged resource URI to the owning connector.
func (s *Session) ReadResource(ctx context.Context, uri string) (*upstream.ResourceReadResult, error) {
	if err := s.ensureOpen(); err != nil {
		return nil, err
	}
	ns, _ := s.resolver.ExtractFromURI(uri)
	if ns == "" {
		return nil, fmt.Errorf("resource %q names no upstream: %w", uri, bundle.ErrUnknownCapability)
	}
	conn, err := s.lookup(ns, uri)
	if err != nil {
		return nil, err
	}
	return conn.ReadResource(ctx, uri)
}

// GetPrompt routes a renamed prompt to the owning connector.
func (s *Session) GetPrompt(ctx context.Context, name string, args map[string]any) (*upstream.PromptGetResult, error) {
	conn, err := s.routeName(name)
	if err != nil {
		return nil, err
	}
	return conn.GetPrompt(ctx, name, args)
}

// Close tears the session down: owned connectors disconnect, pooled ones
// detach and stay shared, SHUTDOWN fires exactly once, and the state goes
// CLOSED. A second call is a no-op.
func (s *Session) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.state == StateClosing || s.state == StateClosed {
		s.mu.Unlock()
		return nil
	}
	s.state = StateClosing
	type teardown struct {
		namespace string
		conn      upstream.Connector
		pooled    bool
	}
	conns := make([]teardown, 0, len(s.order))
	for _, ns := range s.order {
		conns = append(conns, teardown{namespace: ns, conn: s.connectors[ns], pooled: s.pooled[ns]})
	}
	s.mu.Unlock()

	close(s.stop)

	for _, t := range conns {
		t.conn.Unsubscribe(s.eventKey())
		if t.pooled {
			continue
		}
		if err := t.conn.Disconnect(ctx); err != nil {
			logger.Warnf("Session %s: disconnect of upstream %q failed: %v", s.id, t.namespace, err)
		}
	}

	s.emitShutdown()

	s.mu.Lock()
	s.state = StateClosed
	s.mu.Unlock()

	logger.Debugf("Session %s closed", s.id)
	return nil
}

// attachedConnector pairs a namespace with its filtered connector.
type attachedConnector struct {
	namespace string
	conn      upstream.Connector
}

// attached snapshots the connectors in attachment order and touches the
// activity clock.
func (s *Session) attached() ([]attachedConnector, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateClosing || s.state == StateClosed {
		return nil, bundle.ErrSessionClosed
	}
	s.lastActivity = time.Now()
	out := make([]attachedConnector, 0, len(s.order))
	for _, ns := range s.order {
		out = append(out, attachedConnector{namespace: ns, conn: s.connectors[ns]})
	}
	return out, nil
}

// routeName resolves the namespace of a renamed capability.
func (s *Session) routeName(name string) (upstream.Connector, error) {
	if err := s.ensureOpen(); err != nil {
		return nil, err
	}
	ns, _, err := s.resolver.ExtractFromName(name)
	if err != nil {
		return nil, fmt.Errorf("capability %q: %w", name, bundle.ErrUnknownCapability)
	}
	return s.lookup(ns, name)
}

// ensureOpen fails closed-session operations before any name parsing.
func (s *Session) ensureOpen() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateClosing || s.state == StateClosed {
		return bundle.ErrSessionClosed
	}
	return nil
}

// lookup finds the connector owning a namespace and touches the activity
// clock.
func (s *Session) lookup(ns, capability string) (upstream.Connector, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateClosing || s.state == StateClosed {
		return nil, bundle.ErrSessionClosed
	}
	s.lastActivity = time.Now()
	conn, ok := s.connectors[ns]
	if !ok {
		return nil, fmt.Errorf("capability %q: no attached upstream %q: %w", capability, ns, bundle.ErrUnknownCapability)
	}
	return conn, nil
}

// collect fans a listing out over the connectors with bounded parallelism,
// keeping attachment order in the aggregate. Failed upstreams are logged
// and omitted so one dead backend cannot empty the whole catalog.
func collect[T any](
	ctx context.Context,
	sessionID string,
	conns []attachedConnector,
	what string,
	list func(upstream.Connector, context.Context) ([]T, error),
) []T {
	results := make([][]T, len(conns))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(listConcurrency)
	for i, a := range conns {
		g.Go(func() error {
			items, err := list(a.conn, gctx)
			if err != nil {
				logger.Warnf("Session %s: listing %s on upstream %q failed: %v", sessionID, what, a.namespace, err)
				return nil
			}
			results[i] = items
			return nil
		})
	}
	_ = g.Wait()

	out := make([]T, 0)
	for _, items := range results {
		out = append(out, items...)
	}
	return out
}

func (s *Session) eventKey() string { return "session:" + s.id }

// forward relays upstream list-change events to session subscribers.
// Connector lifecycle events stay private to the connector.
func (s *Session) forward(ev upstream.Event) {
	switch ev.Type {
	case upstream.EventToolsListChanged, upstream.EventResourcesListChanged, upstream.EventPromptsListChanged:
		s.emit(ev)
	}
}

func (s *Session) emit(ev upstream.Event) {
	s.subsMu.RLock()
	snapshot := make([]upstream.EventHandler, 0, len(s.subs))
	for _, h := range s.subs {
		snapshot = append(snapshot, h)
	}
	s.subsMu.RUnlock()

	for _, h := range snapshot {
		h(ev)
	}
}

func (s *Session) emitShutdown() {
	s.shutdownOnce.Do(func() {
		s.emit(upstream.Event{Type: upstream.EventShutdown})
	})
}

// startMonitor launches the idle monitor once, on the first transition to
// READY.
func (s *Session) startMonitor() {
	s.monitorOnce.Do(func() {
		go s.monitor()
	})
}

func (s *Session) monitor() {
	ticker := time.NewTicker(s.opts.CheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.mu.Lock()
			idle := time.Since(s.lastActivity)
			s.mu.Unlock()
			if idle < s.opts.IdleThreshold {
				continue
			}
			logger.Infof("Session %s idle for %s, closing", s.id, idle.Round(time.Second))
			if err := s.Close(context.Background()); err != nil {
				logger.Warnf("Idle close of session %s: %v", s.id, err)
			}
			return
		}
	}
}
