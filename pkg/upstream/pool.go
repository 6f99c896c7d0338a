// SPDX-FileCopyrightText: Copyright 2025 mcpbundle Authors
// SPDX-License-Identifier: Apache-2.0

package upstream

import (
	"context"
	"sync"

	"github.com/mcpbundle/mcpb/pkg/logger"
)

// Pool shares connectors to stateless upstreams across sessions. Keys
// combine namespace and URL so two bundles pointing the same namespace at
// different servers never share a connection. Connectors to stateful
// upstreams are owned by their session and must not be pooled.
type Pool struct {
	mu    sync.Mutex
	conns map[string]Connector
}

// NewPool returns an empty connector pool.
func NewPool() *Pool {
	return &Pool{conns: make(map[string]Connector)}
}

// PoolKey derives the pool key for an upstream.
func PoolKey(namespace, url string) string {
	return namespace + ":" + url
}

// Get returns the pooled connector for key, if any.
func (p *Pool) Get(key string) (Connector, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	c, ok := p.conns[key]
	return c, ok
}

// Has reports whether a connector is pooled under key.
func (p *Pool) Has(key string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.conns[key]
	return ok
}

// Set publishes conn under key unless another connector got there first.
// It returns the connector now pooled and whether conn won; a losing
// caller must discard its connector and use the returned one.
func (p *Pool) Set(key string, conn Connector) (Connector, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if existing, ok := p.conns[key]; ok {
		return existing, false
	}
	p.conns[key] = conn
	return conn, true
}

// Len returns the number of pooled connectors.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.conns)
}

// Shutdown disconnects every pooled connector and empties the pool.
// Disconnect errors are logged, not returned; shutdown always completes.
func (p *Pool) Shutdown(ctx context.Context) {
	p.mu.Lock()
	conns := p.conns
	p.conns = make(map[string]Connector)
	p.mu.Unlock()

	for key, conn := range conns {
		if err := conn.Disconnect(ctx); err != nil {
			logger.Warnf("Failed to disconnect pooled upstream %s: %v", key, err)
		}
	}
}
