// SPDX-FileCopyrightText: Copyright 2025 mcpbundle Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/mcpbundle/mcpb/pkg/upstream"
)

// ErrSessionLimit is returned by Add when the registry is at capacity.
// Ingress maps it to 503.
var ErrSessionLimit = errors.New("session limit reached")

// Registry is the process-wide id → session map. Sessions remove
// themselves when they shut down, so idle-closed sessions free capacity
// without outside help.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	limit    int
}

// NewRegistry creates a registry capped at limit concurrent sessions.
// limit <= 0 means unlimited.
func NewRegistry(limit int) *Registry {
	return &Registry{
		sessions: make(map[string]*Session),
		limit:    limit,
	}
}

// Add registers a session, enforcing the concurrency cap.
func (r *Registry) Add(s *Session) error {
	r.mu.Lock()
	if r.limit > 0 && len(r.sessions) >= r.limit {
		n := len(r.sessions)
		r.mu.Unlock()
		return fmt.Errorf("%w: %d active", ErrSessionLimit, n)
	}
	r.sessions[s.ID()] = s
	r.mu.Unlock()

	s.Subscribe("registry", func(ev upstream.Event) {
		if ev.Type == upstream.EventShutdown {
			r.Remove(s.ID())
		}
	})
	return nil
}

// Get looks a session up by id.
func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	return s, ok
}

// Remove drops a session from the registry without closing it.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, id)
}

// Len returns the number of registered sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// CloseAll closes every session and empties the registry. Used on server
// shutdown.
func (r *Registry) CloseAll(ctx context.Context) {
	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.sessions = make(map[string]*Session)
	r.mu.Unlock()

	for _, s := range sessions {
		_ = s.Close(ctx)
	}
}
