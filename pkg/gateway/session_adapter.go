// SPDX-FileCopyrightText: Copyright 2025 mcpbundle Authors
// SPDX-License-Identifier: Apache-2.0

package gateway

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/server"

	"github.com/mcpbundle/mcpb/pkg/bundle"
	"github.com/mcpbundle/mcpb/pkg/session"
)

// sessionIDAdapter bridges the SDK's session id lifecycle to the gateway's
// session registry. Generate only mints the id; the gateway session itself
// is created by the OnRegisterSession hook, which runs with the request
// context carrying the resolved bundle.
type sessionIDAdapter struct {
	registry *session.Registry
}

var _ server.SessionIdManager = (*sessionIDAdapter)(nil)

func newSessionIDAdapter(reg *session.Registry) *sessionIDAdapter {
	return &sessionIDAdapter{registry: reg}
}

// Generate mints a fresh session id.
func (*sessionIDAdapter) Generate() string {
	return uuid.NewString()
}

// Validate reports whether a session id may keep serving requests.
// Unknown ids are errors; closing or closed sessions report terminated.
func (a *sessionIDAdapter) Validate(sessionID string) (bool, error) {
	sess, ok := a.registry.Get(sessionID)
	if !ok {
		return false, fmt.Errorf("session %s: %w", sessionID, bundle.ErrNotFound)
	}
	switch sess.State() {
	case session.StateClosing, session.StateClosed:
		return true, nil
	default:
		return false, nil
	}
}

// Terminate closes the gateway session behind an explicit client DELETE.
// Termination is always allowed.
func (a *sessionIDAdapter) Terminate(sessionID string) (bool, error) {
	sess, ok := a.registry.Get(sessionID)
	if !ok {
		return false, nil
	}
	if err := sess.Close(context.Background()); err != nil {
		return false, fmt.Errorf("close session %s: %w", sessionID, err)
	}
	a.registry.Remove(sessionID)
	return false, nil
}
