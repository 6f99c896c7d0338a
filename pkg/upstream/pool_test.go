// SPDX-FileCopyrightText: Copyright 2025 mcpbundle Authors
// SPDX-License-Identifier: Apache-2.0

package upstream

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPoolKey(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "github:https://mcp.example.com/mcp",
		PoolKey("github", "https://mcp.example.com/mcp"))

	// The same namespace pointed at different servers yields distinct keys.
	assert.NotEqual(t,
		PoolKey("github", "https://a.example.com"),
		PoolKey("github", "https://b.example.com"))
}

func TestPoolSetGetHas(t *testing.T) {
	t.Parallel()

	pool := NewPool()
	key := PoolKey("github", "https://mcp.example.com/mcp")

	_, ok := pool.Get(key)
	assert.False(t, ok)
	assert.False(t, pool.Has(key))

	conn := newFakeConnector("github")
	stored, won := pool.Set(key, conn)
	assert.True(t, won)
	assert.Same(t, conn, stored)

	got, ok := pool.Get(key)
	require.True(t, ok)
	assert.Same(t, conn, got)
	assert.True(t, pool.Has(key))
	assert.Equal(t, 1, pool.Len())
}

func TestPoolSetKeepsFirstWinner(t *testing.T) {
	t.Parallel()

	pool := NewPool()
	key := PoolKey("github", "https://mcp.example.com/mcp")

	first := newFakeConnector("github")
	second := newFakeConnector("github")

	_, won := pool.Set(key, first)
	require.True(t, won)

	stored, won := pool.Set(key, second)
	assert.False(t, won, "the race loser must not replace the pooled connector")
	assert.Same(t, first, stored)
	assert.Equal(t, 1, pool.Len())
}

func TestPoolShutdownDisconnectsEverything(t *testing.T) {
	t.Parallel()

	pool := NewPool()

	healthy := newFakeConnector("github")
	healthy.connected = true
	failing := newFakeConnector("notion")
	failing.connected = true
	failing.disconnectErr = errors.New("close failed")

	pool.Set(PoolKey("github", "https://a.example.com"), healthy)
	pool.Set(PoolKey("notion", "https://b.example.com"), failing)

	pool.Shutdown(context.Background())

	assert.Equal(t, 1, healthy.disconnects)
	assert.Equal(t, 1, failing.disconnects, "a failing disconnect must not stop the shutdown")
	assert.Zero(t, pool.Len())
}

func TestPoolShutdownTwice(t *testing.T) {
	t.Parallel()

	pool := NewPool()
	conn := newFakeConnector("github")
	pool.Set(PoolKey("github", "https://a.example.com"), conn)

	pool.Shutdown(context.Background())
	pool.Shutdown(context.Background())

	assert.Equal(t, 1, conn.disconnects)
}
