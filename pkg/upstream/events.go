// SPDX-FileCopyrightText: Copyright 2025 mcpbundle Authors
// SPDX-License-Identifier: Apache-2.0

package upstream

import "sync"

// EventType identifies a connector lifecycle or capability-change event.
type EventType string

const (
	// EventConnected fires after a successful connect handshake.
	EventConnected EventType = "CONNECTED"

	// EventDisconnected fires when an established connection is lost.
	EventDisconnected EventType = "DISCONNECTED"

	// EventConnectionFailed fires when a connect attempt fails.
	EventConnectionFailed EventType = "CONNECTION_FAILED"

	// EventReconnectionAttempt fires before each automatic reconnect try.
	EventReconnectionAttempt EventType = "RECONNECTION_ATTEMPT"

	// EventShutdown fires on explicit disconnect.
	EventShutdown EventType = "SHUTDOWN"

	// EventToolsListChanged mirrors notifications/tools/list_changed.
	EventToolsListChanged EventType = "TOOLS_LIST_CHANGED"

	// EventResourcesListChanged mirrors notifications/resources/list_changed.
	EventResourcesListChanged EventType = "RESOURCES_LIST_CHANGED"

	// EventPromptsListChanged mirrors notifications/prompts/list_changed.
	EventPromptsListChanged EventType = "PROMPTS_LIST_CHANGED"
)

// Event is delivered to subscribers of a connector.
type Event struct {
	Type      EventType
	Namespace string

	// Err is set on DISCONNECTED, CONNECTION_FAILED, and
	// RECONNECTION_ATTEMPT events.
	Err error

	// Attempt is the 1-based reconnect try for RECONNECTION_ATTEMPT.
	Attempt int
}

// EventHandler receives connector events. Handlers must not block: they run
// on the connector's goroutine.
type EventHandler func(Event)

// eventBus fans events out to named subscribers. Subscribing again under an
// existing key replaces the previous handler.
type eventBus struct {
	mu       sync.RWMutex
	handlers map[string]EventHandler
}

func newEventBus() *eventBus {
	return &eventBus{handlers: make(map[string]EventHandler)}
}

func (b *eventBus) subscribe(key string, h EventHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[key] = h
}

func (b *eventBus) unsubscribe(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.handlers, key)
}

// emit calls every subscribed handler with ev. Handlers are snapshotted
// under the read lock and invoked outside it so a handler may subscribe or
// unsubscribe without deadlocking.
func (b *eventBus) emit(ev Event) {
	b.mu.RLock()
	snapshot := make([]EventHandler, 0, len(b.handlers))
	for _, h := range b.handlers {
		snapshot = append(snapshot, h)
	}
	b.mu.RUnlock()

	for _, h := range snapshot {
		h(ev)
	}
}
