// SPDX-FileCopyrightText: Copyright 2025 mcpbundle Authors
// SPDX-License-Identifier: Apache-2.0

package upstream

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEventBusLastWriterWins(t *testing.T) {
	t.Parallel()

	bus := newEventBus()

	var first, second int
	bus.subscribe("session-1", func(Event) { first++ })
	bus.subscribe("session-1", func(Event) { second++ })

	bus.emit(Event{Type: EventConnected, Namespace: "github"})

	assert.Zero(t, first, "replaced handler must not fire")
	assert.Equal(t, 1, second)
}

func TestEventBusFansOutAcrossKeys(t *testing.T) {
	t.Parallel()

	bus := newEventBus()

	var got []string
	bus.subscribe("a", func(ev Event) { got = append(got, "a:"+string(ev.Type)) })
	bus.subscribe("b", func(ev Event) { got = append(got, "b:"+string(ev.Type)) })

	bus.emit(Event{Type: EventShutdown, Namespace: "github"})

	assert.ElementsMatch(t, []string{"a:SHUTDOWN", "b:SHUTDOWN"}, got)
}

func TestEventBusUnsubscribe(t *testing.T) {
	t.Parallel()

	bus := newEventBus()

	var fired int
	bus.subscribe("session-1", func(Event) { fired++ })
	bus.unsubscribe("session-1")

	bus.emit(Event{Type: EventConnected})
	assert.Zero(t, fired)

	// Unsubscribing an unknown key is a no-op.
	bus.unsubscribe("never-subscribed")
}

func TestEventBusEmitWithoutHandlers(t *testing.T) {
	t.Parallel()

	bus := newEventBus()
	bus.emit(Event{Type: EventConnectionFailed})
}

func TestEventBusHandlerMayUnsubscribeDuringEmit(t *testing.T) {
	t.Parallel()

	bus := newEventBus()

	var fired int
	bus.subscribe("self-removing", func(Event) {
		fired++
		bus.unsubscribe("self-removing")
	})

	bus.emit(Event{Type: EventDisconnected})
	bus.emit(Event{Type: EventDisconnected})

	assert.Equal(t, 1, fired)
}
