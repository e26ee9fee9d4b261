// Package stream defines the port for pushing events to connected
// observer clients.
package stream

import (
	"context"

	"github.com/Strob0t/SessionForge/internal/domain/event"
)

// Broadcaster fans an event out to every observer of the event's session.
// Implementations must not block the caller on slow clients.
type Broadcaster interface {
	Publish(ctx context.Context, ev event.Event)
}

// Nop discards all events. Used when no stream surface is wired.
type Nop struct{}

func (Nop) Publish(context.Context, event.Event) {}
