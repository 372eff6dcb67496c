// Package eventbus routes group events between the components owned by one
// hub. Dispatch is synchronous: handlers run on the publisher's goroutine,
// which is always the scheduler loop.
package eventbus

import (
	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/milightd/internal/bulb"
)

// EventType represents the type of event
type EventType string

const (
	// EventTypeStateChanged fires after a group's stored state changed.
	EventTypeStateChanged EventType = "state_changed"
	// EventTypeCommandApplied fires after a command reached the radio.
	EventTypeCommandApplied EventType = "command_applied"
)

// Source tells where the change behind an event came from.
type Source string

const (
	SourceLocal  Source = "local"
	SourceRadio  Source = "radio"
	SourceMQTT   Source = "mqtt"
	SourceButton Source = "button"
	SourceResend Source = "resend"
)

// Event represents an event in the system
type Event struct {
	Type   EventType
	ID     bulb.ID
	Source Source

	// Announce asks the relay to mirror its resend to peers.
	Announce bool
}

// Handler is a function that handles events
type Handler func(Event)

// Bus keeps handlers per event type. It is not safe for concurrent use.
type Bus struct {
	handlers map[EventType][]Handler
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{handlers: make(map[EventType][]Handler)}
}

// Subscribe registers a handler for a specific event type
func (b *Bus) Subscribe(eventType EventType, handler Handler) {
	b.handlers[eventType] = append(b.handlers[eventType], handler)
}

// Publish runs every handler of the event's type in subscription order.
// A panicking handler is logged and does not stop the others.
func (b *Bus) Publish(event Event) {
	for _, handler := range b.handlers[event.Type] {
		b.dispatch(handler, event)
	}
}

func (b *Bus) dispatch(handler Handler, event Event) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().
				Interface("panic", r).
				Str("event_type", string(event.Type)).
				Str("group", event.ID.String()).
				Msg("Event handler panicked")
		}
	}()
	handler(event)
}

// Clear removes all handlers
func (b *Bus) Clear() {
	b.handlers = make(map[EventType][]Handler)
}
