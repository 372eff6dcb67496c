package eventbus_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/dokzlo13/milightd/internal/bulb"
	"github.com/dokzlo13/milightd/internal/eventbus"
)

func TestBus_DispatchesInOrderByType(t *testing.T) {
	bus := eventbus.New()
	id := bulb.ID{DeviceID: 1, GroupID: 2, Type: bulb.RemoteRGBW}

	var got []string
	bus.Subscribe(eventbus.EventTypeStateChanged, func(e eventbus.Event) { got = append(got, "first") })
	bus.Subscribe(eventbus.EventTypeStateChanged, func(e eventbus.Event) { got = append(got, "second") })
	bus.Subscribe(eventbus.EventTypeCommandApplied, func(e eventbus.Event) { got = append(got, "command") })

	bus.Publish(eventbus.Event{Type: eventbus.EventTypeStateChanged, ID: id})
	assert.Equal(t, []string{"first", "second"}, got)
}

func TestBus_PanicDoesNotStopOtherHandlers(t *testing.T) {
	bus := eventbus.New()
	called := false
	bus.Subscribe(eventbus.EventTypeCommandApplied, func(eventbus.Event) { panic("boom") })
	bus.Subscribe(eventbus.EventTypeCommandApplied, func(eventbus.Event) { called = true })

	assert.NotPanics(t, func() {
		bus.Publish(eventbus.Event{Type: eventbus.EventTypeCommandApplied})
	})
	assert.True(t, called)
}

func TestBus_Clear(t *testing.T) {
	bus := eventbus.New()
	called := false
	bus.Subscribe(eventbus.EventTypeStateChanged, func(eventbus.Event) { called = true })
	bus.Clear()
	bus.Publish(eventbus.Event{Type: eventbus.EventTypeStateChanged})
	assert.False(t, called)
}
