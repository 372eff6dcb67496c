// Package hub owns every core component built from one configuration
// snapshot and routes events between them. A Hub is driven entirely from
// one goroutine: inbound messages and ticks must not be delivered
// concurrently.
package hub

import (
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/dokzlo13/milightd/internal/bulb"
	"github.com/dokzlo13/milightd/internal/button"
	"github.com/dokzlo13/milightd/internal/clock"
	"github.com/dokzlo13/milightd/internal/config"
	"github.com/dokzlo13/milightd/internal/eventbus"
	"github.com/dokzlo13/milightd/internal/publisher"
	"github.com/dokzlo13/milightd/internal/radio"
	"github.com/dokzlo13/milightd/internal/relay"
	"github.com/dokzlo13/milightd/internal/state"
	"github.com/dokzlo13/milightd/internal/telemetry"
	"github.com/dokzlo13/milightd/internal/topic"
)

// Sink publishes one outbound message.
type Sink interface {
	Publish(topic string, payload []byte, retain bool) error
}

// Deps are the collaborators a hub is built over. They outlive the hub.
type Deps struct {
	Sink        Sink
	Transceiver radio.Transceiver
	Rows        state.Rows           // nil for a memory-only store
	Buttons     []button.LevelSource // empty when no wall switch is attached
	Clock       clock.Clock
	OnRestart   func()
}

// Hub is the owning context of the bridge.
type Hub struct {
	snap  config.Snapshot
	sink  Sink
	clock clock.Clock

	bus       *eventbus.Bus
	store     *state.Store
	radio     *radio.Radio
	inbound   *radio.Radio
	publisher *publisher.Updater
	relay     *relay.Relay
	buttons   *button.Controller
	telemetry *telemetry.Reporter

	warn rate.Sometimes
}

// New builds a hub and wires its components together.
func New(snap config.Snapshot, deps Deps) (*Hub, error) {
	if deps.Clock == nil {
		deps.Clock = clock.System{}
	}
	if deps.Transceiver == nil {
		deps.Transceiver = radio.LogTransceiver{}
	}

	store, err := state.New(snap.StateCapacity, deps.Rows, snap.FlushInterval, deps.Clock)
	if err != nil {
		return nil, fmt.Errorf("create state store: %w", err)
	}

	h := &Hub{
		snap:  snap,
		sink:  deps.Sink,
		clock: deps.Clock,
		bus:   eventbus.New(),
		store: store,
		radio: radio.New(deps.Transceiver),
		warn:  rate.Sometimes{Interval: 10 * time.Second},
	}
	h.inbound = h.radio.As(eventbus.SourceMQTT)
	h.radio.OnSent(h.onPacket)

	h.publisher = publisher.New(publisher.Options{
		Cooldown: snap.StateRateLimit,
		Topic:    snap.StateTopic,
		Prefix:   snap.OutPrefix,
		Fields:   snap.StateFields,
		Aliases:  snap.Aliases,
	}, deps.Sink, store, deps.Clock)
	h.publisher.Subscribe(h.bus)

	h.relay = relay.New(relay.Options{
		Delay:         snap.ResendDelay,
		Jitter:        snap.ResendJitter,
		Fields:        snap.StateFields,
		FlickerFields: snap.FlickerFields,
		PeerTopic:     snap.CommandTopic,
		PeerPrefix:    snap.PeerPrefix,
		Aliases:       snap.Aliases,
	}, h.radio.As(eventbus.SourceResend), store, deps.Sink, deps.Clock)
	h.relay.Subscribe(h.bus)

	if len(deps.Buttons) > 0 {
		h.buttons = button.New(button.Options{
			DeviceID:        snap.ButtonDevice,
			Remote:          snap.ButtonRemote,
			StartupOffAfter: snap.StartupOffAfter,
		}, deps.Buttons, h.radio.As(eventbus.SourceButton), store, h.relay, deps.Clock, deps.OnRestart)
	}

	if snap.Telemetry {
		h.telemetry = telemetry.New(telemetry.Options{
			Interval:        snap.TelemetryEvery,
			Prefix:          snap.OutPrefix,
			HardwareID:      snap.HardwareID,
			TemperatureFile: snap.TemperatureFile,
		}, deps.Sink, deps.Clock)
	}

	log.Info().
		Str("command_topic", snap.CommandTopic.String()).
		Str("state_topic", snap.StateTopic.String()).
		Dur("resend_delay", h.relay.Delay()).
		Int("buttons", len(deps.Buttons)).
		Msg("Hub built")
	return h, nil
}

// CommandSubscription returns the topic filter covering every inbound command.
func (h *Hub) CommandSubscription() string {
	return h.snap.InPrefix + topic.Subscription(h.snap.CommandTopic)
}

// Radio returns the local command client. Its commands are reported as
// SourceLocal.
func (h *Hub) Radio() *radio.Radio {
	return h.radio
}

// Store returns the group state store.
func (h *Hub) Store() *state.Store {
	return h.store
}

// Publisher returns the state publisher.
func (h *Hub) Publisher() *publisher.Updater {
	return h.publisher
}

// Relay returns the resend relay.
func (h *Hub) Relay() *relay.Relay {
	return h.relay
}

// Buttons returns the button controller, or nil.
func (h *Hub) Buttons() *button.Controller {
	return h.buttons
}

// Tick runs one scheduler pass over every component in a fixed order.
func (h *Hub) Tick() {
	h.radio.Listen(h.snap.ListenRepeats)
	h.publisher.Tick()
	h.relay.Tick()
	if h.buttons != nil {
		h.buttons.Tick()
	}
	h.store.LimitedFlush()
	if h.telemetry != nil {
		h.telemetry.Tick()
	}
}

// Quiesce completes outstanding work before the hub is replaced: pending
// resends go out, then pending state publishes, then every dirty group is
// persisted.
func (h *Hub) Quiesce() error {
	h.relay.Drain()
	h.publisher.Drain()
	if err := h.store.Flush(); err != nil {
		return fmt.Errorf("flush group states: %w", err)
	}
	return nil
}

// Close detaches every handler. The hub must not be used afterwards.
func (h *Hub) Close() {
	h.bus.Clear()
}

// onPacket runs for every packet sent through any radio view and for every
// sniffed packet.
func (h *Hub) onPacket(cmd radio.Command) {
	id := cmd.ID
	if id.IsDefault() {
		log.Debug().Msg("Skipping packet that could not be decoded")
		return
	}
	if !h.acceptDevice(id.DeviceID) {
		log.Debug().Str("group", id.String()).Str("source", string(cmd.Source)).Msg("Ignoring packet for device outside gateways")
		return
	}

	changed := h.store.Patch(id, cmd.Delta)

	if !h.snap.UpdateTopic.IsZero() {
		h.publishUpdate(id, cmd.Packet)
	}

	for _, cid := range changed {
		h.bus.Publish(eventbus.Event{Type: eventbus.EventTypeStateChanged, ID: cid, Source: cmd.Source})
	}
	h.bus.Publish(eventbus.Event{Type: eventbus.EventTypeCommandApplied, ID: id, Source: cmd.Source})
}

func (h *Hub) publishUpdate(id bulb.ID, p radio.Packet) {
	payload, err := json.Marshal(p.Fields())
	if err != nil {
		log.Error().Err(err).Str("group", id.String()).Msg("Failed to encode packet update")
		return
	}
	t := h.snap.OutPrefix + topic.Bind(h.snap.UpdateTopic, id, h.snap.Aliases)
	if err := h.sink.Publish(t, payload, false); err != nil {
		h.warn.Do(func() {
			log.Warn().Err(err).Str("topic", t).Msg("Failed to publish packet update")
		})
	}
}

// HandleCommand applies one inbound command message. The command is sent
// twice in a row with state publishing held off, so the burst of packet
// loopbacks collapses into one state publish.
func (h *Hub) HandleCommand(t string, payload []byte) {
	rest, ok := strings.CutPrefix(t, h.snap.InPrefix)
	if !ok {
		log.Debug().Str("topic", t).Msg("Ignoring message outside command prefix")
		return
	}
	b, ok := topic.Match(h.snap.CommandTopic, rest, h.snap.Aliases)
	if !ok {
		log.Debug().Str("topic", t).Msg("Topic does not match command pattern")
		return
	}
	if !h.acceptDevice(b.ID.DeviceID) {
		log.Warn().Str("topic", t).Uint16("device_id", b.ID.DeviceID).Msg("Ignoring command for unknown device")
		return
	}
	if h.relay.IsEcho(b.ID, payload) {
		log.Debug().Str("topic", t).Msg("Ignoring echo of our own peer announcement")
		return
	}

	var fields map[string]any
	if err := json.Unmarshal(payload, &fields); err != nil {
		log.Warn().Err(err).Str("topic", t).Msg("Dropping malformed command")
		return
	}
	if len(fields) == 0 {
		return
	}

	log.Debug().Str("group", b.ID.String()).Bytes("payload", payload).Msg("Applying command")

	h.publisher.Disable()
	defer h.publisher.Enable()

	h.inbound.Prepare(b.ID.Type, b.ID.DeviceID, b.ID.GroupID)
	for i := 0; i < 2; i++ {
		if err := h.inbound.Update(fields); err != nil {
			h.warn.Do(func() {
				log.Warn().Err(err).Str("topic", t).Msg("Failed to apply command")
			})
			return
		}
	}
}

// acceptDevice reports whether deviceID is one of the gateways. An empty
// gateway list accepts everything.
func (h *Hub) acceptDevice(deviceID uint16) bool {
	return len(h.snap.Gateways) == 0 || slices.Contains(h.snap.Gateways, deviceID)
}
