package relay_test

import (
	"errors"
	"testing"
	"time"

	"github.com/samber/lo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dokzlo13/milightd/internal/bulb"
	"github.com/dokzlo13/milightd/internal/clock"
	"github.com/dokzlo13/milightd/internal/eventbus"
	"github.com/dokzlo13/milightd/internal/relay"
	"github.com/dokzlo13/milightd/internal/topic"
)

type update struct {
	ID     bulb.ID
	Fields map[string]any
}

type fakeRadio struct {
	target  bulb.ID
	updates []update
	err     error
}

func (f *fakeRadio) Prepare(t bulb.RemoteType, deviceID uint16, groupID uint8) {
	f.target = bulb.ID{DeviceID: deviceID, GroupID: groupID, Type: t}
}

func (f *fakeRadio) Update(fields map[string]any) error {
	f.updates = append(f.updates, update{f.target, fields})
	return f.err
}

type message struct {
	Topic   string
	Payload string
	Retain  bool
}

type fakeSink struct {
	messages []message
}

func (f *fakeSink) Publish(t string, payload []byte, retain bool) error {
	f.messages = append(f.messages, message{t, string(payload), retain})
	return nil
}

type mapStore map[bulb.ID]*bulb.State

func (m mapStore) Get(id bulb.ID) *bulb.State { return m[id] }

const delay = 2 * time.Second

var (
	start   = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	kitchen = bulb.ID{DeviceID: 0x421, GroupID: 3, Type: bulb.RemoteRGBCCT}
)

func setup() (*relay.Relay, *fakeRadio, *fakeSink, mapStore, *clock.Manual) {
	radio := &fakeRadio{}
	sink := &fakeSink{}
	store := mapStore{}
	clk := clock.NewManual(start)
	r := relay.New(relay.Options{
		Delay:      delay,
		PeerTopic:  topic.MustParse("milight/:device_type/:device_id/:group_id"),
		PeerPrefix: "mesh_in/",
	}, radio, store, sink, clk)
	return r, radio, sink, store, clk
}

func whiteState() *bulb.State {
	return &bulb.State{Values: bulb.Values{
		On:         lo.ToPtr(true),
		Brightness: lo.ToPtr[uint8](60),
		Mireds:     lo.ToPtr[uint16](250),
		BulbMode:   bulb.ModeWhite,
	}}
}

func TestRelay_DebounceResendsOnceFromLastCommand(t *testing.T) {
	r, radio, _, store, clk := setup()
	store[kitchen] = whiteState()

	r.OnCommandApplied(kitchen, false)
	clk.Advance(time.Second)
	r.OnCommandApplied(kitchen, false)
	assert.Equal(t, 1, r.Pending())

	clk.Advance(delay - time.Millisecond)
	r.Tick()
	assert.Empty(t, radio.updates, "timer restarted by the second command")

	clk.Advance(time.Millisecond)
	r.Tick()
	require.Len(t, radio.updates, 1)
	assert.Equal(t, kitchen, radio.updates[0].ID)

	clk.Advance(time.Hour)
	r.Tick()
	assert.Len(t, radio.updates, 1, "exactly one resend")
	assert.Zero(t, r.Pending())
	assert.Equal(t, 1, r.Resent())
}

func TestRelay_FiltersFlickerFields(t *testing.T) {
	r, radio, _, store, clk := setup()
	store[kitchen] = whiteState()

	r.OnCommandApplied(kitchen, false)
	clk.Advance(delay)
	r.Tick()

	require.Len(t, radio.updates, 1)
	fields := radio.updates[0].Fields
	assert.NotContains(t, fields, "bulb_mode")
	assert.NotContains(t, fields, "effect", "white_mode effect is a mode discriminator")
	assert.Equal(t, "ON", fields["state"])
	assert.Equal(t, uint8(60), fields["brightness"])
	assert.Equal(t, uint16(250), fields["color_temp"])
}

func TestRelay_KeepsNightModeEffect(t *testing.T) {
	fields := map[string]any{"state": "ON", "effect": "night_mode", "bulb_mode": "night"}
	relay.FilterFlicker(fields, relay.DefaultFlickerFields)
	assert.Equal(t, map[string]any{"state": "ON", "effect": "night_mode"}, fields)
}

func TestRelay_ReadsCurrentStateAtResend(t *testing.T) {
	r, radio, _, store, clk := setup()
	store[kitchen] = whiteState()

	r.OnCommandApplied(kitchen, false)
	store[kitchen].Patch(bulb.Values{On: lo.ToPtr(false)})
	clk.Advance(delay)
	r.Tick()

	require.Len(t, radio.updates, 1)
	assert.Equal(t, "OFF", radio.updates[0].Fields["state"])
}

func TestRelay_EvictedGroupIsNoop(t *testing.T) {
	r, radio, _, _, clk := setup()

	r.OnCommandApplied(kitchen, true)
	clk.Advance(delay)
	assert.NotPanics(t, r.Tick)
	assert.Empty(t, radio.updates)
	assert.Zero(t, r.Pending())
}

func TestRelay_RadioFailureDoesNotStopQueue(t *testing.T) {
	r, radio, _, store, clk := setup()
	radio.err = errors.New("radio unavailable")
	other := kitchen.WithGroup(4)
	store[kitchen] = whiteState()
	store[other] = whiteState()

	r.OnCommandApplied(kitchen, false)
	r.OnCommandApplied(other, false)
	clk.Advance(delay)
	r.Tick()

	assert.Len(t, radio.updates, 2)
	assert.Zero(t, r.Pending())
	assert.Zero(t, r.Resent())
}

func TestRelay_AnnouncesToPeers(t *testing.T) {
	r, _, sink, store, clk := setup()
	store[kitchen] = whiteState()

	r.OnCommandApplied(kitchen, true)
	r.OnCommandApplied(kitchen, false) // announce flag survives the refresh
	clk.Advance(delay)
	r.Tick()

	require.Len(t, sink.messages, 1)
	m := sink.messages[0]
	assert.Equal(t, "mesh_in/milight/rgb_cct/0x421/3", m.Topic)
	assert.False(t, m.Retain)
	assert.JSONEq(t, `{"state":"ON","brightness":60,"color_temp":250}`, m.Payload)
}

func TestRelay_RecognisesAnnouncementEchoOnce(t *testing.T) {
	r, _, sink, store, clk := setup()
	store[kitchen] = whiteState()

	r.OnCommandApplied(kitchen, true)
	clk.Advance(delay)
	r.Tick()
	require.Len(t, sink.messages, 1)
	payload := []byte(sink.messages[0].Payload)

	assert.False(t, r.IsEcho(kitchen.WithGroup(4), payload), "other group")
	assert.False(t, r.IsEcho(kitchen, []byte(`{"state":"OFF"}`)), "other payload")
	assert.True(t, r.IsEcho(kitchen, payload))
	assert.False(t, r.IsEcho(kitchen, payload), "consumed by the first echo")
}

func TestRelay_IgnoresItsOwnResends(t *testing.T) {
	r, _, _, _, _ := setup()
	bus := eventbus.New()
	r.Subscribe(bus)

	bus.Publish(eventbus.Event{Type: eventbus.EventTypeCommandApplied, ID: kitchen, Source: eventbus.SourceResend})
	assert.Zero(t, r.Pending())

	bus.Publish(eventbus.Event{Type: eventbus.EventTypeCommandApplied, ID: kitchen, Source: eventbus.SourceMQTT})
	assert.Equal(t, 1, r.Pending())
}

func TestRelay_JitterIsBounded(t *testing.T) {
	for i := 0; i < 20; i++ {
		r := relay.New(relay.Options{Delay: 2 * time.Second, Jitter: time.Second}, &fakeRadio{}, mapStore{}, nil, clock.NewManual(start))
		assert.GreaterOrEqual(t, r.Delay(), 2*time.Second)
		assert.Less(t, r.Delay(), 3*time.Second)
	}
}

func TestRelay_Drain(t *testing.T) {
	r, radio, _, store, _ := setup()
	store[kitchen] = whiteState()

	r.OnCommandApplied(kitchen, false)
	r.Drain()
	assert.Len(t, radio.updates, 1)
	assert.Zero(t, r.Pending())
}
