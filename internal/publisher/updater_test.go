package publisher_test

import (
	"testing"
	"time"

	"github.com/samber/lo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dokzlo13/milightd/internal/bulb"
	"github.com/dokzlo13/milightd/internal/clock"
	"github.com/dokzlo13/milightd/internal/eventbus"
	"github.com/dokzlo13/milightd/internal/publisher"
	"github.com/dokzlo13/milightd/internal/topic"
)

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

func (m mapStore) patch(id bulb.ID, d bulb.Values) {
	st, ok := m[id]
	if !ok {
		st = bulb.NewState()
		m[id] = st
	}
	st.Patch(d)
}

const cooldown = 500 * time.Millisecond

var start = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func group(g uint8) bulb.ID {
	return bulb.ID{DeviceID: 0x421, GroupID: g, Type: bulb.RemoteRGBCCT}
}

func setup() (*publisher.Updater, *fakeSink, mapStore, *clock.Manual) {
	sink := &fakeSink{}
	store := mapStore{}
	clk := clock.NewManual(start)
	u := publisher.New(publisher.Options{
		Cooldown: cooldown,
		Topic:    topic.MustParse("milight/:device_type/:device_id/:group_id"),
		Prefix:   "out/",
		Fields:   []string{"state", "brightness"},
	}, sink, store, clk)
	return u, sink, store, clk
}

func TestUpdater_PublishesImmediatelyWhenIdle(t *testing.T) {
	u, sink, store, _ := setup()
	store.patch(group(1), bulb.Values{On: lo.ToPtr(true), Brightness: lo.ToPtr[uint8](40)})

	u.Enqueue(group(1))

	require.Len(t, sink.messages, 1)
	m := sink.messages[0]
	assert.Equal(t, "out/milight/rgb_cct/0x421/1", m.Topic)
	assert.JSONEq(t, `{"state":"ON","brightness":40}`, m.Payload)
	assert.True(t, m.Retain)
	assert.False(t, store[group(1)].IsMQTTDirty())
	assert.Zero(t, u.Pending())
}

func TestUpdater_CoalescesAndReadsLatestState(t *testing.T) {
	u, sink, store, clk := setup()
	store.patch(group(9), bulb.Values{On: lo.ToPtr(true)})
	u.Enqueue(group(9)) // opens the cooldown window

	store.patch(group(1), bulb.Values{On: lo.ToPtr(true), Brightness: lo.ToPtr[uint8](10)})
	u.Enqueue(group(1))
	u.Enqueue(group(1))
	store.patch(group(1), bulb.Values{Brightness: lo.ToPtr[uint8](90)})

	assert.Equal(t, 1, u.Pending())
	u.Tick()
	assert.Len(t, sink.messages, 1, "cooldown still running")

	clk.Advance(cooldown + time.Millisecond)
	u.Tick()

	require.Len(t, sink.messages, 2)
	assert.JSONEq(t, `{"state":"ON","brightness":90}`, sink.messages[1].Payload)

	clk.Advance(cooldown + time.Millisecond)
	u.Tick()
	assert.Len(t, sink.messages, 2, "exactly one publish per coalesced group")
}

func TestUpdater_RateBoundFIFO(t *testing.T) {
	u, sink, store, clk := setup()

	for g := uint8(1); g <= 4; g++ {
		store.patch(group(g), bulb.Values{On: lo.ToPtr(true), Brightness: lo.ToPtr(g * 10)})
		u.Enqueue(group(g))
	}
	u.Tick()
	require.Len(t, sink.messages, 1, "one publish inside the first interval")

	for i := 0; i < 3; i++ {
		clk.Advance(cooldown / 2)
		u.Tick()
		clk.Advance(cooldown/2 + time.Millisecond)
		u.Tick()
	}

	topics := lo.Map(sink.messages, func(m message, _ int) string { return m.Topic })
	assert.Equal(t, []string{
		"out/milight/rgb_cct/0x421/1",
		"out/milight/rgb_cct/0x421/2",
		"out/milight/rgb_cct/0x421/3",
		"out/milight/rgb_cct/0x421/4",
	}, topics)
}

func TestUpdater_TickSkipsCleanAndEvicted(t *testing.T) {
	u, sink, store, clk := setup()
	store.patch(group(9), bulb.Values{On: lo.ToPtr(true)})
	u.Enqueue(group(9))

	store.patch(group(1), bulb.Values{On: lo.ToPtr(true)})
	u.Enqueue(group(1))
	store[group(1)].ClearMQTTDirty()

	u.Enqueue(group(2)) // never stored

	store.patch(group(3), bulb.Values{On: lo.ToPtr(false)})
	u.Enqueue(group(3))

	clk.Advance(cooldown + time.Millisecond)
	u.Tick()

	require.Len(t, sink.messages, 2)
	assert.Equal(t, "out/milight/rgb_cct/0x421/3", sink.messages[1].Topic)
	assert.Zero(t, u.Pending())
}

func TestUpdater_DisableEnable(t *testing.T) {
	u, sink, store, clk := setup()
	u.Disable()

	store.patch(group(1), bulb.Values{On: lo.ToPtr(true)})
	u.Enqueue(group(1))
	clk.Advance(time.Hour)
	u.Tick()
	assert.Empty(t, sink.messages, "disabled updater never publishes")
	assert.Equal(t, 1, u.Pending())

	u.Enable()
	u.Tick()
	assert.Empty(t, sink.messages, "enable restarts the cooldown")

	clk.Advance(cooldown + time.Millisecond)
	u.Tick()
	assert.Len(t, sink.messages, 1)
}

func TestUpdater_NightModePayload(t *testing.T) {
	u, sink, store, _ := setup()
	store.patch(group(1), bulb.Values{Brightness: lo.ToPtr[uint8](5), BulbMode: bulb.ModeNight})

	u.Enqueue(group(1))

	require.Len(t, sink.messages, 1)
	assert.JSONEq(t, `{"state":"ON","effect":"night_mode"}`, sink.messages[0].Payload)
}

func TestUpdater_DrainIgnoresCooldown(t *testing.T) {
	u, sink, store, _ := setup()
	u.Disable()
	for g := uint8(1); g <= 3; g++ {
		store.patch(group(g), bulb.Values{On: lo.ToPtr(true)})
		u.Enqueue(group(g))
	}

	u.Drain()
	assert.Len(t, sink.messages, 3)
	assert.Zero(t, u.Pending())
}

func TestUpdater_SubscribesToStateChanged(t *testing.T) {
	u, sink, store, _ := setup()
	bus := eventbus.New()
	u.Subscribe(bus)

	store.patch(group(1), bulb.Values{On: lo.ToPtr(true)})
	bus.Publish(eventbus.Event{Type: eventbus.EventTypeStateChanged, ID: group(1)})

	assert.Len(t, sink.messages, 1)
}
