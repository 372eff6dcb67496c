package hub_test

import (
	"strings"
	"testing"
	"time"

	"github.com/samber/lo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dokzlo13/milightd/internal/bulb"
	"github.com/dokzlo13/milightd/internal/button"
	"github.com/dokzlo13/milightd/internal/clock"
	"github.com/dokzlo13/milightd/internal/config"
	"github.com/dokzlo13/milightd/internal/hub"
	"github.com/dokzlo13/milightd/internal/radio"
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

func (f *fakeSink) on(prefix string) []message {
	return lo.Filter(f.messages, func(m message, _ int) bool { return strings.HasPrefix(m.Topic, prefix) })
}

type fakeTx struct {
	sent []radio.Packet
	rx   []radio.Packet
}

func (f *fakeTx) Send(p radio.Packet) error {
	f.sent = append(f.sent, p)
	return nil
}

func (f *fakeTx) Receive() (radio.Packet, bool) {
	if len(f.rx) == 0 {
		return radio.Packet{}, false
	}
	p := f.rx[0]
	f.rx = f.rx[1:]
	return p, true
}

type pin struct{ high bool }

func (p *pin) Level() (bool, error) { return p.high, nil }

const (
	cooldown = 500 * time.Millisecond
	delay    = 2 * time.Second
)

var kitchen = bulb.ID{DeviceID: 0x421, GroupID: 3, Type: bulb.RemoteRGBCCT}

func snapshot() config.Snapshot {
	return config.Snapshot{
		CommandTopic:   topic.MustParse("milight/:device_type/:device_id/:group_id"),
		UpdateTopic:    topic.MustParse("milight/updates/:device_id/:group_id"),
		StateTopic:     topic.MustParse("milight/states/:device_type/:device_id/:group_id"),
		InPrefix:       "in/",
		OutPrefix:      "out/",
		PeerPrefix:     "in/",
		StateFields:    []string{bulb.FieldState, bulb.FieldBrightness, bulb.FieldColorTemp, bulb.FieldBulbMode},
		StateRateLimit: cooldown,
		ResendDelay:    delay,
		FlickerFields:  []string{bulb.FieldBulbMode},
		ListenRepeats:  3,
		StateCapacity:  16,
		FlushInterval:  time.Second,
		ButtonDevice:   0x421,
		ButtonRemote:   bulb.RemoteRGBCCT,
	}
}

type rig struct {
	hub  *hub.Hub
	sink *fakeSink
	tx   *fakeTx
	clk  *clock.Manual
}

func newRig(t *testing.T, snap config.Snapshot, buttons ...button.LevelSource) *rig {
	t.Helper()
	r := &rig{
		sink: &fakeSink{},
		tx:   &fakeTx{},
		clk:  clock.NewManual(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)),
	}
	h, err := hub.New(snap, hub.Deps{Sink: r.sink, Transceiver: r.tx, Buttons: buttons, Clock: r.clk})
	require.NoError(t, err)
	t.Cleanup(h.Close)
	r.hub = h
	return r
}

func (r *rig) run(d time.Duration) {
	for elapsed := time.Duration(0); elapsed < d; elapsed += 10 * time.Millisecond {
		r.hub.Tick()
		r.clk.Advance(10 * time.Millisecond)
	}
}

func TestHub_InboundCommandEndToEnd(t *testing.T) {
	r := newRig(t, snapshot())

	assert.Equal(t, "in/milight/+/+/+", r.hub.CommandSubscription())

	r.hub.HandleCommand("in/milight/rgb_cct/0x421/3", []byte(`{"state":"ON","brightness":50}`))

	st := r.hub.Store().Get(kitchen)
	require.NotNil(t, st)
	assert.True(t, st.IsOn())
	assert.Equal(t, uint8(50), st.BrightnessOr(0))

	assert.Len(t, r.tx.sent, 4, "each command is applied twice")
	assert.Len(t, r.sink.on("out/milight/updates/"), 4, "one update per packet")
	assert.Empty(t, r.sink.on("out/milight/states/"), "publisher held off while applying")
	assert.Equal(t, 1, r.hub.Relay().Pending())

	r.run(time.Second)
	states := r.sink.on("out/milight/states/")
	require.Len(t, states, 1, "one coalesced state publish")
	assert.Equal(t, "out/milight/states/rgb_cct/0x421/3", states[0].Topic)
	assert.True(t, states[0].Retain)
	assert.JSONEq(t, `{"state":"ON","brightness":50}`, states[0].Payload)

	r.run(5 * time.Second)
	assert.Equal(t, 1, r.hub.Relay().Resent(), "exactly one resend")
	assert.Zero(t, r.hub.Relay().Pending())
	assert.Len(t, r.sink.on("out/milight/states/"), 1, "resend of identical state publishes nothing")
	assert.Empty(t, r.sink.on("in/"), "inbound commands are not announced to peers")

	resent := r.tx.sent[4:]
	require.NotEmpty(t, resent)
	assert.Equal(t, kitchen, resent[0].ID)
}

func TestHub_RejectsUnknownAndMalformed(t *testing.T) {
	snap := snapshot()
	snap.Gateways = []uint16{0x999}
	r := newRig(t, snap)

	r.hub.HandleCommand("in/milight/rgb_cct/0x421/3", []byte(`{"state":"ON"}`))
	assert.Empty(t, r.tx.sent, "device outside gateways")

	r.hub.HandleCommand("in/milight/rgb_cct/0x999/1", []byte(`{"state":`))
	assert.Empty(t, r.tx.sent, "malformed payload")

	r.hub.HandleCommand("other/milight/rgb_cct/0x999/1", []byte(`{"state":"ON"}`))
	r.hub.HandleCommand("in/milight/rgb_cct/0x999", []byte(`{"state":"ON"}`))
	assert.Empty(t, r.tx.sent, "prefix or pattern mismatch")

	r.hub.HandleCommand("in/milight/rgb_cct/0x999/1", []byte(`{"state":"ON"}`))
	assert.Len(t, r.tx.sent, 2)
}

func TestHub_SniffedPacketUpdatesState(t *testing.T) {
	r := newRig(t, snapshot())
	r.tx.rx = []radio.Packet{
		{ID: bulb.DefaultID, Delta: bulb.Values{On: lo.ToPtr(true)}},
		{ID: kitchen, Delta: bulb.Values{Mireds: lo.ToPtr[uint16](250)}},
	}

	r.hub.Tick()

	st := r.hub.Store().Get(kitchen)
	require.NotNil(t, st)
	assert.Equal(t, uint16(250), st.MiredsOr(0))
	assert.Len(t, r.sink.on("out/milight/updates/"), 1, "undecoded packet is skipped")
	assert.Len(t, r.sink.on("out/milight/states/"), 1, "idle publisher sends immediately")
	assert.Equal(t, 1, r.hub.Relay().Pending())
}

func TestHub_GroupZeroFansOut(t *testing.T) {
	r := newRig(t, snapshot())
	r.hub.HandleCommand("in/milight/rgb_cct/0x421/1", []byte(`{"state":"ON"}`))
	r.hub.HandleCommand("in/milight/rgb_cct/0x421/2", []byte(`{"state":"ON"}`))

	r.hub.HandleCommand("in/milight/rgb_cct/0x421/0", []byte(`{"state":"OFF"}`))

	for g := uint8(0); g <= 2; g++ {
		st := r.hub.Store().Get(kitchen.WithGroup(g))
		require.NotNil(t, st, "group %d", g)
		assert.False(t, st.IsOn(), "group %d", g)
	}
}

func TestHub_ButtonGestureIsAnnouncedToPeers(t *testing.T) {
	p := &pin{high: true}
	r := newRig(t, snapshot(), p)
	group1 := kitchen.WithGroup(1)

	p.high = false
	r.run(100 * time.Millisecond)
	p.high = true
	r.run(1500 * time.Millisecond)

	st := r.hub.Store().Get(group1)
	require.NotNil(t, st)
	assert.False(t, st.IsOn(), "one click turns the group off")

	r.run(delay + time.Second)
	peers := r.sink.on("in/")
	require.Len(t, peers, 1)
	assert.Equal(t, "in/milight/rgb_cct/0x421/1", peers[0].Topic)
	assert.False(t, peers[0].Retain)
	assert.JSONEq(t, `{"state":"OFF"}`, peers[0].Payload)
}

func TestHub_OwnAnnouncementEchoIsIgnored(t *testing.T) {
	p := &pin{high: true}
	r := newRig(t, snapshot(), p)

	p.high = false
	r.run(100 * time.Millisecond)
	p.high = true
	r.run(1500*time.Millisecond + delay + time.Second)

	peers := r.sink.on("in/")
	require.Len(t, peers, 1)
	sent := len(r.tx.sent)

	r.hub.HandleCommand(peers[0].Topic, []byte(peers[0].Payload))
	assert.Len(t, r.tx.sent, sent, "echo is not applied")
	assert.Zero(t, r.hub.Relay().Pending(), "echo schedules no resend")

	r.hub.HandleCommand(peers[0].Topic, []byte(peers[0].Payload))
	assert.Greater(t, len(r.tx.sent), sent, "a repeat is a real command")
}

func TestHub_QuiesceDrainsEverything(t *testing.T) {
	r := newRig(t, snapshot())
	r.hub.HandleCommand("in/milight/rgb_cct/0x421/3", []byte(`{"state":"ON"}`))
	sent := len(r.tx.sent)

	require.NoError(t, r.hub.Quiesce())
	assert.Zero(t, r.hub.Relay().Pending())
	assert.Zero(t, r.hub.Publisher().Pending())
	assert.Greater(t, len(r.tx.sent), sent, "pending resend went out")
	assert.Len(t, r.sink.on("out/milight/states/"), 1)
}
