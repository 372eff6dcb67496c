// Package relay re-issues each group's last known state once, a short
// delay after the last command addressed to it, to make up for the radio
// link having no acknowledgment.
package relay

import (
	"bytes"
	"encoding/json"
	"math/rand"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/dokzlo13/milightd/internal/bulb"
	"github.com/dokzlo13/milightd/internal/clock"
	"github.com/dokzlo13/milightd/internal/eventbus"
	"github.com/dokzlo13/milightd/internal/queue"
	"github.com/dokzlo13/milightd/internal/topic"
)

// Sender is the part of the radio client the relay drives.
type Sender interface {
	Prepare(t bulb.RemoteType, deviceID uint16, groupID uint8)
	Update(fields map[string]any) error
}

// Sink publishes one outbound message.
type Sink interface {
	Publish(topic string, payload []byte, retain bool) error
}

// StateReader returns the live state of a group, or nil if it is unknown.
type StateReader interface {
	Get(id bulb.ID) *bulb.State
}

// DefaultFlickerFields are never replayed.
var DefaultFlickerFields = []string{bulb.FieldBulbMode}

// Options configures a Relay.
type Options struct {
	// Delay is the base quiet period before a resend; Jitter adds a random
	// amount in [0, Jitter) chosen once per relay.
	Delay  time.Duration
	Jitter time.Duration

	// Fields lists the state fields serialized into a resend.
	Fields []string
	// FlickerFields are stripped from every resend.
	FlickerFields []string

	// PeerTopic and PeerPrefix address announcements to peer hubs.
	PeerTopic  topic.Pattern
	PeerPrefix string
	Aliases    *topic.AliasTable
}

type entry struct {
	announce bool
}

// Relay holds the single pending-resend queue shared by every producer.
type Relay struct {
	opts   Options
	delay  time.Duration
	radio  Sender
	store  StateReader
	sink   Sink
	clock  clock.Clock
	queue  *queue.Ordered[bulb.ID, entry]
	warn   rate.Sometimes
	resent int

	// announced holds the last peer payload per group until it echoes back.
	announced map[bulb.ID][]byte
}

// New creates a relay. sink may be nil when peer announcements are not wanted.
func New(opts Options, radio Sender, store StateReader, sink Sink, clk clock.Clock) *Relay {
	if len(opts.Fields) == 0 {
		opts.Fields = bulb.DefaultStateFields
	}
	if opts.FlickerFields == nil {
		opts.FlickerFields = DefaultFlickerFields
	}

	delay := opts.Delay
	if opts.Jitter > 0 {
		delay += time.Duration(rand.Int63n(int64(opts.Jitter)))
	}

	return &Relay{
		opts:  opts,
		delay: delay,
		radio: radio,
		store: store,
		sink:  sink,
		clock: clk,
		queue: queue.NewOrdered[bulb.ID, entry](),
		warn:  rate.Sometimes{Interval: 10 * time.Second},

		announced: make(map[bulb.ID][]byte),
	}
}

// Subscribe feeds command_applied events into the relay.
func (r *Relay) Subscribe(bus *eventbus.Bus) {
	bus.Subscribe(eventbus.EventTypeCommandApplied, func(e eventbus.Event) {
		if e.Source == eventbus.SourceResend {
			return
		}
		r.OnCommandApplied(e.ID, e.Announce)
	})
}

// Delay returns the effective resend delay.
func (r *Relay) Delay() time.Duration {
	return r.delay
}

// OnCommandApplied schedules a resend for id. A group already pending has
// its timer restarted, so only the last command of a burst is replayed.
// announce asks for the resend to be mirrored to peers; it sticks once set.
func (r *Relay) OnCommandApplied(id bulb.ID, announce bool) {
	r.queue.Upsert(id, r.clock.Now(), entry{announce: announce}, func(old, new entry) entry {
		return entry{announce: old.announce || new.announce}
	})
}

// Pending returns the number of groups awaiting a resend.
func (r *Relay) Pending() int {
	return r.queue.Len()
}

// Resent returns how many resends were submitted.
func (r *Relay) Resent() int {
	return r.resent
}

// Tick resends every group whose delay has elapsed. Entries are ordered
// by trigger time, so the scan stops at the first one not yet due.
func (r *Relay) Tick() {
	for {
		item, ok := r.queue.Front()
		if !ok || !clock.Due(r.clock, item.At, r.delay) {
			return
		}
		r.queue.Pop()
		r.resend(item.Key, item.Value)
	}
}

// Drain resends every pending group now.
func (r *Relay) Drain() {
	for {
		item, ok := r.queue.Pop()
		if !ok {
			return
		}
		r.resend(item.Key, item.Value)
	}
}

func (r *Relay) resend(id bulb.ID, e entry) {
	st := r.store.Get(id)
	if st == nil {
		log.Debug().Str("group", id.String()).Msg("Dropping resend for unknown group")
		return
	}

	fields := make(map[string]any, len(r.opts.Fields))
	st.ApplyState(fields, id, r.opts.Fields)
	FilterFlicker(fields, r.opts.FlickerFields)
	if len(fields) == 0 {
		return
	}

	r.radio.Prepare(id.Type, id.DeviceID, id.GroupID)
	if err := r.radio.Update(fields); err != nil {
		r.warn.Do(func() {
			log.Warn().Err(err).Str("group", id.String()).Msg("Resend failed")
		})
	} else {
		r.resent++
		log.Debug().Str("group", id.String()).Interface("fields", fields).Msg("Resent group state")
	}

	if e.announce && r.sink != nil && !r.opts.PeerTopic.IsZero() {
		r.announce(id, fields)
	}
}

func (r *Relay) announce(id bulb.ID, fields map[string]any) {
	payload, err := json.Marshal(fields)
	if err != nil {
		log.Error().Err(err).Str("group", id.String()).Msg("Failed to encode peer announcement")
		return
	}
	t := r.opts.PeerPrefix + topic.Bind(r.opts.PeerTopic, id, r.opts.Aliases)
	if err := r.sink.Publish(t, payload, false); err != nil {
		r.warn.Do(func() {
			log.Warn().Err(err).Str("topic", t).Msg("Failed to announce group state to peers")
		})
		return
	}
	r.announced[id] = payload
}

// IsEcho reports whether payload is the last announcement made for id and
// forgets it, so each announcement is recognised at most once. With the
// peer prefix equal to the command prefix every announcement comes back
// through our own subscription.
func (r *Relay) IsEcho(id bulb.ID, payload []byte) bool {
	last, ok := r.announced[id]
	if !ok || !bytes.Equal(last, payload) {
		return false
	}
	delete(r.announced, id)
	return true
}

// FilterFlicker removes fields whose replay causes a visible transition:
// every listed field, and an effect that only restates white mode.
func FilterFlicker(fields map[string]any, flicker []string) {
	for _, f := range flicker {
		delete(fields, f)
	}
	if effect, ok := fields[bulb.FieldEffect]; ok && effect == bulb.EffectWhiteMode {
		delete(fields, bulb.FieldEffect)
	}
}
