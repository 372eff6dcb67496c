// Package publisher turns bursts of group state changes into a rate-limited
// stream of retained state messages.
package publisher

import (
	"encoding/json"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/dokzlo13/milightd/internal/bulb"
	"github.com/dokzlo13/milightd/internal/clock"
	"github.com/dokzlo13/milightd/internal/eventbus"
	"github.com/dokzlo13/milightd/internal/queue"
	"github.com/dokzlo13/milightd/internal/topic"
)

// Sink publishes one outbound message.
type Sink interface {
	Publish(topic string, payload []byte, retain bool) error
}

// StateReader returns the live state of a group, or nil if it is unknown.
type StateReader interface {
	Get(id bulb.ID) *bulb.State
}

// Options configures an Updater.
type Options struct {
	// Cooldown is the minimum time between two publishes, across all groups.
	Cooldown time.Duration
	// Topic is the state topic pattern; Prefix is prepended to the bound topic.
	Topic  topic.Pattern
	Prefix string
	// Fields lists the state fields serialized into each message.
	Fields  []string
	Aliases *topic.AliasTable
}

// Updater coalesces state-changed signals per group and publishes the
// group's current state under a single global cooldown.
type Updater struct {
	opts  Options
	sink  Sink
	store StateReader
	clock clock.Clock

	pending     *queue.Ordered[bulb.ID, struct{}]
	enabled     bool
	lastPublish time.Time

	warn rate.Sometimes
}

// New creates an enabled updater.
func New(opts Options, sink Sink, store StateReader, clk clock.Clock) *Updater {
	if len(opts.Fields) == 0 {
		opts.Fields = bulb.DefaultStateFields
	}
	return &Updater{
		opts:    opts,
		sink:    sink,
		store:   store,
		clock:   clk,
		pending: queue.NewOrdered[bulb.ID, struct{}](),
		enabled: true,
		warn:    rate.Sometimes{Interval: 10 * time.Second},
	}
}

// Subscribe enqueues every state_changed event published on bus.
func (u *Updater) Subscribe(bus *eventbus.Bus) {
	bus.Subscribe(eventbus.EventTypeStateChanged, func(e eventbus.Event) {
		u.Enqueue(e.ID)
	})
}

// Enqueue publishes id right away when the cooldown allows it, otherwise
// queues it. Queuing an already pending group is a no-op: its state is read
// when it is flushed, not now.
func (u *Updater) Enqueue(id bulb.ID) {
	if u.canFlush() {
		if st := u.store.Get(id); st != nil {
			u.publish(id, st)
		}
		return
	}
	u.pending.Add(id, u.clock.Now(), struct{}{})
}

// Tick flushes queued groups while the cooldown allows. Each group's
// current state is re-read; groups that were evicted or are no longer
// dirty are dropped without publishing.
func (u *Updater) Tick() {
	for u.canFlush() {
		item, ok := u.pending.Pop()
		if !ok {
			return
		}
		st := u.store.Get(item.Key)
		if st == nil {
			log.Debug().Str("group", item.Key.String()).Msg("Dropping state publish for unknown group")
			continue
		}
		if st.IsMQTTDirty() {
			u.publish(item.Key, st)
		}
	}
}

// Disable stops publishing. Enqueued groups keep accumulating.
func (u *Updater) Disable() {
	u.enabled = false
}

// Enable resumes publishing after a full cooldown from now.
func (u *Updater) Enable() {
	u.enabled = true
	u.lastPublish = u.clock.Now()
}

// Pending returns the number of queued groups.
func (u *Updater) Pending() int {
	return u.pending.Len()
}

// Drain publishes every queued dirty group immediately, ignoring the
// cooldown and the enabled flag.
func (u *Updater) Drain() {
	for {
		item, ok := u.pending.Pop()
		if !ok {
			return
		}
		if st := u.store.Get(item.Key); st != nil && st.IsMQTTDirty() {
			u.publish(item.Key, st)
		}
	}
}

func (u *Updater) canFlush() bool {
	return u.enabled && clock.Since(u.clock, u.lastPublish) > u.opts.Cooldown
}

func (u *Updater) publish(id bulb.ID, st *bulb.State) {
	payload, err := Payload(st, id, u.opts.Fields)
	if err != nil {
		log.Error().Err(err).Str("group", id.String()).Msg("Failed to encode group state")
		return
	}

	t := u.opts.Prefix + topic.Bind(u.opts.Topic, id, u.opts.Aliases)
	if err := u.sink.Publish(t, payload, true); err != nil {
		u.warn.Do(func() {
			log.Warn().Err(err).Str("topic", t).Msg("Failed to publish group state")
		})
	}

	st.ClearMQTTDirty()
	u.lastPublish = u.clock.Now()
}

// Payload serializes a group's state message. Night mode collapses to a
// fixed two-field payload.
func Payload(st *bulb.State, id bulb.ID, fields []string) ([]byte, error) {
	if st.IsNightMode() {
		return json.Marshal(map[string]string{
			bulb.FieldState:  bulb.StatusOn,
			bulb.FieldEffect: bulb.EffectNightMode,
		})
	}

	out := make(map[string]any, len(fields))
	st.ApplyState(out, id, fields)
	return json.Marshal(out)
}
