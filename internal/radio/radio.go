// Package radio is the command client for the lighting radio. It turns
// high-level commands into packets for a Transceiver and reports every
// packet that went out, or was sniffed off the air, to registered handlers.
package radio

import (
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/samber/lo"

	"github.com/dokzlo13/milightd/internal/bulb"
	"github.com/dokzlo13/milightd/internal/eventbus"
)

var (
	// ErrNotPrepared is returned by commands issued before Prepare.
	ErrNotPrepared = errors.New("radio client has no prepared target")
	// ErrUnavailable wraps transceiver failures.
	ErrUnavailable = errors.New("radio unavailable")
)

// Action is a non-state command.
type Action uint8

const (
	ActionNone Action = iota
	ActionPair
	ActionUnpair
)

func (a Action) String() string {
	switch a {
	case ActionPair:
		return "pair"
	case ActionUnpair:
		return "unpair"
	}
	return ""
}

// Packet is one decoded radio command. The bit-level encoding belongs to
// the Transceiver.
type Packet struct {
	ID     bulb.ID
	Delta  bulb.Values
	Action Action
}

// Fields renders the packet as a state delta message.
func (p Packet) Fields() map[string]any {
	out := p.Delta.Fields()
	if p.Action != ActionNone {
		out[bulb.FieldCommand] = p.Action.String()
	}
	return out
}

// Command is a packet together with the source that caused it.
type Command struct {
	Packet
	Source eventbus.Source
}

// Transceiver moves packets to and from the air.
type Transceiver interface {
	Send(p Packet) error
	// Receive returns a sniffed packet if one is waiting. It never blocks.
	Receive() (Packet, bool)
}

// Client is the command surface used by the relay, the button classifier
// and the inbound command path.
type Client interface {
	Prepare(t bulb.RemoteType, deviceID uint16, groupID uint8)
	UpdateStatus(on bool) error
	UpdateBrightness(level uint8) error
	UpdateTemperature(whiteVal uint8) error
	UpdateColorWhite() error
	EnableNightMode() error
	Pair() error
	Unpair() error
	Update(fields map[string]any) error
}

// SentHandler observes every packet sent or received.
type SentHandler func(Command)

type hookList struct {
	handlers []SentHandler
}

// Radio implements Client over a Transceiver. Views created with As share
// the transceiver and handlers but keep their own target and source.
type Radio struct {
	tx     Transceiver
	hooks  *hookList
	source eventbus.Source
	target *bulb.ID
}

var _ Client = (*Radio)(nil)

// New creates a client whose commands are attributed to SourceLocal.
func New(tx Transceiver) *Radio {
	return &Radio{
		tx:     tx,
		hooks:  &hookList{},
		source: eventbus.SourceLocal,
	}
}

// As returns a view of r attributing its commands to src.
func (r *Radio) As(src eventbus.Source) *Radio {
	return &Radio{tx: r.tx, hooks: r.hooks, source: src}
}

// OnSent registers h for every packet sent through any view of r and for
// every packet received by Listen.
func (r *Radio) OnSent(h SentHandler) {
	r.hooks.handlers = append(r.hooks.handlers, h)
}

// Prepare selects the group subsequent commands address.
func (r *Radio) Prepare(t bulb.RemoteType, deviceID uint16, groupID uint8) {
	r.target = &bulb.ID{DeviceID: deviceID, GroupID: groupID, Type: t}
}

// Target returns the prepared group.
func (r *Radio) Target() (bulb.ID, bool) {
	if r.target == nil {
		return bulb.ID{}, false
	}
	return *r.target, true
}

func (r *Radio) UpdateStatus(on bool) error {
	return r.send(bulb.Values{On: lo.ToPtr(on)}, ActionNone)
}

func (r *Radio) UpdateBrightness(level uint8) error {
	return r.send(bulb.Values{Brightness: lo.ToPtr(bulb.ClampBrightness(int(level)))}, ActionNone)
}

// UpdateTemperature sets colour temperature from a 0-100 white value,
// 0 being the coolest.
func (r *Radio) UpdateTemperature(whiteVal uint8) error {
	return r.send(bulb.Values{Mireds: lo.ToPtr(bulb.WhiteValToMireds(whiteVal, 100))}, ActionNone)
}

func (r *Radio) UpdateMireds(mireds uint16) error {
	return r.send(bulb.Values{Mireds: lo.ToPtr(bulb.ClampMireds(int(mireds)))}, ActionNone)
}

func (r *Radio) UpdateHue(hue uint16) error {
	return r.send(bulb.Values{Hue: lo.ToPtr(hue % 360)}, ActionNone)
}

func (r *Radio) UpdateSaturation(sat uint8) error {
	return r.send(bulb.Values{Saturation: lo.ToPtr(bulb.ClampBrightness(int(sat)))}, ActionNone)
}

func (r *Radio) UpdateMode(mode uint8) error {
	return r.send(bulb.Values{Mode: lo.ToPtr(mode)}, ActionNone)
}

func (r *Radio) UpdateColorWhite() error {
	return r.send(bulb.Values{BulbMode: bulb.ModeWhite}, ActionNone)
}

func (r *Radio) EnableNightMode() error {
	return r.send(bulb.Values{BulbMode: bulb.ModeNight}, ActionNone)
}

func (r *Radio) Pair() error {
	return r.send(bulb.Values{}, ActionPair)
}

func (r *Radio) Unpair() error {
	return r.send(bulb.Values{}, ActionUnpair)
}

func (r *Radio) send(delta bulb.Values, action Action) error {
	if r.target == nil {
		return ErrNotPrepared
	}

	p := Packet{ID: *r.target, Delta: delta, Action: action}
	if err := r.tx.Send(p); err != nil {
		return fmt.Errorf("%w: send to %s: %v", ErrUnavailable, p.ID, err)
	}

	r.notify(Command{Packet: p, Source: r.source})
	return nil
}

// Listen drains up to max sniffed packets and reports each with
// SourceRadio. It returns the number handled.
func (r *Radio) Listen(max int) int {
	n := 0
	for ; n < max; n++ {
		p, ok := r.tx.Receive()
		if !ok {
			break
		}
		log.Debug().Str("group", p.ID.String()).Msg("Received radio packet")
		r.notify(Command{Packet: p, Source: eventbus.SourceRadio})
	}
	return n
}

func (r *Radio) notify(cmd Command) {
	for _, h := range r.hooks.handlers {
		h(cmd)
	}
}
