package radio

import (
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/milightd/internal/bulb"
)

// LogTransceiver only logs outgoing packets and never receives any. It is
// the driver used when no radio hardware is attached.
type LogTransceiver struct{}

func (LogTransceiver) Send(p Packet) error {
	log.Debug().
		Str("group", p.ID.String()).
		Interface("fields", p.Fields()).
		Msg("Radio packet (log driver)")
	return nil
}

func (LogTransceiver) Receive() (Packet, bool) { return Packet{}, false }

// ChannelTransceiver hands outgoing packets to a send function and buffers
// sniffed packets injected from another goroutine until Receive drains them.
type ChannelTransceiver struct {
	send func(Packet) error
	in   chan Packet
}

// NewChannelTransceiver creates a transceiver buffering up to size
// received packets.
func NewChannelTransceiver(send func(Packet) error, size int) *ChannelTransceiver {
	return &ChannelTransceiver{send: send, in: make(chan Packet, size)}
}

func (t *ChannelTransceiver) Send(p Packet) error {
	return t.send(p)
}

func (t *ChannelTransceiver) Receive() (Packet, bool) {
	select {
	case p := <-t.in:
		return p, true
	default:
		return Packet{}, false
	}
}

// Inject queues a received packet. It reports false when the buffer is full
// and the packet was dropped.
func (t *ChannelTransceiver) Inject(p Packet) bool {
	select {
	case t.in <- p:
		return true
	default:
		return false
	}
}

// wirePacket is the JSON form exchanged with an external radio bridge.
type wirePacket struct {
	DeviceID   uint16         `json:"device_id"`
	GroupID    uint8          `json:"group_id"`
	DeviceType string         `json:"device_type"`
	Fields     map[string]any `json:"fields"`
}

// EncodePacket renders p for an external radio bridge.
func EncodePacket(p Packet) ([]byte, error) {
	return json.Marshal(wirePacket{
		DeviceID:   p.ID.DeviceID,
		GroupID:    p.ID.GroupID,
		DeviceType: p.ID.Type.String(),
		Fields:     p.Fields(),
	})
}

// DecodePacket parses a packet from an external radio bridge. A packet whose
// remote type is unknown decodes to bulb.DefaultID so the caller can skip it.
func DecodePacket(data []byte) (Packet, error) {
	var w wirePacket
	if err := json.Unmarshal(data, &w); err != nil {
		return Packet{}, fmt.Errorf("decode radio packet: %w", err)
	}

	rt, ok := bulb.ParseRemoteType(w.DeviceType)
	if !ok {
		return Packet{ID: bulb.DefaultID}, nil
	}

	p := Packet{ID: bulb.ID{DeviceID: w.DeviceID, GroupID: w.GroupID, Type: rt}}
	rec := &recorder{}
	view := &Radio{tx: rec, hooks: &hookList{}, target: &p.ID}
	if err := view.Update(w.Fields); err != nil {
		return Packet{}, fmt.Errorf("decode radio packet fields: %w", err)
	}
	for _, sent := range rec.packets {
		mergeDelta(&p.Delta, sent.Delta)
		if sent.Action != ActionNone {
			p.Action = sent.Action
		}
	}
	return p, nil
}

type recorder struct {
	packets []Packet
}

func (r *recorder) Send(p Packet) error {
	r.packets = append(r.packets, p)
	return nil
}

func (r *recorder) Receive() (Packet, bool) { return Packet{}, false }

func mergeDelta(dst *bulb.Values, src bulb.Values) {
	if src.On != nil {
		dst.On = src.On
	}
	if src.Brightness != nil {
		dst.Brightness = src.Brightness
	}
	if src.Mireds != nil {
		dst.Mireds = src.Mireds
	}
	if src.Hue != nil {
		dst.Hue = src.Hue
	}
	if src.Saturation != nil {
		dst.Saturation = src.Saturation
	}
	if src.Mode != nil {
		dst.Mode = src.Mode
	}
	if src.BulbMode != bulb.ModeUnknown {
		dst.BulbMode = src.BulbMode
	}
}
