package bulb

import (
	"encoding/json"
	"strconv"

	"github.com/lucasb-eyer/go-colorful"
	"github.com/samber/lo"
)

// BulbMode is the display mode discriminator of a group.
type BulbMode string

const (
	ModeUnknown BulbMode = ""
	ModeWhite   BulbMode = "white"
	ModeColor   BulbMode = "color"
	ModeScene   BulbMode = "scene"
	ModeNight   BulbMode = "night"
)

// Message field vocabulary shared by state, update and command payloads.
const (
	FieldState         = "state"
	FieldStatus        = "status"
	FieldBrightness    = "brightness"
	FieldLevel         = "level"
	FieldColorTemp     = "color_temp"
	FieldKelvin        = "kelvin"
	FieldTemperature   = "temperature"
	FieldHue           = "hue"
	FieldSaturation    = "saturation"
	FieldColor         = "color"
	FieldMode          = "mode"
	FieldEffect        = "effect"
	FieldBulbMode      = "bulb_mode"
	FieldCommand       = "command"
	FieldCommands      = "commands"
	FieldDeviceID      = "device_id"
	FieldGroupID       = "group_id"
	FieldDeviceType    = "device_type"
	FieldComputedColor = "computed_color"
)

// Effect values with special meaning.
const (
	EffectNightMode = "night_mode"
	EffectWhiteMode = "white_mode"
)

const (
	StatusOn  = "ON"
	StatusOff = "OFF"
)

// DefaultStateFields is the field list serialized when none is configured.
var DefaultStateFields = []string{
	FieldState,
	FieldBrightness,
	FieldColorTemp,
	FieldColor,
	FieldMode,
	FieldEffect,
	FieldBulbMode,
}

// Values is a partial set of group attributes. Nil fields are unknown (in a
// State) or unchanged (in a delta).
type Values struct {
	On         *bool    `json:"on,omitempty"`
	Brightness *uint8   `json:"brightness,omitempty"`
	Mireds     *uint16  `json:"mireds,omitempty"`
	Hue        *uint16  `json:"hue,omitempty"`
	Saturation *uint8   `json:"saturation,omitempty"`
	Mode       *uint8   `json:"mode,omitempty"`
	BulbMode   BulbMode `json:"bulb_mode,omitempty"`
}

// IsEmpty reports whether v carries no attribute.
func (v Values) IsEmpty() bool {
	return v.On == nil && v.Brightness == nil && v.Mireds == nil && v.Hue == nil &&
		v.Saturation == nil && v.Mode == nil && v.BulbMode == ModeUnknown
}

// Fields renders v in the message vocabulary. Only set attributes appear.
func (v Values) Fields() map[string]any {
	out := make(map[string]any)
	if v.On != nil {
		out[FieldState] = onOff(*v.On)
	}
	if v.Brightness != nil {
		out[FieldBrightness] = *v.Brightness
	}
	if v.Mireds != nil {
		out[FieldColorTemp] = *v.Mireds
	}
	if v.Hue != nil {
		out[FieldHue] = *v.Hue
	}
	if v.Saturation != nil {
		out[FieldSaturation] = *v.Saturation
	}
	if v.Mode != nil {
		out[FieldMode] = *v.Mode
	}
	switch v.BulbMode {
	case ModeUnknown:
	case ModeNight:
		out[FieldEffect] = EffectNightMode
		out[FieldBulbMode] = string(v.BulbMode)
	default:
		out[FieldBulbMode] = string(v.BulbMode)
	}
	return out
}

// State is the last known state of one group plus its flush bookkeeping.
type State struct {
	Values

	mqttDirty    bool
	persistDirty bool
}

// NewState returns an empty, clean state.
func NewState() *State {
	return &State{}
}

// Clone returns a deep copy, dirty flags included.
func (s *State) Clone() *State {
	c := &State{mqttDirty: s.mqttDirty, persistDirty: s.persistDirty, Values: Values{BulbMode: s.BulbMode}}
	if s.On != nil {
		c.On = lo.ToPtr(*s.On)
	}
	if s.Brightness != nil {
		c.Brightness = lo.ToPtr(*s.Brightness)
	}
	if s.Mireds != nil {
		c.Mireds = lo.ToPtr(*s.Mireds)
	}
	if s.Hue != nil {
		c.Hue = lo.ToPtr(*s.Hue)
	}
	if s.Saturation != nil {
		c.Saturation = lo.ToPtr(*s.Saturation)
	}
	if s.Mode != nil {
		c.Mode = lo.ToPtr(*s.Mode)
	}
	return c
}

// Patch applies every set attribute of d. Values are clamped and the bulb
// mode follows the attributes that imply it. Both dirty flags are raised
// when anything changed; the return value reports whether it did.
func (s *State) Patch(d Values) bool {
	changed := false

	if d.On != nil {
		changed = assign(&s.On, d.On) || changed
		if !*d.On && s.BulbMode == ModeNight {
			s.BulbMode = ModeWhite
			changed = true
		}
	}
	if d.Brightness != nil {
		changed = assign(&s.Brightness, lo.ToPtr(ClampBrightness(int(*d.Brightness)))) || changed
		if s.BulbMode == ModeNight && d.BulbMode != ModeNight {
			changed = s.setMode(ModeWhite) || changed
		}
	}
	if d.Mireds != nil {
		changed = assign(&s.Mireds, lo.ToPtr(ClampMireds(int(*d.Mireds)))) || changed
		changed = s.setMode(ModeWhite) || changed
	}
	if d.Hue != nil {
		changed = assign(&s.Hue, lo.ToPtr(*d.Hue%360)) || changed
		changed = s.setMode(ModeColor) || changed
	}
	if d.Saturation != nil {
		changed = assign(&s.Saturation, lo.ToPtr(ClampBrightness(int(*d.Saturation)))) || changed
		changed = s.setMode(ModeColor) || changed
	}
	if d.Mode != nil {
		changed = assign(&s.Mode, d.Mode) || changed
		changed = s.setMode(ModeScene) || changed
	}
	if d.BulbMode != ModeUnknown {
		changed = s.setMode(d.BulbMode) || changed
		if d.BulbMode == ModeNight {
			changed = assign(&s.On, lo.ToPtr(true)) || changed
		}
	}

	if changed {
		s.MarkDirty()
	}
	return changed
}

func (s *State) setMode(m BulbMode) bool {
	if s.BulbMode == m {
		return false
	}
	s.BulbMode = m
	return true
}

func assign[T comparable](dst **T, v *T) bool {
	if v == nil {
		return false
	}
	if *dst != nil && **dst == *v {
		return false
	}
	x := *v
	*dst = &x
	return true
}

// IsOn reports whether the group is known to be on.
func (s *State) IsOn() bool {
	return s.On != nil && *s.On
}

// IsNightMode reports whether the group is in the terminal night display state.
func (s *State) IsNightMode() bool {
	return s.BulbMode == ModeNight
}

// BrightnessOr returns the brightness, or def when unknown.
func (s *State) BrightnessOr(def uint8) uint8 {
	if s.Brightness == nil {
		return def
	}
	return *s.Brightness
}

// MiredsOr returns the colour temperature, or def when unknown.
func (s *State) MiredsOr(def uint16) uint16 {
	if s.Mireds == nil {
		return def
	}
	return *s.Mireds
}

// MarkDirty flags the state as changed for both the network and storage.
func (s *State) MarkDirty() {
	s.mqttDirty = true
	s.persistDirty = true
}

func (s *State) IsMQTTDirty() bool    { return s.mqttDirty }
func (s *State) ClearMQTTDirty()      { s.mqttDirty = false }
func (s *State) IsPersistDirty() bool { return s.persistDirty }
func (s *State) ClearPersistDirty()   { s.persistDirty = false }

// ApplyState writes the externally visible attributes named in fields into
// out. Colour attributes are written only in colour mode and colour
// temperature only in white mode, so a serialized state never mixes both.
func (s *State) ApplyState(out map[string]any, id ID, fields []string) {
	for _, f := range fields {
		switch f {
		case FieldState, FieldStatus:
			if s.On != nil {
				out[f] = onOff(*s.On)
			}
		case FieldBrightness, FieldLevel:
			if s.Brightness != nil {
				out[f] = *s.Brightness
			}
		case FieldColorTemp:
			if s.BulbMode == ModeWhite && s.Mireds != nil {
				out[f] = *s.Mireds
			}
		case FieldKelvin:
			if s.BulbMode == ModeWhite && s.Mireds != nil {
				out[f] = MiredsToWhiteVal(*s.Mireds, 100)
			}
		case FieldHue:
			if s.BulbMode == ModeColor && s.Hue != nil {
				out[f] = *s.Hue
			}
		case FieldSaturation:
			if s.BulbMode == ModeColor && s.Saturation != nil {
				out[f] = *s.Saturation
			}
		case FieldColor:
			if s.BulbMode == ModeColor && s.Hue != nil {
				out[f] = s.rgb()
			}
		case FieldComputedColor:
			switch {
			case s.BulbMode == ModeColor && s.Hue != nil:
				out[f] = s.rgb()
			case s.BulbMode == ModeWhite:
				out[f] = map[string]uint8{"r": 255, "g": 255, "b": 255}
			}
		case FieldMode:
			if s.BulbMode == ModeScene && s.Mode != nil {
				out[f] = *s.Mode
			}
		case FieldEffect:
			switch s.BulbMode {
			case ModeNight:
				out[f] = EffectNightMode
			case ModeWhite:
				out[f] = EffectWhiteMode
			case ModeScene:
				if s.Mode != nil {
					out[f] = strconv.Itoa(int(*s.Mode))
				}
			}
		case FieldBulbMode:
			if s.BulbMode != ModeUnknown {
				out[f] = string(s.BulbMode)
			}
		case FieldDeviceID:
			out[f] = id.DeviceID
		case FieldGroupID:
			out[f] = id.GroupID
		case FieldDeviceType:
			out[f] = id.Type.String()
		}
	}
}

func (s *State) rgb() map[string]uint8 {
	sat := 1.0
	if s.Saturation != nil {
		sat = float64(*s.Saturation) / 100
	}
	r, g, b := colorful.Hsv(float64(*s.Hue), sat, 1).RGB255()
	return map[string]uint8{"r": r, "g": g, "b": b}
}

// MarshalJSON persists the attributes only; dirty flags are runtime state.
func (s *State) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.Values)
}

// UnmarshalJSON restores a persisted state as clean.
func (s *State) UnmarshalJSON(data []byte) error {
	var v Values
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	*s = State{Values: v}
	return nil
}

func onOff(on bool) string {
	if on {
		return StatusOn
	}
	return StatusOff
}
