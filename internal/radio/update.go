package radio

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/lucasb-eyer/go-colorful"

	"github.com/dokzlo13/milightd/internal/bulb"
)

// ErrInvalidField is returned when a command field has an unusable value.
var ErrInvalidField = errors.New("invalid command field")

// Update applies an arbitrary field set to the prepared group. An "OFF"
// state is sent alone. Night mode is terminal: once sent, the remaining
// fields are ignored. The first radio error aborts the update.
func (r *Radio) Update(fields map[string]any) error {
	if raw, ok := firstOf(fields, bulb.FieldState, bulb.FieldStatus); ok {
		on, err := parseStatus(raw)
		if err != nil {
			return err
		}
		if err := r.UpdateStatus(on); err != nil || !on {
			return err
		}
	}

	for _, cmd := range commandList(fields) {
		done, err := r.runCommand(cmd)
		if err != nil || done {
			return err
		}
	}

	if raw, ok := fields[bulb.FieldEffect]; ok {
		switch fmt.Sprint(raw) {
		case bulb.EffectNightMode:
			return r.EnableNightMode()
		case bulb.EffectWhiteMode:
			if err := r.UpdateColorWhite(); err != nil {
				return err
			}
		}
	}

	if raw, ok := fields[bulb.FieldBulbMode]; ok {
		switch bulb.BulbMode(fmt.Sprint(raw)) {
		case bulb.ModeNight:
			return r.EnableNightMode()
		case bulb.ModeWhite:
			if _, hasTemp := firstOf(fields, bulb.FieldColorTemp, bulb.FieldKelvin, bulb.FieldTemperature); !hasTemp {
				if err := r.UpdateColorWhite(); err != nil {
					return err
				}
			}
		}
	}

	if raw, ok := firstOf(fields, bulb.FieldBrightness, bulb.FieldLevel); ok {
		v, err := toInt(raw)
		if err != nil {
			return fieldError(bulb.FieldBrightness, err)
		}
		if err := r.UpdateBrightness(bulb.ClampBrightness(v)); err != nil {
			return err
		}
	}

	if raw, ok := fields[bulb.FieldColorTemp]; ok {
		v, err := toInt(raw)
		if err != nil {
			return fieldError(bulb.FieldColorTemp, err)
		}
		if err := r.UpdateMireds(bulb.ClampMireds(v)); err != nil {
			return err
		}
	} else if raw, ok := firstOf(fields, bulb.FieldKelvin, bulb.FieldTemperature); ok {
		v, err := toInt(raw)
		if err != nil {
			return fieldError(bulb.FieldKelvin, err)
		}
		if err := r.UpdateTemperature(bulb.ClampBrightness(v)); err != nil {
			return err
		}
	}

	hue, hasHue := fields[bulb.FieldHue]
	sat, hasSat := fields[bulb.FieldSaturation]
	if color, ok := fields[bulb.FieldColor]; ok && !hasHue {
		h, s, err := parseColor(color)
		if err != nil {
			return fieldError(bulb.FieldColor, err)
		}
		hue, hasHue = h, true
		if !hasSat {
			sat, hasSat = s, true
		}
	}
	if hasHue {
		v, err := toInt(hue)
		if err != nil {
			return fieldError(bulb.FieldHue, err)
		}
		if err := r.UpdateHue(uint16(v)); err != nil {
			return err
		}
	}
	if hasSat {
		v, err := toInt(sat)
		if err != nil {
			return fieldError(bulb.FieldSaturation, err)
		}
		if err := r.UpdateSaturation(bulb.ClampBrightness(v)); err != nil {
			return err
		}
	}

	if raw, ok := fields[bulb.FieldMode]; ok {
		v, err := toInt(raw)
		if err != nil {
			return fieldError(bulb.FieldMode, err)
		}
		if err := r.UpdateMode(uint8(v)); err != nil {
			return err
		}
	}

	return nil
}

// runCommand executes a named command. done reports a terminal command.
func (r *Radio) runCommand(cmd string) (done bool, err error) {
	switch cmd {
	case "pair":
		return false, r.Pair()
	case "unpair":
		return false, r.Unpair()
	case "set_white", "white_mode":
		return false, r.UpdateColorWhite()
	case "night_mode":
		return true, r.EnableNightMode()
	}
	return false, fmt.Errorf("%w: unknown command %q", ErrInvalidField, cmd)
}

func commandList(fields map[string]any) []string {
	var out []string
	if raw, ok := fields[bulb.FieldCommand]; ok {
		out = append(out, fmt.Sprint(raw))
	}
	if raw, ok := fields[bulb.FieldCommands].([]any); ok {
		for _, c := range raw {
			out = append(out, fmt.Sprint(c))
		}
	}
	return out
}

func firstOf(fields map[string]any, keys ...string) (any, bool) {
	for _, k := range keys {
		if v, ok := fields[k]; ok {
			return v, true
		}
	}
	return nil, false
}

func parseStatus(raw any) (bool, error) {
	switch v := raw.(type) {
	case bool:
		return v, nil
	case string:
		switch strings.ToUpper(v) {
		case bulb.StatusOn, "TRUE":
			return true, nil
		case bulb.StatusOff, "FALSE":
			return false, nil
		}
	}
	return false, fieldError(bulb.FieldState, fmt.Errorf("%v", raw))
}

func toInt(raw any) (int, error) {
	switch v := raw.(type) {
	case float64:
		return int(v), nil
	case float32:
		return int(v), nil
	case int:
		return v, nil
	case int64:
		return int(v), nil
	case uint8:
		return int(v), nil
	case uint16:
		return int(v), nil
	case uint32:
		return int(v), nil
	case json.Number:
		f, err := v.Float64()
		return int(f), err
	case string:
		return strconv.Atoi(v)
	}
	return 0, fmt.Errorf("unsupported value %v (%T)", raw, raw)
}

// parseColor converts an {r,g,b} object to hue (degrees) and saturation (0-100).
func parseColor(raw any) (int, int, error) {
	var r, g, b int
	switch c := raw.(type) {
	case map[string]any:
		var err error
		if r, err = toInt(c["r"]); err != nil {
			return 0, 0, err
		}
		if g, err = toInt(c["g"]); err != nil {
			return 0, 0, err
		}
		if b, err = toInt(c["b"]); err != nil {
			return 0, 0, err
		}
	case map[string]uint8:
		r, g, b = int(c["r"]), int(c["g"]), int(c["b"])
	default:
		return 0, 0, fmt.Errorf("unsupported color %v", raw)
	}

	h, s, _ := colorful.Color{R: float64(r) / 255, G: float64(g) / 255, B: float64(b) / 255}.Hsv()
	return int(h + 0.5), int(s*100 + 0.5), nil
}

func fieldError(field string, err error) error {
	return fmt.Errorf("%w %q: %v", ErrInvalidField, field, err)
}
