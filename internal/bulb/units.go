package bulb

// Colour temperature range supported by the fixtures, in mireds.
const (
	MinMireds uint16 = 153
	MaxMireds uint16 = 370
)

// MaxBrightness is the top of the 0-100 brightness scale.
const MaxBrightness uint8 = 100

// ClampBrightness limits v to 0..100.
func ClampBrightness(v int) uint8 {
	if v < 0 {
		return 0
	}
	if v > int(MaxBrightness) {
		return MaxBrightness
	}
	return uint8(v)
}

// ClampMireds limits v to the supported colour temperature range.
func ClampMireds(v int) uint16 {
	if v < int(MinMireds) {
		return MinMireds
	}
	if v > int(MaxMireds) {
		return MaxMireds
	}
	return uint16(v)
}

// WhiteValToMireds converts a 0..max white value (0 coolest) to mireds.
func WhiteValToMireds(v uint8, max uint8) uint16 {
	if max == 0 {
		return MinMireds
	}
	if v > max {
		v = max
	}
	span := int(MaxMireds - MinMireds)
	return MinMireds + uint16((int(v)*span+int(max)/2)/int(max))
}

// MiredsToWhiteVal converts mireds to a 0..max white value.
func MiredsToWhiteVal(m uint16, max uint8) uint8 {
	m = ClampMireds(int(m))
	span := int(MaxMireds - MinMireds)
	return uint8((int(m-MinMireds)*int(max) + span/2) / span)
}
