package topic

import (
	"strconv"
	"strings"

	"github.com/dokzlo13/milightd/internal/bulb"
)

// Binding is the result of a successful Match.
type Binding struct {
	ID     bulb.ID
	Alias  string
	Tokens map[Token]string

	// DefaultedType is set when the pattern had no :device_type and the
	// remote type fell back to bulb.DefaultRemote.
	DefaultedType bool
}

// Match binds an incoming topic against p. Segments are compared by
// position and the segment counts must be equal. When the pattern carries
// :device_alias the alias table is authoritative and numeric tokens are not
// consulted. A false result means "not ours" and is not an error.
func Match(p Pattern, topic string, aliases *AliasTable) (Binding, bool) {
	parts := strings.Split(topic, separator)
	if len(parts) != len(p.segments) {
		return Binding{}, false
	}

	tokens := make(map[Token]string)
	for i, s := range p.segments {
		if !s.IsToken() {
			if parts[i] != s.Literal {
				return Binding{}, false
			}
			continue
		}
		if parts[i] == "" {
			return Binding{}, false
		}
		if prev, seen := tokens[s.Token]; seen && prev != parts[i] {
			return Binding{}, false
		}
		tokens[s.Token] = parts[i]
	}

	if name, ok := tokens[TokenDeviceAlias]; ok {
		id, found := aliases.Lookup(name)
		if !found {
			return Binding{}, false
		}
		return Binding{ID: id, Alias: name, Tokens: tokens}, true
	}

	var (
		b   = Binding{Tokens: tokens}
		err error
	)

	switch {
	case tokens[TokenDeviceID] != "":
		b.ID.DeviceID, err = parseDeviceID(tokens[TokenDeviceID], 0)
	case tokens[TokenHexDeviceID] != "":
		b.ID.DeviceID, err = parseDeviceID(tokens[TokenHexDeviceID], 16)
	case tokens[TokenDecDeviceID] != "":
		b.ID.DeviceID, err = parseDeviceID(tokens[TokenDecDeviceID], 10)
	}
	if err != nil {
		return Binding{}, false
	}

	if raw, ok := tokens[TokenGroupID]; ok {
		group, err := strconv.ParseUint(raw, 10, 8)
		if err != nil {
			return Binding{}, false
		}
		b.ID.GroupID = uint8(group)
	}

	if raw, ok := tokens[TokenDeviceType]; ok {
		rt, found := bulb.ParseRemoteType(raw)
		if !found {
			return Binding{}, false
		}
		b.ID.Type = rt
	} else {
		b.ID.Type = bulb.DefaultRemote
		b.DefaultedType = true
	}

	return b, true
}

// parseDeviceID parses a 16-bit device id. Base 0 accepts a 0x prefix for
// hex and decimal otherwise; base 16 accepts hex with or without the prefix.
func parseDeviceID(s string, base int) (uint16, error) {
	lower := strings.ToLower(s)
	switch base {
	case 0:
		if rest, ok := strings.CutPrefix(lower, "0x"); ok {
			lower, base = rest, 16
		} else {
			base = 10
		}
	case 16:
		lower = strings.TrimPrefix(lower, "0x")
	}
	v, err := strconv.ParseUint(lower, base, 16)
	if err != nil {
		return 0, err
	}
	return uint16(v), nil
}
