// Package bulb models fixture group identity and the state tracked for
// each group.
package bulb

import (
	"fmt"
	"sort"
	"strings"
)

// RemoteType is the remote/protocol family a group is addressed with.
type RemoteType uint8

const (
	RemoteUnknown RemoteType = iota
	RemoteRGBW
	RemoteCCT
	RemoteRGBCCT
	RemoteRGB
	RemoteFUT089
	RemoteFUT091
	RemoteFUT020
)

// DefaultRemote is assumed when a command topic carries no device type.
const DefaultRemote = RemoteRGBCCT

var remoteNames = map[RemoteType]string{
	RemoteRGBW:   "rgbw",
	RemoteCCT:    "cct",
	RemoteRGBCCT: "rgb_cct",
	RemoteRGB:    "rgb",
	RemoteFUT089: "fut089",
	RemoteFUT091: "fut091",
	RemoteFUT020: "fut020",
}

// String returns the canonical lowercase name.
func (t RemoteType) String() string {
	if name, ok := remoteNames[t]; ok {
		return name
	}
	return "unknown"
}

// ParseRemoteType resolves a canonical name. Matching is case-insensitive.
func ParseRemoteType(name string) (RemoteType, bool) {
	name = strings.ToLower(name)
	for t, n := range remoteNames {
		if n == name {
			return t, true
		}
	}
	return RemoteUnknown, false
}

// RemoteTypeNames lists every canonical name, sorted.
func RemoteTypeNames() []string {
	names := make([]string, 0, len(remoteNames))
	for _, n := range remoteNames {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// ID addresses one fixture group. It is comparable and used directly as a
// map and queue key.
type ID struct {
	DeviceID uint16
	GroupID  uint8
	Type     RemoteType
}

// DefaultID is the reserved "no identity" value produced when a radio packet
// cannot be decoded.
var DefaultID = ID{}

// IsDefault reports whether id is the reserved sentinel.
func (id ID) IsDefault() bool {
	return id.Type == RemoteUnknown
}

// WithGroup returns a copy of id addressing another group of the same device.
func (id ID) WithGroup(group uint8) ID {
	id.GroupID = group
	return id
}

// String formats id as 0xHEX/group/type.
func (id ID) String() string {
	return fmt.Sprintf("0x%X/%d/%s", id.DeviceID, id.GroupID, id.Type)
}
