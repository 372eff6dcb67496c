// Package topic binds group identities to MQTT topic paths and matches
// incoming topics back to identities.
//
// A pattern is a '/'-separated path whose segments are either literals or
// one of the tokens :device_id, :hex_device_id, :dec_device_id, :group_id,
// :device_type and :device_alias.
package topic

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/dokzlo13/milightd/internal/bulb"
)

// Token names a variable pattern segment.
type Token string

const (
	TokenDeviceID    Token = "device_id"
	TokenHexDeviceID Token = "hex_device_id"
	TokenDecDeviceID Token = "dec_device_id"
	TokenGroupID     Token = "group_id"
	TokenDeviceType  Token = "device_type"
	TokenDeviceAlias Token = "device_alias"
)

// UnnamedAlias is substituted for :device_alias when a group has no alias.
const UnnamedAlias = "__unnamed_group"

const separator = "/"

// Wildcard is the single-level subscription wildcard.
const Wildcard = "+"

// ErrEmptyPattern is returned for a pattern with no segments.
var ErrEmptyPattern = errors.New("topic pattern is empty")

var knownTokens = map[Token]bool{
	TokenDeviceID:    true,
	TokenHexDeviceID: true,
	TokenDecDeviceID: true,
	TokenGroupID:     true,
	TokenDeviceType:  true,
	TokenDeviceAlias: true,
}

// Segment is one path element of a pattern.
type Segment struct {
	Literal string
	Token   Token
}

// IsToken reports whether the segment is a recognized variable.
func (s Segment) IsToken() bool {
	return s.Token != ""
}

// Pattern is a parsed topic template.
type Pattern struct {
	raw      string
	segments []Segment
}

// Parse splits a pattern into segments. Unknown :tokens stay literal.
func Parse(pattern string) (Pattern, error) {
	if strings.TrimSpace(pattern) == "" {
		return Pattern{}, ErrEmptyPattern
	}

	parts := strings.Split(pattern, separator)
	segments := make([]Segment, 0, len(parts))
	for _, part := range parts {
		if name, ok := strings.CutPrefix(part, ":"); ok && knownTokens[Token(name)] {
			segments = append(segments, Segment{Token: Token(name)})
			continue
		}
		segments = append(segments, Segment{Literal: part})
	}

	return Pattern{raw: pattern, segments: segments}, nil
}

// MustParse is Parse for patterns known to be valid. It panics otherwise.
func MustParse(pattern string) Pattern {
	p, err := Parse(pattern)
	if err != nil {
		panic(fmt.Sprintf("topic.MustParse(%q): %v", pattern, err))
	}
	return p
}

// String returns the pattern as configured.
func (p Pattern) String() string {
	return p.raw
}

// IsZero reports whether p was never parsed.
func (p Pattern) IsZero() bool {
	return len(p.segments) == 0
}

// Has reports whether the pattern contains tok.
func (p Pattern) Has(tok Token) bool {
	for _, s := range p.segments {
		if s.Token == tok {
			return true
		}
	}
	return false
}

// Segments returns a copy of the parsed segments.
func (p Pattern) Segments() []Segment {
	return append([]Segment(nil), p.segments...)
}

// Bind renders the pattern for id. Every token occurrence is substituted.
func Bind(p Pattern, id bulb.ID, aliases *AliasTable) string {
	parts := make([]string, len(p.segments))
	for i, s := range p.segments {
		if !s.IsToken() {
			parts[i] = s.Literal
			continue
		}
		parts[i] = bindToken(s.Token, id, aliases)
	}
	return strings.Join(parts, separator)
}

func bindToken(tok Token, id bulb.ID, aliases *AliasTable) string {
	switch tok {
	case TokenDeviceID, TokenHexDeviceID:
		return FormatHexID(id.DeviceID)
	case TokenDecDeviceID:
		return strconv.FormatUint(uint64(id.DeviceID), 10)
	case TokenGroupID:
		return strconv.FormatUint(uint64(id.GroupID), 10)
	case TokenDeviceType:
		return id.Type.String()
	case TokenDeviceAlias:
		if name, ok := aliases.Name(id); ok {
			return name
		}
		return UnnamedAlias
	}
	return ":" + string(tok)
}

// FormatHexID renders a device id as 0x followed by unpadded uppercase hex.
func FormatHexID(id uint16) string {
	return "0x" + strings.ToUpper(strconv.FormatUint(uint64(id), 16))
}

// Subscription derives the subscription filter covering every identity and
// alias: each token segment becomes a single-level wildcard.
func Subscription(p Pattern) string {
	parts := make([]string, len(p.segments))
	for i, s := range p.segments {
		if s.IsToken() {
			parts[i] = Wildcard
		} else {
			parts[i] = s.Literal
		}
	}
	return strings.Join(parts, separator)
}
