package config

import (
	"fmt"
	"time"

	"github.com/samber/lo"

	"github.com/dokzlo13/milightd/internal/bulb"
	"github.com/dokzlo13/milightd/internal/topic"
)

// Snapshot is the parsed, immutable view of the configuration that the hub
// is built from. A new snapshot is taken on every rebuild.
type Snapshot struct {
	CommandTopic topic.Pattern
	UpdateTopic  topic.Pattern // zero when disabled
	StateTopic   topic.Pattern

	InPrefix   string
	OutPrefix  string
	PeerPrefix string

	Aliases  *topic.AliasTable
	Gateways []uint16

	StateFields    []string
	StateRateLimit time.Duration

	ResendDelay   time.Duration
	ResendJitter  time.Duration
	FlickerFields []string

	ListenRepeats int

	StateCapacity int
	FlushInterval time.Duration

	ButtonDevice    uint16
	ButtonRemote    bulb.RemoteType
	StartupOffAfter time.Duration

	Telemetry       bool
	TelemetryEvery  time.Duration
	TemperatureFile string
	HardwareID      string
}

// Snapshot parses patterns, aliases and remote type names.
func (cfg *Config) Snapshot() (Snapshot, error) {
	cmd, err := topic.Parse(cfg.MQTT.TopicPattern)
	if err != nil {
		return Snapshot{}, fmt.Errorf("%w: mqtt.topic_pattern: %v", ErrInvalid, err)
	}
	st, err := topic.Parse(cfg.MQTT.StateTopicPattern)
	if err != nil {
		return Snapshot{}, fmt.Errorf("%w: mqtt.state_topic_pattern: %v", ErrInvalid, err)
	}
	var upd topic.Pattern
	if cfg.MQTT.UpdateTopicPattern != "" {
		if upd, err = topic.Parse(cfg.MQTT.UpdateTopicPattern); err != nil {
			return Snapshot{}, fmt.Errorf("%w: mqtt.update_topic_pattern: %v", ErrInvalid, err)
		}
	}

	entries := make(map[string]bulb.ID, len(cfg.Aliases))
	for name, a := range cfg.Aliases {
		t := bulb.DefaultRemote
		if a.DeviceType != "" {
			var ok bool
			if t, ok = bulb.ParseRemoteType(a.DeviceType); !ok {
				return Snapshot{}, fmt.Errorf("%w: alias %q: unknown device type %q", ErrInvalid, name, a.DeviceType)
			}
		}
		entries[name] = bulb.ID{DeviceID: uint16(a.DeviceID), GroupID: a.GroupID, Type: t}
	}
	aliases, err := topic.NewAliasTable(entries)
	if err != nil {
		return Snapshot{}, fmt.Errorf("%w: aliases: %v", ErrInvalid, err)
	}

	remote, ok := bulb.ParseRemoteType(cfg.Buttons.DeviceType)
	if !ok {
		return Snapshot{}, fmt.Errorf("%w: buttons.device_type %q (known: %v)", ErrInvalid, cfg.Buttons.DeviceType, bulb.RemoteTypeNames())
	}

	return Snapshot{
		CommandTopic: cmd,
		UpdateTopic:  upd,
		StateTopic:   st,

		InPrefix:   cfg.MQTT.InPrefix,
		OutPrefix:  cfg.MQTT.OutPrefix,
		PeerPrefix: cfg.MQTT.PeerPrefix,

		Aliases:  aliases,
		Gateways: lo.Map(cfg.Gateways, func(d DeviceID, _ int) uint16 { return uint16(d) }),

		StateFields:    cfg.GroupStateFields,
		StateRateLimit: cfg.MQTT.StateRateLimit.Duration(),

		ResendDelay:   cfg.Resend.Delay.Duration(),
		ResendJitter:  cfg.Resend.Jitter.Duration(),
		FlickerFields: cfg.Resend.FilterFields,

		ListenRepeats: cfg.Radio.ListenRepeats,

		StateCapacity: cfg.State.Capacity,
		FlushInterval: cfg.State.FlushInterval.Duration(),

		ButtonDevice:    uint16(cfg.Buttons.DeviceID),
		ButtonRemote:    remote,
		StartupOffAfter: cfg.Buttons.StartupOffAfter.Duration(),

		Telemetry:       cfg.Telemetry.Enabled,
		TelemetryEvery:  cfg.Telemetry.Interval.Duration(),
		TemperatureFile: cfg.Telemetry.TemperatureFile,
		HardwareID:      cfg.Telemetry.HardwareID,
	}, nil
}
