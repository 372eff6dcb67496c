package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/dokzlo13/milightd/internal/bulb"
)

// Config represents the application configuration
type Config struct {
	MQTT             MQTTConfig             `yaml:"mqtt"`
	Gateways         []DeviceID             `yaml:"gateways"` // Device ids accepted from inbound commands, empty = all
	Aliases          map[string]AliasConfig `yaml:"aliases"`
	GroupStateFields []string               `yaml:"group_state_fields"`
	Resend           ResendConfig           `yaml:"resend"`
	Radio            RadioConfig            `yaml:"radio"`
	Buttons          ButtonsConfig          `yaml:"buttons"`
	Telemetry        TelemetryConfig        `yaml:"telemetry"`
	State            StateConfig            `yaml:"state"`
	Database         DatabaseConfig         `yaml:"database"`
	Log              LogConfig              `yaml:"log"`
	Healthcheck      HealthcheckConfig      `yaml:"healthcheck"`

	TickInterval      Duration `yaml:"tick_interval"`       // Scheduler pass interval
	ShutdownTimeout   Duration `yaml:"shutdown_timeout"`    // General shutdown timeout for graceful stops
	AutoRestartPeriod Duration `yaml:"auto_restart_period"` // Rebuild everything this often, 0 = never
}

// MQTTConfig contains broker connection and topic settings
type MQTTConfig struct {
	Broker   string `yaml:"broker"`
	ClientID string `yaml:"client_id"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	QoS      byte   `yaml:"qos"`

	InPrefix   string `yaml:"in_prefix"`   // Prepended to subscribed command topics
	OutPrefix  string `yaml:"out_prefix"`  // Prepended to published state, update and telemetry topics
	PeerPrefix string `yaml:"peer_prefix"` // Prepended to peer announcements (default: in_prefix)

	TopicPattern       string `yaml:"topic_pattern"`        // Inbound commands and peer announcements
	UpdateTopicPattern string `yaml:"update_topic_pattern"` // Per-packet deltas, empty = disabled
	StateTopicPattern  string `yaml:"state_topic_pattern"`  // Retained full state

	ClientStatusTopic  string   `yaml:"client_status_topic"`
	SimpleClientStatus bool     `yaml:"simple_client_status"`
	StateRateLimit     Duration `yaml:"state_rate_limit"` // Minimum interval between state publishes
}

// AliasConfig names one group
type AliasConfig struct {
	DeviceID   DeviceID `yaml:"device_id"`
	GroupID    uint8    `yaml:"group_id"`
	DeviceType string   `yaml:"device_type"`
}

// ResendConfig contains relay settings
type ResendConfig struct {
	Delay        Duration `yaml:"delay"`
	Jitter       Duration `yaml:"jitter"`
	FilterFields []string `yaml:"filter_fields"` // Fields never replayed (default: bulb_mode)
}

// RadioConfig selects the radio driver
type RadioConfig struct {
	Driver        string `yaml:"driver"` // "log" or "mqtt"
	ListenRepeats int    `yaml:"listen_repeats"`
	TxTopic       string `yaml:"tx_topic"` // mqtt driver, relative to out_prefix
	RxTopic       string `yaml:"rx_topic"` // mqtt driver, relative to in_prefix
}

// ButtonsConfig contains wall switch settings
type ButtonsConfig struct {
	Chip            string   `yaml:"chip"`
	Pins            []int    `yaml:"pins"`
	DeviceID        DeviceID `yaml:"device_id"`
	DeviceType      string   `yaml:"device_type"`
	StartupOffAfter Duration `yaml:"startup_off_after"` // 0 = disabled
}

// TelemetryConfig contains health reading settings
type TelemetryConfig struct {
	Enabled         bool     `yaml:"enabled"`
	Interval        Duration `yaml:"interval"`
	TemperatureFile string   `yaml:"temperature_file"`
	HardwareID      string   `yaml:"hardware_id"` // default: first MAC address
}

// StateConfig contains group state cache settings
type StateConfig struct {
	Capacity      int      `yaml:"capacity"`
	FlushInterval Duration `yaml:"flush_interval"`
}

// DatabaseConfig contains database settings
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// LogConfig contains logging settings
type LogConfig struct {
	Level      string `yaml:"level"`
	Colors     bool   `yaml:"colors"`
	JSON       bool   `yaml:"json"`
	File       string `yaml:"file"` // Optional rotated log file, in addition to stderr
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
}

// HealthcheckConfig contains health check server settings
type HealthcheckConfig struct {
	Enabled bool   `yaml:"enabled"`
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`
}

// Duration is a wrapper around time.Duration for YAML unmarshalling
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler for Duration
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

// Duration returns the underlying time.Duration
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

// DeviceID is a 16-bit device id written either as a number or as a
// "0x"-prefixed hex string.
type DeviceID uint16

// UnmarshalYAML implements yaml.Unmarshaler for DeviceID
func (d *DeviceID) UnmarshalYAML(value *yaml.Node) error {
	v, err := strconv.ParseUint(strings.TrimSpace(value.Value), 0, 16)
	if err != nil {
		return fmt.Errorf("line %d: device id %q: %w", value.Line, value.Value, err)
	}
	*d = DeviceID(v)
	return nil
}

// Load reads and parses the configuration file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

// Parse parses configuration from YAML bytes, applies defaults and validates.
func Parse(data []byte) (*Config, error) {
	// Expand environment variables
	expanded := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, err
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (cfg *Config) applyDefaults() {
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.MaxSizeMB == 0 {
		cfg.Log.MaxSizeMB = 10
	}
	if cfg.Log.MaxBackups == 0 {
		cfg.Log.MaxBackups = 3
	}
	if cfg.Database.Path == "" {
		cfg.Database.Path = "./milightd.sqlite"
	}

	// MQTT defaults
	if cfg.MQTT.Broker == "" {
		cfg.MQTT.Broker = "tcp://localhost:1883"
	}
	if cfg.MQTT.ClientID == "" {
		cfg.MQTT.ClientID = "milightd-" + uuid.NewString()[:8]
	}
	if cfg.MQTT.TopicPattern == "" {
		cfg.MQTT.TopicPattern = "milight/:device_id/:device_type/:group_id"
	}
	if cfg.MQTT.StateTopicPattern == "" {
		cfg.MQTT.StateTopicPattern = "milight/states/:device_id/:device_type/:group_id"
	}
	if cfg.MQTT.PeerPrefix == "" {
		cfg.MQTT.PeerPrefix = cfg.MQTT.InPrefix
	}
	if cfg.MQTT.StateRateLimit == 0 {
		cfg.MQTT.StateRateLimit = Duration(500 * time.Millisecond)
	}
	if len(cfg.GroupStateFields) == 0 {
		cfg.GroupStateFields = bulb.DefaultStateFields
	}

	// Relay defaults
	if cfg.Resend.Delay == 0 {
		cfg.Resend.Delay = Duration(2 * time.Second)
	}
	if cfg.Resend.FilterFields == nil {
		cfg.Resend.FilterFields = []string{bulb.FieldBulbMode}
	}

	// Radio defaults
	if cfg.Radio.Driver == "" {
		cfg.Radio.Driver = RadioDriverLog
	}
	if cfg.Radio.ListenRepeats == 0 {
		cfg.Radio.ListenRepeats = 3
	}
	if cfg.Radio.TxTopic == "" {
		cfg.Radio.TxTopic = "radio/tx"
	}
	if cfg.Radio.RxTopic == "" {
		cfg.Radio.RxTopic = "radio/rx"
	}

	// Buttons defaults
	if cfg.Buttons.Chip == "" {
		cfg.Buttons.Chip = "gpiochip0"
	}
	if cfg.Buttons.DeviceType == "" {
		cfg.Buttons.DeviceType = bulb.DefaultRemote.String()
	}

	if cfg.Telemetry.Interval == 0 {
		cfg.Telemetry.Interval = Duration(5 * time.Minute)
	}

	// State cache defaults
	if cfg.State.Capacity == 0 {
		cfg.State.Capacity = 256
	}
	if cfg.State.FlushInterval == 0 {
		cfg.State.FlushInterval = Duration(time.Second)
	}

	// Healthcheck defaults
	if cfg.Healthcheck.Port == 0 {
		cfg.Healthcheck.Port = 9090
	}
	if cfg.Healthcheck.Host == "" {
		cfg.Healthcheck.Host = "0.0.0.0"
	}

	if cfg.TickInterval == 0 {
		cfg.TickInterval = Duration(10 * time.Millisecond)
	}
	// General shutdown timeout
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = Duration(5 * time.Second)
	}
}

// Radio drivers
const (
	RadioDriverLog  = "log"
	RadioDriverMQTT = "mqtt"
)

// ErrInvalid is wrapped by every validation error.
var ErrInvalid = errors.New("invalid configuration")

// Validate checks values that defaults cannot repair. Patterns and aliases
// are checked by building a snapshot.
func (cfg *Config) Validate() error {
	if cfg.Radio.Driver != RadioDriverLog && cfg.Radio.Driver != RadioDriverMQTT {
		return fmt.Errorf("%w: radio.driver %q must be %q or %q", ErrInvalid, cfg.Radio.Driver, RadioDriverLog, RadioDriverMQTT)
	}
	if cfg.MQTT.QoS > 2 {
		return fmt.Errorf("%w: mqtt.qos %d", ErrInvalid, cfg.MQTT.QoS)
	}
	if cfg.State.Capacity < 0 {
		return fmt.Errorf("%w: state.capacity %d", ErrInvalid, cfg.State.Capacity)
	}
	if cfg.TickInterval.Duration() <= 0 {
		return fmt.Errorf("%w: tick_interval must be positive", ErrInvalid)
	}
	if len(cfg.Buttons.Pins) > 0 && cfg.Buttons.DeviceID == 0 {
		return fmt.Errorf("%w: buttons.device_id is required when pins are set", ErrInvalid)
	}
	_, err := cfg.Snapshot()
	return err
}

// expandEnvVars expands environment variables in the format ${VAR} or ${VAR:default}
func expandEnvVars(input string) string {
	// Match ${VAR} or ${VAR:default}
	re := regexp.MustCompile(`\$\{([^}:]+)(?::([^}]*))?\}`)

	return re.ReplaceAllStringFunc(input, func(match string) string {
		parts := re.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}

		varName := parts[1]
		defaultVal := ""
		if len(parts) >= 3 {
			defaultVal = parts[2]
		}

		if val := os.Getenv(varName); val != "" {
			return val
		}
		return defaultVal
	})
}
