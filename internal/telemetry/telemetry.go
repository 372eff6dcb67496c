// Package telemetry periodically publishes hub health readings.
package telemetry

import (
	"errors"
	"fmt"
	"net"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/dokzlo13/milightd/internal/clock"
)

// DefaultInterval is how often readings are published.
const DefaultInterval = 5 * time.Minute

// Sink publishes one outbound message.
type Sink interface {
	Publish(topic string, payload []byte, retain bool) error
}

// Options configures a Reporter.
type Options struct {
	Interval time.Duration
	// Prefix is prepended to every topic, normally the outbound prefix.
	Prefix string
	// HardwareID names this hub in topics. Empty means the first MAC address.
	HardwareID string
	// TemperatureFile is a 1-wire or hwmon sensor file. Empty disables the reading.
	TemperatureFile string
}

// Reporter publishes <prefix>state/<hwid>/heap and .../temperature.
type Reporter struct {
	opts  Options
	sink  Sink
	clock clock.Clock
	last  time.Time
	warn  rate.Sometimes
}

// New creates a reporter. The first readings go out one interval after creation.
func New(opts Options, sink Sink, clk clock.Clock) *Reporter {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.HardwareID == "" {
		opts.HardwareID = HardwareAddr()
	}
	return &Reporter{
		opts:  opts,
		sink:  sink,
		clock: clk,
		last:  clk.Now(),
		warn:  rate.Sometimes{Interval: time.Minute},
	}
}

// Tick publishes when the interval has elapsed.
func (r *Reporter) Tick() {
	if !clock.Due(r.clock, r.last, r.opts.Interval) {
		return
	}
	r.last = r.clock.Now()
	r.Report()
}

// Report publishes the current readings now.
func (r *Reporter) Report() {
	base := fmt.Sprintf("%sstate/%s/", r.opts.Prefix, r.opts.HardwareID)

	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	r.publish(base+"heap", strconv.FormatUint(ms.HeapAlloc, 10))

	if r.opts.TemperatureFile == "" {
		return
	}
	celsius, err := ReadTemperature(r.opts.TemperatureFile)
	if err != nil {
		r.warn.Do(func() {
			log.Warn().Err(err).Str("file", r.opts.TemperatureFile).Msg("Failed to read temperature sensor")
		})
		return
	}
	r.publish(base+"temperature", strconv.FormatFloat(celsius, 'f', 2, 64))
}

func (r *Reporter) publish(t, value string) {
	if err := r.sink.Publish(t, []byte(value), false); err != nil {
		r.warn.Do(func() {
			log.Warn().Err(err).Str("topic", t).Msg("Failed to publish telemetry")
		})
	}
}

// ErrNoReading is returned when a sensor file holds no usable value.
var ErrNoReading = errors.New("telemetry: no temperature reading")

// ReadTemperature parses a sensor file in millidegrees Celsius. Both the
// bare hwmon form ("23125") and the 1-wire w1_slave form ("... t=23125")
// are accepted; a w1_slave file with a failed CRC yields ErrNoReading.
func ReadTemperature(path string) (float64, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return parseTemperature(string(data))
}

func parseTemperature(s string) (float64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, ErrNoReading
	}
	if strings.Contains(s, "crc=") && !strings.Contains(s, "YES") {
		return 0, ErrNoReading
	}
	if i := strings.LastIndex(s, "t="); i >= 0 {
		s = s[i+2:]
	}
	milli, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrNoReading, err)
	}
	return float64(milli) / 1000, nil
}

// HardwareAddr returns the first non-loopback MAC address in upper case,
// or "unknown".
func HardwareAddr() string {
	ifaces, err := net.Interfaces()
	if err != nil {
		return "unknown"
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagLoopback != 0 || len(iface.HardwareAddr) == 0 {
			continue
		}
		return strings.ToUpper(iface.HardwareAddr.String())
	}
	return "unknown"
}
