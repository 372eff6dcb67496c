package telemetry

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dokzlo13/milightd/internal/clock"
)

type fakeSink struct {
	topics   []string
	payloads []string
}

func (f *fakeSink) Publish(t string, payload []byte, retain bool) error {
	f.topics = append(f.topics, t)
	f.payloads = append(f.payloads, string(payload))
	return nil
}

func TestParseTemperature(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		want    float64
		wantErr bool
	}{
		{name: "hwmon", in: "23125\n", want: 23.125},
		{name: "w1_slave", in: "72 01 4b 46 7f ff 0e 10 57 : crc=57 YES\n72 01 4b 46 7f ff 0e 10 57 t=23125\n", want: 23.125},
		{name: "negative", in: "-1500", want: -1.5},
		{name: "bad_crc", in: "72 01 : crc=57 NO\n72 01 t=23125\n", wantErr: true},
		{name: "empty", in: "", wantErr: true},
		{name: "garbage", in: "hello", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseTemperature(tt.in)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrNoReading)
				return
			}
			require.NoError(t, err)
			assert.InDelta(t, tt.want, got, 0.0001)
		})
	}
}

func TestReporter_PublishesEveryInterval(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "temp")
	require.NoError(t, os.WriteFile(file, []byte("21500"), 0o600))

	sink := &fakeSink{}
	clk := clock.NewManual(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	r := New(Options{Prefix: "milight/", HardwareID: "AA:BB", TemperatureFile: file}, sink, clk)

	r.Tick()
	assert.Empty(t, sink.topics)

	clk.Advance(DefaultInterval)
	r.Tick()
	require.Equal(t, []string{"milight/state/AA:BB/heap", "milight/state/AA:BB/temperature"}, sink.topics)
	assert.Equal(t, "21.50", sink.payloads[1])
	assert.NotEmpty(t, strings.TrimSpace(sink.payloads[0]))

	clk.Advance(time.Minute)
	r.Tick()
	assert.Len(t, sink.topics, 2)
}

func TestReporter_MissingSensorSkipsTemperature(t *testing.T) {
	sink := &fakeSink{}
	r := New(Options{HardwareID: "AA", TemperatureFile: filepath.Join(t.TempDir(), "missing")}, sink, clock.System{})

	r.Report()
	assert.Equal(t, []string{"state/AA/heap"}, sink.topics)
}
