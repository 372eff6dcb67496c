// Package button classifies physical button input into click counts and
// long-press dimming, drives the radio directly, and hands the resulting
// group state to the relay once the gesture is over.
package button

import (
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/dokzlo13/milightd/internal/bulb"
	"github.com/dokzlo13/milightd/internal/clock"
	"github.com/dokzlo13/milightd/internal/radio"
)

// LevelSource reads one debounced-by-caller digital input. High (true)
// means released; buttons pull the line low when pressed.
type LevelSource interface {
	Level() (bool, error)
}

// StateReader returns the live state of a group, or nil if it is unknown.
type StateReader interface {
	Get(id bulb.ID) *bulb.State
}

// Relay receives finished gestures.
type Relay interface {
	OnCommandApplied(id bulb.ID, announce bool)
}

// Timing holds the gesture thresholds.
type Timing struct {
	Debounce    time.Duration // minimum time between two press starts
	MinPress    time.Duration // shorter presses are ignored
	LongPress   time.Duration // held longer than this is a long press
	Repeat      time.Duration // step interval while long-pressing
	ClickWindow time.Duration // from the last short release, to aggregate clicks
	Quiet       time.Duration // from press start, before relaying the result
}

// DefaultTiming matches the wall switch hardware the classifier was tuned on.
var DefaultTiming = Timing{
	Debounce:    200 * time.Millisecond,
	MinPress:    40 * time.Millisecond,
	LongPress:   500 * time.Millisecond,
	Repeat:      100 * time.Millisecond,
	ClickWindow: time.Second,
	Quiet:       time.Second,
}

// Long-press step sizes and the thresholds that force a direction.
const (
	BrightnessStep = 8
	MiredsStep     = 12

	brightnessHigh = 90
	brightnessLow  = 10
	miredsHigh     = bulb.MaxMireds - MiredsStep
	miredsLow      = bulb.MinMireds + MiredsStep
)

// Click counts mapped to actions.
const (
	ClicksOff     = 1
	ClicksNight   = 2
	ClicksWhite   = 3
	ClicksPair    = 4
	ClicksUnpair  = 5
	ClicksRestart = 6
)

// Options configures a Controller.
type Options struct {
	DeviceID uint16
	Remote   bulb.RemoteType
	Timing   Timing

	// StartupOffAfter turns every group of the device off once, this long
	// after the controller was created. Zero disables it.
	StartupOffAfter time.Duration
}

// Controller runs one gesture state machine per button. Button i controls
// group i+1 of the configured device.
type Controller struct {
	opts      Options
	client    radio.Client
	store     StateReader
	relay     Relay
	clock     clock.Clock
	onRestart func()

	buttons []*gesture

	created    time.Time
	startupOff bool

	warn rate.Sometimes
}

type gesture struct {
	index  int
	source LevelSource

	current  bool
	previous bool

	firstTime  time.Time
	held       time.Duration
	lastRepeat time.Time
	windowEnd  time.Time
	clicks     int
	bounced    bool

	raisingBrightness  bool
	raisingTemperature bool
	longTemperature    bool

	dirty bool
}

// New creates a controller over sources. onRestart is invoked for the
// restart gesture and may be nil.
func New(opts Options, sources []LevelSource, client radio.Client, store StateReader, relay Relay, clk clock.Clock, onRestart func()) *Controller {
	if opts.Timing == (Timing{}) {
		opts.Timing = DefaultTiming
	}
	if opts.Remote == bulb.RemoteUnknown {
		opts.Remote = bulb.DefaultRemote
	}

	c := &Controller{
		opts:       opts,
		client:     client,
		store:      store,
		relay:      relay,
		clock:      clk,
		onRestart:  onRestart,
		created:    clk.Now(),
		startupOff: opts.StartupOffAfter > 0,
		warn:       rate.Sometimes{Interval: 10 * time.Second},
	}
	for i, src := range sources {
		c.buttons = append(c.buttons, &gesture{
			index:              i,
			source:             src,
			current:            true,
			previous:           true,
			raisingBrightness:  true,
			raisingTemperature: true,
		})
	}
	return c
}

// GroupID returns the group controlled by button index.
func GroupID(index int) uint8 {
	return uint8(index + 1)
}

func (c *Controller) id(g *gesture) bulb.ID {
	return bulb.ID{DeviceID: c.opts.DeviceID, GroupID: GroupID(g.index), Type: c.opts.Remote}
}

func (c *Controller) prepare(id bulb.ID) {
	c.client.Prepare(id.Type, id.DeviceID, id.GroupID)
}

// Tick samples every button once and advances its gesture.
func (c *Controller) Tick() {
	c.tickStartup()
	for _, g := range c.buttons {
		c.check(g)
	}
}

func (c *Controller) tickStartup() {
	if !c.startupOff || !clock.Due(c.clock, c.created, c.opts.StartupOffAfter) {
		return
	}
	c.startupOff = false

	log.Info().Uint16("device_id", c.opts.DeviceID).Msg("Turning all groups off after startup")
	c.prepare(bulb.ID{DeviceID: c.opts.DeviceID, GroupID: 0, Type: c.opts.Remote})
	c.report(c.client.UpdateTemperature(100))
	c.report(c.client.UpdateStatus(false))
}

func (c *Controller) check(g *gesture) {
	level, err := g.source.Level()
	if err != nil {
		c.warn.Do(func() {
			log.Warn().Err(err).Int("button", g.index).Msg("Failed to read button level")
		})
		level = true
	}
	g.current = level

	now := c.clock.Now()
	pressed := !g.current
	pressEdge := pressed && g.previous
	releaseEdge := g.current && !g.previous

	if pressEdge {
		if clock.Since(c.clock, g.firstTime) > c.opts.Timing.Debounce {
			g.firstTime = now
			g.dirty = true
			c.initDirection(g)
		} else {
			g.bounced = true
		}
	}

	if pressed {
		g.held = now.Sub(g.firstTime)
	}

	if releaseEdge && g.held > c.opts.Timing.LongPress {
		if g.longTemperature {
			g.raisingTemperature = !g.raisingTemperature
		} else {
			g.raisingBrightness = !g.raisingBrightness
		}
		g.clicks = 0
	}

	// The window is paused while pressed and restarts on every short release.
	if g.current && !releaseEdge && now.After(g.windowEnd) {
		c.doClicks(g)
		g.clicks = 0
	}

	if g.held > c.opts.Timing.MinPress {
		if releaseEdge && !g.bounced && g.held <= c.opts.Timing.LongPress {
			g.windowEnd = now.Add(c.opts.Timing.ClickWindow)
			g.clicks++
		}
		if pressed && g.held > c.opts.Timing.LongPress {
			c.longStep(g, now)
		}
	}

	if releaseEdge {
		g.bounced = false
	}

	if g.dirty && g.current && g.clicks == 0 && clock.Since(c.clock, g.firstTime) > c.opts.Timing.Quiet {
		g.dirty = false
		c.relay.OnCommandApplied(c.id(g), true)
	}

	g.previous = g.current
}

// initDirection fixes the long-press direction for the gesture that just
// started. Levels near either end force the direction away from that end;
// otherwise the direction toggled by the previous long press is kept.
func (c *Controller) initDirection(g *gesture) {
	g.longTemperature = g.clicks == 1

	st := c.store.Get(c.id(g))
	if st == nil || !st.IsOn() || st.IsNightMode() {
		g.raisingBrightness = true
		return
	}

	switch b := st.BrightnessOr(bulb.MaxBrightness); {
	case b >= brightnessHigh:
		g.raisingBrightness = false
	case b <= brightnessLow:
		g.raisingBrightness = true
	}

	if st.Mireds != nil {
		switch m := *st.Mireds; {
		case m >= miredsHigh:
			g.raisingTemperature = false
		case m <= miredsLow:
			g.raisingTemperature = true
		}
	}
}

func (c *Controller) longStep(g *gesture, now time.Time) {
	if now.Sub(g.lastRepeat) <= c.opts.Timing.Repeat {
		return
	}
	g.lastRepeat = now

	id := c.id(g)
	st := c.store.Get(id)
	brightness := bulb.MaxBrightness
	mireds := bulb.MinMireds
	if st != nil {
		brightness = st.BrightnessOr(bulb.MaxBrightness)
		mireds = st.MiredsOr(bulb.MinMireds)
	}

	c.prepare(id)
	c.report(c.client.UpdateStatus(true))

	if g.longTemperature {
		next := int(mireds) - MiredsStep
		if g.raisingTemperature {
			next = int(mireds) + MiredsStep
		}
		target := bulb.ClampMireds(next)
		if target != mireds {
			c.report(c.client.UpdateTemperature(bulb.MiredsToWhiteVal(target, 100)))
		}
		return
	}

	next := int(brightness) - BrightnessStep
	if g.raisingBrightness {
		next = int(brightness) + BrightnessStep
	}
	target := bulb.ClampBrightness(next)
	if target != brightness {
		c.report(c.client.UpdateBrightness(target))
	}
}

func (c *Controller) doClicks(g *gesture) {
	if g.clicks == 0 {
		return
	}

	id := c.id(g)
	log.Debug().Int("button", g.index).Int("clicks", g.clicks).Msg("Button clicks")

	switch g.clicks {
	case ClicksOff:
		c.prepare(id)
		c.report(c.client.UpdateStatus(false))
	case ClicksNight:
		c.prepare(id)
		c.report(c.client.EnableNightMode())
		g.dirty = false
	case ClicksWhite:
		c.prepare(id)
		c.report(c.client.UpdateColorWhite())
	case ClicksPair:
		c.prepare(id)
		c.report(c.client.Pair())
	case ClicksUnpair:
		c.prepare(id)
		c.report(c.client.Unpair())
	case ClicksRestart:
		log.Warn().Int("button", g.index).Msg("Restart requested from button")
		g.dirty = false
		if c.onRestart != nil {
			c.onRestart()
		}
	}
}

func (c *Controller) report(err error) {
	if err == nil {
		return
	}
	c.warn.Do(func() {
		log.Warn().Err(err).Msg("Button command failed")
	})
}

// Clicks returns the pending short-click count of button index.
func (c *Controller) Clicks(index int) int {
	return c.buttons[index].clicks
}
