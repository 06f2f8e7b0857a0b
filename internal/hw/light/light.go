package light

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/cjeanneret/FilterGo/internal/debug"
	"github.com/cjeanneret/FilterGo/internal/hw/gpio"
)

// Light is the high-level interface used by the rest of the application.
// It represents the indicator light shown while the mirror is in the beam,
// regardless of how it is driven.
type Light interface {
	On()
	Off()
	IsOn() bool
}

// PollPeriod is the auto-off countdown resolution.
const PollPeriod = 15 * time.Millisecond

// pollsPerSecond converts the timeout parameter (seconds) to polls.
const pollsPerSecond = 66

// TimeoutSource supplies the auto-off delay, read at every switch-on.
type TimeoutSource interface {
	LightTimeoutSeconds() uint8
}

// FlagSink mirrors the light state into the status register.
type FlagSink interface {
	SetLightOn(on bool)
}

// Indicator is a Light on a single GPIO output (HIGH = lit) that switches
// itself off after the configured timeout. A zero timeout keeps it lit
// until Off.
type Indicator struct {
	gpio    gpio.Driver
	pin     int // 0 = not wired, only the flag is driven
	timeout TimeoutSource
	flags   FlagSink
	clk     clock.Clock

	mu    sync.Mutex
	on    bool
	polls int
}

// NewIndicator configures pin as an output and leaves the light off.
// flags may be nil.
func NewIndicator(g gpio.Driver, pin int, timeout TimeoutSource, flags FlagSink, clk clock.Clock) *Indicator {
	if pin > 0 {
		_ = g.SetupPin(pin, gpio.Output)
	}
	l := &Indicator{gpio: g, pin: pin, timeout: timeout, flags: flags, clk: clk}
	l.Off()
	return l
}

// On lights the indicator and (re)arms the auto-off countdown.
func (l *Indicator) On() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.polls = int(l.timeout.LightTimeoutSeconds()) * pollsPerSecond
	l.setLocked(true)
	debug.Verbose("Light: on (%d polls)", l.polls)
}

// Off switches the indicator off and cancels the countdown.
func (l *Indicator) Off() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.polls = 0
	l.setLocked(false)
}

func (l *Indicator) IsOn() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.on
}

// Poll advances the countdown by one PollPeriod.
func (l *Indicator) Poll() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.polls == 0 {
		return
	}
	l.polls--
	if l.polls == 0 {
		debug.Verbose("Light: timeout, off")
		l.setLocked(false)
	}
}

// Run polls every PollPeriod until ctx is done.
func (l *Indicator) Run(ctx context.Context) {
	ticker := l.clk.Ticker(PollPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.Poll()
		}
	}
}

func (l *Indicator) setLocked(on bool) {
	l.on = on
	if l.pin > 0 {
		if err := l.gpio.WritePin(l.pin, gpio.Level(on)); err != nil {
			debug.Error(err)
		}
	}
	if l.flags != nil {
		l.flags.SetLightOn(on)
	}
}
