// Package sim provides a simulated filter wheel behind the gpio.Driver
// interface: it watches the stepper driver lines, turns STEP pulses into
// wheel motion and answers the optical sensor input from the wheel
// position. It backs mock mode and the integration tests.
package sim

import (
	"fmt"
	"sync"

	"github.com/cjeanneret/FilterGo/internal/config"
	"github.com/cjeanneret/FilterGo/internal/debug"
	"github.com/cjeanneret/FilterGo/internal/hw/gpio"
	"github.com/cjeanneret/FilterGo/internal/logic/geometry"
)

// Pins are the lines the simulator watches. 0 means "not wired": an
// unwired enable/reset/sleep line never blocks motion.
type Pins struct {
	Step, Dir       int
	Enable          int // LOW = enabled
	Reset, Sleep    int // HIGH = released
	Opto            int
	OptoEngagedHigh bool
}

// Track is the band layout around the wheel, in pulses. Starting at 0 the
// wheel carries the home dark band, then for every slot a light band
// followed by a dark band, except after the last slot, which is followed by
// the home band again.
type Track struct {
	HomeBand uint32
	Light    uint32
	Dark     uint32
	Slots    int
}

// Circumference returns the wheel length in pulses.
func (t Track) Circumference() int {
	return int(t.HomeBand) + t.Slots*int(t.Light) + (t.Slots-1)*int(t.Dark)
}

// Engaged reports whether the sensor beam is blocked at pos.
func (t Track) Engaged(pos int) bool {
	pos = t.wrap(pos)
	if pos < int(t.HomeBand) {
		return true
	}
	r := (pos - int(t.HomeBand)) % int(t.Light+t.Dark)
	return r >= int(t.Light)
}

// SlotAt returns the slot whose light band contains pos.
func (t Track) SlotAt(pos int) (int, bool) {
	pos = t.wrap(pos)
	if pos < int(t.HomeBand) {
		return 0, false
	}
	q := pos - int(t.HomeBand)
	period := int(t.Light + t.Dark)
	if q%period >= int(t.Light) {
		return 0, false
	}
	return q / period, true
}

// LightStart returns the position of the first pulse of slot's light band.
func (t Track) LightStart(slot int) int {
	return int(t.HomeBand) + slot*int(t.Light+t.Dark)
}

func (t Track) wrap(pos int) int {
	c := t.Circumference()
	pos %= c
	if pos < 0 {
		pos += c
	}
	return pos
}

// TrackFrom derives the band layout from the wheel configuration.
func TrackFrom(cfg *config.Config) Track {
	g := geometry.NewStepsCalculator(cfg)
	return Track{
		HomeBand: g.HomeBandPulses(),
		Light:    g.PulsesFromUm(g.LightSlotUm),
		Dark:     g.PulsesFromUm(g.DarkSlotUm),
		Slots:    len(cfg.Wheel.Filters),
	}
}

// PinsFrom takes the driver and opto wiring from the configuration.
func PinsFrom(cfg *config.Config) Pins {
	return Pins{
		Step:            cfg.Driver.StepPin,
		Dir:             cfg.Driver.DirPin,
		Enable:          cfg.Driver.EnablePin,
		Reset:           cfg.Driver.ResetPin,
		Sleep:           cfg.Driver.SleepPin,
		Opto:            cfg.Opto.Pin,
		OptoEngagedHigh: cfg.EngagedHigh(),
	}
}

// Wheel is a gpio.Driver that simulates the wheel mechanics.
type Wheel struct {
	pins  Pins
	track Track

	mu     sync.Mutex
	levels map[int]gpio.Level
	modes  map[int]gpio.PinMode
	pos    int
	pulses uint64 // STEP rising edges that moved the wheel
	jammed bool
}

// NewWheel creates a simulated wheel at start (pulses from the beginning of
// the home band, wrapped to the circumference).
func NewWheel(p Pins, t Track, start int) (*Wheel, error) {
	if t.Slots < 1 || t.Light == 0 || t.Dark == 0 || t.HomeBand == 0 {
		return nil, fmt.Errorf("sim: invalid track %+v", t)
	}
	if p.Step <= 0 || p.Dir <= 0 || p.Opto <= 0 {
		return nil, fmt.Errorf("sim: step, dir and opto pins are required")
	}
	w := &Wheel{
		pins:   p,
		track:  t,
		levels: make(map[int]gpio.Level),
		modes:  make(map[int]gpio.PinMode),
		pos:    t.wrap(start),
	}
	debug.Info("Sim: wheel of %d pulses (home %d, light %d, dark %d), start at %d",
		t.Circumference(), t.HomeBand, t.Light, t.Dark, w.pos)
	return w, nil
}

// NewFromConfig builds a simulated wheel from the application config.
func NewFromConfig(cfg *config.Config) (*Wheel, error) {
	start := 0
	if cfg.Wheel.StepUm > 0 {
		start = cfg.Defaults.SimStartUm / cfg.Wheel.StepUm
	}
	return NewWheel(PinsFrom(cfg), TrackFrom(cfg), start)
}

func (w *Wheel) SetupPin(pin int, mode gpio.PinMode) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.modes[pin] = mode
	debug.GPIO("SetupPin (sim)", pin, mode)
	return nil
}

func (w *Wheel) WritePin(pin int, level gpio.Level) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	prev := w.levels[pin]
	w.levels[pin] = level
	if pin == w.pins.Step && level == gpio.High && prev == gpio.Low {
		w.stepLocked()
	}
	return nil
}

func (w *Wheel) ReadPin(pin int) (gpio.Level, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if pin == w.pins.Opto {
		return gpio.Level(w.track.Engaged(w.pos) == w.pins.OptoEngagedHigh), nil
	}
	return w.levels[pin], nil
}

func (w *Wheel) Close() error {
	debug.Trace("GPIO Close (sim)")
	return nil
}

func (w *Wheel) stepLocked() {
	if w.jammed || !w.powered() {
		return
	}
	if w.levels[w.pins.Dir] == gpio.High {
		w.pos = w.track.wrap(w.pos + 1)
	} else {
		w.pos = w.track.wrap(w.pos - 1)
	}
	w.pulses++
}

func (w *Wheel) powered() bool {
	if w.pins.Enable > 0 && w.levels[w.pins.Enable] != gpio.Low {
		return false
	}
	if w.pins.Reset > 0 && w.levels[w.pins.Reset] != gpio.High {
		return false
	}
	if w.pins.Sleep > 0 && w.levels[w.pins.Sleep] != gpio.High {
		return false
	}
	return true
}

// Position returns the wheel position in pulses.
func (w *Wheel) Position() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.pos
}

// SetPosition moves the wheel by hand.
func (w *Wheel) SetPosition(pos int) {
	w.mu.Lock()
	w.pos = w.track.wrap(pos)
	w.mu.Unlock()
}

// Slot returns the slot under the sensor, if it sits in a light band.
func (w *Wheel) Slot() (int, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.track.SlotAt(w.pos)
}

// Pulses returns the number of pulses that moved the wheel.
func (w *Wheel) Pulses() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.pulses
}

// SetJammed blocks (or frees) the wheel: STEP pulses no longer move it.
func (w *Wheel) SetJammed(jammed bool) {
	w.mu.Lock()
	w.jammed = jammed
	w.mu.Unlock()
	debug.Info("Sim: wheel jammed=%v", jammed)
}

// Level returns the last level written to pin.
func (w *Wheel) Level(pin int) gpio.Level {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.levels[pin]
}

// Track returns the band layout.
func (w *Wheel) Track() Track {
	return w.track
}

// Mode returns the mode pin was set up with.
func (w *Wheel) Mode(pin int) (gpio.PinMode, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	m, ok := w.modes[pin]
	return m, ok
}
