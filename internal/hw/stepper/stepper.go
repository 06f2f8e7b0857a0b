package stepper

import (
	"fmt"

	"go.uber.org/multierr"

	"github.com/cjeanneret/FilterGo/internal/config"
	"github.com/cjeanneret/FilterGo/internal/debug"
	"github.com/cjeanneret/FilterGo/internal/hw/gpio"
)

// Direction is the shaft rotation direction.
type Direction int

const (
	DirHome Direction = iota // toward the home reference band
	DirOut                   // away from home, toward the slots
)

func (d Direction) String() string {
	if d == DirHome {
		return "home"
	}
	return "out"
}

// Microstep is the driver micro-stepping mode.
type Microstep int

const (
	Microstep1 Microstep = iota
	Microstep2
	Microstep4
	Microstep16
)

// MicrostepFromDivisor maps 1, 2, 4 or 16 to a Microstep mode.
func MicrostepFromDivisor(div int) (Microstep, error) {
	switch div {
	case 1:
		return Microstep1, nil
	case 2:
		return Microstep2, nil
	case 4:
		return Microstep4, nil
	case 16:
		return Microstep16, nil
	}
	return Microstep1, fmt.Errorf("unsupported microstep divisor %d (want 1, 2, 4 or 16)", div)
}

// PhaseCurrent is the winding current limit (torque) selected via REF lines.
type PhaseCurrent int

const (
	CurrentDisabled PhaseCurrent = iota // no torque, driver outputs off
	CurrentLow                          // holding torque
	CurrentMedium
	CurrentHigh // motion torque
)

func (c PhaseCurrent) String() string {
	switch c {
	case CurrentDisabled:
		return "disabled"
	case CurrentLow:
		return "low"
	case CurrentMedium:
		return "medium"
	case CurrentHigh:
		return "high"
	}
	return fmt.Sprintf("PhaseCurrent(%d)", int(c))
}

// Config holds the driver wiring (BCM pin numbers). A pin set to 0 is not used.
type Config struct {
	StepPin   int
	DirPin    int
	MS1Pin    int
	MS2Pin    int
	RefAPin   int // current limit select, with RefBPin
	RefBPin   int
	EnablePin int // active LOW (LOW=enabled)
	ResetPin  int // active LOW (LOW=reset asserted)
	SleepPin  int // active LOW (LOW=sleeping)
}

// ConfigFrom takes the driver wiring from the application config.
func ConfigFrom(d config.DriverConfig) Config {
	return Config{
		StepPin:   d.StepPin,
		DirPin:    d.DirPin,
		MS1Pin:    d.MS1Pin,
		MS2Pin:    d.MS2Pin,
		RefAPin:   d.RefAPin,
		RefBPin:   d.RefBPin,
		EnablePin: d.EnablePin,
		ResetPin:  d.ResetPin,
		SleepPin:  d.SleepPin,
	}
}

// Driver is the stepper driver line set: direction, micro-step resolution,
// phase current, enable/reset/sleep and the STEP line itself.
// Timing of STEP pulses belongs to the step timer.
type Driver struct {
	gpio gpio.Driver
	cfg  Config
}

// NewDriver configures every used pin as an output and leaves the driver
// de-energized (current disabled).
func NewDriver(g gpio.Driver, cfg Config) *Driver {
	d := &Driver{gpio: g, cfg: cfg}
	for _, pin := range []int{cfg.StepPin, cfg.DirPin, cfg.MS1Pin, cfg.MS2Pin, cfg.RefAPin, cfg.RefBPin, cfg.EnablePin, cfg.ResetPin, cfg.SleepPin} {
		if pin > 0 {
			_ = g.SetupPin(pin, gpio.Output)
		}
	}
	_ = d.write(cfg.StepPin, gpio.Low)
	_ = d.SetPhaseCurrent(CurrentDisabled)
	return d
}

func (d *Driver) write(pin int, level gpio.Level) error {
	if pin <= 0 {
		return nil
	}
	if err := d.gpio.WritePin(pin, level); err != nil {
		err = fmt.Errorf("stepper: write pin %d: %w", pin, err)
		debug.Error(err)
		return err
	}
	return nil
}

// SetDirection selects the rotation direction for the following pulses.
func (d *Driver) SetDirection(dir Direction) error {
	debug.Trace("Stepper: direction %s", dir)
	if dir == DirHome {
		return d.write(d.cfg.DirPin, gpio.Low)
	}
	return d.write(d.cfg.DirPin, gpio.High)
}

// SetMicrostep programs MS1/MS2.
func (d *Driver) SetMicrostep(mode Microstep) error {
	ms1, ms2 := gpio.High, gpio.High
	switch mode {
	case Microstep1:
		ms1, ms2 = gpio.Low, gpio.Low
	case Microstep2:
		ms1, ms2 = gpio.High, gpio.Low
	case Microstep4:
		ms1, ms2 = gpio.Low, gpio.High
	}
	return multierr.Combine(
		d.write(d.cfg.MS1Pin, ms1),
		d.write(d.cfg.MS2Pin, ms2),
	)
}

// SetPhaseCurrent selects the current limit. Any level other than
// CurrentDisabled also enables the driver outputs.
func (d *Driver) SetPhaseCurrent(c PhaseCurrent) error {
	debug.Trace("Stepper: phase current %s", c)
	var refA, refB gpio.Level
	switch c {
	case CurrentDisabled:
		return d.write(d.cfg.EnablePin, gpio.High)
	case CurrentLow:
		refA, refB = gpio.High, gpio.High
	case CurrentMedium:
		refA, refB = gpio.High, gpio.Low
	case CurrentHigh:
		refA, refB = gpio.Low, gpio.High
	default:
		return fmt.Errorf("stepper: unknown phase current %d", int(c))
	}
	return multierr.Combine(
		d.write(d.cfg.RefAPin, refA),
		d.write(d.cfg.RefBPin, refB),
		d.write(d.cfg.EnablePin, gpio.Low),
	)
}

// Arm releases the reset and sleep lines so STEP pulses move the shaft.
func (d *Driver) Arm() error {
	return multierr.Combine(
		d.write(d.cfg.ResetPin, gpio.High),
		d.write(d.cfg.SleepPin, gpio.High),
	)
}

// Disarm asserts reset and sleep.
func (d *Driver) Disarm() error {
	return multierr.Combine(
		d.write(d.cfg.ResetPin, gpio.Low),
		d.write(d.cfg.SleepPin, gpio.Low),
	)
}

// Pulse emits one STEP pulse (one micro-step in the current direction).
func (d *Driver) Pulse() {
	_ = d.write(d.cfg.StepPin, gpio.High)
	_ = d.write(d.cfg.StepPin, gpio.Low)
}

// Close de-energizes and disarms the driver.
func (d *Driver) Close() error {
	return multierr.Combine(
		d.SetPhaseCurrent(CurrentDisabled),
		d.Disarm(),
	)
}
