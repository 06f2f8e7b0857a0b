package opto

import (
	"github.com/cjeanneret/FilterGo/internal/debug"
	"github.com/cjeanneret/FilterGo/internal/hw/gpio"
)

// Sensor is an optical interrupter. Engaged means the beam is blocked
// (a dark band is in front of the sensor); free means the beam is clear.
type Sensor interface {
	Engaged() bool
}

// GPIOSensor reads the interrupter output from a single input pin.
type GPIOSensor struct {
	gpio        gpio.Driver
	pin         int
	engagedHigh bool
}

// NewGPIOSensor configures pin as an input. engagedHigh selects the pin
// level that means "beam blocked".
func NewGPIOSensor(g gpio.Driver, pin int, engagedHigh bool) *GPIOSensor {
	_ = g.SetupPin(pin, gpio.Input)
	return &GPIOSensor{gpio: g, pin: pin, engagedHigh: engagedHigh}
}

// Engaged samples the pin. A read error reports "free": every phase that
// waits for a dark band is bounded by a timeout, so a dead input ends in a
// positioning error instead of a false home.
func (s *GPIOSensor) Engaged() bool {
	lvl, err := s.gpio.ReadPin(s.pin)
	if err != nil {
		debug.Error(err)
		return false
	}
	return bool(lvl) == s.engagedHigh
}
