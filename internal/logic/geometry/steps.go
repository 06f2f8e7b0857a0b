package geometry

import (
	"github.com/cjeanneret/FilterGo/internal/config"
)

// StepsCalculator converts wheel distances (micrometers) to step pulses and
// derives the pulse budgets used by the positioning sequencer.
type StepsCalculator struct {
	StepUm       uint32 // linear travel per pulse
	DarkSlotUm   uint32
	LightSlotUm  uint32
	HomeMarginUm uint32
}

// NewStepsCalculator creates a step calculator from configuration.
func NewStepsCalculator(cfg *config.Config) *StepsCalculator {
	return &StepsCalculator{
		StepUm:       uint32(cfg.Wheel.StepUm),
		DarkSlotUm:   uint32(cfg.Wheel.DarkSlotUm),
		LightSlotUm:  uint32(cfg.Wheel.LightSlotUm),
		HomeMarginUm: uint32(cfg.Wheel.HomeMarginUm),
	}
}

// PulsesFromUm converts a distance to whole pulses (truncated).
func (s *StepsCalculator) PulsesFromUm(um uint32) uint32 {
	if s.StepUm == 0 {
		return 0
	}
	return um / s.StepUm
}

// UmFromPulses converts a pulse count back to a distance.
func (s *StepsCalculator) UmFromPulses(pulses uint32) uint32 {
	return pulses * s.StepUm
}

// MaxInterSlotPulses is the longest run between two consecutive sensor
// transitions on a healthy wheel: one dark band plus one light band.
func (s *StepsCalculator) MaxInterSlotPulses() uint32 {
	return s.PulsesFromUm(s.DarkSlotUm + s.LightSlotUm)
}

// HomeValidationPulses is the number of pulses the sensor must stay
// engaged before a dark band is accepted as home. Ordinary dark bands are
// narrower and end first.
func (s *StepsCalculator) HomeValidationPulses() uint32 {
	return s.PulsesFromUm(s.DarkSlotUm + s.HomeMarginUm)
}

// HalfDarkPulses is the blind delay after entering a slot dark band before
// the free edge is looked for.
func (s *StepsCalculator) HalfDarkPulses() uint32 {
	return s.PulsesFromUm(s.DarkSlotUm / 2)
}

// HomeBandPulses is the width of the home dark band as built: one dark band
// plus a margin on both sides.
func (s *StepsCalculator) HomeBandPulses() uint32 {
	return s.PulsesFromUm(s.DarkSlotUm + 2*s.HomeMarginUm)
}
