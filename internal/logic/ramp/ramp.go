package ramp

import "fmt"

// Profile is a linear-in-period acceleration profile. Periods are step
// timer periods in microseconds: motion starts at InitPeriod and every
// step shortens the period by Decrement until FinalPeriod is reached.
type Profile struct {
	InitPeriod  uint16
	FinalPeriod uint16
	Decrement   uint16
}

// Validate checks that the profile can only accelerate.
func (p Profile) Validate() error {
	if p.FinalPeriod == 0 {
		return fmt.Errorf("final period must be > 0")
	}
	if p.InitPeriod < p.FinalPeriod {
		return fmt.Errorf("init period %dus must be >= final period %dus", p.InitPeriod, p.FinalPeriod)
	}
	if p.Decrement == 0 && p.InitPeriod != p.FinalPeriod {
		return fmt.Errorf("ramp decrement must be > 0")
	}
	return nil
}

// Next returns the period to apply after a step at current, and whether
// it differs from current. The result never drops below FinalPeriod.
func (p Profile) Next(current uint16) (uint16, bool) {
	if current <= p.FinalPeriod {
		return current, false
	}
	if current-p.FinalPeriod <= p.Decrement {
		return p.FinalPeriod, true
	}
	return current - p.Decrement, true
}

// StepsToFinal is the number of steps needed to reach FinalPeriod from
// InitPeriod.
func (p Profile) StepsToFinal() int {
	if p.InitPeriod <= p.FinalPeriod || p.Decrement == 0 {
		return 0
	}
	d := int(p.InitPeriod - p.FinalPeriod)
	dec := int(p.Decrement)
	return (d + dec - 1) / dec
}
