package wheel

import (
	"fmt"

	"github.com/cjeanneret/FilterGo/internal/config"
	"github.com/cjeanneret/FilterGo/internal/debug"
	"github.com/cjeanneret/FilterGo/internal/logic/calib"
)

// Action is what the step callback must do after a sequencer tick.
type Action int

const (
	ActionHold     Action = iota // nothing, keep the current period
	ActionRamp                   // apply one ramp decrement
	ActionReverse                // home validated: restart outward on the out profile
	ActionComplete               // target reached: terminal
	ActionFail                   // timeout: terminal
)

func (a Action) String() string {
	switch a {
	case ActionHold:
		return "hold"
	case ActionRamp:
		return "ramp"
	case ActionReverse:
		return "reverse"
	case ActionComplete:
		return "complete"
	case ActionFail:
		return "fail"
	}
	return fmt.Sprintf("Action(%d)", int(a))
}

// Terminal reports whether the action ends the command.
func (a Action) Terminal() bool {
	return a == ActionComplete || a == ActionFail
}

// Limits are the pulse budgets of the sequence.
type Limits struct {
	MaxInterSlot uint32 // longest run between two sensor transitions
	HomeValidate uint32 // engaged pulses that identify the home band
	HalfDark     uint32 // blind delay inside a slot dark band
}

// HomeTimeout bounds seek-home and validate-home together.
func (l Limits) HomeTimeout() uint32 {
	return 5 * l.MaxInterSlot
}

// Sequencer is the positioning state machine. Advance is called once per
// step tick with the sensor sample of that tick and never blocks.
// A Sequencer is not safe for concurrent use.
type Sequencer struct {
	phases []Phase
	lim    Limits
	store  *calib.Store

	step       int
	counter    uint32 // ticks, reused per phase for timeouts and widths
	pulses     uint32 // countdown
	target     int
	slotPulses [config.MaxSlots]uint32
}

// NewSequencer builds the phase table for slots slots. store may be nil.
func NewSequencer(slots int, lim Limits, store *calib.Store) (*Sequencer, error) {
	if slots < 1 || slots > config.MaxSlots {
		return nil, fmt.Errorf("wheel: slot count must be between 1 and %d, got %d", config.MaxSlots, slots)
	}
	if lim.MaxInterSlot == 0 || lim.HomeValidate == 0 {
		return nil, fmt.Errorf("wheel: pulse limits must be > 0 (max inter-slot %d, home validation %d)", lim.MaxInterSlot, lim.HomeValidate)
	}
	if store == nil {
		store = calib.NewStore()
	}
	return &Sequencer{phases: BuildPhases(slots), lim: lim, store: store}, nil
}

// Start resets the sequence to phase 0 for targetSlot. slotPulses[k] is the
// distance from the free edge preceding slot k to slot k.
func (s *Sequencer) Start(targetSlot int, slotPulses []uint32) error {
	n := s.Slots()
	if targetSlot < 0 || targetSlot >= n {
		return fmt.Errorf("wheel: target slot %d out of range [0,%d)", targetSlot, n)
	}
	if len(slotPulses) < n {
		return fmt.Errorf("wheel: %d slot distances given, need %d", len(slotPulses), n)
	}
	copy(s.slotPulses[:], slotPulses[:n])
	s.target = targetSlot
	s.step = 0
	s.counter = 0
	s.pulses = 0
	return nil
}

// Advance runs one tick of the current phase.
func (s *Sequencer) Advance(engaged bool) Action {
	ph := s.phases[s.step]

	switch ph.Kind {
	case PhaseStart:
		s.counter = 0
		s.next()
		return ActionHold

	case PhaseSeekHome:
		s.counter++
		if s.counter > s.lim.HomeTimeout() {
			return s.fail(ph)
		}
		if !engaged {
			break
		}
		s.pulses = s.lim.HomeValidate
		s.next()

	case PhaseValidateHome:
		s.counter++
		if s.counter > s.lim.HomeTimeout() {
			return s.fail(ph)
		}
		if !engaged {
			// dark band too narrow for home
			debug.Verbose("Wheel: false home, %d validation pulses left", s.pulses)
			s.goTo(1)
			break
		}
		s.pulses--
		if s.pulses != 0 {
			break
		}
		s.counter = 0
		s.next()
		return ActionReverse

	case PhaseMoveToFree:
		s.counter++
		if s.counter > s.lim.MaxInterSlot {
			return s.fail(ph)
		}
		if engaged {
			break
		}
		s.counter = 0
		s.pulses = s.slotPulses[0] + 1
		s.next()

	case PhaseCountToSlot:
		s.counter++
		s.pulses--
		if s.pulses != 0 {
			break
		}
		if ph.Slot == s.target || s.step == len(s.phases)-1 {
			return ActionComplete
		}
		s.next()

	case PhaseWaitEngaged:
		s.counter++
		if s.counter > s.lim.MaxInterSlot {
			return s.fail(ph)
		}
		if !engaged {
			break
		}
		s.store.RecordLight(ph.Slot, s.counter)
		s.counter = 0
		s.pulses = s.lim.HalfDark
		s.next()

	case PhaseWaitFree:
		s.counter++
		if s.pulses > 0 {
			s.pulses--
			break
		}
		if engaged {
			break
		}
		s.store.RecordDark(ph.Slot, s.counter)
		s.counter = 0
		s.pulses = s.slotPulses[ph.Slot+1] + 1
		s.next()
	}
	return ActionRamp
}

func (s *Sequencer) next() {
	s.goTo(s.step + 1)
}

func (s *Sequencer) goTo(step int) {
	s.step = step
	if debug.IsEnabled(debug.LevelVerbose) {
		debug.Phase(step, s.phases[step].String())
	}
}

func (s *Sequencer) fail(ph Phase) Action {
	debug.Info("Wheel: timeout in phase %d (%s) after %d ticks", s.step, ph, s.counter)
	return ActionFail
}

// Step returns the current phase index.
func (s *Sequencer) Step() int { return s.step }

// Phase returns the current phase descriptor.
func (s *Sequencer) Phase() Phase { return s.phases[s.step] }

// Phases returns the phase table.
func (s *Sequencer) Phases() []Phase { return s.phases }

// Counter returns the current tick counter.
func (s *Sequencer) Counter() uint32 { return s.counter }

// Pulses returns the current countdown.
func (s *Sequencer) Pulses() uint32 { return s.pulses }

// Target returns the slot of the current or last command.
func (s *Sequencer) Target() int { return s.target }

// Slots returns the number of wheel slots.
func (s *Sequencer) Slots() int {
	return (len(s.phases) - 2) / 3
}

// Limits returns the pulse budgets.
func (s *Sequencer) Limits() Limits { return s.lim }

// Calibration returns the diagnostics store the sequencer writes.
func (s *Sequencer) Calibration() *calib.Store { return s.store }
