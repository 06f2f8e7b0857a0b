package wheel

import (
	"fmt"
	"sync"

	"go.uber.org/atomic"
	"go.uber.org/multierr"

	"github.com/cjeanneret/FilterGo/internal/config"
	"github.com/cjeanneret/FilterGo/internal/debug"
	"github.com/cjeanneret/FilterGo/internal/hw/opto"
	"github.com/cjeanneret/FilterGo/internal/hw/stepper"
	"github.com/cjeanneret/FilterGo/internal/hw/steptimer"
	"github.com/cjeanneret/FilterGo/internal/logic/calib"
	"github.com/cjeanneret/FilterGo/internal/logic/ramp"
)

// Motor is the stepper driver line set used by the engine.
// *stepper.Driver implements it.
type Motor interface {
	SetDirection(stepper.Direction) error
	SetMicrostep(stepper.Microstep) error
	SetPhaseCurrent(stepper.PhaseCurrent) error
	Arm() error
	Disarm() error
}

// StopCause tells why the last command ended.
type StopCause int32

const (
	StopNone          StopCause = iota // no command has ended yet
	StopTargetReached                  // slot reached
	StopError                          // timeout
)

func (c StopCause) String() string {
	switch c {
	case StopNone:
		return "none"
	case StopTargetReached:
		return "target-reached"
	case StopError:
		return "error"
	}
	return fmt.Sprintf("StopCause(%d)", int32(c))
}

// Hardware groups the collaborators driven by the engine.
type Hardware struct {
	Motor  Motor
	Timer  steptimer.Timer
	Sensor opto.Sensor
}

// Engine owns the motor state and exposes the command API. The step tick
// and Select are serialized by a mutex; the query methods read single
// fields and never wait for a tick.
type Engine struct {
	hw      Hardware
	cfg     Config
	pos     Positions
	sink    StatusSink
	seq     *Sequencer
	byCode  map[uint8]Filter
	profile ramp.Profile // profile of the current motion

	mu sync.Mutex

	active     atomic.Bool
	valid      atomic.Bool
	ran        atomic.Bool
	cause      atomic.Int32
	targetCode atomic.Uint32
	targetSlot atomic.Int32
	reached    atomic.Uint32 // code of the last reached filter
}

// NewEngine wires the engine to its hardware. pos supplies slot distances
// at every selection; sink may be nil.
func NewEngine(cfg Config, hw Hardware, pos Positions, sink StatusSink) (*Engine, error) {
	if hw.Motor == nil || hw.Timer == nil || hw.Sensor == nil {
		return nil, fmt.Errorf("wheel: motor, timer and sensor are required")
	}
	if pos == nil {
		return nil, fmt.Errorf("wheel: positions source is required")
	}
	if cfg.Geometry == nil {
		return nil, fmt.Errorf("wheel: geometry is required")
	}
	seq, err := NewSequencer(len(cfg.Filters), cfg.Limits, calib.NewStore())
	if err != nil {
		return nil, err
	}
	byCode := make(map[uint8]Filter, len(cfg.Filters))
	for i, f := range cfg.Filters {
		if f.Slot != i {
			return nil, fmt.Errorf("wheel: filter %d (code %d) has slot %d, slots must be 0..%d in order", i, f.Code, f.Slot, len(cfg.Filters)-1)
		}
		byCode[f.Code] = f
	}
	if sink == nil {
		sink = nopSink{}
	}

	e := &Engine{
		hw:     hw,
		cfg:    cfg,
		pos:    pos,
		sink:   sink,
		seq:    seq,
		byCode: byCode,
	}
	hw.Timer.SetCallback(e.onStep)
	_ = hw.Motor.SetPhaseCurrent(stepper.CurrentDisabled)

	debug.Info("Wheel: %d slots, max inter-slot %d pulses, home validation %d pulses",
		len(cfg.Filters), cfg.Limits.MaxInterSlot, cfg.Limits.HomeValidate)
	debug.Verbose("Wheel: ramps reach final period after %d (home) and %d (out) steps",
		cfg.Home.Ramp.StepsToFinal(), cfg.Out.Ramp.StepsToFinal())
	return e, nil
}

// Select starts a positioning command toward the filter with the given
// code. It returns false without side effects if a command is running or
// the code is unknown.
func (e *Engine) Select(code uint8) bool {
	f, ok := e.byCode[code]
	if !ok {
		debug.Verbose("Wheel: unknown filter code %d", code)
		return false
	}
	return e.start(f)
}

// SelectSlot starts a positioning command toward a raw slot index.
func (e *Engine) SelectSlot(slot int) bool {
	if slot < 0 || slot >= len(e.cfg.Filters) {
		debug.Verbose("Wheel: slot %d out of range", slot)
		return false
	}
	return e.start(e.cfg.Filters[slot])
}

func (e *Engine) start(f Filter) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.active.Load() {
		debug.Verbose("Wheel: busy, filter %d refused", f.Code)
		return false
	}

	var pulses [config.MaxSlots]uint32
	for i, sf := range e.cfg.Filters {
		pulses[i] = e.cfg.Geometry.PulsesFromUm(e.pos.PositionUm(sf.Code))
	}
	if err := e.seq.Start(f.Slot, pulses[:len(e.cfg.Filters)]); err != nil {
		debug.Error(err)
		return false
	}

	e.targetCode.Store(uint32(f.Code))
	e.targetSlot.Store(int32(f.Slot))
	e.valid.Store(false)
	e.active.Store(true)
	e.sink.SelectionPending(f.Code)
	debug.Live("Filter %d (%s): selecting slot %d, %d pulses past its free edge", f.Code, f.Name, f.Slot, pulses[f.Slot])

	e.startMotor(stepper.DirHome, e.cfg.Home)
	return true
}

// startMotor programs the driver lines and (re)starts the step timer at
// the initial period of sp.
func (e *Engine) startMotor(dir stepper.Direction, sp Speed) {
	e.profile = sp.Ramp
	_ = e.hw.Motor.SetDirection(dir)
	_ = e.hw.Motor.SetMicrostep(sp.Microstep)
	_ = e.hw.Motor.SetPhaseCurrent(stepper.CurrentHigh)
	e.hw.Timer.Stop()
	e.hw.Timer.SetPeriod(sp.Ramp.InitPeriod)
	_ = e.hw.Motor.Arm()
	e.hw.Timer.Start(sp.Ramp.InitPeriod)
}

// onStep is the step timer callback: one pulse has just been emitted.
func (e *Engine) onStep() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.active.Load() {
		return
	}

	switch e.seq.Advance(e.hw.Sensor.Engaged()) {
	case ActionRamp:
		if p, changed := e.profile.Next(e.hw.Timer.Period()); changed {
			e.hw.Timer.SetPeriod(p)
		}
	case ActionReverse:
		debug.Verbose("Wheel: home validated, reversing")
		e.startMotor(stepper.DirOut, e.cfg.Out)
	case ActionComplete:
		e.finish(StopTargetReached)
	case ActionFail:
		e.finish(StopError)
	}
}

// finish is the terminal transition. The sink is notified before the
// command is released so no new selection can overtake the report.
func (e *Engine) finish(cause StopCause) {
	e.hw.Timer.Stop()
	_ = e.hw.Motor.SetPhaseCurrent(stepper.CurrentLow)

	code := uint8(e.targetCode.Load())
	ok := cause == StopTargetReached
	e.cause.Store(int32(cause))
	e.valid.Store(ok)
	if ok {
		e.reached.Store(uint32(code))
	}
	e.ran.Store(true)

	debug.Outcome(int(code), ok)
	if ok {
		e.sink.SelectionCompleted(code)
	} else {
		e.sink.SelectionFailed(code)
	}
	e.active.Store(false)
}

// IsRunning reports whether a command is in progress.
func (e *Engine) IsRunning() bool {
	return e.active.Load()
}

// IsAtTarget reports whether the wheel rests on the filter with code after
// a successful command.
func (e *Engine) IsAtTarget(code uint8) bool {
	return !e.active.Load() && e.valid.Load() && uint8(e.reached.Load()) == code
}

// IsAtSlot is IsAtTarget for a raw slot index.
func (e *Engine) IsAtSlot(slot int) bool {
	if slot < 0 || slot >= len(e.cfg.Filters) {
		return false
	}
	return e.IsAtTarget(e.cfg.Filters[slot].Code)
}

// IsError reports whether the last command ended in error.
func (e *Engine) IsError() bool {
	return e.ran.Load() && StopCause(e.cause.Load()) == StopError
}

// StopCause returns why the last command ended.
func (e *Engine) StopCause() StopCause {
	return StopCause(e.cause.Load())
}

// TargetCode returns the filter code of the current or last command.
func (e *Engine) TargetCode() uint8 {
	return uint8(e.targetCode.Load())
}

// Filters returns the slot table.
func (e *Engine) Filters() []Filter {
	return e.cfg.Filters
}

// Filter looks up a filter by code.
func (e *Engine) Filter(code uint8) (Filter, bool) {
	f, ok := e.byCode[code]
	return f, ok
}

// Calibration returns the measured band widths.
func (e *Engine) Calibration() *calib.Store {
	return e.seq.Calibration()
}

// Widths returns the measured band widths of every slot in pulses and
// micrometers.
func (e *Engine) Widths() []calib.SlotWidths {
	ws := e.seq.Calibration().Snapshot(len(e.cfg.Filters))
	for i := range ws {
		ws[i].LightUm = e.cfg.Geometry.UmFromPulses(ws[i].Light)
		ws[i].DarkUm = e.cfg.Geometry.UmFromPulses(ws[i].Dark)
	}
	return ws
}

// State is a point-in-time view of the engine for diagnostics.
type State struct {
	Running    bool   `json:"running"`
	Valid      bool   `json:"slot_valid"`
	Cause      string `json:"stop_cause"`
	TargetCode uint8  `json:"target_code"`
	TargetSlot int    `json:"target_slot"`
	Step       int    `json:"phase_index"`
	Phase      string `json:"phase"`
	Counter    uint32 `json:"counter"`
	PeriodUs   uint16 `json:"period_us"`
}

// Snapshot returns a consistent view. It waits for the current tick.
func (e *Engine) Snapshot() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return State{
		Running:    e.active.Load(),
		Valid:      e.valid.Load(),
		Cause:      StopCause(e.cause.Load()).String(),
		TargetCode: uint8(e.targetCode.Load()),
		TargetSlot: int(e.targetSlot.Load()),
		Step:       e.seq.Step(),
		Phase:      e.seq.Phase().String(),
		Counter:    e.seq.Counter(),
		PeriodUs:   e.hw.Timer.Period(),
	}
}

// Close stops the timer and de-energizes the driver.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.hw.Timer.Stop()
	e.active.Store(false)
	return multierr.Combine(
		e.hw.Motor.SetPhaseCurrent(stepper.CurrentDisabled),
		e.hw.Motor.Disarm(),
	)
}
