// Package protocol is the device side of the register protocol: the
// status, error and parameter registers of the filter module and the
// command handler that drives the wheel engine and the indicator light.
package protocol

import (
	"fmt"
	"sync"

	"github.com/cjeanneret/FilterGo/internal/logic/wheel"
)

// Register layout constants.
// These values define the protocol and MUST NOT be configurable.

// ---- DEVICE ----

// DeviceID is the module identifier on the bus.
const DeviceID = 0x13

// StatusRegisters is the number of implemented status registers.
const StatusRegisters = 1

// ParamRegisters is the number of implemented parameter registers.
const ParamRegisters = 6

// ---- STATUS BYTES (register 0) ----

// StatusFilterByte holds the current slot selection status.
const StatusFilterByte = 0

// StatusStatorByte holds the stator temperature percentage.
const StatusStatorByte = 1

// StatusBulbByte holds the bulb temperature percentage.
const StatusBulbByte = 2

// StatusFlagsByte holds the flag bits.
const StatusFlagsByte = 3

// ---- FLAG BITS ----

// FlagLightOn is set while the indicator light is on.
const FlagLightOn uint8 = 0x01

// FlagErrors is set while any error bit is set.
const FlagErrors uint8 = 0x80

// ---- FILTER STATUS CODES ----

// StatusOutOfPosition means no valid slot is selected.
const StatusOutOfPosition uint8 = 0

// Filter codes 1..4 report "filter N selected" with their own value.

// StatusMirror means the mirror is selected.
const StatusMirror uint8 = 5

// StatusPending means a selection is in progress.
const StatusPending uint8 = 6

// ---- FILTER CODES ----

const (
	Filter1 uint8 = 1
	Filter2 uint8 = 2
	Filter3 uint8 = 3
	Filter4 uint8 = 4
	Mirror  uint8 = 5
)

// ---- ERROR BITS (pers0) ----

const (
	ErrBitBulbLow     uint8 = 0x01
	ErrBitBulbHigh    uint8 = 0x02
	ErrBitBulbShort   uint8 = 0x04
	ErrBitStatorLow   uint8 = 0x08
	ErrBitStatorHigh  uint8 = 0x10
	ErrBitStatorShort uint8 = 0x20
	ErrBitFilterSel   uint8 = 0x40
)

// ---- PARAMETER REGISTERS ----

// ParamFilter1Position is the first position parameter; filter codes
// 1..5 map to parameters 0..4.
const ParamFilter1Position = 0

// ParamMirrorPosition is the mirror position parameter.
const ParamMirrorPosition = 4

// ParamLightTimeout holds the light auto-off delay in seconds (byte 0).
const ParamLightTimeout = 5

// MaxPositionUm is the largest position a parameter word can carry.
const MaxPositionUm = 0xFFFF

// Registers holds the register file. It is a wheel.StatusSink and a
// wheel.Positions: the engine reports into it and reads the position
// parameters from it at every selection.
type Registers struct {
	mu       sync.Mutex
	status   [4]uint8
	pers0    uint8
	pers1    uint8
	params   [ParamRegisters][4]uint8
	fallback wheel.PositionTable // positions of codes without a parameter register
}

// RegisterState is a JSON view of the register file.
type RegisterState struct {
	FilterStatus uint8            `json:"filter_status"`
	StatorPct    uint8            `json:"stator_pct"`
	BulbPct      uint8            `json:"bulb_pct"`
	LightOn      bool             `json:"light_on"`
	Errors       bool             `json:"errors"`
	Pers0        uint8            `json:"pers0"`
	Pers1        uint8            `json:"pers1"`
	PositionsUm  map[uint8]uint32 `json:"positions_um"`
	LightTimeout uint8            `json:"light_timeout_s"`
}

// NewRegisters seeds the position parameters from defaults (the configured
// positions) and the light timeout parameter from lightTimeoutS.
func NewRegisters(defaults wheel.PositionTable, lightTimeoutS uint8) *Registers {
	r := &Registers{fallback: make(wheel.PositionTable)}
	for code, um := range defaults {
		if idx, ok := paramForCode(code); ok && um <= MaxPositionUm {
			r.params[idx] = wordParam(um)
			continue
		}
		r.fallback[code] = um
	}
	r.params[ParamLightTimeout][0] = lightTimeoutS
	return r
}

func paramForCode(code uint8) (int, bool) {
	if code < Filter1 || code > Mirror {
		return 0, false
	}
	return ParamFilter1Position + int(code-Filter1), true
}

func wordParam(v uint32) [4]uint8 {
	return [4]uint8{uint8(v), uint8(v >> 8), 0, 0}
}

// Parameter returns the raw bytes of parameter idx.
func (r *Registers) Parameter(idx int) ([4]uint8, error) {
	if idx < 0 || idx >= ParamRegisters {
		return [4]uint8{}, fmt.Errorf("parameter %d out of range", idx)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.params[idx], nil
}

// SetParameter overwrites parameter idx. Changes to position parameters
// apply from the next accepted selection.
func (r *Registers) SetParameter(idx int, b [4]uint8) error {
	if idx < 0 || idx >= ParamRegisters {
		return fmt.Errorf("parameter %d out of range", idx)
	}
	r.mu.Lock()
	r.params[idx] = b
	r.mu.Unlock()
	return nil
}

// PositionUm implements wheel.Positions.
func (r *Registers) PositionUm(code uint8) uint32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	if idx, ok := paramForCode(code); ok {
		p := r.params[idx]
		return uint32(p[0]) + 256*uint32(p[1])
	}
	return r.fallback[code]
}

// SetPositionUm stores the position of filter code.
func (r *Registers) SetPositionUm(code uint8, um uint32) error {
	if um > MaxPositionUm {
		return fmt.Errorf("position %dum exceeds %dum", um, MaxPositionUm)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if idx, ok := paramForCode(code); ok {
		r.params[idx] = wordParam(um)
		return nil
	}
	if _, ok := r.fallback[code]; !ok {
		return fmt.Errorf("unknown filter code %d", code)
	}
	r.fallback[code] = um
	return nil
}

// LightTimeoutSeconds implements light.TimeoutSource.
func (r *Registers) LightTimeoutSeconds() uint8 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.params[ParamLightTimeout][0]
}

// SetLightOn implements light.FlagSink.
func (r *Registers) SetLightOn(on bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if on {
		r.status[StatusFlagsByte] |= FlagLightOn
	} else {
		r.status[StatusFlagsByte] &^= FlagLightOn
	}
}

// SelectionPending implements wheel.StatusSink. A new selection clears a
// previous selection failure.
func (r *Registers) SelectionPending(code uint8) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.status[StatusFilterByte] = StatusPending
	r.setErrorLocked(ErrBitFilterSel, false)
}

// SelectionCompleted implements wheel.StatusSink. Codes beyond the mirror
// have no status encoding and report out of position.
func (r *Registers) SelectionCompleted(code uint8) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if code >= Filter1 && code <= Mirror {
		r.status[StatusFilterByte] = code
	} else {
		r.status[StatusFilterByte] = StatusOutOfPosition
	}
}

// SelectionFailed implements wheel.StatusSink.
func (r *Registers) SelectionFailed(code uint8) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.status[StatusFilterByte] = StatusOutOfPosition
	r.setErrorLocked(ErrBitFilterSel, true)
}

func (r *Registers) setErrorLocked(bit uint8, set bool) {
	if set {
		r.pers0 |= bit
	} else {
		r.pers0 &^= bit
	}
	if r.pers0 != 0 || r.pers1 != 0 {
		r.status[StatusFlagsByte] |= FlagErrors
	} else {
		r.status[StatusFlagsByte] &^= FlagErrors
	}
}

// Status returns status register 0.
func (r *Registers) Status() [4]uint8 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

// Errors returns the persistent error bytes.
func (r *Registers) Errors() (pers0, pers1 uint8) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pers0, r.pers1
}

// Snapshot returns a decoded copy of the register file.
func (r *Registers) Snapshot() RegisterState {
	r.mu.Lock()
	defer r.mu.Unlock()
	pos := make(map[uint8]uint32, len(r.fallback)+5)
	for code := Filter1; code <= Mirror; code++ {
		idx, _ := paramForCode(code)
		pos[code] = uint32(r.params[idx][0]) + 256*uint32(r.params[idx][1])
	}
	for code, um := range r.fallback {
		pos[code] = um
	}
	return RegisterState{
		FilterStatus: r.status[StatusFilterByte],
		StatorPct:    r.status[StatusStatorByte],
		BulbPct:      r.status[StatusBulbByte],
		LightOn:      r.status[StatusFlagsByte]&FlagLightOn != 0,
		Errors:       r.status[StatusFlagsByte]&FlagErrors != 0,
		Pers0:        r.pers0,
		Pers1:        r.pers1,
		PositionsUm:  pos,
		LightTimeout: r.params[ParamLightTimeout][0],
	}
}
