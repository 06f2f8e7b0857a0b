package protocol

import (
	"fmt"
	"sync"

	"github.com/cjeanneret/FilterGo/internal/debug"
	"github.com/cjeanneret/FilterGo/internal/hw/light"
	"github.com/cjeanneret/FilterGo/internal/logic/wheel"
)

// Command is a protocol command code.
type Command uint8

const (
	CmdReserved         Command = 0
	CmdSetPositioner    Command = 1 // d0 = filter code
	CmdSetRawPositioner Command = 2 // d0 = slot index
	CmdSetLight         Command = 3 // d0 = 1 on, anything else off
	CmdAbort            Command = 0xFF
)

// LightOn is the SET_LIGHT argument that switches the light on.
const LightOn = 1

func (c Command) String() string {
	switch c {
	case CmdSetPositioner:
		return "SET_POSITIONER"
	case CmdSetRawPositioner:
		return "SET_RAW_POSITIONER"
	case CmdSetLight:
		return "SET_LIGHT"
	case CmdAbort:
		return "ABORT"
	default:
		return fmt.Sprintf("CMD(%d)", uint8(c))
	}
}

// ErrorCode is a command refusal or failure code.
type ErrorCode uint8

const (
	ErrNone                  ErrorCode = 0
	ErrBusy                  ErrorCode = 1
	ErrInvalidData           ErrorCode = 2
	ErrNotAvailable          ErrorCode = 3
	ErrFilterSelectionFailed ErrorCode = 0x80 // first application error code
)

func (e ErrorCode) String() string {
	switch e {
	case ErrNone:
		return "none"
	case ErrBusy:
		return "busy"
	case ErrInvalidData:
		return "invalid data"
	case ErrNotAvailable:
		return "not available"
	case ErrFilterSelectionFailed:
		return "filter selection failed"
	default:
		return fmt.Sprintf("error %d", uint8(e))
	}
}

// ReplyKind tells how a command was answered.
type ReplyKind int

const (
	Executed ReplyKind = iota
	Executing
	Failed
)

func (k ReplyKind) String() string {
	switch k {
	case Executed:
		return "executed"
	case Executing:
		return "executing"
	default:
		return "error"
	}
}

// Reply is the answer to a command. Data carries the two result bytes of an
// Executed reply, Err the code of a Failed one.
type Reply struct {
	Kind ReplyKind
	Data [2]uint8
	Err  ErrorCode
}

func executed(d0 uint8) Reply  { return Reply{Kind: Executed, Data: [2]uint8{d0, 0}} }
func failed(e ErrorCode) Reply { return Reply{Kind: Failed, Err: e} }

func (r Reply) String() string {
	switch r.Kind {
	case Failed:
		return fmt.Sprintf("error: %s", r.Err)
	case Executed:
		return fmt.Sprintf("executed %d %d", r.Data[0], r.Data[1])
	default:
		return r.Kind.String()
	}
}

// Wheel is the part of the positioning engine the handler drives.
type Wheel interface {
	Select(code uint8) bool
	SelectSlot(slot int) bool
	IsRunning() bool
	IsAtTarget(code uint8) bool
	IsAtSlot(slot int) bool
	IsError() bool
	Filters() []wheel.Filter
}

// Handler executes protocol commands. Positioning commands answer
// Executing and complete later through Poll.
type Handler struct {
	wheel Wheel
	light light.Light

	mu      sync.Mutex
	pending Command // CmdReserved = none
}

func NewHandler(w Wheel, l light.Light) *Handler {
	return &Handler{wheel: w, light: l}
}

// Handle executes cmd with its four data bytes.
func (h *Handler) Handle(cmd Command, d [4]uint8) Reply {
	h.mu.Lock()
	defer h.mu.Unlock()

	var r Reply
	switch cmd {
	case CmdAbort:
		// No mid-motion cancellation: a running selection runs to its end.
		r = executed(0)
	case CmdSetPositioner:
		code := d[0]
		r = h.positionLocked(cmd, code == Mirror,
			func() bool { return h.wheel.IsAtTarget(code) },
			func() bool { return h.wheel.Select(code) },
			code)
	case CmdSetRawPositioner:
		slot := int(d[0])
		r = h.positionLocked(cmd, h.slotIsMirror(slot),
			func() bool { return h.wheel.IsAtSlot(slot) },
			func() bool { return h.wheel.SelectSlot(slot) },
			d[0])
	case CmdSetLight:
		if d[0] == LightOn {
			h.light.On()
		} else {
			h.light.Off()
		}
		r = executed(0)
	default:
		r = failed(ErrNotAvailable)
	}
	debug.Verbose("Protocol: %s %v -> %s", cmd, d, r)
	return r
}

func (h *Handler) positionLocked(cmd Command, mirror bool, atTarget, sel func() bool, d0 uint8) Reply {
	if !mirror {
		h.light.Off()
	}
	switch {
	case h.wheel.IsRunning():
		return failed(ErrBusy)
	case atTarget():
		if mirror {
			h.light.On()
		}
		return executed(d0)
	case sel():
		h.pending = cmd
		if mirror {
			h.light.On()
		}
		return Reply{Kind: Executing}
	default:
		return failed(ErrInvalidData)
	}
}

func (h *Handler) slotIsMirror(slot int) bool {
	fs := h.wheel.Filters()
	return slot >= 0 && slot < len(fs) && fs[slot].Code == Mirror
}

// Poll returns the completion reply of the pending positioning command
// once the engine is idle. ok is false while nothing is to be reported.
func (h *Handler) Poll() (r Reply, ok bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.pending == CmdReserved || h.wheel.IsRunning() {
		return Reply{}, false
	}
	cmd := h.pending
	h.pending = CmdReserved
	if h.wheel.IsError() {
		r = failed(ErrFilterSelectionFailed)
	} else {
		r = executed(0)
	}
	debug.Verbose("Protocol: %s completed -> %s", cmd, r)
	return r, true
}

// Pending reports whether a positioning command awaits completion.
func (h *Handler) Pending() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.pending != CmdReserved
}
