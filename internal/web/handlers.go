package web

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/cjeanneret/FilterGo/internal/debug"
	"github.com/cjeanneret/FilterGo/internal/logic/calib"
	"github.com/cjeanneret/FilterGo/internal/logic/cycle"
	"github.com/cjeanneret/FilterGo/internal/logic/wheel"
	"github.com/cjeanneret/FilterGo/internal/protocol"
)

// maxBodyBytes bounds JSON request bodies.
const maxBodyBytes = 1 << 20

// Engine is the read side of the positioning engine.
type Engine interface {
	Snapshot() wheel.State
	Filters() []wheel.Filter
	Widths() []calib.SlotWidths
}

// Commander executes protocol commands.
type Commander interface {
	Handle(cmd protocol.Command, d [4]uint8) protocol.Reply
}

// Registers is the register file as seen by the API.
type Registers interface {
	Snapshot() protocol.RegisterState
	PositionUm(code uint8) uint32
	SetPositionUm(code uint8, um uint32) error
}

// SelfTestFunc runs a self-test cycle.
// It is called from the POST /selftest handler in a goroutine.
type SelfTestFunc func(ctx context.Context) (cycle.Report, error)

// SelectRequest is the body of POST /select and POST /select/raw.
type SelectRequest struct {
	Code *int `json:"code,omitempty"`
	Slot *int `json:"slot,omitempty"`
}

// LightRequest is the body of POST /light.
type LightRequest struct {
	On bool `json:"on"`
}

// ParamRequest is the body of PUT /params/{code}.
type ParamRequest struct {
	PositionUm *int64 `json:"position_um"`
}

// CommandResponse is the JSON form of a protocol reply.
type CommandResponse struct {
	Result string   `json:"result"`
	Data   [2]uint8 `json:"data"`
	Error  string   `json:"error,omitempty"`
}

// StatusResponse is the body of GET /status.
type StatusResponse struct {
	Engine    wheel.State            `json:"engine"`
	Registers protocol.RegisterState `json:"registers"`
}

// ParamsResponse is the body of GET /params.
type ParamsResponse struct {
	PositionsUm   map[uint8]uint32 `json:"positions_um"`
	LightTimeoutS uint8            `json:"light_timeout_s"`
}

// Handlers holds dependencies for HTTP handlers.
type Handlers struct {
	Broadcaster *StatusBroadcaster
	Engine      Engine
	Commands    Commander
	Registers   Registers
	SelfTest    SelfTestFunc

	runningMu  sync.Mutex
	running    bool
	lastReport *cycle.Report
}

// NewHandlers creates handlers with the given dependencies.
// If selfTest is nil, POST /selftest will return 503 Service Unavailable.
func NewHandlers(broadcaster *StatusBroadcaster, e Engine, cmd Commander, regs Registers, selfTest SelfTestFunc) *Handlers {
	return &Handlers{
		Broadcaster: broadcaster,
		Engine:      e,
		Commands:    cmd,
		Registers:   regs,
		SelfTest:    selfTest,
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		debug.Error(err)
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}
	return nil
}

// replyStatus maps a protocol reply to an HTTP status code.
func replyStatus(r protocol.Reply) int {
	switch r.Kind {
	case protocol.Executed:
		return http.StatusOK
	case protocol.Executing:
		return http.StatusAccepted
	}
	switch r.Err {
	case protocol.ErrBusy:
		return http.StatusConflict
	case protocol.ErrInvalidData:
		return http.StatusBadRequest
	case protocol.ErrNotAvailable:
		return http.StatusNotImplemented
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handlers) command(w http.ResponseWriter, cmd protocol.Command, d0 uint8) {
	r := h.Commands.Handle(cmd, [4]uint8{d0})
	resp := CommandResponse{Result: r.Kind.String(), Data: r.Data}
	if r.Kind == protocol.Failed {
		resp.Error = r.Err.String()
	}
	writeJSON(w, replyStatus(r), resp)
}

// ValidateByte checks that v fits a command data byte.
func ValidateByte(name string, v *int) error {
	if v == nil {
		return fmt.Errorf("%s is required", name)
	}
	if *v < 0 || *v > 255 {
		return fmt.Errorf("%s must be between 0 and 255", name)
	}
	return nil
}

// HandleSelect handles POST /select {"code":N}.
func (h *Handlers) HandleSelect(w http.ResponseWriter, r *http.Request) {
	var req SelectRequest
	if err := decodeJSON(w, r, &req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := ValidateByte("code", req.Code); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	h.command(w, protocol.CmdSetPositioner, uint8(*req.Code))
}

// HandleSelectRaw handles POST /select/raw {"slot":N}.
func (h *Handlers) HandleSelectRaw(w http.ResponseWriter, r *http.Request) {
	var req SelectRequest
	if err := decodeJSON(w, r, &req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := ValidateByte("slot", req.Slot); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	h.command(w, protocol.CmdSetRawPositioner, uint8(*req.Slot))
}

// HandleLight handles POST /light {"on":bool}.
func (h *Handlers) HandleLight(w http.ResponseWriter, r *http.Request) {
	var req LightRequest
	if err := decodeJSON(w, r, &req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	var d0 uint8
	if req.On {
		d0 = protocol.LightOn
	}
	h.command(w, protocol.CmdSetLight, d0)
}

// HandleStatus handles GET /status.
func (h *Handlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, StatusResponse{
		Engine:    h.Engine.Snapshot(),
		Registers: h.Registers.Snapshot(),
	})
}

// HandleDiagnostics handles GET /diagnostics: the measured band widths.
func (h *Handlers) HandleDiagnostics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.Engine.Widths())
}

// HandleParams handles GET /params.
func (h *Handlers) HandleParams(w http.ResponseWriter, r *http.Request) {
	s := h.Registers.Snapshot()
	writeJSON(w, http.StatusOK, ParamsResponse{PositionsUm: s.PositionsUm, LightTimeoutS: s.LightTimeout})
}

// HandleSetParam handles PUT /params/{code} {"position_um":N}.
func (h *Handlers) HandleSetParam(w http.ResponseWriter, r *http.Request) {
	code, err := strconv.ParseUint(r.PathValue("code"), 10, 8)
	if err != nil {
		http.Error(w, "code must be between 0 and 255", http.StatusBadRequest)
		return
	}
	var req ParamRequest
	if err := decodeJSON(w, r, &req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.PositionUm == nil || *req.PositionUm < 0 || *req.PositionUm > protocol.MaxPositionUm {
		http.Error(w, fmt.Sprintf("position_um must be between 0 and %d", protocol.MaxPositionUm), http.StatusBadRequest)
		return
	}
	if err := h.Registers.SetPositionUm(uint8(code), uint32(*req.PositionUm)); err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, map[string]uint32{"position_um": h.Registers.PositionUm(uint8(code))})
}

// HandleSelfTest handles POST /selftest to start a self-test cycle.
func (h *Handlers) HandleSelfTest(w http.ResponseWriter, r *http.Request) {
	if h.SelfTest == nil {
		http.Error(w, "self-test not configured", http.StatusServiceUnavailable)
		return
	}

	h.runningMu.Lock()
	if h.running {
		h.runningMu.Unlock()
		http.Error(w, "self-test already in progress", http.StatusConflict)
		return
	}
	h.running = true
	h.runningMu.Unlock()

	// Run in goroutine; clear running when done
	go func() {
		rep, err := h.SelfTest(context.Background())

		h.runningMu.Lock()
		h.running = false
		h.lastReport = &rep
		h.runningMu.Unlock()

		switch {
		case err != nil:
			h.Broadcaster.Broadcast("error", "Self-test aborted: "+err.Error())
		case rep.Passed:
			h.Broadcaster.Broadcast("info", "Self-test passed")
		default:
			h.Broadcaster.Broadcast("error", "Self-test failed")
		}
	}()

	writeJSON(w, http.StatusAccepted, map[string]string{"status": "started"})
}

// HandleSelfTestReport handles GET /selftest: the last self-test report.
func (h *Handlers) HandleSelfTestReport(w http.ResponseWriter, r *http.Request) {
	h.runningMu.Lock()
	rep, running := h.lastReport, h.running
	h.runningMu.Unlock()

	if rep == nil {
		if running {
			writeJSON(w, http.StatusAccepted, map[string]string{"status": "running"})
			return
		}
		http.Error(w, "no self-test has run", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

// HandleStatusStream handles GET /status/stream for SSE.
func (h *Handlers) HandleStatusStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // nginx

	ch, unsub := h.Broadcaster.Subscribe()
	defer unsub()

	// Send initial comment to establish connection
	if _, err := w.Write([]byte(": connected\n\n")); err != nil {
		return
	}
	flusher.Flush()

	// Heartbeat while idle
	ticker := h.Broadcaster.clk.Ticker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return
			}
			if _, err := w.Write([]byte("data: " + msg + "\n\n")); err != nil {
				return
			}
			flusher.Flush()

		case <-ticker.C:
			if _, err := w.Write([]byte(": heartbeat\n\n")); err != nil {
				return
			}
			flusher.Flush()

		case <-r.Context().Done():
			return
		}
	}
}
