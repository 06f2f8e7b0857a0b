package web

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/go-cmp/cmp"

	"github.com/cjeanneret/FilterGo/internal/logic/calib"
	"github.com/cjeanneret/FilterGo/internal/logic/cycle"
	"github.com/cjeanneret/FilterGo/internal/logic/wheel"
	"github.com/cjeanneret/FilterGo/internal/protocol"
)

// ---------- fakes ----------

type fakeEngine struct {
	store *calib.Store
}

func (e *fakeEngine) Snapshot() wheel.State {
	return wheel.State{Running: false, Valid: true, Cause: "target-reached", TargetCode: 2, Phase: "wait-free[1]"}
}

func (e *fakeEngine) Filters() []wheel.Filter {
	return []wheel.Filter{{Code: 1, Slot: 0}, {Code: 2, Slot: 1}}
}

// Widths reports micrometers for a 13um step.
func (e *fakeEngine) Widths() []calib.SlotWidths {
	ws := e.store.Snapshot(len(e.Filters()))
	for i := range ws {
		ws[i].LightUm, ws[i].DarkUm = ws[i].Light*13, ws[i].Dark*13
	}
	return ws
}

// recordingCommander records commands and answers with reply.
type recordingCommander struct {
	mu    sync.Mutex
	calls []string
	reply protocol.Reply
}

func (r *recordingCommander) Handle(cmd protocol.Command, d [4]uint8) protocol.Reply {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, fmt.Sprintf("%s:%d", cmd, d[0]))
	return r.reply
}

// ---------- helpers ----------

type testRig struct {
	h    *Handlers
	cmd  *recordingCommander
	regs *protocol.Registers
	mux  http.Handler
}

func newTestRig(selfTest SelfTestFunc) *testRig {
	store := calib.NewStore()
	store.RecordLight(0, 1384)
	store.RecordDark(0, 153)
	cmd := &recordingCommander{reply: protocol.Reply{Kind: protocol.Executing}}
	regs := protocol.NewRegisters(wheel.PositionTable{1: 100, 2: 0, 3: 0, 4: 0, 5: 9000}, 5)
	h := NewHandlers(NewStatusBroadcaster(clock.NewMock()), &fakeEngine{store: store}, cmd, regs, selfTest)
	return &testRig{h: h, cmd: cmd, regs: regs, mux: NewServer(":0", h).Mux()}
}

func (rig *testRig) do(method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	rig.mux.ServeHTTP(w, req)
	return w
}

func decodeCommand(t *testing.T, w *httptest.ResponseRecorder) CommandResponse {
	t.Helper()
	var resp CommandResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return resp
}

// ---------- ValidateByte ----------

func TestValidateByte(t *testing.T) {
	v := func(i int) *int { return &i }
	cases := []struct {
		name    string
		in      *int
		wantErr bool
	}{
		{"zero", v(0), false},
		{"max", v(255), false},
		{"missing", nil, true},
		{"negative", v(-1), true},
		{"too_large", v(256), true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if err := ValidateByte("code", tc.in); (err != nil) != tc.wantErr {
				t.Errorf("ValidateByte = %v, wantErr %v", err, tc.wantErr)
			}
		})
	}
}

// ---------- commands ----------

func TestCommandRoutes(t *testing.T) {
	cases := []struct {
		name     string
		method   string
		path     string
		body     string
		wantCall string
	}{
		{"select", http.MethodPost, "/select", `{"code":2}`, "SET_POSITIONER:2"},
		{"select_raw", http.MethodPost, "/select/raw", `{"slot":4}`, "SET_RAW_POSITIONER:4"},
		{"light_on", http.MethodPost, "/light", `{"on":true}`, "SET_LIGHT:1"},
		{"light_off", http.MethodPost, "/light", `{"on":false}`, "SET_LIGHT:0"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rig := newTestRig(nil)
			w := rig.do(tc.method, tc.path, tc.body)
			if w.Code != http.StatusAccepted {
				t.Errorf("status = %d, want %d", w.Code, http.StatusAccepted)
			}
			if resp := decodeCommand(t, w); resp.Result != "executing" {
				t.Errorf("result = %q, want executing", resp.Result)
			}
			if diff := cmp.Diff([]string{tc.wantCall}, rig.cmd.calls); diff != "" {
				t.Errorf("commands mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestCommandReplyStatus(t *testing.T) {
	cases := []struct {
		name      string
		reply     protocol.Reply
		wantCode  int
		wantError string
	}{
		{"executed", protocol.Reply{Kind: protocol.Executed, Data: [2]uint8{2, 0}}, http.StatusOK, ""},
		{"busy", protocol.Reply{Kind: protocol.Failed, Err: protocol.ErrBusy}, http.StatusConflict, "busy"},
		{"invalid", protocol.Reply{Kind: protocol.Failed, Err: protocol.ErrInvalidData}, http.StatusBadRequest, "invalid data"},
		{"not_available", protocol.Reply{Kind: protocol.Failed, Err: protocol.ErrNotAvailable}, http.StatusNotImplemented, "not available"},
		{"selection_failed", protocol.Reply{Kind: protocol.Failed, Err: protocol.ErrFilterSelectionFailed}, http.StatusInternalServerError, "filter selection failed"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rig := newTestRig(nil)
			rig.cmd.reply = tc.reply
			w := rig.do(http.MethodPost, "/select", `{"code":2}`)
			if w.Code != tc.wantCode {
				t.Errorf("status = %d, want %d", w.Code, tc.wantCode)
			}
			resp := decodeCommand(t, w)
			if resp.Error != tc.wantError {
				t.Errorf("error = %q, want %q", resp.Error, tc.wantError)
			}
			if resp.Data != tc.reply.Data {
				t.Errorf("data = %v, want %v", resp.Data, tc.reply.Data)
			}
		})
	}
}

func TestSelect_BadRequests(t *testing.T) {
	cases := []struct {
		name string
		path string
		body string
	}{
		{"invalid_json", "/select", "not json"},
		{"missing_code", "/select", `{}`},
		{"code_out_of_range", "/select", `{"code":256}`},
		{"negative_slot", "/select/raw", `{"slot":-1}`},
		{"raw_wants_slot", "/select/raw", `{"code":1}`},
		{"oversized", "/select", `{"code":1,"pad":"` + strings.Repeat("x", 2<<20) + `"}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rig := newTestRig(nil)
			w := rig.do(http.MethodPost, tc.path, tc.body)
			if w.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want %d", w.Code, http.StatusBadRequest)
			}
			if len(rig.cmd.calls) != 0 {
				t.Errorf("no command should run, got %v", rig.cmd.calls)
			}
		})
	}
}

func TestSelect_GetMethodNotAllowed(t *testing.T) {
	rig := newTestRig(nil)
	w := rig.do(http.MethodGet, "/select", "")
	if w.Code != http.StatusMethodNotAllowed {
		t.Errorf("status = %d, want %d", w.Code, http.StatusMethodNotAllowed)
	}
}

// ---------- status, diagnostics, params ----------

func TestHandleStatus(t *testing.T) {
	rig := newTestRig(nil)
	rig.regs.SelectionCompleted(2)

	w := rig.do(http.MethodGet, "/status", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	var resp StatusResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Engine.Phase != "wait-free[1]" || !resp.Engine.Valid {
		t.Errorf("engine = %+v", resp.Engine)
	}
	if resp.Registers.FilterStatus != 2 {
		t.Errorf("filter status = %d, want 2", resp.Registers.FilterStatus)
	}
}

func TestHandleDiagnostics(t *testing.T) {
	rig := newTestRig(nil)
	w := rig.do(http.MethodGet, "/diagnostics", "")

	var got []calib.SlotWidths
	if err := json.NewDecoder(w.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	want := []calib.SlotWidths{{Slot: 0, Light: 1384, Dark: 153, LightUm: 17992, DarkUm: 1989}, {Slot: 1}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("diagnostics mismatch (-want +got):\n%s", diff)
	}
}

func TestParams_GetAndPut(t *testing.T) {
	rig := newTestRig(nil)

	w := rig.do(http.MethodPut, "/params/3", `{"position_um":2600}`)
	if w.Code != http.StatusOK {
		t.Fatalf("PUT status = %d, want %d: %s", w.Code, http.StatusOK, w.Body.String())
	}
	if rig.regs.PositionUm(3) != 2600 {
		t.Errorf("register = %d, want 2600", rig.regs.PositionUm(3))
	}

	w = rig.do(http.MethodGet, "/params", "")
	var resp ParamsResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	want := ParamsResponse{
		PositionsUm:   map[uint8]uint32{1: 100, 2: 0, 3: 2600, 4: 0, 5: 9000},
		LightTimeoutS: 5,
	}
	if diff := cmp.Diff(want, resp); diff != "" {
		t.Errorf("params mismatch (-want +got):\n%s", diff)
	}
}

func TestParams_PutRejects(t *testing.T) {
	cases := []struct {
		name     string
		path     string
		body     string
		wantCode int
	}{
		{"bad_code", "/params/abc", `{"position_um":1}`, http.StatusBadRequest},
		{"code_too_large", "/params/300", `{"position_um":1}`, http.StatusBadRequest},
		{"missing_value", "/params/1", `{}`, http.StatusBadRequest},
		{"negative", "/params/1", `{"position_um":-5}`, http.StatusBadRequest},
		{"too_large", "/params/1", `{"position_um":70000}`, http.StatusBadRequest},
		{"unknown_code", "/params/9", `{"position_um":10}`, http.StatusNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rig := newTestRig(nil)
			if w := rig.do(http.MethodPut, tc.path, tc.body); w.Code != tc.wantCode {
				t.Errorf("status = %d, want %d", w.Code, tc.wantCode)
			}
		})
	}
}

// ---------- self-test ----------

func TestSelfTest_NotConfigured(t *testing.T) {
	rig := newTestRig(nil)
	if w := rig.do(http.MethodPost, "/selftest", ""); w.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want %d", w.Code, http.StatusServiceUnavailable)
	}
	if w := rig.do(http.MethodGet, "/selftest", ""); w.Code != http.StatusNotFound {
		t.Errorf("report status = %d, want %d", w.Code, http.StatusNotFound)
	}
}

func TestSelfTest_RunsOnceAndReports(t *testing.T) {
	started := make(chan struct{})
	blocking := make(chan struct{})
	selfTest := func(_ context.Context) (cycle.Report, error) {
		close(started)
		<-blocking
		return cycle.Report{Passed: true, Results: []cycle.Result{{Code: 1, OK: true}}}, nil
	}
	rig := newTestRig(selfTest)
	events, unsub := rig.h.Broadcaster.Subscribe()
	defer unsub()

	if w := rig.do(http.MethodPost, "/selftest", ""); w.Code != http.StatusAccepted {
		t.Fatalf("first request: status = %d, want %d", w.Code, http.StatusAccepted)
	}
	<-started

	if w := rig.do(http.MethodPost, "/selftest", ""); w.Code != http.StatusConflict {
		t.Errorf("concurrent request: status = %d, want %d", w.Code, http.StatusConflict)
	}
	if w := rig.do(http.MethodGet, "/selftest", ""); w.Code != http.StatusAccepted {
		t.Errorf("report while running: status = %d, want %d", w.Code, http.StatusAccepted)
	}

	close(blocking)
	select {
	case msg := <-events:
		var evt StatusEvent
		if err := json.Unmarshal([]byte(msg), &evt); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if evt.Msg != "Self-test passed" {
			t.Errorf("event = %q, want %q", evt.Msg, "Self-test passed")
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for the self-test event")
	}

	w := rig.do(http.MethodGet, "/selftest", "")
	if w.Code != http.StatusOK {
		t.Fatalf("report status = %d, want %d", w.Code, http.StatusOK)
	}
	var rep cycle.Report
	if err := json.NewDecoder(w.Body).Decode(&rep); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !rep.Passed || len(rep.Results) != 1 {
		t.Errorf("report = %+v", rep)
	}
}

func TestSelfTest_ErrorBroadcast(t *testing.T) {
	rig := newTestRig(func(_ context.Context) (cycle.Report, error) {
		return cycle.Report{}, errors.New("boom")
	})
	events, unsub := rig.h.Broadcaster.Subscribe()
	defer unsub()

	rig.do(http.MethodPost, "/selftest", "")
	select {
	case msg := <-events:
		var evt StatusEvent
		if err := json.Unmarshal([]byte(msg), &evt); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if evt.Level != "error" || evt.Msg != "Self-test aborted: boom" {
			t.Errorf("event = %+v", evt)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for the self-test event")
	}
}

// ---------- SSE ----------

func TestStatusStream_DeliversEvents(t *testing.T) {
	rig := newTestRig(nil)
	srv := httptest.NewServer(rig.mux)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/status/stream")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Content-Type = %q, want text/event-stream", ct)
	}

	rd := bufio.NewReader(resp.Body)
	line, err := rd.ReadString('\n')
	if err != nil || line != ": connected\n" {
		t.Fatalf("first line = %q, %v", line, err)
	}
	// The subscription exists once the connected comment is out.
	rig.h.Broadcaster.SelectionCompleted(3)

	for {
		line, err = rd.ReadString('\n')
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		if strings.HasPrefix(line, "data: ") {
			break
		}
	}
	var evt StatusEvent
	if err := json.Unmarshal([]byte(strings.TrimPrefix(strings.TrimSpace(line), "data: ")), &evt); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if evt.Event != "completed" || evt.Code != 3 {
		t.Errorf("event = %+v, want completed code 3", evt)
	}
}
