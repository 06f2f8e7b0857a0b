package main

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/benbjohnson/clock"
	"github.com/google/go-cmp/cmp"

	"github.com/cjeanneret/FilterGo/internal/config"
	"github.com/cjeanneret/FilterGo/internal/hw/gpio"
	"github.com/cjeanneret/FilterGo/internal/protocol"
)

// ---------- validateCLIOverrides ----------

func TestValidateCLIOverrides_Valid(t *testing.T) {
	cases := []struct {
		name     string
		code     int
		selfTest bool
		web      int
	}{
		{"nothing", 0, false, 0},
		{"min_code", 1, false, 0},
		{"max_code", 255, false, 0},
		{"selftest", 0, true, 0},
		{"web_only", 0, false, 8080},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if err := validateCLIOverrides(tc.code, tc.selfTest, tc.web); err != nil {
				t.Errorf("expected valid, got: %v", err)
			}
		})
	}
}

func TestValidateCLIOverrides_Invalid(t *testing.T) {
	cases := []struct {
		name     string
		code     int
		selfTest bool
		web      int
	}{
		{"negative_code", -1, false, 0},
		{"code_too_large", 256, false, 0},
		{"select_and_selftest", 2, true, 0},
		{"web_and_select", 2, false, 8080},
		{"web_and_selftest", 0, true, 8080},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if err := validateCLIOverrides(tc.code, tc.selfTest, tc.web); err == nil {
				t.Error("expected error, got nil")
			}
		})
	}
}

// ---------- webPortFlag ----------

func TestWebPortFlag_EmptyString(t *testing.T) {
	w := &webPortFlag{defaultPort: 8080}
	if err := w.Set(""); err != nil {
		t.Fatalf("Set(\"\") error: %v", err)
	}
	if w.port() != 8080 {
		t.Errorf("expected default port 8080, got %d", w.port())
	}
}

func TestWebPortFlag_ValidPorts(t *testing.T) {
	cases := []struct {
		input string
		want  int
	}{
		{"8080", 8080},
		{"1", 1},
		{"65535", 65535},
		{"3000", 3000},
	}
	for _, tc := range cases {
		t.Run(tc.input, func(t *testing.T) {
			w := &webPortFlag{defaultPort: 8080}
			if err := w.Set(tc.input); err != nil {
				t.Fatalf("Set(%q) error: %v", tc.input, err)
			}
			if w.port() != tc.want {
				t.Errorf("port() = %d, want %d", w.port(), tc.want)
			}
		})
	}
}

func TestWebPortFlag_InvalidPorts(t *testing.T) {
	cases := []string{"0", "65536", "-1", "abc", "8080.5"}
	for _, input := range cases {
		t.Run(input, func(t *testing.T) {
			w := &webPortFlag{defaultPort: 8080}
			if err := w.Set(input); err == nil {
				t.Errorf("Set(%q) should fail, got nil", input)
			}
		})
	}
}

func TestWebPortFlag_String(t *testing.T) {
	w := &webPortFlag{val: 0}
	if s := w.String(); s != "0" {
		t.Errorf("String() = %q, want \"0\"", s)
	}
	w.val = 9090
	if s := w.String(); s != "9090" {
		t.Errorf("String() = %q, want \"9090\"", s)
	}
}

// ---------- applyOverrides ----------

const (
	testStepPin  = 17
	testDirPin   = 27
	testOptoPin  = 22
	testLightPin = 23
)

func newTestConfig() *config.Config {
	cfg := config.Default()
	cfg.Driver = config.DriverConfig{StepPin: testStepPin, DirPin: testDirPin, MS1Pin: 5, MS2Pin: 6, EnablePin: 13}
	cfg.Opto.Pin = testOptoPin
	cfg.Light.Pin = testLightPin
	cfg.Serial.Port = "/dev/ttyAMA0"
	cfg.Defaults.MockGPIO = true
	return cfg
}

func TestApplyOverrides_SerialPort(t *testing.T) {
	cfg := newTestConfig()
	applyOverrides(cfg, "/dev/ttyUSB0")
	if cfg.Serial.Port != "/dev/ttyUSB0" {
		t.Errorf("Serial.Port = %q, want /dev/ttyUSB0", cfg.Serial.Port)
	}
}

func TestApplyOverrides_EmptyLeavesUnchanged(t *testing.T) {
	cfg := newTestConfig()
	applyOverrides(cfg, "")
	if cfg.Serial.Port != "/dev/ttyAMA0" {
		t.Errorf("Serial.Port changed: %q", cfg.Serial.Port)
	}
}

// ---------- newApp ----------

// recordingSink records selection events.
type recordingSink struct {
	events []string
}

func (s *recordingSink) SelectionPending(code uint8) {
	s.events = append(s.events, fmt.Sprintf("pending:%d", code))
}
func (s *recordingSink) SelectionCompleted(code uint8) {
	s.events = append(s.events, fmt.Sprintf("completed:%d", code))
}
func (s *recordingSink) SelectionFailed(code uint8) {
	s.events = append(s.events, fmt.Sprintf("failed:%d", code))
}

func TestNewApp_MockWiring(t *testing.T) {
	sink := &recordingSink{}
	a, err := newApp(newTestConfig(), clock.NewMock(), sink)
	if err != nil {
		t.Fatalf("newApp: %v", err)
	}
	if a.sim == nil {
		t.Fatal("mock mode should use the wheel simulator")
	}
	if n := len(a.engine.Filters()); n != 5 {
		t.Errorf("filters = %d, want 5", n)
	}
	if got := a.regs.PositionUm(1); got != 100 {
		t.Errorf("position of filter 1 = %d, want 100 (from config)", got)
	}
	if mode, ok := a.sim.Mode(testLightPin); !ok || mode != gpio.Output {
		t.Errorf("light pin mode = %v (set %v), want output", mode, ok)
	}
	if mode, ok := a.sim.Mode(testOptoPin); !ok || mode != gpio.Input {
		t.Errorf("opto pin mode = %v (set %v), want input", mode, ok)
	}

	// Light command drives the pin and the status flag.
	if r := a.handler.Handle(protocol.CmdSetLight, [4]uint8{protocol.LightOn}); r.Kind != protocol.Executed {
		t.Fatalf("SET_LIGHT reply = %s, want executed", r)
	}
	if a.sim.Level(testLightPin) != gpio.High || !a.regs.Snapshot().LightOn {
		t.Error("light should be on (pin high, flag set)")
	}

	// A selection reaches the register file and the extra sink. The mock
	// clock never advances, so the motor stays at its first period.
	if r := a.handler.Handle(protocol.CmdSetPositioner, [4]uint8{2}); r.Kind != protocol.Executing {
		t.Fatalf("SET_POSITIONER reply = %s, want executing", r)
	}
	if !a.engine.IsRunning() {
		t.Error("engine should be running")
	}
	if got := a.regs.Status()[protocol.StatusFilterByte]; got != protocol.StatusPending {
		t.Errorf("filter status = %d, want pending", got)
	}
	if diff := cmp.Diff([]string{"pending:2"}, sink.events); diff != "" {
		t.Errorf("sink events mismatch (-want +got):\n%s", diff)
	}
	if a.sim.Level(testLightPin) != gpio.Low {
		t.Error("selecting a filter should switch the light off")
	}
	if r := a.handler.Handle(protocol.CmdSetPositioner, [4]uint8{3}); r.Err != protocol.ErrBusy {
		t.Errorf("second selection = %s, want busy", r)
	}

	if err := a.Close(); err != nil {
		t.Errorf("Close: %v", err)
	}
	if a.engine.IsRunning() {
		t.Error("engine should be stopped after Close")
	}
}

func TestNewApp_SimulatorNeedsPins(t *testing.T) {
	cfg := newTestConfig()
	cfg.Opto.Pin = 0
	if _, err := newApp(cfg, clock.NewMock()); err == nil {
		t.Fatal("expected error without an opto pin")
	}
}

func TestServe_NothingConfigured(t *testing.T) {
	a, err := newApp(newTestConfig(), clock.NewMock())
	if err != nil {
		t.Fatalf("newApp: %v", err)
	}
	defer a.Close()

	err = a.serve(context.Background(), config.SerialConfig{}, 0, nil)
	if err == nil || !strings.Contains(err.Error(), "nothing to serve") {
		t.Errorf("serve = %v, want nothing-to-serve error", err)
	}
}

// ---------- selectOnce ----------

// scriptedSelector answers Handle with reply, then reports done after
// idlePolls unsuccessful polls.
type scriptedSelector struct {
	reply     protocol.Reply
	done      protocol.Reply
	idlePolls int
	polls     int
	handled   []string
}

func (s *scriptedSelector) Handle(cmd protocol.Command, d [4]uint8) protocol.Reply {
	s.handled = append(s.handled, fmt.Sprintf("%s:%d", cmd, d[0]))
	return s.reply
}

func (s *scriptedSelector) Poll() (protocol.Reply, bool) {
	s.polls++
	if s.polls <= s.idlePolls {
		return protocol.Reply{}, false
	}
	return s.done, true
}

func TestSelectOnce(t *testing.T) {
	executing := protocol.Reply{Kind: protocol.Executing}
	cases := []struct {
		name    string
		sel     *scriptedSelector
		wantErr string
	}{
		{"already_there", &scriptedSelector{reply: protocol.Reply{Kind: protocol.Executed, Data: [2]uint8{3}}}, ""},
		{"refused", &scriptedSelector{reply: protocol.Reply{Kind: protocol.Failed, Err: protocol.ErrInvalidData}}, "invalid data"},
		{"completes", &scriptedSelector{reply: executing, done: protocol.Reply{Kind: protocol.Executed}, idlePolls: 2}, ""},
		{"fails", &scriptedSelector{reply: executing, done: protocol.Reply{Kind: protocol.Failed, Err: protocol.ErrFilterSelectionFailed}}, "filter selection failed"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := selectOnce(context.Background(), tc.sel, clock.New(), 3)
			switch {
			case tc.wantErr == "" && err != nil:
				t.Errorf("unexpected error: %v", err)
			case tc.wantErr != "" && (err == nil || !strings.Contains(err.Error(), tc.wantErr)):
				t.Errorf("error = %v, want it to contain %q", err, tc.wantErr)
			}
			if diff := cmp.Diff([]string{"SET_POSITIONER:3"}, tc.sel.handled); diff != "" {
				t.Errorf("handled commands mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestSelectOnce_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	sel := &scriptedSelector{reply: protocol.Reply{Kind: protocol.Executing}, idlePolls: 1 << 30}
	if err := selectOnce(ctx, sel, clock.New(), 1); err != context.Canceled {
		t.Errorf("selectOnce = %v, want context.Canceled", err)
	}
}
