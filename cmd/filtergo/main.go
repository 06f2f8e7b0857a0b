package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/benbjohnson/clock"
	"go.bug.st/serial"
	"go.uber.org/multierr"

	"github.com/cjeanneret/FilterGo/internal/config"
	"github.com/cjeanneret/FilterGo/internal/console"
	"github.com/cjeanneret/FilterGo/internal/debug"
	"github.com/cjeanneret/FilterGo/internal/hw/gpio"
	"github.com/cjeanneret/FilterGo/internal/hw/light"
	"github.com/cjeanneret/FilterGo/internal/hw/opto"
	"github.com/cjeanneret/FilterGo/internal/hw/sim"
	"github.com/cjeanneret/FilterGo/internal/hw/stepper"
	"github.com/cjeanneret/FilterGo/internal/hw/steptimer"
	"github.com/cjeanneret/FilterGo/internal/logic/cycle"
	"github.com/cjeanneret/FilterGo/internal/logic/wheel"
	"github.com/cjeanneret/FilterGo/internal/protocol"
	"github.com/cjeanneret/FilterGo/internal/web"
)

// completionPoll is how often a pending positioning command is checked
// for completion.
const completionPoll = 10 * time.Millisecond

func main() {
	// CLI flags
	webPort := &webPortFlag{defaultPort: 8080}
	flag.Var(webPort, "web", "start web server on port; -web= for default 8080, -web 8980 for custom port")
	cfgPath := flag.String("config", filepath.Join("configs", "default.yaml"), "path to config file")
	serialPort := flag.String("serial", "", "serial console port (overrides serial.port)")
	selectCode := flag.Int("select", 0, "select the filter with this code (1-255) and exit")
	selfTest := flag.Bool("selftest", false, "select every filter once, print the report and exit")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := validateCLIOverrides(*selectCode, *selfTest, webPort.port()); err != nil {
		log.Fatalf("invalid CLI override: %v", err)
	}
	if err := config.ValidateConfigPath(*cfgPath); err != nil {
		log.Fatalf("invalid config path: %v", err)
	}

	// Load configuration
	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Fatalf("load config failed: %v", err)
	}
	applyOverrides(cfg, *serialPort)

	// Initialize debug system
	debug.Init(cfg.Defaults.DebugLevel)
	debug.Section("Initialization")
	debug.Value("Config path", *cfgPath)
	debug.Value("Debug level", cfg.Defaults.DebugLevel)
	debug.Value("Mock GPIO", cfg.Defaults.MockGPIO)

	var sinks []wheel.StatusSink
	var broadcaster *web.StatusBroadcaster
	if webPort.port() > 0 {
		broadcaster = web.NewStatusBroadcaster(clock.New())
		debug.SetOutput(io.MultiWriter(os.Stdout, web.BroadcastWriter(broadcaster)))
		sinks = append(sinks, broadcaster)
	}

	a, err := newApp(cfg, clock.New(), sinks...)
	if err != nil {
		log.Fatalf("init failed: %v", err)
	}
	defer func() {
		if err := a.Close(); err != nil {
			log.Printf("shutdown failed: %v", err)
		}
	}()

	go a.light.Run(ctx)

	switch {
	case *selectCode > 0:
		debug.Section("Filter Selection")
		if err := selectOnce(ctx, a.handler, a.clk, uint8(*selectCode)); err != nil {
			log.Fatalf("select failed: %v", err)
		}
		debug.Outcome(*selectCode, true)
		return

	case *selfTest:
		debug.Section("Self-Test")
		rep, err := a.selfTest(ctx)
		printReport(rep)
		if err != nil {
			log.Fatalf("self-test aborted: %v", err)
		}
		if !rep.Passed {
			log.Fatalf("self-test failed")
		}
		return
	}

	if err := a.serve(ctx, cfg.Serial, webPort.port(), broadcaster); err != nil {
		log.Fatalf("serve: %v", err)
	}
}

// app is the wired device: hardware, positioning engine, register file,
// command handler and operator console.
type app struct {
	clk     clock.Clock
	gpio    gpio.Driver
	sim     *sim.Wheel // nil on real hardware
	engine  *wheel.Engine
	regs    *protocol.Registers
	light   *light.Indicator
	handler *protocol.Handler
	console *console.Console
}

// newApp wires every component from cfg. In mock mode the GPIO driver is
// the wheel simulator. sinks receive selection events after the register
// file.
func newApp(cfg *config.Config, clk clock.Clock, sinks ...wheel.StatusSink) (*app, error) {
	a := &app{clk: clk}

	debug.Step(1, "Initializing GPIO driver")
	if cfg.Defaults.MockGPIO {
		w, err := sim.NewFromConfig(cfg)
		if err != nil {
			return nil, fmt.Errorf("init wheel simulator: %w", err)
		}
		a.sim, a.gpio = w, w
	} else {
		g, err := gpio.NewDriver()
		if err != nil {
			return nil, fmt.Errorf("init GPIO: %w", err)
		}
		a.gpio = g
	}

	debug.Step(2, "Initializing stepper driver and opto sensor")
	drv := stepper.NewDriver(a.gpio, stepper.ConfigFrom(cfg.Driver))
	debug.PrintStruct("Driver wiring", cfg.Driver)
	sensor := opto.NewGPIOSensor(a.gpio, cfg.Opto.Pin, cfg.EngagedHigh())
	debug.Value("Opto pin", cfg.Opto.Pin)
	debug.Value("Opto engaged high", cfg.EngagedHigh())

	debug.Step(3, "Initializing positioning engine")
	wcfg, err := wheel.ConfigFrom(cfg)
	if err != nil {
		return nil, multierr.Append(fmt.Errorf("wheel config: %w", err), a.gpio.Close())
	}
	a.regs = protocol.NewRegisters(wheel.PositionsFrom(cfg), uint8(cfg.LightTimeoutSeconds()))
	sink := append(wheel.MultiSink{a.regs}, sinks...)
	a.engine, err = wheel.NewEngine(wcfg, wheel.Hardware{
		Motor:  drv,
		Timer:  steptimer.NewClocked(clk, drv),
		Sensor: sensor,
	}, a.regs, sink)
	if err != nil {
		return nil, multierr.Append(fmt.Errorf("init engine: %w", err), a.gpio.Close())
	}
	for _, f := range wcfg.Filters {
		debug.Value(fmt.Sprintf("Slot %d", f.Slot), fmt.Sprintf("code=%d name=%s position=%dum", f.Code, f.Name, a.regs.PositionUm(f.Code)))
	}

	debug.Step(4, "Initializing light and command handler")
	a.light = light.NewIndicator(a.gpio, cfg.Light.Pin, a.regs, a.regs, clk)
	debug.Value("Light pin", cfg.Light.Pin)
	debug.Value("Light timeout", cfg.LightTimeout())
	a.handler = protocol.NewHandler(a.engine, a.light)
	a.console = console.New(a.engine, a.handler, a.regs)
	return a, nil
}

// Close stops the motor, switches the light off and releases the GPIOs.
func (a *app) Close() error {
	err := a.engine.Close()
	a.light.Off()
	return multierr.Append(err, a.gpio.Close())
}

func (a *app) selfTest(ctx context.Context) (cycle.Report, error) {
	return cycle.NewCycle(a.engine, a.clk).Run(ctx, cycle.DefaultParams())
}

// runCompletions reports completed positioning commands on the console
// until ctx is cancelled.
func (a *app) runCompletions(ctx context.Context) {
	t := a.clk.Ticker(completionPoll)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if r, ok := a.handler.Poll(); ok {
				debug.Live("Command completed: %s", r)
				a.console.Notify(r)
			}
		}
	}
}

// serve runs the serial console and the web server until ctx is cancelled.
func (a *app) serve(ctx context.Context, sc config.SerialConfig, port int, b *web.StatusBroadcaster) error {
	if sc.Port == "" && port == 0 {
		return errors.New("nothing to serve: set serial.port (or -serial) or -web")
	}
	debug.Section("Service")

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs error
	)
	run := func(name string, fn func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(ctx); err != nil {
				mu.Lock()
				errs = multierr.Append(errs, fmt.Errorf("%s: %w", name, err))
				mu.Unlock()
				cancel()
			}
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		a.runCompletions(ctx)
	}()

	if sc.Port != "" {
		run("console", func(ctx context.Context) error {
			return serveSerial(ctx, a.console, sc)
		})
	}
	if port > 0 {
		handlers := web.NewHandlers(b, a.engine, a.handler, a.regs, a.selfTest)
		srv := web.NewServer(fmt.Sprintf(":%d", port), handlers)
		run("web server", srv.Run)
	}

	wg.Wait()
	return errs
}

// serveSerial opens the serial port and runs the console on it. The port
// is closed when ctx is cancelled to unblock the pending read.
func serveSerial(ctx context.Context, c *console.Console, sc config.SerialConfig) error {
	port, err := serial.Open(sc.Port, &serial.Mode{BaudRate: sc.Baud})
	if err != nil {
		return fmt.Errorf("open serial port %s: %w", sc.Port, err)
	}
	debug.Info("Console on %s at %d baud", sc.Port, sc.Baud)

	stop := context.AfterFunc(ctx, func() { _ = port.Close() })
	err = c.Serve(ctx, port)
	if stop() {
		err = multierr.Append(err, port.Close())
	}
	if ctx.Err() != nil {
		return nil
	}
	return err
}

// selector is the command side used by a one-shot selection.
type selector interface {
	Handle(cmd protocol.Command, d [4]uint8) protocol.Reply
	Poll() (protocol.Reply, bool)
}

// selectOnce issues SET_POSITIONER for code and waits for its completion.
func selectOnce(ctx context.Context, s selector, clk clock.Clock, code uint8) error {
	r := s.Handle(protocol.CmdSetPositioner, [4]uint8{code})
	debug.Live("SET_POSITIONER %d -> %s", code, r)
	switch r.Kind {
	case protocol.Executed:
		return nil
	case protocol.Failed:
		return fmt.Errorf("filter %d: %s", code, r.Err)
	}

	t := clk.Ticker(completionPoll)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			r, ok := s.Poll()
			if !ok {
				continue
			}
			if r.Kind == protocol.Failed {
				return fmt.Errorf("filter %d: %s", code, r.Err)
			}
			return nil
		}
	}
}

func printReport(rep cycle.Report) {
	debug.Summary("Self-Test Report")
	for _, r := range rep.Results {
		debug.Outcome(int(r.Code), r.OK)
		if r.Error != "" {
			debug.Info("Filter %d (%s, slot %d): %s after %dms", r.Code, r.Name, r.Slot, r.Error, r.ElapsedMs)
		}
	}
	for _, w := range rep.Calibration {
		debug.Value(fmt.Sprintf("Slot %d bands", w.Slot), fmt.Sprintf("light=%d dark=%d", w.Light, w.Dark))
	}
	debug.Value("Passed", rep.Passed)
}

// validateCLIOverrides checks the one-shot flags. A zero select code
// means "not set".
func validateCLIOverrides(selectCode int, selfTest bool, webPort int) error {
	if selectCode < 0 || selectCode > 255 {
		return fmt.Errorf("select must be between 1 and 255, got %d", selectCode)
	}
	if selectCode > 0 && selfTest {
		return errors.New("select and selftest are mutually exclusive")
	}
	if webPort > 0 && (selectCode > 0 || selfTest) {
		return errors.New("web cannot be combined with select or selftest")
	}
	return nil
}

// applyOverrides mutates cfg with CLI overrides. Empty values are ignored.
func applyOverrides(cfg *config.Config, serialPort string) {
	if serialPort != "" {
		cfg.Serial.Port = serialPort
	}
}

// webPortFlag implements flag.Value for -web: 0 = disabled, -web= or -web 8080 → 8080, -web 8980 → 8980.
type webPortFlag struct {
	val         int
	defaultPort int
}

func (w *webPortFlag) String() string {
	if w.val == 0 {
		return "0"
	}
	return strconv.Itoa(w.val)
}

func (w *webPortFlag) Set(s string) error {
	if s == "" {
		w.val = w.defaultPort
		return nil
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return err
	}
	if v <= 0 || v > 65535 {
		return fmt.Errorf("port must be 1-65535, got %d", v)
	}
	w.val = v
	return nil
}

func (w *webPortFlag) port() int { return w.val }
