// Package cycle runs the wheel self-test: every slot is selected in turn
// and each selection is awaited, recording its outcome and the band widths
// measured on the way.
package cycle

import (
	"context"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/cjeanneret/FilterGo/internal/debug"
	"github.com/cjeanneret/FilterGo/internal/logic/calib"
	"github.com/cjeanneret/FilterGo/internal/logic/wheel"
)

// Wheel is the part of the positioning engine the self-test drives.
type Wheel interface {
	SelectSlot(slot int) bool
	IsRunning() bool
	IsAtSlot(slot int) bool
	IsError() bool
	Filters() []wheel.Filter
	Calibration() *calib.Store
}

// Params tunes a self-test run.
type Params struct {
	Timeout time.Duration // bound on a single selection
	Poll    time.Duration // engine status polling interval
	Settle  time.Duration // pause on each slot before the next selection
}

// DefaultParams suits the factory wheel at the default speeds.
func DefaultParams() Params {
	return Params{
		Timeout: 30 * time.Second,
		Poll:    10 * time.Millisecond,
		Settle:  500 * time.Millisecond,
	}
}

// Result is the outcome of one selection.
type Result struct {
	Code      uint8  `json:"code"`
	Name      string `json:"name"`
	Slot      int    `json:"slot"`
	OK        bool   `json:"ok"`
	Error     string `json:"error,omitempty"`
	ElapsedMs int64  `json:"elapsed_ms"`
}

// Report is the outcome of a whole run.
type Report struct {
	Passed      bool               `json:"passed"`
	Results     []Result           `json:"results"`
	Calibration []calib.SlotWidths `json:"calibration"`
}

// Cycle runs self-tests against one engine.
type Cycle struct {
	wheel Wheel
	clk   clock.Clock
}

func NewCycle(w Wheel, clk clock.Clock) *Cycle {
	return &Cycle{wheel: w, clk: clk}
}

// Run selects every slot in order. A failed or timed-out selection is
// recorded and the run goes on with the next slot; only cancellation of
// ctx aborts it, returning the partial report and ctx.Err().
func (c *Cycle) Run(ctx context.Context, p Params) (Report, error) {
	debug.Section("Self-test")
	filters := c.wheel.Filters()
	rep := Report{Passed: true}
	// the report holds only widths measured during this run
	c.wheel.Calibration().Reset()

	for _, f := range filters {
		select {
		case <-ctx.Done():
			rep.Passed = false
			return c.finish(rep, len(filters)), ctx.Err()
		default:
		}

		debug.Step(f.Slot+1, fmt.Sprintf("select %s (code %d)", f.Name, f.Code))
		res, err := c.selectOne(ctx, f, p)
		rep.Results = append(rep.Results, res)
		if !res.OK {
			rep.Passed = false
			debug.Info("Self-test: %s failed: %s", f.Name, res.Error)
		}
		if err != nil {
			return c.finish(rep, len(filters)), err
		}
		if p.Settle > 0 {
			if err := c.sleep(ctx, p.Settle); err != nil {
				rep.Passed = false
				return c.finish(rep, len(filters)), err
			}
		}
	}
	return c.finish(rep, len(filters)), nil
}

func (c *Cycle) finish(rep Report, slots int) Report {
	rep.Calibration = c.wheel.Calibration().Snapshot(slots)
	debug.Value("Self-test passed", rep.Passed)
	return rep
}

// selectOne starts one selection and waits for it to end. The returned
// error is only set when ctx is cancelled.
func (c *Cycle) selectOne(ctx context.Context, f wheel.Filter, p Params) (res Result, err error) {
	res = Result{Code: f.Code, Name: f.Name, Slot: f.Slot}
	start := c.clk.Now()
	defer func() { res.ElapsedMs = c.clk.Since(start).Milliseconds() }()

	// A previous selection may still be finishing.
	if err := c.waitIdle(ctx, p); err != nil {
		res.Error = err.Error()
		return res, ctx.Err()
	}
	if !c.wheel.SelectSlot(f.Slot) {
		res.Error = "selection refused"
		return res, nil
	}
	if err := c.waitIdle(ctx, p); err != nil {
		res.Error = err.Error()
		return res, ctx.Err()
	}

	switch {
	case c.wheel.IsError():
		res.Error = "selection failed"
	case !c.wheel.IsAtSlot(f.Slot):
		res.Error = "not at target"
	default:
		res.OK = true
	}
	return res, nil
}

// waitIdle polls the engine until no command runs, ctx is done or the
// selection timeout expires.
func (c *Cycle) waitIdle(ctx context.Context, p Params) error {
	if !c.wheel.IsRunning() {
		return nil
	}
	timeout := c.clk.Timer(p.Timeout)
	defer timeout.Stop()
	ticker := c.clk.Ticker(p.Poll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timeout.C:
			return fmt.Errorf("timeout after %s", p.Timeout)
		case <-ticker.C:
			if !c.wheel.IsRunning() {
				return nil
			}
		}
	}
}

func (c *Cycle) sleep(ctx context.Context, d time.Duration) error {
	t := c.clk.Timer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
