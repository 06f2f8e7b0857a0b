// Package steptimer provides the periodic step timer that paces the
// stepper: every expiry emits one STEP pulse and then runs the registered
// callback, which is where the positioning sequencer advances.
package steptimer

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// Pulser emits a single step pulse.
type Pulser interface {
	Pulse()
}

// Timer is a programmable-period periodic timer. Periods are in
// microseconds, matching a 16-bit compare timer clocked at 1 MHz.
type Timer interface {
	// SetCallback registers the function run after each pulse.
	SetCallback(fn func())
	// Start arms the timer with the given period. Starting a running timer
	// only updates its period.
	Start(periodUs uint16)
	// Stop disarms the timer. Stopping is idempotent and may be called
	// from inside the callback.
	Stop()
	SetPeriod(periodUs uint16)
	Period() uint16
	Running() bool
}

// Clocked is a Timer driven by a clock.Clock. The callback runs on the
// timer goroutine; a new period applies from the next expiry.
type Clocked struct {
	clk    clock.Clock
	pulser Pulser

	mu     sync.Mutex
	cb     func()
	period uint16
	stop   chan struct{} // nil while stopped
}

// NewClocked creates a stopped timer. p may be nil (callback only).
func NewClocked(clk clock.Clock, p Pulser) *Clocked {
	return &Clocked{clk: clk, pulser: p}
}

func (t *Clocked) SetCallback(fn func()) {
	t.mu.Lock()
	t.cb = fn
	t.mu.Unlock()
}

func (t *Clocked) Start(periodUs uint16) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.period = periodUs
	if t.stop != nil {
		return
	}
	stop := make(chan struct{})
	t.stop = stop
	go t.run(stop)
}

func (t *Clocked) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stop != nil {
		close(t.stop)
		t.stop = nil
	}
}

func (t *Clocked) SetPeriod(periodUs uint16) {
	t.mu.Lock()
	t.period = periodUs
	t.mu.Unlock()
}

func (t *Clocked) Period() uint16 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.period
}

func (t *Clocked) Running() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stop != nil
}

func (t *Clocked) run(stop chan struct{}) {
	for {
		t.mu.Lock()
		p := t.period
		t.mu.Unlock()
		if p == 0 {
			p = 1
		}

		tm := t.clk.Timer(time.Duration(p) * time.Microsecond)
		select {
		case <-stop:
			tm.Stop()
			return
		case <-tm.C:
		}

		t.mu.Lock()
		if t.stop != stop {
			// stopped (and possibly restarted) while waiting
			t.mu.Unlock()
			return
		}
		cb, pulser := t.cb, t.pulser
		t.mu.Unlock()

		if pulser != nil {
			pulser.Pulse()
		}
		if cb != nil {
			cb()
		}
	}
}

// Manual is a Timer that only expires when Fire is called. It lets tests
// and dry runs step the sequencer deterministically. Not safe for
// concurrent use.
type Manual struct {
	pulser  Pulser
	cb      func()
	period  uint16
	running bool

	// Starts counts Start calls on a stopped timer.
	Starts int
}

// NewManual creates a stopped manual timer. p may be nil.
func NewManual(p Pulser) *Manual {
	return &Manual{pulser: p}
}

func (m *Manual) SetCallback(fn func()) { m.cb = fn }

func (m *Manual) Start(periodUs uint16) {
	m.period = periodUs
	if !m.running {
		m.Starts++
	}
	m.running = true
}

func (m *Manual) Stop()                     { m.running = false }
func (m *Manual) SetPeriod(periodUs uint16) { m.period = periodUs }
func (m *Manual) Period() uint16            { return m.period }
func (m *Manual) Running() bool             { return m.running }

// Fire simulates one expiry. It returns false, doing nothing, when the
// timer is stopped.
func (m *Manual) Fire() bool {
	if !m.running {
		return false
	}
	if m.pulser != nil {
		m.pulser.Pulse()
	}
	if m.cb != nil {
		m.cb()
	}
	return true
}
