// Package calib keeps the light/dark band widths measured while the wheel
// passes each slot. The values are for diagnostics only and never steer
// positioning.
package calib

import (
	"go.uber.org/atomic"

	"github.com/cjeanneret/FilterGo/internal/config"
)

// Store holds one light and one dark width per slot, in pulses. Writers are
// the sequencer tick; readers may run concurrently and see per-field
// snapshots.
type Store struct {
	light [config.MaxSlots]atomic.Uint32
	dark  [config.MaxSlots]atomic.Uint32
}

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{}
}

// RecordLight stores the width of the light band preceding slot.
// Out of range slots are ignored.
func (s *Store) RecordLight(slot int, pulses uint32) {
	if slot >= 0 && slot < config.MaxSlots {
		s.light[slot].Store(pulses)
	}
}

// RecordDark stores the width of the dark band of slot.
func (s *Store) RecordDark(slot int, pulses uint32) {
	if slot >= 0 && slot < config.MaxSlots {
		s.dark[slot].Store(pulses)
	}
}

// Light returns the last light width recorded for slot (0 if none).
func (s *Store) Light(slot int) uint32 {
	if slot < 0 || slot >= config.MaxSlots {
		return 0
	}
	return s.light[slot].Load()
}

// Dark returns the last dark width recorded for slot (0 if none).
func (s *Store) Dark(slot int) uint32 {
	if slot < 0 || slot >= config.MaxSlots {
		return 0
	}
	return s.dark[slot].Load()
}

// SlotWidths is one slot's entry in a Snapshot.
// The micrometer fields are filled by callers that know the step size.
type SlotWidths struct {
	Slot    int    `json:"slot"`
	Light   uint32 `json:"light_pulses"`
	Dark    uint32 `json:"dark_pulses"`
	LightUm uint32 `json:"light_um,omitempty"`
	DarkUm  uint32 `json:"dark_um,omitempty"`
}

// Snapshot copies the widths of the first n slots.
func (s *Store) Snapshot(n int) []SlotWidths {
	if n > config.MaxSlots {
		n = config.MaxSlots
	}
	out := make([]SlotWidths, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, SlotWidths{Slot: i, Light: s.light[i].Load(), Dark: s.dark[i].Load()})
	}
	return out
}

// Reset clears every recorded width.
func (s *Store) Reset() {
	for i := range s.light {
		s.light[i].Store(0)
		s.dark[i].Store(0)
	}
}
