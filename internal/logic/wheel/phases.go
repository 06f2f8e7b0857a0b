package wheel

import "fmt"

// PhaseKind identifies what a phase of the positioning sequence waits for.
type PhaseKind int

const (
	PhaseStart        PhaseKind = iota // first tick, motion toward home already started
	PhaseSeekHome                      // run home until the sensor engages
	PhaseValidateHome                  // stay engaged long enough to be the home band
	PhaseMoveToFree                    // reversed, wait for the home band to end
	PhaseCountToSlot                   // dead-reckon to the slot
	PhaseWaitEngaged                   // wait for the dark band after the slot
	PhaseWaitFree                      // wait for the dark band to end
)

var phaseKindNames = [...]string{
	PhaseStart:        "start",
	PhaseSeekHome:     "seek-home",
	PhaseValidateHome: "validate-home",
	PhaseMoveToFree:   "move-to-free",
	PhaseCountToSlot:  "count-to-slot",
	PhaseWaitEngaged:  "wait-engaged",
	PhaseWaitFree:     "wait-free",
}

func (k PhaseKind) String() string {
	if k >= 0 && int(k) < len(phaseKindNames) {
		return phaseKindNames[k]
	}
	return fmt.Sprintf("PhaseKind(%d)", int(k))
}

// Phase is one entry of the phase table. Slot is only meaningful for the
// per-slot kinds.
type Phase struct {
	Kind PhaseKind
	Slot int
}

func (p Phase) String() string {
	switch p.Kind {
	case PhaseCountToSlot, PhaseWaitEngaged, PhaseWaitFree:
		return fmt.Sprintf("%s[%d]", p.Kind, p.Slot)
	}
	return p.Kind.String()
}

// BuildPhases returns the ordered phase table for a wheel with n slots:
//
//	0 start, 1 seek-home, 2 validate-home, 3 move-to-free,
//	then count-to-slot[k], wait-engaged[k], wait-free[k] for every slot
//	but the last, which only has count-to-slot.
//
// Five slots give 17 phases, with count-to-slot at 4, 7, 10, 13 and 16.
func BuildPhases(n int) []Phase {
	if n <= 0 {
		return nil
	}
	phases := make([]Phase, 0, 4+3*n-2)
	phases = append(phases,
		Phase{Kind: PhaseStart},
		Phase{Kind: PhaseSeekHome},
		Phase{Kind: PhaseValidateHome},
		Phase{Kind: PhaseMoveToFree},
	)
	for k := 0; k < n; k++ {
		phases = append(phases, Phase{Kind: PhaseCountToSlot, Slot: k})
		if k < n-1 {
			phases = append(phases,
				Phase{Kind: PhaseWaitEngaged, Slot: k},
				Phase{Kind: PhaseWaitFree, Slot: k},
			)
		}
	}
	return phases
}

// CountToSlotIndex returns the phase index of count-to-slot[k].
func CountToSlotIndex(k int) int {
	return 4 + 3*k
}
