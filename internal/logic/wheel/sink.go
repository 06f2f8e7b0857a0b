package wheel

// StatusSink receives command progress. Methods run on the step tick with
// the engine locked: they must return quickly and must not call back into
// the Engine.
type StatusSink interface {
	SelectionPending(code uint8)
	SelectionCompleted(code uint8)
	SelectionFailed(code uint8)
}

// MultiSink fans events out to several sinks in order.
type MultiSink []StatusSink

func (m MultiSink) SelectionPending(code uint8) {
	for _, s := range m {
		s.SelectionPending(code)
	}
}

func (m MultiSink) SelectionCompleted(code uint8) {
	for _, s := range m {
		s.SelectionCompleted(code)
	}
}

func (m MultiSink) SelectionFailed(code uint8) {
	for _, s := range m {
		s.SelectionFailed(code)
	}
}

type nopSink struct{}

func (nopSink) SelectionPending(uint8)   {}
func (nopSink) SelectionCompleted(uint8) {}
func (nopSink) SelectionFailed(uint8)    {}

// Positions is the configuration store of slot distances, read at every
// accepted selection.
type Positions interface {
	// PositionUm returns the distance from the free edge preceding the
	// filter's slot to the filter, in micrometers.
	PositionUm(code uint8) uint32
}

// PositionTable is a fixed Positions source keyed by filter code.
type PositionTable map[uint8]uint32

func (t PositionTable) PositionUm(code uint8) uint32 {
	return t[code]
}
