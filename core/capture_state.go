package core

// CaptureState is the progress of one capture cycle as seen by the interrupt handler.
type CaptureState uint8

const (
	// CaptureIdle: no cycle in flight.
	CaptureIdle CaptureState = iota
	// CaptureIdle1: cycle started, waiting for the first edge.
	CaptureIdle1
	// CaptureIdle2: first edge seen and discarded.
	CaptureIdle2
	// CaptureGetData: latching low and high phase counts.
	CaptureGetData
	// CaptureDone: both counts latched; further edges are ignored.
	CaptureDone
)

func (s CaptureState) String() string {
	switch s {
	case CaptureIdle:
		return "idle"
	case CaptureIdle1:
		return "idle1"
	case CaptureIdle2:
		return "idle2"
	case CaptureGetData:
		return "getdata"
	case CaptureDone:
		return "done"
	}
	return "invalid"
}

// captureRecord is everything the interrupt handler and the capture session
// share. It is only touched under the channel's irqLock.
type captureRecord struct {
	state CaptureState
	low   uint32 // zero means not latched this cycle
	high  uint32
}

// newCycle is the record at the start of every capture session.
func newCycle() captureRecord {
	return captureRecord{state: CaptureIdle1}
}

// complete reports whether r holds a usable low/high pair.
func (r captureRecord) complete() bool {
	return r.state == CaptureDone && r.low != 0 && r.high != 0
}

// latch stores a capture register value for the phase that just ended.
// A finished cycle keeps its counts.
func (r captureRecord) latch(high bool, value uint32) captureRecord {
	if r.state == CaptureDone {
		return r
	}
	if high {
		r.high = value
	} else {
		r.low = value
	}
	return r
}

// advance applies the transition taken after each interrupt. The first two
// edges after enabling do not bound a full phase, so their counts are dropped.
func (r captureRecord) advance() captureRecord {
	switch r.state {
	case CaptureIdle1:
		return captureRecord{state: CaptureIdle2}
	case CaptureIdle2:
		return captureRecord{state: CaptureGetData}
	case CaptureGetData:
		if r.low != 0 && r.high != 0 {
			r.state = CaptureDone
		}
		return r
	case CaptureIdle, CaptureDone:
		return r
	}
	return r
}
