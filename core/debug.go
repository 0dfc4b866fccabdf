package core

import "strconv"

// DebugWriter is a function type for writing debug messages
type DebugWriter func(string)

var (
	// debugPrintln is replaced by target code (serial console, zap, ...)
	debugPrintln DebugWriter = func(s string) {}

	// debugEnabled gates DebugPrintln; trace capture is always on
	debugEnabled bool
)

// SetDebugWriter sets the platform-specific debug output function
func SetDebugWriter(writer DebugWriter) {
	if writer == nil {
		writer = func(string) {}
	}
	debugPrintln = writer
}

// SetDebugEnabled enables or disables debug output
func SetDebugEnabled(enabled bool) {
	debugEnabled = enabled
}

// IsDebugEnabled returns whether debug output is enabled
func IsDebugEnabled() bool {
	return debugEnabled
}

// DebugPrintln writes a debug message using the platform-specific writer
func DebugPrintln(msg string) {
	if debugEnabled {
		debugPrintln(msg)
	}
}

// CaptureEvent is one interrupt as seen by a capture channel.
type CaptureEvent struct {
	State CaptureState // state after the interrupt
	High  bool         // polarity of the phase that ended
	Value uint32       // capture register value latched, zero if ignored
}

// CaptureTraceSize is the number of interrupts kept per channel.
const CaptureTraceSize = 16

// captureTrace is a fixed ring written from interrupt context. Recording never
// allocates.
type captureTrace struct {
	events [CaptureTraceSize]CaptureEvent
	head   uint8
	count  uint8
}

func (t *captureTrace) record(ev CaptureEvent) {
	t.events[t.head] = ev
	t.head = (t.head + 1) % CaptureTraceSize
	if t.count < CaptureTraceSize {
		t.count++
	}
}

func (t *captureTrace) reset() {
	t.head, t.count = 0, 0
}

// snapshot returns the recorded events oldest first.
func (t *captureTrace) snapshot() []CaptureEvent {
	out := make([]CaptureEvent, 0, t.count)
	start := (int(t.head) + CaptureTraceSize - int(t.count)) % CaptureTraceSize
	for i := 0; i < int(t.count); i++ {
		out = append(out, t.events[(start+i)%CaptureTraceSize])
	}
	return out
}

// dumpCaptureTrace writes events through the debug writer regardless of the
// enable flag; callers decide when a dump is wanted.
func dumpCaptureTrace(channel uint8, events []CaptureEvent) {
	prefix := "[CAPTURE] ch" + strconv.Itoa(int(channel))
	debugPrintln(prefix + " trace: " + strconv.Itoa(len(events)) + " interrupts")
	for _, ev := range events {
		pol := "low"
		if ev.High {
			pol = "high"
		}
		debugPrintln(prefix + " " + pol + " value=" + strconv.FormatUint(uint64(ev.Value), 10) +
			" -> " + ev.State.String())
	}
}
