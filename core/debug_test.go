package core

import (
	"strings"
	"testing"
)

func TestCaptureTraceWraps(t *testing.T) {
	var tr captureTrace
	for i := 1; i <= CaptureTraceSize+3; i++ {
		tr.record(CaptureEvent{State: CaptureGetData, Value: uint32(i)})
	}
	events := tr.snapshot()
	if len(events) != CaptureTraceSize {
		t.Fatalf("got %d events, want %d", len(events), CaptureTraceSize)
	}
	if events[0].Value != 4 || events[len(events)-1].Value != CaptureTraceSize+3 {
		t.Errorf("ring order wrong: first %d last %d", events[0].Value, events[len(events)-1].Value)
	}

	tr.reset()
	if len(tr.snapshot()) != 0 {
		t.Error("reset left events")
	}
}

func TestDumpCaptureTrace(t *testing.T) {
	var lines []string
	SetDebugWriter(func(s string) { lines = append(lines, s) })
	defer SetDebugWriter(nil)

	dumpCaptureTrace(2, []CaptureEvent{
		{State: CaptureIdle2, High: true, Value: 5},
		{State: CaptureDone, High: false, Value: 30},
	})

	want := []string{
		"[CAPTURE] ch2 trace: 2 interrupts",
		"[CAPTURE] ch2 high value=5 -> idle2",
		"[CAPTURE] ch2 low value=30 -> done",
	}
	if strings.Join(lines, "\n") != strings.Join(want, "\n") {
		t.Errorf("dump:\n%s\nwant:\n%s", strings.Join(lines, "\n"), strings.Join(want, "\n"))
	}
}

func TestDebugPrintlnGated(t *testing.T) {
	var n int
	SetDebugWriter(func(string) { n++ })
	defer SetDebugWriter(nil)

	SetDebugEnabled(false)
	DebugPrintln("hidden")
	SetDebugEnabled(true)
	DebugPrintln("shown")
	SetDebugEnabled(false)

	if n != 1 {
		t.Errorf("writer called %d times, want 1", n)
	}
}
