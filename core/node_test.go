package core

import (
	"errors"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/go-cmp/cmp"

	"pwmcap/protocol"
)

type sentMsg struct {
	id      uint16
	payload []byte
}

// fakeSender collects responses instead of framing them.
type fakeSender struct {
	msgs chan sentMsg
}

func newFakeSender() *fakeSender {
	return &fakeSender{msgs: make(chan sentMsg, 64)}
}

func (s *fakeSender) SendCommand(cmdID uint16, args func(output protocol.OutputBuffer)) error {
	out := protocol.NewScratchOutput()
	args(out)
	s.msgs <- sentMsg{id: cmdID, payload: append([]byte(nil), out.Result()...)}
	return nil
}

func (s *fakeSender) next(t *testing.T) sentMsg {
	t.Helper()
	select {
	case m := <-s.msgs:
		return m
	case <-time.After(2 * time.Second):
		t.Fatal("no response")
	}
	return sentMsg{}
}

func call(t *testing.T, n *Node, name string, args ...uint32) error {
	t.Helper()
	cmd, ok := n.Registry().GetCommandByName(name)
	if !ok {
		t.Fatalf("command %s not registered", name)
	}
	out := protocol.NewScratchOutput()
	for _, a := range args {
		protocol.EncodeVLQUint(out, a)
	}
	data := out.Result()
	return n.HandleCommand(cmd.ID, &data)
}

func decodeUints(t *testing.T, payload []byte, count int) ([]uint32, []byte) {
	t.Helper()
	vals := make([]uint32, count)
	for i := range vals {
		v, err := protocol.DecodeVLQUint(&payload)
		if err != nil {
			t.Fatalf("decode arg %d: %v", i, err)
		}
		vals[i] = v
	}
	return vals, payload
}

func responseID(t *testing.T, n *Node, name string) uint16 {
	t.Helper()
	cmd, ok := n.Registry().GetCommandByName(name)
	if !ok {
		t.Fatalf("response %s not registered", name)
	}
	return cmd.ID
}

func newTestNode(t *testing.T, cfg CaptureConfig) (*Node, *fakeSender, *captureFixture) {
	t.Helper()
	n := NewNode()
	s := newFakeSender()
	n.SetSender(s)
	f := newCaptureFixture(t, 0, 64000, cfg)
	n.AttachCapture(f.ch)
	return n, s, f
}

func TestNodeBootstrapIDs(t *testing.T) {
	n := NewNode()
	if cmd, _ := n.Registry().GetCommandByName("identify_response"); cmd.ID != 0 {
		t.Errorf("identify_response has ID %d", cmd.ID)
	}
	if cmd, _ := n.Registry().GetCommandByName("identify"); cmd.ID != 1 {
		t.Errorf("identify has ID %d", cmd.ID)
	}
}

func TestNodeIdentify(t *testing.T) {
	n, s, _ := newTestNode(t, CaptureConfig{})

	var raw []byte
	for {
		if err := call(t, n, "identify", uint32(len(raw)), 40); err != nil {
			t.Fatalf("identify: %v", err)
		}
		m := s.next(t)
		if m.id != 0 {
			t.Fatalf("got message %d, want identify_response", m.id)
		}
		vals, rest := decodeUints(t, m.payload, 1)
		if vals[0] != uint32(len(raw)) {
			t.Fatalf("offset %d, want %d", vals[0], len(raw))
		}
		chunk, err := protocol.DecodeVLQBytes(&rest)
		if err != nil {
			t.Fatal(err)
		}
		if len(chunk) == 0 {
			break
		}
		raw = append(raw, chunk...)
	}

	dict, err := DecodeDictionary(raw)
	if err != nil {
		t.Fatalf("DecodeDictionary: %v", err)
	}
	for _, msg := range []string{
		"identify offset=%u count=%c",
		"config_pwm_capture oid=%c channel=%c",
		"query_pwm_capture oid=%c",
		"emergency_stop",
	} {
		if _, ok := dict.Commands[msg]; !ok {
			t.Errorf("dictionary lacks command %q", msg)
		}
	}
	if dict.Responses["pwm_capture_result oid=%c status=%c data=%*s"] == 0 {
		t.Error("dictionary lacks pwm_capture_result")
	}
	want := map[string]string{"CLOCK_FREQ": "1000000", "CAPTURE_DIVIDER": "64", "CAPTURE_RECORD_SIZE": "16", "CAPTURE_CHANNELS": "1"}
	if diff := cmp.Diff(want, dict.Config); diff != "" {
		t.Errorf("config (-want +got):\n%s", diff)
	}
}

func TestNodeQueryCapture(t *testing.T) {
	n, s, f := newTestNode(t, CaptureConfig{})
	fireOnEnable(f.regs, &f.ch, []phase{{true, 5}, {false, 7}, {false, 30}, {true, 70}})

	if err := call(t, n, "config_pwm_capture", 7, 0); err != nil {
		t.Fatalf("config_pwm_capture: %v", err)
	}
	if err := call(t, n, "query_pwm_capture", 7); err != nil {
		t.Fatalf("query_pwm_capture: %v", err)
	}
	m := s.next(t)
	n.Wait()

	if m.id != responseID(t, n, "pwm_capture_result") {
		t.Fatalf("got message %d", m.id)
	}
	vals, rest := decodeUints(t, m.payload, 2)
	if vals[0] != 7 || vals[1] != CaptureStatusOK {
		t.Fatalf("oid/status = %v", vals)
	}
	record, err := protocol.DecodeVLQBytes(&rest)
	if err != nil {
		t.Fatal(err)
	}
	var res CaptureResult
	if err := res.UnmarshalBinary(record); err != nil {
		t.Fatal(err)
	}
	if res != (CaptureResult{PeriodNs: 100000000, DutyNs: 70000000}) {
		t.Errorf("result %+v", res)
	}
}

func TestNodeQueryTimeout(t *testing.T) {
	n, s, _ := newTestNode(t, CaptureConfig{PollIterations: 2})

	if err := call(t, n, "config_pwm_capture", 1, 0); err != nil {
		t.Fatal(err)
	}
	if err := call(t, n, "query_pwm_capture", 1); err != nil {
		t.Fatal(err)
	}
	vals, rest := decodeUints(t, s.next(t).payload, 2)
	if vals[1] != CaptureStatusTimeout {
		t.Errorf("status %d, want timeout", vals[1])
	}
	if record, _ := protocol.DecodeVLQBytes(&rest); len(record) != 0 {
		t.Errorf("timeout carried %d bytes of data", len(record))
	}
}

func TestNodeConfigErrors(t *testing.T) {
	n, _, _ := newTestNode(t, CaptureConfig{})

	if err := call(t, n, "query_pwm_capture", 3); !errors.Is(err, ErrUnknownOID) {
		t.Errorf("unknown oid: %v", err)
	}
	if err := call(t, n, "config_pwm_capture", 1, 2); !errors.Is(err, ErrNotAttached) {
		t.Errorf("unattached channel: %v", err)
	}
	if err := call(t, n, "config_pwm_capture", 1, 9); !errors.Is(err, ErrInvalidChannel) {
		t.Errorf("channel 9: %v", err)
	}
	if err := call(t, n, "config_pwm_capture", 1); !errors.Is(err, protocol.ErrBufferTooSmall) {
		t.Errorf("missing argument: %v", err)
	}
}

func TestNodeEmergencyStop(t *testing.T) {
	n, s, f := newTestNode(t, CaptureConfig{})

	if err := call(t, n, "config_pwm_capture", 1, 0); err != nil {
		t.Fatal(err)
	}
	if err := call(t, n, "finalize_config", 0xCAFE); err != nil {
		t.Fatal(err)
	}
	if err := call(t, n, "emergency_stop"); err != nil {
		t.Fatalf("emergency_stop: %v", err)
	}
	if f.regs.Read(PWMRegIntEnable(0)) != 0 || f.pwm.on || f.pclk.on {
		t.Error("channel not shut down")
	}

	if err := call(t, n, "get_config"); err != nil {
		t.Fatal(err)
	}
	vals, _ := decodeUints(t, s.next(t).payload, 4)
	if diff := cmp.Diff([]uint32{1, 0xCAFE, 1, moveCount}, vals); diff != "" {
		t.Errorf("config after stop (-want +got):\n%s", diff)
	}
	if err := call(t, n, "config_pwm_capture", 1, 0); !errors.Is(err, ErrShutdown) {
		t.Errorf("config during shutdown: %v", err)
	}

	if err := call(t, n, "config_reset"); err != nil {
		t.Fatal(err)
	}
	if err := call(t, n, "get_config"); err != nil {
		t.Fatal(err)
	}
	vals, _ = decodeUints(t, s.next(t).payload, 4)
	if diff := cmp.Diff([]uint32{0, 0, 0, moveCount}, vals); diff != "" {
		t.Errorf("config after reset (-want +got):\n%s", diff)
	}
	if err := call(t, n, "query_pwm_capture", 1); !errors.Is(err, ErrUnknownOID) {
		t.Errorf("oid survived reset: %v", err)
	}
	if err := call(t, n, "config_pwm_capture", 1, 0); err != nil {
		t.Errorf("config after reset: %v", err)
	}
}

func TestNodeCaptureTrace(t *testing.T) {
	n, _, f := newTestNode(t, CaptureConfig{})
	fireOnEnable(f.regs, &f.ch, []phase{{true, 5}, {false, 7}, {false, 30}, {true, 70}})

	var lines []string
	SetDebugWriter(func(s string) { lines = append(lines, s) })
	defer SetDebugWriter(nil)

	if err := call(t, n, "config_pwm_capture", 1, 0); err != nil {
		t.Fatal(err)
	}
	if err := call(t, n, "query_pwm_capture", 1); err != nil {
		t.Fatal(err)
	}
	n.Wait()
	lines = nil
	if err := call(t, n, "debug_capture_trace", 1); err != nil {
		t.Fatal(err)
	}
	if len(lines) != 5 || lines[0] != "[CAPTURE] ch0 trace: 4 interrupts" {
		t.Errorf("trace dump: %q", lines)
	}
}

func TestNodeDetach(t *testing.T) {
	n, _, f := newTestNode(t, CaptureConfig{})
	if err := call(t, n, "config_pwm_capture", 1, 0); err != nil {
		t.Fatal(err)
	}
	if err := n.DetachCapture(0); err != nil {
		t.Fatal(err)
	}
	if f.pwm.on {
		t.Error("detached channel still clocked")
	}
	if err := call(t, n, "query_pwm_capture", 1); !errors.Is(err, ErrUnknownOID) {
		t.Errorf("query after detach: %v", err)
	}
	if err := n.DetachCapture(0); !errors.Is(err, ErrNotAttached) {
		t.Errorf("second detach: %v", err)
	}
}

func TestNodeClockAndUptime(t *testing.T) {
	mock := clock.NewMock()
	n := NewNodeWithClock(mock)
	s := newFakeSender()
	n.SetSender(s)

	mock.Add(2*time.Hour + 1500*time.Microsecond)

	if err := call(t, n, "get_clock"); err != nil {
		t.Fatal(err)
	}
	m := s.next(t)
	if m.id != responseID(t, n, "clock") {
		t.Fatalf("got message %d", m.id)
	}
	ticks := uint64(2*3600*1000000 + 1500)
	vals, _ := decodeUints(t, m.payload, 1)
	if vals[0] != uint32(ticks) {
		t.Errorf("clock = %d, want %d", vals[0], uint32(ticks))
	}

	if err := call(t, n, "get_uptime"); err != nil {
		t.Fatal(err)
	}
	vals, _ = decodeUints(t, s.next(t).payload, 2)
	if got := uint64(vals[0])<<32 | uint64(vals[1]); got != ticks {
		t.Errorf("uptime = %d, want %d", got, ticks)
	}
}

// block frames one command as the host would send it.
func block(t *testing.T, n *Node, seq uint8, name string, args ...uint32) []byte {
	t.Helper()
	out := protocol.NewScratchOutput()
	protocol.EncodeVLQUint(out, uint32(responseID(t, n, name)))
	for _, a := range args {
		protocol.EncodeVLQUint(out, a)
	}
	msg, err := protocol.EncodeFrame(seq, out.Result())
	if err != nil {
		t.Fatal(err)
	}
	return msg
}

type nopWriter struct{}

func (nopWriter) Write(p []byte) (int, error) { return len(p), nil }

func TestNodeKeepsConfigAcrossRetransmit(t *testing.T) {
	n, _, _ := newTestNode(t, CaptureConfig{})
	transport := protocol.NewTransport(nopWriter{}, n.HandleCommand)
	var errs []error
	transport.SetErrorCallback(func(err error) { errs = append(errs, err) })
	transport.SetResetCallback(n.ResetState)
	n.SetSender(transport)

	seq := uint8(protocol.MessageDest)
	next := func() uint8 {
		s := seq
		seq = (seq+1)&protocol.MessageSeqMask | protocol.MessageDest
		return s
	}
	transport.Feed(block(t, n, next(), "get_clock"))
	transport.Feed(block(t, n, next(), "config_pwm_capture", 0, 0))
	for seq != protocol.MessageDest {
		transport.Feed(block(t, n, next(), "get_clock"))
	}
	// Sequence wrapped; the host resends its block after a lost ack.
	wrapped := block(t, n, protocol.MessageDest, "get_clock")
	transport.Feed(wrapped)
	transport.Feed(wrapped)

	if _, err := n.lookupOID(0); err != nil {
		t.Errorf("oid 0 lost: %v", err)
	}
	if len(errs) != 0 {
		t.Errorf("transport errors: %v", errs)
	}
}

func TestNodeUnknownOIDError(t *testing.T) {
	n, _, _ := newTestNode(t, CaptureConfig{})
	err := call(t, n, "query_pwm_capture", 3)
	if !errors.Is(err, ErrUnknownOID) {
		t.Fatalf("got %v, want ErrUnknownOID", err)
	}
	if got := err.Error(); got != "unknown oid: oid 3" {
		t.Errorf("message %q", got)
	}
}

func TestNodeIdentifyClampsChunk(t *testing.T) {
	n, s, _ := newTestNode(t, CaptureConfig{})

	if err := call(t, n, "identify", 0, 255); err != nil {
		t.Fatalf("identify: %v", err)
	}
	m := s.next(t)
	_, rest := decodeUints(t, m.payload, 1)
	chunk, err := protocol.DecodeVLQBytes(&rest)
	if err != nil {
		t.Fatal(err)
	}
	if len(chunk) != identifyChunkMax {
		t.Errorf("chunk of %d bytes, want %d", len(chunk), identifyChunkMax)
	}

	// Worst case offset still fits one block.
	out := protocol.NewScratchOutput()
	protocol.EncodeVLQUint(out, uint32(m.id))
	protocol.EncodeVLQUint(out, 0xFFFFFFFF)
	protocol.EncodeVLQBytes(out, chunk)
	if _, err := protocol.EncodeFrame(protocol.MessageDest, out.Result()); err != nil {
		t.Errorf("largest identify_response does not fit: %v", err)
	}
}

func TestNodeQueryAfterEmergencyStop(t *testing.T) {
	n, s, f := newTestNode(t, CaptureConfig{})
	if err := call(t, n, "config_pwm_capture", 1, 0); err != nil {
		t.Fatal(err)
	}
	if err := call(t, n, "emergency_stop"); err != nil {
		t.Fatal(err)
	}
	if err := call(t, n, "query_pwm_capture", 1); !errors.Is(err, ErrShutdown) {
		t.Errorf("query during shutdown: %v", err)
	}
	n.Wait()
	select {
	case m := <-s.msgs:
		t.Errorf("unexpected response %d", m.id)
	default:
	}
	if f.enabled() {
		t.Error("channel enabled during shutdown")
	}
}
