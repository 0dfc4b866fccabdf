package protocol

import (
	"io"
	"sync"
	"sync/atomic"
)

// CommandHandler decodes and runs one command. It must consume its own
// arguments from data.
type CommandHandler func(cmdID uint16, data *[]byte) error

// Transport is the node side of the protocol: it validates incoming blocks,
// dispatches their commands, acknowledges them and frames responses.
// Responses may be sent from any goroutine.
type Transport struct {
	w       io.Writer
	writeMu sync.Mutex

	in      *FifoBuffer
	scanner FrameScanner
	handler CommandHandler

	nextSequence  uint32 // atomic; expected host sequence
	resetCallback func()
	errCallback   func(error)
}

// NewTransport returns a transport writing blocks to w.
func NewTransport(w io.Writer, handler CommandHandler) *Transport {
	t := &Transport{
		w:            w,
		in:           NewFifoBuffer(512),
		handler:      handler,
		nextSequence: MessageDest,
	}
	t.scanner.AcceptSeq = func(seq uint8) bool {
		return seq&^MessageSeqMask == MessageDest
	}
	return t
}

// Feed processes bytes received from the host. It is not safe for concurrent
// use; call it from the single reader goroutine.
func (t *Transport) Feed(p []byte) {
	for len(p) > 0 {
		n := t.in.Write(p)
		p = p[n:]
		t.process()
		if n == 0 && len(p) > 0 {
			// A full ring with nothing parsable is garbage.
			t.in.Reset()
		}
	}
}

func (t *Transport) process() {
	consumed, resynced := t.scanner.Scan(t.in.Data(), t.handleFrame)
	t.in.Pop(consumed)
	if resynced {
		t.sendAck()
	}
}

func (t *Transport) handleFrame(f Frame) {
	expected := uint8(atomic.LoadUint32(&t.nextSequence))
	if f.Sequence == expected {
		atomic.StoreUint32(&t.nextSequence, uint32(nextSeq(expected)))
		t.dispatch(f.Payload)
	}
	// Out of order blocks, retransmits included, are only acked; the sequence
	// inside tells the host what we expect.
	t.sendAck()
}

func (t *Transport) dispatch(payload []byte) {
	defer func() {
		if r := recover(); r != nil {
			t.scanner.desync = true
			t.reportErr(errHandlerPanic)
		}
	}()
	for len(payload) > 0 {
		cmdID, err := DecodeVLQUint(&payload)
		if err != nil {
			t.scanner.desync = true
			t.reportErr(err)
			return
		}
		if t.handler == nil {
			return
		}
		if err := t.handler(uint16(cmdID), &payload); err != nil {
			t.reportErr(err)
			return
		}
	}
}

func (t *Transport) sendAck() {
	t.writeBlock(nil)
}

// SendCommand frames a response message with its arguments.
func (t *Transport) SendCommand(cmdID uint16, args func(output OutputBuffer)) error {
	out := NewScratchOutput()
	EncodeVLQUint(out, uint32(cmdID))
	if args != nil {
		args(out)
	}
	return t.writeBlock(out.Result())
}

func (t *Transport) writeBlock(payload []byte) error {
	seq := uint8(atomic.LoadUint32(&t.nextSequence))
	msg, err := EncodeFrame(seq, payload)
	if err != nil {
		return err
	}
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	_, err = t.w.Write(msg)
	return err
}

// Reset returns the transport to its power-on state, as when a new host
// connects. The reset callback runs.
func (t *Transport) Reset() {
	t.scanner.desync = false
	t.in.Reset()
	atomic.StoreUint32(&t.nextSequence, MessageDest)
	if t.resetCallback != nil {
		t.resetCallback()
	}
}

// SetResetCallback registers fn to run on Reset.
func (t *Transport) SetResetCallback(fn func()) {
	t.resetCallback = fn
}

// SetErrorCallback registers fn to receive handler and decode errors.
func (t *Transport) SetErrorCallback(fn func(error)) {
	t.errCallback = fn
}

func (t *Transport) reportErr(err error) {
	if t.errCallback != nil {
		t.errCallback(err)
	}
}
