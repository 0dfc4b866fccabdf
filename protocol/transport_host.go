package protocol

import (
	"fmt"
	"io"
	"sync"
	"time"
)

// ResponseHandler receives every response message the node sends.
type ResponseHandler func(cmdID uint16, data *[]byte)

// HostTransport is the host side of the protocol: it sends commands, waits for
// their acknowledgement and hands responses to a handler.
type HostTransport struct {
	port io.ReadWriteCloser

	sendMu sync.Mutex // one command in flight at a time
	seq    uint8

	scanner FrameScanner
	in      *FifoBuffer

	ackChan chan Frame

	handlerMu sync.RWMutex
	handler   ResponseHandler

	stopChan  chan struct{}
	doneChan  chan struct{}
	closeOnce sync.Once
}

// NewHostTransport starts reading from port in the background.
func NewHostTransport(port io.ReadWriteCloser) *HostTransport {
	t := &HostTransport{
		port:     port,
		seq:      MessageDest,
		in:       NewFifoBuffer(1024),
		ackChan:  make(chan Frame, 1),
		stopChan: make(chan struct{}),
		doneChan: make(chan struct{}),
	}
	go t.readLoop()
	return t
}

// SetResponseHandler installs the callback for response messages.
func (t *HostTransport) SetResponseHandler(h ResponseHandler) {
	t.handlerMu.Lock()
	t.handler = h
	t.handlerMu.Unlock()
}

// SendCommand sends one command and waits up to two seconds for its ack.
func (t *HostTransport) SendCommand(cmdID uint16, args func(output OutputBuffer)) error {
	return t.SendCommandWithTimeout(cmdID, args, 2*time.Second)
}

// SendCommandWithTimeout sends one command and waits for the node to
// acknowledge it with the following sequence number. A nak carries the
// sequence the node expects; the host adopts it and sends once more, which is
// how a freshly started host syncs with a node that kept running.
func (t *HostTransport) SendCommandWithTimeout(cmdID uint16, args func(output OutputBuffer), timeout time.Duration) error {
	out := NewScratchOutput()
	EncodeVLQUint(out, uint32(cmdID))
	if args != nil {
		args(out)
	}
	payload := out.Result()

	t.sendMu.Lock()
	defer t.sendMu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for attempt := 0; ; attempt++ {
		ack, err := t.sendBlock(payload, timer.C)
		if err != nil {
			return err
		}
		want := nextSeq(t.seq)
		if ack.Sequence == want {
			t.seq = want
			return nil
		}
		if attempt > 0 {
			return fmt.Errorf("nak: node expects sequence 0x%02x, sent 0x%02x", ack.Sequence, t.seq)
		}
		t.seq = ack.Sequence
	}
}

// sendBlock writes one block with the current sequence and waits for the ack.
func (t *HostTransport) sendBlock(payload []byte, timeout <-chan time.Time) (Frame, error) {
	msg, err := EncodeFrame(t.seq, payload)
	if err != nil {
		return Frame{}, err
	}
	// Drop any stale ack left from a previous timeout.
	select {
	case <-t.ackChan:
	default:
	}
	if _, err := t.port.Write(msg); err != nil {
		return Frame{}, fmt.Errorf("write command: %w", err)
	}
	select {
	case ack := <-t.ackChan:
		return ack, nil
	case <-timeout:
		return Frame{}, errAckTimeout
	case <-t.stopChan:
		return Frame{}, ErrTransportStopped
	}
}

func (t *HostTransport) readLoop() {
	defer close(t.doneChan)
	buf := make([]byte, 256)
	for {
		select {
		case <-t.stopChan:
			return
		default:
		}
		n, err := t.port.Read(buf)
		if n > 0 {
			t.in.Write(buf[:n])
			consumed, _ := t.scanner.Scan(t.in.Data(), t.dispatch)
			t.in.Pop(consumed)
		}
		if err == io.EOF || err == io.ErrClosedPipe {
			return
		}
		if err != nil {
			select {
			case <-t.stopChan:
				return
			case <-time.After(10 * time.Millisecond):
			}
		}
	}
}

func (t *HostTransport) dispatch(f Frame) {
	if len(f.Payload) == 0 {
		select {
		case t.ackChan <- f:
		default:
		}
		return
	}
	t.handlerMu.RLock()
	h := t.handler
	t.handlerMu.RUnlock()
	if h == nil {
		return
	}
	// The node sends one response per block.
	payload := f.Payload
	cmdID, err := DecodeVLQUint(&payload)
	if err != nil {
		return
	}
	h(uint16(cmdID), &payload)
}

// Close stops the reader and closes the port.
func (t *HostTransport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		close(t.stopChan)
		err = t.port.Close()
		<-t.doneChan
	})
	return err
}
