package mcu

import (
	"errors"
	"net"
	"testing"
)

// pipePort is a serial.Port over one end of a pipe.
type pipePort struct {
	net.Conn
	flushes  int
	flushErr error
	closed   bool
}

func (p *pipePort) Flush() error {
	p.flushes++
	return p.flushErr
}

func (p *pipePort) Close() error {
	p.closed = true
	return p.Conn.Close()
}

func TestConnectSerialFlushes(t *testing.T) {
	hostEnd, nodeEnd := net.Pipe()
	defer nodeEnd.Close()
	port := &pipePort{Conn: hostEnd}

	m := NewMCU()
	if err := m.connectSerial(port); err != nil {
		t.Fatalf("connectSerial: %v", err)
	}
	defer m.Close()
	if port.flushes != 1 {
		t.Errorf("flushed %d times, want 1", port.flushes)
	}
	if !m.IsConnected() {
		t.Error("not connected")
	}
}

func TestConnectSerialFlushError(t *testing.T) {
	hostEnd, nodeEnd := net.Pipe()
	defer nodeEnd.Close()
	errFlush := errors.New("flush failed")
	port := &pipePort{Conn: hostEnd, flushErr: errFlush}

	m := NewMCU()
	err := m.connectSerial(port)
	if !errors.Is(err, errFlush) {
		t.Fatalf("got %v, want flush error", err)
	}
	if !port.closed {
		t.Error("port left open")
	}
	if m.IsConnected() {
		t.Error("connected after flush failure")
	}
}
