//go:build linux

package main

import (
	"encoding/binary"
	"io"
	"os"
	"sync"

	"github.com/pkg/errors"

	"pwmcap/core"
	"pwmcap/host/logger"
)

// uioLine delivers a UIO device's interrupts to capture handlers. Each read
// blocks until the next interrupt and returns the total count; writing 1
// unmasks the line again.
type uioLine struct {
	f        *os.File
	mu       sync.Mutex
	handlers []core.InterruptHandler
	closed   chan struct{}
	once     sync.Once
}

func openUIO(path string) (*uioLine, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, errors.Wrapf(err, "open %s", path)
	}
	return &uioLine{f: f, closed: make(chan struct{})}, nil
}

func (u *uioLine) Attach(h core.InterruptHandler) {
	u.mu.Lock()
	u.handlers = append(u.handlers, h)
	u.mu.Unlock()
}

func (u *uioLine) unmask() error {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], 1)
	_, err := u.f.Write(buf[:])
	return err
}

// Run services interrupts until Close.
func (u *uioLine) Run() error {
	if err := u.unmask(); err != nil {
		return errors.Wrap(err, "unmask uio")
	}
	var buf [4]byte
	var last uint32
	for {
		if _, err := io.ReadFull(u.f, buf[:]); err != nil {
			select {
			case <-u.closed:
				return nil
			default:
			}
			return errors.Wrap(err, "read uio")
		}
		count := binary.LittleEndian.Uint32(buf[:])
		if last != 0 && count-last > 1 {
			logger.Debugf("uio: %d interrupts coalesced", count-last)
		}
		last = count

		u.mu.Lock()
		handlers := u.handlers
		u.mu.Unlock()
		handled := false
		for _, h := range handlers {
			if h() == core.IRQHandled {
				handled = true
				break
			}
		}
		if !handled {
			logger.Debugf("uio: spurious interrupt %d", count)
		}
		if err := u.unmask(); err != nil {
			return errors.Wrap(err, "unmask uio")
		}
	}
}

func (u *uioLine) Close() error {
	var err error
	u.once.Do(func() {
		close(u.closed)
		err = u.f.Close()
	})
	return err
}
