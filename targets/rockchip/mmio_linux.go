//go:build linux

package main

import (
	"os"
	"sync/atomic"
	"unsafe"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// registerWindow is the span of one PWM channel's registers, interrupt
// registers included.
const registerWindow = 0x50

// mmioBlock is a core.RegisterBlock over a /dev/mem mapping.
type mmioBlock struct {
	mem  []byte
	base uintptr // offset of the window inside mem
}

func mapRegisters(phys uint64) (*mmioBlock, error) {
	f, err := os.OpenFile("/dev/mem", os.O_RDWR|os.O_SYNC, 0)
	if err != nil {
		return nil, errors.Wrap(err, "open /dev/mem")
	}
	defer f.Close()

	page := uint64(unix.Getpagesize())
	pageBase := phys &^ (page - 1)
	offset := phys - pageBase
	length := int((offset + registerWindow + page - 1) &^ (page - 1))

	mem, err := unix.Mmap(int(f.Fd()), int64(pageBase), length, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, errors.Wrapf(err, "mmap %#x", phys)
	}
	return &mmioBlock{mem: mem, base: uintptr(offset)}, nil
}

func (m *mmioBlock) reg(offset uint32) *uint32 {
	return (*uint32)(unsafe.Pointer(&m.mem[m.base+uintptr(offset)]))
}

func (m *mmioBlock) Read(offset uint32) uint32 {
	return atomic.LoadUint32(m.reg(offset))
}

func (m *mmioBlock) Write(offset, value uint32) {
	atomic.StoreUint32(m.reg(offset), value)
}

func (m *mmioBlock) Close() error {
	return unix.Munmap(m.mem)
}
