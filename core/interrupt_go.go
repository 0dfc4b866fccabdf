//go:build !tinygo

package core

import (
	"runtime"
	"sync/atomic"
)

// irqLock guards state shared with an interrupt handler. On a hosted build the
// interrupt source is a goroutine (UIO reader, simulator), so both sides spin
// on the same word. Critical sections are a handful of loads and stores.
type irqLock struct {
	held uint32
}

const irqLockMaxBackoff = 32

func (l *irqLock) acquire() {
	backoff := 1
	for !atomic.CompareAndSwapUint32(&l.held, 0, 1) {
		for i := 0; i < backoff; i++ {
			runtime.Gosched()
		}
		if backoff < irqLockMaxBackoff {
			backoff <<= 1
		}
	}
}

func (l *irqLock) release() {
	atomic.StoreUint32(&l.held, 0)
}

// lockTask is taken by the capture session.
func (l *irqLock) lockTask()   { l.acquire() }
func (l *irqLock) unlockTask() { l.release() }

// lockISR is taken by the interrupt handler.
func (l *irqLock) lockISR()   { l.acquire() }
func (l *irqLock) unlockISR() { l.release() }
