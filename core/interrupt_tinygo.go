//go:build tinygo

package core

import "runtime/interrupt"

// irqLock guards state shared with an interrupt handler. On a single core MCU
// the task side masks interrupts; the handler cannot be preempted by the task
// so it takes nothing.
type irqLock struct {
	state interrupt.State
}

func (l *irqLock) lockTask() {
	l.state = interrupt.Disable()
}

func (l *irqLock) unlockTask() {
	interrupt.Restore(l.state)
}

func (l *irqLock) lockISR()   {}
func (l *irqLock) unlockISR() {}
