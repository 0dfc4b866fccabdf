package core

import (
	"context"
	"strconv"
)

// Capture runs one measurement: it enables the channel, waits for the interrupt
// handler to latch a low and a high phase, and disables the channel again on
// every path. It returns ErrCaptureTimeout when no full cycle arrives within
// PollIterations checks spaced PollInterval apart, and ErrCaptureBusy when
// another capture holds the channel.
func (c *CaptureChannel) Capture(ctx context.Context) (CaptureResult, error) {
	if !c.session.TryLock() {
		return CaptureResult{}, ErrCaptureBusy
	}
	defer c.session.Unlock()

	tick := c.tickNs
	if tick == 0 {
		return CaptureResult{}, ErrCaptureNotEnabled
	}

	c.lock.lockTask()
	c.rec = newCycle()
	c.trace.reset()
	c.lock.unlockTask()
	select {
	case <-c.done:
	default:
	}

	modifyReg(c.regs, PWMRegCtrl, 0, PWMCtrlEnable)
	pollErr := c.poll(ctx)
	modifyReg(c.regs, PWMRegCtrl, PWMCtrlEnable, 0)

	c.lock.lockTask()
	rec := c.rec
	c.rec.state = CaptureIdle
	c.lock.unlockTask()

	if rec.low == 0 || rec.high == 0 {
		if pollErr != nil {
			return CaptureResult{}, pollErr
		}
		if debugEnabled {
			DebugPrintln("[CAPTURE] ch" + strconv.Itoa(int(c.channel)) + " timeout in state " + rec.state.String())
			dumpCaptureTrace(c.channel, c.Trace())
		}
		return CaptureResult{}, ErrCaptureTimeout
	}

	res := CaptureResult{
		PeriodNs: (uint64(rec.low) + uint64(rec.high)) * tick,
		DutyNs:   uint64(rec.high) * tick,
	}
	c.resultMu.Lock()
	c.last, c.lastValid = res, true
	c.resultMu.Unlock()
	return res, nil
}

// poll waits until the record is complete, the budget runs out, or ctx ends.
// The completion signal only shortens a wait; the record decides success.
func (c *CaptureChannel) poll(ctx context.Context) error {
	for i := 0; i < c.cfg.PollIterations; i++ {
		if c.snapshot().complete() {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.done:
		case <-c.cfg.Time.After(c.cfg.PollInterval):
		}
	}
	return nil
}
