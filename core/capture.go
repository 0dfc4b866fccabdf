// PWM input capture
// Measures the period and high time of a signal on one channel of a PWM
// controller running in capture mode.
package core

import (
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// Capture session defaults
const (
	DefaultPollIterations = 100
	DefaultPollInterval   = time.Millisecond
)

// CaptureConfig controls how long a capture session waits for a cycle.
type CaptureConfig struct {
	PollIterations int           // checks before giving up
	PollInterval   time.Duration // sleep between checks
	Time           clock.Clock   // source of sleeps; a mock in tests
}

func (c *CaptureConfig) applyDefaults() {
	if c.PollIterations <= 0 {
		c.PollIterations = DefaultPollIterations
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.Time == nil {
		c.Time = clock.New()
	}
}

// CaptureChannelConfig describes one capture channel and the resources it owns.
type CaptureChannelConfig struct {
	Regs     RegisterBlock
	Channel  uint8
	Clock    ClockSource // "pwm" functional clock, sets the tick rate
	BusClock ClockSource // "pclk" register clock, optional
	Capture  CaptureConfig
}

// IRQResult tells the interrupt dispatcher whether the line was ours.
type IRQResult uint8

const (
	IRQNotMine IRQResult = iota
	IRQHandled
)

// InterruptHandler services one interrupt line. Several may share a line.
type InterruptHandler func() IRQResult

// CaptureChannel is one PWM channel in capture mode.
type CaptureChannel struct {
	regs    RegisterBlock
	channel uint8
	pwmClk  ClockSource
	busClk  ClockSource
	cfg     CaptureConfig

	// Shared with OnInterrupt
	lock  irqLock
	rec   captureRecord
	trace captureTrace
	done  chan struct{}

	// session serializes Capture, EnableCaptureMode and Shutdown
	session  sync.Mutex
	tickNs   uint64 // zero while not in capture mode
	clocksOn bool

	resultMu  sync.Mutex
	last      CaptureResult
	lastValid bool
}

// NewCaptureChannel validates cfg and returns a channel that is attached but
// not yet in capture mode. No register is touched.
func NewCaptureChannel(cfg CaptureChannelConfig) (*CaptureChannel, error) {
	if cfg.Regs == nil {
		return nil, ErrNoRegisters
	}
	if cfg.Clock == nil {
		return nil, ErrNoClock
	}
	if cfg.Channel > MaxCaptureChannel {
		return nil, ErrInvalidChannel
	}
	cfg.Capture.applyDefaults()

	return &CaptureChannel{
		regs:    cfg.Regs,
		channel: cfg.Channel,
		pwmClk:  cfg.Clock,
		busClk:  cfg.BusClock,
		cfg:     cfg.Capture,
		done:    make(chan struct{}, 1),
	}, nil
}

// Channel returns the channel index within the controller.
func (c *CaptureChannel) Channel() uint8 {
	return c.channel
}

// TickNs returns the capture tick length, zero when not in capture mode.
func (c *CaptureChannel) TickNs() uint64 {
	c.session.Lock()
	defer c.session.Unlock()
	return c.tickNs
}

// EnableCaptureMode turns on the clocks, calibrates the tick and programs the
// channel for capture with the divide-by-64 prescaler. The channel is left
// disabled; Capture enables it for the length of a session.
func (c *CaptureChannel) EnableCaptureMode() error {
	c.session.Lock()
	defer c.session.Unlock()

	if err := c.enableClocks(); err != nil {
		return err
	}

	tick, err := TickDurationNs(c.pwmClk.Rate())
	if err != nil {
		return errors.Join(&HardwareError{Op: "calibrate", Err: err}, c.disableClocks())
	}
	c.tickNs = tick

	ch := c.channel
	modifyReg(c.regs, PWMRegCtrl, PWMCtrlEnable, 0)
	modifyReg(c.regs, PWMRegCtrl, PWMCtrlModeMask, PWMCtrlModeCapture)
	modifyReg(c.regs, PWMRegCtrl, PWMCtrlScaleMask, PWMCtrlDiv64)
	modifyReg(c.regs, PWMRegIntEnable(ch), 0, PWMIntBit(ch))

	if debugEnabled {
		DebugPrintln("[CAPTURE] ch" + strconv.Itoa(int(ch)) + " capture mode, tick " + strconv.FormatUint(tick, 10) + "ns")
	}
	return nil
}

// Shutdown disables the channel, masks its interrupt and releases the clocks.
// Safe to call more than once.
func (c *CaptureChannel) Shutdown() error {
	c.session.Lock()
	defer c.session.Unlock()

	ch := c.channel
	modifyReg(c.regs, PWMRegCtrl, PWMCtrlEnable, 0)
	modifyReg(c.regs, PWMRegIntEnable(ch), PWMIntBit(ch), 0)
	c.tickNs = 0

	c.lock.lockTask()
	c.rec = captureRecord{}
	c.lock.unlockTask()

	return c.disableClocks()
}

func (c *CaptureChannel) enableClocks() error {
	if c.clocksOn {
		return nil
	}
	if err := c.pwmClk.Enable(); err != nil {
		return &HardwareError{Op: "enable pwm clock", Err: err}
	}
	if c.busClk != nil {
		if err := c.busClk.Enable(); err != nil {
			return errors.Join(&HardwareError{Op: "enable pclk", Err: err}, c.pwmClk.Disable())
		}
	}
	c.clocksOn = true
	return nil
}

func (c *CaptureChannel) disableClocks() error {
	if !c.clocksOn {
		return nil
	}
	c.clocksOn = false
	var errs []error
	if c.busClk != nil {
		if err := c.busClk.Disable(); err != nil {
			errs = append(errs, &HardwareError{Op: "disable pclk", Err: err})
		}
	}
	if err := c.pwmClk.Disable(); err != nil {
		errs = append(errs, &HardwareError{Op: "disable pwm clock", Err: err})
	}
	return errors.Join(errs...)
}

// OnInterrupt services the controller interrupt line for this channel. It
// returns IRQNotMine without side effects when the channel's status bit is
// clear, so several channels can share one line.
func (c *CaptureChannel) OnInterrupt() IRQResult {
	ch := c.channel
	status := c.regs.Read(PWMRegIntStatus(ch))
	if status&PWMIntBit(ch) == 0 {
		return IRQNotMine
	}
	high := status&PWMPolBit(ch) != 0

	c.lock.lockISR()
	prev := c.rec.state
	var value uint32
	if prev != CaptureDone {
		if high {
			value = c.regs.Read(PWMRegHPR)
		} else {
			value = c.regs.Read(PWMRegLPR)
		}
	}
	rec := c.rec.latch(high, value)
	c.regs.Write(PWMRegIntStatus(ch), PWMIntBit(ch))
	rec = rec.advance()
	c.rec = rec
	c.trace.record(CaptureEvent{State: rec.state, High: high, Value: value})
	c.lock.unlockISR()

	if rec.state == CaptureDone && prev != CaptureDone {
		select {
		case c.done <- struct{}{}:
		default:
		}
	}
	return IRQHandled
}

// State returns the current capture state.
func (c *CaptureChannel) State() CaptureState {
	return c.snapshot().state
}

func (c *CaptureChannel) snapshot() captureRecord {
	c.lock.lockTask()
	rec := c.rec
	c.lock.unlockTask()
	return rec
}

// Trace returns the interrupts seen during the most recent session, oldest first.
func (c *CaptureChannel) Trace() []CaptureEvent {
	c.lock.lockTask()
	events := c.trace.snapshot()
	c.lock.unlockTask()
	return events
}

// DumpTrace writes the interrupt trace through the debug writer.
func (c *CaptureChannel) DumpTrace() {
	dumpCaptureTrace(c.channel, c.Trace())
}

// LastResult returns the most recent successful measurement.
func (c *CaptureChannel) LastResult() (CaptureResult, bool) {
	c.resultMu.Lock()
	defer c.resultMu.Unlock()
	return c.last, c.lastValid
}
