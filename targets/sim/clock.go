package sim

import (
	"errors"
	"sync"
)

var ErrClockFault = errors.New("sim: clock fault")

// Clock is a gated clock with a fixed rate.
type Clock struct {
	mu      sync.Mutex
	rate    uint64
	enabled int
	fail    bool
}

// NewClock returns a clock running at rateHz once enabled.
func NewClock(rateHz uint64) *Clock {
	return &Clock{rate: rateHz}
}

func (c *Clock) Enable() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail {
		return ErrClockFault
	}
	c.enabled++
	return nil
}

func (c *Clock) Disable() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.enabled > 0 {
		c.enabled--
	}
	return nil
}

func (c *Clock) Rate() uint64 {
	return c.rate
}

// Enabled reports whether any user holds the clock on.
func (c *Clock) Enabled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.enabled > 0
}

// SetFault makes later Enable calls fail.
func (c *Clock) SetFault(fail bool) {
	c.mu.Lock()
	c.fail = fail
	c.mu.Unlock()
}
