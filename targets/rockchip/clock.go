package main

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// kernelClock is a core.ClockSource for a clock owned by the kernel. Gating
// stays with the kernel's clock framework; enabling checks the clock runs and
// latches its rate from debugfs, or uses a fixed rate when one is configured.
type kernelClock struct {
	name  string
	dir   string
	fixed uint64
	rate  uint64
	on    bool
}

func newKernelClock(name, dir string, fixed uint64) *kernelClock {
	return &kernelClock{name: name, dir: dir, fixed: fixed}
}

func (c *kernelClock) Enable() error {
	if c.fixed != 0 {
		c.rate, c.on = c.fixed, true
		return nil
	}
	if count, err := c.readUint("clk_enable_count"); err == nil && count == 0 {
		return errors.Errorf("clock %s is gated", c.name)
	}
	rate, err := c.readUint("clk_rate")
	if err != nil {
		return err
	}
	if rate == 0 {
		return errors.Errorf("clock %s reports rate 0", c.name)
	}
	c.rate, c.on = rate, true
	return nil
}

func (c *kernelClock) Disable() error {
	c.on = false
	return nil
}

func (c *kernelClock) Rate() uint64 {
	return c.rate
}

func (c *kernelClock) readUint(file string) (uint64, error) {
	path := filepath.Join(c.dir, file)
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, errors.Wrapf(err, "clock %s", c.name)
	}
	v, err := strconv.ParseUint(strings.TrimSpace(string(data)), 10, 64)
	if err != nil {
		return 0, errors.Wrapf(err, "parse %s", path)
	}
	return v, nil
}
