package core

import (
	"time"

	"github.com/benbjohnson/clock"
)

// TimerFreq is the rate of the node clock reported to the host as CLOCK_FREQ.
const TimerFreq = 1000000

// timeBase counts node clock ticks since boot.
type timeBase struct {
	clk  clock.Clock
	boot time.Time
}

func newTimeBase(clk clock.Clock) timeBase {
	return timeBase{clk: clk, boot: clk.Now()}
}

// Uptime returns the 64-bit tick count since boot.
func (t timeBase) Uptime() uint64 {
	return uint64(t.clk.Since(t.boot) / (time.Second / TimerFreq))
}

// Time returns the 32-bit clock the host synchronises against. It wraps.
func (t timeBase) Time() uint32 {
	return uint32(t.Uptime())
}

// TimerFromUS converts microseconds to timer ticks
func TimerFromUS(us uint32) uint32 {
	return uint32(uint64(us) * TimerFreq / 1000000)
}

// TimerToUS converts timer ticks to microseconds
func TimerToUS(ticks uint32) uint32 {
	return uint32(uint64(ticks) * 1000000 / TimerFreq)
}
