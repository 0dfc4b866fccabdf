package core

import "errors"

// CaptureDivider is the prescaler applied to the PWM clock in capture mode.
const CaptureDivider = 64

var (
	errClockTooSlow = errors.New("clock rate below capture divider")
	errClockTooFast = errors.New("clock rate gives sub-nanosecond ticks")
)

// TickDurationNs returns the length of one capture tick in nanoseconds for a
// PWM clock running at rateHz. Integer division truncates at both steps.
func TickDurationNs(rateHz uint64) (uint64, error) {
	tickHz := rateHz / CaptureDivider
	if tickHz == 0 {
		return 0, errClockTooSlow
	}
	if tickHz > 1000000000 {
		return 0, errClockTooFast
	}
	return 1000000000 / tickHz, nil
}
