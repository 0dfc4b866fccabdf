package core

import "errors"

var (
	// ErrCaptureTimeout means no complete low/high pair arrived within the poll
	// budget, usually because no signal is connected. Retrying is safe.
	ErrCaptureTimeout = errors.New("pwm capture: no complete cycle within poll budget")

	// ErrCaptureBusy is returned when a capture is already running on the channel.
	ErrCaptureBusy = errors.New("pwm capture: capture already in progress")

	// ErrCaptureNotEnabled is returned when Capture runs before EnableCaptureMode
	// or after Shutdown.
	ErrCaptureNotEnabled = errors.New("pwm capture: channel not in capture mode")

	ErrInvalidChannel = errors.New("pwm capture: channel out of range")
	ErrNoRegisters    = errors.New("pwm capture: no register block")
	ErrNoClock        = errors.New("pwm capture: no pwm clock")
)

// HardwareError reports a clock or mapping failure. These are not recoverable
// by retrying a capture.
type HardwareError struct {
	Op  string
	Err error
}

func (e *HardwareError) Error() string {
	return "pwm capture: " + e.Op + ": " + e.Err.Error()
}

func (e *HardwareError) Unwrap() error {
	return e.Err
}
