// Package serial opens the line between a capture node and its host.
package serial

import (
	"io"
)

// Port is a serial line. The native implementation sits on tarm/serial;
// tests use pipes.
type Port interface {
	io.ReadWriteCloser

	// Flush discards bytes queued in either direction, such as blocks left
	// over from an earlier session.
	Flush() error
}

// Config selects the device and line settings.
type Config struct {
	Device      string // "/dev/ttyS3", "/dev/ttyUSB0", ...
	Baud        int
	ReadTimeout int // milliseconds, 0 blocks
}

// DefaultConfig returns the Klipper line settings for device.
func DefaultConfig(device string) *Config {
	return &Config{
		Device:      device,
		Baud:        250000,
		ReadTimeout: 100,
	}
}
