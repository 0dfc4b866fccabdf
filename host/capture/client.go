// Package capture drives PWM capture objects on a node from the host.
package capture

import (
	"context"

	"github.com/pkg/errors"

	"pwmcap/core"
	"pwmcap/host/mcu"
	"pwmcap/protocol"
)

// ErrCaptureFault is a capture that failed on the node for a reason other than
// timeout or contention, such as a channel that is not in capture mode.
var ErrCaptureFault = errors.New("capture fault on node")

// Client issues capture commands through a connected MCU.
type Client struct {
	mcu *mcu.MCU
}

// NewClient returns a client for an MCU whose dictionary is loaded.
func NewClient(m *mcu.MCU) *Client {
	return &Client{mcu: m}
}

// Configure binds oid to a capture channel on the node.
func (c *Client) Configure(oid, channel uint8) error {
	return c.mcu.SendCommand("config_pwm_capture", func(output protocol.OutputBuffer) {
		protocol.EncodeVLQUint(output, uint32(oid))
		protocol.EncodeVLQUint(output, uint32(channel))
	})
}

// Measure runs one capture on oid and waits for its result. Node-side
// timeouts and contention come back as core.ErrCaptureTimeout and
// core.ErrCaptureBusy.
func (c *Client) Measure(ctx context.Context, oid uint8) (core.CaptureResult, error) {
	results, cancel, err := c.mcu.Subscribe("pwm_capture_result")
	if err != nil {
		return core.CaptureResult{}, err
	}
	defer cancel()

	err = c.mcu.SendCommand("query_pwm_capture", func(output protocol.OutputBuffer) {
		protocol.EncodeVLQUint(output, uint32(oid))
	})
	if err != nil {
		return core.CaptureResult{}, err
	}

	for {
		select {
		case <-ctx.Done():
			return core.CaptureResult{}, ctx.Err()
		case payload := <-results:
			msg, err := decodeResult(payload)
			if err != nil {
				return core.CaptureResult{}, err
			}
			if msg.oid != uint32(oid) {
				continue
			}
			return msg.result()
		}
	}
}

// resultMsg is a decoded pwm_capture_result.
type resultMsg struct {
	oid    uint32
	status uint32
	data   []byte
}

func decodeResult(payload []byte) (resultMsg, error) {
	var msg resultMsg
	var err error
	if msg.oid, err = protocol.DecodeVLQUint(&payload); err != nil {
		return msg, errors.Wrap(err, "decode oid")
	}
	if msg.status, err = protocol.DecodeVLQUint(&payload); err != nil {
		return msg, errors.Wrap(err, "decode status")
	}
	if msg.data, err = protocol.DecodeVLQBytes(&payload); err != nil {
		return msg, errors.Wrap(err, "decode data")
	}
	return msg, nil
}

func (m resultMsg) result() (core.CaptureResult, error) {
	var res core.CaptureResult
	switch m.status {
	case core.CaptureStatusOK:
		err := res.UnmarshalBinary(m.data)
		return res, err
	case core.CaptureStatusTimeout:
		return res, core.ErrCaptureTimeout
	case core.CaptureStatusBusy:
		return res, core.ErrCaptureBusy
	}
	return res, errors.Wrapf(ErrCaptureFault, "status %d", m.status)
}

// DumpTrace asks the node to log the interrupt trace of oid's last capture.
func (c *Client) DumpTrace(oid uint8) error {
	return c.mcu.SendCommand("debug_capture_trace", func(output protocol.OutputBuffer) {
		protocol.EncodeVLQUint(output, uint32(oid))
	})
}

// EmergencyStop shuts every capture channel on the node down.
func (c *Client) EmergencyStop() error {
	return c.mcu.SendCommand("emergency_stop", nil)
}

// Reset clears the node's configuration after an emergency stop.
func (c *Client) Reset() error {
	return c.mcu.SendCommand("config_reset", nil)
}
