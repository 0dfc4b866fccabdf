package core

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/benbjohnson/clock"

	"pwmcap/protocol"
)

// Status codes carried by pwm_capture_result
const (
	CaptureStatusOK      = 0
	CaptureStatusTimeout = 1
	CaptureStatusBusy    = 2
	CaptureStatusFault   = 3
)

// identifyChunkMax is the most dictionary bytes one identify_response carries:
// a block less its header and trailer, a one byte message ID, a five byte
// offset and the length byte.
const identifyChunkMax = protocol.MessageLengthMax - protocol.MessageLengthMin - 1 - 5 - 1

// moveCount is reported in the config response; the node queues no moves but
// Klipper requires a non-zero value.
const moveCount = 16

var (
	ErrShutdown       = errors.New("node is shut down")
	ErrUnknownOID     = errors.New("unknown oid")
	ErrNotAttached    = errors.New("capture channel not attached")
	ErrOIDInUse       = errors.New("oid already configured")
	errNoSuchResponse = errors.New("response not registered")
)

// ResponseSender frames and sends one message to the host.
// *protocol.Transport satisfies it.
type ResponseSender interface {
	SendCommand(cmdID uint16, args func(output protocol.OutputBuffer)) error
}

// Node is the command surface of a capture device. It owns the command
// registry, the data dictionary and the capture channels attached by the
// target.
type Node struct {
	registry *CommandRegistry
	dict     *Dictionary
	time     timeBase

	mu       sync.Mutex
	sender   ResponseSender
	channels map[uint8]*CaptureChannel // by hardware channel
	oids     map[uint8]*CaptureChannel
	ctx      context.Context
	cancel   context.CancelFunc

	configCRC  uint32 // atomic
	isShutdown uint32 // atomic bool
	queries    sync.WaitGroup
}

// NewNode returns a node with every command registered.
func NewNode() *Node {
	return NewNodeWithClock(clock.New())
}

// NewNodeWithClock is NewNode with the time source behind get_clock and
// get_uptime replaced.
func NewNodeWithClock(clk clock.Clock) *Node {
	n := &Node{
		registry: NewCommandRegistry(),
		time:     newTimeBase(clk),
		channels: make(map[uint8]*CaptureChannel),
		oids:     make(map[uint8]*CaptureChannel),
	}
	n.dict = NewDictionary(n.registry)
	n.ctx, n.cancel = context.WithCancel(context.Background())
	n.registerCommands()
	return n
}

// registerCommands registers the protocol commands.
// Klipper has a hardcoded bootstrap dictionary:
//
//	identify_response = ID 0
//	identify = ID 1
func (n *Node) registerCommands() {
	r := n.registry
	r.RegisterResponse("identify_response", "offset=%u data=%*s")
	r.Register("identify", "offset=%u count=%c", n.handleIdentify)

	r.Register("get_uptime", "", n.handleGetUptime)
	r.Register("get_clock", "", n.handleGetClock)
	r.Register("get_config", "", n.handleGetConfig)
	r.Register("config_reset", "", n.handleConfigReset)
	r.Register("finalize_config", "crc=%u", n.handleFinalizeConfig)
	r.Register("allocate_oids", "count=%c", n.handleAllocateOids)
	r.Register("emergency_stop", "", n.handleEmergencyStop)
	r.RegisterResponse("uptime", "high=%u clock=%u")
	r.RegisterResponse("clock", "clock=%u")
	r.RegisterResponse("config", "is_config=%c crc=%u is_shutdown=%c move_count=%hu")

	r.Register("config_pwm_capture", "oid=%c channel=%c", n.handleConfigCapture)
	r.Register("query_pwm_capture", "oid=%c", n.handleQueryCapture)
	r.Register("debug_capture_trace", "oid=%c", n.handleCaptureTrace)
	r.RegisterResponse("pwm_capture_result", "oid=%c status=%c data=%*s")

	n.dict.AddConstant("CLOCK_FREQ", TimerFreq)
	n.dict.AddConstant("CAPTURE_DIVIDER", CaptureDivider)
	n.dict.AddConstant("CAPTURE_RECORD_SIZE", CaptureRecordSize)
}

// Registry exposes the command registry.
func (n *Node) Registry() *CommandRegistry {
	return n.registry
}

// Dictionary exposes the data dictionary, for target constants.
func (n *Node) Dictionary() *Dictionary {
	return n.dict
}

// SetSender sets where responses go. Without a sender responses are dropped.
func (n *Node) SetSender(s ResponseSender) {
	n.mu.Lock()
	n.sender = s
	n.mu.Unlock()
}

// HandleCommand dispatches one decoded command. It has the signature of
// protocol.CommandHandler.
func (n *Node) HandleCommand(cmdID uint16, data *[]byte) error {
	return n.registry.Dispatch(cmdID, data)
}

// AttachCapture makes a hardware channel available to config_pwm_capture.
func (n *Node) AttachCapture(ch *CaptureChannel) {
	n.mu.Lock()
	n.channels[ch.Channel()] = ch
	count := len(n.channels)
	n.mu.Unlock()
	n.dict.AddConstant("CAPTURE_CHANNELS", count)
}

// DetachCapture shuts a channel down and forgets it.
func (n *Node) DetachCapture(channel uint8) error {
	n.mu.Lock()
	ch, ok := n.channels[channel]
	delete(n.channels, channel)
	for oid, c := range n.oids {
		if c == ch {
			delete(n.oids, oid)
		}
	}
	n.mu.Unlock()
	if !ok {
		return ErrNotAttached
	}
	return ch.Shutdown()
}

// IsShutdown reports whether emergency_stop has run since the last reset.
func (n *Node) IsShutdown() bool {
	return atomic.LoadUint32(&n.isShutdown) != 0
}

// ResetState clears configuration and shutdown state, as after a host
// reconnect. Attached channels stay attached but need configuring again.
func (n *Node) ResetState() {
	n.mu.Lock()
	n.oids = make(map[uint8]*CaptureChannel)
	if n.ctx.Err() != nil {
		n.ctx, n.cancel = context.WithCancel(context.Background())
	}
	n.mu.Unlock()
	atomic.StoreUint32(&n.configCRC, 0)
	atomic.StoreUint32(&n.isShutdown, 0)
}

// Shutdown cancels running captures, waits for them and shuts every
// attached channel down.
func (n *Node) Shutdown() error {
	atomic.StoreUint32(&n.isShutdown, 1)
	n.mu.Lock()
	n.cancel()
	channels := make([]*CaptureChannel, 0, len(n.channels))
	for _, ch := range n.channels {
		channels = append(channels, ch)
	}
	n.mu.Unlock()

	var errs []error
	for _, ch := range channels {
		if err := ch.Shutdown(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Wait blocks until every in-flight query has replied.
func (n *Node) Wait() {
	n.queries.Wait()
}

func (n *Node) sendResponse(name string, args func(output protocol.OutputBuffer)) error {
	cmd, ok := n.registry.GetCommandByName(name)
	if !ok {
		return withDetail(errNoSuchResponse, name)
	}
	n.mu.Lock()
	s := n.sender
	n.mu.Unlock()
	if s == nil {
		return nil
	}
	return s.SendCommand(cmd.ID, args)
}

func (n *Node) lookupOID(oid uint8) (*CaptureChannel, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	ch, ok := n.oids[oid]
	if !ok {
		return nil, withDetail(ErrUnknownOID, "oid "+strconv.Itoa(int(oid)))
	}
	return ch, nil
}

// handleIdentify returns chunks of the data dictionary
func (n *Node) handleIdentify(data *[]byte) error {
	offset, err := protocol.DecodeVLQUint(data)
	if err != nil {
		return err
	}
	count, err := protocol.DecodeVLQUint(data)
	if err != nil {
		return err
	}

	if count > identifyChunkMax {
		count = identifyChunkMax
	}
	chunk := n.dict.GetChunk(offset, uint8(count))
	return n.sendResponse("identify_response", func(output protocol.OutputBuffer) {
		protocol.EncodeVLQUint(output, offset)
		protocol.EncodeVLQBytes(output, chunk)
	})
}

// handleGetUptime returns the 64-bit tick count since boot
func (n *Node) handleGetUptime(data *[]byte) error {
	uptime := n.time.Uptime()
	return n.sendResponse("uptime", func(output protocol.OutputBuffer) {
		protocol.EncodeVLQUint(output, uint32(uptime>>32))
		protocol.EncodeVLQUint(output, uint32(uptime))
	})
}

// handleGetClock returns the current clock value
func (n *Node) handleGetClock(data *[]byte) error {
	now := n.time.Time()
	return n.sendResponse("clock", func(output protocol.OutputBuffer) {
		protocol.EncodeVLQUint(output, now)
	})
}

// handleGetConfig returns the configuration state
func (n *Node) handleGetConfig(data *[]byte) error {
	crc := atomic.LoadUint32(&n.configCRC)
	return n.sendResponse("config", func(output protocol.OutputBuffer) {
		protocol.EncodeVLQUint(output, boolToUint(crc != 0))
		protocol.EncodeVLQUint(output, crc)
		protocol.EncodeVLQUint(output, boolToUint(n.IsShutdown()))
		protocol.EncodeVLQUint(output, moveCount)
	})
}

func (n *Node) handleConfigReset(data *[]byte) error {
	n.ResetState()
	return nil
}

func (n *Node) handleFinalizeConfig(data *[]byte) error {
	crc, err := protocol.DecodeVLQUint(data)
	if err != nil {
		return err
	}
	atomic.StoreUint32(&n.configCRC, crc)
	return nil
}

// handleAllocateOids is accepted for Klipper compatibility; oids are kept in a map.
func (n *Node) handleAllocateOids(data *[]byte) error {
	_, err := protocol.DecodeVLQUint(data)
	return err
}

func (n *Node) handleEmergencyStop(data *[]byte) error {
	DebugPrintln("[NODE] emergency stop")
	return n.Shutdown()
}

// handleConfigCapture binds an oid to an attached channel and puts the channel
// in capture mode.
// Format: config_pwm_capture oid=%c channel=%c
func (n *Node) handleConfigCapture(data *[]byte) error {
	oid, err := protocol.DecodeVLQUint(data)
	if err != nil {
		return err
	}
	channel, err := protocol.DecodeVLQUint(data)
	if err != nil {
		return err
	}
	if n.IsShutdown() {
		return ErrShutdown
	}
	if channel > MaxCaptureChannel {
		return ErrInvalidChannel
	}

	n.mu.Lock()
	ch, ok := n.channels[uint8(channel)]
	if existing, used := n.oids[uint8(oid)]; used && existing != ch {
		n.mu.Unlock()
		return ErrOIDInUse
	}
	n.mu.Unlock()
	if !ok {
		return ErrNotAttached
	}

	if err := ch.EnableCaptureMode(); err != nil {
		return err
	}

	n.mu.Lock()
	n.oids[uint8(oid)] = ch
	n.mu.Unlock()
	return nil
}

// handleQueryCapture starts a capture and replies with pwm_capture_result
// once it ends. The transport is not held up for the poll budget.
// Format: query_pwm_capture oid=%c
func (n *Node) handleQueryCapture(data *[]byte) error {
	oid, err := protocol.DecodeVLQUint(data)
	if err != nil {
		return err
	}
	if n.IsShutdown() {
		return ErrShutdown
	}
	ch, err := n.lookupOID(uint8(oid))
	if err != nil {
		return err
	}

	n.mu.Lock()
	ctx := n.ctx
	n.mu.Unlock()

	n.queries.Add(1)
	go func() {
		defer n.queries.Done()
		res, err := ch.Capture(ctx)
		status := captureStatus(err)
		var record []byte
		if status == CaptureStatusOK {
			record, _ = res.MarshalBinary()
		} else {
			DebugPrintln("[NODE] capture oid " + strconv.Itoa(int(oid)) + ": " + err.Error())
		}
		sendErr := n.sendResponse("pwm_capture_result", func(output protocol.OutputBuffer) {
			protocol.EncodeVLQUint(output, oid)
			protocol.EncodeVLQUint(output, status)
			protocol.EncodeVLQBytes(output, record)
		})
		if sendErr != nil {
			DebugPrintln("[NODE] send pwm_capture_result: " + sendErr.Error())
		}
	}()
	return nil
}

// handleCaptureTrace dumps the interrupt trace of the last session.
// Format: debug_capture_trace oid=%c
func (n *Node) handleCaptureTrace(data *[]byte) error {
	oid, err := protocol.DecodeVLQUint(data)
	if err != nil {
		return err
	}
	ch, err := n.lookupOID(uint8(oid))
	if err != nil {
		return err
	}
	ch.DumpTrace()
	return nil
}

func captureStatus(err error) uint32 {
	switch {
	case err == nil:
		return CaptureStatusOK
	case errors.Is(err, ErrCaptureTimeout):
		return CaptureStatusTimeout
	case errors.Is(err, ErrCaptureBusy):
		return CaptureStatusBusy
	}
	return CaptureStatusFault
}

func boolToUint(b bool) uint32 {
	if b {
		return 1
	}
	return 0
}
