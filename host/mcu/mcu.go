package mcu

import (
	"bytes"
	"context"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/multierr"

	"pwmcap/core"
	"pwmcap/host/logger"
	"pwmcap/host/serial"
	"pwmcap/protocol"
)

// Bootstrap message IDs every node shares before its dictionary is known.
const (
	identifyResponseID = 0
	identifyID         = 1
)

// identifyChunk is the dictionary request size, as Klipper uses.
const identifyChunk = 40

var (
	ErrNotConnected = errors.New("not connected to MCU")
	ErrNoDictionary = errors.New("dictionary not loaded")
)

// MCU represents a connection to a Klipper-protocol node
type MCU struct {
	transport *protocol.HostTransport

	dictionary     *core.DictionaryData
	dictionaryData []byte
	commands       map[string]uint16 // by message name
	responses      map[string]uint16

	mu   sync.Mutex
	subs map[uint16][]chan []byte

	connected bool
	timeout   time.Duration
}

// NewMCU creates a new MCU instance (not yet connected)
func NewMCU() *MCU {
	return &MCU{
		subs:    make(map[uint16][]chan []byte),
		timeout: time.Second,
	}
}

// Connect connects to an MCU via serial port
func (m *MCU) Connect(device string) error {
	return m.ConnectWithConfig(serial.DefaultConfig(device))
}

// ConnectWithConfig connects to an MCU with a custom serial config
func (m *MCU) ConnectWithConfig(cfg *serial.Config) error {
	port, err := serial.Open(cfg)
	if err != nil {
		return errors.Wrap(err, "open serial port")
	}
	// Give the node time to initialize if it just started
	time.Sleep(100 * time.Millisecond)
	return m.connectSerial(port)
}

// connectSerial drops whatever the line still holds from an earlier session
// and starts the protocol on it.
func (m *MCU) connectSerial(port serial.Port) error {
	if err := port.Flush(); err != nil {
		return errors.Wrap(multierr.Append(err, port.Close()), "flush serial port")
	}
	m.ConnectPort(port)
	return nil
}

// ConnectPort runs the protocol over an already open stream.
func (m *MCU) ConnectPort(port io.ReadWriteCloser) {
	m.transport = protocol.NewHostTransport(port)
	m.transport.SetResponseHandler(m.handleResponse)
	m.connected = true
}

// Close closes the connection to the MCU
func (m *MCU) Close() error {
	m.connected = false
	if m.transport == nil {
		return nil
	}
	return m.transport.Close()
}

// IsConnected returns whether the MCU is connected
func (m *MCU) IsConnected() bool {
	return m.connected
}

// RetrieveDictionary fetches the node's dictionary in identify chunks and
// indexes its messages by name.
func (m *MCU) RetrieveDictionary(ctx context.Context) error {
	if !m.connected {
		return ErrNotConnected
	}

	sub, cancel := m.subscribeID(identifyResponseID)
	defer cancel()

	var dictBuffer bytes.Buffer
	for {
		offset := uint32(dictBuffer.Len())
		chunk, err := m.identify(ctx, sub, offset)
		if err != nil {
			return errors.Wrapf(err, "dictionary chunk at offset %d", offset)
		}
		dictBuffer.Write(chunk)
		if len(chunk) < identifyChunk {
			break
		}
	}
	m.dictionaryData = dictBuffer.Bytes()
	logger.Debugf("dictionary retrieved: %d bytes", len(m.dictionaryData))

	dict, err := core.DecodeDictionary(m.dictionaryData)
	if err != nil {
		return errors.Wrap(err, "decode dictionary")
	}
	m.dictionary = dict
	m.commands = indexByName(dict.Commands)
	m.responses = indexByName(dict.Responses)
	return nil
}

func (m *MCU) identify(ctx context.Context, sub <-chan []byte, offset uint32) ([]byte, error) {
	err := m.transport.SendCommand(identifyID, func(output protocol.OutputBuffer) {
		protocol.EncodeVLQUint(output, offset)
		protocol.EncodeVLQUint(output, identifyChunk)
	})
	if err != nil {
		return nil, errors.Wrap(err, "send identify")
	}

	for {
		payload, err := m.wait(ctx, sub)
		if err != nil {
			return nil, err
		}
		respOffset, err := protocol.DecodeVLQUint(&payload)
		if err != nil {
			return nil, errors.Wrap(err, "decode identify_response offset")
		}
		if respOffset != offset {
			// Left over from an earlier request
			continue
		}
		data, err := protocol.DecodeVLQBytes(&payload)
		if err != nil {
			return nil, errors.Wrap(err, "decode identify_response data")
		}
		return data, nil
	}
}

func (m *MCU) wait(ctx context.Context, sub <-chan []byte) ([]byte, error) {
	timer := time.NewTimer(m.timeout)
	defer timer.Stop()
	select {
	case payload := <-sub:
		return payload, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return nil, errors.Errorf("no response within %v", m.timeout)
	}
}

// indexByName maps "name arg=%c ..." dictionary keys to their bare names.
func indexByName(msgs map[string]int) map[string]uint16 {
	out := make(map[string]uint16, len(msgs))
	for msg, id := range msgs {
		name, _, _ := strings.Cut(msg, " ")
		out[name] = uint16(id)
	}
	return out
}

// handleResponse fans a response out to its subscribers
func (m *MCU) handleResponse(cmdID uint16, data *[]byte) {
	payload := append([]byte(nil), (*data)...)
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, ch := range m.subs[cmdID] {
		select {
		case ch <- payload:
		default:
			logger.Warnf("dropping response %d: subscriber not keeping up", cmdID)
		}
	}
}

func (m *MCU) subscribeID(id uint16) (<-chan []byte, func()) {
	ch := make(chan []byte, 8)
	m.mu.Lock()
	m.subs[id] = append(m.subs[id], ch)
	m.mu.Unlock()

	return ch, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		subs := m.subs[id]
		for i, c := range subs {
			if c == ch {
				m.subs[id] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
	}
}

// Subscribe delivers the payload of every response with the given name,
// without its message ID, until cancel is called.
func (m *MCU) Subscribe(name string) (<-chan []byte, func(), error) {
	id, err := m.ResponseID(name)
	if err != nil {
		return nil, nil, err
	}
	ch, cancel := m.subscribeID(id)
	return ch, cancel, nil
}

// CommandID looks up a command by name.
func (m *MCU) CommandID(name string) (uint16, error) {
	if m.dictionary == nil {
		return 0, ErrNoDictionary
	}
	id, ok := m.commands[name]
	if !ok {
		return 0, errors.Errorf("unknown command: %s", name)
	}
	return id, nil
}

// ResponseID looks up a response by name.
func (m *MCU) ResponseID(name string) (uint16, error) {
	if m.dictionary == nil {
		return 0, ErrNoDictionary
	}
	id, ok := m.responses[name]
	if !ok {
		return 0, errors.Errorf("unknown response: %s", name)
	}
	return id, nil
}

// SendCommand sends a command by name and waits for its acknowledgement
func (m *MCU) SendCommand(name string, args func(output protocol.OutputBuffer)) error {
	if !m.connected {
		return ErrNotConnected
	}
	cmdID, err := m.CommandID(name)
	if err != nil {
		return err
	}
	return errors.Wrap(m.transport.SendCommand(cmdID, args), name)
}

// GetDictionary returns the parsed dictionary
func (m *MCU) GetDictionary() *core.DictionaryData {
	return m.dictionary
}

// GetDictionaryRaw returns the compressed dictionary as received
func (m *MCU) GetDictionaryRaw() []byte {
	return m.dictionaryData
}
