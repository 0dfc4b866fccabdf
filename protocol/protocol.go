// Package protocol implements the Klipper message block protocol spoken between
// the capture node and its host.
package protocol

import "errors"

// Version is the protocol implementation version reported in the dictionary.
const Version = "pwmcap-0.1.0"

// Message block layout
const (
	MessageMax         = 512 // scratch buffer size for one encoded payload
	MessageHeaderSize  = 2
	MessageTrailerSize = 3
	MessageLengthMin   = MessageHeaderSize + MessageTrailerSize
	MessageLengthMax   = 64
	MessagePositionLen = 0
	MessagePositionSeq = 1
	MessageTrailerCRC  = 3
	MessageTrailerSync = 1
	MessageValueSync   = 0x7E
	MessageDest        = 0x10
	MessageSeqMask     = 0x0F
)

var (
	ErrFrameTooLong     = errors.New("protocol: message exceeds maximum block length")
	ErrTransportStopped = errors.New("protocol: transport stopped")
	errAckTimeout       = errors.New("protocol: ack timeout")
)

// nextSeq returns the sequence byte following seq.
func nextSeq(seq uint8) uint8 {
	return ((seq + 1) & MessageSeqMask) | MessageDest
}

var errHandlerPanic = errors.New("protocol: command handler panicked")
