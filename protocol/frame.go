package protocol

import "bytes"

// Frame is one validated message block with header and trailer removed.
type Frame struct {
	Sequence uint8
	Payload  []byte
}

// CRC16 computes the CCITT checksum carried in each message trailer.
func CRC16(data []byte) uint16 {
	crc := uint16(0xFFFF)
	for _, b := range data {
		b ^= uint8(crc)
		b ^= b << 4
		w := uint16(b)
		crc = (w<<8 | crc>>8) ^ w>>4 ^ w<<3
	}
	return crc
}

// EncodeFrame wraps payload in a header, CRC and sync trailer.
func EncodeFrame(seq uint8, payload []byte) ([]byte, error) {
	n := MessageHeaderSize + len(payload) + MessageTrailerSize
	if n > MessageLengthMax {
		return nil, ErrFrameTooLong
	}
	msg := make([]byte, 0, n)
	msg = append(msg, uint8(n), seq)
	msg = append(msg, payload...)
	crc := CRC16(msg)
	return append(msg, uint8(crc>>8), uint8(crc), MessageValueSync), nil
}

// FrameScanner splits a byte stream into frames. After any malformed block it
// discards input up to the next sync byte.
type FrameScanner struct {
	// AcceptSeq, when set, rejects blocks whose sequence byte it returns false for.
	AcceptSeq func(seq uint8) bool

	desync bool
}

// Scan emits every complete frame in data. It returns how many bytes were
// consumed and whether the scanner regained sync along the way; bytes past
// consumed belong to a block that has not fully arrived.
func (s *FrameScanner) Scan(data []byte, emit func(Frame)) (consumed int, resynced bool) {
	total := len(data)
	for len(data) > 0 {
		if s.desync {
			i := bytes.IndexByte(data, MessageValueSync)
			if i < 0 {
				data = data[len(data):]
				break
			}
			data = data[i+1:]
			s.desync = false
			resynced = true
			continue
		}
		if data[0] == MessageValueSync {
			data = data[1:]
			continue
		}
		if len(data) < MessageLengthMin {
			break
		}
		n := int(data[MessagePositionLen])
		if n < MessageLengthMin || n > MessageLengthMax {
			s.desync = true
			continue
		}
		seq := data[MessagePositionSeq]
		if s.AcceptSeq != nil && !s.AcceptSeq(seq) {
			s.desync = true
			continue
		}
		if len(data) < n {
			break
		}
		if data[n-MessageTrailerSync] != MessageValueSync {
			s.desync = true
			continue
		}
		crc := uint16(data[n-MessageTrailerCRC])<<8 | uint16(data[n-MessageTrailerCRC+1])
		if crc != CRC16(data[:n-MessageTrailerSize]) {
			s.desync = true
			continue
		}
		payload := make([]byte, n-MessageHeaderSize-MessageTrailerSize)
		copy(payload, data[MessageHeaderSize:n-MessageTrailerSize])
		data = data[n:]
		emit(Frame{Sequence: seq, Payload: payload})
	}
	return total - len(data), resynced
}

// Synchronized reports whether the scanner is currently in sync.
func (s *FrameScanner) Synchronized() bool {
	return !s.desync
}
