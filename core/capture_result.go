package core

import (
	"encoding/binary"
	"errors"
)

// CaptureRecordSize is the size of the record handed to callers: period then
// duty, each a little-endian uint64 of nanoseconds.
const CaptureRecordSize = 16

var errShortRecord = errors.New("pwm capture: short result record")

// CaptureResult is one measured cycle.
type CaptureResult struct {
	PeriodNs uint64
	DutyNs   uint64 // time spent high within the period
}

// MarshalBinary encodes the fixed size result record.
func (r CaptureResult) MarshalBinary() ([]byte, error) {
	buf := make([]byte, CaptureRecordSize)
	binary.LittleEndian.PutUint64(buf[0:8], r.PeriodNs)
	binary.LittleEndian.PutUint64(buf[8:16], r.DutyNs)
	return buf, nil
}

// UnmarshalBinary decodes a record produced by MarshalBinary.
func (r *CaptureResult) UnmarshalBinary(data []byte) error {
	if len(data) < CaptureRecordSize {
		return errShortRecord
	}
	r.PeriodNs = binary.LittleEndian.Uint64(data[0:8])
	r.DutyNs = binary.LittleEndian.Uint64(data[8:16])
	return nil
}

// DutyRatio returns the high fraction of the period in [0, 1].
func (r CaptureResult) DutyRatio() float64 {
	if r.PeriodNs == 0 {
		return 0
	}
	return float64(r.DutyNs) / float64(r.PeriodNs)
}

// FrequencyHz returns the signal frequency.
func (r CaptureResult) FrequencyHz() float64 {
	if r.PeriodNs == 0 {
		return 0
	}
	return 1e9 / float64(r.PeriodNs)
}
