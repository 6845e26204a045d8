package wire

import (
	"encoding/binary"
	"fmt"

	"probed/pkg/tstamp"
)

const (
	RpmSize    = 40
	RpmVersion = 1
	RpmMagic   = 0x5250
)

// RpmRecord is the four timestamp report handed to external collectors.
// Times have microsecond resolution; the field order is the on-wire order.
type RpmRecord struct {
	T1Sec    int32
	T1Usec   int32
	T4Sec    int32
	T4Usec   int32
	Version  int16
	Magic    int16
	Reserved int32
	T2Sec    int32
	T2Usec   int32
	T3Sec    int32
	T3Usec   int32
}

func toSecUsec(ts tstamp.Timestamp) (int32, int32) {
	return int32(ts.Sec), int32(ts.Nsec / 1000)
}

// NewRpmRecord truncates t1..t4 to microseconds.
func NewRpmRecord(ts [4]tstamp.Timestamp) RpmRecord {
	r := RpmRecord{Version: RpmVersion, Magic: RpmMagic}
	r.T1Sec, r.T1Usec = toSecUsec(ts[0])
	r.T2Sec, r.T2Usec = toSecUsec(ts[1])
	r.T3Sec, r.T3Usec = toSecUsec(ts[2])
	r.T4Sec, r.T4Usec = toSecUsec(ts[3])
	return r
}

// Timestamps returns t1..t4.
func (r *RpmRecord) Timestamps() [4]tstamp.Timestamp {
	conv := func(sec, usec int32) tstamp.Timestamp {
		return tstamp.Timestamp{Sec: int64(sec), Nsec: int64(usec) * 1000}
	}
	return [4]tstamp.Timestamp{
		conv(r.T1Sec, r.T1Usec),
		conv(r.T2Sec, r.T2Usec),
		conv(r.T3Sec, r.T3Usec),
		conv(r.T4Sec, r.T4Usec),
	}
}

func (r *RpmRecord) AppendBinary(b []byte) ([]byte, error) {
	return binary.Append(b, binary.BigEndian, r)
}

func (r *RpmRecord) MarshalBinary() ([]byte, error) {
	return r.AppendBinary(make([]byte, 0, RpmSize))
}

func (r *RpmRecord) UnmarshalBinary(b []byte) error {
	if len(b) < RpmSize {
		return fmt.Errorf("%w: RPM record needs %d bytes, got %d", ErrMalformed, RpmSize, len(b))
	}
	if _, err := binary.Decode(b[:RpmSize], binary.BigEndian, r); err != nil {
		return fmt.Errorf("binary.Decode: %w", err)
	}
	return nil
}
