// Package wire encodes the probe datagrams. Every datagram starts with a one
// byte type tag; all fields are big endian.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"

	"probed/pkg/tstamp"
)

type Type byte

const (
	TypePing Type = 'i'
	TypePong Type = 'o'
	TypeTime Type = 't'
)

func (t Type) String() string {
	switch t {
	case TypePing:
		return "PING"
	case TypePong:
		return "PONG"
	case TypeTime:
		return "TIME"
	default:
		return fmt.Sprintf("type(%#02x)", byte(t))
	}
}

const (
	PingSize = 1 + 4
	PongSize = PingSize
	TimeSize = 1 + 4 + 2*16

	// MaxSize is the largest datagram the probe ever sends.
	MaxSize = TimeSize
)

var ErrMalformed = errors.New("malformed packet")

type Message interface {
	Type() Type
	AppendBinary(b []byte) ([]byte, error)
}

type Ping struct {
	Seq uint32
}

type Pong struct {
	Seq uint32
}

// TimeReport carries the responder's receive and send times of a ping.
type TimeReport struct {
	Seq uint32
	Rx  tstamp.Timestamp
	Tx  tstamp.Timestamp
}

// Unrecognized is what Decode returns for a tag it doesn't know.
type Unrecognized struct {
	Tag Type
}

func (Ping) Type() Type           { return TypePing }
func (Pong) Type() Type           { return TypePong }
func (TimeReport) Type() Type     { return TypeTime }
func (u Unrecognized) Type() Type { return u.Tag }

// Reply builds the pong answering p.
func (p Ping) Reply() Pong {
	return Pong{Seq: p.Seq}
}

func (p Ping) AppendBinary(b []byte) ([]byte, error) {
	b = append(b, byte(TypePing))
	return binary.BigEndian.AppendUint32(b, p.Seq), nil
}

func (p Pong) AppendBinary(b []byte) ([]byte, error) {
	b = append(b, byte(TypePong))
	return binary.BigEndian.AppendUint32(b, p.Seq), nil
}

func (r TimeReport) AppendBinary(b []byte) ([]byte, error) {
	b = append(b, byte(TypeTime))
	b = binary.BigEndian.AppendUint32(b, r.Seq)
	b = appendTimestamp(b, r.Rx)
	return appendTimestamp(b, r.Tx), nil
}

func (u Unrecognized) AppendBinary([]byte) ([]byte, error) {
	return nil, fmt.Errorf("cannot encode %v", u.Tag)
}

func appendTimestamp(b []byte, ts tstamp.Timestamp) []byte {
	b = binary.BigEndian.AppendUint64(b, uint64(ts.Sec))
	return binary.BigEndian.AppendUint64(b, uint64(ts.Nsec))
}

func readTimestamp(b []byte) tstamp.Timestamp {
	return tstamp.Timestamp{
		Sec:  int64(binary.BigEndian.Uint64(b)),
		Nsec: int64(binary.BigEndian.Uint64(b[8:])),
	}
}

func Encode(m Message) ([]byte, error) {
	return m.AppendBinary(make([]byte, 0, MaxSize))
}

func need(b []byte, t Type, size int) error {
	if len(b) < size {
		return fmt.Errorf("%w: %v needs %d bytes, got %d", ErrMalformed, t, size, len(b))
	}
	return nil
}

// Decode parses a datagram. Bytes past the fixed size of the tagged type are
// ignored; unknown tags decode to Unrecognized without error.
func Decode(b []byte) (Message, error) {
	if len(b) == 0 {
		return nil, fmt.Errorf("%w: empty datagram", ErrMalformed)
	}
	switch t := Type(b[0]); t {
	case TypePing:
		if err := need(b, t, PingSize); err != nil {
			return nil, err
		}
		return Ping{Seq: binary.BigEndian.Uint32(b[1:])}, nil
	case TypePong:
		if err := need(b, t, PongSize); err != nil {
			return nil, err
		}
		return Pong{Seq: binary.BigEndian.Uint32(b[1:])}, nil
	case TypeTime:
		if err := need(b, t, TimeSize); err != nil {
			return nil, err
		}
		return TimeReport{
			Seq: binary.BigEndian.Uint32(b[1:]),
			Rx:  readTimestamp(b[5:]),
			Tx:  readTimestamp(b[21:]),
		}, nil
	default:
		return Unrecognized{Tag: t}, nil
	}
}
