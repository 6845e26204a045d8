// Package session correlates the timestamps of in-flight probes. A probe is
// identified by peer address, probe id and sequence number; its four
// timestamps arrive in separate datagrams and are merged here until the
// session is complete.
package session

import (
	"fmt"
	"net/netip"
	"time"

	"probed/pkg/tstamp"
)

type State int

const (
	Sent State = iota + 1
	GotTimestamp
	GotPong
	Ready
)

func (s State) String() string {
	switch s {
	case Sent:
		return "sent"
	case GotTimestamp:
		return "got-timestamp"
	case GotPong:
		return "got-pong"
	case Ready:
		return "ready"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Slot selects which of t1..t4 an update fills. SlotNext picks the first free one.
type Slot int

const (
	SlotNext Slot = iota
	SlotT1
	SlotT2
	SlotT3
	SlotT4
)

func (s Slot) String() string {
	if s == SlotNext {
		return "next"
	}
	return fmt.Sprintf("t%d", int(s))
}

type Key struct {
	Addr netip.Addr // always 16 bytes, IPv4 is mapped
	ID   uint32
	Seq  uint32
}

func NewKey(addr netip.Addr, id, seq uint32) Key {
	return Key{Addr: netip.AddrFrom16(addr.As16()), ID: id, Seq: seq}
}

func (k Key) String() string {
	return fmt.Sprintf("%s/%d/%d", k.Addr.Unmap(), k.ID, k.Seq)
}

// Probe is what the protocol layer knows about a datagram when it reports a
// timestamp to the store.
type Probe struct {
	ID   uint32
	Seq  uint32
	Slot Slot
}

type Session struct {
	Key     Key
	Created time.Time
	State   State

	ts      [4]tstamp.Timestamp
	defined uint8
}

func (s *Session) Defined(i int) bool {
	return s.defined&(1<<i) != 0
}

// Timestamp returns t(i+1). Reading a slot that was never set is a bug in the
// caller and panics.
func (s *Session) Timestamp(i int) tstamp.Timestamp {
	if !s.Defined(i) {
		panic(fmt.Sprintf("session %v: t%d read before being set", s.Key, i+1))
	}
	return s.ts[i]
}

func (s *Session) count() int {
	n := 0
	for i := range s.ts {
		if s.Defined(i) {
			n++
		}
	}
	return n
}

func (s *Session) set(i int, ts tstamp.Timestamp) {
	s.ts[i] = ts
	s.defined |= 1 << i
	s.State = State(s.count())
}

func (s *Session) firstFree() int {
	for i := range s.ts {
		if !s.Defined(i) {
			return i
		}
	}
	return -1
}
