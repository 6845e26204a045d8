// Package delay turns the four timestamps of a probe into latency figures.
//
//	t1 client send    t2 server receive
//	t4 client receive t3 server send
//
// Round trip and processing time only compare timestamps taken by the same
// clock. Forward, Backward and Offset mix both clocks and mean something only
// when client and server are synchronized.
package delay

import (
	"errors"
	"fmt"
	"time"

	"probed/pkg/tstamp"
)

var (
	ErrNegativeProcessing = errors.New("server send time precedes server receive time")
	ErrNegativeRoundTrip  = errors.New("client receive time precedes client send time")
)

type Result struct {
	T [4]tstamp.Timestamp

	RoundTrip  time.Duration // (t4-t1) - (t3-t2)
	Processing time.Duration // t3-t2

	Forward  time.Duration // t2-t1, requires synchronized clocks
	Backward time.Duration // t4-t3, requires synchronized clocks
	Offset   time.Duration // server clock minus client clock, assuming symmetric paths

	// Fault is set when the timestamps are out of order.
	Fault error
}

func Compute(t [4]tstamp.Timestamp) Result {
	r := Result{
		T:          t,
		Processing: t[2].Sub(t[1]).Duration(),
		Forward:    t[1].Sub(t[0]).Duration(),
		Backward:   t[3].Sub(t[2]).Duration(),
	}
	total := t[3].Sub(t[0]).Duration()
	r.RoundTrip = total - r.Processing
	r.Offset = (r.Forward - r.Backward) / 2

	switch {
	case r.Processing < 0:
		r.Fault = fmt.Errorf("%w (%v)", ErrNegativeProcessing, r.Processing)
	case total < 0:
		r.Fault = fmt.Errorf("%w (%v)", ErrNegativeRoundTrip, total)
	case r.RoundTrip < 0:
		r.Fault = fmt.Errorf("%w: processing %v exceeds round trip %v", ErrNegativeRoundTrip, r.Processing, total)
	}
	return r
}

func (r Result) Valid() bool {
	return r.Fault == nil
}

func (r Result) String() string {
	if r.Fault != nil {
		return fmt.Sprintf("fault: %v", r.Fault)
	}
	return fmt.Sprintf("rt %v proc %v fwd %v bwd %v (one-way requires synchronized clocks)",
		r.RoundTrip, r.Processing, r.Forward, r.Backward)
}
