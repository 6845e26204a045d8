package session

import (
	"fmt"
	"strings"
	"time"

	"probed/pkg/stats"
)

type Trigger int

const (
	TriggerPeriodic Trigger = iota + 1
	TriggerSignal
	TriggerShutdown
)

func (t Trigger) String() string {
	switch t {
	case TriggerPeriodic:
		return "periodic"
	case TriggerSignal:
		return "signal"
	case TriggerShutdown:
		return "shutdown"
	default:
		return "unknown"
	}
}

type Summary struct {
	Trigger Trigger
	Start   time.Time
	End     time.Time

	Completed  int // valid results in the window
	Lost       int // expired before completion
	Faults     int // completed with out of order timestamps, not aggregated
	Duplicates int
	Dropped    int // evicted from a full window before being summarized
	Outliers   int // round trips outside the long-term spread, still aggregated
	InFlight   int

	RoundTrip  stats.Aggregate
	Processing stats.Aggregate

	// One-way figures mix both clocks and require synchronization.
	Forward  stats.Aggregate
	Backward stats.Aggregate
	Offset   stats.Aggregate

	LongTermMean   time.Duration
	LongTermStdDev time.Duration
}

// Summarize aggregates the results completed since the previous call, then
// empties the window and resets the counters.
func (s *Store) Summarize(trigger Trigger) Summary {
	now := s.now()
	n := s.window.Len()
	rt := make([]time.Duration, 0, n)
	proc := make([]time.Duration, 0, n)
	fwd := make([]time.Duration, 0, n)
	bwd := make([]time.Duration, 0, n)
	off := make([]time.Duration, 0, n)
	for {
		res, ok := s.window.Dequeue()
		if !ok {
			break
		}
		rt = append(rt, res.RoundTrip)
		proc = append(proc, res.Processing)
		fwd = append(fwd, res.Forward)
		bwd = append(bwd, res.Backward)
		off = append(off, res.Offset)
	}

	sum := Summary{
		Trigger:        trigger,
		Start:          s.since,
		End:            now,
		Completed:      len(rt),
		Lost:           s.counters.lost,
		Faults:         s.counters.faults,
		Duplicates:     s.counters.duplicates,
		Dropped:        s.counters.dropped,
		Outliers:       s.counters.outliers,
		InFlight:       len(s.sessions),
		RoundTrip:      stats.Summarize(rt),
		Processing:     stats.Summarize(proc),
		Forward:        stats.Summarize(fwd),
		Backward:       stats.Summarize(bwd),
		Offset:         stats.Summarize(off),
		LongTermMean:   s.roundTrip.Mean(),
		LongTermStdDev: s.roundTrip.StdDev(),
	}

	s.counters = counters{}
	s.since = now
	return sum
}

// Loss is the fraction of finished probes that never completed.
func (s Summary) Loss() float64 {
	total := s.Completed + s.Lost + s.Faults
	if total == 0 {
		return 0
	}
	return float64(s.Lost) / float64(total)
}

func (s Summary) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "summary (%v) %s .. %s: %d completed, %d lost (%.1f%%), %d faults, %d duplicates, %d dropped, %d in flight\n",
		s.Trigger, s.Start.Format(time.TimeOnly), s.End.Format(time.TimeOnly),
		s.Completed, s.Lost, 100*s.Loss(), s.Faults, s.Duplicates, s.Dropped, s.InFlight)
	fmt.Fprintf(&b, "  round trip: %v\n", s.RoundTrip)
	fmt.Fprintf(&b, "  processing: %v\n", s.Processing)
	fmt.Fprintf(&b, "  forward:    %v (requires synchronized clocks)\n", s.Forward)
	fmt.Fprintf(&b, "  backward:   %v (requires synchronized clocks)\n", s.Backward)
	fmt.Fprintf(&b, "  offset:     %v\n", s.Offset)
	fmt.Fprintf(&b, "  long term round trip: mean %v sd %v, %d outliers", s.LongTermMean, s.LongTermStdDev, s.Outliers)
	return b.String()
}
