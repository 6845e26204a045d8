package main

import (
	"fmt"
	"io"
	"time"

	"probed/pkg/delay"
	"probed/pkg/session"
	"probed/pkg/stats"
)

func b2s(b bool) string {
	if b {
		return "*"
	}
	return "-"
}

// Printer writes completed probes and summaries to w. In "raw" mode each
// probe is printed with its four timestamps, in "sample" mode with its delays;
// any other mode prints running statistics per probe. Summaries are always
// printed.
type Printer struct {
	w         io.Writer
	mode      string
	offset    *stats.Rolling[time.Duration]
	roundTrip *stats.Rolling[time.Duration]
	faults    int
}

func NewPrinter(w io.Writer, mode string, maxSamples int, maxSpread float64) *Printer {
	return &Printer{
		w:         w,
		mode:      mode,
		offset:    stats.NewRolling[time.Duration](maxSamples, maxSpread),
		roundTrip: stats.NewRolling[time.Duration](maxSamples, maxSpread),
	}
}

func (p *Printer) Result(key session.Key, r delay.Result) {
	if r.Fault != nil {
		p.faults++
		fmt.Fprintf(p.w, "%v %v\n", key, r)
		return
	}
	offsetV := p.offset.SampleIn(r.Offset)
	rtV := p.roundTrip.SampleIn(r.RoundTrip)

	switch p.mode {
	case "raw":
		fmt.Fprintf(p.w, "%-30v %v -> %v -- %v -> %v / %15v%15v\n", key,
			r.T[0], r.T[1], r.T[2], r.T[3], r.RoundTrip, r.Processing)
	case "sample":
		fmt.Fprintf(p.w, "%15v -> %15v <- %15v proc %15v offset %15v rt\n",
			r.Forward, r.Backward, r.Processing, r.Offset, r.RoundTrip)
	default:
		fmt.Fprintf(p.w, "%s%s%5d fault %5d sampl %15v offM %15v offSD %15v rtM %15v rtSD\n",
			b2s(offsetV),
			b2s(rtV),
			p.faults,
			p.roundTrip.SampleCount(),
			p.offset.Mean(),
			p.offset.StdDev(),
			p.roundTrip.Mean(),
			p.roundTrip.StdDev(),
		)
	}
}

func (p *Printer) Summary(s session.Summary) {
	fmt.Fprintln(p.w, s)
}
