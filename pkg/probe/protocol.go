package probe

import (
	"errors"
	"net/netip"
	"time"

	"probed/pkg/delay"
	"probed/pkg/metrics"
	"probed/pkg/packet"
	"probed/pkg/session"
	"probed/pkg/tstamp"
	"probed/pkg/wire"
)

// Handle processes one received datagram.
func (e *Engine) Handle(d packet.Datagram) {
	msg, err := wire.Decode(d.Payload)
	if err != nil {
		metrics.PacketsDropped.WithLabelValues("malformed").Inc()
		e.Logger.WithError(err).WithField("peer", d.From).Debug("dropping datagram")
		return
	}
	if d.TsErr != nil {
		metrics.TimestampMisses.WithLabelValues("rx").Inc()
		e.Logger.WithError(d.TsErr).WithField("peer", d.From).Debugf("%v without receive timestamp", msg.Type())
	}

	switch m := msg.(type) {
	case wire.Ping:
		metrics.PacketsReceived.WithLabelValues(m.Type().String()).Inc()
		e.respond(d, m)
	case wire.Pong:
		metrics.PacketsReceived.WithLabelValues(m.Type().String()).Inc()
		e.pong(d, m)
	case wire.TimeReport:
		metrics.PacketsReceived.WithLabelValues(m.Type().String()).Inc()
		e.timeReport(d, m)
	default:
		metrics.PacketsDropped.WithLabelValues("unrecognized").Inc()
		e.Logger.WithField("peer", d.From).Debugf("dropping datagram of unknown %v", msg.Type())
	}
}

// respond answers a ping with a pong and then reports when the ping arrived
// (t2) and when the pong left (t3). No state is kept per probe.
func (e *Engine) respond(d packet.Datagram, ping wire.Ping) {
	e.peers.observe(d.From)
	e.Logger.Debugf("* PING %d from %v", ping.Seq, d.From)

	rx := d.Ts
	tx, err := e.send(ping.Reply(), d.From)
	if errors.Is(err, tstamp.ErrTxTimeout) {
		e.Logger.WithError(err).WithField("peer", d.From).Errorf("pong %d sent without TX timestamp, no time report", ping.Seq)
		return
	}
	if err != nil {
		e.Logger.WithError(err).WithField("peer", d.From).Error("sending pong")
		return
	}
	if d.TsErr != nil {
		// a report with a zero receive time would only produce a fault on the other side
		return
	}

	proc := tx.Sub(rx)
	e.Logger.Debugf("DI %v", proc)
	metrics.ProcessingSeconds.Observe(proc.Duration().Seconds())

	report := wire.TimeReport{Seq: ping.Seq, Rx: rx, Tx: tx}
	_, err = e.send(report, d.From)
	switch {
	case errors.Is(err, tstamp.ErrTxTimeout):
		// the report went out, only its own send time is unknown
		e.Logger.WithError(err).WithField("peer", d.From).Errorf("time report %d sent without TX timestamp", ping.Seq)
	case err != nil:
		e.Logger.WithError(err).WithField("peer", d.From).Warn("sending time report")
	}
}

func (e *Engine) pong(d packet.Datagram, pong wire.Pong) {
	e.Logger.Debugf("* PONG %d from %v", pong.Seq, d.From)
	if d.TsErr != nil {
		return
	}
	e.update(d.From, session.Probe{ID: e.ID, Seq: pong.Seq, Slot: session.SlotT4}, d.Ts)
}

func (e *Engine) timeReport(d packet.Datagram, r wire.TimeReport) {
	proc := r.Tx.Sub(r.Rx)
	e.Logger.Debugf("* TIME %d %v", r.Seq, proc)
	metrics.ProcessingSeconds.Observe(proc.Duration().Seconds())
	if !e.update(d.From, session.Probe{ID: e.ID, Seq: r.Seq, Slot: session.SlotT2}, r.Rx) {
		return
	}
	e.update(d.From, session.Probe{ID: e.ID, Seq: r.Seq, Slot: session.SlotT3}, r.Tx)
}

func (e *Engine) update(from netip.AddrPort, p session.Probe, ts tstamp.Timestamp) bool {
	state, res, err := e.Store.Update(from.Addr(), p, ts)
	if err != nil {
		// late answers to expired probes end up here
		e.Logger.WithError(err).WithField("peer", from).Debugf("%v not recorded", p.Slot)
		return false
	}
	if state == session.Ready && res != nil {
		e.complete(from, session.NewKey(from.Addr(), p.ID, p.Seq), *res)
	}
	return true
}

func (e *Engine) complete(from netip.AddrPort, key session.Key, res delay.Result) {
	if res.Fault != nil {
		metrics.ProbeFaults.Inc()
	} else {
		metrics.ProbesCompleted.Inc()
		metrics.RoundTripSeconds.Observe(res.RoundTrip.Seconds())
	}
	if e.OnResult != nil {
		e.OnResult(key, res)
	}

	if !e.snap.ReportAddr.IsValid() {
		return
	}
	rec := wire.NewRpmRecord(res.T)
	b, err := rec.AppendBinary(e.txBuf[:0])
	if err == nil {
		_, err = e.Conn.Send(b, e.snap.ReportAddr)
	}
	if err != nil {
		e.Logger.WithError(err).WithField("report", e.snap.ReportAddr).Warn("sending RPM record")
	}
}

// Tick sends the next ping when it is due. Without a target or a rate in the
// settings nothing is sent.
func (e *Engine) Tick(now time.Time) {
	interval := e.snap.Interval()
	if interval == 0 || now.Before(e.nextEmit) {
		return
	}
	e.nextEmit = e.nextEmit.Add(interval)
	if e.nextEmit.Before(now) {
		// first ping, or we fell behind: don't burst to catch up
		e.nextEmit = now.Add(interval)
	}

	to := netip.AddrPortFrom(e.snap.Target.Unmap(), e.snap.Port)
	seq := e.seq
	e.seq++

	t1, err := e.send(wire.Ping{Seq: seq}, to)
	if err != nil {
		e.Logger.WithError(err).WithField("peer", to).Errorf("ping %d not tracked", seq)
		return
	}
	e.Store.Insert(to.Addr(), session.Probe{ID: e.ID, Seq: seq}, t1)
}
