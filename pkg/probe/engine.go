// Package probe runs the measurement protocol. Every probe is a PING answered
// by a PONG and by a TIME report carrying the responder's receive and send
// times, which together with the local send and receive times give t1..t4.
//
// The Engine is single threaded: Run polls the socket with a short timeout and
// interleaves receiving, ping emission, session expiry and summaries. Nothing
// it owns is touched by other goroutines.
package probe

import (
	"context"
	"errors"
	"net/netip"
	"os"
	"time"

	"probed/pkg/config"
	"probed/pkg/delay"
	"probed/pkg/metrics"
	"probed/pkg/packet"
	"probed/pkg/session"
	"probed/pkg/tstamp"
	"probed/pkg/wire"

	"github.com/apex/log"
	"golang.org/x/sys/unix"
)

const (
	DefaultRecvTimeout = time.Millisecond
	DefaultPeerTTL     = time.Minute
)

// Conn is the timestamped socket, see packet.Conn.
type Conn interface {
	Send(b []byte, to netip.AddrPort) (tstamp.Timestamp, error)
	Recv(timeout time.Duration) (packet.Datagram, error)
	Activate(mode tstamp.Mode, iface string) tstamp.Mode
	Reset()
}

// Settings is the configuration source, see config.Config.
type Settings interface {
	Reload() error
	Snapshot() (config.Snapshot, error)
}

type Options struct {
	Conn     Conn
	Settings Settings
	Store    *session.Store
	Logger   log.Interface

	// ID tells our probes apart from other probes sharing the peer.
	ID uint32

	// OnResult is called for each completed probe.
	OnResult func(session.Key, delay.Result)
	// OnSummary receives each summary; by default it is logged.
	OnSummary func(session.Summary)
	// OnReload is called with every snapshot taken into use, the first one included.
	OnReload func(config.Snapshot)

	RecvTimeout time.Duration
	PeerTTL     time.Duration
	Now         func() time.Time
}

type Engine struct {
	Options

	snap        config.Snapshot
	seq         uint32
	nextEmit    time.Time
	nextSummary time.Time
	txBuf       []byte
	peers       peerTracker
}

// New takes the current settings into use, activating the timestamping mode
// they ask for.
func New(opts Options) *Engine {
	if opts.RecvTimeout <= 0 {
		opts.RecvTimeout = DefaultRecvTimeout
	}
	if opts.PeerTTL <= 0 {
		opts.PeerTTL = DefaultPeerTTL
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	e := &Engine{
		Options: opts,
		txBuf:   make([]byte, 0, wire.RpmSize),
	}
	e.peers = newPeerTracker(opts.PeerTTL, opts.Logger)

	snap, err := opts.Settings.Snapshot()
	if err != nil {
		e.Logger.WithError(err).Warn("invalid settings, using defaults")
	}
	e.apply(snap)
	return e
}

func (e *Engine) Snapshot() config.Snapshot {
	return e.snap
}

func (e *Engine) apply(snap config.Snapshot) {
	if e.snap.Port != 0 && snap.Port != e.snap.Port {
		e.Logger.Warnf("port change from %d to %d needs a restart", e.snap.Port, snap.Port)
		snap.Port = e.snap.Port
	}
	mode := e.Conn.Activate(snap.Mode, snap.Interface)
	metrics.TimestampMode.Set(float64(mode))

	if snap.Target != e.snap.Target || snap.PPS != e.snap.PPS {
		e.nextEmit = time.Time{}
	}
	if snap.SummaryInterval != e.snap.SummaryInterval {
		e.nextSummary = e.Now().Add(snap.SummaryInterval)
	}
	e.snap = snap

	if e.OnReload != nil {
		e.OnReload(snap)
	}
}

// Reload re-reads the settings and activates the timestamping tier again, so
// a tier that failed before is retried even when the settings didn't change.
// A file that can't be read is ignored and the current settings stay.
func (e *Engine) Reload() {
	e.Logger.Info("reloading configuration")
	if err := e.Settings.Reload(); err != nil {
		e.Logger.WithError(err).Warn("not reloading")
		return
	}
	snap, err := e.Settings.Snapshot()
	if err != nil {
		e.Logger.WithError(err).Warn("invalid settings, using defaults")
	}
	e.Conn.Reset()
	e.apply(snap)
}

// Run loops until ctx is done. SIGHUP on signals reloads the settings, SIGUSR1
// prints a summary. A last summary is produced on exit.
func (e *Engine) Run(ctx context.Context, signals <-chan os.Signal) error {
	for {
		select {
		case <-ctx.Done():
			e.Summarize(session.TriggerShutdown)
			return nil
		case sig := <-signals:
			e.handleSignal(sig)
		default:
		}

		d, err := e.Conn.Recv(e.RecvTimeout)
		switch {
		case err == nil:
			e.Handle(d)
		case errors.Is(err, packet.ErrTimeout):
		default:
			e.Logger.WithError(err).Warn("receive failed")
		}

		now := e.Now()
		e.Tick(now)
		e.Housekeeping(now)
	}
}

func (e *Engine) handleSignal(sig os.Signal) {
	switch sig {
	case unix.SIGHUP:
		e.Reload()
	case unix.SIGUSR1:
		e.Summarize(session.TriggerSignal)
	default:
		e.Logger.Debugf("ignoring signal %v", sig)
	}
}

// Housekeeping expires stalled sessions and idle peers and produces the
// periodic summary when due.
func (e *Engine) Housekeeping(now time.Time) {
	if lost := e.Store.Expire(now); lost > 0 {
		metrics.ProbesLost.Add(float64(lost))
	}
	metrics.SessionsInflight.Set(float64(e.Store.Len()))
	e.peers.reap()

	if e.snap.SummaryInterval > 0 && !now.Before(e.nextSummary) {
		e.nextSummary = now.Add(e.snap.SummaryInterval)
		e.Summarize(session.TriggerPeriodic)
	}
}

func (e *Engine) Summarize(trigger session.Trigger) session.Summary {
	sum := e.Store.Summarize(trigger)
	if e.OnSummary != nil {
		e.OnSummary(sum)
	} else {
		e.Logger.Info(sum.String())
	}
	return sum
}

func (e *Engine) send(m wire.Message, to netip.AddrPort) (tstamp.Timestamp, error) {
	b, err := m.AppendBinary(e.txBuf[:0])
	if err != nil {
		return tstamp.Timestamp{}, err
	}
	ts, err := e.Conn.Send(b, to)
	if err == nil || errors.Is(err, tstamp.ErrTxTimeout) {
		metrics.PacketsSent.WithLabelValues(m.Type().String()).Inc()
	}
	if errors.Is(err, tstamp.ErrTxTimeout) {
		metrics.TimestampMisses.WithLabelValues("tx").Inc()
	}
	return ts, err
}
