// Package tstamp obtains send and receive timestamps for datagrams from the
// best facility available: NIC hardware clock, kernel software stamps
// (SO_TIMESTAMPING) or the legacy SO_TIMESTAMPNS option.
package tstamp

import (
	"errors"
	"fmt"
	"time"
	"unsafe"

	"github.com/apex/log"
	"golang.org/x/sys/unix"
)

const (
	ethtoolSuggestion = " - use 'ethtool -T <INTERFACE>' to check which timestamping modes your interface supports"

	// CtlBufSize fits an ScmTimestamping plus the sock_extended_err that comes with it on the error queue.
	CtlBufSize = 256

	DefaultTxDeadline   = 2 * time.Second
	DefaultPollInterval = 100 * time.Millisecond

	hardwareFlags = unix.SOF_TIMESTAMPING_TX_HARDWARE |
		unix.SOF_TIMESTAMPING_RX_HARDWARE |
		unix.SOF_TIMESTAMPING_RAW_HARDWARE |
		unix.SOF_TIMESTAMPING_OPT_TSONLY
	kernelFlags = unix.SOF_TIMESTAMPING_TX_SOFTWARE |
		unix.SOF_TIMESTAMPING_RX_SOFTWARE |
		unix.SOF_TIMESTAMPING_SOFTWARE |
		unix.SOF_TIMESTAMPING_OPT_TSONLY
)

var (
	ErrNotFound     = errors.New("no timestamp found in control data")
	ErrShortControl = errors.New("not enough control data for the timestamp structure")
	ErrTxTimeout    = errors.New("no TX timestamp read from the error queue" + ethtoolSuggestion)
	ErrNoTxQueue    = errors.New("TX timestamps are only queued in hardware and kernel mode")
)

// Source keeps the active timestamping tier of one socket. It is not safe for
// concurrent use: the event loop owning the socket is its only caller.
type Source struct {
	sys          Sys
	logger       log.Interface
	mode         Mode
	requested    Mode
	pollInterval time.Duration
	ctl          []byte
	now          func() time.Time
}

func NewSource(sys Sys, logger log.Interface) *Source {
	return &Source{
		sys:          sys,
		logger:       logger,
		pollInterval: DefaultPollInterval,
		ctl:          make([]byte, CtlBufSize),
		now:          time.Now,
	}
}

// Mode returns the active tier, None before the first activation.
func (s *Source) Mode() Mode {
	return s.mode
}

// Reset forgets the last request so the next Activate runs the whole chain
// again, even for the same preferred tier.
func (s *Source) Reset() {
	s.requested = None
}

// Activate enables preferred on fd, walking down the fallback table on
// failure, and returns the tier that ended up active. Asking again for the
// tier of the previous call is a no-op.
func (s *Source) Activate(preferred Mode, iface string, fd int) Mode {
	if s.mode != None && preferred == s.requested {
		return s.mode
	}
	s.requested = preferred

	tier := preferred
	for {
		failure, err := s.enable(tier, iface, fd)
		if err == nil {
			s.logger.Infof("using %s timestamps", tier)
			s.mode = tier
			return tier
		}
		next, ok := Fallback(tier, failure)
		if !ok {
			s.logger.WithError(err).Errorf("%s timestamps could not be enabled", tier)
			s.mode = tier
			return tier
		}
		s.logger.WithError(err).Warnf("%s timestamps unavailable, falling back to %s", tier, next)
		tier = next
	}
}

func (s *Source) enable(tier Mode, iface string, fd int) (Failure, error) {
	switch tier {
	case Hardware:
		if addr, err := s.sys.IfAddr(iface); err != nil {
			s.logger.WithError(err).Warnf("no address on %s", iface)
		} else {
			s.logger.Debugf("%s has address %s", iface, addr)
		}
		if err := s.sys.SetHwTstamp(fd, iface); err != nil {
			return DeviceFailure, fmt.Errorf("%w (check %s and that you are root)", err, iface)
		}
		if err := s.sys.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_TIMESTAMPING, hardwareFlags); err != nil {
			return SocketFailure, fmt.Errorf("SO_TIMESTAMPING: %w", err)
		}
	case Kernel:
		if err := s.sys.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_TIMESTAMPING, kernelFlags); err != nil {
			return SocketFailure, fmt.Errorf("SO_TIMESTAMPING: %w", err)
		}
	default:
		// turn off TX stamps a previous Hardware or Kernel activation enabled
		if err := s.sys.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_TIMESTAMPING, 0); err != nil {
			s.logger.WithError(err).Debug("clearing SO_TIMESTAMPING")
		}
		if err := s.sys.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_TIMESTAMPNS, 1); err != nil {
			return SocketFailure, fmt.Errorf("SO_TIMESTAMPNS: %w", err)
		}
	}
	return 0, nil
}

// Extract finds the timestamp of the active tier in the control data of a
// received message.
func (s *Source) Extract(ctl []byte) (Timestamp, error) {
	return extract(s.mode, ctl)
}

func extract(mode Mode, buf []byte) (Timestamp, error) {
	for len(buf) > 0 {
		hdr, data, remainder, err := unix.ParseOneSocketControlMessage(buf)
		if err != nil {
			return Timestamp{}, fmt.Errorf("unix.ParseOneSocketControlMessage: %w", err)
		}

		if hdr.Level == unix.SOL_SOCKET {
			switch {
			case (mode == Hardware || mode == Kernel) && hdr.Type == unix.SCM_TIMESTAMPING:
				if uintptr(len(data)) < unsafe.Sizeof(unix.ScmTimestamping{}) {
					return Timestamp{}, ErrShortControl
				}
				scm := (*unix.ScmTimestamping)(unsafe.Pointer(unsafe.SliceData(data)))
				ts := FromTimespec(scm.Ts[0])
				if mode == Hardware {
					ts = FromTimespec(scm.Ts[2])
				}
				if ts.IsZero() {
					return Timestamp{}, ErrNotFound
				}
				return ts, nil
			case mode != Hardware && mode != Kernel && hdr.Type == unix.SCM_TIMESTAMPNS:
				if uintptr(len(data)) < unsafe.Sizeof(unix.Timespec{}) {
					return Timestamp{}, ErrShortControl
				}
				return FromTimespec(*(*unix.Timespec)(unsafe.Pointer(unsafe.SliceData(data)))), nil
			}
		}

		buf = remainder
	}
	return Timestamp{}, ErrNotFound
}

// AwaitTx waits up to deadline for the TX timestamp of the last datagram sent
// on fd. Inbound traffic is left untouched: only the error queue is read.
// On timeout it returns the zero Timestamp and ErrTxTimeout.
func (s *Source) AwaitTx(fd int, deadline time.Duration) (Timestamp, error) {
	if s.mode != Hardware && s.mode != Kernel {
		return Timestamp{}, ErrNoTxQueue
	}

	start := s.now()
	fds := []unix.PollFd{{Fd: int32(fd)}}
	for s.now().Sub(start) < deadline {
		// POLLERR doesn't need to be requested, it is always reported
		fds[0].Revents = 0
		n, err := s.sys.Ppoll(fds, s.pollInterval)
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			return Timestamp{}, fmt.Errorf("ppoll: %w", err)
		}
		if n < 1 {
			continue
		}

		ctlN, err := s.sys.RecvErrQueue(fd, s.ctl)
		if err != nil {
			if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EINTR) {
				continue
			}
			return Timestamp{}, fmt.Errorf("recvmsg errqueue: %w", err)
		}
		if ts, err := extract(s.mode, s.ctl[:ctlN]); err == nil {
			return ts, nil
		}
	}
	return Timestamp{}, ErrTxTimeout
}

// DrainTx discards TX timestamps still queued on fd, such as one that arrived
// after AwaitTx gave up, so that it can't be mistaken for the next one. It
// drains whatever the tier: stamps queued before a switch to Software would
// otherwise keep POLLERR raised.
func (s *Source) DrainTx(fd int) int {
	n := 0
	for {
		if _, err := s.sys.RecvErrQueue(fd, s.ctl); err != nil {
			return n
		}
		n++
	}
}
