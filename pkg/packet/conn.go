// Package packet sends and receives timestamped datagrams on a raw socket.
package packet

import (
	"errors"
	"fmt"
	"net/netip"
	"time"

	"probed/pkg/socket"
	"probed/pkg/tstamp"

	"golang.org/x/sys/unix"
)

const (
	bufSize = 2048
)

var (
	ErrTimeout   = errors.New("no datagram received before the timeout")
	ErrTruncated = errors.New("datagram truncated")
)

// Datagram is a received datagram. Payload is only valid until the next Recv.
type Datagram struct {
	Payload []byte
	From    netip.AddrPort
	Ts      tstamp.Timestamp
	// TsErr is set when the kernel attached no usable receive timestamp; Ts is zero then.
	TsErr error
}

// Conn owns a UDP socket and its timestamp source. Like the Source, it is
// meant to be used by a single goroutine.
type Conn struct {
	fd         int
	source     *tstamp.Source
	txDeadline time.Duration
	buf        []byte
	ctl        []byte
	pollFds    []unix.PollFd
}

func NewConn(fd int, source *tstamp.Source) *Conn {
	return &Conn{
		fd:         fd,
		source:     source,
		txDeadline: tstamp.DefaultTxDeadline,
		buf:        make([]byte, bufSize),
		ctl:        make([]byte, tstamp.CtlBufSize),
		pollFds:    []unix.PollFd{{Fd: int32(fd), Events: unix.POLLIN}},
	}
}

func (c *Conn) Close() error {
	return unix.Close(c.fd)
}

// Activate switches the socket to the preferred timestamping tier, or the
// best one below it that works.
func (c *Conn) Activate(mode tstamp.Mode, iface string) tstamp.Mode {
	return c.source.Activate(mode, iface, c.fd)
}

// Reset makes the next Activate retry the whole fallback chain, even for the
// tier already requested.
func (c *Conn) Reset() {
	c.source.Reset()
}

func (c *Conn) Mode() tstamp.Mode {
	return c.source.Mode()
}

// Send transmits b to the peer and returns the time it left. In hardware and
// kernel mode that time comes from the error queue and may take a while; on
// failure the zero Timestamp is returned with tstamp.ErrTxTimeout.
func (c *Conn) Send(b []byte, to netip.AddrPort) (tstamp.Timestamp, error) {
	c.source.DrainTx(c.fd)

	if err := unix.Sendto(c.fd, b, 0, socket.Sockaddr(to)); err != nil {
		return tstamp.Timestamp{}, fmt.Errorf("sendto %v: %w", to, err)
	}

	switch c.source.Mode() {
	case tstamp.Hardware, tstamp.Kernel:
		ts, err := c.source.AwaitTx(c.fd, c.txDeadline)
		if err != nil {
			return tstamp.Timestamp{}, fmt.Errorf("%v TX timestamp: %w", c.source.Mode(), err)
		}
		return ts, nil
	default:
		return tstamp.Now(), nil
	}
}

// Recv waits up to timeout for a datagram. It returns ErrTimeout when none
// arrived.
func (c *Conn) Recv(timeout time.Duration) (Datagram, error) {
	ts := unix.NsecToTimespec(timeout.Nanoseconds())
	c.pollFds[0].Revents = 0
	n, err := unix.Ppoll(c.pollFds, &ts, nil)
	if err != nil {
		if errors.Is(err, unix.EINTR) {
			return Datagram{}, ErrTimeout
		}
		return Datagram{}, fmt.Errorf("ppoll: %w", err)
	}
	if n < 1 {
		return Datagram{}, ErrTimeout
	}
	if c.pollFds[0].Revents&unix.POLLIN == 0 {
		// only POLLERR: late TX timestamps nobody waits for anymore
		c.source.DrainTx(c.fd)
		return Datagram{}, ErrTimeout
	}

	dataN, ctlN, flags, from, err := unix.Recvmsg(c.fd, c.buf, c.ctl, unix.MSG_DONTWAIT)
	if err != nil {
		if errors.Is(err, unix.EAGAIN) {
			return Datagram{}, ErrTimeout
		}
		return Datagram{}, fmt.Errorf("recvmsg: %w", err)
	}
	if flags&unix.MSG_TRUNC != 0 {
		return Datagram{}, fmt.Errorf("%w: from %v", ErrTruncated, socket.AddrToString(from))
	}

	d := Datagram{
		Payload: c.buf[:dataN],
		From:    socket.AddrPort(from),
	}
	d.Ts, d.TsErr = c.source.Extract(c.ctl[:ctlN])
	return d, nil
}
