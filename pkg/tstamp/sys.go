package tstamp

import (
	"fmt"
	"net/netip"
	"time"

	"golang.org/x/sys/unix"
)

// Sys is the set of system calls the Source needs. System is the real one.
type Sys interface {
	IfAddr(iface string) (netip.Addr, error)
	SetHwTstamp(fd int, iface string) error
	SetsockoptInt(fd, level, opt, value int) error
	Ppoll(fds []unix.PollFd, timeout time.Duration) (int, error)
	RecvErrQueue(fd int, ctl []byte) (int, error)
}

type System struct{}

// IfAddr asks for the IPv4 address of iface. SIOCGIFADDR only works on an
// AF_INET socket, so a throwaway one is used rather than the probe socket.
func (System) IfAddr(iface string) (netip.Addr, error) {
	ifr, err := unix.NewIfreq(iface)
	if err != nil {
		return netip.Addr{}, fmt.Errorf("ifreq %s: %w", iface, err)
	}
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_DGRAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return netip.Addr{}, fmt.Errorf("socket: %w", err)
	}
	defer unix.Close(fd)

	if err = unix.IoctlIfreq(fd, unix.SIOCGIFADDR, ifr); err != nil {
		return netip.Addr{}, fmt.Errorf("SIOCGIFADDR %s: %w", iface, err)
	}
	raw, err := ifr.Inet4Addr()
	if err != nil {
		return netip.Addr{}, fmt.Errorf("SIOCGIFADDR %s: %w", iface, err)
	}
	addr, _ := netip.AddrFromSlice(raw)
	return addr, nil
}

func (System) SetHwTstamp(fd int, iface string) error {
	cfg := unix.HwTstampConfig{
		Tx_type:   unix.HWTSTAMP_TX_ON,
		Rx_filter: unix.HWTSTAMP_FILTER_ALL,
	}
	if err := unix.IoctlSetHwTstamp(fd, iface, &cfg); err != nil {
		return fmt.Errorf("SIOCSHWTSTAMP %s: %w", iface, err)
	}
	return nil
}

func (System) SetsockoptInt(fd, level, opt, value int) error {
	return unix.SetsockoptInt(fd, level, opt, value)
}

func (System) Ppoll(fds []unix.PollFd, timeout time.Duration) (int, error) {
	ts := unix.NsecToTimespec(timeout.Nanoseconds())
	return unix.Ppoll(fds, &ts, nil)
}

func (System) RecvErrQueue(fd int, ctl []byte) (int, error) {
	// NOTE: the payload is not needed, a one byte buffer is enough and gets truncated
	_, ctlN, _, _, err := unix.Recvmsg(fd, make([]byte, 1), ctl, unix.MSG_ERRQUEUE|unix.MSG_DONTWAIT)
	return ctlN, err
}
