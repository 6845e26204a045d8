// Package socket provisions the probe's UDP socket and converts addresses
// between net/netip and x/sys/unix.
package socket

import (
	"fmt"
	"net/netip"

	"golang.org/x/sys/unix"
)

// Open returns a dual stack UDP socket bound to [::]:port. IPv4 peers show up
// as IPv4-mapped IPv6 addresses.
func Open(port uint16) (int, error) {
	fd, err := unix.Socket(unix.AF_INET6, unix.SOCK_DGRAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return -1, fmt.Errorf("socket: %w", err)
	}
	if err = unix.SetsockoptInt(fd, unix.IPPROTO_IPV6, unix.IPV6_V6ONLY, 0); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("setsockopt IPV6_V6ONLY: %w", err)
	}
	if err = unix.Bind(fd, &unix.SockaddrInet6{Port: int(port)}); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("bind port %d: %w", port, err)
	}
	return fd, nil
}

// Sockaddr converts ap for use on a socket returned by Open.
func Sockaddr(ap netip.AddrPort) unix.Sockaddr {
	return &unix.SockaddrInet6{
		Port: int(ap.Port()),
		Addr: ap.Addr().As16(),
	}
}

// AddrPort converts a peer address received from the kernel. IPv4-mapped
// addresses are unmapped.
func AddrPort(sa unix.Sockaddr) netip.AddrPort {
	switch v := sa.(type) {
	case *unix.SockaddrInet4:
		return netip.AddrPortFrom(netip.AddrFrom4(v.Addr), uint16(v.Port))
	case *unix.SockaddrInet6:
		return netip.AddrPortFrom(netip.AddrFrom16(v.Addr).Unmap(), uint16(v.Port))
	default:
		return netip.AddrPort{}
	}
}

func AddrToString(sa unix.Sockaddr) string {
	switch v := sa.(type) {
	case *unix.SockaddrInet4, *unix.SockaddrInet6:
		return AddrPort(sa).String()
	case *unix.SockaddrUnix:
		return v.Name
	default:
		panic(fmt.Errorf("unsupported address type %T", v))
	}
}
