package socket_test

import (
	"net/netip"
	"testing"

	"probed/pkg/socket"

	"github.com/stretchr/testify/assert"
	"golang.org/x/sys/unix"
)

func TestAddrConversion(t *testing.T) {
	v4 := netip.MustParseAddrPort("192.0.2.1:4000")
	sa := socket.Sockaddr(v4)
	in6, ok := sa.(*unix.SockaddrInet6)
	if assert.True(t, ok) {
		assert.Equal(t, 4000, in6.Port)
		assert.True(t, netip.AddrFrom16(in6.Addr).Is4In6())
	}
	assert.Equal(t, v4, socket.AddrPort(sa))
	assert.Equal(t, "192.0.2.1:4000", socket.AddrToString(sa))

	v6 := netip.MustParseAddrPort("[2001:db8::5]:53")
	assert.Equal(t, v6, socket.AddrPort(socket.Sockaddr(v6)))

	assert.Equal(t, v4, socket.AddrPort(&unix.SockaddrInet4{Port: 4000, Addr: [4]byte{192, 0, 2, 1}}))
	assert.False(t, socket.AddrPort(&unix.SockaddrUnix{Name: "x"}).IsValid())
	assert.Equal(t, "x", socket.AddrToString(&unix.SockaddrUnix{Name: "x"}))
}

func TestOpen(t *testing.T) {
	fd, err := socket.Open(0)
	if err != nil {
		t.Skipf("no IPv6 UDP socket available: %v", err)
	}
	defer unix.Close(fd)

	sa, err := unix.Getsockname(fd)
	assert.NoError(t, err)
	assert.NotZero(t, socket.AddrPort(sa).Port())
}
