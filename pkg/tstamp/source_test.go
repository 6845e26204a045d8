package tstamp

import (
	"errors"
	"net/netip"
	"testing"
	"time"
	"unsafe"

	"github.com/apex/log"
	"github.com/apex/log/handlers/discard"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

var testLogger = &log.Logger{Handler: discard.Default, Level: log.DebugLevel}

type fakeSys struct {
	ifAddrErr error
	hwErr     error
	sockErr   map[int]error // by option
	hwCalls   int
	sockopts  []int
	values    map[int]int // last value by option
	polls     []int
	recvs     [][]byte
	recvErr   error
}

func (f *fakeSys) IfAddr(string) (netip.Addr, error) {
	return netip.MustParseAddr("192.0.2.1"), f.ifAddrErr
}

func (f *fakeSys) SetHwTstamp(int, string) error {
	f.hwCalls++
	return f.hwErr
}

func (f *fakeSys) SetsockoptInt(fd, level, opt, value int) error {
	f.sockopts = append(f.sockopts, opt)
	if f.values == nil {
		f.values = map[int]int{}
	}
	if err := f.sockErr[opt]; err != nil {
		return err
	}
	f.values[opt] = value
	return nil
}

func (f *fakeSys) Ppoll(fds []unix.PollFd, timeout time.Duration) (int, error) {
	if len(f.polls) == 0 {
		return 0, nil
	}
	n := f.polls[0]
	f.polls = f.polls[1:]
	return n, nil
}

func (f *fakeSys) RecvErrQueue(fd int, ctl []byte) (int, error) {
	if f.recvErr != nil {
		err := f.recvErr
		f.recvErr = nil
		return 0, err
	}
	if len(f.recvs) == 0 {
		return 0, unix.EAGAIN
	}
	n := copy(ctl, f.recvs[0])
	f.recvs = f.recvs[1:]
	return n, nil
}

func cmsg(typ int32, data []byte) []byte {
	buf := make([]byte, unix.CmsgSpace(len(data)))
	hdr := (*unix.Cmsghdr)(unsafe.Pointer(&buf[0]))
	hdr.Level = unix.SOL_SOCKET
	hdr.Type = typ
	hdr.SetLen(unix.CmsgLen(len(data)))
	copy(buf[unix.CmsgLen(0):], data)
	return buf
}

func bytesOf[T any](v *T) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(v)), unsafe.Sizeof(*v))
}

func scmTimestamping(sys, raw Timestamp) []byte {
	var scm unix.ScmTimestamping
	scm.Ts[0] = unix.NsecToTimespec(sys.Nano())
	scm.Ts[2] = unix.NsecToTimespec(raw.Nano())
	return cmsg(unix.SCM_TIMESTAMPING, bytesOf(&scm))
}

func scmTimestampns(ts Timestamp) []byte {
	spec := unix.NsecToTimespec(ts.Nano())
	return cmsg(unix.SCM_TIMESTAMPNS, bytesOf(&spec))
}

func TestActivateHardware(t *testing.T) {
	sys := &fakeSys{}
	s := NewSource(sys, testLogger)
	assert.Equal(t, Hardware, s.Activate(Hardware, "eth0", 3))
	assert.Equal(t, []int{unix.SO_TIMESTAMPING}, sys.sockopts)
}

func TestActivateAddressLookupIsNotFatal(t *testing.T) {
	sys := &fakeSys{ifAddrErr: errors.New("no address")}
	s := NewSource(sys, testLogger)
	assert.Equal(t, Hardware, s.Activate(Hardware, "eth0", 3))
}

func TestActivateDeviceFailureFallsBackToKernel(t *testing.T) {
	sys := &fakeSys{hwErr: unix.EPERM}
	s := NewSource(sys, testLogger)
	assert.Equal(t, Kernel, s.Activate(Hardware, "eth0", 3))
	assert.Equal(t, Kernel, s.Mode())
	assert.Equal(t, 1, sys.hwCalls)

	// same request again: nothing is touched
	assert.Equal(t, Kernel, s.Activate(Hardware, "eth0", 3))
	assert.Equal(t, 1, sys.hwCalls)
	assert.Len(t, sys.sockopts, 1)
}

func TestActivateSocketFailureSkipsKernel(t *testing.T) {
	sys := &fakeSys{sockErr: map[int]error{unix.SO_TIMESTAMPING: unix.EINVAL}}
	s := NewSource(sys, testLogger)
	assert.Equal(t, Software, s.Activate(Hardware, "eth0", 3))
	assert.Equal(t, []int{unix.SO_TIMESTAMPING, unix.SO_TIMESTAMPING, unix.SO_TIMESTAMPNS}, sys.sockopts)
}

func TestActivateKernelFailure(t *testing.T) {
	sys := &fakeSys{sockErr: map[int]error{unix.SO_TIMESTAMPING: unix.EINVAL}}
	s := NewSource(sys, testLogger)
	assert.Equal(t, Software, s.Activate(Kernel, "", 3))
	assert.Equal(t, 0, sys.hwCalls)
}

func TestActivateSoftwareFailureKeepsSoftware(t *testing.T) {
	sys := &fakeSys{sockErr: map[int]error{unix.SO_TIMESTAMPNS: unix.ENOPROTOOPT}}
	s := NewSource(sys, testLogger)
	assert.Equal(t, Software, s.Activate(Software, "", 3))
}

func TestActivateReconfiguration(t *testing.T) {
	sys := &fakeSys{hwErr: unix.EPERM}
	s := NewSource(sys, testLogger)
	require.Equal(t, Kernel, s.Activate(Hardware, "eth0", 3))

	// a different request runs, and never climbs back up on its own
	assert.Equal(t, Software, s.Activate(Software, "eth0", 3))
	assert.Equal(t, 1, sys.hwCalls)

	sys.hwErr = nil
	assert.Equal(t, Hardware, s.Activate(Hardware, "eth0", 3))
	assert.Equal(t, 2, sys.hwCalls)

	s.Reset()
	assert.Equal(t, Hardware, s.Activate(Hardware, "eth0", 3))
	assert.Equal(t, 3, sys.hwCalls)
}

func TestActivateSoftwareClearsTimestamping(t *testing.T) {
	sys := &fakeSys{}
	s := NewSource(sys, testLogger)
	require.Equal(t, Kernel, s.Activate(Kernel, "", 3))
	require.Equal(t, kernelFlags, sys.values[unix.SO_TIMESTAMPING])

	assert.Equal(t, Software, s.Activate(Software, "", 3))
	assert.Zero(t, sys.values[unix.SO_TIMESTAMPING])
	assert.Equal(t, 1, sys.values[unix.SO_TIMESTAMPNS])
}

func TestExtract(t *testing.T) {
	sysTs := Timestamp{Sec: 1000, Nsec: 1}
	rawTs := Timestamp{Sec: 2000, Nsec: 2}
	nsTs := Timestamp{Sec: 3000, Nsec: 3}
	ctl := append(scmTimestampns(nsTs), scmTimestamping(sysTs, rawTs)...)

	ts, err := extract(Hardware, ctl)
	require.NoError(t, err)
	assert.Equal(t, rawTs, ts)

	ts, err = extract(Kernel, ctl)
	require.NoError(t, err)
	assert.Equal(t, sysTs, ts)

	ts, err = extract(Software, ctl)
	require.NoError(t, err)
	assert.Equal(t, nsTs, ts)
}

func TestExtractNotFound(t *testing.T) {
	_, err := extract(Software, scmTimestamping(Timestamp{Sec: 1}, Timestamp{Sec: 2}))
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = extract(Kernel, scmTimestampns(Timestamp{Sec: 1}))
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = extract(Kernel, nil)
	assert.ErrorIs(t, err, ErrNotFound)

	// software-only stamps carry no raw hardware time
	_, err = extract(Hardware, scmTimestamping(Timestamp{Sec: 1}, Timestamp{}))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestExtractShortControl(t *testing.T) {
	_, err := extract(Kernel, cmsg(unix.SCM_TIMESTAMPING, make([]byte, 8)))
	assert.ErrorIs(t, err, ErrShortControl)
}

func fakeClock(step time.Duration) func() time.Time {
	now := time.Unix(0, 0)
	return func() time.Time {
		now = now.Add(step)
		return now
	}
}

func TestAwaitTx(t *testing.T) {
	want := Timestamp{Sec: 42, Nsec: 7}
	sys := &fakeSys{
		polls:   []int{0, 1, 1},
		recvErr: unix.EAGAIN,
		recvs:   [][]byte{scmTimestamping(want, Timestamp{})},
	}
	s := NewSource(sys, testLogger)
	s.mode = Kernel
	s.now = fakeClock(time.Millisecond)

	ts, err := s.AwaitTx(3, DefaultTxDeadline)
	require.NoError(t, err)
	assert.Equal(t, want, ts)
}

func TestAwaitTxTimeout(t *testing.T) {
	s := NewSource(&fakeSys{}, testLogger)
	s.mode = Hardware
	s.now = fakeClock(100 * time.Millisecond)

	ts, err := s.AwaitTx(3, DefaultTxDeadline)
	assert.ErrorIs(t, err, ErrTxTimeout)
	assert.True(t, ts.IsZero())
}

func TestAwaitTxSoftware(t *testing.T) {
	s := NewSource(&fakeSys{}, testLogger)
	s.mode = Software
	_, err := s.AwaitTx(3, DefaultTxDeadline)
	assert.ErrorIs(t, err, ErrNoTxQueue)
}

func TestDrainTx(t *testing.T) {
	sys := &fakeSys{recvs: [][]byte{scmTimestamping(Timestamp{Sec: 1}, Timestamp{}), scmTimestamping(Timestamp{Sec: 2}, Timestamp{})}}
	s := NewSource(sys, testLogger)
	s.mode = Kernel
	assert.Equal(t, 2, s.DrainTx(3))
	assert.Empty(t, sys.recvs)
	assert.Zero(t, s.DrainTx(3))
}

func TestDrainTxAfterSwitchToSoftware(t *testing.T) {
	sys := &fakeSys{}
	s := NewSource(sys, testLogger)
	require.Equal(t, Kernel, s.Activate(Kernel, "", 3))
	require.Equal(t, Software, s.Activate(Software, "", 3))

	sys.recvs = [][]byte{scmTimestamping(Timestamp{Sec: 1}, Timestamp{})}
	assert.Equal(t, 1, s.DrainTx(3))
	assert.Empty(t, sys.recvs)
}
