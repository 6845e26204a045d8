package tstamp_test

import (
	"testing"
	"time"

	"probed/pkg/tstamp"

	"github.com/stretchr/testify/assert"
)

func TestSubBorrow(t *testing.T) {
	end := tstamp.Timestamp{Sec: 10, Nsec: 100_000_000}
	begin := tstamp.Timestamp{Sec: 9, Nsec: 900_000_000}
	assert.Equal(t, tstamp.Timestamp{Sec: 0, Nsec: 200_000_000}, end.Sub(begin))

	end = tstamp.Timestamp{Sec: 10, Nsec: 100}
	assert.Equal(t, tstamp.Timestamp{Sec: 0, Nsec: 100_000_100}, end.Sub(begin))
}

func TestSubNegative(t *testing.T) {
	d := tstamp.Timestamp{Sec: 9, Nsec: 900_000_000}.Sub(tstamp.Timestamp{Sec: 10, Nsec: 100_000_000})
	assert.Equal(t, tstamp.Timestamp{Sec: -1, Nsec: 800_000_000}, d)
	assert.Equal(t, -200*time.Millisecond, d.Duration())
	assert.Equal(t, "-0000000000.200000000", d.String())
}

func TestProcessingInterval(t *testing.T) {
	t2 := tstamp.Timestamp{Sec: 100, Nsec: 500_000_000}
	t3 := tstamp.Timestamp{Sec: 100, Nsec: 500_200_000}
	assert.Equal(t, int64(200_000), t3.Sub(t2).Nano())
}

func TestCompare(t *testing.T) {
	a := tstamp.Timestamp{Sec: 5, Nsec: 1}
	b := tstamp.Timestamp{Sec: 5, Nsec: 2}
	assert.Equal(t, -1, a.Compare(b))
	assert.Equal(t, 1, b.Compare(a))
	assert.Equal(t, 0, a.Compare(a))
}

func TestFromNanoAndTime(t *testing.T) {
	assert.Equal(t, tstamp.Timestamp{Sec: 1, Nsec: 500}, tstamp.FromNano(1_000_000_500))
	assert.Equal(t, tstamp.Timestamp{Sec: -1, Nsec: 999_999_999}, tstamp.FromNano(-1))

	now := time.Unix(1700000000, 123456789)
	ts := tstamp.FromTime(now)
	assert.Equal(t, tstamp.Timestamp{Sec: 1700000000, Nsec: 123456789}, ts)
	assert.True(t, ts.Time().Equal(now))
	assert.Equal(t, "1700000000.123456789", ts.String())
}

func TestParseMode(t *testing.T) {
	for in, want := range map[string]tstamp.Mode{
		"":         tstamp.Hardware,
		"hw":       tstamp.Hardware,
		"Hardware": tstamp.Hardware,
		"kernel":   tstamp.Kernel,
		"k":        tstamp.Kernel,
		"sw":       tstamp.Software,
		"software": tstamp.Software,
	} {
		got, err := tstamp.ParseMode(in)
		assert.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := tstamp.ParseMode("bogus")
	assert.Error(t, err)
}

func TestFallbackPolicy(t *testing.T) {
	next, ok := tstamp.Fallback(tstamp.Hardware, tstamp.DeviceFailure)
	assert.True(t, ok)
	assert.Equal(t, tstamp.Kernel, next)

	next, ok = tstamp.Fallback(tstamp.Hardware, tstamp.SocketFailure)
	assert.True(t, ok)
	assert.Equal(t, tstamp.Software, next)

	next, ok = tstamp.Fallback(tstamp.Kernel, tstamp.SocketFailure)
	assert.True(t, ok)
	assert.Equal(t, tstamp.Software, next)

	_, ok = tstamp.Fallback(tstamp.Software, tstamp.SocketFailure)
	assert.False(t, ok)
}
