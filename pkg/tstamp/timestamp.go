package tstamp

import (
	"fmt"
	"time"

	"golang.org/x/sys/unix"
)

const nsPerSec = int64(time.Second)

// Timestamp is a signed seconds/nanoseconds pair as delivered by the kernel.
// Values returned by the arithmetic helpers are normalized: 0 <= Nsec < 1e9
// and the sign is carried by Sec.
type Timestamp struct {
	Sec  int64
	Nsec int64
}

func FromTimespec(ts unix.Timespec) Timestamp {
	return Timestamp{Sec: int64(ts.Sec), Nsec: int64(ts.Nsec)}
}

func FromTime(t time.Time) Timestamp {
	return Timestamp{Sec: t.Unix(), Nsec: int64(t.Nanosecond())}
}

func FromNano(ns int64) Timestamp {
	return Timestamp{Nsec: ns}.normalize()
}

// Now reads CLOCK_REALTIME, the clock the kernel uses for software stamps.
func Now() Timestamp {
	var ts unix.Timespec
	if err := unix.ClockGettime(unix.CLOCK_REALTIME, &ts); err != nil {
		return FromTime(time.Now())
	}
	return FromTimespec(ts)
}

func (t Timestamp) normalize() Timestamp {
	t.Sec += t.Nsec / nsPerSec
	t.Nsec %= nsPerSec
	if t.Nsec < 0 {
		t.Nsec += nsPerSec
		t.Sec--
	}
	return t
}

// Sub returns t-u, borrowing from the seconds when the nanoseconds underflow.
func (t Timestamp) Sub(u Timestamp) Timestamp {
	return Timestamp{Sec: t.Sec - u.Sec, Nsec: t.Nsec - u.Nsec}.normalize()
}

func (t Timestamp) Add(u Timestamp) Timestamp {
	return Timestamp{Sec: t.Sec + u.Sec, Nsec: t.Nsec + u.Nsec}.normalize()
}

func (t Timestamp) Nano() int64 {
	return t.Sec*nsPerSec + t.Nsec
}

func (t Timestamp) Duration() time.Duration {
	return time.Duration(t.Nano())
}

func (t Timestamp) Time() time.Time {
	return time.Unix(t.Sec, t.Nsec)
}

func (t Timestamp) IsZero() bool {
	return t.Sec == 0 && t.Nsec == 0
}

// Compare returns -1, 0 or +1 depending on whether t is before, equal to or after u.
func (t Timestamp) Compare(u Timestamp) int {
	d := t.Sub(u)
	switch {
	case d.Sec < 0:
		return -1
	case d.IsZero():
		return 0
	default:
		return 1
	}
}

func (t Timestamp) String() string {
	t = t.normalize()
	if t.Sec < 0 {
		// -0.25s is stored as {-1, 750000000}
		abs := Timestamp{}.Sub(t)
		return fmt.Sprintf("-%010d.%09d", abs.Sec, abs.Nsec)
	}
	return fmt.Sprintf("%010d.%09d", t.Sec, t.Nsec)
}
