package tstamp

import (
	"fmt"
	"strings"
)

// Mode is a timestamping tier. Higher values are more precise.
type Mode int

const (
	None Mode = iota
	Software
	Kernel
	Hardware
)

func (m Mode) String() string {
	switch m {
	case None:
		return "none"
	case Software:
		return "software"
	case Kernel:
		return "kernel"
	case Hardware:
		return "hardware"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// ParseMode maps a configuration value to a tier. Only the first letter is
// significant, so "hw", "hardware" and "h" are equivalent. An empty value
// selects Hardware, which falls back on its own when unsupported.
func ParseMode(s string) (Mode, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return Hardware, nil
	}
	switch s[0] {
	case 'h':
		return Hardware, nil
	case 'k':
		return Kernel, nil
	case 's', 'u':
		return Software, nil
	default:
		return Hardware, fmt.Errorf("unknown timestamp mode %q", s)
	}
}

// Failure identifies which activation step of a tier failed.
type Failure int

const (
	// DeviceFailure is a failed SIOCSHWTSTAMP on the interface.
	DeviceFailure Failure = iota + 1
	// SocketFailure is a failed timestamping socket option.
	SocketFailure
)

func (f Failure) String() string {
	switch f {
	case DeviceFailure:
		return "device"
	case SocketFailure:
		return "socket"
	default:
		return "unknown"
	}
}

// Hardware with a working device ioctl but a rejected SO_TIMESTAMPING goes
// straight to Software: Kernel would need the same socket option.
var fallbackTable = map[Mode]map[Failure]Mode{
	Hardware: {
		DeviceFailure: Kernel,
		SocketFailure: Software,
	},
	Kernel: {
		SocketFailure: Software,
	},
}

// Fallback returns the tier to try after tier failed with f. It reports false
// when there is nothing left to try.
func Fallback(tier Mode, f Failure) (Mode, bool) {
	next, ok := fallbackTable[tier][f]
	return next, ok
}
