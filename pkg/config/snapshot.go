package config

import (
	"errors"
	"fmt"
	"net/netip"
	"strconv"
	"strings"
	"time"

	"probed/pkg/tstamp"
)

const (
	DefaultPort            = 9876
	DefaultSessionTTL      = 5 * time.Second
	DefaultSummaryInterval = time.Minute

	// MaxPPS is the highest rate with a non-zero interval between pings.
	MaxPPS = int(time.Second)

	KeyDebug           = "/config/debug"
	KeyPort            = "/config/port"
	KeyInterface       = "/config/interface"
	KeyTimestamp       = "/config/timestamp"
	KeyTargetAddress   = "/config/ping[1]/address"
	KeyTargetPPS       = "/config/ping[1]/pps"
	KeyReportAddress   = "/config/report/address"
	KeySessionTTL      = "/config/session/ttl"
	KeySummaryInterval = "/config/summary/interval"
)

var ErrRate = errors.New("ping rate out of range")

// Snapshot is the set of settings the probe reads. It is a value: a reload
// produces a new Snapshot and never changes one in use.
type Snapshot struct {
	Debug     bool
	Port      uint16
	Interface string
	Mode      tstamp.Mode

	// Target and PPS drive the ping emission; an invalid Target or a
	// non-positive PPS disables it.
	Target netip.Addr
	PPS    int

	// ReportAddr receives an RPM record per completed probe when valid.
	ReportAddr netip.AddrPort

	SessionTTL      time.Duration
	SummaryInterval time.Duration
}

// Interval is the time between two pings, zero when emission is disabled.
func (s Snapshot) Interval() time.Duration {
	if !s.Target.IsValid() || s.PPS <= 0 {
		return 0
	}
	return time.Second / time.Duration(s.PPS)
}

// Snapshot reads all settings. Missing keys take their defaults; invalid
// values also fall back to the default and are reported in the returned
// error, next to a usable Snapshot.
func (c *Config) Snapshot() (Snapshot, error) {
	s := Snapshot{
		Debug:           true,
		Port:            DefaultPort,
		Mode:            tstamp.Hardware,
		SessionTTL:      DefaultSessionTTL,
		SummaryInterval: DefaultSummaryInterval,
	}
	var errs []error
	get := func(key string, parse func(string) error) {
		v, err := c.GetString(key)
		if errors.Is(err, ErrNotFound) {
			return
		}
		if err == nil {
			err = parse(strings.TrimSpace(v))
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", key, err))
		}
	}

	get(KeyDebug, func(v string) error {
		s.Debug = v != "" && (v[0] == 't' || v[0] == 'T' || v[0] == '1' || v[0] == 'y')
		return nil
	})
	get(KeyPort, func(v string) error {
		port, err := strconv.ParseUint(v, 10, 16)
		if err == nil {
			s.Port = uint16(port)
		}
		return err
	})
	get(KeyInterface, func(v string) error {
		s.Interface = v
		return nil
	})
	get(KeyTimestamp, func(v string) error {
		mode, err := tstamp.ParseMode(v)
		s.Mode = mode
		return err
	})
	get(KeyTargetAddress, func(v string) error {
		addr, err := netip.ParseAddr(v)
		if err == nil {
			s.Target = addr
		}
		return err
	})
	get(KeyTargetPPS, func(v string) error {
		pps, err := strconv.Atoi(v)
		if err != nil {
			return err
		}
		if pps > MaxPPS {
			return fmt.Errorf("%w: %d, at most %d", ErrRate, pps, MaxPPS)
		}
		s.PPS = pps
		return nil
	})
	get(KeyReportAddress, func(v string) error {
		addr, err := netip.ParseAddrPort(v)
		if err == nil {
			s.ReportAddr = addr
		}
		return err
	})
	get(KeySessionTTL, func(v string) error {
		ttl, err := time.ParseDuration(v)
		if err == nil && ttl > 0 {
			s.SessionTTL = ttl
		}
		return err
	})
	get(KeySummaryInterval, func(v string) error {
		d, err := time.ParseDuration(v)
		if err == nil {
			s.SummaryInterval = d
		}
		return err
	})

	return s, errors.Join(errs...)
}
