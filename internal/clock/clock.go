// Package clock provides the timestamp sources used to stamp captured
// frames and age flows.
package clock

import (
	"fmt"
	"strings"
	"time"

	"golang.org/x/sys/unix"

	"firestige.xyz/flowcap/internal/core"
)

// Source names accepted by New.
const (
	SourceMonotonic = "monotonic"
	SourceRealtime  = "realtime"
	SourceHardware  = "hardware"
	SourcePTP       = "ptp"
	SourceNTP       = "ntp"
)

// Source produces nanosecond timestamps on one timebase. Flow aging and
// packet stamps of a session always come from the same Source.
type Source interface {
	Name() string
	// Now returns the current time in the source timebase.
	Now() int64
	// Stamp returns the timestamp for a frame the backend stamped at ts.
	// hw reports whether the backend stamp was used.
	Stamp(ts time.Time) (ns int64, hw bool)
	// WallTime converts a source timestamp to wall-clock time.
	WallTime(ns int64) time.Time
	Close() error
}

// New builds the source described by spec: "monotonic", "realtime",
// "hardware", "ptp[:/dev/ptpN]" or "ntp[:server]".
func New(spec string) (Source, error) {
	name, arg, _ := strings.Cut(spec, ":")
	switch name {
	case "", SourceMonotonic:
		return NewMonotonic(), nil
	case SourceRealtime:
		return realtime{}, nil
	case SourceHardware:
		return hardware{}, nil
	case SourcePTP:
		if arg == "" {
			arg = DefaultPHCDevice
		}
		return OpenPHC(arg)
	case SourceNTP:
		if arg == "" {
			arg = DefaultNTPServer
		}
		return NewNTP(arg, DefaultNTPRefresh)
	default:
		return nil, fmt.Errorf("timestamp source %q: %w", spec, core.ErrConfigInvalid)
	}
}

// Monotonic reads CLOCK_MONOTONIC. It never steps, so idle timeouts are
// immune to wall-clock adjustments.
type Monotonic struct {
	baseMono int64
	baseWall time.Time
}

// NewMonotonic anchors the monotonic clock to the current wall time.
func NewMonotonic() *Monotonic {
	return &Monotonic{baseMono: monotonicNow(), baseWall: time.Now()}
}

func (m *Monotonic) Name() string { return SourceMonotonic }
func (m *Monotonic) Now() int64   { return monotonicNow() }
func (m *Monotonic) Close() error { return nil }

func (m *Monotonic) Stamp(time.Time) (int64, bool) { return monotonicNow(), false }

func (m *Monotonic) WallTime(ns int64) time.Time {
	return m.baseWall.Add(time.Duration(ns - m.baseMono))
}

func monotonicNow() int64 {
	var ts unix.Timespec
	if err := unix.ClockGettime(unix.CLOCK_MONOTONIC, &ts); err != nil {
		return time.Now().UnixNano()
	}
	return ts.Nano()
}

type realtime struct{}

func (realtime) Name() string                  { return SourceRealtime }
func (realtime) Now() int64                    { return time.Now().UnixNano() }
func (realtime) Stamp(time.Time) (int64, bool) { return time.Now().UnixNano(), false }
func (realtime) WallTime(ns int64) time.Time   { return time.Unix(0, ns) }
func (realtime) Close() error                  { return nil }

// hardware trusts the stamp the backend attached (NIC, driver or kernel)
// and falls back to the system clock for frames without one.
type hardware struct{}

func (hardware) Name() string                { return SourceHardware }
func (hardware) Now() int64                  { return time.Now().UnixNano() }
func (hardware) WallTime(ns int64) time.Time { return time.Unix(0, ns) }
func (hardware) Close() error                { return nil }

func (hardware) Stamp(ts time.Time) (int64, bool) {
	if ts.IsZero() {
		return time.Now().UnixNano(), false
	}
	return ts.UnixNano(), true
}
