package clock

import (
	"fmt"
	"os"
	"time"

	"golang.org/x/sys/unix"
)

// DefaultPHCDevice is the first PTP hardware clock.
const DefaultPHCDevice = "/dev/ptp0"

// PHC reads a PTP hardware clock through its dynamic POSIX clock id. The
// NIC clock is disciplined by ptp4l; this package only reads it.
type PHC struct {
	dev     *os.File
	clockID int32
	// whole seconds between the PHC timebase and UTC (37 when the PHC
	// runs TAI, 0 when it runs UTC)
	utcOffset time.Duration
}

// OpenPHC opens a PHC character device.
func OpenPHC(path string) (*PHC, error) {
	dev, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open ptp clock %s: %w", path, err)
	}

	p := &PHC{dev: dev, clockID: fdToClockID(dev.Fd())}

	var ts unix.Timespec
	if err := unix.ClockGettime(p.clockID, &ts); err != nil {
		dev.Close()
		return nil, fmt.Errorf("read ptp clock %s: %w", path, err)
	}
	diff := time.Duration(ts.Nano() - time.Now().UnixNano())
	p.utcOffset = diff.Round(time.Second)

	return p, nil
}

// fdToClockID mirrors the kernel FD_TO_CLOCKID macro.
func fdToClockID(fd uintptr) int32 {
	return int32((^int(fd))<<3 | 3)
}

func (p *PHC) Name() string { return SourcePTP }

func (p *PHC) Now() int64 {
	var ts unix.Timespec
	if err := unix.ClockGettime(p.clockID, &ts); err != nil {
		return time.Now().UnixNano() + int64(p.utcOffset)
	}
	return ts.Nano()
}

// Stamp reads the PHC when the frame reaches userspace. The read is in the
// PHC timebase but is not a NIC stamp, so hw is always false.
func (p *PHC) Stamp(time.Time) (int64, bool) { return p.Now(), false }

func (p *PHC) WallTime(ns int64) time.Time {
	return time.Unix(0, ns-int64(p.utcOffset))
}

func (p *PHC) Close() error { return p.dev.Close() }
