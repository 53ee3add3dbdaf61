// Package backend abstracts the packet capture drivers: kernel-bypass
// poll-mode drivers, XDP, PF_RING, AF_PACKET and libpcap. A session picks
// one backend at init, explicitly or by probing in preference order.
package backend

import (
	"context"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	"firestige.xyz/flowcap/internal/filter"
)

// Backend names.
const (
	Auto         = "auto"
	NameDPDK     = "dpdk"
	NameXDP      = "xdp"
	NamePFRing   = "pfring"
	NameAFPacket = "afpacket"
	NameLibpcap  = "libpcap"
)

// ProbeOrder is the auto-selection preference, fastest first.
var ProbeOrder = []string{NameDPDK, NameXDP, NamePFRing, NameAFPacket, NameLibpcap}

const (
	// pollTimeout bounds how long RecvInto waits for the first frame.
	pollTimeout = 100 * time.Millisecond
	// recvBatch bounds the frames delivered per RecvInto call.
	recvBatch = 64
)

// Config is what a backend needs to open a capture.
type Config struct {
	Interface          string
	SnapLen            int
	BufferSize         int // Session ring size, used to size kernel rings
	Promiscuous        bool
	HardwareTimestamps bool
	Filter             *filter.Program
	// Options holds per-backend settings keyed by backend name,
	// e.g. {"afpacket": {"fanout_id": 7}}.
	Options map[string]any
}

// Writer receives frames from a backend. data is only valid for the
// duration of the call; Write must copy what it keeps and must not block.
type Writer interface {
	Write(data []byte, ci gopacket.CaptureInfo)
}

// HandleStats are counters maintained below the session.
type HandleStats struct {
	Received    uint64
	KernelDrops uint64 // Dropped by the kernel, NIC or driver before delivery
}

// Handle is an open capture.
type Handle interface {
	// RecvInto delivers up to one batch of frames to w. It waits at most
	// ~100ms for the first frame and returns the number delivered. io.EOF
	// means the source is exhausted.
	RecvInto(ctx context.Context, w Writer) (int, error)
	LinkType() layers.LinkType
	// KernelFilter reports whether the configured filter runs below
	// userspace. When false the session filters with the BPF VM.
	KernelFilter() bool
	Stats() HandleStats
	// Close releases the capture. It is idempotent.
	Close() error
}

// Backend is a capture driver.
type Backend interface {
	Name() string
	// Probe reports whether the backend can serve cfg on this host. It
	// must not acquire resources.
	Probe(cfg Config) error
	// Open acquires the capture. On error everything acquired so far has
	// been released.
	Open(cfg Config) (Handle, error)
}
