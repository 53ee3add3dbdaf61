package backend

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

// PollModeDriver is a kernel-bypass NIC library binding (DPDK or
// compatible). It is linked in by a separate cgo build and handed to
// DefaultRegistry; without one the dpdk backend is unavailable.
type PollModeDriver interface {
	// Version identifies the linked library, for logs.
	Version() string
	// OpenPort takes ownership of a bound device and starts its RX queue.
	OpenPort(device string, cfg PortConfig) (Port, error)
}

// PortConfig sizes one RX queue.
type PortConfig struct {
	Queue         int
	RxDescriptors int
	Burst         int
	SnapLen       int
	Promiscuous   bool
	EALArgs       []string
}

// Frame is one received buffer. Data is owned by the driver until the
// next RxBurst call.
type Frame struct {
	Data      []byte
	Length    int       // Wire length
	Timestamp time.Time // Zero when the NIC did not stamp the frame
}

// Port is an open RX queue.
type Port interface {
	// RxBurst fills frames without blocking and returns how many it filled.
	RxBurst(frames []Frame) (int, error)
	// Missed returns frames dropped by the NIC for lack of descriptors.
	Missed() uint64
	Close() error
}

// dpdkOptions are the "dpdk" backend options.
type dpdkOptions struct {
	Queue         int      `mapstructure:"queue"`
	RxDescriptors int      `mapstructure:"rx_descriptors"`
	Burst         int      `mapstructure:"burst"`
	EALArgs       []string `mapstructure:"eal_args"`
}

// maxRxDescriptors is the largest ring a PMD accepts (uint16 nb_rx_desc).
const maxRxDescriptors = 1<<16 - 1

func (o *dpdkOptions) check() error {
	switch {
	case o.Queue < 0:
		return fmt.Errorf("queue %d is negative", o.Queue)
	case o.RxDescriptors <= 0 || o.RxDescriptors > maxRxDescriptors:
		return fmt.Errorf("rx_descriptors %d out of range 1-%d", o.RxDescriptors, maxRxDescriptors)
	case o.Burst <= 0 || o.Burst > o.RxDescriptors:
		return fmt.Errorf("burst %d out of range 1-%d", o.Burst, o.RxDescriptors)
	}
	return nil
}

var (
	pciAddress   = regexp.MustCompile(`^[0-9a-fA-F]{4}:[0-9a-fA-F]{2}:[0-9a-fA-F]{2}\.[0-7]$`)
	bypassDriver = map[string]bool{"vfio-pci": true, "igb_uio": true, "uio_pci_generic": true}
)

type dpdkBackend struct {
	pmd     PollModeDriver
	sysfs   string // root of /sys/bus/pci/devices
	meminfo string
}

// NewDPDK returns the kernel-bypass backend over pmd.
func NewDPDK(pmd PollModeDriver) Backend {
	return &dpdkBackend{pmd: pmd, sysfs: "/sys/bus/pci/devices", meminfo: "/proc/meminfo"}
}

func (b *dpdkBackend) Name() string { return NameDPDK }

func (b *dpdkBackend) Probe(cfg Config) error {
	if b.pmd == nil {
		return fmt.Errorf("no poll-mode driver linked into this build")
	}
	var opts dpdkOptions
	if err := decodeOptions(cfg, NameDPDK, &opts); err != nil {
		return err
	}
	if !pciAddress.MatchString(cfg.Interface) {
		return fmt.Errorf("%q is not a PCI address (dddd:bb:dd.f)", cfg.Interface)
	}

	pages, err := hugePagesTotal(b.meminfo)
	if err != nil {
		return err
	}
	if pages == 0 {
		return fmt.Errorf("no huge pages reserved")
	}

	link, err := os.Readlink(filepath.Join(b.sysfs, cfg.Interface, "driver"))
	if err != nil {
		return fmt.Errorf("device %s has no driver: %w", cfg.Interface, err)
	}
	if drv := filepath.Base(link); !bypassDriver[drv] {
		return fmt.Errorf("device %s bound to %s, not a userspace I/O driver", cfg.Interface, drv)
	}
	return nil
}

func (b *dpdkBackend) Open(cfg Config) (Handle, error) {
	if b.pmd == nil {
		return nil, fmt.Errorf("no poll-mode driver linked into this build")
	}
	opts := dpdkOptions{RxDescriptors: 4096, Burst: 32}
	if err := decodeOptions(cfg, NameDPDK, &opts); err != nil {
		return nil, err
	}

	port, err := b.pmd.OpenPort(cfg.Interface, PortConfig{
		Queue:         opts.Queue,
		RxDescriptors: opts.RxDescriptors,
		Burst:         opts.Burst,
		SnapLen:       cfg.SnapLen,
		Promiscuous:   cfg.Promiscuous,
		EALArgs:       opts.EALArgs,
	})
	if err != nil {
		return nil, fmt.Errorf("open port %s: %w", cfg.Interface, err)
	}

	slog.Info("dpdk port opened",
		"device", cfg.Interface,
		"pmd", b.pmd.Version(),
		"queue", opts.Queue,
		"burst", opts.Burst)

	return &dpdkHandle{
		port:    port,
		device:  cfg.Interface,
		snapLen: cfg.SnapLen,
		frames:  make([]Frame, opts.Burst),
	}, nil
}

func hugePagesTotal(meminfo string) (int, error) {
	f, err := os.Open(meminfo)
	if err != nil {
		return 0, fmt.Errorf("read %s: %w", meminfo, err)
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		if v, ok := strings.CutPrefix(sc.Text(), "HugePages_Total:"); ok {
			return strconv.Atoi(strings.TrimSpace(v))
		}
	}
	return 0, sc.Err()
}

type dpdkHandle struct {
	port    Port
	device  string
	snapLen int
	frames  []Frame

	received atomic.Uint64
	once     sync.Once
}

// RecvInto polls the RX queue. Poll-mode drivers never block, so an empty
// queue is retried with a short sleep until the poll timeout.
func (h *dpdkHandle) RecvInto(ctx context.Context, w Writer) (int, error) {
	deadline := time.Now().Add(pollTimeout)
	idle := 10 * time.Microsecond

	for {
		n, err := h.port.RxBurst(h.frames)
		if err != nil {
			return 0, err
		}
		for _, f := range h.frames[:n] {
			data := f.Data
			if len(data) > h.snapLen {
				data = data[:h.snapLen]
			}
			w.Write(data, gopacket.CaptureInfo{
				Timestamp:     f.Timestamp,
				CaptureLength: len(data),
				Length:        f.Length,
			})
		}
		if n > 0 {
			h.received.Add(uint64(n))
			return n, nil
		}

		if ctx.Err() != nil || time.Now().After(deadline) {
			return 0, nil
		}
		time.Sleep(idle)
		idle = min(idle*2, time.Millisecond)
	}
}

func (h *dpdkHandle) LinkType() layers.LinkType { return layers.LinkTypeEthernet }
func (h *dpdkHandle) KernelFilter() bool        { return false }

func (h *dpdkHandle) Stats() HandleStats {
	return HandleStats{Received: h.received.Load(), KernelDrops: h.port.Missed()}
}

func (h *dpdkHandle) Close() error {
	var err error
	h.once.Do(func() {
		err = h.port.Close()
		slog.Info("dpdk port closed", "device", h.device)
	})
	return err
}
