package backend

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcap"
)

// FilePrefix selects offline replay: "file:/path/to/capture.pcap".
const FilePrefix = "file:"

const maxPcapBuffer = 256 << 20

// libpcapOptions are the "libpcap" backend options.
type libpcapOptions struct {
	Immediate bool `mapstructure:"immediate"` // Deliver without kernel batching
}

type libpcapBackend struct{}

// NewLibpcap returns the libpcap backend, the universal fallback. It also
// replays capture files (pcap or pcapng) named with FilePrefix.
func NewLibpcap() Backend { return libpcapBackend{} }

func (libpcapBackend) Name() string { return NameLibpcap }

func (libpcapBackend) Probe(cfg Config) error {
	var opts libpcapOptions
	if err := decodeOptions(cfg, NameLibpcap, &opts); err != nil {
		return err
	}

	if path, ok := strings.CutPrefix(cfg.Interface, FilePrefix); ok {
		_, err := os.Stat(path)
		return err
	}

	devs, err := pcap.FindAllDevs()
	if err != nil {
		return fmt.Errorf("list pcap devices: %w", err)
	}
	for _, d := range devs {
		if d.Name == cfg.Interface {
			return nil
		}
	}
	return fmt.Errorf("interface %s not found by libpcap", cfg.Interface)
}

func (libpcapBackend) Open(cfg Config) (Handle, error) {
	var opts libpcapOptions
	if err := decodeOptions(cfg, NameLibpcap, &opts); err != nil {
		return nil, err
	}

	var (
		handle  *pcap.Handle
		err     error
		offline bool
	)
	if path, ok := strings.CutPrefix(cfg.Interface, FilePrefix); ok {
		handle, err = pcap.OpenOffline(path)
		if err != nil {
			return nil, fmt.Errorf("open capture file %s: %w", path, err)
		}
		offline = true
	} else if handle, err = openLive(cfg, opts); err != nil {
		return nil, err
	}

	if cfg.Filter != nil {
		// compiled against the handle's own link type, so "any" (SLL) works
		if err := handle.SetBPFFilter(cfg.Filter.Expr); err != nil {
			handle.Close()
			return nil, fmt.Errorf("attach filter %q: %w", cfg.Filter.Expr, err)
		}
	}

	slog.Info("libpcap capture opened",
		"interface", cfg.Interface,
		"offline", offline,
		"link_type", handle.LinkType().String())

	return &libpcapHandle{handle: handle, iface: cfg.Interface}, nil
}

func openLive(cfg Config, opts libpcapOptions) (*pcap.Handle, error) {
	inactive, err := pcap.NewInactiveHandle(cfg.Interface)
	if err != nil {
		return nil, fmt.Errorf("pcap handle for %s: %w", cfg.Interface, err)
	}
	defer inactive.CleanUp()

	if err := inactive.SetSnapLen(cfg.SnapLen); err != nil {
		return nil, fmt.Errorf("set snaplen: %w", err)
	}
	if err := inactive.SetPromisc(cfg.Promiscuous); err != nil {
		return nil, fmt.Errorf("set promisc: %w", err)
	}
	if err := inactive.SetTimeout(pollTimeout); err != nil {
		return nil, fmt.Errorf("set timeout: %w", err)
	}
	if cfg.BufferSize > 0 {
		if err := inactive.SetBufferSize(min(cfg.BufferSize, maxPcapBuffer)); err != nil {
			return nil, fmt.Errorf("set buffer size: %w", err)
		}
	}
	if opts.Immediate {
		if err := inactive.SetImmediateMode(true); err != nil {
			return nil, fmt.Errorf("set immediate mode: %w", err)
		}
	}
	if cfg.HardwareTimestamps {
		if err := setAdapterTimestamps(inactive); err != nil {
			slog.Warn("adapter timestamps unavailable, using kernel timestamps",
				"interface", cfg.Interface, "error", err)
		}
	}

	handle, err := inactive.Activate()
	if err != nil {
		return nil, fmt.Errorf("activate pcap on %s: %w", cfg.Interface, err)
	}
	return handle, nil
}

func setAdapterTimestamps(inactive *pcap.InactiveHandle) error {
	for _, name := range []string{"adapter_unsynced", "adapter"} {
		src, err := pcap.TimestampSourceFromString(name)
		if err != nil {
			continue
		}
		if err := inactive.SetTimestampSource(src); err == nil {
			return nil
		}
	}
	return errors.New("no adapter timestamp source supported")
}

type libpcapHandle struct {
	handle *pcap.Handle
	iface  string

	received atomic.Uint64
	once     sync.Once
}

func (h *libpcapHandle) RecvInto(ctx context.Context, w Writer) (int, error) {
	n := 0
	for n < recvBatch {
		if ctx.Err() != nil {
			return n, nil
		}

		data, ci, err := h.handle.ZeroCopyReadPacketData()
		switch {
		case err == nil:
		case errors.Is(err, pcap.NextErrorTimeoutExpired):
			return n, nil
		case errors.Is(err, io.EOF), errors.Is(err, pcap.NextErrorNoMorePackets):
			return n, io.EOF
		default:
			return n, err
		}

		h.received.Add(1)
		w.Write(data, ci)
		n++
	}
	return n, nil
}

func (h *libpcapHandle) LinkType() layers.LinkType { return h.handle.LinkType() }
func (h *libpcapHandle) KernelFilter() bool        { return true }

func (h *libpcapHandle) Stats() HandleStats {
	st := HandleStats{Received: h.received.Load()}
	if ps, err := h.handle.Stats(); err == nil {
		st.KernelDrops = uint64(ps.PacketsDropped) + uint64(ps.PacketsIfDropped)
	}
	return st
}

func (h *libpcapHandle) Close() error {
	h.once.Do(func() {
		h.handle.Close()
		slog.Info("libpcap capture closed", "interface", h.iface)
	})
	return nil
}
