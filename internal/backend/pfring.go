//go:build pfring

package backend

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"

	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pfring"
)

// pfringOptions are the "pfring" backend options.
type pfringOptions struct {
	ClusterID  int  `mapstructure:"cluster_id"` // 0 disables clustering
	PollMillis uint `mapstructure:"poll_ms"`
	Watermark  int  `mapstructure:"watermark"`
}

type pfringBackend struct{}

// NewPFRing returns the PF_RING backend (cgo, libpfring).
func NewPFRing() Backend { return pfringBackend{} }

func (pfringBackend) Name() string { return NamePFRing }

func (pfringBackend) Probe(cfg Config) error {
	var opts pfringOptions
	if err := decodeOptions(cfg, NamePFRing, &opts); err != nil {
		return err
	}
	if _, err := os.Stat("/proc/net/pf_ring"); err != nil {
		return fmt.Errorf("pf_ring module not loaded: %w", err)
	}
	_, err := lookupLink(cfg.Interface)
	return err
}

func (pfringBackend) Open(cfg Config) (Handle, error) {
	opts := pfringOptions{PollMillis: uint(pollTimeout.Milliseconds()), Watermark: 1}
	if err := decodeOptions(cfg, NamePFRing, &opts); err != nil {
		return nil, err
	}

	var flags pfring.Flag
	if cfg.Promiscuous {
		flags |= pfring.FlagPromisc
	}
	if cfg.HardwareTimestamps {
		flags |= pfring.FlagHWTimestamp
	}

	ring, err := pfring.NewRing(cfg.Interface, uint32(cfg.SnapLen), flags)
	if err != nil {
		return nil, fmt.Errorf("open pf_ring on %s: %w", cfg.Interface, err)
	}
	fail := func(what string, err error) (Handle, error) {
		ring.Close()
		return nil, fmt.Errorf("%s: %w", what, err)
	}

	if err := ring.SetSocketMode(pfring.ReadOnly); err != nil {
		return fail("set socket mode", err)
	}
	if err := ring.SetPollDuration(opts.PollMillis); err != nil {
		return fail("set poll duration", err)
	}
	if err := ring.SetPollWatermark(uint16(opts.Watermark)); err != nil {
		return fail("set poll watermark", err)
	}
	if opts.ClusterID != 0 {
		if err := ring.SetCluster(opts.ClusterID, pfring.ClusterPerFlow5Tuple); err != nil {
			return fail("set cluster", err)
		}
	}
	if cfg.Filter != nil {
		if err := ring.SetBPFFilter(cfg.Filter.Expr); err != nil {
			return fail(fmt.Sprintf("attach filter %q", cfg.Filter.Expr), err)
		}
	}
	if err := ring.Enable(); err != nil {
		return fail("enable ring", err)
	}

	slog.Info("pf_ring capture opened", "interface", cfg.Interface, "cluster_id", opts.ClusterID)
	return &pfringHandle{ring: ring, iface: cfg.Interface}, nil
}

type pfringHandle struct {
	ring  *pfring.Ring
	iface string

	received atomic.Uint64
	once     sync.Once
}

// RecvInto reads one frame per call. libpfring waits in poll_ms slices
// until a frame arrives, so a quiet link holds the capture goroutine
// until Close disables the ring.
func (h *pfringHandle) RecvInto(ctx context.Context, w Writer) (int, error) {
	if ctx.Err() != nil {
		return 0, nil
	}
	data, ci, err := h.ring.ZeroCopyReadPacketData()
	if err != nil {
		return 0, err
	}
	h.received.Add(1)
	w.Write(data, ci)
	return 1, nil
}

func (h *pfringHandle) LinkType() layers.LinkType { return layers.LinkTypeEthernet }
func (h *pfringHandle) KernelFilter() bool        { return true }

func (h *pfringHandle) Stats() HandleStats {
	st := HandleStats{Received: h.received.Load()}
	if s, err := h.ring.Stats(); err == nil {
		st.KernelDrops = s.Dropped
	}
	return st
}

func (h *pfringHandle) Close() error {
	h.once.Do(func() {
		h.ring.Disable()
		h.ring.Close()
		slog.Info("pf_ring capture closed", "interface", h.iface)
	})
	return nil
}
