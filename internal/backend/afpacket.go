package backend

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"

	"github.com/google/gopacket/afpacket"
	"github.com/google/gopacket/layers"
)

const defaultKernelRing = 64 << 20

// afpacketOptions are the "afpacket" backend options.
type afpacketOptions struct {
	RingBytes  int    `mapstructure:"ring_bytes"`  // TPACKET ring budget, default 64MB
	FanoutID   int    `mapstructure:"fanout_id"`   // 0 disables fanout
	FanoutType string `mapstructure:"fanout_type"` // hash
}

func (o *afpacketOptions) check() error {
	if o.RingBytes <= 0 {
		return fmt.Errorf("ring_bytes %d must be positive", o.RingBytes)
	}
	// PACKET_FANOUT takes a 16-bit group id
	if o.FanoutID < 0 || o.FanoutID > 0xFFFF {
		return fmt.Errorf("fanout_id %d out of range 0-65535", o.FanoutID)
	}
	return nil
}

type afpacketBackend struct{}

// NewAFPacket returns the TPACKET_V3 socket backend.
func NewAFPacket() Backend { return afpacketBackend{} }

func (afpacketBackend) Name() string { return NameAFPacket }

func (afpacketBackend) Probe(cfg Config) error {
	var opts afpacketOptions
	if err := decodeOptions(cfg, NameAFPacket, &opts); err != nil {
		return err
	}
	_, err := lookupLink(cfg.Interface)
	return err
}

func (afpacketBackend) Open(cfg Config) (Handle, error) {
	opts := afpacketOptions{RingBytes: defaultKernelRing}
	if err := decodeOptions(cfg, NameAFPacket, &opts); err != nil {
		return nil, err
	}

	frameSize, blockSize, numBlocks, err := recomputeSize(opts.RingBytes, cfg.SnapLen, os.Getpagesize())
	if err != nil {
		return nil, err
	}

	tp, err := afpacket.NewTPacket(
		afpacket.OptInterface(cfg.Interface),
		afpacket.OptFrameSize(frameSize),
		afpacket.OptBlockSize(blockSize),
		afpacket.OptNumBlocks(numBlocks),
		afpacket.OptPollTimeout(pollTimeout),
		afpacket.OptTPacketVersion(afpacket.TPacketVersion3),
	)
	if err != nil {
		return nil, fmt.Errorf("create TPacket handle: %w", err)
	}

	if opts.FanoutID != 0 {
		fanoutType, err := parseFanoutType(opts.FanoutType)
		if err != nil {
			tp.Close()
			return nil, err
		}
		if err := tp.SetFanout(fanoutType, uint16(opts.FanoutID)); err != nil {
			tp.Close()
			return nil, fmt.Errorf("set fanout: %w", err)
		}
	}

	if cfg.Filter != nil {
		if err := tp.SetBPF(cfg.Filter.Raw); err != nil {
			tp.Close()
			return nil, fmt.Errorf("attach filter %q: %w", cfg.Filter.Expr, err)
		}
	}

	if err := tp.InitSocketStats(); err != nil {
		slog.Warn("failed to init socket stats", "interface", cfg.Interface, "error", err)
	}

	slog.Info("afpacket capture opened",
		"interface", cfg.Interface,
		"frame_size", frameSize,
		"block_size", blockSize,
		"num_blocks", numBlocks,
		"fanout_id", opts.FanoutID)

	return &afpacketHandle{tp: tp, iface: cfg.Interface}, nil
}

type afpacketHandle struct {
	tp    *afpacket.TPacket
	iface string

	received atomic.Uint64
	once     sync.Once
}

// RecvInto reads with ZeroCopyReadPacketData directly. gopacket's
// PacketSource spawns a goroutine that would keep touching the mmap ring
// after Close unmaps it.
func (h *afpacketHandle) RecvInto(ctx context.Context, w Writer) (int, error) {
	n := 0
	for n < recvBatch {
		if ctx.Err() != nil {
			return n, nil
		}

		data, ci, err := h.tp.ZeroCopyReadPacketData()
		if err != nil {
			if errors.Is(err, afpacket.ErrTimeout) || errors.Is(err, afpacket.ErrPoll) {
				return n, nil
			}
			return n, err
		}

		h.received.Add(1)
		w.Write(data, ci)
		n++
	}
	return n, nil
}

func (h *afpacketHandle) LinkType() layers.LinkType { return layers.LinkTypeEthernet }
func (h *afpacketHandle) KernelFilter() bool        { return true }

func (h *afpacketHandle) Stats() HandleStats {
	st := HandleStats{Received: h.received.Load()}
	if _, v3, err := h.tp.SocketStats(); err == nil {
		st.KernelDrops = uint64(v3.Drops())
	}
	return st
}

func (h *afpacketHandle) Close() error {
	h.once.Do(func() {
		h.tp.Close()
		slog.Info("afpacket capture closed", "interface", h.iface)
	})
	return nil
}

// parseFanoutType converts fanout type string to afpacket constant.
// gopacket/afpacket v1.1.19 only exports FanoutHash.
func parseFanoutType(ft string) (afpacket.FanoutType, error) {
	switch ft {
	case "", "hash":
		return afpacket.FanoutHash, nil
	default:
		return 0, fmt.Errorf("unknown fanout type %q (only 'hash' is supported)", ft)
	}
}
