package backend

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/asm"
	"github.com/cilium/ebpf/features"
	"github.com/cilium/ebpf/link"
	"github.com/cilium/ebpf/perf"
	"github.com/cilium/ebpf/rlimit"
	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

const (
	xdpPass = 2
	// xdpMetaSize is the sample header: captured length then wire length,
	// both u32 in host order.
	xdpMetaSize = 8
	// bpfFCurrentCPU selects the perf buffer of the CPU running the program.
	bpfFCurrentCPU = 0xffffffff
)

// xdpOptions are the "xdp" backend options.
type xdpOptions struct {
	Mode         string `mapstructure:"mode"`           // auto, native or generic
	PerCPUBuffer int    `mapstructure:"per_cpu_buffer"` // Perf buffer bytes per CPU
}

type xdpBackend struct{}

// NewXDP returns the eBPF backend. A small XDP program copies every frame
// into a perf event array and lets it continue up the stack.
func NewXDP() Backend { return xdpBackend{} }

func (xdpBackend) Name() string { return NameXDP }

func (xdpBackend) Probe(cfg Config) error {
	var opts xdpOptions
	if err := decodeOptions(cfg, NameXDP, &opts); err != nil {
		return err
	}
	if _, err := attachFlags(opts.Mode); err != nil {
		return err
	}
	if _, err := lookupLink(cfg.Interface); err != nil {
		return err
	}
	if err := features.HaveProgramType(ebpf.XDP); err != nil {
		return fmt.Errorf("kernel lacks XDP: %w", err)
	}
	if err := features.HaveProgramHelper(ebpf.XDP, asm.FnPerfEventOutput); err != nil {
		return fmt.Errorf("kernel lacks perf_event_output for XDP: %w", err)
	}
	return nil
}

func (xdpBackend) Open(cfg Config) (Handle, error) {
	opts := xdpOptions{Mode: "auto", PerCPUBuffer: 4 << 20}
	if err := decodeOptions(cfg, NameXDP, &opts); err != nil {
		return nil, err
	}
	modes, err := attachFlags(opts.Mode)
	if err != nil {
		return nil, err
	}
	info, err := lookupLink(cfg.Interface)
	if err != nil {
		return nil, err
	}

	if err := rlimit.RemoveMemlock(); err != nil {
		return nil, fmt.Errorf("remove memlock: %w", err)
	}

	events, err := ebpf.NewMap(&ebpf.MapSpec{
		Name: "flowcap_events",
		Type: ebpf.PerfEventArray,
	})
	if err != nil {
		return nil, fmt.Errorf("create perf event array: %w", err)
	}

	prog, err := ebpf.NewProgram(&ebpf.ProgramSpec{
		Name:         "flowcap_xdp",
		Type:         ebpf.XDP,
		Instructions: buildXDPProgram(events.FD(), cfg.SnapLen),
		License:      "GPL",
	})
	if err != nil {
		events.Close()
		return nil, fmt.Errorf("load XDP program: %w", err)
	}

	var (
		l    link.Link
		mode link.XDPAttachFlags
	)
	for _, mode = range modes {
		l, err = link.AttachXDP(link.XDPOptions{
			Program:   prog,
			Interface: info.Index,
			Flags:     mode,
		})
		if err == nil {
			break
		}
		slog.Debug("xdp attach failed", "interface", cfg.Interface, "driver", info.Driver, "flags", mode, "error", err)
	}
	if err != nil {
		prog.Close()
		events.Close()
		return nil, fmt.Errorf("attach XDP to %s: %w", cfg.Interface, err)
	}

	rd, err := perf.NewReader(events, opts.PerCPUBuffer)
	if err != nil {
		l.Close()
		prog.Close()
		events.Close()
		return nil, fmt.Errorf("perf reader: %w", err)
	}

	slog.Info("xdp capture opened",
		"interface", cfg.Interface,
		"driver", info.Driver,
		"generic", mode == link.XDPGenericMode,
		"per_cpu_buffer", opts.PerCPUBuffer)

	return &xdpHandle{
		iface:  cfg.Interface,
		events: events,
		prog:   prog,
		link:   l,
		rd:     rd,
	}, nil
}

// attachFlags lists the attach modes to try in order.
func attachFlags(mode string) ([]link.XDPAttachFlags, error) {
	switch mode {
	case "", "auto":
		return []link.XDPAttachFlags{link.XDPDriverMode, link.XDPGenericMode}, nil
	case "native":
		return []link.XDPAttachFlags{link.XDPDriverMode}, nil
	case "generic":
		return []link.XDPAttachFlags{link.XDPGenericMode}, nil
	default:
		return nil, fmt.Errorf("unknown xdp mode %q (auto, native or generic)", mode)
	}
}

// buildXDPProgram emits, for every frame, a perf sample of the length
// header followed by min(len, snapLen) frame bytes, then passes the frame.
func buildXDPProgram(eventsFD, snapLen int) asm.Instructions {
	return asm.Instructions{
		asm.Mov.Reg(asm.R6, asm.R1),
		// len = data_end - data
		asm.LoadMem(asm.R2, asm.R6, 4, asm.Word),
		asm.LoadMem(asm.R3, asm.R6, 0, asm.Word),
		asm.Sub.Reg(asm.R2, asm.R3),
		asm.StoreMem(asm.RFP, -4, asm.R2, asm.Word),
		asm.JLE.Imm(asm.R2, int32(snapLen), "clamped"),
		asm.Mov.Imm(asm.R2, int32(snapLen)),
		asm.StoreMem(asm.RFP, -8, asm.R2, asm.Word).WithSymbol("clamped"),
		// flags = caplen<<32 | BPF_F_CURRENT_CPU
		asm.Mov.Reg(asm.R3, asm.R2),
		asm.LSh.Imm(asm.R3, 32),
		asm.LoadImm(asm.R4, bpfFCurrentCPU, asm.DWord),
		asm.Or.Reg(asm.R3, asm.R4),
		asm.Mov.Reg(asm.R1, asm.R6),
		asm.LoadMapPtr(asm.R2, eventsFD),
		asm.Mov.Reg(asm.R4, asm.RFP),
		asm.Add.Imm(asm.R4, -xdpMetaSize),
		asm.Mov.Imm(asm.R5, xdpMetaSize),
		asm.FnPerfEventOutput.Call(),
		asm.Mov.Imm(asm.R0, xdpPass),
		asm.Return(),
	}
}

// parseXDPSample splits a perf sample into frame bytes and wire length.
// Perf pads samples to 8 bytes, so the header length is authoritative.
func parseXDPSample(raw []byte) ([]byte, int, error) {
	if len(raw) < xdpMetaSize {
		return nil, 0, fmt.Errorf("xdp sample of %d bytes", len(raw))
	}
	capLen := int(binary.NativeEndian.Uint32(raw[0:4]))
	origLen := int(binary.NativeEndian.Uint32(raw[4:8]))
	if capLen > len(raw)-xdpMetaSize {
		return nil, 0, fmt.Errorf("xdp sample claims %d bytes, carries %d", capLen, len(raw)-xdpMetaSize)
	}
	return raw[xdpMetaSize : xdpMetaSize+capLen], origLen, nil
}

type xdpHandle struct {
	iface  string
	events *ebpf.Map
	prog   *ebpf.Program
	link   link.Link
	rd     *perf.Reader
	rec    perf.Record

	received atomic.Uint64
	lost     atomic.Uint64
	once     sync.Once
}

func (h *xdpHandle) RecvInto(ctx context.Context, w Writer) (int, error) {
	h.rd.SetDeadline(time.Now().Add(pollTimeout))

	n := 0
	for n < recvBatch {
		if ctx.Err() != nil {
			return n, nil
		}

		err := h.rd.ReadInto(&h.rec)
		if err != nil {
			if errors.Is(err, os.ErrDeadlineExceeded) {
				return n, nil
			}
			if errors.Is(err, perf.ErrClosed) {
				return n, err
			}
			return n, fmt.Errorf("read perf ring: %w", err)
		}
		if h.rec.LostSamples > 0 {
			h.lost.Add(h.rec.LostSamples)
			continue
		}

		data, origLen, err := parseXDPSample(h.rec.RawSample)
		if err != nil {
			return n, err
		}
		h.received.Add(1)
		// zero timestamp: the session stamps on arrival
		w.Write(data, gopacket.CaptureInfo{CaptureLength: len(data), Length: origLen})
		n++

		// drain what is already queued without waiting again
		h.rd.SetDeadline(time.Now())
	}
	return n, nil
}

func (h *xdpHandle) LinkType() layers.LinkType { return layers.LinkTypeEthernet }
func (h *xdpHandle) KernelFilter() bool        { return false }

func (h *xdpHandle) Stats() HandleStats {
	return HandleStats{Received: h.received.Load(), KernelDrops: h.lost.Load()}
}

func (h *xdpHandle) Close() error {
	h.once.Do(func() {
		h.rd.Close()
		h.link.Close()
		h.prog.Close()
		h.events.Close()
		slog.Info("xdp capture closed", "interface", h.iface)
	})
	return nil
}
