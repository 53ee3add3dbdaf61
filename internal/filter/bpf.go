// Package filter compiles tcpdump-style capture filters into classic BPF.
//
// A compiled Program serves two consumers: backends that can attach a
// socket filter in the kernel take the raw instructions, and backends that
// cannot (XDP perf samples, poll-mode drivers, file replay) run the same
// program in the userspace VM.
package filter

import (
	"fmt"

	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcap"
	"golang.org/x/net/bpf"

	"firestige.xyz/flowcap/internal/core"
)

// Program is a compiled filter. A nil *Program matches every frame.
type Program struct {
	Expr string
	Raw  []bpf.RawInstruction
	vm   *bpf.VM
}

// Compile compiles expr for frames of the given link type. An empty
// expression yields a nil Program. Syntax errors wrap core.ErrInvalidFilter.
func Compile(expr string, linkType layers.LinkType, snapLen int) (*Program, error) {
	if expr == "" {
		return nil, nil
	}

	pcapInsns, err := pcap.CompileBPFFilter(linkType, snapLen, expr)
	if err != nil {
		return nil, fmt.Errorf("compile %q: %w: %v", expr, core.ErrInvalidFilter, err)
	}

	// pcap.BPFInstruction and bpf.RawInstruction share a layout:
	// Code->Op, Jt, Jf, K
	raw := make([]bpf.RawInstruction, len(pcapInsns))
	for i, insn := range pcapInsns {
		raw[i] = bpf.RawInstruction{Op: insn.Code, Jt: insn.Jt, Jf: insn.Jf, K: insn.K}
	}

	p := &Program{Expr: expr, Raw: raw}
	if insns, ok := bpf.Disassemble(raw); ok {
		// Linux ancillary loads have no VM equivalent; such programs are
		// kernel-only and Userspace reports it.
		if vm, err := bpf.NewVM(insns); err == nil {
			p.vm = vm
		}
	}
	return p, nil
}

// Assemble builds a Program from hand-written instructions.
func Assemble(expr string, insns []bpf.Instruction) (*Program, error) {
	raw, err := bpf.Assemble(insns)
	if err != nil {
		return nil, fmt.Errorf("assemble %q: %w: %v", expr, core.ErrInvalidFilter, err)
	}
	vm, err := bpf.NewVM(insns)
	if err != nil {
		return nil, fmt.Errorf("load %q: %w: %v", expr, core.ErrInvalidFilter, err)
	}
	return &Program{Expr: expr, Raw: raw, vm: vm}, nil
}

// Userspace reports whether the program can run outside the kernel.
func (p *Program) Userspace() error {
	if p == nil || p.vm != nil {
		return nil
	}
	return fmt.Errorf("filter %q uses kernel-only extensions: %w", p.Expr, core.ErrInvalidFilter)
}

// Match runs the program against frame. Programs that cannot run in
// userspace match everything.
func (p *Program) Match(frame []byte) bool {
	if p == nil || p.vm == nil {
		return true
	}
	n, err := p.vm.Run(frame)
	return err == nil && n > 0
}

func (p *Program) String() string {
	if p == nil {
		return ""
	}
	return p.Expr
}
