package flow

import (
	"net/netip"

	"firestige.xyz/flowcap/internal/core"
)

// FNV-1a 64-bit parameters.
const (
	fnvOffset64 = 14695981039346656037
	fnvPrime64  = 1099511628211
)

// key is the canonical, comparable form of a tuple. With bidirectional
// tracking the lower endpoint always comes first, so both directions of a
// conversation share one key.
type key struct {
	addrA, addrB netip.Addr
	portA, portB uint16
	proto        uint8
}

func canonical(t core.FlowTuple, bidirectional bool) key {
	k := key{
		addrA: t.SrcIP,
		addrB: t.DstIP,
		portA: t.SrcPort,
		portB: t.DstPort,
		proto: t.Protocol,
	}
	if bidirectional && endpointLess(t.DstIP, t.DstPort, t.SrcIP, t.SrcPort) {
		k.addrA, k.addrB = k.addrB, k.addrA
		k.portA, k.portB = k.portB, k.portA
	}
	return k
}

func endpointLess(a netip.Addr, ap uint16, b netip.Addr, bp uint16) bool {
	if c := a.Compare(b); c != 0 {
		return c < 0
	}
	return ap < bp
}

// hash is FNV-1a over addrA(16) portA(2) addrB(16) portB(2) proto(1).
func (k key) hash() uint64 {
	h := uint64(fnvOffset64)
	h = hashAddr(h, k.addrA)
	h = hashPort(h, k.portA)
	h = hashAddr(h, k.addrB)
	h = hashPort(h, k.portB)
	h ^= uint64(k.proto)
	h *= fnvPrime64
	return h
}

func hashAddr(h uint64, a netip.Addr) uint64 {
	b := a.As16()
	for _, c := range b {
		h ^= uint64(c)
		h *= fnvPrime64
	}
	return h
}

func hashPort(h uint64, p uint16) uint64 {
	h ^= uint64(p >> 8)
	h *= fnvPrime64
	h ^= uint64(p & 0xFF)
	h *= fnvPrime64
	return h
}

// Hash returns the flow id of t. With bidirectional set, t and
// t.Reverse() hash identically.
func Hash(t core.FlowTuple, bidirectional bool) uint64 {
	return canonical(t, bidirectional).hash()
}
