package core

import (
	"fmt"
	"net/netip"
)

// FlowTuple is the 5-tuple a flow is keyed on.
type FlowTuple struct {
	SrcIP    netip.Addr
	DstIP    netip.Addr
	SrcPort  uint16
	DstPort  uint16
	Protocol uint8
}

// Reverse returns the tuple seen from the other endpoint.
func (t FlowTuple) Reverse() FlowTuple {
	return FlowTuple{
		SrcIP:    t.DstIP,
		DstIP:    t.SrcIP,
		SrcPort:  t.DstPort,
		DstPort:  t.SrcPort,
		Protocol: t.Protocol,
	}
}

// IsIPv6 reports whether the tuple needs IPv6 address fields. Only a tuple
// whose endpoints are both IPv4 (or IPv4-mapped) fits in IPv4 fields.
func (t FlowTuple) IsIPv6() bool {
	return !t.SrcIP.Unmap().Is4() || !t.DstIP.Unmap().Is4()
}

func (t FlowTuple) String() string {
	return fmt.Sprintf("%s -> %s proto %d",
		netip.AddrPortFrom(t.SrcIP, t.SrcPort),
		netip.AddrPortFrom(t.DstIP, t.DstPort),
		t.Protocol)
}

// FlowState is the lifecycle state of a flow record.
type FlowState uint8

const (
	FlowActive FlowState = iota
	FlowClosing
	FlowClosed
)

func (s FlowState) String() string {
	switch s {
	case FlowActive:
		return "ACTIVE"
	case FlowClosing:
		return "CLOSING"
	case FlowClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// EndReason is why a record left the table. Values follow the IPFIX
// flowEndReason registry.
type EndReason uint8

const (
	EndNone       EndReason = 0
	EndIdle       EndReason = 1
	EndActive     EndReason = 2
	EndOfFlow     EndReason = 3
	EndForced     EndReason = 4
	EndLackOfRsrc EndReason = 5
)

func (r EndReason) String() string {
	switch r {
	case EndIdle:
		return "idle"
	case EndActive:
		return "active"
	case EndOfFlow:
		return "end-of-flow"
	case EndForced:
		return "forced"
	case EndLackOfRsrc:
		return "lack-of-resources"
	default:
		return "none"
	}
}

// FlowRecord is the aggregate state of one flow. Tuple is oriented as the
// first packet seen: its sender is the forward direction.
type FlowRecord struct {
	Tuple       FlowTuple
	FlowID      uint64 // FNV-1a hash of the canonical tuple
	PacketsFwd  uint64
	PacketsRev  uint64
	BytesFwd    uint64
	BytesRev    uint64
	FirstSeenNs int64
	LastSeenNs  int64
	TCPFlags    uint8 // Union of flags seen in either direction
	State       FlowState
	EndReason   EndReason
}

// Packets returns the packet count over both directions.
func (r FlowRecord) Packets() uint64 { return r.PacketsFwd + r.PacketsRev }

// Bytes returns the byte count over both directions.
func (r FlowRecord) Bytes() uint64 { return r.BytesFwd + r.BytesRev }
