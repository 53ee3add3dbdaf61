// Package decoder extracts the flow key of a frame from its L2-L4 headers.
package decoder

import (
	"encoding/binary"

	"firestige.xyz/flowcap/internal/core"
)

// LinkType is the framing of captured data.
type LinkType uint8

const (
	LinkEthernet LinkType = iota
	LinkLinuxSLL
	LinkRaw
)

// Meta is what the flow engine needs from one frame.
type Meta struct {
	Tuple    core.FlowTuple
	TCPFlags uint8
	IPLen    uint32 // L3 length (IP header + payload) as declared on the wire
	Fragment bool
}

// Decode parses the headers of a frame. Non-IP frames return
// core.ErrUnsupportedProto; truncated headers return core.ErrPacketTooShort.
// Non-first IP fragments are returned with zero ports.
func Decode(data []byte, link LinkType) (Meta, error) {
	var (
		payload   []byte
		etherType uint16
		err       error
	)

	switch link {
	case LinkEthernet:
		etherType, payload, err = decodeEthernet(data)
	case LinkLinuxSLL:
		etherType, payload, err = decodeSLL(data)
	case LinkRaw:
		payload = data
	default:
		return Meta{}, core.ErrUnsupportedProto
	}
	if err != nil {
		return Meta{}, err
	}
	if link != LinkRaw && etherType != etherTypeIPv4 && etherType != etherTypeIPv6 {
		return Meta{}, core.ErrUnsupportedProto
	}

	ip, l4, err := decodeIP(payload)
	if err != nil {
		return Meta{}, err
	}

	meta := Meta{
		Tuple: core.FlowTuple{
			SrcIP:    ip.SrcIP,
			DstIP:    ip.DstIP,
			Protocol: ip.Protocol,
		},
		IPLen:    uint32(ip.TotalLen),
		Fragment: ip.Fragment,
	}
	if ip.Fragment {
		return meta, nil
	}

	transport, err := decodeTransport(l4, ip.Protocol)
	if err != nil {
		return Meta{}, err
	}
	meta.Tuple.SrcPort = transport.SrcPort
	meta.Tuple.DstPort = transport.DstPort
	meta.TCPFlags = transport.TCPFlags
	return meta, nil
}

const sllHeaderLen = 16

// decodeSLL decodes a Linux "cooked" capture header (pcap on "any").
func decodeSLL(data []byte) (uint16, []byte, error) {
	if len(data) < sllHeaderLen {
		return 0, nil, core.ErrPacketTooShort
	}
	// Protocol type (2 bytes at offset 14)
	return binary.BigEndian.Uint16(data[14:16]), data[sllHeaderLen:], nil
}
