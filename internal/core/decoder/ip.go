package decoder

import (
	"encoding/binary"
	"net/netip"

	"firestige.xyz/flowcap/internal/core"
)

const (
	ipv4HeaderMinLen = 20
	ipv6HeaderLen    = 40

	// IPv6 extension headers walked to find the transport header
	ipv6HopByHop  = 0
	ipv6Routing   = 43
	ipv6Fragment  = 44
	ipv6DestOpts  = 60
	maxExtHeaders = 8
)

// decodeIP decodes IP header (IPv4 or IPv6).
// Returns IPHeader and remaining payload.
func decodeIP(data []byte) (core.IPHeader, []byte, error) {
	if len(data) < 1 {
		return core.IPHeader{}, nil, core.ErrPacketTooShort
	}

	switch data[0] >> 4 {
	case 4:
		return decodeIPv4(data)
	case 6:
		return decodeIPv6(data)
	default:
		return core.IPHeader{}, nil, core.ErrUnsupportedProto
	}
}

// decodeIPv4 decodes IPv4 header.
func decodeIPv4(data []byte) (core.IPHeader, []byte, error) {
	if len(data) < ipv4HeaderMinLen {
		return core.IPHeader{}, nil, core.ErrPacketTooShort
	}

	// IHL is in 32-bit words
	headerLen := int(data[0]&0x0F) * 4
	if headerLen < ipv4HeaderMinLen || len(data) < headerLen {
		return core.IPHeader{}, nil, core.ErrPacketTooShort
	}

	ip := core.IPHeader{
		Version:  4,
		TotalLen: binary.BigEndian.Uint16(data[2:4]),
		Protocol: data[9],
		SrcIP:    netip.AddrFrom4([4]byte(data[12:16])),
		DstIP:    netip.AddrFrom4([4]byte(data[16:20])),
	}

	// Fragment offset is the lower 13 bits of bytes 6-7
	ip.Fragment = binary.BigEndian.Uint16(data[6:8])&0x1FFF != 0

	return ip, data[headerLen:], nil
}

// decodeIPv6 decodes IPv6 header and skips extension headers.
func decodeIPv6(data []byte) (core.IPHeader, []byte, error) {
	if len(data) < ipv6HeaderLen {
		return core.IPHeader{}, nil, core.ErrPacketTooShort
	}

	ip := core.IPHeader{
		Version:  6,
		TotalLen: uint16(ipv6HeaderLen) + binary.BigEndian.Uint16(data[4:6]),
		SrcIP:    netip.AddrFrom16([16]byte(data[8:24])),
		DstIP:    netip.AddrFrom16([16]byte(data[24:40])),
	}

	next := data[6]
	payload := data[ipv6HeaderLen:]
	for i := 0; i < maxExtHeaders; i++ {
		switch next {
		case ipv6HopByHop, ipv6Routing, ipv6DestOpts:
			if len(payload) < 8 {
				return ip, nil, core.ErrPacketTooShort
			}
			extLen := (int(payload[1]) + 1) * 8
			if len(payload) < extLen {
				return ip, nil, core.ErrPacketTooShort
			}
			next = payload[0]
			payload = payload[extLen:]
		case ipv6Fragment:
			if len(payload) < 8 {
				return ip, nil, core.ErrPacketTooShort
			}
			// Fragment offset is the upper 13 bits of bytes 2-3
			if binary.BigEndian.Uint16(payload[2:4])>>3 != 0 {
				ip.Fragment = true
			}
			next = payload[0]
			payload = payload[8:]
		default:
			ip.Protocol = next
			return ip, payload, nil
		}
	}

	return ip, nil, core.ErrUnsupportedProto
}
