package decoder

import (
	"encoding/binary"

	"firestige.xyz/flowcap/internal/core"
)

const (
	udpHeaderLen    = 8
	tcpHeaderMinLen = 20
	portsLen        = 4
)

// decodeTransport decodes the ports (and TCP flags) of the transport header.
// Protocols without ports return a zero header.
func decodeTransport(data []byte, protocol uint8) (core.TransportHeader, error) {
	switch protocol {
	case core.ProtoTCP:
		return decodeTCP(data)
	case core.ProtoUDP:
		return decodeUDP(data)
	case core.ProtoSCTP:
		return decodePorts(data, protocol)
	default:
		// ICMP and friends are metered on addresses only
		return core.TransportHeader{Protocol: protocol}, nil
	}
}

// decodeUDP decodes UDP header.
func decodeUDP(data []byte) (core.TransportHeader, error) {
	if len(data) < udpHeaderLen {
		return core.TransportHeader{}, core.ErrPacketTooShort
	}
	return decodePorts(data, core.ProtoUDP)
}

// decodeTCP decodes TCP header.
func decodeTCP(data []byte) (core.TransportHeader, error) {
	if len(data) < tcpHeaderMinLen {
		return core.TransportHeader{}, core.ErrPacketTooShort
	}

	transport, _ := decodePorts(data, core.ProtoTCP)

	// Byte 13: | reserved (2 bits) | URG ACK PSH RST SYN FIN |
	transport.TCPFlags = data[13] & 0x3F
	return transport, nil
}

func decodePorts(data []byte, protocol uint8) (core.TransportHeader, error) {
	if len(data) < portsLen {
		return core.TransportHeader{}, core.ErrPacketTooShort
	}
	return core.TransportHeader{
		SrcPort:  binary.BigEndian.Uint16(data[0:2]),
		DstPort:  binary.BigEndian.Uint16(data[2:4]),
		Protocol: protocol,
	}, nil
}
