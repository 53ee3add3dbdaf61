package decoder

import (
	"errors"
	"net/netip"
	"testing"

	"firestige.xyz/flowcap/internal/core"
)

func TestDecodeIPv4Basic(t *testing.T) {
	data := []byte{
		0x45,       // Version 4, IHL 5
		0x00,       // DSCP, ECN
		0x00, 0x1C, // Total Length: 28 bytes
		0x12, 0x34, // Identification
		0x00, 0x00, // Flags, Fragment Offset
		0x40,       // TTL: 64
		0x11,       // Protocol: UDP (17)
		0x00, 0x00, // Checksum
		192, 168, 1, 1, // Src IP
		192, 168, 1, 2, // Dst IP
		0x01, 0x02, 0x03, 0x04, // Payload
	}

	ip, payload, err := decodeIPv4(data)
	if err != nil {
		t.Fatalf("decodeIPv4 failed: %v", err)
	}
	if ip.Version != 4 {
		t.Errorf("Expected version 4, got %d", ip.Version)
	}
	if ip.Protocol != 17 {
		t.Errorf("Expected protocol 17, got %d", ip.Protocol)
	}
	if ip.TotalLen != 28 {
		t.Errorf("Expected TotalLen 28, got %d", ip.TotalLen)
	}
	if ip.SrcIP != netip.MustParseAddr("192.168.1.1") {
		t.Errorf("Unexpected SrcIP %v", ip.SrcIP)
	}
	if ip.DstIP != netip.MustParseAddr("192.168.1.2") {
		t.Errorf("Unexpected DstIP %v", ip.DstIP)
	}
	if ip.Fragment {
		t.Error("Unfragmented packet reported as fragment")
	}
	if len(payload) != 4 {
		t.Errorf("Expected payload length 4, got %d", len(payload))
	}
}

func TestDecodeIPv4Fragment(t *testing.T) {
	data := make([]byte, 24)
	data[0] = 0x45
	data[6], data[7] = 0x00, 0xB9 // Offset 185 * 8
	data[9] = 17

	ip, _, err := decodeIPv4(data)
	if err != nil {
		t.Fatalf("decodeIPv4 failed: %v", err)
	}
	if !ip.Fragment {
		t.Error("Expected non-first fragment")
	}

	// First fragment (MF set, offset 0) still carries the L4 header
	data[6], data[7] = 0x20, 0x00
	ip, _, _ = decodeIPv4(data)
	if ip.Fragment {
		t.Error("First fragment must not be marked as fragment")
	}
}

func TestDecodeIPv6Basic(t *testing.T) {
	data := make([]byte, 40+4)
	data[0] = 0x60                // Version 6
	data[4], data[5] = 0x00, 0x04 // Payload length
	data[6] = 17                  // Next header: UDP
	data[23] = 1                  // ::1
	data[39] = 2                  // ::2

	ip, payload, err := decodeIPv6(data)
	if err != nil {
		t.Fatalf("decodeIPv6 failed: %v", err)
	}
	if ip.Version != 6 || ip.Protocol != 17 {
		t.Errorf("Expected v6/UDP, got v%d/%d", ip.Version, ip.Protocol)
	}
	if ip.TotalLen != 44 {
		t.Errorf("Expected TotalLen 44, got %d", ip.TotalLen)
	}
	if ip.SrcIP != netip.MustParseAddr("::1") || ip.DstIP != netip.MustParseAddr("::2") {
		t.Errorf("Unexpected addresses %v -> %v", ip.SrcIP, ip.DstIP)
	}
	if len(payload) != 4 {
		t.Errorf("Expected payload length 4, got %d", len(payload))
	}
}

func TestDecodeIPv6ExtensionHeaders(t *testing.T) {
	data := make([]byte, 40+8+8+4)
	data[0] = 0x60
	data[6] = ipv6HopByHop
	// Hop-by-hop: next = fragment, len 0 (8 bytes)
	data[40] = ipv6Fragment
	// Fragment header: next = TCP, offset 0
	data[48] = 6

	ip, payload, err := decodeIPv6(data)
	if err != nil {
		t.Fatalf("decodeIPv6 failed: %v", err)
	}
	if ip.Protocol != 6 {
		t.Errorf("Expected protocol 6 after extension headers, got %d", ip.Protocol)
	}
	if ip.Fragment {
		t.Error("Offset-0 fragment must not be marked as fragment")
	}
	if len(payload) != 4 {
		t.Errorf("Expected payload length 4, got %d", len(payload))
	}
}

func TestDecodeIPErrors(t *testing.T) {
	tests := []struct {
		name string
		data []byte
		want error
	}{
		{"empty", nil, core.ErrPacketTooShort},
		{"version 5", []byte{0x50}, core.ErrUnsupportedProto},
		{"short v4", []byte{0x45, 0x00}, core.ErrPacketTooShort},
		{"bad ihl", append([]byte{0x4F}, make([]byte, 19)...), core.ErrPacketTooShort},
		{"short v6", []byte{0x60, 0x00}, core.ErrPacketTooShort},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := decodeIP(tt.data)
			if !errors.Is(err, tt.want) {
				t.Errorf("Expected %v, got %v", tt.want, err)
			}
		})
	}
}
