package decoder

import (
	"testing"

	"firestige.xyz/flowcap/internal/core"
)

func TestDecodeUDP(t *testing.T) {
	data := []byte{
		0x13, 0x88, // Src Port: 5000
		0x13, 0x89, // Dst Port: 5001
		0x00, 0x0C, // Length
		0x00, 0x00, // Checksum
		0x01, 0x02, 0x03, 0x04, // Payload
	}

	transport, err := decodeUDP(data)
	if err != nil {
		t.Fatalf("decodeUDP failed: %v", err)
	}
	if transport.Protocol != 17 {
		t.Errorf("Expected protocol 17, got %d", transport.Protocol)
	}
	if transport.SrcPort != 5000 || transport.DstPort != 5001 {
		t.Errorf("Expected ports 5000->5001, got %d->%d", transport.SrcPort, transport.DstPort)
	}
}

func TestDecodeTCP(t *testing.T) {
	data := []byte{
		0x13, 0x88, // Src Port: 5000
		0x00, 0x50, // Dst Port: 80
		0x00, 0x00, 0x00, 0x01, // Seq Num
		0x00, 0x00, 0x00, 0x00, // Ack Num
		0x50,       // Data Offset: 5
		0x12,       // Flags: SYN + ACK
		0x20, 0x00, // Window Size
		0x00, 0x00, // Checksum
		0x00, 0x00, // Urgent Pointer
	}

	transport, err := decodeTCP(data)
	if err != nil {
		t.Fatalf("decodeTCP failed: %v", err)
	}
	if transport.SrcPort != 5000 || transport.DstPort != 80 {
		t.Errorf("Expected ports 5000->80, got %d->%d", transport.SrcPort, transport.DstPort)
	}
	if transport.TCPFlags != core.TCPFlagSYN|core.TCPFlagACK {
		t.Errorf("Expected SYN|ACK, got 0x%02x", transport.TCPFlags)
	}
}

func TestDecodeTransportOther(t *testing.T) {
	// ICMP echo: no ports
	transport, err := decodeTransport([]byte{0x08, 0x00, 0x00, 0x00}, core.ProtoICMP)
	if err != nil {
		t.Fatalf("decodeTransport failed: %v", err)
	}
	if transport.SrcPort != 0 || transport.DstPort != 0 {
		t.Errorf("Expected zero ports for ICMP, got %d/%d", transport.SrcPort, transport.DstPort)
	}

	// SCTP shares the port layout
	transport, err = decodeTransport([]byte{0x0B, 0x59, 0x0B, 0x5A, 0, 0, 0, 0}, core.ProtoSCTP)
	if err != nil {
		t.Fatalf("decodeTransport failed: %v", err)
	}
	if transport.SrcPort != 2905 || transport.DstPort != 2906 {
		t.Errorf("Expected SCTP ports 2905->2906, got %d->%d", transport.SrcPort, transport.DstPort)
	}
}

func TestDecodeTransportTooShort(t *testing.T) {
	if _, err := decodeTCP(make([]byte, 12)); err == nil {
		t.Error("Expected error for short TCP header")
	}
	if _, err := decodeUDP(make([]byte, 4)); err == nil {
		t.Error("Expected error for short UDP header")
	}
}
