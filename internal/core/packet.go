// Package core defines core data structures with zero external dependencies.
package core

// PacketFlags annotate a captured packet.
type PacketFlags uint32

const (
	// FlagTruncated marks a frame longer than the slot or snap length.
	FlagTruncated PacketFlags = 1 << iota
	// FlagEncrypted marks a slot holding IV | ciphertext | tag.
	FlagEncrypted
	// FlagHardwareTimestamp marks a timestamp taken from the NIC or driver.
	FlagHardwareTimestamp
	// FlagNotFlowAttributed marks a packet the flow table could not account.
	FlagNotFlowAttributed
)

// Has reports whether all bits of f2 are set.
func (f PacketFlags) Has(f2 PacketFlags) bool { return f&f2 == f2 }

// SlotRef identifies packet bytes inside a ring buffer arena.
// It is an index, not a pointer: the arena checks Arena and Seq before
// handing out bytes, so a stale ref is rejected instead of read.
type SlotRef struct {
	Arena  uint64 // Arena identity, unique per ring buffer
	Seq    uint64 // Monotonic slot sequence, position is Seq % slots
	Offset uint32 // Byte offset of the slot inside the arena
	Length uint32 // Bytes stored in the slot
}

// CapturedPacket is what Poll hands to consumers. It is a value; the bytes
// stay in the ring until the packet is released.
type CapturedPacket struct {
	TimestampNs int64
	CaptureLen  uint32 // Bytes of the frame that were captured
	OrigLen     uint32 // Length of the frame on the wire
	Flags       PacketFlags
	Ref         SlotRef
}
