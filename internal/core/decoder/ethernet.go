package decoder

import (
	"encoding/binary"

	"firestige.xyz/flowcap/internal/core"
)

const (
	ethernetHeaderLen = 14
	vlanTagLen        = 4

	// Metering looks through at most this many stacked tags.
	maxVLANTags = 2

	etherTypeIPv4       = 0x0800
	etherTypeIPv6       = 0x86DD
	etherTypeDot1Q      = 0x8100
	etherTypeDot1AD     = 0x88A8
	etherTypeQinQLegacy = 0x9100
)

func isVLANTag(etherType uint16) bool {
	switch etherType {
	case etherTypeDot1Q, etherTypeDot1AD, etherTypeQinQLegacy:
		return true
	}
	return false
}

// decodeEthernet skips the MAC addresses and any 802.1Q/802.1ad tags and
// returns the inner EtherType with its payload. VLAN ids are not part of the
// flow key, so tags are stepped over without being kept.
func decodeEthernet(data []byte) (uint16, []byte, error) {
	if len(data) < ethernetHeaderLen {
		return 0, nil, core.ErrPacketTooShort
	}

	etherType := binary.BigEndian.Uint16(data[12:14])
	offset := ethernetHeaderLen
	for tags := 0; isVLANTag(etherType); tags++ {
		if tags == maxVLANTags {
			return 0, nil, core.ErrUnsupportedProto
		}
		if len(data) < offset+vlanTagLen {
			return 0, nil, core.ErrPacketTooShort
		}
		// TCI(2) then the next EtherType(2)
		etherType = binary.BigEndian.Uint16(data[offset+2 : offset+4])
		offset += vlanTagLen
	}
	return etherType, data[offset:], nil
}
