package backend

import (
	"fmt"
)

// recomputeSize derives TPACKET ring geometry from a memory budget.
//
// AF_PACKET PACKET_MMAP requires:
// 1. frameSize is a multiple of TPACKET_ALIGNMENT (16 bytes)
// 2. blockSize is a multiple of pageSize
// 3. blockSize is a multiple of frameSize
// 4. blockSize * numBlocks approximates the budget
func recomputeSize(ringBytes, snapLen, pageSize int) (frameSize, blockSize, numBlocks int, err error) {
	const tpacketAlignment = 16
	const tpacketHdrLen = 52 // TPACKET3_HDRLEN, approximate
	const maxBlockSize = 4 << 20

	if ringBytes <= 0 {
		return 0, 0, 0, fmt.Errorf("ring size must be positive, got %d", ringBytes)
	}
	if snapLen <= 0 {
		return 0, 0, 0, fmt.Errorf("snapLen must be positive, got %d", snapLen)
	}
	if pageSize <= 0 || pageSize%tpacketAlignment != 0 {
		return 0, 0, 0, fmt.Errorf("pageSize must be positive and multiple of %d, got %d", tpacketAlignment, pageSize)
	}

	frameSize = (tpacketHdrLen + snapLen + tpacketAlignment - 1) / tpacketAlignment * tpacketAlignment

	blockSize = max(lcm(pageSize, frameSize), pageSize, frameSize)
	if blockSize > maxBlockSize {
		// LCM too large: fit as many frames as a 4MB block holds, page aligned
		blockSize = (maxBlockSize / frameSize) * frameSize
		blockSize = (blockSize + pageSize - 1) / pageSize * pageSize
	}

	numBlocks = max(ringBytes/blockSize, 1)
	return frameSize, blockSize, numBlocks, nil
}

func gcd(a, b int) int {
	for b != 0 {
		a, b = b, a%b
	}
	return a
}

func lcm(a, b int) int {
	if a == 0 || b == 0 {
		return 0
	}
	return a / gcd(a, b) * b
}
