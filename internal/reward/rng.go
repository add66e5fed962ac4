package reward

import (
	"encoding/binary"

	"github.com/zeebo/blake3"
)

// deriveStream expands a slot hash into a domain-separated 64-bit stream
// value. Separate domains let the same slot hash yield independent draws
// for the winning square and the top-miner sample without correlating them.
func deriveStream(slotHash [32]byte, domain byte) uint64 {
	h := blake3.New()
	h.Write(slotHash[:])
	h.Write([]byte{domain})
	sum := h.Sum(nil)
	return binary.LittleEndian.Uint64(sum[:8])
}

const (
	domainWinningSquare byte = 0x01
	domainTopMinerSample byte = 0x02
)

// WinningSquare derives the round's winning square (0..24) from its revealed
// slot hash.
func WinningSquare(slotHash [32]byte) int {
	return int(deriveStream(slotHash, domainWinningSquare) % 25)
}

// TopMinerSample derives the sampled offset into [0, denom) used to pick the
// single top-miner winner within the winning square. Callers must not call
// this when denom is zero.
func TopMinerSample(slotHash [32]byte, denom uint64) uint64 {
	if denom == 0 {
		return 0
	}
	return deriveStream(slotHash, domainTopMinerSample) % denom
}
