package randomx

import (
	"github.com/zeebo/blake3"

	"rubin.dev/node/internal/uint256"
)

// hashBytes computes a BLAKE3-256 digest, the stub hasher's substitute
// for RandomX's memory-hard output.
func hashBytes(data []byte) uint256.Hash {
	sum := blake3.Sum256(data)
	return uint256.Hash(sum)
}
