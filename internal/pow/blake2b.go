package pow

import (
	"golang.org/x/crypto/blake2b"

	"rubin.dev/node/internal/uint256"
)

// blake2b256 computes a BLAKE2b-256 digest, the commitment pre-check
// hash. golang.org/x/crypto is the teacher's own dependency; its
// blake2b/sha3 family backs crypto/devstd.go's default (non-HSM) crypto
// provider, which this module follows for the commitment digest.
func blake2b256(data []byte) uint256.Hash {
	sum := blake2b.Sum256(data)
	return uint256.Hash(sum)
}
