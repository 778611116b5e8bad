// Package randomx defines the seam between the headers engine and the
// external proof-of-work hasher. The real RandomX VM and its per-epoch
// cache are owned by the host process, never by this module; PowEngine
// only depends on the Hasher interface below.
package randomx

import (
	"fmt"

	"rubin.dev/node/internal/header"
	"rubin.dev/node/internal/uint256"
)

// Hasher computes the final RandomX output for a header under a given
// epoch key. epochKey identifies which RandomX dataset/cache applies
// (derived from block height and the configured epoch duration); real
// implementations swap datasets as the epoch rolls over, which is why the
// key — not a raw height — is the parameter here.
type Hasher interface {
	Hash(epochKey uint256.Hash, headerBytes []byte) (uint256.Hash, error)
}

// EpochKey derives the epoch identifier for a given height and epoch
// duration, measured in blocks rather than seconds: callers convert a
// height into an epoch index and hash that index's canonical
// little-endian encoding into a key. The headers engine does not fix a
// particular derivation; this helper gives PowEngine and the stub hasher
// a consistent one to share so tests are deterministic.
func EpochKey(height int64, epochBlocks int64) uint256.Hash {
	if epochBlocks <= 0 {
		epochBlocks = 1
	}
	epoch := height / epochBlocks
	var buf [8]byte
	for i := 0; i < 8; i++ {
		buf[i] = byte(epoch >> (8 * i))
	}
	first := hashBytes(buf[:])
	return first
}

// Stub is a deterministic, dataset-free stand-in for the real RandomX VM,
// built on BLAKE3 (github.com/zeebo/blake3, the hash library used
// elsewhere in the retrieval pack for the chain's content-addressing).
// It has no memory-hard dataset and is unsuitable for production PoW; it
// exists so tests, devnet, and set_skip_pow_checks-adjacent paths can
// exercise PowEngine.CheckFull's FULL/COMMITMENT_ONLY/MINING branches
// without a real VM.
type Stub struct{}

// NewStub constructs the in-process stub hasher.
func NewStub() *Stub { return &Stub{} }

// Hash mixes the epoch key into the header bytes and returns a BLAKE3
// digest, standing in for RandomX's memory-hard output.
func (s *Stub) Hash(epochKey uint256.Hash, headerBytes []byte) (uint256.Hash, error) {
	buf := make([]byte, 0, len(headerBytes)+len(epochKey))
	buf = append(buf, epochKey[:]...)
	buf = append(buf, headerBytes...)
	return hashBytes(buf), nil
}

// HashHeader is a convenience wrapper that clears the header's own
// randomx_hash field before hashing, matching FULL-mode verification's
// requirement to recompute over the header with that field zeroed.
func (s *Stub) HashHeader(epochKey uint256.Hash, h header.Header) (uint256.Hash, error) {
	h.RandomXHash = uint256.Hash{}
	return s.Hash(epochKey, h.Serialize())
}

// External documents the real integration point for a CGO-backed RandomX
// VM binding. It is intentionally unimplemented: RandomX's internals are
// out of scope for this module. A host that needs production-grade PoW
// verification supplies its own Hasher implementation wired to the real
// VM; this type exists only so the expected constructor shape is visible
// in the package.
type External struct{}

// NewExternal always fails: there is no in-process RandomX VM here.
func NewExternal() (*External, error) {
	return nil, fmt.Errorf("randomx: external VM binding not implemented in this module")
}

// Hash implements Hasher but always fails, since External carries no VM.
func (e *External) Hash(uint256.Hash, []byte) (uint256.Hash, error) {
	return uint256.Hash{}, fmt.Errorf("randomx: external VM binding not implemented in this module")
}
