// Package uint256 implements the 256-bit hash blob and the arbitrary
// precision arithmetic types the headers engine uses for proof-of-work
// targets and cumulative chainwork.
package uint256

import (
	"encoding/hex"
	"fmt"
)

// Hash is an opaque 32-byte blob, little-endian for arithmetic
// interpretation but rendered big-endian in hex strings (the reverse-byte
// convention shared by every hash in the engine).
type Hash [32]byte

// Zero is the all-zero hash (used as the prev-hash sentinel for genesis).
var Zero Hash

// IsZero reports whether h is the all-zero hash.
func (h Hash) IsZero() bool {
	return h == Zero
}

// Less implements the byte-wise lexicographic ordering used for
// candidate-tip tie-breaks: smaller hash wins. Comparison is over the
// raw byte representation, not the reversed hex rendering.
func (h Hash) Less(o Hash) bool {
	for i := range h {
		if h[i] != o[i] {
			return h[i] < o[i]
		}
	}
	return false
}

// String renders the hash in the conventional reverse-byte hex form.
func (h Hash) String() string {
	rev := make([]byte, 32)
	for i := range h {
		rev[i] = h[31-i]
	}
	return hex.EncodeToString(rev)
}

// HashFromHex parses the reverse-byte hex form back into a Hash.
func HashFromHex(s string) (Hash, error) {
	var h Hash
	b, err := hex.DecodeString(s)
	if err != nil {
		return h, fmt.Errorf("uint256: bad hex: %w", err)
	}
	if len(b) != 32 {
		return h, fmt.Errorf("uint256: want 32 bytes, got %d", len(b))
	}
	for i := range b {
		h[i] = b[31-i]
	}
	return h, nil
}
