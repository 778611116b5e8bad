package header

import (
	"bytes"
	"crypto/sha256"
	"testing"

	"rubin.dev/node/internal/uint256"
)

func sampleHeader() Header {
	var h Header
	h.Version = 1
	for i := range h.PrevHash {
		h.PrevHash[i] = byte(i)
	}
	for i := range h.MinerAddress {
		h.MinerAddress[i] = byte(0xa0 + i)
	}
	h.Time = 1_700_000_000
	h.Bits = 0x1d00ffff
	h.Nonce = 42
	for i := range h.RandomXHash {
		h.RandomXHash[i] = byte(0xff - i)
	}
	return h
}

func TestSerializeSize(t *testing.T) {
	h := sampleHeader()
	b := h.Serialize()
	if len(b) != Size {
		t.Fatalf("got %d bytes, want %d", len(b), Size)
	}
}

func TestParseSerializeRoundTrip(t *testing.T) {
	h := sampleHeader()
	b := h.Serialize()
	got, err := Parse(b)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if got != h {
		t.Fatalf("round-trip mismatch: got %+v want %+v", got, h)
	}
}

func TestParseRejectsWrongLength(t *testing.T) {
	h := sampleHeader()
	b := h.Serialize()
	if _, err := Parse(b[:Size-1]); err == nil {
		t.Fatalf("expected error on truncated input")
	}
	if _, err := Parse(append(b, 0x00)); err == nil {
		t.Fatalf("expected error on trailing byte")
	}
}

func TestHashIsDeterministicAndSensitiveToNonce(t *testing.T) {
	h1 := sampleHeader()
	h2 := sampleHeader()
	if h1.Hash() != h2.Hash() {
		t.Fatalf("identical headers must hash identically")
	}
	h2.Nonce++
	if h1.Hash() == h2.Hash() {
		t.Fatalf("changing nonce must change hash")
	}
}

func TestHashIsDoubleSHA256(t *testing.T) {
	h := sampleHeader()
	got := h.Hash()
	if got.IsZero() {
		t.Fatalf("hash should not be zero for a populated header")
	}
	first := sha256.Sum256(h.Serialize())
	if want := uint256.Hash(sha256.Sum256(first[:])); got != want {
		t.Fatalf("Hash() = %x, want SHA-256(SHA-256(serialized)) = %x", got, want)
	}
	// Re-parsing the serialized bytes must produce the same hash, proving
	// Hash operates on the exact on-wire layout rather than struct order.
	parsed, err := Parse(h.Serialize())
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if parsed.Hash() != got {
		t.Fatalf("hash mismatch after reparse")
	}
}

func TestIsGenesisShaped(t *testing.T) {
	h := sampleHeader()
	if h.IsGenesisShaped() {
		t.Fatalf("sample header has non-zero prev hash")
	}
	h.PrevHash = uint256.Zero
	if !h.IsGenesisShaped() {
		t.Fatalf("zero prev hash should be genesis-shaped")
	}
}

func TestHasRandomXHash(t *testing.T) {
	h := sampleHeader()
	if !h.HasRandomXHash() {
		t.Fatalf("sample header has a non-zero randomx hash")
	}
	h.RandomXHash = uint256.Hash{}
	if h.HasRandomXHash() {
		t.Fatalf("zero randomx hash should report false")
	}
}

func TestFieldOrderMattersToHash(t *testing.T) {
	h := sampleHeader()
	b := h.Serialize()
	mutated := make([]byte, len(b))
	copy(mutated, b)
	mutated[0] ^= 0x01 // flip a bit in Version
	mh, err := Parse(mutated)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if bytes.Equal(mh.Serialize(), b) {
		t.Fatalf("mutated version should change serialization")
	}
	if mh.Hash() == h.Hash() {
		t.Fatalf("mutated version should change hash")
	}
}
