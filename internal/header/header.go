// Package header implements the fixed-size block header record: its
// canonical 100-byte serialization and its double-SHA-256 hash.
//
// This is the headers-only analogue of the pack's tx/block wire codecs
// (rubin-protocol consensus/parse.go, consensus/parse_header_bytes.go):
// fixed-width little-endian field layout, a cursor-based reader, and a
// hash helper that always operates on the exact on-wire bytes.
package header

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"

	"rubin.dev/node/internal/uint256"
)

// Size is the canonical wire size of a BlockHeader in bytes.
const Size = 100

// Header is the fixed-size (100-byte) block header record.
type Header struct {
	Version      uint32
	PrevHash     uint256.Hash
	MinerAddress [20]byte
	Time         uint32
	Bits         uint32
	Nonce        uint32
	RandomXHash  uint256.Hash
}

// Serialize writes the canonical 100-byte little-endian encoding.
// Any change to field layout, ordering, or endianness here would change
// every stored hash and fork the network.
func (h Header) Serialize() []byte {
	buf := make([]byte, 0, Size)
	buf = binary.LittleEndian.AppendUint32(buf, h.Version)
	buf = append(buf, h.PrevHash[:]...)
	buf = append(buf, h.MinerAddress[:]...)
	buf = binary.LittleEndian.AppendUint32(buf, h.Time)
	buf = binary.LittleEndian.AppendUint32(buf, h.Bits)
	buf = binary.LittleEndian.AppendUint32(buf, h.Nonce)
	buf = append(buf, h.RandomXHash[:]...)
	return buf
}

// Parse decodes a canonical 100-byte header, rejecting trailing or
// truncated input.
func Parse(b []byte) (Header, error) {
	if len(b) != Size {
		return Header{}, fmt.Errorf("header: want %d bytes, got %d", Size, len(b))
	}
	var h Header
	off := 0
	h.Version = binary.LittleEndian.Uint32(b[off:])
	off += 4
	copy(h.PrevHash[:], b[off:off+32])
	off += 32
	copy(h.MinerAddress[:], b[off:off+20])
	off += 20
	h.Time = binary.LittleEndian.Uint32(b[off:])
	off += 4
	h.Bits = binary.LittleEndian.Uint32(b[off:])
	off += 4
	h.Nonce = binary.LittleEndian.Uint32(b[off:])
	off += 4
	copy(h.RandomXHash[:], b[off:off+32])
	off += 32
	if off != Size {
		return Header{}, fmt.Errorf("header: internal layout mismatch")
	}
	return h, nil
}

// Hash returns the canonical double-SHA-256 hash of the header's
// 100-byte serialization.
func (h Header) Hash() uint256.Hash {
	first := sha256.Sum256(h.Serialize())
	second := sha256.Sum256(first[:])
	return uint256.Hash(second)
}

// IsGenesisShaped reports whether this header's PrevHash marks it as a
// genesis candidate (all-zero prev_hash). It says nothing about whether
// the header actually matches the configured genesis hash — that check
// belongs to the caller.
func (h Header) IsGenesisShaped() bool {
	return h.PrevHash.IsZero()
}

// HasRandomXHash reports whether the PoW output field has been filled in
// (it is legitimately zero only while a header is still being mined).
func (h Header) HasRandomXHash() bool {
	return !h.RandomXHash.IsZero()
}
