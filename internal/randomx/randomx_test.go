package randomx

import (
	"testing"

	"rubin.dev/node/internal/header"
	"rubin.dev/node/internal/uint256"
)

func TestStubHashDeterministic(t *testing.T) {
	s := NewStub()
	key := EpochKey(100, 2880)
	h1, err := s.Hash(key, []byte("header bytes"))
	if err != nil {
		t.Fatalf("Hash: %v", err)
	}
	h2, err := s.Hash(key, []byte("header bytes"))
	if err != nil {
		t.Fatalf("Hash: %v", err)
	}
	if h1 != h2 {
		t.Fatalf("stub hash must be deterministic")
	}
}

func TestStubHashSensitiveToEpoch(t *testing.T) {
	s := NewStub()
	k1 := EpochKey(0, 2880)
	k2 := EpochKey(2880, 2880)
	if k1 == k2 {
		t.Fatalf("different epochs should yield different keys")
	}
	h1, _ := s.Hash(k1, []byte("x"))
	h2, _ := s.Hash(k2, []byte("x"))
	if h1 == h2 {
		t.Fatalf("hash should vary with epoch key")
	}
}

func TestHashHeaderClearsRandomXField(t *testing.T) {
	s := NewStub()
	var h header.Header
	h.Version = 1
	h.RandomXHash = uint256.Hash{0xff}
	key := EpochKey(0, 1)
	withField, err := s.HashHeader(key, h)
	if err != nil {
		t.Fatalf("HashHeader: %v", err)
	}
	h.RandomXHash = uint256.Hash{0xee}
	withDifferentField, err := s.HashHeader(key, h)
	if err != nil {
		t.Fatalf("HashHeader: %v", err)
	}
	if withField != withDifferentField {
		t.Fatalf("HashHeader must ignore the existing randomx_hash field")
	}
}

func TestExternalIsUnimplemented(t *testing.T) {
	if _, err := NewExternal(); err == nil {
		t.Fatalf("expected NewExternal to report unimplemented")
	}
}
