package blockstore

import (
	"os"
	"path/filepath"
	"testing"

	"rubin.dev/node/internal/blockindex"
	"rubin.dev/node/internal/header"
	"rubin.dev/node/internal/uint256"
)

func mkHeader(prev uint256.Hash, bits, nonce uint32) header.Header {
	var h header.Header
	h.Version = 1
	h.PrevHash = prev
	h.Bits = bits
	h.Nonce = nonce
	return h
}

func newTestStore(t *testing.T) (*Store, uint256.Hash) {
	t.Helper()
	gh := mkHeader(uint256.Zero, 0x1d00ffff, 0)
	s := New()
	genesis, err := s.InitGenesis(gh, gh.Hash(), 0)
	if err != nil {
		t.Fatalf("InitGenesis: %v", err)
	}
	return s, genesis.Hash()
}

func mustLookup(t *testing.T, s *Store, hash uint256.Hash) *blockindex.Node {
	t.Helper()
	n, ok := s.Lookup(hash)
	if !ok {
		t.Fatalf("expected node %s to be present", hash)
	}
	return n
}

func TestInitGenesisRejectsMismatch(t *testing.T) {
	gh := mkHeader(uint256.Zero, 0x1d00ffff, 0)
	s := New()
	if _, err := s.InitGenesis(gh, uint256.Hash{0x01}, 0); err == nil {
		t.Fatalf("expected mismatch error")
	}
}

func TestAddHeaderRequiresKnownParent(t *testing.T) {
	s, _ := newTestStore(t)
	h := mkHeader(uint256.Hash{0xde, 0xad}, 0x1d00ffff, 1)
	if _, err := s.AddHeader(h, 1); err == nil {
		t.Fatalf("expected error for unknown parent")
	}
}

func TestAddHeaderRefusesSecondGenesis(t *testing.T) {
	s, _ := newTestStore(t)
	gh2 := mkHeader(uint256.Zero, 0x1d00ffff, 99)
	if _, err := s.AddHeader(gh2, 1); err == nil {
		t.Fatalf("expected error for a second genesis-shaped header")
	}
}

func TestSetActiveTipAndHeight(t *testing.T) {
	s, genesisHash := newTestStore(t)
	h1 := mkHeader(genesisHash, 0x1d00ffff, 1)
	n1, err := s.AddHeader(h1, 1)
	if err != nil {
		t.Fatalf("AddHeader: %v", err)
	}
	s.SetActiveTip(n1)
	if s.Height() != 1 {
		t.Fatalf("expected height 1, got %d", s.Height())
	}
	if s.Tip().Hash() != n1.Hash() {
		t.Fatalf("tip mismatch")
	}
	if !s.OnActiveChain(genesisHash) {
		t.Fatalf("genesis should be on active chain")
	}
}

func TestHasChildrenAndCount(t *testing.T) {
	s, genesisHash := newTestStore(t)
	if s.HasChildren(genesisHash) {
		t.Fatalf("fresh genesis should have no children")
	}
	h1 := mkHeader(genesisHash, 0x1d00ffff, 1)
	if _, err := s.AddHeader(h1, 1); err != nil {
		t.Fatalf("AddHeader: %v", err)
	}
	if !s.HasChildren(genesisHash) {
		t.Fatalf("genesis should now have a child")
	}
	if s.Count() != 2 {
		t.Fatalf("expected 2 nodes, got %d", s.Count())
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	s, genesisHash := newTestStore(t)
	cur := genesisHash
	var tipChainwork uint256.ArithUint256
	for i := 1; i <= 5; i++ {
		h := mkHeader(cur, 0x1d00ffff, uint32(i))
		n, err := s.AddHeader(h, int64(i))
		if err != nil {
			t.Fatalf("AddHeader: %v", err)
		}
		cur = n.Hash()
		tipChainwork = n.Chainwork()
	}
	genesis, _ := s.Lookup(genesisHash)
	s.SetActiveTip(mustLookup(t, s, cur))

	dir := t.TempDir()
	path := filepath.Join(dir, "snapshot.json")
	if err := s.Save(path); err != nil {
		t.Fatalf("Save: %v", err)
	}

	loaded, err := Load(path, genesisHash)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded.Count() != s.Count() {
		t.Fatalf("node count mismatch: got %d want %d", loaded.Count(), s.Count())
	}
	reloadedTip, ok := loaded.Lookup(cur)
	if !ok {
		t.Fatalf("expected tip node to survive reload")
	}
	if reloadedTip.Chainwork().Cmp(tipChainwork) != 0 {
		t.Fatalf("chainwork mismatch after reload: got %v want %v", reloadedTip.Chainwork().Big(), tipChainwork.Big())
	}
	if _, ok := loaded.Lookup(genesis.Hash()); !ok {
		t.Fatalf("expected genesis to survive reload")
	}
}

func TestMirrorSyncAndRebuildRoundTrip(t *testing.T) {
	s, genesisHash := newTestStore(t)
	cur := genesisHash
	var tipChainwork uint256.ArithUint256
	for i := 1; i <= 5; i++ {
		h := mkHeader(cur, 0x1d00ffff, uint32(i))
		n, err := s.AddHeader(h, int64(i))
		if err != nil {
			t.Fatalf("AddHeader: %v", err)
		}
		cur = n.Hash()
		tipChainwork = n.Chainwork()
	}

	dir := t.TempDir()
	path := filepath.Join(dir, "mirror.bbolt")
	mirror, err := OpenMirror(path)
	if err != nil {
		t.Fatalf("OpenMirror: %v", err)
	}
	for _, n := range s.AllNodes() {
		if err := mirror.SyncNode(n); err != nil {
			t.Fatalf("SyncNode: %v", err)
		}
	}
	if err := mirror.SetMeta(cur, genesisHash); err != nil {
		t.Fatalf("SetMeta: %v", err)
	}
	if err := mirror.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	reopened, err := OpenMirror(path)
	if err != nil {
		t.Fatalf("re-OpenMirror: %v", err)
	}
	defer reopened.Close()

	rebuilt, err := RebuildFromMirror(reopened, genesisHash)
	if err != nil {
		t.Fatalf("RebuildFromMirror: %v", err)
	}
	if rebuilt.Count() != s.Count() {
		t.Fatalf("node count mismatch: got %d want %d", rebuilt.Count(), s.Count())
	}
	reloadedTip, ok := rebuilt.Lookup(cur)
	if !ok {
		t.Fatalf("expected tip node to survive rebuild")
	}
	if reloadedTip.Chainwork().Cmp(tipChainwork) != 0 {
		t.Fatalf("chainwork mismatch after rebuild: got %v want %v", reloadedTip.Chainwork().Big(), tipChainwork.Big())
	}
	if reloadedTip.ValidationLevel() != blockindex.Unknown {
		t.Fatalf("expected rebuilt node validation status to be untrusted, got %v", reloadedTip.ValidationLevel())
	}
}

func TestRebuildFromMirrorRejectsWrongGenesis(t *testing.T) {
	s, _ := newTestStore(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "mirror.bbolt")
	mirror, err := OpenMirror(path)
	if err != nil {
		t.Fatalf("OpenMirror: %v", err)
	}
	defer mirror.Close()
	for _, n := range s.AllNodes() {
		if err := mirror.SyncNode(n); err != nil {
			t.Fatalf("SyncNode: %v", err)
		}
	}
	if _, err := RebuildFromMirror(mirror, uint256.Hash{0x42}); err == nil {
		t.Fatalf("expected genesis mismatch error")
	}
}

func TestLoadRejectsWrongGenesis(t *testing.T) {
	s, _ := newTestStore(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "snapshot.json")
	if err := s.Save(path); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if _, err := Load(path, uint256.Hash{0x42}); err == nil {
		t.Fatalf("expected genesis mismatch error")
	}
}

func TestLoadRejectsUnknownVersion(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.json")
	if err := os.WriteFile(path, []byte(`{"version":999,"genesis_hash":"00"}`), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if _, err := Load(path, uint256.Hash{}); err == nil {
		t.Fatalf("expected version mismatch error")
	}
}

func TestLocatorIncludesGenesisAndTip(t *testing.T) {
	s, genesisHash := newTestStore(t)
	cur := genesisHash
	var tipHash uint256.Hash
	for i := 1; i <= 30; i++ {
		h := mkHeader(cur, 0x1d00ffff, uint32(i))
		n, err := s.AddHeader(h, int64(i))
		if err != nil {
			t.Fatalf("AddHeader: %v", err)
		}
		cur = n.Hash()
		tipHash = n.Hash()
	}
	s.SetActiveTip(mustLookup(t, s, tipHash))
	loc := s.Locator()
	if len(loc) == 0 {
		t.Fatalf("expected a non-empty locator")
	}
	if loc[0] != tipHash {
		t.Fatalf("locator should start at the tip")
	}
	if loc[len(loc)-1] != genesisHash {
		t.Fatalf("locator should end at genesis")
	}
}
