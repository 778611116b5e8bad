package candidate

import (
	"testing"

	"rubin.dev/node/internal/blockindex"
	"rubin.dev/node/internal/header"
	"rubin.dev/node/internal/uint256"
)

// fakeStore is a minimal Store stub for unit-testing the set in
// isolation from blockstore.Store.
type fakeStore struct {
	children map[uint256.Hash]bool
	active   map[uint256.Hash]bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{children: map[uint256.Hash]bool{}, active: map[uint256.Hash]bool{}}
}

func (f *fakeStore) HasChildren(h uint256.Hash) bool  { return f.children[h] }
func (f *fakeStore) OnActiveChain(h uint256.Hash) bool { return f.active[h] }

func mkNode(t *testing.T, parent *blockindex.Node, bits uint32, nonce uint32) *blockindex.Node {
	t.Helper()
	h := header.Header{Bits: bits, Nonce: nonce}
	if parent == nil {
		h.Time = 1
		return blockindex.New(h, h.Hash(), 0)
	}
	h.PrevHash = parent.Hash()
	h.Time = parent.Header().Time + 1
	n := blockindex.NewChild(parent, h, h.Hash(), 0)
	n.RaiseValidationLevel(blockindex.TreeValid)
	return n
}

func TestTryAddRejectsNonLeaf(t *testing.T) {
	store := newFakeStore()
	genesis := mkNode(t, nil, 0x207fffff, 0)
	genesis.RaiseValidationLevel(blockindex.TreeValid)
	child := mkNode(t, genesis, 0x207fffff, 1)

	store.children[genesis.Hash()] = true

	set := New()
	if set.TryAdd(genesis, store) {
		t.Fatalf("genesis has a child; must not be added as a leaf candidate")
	}
	if !set.TryAdd(child, store) {
		t.Fatalf("child is a leaf and TREE-valid; must be added")
	}
}

func TestTryAddRemovesParentOnChildInsert(t *testing.T) {
	store := newFakeStore()
	genesis := mkNode(t, nil, 0x207fffff, 0)
	genesis.RaiseValidationLevel(blockindex.TreeValid)

	set := New()
	if !set.TryAdd(genesis, store) {
		t.Fatalf("genesis should be addable before it has children")
	}

	child := mkNode(t, genesis, 0x207fffff, 1)
	store.children[genesis.Hash()] = true
	if !set.TryAdd(child, store) {
		t.Fatalf("child should be addable")
	}
	if set.Contains(genesis) {
		t.Fatalf("genesis should have been evicted once it gained a child")
	}
	if !set.Contains(child) {
		t.Fatalf("child should be present")
	}
}

func TestFindMostWorkOrdersByChainworkThenHeightThenHash(t *testing.T) {
	store := newFakeStore()
	genesis := mkNode(t, nil, 0x207fffff, 0)
	genesis.RaiseValidationLevel(blockindex.TreeValid)

	a := mkNode(t, genesis, 0x207fffff, 1)
	b := mkNode(t, genesis, 0x207fffff, 2)

	set := New()
	set.TryAdd(a, store)
	set.TryAdd(b, store)

	best, ok := set.FindMostWork()
	if !ok {
		t.Fatalf("expected a candidate")
	}
	// Equal chainwork and height: the tie-break is the smaller hash.
	var want *blockindex.Node
	if a.Hash().Less(b.Hash()) {
		want = a
	} else {
		want = b
	}
	if best.Hash() != want.Hash() {
		t.Fatalf("tie-break picked the wrong node")
	}
}

func TestFindMostWorkSkipsFailedWithoutRemoving(t *testing.T) {
	store := newFakeStore()
	genesis := mkNode(t, nil, 0x207fffff, 0)
	genesis.RaiseValidationLevel(blockindex.TreeValid)
	a := mkNode(t, genesis, 0x207fffff, 1)

	set := New()
	set.TryAdd(a, store)
	a.MarkFailed(blockindex.ValidationFailed)

	if _, ok := set.FindMostWork(); ok {
		t.Fatalf("a failed entry must not be returned")
	}
	if !set.Contains(a) {
		t.Fatalf("FindMostWork must not remove the skipped entry itself")
	}
}

func TestPruneRemovesLowWorkOnChainAndFailedEntries(t *testing.T) {
	store := newFakeStore()
	genesis := mkNode(t, nil, 0x207fffff, 0)
	genesis.RaiseValidationLevel(blockindex.TreeValid)
	tip := mkNode(t, genesis, 0x207fffff, 1)
	tip.RaiseValidationLevel(blockindex.TreeValid)
	loser := mkNode(t, genesis, 0x207fffff, 2)
	failedSib := mkNode(t, genesis, 0x207fffff, 3)
	failedSib.MarkFailed(blockindex.ValidationFailed)

	set := New()
	set.AddUnchecked(genesis)
	set.AddUnchecked(tip)
	set.AddUnchecked(loser)
	set.AddUnchecked(failedSib)
	store.active[tip.Hash()] = true

	set.Prune(store, tip)

	if set.Contains(genesis) {
		t.Fatalf("an entry with less chainwork than the tip must be pruned")
	}
	if set.Contains(tip) {
		t.Fatalf("the active tip itself must be pruned")
	}
	if set.Contains(failedSib) {
		t.Fatalf("a failed entry must be pruned")
	}
	if !set.Contains(loser) {
		t.Fatalf("an equal-work sibling of the tip must be kept (not strictly less work)")
	}
}

func TestBestHeaderTracksHighestWorkRegardlessOfValidity(t *testing.T) {
	store := newFakeStore()
	genesis := mkNode(t, nil, 0x207fffff, 0)
	genesis.RaiseValidationLevel(blockindex.TreeValid)
	a := mkNode(t, genesis, 0x207fffff, 1)
	a.RaiseValidationLevel(blockindex.TreeValid)

	// b has more work than a but is left at UNKNOWN validity (not yet
	// TREE); TryAdd must still record it as the best header even though
	// it rejects adding it as a live candidate.
	h := header.Header{Bits: 0x207fffff, Nonce: 2, PrevHash: a.Hash(), Time: a.Header().Time + 1}
	b := blockindex.NewChild(a, h, h.Hash(), 0)

	set := New()
	set.TryAdd(genesis, store)
	set.TryAdd(a, store)
	if set.TryAdd(b, store) {
		t.Fatalf("b is not yet TREE-valid; TryAdd must not add it as a live candidate")
	}

	best, ok := set.BestHeader()
	if !ok || best.Hash() != b.Hash() {
		t.Fatalf("best header should track b even though it never validated to TREE")
	}
}
