// Package candidate implements the work-ordered set of leaf candidates
// (spec component C5): the structure ChainstateManager asks "what is the
// most-work valid leaf?" and that activate_best_chain keeps pruned down
// to exactly the leaves still worth considering.
//
// Grounded on node/store/work.go and consensus/fork_choice.go for the
// chainwork comparison idiom, generalized from a scalar "best tip"
// variable into a small ordered set so ties and alternate branches
// survive across activate_best_chain calls (S2/S3/S5 in the project's
// scenario tests).
package candidate

import (
	"rubin.dev/node/internal/blockindex"
	"rubin.dev/node/internal/uint256"
)

// Store is the read-only view of the block index CandidateSet needs:
// whether a node currently has any children (leaf test) and whether a
// hash sits on the active chain (prune test). *blockstore.Store
// satisfies this directly.
type Store interface {
	HasChildren(hash uint256.Hash) bool
	OnActiveChain(hash uint256.Hash) bool
}

// Set is the sorted set of candidate leaves, ordered by the strict weak
// order greater-chainwork, then greater-height, then smaller-hash. It is
// not itself safe for concurrent use: callers hold chainstate's
// engine-wide lock for every operation, per the project's concurrency
// model.
type Set struct {
	entries    []*blockindex.Node
	index      map[uint256.Hash]int // hash -> position in entries, kept in sync
	bestHeader *blockindex.Node
}

// New constructs an empty candidate set.
func New() *Set {
	return &Set{index: make(map[uint256.Hash]int)}
}

// less reports whether a sorts strictly before b: greater chainwork
// first, tie broken by greater height, tie broken by smaller hash. This
// comparator is deliberately different from a receive-sequence tie
// break; it must be followed exactly for deterministic cross-peer
// tie-breaks (see the project's design notes on the candidate
// comparator).
func less(a, b *blockindex.Node) bool {
	if c := a.Chainwork().Cmp(b.Chainwork()); c != 0 {
		return c > 0
	}
	if a.Height() != b.Height() {
		return a.Height() > b.Height()
	}
	return a.Hash().Less(b.Hash())
}

// reindex rebuilds the hash -> position map after entries has been
// mutated in place (insert/remove both shift positions).
func (s *Set) reindex() {
	for i, n := range s.entries {
		s.index[n.Hash()] = i
	}
}

// insertSorted places node into entries at its sorted position. Linear
// scan: candidate sets hold a handful of competing leaves at any time,
// so a binary search buys nothing here.
func (s *Set) insertSorted(node *blockindex.Node) {
	i := 0
	for i < len(s.entries) && less(s.entries[i], node) {
		i++
	}
	s.entries = append(s.entries, nil)
	copy(s.entries[i+1:], s.entries[i:])
	s.entries[i] = node
	s.reindex()
}

// removeAt removes the entry at position i.
func (s *Set) removeAt(i int) {
	h := s.entries[i].Hash()
	s.entries = append(s.entries[:i], s.entries[i+1:]...)
	delete(s.index, h)
	s.reindex()
}

// Contains reports whether node is currently in the set.
func (s *Set) Contains(node *blockindex.Node) bool {
	_, ok := s.index[node.Hash()]
	return ok
}

// Remove removes node from the set if present. A no-op otherwise.
func (s *Set) Remove(node *blockindex.Node) {
	if i, ok := s.index[node.Hash()]; ok {
		s.removeAt(i)
	}
}

// Clear empties the set (the best-header observer is untouched: it
// tracks the highest-work header ever seen, independent of the set's
// current leaf membership).
func (s *Set) Clear() {
	s.entries = nil
	s.index = make(map[uint256.Hash]int)
}

// AddUnchecked inserts node without the leaf/validity checks TryAdd
// performs, for callers (invalidate_block's cascade) that have already
// established those preconditions themselves.
func (s *Set) AddUnchecked(node *blockindex.Node) {
	if s.Contains(node) {
		return
	}
	s.updateBestHeader(node)
	s.insertSorted(node)
}

// TryAdd inserts node iff it is valid to TREE and currently a leaf in
// store. If node's parent is already present in the set, the parent is
// removed in the same operation, since the set must contain only
// current leaves (a node that just gained a child is no longer one).
// Returns whether node was added.
func (s *Set) TryAdd(node *blockindex.Node, store Store) bool {
	s.updateBestHeader(node)
	if !node.IsValid(blockindex.TreeValid) {
		return false
	}
	if store.HasChildren(node.Hash()) {
		return false
	}
	if parent := node.Parent(); parent != nil && s.Contains(parent) {
		s.Remove(parent)
	}
	if s.Contains(node) {
		return true
	}
	s.insertSorted(node)
	return true
}

// updateBestHeader records node as the best-header observer if it beats
// the current one on chainwork, independent of validity or leaf status:
// the best-header pointer tracks the highest-work header ever observed,
// even if it never becomes (or stops being) a live candidate.
func (s *Set) updateBestHeader(node *blockindex.Node) {
	if s.bestHeader == nil || node.Chainwork().Cmp(s.bestHeader.Chainwork()) > 0 {
		s.bestHeader = node
	}
}

// BestHeader returns the highest-work node ever observed via TryAdd or
// AddUnchecked, which need not be on the active chain or currently
// valid for activation.
func (s *Set) BestHeader() (*blockindex.Node, bool) {
	return s.bestHeader, s.bestHeader != nil
}

// NoteObserved updates the best-header observer for node without
// touching set membership. accept_header calls this the moment a header
// is raised to TREE validity (spec.md §4.7 step 11), before the
// separate try_add_candidate step decides whether node belongs in the
// live candidate set.
func (s *Set) NoteObserved(node *blockindex.Node) {
	s.updateBestHeader(node)
}

// FindMostWork walks the set from the front (most preferred first),
// skipping any entry that has since become failed or lost TREE
// validity, and returns the first entry that still satisfies both. It
// does not remove skipped entries; that is Prune's job.
func (s *Set) FindMostWork() (*blockindex.Node, bool) {
	for _, n := range s.entries {
		if n.IsValid(blockindex.TreeValid) {
			return n, true
		}
	}
	return nil, false
}

// Prune removes, relative to the current active tip (which may be nil
// before genesis is installed):
//   - entries with strictly less chainwork than the tip,
//   - the tip itself,
//   - any entry that lies on the active chain,
//   - any entry that has acquired children since being added,
//   - any entry that has been marked failed.
func (s *Set) Prune(store Store, tip *blockindex.Node) {
	if len(s.entries) == 0 {
		return
	}
	kept := s.entries[:0:0]
	for _, n := range s.entries {
		if tip != nil {
			if n.Chainwork().Cmp(tip.Chainwork()) < 0 {
				continue
			}
			if n.Hash() == tip.Hash() {
				continue
			}
		}
		if store.OnActiveChain(n.Hash()) {
			continue
		}
		if store.HasChildren(n.Hash()) {
			continue
		}
		if n.Failure() != blockindex.NotFailed {
			continue
		}
		kept = append(kept, n)
	}
	s.entries = kept
	s.reindex()
}

// Len returns the number of entries currently in the set.
func (s *Set) Len() int { return len(s.entries) }

// Entries returns the set's current members in sorted (most-preferred
// first) order. The returned slice is owned by the caller.
func (s *Set) Entries() []*blockindex.Node {
	out := make([]*blockindex.Node, len(s.entries))
	copy(out, s.entries)
	return out
}
