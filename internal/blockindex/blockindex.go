// Package blockindex implements the per-header index node: frozen
// height/chainwork/hash fields, the two-axis validation status, and the
// skip-list ancestry that gives O(log height) ancestor walks.
//
// Nodes are created exactly once and never copied or relocated — every
// pointer into a node (parent, skip, candidate-set entries) stays valid
// for the node's lifetime, matching the reference engine's reliance on a
// key-stable map (see the project's design notes on pointer stability).
package blockindex

import (
	"rubin.dev/node/internal/header"
	"rubin.dev/node/internal/pow"
	"rubin.dev/node/internal/uint256"
)

// ValidationLevel is monotonically non-decreasing over a node's life.
type ValidationLevel int

const (
	Unknown ValidationLevel = iota
	HeaderValid
	TreeValid
)

// Failure records why a node stopped being eligible for activation.
type Failure int

const (
	NotFailed Failure = iota
	ValidationFailed
	AncestorFailed
)

// Node is one entry in the block index. Height, chainwork, and hash are
// frozen at construction: CandidateSet's ordering depends on them never
// changing after insertion, so nothing in this package exposes a setter
// for them.
type Node struct {
	hash   uint256.Hash
	header header.Header

	parent *Node
	skip   *Node

	height    int64
	chainwork uint256.ArithUint256
	timeMax   uint32

	timeReceived int64

	validationLevel ValidationLevel
	failure         Failure
}

// New constructs the genesis node: no parent, height 0, chainwork equal
// to genesis's own proof.
func New(h header.Header, hash uint256.Hash, timeReceived int64) *Node {
	return &Node{
		hash:            hash,
		header:          h,
		parent:          nil,
		skip:            nil,
		height:          0,
		chainwork:       pow.Proof(h.Bits),
		timeMax:         h.Time,
		timeReceived:    timeReceived,
		validationLevel: Unknown,
		failure:         NotFailed,
	}
}

// NewChild constructs a node extending parent. Height, chainwork, and
// time_max are derived exactly as the persistence and acceptance paths
// require (store invariants I1/I2 in the project's testable properties).
func NewChild(parent *Node, h header.Header, hash uint256.Hash, timeReceived int64) *Node {
	n := &Node{
		hash:            hash,
		header:          h,
		parent:          parent,
		height:          parent.height + 1,
		chainwork:       parent.chainwork.Add(pow.Proof(h.Bits)),
		timeMax:         maxU32(parent.timeMax, h.Time),
		timeReceived:    timeReceived,
		validationLevel: Unknown,
		failure:         NotFailed,
	}
	n.skip = computeSkip(n)
	return n
}

func maxU32(a, b uint32) uint32 {
	if a > b {
		return a
	}
	return b
}

// Hash returns the node's frozen header hash.
func (n *Node) Hash() uint256.Hash { return n.hash }

// Header returns a copy of the node's header fields.
func (n *Node) Header() header.Header { return n.header }

// Parent returns the node's parent, or nil for genesis.
func (n *Node) Parent() *Node { return n.parent }

// Height returns the node's frozen height (part of the pow.AncestorView
// contract ASERT retargeting uses).
func (n *Node) Height() int64 { return n.height }

// Time returns the node's own header timestamp (part of
// pow.AncestorView).
func (n *Node) Time() uint32 { return n.header.Time }

// Bits returns the node's own compact target (part of pow.AncestorView).
func (n *Node) Bits() uint32 { return n.header.Bits }

// TimeMax returns the maximum header time along this node's ancestry,
// inclusive.
func (n *Node) TimeMax() uint32 { return n.timeMax }

// Chainwork returns the node's frozen cumulative chainwork.
func (n *Node) Chainwork() uint256.ArithUint256 { return n.chainwork }

// TimeReceived returns when this node was first accepted into the index
// (process time, not header time).
func (n *Node) TimeReceived() int64 { return n.timeReceived }

// ValidationLevel returns the node's current validation level.
func (n *Node) ValidationLevel() ValidationLevel { return n.validationLevel }

// Failure returns the node's current failure status.
func (n *Node) Failure() Failure { return n.failure }

// RaiseValidationLevel advances validation_level, refusing to lower it
// (the level is monotonically non-decreasing per the data model).
func (n *Node) RaiseValidationLevel(level ValidationLevel) {
	if level > n.validationLevel {
		n.validationLevel = level
	}
}

// MarkFailed sets the node's failure reason. Once failed, a node never
// becomes unfailed.
func (n *Node) MarkFailed(f Failure) {
	n.failure = f
}

// IsValid reports whether the node is unfailed and at least as valid as
// required.
func (n *Node) IsValid(required ValidationLevel) bool {
	return n.failure == NotFailed && n.validationLevel >= required
}

// IsLeaf reports whether n has no children, given a lookup of children by
// parent hash. Callers (BlockStore) own the child index; Node itself has
// no back-reference to children since that set changes as new headers
// arrive and would otherwise require every node to be mutable in a way
// that could race with the frozen-field contract above.
func (n *Node) IsLeaf(hasChildren func(hash uint256.Hash) bool) bool {
	return !hasChildren(n.hash)
}

// skipHeight computes the ancestor height used for the node's second
// back-pointer: 0 below height 2, the even-height "unset lowest bit"
// shortcut for even heights, and one more than the previous odd height's
// skip height for odd heights. This is the O(log h) ancestry scheme.
func skipHeight(h int64) int64 {
	if h < 2 {
		return 0
	}
	if h%2 == 0 {
		return h & (h - 1)
	}
	return skipHeight(h-1) + 1
}

// computeSkip finds the node at skipHeight(n.height) by delegating to
// the parent's own (already-built) ancestor walk, matching the
// reference engine's BuildSkip, which calls pprev->GetAncestor on the
// newly computed skip height.
func computeSkip(n *Node) *Node {
	if n.parent == nil {
		return nil
	}
	target := skipHeight(n.height)
	anc, ok := n.parent.AncestorAtHeight(target)
	if !ok {
		return nil
	}
	return anc
}

// AncestorAtHeight walks skip and parent pointers to find the ancestor
// of n at the given height in O(log(n.height - height)) steps, picking
// whichever pointer advances furthest without passing the target.
func (n *Node) AncestorAtHeight(height int64) (*Node, bool) {
	if height < 0 || height > n.height {
		return nil, false
	}
	cur := n
	for cur.height > height {
		if cur.skip != nil && cur.skip.height >= height {
			cur = cur.skip
		} else {
			cur = cur.parent
		}
		if cur == nil {
			return nil, false
		}
	}
	return cur, cur.height == height
}

// AncestorAtHeight satisfies pow.AncestorView by widening *Node's typed
// ancestor result into the interface.
type powAncestorAdapter struct{ *Node }

func (a powAncestorAdapter) AncestorAtHeight(height int64) (pow.AncestorView, bool) {
	anc, ok := a.Node.AncestorAtHeight(height)
	if !ok {
		return nil, false
	}
	return powAncestorAdapter{anc}, true
}

// AsPowAncestorView adapts n to pow.AncestorView for use with
// pow.NextWorkRequired.
func (n *Node) AsPowAncestorView() pow.AncestorView {
	return powAncestorAdapter{n}
}

// LastCommonAncestor finds the highest node that is an ancestor of both
// a and b, aligning heights first and then walking parents in lockstep.
// Returns nil if the two nodes do not share a genesis.
func LastCommonAncestor(a, b *Node) *Node {
	if a == nil || b == nil {
		return nil
	}
	if a.height > b.height {
		a, _ = a.AncestorAtHeight(b.height)
	} else if b.height > a.height {
		b, _ = b.AncestorAtHeight(a.height)
	}
	if a == nil || b == nil {
		return nil
	}
	for a != b {
		a = a.parent
		b = b.parent
		if a == nil || b == nil {
			return nil
		}
	}
	return a
}
