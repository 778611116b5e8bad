// Package blockstore implements the key-stable block index map and the
// active-chain vector, plus the insertion and tip-reassignment
// operations the chainstate manager drives. Persistence lives in
// persist.go.
package blockstore

import (
	"fmt"

	"rubin.dev/node/internal/blockindex"
	"rubin.dev/node/internal/header"
	"rubin.dev/node/internal/uint256"
)

// Store owns the hash -> Node map. Nodes are never removed or relocated
// once inserted (pointer stability): callers may retain a *blockindex.Node
// across calls without re-looking it up, as long as they hold no
// assumption about the active chain remaining unchanged.
type Store struct {
	genesisHash uint256.Hash
	nodes       map[uint256.Hash]*blockindex.Node
	children    map[uint256.Hash]map[uint256.Hash]struct{}
	activeChain []*blockindex.Node
}

// New constructs an empty store that has not yet been initialized with a
// genesis block.
func New() *Store {
	return &Store{
		nodes:    make(map[uint256.Hash]*blockindex.Node),
		children: make(map[uint256.Hash]map[uint256.Hash]struct{}),
	}
}

// InitGenesis installs the unique genesis node and makes it the active
// tip. Fails if the store already has a genesis.
func (s *Store) InitGenesis(h header.Header, expectedGenesisHash uint256.Hash, nowUnix int64) (*blockindex.Node, error) {
	if !s.genesisHash.IsZero() || len(s.nodes) != 0 {
		return nil, fmt.Errorf("blockstore: genesis already initialized")
	}
	hash := h.Hash()
	if hash != expectedGenesisHash {
		return nil, fmt.Errorf("blockstore: header hash does not match configured genesis hash")
	}
	if !h.IsGenesisShaped() {
		return nil, fmt.Errorf("blockstore: genesis header must have an all-zero prev_hash")
	}
	node := blockindex.New(h, hash, nowUnix)
	s.nodes[hash] = node
	s.genesisHash = hash
	s.activeChain = []*blockindex.Node{node}
	return node, nil
}

// GenesisHash returns the configured genesis hash, or the zero hash if
// the store has not been initialized yet.
func (s *Store) GenesisHash() uint256.Hash { return s.genesisHash }

// Lookup returns the node for hash, if known.
func (s *Store) Lookup(hash uint256.Hash) (*blockindex.Node, bool) {
	n, ok := s.nodes[hash]
	return n, ok
}

// Count returns the number of known nodes.
func (s *Store) Count() int { return len(s.nodes) }

// HasChildren reports whether any known node has hash as its parent.
func (s *Store) HasChildren(hash uint256.Hash) bool {
	c, ok := s.children[hash]
	return ok && len(c) > 0
}

// AddHeader inserts a new, non-genesis header whose parent is already
// present. The caller (ChainstateManager.accept_header) is responsible
// for every precondition: this is step 10 of the acceptance pipeline,
// and any failure here is a system error rather than a consensus one.
//
// If header.PrevHash is all-zero but its hash does not match the
// configured genesis hash, the caller has handed us a malformed
// would-be genesis; the store refuses rather than silently accepting a
// second root.
func (s *Store) AddHeader(h header.Header, nowUnix int64) (*blockindex.Node, error) {
	hash := h.Hash()
	if _, exists := s.nodes[hash]; exists {
		return nil, fmt.Errorf("blockstore: header %s already indexed", hash)
	}
	if h.IsGenesisShaped() {
		return nil, fmt.Errorf("blockstore: refusing to create a second genesis-shaped node")
	}
	parent, ok := s.nodes[h.PrevHash]
	if !ok {
		return nil, fmt.Errorf("blockstore: parent %s not present", h.PrevHash)
	}
	node := blockindex.NewChild(parent, h, hash, nowUnix)
	s.nodes[hash] = node
	if s.children[parent.Hash()] == nil {
		s.children[parent.Hash()] = make(map[uint256.Hash]struct{})
	}
	s.children[parent.Hash()][hash] = struct{}{}
	return node, nil
}

// Tip returns the current active-chain tip, or nil if uninitialized.
func (s *Store) Tip() *blockindex.Node {
	if len(s.activeChain) == 0 {
		return nil
	}
	return s.activeChain[len(s.activeChain)-1]
}

// Height returns the active chain's height, or -1 if uninitialized.
func (s *Store) Height() int64 {
	if len(s.activeChain) == 0 {
		return -1
	}
	return int64(len(s.activeChain) - 1)
}

// ActiveChain returns the current active chain, genesis first. The
// returned slice is owned by the caller; mutating it does not affect the
// store.
func (s *Store) ActiveChain() []*blockindex.Node {
	out := make([]*blockindex.Node, len(s.activeChain))
	copy(out, s.activeChain)
	return out
}

// AtHeight returns the active-chain node at the given height.
func (s *Store) AtHeight(height int64) (*blockindex.Node, bool) {
	if height < 0 || height >= int64(len(s.activeChain)) {
		return nil, false
	}
	return s.activeChain[height], true
}

// OnActiveChain reports whether hash names a node on the current active
// chain.
func (s *Store) OnActiveChain(hash uint256.Hash) bool {
	n, ok := s.nodes[hash]
	if !ok {
		return false
	}
	onChain, ok := s.AtHeight(n.Height())
	return ok && onChain.Hash() == hash
}

// SetActiveTip rebuilds the active_chain vector by walking parent
// pointers from node to genesis and reversing. O(height), but only
// called on connect/disconnect/reload.
func (s *Store) SetActiveTip(node *blockindex.Node) {
	chain := make([]*blockindex.Node, node.Height()+1)
	cur := node
	for cur != nil {
		chain[cur.Height()] = cur
		cur = cur.Parent()
	}
	s.activeChain = chain
}

// Locator returns a sparse set of block hashes from the tip backwards,
// the way a peer announces its view of the chain: the last several
// heights densely, then exponentially sparser toward genesis.
func (s *Store) Locator() []uint256.Hash {
	tip := s.Tip()
	if tip == nil {
		return nil
	}
	var out []uint256.Hash
	step := int64(1)
	height := tip.Height()
	for height >= 0 {
		n, ok := s.AtHeight(height)
		if ok {
			out = append(out, n.Hash())
		}
		if height == 0 {
			break
		}
		if len(out) >= 10 {
			step *= 2
		}
		height -= step
		if height < 0 {
			height = 0
		}
	}
	return out
}

// AllNodes returns every known node in an unspecified order. Used for
// snapshotting and for the candidate-recomputation sweeps
// ChainstateManager needs (invalidate_block's pre-scan, for instance).
func (s *Store) AllNodes() []*blockindex.Node {
	out := make([]*blockindex.Node, 0, len(s.nodes))
	for _, n := range s.nodes {
		out = append(out, n)
	}
	return out
}
