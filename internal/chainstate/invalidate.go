package chainstate

import (
	"fmt"

	"rubin.dev/node/internal/blockindex"
	"rubin.dev/node/internal/uint256"
)

// InvalidateBlock implements spec.md §4.9: marks the node at hash
// VALIDATION_FAILED, cascades ANCESTOR_FAILED to every descendant,
// rewinds the active chain off of it if necessary, and repopulates the
// candidate set so a subsequent ActivateBestChain call can pick a new
// tip. It does not itself run activation.
func (m *Manager) InvalidateBlock(hash uint256.Hash) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.invalidateBlockLocked(hash)
}

func (m *Manager) invalidateBlockLocked(hash uint256.Hash) error {
	target, ok := m.store.Lookup(hash)
	if !ok {
		return fmt.Errorf("chainstate: invalidate_block: unknown hash %s", hash)
	}
	if target.Parent() == nil {
		return fmt.Errorf("chainstate: invalidate_block: cannot invalidate genesis")
	}

	// Step 1: pre-scan every non-active, TREE-valid node (leaf or
	// interior) whose chainwork already meets target's parent's
	// chainwork — these are the nodes that might become worth
	// activating as the active chain gets rewound past target.
	threshold := target.Parent().Chainwork()
	var prescanned []*blockindex.Node
	for _, n := range m.store.AllNodes() {
		if m.store.OnActiveChain(n.Hash()) {
			continue
		}
		if !n.IsValid(blockindex.TreeValid) {
			continue
		}
		if n.Chainwork().Cmp(threshold) < 0 {
			continue
		}
		prescanned = append(prescanned, n)
	}

	// Step 2: rewind the active chain off of target, one block at a
	// time, promoting prescanned nodes as the tip's work drops low
	// enough to make them competitive.
	for m.store.OnActiveChain(hash) {
		tip := m.store.Tip()
		if tip == nil {
			break
		}
		m.candidates.Remove(tip)
		parent := tip.Parent()
		m.store.SetActiveTip(parent)
		if parent != nil {
			m.candidates.AddUnchecked(parent)
		}
		newTip := m.store.Tip()
		if newTip != nil {
			for _, n := range prescanned {
				if n.Chainwork().Cmp(newTip.Chainwork()) >= 0 {
					m.candidates.AddUnchecked(n)
				}
			}
		}
	}
	m.mirrorSetMetaLocked()

	// Step 3: mark target failed, cascade ANCESTOR_FAILED to every
	// descendant (any node whose ancestor at target's height is target).
	target.MarkFailed(blockindex.ValidationFailed)
	m.failed[target.Hash()] = target
	m.candidates.Remove(target)
	m.mirrorSyncLocked(target)

	for _, n := range m.store.AllNodes() {
		if n.Hash() == target.Hash() {
			continue
		}
		if n.Height() < target.Height() {
			continue
		}
		anc, ok := n.AncestorAtHeight(target.Height())
		if !ok || anc.Hash() != target.Hash() {
			continue
		}
		n.MarkFailed(blockindex.AncestorFailed)
		m.failed[n.Hash()] = n
		m.candidates.Remove(n)
		m.mirrorSyncLocked(n)
	}

	// Step 4: final sweep, covering the race where new headers arrived
	// during the rewind walk above: any still-valid leaf with chainwork
	// at or above the (possibly already-rewound) current tip belongs in
	// the candidate set.
	if tip := m.store.Tip(); tip != nil {
		for _, n := range m.store.AllNodes() {
			if !n.IsValid(blockindex.TreeValid) {
				continue
			}
			if m.store.HasChildren(n.Hash()) {
				continue
			}
			if n.Chainwork().Cmp(tip.Chainwork()) >= 0 {
				m.candidates.AddUnchecked(n)
			}
		}
	}

	return nil
}
