package chainstate

import (
	"fmt"

	"rubin.dev/node/internal/blockindex"
	"rubin.dev/node/pkg/notify"
)

// stepResult classifies the outcome of one activation attempt against a
// single candidate (spec.md §4.8's step()).
type stepResult int

const (
	stepOK stepResult = iota
	stepNoOp
	stepPolicyRefused
	stepConsensusInvalid
	stepSystemError
)

// ActivateBestChain runs the activation loop against the current
// candidate set and dispatches any notifications produced after
// releasing the lock.
func (m *Manager) ActivateBestChain(nowUnix int64) error {
	m.mu.Lock()
	events, err := m.activateBestChainLocked(nil, nowUnix)
	m.mu.Unlock()
	m.dispatcher.Publish(events)
	return err
}

// activateBestChainLocked implements spec.md §4.8. forced, if non-nil,
// is tried as the first candidate instead of candidate_set.find_most_work
// (a caller-directed retry); every subsequent loop iteration falls back
// to find_most_work as usual. Caller must hold m.mu.
func (m *Manager) activateBestChainLocked(forced *blockindex.Node, nowUnix int64) ([]notify.Event, error) {
	var events []notify.Event
	tryForced := forced != nil

	for {
		var cand *blockindex.Node
		if tryForced {
			cand = forced
			tryForced = false
		} else {
			c, ok := m.candidates.FindMostWork()
			if !ok {
				break
			}
			cand = c
		}

		tip := m.store.Tip()
		if cand == nil || (tip != nil && cand.Hash() == tip.Hash()) {
			break
		}

		if m.expirationHeight > 0 && cand.Height() >= m.expirationHeight {
			events = append(events, notify.Event{
				Kind:             notify.NetworkExpired,
				CurrentHeight:    cand.Height(),
				ExpirationHeight: m.expirationHeight,
			})
			if cand.Height() > m.expirationHeight {
				return events, validationErr(ErrNetworkExpired, "activation height exceeds the network's expiration interval")
			}
			// Exactly at the boundary: proceed with this activation, but
			// the notification has already been queued so a host can
			// begin a graceful shutdown.
		}

		result := m.step(cand, &events)
		switch result {
		case stepOK, stepNoOp:
			return events, nil
		case stepPolicyRefused:
			m.candidates.Remove(cand)
		case stepConsensusInvalid:
			cand.MarkFailed(blockindex.ValidationFailed)
			m.failed[cand.Hash()] = cand
			m.candidates.Remove(cand)
		case stepSystemError:
			return events, systemErr("activate best chain", fmt.Errorf("reorg rollback failed"))
		}
	}
	return events, nil
}

// step attempts to activate a single candidate, performing the full
// disconnect/connect/rollback dance spec.md §4.8 describes.
func (m *Manager) step(cand *blockindex.Node, events *[]notify.Event) stepResult {
	tip := m.store.Tip()

	// Step 1: candidate must strictly exceed the tip's chainwork. Equal
	// work keeps the existing tip (first-seen wins) — this is not a
	// failure of any kind, just nothing left to do.
	if tip != nil && cand.Chainwork().Cmp(tip.Chainwork()) <= 0 {
		return stepNoOp
	}

	var fork *blockindex.Node
	if tip != nil {
		fork = blockindex.LastCommonAncestor(tip, cand)
		if fork == nil {
			return stepConsensusInvalid
		}
	}

	var reorgDepth int64
	if tip != nil {
		reorgDepth = tip.Height() - fork.Height()
	}
	if m.suspiciousReorg > 0 && reorgDepth >= m.suspiciousReorg {
		*events = append(*events, notify.Event{
			Kind:       notify.SuspiciousReorg,
			ReorgDepth: reorgDepth,
			MaxAllowed: m.suspiciousReorg - 1,
		})
		return stepPolicyRefused
	}

	// Disconnect from tip down to fork. BlockDisconnected fires before
	// the tip is rewound: the event carries the block being removed, and
	// only after appending it do we move the active tip to its parent.
	var disconnected []*blockindex.Node
	for cur := tip; cur != nil && cur != fork; cur = cur.Parent() {
		*events = append(*events, notify.Event{Kind: notify.BlockDisconnected, HeaderHash: cur.Hash(), Height: cur.Height()})
		disconnected = append(disconnected, cur)
		m.store.SetActiveTip(cur.Parent())
	}

	// Build the forward path from fork (exclusive) to candidate
	// (inclusive), then connect each block in height order.
	var forward []*blockindex.Node
	for n := cand; n != nil && n != fork; n = n.Parent() {
		forward = append(forward, n)
	}
	reverseNodes(forward)

	var connected []*blockindex.Node
	var connectErr error
	for _, n := range forward {
		if err := m.connectOne(n, events); err != nil {
			connectErr = err
			break
		}
		connected = append(connected, n)
	}

	if connectErr != nil {
		if err := m.rollback(connected, disconnected, events); err != nil {
			return stepSystemError
		}
		return stepConsensusInvalid
	}

	newTip := m.store.Tip()
	*events = append(*events, notify.Event{Kind: notify.ChainTip, TipHash: newTip.Hash(), TipHeight: newTip.Height()})
	m.candidates.Prune(m.store, newTip)
	m.mirrorSetMetaLocked()
	return stepOK
}

// connectOne advances the active tip to n. BlockConnected fires after
// the tip has been advanced: the callback observes n as already
// connected.
func (m *Manager) connectOne(n *blockindex.Node, events *[]notify.Event) error {
	parent := n.Parent()
	if cur := m.store.Tip(); parent == nil || cur == nil || cur.Hash() != parent.Hash() {
		return fmt.Errorf("chainstate: %s does not extend the current tip", n.Hash())
	}
	m.store.SetActiveTip(n)
	*events = append(*events, notify.Event{Kind: notify.BlockConnected, HeaderHash: n.Hash(), Height: n.Height()})
	return nil
}

// rollback undoes a partially-connected forward path and restores the
// chain exactly as it was before step() began: disconnect everything
// connected so far (newest first) back to the fork, then reconnect the
// original disconnected list in its original (tip-to-fork) order
// reversed, i.e. fork+1 upward to the original tip.
func (m *Manager) rollback(connected, disconnected []*blockindex.Node, events *[]notify.Event) error {
	for i := len(connected) - 1; i >= 0; i-- {
		n := connected[i]
		parent := n.Parent()
		if cur := m.store.Tip(); cur == nil || cur.Hash() != n.Hash() {
			return fmt.Errorf("chainstate: rollback: %s is not the current tip", n.Hash())
		}
		*events = append(*events, notify.Event{Kind: notify.BlockDisconnected, HeaderHash: n.Hash(), Height: n.Height()})
		m.store.SetActiveTip(parent)
	}
	for i := len(disconnected) - 1; i >= 0; i-- {
		n := disconnected[i]
		if err := m.connectOne(n, events); err != nil {
			return err
		}
	}
	return nil
}

func reverseNodes(s []*blockindex.Node) {
	for i, j := 0, len(s)-1; i < j; i, j = i+1, j-1 {
		s[i], s[j] = s[j], s[i]
	}
}
