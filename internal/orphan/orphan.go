// Package orphan implements the bounded pool of headers whose parent is
// not yet known (spec component C7): per-peer and total caps, time-based
// eviction, and the drain-by-parent operation accept_header's orphan
// processing step (spec.md §4.7 step 12) uses to re-submit children once
// their parent finally arrives.
//
// Grounded on node/p2p/headers.go's orphan-header bookkeeping
// (per-peer announcement tracking) generalized into a standalone,
// peer-agnostic pool the chainstate manager owns directly rather than
// the P2P layer.
package orphan

import (
	"rubin.dev/node/internal/header"
	"rubin.dev/node/internal/uint256"
)

// entry is one pooled orphan header.
type entry struct {
	header       header.Header
	timeReceived int64
	peerID       string
}

// Pool is the bounded map of orphan headers. Not safe for concurrent
// use: callers hold chainstate's engine-wide lock for every operation.
type Pool struct {
	maxTotal    int
	maxPerPeer  int
	expireAfter int64 // seconds

	byHash    map[uint256.Hash]entry
	peerCount map[string]int
}

// New constructs an orphan pool with the given caps and expiry window
// (seconds). A maxTotal or maxPerPeer of zero disables that cap (treated
// as unbounded); expireAfter of zero disables time-based eviction.
func New(maxTotal, maxPerPeer int, expireAfterSecs int64) *Pool {
	return &Pool{
		maxTotal:    maxTotal,
		maxPerPeer:  maxPerPeer,
		expireAfter: expireAfterSecs,
		byHash:      make(map[uint256.Hash]entry),
		peerCount:   make(map[string]int),
	}
}

// Len returns the current pool size.
func (p *Pool) Len() int { return len(p.byHash) }

// PeerCount returns how many orphans are currently attributed to peerID.
func (p *Pool) PeerCount(peerID string) int { return p.peerCount[peerID] }

// Contains reports whether hash is currently pooled.
func (p *Pool) Contains(hash uint256.Hash) bool {
	_, ok := p.byHash[hash]
	return ok
}

// TryAdd inserts h under peerID, received at nowUnix. Idempotent: a
// header already present succeeds without double-counting. Rejects if
// the peer is already at its per-peer cap, or if the pool is full and
// Evict frees nothing.
func (p *Pool) TryAdd(h header.Header, peerID string, nowUnix int64) bool {
	hash := h.Hash()
	if _, exists := p.byHash[hash]; exists {
		return true
	}
	if p.maxPerPeer > 0 && p.peerCount[peerID] >= p.maxPerPeer {
		return false
	}
	if p.maxTotal > 0 && len(p.byHash) >= p.maxTotal {
		if p.Evict(nowUnix) == 0 {
			return false
		}
		// Re-check: eviction may not have freed enough if every expired
		// entry belonged to a peer other than peerID's cap concern, but
		// the total cap is what matters here.
		if len(p.byHash) >= p.maxTotal {
			return false
		}
	}
	p.byHash[hash] = entry{header: h, timeReceived: nowUnix, peerID: peerID}
	p.peerCount[peerID]++
	return true
}

// Evict first removes every entry older than the configured expiry
// window. If none qualified and the pool is still at its total cap, it
// removes the single oldest entry instead. Returns the count removed.
func (p *Pool) Evict(nowUnix int64) int {
	removed := 0
	if p.expireAfter > 0 {
		for hash, e := range p.byHash {
			if nowUnix-e.timeReceived > p.expireAfter {
				p.removeHash(hash)
				removed++
			}
		}
	}
	if removed > 0 {
		return removed
	}
	if p.maxTotal <= 0 || len(p.byHash) < p.maxTotal {
		return 0
	}
	var oldestHash uint256.Hash
	var oldestTime int64
	first := true
	for hash, e := range p.byHash {
		if first || e.timeReceived < oldestTime {
			oldestHash = hash
			oldestTime = e.timeReceived
			first = false
		}
	}
	if first {
		return 0
	}
	p.removeHash(oldestHash)
	return 1
}

// DrainChildrenOf removes every pooled header whose prev-hash matches
// parentHash and returns them so the caller can re-submit them through
// the acceptance pipeline. Entries are removed from the pool before
// being returned, so a header re-inserted during the caller's
// re-processing is treated as new rather than silently dropped.
func (p *Pool) DrainChildrenOf(parentHash uint256.Hash) []header.Header {
	var out []header.Header
	var toRemove []uint256.Hash
	for hash, e := range p.byHash {
		if e.header.PrevHash == parentHash {
			out = append(out, e.header)
			toRemove = append(toRemove, hash)
		}
	}
	for _, hash := range toRemove {
		p.removeHash(hash)
	}
	return out
}

func (p *Pool) removeHash(hash uint256.Hash) {
	e, ok := p.byHash[hash]
	if !ok {
		return
	}
	delete(p.byHash, hash)
	p.peerCount[e.peerID]--
	if p.peerCount[e.peerID] <= 0 {
		delete(p.peerCount, e.peerID)
	}
}
