// Package chainstate implements ChainstateManager (spec component C8):
// the acceptance pipeline, the activation loop with transactional reorg
// and rollback, the invalidate_block cascade, and the deferred
// notification dispatch that ties every other core component together.
// Every exported mutating method serializes through a single
// engine-wide, non-reentrant lock; composite operations
// (process_new_block_header, initialize, load) take the lock once and
// call private *Locked helpers, the project's documented alternative to
// a reentrant mutex (see the design notes on the concurrency model).
//
// Grounded on node/store/reorg.go's ReorgToTip/findForkPoint/
// pathFromAncestor for the disconnect/connect/rollback shape, and on
// node/p2p/header_validation.go for the linkage -> target -> timestamp
// -> PoW ordering idiom, adapted to this engine's DoS-hardened ordering
// (commitment gate first, full PoW after the contextual check).
package chainstate

import (
	"fmt"
	"math/big"
	"sort"
	"sync"

	"rubin.dev/node/internal/blockindex"
	"rubin.dev/node/internal/blockstore"
	"rubin.dev/node/internal/candidate"
	"rubin.dev/node/internal/chainparams"
	"rubin.dev/node/internal/header"
	"rubin.dev/node/internal/orphan"
	"rubin.dev/node/internal/pow"
	"rubin.dev/node/internal/randomx"
	"rubin.dev/node/internal/uint256"
	"rubin.dev/node/pkg/notify"
)

// Manager is the chainstate engine: the serialization point for every
// index-touching operation (spec.md §5).
type Manager struct {
	mu sync.Mutex

	params chainparams.Params
	pow    *pow.Engine

	store      *blockstore.Store
	candidates *candidate.Set
	orphans    *orphan.Pool
	failed     map[uint256.Hash]*blockindex.Node
	mirror     *blockstore.Mirror

	dispatcher *notify.Dispatcher

	ibdLatched       bool
	skipPowChecks    bool
	suspiciousReorg  int64
	minChainWork     *big.Int
	expirationHeight int64
	expirationGrace  int64
}

// NewManager constructs a chainstate manager for the given network
// parameters and RandomX hasher, with an empty (uninitialized) store.
// Callers must call InitializeGenesis or Load before submitting headers.
func NewManager(params chainparams.Params, hasher randomx.Hasher, dispatcher *notify.Dispatcher) *Manager {
	return &Manager{
		params:           params,
		pow:              pow.NewEngine(hasher),
		store:            blockstore.New(),
		candidates:       candidate.New(),
		orphans:          orphan.New(params.MaxOrphanHeaders, params.MaxOrphanHeadersPerPeer, params.OrphanExpireTime),
		failed:           make(map[uint256.Hash]*blockindex.Node),
		dispatcher:       dispatcher,
		suspiciousReorg:  params.SuspiciousReorgDepth,
		minChainWork:     params.MinChainWork,
		expirationHeight: params.ExpirationInterval,
		expirationGrace:  params.ExpirationGracePeriod,
	}
}

// SetSkipPowChecks toggles the test-only hook that bypasses the
// commitment and full RandomX checks entirely, for deterministic tests
// that don't want to mine real headers (spec.md §6.4, the RPC-exposed
// set_skip_pow_checks).
func (m *Manager) SetSkipPowChecks(skip bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.skipPowChecks = skip
}

// InitializeGenesis installs the network's genesis header as the sole
// node and active tip. Must be called exactly once before any header is
// accepted, unless Load is used instead to restore from a snapshot.
func (m *Manager) InitializeGenesis(nowUnix int64) (*blockindex.Node, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	node, err := m.store.InitGenesis(m.params.GenesisHeader, m.params.GenesisHash, nowUnix)
	if err != nil {
		return nil, systemErr("initialize genesis", err)
	}
	node.RaiseValidationLevel(blockindex.TreeValid)
	m.candidates.NoteObserved(node)
	m.mirrorSyncLocked(node)
	m.mirrorSetMetaLocked()
	return node, nil
}

// AcceptHeader runs the header through the full acceptance pipeline
// (spec.md §4.7) and, on success, returns the installed (or
// already-known) node. It does not add the node to the candidate set or
// run activation; use ProcessNewBlockHeader for the composed operation.
func (m *Manager) AcceptHeader(h header.Header, peerID string, minPowChecked bool, nowUnix int64) (*blockindex.Node, error) {
	m.mu.Lock()
	var events []notify.Event
	node, err := m.acceptHeaderLocked(h, peerID, minPowChecked, nowUnix, &events)
	m.mu.Unlock()
	m.dispatcher.Publish(events)
	return node, err
}

// ProcessNewBlockHeader composes accept_header, try_add_candidate, and
// activate_best_chain under a single held lock (spec.md §4.7's closing
// paragraph), then dispatches any notifications accumulated during
// acceptance and activation after releasing it.
func (m *Manager) ProcessNewBlockHeader(h header.Header, peerID string, minPowChecked bool, nowUnix int64) (*blockindex.Node, error) {
	m.mu.Lock()
	var events []notify.Event
	node, err := m.acceptHeaderLocked(h, peerID, minPowChecked, nowUnix, &events)
	if err != nil {
		m.mu.Unlock()
		m.dispatcher.Publish(events)
		return nil, err
	}
	m.candidates.TryAdd(node, m.store)
	actEvents, actErr := m.activateBestChainLocked(nil, nowUnix)
	events = append(events, actEvents...)
	m.mu.Unlock()
	m.dispatcher.Publish(events)
	if actErr != nil {
		return node, actErr
	}
	return node, nil
}

// acceptHeaderLocked implements spec.md §4.7 steps 1-12. Caller must
// hold m.mu. events accumulates any non-rejecting notifications queued
// during acceptance (currently only the expiration grace-period
// warning); the caller publishes it after releasing the lock.
func (m *Manager) acceptHeaderLocked(h header.Header, peerID string, minPowChecked bool, nowUnix int64, events *[]notify.Event) (*blockindex.Node, error) {
	hash := h.Hash()

	// Step 1: duplicate.
	if existing, ok := m.store.Lookup(hash); ok {
		if existing.Failure() != blockindex.NotFailed {
			return nil, validationErr(ErrDuplicate, "header already indexed and known invalid")
		}
		return existing, nil
	}

	// Step 2: commitment PoW gate (cheap anti-DoS prefilter), unless the
	// test-only skip hook is set.
	if !m.skipPowChecks {
		ok, err := m.pow.CheckCommitment(h, h.Bits)
		if err != nil {
			return nil, validationErr(ErrHighHash, err.Error())
		}
		if !ok {
			return nil, validationErr(ErrHighHash, "commitment does not satisfy target")
		}
	}

	// Step 3: genesis rejection.
	if h.IsGenesisShaped() {
		if hash != m.params.GenesisHash {
			return nil, validationErr(ErrBadGenesis, "all-zero prev_hash but hash does not match configured genesis")
		}
		return nil, validationErr(ErrGenesisViaAccept, "genesis may only enter via InitializeGenesis")
	}

	// Step 4: parent present.
	parent, ok := m.store.Lookup(h.PrevHash)
	if !ok {
		return nil, validationErr(ErrPrevBlockNotFound, fmt.Sprintf("parent %s not indexed", h.PrevHash))
	}

	// Step 5: parent not failed.
	if parent.Failure() != blockindex.NotFailed {
		return nil, validationErr(ErrBadPrevBlk, "parent is marked failed")
	}

	// Step 6: ancestor-failure propagation.
	if parent.ValidationLevel() < blockindex.TreeValid {
		if failedAncestor := m.findFailedAncestor(parent); failedAncestor != nil {
			m.markPathAncestorFailed(failedAncestor, parent)
			return nil, validationErr(ErrBadPrevBlk, "an ancestor of the parent is marked failed")
		}
	}

	// Step 7: contextual check.
	mtp := medianTimePast(parent, m.params.MedianTimeSpan)
	if h.Time <= mtp {
		return nil, validationErr(ErrTimeTooOld, "header time does not exceed parent's median time past")
	}
	if int64(h.Time) > nowUnix+m.params.MaxFutureBlockTimeSecs {
		return nil, validationErr(ErrTimeTooFarFuture, "header time too far in the future")
	}
	wantBits, err := pow.NextWorkRequired(parent.AsPowAncestorView(), m.params)
	if err != nil {
		return nil, systemErr("compute next work required", err)
	}
	if h.Bits != wantBits {
		return nil, validationErr(ErrBadDiffBits, "header bits does not match the required retarget")
	}
	if err := m.checkNetworkExpiration(parent.Height()+1, events); err != nil {
		return nil, err
	}

	// Step 8: full PoW check, after the contextual check has determined
	// the correct RandomX epoch.
	if !m.skipPowChecks {
		epochKey := randomx.EpochKey(parent.Height()+1, m.params.RandomXEpochDuration)
		if _, err := m.pow.CheckFull(h, h.Bits, pow.ModeFull, epochKey); err != nil {
			return nil, validationErr(ErrBadPow, err.Error())
		}
	}

	// Step 9: anti-DoS chainwork gate. This is a contract between the
	// caller and the core: the core does not itself compute batch work
	// across a headers announcement (spec.md §4.11/§9's open question on
	// the anti-DoS gate); the caller certifies it via minPowChecked.
	if !minPowChecked {
		return nil, validationErr(ErrTooLittleChainwork, "caller has not certified sufficient chainwork")
	}

	// Step 10: insert.
	node, err := m.store.AddHeader(h, nowUnix)
	if err != nil {
		return nil, systemErr("insert header", err)
	}

	// Step 11: raise validity, update best-header observer.
	node.RaiseValidationLevel(blockindex.TreeValid)
	m.candidates.NoteObserved(node)
	m.mirrorSyncLocked(node)

	// Step 12: process orphans whose parent is the header just accepted.
	for _, child := range m.orphans.DrainChildrenOf(hash) {
		if _, err := m.acceptHeaderLocked(child, peerID, true, nowUnix, events); err == nil {
			m.candidates.TryAdd(lookupOrPanic(m.store, child.Hash()), m.store)
		}
		// A failed orphan is simply dropped: it was never on the index.
	}

	return node, nil
}

// lookupOrPanic is used only immediately after a successful
// acceptHeaderLocked call on child, where the node is guaranteed present.
func lookupOrPanic(s *blockstore.Store, hash uint256.Hash) *blockindex.Node {
	n, ok := s.Lookup(hash)
	if !ok {
		panic("chainstate: node vanished immediately after successful acceptance")
	}
	return n
}

// findFailedAncestor walks from node toward genesis looking for the
// first (nearest) ancestor marked failed. Returns nil if none is found.
func (m *Manager) findFailedAncestor(node *blockindex.Node) *blockindex.Node {
	for cur := node; cur != nil; cur = cur.Parent() {
		if cur.Failure() != blockindex.NotFailed {
			return cur
		}
	}
	return nil
}

// markPathAncestorFailed marks every node strictly between failedNode
// and upTo (inclusive of upTo) as ANCESTOR_FAILED.
func (m *Manager) markPathAncestorFailed(failedNode, upTo *blockindex.Node) {
	for cur := upTo; cur != nil && cur != failedNode; cur = cur.Parent() {
		if cur.Failure() == blockindex.NotFailed {
			cur.MarkFailed(blockindex.AncestorFailed)
			m.failed[cur.Hash()] = cur
			m.candidates.Remove(cur)
			m.mirrorSyncLocked(cur)
		}
	}
}

// mirrorSyncLocked mirrors n's current header and index record into the
// bbolt durability mirror, if one is open. The mirror is a best-effort
// incremental log: a write failure here does not roll back the
// operation that produced it, since the JSON snapshot remains the
// authoritative recovery path.
func (m *Manager) mirrorSyncLocked(n *blockindex.Node) {
	if m.mirror == nil {
		return
	}
	_ = m.mirror.SyncNode(n)
}

// mirrorSetMetaLocked records the current tip in the mirror, if one is
// open.
func (m *Manager) mirrorSetMetaLocked() {
	if m.mirror == nil {
		return
	}
	tip := m.store.Tip()
	if tip == nil {
		return
	}
	_ = m.mirror.SetMeta(tip.Hash(), m.params.GenesisHash)
}

// checkNetworkExpiration enforces spec.md §4.10: a value of 0 disables
// the feature entirely; otherwise a header whose height exceeds the
// configured interval is rejected outright during acceptance, matching
// the exact boundary activateBestChainLocked enforces separately. The
// grace period is a pre-expiration warning window, not a post-expiration
// extension: a header landing inside it is still accepted, but queues a
// non-rejecting NetworkExpired notification so a host can begin a
// graceful shutdown ahead of the hard boundary.
func (m *Manager) checkNetworkExpiration(height int64, events *[]notify.Event) error {
	if m.expirationHeight <= 0 {
		return nil
	}
	if height > m.expirationHeight {
		return validationErr(ErrNetworkExpired, "height exceeds the network's expiration interval")
	}
	if m.expirationGrace > 0 && height > m.expirationHeight-m.expirationGrace {
		*events = append(*events, notify.Event{
			Kind:             notify.NetworkExpired,
			CurrentHeight:    height,
			ExpirationHeight: m.expirationHeight,
		})
	}
	return nil
}

// medianTimePast returns the median header time over the last span
// ancestors of node, inclusive of node itself, using exactly the
// available blocks when fewer than span exist.
func medianTimePast(node *blockindex.Node, span int) uint32 {
	if span <= 0 {
		span = chainparams.MedianTimeSpan
	}
	times := make([]uint32, 0, span)
	for cur := node; cur != nil && len(times) < span; cur = cur.Parent() {
		times = append(times, cur.Time())
	}
	sort.Slice(times, func(i, j int) bool { return times[i] < times[j] })
	return times[len(times)/2]
}

// AddOrphanHeader stashes h in the orphan pool under peerID, for a
// caller that received prev-blk-not-found from AcceptHeader/
// ProcessNewBlockHeader. Returns whether it was accepted into the pool.
func (m *Manager) AddOrphanHeader(h header.Header, peerID string, nowUnix int64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.orphans.TryAdd(h, peerID, nowUnix)
}

// EvictOrphanHeaders runs the orphan pool's expiry sweep (and, if
// nothing expired and the pool is still full, removes the single oldest
// entry). Returns the count removed.
func (m *Manager) EvictOrphanHeaders(nowUnix int64) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.orphans.Evict(nowUnix)
}

// OrphanCount returns the current orphan pool size.
func (m *Manager) OrphanCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.orphans.Len()
}

// Tip returns the current active-chain tip, or nil if uninitialized.
func (m *Manager) Tip() *blockindex.Node {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.store.Tip()
}

// Height returns the active chain's height, or -1 if uninitialized.
func (m *Manager) Height() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.store.Height()
}

// BlockAtHeight returns the active-chain node at height.
func (m *Manager) BlockAtHeight(height int64) (*blockindex.Node, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.store.AtHeight(height)
}

// Lookup returns any known node by hash, on or off the active chain.
func (m *Manager) Lookup(hash uint256.Hash) (*blockindex.Node, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.store.Lookup(hash)
}

// IsOnActiveChain reports whether hash names a node on the current
// active chain.
func (m *Manager) IsOnActiveChain(hash uint256.Hash) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.store.OnActiveChain(hash)
}

// Locator returns a sparse set of active-chain hashes from the tip
// backwards, in the conventional peer-announcement shape.
func (m *Manager) Locator() []uint256.Hash {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.store.Locator()
}

// BestHeader returns the highest-chainwork header ever observed, which
// need not be on the active chain or currently valid for activation.
func (m *Manager) BestHeader() (*blockindex.Node, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.candidates.BestHeader()
}

// BlockCount returns the total number of known nodes (on or off the
// active chain).
func (m *Manager) BlockCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.store.Count()
}

// IsInIBD reports whether the node should still be considered in
// initial block download (spec.md §4.11). The latch is one-way and
// process-lifetime only: once this has returned false, it never returns
// true again.
func (m *Manager) IsInIBD(nowUnix int64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ibdLatched {
		return false
	}
	tip := m.store.Tip()
	switch {
	case tip == nil:
		return true
	case tip.Height() == 0:
		return true
	case nowUnix-int64(tip.Time()) > 12*3600:
		return true
	case m.minChainWork != nil && tip.Chainwork().Big().Cmp(m.minChainWork) < 0:
		return true
	default:
		m.ibdLatched = true
		return false
	}
}
