// Package devminer implements a dev-only local miner for bring-up and
// devnet use: it has no mempool or transaction set to include (the
// engine is headers-only), so "mining a block" here means repeatedly
// probing nonces on a header extending the current tip until the PoW
// engine's mining-mode check is satisfied, then submitting the result
// through the normal acceptance pipeline.
//
// Grounded on node/miner.go's Miner (NewMiner/MineN/MineOne dev-miner
// shape, its TimestampSource seam, and its "dev-only ... local/devnet
// bring-up" framing), generalized from the teacher's transaction-
// carrying block miner to a pure header miner with no tx/coinbase
// concerns.
package devminer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"rubin.dev/node/internal/chainparams"
	"rubin.dev/node/internal/chainstate"
	"rubin.dev/node/internal/header"
	"rubin.dev/node/internal/pow"
	"rubin.dev/node/internal/randomx"
	"rubin.dev/node/internal/uint256"
)

// Config configures the dev miner. Like node/miner.go's MinerConfig, it
// carries a replaceable timestamp source so tests can drive deterministic
// times instead of wall-clock.
type Config struct {
	MinerAddress    [20]byte
	TimestampSource func() int64
	MaxNonceTries   uint32
}

// DefaultConfig mirrors node/miner.go's DefaultMinerConfig: wall-clock
// timestamps and a generous nonce search bound.
func DefaultConfig() Config {
	return Config{
		TimestampSource: func() int64 { return time.Now().Unix() },
		MaxNonceTries:   1 << 24,
	}
}

// Miner is the devnet-only header miner. It holds no lock of its own:
// every call into chain is already serialized by chainstate.Manager's
// own mutex (spec.md §5), so concurrent calls to MineOne are safe but
// will simply contend on that lock like any other caller.
type Miner struct {
	chain  *chainstate.Manager
	engine *pow.Engine
	hasher randomx.Hasher
	params chainparams.Params
	cfg    Config
}

// New constructs a dev miner submitting headers to chain under params,
// using hasher for the mining-mode PoW probe (ordinarily the same
// randomx.Stub the chainstate manager itself was built with, so a mined
// header's randomx_hash passes the manager's own full PoW check).
func New(chain *chainstate.Manager, hasher randomx.Hasher, params chainparams.Params, cfg Config) *Miner {
	if cfg.TimestampSource == nil {
		cfg.TimestampSource = func() int64 { return time.Now().Unix() }
	}
	if cfg.MaxNonceTries == 0 {
		cfg.MaxNonceTries = 1 << 24
	}
	return &Miner{
		chain:  chain,
		engine: pow.NewEngine(hasher),
		hasher: hasher,
		params: params,
		cfg:    cfg,
	}
}

// MineOne extends the current tip with a single freshly-mined header and
// submits it through ProcessNewBlockHeader, returning the installed node's
// hash and the resulting tip height. Returns an error if no nonce within
// MaxNonceTries satisfies the target, or if the chain has no tip yet
// (InitializeGenesis/Load must run first).
func (m *Miner) MineOne(ctx context.Context) (uint256.Hash, int64, error) {
	tip := m.chain.Tip()
	if tip == nil {
		return uint256.Hash{}, 0, errors.New("devminer: chain has no tip; call InitializeGenesis or Load first")
	}

	bits, err := pow.NextWorkRequired(tip.AsPowAncestorView(), m.params)
	if err != nil {
		return uint256.Hash{}, 0, fmt.Errorf("devminer: compute next work required: %w", err)
	}

	h := header.Header{
		Version:      tip.Header().Version,
		PrevHash:     tip.Hash(),
		MinerAddress: m.cfg.MinerAddress,
		Time:         uint32(m.cfg.TimestampSource()),
		Bits:         bits,
	}
	if h.Time <= tip.TimeMax() {
		h.Time = tip.TimeMax() + 1
	}

	epochKey := randomx.EpochKey(tip.Height()+1, m.params.RandomXEpochDuration)

	var nonce uint32
	found := false
	for ; nonce < m.cfg.MaxNonceTries; nonce++ {
		select {
		case <-ctx.Done():
			return uint256.Hash{}, 0, ctx.Err()
		default:
		}
		candidate := h
		candidate.Nonce = nonce
		randomxHash, err := m.engine.CheckFull(candidate, bits, pow.ModeMining, epochKey)
		if err != nil {
			continue
		}
		candidate.RandomXHash = randomxHash
		h = candidate
		found = true
		break
	}
	if !found {
		return uint256.Hash{}, 0, fmt.Errorf("devminer: no nonce under %d satisfied target", m.cfg.MaxNonceTries)
	}

	// The dev miner is the chain's own trusted local source, so it
	// always certifies the anti-DoS chainwork gate itself rather than
	// relying on a P2P-layer batch-work computation (spec.md §4.11/§9).
	node, err := m.chain.ProcessNewBlockHeader(h, "devminer", true, m.cfg.TimestampSource())
	if err != nil {
		return uint256.Hash{}, 0, err
	}
	return node.Hash(), m.chain.Height(), nil
}

// Run mines blocks on a fixed interval until ctx is canceled, logging
// nothing itself (the caller supplies onBlock for that, mirroring
// node/miner.go's caller-driven reporting rather than an internal logger
// dependency).
func (m *Miner) Run(ctx context.Context, interval time.Duration, onBlock func(uint256.Hash, int64, error)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			hash, height, err := m.MineOne(ctx)
			if onBlock != nil {
				onBlock(hash, height, err)
			}
		}
	}
}
