// Package chainparams defines the per-network tuning knobs the engine
// consumes but never constructs itself: genesis header, PoW limits,
// ASERT schedule, and the anti-DoS/orphan caps. Modeled on node/config.go's
// named-network preset style (DefaultConfig, allowed-value tables).
package chainparams

import (
	"math/big"

	"rubin.dev/node/internal/header"
	"rubin.dev/node/internal/uint256"
)

// Params is the record the core consumes for one network. None of its
// fields are recomputed by the engine; all are supplied by the host.
type Params struct {
	Network string

	GenesisHeader header.Header
	GenesisHash   uint256.Hash

	PowLimit            *big.Int
	PowTargetSpacing    int64
	RandomXEpochDuration int64

	AsertHalfLife     int64
	AsertAnchorHeight int64

	MinChainWork *big.Int

	ExpirationInterval    int64
	ExpirationGracePeriod int64

	OrphanExpireTime int64

	SuspiciousReorgDepth int64

	AntiDosWorkBufferBlocks int64

	MaxOrphanHeaders         int
	MaxOrphanHeadersPerPeer  int
	MedianTimeSpan           int
	MaxFutureBlockTimeSecs   int64
}

// MedianTimeSpan is the number of trailing ancestor timestamps median_time_past
// considers, shared across all networks.
const MedianTimeSpan = 11

// MaxFutureBlockTimeSecs bounds how far into the adjusted time a header's
// timestamp may sit before being rejected.
const MaxFutureBlockTimeSecs = 2 * 60 * 60

func baseDefaults(network string) Params {
	return Params{
		Network:                 network,
		PowTargetSpacing:        120,
		RandomXEpochDuration:    2 * 24 * 60 * 60,
		AsertHalfLife:           2 * 24 * 60 * 60,
		MinChainWork:            big.NewInt(0),
		ExpirationInterval:      0,
		ExpirationGracePeriod:   0,
		OrphanExpireTime:        20 * 60,
		SuspiciousReorgDepth:    0,
		MaxOrphanHeaders:        100,
		MaxOrphanHeadersPerPeer: 10,
		MedianTimeSpan:          MedianTimeSpan,
		MaxFutureBlockTimeSecs:  MaxFutureBlockTimeSecs,
	}
}

// powLimitFromCompact decodes a compact target into its big.Int form for
// storage in Params.PowLimit, panicking on a malformed literal since these
// are only ever called with constants fixed in this file.
func powLimitFromCompact(bits uint32) *big.Int {
	v, neg, overflow := uint256.SetCompact(bits)
	if neg || overflow {
		panic("chainparams: invalid built-in pow limit literal")
	}
	return v.Big()
}

// Mainnet returns the production network's parameters. The genesis header
// and hash are illustrative placeholders; a deployment wires in the real
// mined genesis block at startup the way node/config.go wires bind
// addresses and peers from an operator-supplied file.
func Mainnet() Params {
	p := baseDefaults("mainnet")
	p.PowLimit = powLimitFromCompact(0x1d00ffff)
	p.AsertAnchorHeight = 1
	p.AntiDosWorkBufferBlocks = 6
	p.MaxFutureBlockTimeSecs = MaxFutureBlockTimeSecs
	p.GenesisHeader, p.GenesisHash = buildGenesis(p, 1, 1_600_000_000)
	return p
}

// Testnet returns relaxed parameters for a public test network: looser
// anti-DoS buffer, same PoW limit shape.
func Testnet() Params {
	p := baseDefaults("testnet")
	p.PowLimit = powLimitFromCompact(0x1d00ffff)
	p.AsertAnchorHeight = 1
	p.AntiDosWorkBufferBlocks = 144
	p.GenesisHeader, p.GenesisHash = buildGenesis(p, 1, 1_600_000_000)
	return p
}

// Regtest returns a network tuned for deterministic local tests: a very
// high (easy) PoW limit so headers are trivially mineable via the stub hasher,
// and the same 144-block anti-DoS buffer as testnet.
func Regtest() Params {
	p := baseDefaults("regtest")
	p.PowLimit = powLimitFromCompact(0x207fffff)
	p.AsertAnchorHeight = 0
	p.AntiDosWorkBufferBlocks = 144
	p.GenesisHeader, p.GenesisHash = buildGenesis(p, 1, 1_600_000_000)
	return p
}

// buildGenesis constructs the canonical genesis header for a network: an
// all-zero prev_hash, the network's starting difficulty, and a fixed
// timestamp/nonce so the hash is deterministic across runs.
func buildGenesis(p Params, version uint32, t uint32) (header.Header, uint256.Hash) {
	var h header.Header
	h.Version = version
	h.Time = t
	h.Bits = uint256.NewArith256(p.PowLimit).GetCompact()
	h.Nonce = 0
	return h, h.Hash()
}

// ByName resolves a network name the way config files and CLI flags
// specify it, mirroring node/config.go's allow-list validation pattern.
func ByName(name string) (Params, bool) {
	switch name {
	case "mainnet":
		return Mainnet(), true
	case "testnet":
		return Testnet(), true
	case "regtest":
		return Regtest(), true
	default:
		return Params{}, false
	}
}
