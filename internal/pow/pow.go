// Package pow implements the engine's proof-of-work checks: the
// per-block proof/work value, the ASERT difficulty retarget, and the
// commitment/full verification steps that gate header acceptance.
//
// Grounded on consensus/pow.go (PowCheck, RetargetV1) for the overall
// shape of a pluggable PoW checker, generalized from a simple linear
// clamp retarget to the ASERT schedule this engine requires, and on
// consensus/fork_choice.go (WorkFromTarget, ChainWorkFromTargets) for
// the target-to-work conversion idiom.
package pow

import (
	"fmt"
	"math/big"

	"rubin.dev/node/internal/chainparams"
	"rubin.dev/node/internal/header"
	"rubin.dev/node/internal/randomx"
	"rubin.dev/node/internal/uint256"
)

// Mode selects how much of the PoW pipeline CheckFull runs.
type Mode int

const (
	// ModeFull recomputes the external RandomX hash, compares it to the
	// header's stored randomx_hash, then runs the commitment check.
	ModeFull Mode = iota
	// ModeCommitmentOnly runs only the cheap commitment check, trusting
	// the header's existing randomx_hash field.
	ModeCommitmentOnly
	// ModeMining computes the RandomX hash and reports whether the
	// resulting commitment satisfies the target, for use by a miner
	// probing nonces; CheckFull returns the computed hash so the miner can
	// store it in the header.
	ModeMining
)

// AncestorView is the minimal read-only view of a header's position in
// the index that ASERT retargeting needs. BlockIndex nodes satisfy this
// through blockindex's AsPowAncestorView adapter, letting the engine
// avoid importing the blockindex package
// (which itself depends on Proof for chainwork bookkeeping).
type AncestorView interface {
	Height() int64
	Time() uint32
	Bits() uint32
	AncestorAtHeight(height int64) (AncestorView, bool)
}

// Engine bundles the hasher used for commitment/full checks. Its methods
// take no other state: all consensus parameters are passed in explicitly
// per call, matching PowEngine's role as a pure, side-effect-free
// validator (spec component C6).
type Engine struct {
	Hasher randomx.Hasher
}

// NewEngine constructs a PoW engine delegating RandomX computation to h.
func NewEngine(h randomx.Hasher) *Engine {
	return &Engine{Hasher: h}
}

// Proof returns floor(2^256 / (target + 1)) for the target encoded by
// bits, computed as (!target) / (target+1) + 1 to avoid directly
// dividing by a value that could be the maximum 256-bit integer. Returns
// zero for any target that decodes as negative, overflowed, or zero;
// returns one when the target is the all-ones 256-bit value (defensive
// against a division by zero that would otherwise require a special
// case).
func Proof(bits uint32) uint256.ArithUint256 {
	target, negative, overflow := uint256.SetCompact(bits)
	if negative || overflow || target.Sign() == 0 {
		return uint256.Zero256()
	}
	targetPlusOne := target.Add(uint256.BigFromUint64(1))
	if !targetPlusOne.FitsIn256() {
		// target was the all-ones value; target+1 overflowed to 2^256.
		return uint256.BigFromUint64(1)
	}
	notTarget := target.Not()
	q := new(big.Int).Div(notTarget.Big(), targetPlusOne.Big())
	return uint256.NewArith256(q.Add(q, big.NewInt(1)))
}

// NextWorkRequired computes the bits field a header extending prev must
// carry. At or below the ASERT anchor height, and on regtest, it returns the
// network's pow_limit unchanged (regtest headers are mined trivially by
// the stub hasher and never need to adjust difficulty).
func NextWorkRequired(prev AncestorView, params chainparams.Params) (uint32, error) {
	powLimitBits := uint256.NewArith256(params.PowLimit).GetCompact()

	if prev == nil {
		return powLimitBits, nil
	}
	if params.Network == "regtest" {
		return powLimitBits, nil
	}
	nextHeight := prev.Height() + 1
	if nextHeight <= params.AsertAnchorHeight {
		return powLimitBits, nil
	}
	return asertNextTarget(prev, params)
}

// asertNextTarget implements the ASERT (absolutely scheduled
// exponentially rising targets) retarget described for this engine: a
// cubic fixed-point approximation of 2^x evaluated once per accepted
// header, scaling the anchor's target by how far the chain has drifted
// from its ideal schedule since the anchor.
func asertNextTarget(prev AncestorView, params chainparams.Params) (uint32, error) {
	powLimit := uint256.NewArith256(params.PowLimit)
	powLimitBits := powLimit.GetCompact()

	halfLife := params.AsertHalfLife
	if halfLife <= 0 {
		return powLimitBits, nil
	}

	anchor, ok := prev.AncestorAtHeight(params.AsertAnchorHeight)
	if !ok {
		return powLimitBits, nil
	}
	anchorTarget, negative, overflow := uint256.SetCompact(anchor.Bits())
	if negative || overflow || anchorTarget.Sign() == 0 {
		return powLimitBits, nil
	}

	heightDiff := prev.Height() - anchor.Height() + 1
	if heightDiff < 0 {
		return powLimitBits, nil
	}

	idealDt := big.NewInt(params.PowTargetSpacing)
	idealDt.Mul(idealDt, big.NewInt(heightDiff))

	actualDt := big.NewInt(int64(prev.Time()) - int64(anchor.Time()))

	diff := new(big.Int).Sub(actualDt, idealDt)
	diff.Lsh(diff, 16)

	exponentQ16, _ := floorDivMod(diff, big.NewInt(halfLife))

	shifts := new(big.Int).Rsh(exponentQ16, 16)
	frac := new(big.Int).Sub(exponentQ16, new(big.Int).Lsh(shifts, 16))
	// frac is guaranteed in [0, 65535] by the floor-shift relationship above.

	factorQ16 := new(big.Int).Add(big.NewInt(65536), poly3(frac))

	shiftAmount := shifts.Int64() - 16
	scaled512 := anchorTarget.ToUint512().
		Mul(uint256.NewArith256(factorQ16).ToUint512()).
		Lsh(int(shiftAmount))

	clamped, _ := scaled512.Clamp(uint256.NewArith256(big.NewInt(1)), uint256.NewArith256(params.PowLimit))
	return clamped.GetCompact(), nil
}

// poly3 evaluates the cubic 2^x approximation used by ASERT:
// (195766423245049*x + 971821376*x^2 + 5127*x^3 + 2^47) >> 48, valid for
// x in [0, 65535] (i.e. 0 <= x/65536 < 1), matching Bitcoin Cash's
// aserti3-2d schedule to within 0.013% error.
func poly3(x *big.Int) *big.Int {
	x2 := new(big.Int).Mul(x, x)
	x3 := new(big.Int).Mul(x2, x)

	term1 := new(big.Int).Mul(big.NewInt(195766423245049), x)
	term2 := new(big.Int).Mul(big.NewInt(971821376), x2)
	term3 := new(big.Int).Mul(big.NewInt(5127), x3)

	sum := new(big.Int).Add(term1, term2)
	sum.Add(sum, term3)
	sum.Add(sum, new(big.Int).Lsh(big.NewInt(1), 47))

	return sum.Rsh(sum, 48)
}

// floorDivMod performs floor division: the quotient rounds toward
// negative infinity and the remainder always has the same sign as the
// divisor (here always non-negative, since half_life is positive).
func floorDivMod(num, denom *big.Int) (*big.Int, *big.Int) {
	q, r := new(big.Int), new(big.Int)
	q.DivMod(num, denom, r)
	return q, r
}

// CheckCommitment reconstructs the cheap commitment digest over header
// and bits, and reports whether it is at or below the target. It
// requires header.RandomXHash to already be populated; callers that
// have not yet run the full hash should not call this.
func (e *Engine) CheckCommitment(h header.Header, bits uint32) (bool, error) {
	if !h.HasRandomXHash() {
		return false, fmt.Errorf("pow: commitment check requires a populated randomx_hash")
	}
	target, negative, overflow := uint256.SetCompact(bits)
	if negative || overflow || target.Sign() == 0 {
		return false, nil
	}
	commitment := commitmentDigest(h)
	return commitmentLessEqual(commitment, target), nil
}

// commitmentDigest computes the implementation-defined cheap pre-check
// digest: BLAKE2b-256 (golang.org/x/crypto, the hash family used by
// crypto/devstd.go as this pack's default non-HSM crypto provider) over
// the header's serialization concatenated with its RandomX output.
func commitmentDigest(h header.Header) uint256.Hash {
	buf := make([]byte, 0, header.Size+32)
	buf = append(buf, h.Serialize()...)
	buf = append(buf, h.RandomXHash[:]...)
	return blake2b256(buf)
}

func commitmentLessEqual(commitment uint256.Hash, target uint256.ArithUint256) bool {
	c := new(big.Int).SetBytes(reverseBytes(commitment[:]))
	return c.Cmp(target.Big()) <= 0
}

func reverseBytes(b []byte) []byte {
	out := make([]byte, len(b))
	for i, v := range b {
		out[len(b)-1-i] = v
	}
	return out
}

// CheckFull runs the PoW pipeline selected by mode. epochKey identifies
// which RandomX dataset/cache era the header falls into, derived by the
// caller from height and params.RandomXEpochDuration.
func (e *Engine) CheckFull(h header.Header, bits uint32, mode Mode, epochKey uint256.Hash) (uint256.Hash, error) {
	switch mode {
	case ModeCommitmentOnly:
		ok, err := e.CheckCommitment(h, bits)
		if err != nil {
			return uint256.Hash{}, err
		}
		if !ok {
			return uint256.Hash{}, fmt.Errorf("pow: commitment check failed")
		}
		return h.RandomXHash, nil

	case ModeFull:
		cleared := h
		cleared.RandomXHash = uint256.Hash{}
		recomputed, err := e.Hasher.Hash(epochKey, cleared.Serialize())
		if err != nil {
			return uint256.Hash{}, fmt.Errorf("pow: randomx hash failed: %w", err)
		}
		if recomputed != h.RandomXHash {
			return uint256.Hash{}, fmt.Errorf("pow: randomx hash mismatch")
		}
		ok, err := e.CheckCommitment(h, bits)
		if err != nil {
			return uint256.Hash{}, err
		}
		if !ok {
			return uint256.Hash{}, fmt.Errorf("pow: commitment check failed")
		}
		return recomputed, nil

	case ModeMining:
		cleared := h
		cleared.RandomXHash = uint256.Hash{}
		computed, err := e.Hasher.Hash(epochKey, cleared.Serialize())
		if err != nil {
			return uint256.Hash{}, fmt.Errorf("pow: randomx hash failed: %w", err)
		}
		candidate := h
		candidate.RandomXHash = computed
		ok, err := e.CheckCommitment(candidate, bits)
		if err != nil {
			return uint256.Hash{}, err
		}
		if !ok {
			return uint256.Hash{}, fmt.Errorf("pow: candidate nonce does not satisfy target")
		}
		return computed, nil

	default:
		return uint256.Hash{}, fmt.Errorf("pow: unknown mode %v", mode)
	}
}
