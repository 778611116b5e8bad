package pow

import (
	"math/big"
	"testing"

	"rubin.dev/node/internal/chainparams"
	"rubin.dev/node/internal/header"
	"rubin.dev/node/internal/randomx"
	"rubin.dev/node/internal/uint256"
)

func TestProofZeroForInvalidTargets(t *testing.T) {
	if Proof(0).Sign() != 0 {
		t.Fatalf("zero bits should yield zero proof")
	}
	if Proof(0x01800000).Sign() != 0 {
		t.Fatalf("negative-mantissa bits should yield zero proof")
	}
	if Proof(0xff123456).Sign() != 0 {
		t.Fatalf("overflowed bits should yield zero proof")
	}
}

func TestProofMonotonicWithSmallerTarget(t *testing.T) {
	// A smaller target (harder difficulty) must yield strictly more work.
	easy := Proof(0x1d00ffff)
	hard := Proof(0x1c00ffff)
	if hard.Cmp(easy) <= 0 {
		t.Fatalf("smaller target should produce greater proof")
	}
}

func TestProofPositiveForOrdinaryTarget(t *testing.T) {
	got := Proof(0x1d00ffff)
	if got.Sign() <= 0 {
		t.Fatalf("proof should be positive for a valid target")
	}
}

// ancestorStub is a minimal AncestorView for retarget tests.
type ancestorStub struct {
	height    int64
	time      uint32
	bits      uint32
	ancestors map[int64]*ancestorStub
}

func (a *ancestorStub) Height() int64 { return a.height }
func (a *ancestorStub) Time() uint32  { return a.time }
func (a *ancestorStub) Bits() uint32  { return a.bits }
func (a *ancestorStub) AncestorAtHeight(h int64) (AncestorView, bool) {
	anc, ok := a.ancestors[h]
	if !ok {
		return nil, false
	}
	return anc, true
}

func TestNextWorkRequiredBelowAnchorReturnsPowLimit(t *testing.T) {
	params := chainparams.Regtest()
	params.Network = "testnet" // force past the regtest short-circuit
	params.AsertAnchorHeight = 10
	prev := &ancestorStub{height: 5, time: 1000, bits: 0x1d00ffff}
	got, err := NextWorkRequired(prev, params)
	if err != nil {
		t.Fatalf("NextWorkRequired: %v", err)
	}
	want := uint256.NewArith256(params.PowLimit).GetCompact()
	if got != want {
		t.Fatalf("got %08x want pow_limit %08x", got, want)
	}
}

func TestNextWorkRequiredRegtestReturnsPowLimit(t *testing.T) {
	params := chainparams.Regtest()
	prev := &ancestorStub{height: 1000, time: 1000, bits: 0x1d00ffff}
	got, err := NextWorkRequired(prev, params)
	if err != nil {
		t.Fatalf("NextWorkRequired: %v", err)
	}
	want := uint256.NewArith256(params.PowLimit).GetCompact()
	if got != want {
		t.Fatalf("got %08x want pow_limit %08x", got, want)
	}
}

func TestNextWorkRequiredOnScheduleStaysNearAnchor(t *testing.T) {
	params := chainparams.Testnet()
	params.AsertAnchorHeight = 0
	params.PowTargetSpacing = 120
	params.AsertHalfLife = 2 * 24 * 60 * 60

	anchorBits := uint256.NewArith256(params.PowLimit).GetCompact()
	anchor := &ancestorStub{height: 0, time: 1_600_000_000, bits: anchorBits}
	prev := &ancestorStub{
		height:    100,
		time:      1_600_000_000 + 100*120, // exactly on schedule
		bits:      anchorBits,
		ancestors: map[int64]*ancestorStub{0: anchor},
	}
	got, err := NextWorkRequired(prev, params)
	if err != nil {
		t.Fatalf("NextWorkRequired: %v", err)
	}
	gotTarget, _, _ := uint256.SetCompact(got)
	anchorTarget, _, _ := uint256.SetCompact(anchorBits)

	// within a generous +-10% band of the anchor's target when on schedule
	lowBound := scalePct(anchorTarget, 90)
	highBound := scalePct(anchorTarget, 110)
	if gotTarget.Cmp(lowBound) < 0 || gotTarget.Cmp(highBound) > 0 {
		t.Fatalf("on-schedule retarget should stay near anchor target, got bits %08x", got)
	}
}

func scalePct(v uint256.ArithUint256, pct int64) uint256.ArithUint256 {
	b := v.Big()
	b.Mul(b, big.NewInt(pct))
	b.Div(b, big.NewInt(100))
	return uint256.NewArith256(b)
}

func TestCheckCommitmentRequiresRandomXHash(t *testing.T) {
	e := NewEngine(randomx.NewStub())
	var h header.Header
	h.Bits = 0x1d00ffff
	if _, err := e.CheckCommitment(h, h.Bits); err == nil {
		t.Fatalf("expected error when randomx_hash is unset")
	}
}

func TestCheckFullModeMiningFindsSatisfyingNonce(t *testing.T) {
	e := NewEngine(randomx.NewStub())
	params := chainparams.Regtest()
	var h header.Header
	h.Version = 1
	h.Bits = uint256.NewArith256(params.PowLimit).GetCompact()
	key := randomx.EpochKey(0, 1)

	found := false
	for nonce := uint32(0); nonce < 64; nonce++ {
		h.Nonce = nonce
		hash, err := e.CheckFull(h, h.Bits, ModeMining, key)
		if err == nil {
			found = true
			h.RandomXHash = hash
			break
		}
	}
	if !found {
		t.Fatalf("expected at least one nonce to satisfy the regtest pow limit within 64 tries")
	}

	// With the winning nonce fixed, FULL mode must now accept.
	if _, err := e.CheckFull(h, h.Bits, ModeFull, key); err != nil {
		t.Fatalf("expected FULL mode to accept the mined header: %v", err)
	}
}
