package uint256

import (
	"math/big"
)

// ArithUint256 is an unsigned 256-bit integer used for PoW targets and
// per-block proof values. It wraps math/big.Int the way the node and
// consensus packages' WorkFromTarget helpers do, but additionally exposes
// the compact (nBits) codec used for on-wire targets.
type ArithUint256 struct {
	v *big.Int
}

// ArithUint512 backs the 512-bit ASERT scaling multiply.
type ArithUint512 struct {
	v *big.Int
}

var (
	maxUint256 = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))
	oneBig     = big.NewInt(1)
)

// NewArith256 wraps a non-negative big.Int, copying it.
func NewArith256(v *big.Int) ArithUint256 {
	return ArithUint256{v: new(big.Int).Set(v)}
}

// Zero256 returns the additive identity.
func Zero256() ArithUint256 { return ArithUint256{v: new(big.Int)} }

// Big returns the underlying big.Int (copy, safe to mutate).
func (a ArithUint256) Big() *big.Int {
	if a.v == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(a.v)
}

func (a ArithUint256) Sign() int {
	if a.v == nil {
		return 0
	}
	return a.v.Sign()
}

func (a ArithUint256) Add(b ArithUint256) ArithUint256 {
	return ArithUint256{v: new(big.Int).Add(a.Big(), b.Big())}
}

func (a ArithUint256) Sub(b ArithUint256) ArithUint256 {
	return ArithUint256{v: new(big.Int).Sub(a.Big(), b.Big())}
}

func (a ArithUint256) Cmp(b ArithUint256) int {
	return a.Big().Cmp(b.Big())
}

// Not returns the bitwise complement within 256 bits: (2^256 - 1) - a.
func (a ArithUint256) Not() ArithUint256 {
	return ArithUint256{v: new(big.Int).Sub(maxUint256, a.Big())}
}

// FitsIn256 reports whether the value fits in an unsigned 256-bit integer.
func (a ArithUint256) FitsIn256() bool {
	v := a.Big()
	return v.Sign() >= 0 && v.Cmp(maxUint256) <= 0
}

// ToUint512 widens to 512 bits for overflow-safe multiplication.
func (a ArithUint256) ToUint512() ArithUint512 {
	return ArithUint512{v: a.Big()}
}

// SetCompact decodes the Bitcoin-style compact ("nBits") target encoding:
// one exponent byte plus three mantissa bytes, with the mantissa's top bit
// used as a sign flag. Returns the decoded value, whether it was encoded
// negative, and whether decoding overflowed 256 bits.
func SetCompact(bits uint32) (value ArithUint256, negative bool, overflow bool) {
	size := bits >> 24
	word := bits & 0x007fffff
	negative = bits&0x00800000 != 0

	var v *big.Int
	if size <= 3 {
		v = big.NewInt(int64(word >> (8 * (3 - size))))
	} else {
		v = new(big.Int).SetUint64(uint64(word))
		v.Lsh(v, uint(8*(size-3)))
	}

	overflow = word != 0 && (size > 34 || (word > 0xff && size > 33) || (word > 0xffff && size > 32))
	return ArithUint256{v: v}, negative, overflow
}

// GetCompact encodes a into the compact representation. Mirrors
// Bitcoin's nBits codec: loses precision to 3 mantissa bytes.
func (a ArithUint256) GetCompact() uint32 {
	v := a.Big()
	if v.Sign() == 0 {
		return 0
	}
	bitlen := v.BitLen()
	size := uint((bitlen + 7) / 8)

	var word uint32
	if size <= 3 {
		shifted := new(big.Int).Lsh(v, 8*(3-size))
		word = uint32(shifted.Uint64())
	} else {
		shifted := new(big.Int).Rsh(v, 8*(size-3))
		word = uint32(shifted.Uint64())
	}

	// If the top bit of the mantissa is set, it would be misread as the
	// sign bit; shift right and bump the exponent to compensate.
	if word&0x00800000 != 0 {
		word >>= 8
		size++
	}
	return word | uint32(size)<<24
}

// IsValidTarget reports whether bits decodes to a usable PoW target: not
// negative, not overflowed, and non-zero.
func IsValidTarget(bits uint32) bool {
	v, negative, overflow := SetCompact(bits)
	return !negative && !overflow && v.Sign() > 0
}

// Uint512 helpers for ASERT's 512-bit scaling multiply.

func (a ArithUint512) Mul(b ArithUint512) ArithUint512 {
	return ArithUint512{v: new(big.Int).Mul(a.v, b.v)}
}

// Lsh performs a signed shift: positive n shifts left, negative n shifts
// right (both arithmetic, matching ASERT's need to apply a signed
// "shifts-16" adjustment in one step).
func (a ArithUint512) Lsh(n int) ArithUint512 {
	if n >= 0 {
		return ArithUint512{v: new(big.Int).Lsh(a.v, uint(n))}
	}
	return ArithUint512{v: new(big.Int).Rsh(a.v, uint(-n))}
}

// Clamp returns a value saturated to [lo, hi] (inclusive), along with
// whether it had to be clamped to either bound (ASERT's "clamp to
// pow_limit on overflow" rule uses the hi side).
func (a ArithUint512) Clamp(lo, hi ArithUint256) (ArithUint256, bool) {
	if a.v.Sign() <= 0 {
		return lo, true
	}
	hiB := hi.Big()
	if a.v.Cmp(hiB) > 0 {
		return hi, true
	}
	loB := lo.Big()
	if a.v.Cmp(loB) < 0 {
		return lo, true
	}
	return ArithUint256{v: new(big.Int).Set(a.v)}, false
}

func BigFromUint64(x uint64) ArithUint256 {
	return ArithUint256{v: new(big.Int).SetUint64(x)}
}
