// Package fixedpoint implements the engine's integer fixed-point numerics.
//
// Unsigned amounts, values and factors are 256-bit integers constrained to
// the u128 range; intermediates of mul_div run at full 256-bit width so
// a*b/c never overflows before the final quotient. USD values and factors
// share the 10^20 base (MARKET_USD_UNIT). No floats, no big.Int.
package fixedpoint

import (
	"github.com/holiman/uint256"

	"PerpCore/internal/errs"
)

// UsdDecimals is the exponent of MARKET_USD_UNIT.
const UsdDecimals = 20

// MarketTokenDecimals is the fixed decimals of every market token mint.
const MarketTokenDecimals = 18

var (
	usdUnit = mustPow10(UsdDecimals)
	u128Max = new(uint256.Int).Sub(
		new(uint256.Int).Lsh(uint256.NewInt(1), 128),
		uint256.NewInt(1),
	)
)

// UsdUnit returns a fresh copy of MARKET_USD_UNIT (10^20).
func UsdUnit() *uint256.Int {
	return usdUnit.Clone()
}

// U64 lifts a uint64 into an engine value.
func U64(v uint64) *uint256.Int {
	return uint256.NewInt(v)
}

func fitsU128(x *uint256.Int) bool {
	return x.Cmp(u128Max) <= 0
}

func checked(x *uint256.Int) (*uint256.Int, error) {
	if !fitsU128(x) {
		return nil, errs.ErrComputation
	}
	return x, nil
}

// Add returns a+b, failing on u128 overflow.
func Add(a, b *uint256.Int) (*uint256.Int, error) {
	sum, overflow := new(uint256.Int).AddOverflow(a, b)
	if overflow {
		return nil, errs.ErrComputation
	}
	return checked(sum)
}

// Sub returns a-b, failing on underflow.
func Sub(a, b *uint256.Int) (*uint256.Int, error) {
	if a.Lt(b) {
		return nil, errs.ErrComputation
	}
	return new(uint256.Int).Sub(a, b), nil
}

// Mul returns a*b, failing on u128 overflow.
func Mul(a, b *uint256.Int) (*uint256.Int, error) {
	prod, overflow := new(uint256.Int).MulOverflow(a, b)
	if overflow {
		return nil, errs.ErrComputation
	}
	return checked(prod)
}

// MulDiv returns floor(a*b/denom). The product runs at 256-bit width; only
// the quotient must fit u128.
func MulDiv(a, b, denom *uint256.Int) (*uint256.Int, error) {
	if denom.IsZero() {
		return nil, errs.ErrComputation
	}
	prod, overflow := new(uint256.Int).MulOverflow(a, b)
	if overflow {
		return nil, errs.ErrComputation
	}
	return checked(prod.Div(prod, denom))
}

// MulDivCeil returns ceil(a*b/denom).
func MulDivCeil(a, b, denom *uint256.Int) (*uint256.Int, error) {
	if denom.IsZero() {
		return nil, errs.ErrComputation
	}
	prod, overflow := new(uint256.Int).MulOverflow(a, b)
	if overflow {
		return nil, errs.ErrComputation
	}
	quot, rem := new(uint256.Int).DivMod(prod, denom, new(uint256.Int))
	if !rem.IsZero() {
		quot.AddUint64(quot, 1)
	}
	return checked(quot)
}

// MulDivSigned returns floor(a*|b|/denom) carrying b's sign.
func MulDivSigned(a *uint256.Int, b Signed, denom *uint256.Int) (Signed, error) {
	abs, err := MulDiv(a, b.abs, denom)
	if err != nil {
		return Signed{}, err
	}
	return NewSigned(abs, b.neg), nil
}

// ApplyFactor scales x by a 10^20-based factor: floor(x*f/10^20).
func ApplyFactor(x, factor *uint256.Int) (*uint256.Int, error) {
	return MulDiv(x, factor, usdUnit)
}

// ApplyFactorSigned scales x by a signed factor.
func ApplyFactorSigned(x *uint256.Int, factor Signed) (Signed, error) {
	return MulDivSigned(x, factor, usdUnit)
}

// DivToFactor returns the 10^20-based ratio floor(a*10^20/b).
func DivToFactor(a, b *uint256.Int) (*uint256.Int, error) {
	return MulDiv(a, usdUnit, b)
}

// DivToFactorCeil returns ceil(a*10^20/b).
func DivToFactorCeil(a, b *uint256.Int) (*uint256.Int, error) {
	return MulDivCeil(a, usdUnit, b)
}

// Pow10 returns 10^n as an engine value.
func Pow10(n uint) (*uint256.Int, error) {
	if n > 38 {
		return nil, errs.ErrComputation
	}
	return mustPow10(n), nil
}

func mustPow10(n uint) *uint256.Int {
	ten := uint256.NewInt(10)
	out := uint256.NewInt(1)
	for i := uint(0); i < n; i++ {
		out.Mul(out, ten)
	}
	return out
}

// FactorPow raises a 10^20-based value x to a factor-encoded exponent.
// Only whole exponents (multiples of 10^20) are supported; an exponent of
// zero yields the unit factor.
func FactorPow(x, exponent *uint256.Int) (*uint256.Int, error) {
	quot, rem := new(uint256.Int).DivMod(exponent, usdUnit, new(uint256.Int))
	if !rem.IsZero() {
		return nil, errs.ErrInvalidArgument
	}
	if !quot.IsUint64() || quot.Uint64() > 32 {
		return nil, errs.ErrInvalidArgument
	}
	n := quot.Uint64()
	if n == 0 {
		return UsdUnit(), nil
	}
	out := x.Clone()
	for i := uint64(1); i < n; i++ {
		next, err := MulDiv(out, x, usdUnit)
		if err != nil {
			return nil, err
		}
		out = next
	}
	return out, nil
}
