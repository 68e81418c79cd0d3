package pool

import (
	"github.com/holiman/uint256"

	"PerpCore/internal/fixedpoint"
)

// ImpactParams configures the price-impact curve of one pool.
type ImpactParams struct {
	Exponent       *uint256.Int // factor-encoded, whole exponents only
	PositiveFactor *uint256.Int
	NegativeFactor *uint256.Int
}

// PriceImpact evaluates the impact of the proposed deltas on the pool's
// long/short imbalance.
//
// Let before = |long-short| and after = |long'-short'| in USD. A move that
// keeps the imbalance on the same side pays impact(before) - impact(after)
// at the positive factor when shrinking the imbalance, at the negative
// factor when widening it. A move that crosses to the other side earns the
// positive factor on the portion that closed the imbalance and pays the
// negative factor on the overshoot.
func (d Delta) PriceImpact(params ImpactParams) (fixedpoint.Signed, error) {
	beforeDiff, err := fixedpoint.Pos(d.CurrentLongUsd).Sub(fixedpoint.Pos(d.CurrentShortUsd))
	if err != nil {
		return fixedpoint.Signed{}, err
	}
	afterDiff, err := fixedpoint.Pos(d.NextLongUsd).Sub(fixedpoint.Pos(d.NextShortUsd))
	if err != nil {
		return fixedpoint.Signed{}, err
	}

	sameSide := beforeDiff.Sign() == 0 || afterDiff.Sign() == 0 ||
		beforeDiff.Sign() == afterDiff.Sign()

	before := beforeDiff.Abs()
	after := afterDiff.Abs()

	if sameSide {
		improving := after.Lt(before)
		factor := params.NegativeFactor
		if improving {
			factor = params.PositiveFactor
		}
		a, err := applyImpactFactor(before, factor, params.Exponent)
		if err != nil {
			return fixedpoint.Signed{}, err
		}
		b, err := applyImpactFactor(after, factor, params.Exponent)
		if err != nil {
			return fixedpoint.Signed{}, err
		}
		return fixedpoint.Pos(a).Sub(fixedpoint.Pos(b))
	}

	// Crossover: credit for closing the old imbalance, charge for the
	// overshoot on the other side.
	credit, err := applyImpactFactor(before, params.PositiveFactor, params.Exponent)
	if err != nil {
		return fixedpoint.Signed{}, err
	}
	charge, err := applyImpactFactor(after, params.NegativeFactor, params.Exponent)
	if err != nil {
		return fixedpoint.Signed{}, err
	}
	return fixedpoint.Pos(credit).Sub(fixedpoint.Pos(charge))
}

// applyImpactFactor returns factor * |d|^e / 2 in USD.
func applyImpactFactor(diffUsd, factor, exponent *uint256.Int) (*uint256.Int, error) {
	powered, err := fixedpoint.FactorPow(diffUsd, exponent)
	if err != nil {
		return nil, err
	}
	scaled, err := fixedpoint.ApplyFactor(powered, factor)
	if err != nil {
		return nil, err
	}
	return scaled.Rsh(scaled, 1), nil
}
