package market

import (
	"github.com/holiman/uint256"

	"PerpCore/internal/fixedpoint"
	"PerpCore/internal/oracle"
	"PerpCore/internal/pool"
)

func (m *Market) swapImpactParams() pool.ImpactParams {
	return pool.ImpactParams{
		Exponent:       m.config.Get(KeySwapImpactExponent),
		PositiveFactor: m.config.Get(KeySwapImpactPositiveFactor),
		NegativeFactor: m.config.Get(KeySwapImpactNegativeFactor),
	}
}

func (m *Market) positionImpactParams() pool.ImpactParams {
	return pool.ImpactParams{
		Exponent:       m.config.Get(KeyPositionImpactExponent),
		PositiveFactor: m.config.Get(KeyPositionImpactPositiveFactor),
		NegativeFactor: m.config.Get(KeyPositionImpactNegativeFactor),
	}
}

// deltaOverValues builds a pool delta from side values that are already
// denominated in USD.
func deltaOverValues(
	currentLong, currentShort *uint256.Int,
	deltaLong, deltaShort fixedpoint.Signed,
) (pool.Delta, error) {
	nextLong, err := fixedpoint.ApplyDelta(currentLong, deltaLong)
	if err != nil {
		return pool.Delta{}, err
	}
	nextShort, err := fixedpoint.ApplyDelta(currentShort, deltaShort)
	if err != nil {
		return pool.Delta{}, err
	}
	return pool.Delta{
		CurrentLongUsd:  currentLong,
		CurrentShortUsd: currentShort,
		DeltaLongUsd:    deltaLong,
		DeltaShortUsd:   deltaShort,
		NextLongUsd:     nextLong,
		NextShortUsd:    nextShort,
	}, nil
}

// PositionImpact computes the price impact of the proposed open-interest
// deltas. When a shared virtual position inventory is attached, the impact
// over the virtual pair is computed too and the worse of the two wins.
func (m *Market) PositionImpact(deltaLongUsd, deltaShortUsd fixedpoint.Signed) (fixedpoint.Signed, error) {
	currentLong, err := m.OpenInterestValue(true)
	if err != nil {
		return fixedpoint.Signed{}, err
	}
	currentShort, err := m.OpenInterestValue(false)
	if err != nil {
		return fixedpoint.Signed{}, err
	}
	d, err := deltaOverValues(currentLong, currentShort, deltaLongUsd, deltaShortUsd)
	if err != nil {
		return fixedpoint.Signed{}, err
	}
	impact, err := d.PriceImpact(m.positionImpactParams())
	if err != nil {
		return fixedpoint.Signed{}, err
	}

	if vi := m.VirtualInventoryForPositions; vi != nil {
		vd, err := deltaOverValues(
			vi.Pool().LongAmount(), vi.Pool().ShortAmount(), deltaLongUsd, deltaShortUsd)
		if err != nil {
			return fixedpoint.Signed{}, err
		}
		virtualImpact, err := vd.PriceImpact(m.positionImpactParams())
		if err != nil {
			return fixedpoint.Signed{}, err
		}
		if virtualImpact.Cmp(impact) < 0 {
			impact = virtualImpact
		}
	}
	return impact, nil
}

// SwapImpact computes the price impact of the proposed primary-pool USD
// deltas. When a shared virtual swap inventory is attached, the impact over
// the virtual pair (valued at the same prices) is computed too and the
// worse of the two wins.
func (m *Market) SwapImpact(
	deltaLongUsd, deltaShortUsd fixedpoint.Signed,
	prices oracle.Prices,
) (fixedpoint.Signed, error) {
	d, err := m.pools[PoolPrimary].DeltaWithValues(
		deltaLongUsd, deltaShortUsd, prices.Long.Mid(), prices.Short.Mid())
	if err != nil {
		return fixedpoint.Signed{}, err
	}
	impact, err := d.PriceImpact(m.swapImpactParams())
	if err != nil {
		return fixedpoint.Signed{}, err
	}

	if vi := m.VirtualInventoryForSwaps; vi != nil {
		vd, err := vi.Pool().DeltaWithValues(
			deltaLongUsd, deltaShortUsd, prices.Long.Mid(), prices.Short.Mid())
		if err != nil {
			return fixedpoint.Signed{}, err
		}
		virtualImpact, err := vd.PriceImpact(m.swapImpactParams())
		if err != nil {
			return fixedpoint.Signed{}, err
		}
		if virtualImpact.Cmp(impact) < 0 {
			impact = virtualImpact
		}
	}
	return impact, nil
}

// CapPositivePositionImpact bounds a positive impact by the value held in
// the position impact pool and by MaxPositivePositionImpactFactor applied
// to the trade size. Non-positive impacts pass through.
func (m *Market) CapPositivePositionImpact(
	impactUsd fixedpoint.Signed,
	sizeDeltaUsd *uint256.Int,
	indexPrice oracle.Price,
) (fixedpoint.Signed, error) {
	if !impactUsd.IsPositive() {
		return impactUsd, nil
	}
	capped := impactUsd.Abs()

	poolAmount := m.pools[PoolPositionImpact].LongAmount()
	poolValue, err := fixedpoint.Mul(poolAmount, indexPrice.Min)
	if err != nil {
		return fixedpoint.Signed{}, err
	}
	if capped.Gt(poolValue) {
		capped = poolValue
	}

	if factor := m.config.Get(KeyMaxPositivePositionImpactFactor); !factor.IsZero() {
		maxUsd, err := fixedpoint.ApplyFactor(sizeDeltaUsd, factor)
		if err != nil {
			return fixedpoint.Signed{}, err
		}
		if capped.Gt(maxUsd) {
			capped = maxUsd
		}
	}
	return fixedpoint.Pos(capped), nil
}

// CapNegativePositionImpact bounds a negative impact by the relevant max
// factor applied to the trade size and returns the clamped-off USD diff.
// The diff becomes claimable for the position holder, or realized loss for
// liquidations, per the caller.
func (m *Market) CapNegativePositionImpact(
	impactUsd fixedpoint.Signed,
	sizeDeltaUsd *uint256.Int,
	forLiquidation bool,
) (fixedpoint.Signed, *uint256.Int, error) {
	if !impactUsd.IsNegative() {
		return impactUsd, new(uint256.Int), nil
	}
	key := KeyMaxNegativePositionImpactFactor
	if forLiquidation {
		key = KeyMaxPositionImpactFactorForLiquidations
	}
	factor := m.config.Get(key)
	if factor.IsZero() {
		return impactUsd, new(uint256.Int), nil
	}
	maxUsd, err := fixedpoint.ApplyFactor(sizeDeltaUsd, factor)
	if err != nil {
		return fixedpoint.Signed{}, nil, err
	}
	magnitude := impactUsd.Abs()
	if !magnitude.Gt(maxUsd) {
		return impactUsd, new(uint256.Int), nil
	}
	diff, err := fixedpoint.Sub(magnitude, maxUsd)
	if err != nil {
		return fixedpoint.Signed{}, nil, err
	}
	return fixedpoint.Neg(maxUsd), diff, nil
}

// SwapImpactAmountWithCap converts a USD swap impact into a token amount
// of the side selected by isLongToken. Positive impacts convert at the min
// price and are capped by what the swap impact pool holds; the clamped-off
// USD is returned alongside. Negative impacts convert at the max price,
// rounded up.
func (m *Market) SwapImpactAmountWithCap(
	isLongToken bool,
	price oracle.Price,
	impactUsd fixedpoint.Signed,
) (fixedpoint.Signed, *uint256.Int, error) {
	cappedDiff := new(uint256.Int)
	if impactUsd.IsZero() {
		return fixedpoint.SignedZero(), cappedDiff, nil
	}
	one := fixedpoint.U64(1)
	if impactUsd.IsPositive() {
		amount, err := fixedpoint.MulDiv(impactUsd.Abs(), one, price.Min)
		if err != nil {
			return fixedpoint.Signed{}, nil, err
		}
		available := m.pools[PoolSwapImpact].Amount(isLongToken)
		if amount.Gt(available) {
			excess, err := fixedpoint.Sub(amount, available)
			if err != nil {
				return fixedpoint.Signed{}, nil, err
			}
			cappedDiff, err = fixedpoint.Mul(excess, price.Min)
			if err != nil {
				return fixedpoint.Signed{}, nil, err
			}
			amount = available
		}
		return fixedpoint.Pos(amount), cappedDiff, nil
	}
	amount, err := fixedpoint.MulDivCeil(impactUsd.Abs(), one, price.Max)
	if err != nil {
		return fixedpoint.Signed{}, nil, err
	}
	return fixedpoint.Neg(amount), cappedDiff, nil
}

// ApplyDeltaToPositionImpactPool accumulates carry-over impact, in index
// tokens, on the long side of the impact pool.
func (m *Market) ApplyDeltaToPositionImpactPool(delta fixedpoint.Signed) error {
	return m.pools[PoolPositionImpact].ApplyDeltaToLongAmount(delta)
}

// DistributePositionImpact drains a time-proportional slice of the impact
// pool above MinPositionImpactPoolAmount into the primary pool's long side,
// valued at current prices, and bumps the distribution clock.
func (m *Market) DistributePositionImpact(prices oracle.Prices, now int64) error {
	if now < m.PositionImpactDistributedAt {
		return nil
	}
	dt := uint64(now - m.PositionImpactDistributedAt)
	m.PositionImpactDistributedAt = now

	factor := m.config.Get(KeyPositionImpactDistributeFactor)
	if dt == 0 || factor.IsZero() {
		return nil
	}
	poolAmount := m.pools[PoolPositionImpact].LongAmount()
	minAmount := m.config.Get(KeyMinPositionImpactPoolAmount)
	if !poolAmount.Gt(minAmount) {
		return nil
	}
	distributable, err := fixedpoint.Sub(poolAmount, minAmount)
	if err != nil {
		return err
	}
	rate, err := fixedpoint.Mul(factor, fixedpoint.U64(dt))
	if err != nil {
		return err
	}
	amount, err := fixedpoint.ApplyFactor(poolAmount, rate)
	if err != nil {
		return err
	}
	if amount.Gt(distributable) {
		amount = distributable
	}
	if amount.IsZero() {
		return nil
	}
	if err := m.pools[PoolPositionImpact].ApplyDeltaToLongAmount(fixedpoint.Neg(amount)); err != nil {
		return err
	}

	// Move the drained value into the primary pool so pool value stays
	// continuous across distributions.
	value, err := fixedpoint.Mul(amount, prices.Index.Min)
	if err != nil {
		return err
	}
	longTokenAmount, err := fixedpoint.MulDiv(value, fixedpoint.U64(1), prices.Long.Max)
	if err != nil {
		return err
	}
	return m.pools[PoolPrimary].ApplyDeltaToLongAmount(fixedpoint.Pos(longTokenAmount))
}
