package market

import (
	"github.com/holiman/uint256"

	"PerpCore/internal/errs"
	"PerpCore/internal/fixedpoint"
)

// NextFundingFactorPerSecond derives the funding factor that applies from
// now on. Positive means longs pay shorts.
//
// With FundingFeeFactor configured the factor tracks the imbalance target
// factor * diff^exponent directly. Otherwise it adjusts AIMD-style: ramp up
// while the imbalance factor sits above the stable threshold, ramp down
// below the decrease threshold, hold in between. The magnitude is clamped
// into [min, max] per-second factors whenever non-zero.
func (m *Market) NextFundingFactorPerSecond(now int64) (fixedpoint.Signed, error) {
	if now < m.FundingUpdatedAt {
		return fixedpoint.Signed{}, errs.ErrInvalidArgument
	}
	longOi, err := m.OpenInterestValue(true)
	if err != nil {
		return fixedpoint.Signed{}, err
	}
	shortOi, err := m.OpenInterestValue(false)
	if err != nil {
		return fixedpoint.Signed{}, err
	}
	total, err := fixedpoint.Add(longOi, shortOi)
	if err != nil {
		return fixedpoint.Signed{}, err
	}
	if total.IsZero() {
		return fixedpoint.SignedZero(), nil
	}

	diff, err := fixedpoint.Pos(longOi).Sub(fixedpoint.Pos(shortOi))
	if err != nil {
		return fixedpoint.Signed{}, err
	}
	diffFactor, err := fixedpoint.DivToFactor(diff.Abs(), total)
	if err != nil {
		return fixedpoint.Signed{}, err
	}
	longsPay := !diff.IsNegative()

	if factor := m.config.Get(KeyFundingFeeFactor); !factor.IsZero() {
		exponent := m.config.Get(KeyFundingFeeExponent)
		if exponent.IsZero() {
			exponent = fixedpoint.UsdUnit()
		}
		powered, err := fixedpoint.FactorPow(diffFactor, exponent)
		if err != nil {
			return fixedpoint.Signed{}, err
		}
		magnitude, err := fixedpoint.ApplyFactor(powered, factor)
		if err != nil {
			return fixedpoint.Signed{}, err
		}
		return fixedpoint.NewSigned(m.clampFundingMagnitude(magnitude), !longsPay), nil
	}

	dt := uint64(now - m.FundingUpdatedAt)
	cur := m.fundingFactorPerSecond
	if dt == 0 {
		return cur, nil
	}

	stable := m.config.Get(KeyFundingFeeThresholdForStableFunding)
	decrease := m.config.Get(KeyFundingFeeThresholdForDecreaseFunding)

	var next fixedpoint.Signed
	switch {
	case diffFactor.Gt(stable):
		// Ramp toward the heavy side proportionally to the imbalance.
		step, err := fixedpoint.ApplyFactor(
			m.config.Get(KeyFundingFeeIncreaseFactorPerSecond), diffFactor)
		if err != nil {
			return fixedpoint.Signed{}, err
		}
		stepTotal, err := fixedpoint.Mul(step, fixedpoint.U64(dt))
		if err != nil {
			return fixedpoint.Signed{}, err
		}
		next, err = cur.Add(fixedpoint.NewSigned(stepTotal, !longsPay))
		if err != nil {
			return fixedpoint.Signed{}, err
		}
	case diffFactor.Lt(decrease) || decrease.IsZero():
		// Decay toward zero.
		step, err := fixedpoint.Mul(
			m.config.Get(KeyFundingFeeDecreaseFactorPerSecond), fixedpoint.U64(dt))
		if err != nil {
			return fixedpoint.Signed{}, err
		}
		mag := cur.Abs()
		if step.Cmp(mag) >= 0 {
			next = fixedpoint.SignedZero()
		} else {
			rem, err := fixedpoint.Sub(mag, step)
			if err != nil {
				return fixedpoint.Signed{}, err
			}
			next = fixedpoint.NewSigned(rem, cur.IsNegative())
		}
	default:
		next = cur
	}

	if next.IsZero() {
		return next, nil
	}
	return fixedpoint.NewSigned(m.clampFundingMagnitude(next.Abs()), next.IsNegative()), nil
}

func (m *Market) clampFundingMagnitude(mag *uint256.Int) *uint256.Int {
	max := m.config.Get(KeyFundingFeeMaxFactorPerSecond)
	if !max.IsZero() && mag.Gt(max) {
		return max
	}
	min := m.config.Get(KeyFundingFeeMinFactorPerSecond)
	if !min.IsZero() && mag.Lt(min) {
		return min.Clone()
	}
	return mag.Clone()
}

// UpdateFunding accrues per-size funding for the elapsed window at the old
// factor, derives the next factor, and bumps the funding clock. Callers run
// this inside a revertible snapshot.
func (m *Market) UpdateFunding(now int64) error {
	if now < m.FundingUpdatedAt {
		return errs.ErrInvalidArgument
	}
	dt := uint64(now - m.FundingUpdatedAt)
	next, err := m.NextFundingFactorPerSecond(now)
	if err != nil {
		return err
	}
	if dt > 0 && !m.fundingFactorPerSecond.IsZero() {
		if err := m.accrueFunding(dt); err != nil {
			return err
		}
	}
	m.fundingFactorPerSecond = next
	m.FundingUpdatedAt = now
	return nil
}

// accrueFunding moves per-size accumulators forward by |factor|*dt. The
// paying side accrues payable per-size; the receiving side accrues
// claimable per-size in long/short tokens proportional to the payer's
// collateral mix, scaled so value paid equals value receivable.
func (m *Market) accrueFunding(dt uint64) error {
	delta, err := fixedpoint.Mul(m.fundingFactorPerSecond.Abs(), fixedpoint.U64(dt))
	if err != nil {
		return err
	}
	if delta.IsZero() {
		return nil
	}
	payerIsLong := m.fundingFactorPerSecond.IsPositive()

	if err := m.pools[PoolFundingFeePerSize].ApplyDelta(payerIsLong, fixedpoint.Pos(delta)); err != nil {
		return err
	}

	payOi, err := m.OpenInterestValue(payerIsLong)
	if err != nil {
		return err
	}
	recvOi, err := m.OpenInterestValue(!payerIsLong)
	if err != nil {
		return err
	}
	if payOi.IsZero() || recvOi.IsZero() {
		return nil
	}

	// Receiver per-size scaled so total value receivable matches total paid.
	receiverDelta, err := fixedpoint.MulDiv(delta, payOi, recvOi)
	if err != nil {
		return err
	}

	payPool := m.pools[PoolOpenInterestForLong]
	if !payerIsLong {
		payPool = m.pools[PoolOpenInterestForShort]
	}
	longCollateralUsd := payPool.LongAmount()
	deltaLongToken, err := fixedpoint.MulDiv(receiverDelta, longCollateralUsd, payOi)
	if err != nil {
		return err
	}
	deltaShortToken, err := fixedpoint.Sub(receiverDelta, deltaLongToken)
	if err != nil {
		return err
	}

	if err := m.pools[PoolClaimableFundingPerSizeForLong].ApplyDelta(
		!payerIsLong, fixedpoint.Pos(deltaLongToken)); err != nil {
		return err
	}
	return m.pools[PoolClaimableFundingPerSizeForShort].ApplyDelta(
		!payerIsLong, fixedpoint.Pos(deltaShortToken))
}
