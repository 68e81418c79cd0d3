package market

import (
	"github.com/holiman/uint256"

	"PerpCore/internal/errs"
	"PerpCore/internal/fixedpoint"
	"PerpCore/internal/oracle"
)

// PendingBorrowingFeesValue returns the USD value of borrowing fees accrued
// by open positions of one side but not yet collected into the pool.
func (m *Market) PendingBorrowingFeesValue(isLong bool) (*uint256.Int, error) {
	oiUsd, err := m.OpenInterestValue(isLong)
	if err != nil {
		return nil, err
	}
	cum := m.pools[PoolBorrowingFactor].Amount(isLong)
	total, err := fixedpoint.ApplyFactor(oiUsd, cum)
	if err != nil {
		return nil, err
	}
	collected := m.pools[PoolTotalBorrowing].Amount(isLong)
	if total.Lt(collected) {
		// Rounding drift from per-position floor division.
		return new(uint256.Int), nil
	}
	return fixedpoint.Sub(total, collected)
}

// ReservedValue is the USD value a side's open interest reserves against
// the pool: index-token exposure for longs, USD exposure for shorts.
func (m *Market) ReservedValue(isLong bool, prices oracle.Prices) (*uint256.Int, error) {
	if isLong {
		oiTokens, err := m.OpenInterestInTokens(true)
		if err != nil {
			return nil, err
		}
		return fixedpoint.Mul(oiTokens, prices.Index.Max)
	}
	return m.OpenInterestValue(false)
}

// sidePoolUsd values the primary pool side at the minimized price.
func (m *Market) sidePoolUsd(isLong bool, prices oracle.Prices) (*uint256.Int, error) {
	price := prices.Long.Pick(false)
	if !isLong {
		price = prices.Short.Pick(false)
	}
	return fixedpoint.Mul(m.pools[PoolPrimary].Amount(isLong), price)
}

// UsageFactor is the side's utilization as a 10^20 factor: the larger of
// reserve usage and open-interest usage (the latter unless flagged off).
func (m *Market) UsageFactor(isLong bool, prices oracle.Prices) (*uint256.Int, error) {
	reserved, err := m.ReservedValue(isLong, prices)
	if err != nil {
		return nil, err
	}
	sideUsd, err := m.sidePoolUsd(isLong, prices)
	if err != nil {
		return nil, err
	}
	maxReserved, err := fixedpoint.ApplyFactor(sideUsd, m.config.Get(KeyReserveFactor))
	if err != nil {
		return nil, err
	}

	usage := new(uint256.Int)
	switch {
	case reserved.IsZero():
		// zero usage
	case maxReserved.IsZero():
		usage = fixedpoint.UsdUnit()
	default:
		usage, err = fixedpoint.DivToFactor(reserved, maxReserved)
		if err != nil {
			return nil, err
		}
	}

	if !m.config.HasFlag(FlagIgnoreOpenInterestForUsageFactor) {
		maxOiKey := KeyMaxOpenInterestForLong
		if !isLong {
			maxOiKey = KeyMaxOpenInterestForShort
		}
		maxOi := m.config.Get(maxOiKey)
		if !maxOi.IsZero() {
			oiUsd, err := m.OpenInterestValue(isLong)
			if err != nil {
				return nil, err
			}
			oiUsage, err := fixedpoint.DivToFactor(oiUsd, maxOi)
			if err != nil {
				return nil, err
			}
			if oiUsage.Gt(usage) {
				usage = oiUsage
			}
		}
	}

	if usage.Gt(fixedpoint.UsdUnit()) {
		usage = fixedpoint.UsdUnit()
	}
	return usage, nil
}

// BorrowingFactorPerSecond returns the side's current per-second borrowing
// factor. With an optimal usage factor configured it follows the kinked
// base/above-optimal scheme; otherwise factor * reserved^exponent / pool.
func (m *Market) BorrowingFactorPerSecond(isLong bool, prices oracle.Prices) (*uint256.Int, error) {
	if m.config.HasFlag(FlagSkipBorrowingFeeForSmallerSide) {
		smaller, err := m.isSmallerOpenInterestSide(isLong)
		if err != nil {
			return nil, err
		}
		if smaller {
			return new(uint256.Int), nil
		}
	}

	optimalKey := KeyBorrowingFeeOptimalUsageFactorForLong
	baseKey := KeyBorrowingFeeBaseFactorForLong
	aboveKey := KeyBorrowingFeeAboveOptimalUsageFactorForLong
	factorKey := KeyBorrowingFeeFactorForLong
	exponentKey := KeyBorrowingFeeExponentForLong
	if !isLong {
		optimalKey = KeyBorrowingFeeOptimalUsageFactorForShort
		baseKey = KeyBorrowingFeeBaseFactorForShort
		aboveKey = KeyBorrowingFeeAboveOptimalUsageFactorForShort
		factorKey = KeyBorrowingFeeFactorForShort
		exponentKey = KeyBorrowingFeeExponentForShort
	}

	optimal := m.config.Get(optimalKey)
	if !optimal.IsZero() {
		usage, err := m.UsageFactor(isLong, prices)
		if err != nil {
			return nil, err
		}
		factor := m.config.Get(baseKey)
		if usage.Gt(optimal) {
			excess, err := fixedpoint.Sub(usage, optimal)
			if err != nil {
				return nil, err
			}
			extra, err := fixedpoint.ApplyFactor(m.config.Get(aboveKey), excess)
			if err != nil {
				return nil, err
			}
			factor, err = fixedpoint.Add(factor, extra)
			if err != nil {
				return nil, err
			}
		}
		return factor, nil
	}

	reserved, err := m.ReservedValue(isLong, prices)
	if err != nil {
		return nil, err
	}
	if reserved.IsZero() {
		return new(uint256.Int), nil
	}
	sideUsd, err := m.sidePoolUsd(isLong, prices)
	if err != nil {
		return nil, err
	}
	if sideUsd.IsZero() {
		return nil, errs.ErrComputation
	}
	powered, err := fixedpoint.FactorPow(reserved, m.config.Get(exponentKey))
	if err != nil {
		return nil, err
	}
	return fixedpoint.MulDiv(powered, m.config.Get(factorKey), sideUsd)
}

func (m *Market) isSmallerOpenInterestSide(isLong bool) (bool, error) {
	long, err := m.OpenInterestValue(true)
	if err != nil {
		return false, err
	}
	short, err := m.OpenInterestValue(false)
	if err != nil {
		return false, err
	}
	if isLong {
		return long.Lt(short), nil
	}
	return short.Lt(long), nil
}

// NextCumulativeBorrowingFactor time-integrates the side's cumulative
// borrowing factor up to now.
func (m *Market) NextCumulativeBorrowingFactor(
	isLong bool,
	prices oracle.Prices,
	now int64,
) (*uint256.Int, error) {
	cur := m.pools[PoolBorrowingFactor].Amount(isLong)
	if now < m.BorrowingUpdatedAt {
		return nil, errs.ErrInvalidArgument
	}
	dt := uint64(now - m.BorrowingUpdatedAt)
	if dt == 0 {
		return cur, nil
	}
	perSecond, err := m.BorrowingFactorPerSecond(isLong, prices)
	if err != nil {
		return nil, err
	}
	delta, err := fixedpoint.Mul(perSecond, fixedpoint.U64(dt))
	if err != nil {
		return nil, err
	}
	return fixedpoint.Add(cur, delta)
}

// UpdateBorrowing advances both sides' cumulative borrowing factors and
// bumps the borrowing clock. Callers run this inside a revertible snapshot.
func (m *Market) UpdateBorrowing(prices oracle.Prices, now int64) error {
	for _, isLong := range []bool{true, false} {
		next, err := m.NextCumulativeBorrowingFactor(isLong, prices, now)
		if err != nil {
			return err
		}
		cur := m.pools[PoolBorrowingFactor].Amount(isLong)
		delta, err := fixedpoint.Sub(next, cur)
		if err != nil {
			return err
		}
		if err := m.pools[PoolBorrowingFactor].ApplyDelta(isLong, fixedpoint.Pos(delta)); err != nil {
			return err
		}
	}
	m.BorrowingUpdatedAt = now
	return nil
}
