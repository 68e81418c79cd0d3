package market

import (
	"github.com/holiman/uint256"

	"PerpCore/internal/errs"
	"PerpCore/internal/fixedpoint"
	"PerpCore/internal/oracle"
)

// Pnl returns the aggregate pnl of one side at the index price. For longs
// this is open_interest_in_tokens * price - open_interest_usd; shorts are
// the mirror. maximize picks the price bound that maximizes the result.
func (m *Market) Pnl(indexPrice oracle.Price, isLong, maximize bool) (fixedpoint.Signed, error) {
	oiUsd, err := m.OpenInterestValue(isLong)
	if err != nil {
		return fixedpoint.Signed{}, err
	}
	oiTokens, err := m.OpenInterestInTokens(isLong)
	if err != nil {
		return fixedpoint.Signed{}, err
	}
	// Long pnl grows with price, short pnl shrinks with it.
	pick := indexPrice.Pick(maximize == isLong)
	tokensValue, err := fixedpoint.Mul(oiTokens, pick)
	if err != nil {
		return fixedpoint.Signed{}, err
	}
	if isLong {
		return fixedpoint.Pos(tokensValue).Sub(fixedpoint.Pos(oiUsd))
	}
	return fixedpoint.Pos(oiUsd).Sub(fixedpoint.Pos(tokensValue))
}

// basePoolValue is the pool worth before pnl deduction: primary pool at
// picked prices, plus the position-impact pool at the index price, plus the
// pool share of pending borrowing fees.
func (m *Market) basePoolValue(prices oracle.Prices, maximize bool) (*uint256.Int, error) {
	primary := m.pools[PoolPrimary]
	longValue, err := primary.LongUsdValue(prices.Long.Pick(maximize))
	if err != nil {
		return nil, err
	}
	shortValue, err := primary.ShortUsdValue(prices.Short.Pick(maximize))
	if err != nil {
		return nil, err
	}
	value, err := fixedpoint.Add(longValue, shortValue)
	if err != nil {
		return nil, err
	}

	impactAmount := m.pools[PoolPositionImpact].LongAmount()
	if !impactAmount.IsZero() {
		impactValue, err := fixedpoint.Mul(impactAmount, prices.Index.Pick(maximize))
		if err != nil {
			return nil, err
		}
		value, err = fixedpoint.Add(value, impactValue)
		if err != nil {
			return nil, err
		}
	}

	for _, isLong := range []bool{true, false} {
		pending, err := m.PendingBorrowingFeesValue(isLong)
		if err != nil {
			return nil, err
		}
		if pending.IsZero() {
			continue
		}
		receiverFactor := m.config.Get(KeyBorrowingFeeReceiverFactor)
		poolFactor, err := fixedpoint.Sub(fixedpoint.UsdUnit(), receiverFactor)
		if err != nil {
			return nil, err
		}
		poolShare, err := fixedpoint.ApplyFactor(pending, poolFactor)
		if err != nil {
			return nil, err
		}
		value, err = fixedpoint.Add(value, poolShare)
		if err != nil {
			return nil, err
		}
	}

	return value, nil
}

// CapPnl clamps a positive side pnl to the kind's configured share of the
// base pool value. Losses pass through uncapped.
func (m *Market) CapPnl(
	prices oracle.Prices,
	isLong bool,
	pnl fixedpoint.Signed,
	kind PnlFactorKind,
	maximize bool,
) (fixedpoint.Signed, error) {
	if !pnl.IsPositive() {
		return pnl, nil
	}
	factor := m.config.Get(pnlFactorKey(kind, isLong))
	if factor.IsZero() {
		return pnl, nil
	}
	base, err := m.basePoolValue(prices, maximize)
	if err != nil {
		return fixedpoint.Signed{}, err
	}
	cap, err := fixedpoint.ApplyFactor(base, factor)
	if err != nil {
		return fixedpoint.Signed{}, err
	}
	if pnl.Abs().Gt(cap) {
		return fixedpoint.Pos(cap), nil
	}
	return pnl, nil
}

// PnlFactor returns |side pnl| / base pool value as a 10^20 factor, signed
// with the pnl's sign.
func (m *Market) PnlFactor(prices oracle.Prices, isLong, maximize bool) (fixedpoint.Signed, error) {
	pnl, err := m.Pnl(prices.Index, isLong, maximize)
	if err != nil {
		return fixedpoint.Signed{}, err
	}
	base, err := m.basePoolValue(prices, maximize)
	if err != nil {
		return fixedpoint.Signed{}, err
	}
	if base.IsZero() {
		if pnl.IsZero() {
			return fixedpoint.SignedZero(), nil
		}
		return fixedpoint.Signed{}, errs.ErrComputation
	}
	factor, err := fixedpoint.DivToFactor(pnl.Abs(), base)
	if err != nil {
		return fixedpoint.Signed{}, err
	}
	return fixedpoint.NewSigned(factor, pnl.IsNegative()), nil
}

// PoolValue returns base value minus both sides' capped pnl. maximize picks
// the price bounds that maximize the result (and so minimize the deducted
// pnl).
func (m *Market) PoolValue(prices oracle.Prices, kind PnlFactorKind, maximize bool) (fixedpoint.Signed, error) {
	base, err := m.basePoolValue(prices, maximize)
	if err != nil {
		return fixedpoint.Signed{}, err
	}
	value := fixedpoint.Pos(base)
	for _, isLong := range []bool{true, false} {
		pnl, err := m.Pnl(prices.Index, isLong, !maximize)
		if err != nil {
			return fixedpoint.Signed{}, err
		}
		capped, err := m.CapPnl(prices, isLong, pnl, kind, maximize)
		if err != nil {
			return fixedpoint.Signed{}, err
		}
		value, err = value.Sub(capped)
		if err != nil {
			return fixedpoint.Signed{}, err
		}
	}
	return value, nil
}

// UsdToMarketTokenAmount prices a USD contribution in market tokens. With
// zero supply the market token is worth one USD per whole token, scaled by
// the divisor.
func UsdToMarketTokenAmount(
	usdValue *uint256.Int,
	poolValue fixedpoint.Signed,
	supply *uint256.Int,
	divisor *uint256.Int,
) (*uint256.Int, error) {
	if divisor == nil || divisor.IsZero() {
		return nil, errs.ErrInvalidArgument
	}
	if supply.IsZero() {
		unit, err := fixedpoint.Pow10(fixedpoint.MarketTokenDecimals)
		if err != nil {
			return nil, err
		}
		denom, err := fixedpoint.Mul(fixedpoint.UsdUnit(), divisor)
		if err != nil {
			return nil, err
		}
		return fixedpoint.MulDiv(usdValue, unit, denom)
	}
	if !poolValue.IsPositive() {
		return nil, errs.ErrInvalidArgument
	}
	return fixedpoint.MulDiv(supply, usdValue, poolValue.Abs())
}

// MarketTokenAmountToUsd values a market-token amount against pool value
// and supply.
func MarketTokenAmountToUsd(
	amount *uint256.Int,
	poolValue fixedpoint.Signed,
	supply *uint256.Int,
) (*uint256.Int, error) {
	if supply.IsZero() {
		return nil, errs.ErrInvalidArgument
	}
	if poolValue.IsNegative() {
		return nil, errs.ErrInvalidArgument
	}
	return fixedpoint.MulDiv(amount, poolValue.Abs(), supply)
}
