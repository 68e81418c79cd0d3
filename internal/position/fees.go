package position

import (
	"github.com/holiman/uint256"

	"PerpCore/internal/errs"
	"PerpCore/internal/fixedpoint"
	"PerpCore/internal/market"
	"PerpCore/internal/oracle"
)

// Fees is the cost breakdown of one position mutation. Amounts are in the
// position's collateral token unless stated otherwise; the claimable
// amounts are in the market's long/short tokens.
type Fees struct {
	OrderFeeAmount         *uint256.Int
	OrderFeeReceiverAmount *uint256.Int

	BorrowingFeeValue          *uint256.Int
	BorrowingFeeAmount         *uint256.Int
	BorrowingFeeReceiverAmount *uint256.Int

	FundingFeeAmount *uint256.Int

	ClaimableLongTokenAmount  *uint256.Int
	ClaimableShortTokenAmount *uint256.Int

	LiquidationFeeAmount         *uint256.Int
	LiquidationFeeReceiverAmount *uint256.Int
}

func newFees() *Fees {
	return &Fees{
		OrderFeeAmount:               new(uint256.Int),
		OrderFeeReceiverAmount:       new(uint256.Int),
		BorrowingFeeValue:            new(uint256.Int),
		BorrowingFeeAmount:           new(uint256.Int),
		BorrowingFeeReceiverAmount:   new(uint256.Int),
		FundingFeeAmount:             new(uint256.Int),
		ClaimableLongTokenAmount:     new(uint256.Int),
		ClaimableShortTokenAmount:    new(uint256.Int),
		LiquidationFeeAmount:         new(uint256.Int),
		LiquidationFeeReceiverAmount: new(uint256.Int),
	}
}

// TotalCostAmount sums every charge paid out of collateral.
func (f *Fees) TotalCostAmount() (*uint256.Int, error) {
	total, err := fixedpoint.Add(f.OrderFeeAmount, f.BorrowingFeeAmount)
	if err != nil {
		return nil, err
	}
	total, err = fixedpoint.Add(total, f.FundingFeeAmount)
	if err != nil {
		return nil, err
	}
	return fixedpoint.Add(total, f.LiquidationFeeAmount)
}

// PendingBorrowingFeeValue is the USD owed since the remembered cumulative
// borrowing factor.
func (p *Position) PendingBorrowingFeeValue(m *market.Market) (*uint256.Int, error) {
	cum := m.Pool(market.PoolBorrowingFactor).Amount(p.IsLong)
	if cum.Lt(p.BorrowingFactor) {
		return nil, errs.ErrComputation
	}
	delta, err := fixedpoint.Sub(cum, p.BorrowingFactor)
	if err != nil {
		return nil, err
	}
	return fixedpoint.ApplyFactor(p.SizeInUsd, delta)
}

// PendingFundingFeeValue is the USD owed since the remembered funding
// per-size accumulator.
func (p *Position) PendingFundingFeeValue(m *market.Market) (*uint256.Int, error) {
	perSize := m.Pool(market.PoolFundingFeePerSize).Amount(p.IsLong)
	if perSize.Lt(p.FundingFeePerSize) {
		return nil, errs.ErrComputation
	}
	delta, err := fixedpoint.Sub(perSize, p.FundingFeePerSize)
	if err != nil {
		return nil, err
	}
	return fixedpoint.ApplyFactor(p.SizeInUsd, delta)
}

// pendingClaimableFunding returns the accrued claimable amounts in long
// and short tokens since the remembered per-size accumulators.
func (p *Position) pendingClaimableFunding(
	m *market.Market,
	prices oracle.Prices,
) (longAmount, shortAmount *uint256.Int, err error) {
	claim := func(kind market.PoolKind, remembered *uint256.Int, price oracle.Price) (*uint256.Int, error) {
		perSize := m.Pool(kind).Amount(p.IsLong)
		if perSize.Lt(remembered) {
			return nil, errs.ErrComputation
		}
		delta, err := fixedpoint.Sub(perSize, remembered)
		if err != nil {
			return nil, err
		}
		value, err := fixedpoint.ApplyFactor(p.SizeInUsd, delta)
		if err != nil {
			return nil, err
		}
		return fixedpoint.MulDiv(value, fixedpoint.U64(1), price.Pick(false))
	}
	longAmount, err = claim(market.PoolClaimableFundingPerSizeForLong, p.ClaimableFundingPerSizeLong, prices.Long)
	if err != nil {
		return nil, nil, err
	}
	shortAmount, err = claim(market.PoolClaimableFundingPerSizeForShort, p.ClaimableFundingPerSizeShort, prices.Short)
	if err != nil {
		return nil, nil, err
	}
	return longAmount, shortAmount, nil
}

// valueToCollateralAmount converts a USD charge into collateral tokens,
// rounding against the holder.
func valueToCollateralAmount(value *uint256.Int, collateralPrice oracle.Price) (*uint256.Int, error) {
	return fixedpoint.MulDivCeil(value, fixedpoint.U64(1), collateralPrice.Pick(false))
}

// ComputeFees builds the full fee breakdown for a mutation of
// sizeDeltaUsd. positiveImpact selects which order-fee factor applies;
// isLiquidation adds the liquidation fee.
func (p *Position) ComputeFees(
	m *market.Market,
	prices oracle.Prices,
	sizeDeltaUsd *uint256.Int,
	positiveImpact bool,
	isLiquidation bool,
) (*Fees, error) {
	fees := newFees()
	cfg := m.Config()
	collateralPrice, err := p.CollateralPrice(m, prices)
	if err != nil {
		return nil, err
	}

	feeKey := market.KeyOrderFeeFactorForNegativeImpact
	if positiveImpact {
		feeKey = market.KeyOrderFeeFactorForPositiveImpact
	}
	orderFeeValue, err := fixedpoint.ApplyFactor(sizeDeltaUsd, cfg.Get(feeKey))
	if err != nil {
		return nil, err
	}
	if !orderFeeValue.IsZero() {
		fees.OrderFeeAmount, err = valueToCollateralAmount(orderFeeValue, collateralPrice)
		if err != nil {
			return nil, err
		}
		fees.OrderFeeReceiverAmount, err = fixedpoint.ApplyFactor(
			fees.OrderFeeAmount, cfg.Get(market.KeyOrderFeeReceiverFactor))
		if err != nil {
			return nil, err
		}
	}

	fees.BorrowingFeeValue, err = p.PendingBorrowingFeeValue(m)
	if err != nil {
		return nil, err
	}
	if !fees.BorrowingFeeValue.IsZero() {
		fees.BorrowingFeeAmount, err = valueToCollateralAmount(fees.BorrowingFeeValue, collateralPrice)
		if err != nil {
			return nil, err
		}
		fees.BorrowingFeeReceiverAmount, err = fixedpoint.ApplyFactor(
			fees.BorrowingFeeAmount, cfg.Get(market.KeyBorrowingFeeReceiverFactor))
		if err != nil {
			return nil, err
		}
	}

	fundingValue, err := p.PendingFundingFeeValue(m)
	if err != nil {
		return nil, err
	}
	if !fundingValue.IsZero() {
		fees.FundingFeeAmount, err = valueToCollateralAmount(fundingValue, collateralPrice)
		if err != nil {
			return nil, err
		}
	}

	fees.ClaimableLongTokenAmount, fees.ClaimableShortTokenAmount, err = p.pendingClaimableFunding(m, prices)
	if err != nil {
		return nil, err
	}

	if isLiquidation {
		liqValue, err := fixedpoint.ApplyFactor(sizeDeltaUsd, cfg.Get(market.KeyLiquidationFeeFactor))
		if err != nil {
			return nil, err
		}
		if !liqValue.IsZero() {
			fees.LiquidationFeeAmount, err = valueToCollateralAmount(liqValue, collateralPrice)
			if err != nil {
				return nil, err
			}
			fees.LiquidationFeeReceiverAmount, err = fixedpoint.ApplyFactor(
				fees.LiquidationFeeAmount, cfg.Get(market.KeyLiquidationFeeReceiverFactor))
			if err != nil {
				return nil, err
			}
		}
	}
	return fees, nil
}

// applyFeesToMarket routes collected fee amounts into the market's pools:
// receiver shares into the claimable-fee pool, the remainder into the
// primary pool as liquidity income, and the paid funding into the
// claimable-funding bucket for the receiving side. The accrued claimable
// amounts are deducted from their buckets, saturating, and reported back
// for transfer out.
func (p *Position) applyFeesToMarket(m *market.Market, fees *Fees) error {
	isLongCollateral, err := p.IsCollateralLongToken(m)
	if err != nil {
		return err
	}

	receiverTotal, err := fixedpoint.Add(fees.OrderFeeReceiverAmount, fees.BorrowingFeeReceiverAmount)
	if err != nil {
		return err
	}
	receiverTotal, err = fixedpoint.Add(receiverTotal, fees.LiquidationFeeReceiverAmount)
	if err != nil {
		return err
	}
	if !receiverTotal.IsZero() {
		if err := m.Pool(market.PoolClaimableFee).ApplyDelta(
			isLongCollateral, fixedpoint.Pos(receiverTotal)); err != nil {
			return err
		}
	}

	poolIncome, err := fees.TotalCostAmount()
	if err != nil {
		return err
	}
	poolIncome, err = fixedpoint.Sub(poolIncome, receiverTotal)
	if err != nil {
		return err
	}
	poolIncome, err = fixedpoint.Sub(poolIncome, fees.FundingFeeAmount)
	if err != nil {
		return err
	}
	if !poolIncome.IsZero() {
		if err := m.Pool(market.PoolPrimary).ApplyDelta(
			isLongCollateral, fixedpoint.Pos(poolIncome)); err != nil {
			return err
		}
	}

	if !fees.FundingFeeAmount.IsZero() {
		bucket := market.PoolClaimableFundingForShort
		if isLongCollateral {
			bucket = market.PoolClaimableFundingForLong
		}
		if err := m.Pool(bucket).ApplyDelta(p.IsLong, fixedpoint.Pos(fees.FundingFeeAmount)); err != nil {
			return err
		}
	}

	drain := func(kind market.PoolKind, amount *uint256.Int) (*uint256.Int, error) {
		if amount.IsZero() {
			return amount, nil
		}
		pl := m.Pool(kind)
		available, err := fixedpoint.Add(pl.LongAmount(), pl.ShortAmount())
		if err != nil {
			return nil, err
		}
		take := amount.Clone()
		if take.Gt(available) {
			take = available
		}
		// Drain long bucket first, then short.
		fromLong := pl.LongAmount()
		if fromLong.Gt(take) {
			fromLong = take.Clone()
		}
		if !fromLong.IsZero() {
			if err := pl.ApplyDeltaToLongAmount(fixedpoint.Neg(fromLong)); err != nil {
				return nil, err
			}
		}
		rest, err := fixedpoint.Sub(take, fromLong)
		if err != nil {
			return nil, err
		}
		if !rest.IsZero() {
			if err := pl.ApplyDeltaToShortAmount(fixedpoint.Neg(rest)); err != nil {
				return nil, err
			}
		}
		return take, nil
	}
	fees.ClaimableLongTokenAmount, err = drain(market.PoolClaimableFundingForLong, fees.ClaimableLongTokenAmount)
	if err != nil {
		return err
	}
	fees.ClaimableShortTokenAmount, err = drain(market.PoolClaimableFundingForShort, fees.ClaimableShortTokenAmount)
	if err != nil {
		return err
	}
	return nil
}

// rememberAccumulators writes the market's current accumulators into the
// position after a collection.
func (p *Position) rememberAccumulators(m *market.Market) {
	p.BorrowingFactor = m.Pool(market.PoolBorrowingFactor).Amount(p.IsLong)
	p.FundingFeePerSize = m.Pool(market.PoolFundingFeePerSize).Amount(p.IsLong)
	p.ClaimableFundingPerSizeLong = m.Pool(market.PoolClaimableFundingPerSizeForLong).Amount(p.IsLong)
	p.ClaimableFundingPerSizeShort = m.Pool(market.PoolClaimableFundingPerSizeForShort).Amount(p.IsLong)
}

// updateTotalBorrowing replaces the position's contribution to the
// total-borrowing pool, which tracks sum(size * remembered factor) and
// feeds the pending-borrowing pool valuation.
func (p *Position) updateTotalBorrowing(
	m *market.Market,
	prevSizeInUsd, prevBorrowingFactor *uint256.Int,
) error {
	prev, err := fixedpoint.ApplyFactor(prevSizeInUsd, prevBorrowingFactor)
	if err != nil {
		return err
	}
	next, err := fixedpoint.ApplyFactor(p.SizeInUsd, p.BorrowingFactor)
	if err != nil {
		return err
	}
	delta, err := fixedpoint.Pos(next).Sub(fixedpoint.Pos(prev))
	if err != nil {
		return err
	}
	return m.Pool(market.PoolTotalBorrowing).ApplyDelta(p.IsLong, delta)
}
