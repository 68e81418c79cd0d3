package position

import (
	"fmt"

	"github.com/holiman/uint256"

	"PerpCore/internal/errs"
	"PerpCore/internal/fixedpoint"
	"PerpCore/internal/market"
	"PerpCore/internal/oracle"
)

// DecreaseParams are the caller-supplied inputs of a decrease.
// Liquidations and ADL synthesize these with the insolvent-close and
// size-cap switches set per kind.
type DecreaseParams struct {
	SizeDeltaUsd               *uint256.Int
	CollateralWithdrawalAmount *uint256.Int
	AcceptablePrice            *uint256.Int
	IsInsolventCloseAllowed    bool
	IsLiquidation              bool
	IsCapSizeDeltaAllowed      bool
}

// DecreaseReport summarizes an executed decrease: the outputs owed to the
// user, the fee breakdown, and whether the position emptied out.
type DecreaseReport struct {
	Fees              *Fees
	ImpactUsd         fixedpoint.Signed
	ImpactDiffUsd     *uint256.Int
	ExecutionPrice    *uint256.Int
	SizeDeltaInTokens *uint256.Int
	RealizedPnlValue  fixedpoint.Signed

	// OutputAmount is in the collateral token, SecondaryOutputAmount in
	// the pnl token. ClaimableForHoldingAmount is the clamped-off impact
	// diff, earmarked in the claimable-fee pool.
	OutputAmount              *uint256.Int
	SecondaryOutputAmount     *uint256.Int
	ClaimableForHoldingAmount *uint256.Int

	ShouldRemove bool
	IsInsolvent  bool
}

// Decrease shrinks (or closes) the position by params against the working
// market m. The market must be a revertible working copy; on error the
// caller discards it.
func (p *Position) Decrease(
	m *market.Market,
	prices oracle.Prices,
	params DecreaseParams,
	now int64,
) (*DecreaseReport, error) {
	sizeDeltaUsd := params.SizeDeltaUsd.Clone()
	if sizeDeltaUsd.Gt(p.SizeInUsd) {
		if !params.IsCapSizeDeltaAllowed {
			return nil, fmt.Errorf("size delta exceeds position size: %w", errs.ErrInvalidArgument)
		}
		sizeDeltaUsd = p.SizeInUsd.Clone()
	}
	if err := m.UpdateBorrowing(prices, now); err != nil {
		return nil, err
	}
	if err := m.UpdateFunding(now); err != nil {
		return nil, err
	}
	if err := m.DistributePositionImpact(prices, now); err != nil {
		return nil, err
	}

	report := &DecreaseReport{
		ImpactUsd:                 fixedpoint.SignedZero(),
		ImpactDiffUsd:             new(uint256.Int),
		ExecutionPrice:            new(uint256.Int),
		SizeDeltaInTokens:         new(uint256.Int),
		RealizedPnlValue:          fixedpoint.SignedZero(),
		OutputAmount:              new(uint256.Int),
		SecondaryOutputAmount:     new(uint256.Int),
		ClaimableForHoldingAmount: new(uint256.Int),
	}

	if !sizeDeltaUsd.IsZero() {
		deltaLong, deltaShort := fixedpoint.SignedZero(), fixedpoint.SignedZero()
		if p.IsLong {
			deltaLong = fixedpoint.Neg(sizeDeltaUsd)
		} else {
			deltaShort = fixedpoint.Neg(sizeDeltaUsd)
		}
		impact, err := m.PositionImpact(deltaLong, deltaShort)
		if err != nil {
			return nil, err
		}
		impact, err = m.CapPositivePositionImpact(impact, sizeDeltaUsd, prices.Index)
		if err != nil {
			return nil, err
		}
		report.ImpactUsd, report.ImpactDiffUsd, err = m.CapNegativePositionImpact(
			impact, sizeDeltaUsd, params.IsLiquidation)
		if err != nil {
			return nil, err
		}

		report.RealizedPnlValue, report.SizeDeltaInTokens, err = p.PnlValue(prices.Index, sizeDeltaUsd)
		if err != nil {
			return nil, err
		}
		report.ExecutionPrice, err = p.executionPriceForDecrease(
			prices.Index, report.SizeDeltaInTokens, report.ImpactUsd)
		if err != nil {
			return nil, err
		}
		if err := p.checkDecreaseAcceptablePrice(report.ExecutionPrice, params.AcceptablePrice); err != nil {
			return nil, err
		}
		if err := applyImpactToImpactPool(m, prices.Index, report.ImpactUsd); err != nil {
			return nil, err
		}
	}

	fees, err := p.ComputeFees(m, prices, sizeDeltaUsd, report.ImpactUsd.IsPositive(), params.IsLiquidation)
	if err != nil {
		return nil, err
	}
	report.Fees = fees

	prevCollateral := p.CollateralAmount.Clone()
	prevSizeInUsd := p.SizeInUsd.Clone()
	prevBorrowingFactor := p.BorrowingFactor.Clone()

	if err := p.settle(m, prices, sizeDeltaUsd, params, report); err != nil {
		return nil, err
	}

	p.SizeInUsd, err = fixedpoint.Sub(p.SizeInUsd, sizeDeltaUsd)
	if err != nil {
		return nil, err
	}
	p.SizeInTokens, err = fixedpoint.Sub(p.SizeInTokens, report.SizeDeltaInTokens)
	if err != nil {
		return nil, err
	}
	if p.SizeInUsd.IsZero() {
		// Rounding may leave token dust on a full close; drop it with the
		// size so the both-zero invariant holds.
		p.SizeInTokens = new(uint256.Int)
		report.ShouldRemove = true
		out, err := fixedpoint.Add(report.OutputAmount, p.CollateralAmount)
		if err != nil {
			return nil, err
		}
		report.OutputAmount = out
		p.CollateralAmount = new(uint256.Int)
	}

	p.rememberAccumulators(m)
	p.DecreasedAt = now
	if err := p.updateTotalBorrowing(m, prevSizeInUsd, prevBorrowingFactor); err != nil {
		return nil, err
	}
	if err := p.applyOpenInterestDelta(m,
		fixedpoint.Neg(sizeDeltaUsd), fixedpoint.Neg(report.SizeDeltaInTokens)); err != nil {
		return nil, err
	}
	if err := p.applyCollateralSumDelta(m, prevCollateral); err != nil {
		return nil, err
	}

	if !report.ShouldRemove {
		if err := p.Validate(m, prices); err != nil {
			return nil, err
		}
	}
	return report, nil
}

// settle charges fees and realized losses against collateral and credits
// profit in the pnl token. On an insolvent close the remaining collateral
// is surrendered to the pool and unpaid costs are forgiven.
func (p *Position) settle(
	m *market.Market,
	prices oracle.Prices,
	sizeDeltaUsd *uint256.Int,
	params DecreaseParams,
	report *DecreaseReport,
) error {
	isLongCollateral, err := p.IsCollateralLongToken(m)
	if err != nil {
		return err
	}
	collateralPrice, err := p.CollateralPrice(m, prices)
	if err != nil {
		return err
	}

	pnlPlusImpact, err := report.RealizedPnlValue.Add(report.ImpactUsd)
	if err != nil {
		return err
	}

	cost, err := report.Fees.TotalCostAmount()
	if err != nil {
		return err
	}
	charge := cost.Clone()
	if pnlPlusImpact.IsNegative() {
		lossAmount, err := valueToCollateralAmount(pnlPlusImpact.Abs(), collateralPrice)
		if err != nil {
			return err
		}
		charge, err = fixedpoint.Add(charge, lossAmount)
		if err != nil {
			return err
		}
	}

	if charge.Gt(p.CollateralAmount) {
		if !params.IsInsolventCloseAllowed {
			return fmt.Errorf("costs %s exceed collateral %s: %w",
				charge.Dec(), p.CollateralAmount.Dec(), errs.ErrInsufficientFundsToPayForCosts)
		}
		// Insolvent close: pool absorbs everything that is left, fees are
		// forgiven, the user receives nothing.
		report.IsInsolvent = true
		if !p.CollateralAmount.IsZero() {
			if err := m.Pool(market.PoolPrimary).ApplyDelta(
				isLongCollateral, fixedpoint.Pos(p.CollateralAmount)); err != nil {
				return err
			}
		}
		p.CollateralAmount = new(uint256.Int)
		return nil
	}

	if err := p.applyFeesToMarket(m, report.Fees); err != nil {
		return err
	}

	remaining, err := fixedpoint.Sub(p.CollateralAmount, charge)
	if err != nil {
		return err
	}
	if pnlPlusImpact.IsNegative() {
		// The realized loss stays in the pool as collateral tokens.
		lossAmount, err := fixedpoint.Sub(charge, cost)
		if err != nil {
			return err
		}
		if !lossAmount.IsZero() {
			if err := m.Pool(market.PoolPrimary).ApplyDelta(
				isLongCollateral, fixedpoint.Pos(lossAmount)); err != nil {
				return err
			}
		}
	} else if pnlPlusImpact.IsPositive() {
		// Profit is paid out of the pool in the pnl token.
		pnlPrice := prices.Short
		pnlTokenIsLong := p.IsLong
		if pnlTokenIsLong {
			pnlPrice = prices.Long
		}
		profitAmount, err := fixedpoint.MulDiv(
			pnlPlusImpact.Abs(), fixedpoint.U64(1), pnlPrice.Pick(true))
		if err != nil {
			return err
		}
		if err := m.Pool(market.PoolPrimary).ApplyDelta(
			pnlTokenIsLong, fixedpoint.Neg(profitAmount)); err != nil {
			return fmt.Errorf("pool cannot cover profit: %w", errs.ErrInvalidMarketBalance)
		}
		report.SecondaryOutputAmount = profitAmount
	}

	if !report.ImpactDiffUsd.IsZero() {
		// The clamped-off negative impact is earmarked for the holding
		// account out of the user's collateral.
		diffAmount, err := valueToCollateralAmount(report.ImpactDiffUsd, collateralPrice)
		if err != nil {
			return err
		}
		if diffAmount.Gt(remaining) {
			diffAmount = remaining.Clone()
		}
		if !diffAmount.IsZero() {
			remaining, err = fixedpoint.Sub(remaining, diffAmount)
			if err != nil {
				return err
			}
			if err := m.Pool(market.PoolClaimableFee).ApplyDelta(
				isLongCollateral, fixedpoint.Pos(diffAmount)); err != nil {
				return err
			}
			report.ClaimableForHoldingAmount = diffAmount
		}
	}

	withdrawal := params.CollateralWithdrawalAmount.Clone()
	if withdrawal.Gt(remaining) {
		withdrawal = remaining.Clone()
	}
	if !withdrawal.IsZero() {
		remaining, err = fixedpoint.Sub(remaining, withdrawal)
		if err != nil {
			return err
		}
		report.OutputAmount, err = fixedpoint.Add(report.OutputAmount, withdrawal)
		if err != nil {
			return err
		}
	}
	p.CollateralAmount = remaining
	return nil
}

// executionPriceForDecrease reports the realized per-token price after
// impact adjustment.
func (p *Position) executionPriceForDecrease(
	indexPrice oracle.Price,
	sizeDeltaInTokens *uint256.Int,
	impactUsd fixedpoint.Signed,
) (*uint256.Int, error) {
	if sizeDeltaInTokens.IsZero() {
		return indexPrice.Pick(!p.IsLong), nil
	}
	pick := indexPrice.Pick(!p.IsLong)
	proceeds, err := fixedpoint.Mul(sizeDeltaInTokens, pick)
	if err != nil {
		return nil, err
	}
	effective, err := fixedpoint.ApplyDelta(proceeds, impactUsd)
	if err != nil {
		return nil, err
	}
	return fixedpoint.MulDiv(effective, fixedpoint.U64(1), sizeDeltaInTokens)
}

// checkDecreaseAcceptablePrice gates the realized price: closing a long
// must realize at least the acceptable price, closing a short at most.
func (p *Position) checkDecreaseAcceptablePrice(executionPrice, acceptable *uint256.Int) error {
	if acceptable == nil || acceptable.IsZero() {
		return nil
	}
	if p.IsLong && executionPrice.Lt(acceptable) {
		return fmt.Errorf("execution price %s below acceptable %s: %w",
			executionPrice.Dec(), acceptable.Dec(), errs.ErrNotFulfillableAtAcceptablePrice)
	}
	if !p.IsLong && executionPrice.Gt(acceptable) {
		return fmt.Errorf("execution price %s above acceptable %s: %w",
			executionPrice.Dec(), acceptable.Dec(), errs.ErrNotFulfillableAtAcceptablePrice)
	}
	return nil
}
