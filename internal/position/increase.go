package position

import (
	"fmt"

	"github.com/holiman/uint256"

	"PerpCore/internal/errs"
	"PerpCore/internal/fixedpoint"
	"PerpCore/internal/market"
	"PerpCore/internal/oracle"
)

// IncreaseParams are the caller-supplied inputs of an increase.
// AcceptablePrice is a unit price bound; nil disables the check.
type IncreaseParams struct {
	CollateralDeltaAmount *uint256.Int
	SizeDeltaUsd          *uint256.Int
	AcceptablePrice       *uint256.Int
}

// IncreaseReport summarizes an executed increase.
type IncreaseReport struct {
	Fees              *Fees
	ImpactUsd         fixedpoint.Signed
	ExecutionPrice    *uint256.Int
	SizeDeltaInTokens *uint256.Int
}

// Increase grows the position by params against the working market m.
// The market must be a revertible working copy; on error the caller
// discards it.
func (p *Position) Increase(
	m *market.Market,
	prices oracle.Prices,
	params IncreaseParams,
	now int64,
) (*IncreaseReport, error) {
	if err := m.UpdateBorrowing(prices, now); err != nil {
		return nil, err
	}
	if err := m.UpdateFunding(now); err != nil {
		return nil, err
	}
	if err := m.DistributePositionImpact(prices, now); err != nil {
		return nil, err
	}

	report := &IncreaseReport{
		ImpactUsd:         fixedpoint.SignedZero(),
		ExecutionPrice:    new(uint256.Int),
		SizeDeltaInTokens: new(uint256.Int),
	}

	if !params.SizeDeltaUsd.IsZero() {
		deltaLong, deltaShort := fixedpoint.SignedZero(), fixedpoint.SignedZero()
		if p.IsLong {
			deltaLong = fixedpoint.Pos(params.SizeDeltaUsd)
		} else {
			deltaShort = fixedpoint.Pos(params.SizeDeltaUsd)
		}
		impact, err := m.PositionImpact(deltaLong, deltaShort)
		if err != nil {
			return nil, err
		}
		report.ImpactUsd, err = m.CapPositivePositionImpact(impact, params.SizeDeltaUsd, prices.Index)
		if err != nil {
			return nil, err
		}
	}

	fees, err := p.ComputeFees(m, prices, params.SizeDeltaUsd, report.ImpactUsd.IsPositive(), false)
	if err != nil {
		return nil, err
	}
	report.Fees = fees

	if !params.SizeDeltaUsd.IsZero() {
		report.SizeDeltaInTokens, report.ExecutionPrice, err = p.sizeDeltaInTokensForIncrease(
			prices.Index, params.SizeDeltaUsd, report.ImpactUsd)
		if err != nil {
			return nil, err
		}
		if err := p.checkAcceptablePrice(report.ExecutionPrice, params.AcceptablePrice); err != nil {
			return nil, err
		}
		if err := applyImpactToImpactPool(m, prices.Index, report.ImpactUsd); err != nil {
			return nil, err
		}
	}

	prevCollateral := p.CollateralAmount.Clone()
	prevSizeInUsd := p.SizeInUsd.Clone()
	prevBorrowingFactor := p.BorrowingFactor.Clone()

	if err := p.applyFeesToMarket(m, fees); err != nil {
		return nil, err
	}
	cost, err := fees.TotalCostAmount()
	if err != nil {
		return nil, err
	}
	collateral, err := fixedpoint.Add(p.CollateralAmount, params.CollateralDeltaAmount)
	if err != nil {
		return nil, err
	}
	collateral, err = fixedpoint.Sub(collateral, cost)
	if err != nil {
		return nil, fmt.Errorf("fees exceed collateral: %w", errs.ErrInsufficientFundsToPayForCosts)
	}
	p.CollateralAmount = collateral

	p.SizeInUsd, err = fixedpoint.Add(p.SizeInUsd, params.SizeDeltaUsd)
	if err != nil {
		return nil, err
	}
	p.SizeInTokens, err = fixedpoint.Add(p.SizeInTokens, report.SizeDeltaInTokens)
	if err != nil {
		return nil, err
	}
	p.rememberAccumulators(m)
	p.IncreasedAt = now
	if err := p.updateTotalBorrowing(m, prevSizeInUsd, prevBorrowingFactor); err != nil {
		return nil, err
	}

	if err := p.applyOpenInterestDelta(m,
		fixedpoint.Pos(params.SizeDeltaUsd), fixedpoint.Pos(report.SizeDeltaInTokens)); err != nil {
		return nil, err
	}
	if err := p.applyCollateralSumDelta(m, prevCollateral); err != nil {
		return nil, err
	}

	if err := m.ValidateOpenInterest(p.IsLong); err != nil {
		return nil, err
	}
	if err := m.ValidateReserve(p.IsLong, prices); err != nil {
		return nil, err
	}
	if err := m.ValidateOpenInterestReserve(p.IsLong, prices); err != nil {
		return nil, err
	}
	if err := p.Validate(m, prices); err != nil {
		return nil, err
	}
	return report, nil
}

// sizeDeltaInTokensForIncrease converts the USD size delta, adjusted by
// impact, into index tokens. Longs round down, shorts round up, and the
// realized execution price is reported back for the acceptable-price gate.
func (p *Position) sizeDeltaInTokensForIncrease(
	indexPrice oracle.Price,
	sizeDeltaUsd *uint256.Int,
	impactUsd fixedpoint.Signed,
) (*uint256.Int, *uint256.Int, error) {
	picked := indexPrice.Max
	if p.IsLong {
		picked = indexPrice.Min
	}
	net, err := fixedpoint.ApplyDelta(sizeDeltaUsd, impactUsd)
	if err != nil {
		return nil, nil, err
	}
	var tokens *uint256.Int
	if p.IsLong {
		tokens, err = fixedpoint.MulDiv(net, fixedpoint.U64(1), picked)
	} else {
		tokens, err = fixedpoint.MulDivCeil(net, fixedpoint.U64(1), picked)
	}
	if err != nil {
		return nil, nil, err
	}
	if tokens.IsZero() {
		return nil, nil, errs.ErrComputation
	}
	execPrice, err := fixedpoint.MulDivCeil(sizeDeltaUsd, fixedpoint.U64(1), tokens)
	if err != nil {
		return nil, nil, err
	}
	return tokens, execPrice, nil
}

// checkAcceptablePrice gates the realized execution price: a long pays at
// most the acceptable price, a short receives at least it.
func (p *Position) checkAcceptablePrice(executionPrice, acceptable *uint256.Int) error {
	if acceptable == nil || acceptable.IsZero() {
		return nil
	}
	if p.IsLong && executionPrice.Gt(acceptable) {
		return fmt.Errorf("execution price %s above acceptable %s: %w",
			executionPrice.Dec(), acceptable.Dec(), errs.ErrNotFulfillableAtAcceptablePrice)
	}
	if !p.IsLong && executionPrice.Lt(acceptable) {
		return fmt.Errorf("execution price %s below acceptable %s: %w",
			executionPrice.Dec(), acceptable.Dec(), errs.ErrNotFulfillableAtAcceptablePrice)
	}
	return nil
}

// applyImpactToImpactPool settles a position impact against the impact
// pool: negative impact deposits index tokens, positive impact pays out.
func applyImpactToImpactPool(m *market.Market, indexPrice oracle.Price, impactUsd fixedpoint.Signed) error {
	if impactUsd.IsZero() {
		return nil
	}
	if impactUsd.IsPositive() {
		amount, err := fixedpoint.MulDiv(impactUsd.Abs(), fixedpoint.U64(1), indexPrice.Max)
		if err != nil {
			return err
		}
		return m.ApplyDeltaToPositionImpactPool(fixedpoint.Neg(amount))
	}
	amount, err := fixedpoint.MulDiv(impactUsd.Abs(), fixedpoint.U64(1), indexPrice.Min)
	if err != nil {
		return err
	}
	return m.ApplyDeltaToPositionImpactPool(fixedpoint.Pos(amount))
}

// applyOpenInterestDelta mirrors the position's size change into the four
// open-interest pools, bucketed by the collateral token's side.
func (p *Position) applyOpenInterestDelta(
	m *market.Market,
	usdDelta, tokensDelta fixedpoint.Signed,
) error {
	isLongCollateral, err := p.IsCollateralLongToken(m)
	if err != nil {
		return err
	}
	usdKind := market.PoolOpenInterestForShort
	tokensKind := market.PoolOpenInterestInTokensForShort
	if p.IsLong {
		usdKind = market.PoolOpenInterestForLong
		tokensKind = market.PoolOpenInterestInTokensForLong
	}
	if err := m.Pool(usdKind).ApplyDelta(isLongCollateral, usdDelta); err != nil {
		return err
	}
	return m.Pool(tokensKind).ApplyDelta(isLongCollateral, tokensDelta)
}

// applyCollateralSumDelta adjusts the collateral-sum pool by the change in
// this position's collateral since prevCollateral.
func (p *Position) applyCollateralSumDelta(m *market.Market, prevCollateral *uint256.Int) error {
	isLongCollateral, err := p.IsCollateralLongToken(m)
	if err != nil {
		return err
	}
	delta, err := fixedpoint.Pos(p.CollateralAmount).Sub(fixedpoint.Pos(prevCollateral))
	if err != nil {
		return err
	}
	kind := market.PoolCollateralSumForShort
	if isLongCollateral {
		kind = market.PoolCollateralSumForLong
	}
	return m.Pool(kind).ApplyDelta(p.IsLong, delta)
}
