// Package position implements the per-user position model and the
// increase/decrease algorithms that mutate it together with its market.
package position

import (
	"fmt"

	"github.com/holiman/uint256"

	"PerpCore/internal/errs"
	"PerpCore/internal/fixedpoint"
	"PerpCore/internal/market"
	"PerpCore/internal/oracle"
)

// Position is keyed by (owner, market token, collateral token, side).
// The remembered factors are the market accumulators as of the last
// mutation; pending fees are the difference to the current accumulators.
type Position struct {
	Owner           string
	MarketToken     string
	CollateralToken string
	IsLong          bool

	SizeInUsd        *uint256.Int
	SizeInTokens     *uint256.Int
	CollateralAmount *uint256.Int

	BorrowingFactor              *uint256.Int
	FundingFeePerSize            *uint256.Int
	ClaimableFundingPerSizeLong  *uint256.Int
	ClaimableFundingPerSizeShort *uint256.Int

	TradeID     uint64
	IncreasedAt int64
	DecreasedAt int64
}

// New returns an empty position.
func New(owner, marketToken, collateralToken string, isLong bool) *Position {
	return &Position{
		Owner:                        owner,
		MarketToken:                  marketToken,
		CollateralToken:              collateralToken,
		IsLong:                       isLong,
		SizeInUsd:                    new(uint256.Int),
		SizeInTokens:                 new(uint256.Int),
		CollateralAmount:             new(uint256.Int),
		BorrowingFactor:              new(uint256.Int),
		FundingFeePerSize:            new(uint256.Int),
		ClaimableFundingPerSizeLong:  new(uint256.Int),
		ClaimableFundingPerSizeShort: new(uint256.Int),
	}
}

// Clone returns a deep copy.
func (p *Position) Clone() *Position {
	c := *p
	c.SizeInUsd = p.SizeInUsd.Clone()
	c.SizeInTokens = p.SizeInTokens.Clone()
	c.CollateralAmount = p.CollateralAmount.Clone()
	c.BorrowingFactor = p.BorrowingFactor.Clone()
	c.FundingFeePerSize = p.FundingFeePerSize.Clone()
	c.ClaimableFundingPerSizeLong = p.ClaimableFundingPerSizeLong.Clone()
	c.ClaimableFundingPerSizeShort = p.ClaimableFundingPerSizeShort.Clone()
	return &c
}

// IsEmpty reports whether the position carries no size and no collateral.
func (p *Position) IsEmpty() bool {
	return p.SizeInUsd.IsZero() && p.SizeInTokens.IsZero() && p.CollateralAmount.IsZero()
}

// IsCollateralLongToken resolves the collateral token's side in m.
func (p *Position) IsCollateralLongToken(m *market.Market) (bool, error) {
	return m.IsLongToken(p.CollateralToken)
}

// CollateralPrice picks the collateral token's price from the triple.
func (p *Position) CollateralPrice(m *market.Market, prices oracle.Prices) (oracle.Price, error) {
	isLongToken, err := p.IsCollateralLongToken(m)
	if err != nil {
		return oracle.Price{}, err
	}
	if isLongToken {
		return prices.Long, nil
	}
	return prices.Short, nil
}

// PnlToken is the token profits are paid in: the long token for longs,
// the short token for shorts.
func (p *Position) PnlToken(m *market.Market) string {
	if p.IsLong {
		return m.LongToken
	}
	return m.ShortToken
}

// PnlValue returns the position's unrealized pnl for a portion of its
// size, settled at the worse index price bound for the holder, together
// with the portion's token count. Longs round the token portion up,
// shorts down, so closing never over-credits.
func (p *Position) PnlValue(
	indexPrice oracle.Price,
	sizeDeltaUsd *uint256.Int,
) (fixedpoint.Signed, *uint256.Int, error) {
	if p.SizeInUsd.IsZero() {
		return fixedpoint.SignedZero(), new(uint256.Int), nil
	}
	if sizeDeltaUsd.Gt(p.SizeInUsd) {
		return fixedpoint.Signed{}, nil, errs.ErrInvalidArgument
	}
	var portionTokens *uint256.Int
	var err error
	if p.IsLong {
		portionTokens, err = fixedpoint.MulDivCeil(p.SizeInTokens, sizeDeltaUsd, p.SizeInUsd)
	} else {
		portionTokens, err = fixedpoint.MulDiv(p.SizeInTokens, sizeDeltaUsd, p.SizeInUsd)
	}
	if err != nil {
		return fixedpoint.Signed{}, nil, err
	}
	// Settle at the bound that favors the pool.
	pick := indexPrice.Pick(!p.IsLong)
	tokensValue, err := fixedpoint.Mul(portionTokens, pick)
	if err != nil {
		return fixedpoint.Signed{}, nil, err
	}
	var pnl fixedpoint.Signed
	if p.IsLong {
		pnl, err = fixedpoint.Pos(tokensValue).Sub(fixedpoint.Pos(sizeDeltaUsd))
	} else {
		pnl, err = fixedpoint.Pos(sizeDeltaUsd).Sub(fixedpoint.Pos(tokensValue))
	}
	if err != nil {
		return fixedpoint.Signed{}, nil, err
	}
	return pnl, portionTokens, nil
}

// Validate checks the size/collateral invariants after a mutation. Empty
// positions pass; non-empty ones must carry both size legs, meet the
// minimum size, and not be liquidatable.
func (p *Position) Validate(m *market.Market, prices oracle.Prices) error {
	if p.IsEmpty() {
		return nil
	}
	if p.SizeInUsd.IsZero() != p.SizeInTokens.IsZero() {
		return fmt.Errorf("size legs disagree: %w", errs.ErrInvalidPosition)
	}
	if p.SizeInUsd.IsZero() {
		// Collateral-only position: nothing further to check.
		return nil
	}
	minSize := m.Config().Get(market.KeyMinPositionSizeUsd)
	if !minSize.IsZero() && p.SizeInUsd.Lt(minSize) {
		return fmt.Errorf("size below minimum: %w", errs.ErrInvalidPosition)
	}
	if reason, liquidatable, err := p.CheckLiquidatable(m, prices); err != nil {
		return err
	} else if liquidatable {
		return errs.Liquidatable(reason)
	}
	return nil
}

// minCollateralFactor returns the configured minimum collateral factor,
// raised by the open-interest multiplier when one is configured.
func (p *Position) minCollateralFactor(m *market.Market) (*uint256.Int, error) {
	factor := m.Config().Get(market.KeyMinCollateralFactor)
	key := market.KeyMinCollateralFactorForOpenInterestMultiplierForShort
	if p.IsLong {
		key = market.KeyMinCollateralFactorForOpenInterestMultiplierForLong
	}
	multiplier := m.Config().Get(key)
	if multiplier.IsZero() {
		return factor, nil
	}
	oi, err := m.OpenInterestValue(p.IsLong)
	if err != nil {
		return nil, err
	}
	byOi, err := fixedpoint.ApplyFactor(oi, multiplier)
	if err != nil {
		return nil, err
	}
	if byOi.Gt(factor) {
		factor = byOi
	}
	return factor, nil
}

// CheckLiquidatable evaluates the position at current prices and reports
// the first violated survival condition, if any. The remaining value is
// collateral plus pnl minus pending borrowing and funding costs.
func (p *Position) CheckLiquidatable(
	m *market.Market,
	prices oracle.Prices,
) (errs.LiquidationReason, bool, error) {
	if p.SizeInUsd.IsZero() {
		return 0, false, nil
	}
	minSize := m.Config().Get(market.KeyMinPositionSizeUsd)
	if !minSize.IsZero() && p.SizeInUsd.Lt(minSize) {
		return errs.LiquidationReasonMinPositionSize, true, nil
	}

	collateralPrice, err := p.CollateralPrice(m, prices)
	if err != nil {
		return 0, false, err
	}
	collateralValue, err := fixedpoint.Mul(p.CollateralAmount, collateralPrice.Pick(false))
	if err != nil {
		return 0, false, err
	}
	pnl, _, err := p.PnlValue(prices.Index, p.SizeInUsd)
	if err != nil {
		return 0, false, err
	}
	costs, err := p.pendingCostValue(m, prices)
	if err != nil {
		return 0, false, err
	}

	remaining, err := fixedpoint.Pos(collateralValue).Add(pnl)
	if err != nil {
		return 0, false, err
	}
	remaining, err = remaining.Sub(fixedpoint.Pos(costs))
	if err != nil {
		return 0, false, err
	}
	if !remaining.IsPositive() {
		return errs.LiquidationReasonNotPositive, true, nil
	}

	minCollateralValue := m.Config().Get(market.KeyMinCollateralValue)
	if remaining.Abs().Lt(minCollateralValue) {
		return errs.LiquidationReasonMinCollateral, true, nil
	}

	minFactor, err := p.minCollateralFactor(m)
	if err != nil {
		return 0, false, err
	}
	if !minFactor.IsZero() {
		required, err := fixedpoint.ApplyFactor(p.SizeInUsd, minFactor)
		if err != nil {
			return 0, false, err
		}
		if remaining.Abs().Lt(required) {
			return errs.LiquidationReasonMinCollateralForLeverage, true, nil
		}
	}
	return 0, false, nil
}

// pendingCostValue sums the not-yet-collected borrowing and funding fee
// values against the current market accumulators.
func (p *Position) pendingCostValue(m *market.Market, prices oracle.Prices) (*uint256.Int, error) {
	borrowing, err := p.PendingBorrowingFeeValue(m)
	if err != nil {
		return nil, err
	}
	funding, err := p.PendingFundingFeeValue(m)
	if err != nil {
		return nil, err
	}
	return fixedpoint.Add(borrowing, funding)
}
