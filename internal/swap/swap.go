// Package swap implements the multi-hop swap engine. A swap walks an
// ordered path of markets, converting the token at each hop against the
// market's primary pool with fees and price impact, and credits the final
// output token to the caller.
package swap

import (
	"fmt"

	"github.com/holiman/uint256"

	"PerpCore/internal/errs"
	"PerpCore/internal/fixedpoint"
	"PerpCore/internal/market"
	"PerpCore/internal/oracle"
	"PerpCore/internal/revertible"
)

// Params describe one swap request along a path of market tokens.
type Params struct {
	TokenIn         string
	AmountIn        *uint256.Int
	Path            []string
	MinOutputAmount *uint256.Int
}

// HopReport records one executed hop.
type HopReport struct {
	MarketToken string
	TokenIn     string
	TokenOut    string
	AmountIn    *uint256.Int
	AmountOut   *uint256.Int
	FeeAmount   *uint256.Int
	ImpactUsd   fixedpoint.Signed
}

// Report is the outcome of a full path execution.
type Report struct {
	TokenOut  string
	AmountOut *uint256.Int
	Hops      []HopReport
}

// Execute runs the swap over lazily snapshotted markets. The caller
// commits the set on success; on error the set is dropped whole.
func Execute(set *revertible.MarketSet, o *oracle.Oracle, params Params) (*Report, error) {
	if params.AmountIn == nil || params.AmountIn.IsZero() {
		return nil, fmt.Errorf("swap amount is zero: %w", errs.ErrInvalidArgument)
	}
	token := params.TokenIn
	amount := params.AmountIn.Clone()
	report := &Report{Hops: make([]HopReport, 0, len(params.Path))}

	for _, marketToken := range params.Path {
		m, err := set.Get(marketToken)
		if err != nil {
			return nil, err
		}
		hop, err := swapInMarket(m, o, token, amount)
		if err != nil {
			return nil, err
		}
		report.Hops = append(report.Hops, hop)
		token = hop.TokenOut
		amount = hop.AmountOut
	}

	report.TokenOut = token
	report.AmountOut = amount
	if params.MinOutputAmount != nil && amount.Lt(params.MinOutputAmount) {
		return nil, fmt.Errorf("output %s below minimum %s: %w",
			amount.Dec(), params.MinOutputAmount.Dec(), errs.ErrInsufficientOutputAmount)
	}
	return report, nil
}

// swapInMarket performs one hop against a working market copy.
func swapInMarket(m *market.Market, o *oracle.Oracle, tokenIn string, amountIn *uint256.Int) (HopReport, error) {
	isLongIn, err := m.IsLongToken(tokenIn)
	if err != nil {
		return HopReport{}, err
	}
	if m.LongToken == m.ShortToken {
		return HopReport{}, fmt.Errorf("market %s has a single collateral token: %w",
			m.MarketToken, errs.ErrInvalidArgument)
	}
	tokenOut := m.LongToken
	if isLongIn {
		tokenOut = m.ShortToken
	}
	prices, err := m.Prices(o)
	if err != nil {
		return HopReport{}, err
	}
	priceIn, priceOut := prices.Short, prices.Long
	if isLongIn {
		priceIn, priceOut = prices.Long, prices.Short
	}

	// Impact of moving amountIn worth of value from the in side to the
	// out side of the pool.
	valueIn, err := fixedpoint.Mul(amountIn, priceIn.Mid())
	if err != nil {
		return HopReport{}, err
	}
	deltaIn, deltaOut := fixedpoint.Pos(valueIn), fixedpoint.Neg(valueIn)
	deltaLong, deltaShort := deltaOut, deltaIn
	if isLongIn {
		deltaLong, deltaShort = deltaIn, deltaOut
	}
	impactUsd, err := m.SwapImpact(deltaLong, deltaShort, prices)
	if err != nil {
		return HopReport{}, err
	}

	feeKey := market.KeySwapFeeFactorForNegativeImpact
	if impactUsd.IsPositive() {
		feeKey = market.KeySwapFeeFactorForPositiveImpact
	}
	feeAmount, err := fixedpoint.ApplyFactor(amountIn, m.Config().Get(feeKey))
	if err != nil {
		return HopReport{}, err
	}
	receiverAmount, err := fixedpoint.ApplyFactor(feeAmount, m.Config().Get(market.KeySwapFeeReceiverFactor))
	if err != nil {
		return HopReport{}, err
	}
	poolFeeAmount, err := fixedpoint.Sub(feeAmount, receiverAmount)
	if err != nil {
		return HopReport{}, err
	}
	amountAfterFees, err := fixedpoint.Sub(amountIn, feeAmount)
	if err != nil {
		return HopReport{}, fmt.Errorf("fee exceeds swap amount: %w", errs.ErrNotEnoughTokenAmount)
	}

	isLongOut := !isLongIn
	var amountOut, poolOut *uint256.Int
	if impactUsd.IsPositive() {
		// The positive impact pays a bonus in token_out from the swap
		// impact pool, on top of the plain conversion.
		impactAmount, _, err := m.SwapImpactAmountWithCap(isLongOut, priceOut, impactUsd)
		if err != nil {
			return HopReport{}, err
		}
		poolOut, err = convertOut(amountAfterFees, priceIn, priceOut)
		if err != nil {
			return HopReport{}, err
		}
		amountOut, err = fixedpoint.Add(poolOut, impactAmount.Abs())
		if err != nil {
			return HopReport{}, err
		}
		if err := m.Pool(market.PoolSwapImpact).ApplyDelta(isLongOut, impactAmount.Negated()); err != nil {
			return HopReport{}, err
		}
	} else {
		// The negative impact is taken from the in amount and parked in
		// the swap impact pool in token_in.
		impactAmount, _, err := m.SwapImpactAmountWithCap(isLongIn, priceIn, impactUsd)
		if err != nil {
			return HopReport{}, err
		}
		amountAfterFees, err = fixedpoint.Sub(amountAfterFees, impactAmount.Abs())
		if err != nil {
			return HopReport{}, fmt.Errorf("impact exceeds swap amount: %w", errs.ErrNotEnoughTokenAmount)
		}
		if err := m.Pool(market.PoolSwapImpact).ApplyDelta(isLongIn, fixedpoint.Pos(impactAmount.Abs())); err != nil {
			return HopReport{}, err
		}
		amountOut, err = convertOut(amountAfterFees, priceIn, priceOut)
		if err != nil {
			return HopReport{}, err
		}
		poolOut = amountOut
	}

	if !receiverAmount.IsZero() {
		if err := m.Pool(market.PoolClaimableFee).ApplyDelta(isLongIn, fixedpoint.Pos(receiverAmount)); err != nil {
			return HopReport{}, err
		}
	}
	poolIn, err := fixedpoint.Add(amountAfterFees, poolFeeAmount)
	if err != nil {
		return HopReport{}, err
	}
	if err := m.Pool(market.PoolPrimary).ApplyDelta(isLongIn, fixedpoint.Pos(poolIn)); err != nil {
		return HopReport{}, err
	}
	if err := m.Pool(market.PoolPrimary).ApplyDelta(isLongOut, fixedpoint.Neg(poolOut)); err != nil {
		return HopReport{}, fmt.Errorf("pool cannot cover swap output: %w", errs.ErrNotEnoughTokenAmount)
	}
	if vi := m.VirtualInventoryForSwaps; vi != nil {
		if err := vi.ApplyDelta(isLongIn, fixedpoint.Pos(poolIn)); err != nil {
			return HopReport{}, err
		}
		if err := vi.ApplyDelta(isLongOut, fixedpoint.Neg(poolOut)); err != nil {
			return HopReport{}, err
		}
	}

	if err := m.ValidatePoolAmount(isLongIn); err != nil {
		return HopReport{}, err
	}
	if err := m.ValidateReserve(true, prices); err != nil {
		return HopReport{}, err
	}
	if err := m.ValidateReserve(false, prices); err != nil {
		return HopReport{}, err
	}

	return HopReport{
		MarketToken: m.MarketToken,
		TokenIn:     tokenIn,
		TokenOut:    tokenOut,
		AmountIn:    amountIn.Clone(),
		AmountOut:   amountOut,
		FeeAmount:   feeAmount,
		ImpactUsd:   impactUsd,
	}, nil
}

// convertOut converts an in-token amount to the out token, valuing the in
// token at its min price and the out token at its max price.
func convertOut(amountIn *uint256.Int, priceIn, priceOut oracle.Price) (*uint256.Int, error) {
	value, err := fixedpoint.Mul(amountIn, priceIn.Min)
	if err != nil {
		return nil, err
	}
	return fixedpoint.MulDiv(value, fixedpoint.U64(1), priceOut.Max)
}
