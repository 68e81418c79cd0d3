package exec

import (
	"fmt"

	"github.com/holiman/uint256"

	"PerpCore/internal/errs"
	"PerpCore/internal/fixedpoint"
	"PerpCore/internal/market"
	"PerpCore/internal/oracle"
)

// Shared liquidity model used by deposits, withdrawals, and shifts.
// Deposit contributions are valued at the min price, withdrawal outputs
// at the max price; price impact between the two sides is computed at
// mid prices, the same convention the swap engine uses.

// depositIntoMarket mints market tokens for the provided long/short
// amounts and moves the tokens into the primary pool. skipFees is the
// shift path, which pays impact but no swap fees.
func depositIntoMarket(
	m *market.Market,
	prices oracle.Prices,
	longAmount, shortAmount *uint256.Int,
	now int64,
	skipFees bool,
) (*uint256.Int, error) {
	if longAmount.IsZero() && shortAmount.IsZero() {
		return nil, fmt.Errorf("empty deposit: %w", errs.ErrInvalidArgument)
	}
	if err := m.DistributePositionImpact(prices, now); err != nil {
		return nil, err
	}

	longValue, err := fixedpoint.Mul(longAmount, prices.Long.Mid())
	if err != nil {
		return nil, err
	}
	shortValue, err := fixedpoint.Mul(shortAmount, prices.Short.Mid())
	if err != nil {
		return nil, err
	}
	totalValue, err := fixedpoint.Add(longValue, shortValue)
	if err != nil {
		return nil, err
	}

	impact, err := m.SwapImpact(fixedpoint.Pos(longValue), fixedpoint.Pos(shortValue), prices)
	if err != nil {
		return nil, err
	}

	minted := new(uint256.Int)
	for _, side := range []struct {
		isLong    bool
		amount    *uint256.Int
		sideValue *uint256.Int
		price     oracle.Price
	}{
		{true, longAmount, longValue, prices.Long},
		{false, shortAmount, shortValue, prices.Short},
	} {
		if side.amount.IsZero() {
			continue
		}
		shareAbs, err := fixedpoint.MulDiv(impact.Abs(), side.sideValue, totalValue)
		if err != nil {
			return nil, err
		}
		share := fixedpoint.NewSigned(shareAbs, impact.IsNegative())

		sideMinted, err := depositSide(m, prices, side.price, side.amount, side.isLong, share, skipFees)
		if err != nil {
			return nil, err
		}
		minted, err = fixedpoint.Add(minted, sideMinted)
		if err != nil {
			return nil, err
		}
	}

	for _, isLong := range []bool{true, false} {
		if m.Pool(market.PoolPrimary).Amount(isLong).IsZero() {
			continue
		}
		if err := m.ValidatePoolAmount(isLong); err != nil {
			return nil, err
		}
		if err := m.ValidatePoolValueForDeposit(isLong, prices); err != nil {
			return nil, err
		}
	}
	if err := m.ValidateMaxPnl(prices, market.PnlFactorForDeposit, market.PnlFactorForDeposit); err != nil {
		return nil, err
	}
	return minted, nil
}

// depositSide converts one token contribution into market tokens. The
// pool value is taken before the side's pool mutation so the mint is
// priced against pre-deposit liquidity.
func depositSide(
	m *market.Market,
	prices oracle.Prices,
	price oracle.Price,
	amount *uint256.Int,
	isLong bool,
	impactShare fixedpoint.Signed,
	skipFees bool,
) (*uint256.Int, error) {
	cfg := m.Config()

	fee := new(uint256.Int)
	receiverFee := new(uint256.Int)
	if !skipFees {
		feeKey := market.KeySwapFeeFactorForNegativeImpact
		if impactShare.IsPositive() {
			feeKey = market.KeySwapFeeFactorForPositiveImpact
		}
		var err error
		fee, err = fixedpoint.ApplyFactor(amount, cfg.Get(feeKey))
		if err != nil {
			return nil, err
		}
		receiverFee, err = fixedpoint.ApplyFactor(fee, cfg.Get(market.KeySwapFeeReceiverFactor))
		if err != nil {
			return nil, err
		}
	}

	afterFees, err := fixedpoint.Sub(amount, fee)
	if err != nil {
		return nil, fmt.Errorf("deposit smaller than fees: %w", errs.ErrNotEnoughTokenAmount)
	}
	poolFee, err := fixedpoint.Sub(fee, receiverFee)
	if err != nil {
		return nil, err
	}

	if !receiverFee.IsZero() {
		if err := m.Pool(market.PoolClaimableFee).ApplyDelta(isLong, fixedpoint.Pos(receiverFee)); err != nil {
			return nil, err
		}
	}

	// poolDeposit is what lands in the primary pool; mintAmount is what
	// the minted tokens are valued on.
	poolDeposit, err := fixedpoint.Add(afterFees, poolFee)
	if err != nil {
		return nil, err
	}
	mintAmount := afterFees.Clone()

	if !impactShare.IsZero() {
		impactAmount, _, err := m.SwapImpactAmountWithCap(isLong, price, impactShare)
		if err != nil {
			return nil, err
		}
		if impactShare.IsPositive() {
			// Bonus paid out of the swap impact pool backs extra mint.
			if err := m.Pool(market.PoolSwapImpact).ApplyDelta(isLong, impactAmount.Negated()); err != nil {
				return nil, err
			}
			mintAmount, err = fixedpoint.Add(mintAmount, impactAmount.Abs())
			if err != nil {
				return nil, err
			}
			poolDeposit, err = fixedpoint.Add(poolDeposit, impactAmount.Abs())
			if err != nil {
				return nil, err
			}
		} else {
			mintAmount, err = fixedpoint.Sub(mintAmount, impactAmount.Abs())
			if err != nil {
				return nil, fmt.Errorf("deposit smaller than impact: %w", errs.ErrNotEnoughTokenAmount)
			}
			poolDeposit, err = fixedpoint.Sub(poolDeposit, impactAmount.Abs())
			if err != nil {
				return nil, err
			}
			if err := m.Pool(market.PoolSwapImpact).ApplyDelta(isLong, fixedpoint.Pos(impactAmount.Abs())); err != nil {
				return nil, err
			}
		}
	}

	mintValue, err := fixedpoint.Mul(mintAmount, price.Min)
	if err != nil {
		return nil, err
	}
	poolValue, err := m.PoolValue(prices, market.PnlFactorForDeposit, true)
	if err != nil {
		return nil, err
	}
	supply := m.MarketTokenSupply()
	minted, err := market.UsdToMarketTokenAmount(mintValue, poolValue, supply, fixedpoint.U64(1))
	if err != nil {
		return nil, err
	}

	if err := m.Pool(market.PoolPrimary).ApplyDelta(isLong, fixedpoint.Pos(poolDeposit)); err != nil {
		return nil, err
	}
	newSupply, err := fixedpoint.Add(supply, minted)
	if err != nil {
		return nil, err
	}
	m.SetMarketTokenSupply(newSupply)
	return minted, nil
}

// withdrawFromMarket burns market tokens against pool value and returns
// the long/short token amounts owed, pro-rata to pool composition.
func withdrawFromMarket(
	m *market.Market,
	prices oracle.Prices,
	marketTokenAmount *uint256.Int,
	now int64,
	skipFees bool,
) (longOut, shortOut *uint256.Int, err error) {
	if marketTokenAmount.IsZero() {
		return nil, nil, fmt.Errorf("empty withdrawal: %w", errs.ErrInvalidArgument)
	}
	supply := m.MarketTokenSupply()
	if marketTokenAmount.Gt(supply) {
		return nil, nil, fmt.Errorf("withdrawal exceeds supply: %w", errs.ErrNotEnoughTokenAmount)
	}
	if err := m.DistributePositionImpact(prices, now); err != nil {
		return nil, nil, err
	}

	poolValue, err := m.PoolValue(prices, market.PnlFactorForWithdrawal, false)
	if err != nil {
		return nil, nil, err
	}
	if !poolValue.IsPositive() {
		return nil, nil, fmt.Errorf("pool value not positive: %w", errs.ErrInvalidMarketBalance)
	}
	value, err := market.MarketTokenAmountToUsd(marketTokenAmount, poolValue, supply)
	if err != nil {
		return nil, nil, err
	}

	primary := m.Pool(market.PoolPrimary)
	longPoolValue, err := primary.LongUsdValue(prices.Long.Max)
	if err != nil {
		return nil, nil, err
	}
	shortPoolValue, err := primary.ShortUsdValue(prices.Short.Max)
	if err != nil {
		return nil, nil, err
	}
	totalPoolValue, err := fixedpoint.Add(longPoolValue, shortPoolValue)
	if err != nil {
		return nil, nil, err
	}
	if totalPoolValue.IsZero() {
		return nil, nil, fmt.Errorf("empty pool: %w", errs.ErrInvalidMarketBalance)
	}

	longValue, err := fixedpoint.MulDiv(value, longPoolValue, totalPoolValue)
	if err != nil {
		return nil, nil, err
	}
	shortValue, err := fixedpoint.Sub(value, longValue)
	if err != nil {
		return nil, nil, err
	}

	one := fixedpoint.U64(1)
	longOut, err = withdrawSide(m, longValue, prices.Long, true, one, skipFees)
	if err != nil {
		return nil, nil, err
	}
	shortOut, err = withdrawSide(m, shortValue, prices.Short, false, one, skipFees)
	if err != nil {
		return nil, nil, err
	}

	newSupply, err := fixedpoint.Sub(supply, marketTokenAmount)
	if err != nil {
		return nil, nil, err
	}
	m.SetMarketTokenSupply(newSupply)

	for _, isLong := range []bool{true, false} {
		if err := m.ValidateReserve(isLong, prices); err != nil {
			return nil, nil, err
		}
		if err := m.ValidateOpenInterestReserve(isLong, prices); err != nil {
			return nil, nil, err
		}
	}
	return longOut, shortOut, nil
}

func withdrawSide(
	m *market.Market,
	value *uint256.Int,
	price oracle.Price,
	isLong bool,
	one *uint256.Int,
	skipFees bool,
) (*uint256.Int, error) {
	if value.IsZero() {
		return new(uint256.Int), nil
	}
	gross, err := fixedpoint.MulDiv(value, one, price.Max)
	if err != nil {
		return nil, err
	}

	cfg := m.Config()
	fee := new(uint256.Int)
	receiverFee := new(uint256.Int)
	if !skipFees {
		fee, err = fixedpoint.ApplyFactor(gross, cfg.Get(market.KeySwapFeeFactorForNegativeImpact))
		if err != nil {
			return nil, err
		}
		receiverFee, err = fixedpoint.ApplyFactor(fee, cfg.Get(market.KeySwapFeeReceiverFactor))
		if err != nil {
			return nil, err
		}
	}
	out, err := fixedpoint.Sub(gross, fee)
	if err != nil {
		return nil, err
	}

	// The pool loses the user output plus the receiver share; the pool
	// share of the fee simply stays behind.
	poolLoss, err := fixedpoint.Add(out, receiverFee)
	if err != nil {
		return nil, err
	}
	if err := m.Pool(market.PoolPrimary).ApplyDelta(isLong, fixedpoint.Neg(poolLoss)); err != nil {
		return nil, fmt.Errorf("pool underflow: %w", errs.ErrNotEnoughTokenAmount)
	}
	if !receiverFee.IsZero() {
		if err := m.Pool(market.PoolClaimableFee).ApplyDelta(isLong, fixedpoint.Pos(receiverFee)); err != nil {
			return nil, err
		}
	}
	return out, nil
}
