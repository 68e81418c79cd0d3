package exec

import (
	"errors"
	"fmt"

	"github.com/holiman/uint256"

	"PerpCore/internal/errs"
	"PerpCore/internal/fixedpoint"
	"PerpCore/internal/market"
	"PerpCore/internal/oracle"
	"PerpCore/internal/position"
	"PerpCore/internal/revertible"
	"PerpCore/internal/store"
	"PerpCore/internal/swap"
)

// Order is the unified order action. Field use depends on Kind:
// swaps fund from InitialCollateralToken and route along Swap.LongPath;
// increases use InitialCollateralDeltaAmount as collateral in (optionally
// swapped to CollateralToken first); decreases use it as the collateral
// withdrawal amount.
type Order struct {
	Header ActionHeader

	Kind            OrderKind
	IsLong          bool
	CollateralToken string

	InitialCollateralToken       string
	InitialCollateralDeltaAmount *uint256.Int
	SizeDeltaUsd                 *uint256.Int

	TriggerPrice    *uint256.Int
	AcceptablePrice *uint256.Int
	MinOutputAmount *uint256.Int

	Swap SwapParams
}

// ExecuteOrder dispatches by order kind. Liquidation and ADL are keeper
// orders synthesized over an existing position.
func (e *Executor) ExecuteOrder(o *oracle.Oracle, ord *Order, now int64) (*Result, error) {
	body := func(set *revertible.MarketSet) (*outcome, error) {
		switch {
		case ord.Kind.IsSwap():
			return e.executeSwapOrder(set, o, ord)
		case ord.Kind.IsIncrease():
			return e.executeIncreaseOrder(set, o, ord, now)
		case ord.Kind.IsDecrease():
			return e.executeDecreaseOrder(set, o, ord, now)
		}
		return nil, fmt.Errorf("order kind %d: %w", ord.Kind, errs.ErrInvalidArgument)
	}
	return e.run(o, &ord.Header, market.ActionOrder, ord.Kind.String(), ord.Kind.IsMarketKind(), ord, body)
}

func (e *Executor) executeSwapOrder(set *revertible.MarketSet, o *oracle.Oracle, ord *Order) (*outcome, error) {
	rep, err := swap.Execute(set, o, swap.Params{
		TokenIn:         ord.InitialCollateralToken,
		AmountIn:        ord.InitialCollateralDeltaAmount,
		Path:            ord.Swap.LongPath,
		MinOutputAmount: ord.MinOutputAmount,
	})
	if err != nil {
		return nil, err
	}

	out := newTransferOut()
	out.FinalOutputToken = rep.TokenOut
	out.FinalOutputAmount = rep.AmountOut
	return &outcome{out: out, post: e.vaultMoveForHops(rep.Hops)}, nil
}

// vaultMoveForHops moves each hop's token-in into and token-out out of
// the hop market's vault, chaining escrow to escrow.
func (e *Executor) vaultMoveForHops(hops []swap.HopReport) func() error {
	return func() error {
		for _, hop := range hops {
			e.store.AddVaultBalance(hop.MarketToken, hop.TokenIn, hop.AmountIn)
			if err := e.store.SubVaultBalance(hop.MarketToken, hop.TokenOut, hop.AmountOut); err != nil {
				return err
			}
		}
		return nil
	}
}

func (e *Executor) executeIncreaseOrder(
	set *revertible.MarketSet,
	o *oracle.Oracle,
	ord *Order,
	now int64,
) (*outcome, error) {
	m, err := set.Get(ord.Header.MarketToken)
	if err != nil {
		return nil, err
	}
	prices, err := m.Prices(o)
	if err != nil {
		return nil, err
	}
	if err := validateTriggerPrice(ord, prices.Index); err != nil {
		return nil, err
	}

	collateralAmount := ord.InitialCollateralDeltaAmount
	var hops []swap.HopReport
	if len(ord.Swap.LongPath) > 0 {
		rep, err := swap.Execute(set, o, swap.Params{
			TokenIn:  ord.InitialCollateralToken,
			AmountIn: ord.InitialCollateralDeltaAmount,
			Path:     ord.Swap.LongPath,
		})
		if err != nil {
			return nil, err
		}
		if rep.TokenOut != ord.CollateralToken {
			return nil, fmt.Errorf("swap path ends at %s, collateral is %s: %w",
				rep.TokenOut, ord.CollateralToken, errs.ErrInvalidArgument)
		}
		collateralAmount = rep.AmountOut
		hops = rep.Hops
	}

	pos, err := e.loadOrCreatePosition(ord)
	if err != nil {
		return nil, err
	}
	rep, err := pos.Increase(m, prices, position.IncreaseParams{
		CollateralDeltaAmount: collateralAmount,
		SizeDeltaUsd:          ord.SizeDeltaUsd,
		AcceptablePrice:       ord.AcceptablePrice,
	}, now)
	if err != nil {
		return nil, err
	}

	out := newTransferOut()
	out.ClaimableLongTokenAmount = rep.Fees.ClaimableLongTokenAmount
	out.ClaimableShortTokenAmount = rep.Fees.ClaimableShortTokenAmount
	marketToken := ord.Header.MarketToken
	collateralToken := ord.CollateralToken
	longToken, shortToken := m.LongToken, m.ShortToken
	return &outcome{
		out: out,
		post: func() error {
			if len(hops) > 0 {
				if err := e.vaultMoveForHops(hops)(); err != nil {
					return err
				}
				// Swap output lands in the position's market vault.
				e.store.AddVaultBalance(marketToken, collateralToken, collateralAmount)
			} else if !collateralAmount.IsZero() {
				e.store.AddVaultBalance(marketToken, collateralToken, collateralAmount)
			}
			if err := e.payClaimableFunding(marketToken, longToken, shortToken, out); err != nil {
				return err
			}
			e.store.PutPosition(pos)
			return nil
		},
	}, nil
}

// payClaimableFunding releases drained claimable-funding amounts from
// the market vault to the user.
func (e *Executor) payClaimableFunding(marketToken, longToken, shortToken string, out *TransferOut) error {
	if !out.ClaimableLongTokenAmount.IsZero() {
		if err := e.store.SubVaultBalance(marketToken, longToken, out.ClaimableLongTokenAmount); err != nil {
			return err
		}
	}
	if !out.ClaimableShortTokenAmount.IsZero() {
		if err := e.store.SubVaultBalance(marketToken, shortToken, out.ClaimableShortTokenAmount); err != nil {
			return err
		}
	}
	return nil
}

func (e *Executor) executeDecreaseOrder(
	set *revertible.MarketSet,
	o *oracle.Oracle,
	ord *Order,
	now int64,
) (*outcome, error) {
	m, err := set.Get(ord.Header.MarketToken)
	if err != nil {
		return nil, err
	}
	prices, err := m.Prices(o)
	if err != nil {
		return nil, err
	}
	if err := validateTriggerPrice(ord, prices.Index); err != nil {
		return nil, err
	}

	key := store.PositionKey{
		Owner:           ord.Header.Owner,
		MarketToken:     ord.Header.MarketToken,
		CollateralToken: ord.CollateralToken,
		IsLong:          ord.IsLong,
	}
	existing, err := e.store.Position(key)
	if err != nil {
		return nil, fmt.Errorf("no position to decrease: %w", errs.ErrInvalidPosition)
	}
	pos := existing.Clone()

	params := position.DecreaseParams{
		SizeDeltaUsd:               ord.SizeDeltaUsd,
		CollateralWithdrawalAmount: ord.InitialCollateralDeltaAmount,
		AcceptablePrice:            ord.AcceptablePrice,
	}

	var adlBefore fixedpoint.Signed
	switch ord.Kind {
	case OrderLiquidation:
		reason, liquidatable, err := pos.CheckLiquidatable(m, prices)
		if err != nil {
			return nil, err
		}
		if !liquidatable {
			return nil, fmt.Errorf("position not liquidatable: %w", errs.ErrInvalidPosition)
		}
		e.log.Info().
			Str("owner", pos.Owner).
			Str("market", pos.MarketToken).
			Str("reason", reason.String()).
			Msg("liquidating position")
		params.SizeDeltaUsd = pos.SizeInUsd.Clone()
		params.CollateralWithdrawalAmount = new(uint256.Int)
		params.AcceptablePrice = nil
		params.IsLiquidation = true
		params.IsInsolventCloseAllowed = true
		params.IsCapSizeDeltaAllowed = true
	case OrderAutoDeleveraging:
		adlBefore, err = e.validateAdlRequired(m, prices, ord.IsLong)
		if err != nil {
			return nil, err
		}
		params.IsCapSizeDeltaAllowed = true
	}

	rep, err := pos.Decrease(m, prices, params, now)
	if err != nil {
		return nil, err
	}

	if ord.Kind == OrderAutoDeleveraging {
		if err := e.validateAdlOutcome(m, prices, ord.IsLong, adlBefore); err != nil {
			return nil, err
		}
	}

	out, hops, err := e.routeDecreaseOutputs(set, o, ord, pos, rep)
	if err != nil {
		return nil, err
	}
	out.ClaimableForHoldingAmount = rep.ClaimableForHoldingAmount
	out.ClaimableLongTokenAmount = rep.Fees.ClaimableLongTokenAmount
	out.ClaimableShortTokenAmount = rep.Fees.ClaimableShortTokenAmount

	marketToken := ord.Header.MarketToken
	longToken, shortToken := m.LongToken, m.ShortToken
	remove := rep.ShouldRemove
	return &outcome{
		out: out,
		post: func() error {
			if remove {
				e.store.RemovePosition(key)
			} else {
				e.store.PutPosition(pos)
			}
			if err := e.vaultMoveForHops(hops)(); err != nil {
				return err
			}
			for _, mv := range []struct {
				token  string
				amount *uint256.Int
			}{
				{out.FinalOutputToken, out.FinalOutputAmount},
				{out.SecondaryOutputToken, out.SecondaryOutputAmount},
			} {
				if mv.token == "" || mv.amount.IsZero() {
					continue
				}
				if err := e.store.SubVaultBalance(marketToken, mv.token, mv.amount); err != nil {
					return err
				}
			}
			return e.payClaimableFunding(marketToken, longToken, shortToken, out)
		},
	}, nil
}

// routeDecreaseOutputs applies the order's swap paths to the decrease
// outputs: LongPath routes the collateral-token output, ShortPath the
// pnl-token output. Outputs landing in the same token merge.
func (e *Executor) routeDecreaseOutputs(
	set *revertible.MarketSet,
	o *oracle.Oracle,
	ord *Order,
	pos *position.Position,
	rep *position.DecreaseReport,
) (*TransferOut, []swap.HopReport, error) {
	out := newTransferOut()
	var hops []swap.HopReport

	outputToken := ord.CollateralToken
	outputAmount := rep.OutputAmount
	if len(ord.Swap.LongPath) > 0 && !outputAmount.IsZero() {
		srep, err := swap.Execute(set, o, swap.Params{
			TokenIn:         outputToken,
			AmountIn:        outputAmount,
			Path:            ord.Swap.LongPath,
			MinOutputAmount: ord.MinOutputAmount,
		})
		if err != nil {
			return nil, nil, err
		}
		outputToken, outputAmount = srep.TokenOut, srep.AmountOut
		hops = append(hops, srep.Hops...)
	} else if ord.MinOutputAmount != nil && outputAmount.Lt(ord.MinOutputAmount) {
		return nil, nil, fmt.Errorf("output %s < min %s: %w",
			outputAmount.Dec(), ord.MinOutputAmount.Dec(), errs.ErrInsufficientOutputAmount)
	}
	out.FinalOutputToken = outputToken
	out.FinalOutputAmount = outputAmount

	if rep.SecondaryOutputAmount.IsZero() {
		return out, hops, nil
	}
	secondaryToken := pos.PnlToken(marketOf(set, ord.Header.MarketToken))
	secondaryAmount := rep.SecondaryOutputAmount
	if len(ord.Swap.ShortPath) > 0 {
		srep, err := swap.Execute(set, o, swap.Params{
			TokenIn:  secondaryToken,
			AmountIn: secondaryAmount,
			Path:     ord.Swap.ShortPath,
		})
		if err != nil {
			return nil, nil, err
		}
		secondaryToken, secondaryAmount = srep.TokenOut, srep.AmountOut
		hops = append(hops, srep.Hops...)
	}
	if secondaryToken == out.FinalOutputToken {
		merged, err := fixedpoint.Add(out.FinalOutputAmount, secondaryAmount)
		if err != nil {
			return nil, nil, err
		}
		out.FinalOutputAmount = merged
		return out, hops, nil
	}
	out.SecondaryOutputToken = secondaryToken
	out.SecondaryOutputAmount = secondaryAmount
	return out, hops, nil
}

func marketOf(set *revertible.MarketSet, marketToken string) *market.Market {
	m, _ := set.Get(marketToken)
	return m
}

func (e *Executor) loadOrCreatePosition(ord *Order) (*position.Position, error) {
	key := store.PositionKey{
		Owner:           ord.Header.Owner,
		MarketToken:     ord.Header.MarketToken,
		CollateralToken: ord.CollateralToken,
		IsLong:          ord.IsLong,
	}
	existing, err := e.store.Position(key)
	if err != nil {
		if errors.Is(err, errs.ErrNotFound) {
			return position.New(key.Owner, key.MarketToken, key.CollateralToken, key.IsLong), nil
		}
		return nil, err
	}
	return existing.Clone(), nil
}

// validateTriggerPrice enforces the limit/stop trigger against the index
// price. Market kinds and keeper kinds have no trigger.
func validateTriggerPrice(ord *Order, index oracle.Price) error {
	if ord.TriggerPrice == nil || ord.TriggerPrice.IsZero() {
		switch ord.Kind {
		case OrderLimitIncrease, OrderLimitDecrease, OrderStopLossDecrease:
			return fmt.Errorf("missing trigger price: %w", errs.ErrInvalidTriggerPrice)
		}
		return nil
	}
	ok := true
	switch ord.Kind {
	case OrderLimitIncrease:
		// Buy at or below trigger (long), sell at or above (short).
		if ord.IsLong {
			ok = !index.Max.Gt(ord.TriggerPrice)
		} else {
			ok = !index.Min.Lt(ord.TriggerPrice)
		}
	case OrderLimitDecrease:
		// Take-profit: close longs above trigger, shorts below.
		if ord.IsLong {
			ok = !index.Min.Lt(ord.TriggerPrice)
		} else {
			ok = !index.Max.Gt(ord.TriggerPrice)
		}
	case OrderStopLossDecrease:
		if ord.IsLong {
			ok = !index.Min.Gt(ord.TriggerPrice)
		} else {
			ok = !index.Max.Lt(ord.TriggerPrice)
		}
	}
	if !ok {
		return fmt.Errorf("index not at trigger %s: %w", ord.TriggerPrice.Dec(), errs.ErrInvalidTriggerPrice)
	}
	return nil
}

// validateAdlRequired gates ADL on the side's pnl factor exceeding the
// ForAdl bound, returning the pre-execution factor.
func (e *Executor) validateAdlRequired(
	m *market.Market,
	prices oracle.Prices,
	isLong bool,
) (fixedpoint.Signed, error) {
	factor, err := m.PnlFactor(prices, isLong, true)
	if err != nil {
		return fixedpoint.Signed{}, err
	}
	bound := m.Config().Get(market.PnlFactorConfigKey(market.PnlFactorForAdl, isLong))
	if factor.Cmp(fixedpoint.Pos(bound)) <= 0 {
		return fixedpoint.Signed{}, fmt.Errorf("pnl factor within bound: %w", errs.ErrAdlNotRequired)
	}
	return factor, nil
}

// validateAdlOutcome requires the factor to have strictly decreased and
// to have stayed at or above the MinAfterAdl floor.
func (e *Executor) validateAdlOutcome(
	m *market.Market,
	prices oracle.Prices,
	isLong bool,
	before fixedpoint.Signed,
) error {
	after, err := m.PnlFactor(prices, isLong, true)
	if err != nil {
		return err
	}
	if after.Cmp(before) >= 0 {
		return fmt.Errorf("pnl factor did not decrease: %w", errs.ErrInvalidAdl)
	}
	floor := m.Config().Get(market.PnlFactorConfigKey(market.PnlFactorAfterAdl, isLong))
	if after.Cmp(fixedpoint.Pos(floor)) < 0 {
		return fmt.Errorf("pnl factor fell below floor: %w", errs.ErrInvalidAdl)
	}
	return nil
}
