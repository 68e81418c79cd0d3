package exec

import (
	"fmt"

	"github.com/holiman/uint256"

	"PerpCore/internal/errs"
	"PerpCore/internal/fixedpoint"
	"PerpCore/internal/glv"
	"PerpCore/internal/market"
	"PerpCore/internal/oracle"
	"PerpCore/internal/revertible"
)

// GlvDeposit contributes long/short tokens, pre-minted market tokens,
// or both to a vault. Header.MarketToken names the member market the
// contribution lands in.
type GlvDeposit struct {
	Header ActionHeader

	GlvToken string

	LongTokenAmount   *uint256.Int
	ShortTokenAmount  *uint256.Int
	MarketTokenAmount *uint256.Int

	MinGlvTokenAmount *uint256.Int
}

// GlvWithdrawal burns GLV tokens against one member market, producing
// that market's long and short tokens.
type GlvWithdrawal struct {
	Header ActionHeader

	GlvToken       string
	GlvTokenAmount *uint256.Int

	MinLongTokenAmount  *uint256.Int
	MinShortTokenAmount *uint256.Int
}

// GlvShift rebalances market tokens between two member markets.
// Header.MarketToken is the source market.
type GlvShift struct {
	Header ActionHeader

	GlvToken      string
	ToMarketToken string

	MarketTokenAmount      *uint256.Int
	MinToMarketTokenAmount *uint256.Int
}

func (e *Executor) ExecuteGlvDeposit(o *oracle.Oracle, d *GlvDeposit, now int64) (*Result, error) {
	return e.run(o, &d.Header, market.ActionGlvDeposit, "glv_deposit", true, d,
		func(set *revertible.MarketSet) (*outcome, error) {
			gv, cfg, err := e.loadGlvMember(d.GlvToken, d.Header.MarketToken)
			if err != nil {
				return nil, err
			}
			if !cfg.IsDepositAllowed {
				return nil, fmt.Errorf("deposits disabled for %s: %w",
					d.Header.MarketToken, errs.ErrInvalidArgument)
			}
			m, err := set.Get(d.Header.MarketToken)
			if err != nil {
				return nil, err
			}
			prices, err := m.Prices(o)
			if err != nil {
				return nil, err
			}

			// Vault value is taken before the contribution so the mint
			// prices the claim against pre-deposit holdings.
			glvValue, err := gv.Value(set.Get, o, market.PnlFactorForDeposit, true)
			if err != nil {
				return nil, err
			}
			glvSupply := gv.Supply.Clone()

			longIn, shortIn := orZero(d.LongTokenAmount), orZero(d.ShortTokenAmount)
			received := orZero(d.MarketTokenAmount).Clone()
			if !longIn.IsZero() || !shortIn.IsZero() {
				minted, err := depositIntoMarket(m, prices, longIn, shortIn, now, false)
				if err != nil {
					return nil, err
				}
				received, err = fixedpoint.Add(received, minted)
				if err != nil {
					return nil, err
				}
			}
			if received.IsZero() {
				return nil, fmt.Errorf("empty glv deposit: %w", errs.ErrInvalidArgument)
			}

			poolValue, err := m.PoolValue(prices, market.PnlFactorForDeposit, true)
			if err != nil {
				return nil, err
			}
			receivedValue, err := market.MarketTokenAmountToUsd(received, poolValue, m.MarketTokenSupply())
			if err != nil {
				return nil, err
			}
			glvAmount, err := market.UsdToMarketTokenAmount(
				receivedValue, fixedpoint.Pos(glvValue), glvSupply, fixedpoint.U64(1))
			if err != nil {
				return nil, err
			}
			if glvSupply.IsZero() && glvAmount.Lt(gv.MinTokensForFirstDeposit) {
				return nil, fmt.Errorf("first deposit mints %s < %s: %w",
					glvAmount.Dec(), gv.MinTokensForFirstDeposit.Dec(), errs.ErrNotEnoughTokenAmount)
			}
			if d.MinGlvTokenAmount != nil && glvAmount.Lt(d.MinGlvTokenAmount) {
				return nil, fmt.Errorf("minted %s < min %s: %w",
					glvAmount.Dec(), d.MinGlvTokenAmount.Dec(), errs.ErrInsufficientOutputAmount)
			}

			if err := gv.ApplyBalanceDelta(d.Header.MarketToken, fixedpoint.Pos(received)); err != nil {
				return nil, err
			}
			gv.Supply, err = fixedpoint.Add(gv.Supply, glvAmount)
			if err != nil {
				return nil, err
			}
			if err := gv.ValidateMarketBalance(d.Header.MarketToken, poolValue, m.MarketTokenSupply()); err != nil {
				return nil, err
			}
			// Withdrawal-kind pnl caps are enforced on the deposit path as
			// well, so vault deposits cannot route around withdrawal risk
			// limits.
			if err := m.ValidateMaxPnl(prices,
				market.PnlFactorForWithdrawal, market.PnlFactorForWithdrawal); err != nil {
				return nil, err
			}

			out := newTransferOut()
			out.FinalOutputToken = gv.GlvToken
			out.FinalOutputAmount = glvAmount

			marketToken := d.Header.MarketToken
			return &outcome{
				out: out,
				post: func() error {
					for _, mv := range []struct {
						token  string
						amount *uint256.Int
					}{{gv.LongToken, longIn}, {gv.ShortToken, shortIn}} {
						if !mv.amount.IsZero() {
							e.store.AddVaultBalance(marketToken, mv.token, mv.amount)
						}
					}
					e.store.AddVaultBalance(gv.GlvToken, marketToken, received)
					e.store.PutGlv(gv)
					return e.checkGlvBacking(gv, marketToken)
				},
			}, nil
		})
}

func (e *Executor) ExecuteGlvWithdrawal(o *oracle.Oracle, w *GlvWithdrawal, now int64) (*Result, error) {
	return e.run(o, &w.Header, market.ActionGlvWithdrawal, "glv_withdrawal", true, w,
		func(set *revertible.MarketSet) (*outcome, error) {
			gv, cfg, err := e.loadGlvMember(w.GlvToken, w.Header.MarketToken)
			if err != nil {
				return nil, err
			}
			if w.GlvTokenAmount.IsZero() {
				return nil, fmt.Errorf("empty glv withdrawal: %w", errs.ErrInvalidArgument)
			}
			if gv.Supply.Lt(w.GlvTokenAmount) {
				return nil, fmt.Errorf("glv supply %s < %s: %w",
					gv.Supply.Dec(), w.GlvTokenAmount.Dec(), errs.ErrNotEnoughTokenAmount)
			}
			m, err := set.Get(w.Header.MarketToken)
			if err != nil {
				return nil, err
			}
			prices, err := m.Prices(o)
			if err != nil {
				return nil, err
			}

			glvValue, err := gv.Value(set.Get, o, market.PnlFactorForWithdrawal, false)
			if err != nil {
				return nil, err
			}
			withdrawValue, err := market.MarketTokenAmountToUsd(
				w.GlvTokenAmount, fixedpoint.Pos(glvValue), gv.Supply)
			if err != nil {
				return nil, err
			}
			poolValue, err := m.PoolValue(prices, market.PnlFactorForWithdrawal, false)
			if err != nil {
				return nil, err
			}
			marketTokenAmount, err := market.UsdToMarketTokenAmount(
				withdrawValue, poolValue, m.MarketTokenSupply(), fixedpoint.U64(1))
			if err != nil {
				return nil, err
			}
			if marketTokenAmount.Gt(cfg.Balance) {
				return nil, fmt.Errorf("glv holds %s of %s: %w",
					cfg.Balance.Dec(), w.Header.MarketToken, errs.ErrNotEnoughTokenAmount)
			}

			longOut, shortOut, err := withdrawFromMarket(m, prices, marketTokenAmount, now, false)
			if err != nil {
				return nil, err
			}
			if w.MinLongTokenAmount != nil && longOut.Lt(w.MinLongTokenAmount) {
				return nil, fmt.Errorf("long output %s < min %s: %w",
					longOut.Dec(), w.MinLongTokenAmount.Dec(), errs.ErrInsufficientOutputAmount)
			}
			if w.MinShortTokenAmount != nil && shortOut.Lt(w.MinShortTokenAmount) {
				return nil, fmt.Errorf("short output %s < min %s: %w",
					shortOut.Dec(), w.MinShortTokenAmount.Dec(), errs.ErrInsufficientOutputAmount)
			}

			if err := gv.ApplyBalanceDelta(w.Header.MarketToken, fixedpoint.Neg(marketTokenAmount)); err != nil {
				return nil, err
			}
			gv.Supply, err = fixedpoint.Sub(gv.Supply, w.GlvTokenAmount)
			if err != nil {
				return nil, err
			}

			out := newTransferOut()
			out.LongTokenAmount = longOut
			out.ShortTokenAmount = shortOut

			marketToken := w.Header.MarketToken
			return &outcome{
				out: out,
				post: func() error {
					if err := e.store.SubVaultBalance(gv.GlvToken, marketToken, marketTokenAmount); err != nil {
						return err
					}
					for _, mv := range []struct {
						token  string
						amount *uint256.Int
					}{{gv.LongToken, longOut}, {gv.ShortToken, shortOut}} {
						if mv.amount.IsZero() {
							continue
						}
						if err := e.store.SubVaultBalance(marketToken, mv.token, mv.amount); err != nil {
							return err
						}
					}
					e.store.PutGlv(gv)
					return e.checkGlvBacking(gv, marketToken)
				},
			}, nil
		})
}

func (e *Executor) ExecuteGlvShift(o *oracle.Oracle, s *GlvShift, now int64) (*Result, error) {
	return e.run(o, &s.Header, market.ActionGlvShift, "glv_shift", true, s,
		func(set *revertible.MarketSet) (*outcome, error) {
			gv, fromCfg, err := e.loadGlvMember(s.GlvToken, s.Header.MarketToken)
			if err != nil {
				return nil, err
			}
			if _, err := gv.Config(s.ToMarketToken); err != nil {
				return nil, err
			}
			if err := gv.ValidateShiftInterval(now); err != nil {
				return nil, err
			}
			if s.MarketTokenAmount.Gt(fromCfg.Balance) {
				return nil, fmt.Errorf("glv holds %s of %s: %w",
					fromCfg.Balance.Dec(), s.Header.MarketToken, errs.ErrNotEnoughTokenAmount)
			}

			from, err := set.Get(s.Header.MarketToken)
			if err != nil {
				return nil, err
			}
			to, err := set.Get(s.ToMarketToken)
			if err != nil {
				return nil, err
			}
			fromPrices, err := from.Prices(o)
			if err != nil {
				return nil, err
			}
			toPrices, err := to.Prices(o)
			if err != nil {
				return nil, err
			}

			fromPoolValue, err := from.PoolValue(fromPrices, market.PnlFactorForDeposit, false)
			if err != nil {
				return nil, err
			}
			fromValue, err := market.MarketTokenAmountToUsd(
				s.MarketTokenAmount, fromPoolValue, from.MarketTokenSupply())
			if err != nil {
				return nil, err
			}
			if err := gv.ValidateShiftValue(fromValue); err != nil {
				return nil, err
			}

			longOut, shortOut, err := withdrawFromMarket(from, fromPrices, s.MarketTokenAmount, now, true)
			if err != nil {
				return nil, err
			}
			minted, err := depositIntoMarket(to, toPrices, longOut, shortOut, now, true)
			if err != nil {
				return nil, err
			}

			toPoolValue, err := to.PoolValue(toPrices, market.PnlFactorForDeposit, false)
			if err != nil {
				return nil, err
			}
			toValue, err := market.MarketTokenAmountToUsd(minted, toPoolValue, to.MarketTokenSupply())
			if err != nil {
				return nil, err
			}
			if err := gv.ValidateShiftImpact(fromValue, toValue); err != nil {
				return nil, err
			}
			if s.MinToMarketTokenAmount != nil && minted.Lt(s.MinToMarketTokenAmount) {
				return nil, fmt.Errorf("minted %s < min %s: %w",
					minted.Dec(), s.MinToMarketTokenAmount.Dec(), errs.ErrInsufficientOutputAmount)
			}

			if err := gv.ApplyBalanceDelta(s.Header.MarketToken, fixedpoint.Neg(s.MarketTokenAmount)); err != nil {
				return nil, err
			}
			if err := gv.ApplyBalanceDelta(s.ToMarketToken, fixedpoint.Pos(minted)); err != nil {
				return nil, err
			}
			if err := gv.ValidateMarketBalance(s.ToMarketToken, toPoolValue, to.MarketTokenSupply()); err != nil {
				return nil, err
			}
			gv.RecordShift(now)

			out := newTransferOut()
			out.FinalOutputToken = s.ToMarketToken
			out.FinalOutputAmount = minted

			fromToken, toToken := s.Header.MarketToken, s.ToMarketToken
			longToken, shortToken := from.LongToken, from.ShortToken
			amount := s.MarketTokenAmount
			return &outcome{
				out: out,
				post: func() error {
					if err := e.store.SubVaultBalance(gv.GlvToken, fromToken, amount); err != nil {
						return err
					}
					e.store.AddVaultBalance(gv.GlvToken, toToken, minted)
					for _, mv := range []struct {
						token  string
						amount *uint256.Int
					}{{longToken, longOut}, {shortToken, shortOut}} {
						if mv.amount.IsZero() {
							continue
						}
						if err := e.store.SubVaultBalance(fromToken, mv.token, mv.amount); err != nil {
							return err
						}
						e.store.AddVaultBalance(toToken, mv.token, mv.amount)
					}
					e.store.PutGlv(gv)
					if err := e.checkGlvBacking(gv, fromToken); err != nil {
						return err
					}
					return e.checkGlvBacking(gv, toToken)
				},
			}, nil
		})
}

func orZero(x *uint256.Int) *uint256.Int {
	if x == nil {
		return new(uint256.Int)
	}
	return x
}

// loadGlvMember clones the vault for revertible mutation and resolves
// the member slot for marketToken on the clone.
func (e *Executor) loadGlvMember(glvToken, marketToken string) (*glv.Glv, *glv.MarketConfig, error) {
	stored, err := e.store.Glv(glvToken)
	if err != nil {
		return nil, nil, err
	}
	gv := stored.Clone()
	cfg, err := gv.Config(marketToken)
	if err != nil {
		return nil, nil, err
	}
	return gv, cfg, nil
}

// checkGlvBacking enforces the backing invariant: the vault's physical
// market-token balance covers the recorded one.
func (e *Executor) checkGlvBacking(gv *glv.Glv, marketToken string) error {
	held := e.store.VaultBalance(gv.GlvToken, marketToken)
	if held.Lt(gv.Balance(marketToken)) {
		return fmt.Errorf("glv %s backing for %s: held %s < recorded %s: %w",
			gv.GlvToken, marketToken, held.Dec(), gv.Balance(marketToken).Dec(), errs.ErrInternal)
	}
	return nil
}
