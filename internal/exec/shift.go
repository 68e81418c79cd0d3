package exec

import (
	"fmt"

	"github.com/holiman/uint256"

	"PerpCore/internal/errs"
	"PerpCore/internal/market"
	"PerpCore/internal/oracle"
	"PerpCore/internal/revertible"
)

// Shift moves liquidity between two markets sharing the same long and
// short tokens: burn market tokens in one, mint in the other. Impact
// applies on both legs but swap fees do not.
type Shift struct {
	Header ActionHeader // Header.MarketToken is the from-market

	ToMarketToken          string
	MarketTokenAmount      *uint256.Int
	MinToMarketTokenAmount *uint256.Int
}

func (e *Executor) ExecuteShift(o *oracle.Oracle, s *Shift, now int64) (*Result, error) {
	return e.run(o, &s.Header, market.ActionShift, "shift", true, s,
		func(set *revertible.MarketSet) (*outcome, error) {
			from, err := set.Get(s.Header.MarketToken)
			if err != nil {
				return nil, err
			}
			to, err := set.Get(s.ToMarketToken)
			if err != nil {
				return nil, err
			}
			if from.LongToken != to.LongToken || from.ShortToken != to.ShortToken {
				return nil, fmt.Errorf("shift across token pairs: %w", errs.ErrInvalidArgument)
			}

			fromPrices, err := from.Prices(o)
			if err != nil {
				return nil, err
			}
			toPrices, err := to.Prices(o)
			if err != nil {
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
			if s.MinToMarketTokenAmount != nil && minted.Lt(s.MinToMarketTokenAmount) {
				return nil, fmt.Errorf("minted %s < min %s: %w",
					minted.Dec(), s.MinToMarketTokenAmount.Dec(), errs.ErrInsufficientOutputAmount)
			}

			out := newTransferOut()
			out.FinalOutputToken = to.MarketToken
			out.FinalOutputAmount = minted
			longToken, shortToken := from.LongToken, from.ShortToken

			return &outcome{
				out: out,
				post: func() error {
					// Long/short tokens move vault to vault with the
					// liquidity they back.
					for _, mv := range []struct {
						token  string
						amount *uint256.Int
					}{{longToken, longOut}, {shortToken, shortOut}} {
						if mv.amount.IsZero() {
							continue
						}
						if err := e.store.SubVaultBalance(s.Header.MarketToken, mv.token, mv.amount); err != nil {
							return err
						}
						e.store.AddVaultBalance(s.ToMarketToken, mv.token, mv.amount)
					}
					return nil
				},
			}, nil
		})
}
