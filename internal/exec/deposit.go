package exec

import (
	"fmt"

	"github.com/holiman/uint256"

	"PerpCore/internal/errs"
	"PerpCore/internal/market"
	"PerpCore/internal/oracle"
	"PerpCore/internal/revertible"
)

// Deposit provides long/short tokens to a market's pool in exchange for
// freshly minted market tokens.
type Deposit struct {
	Header ActionHeader

	LongTokenAmount      *uint256.Int
	ShortTokenAmount     *uint256.Int
	MinMarketTokenAmount *uint256.Int
}

// ExecuteDeposit runs a deposit at the oracle's prices. now is the
// execution timestamp used for clock catch-up.
func (e *Executor) ExecuteDeposit(o *oracle.Oracle, d *Deposit, now int64) (*Result, error) {
	return e.run(o, &d.Header, market.ActionDeposit, "deposit", true, d,
		func(set *revertible.MarketSet) (*outcome, error) {
			m, err := set.Get(d.Header.MarketToken)
			if err != nil {
				return nil, err
			}
			prices, err := m.Prices(o)
			if err != nil {
				return nil, err
			}

			minted, err := depositIntoMarket(m, prices, d.LongTokenAmount, d.ShortTokenAmount, now, false)
			if err != nil {
				return nil, err
			}
			if d.MinMarketTokenAmount != nil && minted.Lt(d.MinMarketTokenAmount) {
				return nil, fmt.Errorf("minted %s < min %s: %w",
					minted.Dec(), d.MinMarketTokenAmount.Dec(), errs.ErrInsufficientOutputAmount)
			}

			out := newTransferOut()
			out.FinalOutputToken = m.MarketToken
			out.FinalOutputAmount = minted
			longToken, shortToken := m.LongToken, m.ShortToken

			return &outcome{
				out: out,
				post: func() error {
					if !d.LongTokenAmount.IsZero() {
						e.store.AddVaultBalance(d.Header.MarketToken, longToken, d.LongTokenAmount)
					}
					if !d.ShortTokenAmount.IsZero() {
						e.store.AddVaultBalance(d.Header.MarketToken, shortToken, d.ShortTokenAmount)
					}
					return nil
				},
			}, nil
		})
}
