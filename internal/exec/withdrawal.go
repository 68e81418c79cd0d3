package exec

import (
	"fmt"

	"github.com/holiman/uint256"

	"PerpCore/internal/errs"
	"PerpCore/internal/market"
	"PerpCore/internal/oracle"
	"PerpCore/internal/revertible"
)

// Withdrawal burns market tokens and returns the backing long/short
// tokens pro-rata to pool composition.
type Withdrawal struct {
	Header ActionHeader

	MarketTokenAmount   *uint256.Int
	MinLongTokenAmount  *uint256.Int
	MinShortTokenAmount *uint256.Int
}

func (e *Executor) ExecuteWithdrawal(o *oracle.Oracle, w *Withdrawal, now int64) (*Result, error) {
	return e.run(o, &w.Header, market.ActionWithdrawal, "withdrawal", true, w,
		func(set *revertible.MarketSet) (*outcome, error) {
			m, err := set.Get(w.Header.MarketToken)
			if err != nil {
				return nil, err
			}
			prices, err := m.Prices(o)
			if err != nil {
				return nil, err
			}

			longOut, shortOut, err := withdrawFromMarket(m, prices, w.MarketTokenAmount, now, false)
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

			out := newTransferOut()
			out.LongTokenAmount = longOut
			out.ShortTokenAmount = shortOut
			longToken, shortToken := m.LongToken, m.ShortToken

			return &outcome{
				out: out,
				post: func() error {
					if !longOut.IsZero() {
						if err := e.store.SubVaultBalance(w.Header.MarketToken, longToken, longOut); err != nil {
							return err
						}
					}
					if !shortOut.IsZero() {
						return e.store.SubVaultBalance(w.Header.MarketToken, shortToken, shortOut)
					}
					return nil
				},
			}, nil
		})
}
