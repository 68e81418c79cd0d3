package ledger

import (
	"fmt"
	"sync"

	"PerpCore/internal/fixedpoint"
)

// BalanceTracker folds journal entries into per-account signed
// balances. Vault accounts run negative as payouts leave them; the
// per-token sum across all accounts is always zero.
type BalanceTracker struct {
	mu       sync.RWMutex
	balances map[AccountKey]fixedpoint.Signed
}

func NewBalanceTracker() *BalanceTracker {
	return &BalanceTracker{
		balances: make(map[AccountKey]fixedpoint.Signed),
	}
}

// Apply moves an entry's amount: debit gains, credit loses.
func (bt *BalanceTracker) Apply(e Entry) error {
	bt.mu.Lock()
	defer bt.mu.Unlock()

	amount := fixedpoint.Pos(e.Amount)
	debit, err := bt.balances[e.Debit].Add(amount)
	if err != nil {
		return fmt.Errorf("debit %s: %w", e.Debit, err)
	}
	credit, err := bt.balances[e.Credit].Sub(amount)
	if err != nil {
		return fmt.Errorf("credit %s: %w", e.Credit, err)
	}
	bt.balances[e.Debit] = debit
	bt.balances[e.Credit] = credit
	return nil
}

// ApplyBatch validates and applies every entry in a batch.
func (bt *BalanceTracker) ApplyBatch(b *Batch) error {
	if err := b.Validate(); err != nil {
		return fmt.Errorf("invalid batch %s: %w", b.BatchID, err)
	}
	for _, e := range b.Entries {
		if err := bt.Apply(e); err != nil {
			return err
		}
	}
	return nil
}

// Balance returns the current balance of one account.
func (bt *BalanceTracker) Balance(key AccountKey) fixedpoint.Signed {
	bt.mu.RLock()
	defer bt.mu.RUnlock()
	return bt.balances[key]
}

// UserBalance returns what a user has been paid in a token, net of
// anything journaled back.
func (bt *BalanceTracker) UserBalance(owner, token string) fixedpoint.Signed {
	return bt.Balance(UserAccount(owner, token))
}

// VaultOutflow returns how much of a token has left a market's vault
// through journaled payouts. Positive means net outflow.
func (bt *BalanceTracker) VaultOutflow(marketToken, token string) fixedpoint.Signed {
	return bt.Balance(VaultAccount(marketToken, token)).Negated()
}

// TokenImbalance sums every account's balance for a token. A non-zero
// result means a journal write was lost or double-applied.
func (bt *BalanceTracker) TokenImbalance(token string) (fixedpoint.Signed, error) {
	bt.mu.RLock()
	defer bt.mu.RUnlock()

	sum := fixedpoint.SignedZero()
	for key, balance := range bt.balances {
		if key.Token != token {
			continue
		}
		next, err := sum.Add(balance)
		if err != nil {
			return fixedpoint.SignedZero(), err
		}
		sum = next
	}
	return sum, nil
}
