package ledger

import (
	"fmt"

	"PerpCore/internal/errs"
)

// Validate checks every entry is a well-formed movement: a positive
// amount of a named token between two distinct accounts that both
// carry that token.
func (b *Batch) Validate() error {
	for i, e := range b.Entries {
		if e.Amount == nil || e.Amount.IsZero() {
			return fmt.Errorf("entry %d has no amount: %w", i, errs.ErrInvalidArgument)
		}
		if e.Token == "" {
			return fmt.Errorf("entry %d has no token: %w", i, errs.ErrInvalidArgument)
		}
		if e.Debit == e.Credit {
			return fmt.Errorf("entry %d debits and credits %s: %w", i, e.Debit, errs.ErrInvalidArgument)
		}
		if e.Debit.Token != e.Token || e.Credit.Token != e.Token {
			return fmt.Errorf("entry %d mixes tokens: %w", i, errs.ErrInvalidArgument)
		}
	}
	return nil
}
