// Package ledger keeps a double-entry journal of token movements
// produced by executed actions. Every payout debits the receiving
// user account and credits the market vault, so per-token sums across
// all accounts stay at zero and vault drift is detectable.
package ledger

import "fmt"

// AccountScope is the top-level account namespace.
type AccountScope uint8

const (
	ScopeVault AccountScope = iota
	ScopeUser
	ScopeExternal
)

func (s AccountScope) String() string {
	switch s {
	case ScopeVault:
		return "vault"
	case ScopeUser:
		return "user"
	case ScopeExternal:
		return "external"
	}
	return "unknown"
}

// AccountKey identifies one balance bucket: a holder and a token.
// Holder is the market token for vaults, the owner for users, and
// empty for the external world.
type AccountKey struct {
	Scope  AccountScope
	Holder string
	Token  string
}

func VaultAccount(marketToken, token string) AccountKey {
	return AccountKey{Scope: ScopeVault, Holder: marketToken, Token: token}
}

func UserAccount(owner, token string) AccountKey {
	return AccountKey{Scope: ScopeUser, Holder: owner, Token: token}
}

func ExternalAccount(token string) AccountKey {
	return AccountKey{Scope: ScopeExternal, Token: token}
}

func (k AccountKey) String() string {
	if k.Holder == "" {
		return fmt.Sprintf("%s:%s", k.Scope, k.Token)
	}
	return fmt.Sprintf("%s:%s:%s", k.Scope, k.Holder, k.Token)
}
