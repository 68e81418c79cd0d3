package market

import (
	"fmt"

	"github.com/holiman/uint256"

	"PerpCore/internal/errs"
	"PerpCore/internal/fixedpoint"
	"PerpCore/internal/oracle"
)

// ValidatePoolAmount checks the primary pool side against its configured
// amount cap. An unset cap passes everything.
func (m *Market) ValidatePoolAmount(isLongToken bool) error {
	key := KeyMaxPoolAmountForShortToken
	if isLongToken {
		key = KeyMaxPoolAmountForLongToken
	}
	max := m.config.Get(key)
	if max.IsZero() {
		return nil
	}
	if m.pools[PoolPrimary].Amount(isLongToken).Gt(max) {
		return fmt.Errorf("pool amount for long=%v: %w", isLongToken, errs.ErrMaxPoolAmountExceeded)
	}
	return nil
}

// ValidatePoolValueForDeposit checks the deposited side's USD value against
// its configured cap. Used after deposits only.
func (m *Market) ValidatePoolValueForDeposit(isLongToken bool, prices oracle.Prices) error {
	key := KeyMaxPoolValueForDepositForShortToken
	if isLongToken {
		key = KeyMaxPoolValueForDepositForLongToken
	}
	max := m.config.Get(key)
	if max.IsZero() {
		return nil
	}
	price := prices.Short.Max
	if isLongToken {
		price = prices.Long.Max
	}
	value, err := fixedpoint.Mul(m.pools[PoolPrimary].Amount(isLongToken), price)
	if err != nil {
		return err
	}
	if value.Gt(max) {
		return fmt.Errorf("pool value for long=%v: %w", isLongToken, errs.ErrMaxPoolValueExceeded)
	}
	return nil
}

// ValidateOpenInterest checks a side's USD open interest against its cap.
func (m *Market) ValidateOpenInterest(isLong bool) error {
	key := KeyMaxOpenInterestForShort
	if isLong {
		key = KeyMaxOpenInterestForLong
	}
	max := m.config.Get(key)
	if max.IsZero() {
		return nil
	}
	oi, err := m.OpenInterestValue(isLong)
	if err != nil {
		return err
	}
	if oi.Gt(max) {
		return fmt.Errorf("open interest for long=%v: %w", isLong, errs.ErrMaxOpenInterestExceeded)
	}
	return nil
}

func (m *Market) validateReserveWithFactor(isLong bool, prices oracle.Prices, key ConfigKey) error {
	factor := m.config.Get(key)
	if factor.IsZero() {
		return nil
	}
	reserved, err := m.ReservedValue(isLong, prices)
	if err != nil {
		return err
	}
	poolUsd, err := m.sidePoolUsd(isLong, prices)
	if err != nil {
		return err
	}
	maxReserved, err := fixedpoint.ApplyFactor(poolUsd, factor)
	if err != nil {
		return err
	}
	if reserved.Gt(maxReserved) {
		return fmt.Errorf("reserved %s exceeds %s for long=%v: %w",
			reserved.Dec(), maxReserved.Dec(), isLong, errs.ErrInsufficientReserve)
	}
	return nil
}

// ValidateReserve checks a side's reserved value against ReserveFactor.
func (m *Market) ValidateReserve(isLong bool, prices oracle.Prices) error {
	return m.validateReserveWithFactor(isLong, prices, KeyReserveFactor)
}

// ValidateOpenInterestReserve checks a side's reserved value against the
// (typically tighter) OpenInterestReserveFactor.
func (m *Market) ValidateOpenInterestReserve(isLong bool, prices oracle.Prices) error {
	return m.validateReserveWithFactor(isLong, prices, KeyOpenInterestReserveFactor)
}

// ValidateMaxPnl fails when either side's maximized pnl factor exceeds the
// cap selected per side by the given kinds.
func (m *Market) ValidateMaxPnl(prices oracle.Prices, longKind, shortKind PnlFactorKind) error {
	for _, side := range []struct {
		isLong bool
		kind   PnlFactorKind
	}{{true, longKind}, {false, shortKind}} {
		max := m.config.Get(pnlFactorKey(side.kind, side.isLong))
		if max.IsZero() {
			continue
		}
		factor, err := m.PnlFactor(prices, side.isLong, true)
		if err != nil {
			return err
		}
		if factor.IsPositive() && factor.Abs().Gt(max) {
			return fmt.Errorf("pnl factor %s exceeds %s for long=%v: %w",
				factor.String(), max.Dec(), side.isLong, errs.ErrPnlFactorExceeded)
		}
	}
	return nil
}

// ExpectedVaultBalance sums every bucket that must be physically backed by
// the side's vault: primary pool, swap impact, claimable fees and funding,
// and the collateral held in that token. The position impact pool is held
// in index tokens and only backs the long vault when the index token is the
// long token.
func (m *Market) ExpectedVaultBalance(isLongToken bool) (*uint256.Int, error) {
	total := m.pools[PoolPrimary].Amount(isLongToken)

	add := func(amount *uint256.Int) error {
		next, err := fixedpoint.Add(total, amount)
		if err != nil {
			return err
		}
		total = next
		return nil
	}

	if err := add(m.pools[PoolSwapImpact].Amount(isLongToken)); err != nil {
		return nil, err
	}
	if err := add(m.pools[PoolClaimableFee].Amount(isLongToken)); err != nil {
		return nil, err
	}
	claimableFunding := m.pools[PoolClaimableFundingForShort]
	if isLongToken {
		claimableFunding = m.pools[PoolClaimableFundingForLong]
	}
	longSide, err := fixedpoint.Add(claimableFunding.LongAmount(), claimableFunding.ShortAmount())
	if err != nil {
		return nil, err
	}
	if err := add(longSide); err != nil {
		return nil, err
	}
	collateral, err := m.CollateralSum(isLongToken)
	if err != nil {
		return nil, err
	}
	if err := add(collateral); err != nil {
		return nil, err
	}
	if isLongToken && m.IndexToken == m.LongToken {
		if err := add(m.pools[PoolPositionImpact].LongAmount()); err != nil {
			return nil, err
		}
	}
	return total, nil
}

// ValidateMarketBalances checks that each side's vault holds at least the
// expected backing after the pending extra transfers out leave.
func (m *Market) ValidateMarketBalances(
	vaultLong, vaultShort *uint256.Int,
	extraLongOut, extraShortOut *uint256.Int,
) error {
	for _, side := range []struct {
		isLongToken bool
		vault       *uint256.Int
		extraOut    *uint256.Int
	}{{true, vaultLong, extraLongOut}, {false, vaultShort, extraShortOut}} {
		remaining, err := fixedpoint.Sub(side.vault, side.extraOut)
		if err != nil {
			return fmt.Errorf("vault balance underflow for long=%v: %w",
				side.isLongToken, errs.ErrInvalidMarketBalance)
		}
		expected, err := m.ExpectedVaultBalance(side.isLongToken)
		if err != nil {
			return err
		}
		if remaining.Lt(expected) {
			return fmt.Errorf("vault holds %s, needs %s for long=%v: %w",
				remaining.Dec(), expected.Dec(), side.isLongToken, errs.ErrInvalidMarketBalance)
		}
	}
	return nil
}
