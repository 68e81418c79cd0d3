package market

import (
	"github.com/holiman/uint256"
)

// ConfigKey names one market config factor. Values are 10^20-based factors
// unless the key name says Amount or Usd.
type ConfigKey int

const (
	// Swap.
	KeySwapImpactExponent ConfigKey = iota
	KeySwapImpactPositiveFactor
	KeySwapImpactNegativeFactor
	KeySwapFeeReceiverFactor
	KeySwapFeeFactorForPositiveImpact
	KeySwapFeeFactorForNegativeImpact

	// Position general.
	KeyMinPositionSizeUsd
	KeyMinCollateralValue
	KeyMinCollateralFactor
	KeyMinCollateralFactorForOpenInterestMultiplierForLong
	KeyMinCollateralFactorForOpenInterestMultiplierForShort
	KeyMaxPositivePositionImpactFactor
	KeyMaxNegativePositionImpactFactor
	KeyMaxPositionImpactFactorForLiquidations

	// Position impact.
	KeyPositionImpactExponent
	KeyPositionImpactPositiveFactor
	KeyPositionImpactNegativeFactor
	KeyPositionImpactDistributeFactor
	KeyMinPositionImpactPoolAmount // amount

	// Order fee.
	KeyOrderFeeReceiverFactor
	KeyOrderFeeFactorForPositiveImpact
	KeyOrderFeeFactorForNegativeImpact

	// Liquidation.
	KeyLiquidationFeeReceiverFactor
	KeyLiquidationFeeFactor

	// Borrowing.
	KeyBorrowingFeeReceiverFactor
	KeyBorrowingFeeFactorForLong
	KeyBorrowingFeeFactorForShort
	KeyBorrowingFeeExponentForLong
	KeyBorrowingFeeExponentForShort
	KeyBorrowingFeeOptimalUsageFactorForLong
	KeyBorrowingFeeOptimalUsageFactorForShort
	KeyBorrowingFeeBaseFactorForLong
	KeyBorrowingFeeBaseFactorForShort
	KeyBorrowingFeeAboveOptimalUsageFactorForLong
	KeyBorrowingFeeAboveOptimalUsageFactorForShort

	// Funding.
	KeyFundingFeeExponent
	KeyFundingFeeFactor
	KeyFundingFeeMaxFactorPerSecond
	KeyFundingFeeMinFactorPerSecond
	KeyFundingFeeIncreaseFactorPerSecond
	KeyFundingFeeDecreaseFactorPerSecond
	KeyFundingFeeThresholdForStableFunding
	KeyFundingFeeThresholdForDecreaseFunding

	// Reserves and limits.
	KeyReserveFactor
	KeyOpenInterestReserveFactor
	KeyMaxPoolAmountForLongToken  // amount
	KeyMaxPoolAmountForShortToken // amount
	KeyMaxPoolValueForDepositForLongToken
	KeyMaxPoolValueForDepositForShortToken
	KeyMaxOpenInterestForLong
	KeyMaxOpenInterestForShort
	KeyMinTokensForFirstDeposit // amount

	// Max-PnL family.
	KeyMaxPnlFactorForLongDeposit
	KeyMaxPnlFactorForShortDeposit
	KeyMaxPnlFactorForLongWithdrawal
	KeyMaxPnlFactorForShortWithdrawal
	KeyMaxPnlFactorForLongTrader
	KeyMaxPnlFactorForShortTrader
	KeyMaxPnlFactorForLongAdl
	KeyMaxPnlFactorForShortAdl
	KeyMinPnlFactorForLongAfterAdl
	KeyMinPnlFactorForShortAfterAdl

	numConfigKeys
)

// Flag is one bit of the market flag bitmap.
type Flag uint8

const (
	FlagSkipBorrowingFeeForSmallerSide Flag = 1 << iota
	FlagIgnoreOpenInterestForUsageFactor
)

// Config holds the named factors of one market. Unset keys read as zero,
// which disables the corresponding cap or fee.
type Config struct {
	factors [numConfigKeys]*uint256.Int
	flags   Flag
}

// NewConfig returns an all-zero config.
func NewConfig() *Config {
	return &Config{}
}

// Set stores a factor value, cloning it.
func (c *Config) Set(key ConfigKey, value *uint256.Int) *Config {
	c.factors[key] = value.Clone()
	return c
}

// Get reads a factor value; unset keys read as zero.
func (c *Config) Get(key ConfigKey) *uint256.Int {
	if v := c.factors[key]; v != nil {
		return v.Clone()
	}
	return new(uint256.Int)
}

// ConfigKeys lists every key in declaration order.
func ConfigKeys() []ConfigKey {
	keys := make([]ConfigKey, 0, numConfigKeys)
	for k := ConfigKey(0); k < numConfigKeys; k++ {
		keys = append(keys, k)
	}
	return keys
}

// Flags returns the raw flag bitmap.
func (c *Config) Flags() Flag {
	return c.flags
}

// SetFlags replaces the flag bitmap wholesale.
func (c *Config) SetFlags(f Flag) *Config {
	c.flags = f
	return c
}

// IsSet reports whether the key was explicitly configured.
func (c *Config) IsSet(key ConfigKey) bool {
	return c.factors[key] != nil
}

// SetFlag sets or clears a flag bit.
func (c *Config) SetFlag(flag Flag, on bool) *Config {
	if on {
		c.flags |= flag
	} else {
		c.flags &^= flag
	}
	return c
}

// HasFlag reads a flag bit.
func (c *Config) HasFlag(flag Flag) bool {
	return c.flags&flag != 0
}

// Clone deep-copies the config.
func (c *Config) Clone() *Config {
	out := &Config{flags: c.flags}
	for i, v := range c.factors {
		if v != nil {
			out.factors[i] = v.Clone()
		}
	}
	return out
}

// PnlFactorKind selects which configured max/min PnL factor applies.
type PnlFactorKind int

const (
	PnlFactorForDeposit PnlFactorKind = iota
	PnlFactorForWithdrawal
	PnlFactorForTrader
	PnlFactorForAdl
	PnlFactorAfterAdl
)

func (k PnlFactorKind) String() string {
	switch k {
	case PnlFactorForDeposit:
		return "Deposit"
	case PnlFactorForWithdrawal:
		return "Withdrawal"
	case PnlFactorForTrader:
		return "Trader"
	case PnlFactorForAdl:
		return "Adl"
	case PnlFactorAfterAdl:
		return "AfterAdl"
	default:
		return "Unknown"
	}
}

// pnlFactorKey maps a kind and side to its config key.
// PnlFactorConfigKey resolves the config key holding the pnl factor bound
// for the kind and side.
func PnlFactorConfigKey(kind PnlFactorKind, isLong bool) ConfigKey {
	return pnlFactorKey(kind, isLong)
}

func pnlFactorKey(kind PnlFactorKind, isLong bool) ConfigKey {
	switch kind {
	case PnlFactorForDeposit:
		if isLong {
			return KeyMaxPnlFactorForLongDeposit
		}
		return KeyMaxPnlFactorForShortDeposit
	case PnlFactorForWithdrawal:
		if isLong {
			return KeyMaxPnlFactorForLongWithdrawal
		}
		return KeyMaxPnlFactorForShortWithdrawal
	case PnlFactorForTrader:
		if isLong {
			return KeyMaxPnlFactorForLongTrader
		}
		return KeyMaxPnlFactorForShortTrader
	case PnlFactorForAdl:
		if isLong {
			return KeyMaxPnlFactorForLongAdl
		}
		return KeyMaxPnlFactorForShortAdl
	case PnlFactorAfterAdl:
		if isLong {
			return KeyMinPnlFactorForLongAfterAdl
		}
		return KeyMinPnlFactorForShortAfterAdl
	}
	return numConfigKeys
}
